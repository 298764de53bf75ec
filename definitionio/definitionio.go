// Package definitionio loads and saves ServiceDefinition documents from
// disk, in YAML (canonical) or JSON form, rejecting unknown top-level
// keys rather than silently ignoring them and writing atomically via a
// temp-file-then-rename. It is grounded on the teacher's config/config.go
// (atomic Save via os.CreateTemp + os.Rename, Load with a not-exist
// fallback), generalized here from the teacher's single AppConfig file to
// the many-document ServiceDefinition format and its stricter decode
// requirement.
package definitionio

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"apisim/models"
)

var knownTopLevelKeys = map[string]bool{
	"name": true, "version": true, "server": true, "default_scenario": true,
	"endpoints": true, "scenarios": true, "recording": true,
}

// Load reads a ServiceDefinition document from path. Format is inferred
// from the extension (.json is JSON, anything else, .yml/.yaml included,
// is YAML); unknown top-level keys are rejected.
func Load(path string) (*models.ServiceDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("definitionio: could not open %s: %w", path, err)
	}
	return Parse(data, formatFor(path))
}

// Format names the on-disk document format.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

func formatFor(path string) Format {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		return FormatJSON
	}
	return FormatYAML
}

// Parse decodes data in the given format into a ServiceDefinition,
// rejecting any top-level key not in the known model.
func Parse(data []byte, format Format) (*models.ServiceDefinition, error) {
	if err := checkUnknownKeys(data, format); err != nil {
		return nil, err
	}

	var def models.ServiceDefinition
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&def); err != nil {
			return nil, fmt.Errorf("definitionio: could not decode JSON: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("definitionio: could not decode YAML: %w", err)
		}
	}
	return &def, nil
}

func checkUnknownKeys(data []byte, format Format) error {
	var raw map[string]any
	var err error
	switch format {
	case FormatJSON:
		err = json.Unmarshal(data, &raw)
	default:
		err = yaml.Unmarshal(data, &raw)
	}
	if err != nil {
		return fmt.Errorf("definitionio: could not parse document: %w", err)
	}
	for key := range raw {
		if !knownTopLevelKeys[key] {
			return fmt.Errorf("definitionio: unknown top-level key %q", key)
		}
	}
	return nil
}

// Save writes def to path atomically: encode to a temp file in the same
// directory, then rename over the destination. Format is inferred from
// the path's extension, same rule as Load, so a load → save → load
// round-trip always produces a semantically equal definition.
func Save(path string, def *models.ServiceDefinition) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("definitionio: could not create directory: %w", err)
	}

	var encoded []byte
	var err error
	switch formatFor(path) {
	case FormatJSON:
		encoded, err = json.MarshalIndent(def, "", "  ")
	default:
		encoded, err = yaml.Marshal(def)
	}
	if err != nil {
		return fmt.Errorf("definitionio: could not encode definition: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "definition-*.tmp")
	if err != nil {
		return fmt.Errorf("definitionio: could not create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		return fmt.Errorf("definitionio: could not write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("definitionio: could not close temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("definitionio: could not replace definition file: %w", err)
	}
	return nil
}
