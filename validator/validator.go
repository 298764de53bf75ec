// Package validator implements the pure definition-model checks of C2: it
// never mutates a ServiceDefinition, never performs I/O, and accumulates
// every violation it finds into one report rather than stopping at the
// first. It is grounded on the teacher's server/validation.go request-time
// checks, generalized here to whole-document, load-time validation.
package validator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"apisim/models"
)

var validMethods = map[string]bool{
	models.MethodGet: true, models.MethodPost: true, models.MethodPut: true,
	models.MethodPatch: true, models.MethodDelete: true, models.MethodHead: true,
	models.MethodOptions: true,
}

var validMutations = map[string]bool{
	models.MutateSet: true, models.MutateIncr: true, models.MutateAppend: true,
}

// Validate checks a ServiceDefinition against every invariant in the data
// model and returns a report accumulating all findings. A report with no
// Errors means the definition is safe to install and run.
func Validate(def *models.ServiceDefinition) models.ValidationReport {
	var report models.ValidationReport
	v := &validation{def: def, report: &report}
	v.run()
	return report
}

type validation struct {
	def    *models.ServiceDefinition
	report *models.ValidationReport
}

func (v *validation) fail(path, format string, args ...any) {
	v.report.Errors = append(v.report.Errors, models.Diagnostic{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *validation) warn(path, suggestion, format string, args ...any) {
	v.report.Warnings = append(v.report.Warnings, models.Diagnostic{Path: path, Message: fmt.Sprintf(format, args...), Suggestion: suggestion})
}

func (v *validation) run() {
	if v.def.Name == "" {
		v.fail("name", "service name must not be empty")
	}
	if v.def.Server.Port != "" && !v.def.Server.IsAutoPort() {
		if !regexp.MustCompile(`^\d+$`).MatchString(v.def.Server.Port) {
			v.fail("server.port", "port %q is not numeric or \"auto\"", v.def.Server.Port)
		}
	}

	scenarioNames := map[string]bool{models.DefaultScenario: true}
	for i, s := range v.def.Scenarios {
		path := fmt.Sprintf("scenarios[%d]", i)
		if s.Name == "" {
			v.fail(path+".name", "scenario name must not be empty")
			continue
		}
		if scenarioNames[s.Name] {
			v.fail(path+".name", "duplicate scenario name %q", s.Name)
		}
		scenarioNames[s.Name] = true
	}

	if v.def.DefaultScenario != "" && !scenarioNames[v.def.DefaultScenario] {
		v.fail("default_scenario", "default scenario %q is not defined", v.def.DefaultScenario)
	}

	v.validateEndpoints(scenarioNames)
	v.checkAmbiguity()
}

func (v *validation) validateEndpoints(scenarioNames map[string]bool) {
	seenIDs := map[string]bool{}
	for i, ep := range v.def.Endpoints {
		path := fmt.Sprintf("endpoints[%d]", i)

		if ep.ID != "" {
			if seenIDs[ep.ID] {
				v.fail(path+".id", "duplicate endpoint id %q", ep.ID)
			}
			seenIDs[ep.ID] = true
		}

		if !validMethods[strings.ToUpper(ep.Method)] {
			v.fail(path+".method", "unsupported method %q", ep.Method)
		}

		if err := validatePathPattern(ep.Path); err != nil {
			v.fail(path+".path", "%v", err)
		}

		if len(ep.Responses) == 0 {
			v.fail(path+".responses", "endpoint has no response rules")
		}

		seenDefault := false
		seenScenario := map[string]bool{}
		for j, r := range ep.Responses {
			rpath := fmt.Sprintf("%s.responses[%d]", path, j)
			if r.IsDefault() {
				if seenDefault {
					v.fail(rpath+".scenario", "endpoint has more than one default response rule")
				}
				seenDefault = true
			} else {
				if !scenarioNames[r.Scenario] {
					v.fail(rpath+".scenario", "response rule references undefined scenario %q", r.Scenario)
				}
				if seenScenario[r.Scenario] {
					v.fail(rpath+".scenario", "duplicate response rule for scenario %q", r.Scenario)
				}
				seenScenario[r.Scenario] = true
			}
			if r.Status < 100 || r.Status > 599 {
				v.fail(rpath+".status", "status %d is not a valid HTTP status code", r.Status)
			}
			if r.StateMutation != nil && !validMutations[r.StateMutation.Op] {
				v.fail(rpath+".state_mutation.op", "unknown mutation op %q", r.StateMutation.Op)
			}
		}

		if ep.RequestBodySchema != nil {
			v.validateSchemaShape(path+".request_body_schema", ep.RequestBodySchema)
		}
	}
}

// validateSchemaShape loads the advisory JSON-schema-shaped map through
// kin-openapi's schema loader purely to catch structurally malformed
// schemas at load time; it never gates request handling (§4.5 does not
// consult it), it only warns so the definition can still install.
func (v *validation) validateSchemaShape(path string, schema map[string]any) {
	data, err := marshalSchema(schema)
	if err != nil {
		v.warn(path, "", "request body schema could not be serialised: %v", err)
		return
	}
	loader := openapi3.NewLoader()
	s, err := loader.LoadFromData(data)
	if err != nil || s == nil {
		v.warn(path, "fix the schema or remove it; it is advisory only", "request body schema is not a valid JSON Schema/OpenAPI schema object: %v", err)
		return
	}
	if err := s.Validate(loader.Context); err != nil {
		v.warn(path, "", "request body schema failed structural validation: %v", err)
	}
}

// checkAmbiguity implements the deterministic specificity rule: for each
// method, two path patterns are ambiguous when neither is more specific
// than the other at every differing segment (literal beats parameter).
func (v *validation) checkAmbiguity() {
	byMethod := map[string][]struct {
		idx  int
		segs []segment
	}{}
	for i, ep := range v.def.Endpoints {
		segs, err := splitPattern(ep.Path)
		if err != nil {
			continue
		}
		m := strings.ToUpper(ep.Method)
		byMethod[m] = append(byMethod[m], struct {
			idx  int
			segs []segment
		}{i, segs})
	}

	for _, eps := range byMethod {
		for a := 0; a < len(eps); a++ {
			for b := a + 1; b < len(eps); b++ {
				if ambiguous(eps[a].segs, eps[b].segs) {
					v.fail(
						fmt.Sprintf("endpoints[%d].path", eps[b].idx),
						"ambiguous with endpoints[%d]: %q and %q have equal specificity",
						eps[a].idx, v.def.Endpoints[eps[a].idx].Path, v.def.Endpoints[eps[b].idx].Path,
					)
				}
			}
		}
	}
}

type segment struct {
	literal string
	isParam bool
}

func splitPattern(pattern string) ([]segment, error) {
	if pattern == "" || pattern[0] != '/' {
		return nil, fmt.Errorf("path pattern must start with %q", "/")
	}
	parts := strings.Split(strings.Trim(pattern, "/"), "/")
	if len(parts) == 1 && parts[0] == "" {
		return []segment{}, nil
	}
	segs := make([]segment, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("path pattern %q has an empty segment", pattern)
		}
		if strings.HasPrefix(p, ":") {
			if len(p) == 1 {
				return nil, fmt.Errorf("path pattern %q has an unnamed parameter segment", pattern)
			}
			segs = append(segs, segment{literal: p[1:], isParam: true})
		} else {
			segs = append(segs, segment{literal: p})
		}
	}
	return segs, nil
}

func validatePathPattern(pattern string) error {
	_, err := splitPattern(pattern)
	return err
}

// ambiguous reports whether two same-length segment sequences can match a
// common concrete path without one strictly dominating the other.
//
// Two patterns overlap when, at every position, either both are literal
// with equal text or at least one is a parameter. Among overlapping
// patterns, a dominates b when a is literal at every position b is
// literal (a's literal positions are a superset of b's); that superset
// relationship, not the total literal count, is what lets the router
// prefer one deterministically. If the literal-position sets are equal
// (same specificity, e.g. /a/:x vs /a/:y) or incomparable in either
// direction (e.g. /a/:x/b vs /a/b/:y — neither's literal positions
// contain the other's), no rule dominates and the pair is ambiguous.
func ambiguous(a, b []segment) bool {
	if len(a) != len(b) {
		return false
	}
	aSupersetB, bSupersetA := true, true
	for i := range a {
		switch {
		case !a[i].isParam && !b[i].isParam:
			if a[i].literal != b[i].literal {
				return false // distinct concrete routes, no overlap
			}
		case a[i].isParam && !b[i].isParam:
			aSupersetB = false
		case !a[i].isParam && b[i].isParam:
			bSupersetA = false
		}
	}
	return aSupersetB == bSupersetA
}

func marshalSchema(schema map[string]any) ([]byte, error) {
	return json.Marshal(schema)
}
