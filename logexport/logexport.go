// Package logexport writes queried request logs out to CSV, JSON, or a
// replayable curl script. It is adapted from the teacher's export/export.go
// LogExporter, narrowed to the fields models.RequestLog actually carries
// (the teacher's HAR format needed its separate ClientRequest/
// BackendRequest/BackendResponse structures, which this simulator's flat
// RequestLog does not keep; recorder.Session already owns full
// request/response capture for the recording feature, so HAR export is
// dropped here rather than duplicated).
package logexport

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"apisim/models"
)

// ToCSV writes logs as CSV with one row per request.
func ToCSV(w io.Writer, logs []models.RequestLog) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	if err := cw.Write([]string{"request_id", "timestamp", "service", "method", "path", "status", "duration_ms"}); err != nil {
		return fmt.Errorf("logexport: writing CSV header: %w", err)
	}
	for _, l := range logs {
		row := []string{
			l.RequestID,
			l.Timestamp.Format(time.RFC3339Nano),
			l.ServiceName,
			l.Method,
			l.Path,
			fmt.Sprintf("%d", l.Status),
			fmt.Sprintf("%d", l.DurationMs),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("logexport: writing CSV row: %w", err)
		}
	}
	return nil
}

// ToJSON writes logs as an indented JSON array.
func ToJSON(w io.Writer, logs []models.RequestLog) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(logs); err != nil {
		return fmt.Errorf("logexport: writing JSON: %w", err)
	}
	return nil
}

// ToCurlScript renders logs as a shell script of curl invocations against
// baseURL, one request per logged entry, in the teacher's escaping style.
func ToCurlScript(w io.Writer, logs []models.RequestLog, baseURL string) error {
	fmt.Fprintf(w, "#!/bin/bash\n")
	fmt.Fprintf(w, "# Exported request log replay script\n")
	fmt.Fprintf(w, "# Total requests: %d\n\n", len(logs))

	for i, l := range logs {
		fmt.Fprintf(w, "# Request %d - %s %s (status %d)\n", i+1, l.Method, l.Path, l.Status)
		fmt.Fprintf(w, "curl -X %s '%s%s'", l.Method, strings.TrimRight(baseURL, "/"), l.Path)
		if l.RequestBody != "" {
			fmt.Fprintf(w, " \\\n  -d '%s'", escapeSingleQuote(l.RequestBody))
		}
		fmt.Fprintf(w, "\n\n")
	}
	return nil
}

func escapeSingleQuote(s string) string {
	return strings.ReplaceAll(s, "'", `'"'"'`)
}
