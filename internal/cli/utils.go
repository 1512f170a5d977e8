// Package cli formats kao results for the terminal.
package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hyperjump/kao/internal/models"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat validates a --output flag value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case OutputText, "":
		return OutputText, nil
	case OutputJSON:
		return OutputJSON, nil
	default:
		return "", fmt.Errorf("unknown output format %q; use text or json", s)
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteIdentifyResults writes one line per detected face.
func WriteIdentifyResults(w io.Writer, resp *models.IdentifyResponse, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, resp)
	}
	if resp.Source != "" {
		fmt.Fprintf(w, "%s: ", resp.Source)
	}
	fmt.Fprintf(w, "%d face(s) in %dms (threshold %.2f)\n", len(resp.Results), resp.QueryTime, resp.Threshold)
	for i, r := range resp.Results {
		fmt.Fprintf(w, "  [%d] %-16s similarity %.4f", i+1, r.DecidedLabel, r.Similarity)
		if !r.Matched() && r.Label != models.UnknownLabel {
			fmt.Fprintf(w, "  (closest: %s)", r.Label)
		}
		fmt.Fprintln(w)
		for _, c := range r.Candidates {
			fmt.Fprintf(w, "      %d. %-16s %.4f  %s\n", c.Rank, c.Label, c.Similarity, c.RecordID)
		}
	}
	return nil
}

// WriteIngestReport summarizes an ingestion report.
func WriteIngestReport(w io.Writer, report *models.IngestReport, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, report)
	}
	fmt.Fprintf(w, "Added %d embedding(s) from %d item(s)\n", report.Succeeded, report.ItemsSucceeded)
	if len(report.Empty) > 0 {
		fmt.Fprintf(w, "No faces found in %d item(s):\n", len(report.Empty))
		for _, name := range report.Empty {
			fmt.Fprintf(w, "  %s\n", name)
		}
	}
	if len(report.Failed) > 0 {
		fmt.Fprintf(w, "Failed %d item(s):\n", len(report.Failed))
		for _, f := range report.Failed {
			fmt.Fprintf(w, "  %s: %s (%s)\n", f.SourceName, f.Reason, Truncate(f.Message, 120))
		}
	}
	return nil
}

// WriteStatus writes the service status.
func WriteStatus(w io.Writer, status *models.StatusResponse, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, status)
	}
	fmt.Fprintf(w, "records:            %d   # stored embeddings\n", status.Records)
	fmt.Fprintf(w, "labels:             %d   # enrolled identities\n", status.Labels)
	fmt.Fprintf(w, "index_size:         %d   # vectors in the similarity index\n", status.IndexSize)
	fmt.Fprintf(w, "disk_usage_bytes:   %d   # store + catalog + snapshot on disk\n", status.DiskUsageBytes)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "# configuration")
	fmt.Fprintf(w, "index_type:         %s\n", status.IndexType)
	fmt.Fprintf(w, "dimensions:         %d\n", status.Dimensions)
	fmt.Fprintf(w, "threshold:          %.2f\n", status.Threshold)
	fmt.Fprintf(w, "store_backend:      %s\n", status.StoreBackend)
	fmt.Fprintf(w, "extractor:          %s\n", status.Extractor)
	return nil
}

// Truncate truncates s to maxLen and appends "..." if truncated.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
