package activity

import (
	"encoding/json"
	"fmt"
	"time"
)

// Export encodes at most DefaultCapacity entries as an indented JSON array and
// returns the dated download filename.
func Export(entries []Entry, now time.Time) ([]byte, string, error) {
	if len(entries) > DefaultCapacity {
		entries = entries[:DefaultCapacity]
	}
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("encoding activity export: %w", err)
	}
	return data, ExportFilename(now), nil
}

// ExportFilename returns activity-logs-YYYY-MM-DD.json for now.
func ExportFilename(now time.Time) string {
	return "activity-logs-" + now.Format("2006-01-02") + ".json"
}
