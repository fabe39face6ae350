package git

import (
	"fmt"
	"strings"
	"time"

	"backit-go/internal/backit"
)

// Log wire format, version 1.
//
// Each record is five fields separated by U+001F and terminated by U+001E:
// full hash, short hash, parent hashes (space separated), strict ISO-8601
// author date, subject. Messages are validated to contain no control
// characters, so neither delimiter can appear inside a field.
const (
	fieldSep  = "\x1f"
	recordSep = "\x1e"
	logFormat = "%H%x1f%h%x1f%P%x1f%aI%x1f%s%x1e"
	logFields = 5
)

// parseLog decodes git log output written with logFormat.
func parseLog(out string) ([]backit.Snapshot, error) {
	var snaps []backit.Snapshot
	for _, rec := range strings.Split(out, recordSep) {
		rec = strings.TrimLeft(rec, "\n")
		if rec == "" {
			continue
		}
		snap, err := parseRecord(rec)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

func parseRecord(rec string) (backit.Snapshot, error) {
	fields := strings.Split(rec, fieldSep)
	if len(fields) != logFields {
		return backit.Snapshot{}, fmt.Errorf("malformed log record: want %d fields, got %d", logFields, len(fields))
	}
	ts, err := time.Parse(time.RFC3339, fields[3])
	if err != nil {
		return backit.Snapshot{}, fmt.Errorf("malformed log date %q: %w", fields[3], err)
	}
	var parent string
	if parents := strings.Fields(fields[2]); len(parents) > 0 {
		parent = parents[0]
	}
	return backit.Snapshot{
		ID:        fields[0],
		ShortID:   fields[1],
		ParentID:  parent,
		Timestamp: ts,
		Message:   fields[4],
	}, nil
}
