// Package csvfile holds the crash-recovery rules shared by the append-only
// CSV files the harvester writes.
package csvfile

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"slices"
)

// ErrCorrupt marks a malformed record that is followed by more data, which
// a torn append cannot produce.
var ErrCorrupt = errors.New("corrupt csv record")

// Scan reads every complete record and returns the byte offset just past
// the last one. A record is complete only when its terminating newline made
// it to disk; anything after that offset is a torn write. The header row is
// checked against header and not returned.
func Scan(r io.Reader, header []string) (int64, [][]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, nil, fmt.Errorf("read: %w", err)
	}
	if len(data) == 0 {
		return 0, nil, nil
	}
	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = len(header)
	var (
		good int64
		rows [][]string
	)
	for first := true; ; first = false {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		end := cr.InputOffset()
		if err != nil || data[end-1] != '\n' {
			if end < int64(len(data)) {
				return 0, nil, fmt.Errorf("%w ending at byte %d: %w", ErrCorrupt, end, err)
			}
			// Torn trailing row: keep everything before it.
			break
		}
		if first {
			if !slices.Equal(rec, header) {
				return 0, nil, fmt.Errorf("unexpected header %v, want %v", rec, header)
			}
		} else {
			rows = append(rows, rec)
		}
		good = end
	}
	return good, rows, nil
}
