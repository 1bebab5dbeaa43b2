package mapper

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Guizzs26/field-outbox/internal/models"
	"github.com/Guizzs26/field-outbox/pkg/encoding"
	"github.com/google/uuid"
)

// Columns every legacy terminal export carries. Anything else becomes payload.
const (
	colID        = "id"
	colMachineID = "machine_id"
	colEventType = "event_type"
	colTimestamp = "timestamp"
)

var requiredColumns = []string{colMachineID, colEventType, colTimestamp}

// Timestamp layouts seen in terminal exports, tried in order
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
}

type ImportOptions struct {
	// Windows1252 decodes the file from the code page used by the old terminals
	Windows1252 bool
	// Location applies to timestamps without an offset. Defaults to UTC.
	Location *time.Location
	// Comma overrides the field separator (the terminals export ';')
	Comma rune
}

// ImportResult contains the outcome of a CSV import
type ImportResult struct {
	Records  []models.EventRecord
	Count    int
	Excluded int
	Problems []string
}

// ImportCSV converts a legacy terminal export into event records ready to be enqueued.
// Rows that do not produce a valid record are counted as excluded.
func ImportCSV(r io.Reader, opts ImportOptions) (*ImportResult, error) {
	if opts.Windows1252 {
		r = encoding.Windows1252Reader(r)
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}

	reader := csv.NewReader(r)
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	if opts.Comma != 0 {
		reader.Comma = opts.Comma
	}

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("reading header: empty file")
		}
		return nil, fmt.Errorf("reading header: %w", err)
	}

	index, err := headerIndex(header)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{}
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading rows: %w", err)
		}
		line, _ := reader.FieldPos(0)
		if blank(row) {
			continue
		}

		rec, err := rowToRecord(row, header, index, loc)
		if err == nil {
			err = rec.Validate()
		}
		if err != nil {
			result.Excluded++
			result.Problems = append(result.Problems, fmt.Sprintf("line %d: %v", line, err))
			continue
		}

		result.Records = append(result.Records, rec)
		result.Count++
	}

	return result, nil
}

func headerIndex(header []string) (map[string]int, error) {
	index := make(map[string]int, len(header))
	for i, h := range header {
		name := normalizeColumn(h)
		header[i] = name
		if _, dup := index[name]; dup {
			return nil, fmt.Errorf("duplicate column %q", name)
		}
		index[name] = i
	}

	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("missing required column %q", col)
		}
	}
	return index, nil
}

func normalizeColumn(s string) string {
	s = strings.TrimPrefix(s, "\ufeff")
	return strings.ToLower(strings.TrimSpace(s))
}

func rowToRecord(row, header []string, index map[string]int, loc *time.Location) (models.EventRecord, error) {
	eventType, err := models.ParseEventType(cell(row, index[colEventType]))
	if err != nil {
		return models.EventRecord{}, err
	}

	ts, err := parseTimestamp(cell(row, index[colTimestamp]), loc)
	if err != nil {
		return models.EventRecord{}, err
	}

	id := ""
	if i, ok := index[colID]; ok {
		id = cell(row, i)
	}
	if id == "" {
		id = uuid.NewString()
	}

	payload := map[string]string{}
	for i, name := range header {
		switch name {
		case colID, colMachineID, colEventType, colTimestamp, "":
			continue
		}
		if v := cell(row, i); v != "" {
			payload[name] = v
		}
	}

	return models.EventRecord{
		ID:        id,
		MachineID: cell(row, index[colMachineID]),
		EventType: eventType,
		Timestamp: ts,
		Payload:   payload,
		State:     models.StatePending,
	}, nil
}

func parseTimestamp(s string, loc *time.Location) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: timestamp is required", models.ErrInvalidRecord)
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unrecognized timestamp %q", models.ErrInvalidRecord, s)
}

// cell returns the trimmed value at i. Stray Windows-1252 bytes in an otherwise
// UTF-8 export are decoded instead of being passed on as invalid text.
func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	v := row[i]
	if !utf8.ValidString(v) {
		return encoding.ToUTF8([]byte(v))
	}
	return strings.TrimSpace(v)
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
