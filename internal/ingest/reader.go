package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/cesargomez89/clinicaletl/internal/constants"
	"github.com/xuri/excelize/v2"
)

// ErrUnsupportedFormat is returned for files that are neither CSV nor XLSX.
var ErrUnsupportedFormat = errors.New("unsupported file format")

// headerAliases maps accepted column spellings onto Record fields.
var headerAliases = map[string]string{
	"study":            "study_id",
	"study_id":         "study_id",
	"participant":      "participant_id",
	"participant_id":   "participant_id",
	"subject_id":       "participant_id",
	"measurement_type": "measurement_type",
	"measurement":      "measurement_type",
	"type":             "measurement_type",
	"value":            "value",
	"raw_value":        "value",
	"unit":             "unit",
	"units":            "unit",
	"timestamp":        "timestamp",
	"event_timestamp":  "timestamp",
	"event_ts":         "timestamp",
	"measured_at":      "timestamp",
	"site":             "site_id",
	"site_id":          "site_id",
	"quality_score":    "quality_score",
	"quality":          "quality_score",
	"corrects_raw_id":  "corrects_raw_id",
	"corrects":         "corrects_raw_id",
}

var requiredColumns = []string{"participant_id", "measurement_type", "value", "timestamp"}

// Read picks the reader by file extension.
func Read(filename string, r io.Reader) ([]Record, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case constants.ExtCSV, constants.ExtTXT:
		return ReadCSV(r)
	case constants.ExtXLSX, constants.ExtXLSM:
		return ReadXLSX(r)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filename)
	}
}

// ReadCSV reads records from CSV with a header row.
func ReadCSV(r io.Reader) ([]Record, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("file is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	columns, err := mapHeader(header)
	if err != nil {
		return nil, err
	}

	var records []Record
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV row: %w", err)
		}
		line, _ := reader.FieldPos(0)
		if rec, ok := buildRecord(columns, row, line); ok {
			records = append(records, rec)
		}
	}
	return records, nil
}

// ReadXLSX reads records from the first sheet of a workbook.
func ReadXLSX(r io.Reader) ([]Record, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", sheets[0], err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("sheet %s is empty", sheets[0])
	}

	columns, err := mapHeader(rows[0])
	if err != nil {
		return nil, err
	}

	var records []Record
	for i, row := range rows[1:] {
		if rec, ok := buildRecord(columns, row, i+2); ok {
			records = append(records, rec)
		}
	}
	return records, nil
}

// mapHeader returns the Record field name of each column ("" = ignored).
func mapHeader(header []string) ([]string, error) {
	columns := make([]string, len(header))
	seen := map[string]bool{}
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		name = strings.NewReplacer(" ", "_", "-", "_").Replace(name)
		if field, ok := headerAliases[name]; ok && !seen[field] {
			columns[i] = field
			seen[field] = true
		}
	}

	var missing []string
	for _, c := range requiredColumns {
		if !seen[c] {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required columns: %s", strings.Join(missing, ", "))
	}
	return columns, nil
}

// buildRecord skips rows whose cells are all blank.
func buildRecord(columns, row []string, line int) (Record, bool) {
	rec := Record{Line: line}
	blank := true
	for i, cell := range row {
		if i >= len(columns) || columns[i] == "" {
			continue
		}
		cell = strings.TrimSpace(cell)
		if cell != "" {
			blank = false
		}
		switch columns[i] {
		case "study_id":
			rec.StudyID = cell
		case "participant_id":
			rec.ParticipantID = cell
		case "measurement_type":
			rec.MeasurementType = cell
		case "value":
			rec.Value = cell
		case "unit":
			rec.Unit = cell
		case "timestamp":
			rec.Timestamp = cell
		case "site_id":
			rec.SiteID = cell
		case "quality_score":
			rec.QualityScore = cell
		case "corrects_raw_id":
			rec.CorrectsRawID = cell
		}
	}
	return rec, !blank
}
