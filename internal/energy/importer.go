// Package energy implements the daily energy pipeline: meter-file
// import, heating/DHW separation and heat-loss-coefficient calibration.
package energy

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/heatpilot/heatpilot/internal/tsdb"
)

// columnSynonyms maps lowercased header names to canonical column names.
// The table is data so new supplier formats only need new entries.
var columnSynonyms = map[string]string{
	"meter_id":      "meter_id",
	"meterid":       "meter_id",
	"mätare":        "meter_id",
	"matarid":       "meter_id",
	"anläggning":    "meter_id",
	"timestamp":     "timestamp",
	"tidpunkt":      "timestamp",
	"datum":         "timestamp",
	"avlästid":      "timestamp",
	"meter_reading": "meter_reading",
	"mätarställning": "meter_reading",
	"reading":       "meter_reading",
	"consumption":   "consumption",
	"förbrukning":   "consumption",
	"energi":        "consumption",
	"energy":        "consumption",
	"kwh":           "consumption",
	"flow":          "flow",
	"flöde":         "flow",
	"volym":         "flow",
	"temp_in":       "temp_in",
	"framledning":   "temp_in",
	"tilltemp":      "temp_in",
	"temp_out":      "temp_out",
	"returledning":  "temp_out",
	"returtemp":     "temp_out",
	"power":         "power",
	"effekt":        "power",
}

// timestampFormats are the accepted meter-file time layouts. There is no
// ambiguity fall-through: a row matching none of them is dropped.
var timestampFormats = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"02.01.2006 15:04:05",
	"02.01.2006 15:04",
	"2006-01-02",
}

// MeterRow is one parsed meter-file row.
type MeterRow struct {
	MeterID      string
	Timestamp    time.Time
	MeterReading float64
	Consumption  float64
	Flow         float64
	TempIn       float64
	TempOut      float64
	Power        float64
}

// ImportReport summarizes one importer run.
type ImportReport struct {
	BatchID       string
	FilesImported int
	FilesFailed   int
	RowsWritten   int
	RowsDropped   int
}

// Importer moves energy-meter files from an inbox through parsing into
// energy_meter points. Processed files go to the archive directory,
// files with unknown meters to the failure directory.
type Importer struct {
	inboxDir   string
	archiveDir string
	failureDir string
	mapping    map[string]string // meter_id -> entity_id
	store      *tsdb.Client
	logger     *zap.SugaredLogger
}

// NewImporter builds an importer over the staging directories.
func NewImporter(inboxDir, archiveDir, failureDir string, mapping map[string]string, store *tsdb.Client, logger *zap.SugaredLogger) *Importer {
	return &Importer{
		inboxDir:   inboxDir,
		archiveDir: archiveDir,
		failureDir: failureDir,
		mapping:    mapping,
		store:      store,
		logger:     logger.Named("import"),
	}
}

// Run imports every file currently in the inbox. Per-file failures do
// not abort the batch.
func (im *Importer) Run(ctx context.Context) (ImportReport, error) {
	report := ImportReport{BatchID: uuid.NewString()}

	entries, err := os.ReadDir(im.inboxDir)
	if os.IsNotExist(err) {
		return report, nil
	}
	if err != nil {
		return report, fmt.Errorf("reading inbox: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		path := filepath.Join(im.inboxDir, name)
		written, dropped, err := im.importFile(ctx, path)
		report.RowsWritten += written
		report.RowsDropped += dropped
		if err != nil {
			report.FilesFailed++
			im.logger.Warnw("Energy file failed", "file", name, "error", err)
			im.moveTo(path, im.failureDir)
			continue
		}
		report.FilesImported++
		im.moveTo(path, im.archiveDir)
	}

	im.logger.Infow("Energy import finished",
		"batch", report.BatchID,
		"files", report.FilesImported,
		"failed", report.FilesFailed,
		"rows", report.RowsWritten,
		"dropped", report.RowsDropped)
	return report, nil
}

// importFile parses and writes one file. An unknown meter_id anywhere in
// the file is an error so the operator sees the whole file in the
// failure folder.
func (im *Importer) importFile(ctx context.Context, path string) (written, dropped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	rows, dropped, err := ParseMeterFile(f.Name(), f)
	if err != nil {
		return 0, dropped, err
	}

	points := make([]tsdb.Point, 0, len(rows))
	for _, row := range rows {
		entityID, ok := im.mapping[row.MeterID]
		if !ok {
			return 0, dropped, fmt.Errorf("unknown meter_id %q", row.MeterID)
		}
		points = append(points, tsdb.Point{
			Measurement: tsdb.MeasEnergyMeter,
			Tags:        map[string]string{"entity_id": entityID, "meter_id": row.MeterID},
			Fields: map[string]interface{}{
				"meter_reading": row.MeterReading,
				"consumption":   row.Consumption,
				"flow":          row.Flow,
				"temp_in":       row.TempIn,
				"temp_out":      row.TempOut,
				"power":         row.Power,
			},
			Time: row.Timestamp,
		})
	}

	n, err := im.store.WriteBatch(ctx, points)
	if err != nil {
		return n, dropped, fmt.Errorf("writing meter points: %w", err)
	}
	return n, dropped, nil
}

func (im *Importer) moveTo(path, dir string) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		im.logger.Errorw("Creating directory", "dir", dir, "error", err)
		return
	}
	dest := filepath.Join(dir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		im.logger.Errorw("Moving energy file", "from", path, "to", dest, "error", err)
	}
}

// ParseMeterFile parses a semicolon-delimited meter file. Rows missing
// meter_id or timestamp, or with an unparsable timestamp, are dropped
// with a count; they never fail the file.
func ParseMeterFile(name string, r io.Reader) (rows []MeterRow, dropped int, err error) {
	reader := csv.NewReader(r)
	reader.Comma = ';'
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, 0, fmt.Errorf("parsing %s: %w", name, err)
	}
	if len(records) < 2 {
		return nil, 0, fmt.Errorf("%s: no data rows", name)
	}

	// Resolve the header through the synonym table.
	columns := make([]string, len(records[0]))
	for i, h := range records[0] {
		columns[i] = columnSynonyms[strings.ToLower(strings.TrimSpace(h))]
	}

	for _, record := range records[1:] {
		row, ok := parseRow(columns, record)
		if !ok {
			dropped++
			continue
		}
		rows = append(rows, row)
	}
	return rows, dropped, nil
}

func parseRow(columns []string, record []string) (MeterRow, bool) {
	var row MeterRow
	for i, raw := range record {
		if i >= len(columns) {
			break
		}
		value := strings.TrimSpace(raw)
		switch columns[i] {
		case "meter_id":
			row.MeterID = value
		case "timestamp":
			ts, ok := parseTimestamp(value)
			if !ok {
				return MeterRow{}, false
			}
			row.Timestamp = ts
		case "meter_reading":
			row.MeterReading, _ = parseDecimal(value)
		case "consumption":
			row.Consumption, _ = parseDecimal(value)
		case "flow":
			row.Flow, _ = parseDecimal(value)
		case "temp_in":
			row.TempIn, _ = parseDecimal(value)
		case "temp_out":
			row.TempOut, _ = parseDecimal(value)
		case "power":
			row.Power, _ = parseDecimal(value)
		}
	}
	if row.MeterID == "" || row.Timestamp.IsZero() {
		return MeterRow{}, false
	}
	return row, true
}

func parseTimestamp(value string) (time.Time, bool) {
	for _, layout := range timestampFormats {
		if ts, err := time.ParseInLocation(layout, value, stockholm()); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// parseDecimal accepts both decimal point and decimal comma.
func parseDecimal(value string) (float64, bool) {
	if value == "" {
		return 0, false
	}
	value = strings.ReplaceAll(value, " ", "")
	value = strings.ReplaceAll(value, ",", ".")
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// stockholm returns the pipeline's local timezone. Meter files carry
// wall-clock times from Swedish suppliers.
func stockholm() *time.Location {
	loc, err := time.LoadLocation("Europe/Stockholm")
	if err != nil {
		return time.UTC
	}
	return loc
}
