// Package analytics snapshots the derived tables into a DuckDB file for
// ad-hoc analysis outside the service.
package analytics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/marcboeker/go-duckdb"

	"github.com/cesargomez89/clinicaletl/internal/domain"
	"github.com/cesargomez89/clinicaletl/internal/logger"
	"github.com/cesargomez89/clinicaletl/internal/store"
)

var (
	ErrNotConfigured = errors.New("analytics export path is not configured")
	ErrExportRunning = errors.New("analytics export already in progress")
)

// ExportResult contains the outcome of one export.
type ExportResult struct {
	Timestamp    time.Time     `json:"timestamp"`
	Path         string        `json:"path"`
	Duration     time.Duration `json:"duration"`
	Studies      int           `json:"studies"`
	Measurements int64         `json:"measurements"`
	Participants int64         `json:"participants"`
	Buckets      int64         `json:"buckets"`
	Reports      int64         `json:"reports"`
}

type Exporter struct {
	db      *store.DB
	logger  *logger.Logger
	running chan struct{}
	path    string
}

func NewExporter(db *store.DB, path string, log *logger.Logger) *Exporter {
	if log == nil {
		log = logger.Default()
	}
	return &Exporter{
		db:      db,
		path:    path,
		logger:  log.WithComponent("analytics"),
		running: make(chan struct{}, 1),
	}
}

func (e *Exporter) Enabled() bool {
	return e != nil && e.path != ""
}

// Export rebuilds the DuckDB file from the current derived tables. The new
// file is written beside the old one and renamed over it, so readers never
// see a partial snapshot.
func (e *Exporter) Export(ctx context.Context) (*ExportResult, error) {
	if !e.Enabled() {
		return nil, ErrNotConfigured
	}

	select {
	case e.running <- struct{}{}:
		defer func() { <-e.running }()
	default:
		return nil, ErrExportRunning
	}

	start := time.Now()
	result := &ExportResult{Timestamp: start.UTC(), Path: e.path}

	tmp := e.path + ".tmp"
	removeDB(tmp)

	if err := e.write(ctx, tmp, result); err != nil {
		removeDB(tmp)
		return nil, err
	}
	if err := os.Rename(tmp, e.path); err != nil {
		removeDB(tmp)
		return nil, fmt.Errorf("failed to replace analytics file: %w", err)
	}
	_ = os.Remove(e.path + ".wal")

	result.Duration = time.Since(start)
	e.logger.Info("Analytics export completed",
		"path", e.path,
		"duration", result.Duration.Round(time.Millisecond),
		"studies", result.Studies,
		"measurements", result.Measurements,
		"buckets", result.Buckets,
		"reports", result.Reports,
	)
	return result, nil
}

func removeDB(path string) {
	_ = os.Remove(path)
	_ = os.Remove(path + ".wal")
}

func (e *Exporter) write(ctx context.Context, path string, result *ExportResult) error {
	duck, err := sql.Open("duckdb", path)
	if err != nil {
		return fmt.Errorf("failed to open duckdb: %w", err)
	}
	defer duck.Close()

	for _, stmt := range schemaStatements {
		if _, err := duck.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	conn, err := duck.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	studies, err := e.db.ListStudies(ctx)
	if err != nil {
		return err
	}
	result.Studies = len(studies)

	tables := []struct {
		name   string
		count  *int64
		append func(ctx context.Context, a *duckdb.Appender, studyID string) (int64, error)
	}{
		{"processed_measurements", &result.Measurements, e.appendMeasurements},
		{"participant_summaries", &result.Participants, e.appendParticipants},
		{"study_summaries", new(int64), e.appendStudy},
		{"aggregation_buckets", &result.Buckets, e.appendBuckets},
		{"quality_reports", &result.Reports, e.appendReports},
	}

	for _, t := range tables {
		appender, err := newAppender(conn, t.name)
		if err != nil {
			return err
		}
		for _, studyID := range studies {
			n, err := t.append(ctx, appender, studyID)
			if err != nil {
				appender.Close()
				return fmt.Errorf("failed to export %s for study %s: %w", t.name, studyID, err)
			}
			*t.count += n
		}
		if err := appender.Close(); err != nil {
			return fmt.Errorf("failed to flush %s: %w", t.name, err)
		}
	}

	if _, err := conn.ExecContext(ctx, "CHECKPOINT"); err != nil {
		e.logger.Warn("Analytics checkpoint failed", "error", err)
	}
	return nil
}

func newAppender(conn *sql.Conn, table string) (*duckdb.Appender, error) {
	var appender *duckdb.Appender
	err := conn.Raw(func(driverConn any) error {
		duckConn, ok := driverConn.(*duckdb.Conn)
		if !ok {
			return fmt.Errorf("unexpected connection type: %T", driverConn)
		}
		var appErr error
		appender, appErr = duckdb.NewAppenderFromConn(duckConn, "", table)
		return appErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create appender for %s: %w", table, err)
	}
	return appender, nil
}

func (e *Exporter) appendMeasurements(ctx context.Context, a *duckdb.Appender, studyID string) (int64, error) {
	rows, err := e.db.ListProcessed(ctx, store.MeasurementFilter{StudyID: studyID})
	if err != nil {
		return 0, err
	}
	for _, p := range rows {
		err := a.AppendRow(
			p.RawMeasurementID,
			p.SourceRawID,
			p.JobID,
			p.StudyID,
			p.ParticipantID,
			p.MeasurementType,
			p.SiteID,
			p.EventTimestamp,
			p.RawValue,
			p.OriginalUnit,
			nullFloat(p.StandardizedValue),
			p.StandardizedUnit,
			p.IsNumeric,
			p.QualityScore,
			p.IsOutlier,
			strings.Join(p.ProcessingNotes, "; "),
			p.ProcessedAt,
		)
		if err != nil {
			return 0, fmt.Errorf("measurement %d: %w", p.RawMeasurementID, err)
		}
	}
	return int64(len(rows)), nil
}

func (e *Exporter) appendParticipants(ctx context.Context, a *duckdb.Appender, studyID string) (int64, error) {
	rows, err := e.db.ListParticipantSummaries(ctx, studyID, nil)
	if err != nil {
		return 0, err
	}
	for _, s := range rows {
		err := a.AppendRow(
			s.StudyID,
			s.ParticipantID,
			s.TotalMeasurements,
			int32(s.DistinctTypeCount),
			int32(s.DistinctSiteCount),
			s.PrimarySiteID,
			s.AvgQualityScore,
			s.FirstMeasurementAt,
			s.LastMeasurementAt,
		)
		if err != nil {
			return 0, fmt.Errorf("participant %s: %w", s.ParticipantID, err)
		}
	}
	return int64(len(rows)), nil
}

func (e *Exporter) appendStudy(ctx context.Context, a *duckdb.Appender, studyID string) (int64, error) {
	s, err := e.db.GetStudySummary(ctx, studyID)
	if err != nil || s == nil {
		return 0, err
	}
	err = a.AppendRow(
		s.StudyID,
		s.TotalMeasurements,
		s.TotalParticipants,
		int32(s.TotalSites),
		s.AvgQualityScore,
		s.FirstMeasurementAt,
		s.LastMeasurementAt,
	)
	if err != nil {
		return 0, err
	}
	return 1, nil
}

func (e *Exporter) appendBuckets(ctx context.Context, a *duckdb.Appender, studyID string) (int64, error) {
	var n int64
	for _, scope := range domain.Scopes {
		rows, err := e.db.ListBuckets(ctx, store.BucketFilter{StudyID: studyID, Scope: scope})
		if err != nil {
			return 0, err
		}
		for _, b := range rows {
			err := a.AppendRow(
				b.StudyID,
				string(b.Scope),
				b.ParticipantID,
				b.SiteID,
				b.MeasurementType,
				string(b.Granularity),
				b.PeriodStart,
				b.PeriodEnd,
				b.Count,
				b.NumericCount,
				nullFloat(b.AvgValue),
				nullFloat(b.MinValue),
				nullFloat(b.MaxValue),
				b.AvgQualityScore,
				int32(b.DistinctParticipants),
				b.LastUpdated,
			)
			if err != nil {
				return 0, fmt.Errorf("bucket %s: %w", b.String(), err)
			}
		}
		n += int64(len(rows))
	}
	return n, nil
}

func (e *Exporter) appendReports(ctx context.Context, a *duckdb.Appender, studyID string) (int64, error) {
	rows, err := e.db.ListQualityReports(ctx, studyID, time.Time{}, time.Time{})
	if err != nil {
		return 0, err
	}
	for _, r := range rows {
		err := a.AppendRow(
			r.StudyID,
			r.ReportDate,
			r.SiteID,
			r.MeasurementType,
			r.MeasurementCount,
			r.NumericCount,
			r.NonNumericCount,
			r.OutlierCount,
			r.DistinctParticipants,
			nullFloat(r.AvgQualityScore),
			nullFloat(r.MinQualityScore),
			nullFloat(r.MaxQualityScore),
			nullTime(r.FirstEventAt),
			nullTime(r.LastEventAt),
			r.GeneratedAt,
		)
		if err != nil {
			return 0, fmt.Errorf("report %s: %w", r.String(), err)
		}
	}
	return int64(len(rows)), nil
}

// Appender columns take untyped nil for NULL, not typed nil pointers.
func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return *v
}
