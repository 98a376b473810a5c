package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/cesargomez89/clinicaletl/internal/constants"
	"github.com/cesargomez89/clinicaletl/internal/quality"
	"github.com/cesargomez89/clinicaletl/internal/store"
)

// Config holds all application configuration
type Config struct {
	Port     string `envconfig:"PORT" default:"8080"`
	DBDriver string `envconfig:"DB_DRIVER" default:"sqlite"`
	DBDSN    string `envconfig:"DB_DSN" default:"clinicaletl.db"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`

	WorkerConcurrency int           `envconfig:"WORKER_CONCURRENCY" default:"2"`
	RowConcurrency    int           `envconfig:"ROW_CONCURRENCY" default:"4"`
	ChunkSize         int           `envconfig:"CHUNK_SIZE" default:"500"`
	PollInterval      time.Duration `envconfig:"POLL_INTERVAL" default:"2s"`
	RetryAttempts     int           `envconfig:"RETRY_ATTEMPTS" default:"5"`

	OutlierMethod          string  `envconfig:"OUTLIER_METHOD" default:"zscore"`
	OutlierThreshold       float64 `envconfig:"OUTLIER_THRESHOLD" default:"3.0"`
	IQRMultiplier          float64 `envconfig:"IQR_MULTIPLIER" default:"1.5"`
	MinSampleSize          int     `envconfig:"MIN_SAMPLE_SIZE" default:"10"`
	NumericBaseScore       float64 `envconfig:"NUMERIC_BASE_SCORE" default:"1.0"`
	NonNumericScore        float64 `envconfig:"NON_NUMERIC_SCORE" default:"0.3"`
	OutlierPenalty         float64 `envconfig:"OUTLIER_PENALTY" default:"0.4"`
	OutlierPenaltyMode     string  `envconfig:"OUTLIER_PENALTY_MODE" default:"fixed"`
	SparseDeviationPenalty float64 `envconfig:"SPARSE_DEVIATION_PENALTY" default:"0.2"`
	MetadataPenalty        float64 `envconfig:"METADATA_PENALTY" default:"0.1"`
	UnitCatalogPath        string  `envconfig:"UNIT_CATALOG_PATH"`

	SourceDriver      string `envconfig:"SOURCE_DRIVER" default:"dir"`
	DataDir           string `envconfig:"DATA_DIR" default:"data"`
	S3Bucket          string `envconfig:"S3_BUCKET"`
	S3Region          string `envconfig:"S3_REGION"`
	S3Endpoint        string `envconfig:"S3_ENDPOINT"`
	S3PathStyle       bool   `envconfig:"S3_PATH_STYLE"`
	S3AccessKeyID     string `envconfig:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `envconfig:"S3_SECRET_ACCESS_KEY"`

	ReportInterval      time.Duration `envconfig:"REPORT_INTERVAL" default:"0s"`
	AnalyticsDuckDBPath string        `envconfig:"ANALYTICS_DUCKDB_PATH"`

	IngestRateLimit float64 `envconfig:"INGEST_RATE_LIMIT" default:"20"`
	IngestBurst     int     `envconfig:"INGEST_BURST" default:"40"`
	MaxUploadBytes  int64   `envconfig:"MAX_UPLOAD_BYTES" default:"33554432"`
}

// Load loads configuration from environment variables with defaults
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	return cfg, nil
}

// QualityPolicy builds the scoring policy from the configured knobs.
func (c *Config) QualityPolicy() quality.Policy {
	return quality.Policy{
		Method:                 quality.Method(c.OutlierMethod),
		PenaltyMode:            quality.PenaltyMode(c.OutlierPenaltyMode),
		Threshold:              c.OutlierThreshold,
		IQRMultiplier:          c.IQRMultiplier,
		MinSampleSize:          c.MinSampleSize,
		NumericBase:            c.NumericBaseScore,
		NonNumericBase:         c.NonNumericScore,
		OutlierPenalty:         c.OutlierPenalty,
		SparseDeviationPenalty: c.SparseDeviationPenalty,
		MetadataPenalty:        c.MetadataPenalty,
	}
}

// Validate validates the configuration and returns detailed errors
func (c *Config) Validate() error {
	var errors []string

	// Validate Port
	if c.Port == "" {
		errors = append(errors, "PORT cannot be empty")
	} else {
		port, err := strconv.Atoi(c.Port)
		if err != nil {
			errors = append(errors, fmt.Sprintf("PORT must be a valid number, got: %s", c.Port))
		} else if port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be between 1 and 65535, got: %d", port))
		}
	}

	// Validate database
	if c.DBDriver != store.DriverSQLite && c.DBDriver != store.DriverPostgres {
		errors = append(errors, fmt.Sprintf("DB_DRIVER must be one of: sqlite, pgx, got: %s", c.DBDriver))
	}
	if c.DBDSN == "" {
		errors = append(errors, "DB_DSN cannot be empty")
	}

	// Validate LogLevel
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		errors = append(errors, fmt.Sprintf("LOG_LEVEL must be one of: debug, info, warn, error, got: %s", c.LogLevel))
	}

	// Validate LogFormat
	validLogFormats := map[string]bool{
		"text": true,
		"json": true,
	}
	if !validLogFormats[c.LogFormat] {
		errors = append(errors, fmt.Sprintf("LOG_FORMAT must be one of: text, json, got: %s", c.LogFormat))
	}

	// Validate worker sizing
	if c.WorkerConcurrency < 1 {
		errors = append(errors, fmt.Sprintf("WORKER_CONCURRENCY must be at least 1, got: %d", c.WorkerConcurrency))
	}
	if c.RowConcurrency < 1 {
		errors = append(errors, fmt.Sprintf("ROW_CONCURRENCY must be at least 1, got: %d", c.RowConcurrency))
	}
	if c.ChunkSize < 1 {
		errors = append(errors, fmt.Sprintf("CHUNK_SIZE must be at least 1, got: %d", c.ChunkSize))
	}
	if c.PollInterval <= 0 {
		errors = append(errors, fmt.Sprintf("POLL_INTERVAL must be positive, got: %s", c.PollInterval))
	}
	if c.RetryAttempts < 1 {
		errors = append(errors, fmt.Sprintf("RETRY_ATTEMPTS must be at least 1, got: %d", c.RetryAttempts))
	}

	// Validate quality policy
	if c.OutlierMethod != string(quality.MethodZScore) && c.OutlierMethod != string(quality.MethodIQR) {
		errors = append(errors, fmt.Sprintf("OUTLIER_METHOD must be one of: zscore, iqr, got: %s", c.OutlierMethod))
	}
	if c.OutlierPenaltyMode != string(quality.PenaltyFixed) && c.OutlierPenaltyMode != string(quality.PenaltyScaled) {
		errors = append(errors, fmt.Sprintf("OUTLIER_PENALTY_MODE must be one of: fixed, scaled, got: %s", c.OutlierPenaltyMode))
	}
	if c.OutlierThreshold <= 0 {
		errors = append(errors, fmt.Sprintf("OUTLIER_THRESHOLD must be positive, got: %g", c.OutlierThreshold))
	}
	if c.IQRMultiplier <= 0 {
		errors = append(errors, fmt.Sprintf("IQR_MULTIPLIER must be positive, got: %g", c.IQRMultiplier))
	}
	if c.MinSampleSize < 2 {
		errors = append(errors, fmt.Sprintf("MIN_SAMPLE_SIZE must be at least 2, got: %d", c.MinSampleSize))
	}
	scores := []struct {
		name  string
		value float64
	}{
		{"NUMERIC_BASE_SCORE", c.NumericBaseScore},
		{"NON_NUMERIC_SCORE", c.NonNumericScore},
		{"OUTLIER_PENALTY", c.OutlierPenalty},
		{"SPARSE_DEVIATION_PENALTY", c.SparseDeviationPenalty},
		{"METADATA_PENALTY", c.MetadataPenalty},
	}
	for _, s := range scores {
		if s.value < 0 || s.value > 1 {
			errors = append(errors, fmt.Sprintf("%s must be between 0 and 1, got: %g", s.name, s.value))
		}
	}

	// Validate data source
	switch c.SourceDriver {
	case constants.SourceDir:
		if c.DataDir == "" {
			errors = append(errors, "DATA_DIR cannot be empty")
		}
	case constants.SourceS3:
		if c.S3Bucket == "" {
			errors = append(errors, "S3_BUCKET cannot be empty when SOURCE_DRIVER is s3")
		}
		if (c.S3AccessKeyID == "") != (c.S3SecretAccessKey == "") {
			errors = append(errors, "S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY must be set together")
		}
	default:
		errors = append(errors, fmt.Sprintf("SOURCE_DRIVER must be one of: dir, s3, got: %s", c.SourceDriver))
	}

	if c.ReportInterval < 0 {
		errors = append(errors, fmt.Sprintf("REPORT_INTERVAL cannot be negative, got: %s", c.ReportInterval))
	}

	// Validate ingest limits
	if c.IngestRateLimit <= 0 {
		errors = append(errors, fmt.Sprintf("INGEST_RATE_LIMIT must be positive, got: %g", c.IngestRateLimit))
	}
	if c.IngestBurst < 1 {
		errors = append(errors, fmt.Sprintf("INGEST_BURST must be at least 1, got: %d", c.IngestBurst))
	}
	if c.MaxUploadBytes < 1 {
		errors = append(errors, fmt.Sprintf("MAX_UPLOAD_BYTES must be positive, got: %d", c.MaxUploadBytes))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}
