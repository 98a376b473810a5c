// Package constants contains application-wide constants to avoid magic numbers and strings.
package constants

import "time"

// Application defaults
const (
	DefaultPort              = "8080"
	DefaultDBDriver          = "sqlite"
	DefaultDBDSN             = "clinicaletl.db"
	DefaultWorkerConcurrency = 2
	DefaultRowConcurrency    = 4
	DefaultChunkSize         = 500
	DefaultPollInterval      = 2 * time.Second
	DefaultDataDir           = "data"
	DefaultRetryAttempts     = 5
	DefaultIngestRateLimit   = 20
	DefaultIngestBurst       = 40
	DefaultMaxUploadBytes    = 32 << 20
	DefaultShutdownTimeout   = 15 * time.Second
)

// Data source drivers
const (
	SourceDir = "dir"
	SourceS3  = "s3"
)

// Job stage messages
const (
	MessageQueued       = "Queued"
	MessageExtracting   = "Extracting data"
	MessageTransforming = "Transforming data"
	MessageCompleted    = "Completed"
	MessageCancelled    = "cancelled"
	MessageInterrupted  = "interrupted"
)

// Job progress checkpoints, in percent.
const (
	ProgressExtracted = 25
	ProgressDone      = 100
)

// Listing limits
const (
	MaxListResults = 100
	// MaxRejectReasons caps the rejected-row reasons quoted in a job message.
	MaxRejectReasons = 3
)

// File Extensions
const (
	ExtCSV  = ".csv"
	ExtTXT  = ".txt"
	ExtXLSX = ".xlsx"
	ExtXLSM = ".xlsm"
)
