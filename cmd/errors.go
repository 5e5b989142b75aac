package cmd

import (
	"context"
	"errors"

	"github.com/airframesio/db-backup/cmd/compressors"
	"github.com/airframesio/db-backup/cmd/daterange"
	"github.com/airframesio/db-backup/cmd/encryption"
	"github.com/airframesio/db-backup/cmd/formatters"
	"github.com/airframesio/db-backup/cmd/rowsource"
	"github.com/airframesio/db-backup/cmd/storage"
)

var (
	// ErrInvalidConfig wraps every Config.Validate failure
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrCleanupWarning marks local deletion failures; never a run error
	ErrCleanupWarning = errors.New("cleanup warning")
	// ErrAlreadyRun is returned by a second Run on the same orchestrator
	ErrAlreadyRun = errors.New("orchestrator has already run")
)

// Process exit codes
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitConfig    = 2
	ExitSource    = 3
	ExitArtifact  = 4
	ExitUpload    = 5
	ExitCancelled = 130
)

type errorClass struct {
	target   error
	category string
	code     int
}

// Order matters: more specific sentinels first.
var errorClasses = []errorClass{
	{context.Canceled, "Cancelled", ExitCancelled},
	{ErrInvalidConfig, "ConfigError", ExitConfig},
	{daterange.ErrInvalidDateExpression, "InvalidDateExpression", ExitConfig},
	{daterange.ErrInvalidRange, "InvalidRange", ExitConfig},
	{rowsource.ErrUnsupportedDatabase, "ConfigError", ExitConfig},
	{rowsource.ErrInvalidQuerySpec, "QueryError", ExitSource},
	{rowsource.ErrConnection, "ConnectionError", ExitSource},
	{rowsource.ErrQuery, "QueryError", ExitSource},
	{rowsource.ErrNotConnected, "ConnectionError", ExitSource},
	{formatters.ErrExport, "ExportError", ExitArtifact},
	{compressors.ErrUnsupportedCompression, "ExportError", ExitArtifact},
	{encryption.ErrEncryption, "EncryptionError", ExitArtifact},
	{storage.ErrBucketNotFound, "BucketNotFoundError", ExitUpload},
	{storage.ErrUpload, "UploadError", ExitUpload},
	{storage.ErrAccessDenied, "UploadError", ExitUpload},
	{storage.ErrObjectNotFound, "ObjectNotFound", ExitUpload},
	{storage.ErrStorage, "UploadError", ExitUpload},
}

func classifyError(err error) errorClass {
	for _, c := range errorClasses {
		if errors.Is(err, c.target) {
			return c
		}
	}
	return errorClass{category: "Error", code: ExitFailure}
}

// ErrorCategory names the taxonomy bucket err belongs to
func ErrorCategory(err error) string {
	if err == nil {
		return ""
	}
	return classifyError(err).category
}

// ExitCode maps err to the process exit status
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	return classifyError(err).code
}
