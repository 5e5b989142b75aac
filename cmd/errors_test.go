package cmd

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/airframesio/db-backup/cmd/daterange"
	"github.com/airframesio/db-backup/cmd/encryption"
	"github.com/airframesio/db-backup/cmd/formatters"
	"github.com/airframesio/db-backup/cmd/rowsource"
	"github.com/airframesio/db-backup/cmd/storage"
)

func TestErrorCategory(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantCategory string
		wantCode     int
	}{
		{"nil", nil, "", ExitOK},
		{"config", fmt.Errorf("%w: %w", ErrInvalidConfig, ErrTableNameRequired), "ConfigError", ExitConfig},
		{"date expression", fmt.Errorf("start: %w", daterange.ErrInvalidDateExpression), "InvalidDateExpression", ExitConfig},
		{"range", daterange.ErrInvalidRange, "InvalidRange", ExitConfig},
		{"connection", fmt.Errorf("%w: refused", rowsource.ErrConnection), "ConnectionError", ExitSource},
		{"query", fmt.Errorf("%w: syntax error", rowsource.ErrQuery), "QueryError", ExitSource},
		{"export", fmt.Errorf("%w: schema drift", formatters.ErrExport), "ExportError", ExitArtifact},
		{"encryption", fmt.Errorf("%w: %w", encryption.ErrEncryption, encryption.ErrEmptyPassphrase), "EncryptionError", ExitArtifact},
		{"bucket", fmt.Errorf("%w: %w", storage.ErrUpload, storage.ErrBucketNotFound), "BucketNotFoundError", ExitUpload},
		{"upload", fmt.Errorf("%w after 3 attempt(s)", storage.ErrUpload), "UploadError", ExitUpload},
		{"cancelled", fmt.Errorf("export: %w", context.Canceled), "Cancelled", ExitCancelled},
		{"already run", ErrAlreadyRun, "Error", ExitFailure},
		{"unknown", errors.New("boom"), "Error", ExitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorCategory(tt.err); got != tt.wantCategory {
				t.Errorf("ErrorCategory() = %q, want %q", got, tt.wantCategory)
			}
			if got := ExitCode(tt.err); got != tt.wantCode {
				t.Errorf("ExitCode() = %d, want %d", got, tt.wantCode)
			}
		})
	}
}
