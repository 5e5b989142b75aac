package formatters

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/airframesio/db-backup/cmd/rowsource"
)

// Format type constants
const (
	FormatCSV = "csv"
)

var (
	// ErrExport covers schema drift and sink I/O failures
	ErrExport = errors.New("export failed")
	// ErrUnsupportedFormat is returned for unknown output formats
	ErrUnsupportedFormat = errors.New("unsupported output format")
)

// BatchSource is the pull side of the exporter; rowsource.Iterator satisfies it.
type BatchSource interface {
	Columns() []string
	Next(ctx context.Context) (*rowsource.Batch, error)
}

// StreamWriter writes batches incrementally to an underlying writer
type StreamWriter interface {
	// WriteChunk writes one batch and flushes it to the sink
	WriteChunk(batch *rowsource.Batch) error

	// Close flushes remaining data; it does not close the sink
	Close() error
}

// StreamingFormatter creates stream writers for one output format
type StreamingFormatter interface {
	// NewWriter writes the header for columns and returns the stream writer
	NewWriter(w io.Writer, columns []string) (StreamWriter, error)

	// Extension returns the file extension for this format (e.g., ".csv")
	Extension() string

	// MIMEType returns the MIME type for this format
	MIMEType() string
}

// GetStreamingFormatter returns the formatter for format
func GetStreamingFormatter(format string) (StreamingFormatter, error) {
	switch format {
	case FormatCSV, "":
		return NewCSVStreamingFormatter(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}
