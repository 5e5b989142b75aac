package formatters

import (
	"encoding/csv"
	"fmt"
	"io"
	"slices"
	"strconv"
	"time"

	"github.com/airframesio/db-backup/cmd/rowsource"
)

// TimestampLayout is used for time.Time values in exported CSV
const TimestampLayout = time.RFC3339Nano

// CSVStreamingFormatter handles CSV format output in streaming mode
type CSVStreamingFormatter struct{}

// NewCSVStreamingFormatter creates a new CSV streaming formatter
func NewCSVStreamingFormatter() *CSVStreamingFormatter {
	return &CSVStreamingFormatter{}
}

// NewWriter writes the header row immediately, so a stream with no rows is
// still a valid CSV document.
func (f *CSVStreamingFormatter) NewWriter(w io.Writer, columns []string) (StreamWriter, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: no columns in projection", ErrExport)
	}

	csvWriter := csv.NewWriter(w)
	if err := csvWriter.Write(columns); err != nil {
		return nil, fmt.Errorf("%w: write CSV header: %w", ErrExport, err)
	}
	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return nil, fmt.Errorf("%w: write CSV header: %w", ErrExport, err)
	}

	return &csvStreamWriter{
		writer:  csvWriter,
		columns: slices.Clone(columns),
		record:  make([]string, len(columns)),
	}, nil
}

// Extension returns the file extension for CSV files
func (f *CSVStreamingFormatter) Extension() string {
	return ".csv"
}

// MIMEType returns the MIME type for CSV
func (f *CSVStreamingFormatter) MIMEType() string {
	return "text/csv"
}

// csvStreamWriter implements StreamWriter for CSV format
type csvStreamWriter struct {
	writer  *csv.Writer
	columns []string
	record  []string
}

// WriteChunk writes a batch of rows in CSV format. A batch whose columns differ
// from the header is schema drift and fails the export.
func (w *csvStreamWriter) WriteChunk(batch *rowsource.Batch) error {
	if batch == nil {
		return nil
	}
	if !slices.Equal(batch.Columns, w.columns) {
		return fmt.Errorf("%w: schema drift: batch columns %v do not match header %v", ErrExport, batch.Columns, w.columns)
	}

	for i, row := range batch.Rows {
		if len(row) != len(w.columns) {
			return fmt.Errorf("%w: schema drift: row %d has %d values, header has %d columns", ErrExport, i, len(row), len(w.columns))
		}
		for j, val := range row {
			w.record[j] = FormatValue(val)
		}
		if err := w.writer.Write(w.record); err != nil {
			return fmt.Errorf("%w: write CSV record: %w", ErrExport, err)
		}
	}

	w.writer.Flush()
	if err := w.writer.Error(); err != nil {
		return fmt.Errorf("%w: flush CSV batch: %w", ErrExport, err)
	}
	return nil
}

// Close finalizes the CSV output by flushing the writer
func (w *csvStreamWriter) Close() error {
	w.writer.Flush()
	if err := w.writer.Error(); err != nil {
		return fmt.Errorf("%w: CSV writer error: %w", ErrExport, err)
	}
	return nil
}

// FormatValue renders a scalar as a CSV field; NULL becomes an empty field.
func FormatValue(val any) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case time.Time:
		return v.Format(TimestampLayout)
	default:
		return fmt.Sprintf("%v", v)
	}
}
