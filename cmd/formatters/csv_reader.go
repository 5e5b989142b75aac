package formatters

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
)

// CSVReader reads back an exported CSV stream, header first
type CSVReader struct {
	reader   *csv.Reader
	closer   io.Closer
	headers  []string
	readOnce bool
}

// NewCSVReader creates a new CSV reader
func NewCSVReader(r io.Reader) *CSVReader {
	reader := csv.NewReader(r)
	reader.ReuseRecord = false
	c := &CSVReader{reader: reader}
	if closer, ok := r.(io.Closer); ok {
		c.closer = closer
	}
	return c
}

// readHeaders reads the header row if not already read
func (r *CSVReader) readHeaders() error {
	if r.readOnce {
		return nil
	}

	headers, err := r.reader.Read()
	if err != nil {
		return fmt.Errorf("failed to read CSV header: %w", err)
	}

	r.headers = headers
	r.readOnce = true
	return nil
}

// Header returns the column names from the first line
func (r *CSVReader) Header() ([]string, error) {
	if err := r.readHeaders(); err != nil {
		return nil, err
	}
	return r.headers, nil
}

// ReadChunk reads up to chunkSize records. It returns io.EOF once no records remain.
func (r *CSVReader) ReadChunk(chunkSize int) ([][]string, error) {
	if err := r.readHeaders(); err != nil {
		return nil, err
	}

	var records [][]string
	for len(records) < chunkSize {
		record, err := r.reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV record: %w", err)
		}
		records = append(records, record)
	}

	if len(records) == 0 {
		return nil, io.EOF
	}
	return records, nil
}

// CountRecords consumes the rest of the stream and returns the number of data rows
func (r *CSVReader) CountRecords() (int64, error) {
	if err := r.readHeaders(); err != nil {
		return 0, err
	}

	var n int64
	for {
		_, err := r.reader.Read()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("failed to read CSV record %d: %w", n+1, err)
		}
		n++
	}
}

// Close closes the underlying reader if it's closable
func (r *CSVReader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
