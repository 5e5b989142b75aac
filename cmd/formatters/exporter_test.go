package formatters

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/airframesio/db-backup/cmd/rowsource"
)

// sliceSource replays fixed batches and records the largest one handed out.
type sliceSource struct {
	columns  []string
	batches  []*rowsource.Batch
	maxBatch int
}

func (s *sliceSource) Columns() []string { return s.columns }

func (s *sliceSource) Next(_ context.Context) (*rowsource.Batch, error) {
	if len(s.batches) == 0 {
		return nil, io.EOF
	}
	b := s.batches[0]
	s.batches = s.batches[1:]
	if b.Len() > s.maxBatch {
		s.maxBatch = b.Len()
	}
	return b, nil
}

func batchOf(columns []string, rows ...[]any) *rowsource.Batch {
	return &rowsource.Batch{Columns: columns, Rows: rows}
}

func TestExportWritesHeaderAndRows(t *testing.T) {
	cols := []string{"id", "name", "score", "active", "created_at"}
	ts := time.Date(2025, 6, 15, 8, 0, 0, 0, time.UTC)
	src := &sliceSource{
		columns: cols,
		batches: []*rowsource.Batch{
			batchOf(cols, []any{int64(1), "alice", 1.5, true, ts}),
			batchOf(cols, []any{int64(2), nil, nil, false, nil}),
		},
	}

	var buf bytes.Buffer
	var callbacks int
	stats, err := NewExporter(NewCSVStreamingFormatter()).
		OnBatch(func(ExportStats) { callbacks++ }).
		Export(context.Background(), src, &buf)
	if err != nil {
		t.Fatal(err)
	}

	expected := "id,name,score,active,created_at\n" +
		"1,alice,1.5,true,2025-06-15T08:00:00Z\n" +
		"2,,,false,\n"
	if buf.String() != expected {
		t.Fatalf("unexpected output:\n%q\nexpected:\n%q", buf.String(), expected)
	}
	if stats.Rows != 2 || stats.Batches != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.Bytes != int64(buf.Len()) {
		t.Fatalf("expected %d bytes, got %d", buf.Len(), stats.Bytes)
	}
	if callbacks != 2 {
		t.Fatalf("expected 2 batch callbacks, got %d", callbacks)
	}
}

func TestExportEmptySourceWritesHeaderOnly(t *testing.T) {
	src := &sliceSource{columns: []string{"id", "created_at"}}

	var buf bytes.Buffer
	stats, err := NewExporter(NewCSVStreamingFormatter()).Export(context.Background(), src, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if buf.String() != "id,created_at\n" {
		t.Fatalf("expected header only, got %q", buf.String())
	}
	if stats.Rows != 0 {
		t.Fatalf("expected 0 rows, got %d", stats.Rows)
	}
}

func TestExportEscapesPerRFC4180(t *testing.T) {
	cols := []string{"note"}
	src := &sliceSource{
		columns: cols,
		batches: []*rowsource.Batch{batchOf(cols,
			[]any{"comma, inside"},
			[]any{`say "hi"`},
			[]any{"line\nbreak"},
		)},
	}

	var buf bytes.Buffer
	if _, err := NewExporter(NewCSVStreamingFormatter()).Export(context.Background(), src, &buf); err != nil {
		t.Fatal(err)
	}

	expected := "note\n\"comma, inside\"\n\"say \"\"hi\"\"\"\n\"line\nbreak\"\n"
	if buf.String() != expected {
		t.Fatalf("unexpected output %q", buf.String())
	}

	reader := NewCSVReader(strings.NewReader(buf.String()))
	records, err := reader.ReadChunk(10)
	if err != nil {
		t.Fatal(err)
	}
	if records[2][0] != "line\nbreak" || records[1][0] != `say "hi"` {
		t.Fatalf("fields did not survive a read back: %q", records)
	}
}

func TestExportDetectsSchemaDrift(t *testing.T) {
	tests := []struct {
		name  string
		batch *rowsource.Batch
	}{
		{"renamed column", batchOf([]string{"id", "title"}, []any{int64(2), "x"})},
		{"extra column", batchOf([]string{"id", "name", "extra"}, []any{int64(2), "x", "y"})},
		{"short row", batchOf([]string{"id", "name"}, []any{int64(2)})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cols := []string{"id", "name"}
			src := &sliceSource{
				columns: cols,
				batches: []*rowsource.Batch{
					batchOf(cols, []any{int64(1), "a"}),
					tt.batch,
				},
			}
			var buf bytes.Buffer
			stats, err := NewExporter(NewCSVStreamingFormatter()).Export(context.Background(), src, &buf)
			if !errors.Is(err, ErrExport) {
				t.Fatalf("expected ErrExport, got %v", err)
			}
			if stats.Rows != 1 {
				t.Fatalf("expected only the first batch to be counted, got %d", stats.Rows)
			}
		})
	}
}

func TestExportBoundedBatches(t *testing.T) {
	const chunk = 3
	cols := []string{"n"}
	src := &sliceSource{columns: cols}
	for i := 0; i < 10; i++ {
		b := &rowsource.Batch{Columns: cols}
		for j := 0; j < chunk; j++ {
			b.Rows = append(b.Rows, []any{int64(i*chunk + j)})
		}
		src.batches = append(src.batches, b)
	}

	stats, err := NewExporter(NewCSVStreamingFormatter()).Export(context.Background(), src, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Rows != 30 {
		t.Fatalf("expected 30 rows, got %d", stats.Rows)
	}
	if src.maxBatch > chunk {
		t.Fatalf("exporter received a batch of %d rows, chunk size is %d", src.maxBatch, chunk)
	}
}

func TestExportStopsOnCancel(t *testing.T) {
	cols := []string{"n"}
	src := &sliceSource{columns: cols, batches: []*rowsource.Batch{batchOf(cols, []any{int64(1)})}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	_, err := NewExporter(NewCSVStreamingFormatter()).Export(ctx, src, &buf)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(src.batches) != 1 {
		t.Fatal("no batch should be pulled after cancellation")
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestExportSinkFailure(t *testing.T) {
	src := &sliceSource{columns: []string{"n"}}
	_, err := NewExporter(NewCSVStreamingFormatter()).Export(context.Background(), src, failingWriter{})
	if !errors.Is(err, ErrExport) {
		t.Fatalf("expected ErrExport, got %v", err)
	}
}

func TestExportRequiresProjection(t *testing.T) {
	_, err := NewExporter(NewCSVStreamingFormatter()).Export(context.Background(), &sliceSource{}, io.Discard)
	if !errors.Is(err, ErrExport) {
		t.Fatalf("expected ErrExport, got %v", err)
	}
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		input    any
		expected string
	}{
		{nil, ""},
		{"text", "text"},
		{[]byte("raw"), "raw"},
		{int64(-42), "-42"},
		{1234567.0, "1234567"},
		{0.1, "0.1"},
		{true, "true"},
		{time.Date(2024, 1, 2, 3, 4, 5, 600, time.UTC), "2024-01-02T03:04:05.0000006Z"},
	}
	for _, tt := range tests {
		if got := FormatValue(tt.input); got != tt.expected {
			t.Fatalf("FormatValue(%#v) = %q, expected %q", tt.input, got, tt.expected)
		}
	}
}

func TestCSVReaderCount(t *testing.T) {
	r := NewCSVReader(strings.NewReader("a,b\n1,2\n3,4\n"))
	header, err := r.Header()
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(header, ",") != "a,b" {
		t.Fatalf("unexpected header %v", header)
	}
	n, err := r.CountRecords()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 records, got %d", n)
	}
}

func TestGetStreamingFormatter(t *testing.T) {
	f, err := GetStreamingFormatter("csv")
	if err != nil {
		t.Fatal(err)
	}
	if f.Extension() != ".csv" || f.MIMEType() != "text/csv" {
		t.Fatal("unexpected csv formatter metadata")
	}
	if _, err := GetStreamingFormatter("parquet"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}
