package formatters

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ExportStats is what the exporter reports once the source is drained.
type ExportStats struct {
	Rows    int64
	Bytes   int64
	Batches int
}

// Exporter pulls batches from a source and writes them through a streaming
// formatter. Only one batch is held at a time.
type Exporter struct {
	formatter StreamingFormatter
	onBatch   func(ExportStats)
}

// NewExporter creates an exporter for the given formatter.
func NewExporter(formatter StreamingFormatter) *Exporter {
	return &Exporter{formatter: formatter}
}

// OnBatch registers a callback invoked after every flushed batch.
func (e *Exporter) OnBatch(fn func(ExportStats)) *Exporter {
	e.onBatch = fn
	return e
}

// Export writes the header from the declared projection, then every batch.
// Context cancellation stops pulling further batches.
func (e *Exporter) Export(ctx context.Context, src BatchSource, sink io.Writer) (ExportStats, error) {
	var stats ExportStats
	counter := &countingWriter{w: sink}

	sw, err := e.formatter.NewWriter(counter, src.Columns())
	if err != nil {
		return stats, err
	}
	stats.Bytes = counter.n

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		batch, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, err
		}

		if err := sw.WriteChunk(batch); err != nil {
			return stats, err
		}

		stats.Rows += int64(batch.Len())
		stats.Bytes = counter.n
		stats.Batches++
		if e.onBatch != nil {
			e.onBatch(stats)
		}
	}

	if err := sw.Close(); err != nil {
		return stats, err
	}
	stats.Bytes = counter.n
	return stats, nil
}

// ExportToFile is Export with a freshly created file as the sink. The file is
// synced before it is closed.
func (e *Exporter) ExportToFile(ctx context.Context, src BatchSource, create func() (io.WriteCloser, error)) (ExportStats, error) {
	f, err := create()
	if err != nil {
		return ExportStats{}, fmt.Errorf("%w: create export file: %w", ErrExport, err)
	}

	stats, err := e.Export(ctx, src, f)
	if syncer, ok := f.(interface{ Sync() error }); ok && err == nil {
		if syncErr := syncer.Sync(); syncErr != nil {
			err = fmt.Errorf("%w: sync export file: %w", ErrExport, syncErr)
		}
	}
	if closeErr := f.Close(); closeErr != nil && err == nil {
		err = fmt.Errorf("%w: close export file: %w", ErrExport, closeErr)
	}
	return stats, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	if err != nil {
		return n, fmt.Errorf("%w: %w", ErrExport, err)
	}
	return n, nil
}
