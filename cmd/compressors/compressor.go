package compressors

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrUnsupportedCompression is returned when an unsupported compression type is requested
var ErrUnsupportedCompression = errors.New("unsupported compression type")

// Compressor defines the interface for streaming compression handlers
type Compressor interface {
	// NewWriter wraps w; closing the returned writer flushes the stream but does not close w
	NewWriter(w io.Writer, level int) (io.WriteCloser, error)

	// NewReader wraps r and decompresses on read
	NewReader(r io.Reader) (io.ReadCloser, error)

	// Extension returns the file extension for this compression (e.g., ".zst", ".lz4", ".gz")
	Extension() string

	// DefaultLevel returns the default compression level
	DefaultLevel() int
}

// GetCompressor returns the appropriate compressor based on the compression string
func GetCompressor(compression string) (Compressor, error) {
	switch compression {
	case "zstd":
		return NewZstdCompressor(), nil
	case "lz4":
		return NewLZ4Compressor(), nil
	case "gzip":
		return NewGzipCompressor(), nil
	case "none", "":
		return NewNoneCompressor(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCompression, compression)
	}
}

// DetectFromFilename picks the compressor matching the file's extension and
// returns the name with that extension removed.
func DetectFromFilename(name string) (Compressor, string) {
	for _, c := range []Compressor{NewZstdCompressor(), NewLZ4Compressor(), NewGzipCompressor()} {
		if strings.HasSuffix(name, c.Extension()) {
			return c, strings.TrimSuffix(name, c.Extension())
		}
	}
	return NewNoneCompressor(), name
}
