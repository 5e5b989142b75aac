package rowsource

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/airframesio/db-backup/cmd/daterange"
)

// Database types accepted by New
const (
	TypePostgreSQL = "postgresql"
	TypeMySQL      = "mysql"
)

var (
	ErrConnection          = errors.New("database connection failed")
	ErrQuery               = errors.New("query failed")
	ErrUnsupportedDatabase = errors.New("unsupported database type")
	ErrNotConnected        = errors.New("row source is not connected")
	ErrInvalidQuerySpec    = errors.New("invalid query spec")
)

// identifierPattern allows a bare or schema-qualified identifier
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// IsValidIdentifier reports whether name is a plain (optionally schema-qualified) identifier.
func IsValidIdentifier(name string) bool {
	return len(name) <= 128 && identifierPattern.MatchString(name)
}

// Credentials identify the database to read from.
type Credentials struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string // PostgreSQL only
}

// Options tune connection behaviour. Zero values mean driver defaults.
type Options struct {
	ConnectTimeout   time.Duration
	StatementTimeout time.Duration // PostgreSQL only, applied per stream
}

// QuerySpec describes one range-filtered extraction.
type QuerySpec struct {
	Table      string
	DateColumn string
	Range      daterange.DateRange
	// ExtraPredicate is a raw SQL fragment ANDed to the range filter. It is
	// trusted operator input and is not sanitized.
	ExtraPredicate string
	ChunkSize      int
}

// Validate checks identifiers and chunk size before any SQL is built.
func (q QuerySpec) Validate() error {
	if !IsValidIdentifier(q.Table) {
		return fmt.Errorf("%w: table %q", ErrInvalidQuerySpec, q.Table)
	}
	if !IsValidIdentifier(q.DateColumn) {
		return fmt.Errorf("%w: date column %q", ErrInvalidQuerySpec, q.DateColumn)
	}
	if q.ChunkSize < 1 {
		return fmt.Errorf("%w: chunk size must be at least 1, got %d", ErrInvalidQuerySpec, q.ChunkSize)
	}
	if !q.Range.End().After(q.Range.Start()) {
		return fmt.Errorf("%w: empty date range", ErrInvalidQuerySpec)
	}
	return nil
}

// Batch holds at most ChunkSize rows. Each row has one value per column, in
// Columns order. Values are nil, string, int64, float64, bool or time.Time.
type Batch struct {
	Columns []string
	Rows    [][]any
}

// Len returns the number of rows in the batch.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Rows)
}

// Iterator is a forward-only, non-restartable sequence of batches.
type Iterator interface {
	// Columns is the declared projection, known even when no rows match.
	Columns() []string
	// Next returns the next batch or io.EOF once the result is exhausted.
	Next(ctx context.Context) (*Batch, error)
	// Close releases the cursor or result set. Safe to call more than once.
	Close() error
}

// RowSource streams range-filtered rows out of one database.
type RowSource interface {
	Connect(ctx context.Context) error
	Stream(ctx context.Context, spec QuerySpec) (Iterator, error)
	// Close is idempotent.
	Close() error
}

// Counter is implemented by sources that can count matching rows up front.
type Counter interface {
	Count(ctx context.Context, spec QuerySpec) (int64, error)
}

// New builds the Row Source variant for dbType.
func New(dbType string, creds Credentials, opts Options) (RowSource, error) {
	switch dbType {
	case TypePostgreSQL:
		return NewPostgres(creds, opts), nil
	case TypeMySQL:
		return NewMySQL(creds, opts), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDatabase, dbType)
	}
}

// DefaultPort returns the conventional port for dbType, or 0 when unknown.
func DefaultPort(dbType string) int {
	switch dbType {
	case TypePostgreSQL:
		return 5432
	case TypeMySQL:
		return 3306
	default:
		return 0
	}
}
