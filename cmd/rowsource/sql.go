package rowsource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// dialect captures everything that differs between the SQL variants.
type dialect interface {
	driverName() string
	dsn(creds Credentials, opts Options) string
	quoteIdentifier(name string) string
	// rangeQuery builds the filtered SELECT; args bind the range bounds.
	rangeQuery(spec QuerySpec) (string, []any)
	countQuery(spec QuerySpec) (string, []any)
	// open starts a paginated stream for query.
	open(ctx context.Context, db *sql.DB, spec QuerySpec, query string, args []any, opts Options) (*batchIterator, error)
}

// sqlSource is the database/sql backed RowSource shared by both variants.
type sqlSource struct {
	creds   Credentials
	opts    Options
	dialect dialect
	open    func(driverName, dataSourceName string) (*sql.DB, error)

	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

func newSQLSource(creds Credentials, opts Options, d dialect) *sqlSource {
	return &sqlSource{
		creds:   creds,
		opts:    opts,
		dialect: d,
		open:    sql.Open,
	}
}

func (s *sqlSource) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}

	db, err := s.open(s.dialect.driverName(), s.dialect.dsn(s.creds, s.opts))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s@%s:%d/%s: %w", ErrConnection,
			s.creds.User, s.creds.Host, s.creds.Port, s.creds.Name, err)
	}

	s.db = db
	s.closed = false
	return nil
}

func (s *sqlSource) Stream(ctx context.Context, spec QuerySpec) (Iterator, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	query, args := s.dialect.rangeQuery(spec)
	return s.dialect.open(ctx, db, spec, query, args, s.opts)
}

func (s *sqlSource) Count(ctx context.Context, spec QuerySpec) (int64, error) {
	if err := spec.Validate(); err != nil {
		return 0, err
	}

	db, err := s.handle()
	if err != nil {
		return 0, err
	}

	query, args := s.dialect.countQuery(spec)
	var count int64
	if err := db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, queryError(ctx, "count rows", err)
	}
	return count, nil
}

func (s *sqlSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.db == nil {
		s.closed = true
		return nil
	}
	s.closed = true
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *sqlSource) handle() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrNotConnected
	}
	return s.db, nil
}

// whereClause renders the shared range predicate with dialect placeholders.
func whereClause(d dialect, spec QuerySpec, lower, upper string) string {
	col := d.quoteIdentifier(spec.DateColumn)
	clause := fmt.Sprintf("%s >= %s AND %s < %s", col, lower, col, upper)
	if p := strings.TrimSpace(spec.ExtraPredicate); p != "" {
		clause += " AND (" + p + ")"
	}
	return clause
}

// quoteQualified quotes each dot-separated part of an identifier.
func quoteQualified(name string, quote func(string) string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = quote(p)
	}
	return strings.Join(parts, ".")
}

// queryError keeps cancellation errors intact and tags the rest as ErrQuery.
func queryError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrQuery, op, err)
}

// batchIterator reads pages from *sql.Rows and cuts them into batches. When
// fetch is set, a page holding exactly chunkSize rows means another page may
// follow; otherwise rows is one unbuffered stream.
type batchIterator struct {
	columns   []string
	chunkSize int
	rows      *sql.Rows
	pageRows  int
	fetch     func(ctx context.Context) (*sql.Rows, error)
	release   func() error
	done      bool
	closed    bool
}

func newBatchIterator(rows *sql.Rows, chunkSize int, fetch func(context.Context) (*sql.Rows, error), release func() error) (*batchIterator, error) {
	columns, err := rows.Columns()
	if err != nil {
		rows.Close()
		if release != nil {
			_ = release()
		}
		return nil, fmt.Errorf("%w: read columns: %w", ErrQuery, err)
	}
	return &batchIterator{
		columns:   columns,
		chunkSize: chunkSize,
		rows:      rows,
		fetch:     fetch,
		release:   release,
	}, nil
}

func (it *batchIterator) Columns() []string {
	out := make([]string, len(it.columns))
	copy(out, it.columns)
	return out
}

func (it *batchIterator) Next(ctx context.Context) (*Batch, error) {
	if it.closed || it.done {
		return nil, io.EOF
	}

	batch := &Batch{
		Columns: it.columns,
		Rows:    make([][]any, 0, min(it.chunkSize, 1024)),
	}

	for len(batch.Rows) < it.chunkSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if it.rows.Next() {
			row, err := scanRow(it.rows, len(it.columns))
			if err != nil {
				return nil, queryError(ctx, "scan row", err)
			}
			batch.Rows = append(batch.Rows, row)
			it.pageRows++
			continue
		}

		if err := it.rows.Err(); err != nil {
			return nil, queryError(ctx, "read rows", err)
		}
		it.rows.Close()

		if it.fetch == nil || it.pageRows < it.chunkSize {
			it.done = true
			break
		}

		rows, err := it.fetch(ctx)
		if err != nil {
			return nil, queryError(ctx, "fetch page", err)
		}
		it.rows = rows
		it.pageRows = 0
	}

	if len(batch.Rows) == 0 {
		return nil, io.EOF
	}
	return batch, nil
}

func (it *batchIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true

	var err error
	if it.rows != nil {
		err = it.rows.Close()
	}
	if it.release != nil {
		if relErr := it.release(); relErr != nil && err == nil {
			err = relErr
		}
	}
	return err
}

func scanRow(rows *sql.Rows, width int) ([]any, error) {
	values := make([]any, width)
	dest := make([]any, width)
	for i := range values {
		dest[i] = &values[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, err
	}
	for i, v := range values {
		values[i] = normalizeValue(v)
	}
	return values, nil
}

// normalizeValue maps driver values onto the scalar set the exporter handles.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(val)
	case int:
		return int64(val)
	case int32:
		return int64(val)
	case uint64:
		if val > 1<<63-1 {
			return fmt.Sprintf("%d", val)
		}
		return int64(val)
	case float32:
		return float64(val)
	case time.Time, string, int64, float64, bool:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}
