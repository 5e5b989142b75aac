package rowsource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
)

// cursorName is local to the read-only transaction that owns it.
const cursorName = "db_backup_cursor"

// NewPostgres returns a PostgreSQL Row Source. Rows are paged through a
// server-side cursor, FETCH FORWARD chunk_size at a time.
func NewPostgres(creds Credentials, opts Options) RowSource {
	return newSQLSource(creds, opts, postgresDialect{})
}

type postgresDialect struct{}

func (postgresDialect) driverName() string { return "postgres" }

func (postgresDialect) dsn(creds Credentials, opts Options) string {
	sslMode := creds.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	params := []struct{ key, value string }{
		{"host", creds.Host},
		{"port", strconv.Itoa(creds.Port)},
		{"user", creds.User},
		{"password", creds.Password},
		{"dbname", creds.Name},
		{"sslmode", sslMode},
	}
	if opts.ConnectTimeout > 0 {
		params = append(params, struct{ key, value string }{"connect_timeout", strconv.Itoa(int(opts.ConnectTimeout.Seconds()))})
	}

	parts := make([]string, 0, len(params))
	for _, p := range params {
		if p.value == "" {
			continue
		}
		parts = append(parts, p.key+"="+quoteConnValue(p.value))
	}
	return strings.Join(parts, " ")
}

// quoteConnValue quotes a libpq keyword/value parameter.
func quoteConnValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

func (postgresDialect) quoteIdentifier(name string) string {
	return quoteQualified(name, pq.QuoteIdentifier)
}

func (d postgresDialect) rangeQuery(spec QuerySpec) (string, []any) {
	//nolint:gosec // identifiers are quoted, extra predicate is trusted operator input
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s ORDER BY %s",
		d.quoteIdentifier(spec.Table),
		whereClause(d, spec, "$1", "$2"),
		d.quoteIdentifier(spec.DateColumn),
	)
	return query, []any{spec.Range.Start(), spec.Range.End()}
}

func (d postgresDialect) countQuery(spec QuerySpec) (string, []any) {
	//nolint:gosec // identifiers are quoted, extra predicate is trusted operator input
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s",
		d.quoteIdentifier(spec.Table),
		whereClause(d, spec, "$1", "$2"),
	)
	return query, []any{spec.Range.Start(), spec.Range.End()}
}

func (postgresDialect) open(ctx context.Context, db *sql.DB, spec QuerySpec, query string, args []any, opts Options) (*batchIterator, error) {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, queryError(ctx, "begin transaction", err)
	}

	fail := func(op string, err error) (*batchIterator, error) {
		_ = tx.Rollback()
		return nil, queryError(ctx, op, err)
	}

	if opts.StatementTimeout > 0 {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", opts.StatementTimeout.Milliseconds())); err != nil {
			return fail("set statement timeout", err)
		}
	}

	if _, err := tx.ExecContext(ctx, "DECLARE "+cursorName+" NO SCROLL CURSOR FOR "+query, args...); err != nil {
		return fail("declare cursor", err)
	}

	fetchQuery := fmt.Sprintf("FETCH FORWARD %d FROM %s", spec.ChunkSize, cursorName)
	fetch := func(ctx context.Context) (*sql.Rows, error) {
		return tx.QueryContext(ctx, fetchQuery)
	}

	rows, err := fetch(ctx)
	if err != nil {
		return fail("fetch page", err)
	}

	release := func() error {
		if _, err := tx.Exec("CLOSE " + cursorName); err != nil {
			_ = tx.Rollback()
			if errors.Is(err, sql.ErrTxDone) {
				return nil
			}
			return fmt.Errorf("close cursor: %w", err)
		}
		if err := tx.Commit(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			return fmt.Errorf("commit read transaction: %w", err)
		}
		return nil
	}

	return newBatchIterator(rows, spec.ChunkSize, fetch, release)
}
