package rowsource

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// mysqlTimeLayout matches DATETIME/TIMESTAMP literals; the wall clock of the
// range location is sent as-is.
const mysqlTimeLayout = "2006-01-02 15:04:05.999999"

// NewMySQL returns a MySQL Row Source. The result set is read unbuffered from
// the connection, chunk_size rows per batch.
func NewMySQL(creds Credentials, opts Options) RowSource {
	return newSQLSource(creds, opts, mysqlDialect{})
}

type mysqlDialect struct{}

func (mysqlDialect) driverName() string { return "mysql" }

func (mysqlDialect) dsn(creds Credentials, opts Options) string {
	cfg := mysql.NewConfig()
	cfg.User = creds.User
	cfg.Passwd = creds.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(creds.Host, strconv.Itoa(creds.Port))
	cfg.DBName = creds.Name
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	if opts.ConnectTimeout > 0 {
		cfg.Timeout = opts.ConnectTimeout
	}
	return cfg.FormatDSN()
}

func (mysqlDialect) quoteIdentifier(name string) string {
	return quoteQualified(name, func(part string) string {
		return "`" + strings.ReplaceAll(part, "`", "``") + "`"
	})
}

func (d mysqlDialect) rangeQuery(spec QuerySpec) (string, []any) {
	//nolint:gosec // identifiers are quoted, extra predicate is trusted operator input
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s ORDER BY %s",
		d.quoteIdentifier(spec.Table),
		whereClause(d, spec, "?", "?"),
		d.quoteIdentifier(spec.DateColumn),
	)
	return query, mysqlRangeArgs(spec)
}

func (d mysqlDialect) countQuery(spec QuerySpec) (string, []any) {
	//nolint:gosec // identifiers are quoted, extra predicate is trusted operator input
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s",
		d.quoteIdentifier(spec.Table),
		whereClause(d, spec, "?", "?"),
	)
	return query, mysqlRangeArgs(spec)
}

func mysqlRangeArgs(spec QuerySpec) []any {
	return []any{
		spec.Range.Start().Format(mysqlTimeLayout),
		spec.Range.End().Format(mysqlTimeLayout),
	}
}

func (mysqlDialect) open(ctx context.Context, db *sql.DB, spec QuerySpec, query string, args []any, _ Options) (*batchIterator, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, queryError(ctx, "select rows", err)
	}
	return newBatchIterator(rows, spec.ChunkSize, nil, nil)
}
