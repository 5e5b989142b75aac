package rowsource

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/airframesio/db-backup/cmd/daterange"
)

func testSpec(t *testing.T, chunkSize int) QuerySpec {
	t.Helper()
	r, err := daterange.New(
		time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 16, 0, 0, 0, 0, time.UTC),
	)
	if err != nil {
		t.Fatal(err)
	}
	return QuerySpec{
		Table:      "events",
		DateColumn: "created_at",
		Range:      r,
		ChunkSize:  chunkSize,
	}
}

// newMockSource wires a sqlmock database into a connected source.
func newMockSource(t *testing.T, d dialect) (*sqlSource, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatal(err)
	}
	src := newSQLSource(Credentials{Host: "localhost", Port: 5432, User: "u", Name: "db"}, Options{}, d)
	src.open = func(string, string) (*sql.DB, error) { return db, nil }
	if err := src.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	return src, mock
}

func drain(t *testing.T, it Iterator, chunkSize int) [][]any {
	t.Helper()
	var all [][]any
	for {
		batch, err := it.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return all
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if batch.Len() > chunkSize {
			t.Fatalf("batch of %d rows exceeds chunk size %d", batch.Len(), chunkSize)
		}
		all = append(all, batch.Rows...)
	}
}

const pgSelect = `SELECT * FROM "events" WHERE "created_at" >= $1 AND "created_at" < $2 ORDER BY "created_at"`

func TestPostgresStreamPagesThroughCursor(t *testing.T) {
	src, mock := newMockSource(t, postgresDialect{})
	ts := time.Date(2025, 6, 15, 8, 0, 0, 0, time.UTC)
	columns := []string{"id", "created_at", "note"}

	mock.ExpectBegin()
	mock.ExpectExec("DECLARE db_backup_cursor NO SCROLL CURSOR FOR "+pgSelect).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FETCH FORWARD 2 FROM db_backup_cursor").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow(int64(1), ts, "a").
			AddRow(int64(2), ts, []byte("b")))
	mock.ExpectQuery("FETCH FORWARD 2 FROM db_backup_cursor").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow(int64(3), ts, nil))
	mock.ExpectExec("CLOSE db_backup_cursor").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectClose()

	it, err := src.Stream(context.Background(), testSpec(t, 2))
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(it.Columns(), ","); got != "id,created_at,note" {
		t.Fatalf("unexpected columns: %s", got)
	}

	rows := drain(t, it, 2)
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if rows[1][2] != "b" {
		t.Fatalf("expected []byte to be normalized to string, got %#v", rows[1][2])
	}
	if rows[2][2] != nil {
		t.Fatalf("expected nil, got %#v", rows[2][2])
	}

	if err := it.Close(); err != nil {
		t.Fatal(err)
	}
	if err := it.Close(); err != nil {
		t.Fatalf("second iterator close should be a no-op: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatal(err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("second source close should be a no-op: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresEmptyResultKeepsProjection(t *testing.T) {
	src, mock := newMockSource(t, postgresDialect{})

	mock.ExpectBegin()
	mock.ExpectExec("DECLARE db_backup_cursor NO SCROLL CURSOR FOR "+pgSelect).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FETCH FORWARD 10 FROM db_backup_cursor").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}))
	mock.ExpectExec("CLOSE db_backup_cursor").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	it, err := src.Stream(context.Background(), testSpec(t, 10))
	if err != nil {
		t.Fatal(err)
	}
	if len(it.Columns()) != 2 {
		t.Fatalf("expected declared projection of 2 columns, got %v", it.Columns())
	}
	if _, err := it.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	if err := it.Close(); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresExactMultipleOfChunk(t *testing.T) {
	src, mock := newMockSource(t, postgresDialect{})
	columns := []string{"id"}

	mock.ExpectBegin()
	mock.ExpectExec("DECLARE db_backup_cursor NO SCROLL CURSOR FOR "+pgSelect).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FETCH FORWARD 2 FROM db_backup_cursor").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(int64(1)).AddRow(int64(2)))
	mock.ExpectQuery("FETCH FORWARD 2 FROM db_backup_cursor").
		WillReturnRows(sqlmock.NewRows(columns))
	mock.ExpectExec("CLOSE db_backup_cursor").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	it, err := src.Stream(context.Background(), testSpec(t, 2))
	if err != nil {
		t.Fatal(err)
	}
	if rows := drain(t, it, 2); len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if err := it.Close(); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresStatementTimeoutAndPredicate(t *testing.T) {
	src, mock := newMockSource(t, postgresDialect{})
	src.opts.StatementTimeout = 30 * time.Second

	spec := testSpec(t, 5)
	spec.Table = "public.events"
	spec.ExtraPredicate = "status = 'active'"

	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL statement_timeout = 30000").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DECLARE db_backup_cursor NO SCROLL CURSOR FOR SELECT * FROM "public"."events" WHERE "created_at" >= $1 AND "created_at" < $2 AND (status = 'active') ORDER BY "created_at"`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FETCH FORWARD 5 FROM db_backup_cursor").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec("CLOSE db_backup_cursor").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	it, err := src.Stream(context.Background(), spec)
	if err != nil {
		t.Fatal(err)
	}
	if rows := drain(t, it, 5); len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if err := it.Close(); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresQueryError(t *testing.T) {
	src, mock := newMockSource(t, postgresDialect{})

	mock.ExpectBegin()
	mock.ExpectExec("DECLARE db_backup_cursor NO SCROLL CURSOR FOR "+pgSelect).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(errors.New(`relation "events" does not exist`))
	mock.ExpectRollback()

	_, err := src.Stream(context.Background(), testSpec(t, 2))
	if !errors.Is(err, ErrQuery) {
		t.Fatalf("expected ErrQuery, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestMySQLStreamBatches(t *testing.T) {
	src, mock := newMockSource(t, mysqlDialect{})
	rows := sqlmock.NewRows([]string{"id", "name"})
	for i := 1; i <= 5; i++ {
		rows.AddRow(int64(i), []byte("row"))
	}

	mock.ExpectQuery("SELECT * FROM `events` WHERE `created_at` >= ? AND `created_at` < ? ORDER BY `created_at`").
		WithArgs("2025-06-15 00:00:00", "2025-06-16 00:00:00").
		WillReturnRows(rows)

	it, err := src.Stream(context.Background(), testSpec(t, 2))
	if err != nil {
		t.Fatal(err)
	}

	var sizes []int
	for {
		batch, err := it.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		sizes = append(sizes, batch.Len())
	}
	if len(sizes) != 3 || sizes[0] != 2 || sizes[1] != 2 || sizes[2] != 1 {
		t.Fatalf("expected batches [2 2 1], got %v", sizes)
	}
	if err := it.Close(); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestMySQLCount(t *testing.T) {
	src, mock := newMockSource(t, mysqlDialect{})
	spec := testSpec(t, 100)
	spec.ExtraPredicate = "deleted = 0"

	mock.ExpectQuery("SELECT COUNT(*) FROM `events` WHERE `created_at` >= ? AND `created_at` < ? AND (deleted = 0)").
		WithArgs("2025-06-15 00:00:00", "2025-06-16 00:00:00").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(42)))

	count, err := src.Count(context.Background(), spec)
	if err != nil {
		t.Fatal(err)
	}
	if count != 42 {
		t.Fatalf("expected 42, got %d", count)
	}
}

func TestStreamHonorsCancellation(t *testing.T) {
	src, mock := newMockSource(t, mysqlDialect{})
	mock.ExpectQuery("SELECT * FROM `events` WHERE `created_at` >= ? AND `created_at` < ? ORDER BY `created_at`").
		WithArgs("2025-06-15 00:00:00", "2025-06-16 00:00:00").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

	it, err := src.Stream(context.Background(), testSpec(t, 2))
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := it.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestStreamRequiresConnection(t *testing.T) {
	src := newSQLSource(Credentials{}, Options{}, postgresDialect{})
	if _, err := src.Stream(context.Background(), testSpec(t, 1)); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("closing an unconnected source should succeed: %v", err)
	}
}

func TestConnectError(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatal(err)
	}
	mock.ExpectPing().WillReturnError(errors.New("password authentication failed"))
	mock.ExpectClose()

	src := newSQLSource(Credentials{Host: "db", Port: 5432, User: "u", Name: "n"}, Options{}, postgresDialect{})
	src.open = func(string, string) (*sql.DB, error) { return db, nil }

	err = src.Connect(context.Background())
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
}

func TestQuerySpecValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*QuerySpec)
	}{
		{"table injection", func(q *QuerySpec) { q.Table = "events; DROP TABLE x" }},
		{"empty table", func(q *QuerySpec) { q.Table = "" }},
		{"column with quote", func(q *QuerySpec) { q.DateColumn = `created"at` }},
		{"three part name", func(q *QuerySpec) { q.Table = "a.b.c" }},
		{"zero chunk", func(q *QuerySpec) { q.ChunkSize = 0 }},
		{"zero range", func(q *QuerySpec) { q.Range = daterange.DateRange{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := testSpec(t, 10)
			tt.mutate(&spec)
			if err := spec.Validate(); !errors.Is(err, ErrInvalidQuerySpec) {
				t.Fatalf("expected ErrInvalidQuerySpec, got %v", err)
			}
		})
	}
}

func TestDialectQuoting(t *testing.T) {
	tests := []struct {
		name     string
		d        dialect
		input    string
		expected string
	}{
		{"postgres plain", postgresDialect{}, "events", `"events"`},
		{"postgres schema", postgresDialect{}, "audit.events", `"audit"."events"`},
		{"postgres embedded quote", postgresDialect{}, `we"ird`, `"we""ird"`},
		{"mysql plain", mysqlDialect{}, "events", "`events`"},
		{"mysql schema", mysqlDialect{}, "shop.orders", "`shop`.`orders`"},
		{"mysql embedded backtick", mysqlDialect{}, "a`b", "`a``b`"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.d.quoteIdentifier(tt.input); got != tt.expected {
				t.Fatalf("expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestDSN(t *testing.T) {
	creds := Credentials{Host: "db.local", Port: 6543, Name: "app", User: "backup", Password: `p'w d`}

	pg := postgresDialect{}.dsn(creds, Options{ConnectTimeout: 10 * time.Second})
	for _, want := range []string{"host='db.local'", "port='6543'", `password='p\'w d'`, "sslmode='disable'", "connect_timeout='10'"} {
		if !strings.Contains(pg, want) {
			t.Fatalf("postgres dsn %q missing %q", pg, want)
		}
	}

	my := mysqlDialect{}.dsn(creds, Options{})
	if !strings.HasPrefix(my, "backup:p'w d@tcp(db.local:6543)/app") {
		t.Fatalf("unexpected mysql dsn %q", my)
	}
	if !strings.Contains(my, "parseTime=true") {
		t.Fatalf("mysql dsn should enable parseTime: %q", my)
	}
}

func TestNewFactory(t *testing.T) {
	for _, dbType := range []string{TypePostgreSQL, TypeMySQL} {
		src, err := New(dbType, Credentials{}, Options{})
		if err != nil {
			t.Fatalf("%s: %v", dbType, err)
		}
		if src == nil {
			t.Fatalf("%s: nil source", dbType)
		}
	}
	if _, err := New("oracle", Credentials{}, Options{}); !errors.Is(err, ErrUnsupportedDatabase) {
		t.Fatalf("expected ErrUnsupportedDatabase, got %v", err)
	}
	if DefaultPort(TypeMySQL) != 3306 || DefaultPort(TypePostgreSQL) != 5432 {
		t.Fatal("unexpected default ports")
	}
}
