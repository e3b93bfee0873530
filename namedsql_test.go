package namedsql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	_ "modernc.org/sqlite"
)

// testResult is what the test driver answers for one statement execution.
type testResult struct {
	cols     []string
	types    []string
	rows     [][]driver.Value
	lastID   int64
	affected int64
}

type testHandler func(query string, args []driver.NamedValue) (*testResult, error)

type testConnector struct {
	h        testHandler
	prepared atomic.Int64
	closed   atomic.Int64
}

func (c *testConnector) Connect(context.Context) (driver.Conn, error) { return &testConn{c: c}, nil }
func (c *testConnector) Driver() driver.Driver                        { return testDriver{} }

type testDriver struct{}

func (testDriver) Open(name string) (driver.Conn, error) {
	return nil, errors.New("testDriver.Open should not be called; use sql.OpenDB with connector")
}

type testConn struct {
	c *testConnector
}

func (c *testConn) Prepare(query string) (driver.Stmt, error) {
	c.c.prepared.Add(1)

	return &testStmt{c: c.c, query: query}, nil
}

func (c *testConn) Close() error              { return nil }
func (c *testConn) Begin() (driver.Tx, error) { return nil, driver.ErrSkip }

type testStmt struct {
	c     *testConnector
	query string
}

func (s *testStmt) Close() error {
	s.c.closed.Add(1)

	return nil
}

func (s *testStmt) NumInput() int { return -1 }

func (s *testStmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.ExecContext(context.Background(), named(args))
}

func (s *testStmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.QueryContext(context.Background(), named(args))
}

func (s *testStmt) ExecContext(_ context.Context, args []driver.NamedValue) (driver.Result, error) {
	res, err := s.c.h(s.query, args)
	if err != nil {
		return nil, err
	}

	return testExecResult{lastID: res.lastID, affected: res.affected}, nil
}

func (s *testStmt) QueryContext(_ context.Context, args []driver.NamedValue) (driver.Rows, error) {
	res, err := s.c.h(s.query, args)
	if err != nil {
		return nil, err
	}

	return &testRows{res: res}, nil
}

func named(args []driver.Value) []driver.NamedValue {
	nv := make([]driver.NamedValue, len(args))

	for i, a := range args {
		nv[i] = driver.NamedValue{Ordinal: i + 1, Value: a}
	}

	return nv
}

type testExecResult struct {
	lastID   int64
	affected int64
}

func (r testExecResult) LastInsertId() (int64, error) { return r.lastID, nil }
func (r testExecResult) RowsAffected() (int64, error) { return r.affected, nil }

type testRows struct {
	res *testResult
	i   int
}

func (r *testRows) Columns() []string { return append([]string(nil), r.res.cols...) }
func (r *testRows) Close() error      { return nil }

func (r *testRows) ColumnTypeDatabaseTypeName(index int) string {
	if index < len(r.res.types) {
		return r.res.types[index]
	}

	return ""
}

func (r *testRows) Next(dest []driver.Value) error {
	if r.i >= len(r.res.rows) {
		return io.EOF
	}

	row := r.res.rows[r.i]
	for i := range dest {
		if i < len(row) {
			dest[i] = row[i]
		} else {
			dest[i] = nil
		}
	}

	r.i++

	return nil
}

// newTestDB creates a *sql.DB backed by the in-memory test driver.
func newTestDB(t *testing.T, h testHandler) (*sql.DB, *testConnector) {
	t.Helper()

	c := &testConnector{h: h}
	db := sql.OpenDB(c)

	t.Cleanup(func() { _ = db.Close() })

	return db, c
}

// recorder captures the arguments of every execution.
type recorder struct {
	mu   sync.Mutex
	args [][]any
}

func (r *recorder) handler(res *testResult) testHandler {
	return func(_ string, args []driver.NamedValue) (*testResult, error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		values := make([]any, len(args))
		for i, a := range args {
			values[i] = a.Value
		}

		r.args = append(r.args, values)

		if res == nil {
			return &testResult{affected: 1}, nil
		}

		return res, nil
	}
}

func (r *recorder) last() []any {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.args) == 0 {
		return nil
	}

	return r.args[len(r.args)-1]
}

// openSQLite opens an in-memory SQLite database limited to one connection
// so every statement sees the same database.
func openSQLite(t *testing.T, schema string) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}

	db.SetMaxOpenConns(1)

	t.Cleanup(func() { _ = db.Close() })

	if schema != "" {
		if _, err := db.Exec(schema); err != nil {
			t.Fatal(err)
		}
	}

	return db
}

func eq[T comparable](t *testing.T, got, want T) {
	t.Helper()

	if got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}

// must pairs with a (value, error) call: must(f())(t).
func must[T any](v T, err error) func(t *testing.T) T {
	return func(t *testing.T) T {
		t.Helper()

		if err != nil {
			t.Fatal(err)
		}

		return v
	}
}
