package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"io"
	"sync"
	"testing"
)

// fakeConnector はDBなしでクエリ結果を固定で返すdriver.Connector。
// 受け取ったクエリと引数を記録する。
type fakeConnector struct {
	columns []string
	rows    [][]driver.Value

	mu        sync.Mutex
	lastQuery string
	lastArgs  []driver.Value
}

func openFakeDB(t *testing.T, c *fakeConnector) *sql.DB {
	t.Helper()
	db := sql.OpenDB(c)
	t.Cleanup(func() { db.Close() })
	return db
}

func (c *fakeConnector) Connect(context.Context) (driver.Conn, error) {
	return &fakeConn{c: c}, nil
}

func (c *fakeConnector) Driver() driver.Driver { return fakeDriver{} }

type fakeDriver struct{}

func (fakeDriver) Open(string) (driver.Conn, error) { return nil, driver.ErrSkip }

type fakeConn struct {
	c *fakeConnector
}

func (fc *fakeConn) Prepare(query string) (driver.Stmt, error) {
	return &fakeStmt{c: fc.c, query: query}, nil
}

func (fc *fakeConn) Close() error              { return nil }
func (fc *fakeConn) Begin() (driver.Tx, error) { return nil, driver.ErrSkip }

type fakeStmt struct {
	c     *fakeConnector
	query string
}

func (s *fakeStmt) Close() error  { return nil }
func (s *fakeStmt) NumInput() int { return -1 }

func (s *fakeStmt) Exec(args []driver.Value) (driver.Result, error) {
	return driver.RowsAffected(0), nil
}

func (s *fakeStmt) Query(args []driver.Value) (driver.Rows, error) {
	s.c.mu.Lock()
	s.c.lastQuery = s.query
	s.c.lastArgs = args
	s.c.mu.Unlock()
	return &fakeRows{columns: s.c.columns, rows: s.c.rows}, nil
}

type fakeRows struct {
	columns []string
	rows    [][]driver.Value
	pos     int
}

func (r *fakeRows) Columns() []string { return r.columns }
func (r *fakeRows) Close() error      { return nil }

func (r *fakeRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.pos])
	r.pos++
	return nil
}
