package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
)

// sqlFake is a minimal database/sql driver that answers every query with a
// fixed result set, enough to exercise Scan paths without a server.
type sqlFake struct {
	columns []string
	rows    [][]driver.Value
	err     error
	args    []driver.NamedValue
}

func (f *sqlFake) open() *sql.DB {
	return sql.OpenDB(f)
}

func (f *sqlFake) Connect(context.Context) (driver.Conn, error) { return &fakeConn{f: f}, nil }
func (f *sqlFake) Driver() driver.Driver                        { return fakeDriver{} }

type fakeDriver struct{}

func (fakeDriver) Open(string) (driver.Conn, error) {
	return nil, errors.New("use the connector")
}

type fakeConn struct {
	f *sqlFake
}

func (c *fakeConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("prepare not supported")
}
func (c *fakeConn) Close() error              { return nil }
func (c *fakeConn) Begin() (driver.Tx, error) { return nil, errors.New("tx not supported") }

func (c *fakeConn) QueryContext(_ context.Context, _ string, args []driver.NamedValue) (driver.Rows, error) {
	c.f.args = args
	if c.f.err != nil {
		return nil, c.f.err
	}
	return &fakeRows{columns: c.f.columns, rows: c.f.rows}, nil
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
