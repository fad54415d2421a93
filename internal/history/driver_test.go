package history

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stderrors "errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// recorder is the in-memory backend behind the "historytest" driver.
type recorder struct {
	mu      sync.Mutex
	execs   []execCall
	failAt  int // 1-based index of the exec call that fails; 0 never fails
	queries []execCall
	columns []string
	rows    [][]driver.Value
}

type execCall struct {
	query string
	args  []interface{}
}

func (r *recorder) Execs() []execCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]execCall(nil), r.execs...)
}

var (
	recorders   sync.Map
	recorderSeq atomic.Int64
)

func init() {
	sql.Register("historytest", testDriver{})
}

// openRecorder returns a *sql.DB backed by a fresh recorder.
func openRecorder(t *testing.T) (*sql.DB, *recorder) {
	t.Helper()
	name := fmt.Sprintf("rec-%d", recorderSeq.Add(1))
	rec := &recorder{}
	recorders.Store(name, rec)

	db, err := sql.Open("historytest", name)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
		recorders.Delete(name)
	})
	return db, rec
}

type testDriver struct{}

func (testDriver) Open(name string) (driver.Conn, error) {
	rec, ok := recorders.Load(name)
	if !ok {
		return nil, fmt.Errorf("unknown recorder %q", name)
	}
	return &testConn{rec: rec.(*recorder)}, nil
}

type testConn struct {
	rec *recorder
}

func (c *testConn) Prepare(string) (driver.Stmt, error) {
	return nil, stderrors.New("prepare not supported")
}

func (c *testConn) Close() error { return nil }

func (c *testConn) Begin() (driver.Tx, error) {
	return nil, stderrors.New("transactions not supported")
}

func (c *testConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.rec.mu.Lock()
	defer c.rec.mu.Unlock()
	c.rec.execs = append(c.rec.execs, execCall{query: query, args: plain(args)})
	if c.rec.failAt > 0 && len(c.rec.execs) == c.rec.failAt {
		return nil, stderrors.New("connection reset")
	}
	return driver.RowsAffected(1), nil
}

func (c *testConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.rec.mu.Lock()
	defer c.rec.mu.Unlock()
	c.rec.queries = append(c.rec.queries, execCall{query: query, args: plain(args)})
	return &testRows{columns: c.rec.columns, rows: c.rec.rows}, nil
}

func plain(args []driver.NamedValue) []interface{} {
	out := make([]interface{}, len(args))
	for i, a := range args {
		out[i] = a.Value
	}
	return out
}

type testRows struct {
	columns []string
	rows    [][]driver.Value
	pos     int
}

func (r *testRows) Columns() []string { return r.columns }
func (r *testRows) Close() error      { return nil }

func (r *testRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.pos])
	r.pos++
	return nil
}
