package postgres_test

import (
	"context"
	"reflect"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowStub implements pgx.Row.
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

func noRow() rowStub {
	return rowStub{scan: func(...any) error { return pgx.ErrNoRows }}
}

// rowsStub implements pgx.Rows over a fixed value grid; nil cells leave the
// scan destination untouched.
type rowsStub struct {
	rows [][]any
	idx  int
}

func (r *rowsStub) Next() bool { r.idx++; return r.idx <= len(r.rows) }

func (r *rowsStub) Scan(dest ...any) error {
	vals := r.rows[r.idx-1]
	for i, d := range dest {
		if vals[i] == nil {
			continue
		}
		reflect.ValueOf(d).Elem().Set(reflect.ValueOf(vals[i]))
	}
	return nil
}

func (r *rowsStub) Close()                                       {}
func (r *rowsStub) Err() error                                   { return nil }
func (r *rowsStub) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rowsStub) Values() ([]any, error)                       { return nil, nil }
func (r *rowsStub) RawValues() [][]byte                          { return nil }
func (r *rowsStub) Conn() *pgx.Conn                              { return nil }

// stmt is one recorded statement.
type stmt struct {
	sql  string
	args []any
}

// querierStub implements postgres.Querier. Every statement is recorded;
// responses route by SQL substring so one stub can serve a whole flow.
type querierStub struct {
	execs    []stmt
	queries  []stmt
	execErrs map[string]error
	rowFor   map[string]rowStub
	rowsFor  map[string]*rowsStub
	queryErr error
}

func newQuerierStub() *querierStub {
	return &querierStub{
		execErrs: map[string]error{},
		rowFor:   map[string]rowStub{},
		rowsFor:  map[string]*rowsStub{},
	}
}

func (q *querierStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	q.execs = append(q.execs, stmt{sql: sql, args: args})
	for sub, err := range q.execErrs {
		if strings.Contains(sql, sub) {
			return pgconn.CommandTag{}, err
		}
	}
	return pgconn.CommandTag{}, nil
}

func (q *querierStub) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	q.queries = append(q.queries, stmt{sql: sql, args: args})
	if q.queryErr != nil {
		return nil, q.queryErr
	}
	for sub, rs := range q.rowsFor {
		if strings.Contains(sql, sub) {
			return rs, nil
		}
	}
	return &rowsStub{}, nil
}

func (q *querierStub) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	q.queries = append(q.queries, stmt{sql: sql, args: args})
	for sub, row := range q.rowFor {
		if strings.Contains(sql, sub) {
			return row
		}
	}
	return noRow()
}

// exec returns the first recorded Exec whose SQL contains sub, or nil.
func (q *querierStub) exec(sub string) *stmt {
	for i := range q.execs {
		if strings.Contains(q.execs[i].sql, sub) {
			return &q.execs[i]
		}
	}
	return nil
}
