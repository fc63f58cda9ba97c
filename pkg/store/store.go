// Package store defines the row-level persistence contract the merge engine
// runs against. Transactions travel on the context: a store operation called
// with a context returned by RunInTx joins that transaction.
package store

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/Gobusters/ectoerror/httperror"

	"github.com/Ramsey-B/datahub/pkg/schema"
)

// Row is a table row keyed by column name. Values are canonical per column kind
// (see schema.Column.Normalize); a missing key and a nil value both mean NULL.
type Row map[string]any

// ID returns the row's primary key.
func (r Row) ID() string {
	return r.String(schema.IDColumn)
}

// String returns a text column, or "" when NULL.
func (r Row) String(col string) string {
	v, _ := r[col].(string)
	return v
}

// Bool returns a bool column, or false when NULL.
func (r Row) Bool(col string) bool {
	v, _ := r[col].(bool)
	return v
}

// Time returns a time column and whether it is set.
func (r Row) Time(col string) (time.Time, bool) {
	v, ok := r[col].(time.Time)
	return v, ok
}

// IsNull reports whether the column is NULL or missing.
func (r Row) IsNull(col string) bool {
	return r[col] == nil
}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	c := make(Row, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

// Columns returns the row's column names in sorted order.
func (r Row) Columns() []string {
	cols := make([]string, 0, len(r))
	for k := range r {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// Op is a condition operator.
type Op int

const (
	OpEq Op = iota
	OpNotEq
	OpIsNull
	OpNotNull
)

// Cond is a single column predicate; multiple conditions are ANDed.
type Cond struct {
	Column string
	Op     Op
	Value  any
}

func Eq(column string, value any) Cond {
	return Cond{Column: column, Op: OpEq, Value: value}
}

func NotEq(column string, value any) Cond {
	return Cond{Column: column, Op: OpNotEq, Value: value}
}

func IsNull(column string) Cond {
	return Cond{Column: column, Op: OpIsNull}
}

func NotNull(column string) Cond {
	return Cond{Column: column, Op: OpNotNull}
}

// Matches evaluates the condition against a row. NULL never equals or differs
// from a value, matching SQL semantics.
func (c Cond) Matches(row Row) bool {
	v := row[c.Column]
	switch c.Op {
	case OpEq:
		return v != nil && v == c.Value
	case OpNotEq:
		return v != nil && v != c.Value
	case OpIsNull:
		return v == nil
	case OpNotNull:
		return v != nil
	default:
		return false
	}
}

// Store is the row-level persistence contract.
type Store interface {
	Schema() *schema.Schema

	// RunInTx runs fn in a transaction, committing when fn returns nil. A call
	// made with a context that already carries a transaction joins it.
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
	// RunInSavepoint runs fn inside the context's transaction and undoes only
	// fn's writes when it fails.
	RunInSavepoint(ctx context.Context, fn func(ctx context.Context) error) error

	Get(ctx context.Context, table string, id string) (Row, error)
	// Find returns matching rows ordered by id.
	Find(ctx context.Context, table string, conds ...Cond) ([]Row, error)
	Count(ctx context.Context, table string, conds ...Cond) (int, error)
	Insert(ctx context.Context, table string, row Row) error
	Update(ctx context.Context, table string, id string, values Row) error
	Delete(ctx context.Context, table string, id string) error
	// LockForUpdate locks the rows for the rest of the context's transaction.
	LockForUpdate(ctx context.Context, table string, ids ...string) error
}

// NotFound builds the error returned for a missing row.
func NotFound(table, id string) error {
	return httperror.NewHTTPErrorf(http.StatusNotFound, "%s %s not found", table, id)
}

// IsNotFound reports whether err is a missing-row error.
func IsNotFound(err error) bool {
	return err != nil && httperror.IsHTTPError(err) && httperror.GetStatusCode(err) == http.StatusNotFound
}

// Exists reports whether any row matches the conditions.
func Exists(ctx context.Context, st Store, table string, conds ...Cond) (bool, error) {
	n, err := st.Count(ctx, table, conds...)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
