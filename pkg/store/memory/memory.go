// Package memory is an in-process implementation of store.Store. Transactions
// work on a copy of the committed state that is swapped in on commit; a
// savepoint snapshots the transaction's copy.
package memory

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/Gobusters/ectoerror/httperror"

	"github.com/Ramsey-B/datahub/pkg/schema"
	"github.com/Ramsey-B/datahub/pkg/store"
)

type tables map[string]map[string]store.Row

func (t tables) clone() tables {
	c := make(tables, len(t))
	for name, rows := range t {
		cr := make(map[string]store.Row, len(rows))
		for id, row := range rows {
			cr[id] = row.Clone()
		}
		c[name] = cr
	}
	return c
}

type txKey struct{}

type transaction struct {
	state tables
}

// Store keeps rows in memory. Writers are serialised: a transaction holds the
// store's lock until it commits or rolls back.
type Store struct {
	schema *schema.Schema
	mu     sync.Mutex
	state  tables
}

var _ store.Store = (*Store)(nil)

// NewStore creates an empty store for the schema.
func NewStore(s *schema.Schema) *Store {
	state := make(tables, len(s.Tables()))
	for _, t := range s.Tables() {
		state[t.Name] = make(map[string]store.Row)
	}
	return &Store{schema: s, state: state}
}

func (s *Store) Schema() *schema.Schema {
	return s.schema
}

func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*transaction); ok {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{state: s.state.clone()}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}

	s.state = tx.state
	return nil
}

func (s *Store) RunInSavepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, ok := ctx.Value(txKey{}).(*transaction)
	if !ok {
		return fmt.Errorf("savepoint requires an open transaction")
	}

	snapshot := tx.state.clone()
	if err := fn(ctx); err != nil {
		tx.state = snapshot
		return err
	}
	return nil
}

// view runs fn against the transaction state on ctx, or the committed state
// under the store lock.
func (s *Store) view(ctx context.Context, fn func(state tables) error) error {
	if tx, ok := ctx.Value(txKey{}).(*transaction); ok {
		return fn(tx.state)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.state)
}

func (s *Store) table(name string) (schema.Table, error) {
	t, ok := s.schema.Table(name)
	if !ok {
		return schema.Table{}, fmt.Errorf("unknown table %q", name)
	}
	return t, nil
}

func (s *Store) normalize(t schema.Table, row store.Row) (store.Row, error) {
	out := make(store.Row, len(row))
	for col, v := range row {
		c, ok := t.Column(col)
		if !ok {
			return nil, fmt.Errorf("unknown column %s.%s", t.Name, col)
		}
		nv, err := c.Normalize(v)
		if err != nil {
			return nil, err
		}
		out[col] = nv
	}
	return out, nil
}

func (s *Store) conditions(t schema.Table, conds []store.Cond) ([]store.Cond, error) {
	out := make([]store.Cond, len(conds))
	for i, cond := range conds {
		c, ok := t.Column(cond.Column)
		if !ok {
			return nil, fmt.Errorf("unknown column %s.%s", t.Name, cond.Column)
		}
		v, err := c.Normalize(cond.Value)
		if err != nil {
			return nil, err
		}
		cond.Value = v
		out[i] = cond
	}
	return out, nil
}

func matches(row store.Row, conds []store.Cond) bool {
	for _, c := range conds {
		if !c.Matches(row) {
			return false
		}
	}
	return true
}

func (s *Store) Get(ctx context.Context, table string, id string) (store.Row, error) {
	if _, err := s.table(table); err != nil {
		return nil, err
	}

	var row store.Row
	err := s.view(ctx, func(state tables) error {
		r, ok := state[table][id]
		if !ok {
			return store.NotFound(table, id)
		}
		row = r.Clone()
		return nil
	})
	return row, err
}

func (s *Store) Find(ctx context.Context, table string, conds ...store.Cond) ([]store.Row, error) {
	t, err := s.table(table)
	if err != nil {
		return nil, err
	}
	conds, err = s.conditions(t, conds)
	if err != nil {
		return nil, err
	}

	var rows []store.Row
	err = s.view(ctx, func(state tables) error {
		for _, r := range state[table] {
			if matches(r, conds) {
				rows = append(rows, r.Clone())
			}
		}
		return nil
	})

	sort.Slice(rows, func(i, j int) bool { return rows[i].ID() < rows[j].ID() })
	return rows, err
}

func (s *Store) Count(ctx context.Context, table string, conds ...store.Cond) (int, error) {
	rows, err := s.Find(ctx, table, conds...)
	return len(rows), err
}

func (s *Store) Insert(ctx context.Context, table string, row store.Row) error {
	t, err := s.table(table)
	if err != nil {
		return err
	}
	row, err = s.normalize(t, row)
	if err != nil {
		return err
	}
	withDefaults(t, row)
	id := row.ID()
	if id == "" {
		return fmt.Errorf("insert into %s: missing id", table)
	}

	return s.view(ctx, func(state tables) error {
		if _, exists := state[table][id]; exists {
			return httperror.NewHTTPErrorf(http.StatusConflict, "%s %s already exists", table, id)
		}
		if err := checkRequired(t, row); err != nil {
			return err
		}
		if err := checkUnique(t, state[table], id, row); err != nil {
			return err
		}
		state[table][id] = row
		return nil
	})
}

func (s *Store) Update(ctx context.Context, table string, id string, values store.Row) error {
	t, err := s.table(table)
	if err != nil {
		return err
	}
	values, err = s.normalize(t, values)
	if err != nil {
		return err
	}
	if _, ok := values[schema.IDColumn]; ok && values.ID() != id {
		return fmt.Errorf("update %s %s: primary key cannot change", table, id)
	}

	return s.view(ctx, func(state tables) error {
		current, ok := state[table][id]
		if !ok {
			return store.NotFound(table, id)
		}
		updated := current.Clone()
		for col, v := range values {
			updated[col] = v
		}
		if err := checkRequired(t, updated); err != nil {
			return err
		}
		if err := checkUnique(t, state[table], id, updated); err != nil {
			return err
		}
		state[table][id] = updated
		return nil
	})
}

func (s *Store) Delete(ctx context.Context, table string, id string) error {
	if _, err := s.table(table); err != nil {
		return err
	}

	return s.view(ctx, func(state tables) error {
		if _, ok := state[table][id]; !ok {
			return store.NotFound(table, id)
		}
		delete(state[table], id)
		return nil
	})
}

// LockForUpdate only checks the rows exist; a transaction already holds the
// store lock.
func (s *Store) LockForUpdate(ctx context.Context, table string, ids ...string) error {
	if _, err := s.table(table); err != nil {
		return err
	}

	return s.view(ctx, func(state tables) error {
		for _, id := range ids {
			if _, ok := state[table][id]; !ok {
				return store.NotFound(table, id)
			}
		}
		return nil
	})
}

// withDefaults fills columns the caller left out the way the database column
// defaults would.
func withDefaults(t schema.Table, row store.Row) {
	for _, c := range t.Columns {
		if _, ok := row[c.Name]; ok {
			continue
		}
		switch c.Kind {
		case schema.KindBool:
			row[c.Name] = false
		case schema.KindInt:
			row[c.Name] = int64(0)
		default:
			row[c.Name] = nil
		}
	}
}

func checkRequired(t schema.Table, row store.Row) error {
	for _, c := range t.Columns {
		if c.Nullable {
			continue
		}
		if row[c.Name] == nil {
			return httperror.NewHTTPErrorf(http.StatusConflict, "%s.%s violates not-null constraint", t.Name, c.Name)
		}
	}
	return nil
}

// checkUnique enforces the table's unique constraints. As in SQL, a NULL in
// any constrained column never conflicts.
func checkUnique(t schema.Table, rows map[string]store.Row, id string, row store.Row) error {
	for _, cols := range t.Unique {
		if hasNull(row, cols) {
			continue
		}
		for otherID, other := range rows {
			if otherID == id {
				continue
			}
			if sameValues(row, other, cols) {
				return httperror.NewHTTPErrorf(http.StatusConflict,
					"%s violates unique constraint on (%s)", t.Name, strings.Join(cols, ", "))
			}
		}
	}
	return nil
}

func hasNull(row store.Row, cols []string) bool {
	for _, c := range cols {
		if row[c] == nil {
			return true
		}
	}
	return false
}

func sameValues(a, b store.Row, cols []string) bool {
	for _, c := range cols {
		if a[c] != b[c] {
			return false
		}
	}
	return true
}
