package relational

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"

	"github.com/Ramsey-B/datahub/pkg/database"
	"github.com/Ramsey-B/datahub/pkg/schema"
	"github.com/Ramsey-B/datahub/pkg/store"
	"github.com/Ramsey-B/datahub/pkg/tracing"
)

// Repository is the PostgreSQL implementation of store.Store.
type Repository struct {
	db        database.DB
	schema    *schema.Schema
	logger    ectologger.Logger
	savepoint atomic.Int64
}

var _ store.Store = (*Repository)(nil)

// NewRepository creates a new relational repository
func NewRepository(db database.DB, s *schema.Schema, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		schema: s,
		logger: logger,
	}
}

func (r *Repository) Schema() *schema.Schema {
	return r.schema
}

func (r *Repository) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, span := tracing.StartSpan(ctx, "relational.Repository.RunInTx")
	defer span.End()

	ctxTx, tx, owner, err := r.db.GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to begin transaction")
	}
	if !owner {
		return fn(ctxTx)
	}
	defer tx.Rollback(ctxTx)

	if err := fn(ctxTx); err != nil {
		return err
	}

	return tx.Commit(ctxTx)
}

func (r *Repository) RunInSavepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, ok := database.TxFromContext(ctx)
	if !ok {
		return fmt.Errorf("savepoint requires an open transaction")
	}

	name := fmt.Sprintf("sp_%d", r.savepoint.Add(1))
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		r.logger.WithContext(ctx).WithError(err).Errorf("Failed to create savepoint %s", name)
		return err
	}

	if err := fn(ctx); err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			r.logger.WithContext(ctx).WithError(rbErr).Errorf("Failed to roll back to savepoint %s", name)
			return rbErr
		}
		return err
	}

	_, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
	return err
}

func (r *Repository) table(name string) (schema.Table, error) {
	t, ok := r.schema.Table(name)
	if !ok {
		return schema.Table{}, fmt.Errorf("unknown table %q", name)
	}
	return t, nil
}

func where(sb *database.SelectBuilder, t schema.Table, conds []store.Cond) error {
	exprs := make([]string, 0, len(conds))
	for _, c := range conds {
		col := quote(c.Column)
		switch c.Op {
		case store.OpEq, store.OpNotEq:
			v, err := bindValue(t, c.Column, c.Value)
			if err != nil {
				return err
			}
			if c.Op == store.OpEq {
				exprs = append(exprs, sb.Equal(col, v))
			} else {
				exprs = append(exprs, sb.NotEqual(col, v))
			}
		case store.OpIsNull:
			exprs = append(exprs, sb.IsNull(col))
		case store.OpNotNull:
			exprs = append(exprs, sb.IsNotNull(col))
		}
	}
	if len(exprs) > 0 {
		sb.Where(exprs...)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, table string, id string) (store.Row, error) {
	ctx, span := tracing.StartSpan(ctx, "relational.Repository.Get")
	defer span.End()

	rows, err := r.Find(ctx, table, store.Eq(schema.IDColumn, id))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, store.NotFound(table, id)
	}
	return rows[0], nil
}

func (r *Repository) Find(ctx context.Context, table string, conds ...store.Cond) ([]store.Row, error) {
	ctx, span := tracing.StartSpan(ctx, "relational.Repository.Find")
	defer span.End()

	t, err := r.table(table)
	if err != nil {
		return nil, err
	}

	sb := database.NewSelectBuilder()
	sb.Select(quoteAll(t.ColumnNames())...)
	sb.From(table)
	if err := where(sb, t, conds); err != nil {
		return nil, err
	}
	sb.OrderBy(schema.IDColumn).Asc()

	query, args := sb.Build()
	result, err := database.QueryerFromContext(ctx, r.db).QueryxContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Errorf("Failed to query %s", table)
		return nil, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to query %s", table)
	}
	defer result.Close()

	var rows []store.Row
	for result.Next() {
		row, err := scanRow(t, result)
		if err != nil {
			r.logger.WithContext(ctx).WithError(err).Errorf("Failed to scan %s", table)
			return nil, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to read %s", table)
		}
		rows = append(rows, row)
	}

	return rows, result.Err()
}

func (r *Repository) Count(ctx context.Context, table string, conds ...store.Cond) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "relational.Repository.Count")
	defer span.End()

	t, err := r.table(table)
	if err != nil {
		return 0, err
	}

	sb := database.NewSelectBuilder()
	sb.Select("COUNT(*)")
	sb.From(table)
	if err := where(sb, t, conds); err != nil {
		return 0, err
	}

	query, args := sb.Build()
	var n int
	if err := database.QueryerFromContext(ctx, r.db).GetContext(ctx, &n, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Errorf("Failed to count %s", table)
		return 0, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to count %s", table)
	}
	return n, nil
}

func (r *Repository) Insert(ctx context.Context, table string, row store.Row) error {
	ctx, span := tracing.StartSpan(ctx, "relational.Repository.Insert")
	defer span.End()

	t, err := r.table(table)
	if err != nil {
		return err
	}

	cols := row.Columns()
	values := make([]any, len(cols))
	for i, col := range cols {
		if values[i], err = bindValue(t, col, row[col]); err != nil {
			return err
		}
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols(quoteAll(cols)...)
	ib.Values(values...)

	query, args := ib.Build()
	if _, err := database.QueryerFromContext(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Errorf("Failed to insert into %s", table)
		return translateError(err, table)
	}
	return nil
}

func (r *Repository) Update(ctx context.Context, table string, id string, values store.Row) error {
	ctx, span := tracing.StartSpan(ctx, "relational.Repository.Update")
	defer span.End()

	t, err := r.table(table)
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}

	ub := database.NewUpdateBuilder()
	ub.Update(table)
	assignments := make([]string, 0, len(values))
	for _, col := range values.Columns() {
		v, err := bindValue(t, col, values[col])
		if err != nil {
			return err
		}
		assignments = append(assignments, ub.Assign(quote(col), v))
	}
	ub.Set(assignments...)
	ub.Where(ub.Equal(schema.IDColumn, id))

	query, args := ub.Build()
	res, err := database.QueryerFromContext(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Errorf("Failed to update %s %s", table, id)
		return translateError(err, table)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.NotFound(table, id)
	}
	return nil
}

func (r *Repository) Delete(ctx context.Context, table string, id string) error {
	ctx, span := tracing.StartSpan(ctx, "relational.Repository.Delete")
	defer span.End()

	if _, err := r.table(table); err != nil {
		return err
	}

	db := database.NewDeleteBuilder()
	db.DeleteFrom(table)
	db.Where(db.Equal(schema.IDColumn, id))

	query, args := db.Build()
	res, err := database.QueryerFromContext(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Errorf("Failed to delete %s %s", table, id)
		return translateError(err, table)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.NotFound(table, id)
	}
	return nil
}

func (r *Repository) LockForUpdate(ctx context.Context, table string, ids ...string) error {
	ctx, span := tracing.StartSpan(ctx, "relational.Repository.LockForUpdate")
	defer span.End()

	if _, err := r.table(table); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	sb := database.NewSelectBuilder()
	sb.Select(schema.IDColumn)
	sb.From(table)
	sb.Where(sb.In(schema.IDColumn, sqlbuilder.Flatten(ids)...))
	sb.OrderBy(schema.IDColumn).Asc()
	sb.ForUpdate()

	query, args := sb.Build()
	var locked []string
	if err := database.QueryerFromContext(ctx, r.db).SelectContext(ctx, &locked, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Errorf("Failed to lock %s rows", table)
		return httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to lock %s", table)
	}

	found := make(map[string]bool, len(locked))
	for _, id := range locked {
		found[id] = true
	}
	for _, id := range ids {
		if !found[id] {
			return store.NotFound(table, id)
		}
	}
	return nil
}

// translateError maps constraint violations to conflicts so callers can tell
// them apart from infrastructure failures.
func translateError(err error, table string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Class() == integrityViolation {
		return httperror.NewHTTPErrorf(http.StatusConflict, "%s: %s", table, pqErr.Message)
	}
	return httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to write %s", table)
}
