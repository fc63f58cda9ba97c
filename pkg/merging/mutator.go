package merging

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/datahub/pkg/audit"
	"github.com/Ramsey-B/datahub/pkg/metrics"
	"github.com/Ramsey-B/datahub/pkg/models"
	"github.com/Ramsey-B/datahub/pkg/schema"
	"github.com/Ramsey-B/datahub/pkg/store"
)

// mutation moves the relations of one source to its target. Every write goes
// through the recorder so the merge can be reverted.
type mutation struct {
	st       store.Store
	rec      *audit.Recorder
	ent      *entity
	logger   ectologger.Logger
	sourceID string
	targetID string
	userID   string
	now      time.Time

	// cascaded counts rows moved by cascades, keyed by table.column
	cascaded map[string]int
	pending  map[string]int
	failures int
}

func (m *mutation) run(ctx context.Context) (*models.MergeResult, error) {
	m.cascaded = map[string]int{}
	result := &models.MergeResult{}

	for _, c := range m.ent.configurations {
		for _, rel := range c.relations {
			n, err := m.moveField(ctx, c, rel)
			if err != nil {
				return nil, err
			}
			result.Set(c.Model, rel.Field, n)
		}
	}

	return result, nil
}

// moveField re-points every row referencing the source through rel. A row the
// database rejects is undone on its own and skipped; any other failure aborts.
func (m *mutation) moveField(ctx context.Context, c boundConfiguration, rel schema.Relation) (int, error) {
	conds := append([]store.Cond{store.Eq(rel.Column, m.sourceID)}, unlinked(c.Strategy)...)
	rows, err := m.st.Find(ctx, rel.RowTable(), conds...)
	if err != nil {
		return 0, err
	}

	log := m.logger.WithContext(ctx).WithFields(map[string]any{
		"model":    c.Model,
		"field":    rel.Field,
		"strategy": c.Strategy.Kind.String(),
	})

	count := 0
	for _, row := range rows {
		var (
			moved  bool
			rowErr error
		)
		m.pending = map[string]int{}

		err := m.st.RunInSavepoint(ctx, func(ctx context.Context) error {
			moved, rowErr = m.moveRow(ctx, c, rel, row)
			return rowErr
		})
		if err != nil {
			// a failed savepoint rollback comes back in place of the row's error
			if !isRowRejection(rowErr) || !errors.Is(err, rowErr) || ctx.Err() != nil {
				return 0, err
			}
			m.failures++
			metrics.RowFailures.WithLabelValues(string(m.ent.Type), c.Model).Inc()
			log.WithError(rowErr).WithFields(map[string]any{"row_id": row.ID()}).Warn("Failed to move row, skipping")
			continue
		}

		for key, n := range m.pending {
			m.cascaded[key] += n
		}
		if moved {
			count++
		}
	}

	if c.Strategy.Kind == StrategyDerived {
		count += m.cascaded[cascadeKey(rel.RowTable(), rel.Column)]
	}

	log.WithFields(map[string]any{"count": count}).Debug("Moved relation")
	return count, nil
}

// moveRow applies the configuration's strategy to one row and reports whether
// it was moved or deleted.
func (m *mutation) moveRow(ctx context.Context, c boundConfiguration, rel schema.Relation, row store.Row) (bool, error) {
	switch c.Strategy.Kind {
	case StrategyDedupe, StrategySkipIfExists:
		duplicate, err := m.hasDuplicate(ctx, rel, c.Strategy, row)
		if err != nil {
			return false, err
		}
		if duplicate {
			if c.Strategy.Kind == StrategySkipIfExists {
				return false, nil
			}
			return true, m.rec.Delete(ctx, rel.RowTable(), row.ID())
		}
	}

	if rel.IsManyToMany() {
		return true, m.moveLink(ctx, rel, row)
	}
	return true, m.moveForeignKey(ctx, c, rel, row)
}

// hasDuplicate reports whether the target already has a row matching row on
// the strategy's keys. A NULL key never matches.
func (m *mutation) hasDuplicate(ctx context.Context, rel schema.Relation, strategy Strategy, row store.Row) (bool, error) {
	conds := []store.Cond{store.Eq(rel.Column, m.targetID)}
	for _, key := range duplicateKeys(rel, strategy) {
		if row.IsNull(key) {
			return false, nil
		}
		conds = append(conds, store.Eq(key, row[key]))
	}
	return store.Exists(ctx, m.st, rel.RowTable(), conds...)
}

func (m *mutation) moveForeignKey(ctx context.Context, c boundConfiguration, rel schema.Relation, row store.Row) error {
	if _, err := m.rec.Update(ctx, rel.RowTable(), row.ID(), m.touch(rel.RowTable(), store.Row{rel.Column: m.targetID})); err != nil {
		return err
	}

	for _, cascade := range c.Cascades {
		if err := m.cascade(ctx, cascade, row.ID()); err != nil {
			return err
		}
	}
	return nil
}

// moveLink swaps a many-to-many link from the source to the target, dropping
// it when the target is already linked.
func (m *mutation) moveLink(ctx context.Context, rel schema.Relation, row store.Row) error {
	owner := row[rel.OwnerColumn]
	linked, err := store.Exists(ctx, m.st, rel.Through, store.Eq(rel.OwnerColumn, owner), store.Eq(rel.Column, m.targetID))
	if err != nil {
		return err
	}

	if err := m.rec.Delete(ctx, rel.Through, row.ID()); err != nil {
		return err
	}
	if linked {
		return nil
	}
	return m.rec.Insert(ctx, rel.Through, store.Row{rel.OwnerColumn: owner, rel.Column: m.targetID})
}

func (m *mutation) cascade(ctx context.Context, c Cascade, linkID string) error {
	rows, err := m.st.Find(ctx, c.Table, store.Eq(c.LinkColumn, linkID), store.Eq(c.Column, m.sourceID))
	if err != nil {
		return err
	}

	for _, row := range rows {
		if _, err := m.rec.Update(ctx, c.Table, row.ID(), m.touch(c.Table, store.Row{c.Column: m.targetID})); err != nil {
			return err
		}
		m.pending[cascadeKey(c.Table, c.Column)]++
	}
	return nil
}

// touch adds a modified_on bump when the table tracks it.
func (m *mutation) touch(table string, values store.Row) store.Row {
	if t, ok := m.st.Schema().Table(table); ok && t.HasColumn("modified_on") {
		values["modified_on"] = m.now
	}
	return values
}

// isRowRejection reports whether err is the database refusing a single row:
// a constraint conflict or a row that went missing during the merge.
func isRowRejection(err error) bool {
	if err == nil || !httperror.IsHTTPError(err) {
		return false
	}
	switch httperror.GetStatusCode(err) {
	case http.StatusConflict, http.StatusNotFound:
		return true
	default:
		return false
	}
}

func cascadeKey(table, column string) string {
	return table + "." + column
}
