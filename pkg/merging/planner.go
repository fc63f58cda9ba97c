package merging

import (
	"context"
	"fmt"

	"github.com/Ramsey-B/datahub/pkg/models"
	"github.com/Ramsey-B/datahub/pkg/schema"
	"github.com/Ramsey-B/datahub/pkg/store"
)

// plan counts the rows a merge of source would touch without writing anything.
func plan(ctx context.Context, st store.Store, ent *entity, source store.Row) (*models.MergePlan, error) {
	result := models.MergeResult{}

	for _, c := range ent.configurations {
		for _, rel := range c.relations {
			var (
				n   int
				err error
			)
			if c.Strategy.Kind == StrategyDerived {
				n, err = countDerived(ctx, st, c, rel, source.ID())
			} else {
				n, err = st.Count(ctx, rel.RowTable(), store.Eq(rel.Column, source.ID()))
			}
			if err != nil {
				return nil, err
			}
			result.Set(c.Model, rel.Field, n)
		}
	}

	return &models.MergePlan{
		Result:        result,
		ShouldArchive: !source.Bool("archived"),
	}, nil
}

// countDerived counts the derived rows a merge moves: unlinked rows, plus linked
// rows whose trigger row also references the source and so cascades them.
func countDerived(ctx context.Context, st store.Store, c boundConfiguration, rel schema.Relation, sourceID string) (int, error) {
	rows, err := st.Find(ctx, rel.RowTable(), store.Eq(rel.Column, sourceID))
	if err != nil {
		return 0, err
	}

	n := 0
	for _, row := range rows {
		follows, err := followsTrigger(ctx, st, c, row, sourceID)
		if err != nil {
			return 0, err
		}
		if follows {
			n++
		}
	}
	return n, nil
}

func followsTrigger(ctx context.Context, st store.Store, c boundConfiguration, row store.Row, sourceID string) (bool, error) {
	for i, link := range c.Strategy.Links {
		if row.IsNull(link.Column) {
			continue
		}
		trigger := c.triggers[i]
		return store.Exists(ctx, st, trigger.Table,
			store.Eq(schema.IDColumn, row[link.Column]),
			store.Eq(trigger.Column, sourceID),
		)
	}
	return true, nil
}

// Summary renders a result as human readable lines such as "7 contacts",
// leaving out models with nothing to move.
func (r *Registry) Summary(t models.EntityType, result models.MergeResult) []string {
	ent, err := r.entity(t)
	if err != nil {
		return nil
	}

	var lines []string
	for _, c := range ent.configurations {
		n := result.Total(c.Model)
		if n == 0 {
			continue
		}
		noun := c.Plural
		if n == 1 {
			noun = c.Label
		}
		lines = append(lines, fmt.Sprintf("%d %s", n, noun))
	}
	return lines
}
