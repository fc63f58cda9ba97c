package merging

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectolinq"

	"github.com/Ramsey-B/datahub/pkg/models"
	"github.com/Ramsey-B/datahub/pkg/store"
)

// ArchivedReason is the archive message recorded on a merged source.
func ArchivedReason(target string) string {
	return fmt.Sprintf(
		"This record is no longer in use and its data has been transferred to %s for the following reason: %s.",
		target, models.ArchivedReasonDuplicate,
	)
}

// archive retires the source in a single recorded update. A source that is
// already archived keeps its archive fields.
func (m *mutation) archive(ctx context.Context, source, target store.Row) error {
	values := store.Row{
		"transfer_reason":   models.TransferReasonDuplicate,
		"transferred_to_id": m.targetID,
		"transferred_by_id": nullable(m.userID),
		"transferred_on":    m.now,
		"modified_on":       m.now,
		"modified_by_id":    nullable(m.userID),
	}
	if !source.Bool("archived") {
		values["archived"] = true
		values["archived_on"] = m.now
		values["archived_by_id"] = nullable(m.userID)
		values["archived_reason"] = ArchivedReason(m.ent.displayName(target))
	}

	_, err := m.rec.Update(ctx, m.ent.Table, m.sourceID, values)
	return err
}

// mergeFields copies source values into the target's empty fields. Populated
// target fields are never overwritten.
func (m *mutation) mergeFields(ctx context.Context, source, target store.Row) error {
	fm := m.ent.FieldMerge
	if fm == nil {
		return nil
	}

	fields := append([]string{}, fm.Fields...)
	if fm.AddressSameAs == "" || !target.Bool(fm.AddressSameAs) {
		fields = append(fields, fm.AddressFields...)
	}

	missing := ectolinq.Filter(fields, func(f string) bool {
		return isBlank(target[f]) && !isBlank(source[f])
	})
	if len(missing) == 0 {
		return nil
	}

	values := store.Row{"modified_on": m.now, "modified_by_id": nullable(m.userID)}
	for _, f := range missing {
		values[f] = source[f]
	}

	_, err := m.rec.Update(ctx, m.ent.Table, m.targetID, values)
	return err
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
