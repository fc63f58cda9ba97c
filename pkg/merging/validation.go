package merging

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectolinq"

	"github.com/Ramsey-B/datahub/pkg/models"
	"github.com/Ramsey-B/datahub/pkg/schema"
	"github.com/Ramsey-B/datahub/pkg/store"
)

// MergeNotAllowedError is returned when the source or target fails validation.
// Nothing has been written when it is returned.
type MergeNotAllowedError struct {
	EntityType models.EntityType `json:"entity_type"`
	SourceID   string            `json:"source_id"`
	TargetID   string            `json:"target_id"`
	Reason     string            `json:"reason"`
	// Fields names the relations or self references that block the source.
	Fields []string `json:"fields,omitempty"`
}

func (e *MergeNotAllowedError) Error() string {
	msg := fmt.Sprintf("merging %s %s into %s is not allowed: %s", e.EntityType, e.SourceID, e.TargetID, e.Reason)
	if len(e.Fields) > 0 {
		msg += " (" + strings.Join(e.Fields, ", ") + ")"
	}
	return msg
}

// ToHTTPError renders the rejection as a 400 carrying the offending fields.
func (e *MergeNotAllowedError) ToHTTPError() *httperror.HTTPError {
	return httperror.NewHTTPError(http.StatusBadRequest, e.Error()).
		AddMetaValue("entity_type", string(e.EntityType)).
		AddMetaValue("source_id", e.SourceID).
		AddMetaValue("target_id", e.TargetID).
		AddMetaValue("reason", e.Reason).
		AddMetaValue("fields", strings.Join(e.Fields, ","))
}

// IsMergeNotAllowed reports whether err is a validation rejection.
func IsMergeNotAllowed(err error) bool {
	var notAllowed *MergeNotAllowedError
	return errors.As(err, &notAllowed)
}

const (
	reasonSameEntity    = "source and target are the same record"
	reasonInvalidSource = "the source has references that cannot be moved"
	reasonInvalidTarget = "the target is archived"
)

// validateSource reports whether the source can be merged away and, if not,
// which relations or self references prevent it. It only reads.
func validateSource(ctx context.Context, st store.Store, ent *entity, source store.Row) (bool, []string, error) {
	s := st.Schema()
	id := source.ID()
	var offending []string

	for _, rel := range s.RelationsTo(ent.Table) {
		if ent.allowed[rel.Key()] {
			continue
		}

		conds := []store.Cond{store.Eq(rel.Column, id)}
		if !rel.IsManyToMany() && rel.Table == ent.Table {
			// the source's own row is an outgoing reference, checked below
			conds = append(conds, store.NotEq(schema.IDColumn, id))
		}

		referenced, err := store.Exists(ctx, st, rel.RowTable(), conds...)
		if err != nil {
			return false, nil, err
		}
		if referenced {
			offending = append(offending, rel.Name)
		}
	}

	for _, c := range s.SelfReferences(ent.Table) {
		if !source.IsNull(c.Name) {
			offending = append(offending, c.FieldName())
		}
	}

	offending = dedupe(offending)
	return len(offending) == 0, offending, nil
}

func validateTarget(target store.Row) bool {
	return !target.Bool("archived")
}

func dedupe(names []string) []string {
	var out []string
	for _, n := range names {
		if !ectolinq.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out
}
