// Package audit keeps a per-row write-ahead log of merge mutations so a merge
// can be reverted exactly.
//
// A Revision groups the versions written by one merge. Every mutation made
// through a Recorder is applied and then logged in the same transaction:
// updates log the prior values of the columns they change, deletes log the full
// row and inserts log the created row.
package audit

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/google/uuid"

	"github.com/Ramsey-B/datahub/pkg/models"
	"github.com/Ramsey-B/datahub/pkg/schema"
	"github.com/Ramsey-B/datahub/pkg/store"
	"github.com/Ramsey-B/datahub/pkg/tracing"
)

const (
	OperationUpdate = "update"
	OperationInsert = "insert"
	OperationDelete = "delete"
)

// Revision is an audit record grouping the versions of one merge.
type Revision struct {
	ID           string            `json:"id"`
	Comment      string            `json:"comment"`
	UserID       string            `json:"user_id,omitempty"`
	EntityType   models.EntityType `json:"entity_type"`
	SourceID     string            `json:"source_id"`
	TargetID     string            `json:"target_id"`
	CreatedOn    time.Time         `json:"created_on"`
	RevertedOn   *time.Time        `json:"reverted_on,omitempty"`
	RevertedByID string            `json:"reverted_by_id,omitempty"`
}

func (r Revision) row() store.Row {
	row := store.Row{
		"id":          r.ID,
		"comment":     r.Comment,
		"user_id":     nullable(r.UserID),
		"entity_type": string(r.EntityType),
		"source_id":   r.SourceID,
		"target_id":   r.TargetID,
		"created_on":  r.CreatedOn,
	}
	return row
}

func revisionFromRow(row store.Row) Revision {
	rev := Revision{
		ID:           row.ID(),
		Comment:      row.String("comment"),
		UserID:       row.String("user_id"),
		EntityType:   models.EntityType(row.String("entity_type")),
		SourceID:     row.String("source_id"),
		TargetID:     row.String("target_id"),
		RevertedByID: row.String("reverted_by_id"),
	}
	rev.CreatedOn, _ = row.Time("created_on")
	if reverted, ok := row.Time("reverted_on"); ok {
		rev.RevertedOn = &reverted
	}
	return rev
}

// Version is one logged mutation.
type Version struct {
	ID         string    `json:"id"`
	RevisionID string    `json:"revision_id"`
	Seq        int64     `json:"seq"`
	Table      string    `json:"table_name"`
	RowID      string    `json:"row_id"`
	Operation  string    `json:"operation"`
	OldValues  store.Row `json:"old_values,omitempty"`
	NewValues  store.Row `json:"new_values,omitempty"`
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Recorder applies mutations and logs them against one revision. It is bound
// to the transaction carried by the contexts passed to it.
type Recorder struct {
	store    store.Store
	revision Revision
	seq      int64
}

// Begin writes the revision row and returns a recorder for it.
func Begin(ctx context.Context, st store.Store, rev Revision) (*Recorder, error) {
	ctx, span := tracing.StartSpan(ctx, "audit.Begin")
	defer span.End()

	if rev.ID == "" {
		rev.ID = uuid.New().String()
	}
	if err := st.Insert(ctx, schema.TableAuditRevisions, rev.row()); err != nil {
		return nil, err
	}

	return &Recorder{store: st, revision: rev}, nil
}

// Revision returns the revision the recorder writes to.
func (r *Recorder) Revision() Revision {
	return r.revision
}

// Update sets the given columns and logs their previous values. Columns that
// already hold the value are left out; it reports whether anything changed.
func (r *Recorder) Update(ctx context.Context, table, id string, values store.Row) (bool, error) {
	t, ok := r.store.Schema().Table(table)
	if !ok {
		return false, httperror.NewHTTPErrorf(http.StatusInternalServerError, "unknown table %q", table)
	}

	current, err := r.store.Get(ctx, table, id)
	if err != nil {
		return false, err
	}

	changed := store.Row{}
	old := store.Row{}
	for col, v := range values {
		c, ok := t.Column(col)
		if !ok {
			return false, httperror.NewHTTPErrorf(http.StatusInternalServerError, "unknown column %s.%s", table, col)
		}
		nv, err := c.Normalize(v)
		if err != nil {
			return false, err
		}
		if !equalValues(current[col], nv) {
			changed[col] = nv
			old[col] = current[col]
		}
	}
	if len(changed) == 0 {
		return false, nil
	}

	if err := r.store.Update(ctx, table, id, changed); err != nil {
		return false, err
	}
	return true, r.record(ctx, t, id, OperationUpdate, old, changed)
}

// Insert creates a row and logs it.
func (r *Recorder) Insert(ctx context.Context, table string, row store.Row) error {
	t, ok := r.store.Schema().Table(table)
	if !ok {
		return httperror.NewHTTPErrorf(http.StatusInternalServerError, "unknown table %q", table)
	}

	if row.ID() == "" {
		row = row.Clone()
		row[schema.IDColumn] = uuid.New().String()
	}
	if err := r.store.Insert(ctx, table, row); err != nil {
		return err
	}
	return r.record(ctx, t, row.ID(), OperationInsert, nil, row)
}

// Delete removes a row and logs its full contents.
func (r *Recorder) Delete(ctx context.Context, table, id string) error {
	t, ok := r.store.Schema().Table(table)
	if !ok {
		return httperror.NewHTTPErrorf(http.StatusInternalServerError, "unknown table %q", table)
	}

	current, err := r.store.Get(ctx, table, id)
	if err != nil {
		return err
	}
	if err := r.store.Delete(ctx, table, id); err != nil {
		return err
	}
	return r.record(ctx, t, id, OperationDelete, current, nil)
}

func (r *Recorder) record(ctx context.Context, t schema.Table, rowID, operation string, old, updated store.Row) error {
	oldJSON, err := encodeValues(t, old)
	if err != nil {
		return err
	}
	newJSON, err := encodeValues(t, updated)
	if err != nil {
		return err
	}

	r.seq++
	return r.store.Insert(ctx, schema.TableAuditVersions, store.Row{
		"id":          uuid.New().String(),
		"revision_id": r.revision.ID,
		"seq":         r.seq,
		"table_name":  t.Name,
		"row_id":      rowID,
		"operation":   operation,
		"old_values":  oldJSON,
		"new_values":  newJSON,
	})
}

// Latest returns the most recent revision with the comment for the source
// entity that has not been reverted yet.
func Latest(ctx context.Context, st store.Store, entityType models.EntityType, comment, sourceID string) (*Revision, error) {
	ctx, span := tracing.StartSpan(ctx, "audit.Latest")
	defer span.End()

	rows, err := st.Find(ctx, schema.TableAuditRevisions,
		store.Eq("entity_type", string(entityType)),
		store.Eq("comment", comment),
		store.Eq("source_id", sourceID),
		store.IsNull("reverted_on"),
	)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "no %q revision found for %s %s", comment, entityType, sourceID)
	}

	revisions := make([]Revision, len(rows))
	for i, row := range rows {
		revisions[i] = revisionFromRow(row)
	}
	sort.SliceStable(revisions, func(i, j int) bool {
		return revisions[i].CreatedOn.Before(revisions[j].CreatedOn)
	})

	latest := revisions[len(revisions)-1]
	return &latest, nil
}

// Versions returns a revision's versions in the order they were written.
func Versions(ctx context.Context, st store.Store, revisionID string) ([]Version, error) {
	rows, err := st.Find(ctx, schema.TableAuditVersions, store.Eq("revision_id", revisionID))
	if err != nil {
		return nil, err
	}

	versions := make([]Version, 0, len(rows))
	for _, row := range rows {
		v, err := versionFromRow(st.Schema(), row)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].Seq < versions[j].Seq })
	return versions, nil
}

func versionFromRow(s *schema.Schema, row store.Row) (Version, error) {
	seq, _ := row["seq"].(int64)
	v := Version{
		ID:         row.ID(),
		RevisionID: row.String("revision_id"),
		Seq:        seq,
		Table:      row.String("table_name"),
		RowID:      row.String("row_id"),
		Operation:  row.String("operation"),
	}

	t, ok := s.Table(v.Table)
	if !ok {
		return v, httperror.NewHTTPErrorf(http.StatusInternalServerError, "version %s references unknown table %q", v.ID, v.Table)
	}

	var err error
	if v.OldValues, err = decodeValues(t, row.String("old_values")); err != nil {
		return v, err
	}
	if v.NewValues, err = decodeValues(t, row.String("new_values")); err != nil {
		return v, err
	}
	return v, nil
}

// Revert replays the revision's versions newest first, restoring every row it
// touched, and marks the revision reverted. It must run inside a transaction.
func Revert(ctx context.Context, st store.Store, rev Revision, userID string, now time.Time) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "audit.Revert")
	defer span.End()

	versions, err := Versions(ctx, st, rev.ID)
	if err != nil {
		return 0, err
	}

	for i := len(versions) - 1; i >= 0; i-- {
		v := versions[i]
		switch v.Operation {
		case OperationUpdate:
			err = st.Update(ctx, v.Table, v.RowID, v.OldValues)
		case OperationInsert:
			err = st.Delete(ctx, v.Table, v.RowID)
		case OperationDelete:
			err = st.Insert(ctx, v.Table, v.OldValues)
		default:
			err = httperror.NewHTTPErrorf(http.StatusInternalServerError, "version %s has unknown operation %q", v.ID, v.Operation)
		}
		if err != nil {
			return 0, err
		}
	}

	if err := st.Update(ctx, schema.TableAuditRevisions, rev.ID, store.Row{
		"reverted_on":    now,
		"reverted_by_id": nullable(userID),
	}); err != nil {
		return 0, err
	}

	return len(versions), nil
}
