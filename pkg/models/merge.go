package models

import (
	"fmt"
	"time"
)

// EntityType names a mergeable entity.
type EntityType string

const (
	EntityTypeCompany EntityType = "company"
	EntityTypeContact EntityType = "contact"
)

// ParseEntityType validates a caller supplied entity type.
func ParseEntityType(s string) (EntityType, error) {
	switch EntityType(s) {
	case EntityTypeCompany, EntityTypeContact:
		return EntityType(s), nil
	default:
		return "", fmt.Errorf("unsupported entity type %q (use company or contact)", s)
	}
}

// TransferReasonDuplicate is recorded on a source archived by a merge.
const TransferReasonDuplicate = "duplicate"

// ArchivedReasonDuplicate is the human reason given in the archive message.
const ArchivedReasonDuplicate = "Duplicate record"

// MergeState is where a merge attempt is in its lifecycle.
type MergeState string

const (
	MergeStateUnvalidated MergeState = "unvalidated"
	MergeStateValidated   MergeState = "validated"
	MergeStateRejected    MergeState = "rejected"
	MergeStateMerging     MergeState = "merging"
	MergeStateMerged      MergeState = "merged"
	MergeStateFailed      MergeState = "failed"
	MergeStateRolledBack  MergeState = "rolled_back"
)

// FieldCount is the number of rows affected through one relation field.
type FieldCount struct {
	Field string `json:"field"`
	Count int    `json:"count"`
}

// ModelCount groups the field counts of one related model.
type ModelCount struct {
	Model  string       `json:"model"`
	Fields []FieldCount `json:"fields"`
}

// Total sums the model's field counts.
func (m ModelCount) Total() int {
	total := 0
	for _, f := range m.Fields {
		total += f.Count
	}
	return total
}

// MergeResult maps related model -> field -> number of rows re-pointed, in
// registry order.
type MergeResult struct {
	Models []ModelCount `json:"models"`
}

// Set records the count for model.field, adding the entry if needed.
func (r *MergeResult) Set(model, field string, count int) {
	for i := range r.Models {
		if r.Models[i].Model != model {
			continue
		}
		for j := range r.Models[i].Fields {
			if r.Models[i].Fields[j].Field == field {
				r.Models[i].Fields[j].Count = count
				return
			}
		}
		r.Models[i].Fields = append(r.Models[i].Fields, FieldCount{Field: field, Count: count})
		return
	}
	r.Models = append(r.Models, ModelCount{Model: model, Fields: []FieldCount{{Field: field, Count: count}}})
}

// Count returns the count recorded for model.field.
func (r MergeResult) Count(model, field string) int {
	for _, m := range r.Models {
		if m.Model != model {
			continue
		}
		for _, f := range m.Fields {
			if f.Field == field {
				return f.Count
			}
		}
	}
	return 0
}

// Total returns the sum over all fields of model.
func (r MergeResult) Total(model string) int {
	for _, m := range r.Models {
		if m.Model == model {
			return m.Total()
		}
	}
	return 0
}

// MergePlan is the read-only preview of a merge.
type MergePlan struct {
	Result        MergeResult `json:"result"`
	ShouldArchive bool        `json:"should_archive"`
}

// MergeEvent is published after a merge or rollback commits.
type MergeEvent struct {
	EventType  string       `json:"event_type"` // company.merged, contact.merge_rolled_back, ...
	EntityType EntityType   `json:"entity_type"`
	SourceID   string       `json:"source_id"`
	TargetID   string       `json:"target_id"`
	RevisionID string       `json:"revision_id"`
	UserID     string       `json:"user_id,omitempty"`
	Result     *MergeResult `json:"result,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
}

// MergedEventType is the event type for a committed merge of entity type t.
func MergedEventType(t EntityType) string {
	return string(t) + ".merged"
}

// RolledBackEventType is the event type for a rolled back merge of entity type t.
func RolledBackEventType(t EntityType) string {
	return string(t) + ".merge_rolled_back"
}
