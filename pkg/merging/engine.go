// Package merging merges a duplicate company or contact into a surviving one:
// it re-points every configured relation, retires the source and records the
// whole change as one audit revision that can be rolled back.
package merging

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/datahub/pkg/audit"
	"github.com/Ramsey-B/datahub/pkg/metrics"
	"github.com/Ramsey-B/datahub/pkg/models"
	"github.com/Ramsey-B/datahub/pkg/schema"
	"github.com/Ramsey-B/datahub/pkg/store"
	"github.com/Ramsey-B/datahub/pkg/tracing"
)

// Locker serialises merges of the same source across processes.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func() error) error
}

// Publisher announces committed merges and rollbacks.
type Publisher interface {
	PublishMergeEvent(ctx context.Context, event *models.MergeEvent) error
}

type localLocker struct{}

func (localLocker) WithLock(_ context.Context, _ string, _ time.Duration, fn func() error) error {
	return fn()
}

type nopPublisher struct{}

func (nopPublisher) PublishMergeEvent(context.Context, *models.MergeEvent) error {
	return nil
}

// Option configures an Engine.
type Option func(*Engine)

// WithLocker serialises merges of the same source across processes.
func WithLocker(l Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithPublisher sets where merge and rollback events are sent.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithClock overrides the time stamped on merged rows.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.clock = now }
}

// WithLockTTL sets how long a merge may hold its lock.
func WithLockTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.lockTTL = ttl }
}

// Engine runs merges against a store.
type Engine struct {
	store     store.Store
	registry  *Registry
	logger    ectologger.Logger
	locker    Locker
	publisher Publisher
	clock     func() time.Time
	lockTTL   time.Duration
}

func NewEngine(st store.Store, registry *Registry, logger ectologger.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		registry:  registry,
		logger:    logger,
		locker:    localLocker{},
		publisher: nopPublisher{},
		clock:     time.Now,
		lockTTL:   2 * time.Minute,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the engine's merge configuration.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// now is truncated to what PostgreSQL stores so audited values round-trip.
func (e *Engine) now() time.Time {
	return e.clock().UTC().Truncate(time.Microsecond)
}

func (e *Engine) entity(t models.EntityType) (*entity, error) {
	ent, err := e.registry.entity(t)
	if err != nil {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return ent, nil
}

func lockKey(t models.EntityType, sourceID string) string {
	return fmt.Sprintf("datahub:merge:%s:%s", t, sourceID)
}

// Merge moves every configured relation of source to target, fills the
// target's gaps where configured and archives the source, all in one
// transaction. It returns *MergeNotAllowedError when validation fails.
func (e *Engine) Merge(ctx context.Context, t models.EntityType, sourceID, targetID, userID string) (*models.MergeResult, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Merge")
	defer span.End()

	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_type": t,
		"source_id":   sourceID,
		"target_id":   targetID,
	})

	ent, err := e.entity(t)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var (
		result   *models.MergeResult
		revision audit.Revision
	)
	err = e.locker.WithLock(ctx, lockKey(t, sourceID), e.lockTTL, func() error {
		return e.store.RunInTx(ctx, func(ctx context.Context) error {
			var err error
			result, revision, err = e.merge(ctx, ent, sourceID, targetID, userID, log)
			return err
		})
	})
	if err != nil {
		var notAllowed *MergeNotAllowedError
		if errors.As(err, &notAllowed) {
			metrics.MergesTotal.WithLabelValues(string(t), string(models.MergeStateRejected)).Inc()
			log.WithFields(map[string]any{"state": models.MergeStateRejected, "fields": notAllowed.Fields}).Warn("Merge rejected")
			return nil, err
		}
		metrics.MergesTotal.WithLabelValues(string(t), string(models.MergeStateFailed)).Inc()
		tracing.RecordError(ctx, err)
		log.WithError(err).WithFields(map[string]any{"state": models.MergeStateFailed}).Error("Merge failed, rolled back")
		return nil, err
	}

	metrics.MergesTotal.WithLabelValues(string(t), string(models.MergeStateMerged)).Inc()
	metrics.MergeDuration.WithLabelValues(string(t)).Observe(time.Since(start).Seconds())
	for _, m := range result.Models {
		metrics.RowsMoved.WithLabelValues(string(t), m.Model).Add(float64(m.Total()))
	}
	log.WithFields(map[string]any{"state": models.MergeStateMerged, "revision_id": revision.ID}).Info("Merge committed")

	e.publish(ctx, &models.MergeEvent{
		EventType:  models.MergedEventType(t),
		EntityType: t,
		SourceID:   sourceID,
		TargetID:   targetID,
		RevisionID: revision.ID,
		UserID:     userID,
		Result:     result,
		Timestamp:  revision.CreatedOn,
	})

	return result, nil
}

func (e *Engine) merge(ctx context.Context, ent *entity, sourceID, targetID, userID string, log ectologger.Logger) (*models.MergeResult, audit.Revision, error) {
	log.WithFields(map[string]any{"state": models.MergeStateUnvalidated}).Debug("Validating merge")

	if sourceID == targetID {
		return nil, audit.Revision{}, &MergeNotAllowedError{EntityType: ent.Type, SourceID: sourceID, TargetID: targetID, Reason: reasonSameEntity}
	}

	ids := []string{sourceID, targetID}
	sort.Strings(ids)
	if err := e.store.LockForUpdate(ctx, ent.Table, ids...); err != nil {
		return nil, audit.Revision{}, err
	}

	source, err := e.store.Get(ctx, ent.Table, sourceID)
	if err != nil {
		return nil, audit.Revision{}, err
	}
	target, err := e.store.Get(ctx, ent.Table, targetID)
	if err != nil {
		return nil, audit.Revision{}, err
	}

	valid, fields, err := validateSource(ctx, e.store, ent, source)
	if err != nil {
		return nil, audit.Revision{}, err
	}
	if !valid {
		return nil, audit.Revision{}, &MergeNotAllowedError{EntityType: ent.Type, SourceID: sourceID, TargetID: targetID, Reason: reasonInvalidSource, Fields: fields}
	}
	if !validateTarget(target) {
		return nil, audit.Revision{}, &MergeNotAllowedError{EntityType: ent.Type, SourceID: sourceID, TargetID: targetID, Reason: reasonInvalidTarget}
	}

	if err := e.checkActor(ctx, userID); err != nil {
		return nil, audit.Revision{}, err
	}
	log.WithFields(map[string]any{"state": models.MergeStateValidated}).Debug("Merge validated")

	now := e.now()
	rec, err := audit.Begin(ctx, e.store, audit.Revision{
		Comment:    ent.Comment,
		UserID:     userID,
		EntityType: ent.Type,
		SourceID:   sourceID,
		TargetID:   targetID,
		CreatedOn:  now,
	})
	if err != nil {
		return nil, audit.Revision{}, err
	}

	log.WithFields(map[string]any{"state": models.MergeStateMerging, "revision_id": rec.Revision().ID}).Info("Merging")

	m := &mutation{
		st:       e.store,
		rec:      rec,
		ent:      ent,
		logger:   e.logger,
		sourceID: sourceID,
		targetID: targetID,
		userID:   userID,
		now:      now,
	}

	result, err := m.run(ctx)
	if err != nil {
		return nil, audit.Revision{}, err
	}
	if err := m.mergeFields(ctx, source, target); err != nil {
		return nil, audit.Revision{}, err
	}
	if err := m.archive(ctx, source, target); err != nil {
		return nil, audit.Revision{}, err
	}

	if m.failures > 0 {
		log.WithFields(map[string]any{"failures": m.failures}).Warnf("%d related rows could not be moved", m.failures)
	}

	return result, rec.Revision(), nil
}

// checkActor makes sure a named acting user exists. An empty user is allowed
// and leaves the "by" columns NULL.
func (e *Engine) checkActor(ctx context.Context, userID string) error {
	if userID == "" {
		return nil
	}
	if _, err := e.store.Get(ctx, schema.TableAdvisers, userID); err != nil {
		if store.IsNotFound(err) {
			return httperror.NewHTTPErrorf(http.StatusBadRequest, "unknown adviser %s", userID)
		}
		return err
	}
	return nil
}

// Plan counts what a merge of the source would move. It never writes.
func (e *Engine) Plan(ctx context.Context, t models.EntityType, sourceID string) (*models.MergePlan, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Plan")
	defer span.End()

	ent, err := e.entity(t)
	if err != nil {
		return nil, err
	}

	source, err := e.store.Get(ctx, ent.Table, sourceID)
	if err != nil {
		return nil, err
	}
	return plan(ctx, e.store, ent, source)
}

// ValidateSource reports whether the record can be merged away, and which
// fields block it when it cannot.
func (e *Engine) ValidateSource(ctx context.Context, t models.EntityType, sourceID string) (bool, []string, error) {
	ent, err := e.entity(t)
	if err != nil {
		return false, nil, err
	}

	source, err := e.store.Get(ctx, ent.Table, sourceID)
	if err != nil {
		return false, nil, err
	}
	return validateSource(ctx, e.store, ent, source)
}

// ValidateTarget reports whether the record can receive a merge.
func (e *Engine) ValidateTarget(ctx context.Context, t models.EntityType, targetID string) (bool, error) {
	ent, err := e.entity(t)
	if err != nil {
		return false, err
	}

	target, err := e.store.Get(ctx, ent.Table, targetID)
	if err != nil {
		return false, err
	}
	return validateTarget(target), nil
}

// Preview is what the merge confirmation screen shows before a merge.
type Preview struct {
	EntityType    models.EntityType `json:"entity_type"`
	SourceID      string            `json:"source_id"`
	TargetID      string            `json:"target_id"`
	Source        string            `json:"source"`
	Target        string            `json:"target"`
	Plan          models.MergePlan  `json:"plan"`
	SourceValid   bool              `json:"source_valid"`
	InvalidFields []string          `json:"invalid_fields,omitempty"`
	TargetValid   bool              `json:"target_valid"`
	Allowed       bool              `json:"allowed"`
	Summary       []string          `json:"summary"`
}

// Preview combines the plan with both validations.
func (e *Engine) Preview(ctx context.Context, t models.EntityType, sourceID, targetID string) (*Preview, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Preview")
	defer span.End()

	ent, err := e.entity(t)
	if err != nil {
		return nil, err
	}

	source, err := e.store.Get(ctx, ent.Table, sourceID)
	if err != nil {
		return nil, err
	}
	target, err := e.store.Get(ctx, ent.Table, targetID)
	if err != nil {
		return nil, err
	}

	p, err := plan(ctx, e.store, ent, source)
	if err != nil {
		return nil, err
	}
	sourceValid, fields, err := validateSource(ctx, e.store, ent, source)
	if err != nil {
		return nil, err
	}
	targetValid := validateTarget(target)

	return &Preview{
		EntityType:    t,
		SourceID:      sourceID,
		TargetID:      targetID,
		Source:        ent.displayName(source),
		Target:        ent.displayName(target),
		Plan:          *p,
		SourceValid:   sourceValid,
		InvalidFields: fields,
		TargetValid:   targetValid,
		Allowed:       sourceValid && targetValid && sourceID != targetID,
		Summary:       e.registry.Summary(t, p.Result),
	}, nil
}

// Rollback reverts the latest un-reverted merge of the source. It fails with
// a 404 when the source was never merged.
func (e *Engine) Rollback(ctx context.Context, t models.EntityType, sourceID, userID string) error {
	ctx, span := tracing.StartSpan(ctx, "merging.Rollback")
	defer span.End()

	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_type": t,
		"source_id":   sourceID,
	})

	ent, err := e.entity(t)
	if err != nil {
		return err
	}

	var (
		revision *audit.Revision
		restored int
		now      = e.now()
	)
	err = e.locker.WithLock(ctx, lockKey(t, sourceID), e.lockTTL, func() error {
		return e.store.RunInTx(ctx, func(ctx context.Context) error {
			var err error
			revision, err = audit.Latest(ctx, e.store, t, ent.Comment, sourceID)
			if err != nil {
				return err
			}
			if err := e.store.LockForUpdate(ctx, ent.Table, sourceID); err != nil {
				return err
			}
			restored, err = audit.Revert(ctx, e.store, *revision, userID, now)
			return err
		})
	})
	if err != nil {
		metrics.RollbacksTotal.WithLabelValues(string(t), string(models.MergeStateFailed)).Inc()
		log.WithError(err).Error("Merge rollback failed")
		return err
	}

	metrics.RollbacksTotal.WithLabelValues(string(t), string(models.MergeStateRolledBack)).Inc()
	log.WithFields(map[string]any{
		"state":       models.MergeStateRolledBack,
		"revision_id": revision.ID,
		"versions":    restored,
	}).Info("Merge rolled back")

	e.publish(ctx, &models.MergeEvent{
		EventType:  models.RolledBackEventType(t),
		EntityType: t,
		SourceID:   sourceID,
		TargetID:   revision.TargetID,
		RevisionID: revision.ID,
		UserID:     userID,
		Timestamp:  now,
	})
	return nil
}

// publish is best-effort: the merge has already committed.
func (e *Engine) publish(ctx context.Context, event *models.MergeEvent) {
	if err := e.publisher.PublishMergeEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"event_type": event.EventType,
			"source_id":  event.SourceID,
		}).Warn("Failed to publish merge event")
	}
}
