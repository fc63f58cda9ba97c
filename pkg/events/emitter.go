// Package events announces merges and rollbacks to downstream consumers
package events

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/datahub/pkg/metrics"
	"github.com/Ramsey-B/datahub/pkg/models"
	"github.com/Ramsey-B/datahub/pkg/tracing"
)

// Producer is the transport the emitter writes to
type Producer interface {
	PublishMergeEvent(ctx context.Context, evt *models.MergeEvent) error
}

// Emitter publishes merge lifecycle events. A nil producer disables it.
type Emitter struct {
	producer Producer
	logger   ectologger.Logger
}

// NewEmitter creates a new event emitter
func NewEmitter(producer Producer, logger ectologger.Logger) *Emitter {
	return &Emitter{
		producer: producer,
		logger:   logger,
	}
}

// PublishMergeEvent emits a company/contact merged or merge_rolled_back event
func (e *Emitter) PublishMergeEvent(ctx context.Context, evt *models.MergeEvent) error {
	if e.producer == nil {
		return nil
	}

	ctx, span := tracing.StartSpan(ctx, "events.Emitter.PublishMergeEvent")
	defer span.End()

	if err := e.producer.PublishMergeEvent(ctx, evt); err != nil {
		metrics.EventsPublished.WithLabelValues(evt.EventType, "failed").Inc()
		e.logger.WithContext(ctx).WithError(err).Errorf("Failed to emit %s event", evt.EventType)
		return err
	}

	metrics.EventsPublished.WithLabelValues(evt.EventType, "published").Inc()
	return nil
}
