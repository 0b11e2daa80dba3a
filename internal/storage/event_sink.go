package storage

import (
	"context"
	"time"

	"github.com/pariszhuang123/kinly-backend-sub001/internal/logging"
)

// PipelineEvent is one status transition in the pipeline, recorded for
// dashboards and debugging. The sink is observational only: losing an event
// never affects pipeline correctness.
type PipelineEvent struct {
	EventTime  time.Time
	EntityType string // trigger, job, request, batch
	EntityID   string
	FromStatus string
	ToStatus   string
	WorkerID   string
	Detail     string
}

// EventSink writes pipeline transition events to ClickHouse. A nil *EventSink
// is valid and drops all events, so callers never need to guard their writes.
type EventSink struct {
	db *ClickHouseDB
}

// NewEventSink creates a ClickHouse-backed event sink.
func NewEventSink(db *ClickHouseDB) *EventSink {
	return &EventSink{db: db}
}

// Record writes one event, best-effort. Failures are logged and swallowed.
func (s *EventSink) Record(ctx context.Context, event PipelineEvent) {
	if s == nil || s.db == nil {
		return
	}

	if event.EventTime.IsZero() {
		event.EventTime = time.Now().UTC()
	}

	query := `
		INSERT INTO rewrite_pipeline_events (
			event_time, entity_type, entity_id, from_status, to_status, worker_id, detail
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	err := s.db.Exec(ctx, query,
		event.EventTime,
		event.EntityType,
		event.EntityID,
		event.FromStatus,
		event.ToStatus,
		event.WorkerID,
		event.Detail,
	)
	if err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Failed to record pipeline event")
	}
}
