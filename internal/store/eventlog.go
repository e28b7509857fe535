package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"loginus/internal/events"
)

// StatusUnhandled marks an emission that matched no subscription.
const StatusUnhandled = "unhandled"

// EventLogStore writes the emission audit trail and serves queries over it.
// It implements events.Sink.
type EventLogStore struct {
	db *gorm.DB
}

// NewEventLogStore wraps db.
func NewEventLogStore(db *gorm.DB) *EventLogStore { return &EventLogStore{db: db} }

var _ events.Sink = (*EventLogStore)(nil)

// Record appends one row per handler outcome, or a single unhandled row.
func (s *EventLogStore) Record(ctx context.Context, res events.EmissionResult) error {
	var payload string
	if res.Envelope.Payload != nil {
		b, err := json.Marshal(res.Envelope.Payload)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		payload = string(b)
	}
	at := res.Envelope.EmittedAt.UTC()
	base := EventLog{
		EmissionID: res.Envelope.ID,
		EventName:  string(res.Envelope.Name),
		Payload:    payload,
		CreatedAt:  at,
	}

	rows := make([]EventLog, 0, len(res.Outcomes)+1)
	if len(res.Outcomes) == 0 {
		r := base
		r.ID = uuid.NewString()
		r.Status = StatusUnhandled
		rows = append(rows, r)
	}
	for _, o := range res.Outcomes {
		r := base
		r.ID = uuid.NewString()
		r.Status = string(o.Status)
		r.ExecutionTimeMs = o.Duration.Milliseconds()
		if o.Owner != "" && o.Owner != events.CoreOwner {
			owner := o.Owner
			r.PluginID = &owner
		}
		if o.Error != "" {
			msg := o.Error
			r.Error = &msg
		}
		rows = append(rows, r)
	}
	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("write event log: %w", err)
	}
	return nil
}

// EventLogQuery filters Query. Zero fields do not filter.
type EventLogQuery struct {
	EventName  string
	EmissionID string
	PluginID   string
	Status     string
	Since      time.Time
	Limit      int
	Offset     int
}

// DefaultQueryLimit caps Query when no limit is given.
const DefaultQueryLimit = 100

// MaxQueryLimit caps a single Query page.
const MaxQueryLimit = 1000

// Query returns matching rows, newest first.
func (s *EventLogStore) Query(ctx context.Context, q EventLogQuery) ([]EventLog, error) {
	tx := s.db.WithContext(ctx).Model(&EventLog{})
	if q.EventName != "" {
		tx = tx.Where("event_name = ?", q.EventName)
	}
	if q.EmissionID != "" {
		tx = tx.Where("emission_id = ?", q.EmissionID)
	}
	if q.PluginID != "" {
		tx = tx.Where("plugin_id = ?", q.PluginID)
	}
	if q.Status != "" {
		tx = tx.Where("status = ?", q.Status)
	}
	if !q.Since.IsZero() {
		tx = tx.Where("created_at >= ?", q.Since.UTC())
	}
	limit := q.Limit
	switch {
	case limit <= 0:
		limit = DefaultQueryLimit
	case limit > MaxQueryLimit:
		limit = MaxQueryLimit
	}
	var out []EventLog
	err := tx.Order("created_at DESC").Order("id").Limit(limit).Offset(q.Offset).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query event log: %w", err)
	}
	return out, nil
}

// Prune deletes rows created before cutoff and returns how many were removed.
func (s *EventLogStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff.UTC()).Delete(&EventLog{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune event log: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Count returns the number of rows (tests and diagnostics).
func (s *EventLogStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&EventLog{}).Count(&n).Error
	return n, err
}

