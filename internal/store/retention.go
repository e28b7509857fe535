package store

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ScheduleRetention prunes event_logs rows older than days on the given cron
// schedule. It returns nil when days is zero. The caller stops the scheduler.
func ScheduleRetention(s *EventLogStore, schedule string, days int, log zerolog.Logger) (*cron.Cron, error) {
	if days <= 0 {
		return nil, nil
	}
	c := cron.New()
	_, err := c.AddFunc(schedule, func() { PruneOlderThan(context.Background(), s, days, log) })
	if err != nil {
		return nil, fmt.Errorf("retention schedule %q: %w", schedule, err)
	}
	c.Start()
	log.Info().Str("schedule", schedule).Int("days", days).Msg("event log retention scheduled")
	return c, nil
}

// PruneOlderThan runs one retention pass.
func PruneOlderThan(ctx context.Context, s *EventLogStore, days int, log zerolog.Logger) int64 {
	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
	n, err := s.Prune(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("event log retention failed")
		return 0
	}
	if n > 0 {
		log.Info().Int64("rows", n).Time("cutoff", cutoff).Msg("event log pruned")
	}
	return n
}
