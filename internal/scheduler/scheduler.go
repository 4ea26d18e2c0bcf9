// Package scheduler records deferred-send intent. The current
// implementation only logs the request; an external trigger (cron, a
// worker loop) is expected to fire the scheduled send.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/loftpress/newsletter-engine/internal/pkg/logger"
)

// LogScheduler acknowledges scheduled sends without running them.
// The send record carries the scheduled time, so a poller can pick
// pending records up later.
type LogScheduler struct{}

// New creates a log-only scheduler
func New() *LogScheduler {
	return &LogScheduler{}
}

// Schedule records the intent to send at the given time
func (s *LogScheduler) Schedule(_ context.Context, sendRecordID uuid.UUID, at time.Time) error {
	logger.Info("send scheduled",
		"send_record_id", sendRecordID.String(),
		"scheduled_at", at.UTC().Format(time.RFC3339))
	return nil
}
