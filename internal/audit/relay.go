package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/minasoft/lis-gateway/internal/db"
	lisnats "github.com/minasoft/lis-gateway/internal/nats"
)

const defaultBatch = 200

// Relay publishes committed audit events from the store outbox to the
// audit stream. Delivery is at-least-once; the event id doubles as the
// JetStream message id so redeliveries are deduplicated by the stream.
type Relay struct {
	outbox   db.AuditOutbox
	js       jetstream.JetStream
	interval time.Duration
	batch    int
	nudge    chan struct{}
	logger   *zap.Logger
	now      func() time.Time
}

func NewRelay(outbox db.AuditOutbox, js jetstream.JetStream, interval time.Duration, logger *zap.Logger) *Relay {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Relay{
		outbox:   outbox,
		js:       js,
		interval: interval,
		batch:    defaultBatch,
		nudge:    make(chan struct{}, 1),
		logger:   logger.With(zap.String("component", "audit")),
		now:      time.Now,
	}
}

// Notify asks for a flush ahead of the next tick.
func (r *Relay) Notify() {
	select {
	case r.nudge <- struct{}{}:
	default:
	}
}

// Run flushes on every tick or nudge until ctx is done, then makes a
// final flush.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("audit relay started", zap.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err := r.Flush(final); err != nil {
				r.logger.Warn("final audit flush failed", zap.Error(err))
			}
			cancel()
			r.logger.Info("audit relay stopped")
			return
		case <-ticker.C:
		case <-r.nudge:
		}
		if _, err := r.Flush(ctx); err != nil {
			r.logger.Warn("audit flush failed", zap.Error(err))
		}
	}
}

// Flush publishes pending events in creation order and returns how many
// were marked published. It stops at the first publish failure.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	total := 0
	for {
		events, err := r.outbox.PendingAuditEvents(ctx, r.batch)
		if err != nil {
			return total, fmt.Errorf("load pending audit events: %w", err)
		}
		if len(events) == 0 {
			return total, nil
		}

		published := make([]uuid.UUID, 0, len(events))
		var pubErr error
		for _, e := range events {
			if pubErr = r.publish(ctx, e); pubErr != nil {
				break
			}
			published = append(published, e.ID)
		}

		if len(published) > 0 {
			if err := r.outbox.MarkAuditEventsPublished(ctx, published, r.now()); err != nil {
				return total, fmt.Errorf("mark audit events published: %w", err)
			}
			total += len(published)
			r.logger.Debug("audit events published", zap.Int("count", len(published)))
		}
		if pubErr != nil {
			return total, pubErr
		}
		if len(events) < r.batch {
			return total, nil
		}
	}
}

func (r *Relay) publish(ctx context.Context, e *db.AuditEvent) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit event %s: %w", e.ID, err)
	}
	_, err = r.js.Publish(ctx, lisnats.AuditSubject(e.Action), data, jetstream.WithMsgID(e.ID.String()))
	if err != nil {
		return fmt.Errorf("publish audit event %s: %w", e.ID, err)
	}
	return nil
}
