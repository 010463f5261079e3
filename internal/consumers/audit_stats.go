package consumers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/minasoft/lis-gateway/internal/db"
	lisnats "github.com/minasoft/lis-gateway/internal/nats"
)

const (
	// KeyCounters holds the whole tally as one JSON document so the total
	// and the per-action counts always move together.
	KeyCounters = "counters"

	consumerName = "audit-stats"
	maxCASRetry  = 5
)

// AuditStats folds the audit stream into a tally kept in the stats KV
// bucket: one count per action plus a running total.
type AuditStats struct {
	js     jetstream.JetStream
	kv     jetstream.KeyValue
	logger *zap.Logger
}

type tally struct {
	Total         int64            `json:"total"`
	Actions       map[string]int64 `json:"actions"`
	LastEventTime *time.Time       `json:"last_event_time,omitempty"`
}

func (t *tally) add(e *db.AuditEvent) {
	if t.Actions == nil {
		t.Actions = map[string]int64{}
	}
	t.Total++
	t.Actions[e.Action]++
	if t.LastEventTime == nil || e.CreatedAt.After(*t.LastEventTime) {
		at := e.CreatedAt.UTC()
		t.LastEventTime = &at
	}
}

func NewAuditStats(js jetstream.JetStream, kv jetstream.KeyValue, logger *zap.Logger) *AuditStats {
	return &AuditStats{
		js:     js,
		kv:     kv,
		logger: logger.With(zap.String("component", "audit-stats")),
	}
}

func (a *AuditStats) Start(ctx context.Context) error {
	consumer, err := a.js.CreateOrUpdateConsumer(ctx, lisnats.AuditStream, jetstream.ConsumerConfig{
		Durable:       consumerName,
		Description:   "Counts audit events per action",
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		MaxAckPending: 100,
	})
	if err != nil {
		return fmt.Errorf("create %s consumer: %w", consumerName, err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		a.process(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", lisnats.AuditStream, err)
	}
	a.logger.Info("audit stats consumer started", zap.String("stream", lisnats.AuditStream))

	go func() {
		<-ctx.Done()
		cons.Stop()
	}()
	return nil
}

func (a *AuditStats) process(ctx context.Context, msg jetstream.Msg) {
	var e db.AuditEvent
	if err := json.Unmarshal(msg.Data(), &e); err != nil {
		// redelivery cannot fix a malformed payload
		a.logger.Error("malformed audit event", zap.String("subject", msg.Subject()), zap.Error(err))
		msg.Term()
		return
	}

	if err := a.record(ctx, &e); err != nil {
		a.logger.Warn("counter update failed", zap.String("action", e.Action), zap.Error(err))
		msg.Nak()
		return
	}
	msg.Ack()
}

// record adds e to the tally with compare-and-set on the revision. Either
// the whole tally is written or nothing is.
func (a *AuditStats) record(ctx context.Context, e *db.AuditEvent) error {
	for i := 0; i < maxCASRetry; i++ {
		cur, rev, err := a.load(ctx)
		if err != nil {
			return err
		}
		cur.add(e)
		data, err := json.Marshal(cur)
		if err != nil {
			return err
		}
		if rev == 0 {
			_, err = a.kv.Create(ctx, KeyCounters, data)
		} else {
			_, err = a.kv.Update(ctx, KeyCounters, data, rev)
		}
		if err == nil {
			return nil
		}
		a.logger.Debug("tally changed underneath, retrying", zap.Error(err))
	}
	return fmt.Errorf("%s: too many concurrent updates", KeyCounters)
}

// load returns the stored tally and its revision; revision 0 means the key
// does not exist yet.
func (a *AuditStats) load(ctx context.Context) (*tally, uint64, error) {
	entry, err := a.kv.Get(ctx, KeyCounters)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return &tally{}, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	var t tally
	if err := json.Unmarshal(entry.Value(), &t); err != nil {
		return nil, 0, fmt.Errorf("decode %s: %w", KeyCounters, err)
	}
	return &t, entry.Revision(), nil
}

// Counts returns every counter: the total under "total" and one entry per
// audit action.
func (a *AuditStats) Counts(ctx context.Context) (map[string]int64, error) {
	t, _, err := a.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("read stats: %w", err)
	}
	out := map[string]int64{"total": t.Total}
	for action, n := range t.Actions {
		out[action] = n
	}
	return out, nil
}

// LastEventTime is the creation time of the most recently counted event.
func (a *AuditStats) LastEventTime(ctx context.Context) (*time.Time, error) {
	t, _, err := a.load(ctx)
	if err != nil {
		return nil, err
	}
	return t.LastEventTime, nil
}
