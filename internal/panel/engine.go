package panel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/minasoft/lis-gateway/internal/db"
)

// Notifier is told when audit events were committed.
type Notifier interface {
	Notify()
}

// Engine keeps panel order tests in line with their children.
type Engine struct {
	store    db.Store
	logger   *zap.Logger
	notifier Notifier
	now      func() time.Time
}

func NewEngine(store db.Store, logger *zap.Logger) *Engine {
	return &Engine{
		store:  store,
		logger: logger.With(zap.String("component", "panel_engine")),
		now:    time.Now,
	}
}

// SetNotifier registers the audit relay to nudge after status changes.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// Rollup derives a panel status from its children. The rules are checked in
// order; a panel without children keeps its current status.
//
//	every child VERIFIED                          -> VERIFIED
//	every child terminal, at least one REJECTED   -> REJECTED
//	no child open, at least one resulted          -> COMPLETED
//	otherwise                                     -> PENDING (IN_PROGRESS is kept)
func Rollup(current db.OrderTestStatus, children []*db.OrderTest) db.OrderTestStatus {
	if len(children) == 0 {
		return current
	}

	var verified, rejected, terminal, open, resulted int
	for _, c := range children {
		switch {
		case c.Status == db.OrderTestVerified:
			verified++
		case c.Status == db.OrderTestRejected:
			rejected++
		}
		if c.Status.Terminal() {
			terminal++
		}
		if c.Status.Open() {
			open++
		}
		if c.Status.Resulted() {
			resulted++
		}
	}

	switch {
	case verified == len(children):
		return db.OrderTestVerified
	case terminal == len(children) && rejected > 0:
		return db.OrderTestRejected
	case open == 0 && resulted > 0:
		return db.OrderTestCompleted
	case current == db.OrderTestInProgress:
		return current
	default:
		return db.OrderTestPending
	}
}

// Recompute derives and stores the status of one panel. It reports whether
// the stored status changed; an unchanged status causes no write.
func (e *Engine) Recompute(ctx context.Context, parentID uuid.UUID) (bool, error) {
	var changed bool
	err := e.store.InTx(ctx, func(tx db.Tx) error {
		var err error
		changed, err = e.recompute(ctx, tx, parentID)
		return err
	})
	if err != nil {
		return false, err
	}
	if changed && e.notifier != nil {
		e.notifier.Notify()
	}
	return changed, nil
}

func (e *Engine) recompute(ctx context.Context, tx db.Tx, parentID uuid.UUID) (bool, error) {
	parent, err := tx.GetOrderTest(ctx, parentID)
	if err != nil {
		return false, fmt.Errorf("load panel %s: %w", parentID, err)
	}
	children, err := tx.ListChildOrderTests(ctx, parentID)
	if err != nil {
		return false, err
	}

	next := Rollup(parent.Status, children)
	if next == parent.Status {
		return false, nil
	}
	if !db.CanRollup(parent.Status, next) {
		e.logger.Warn("panel status change refused",
			zap.String("order_test_id", parentID.String()),
			zap.String("from", string(parent.Status)),
			zap.String("to", string(next)))
		return false, nil
	}

	now := e.now()
	if err := tx.SetPanelStatus(ctx, parentID, next, now); err != nil {
		return false, err
	}
	err = tx.AppendAuditEvent(ctx, &db.AuditEvent{
		Action:     db.AuditPanelStatus,
		EntityType: "order_test",
		EntityID:   parentID,
		Actor:      "system",
		Before:     db.Fields{"status": string(parent.Status)},
		After:      db.Fields{"status": string(next)},
		Metadata:   db.Fields{"children": len(children)},
		CreatedAt:  now,
	})
	if err != nil {
		return false, err
	}

	e.logger.Info("panel status changed",
		zap.String("order_test_id", parentID.String()),
		zap.String("from", string(parent.Status)),
		zap.String("to", string(next)))
	return true, nil
}

// AfterChildUpdate recomputes the panel owning childID, if any.
func (e *Engine) AfterChildUpdate(ctx context.Context, childID uuid.UUID) error {
	child, err := e.store.GetOrderTest(ctx, childID)
	if err != nil {
		return fmt.Errorf("load order test %s: %w", childID, err)
	}
	if child.ParentOrderTestID == nil {
		return nil
	}
	_, err = e.Recompute(ctx, *child.ParentOrderTestID)
	return err
}

// RecomputeForSample recomputes every panel with a child on the sample.
func (e *Engine) RecomputeForSample(ctx context.Context, sampleID uuid.UUID) error {
	_, err := e.RecomputeForSamples(ctx, []uuid.UUID{sampleID})
	return err
}

// RecomputeForSamples recomputes each distinct panel touched by the samples
// once and returns how many changed. A failing panel does not stop the rest.
func (e *Engine) RecomputeForSamples(ctx context.Context, sampleIDs []uuid.UUID) (int, error) {
	if len(sampleIDs) == 0 {
		return 0, nil
	}
	parents, err := e.store.ListPanelParentsForSamples(ctx, sampleIDs)
	if err != nil {
		return 0, err
	}

	var errs []error
	changed := 0
	for _, id := range parents {
		ok, err := e.Recompute(ctx, id)
		if err != nil {
			e.logger.Warn("panel recompute failed", zap.String("order_test_id", id.String()), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		if ok {
			changed++
		}
	}
	return changed, errors.Join(errs...)
}
