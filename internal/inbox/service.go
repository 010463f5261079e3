package inbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/minasoft/lis-gateway/internal/db"
	"github.com/minasoft/lis-gateway/internal/panel"
)

var (
	ErrNotPending      = errors.New("unmatched result is not pending")
	ErrInvalidAction   = errors.New("invalid resolution")
	ErrOrderTestLocked = errors.New("order test is verified or rejected")
	ErrPanelTarget     = errors.New("order test is a panel; attach to one of its components")
)

type Action string

const (
	ActionAttach  Action = "ATTACH"
	ActionDiscard Action = "DISCARD"
)

// Resolution is an operator decision on one unmatched result.
type Resolution struct {
	Action      Action     `json:"action"`
	OrderTestID *uuid.UUID `json:"order_test_id,omitempty"`
	ResolvedBy  string     `json:"resolved_by"`
	Notes       string     `json:"notes,omitempty"`
}

type Notifier interface {
	Notify()
}

// Service is the reconciliation inbox for results ingestion could not
// attribute to an order test.
type Service struct {
	store    db.Store
	panels   *panel.Engine
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(store db.Store, panels *panel.Engine, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		panels: panels,
		logger: logger.With(zap.String("component", "inbox")),
		now:    time.Now,
	}
}

func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// Page is one page of unmatched results plus the unpaged total.
type Page struct {
	Items []*db.UnmatchedInstrumentResult `json:"items"`
	Total int                             `json:"total"`
}

func (s *Service) List(ctx context.Context, f db.UnmatchedFilter) (*Page, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	items, total, err := s.store.ListUnmatched(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list unmatched: %w", err)
	}
	if items == nil {
		items = []*db.UnmatchedInstrumentResult{}
	}
	return &Page{Items: items, Total: total}, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*db.UnmatchedInstrumentResult, error) {
	return s.store.GetUnmatched(ctx, id)
}

func (s *Service) Stats(ctx context.Context) (*db.UnmatchedStats, error) {
	return s.store.UnmatchedStats(ctx)
}

// Resolve attaches a pending result to an order test or discards it.
func (s *Service) Resolve(ctx context.Context, id uuid.UUID, r Resolution) (*db.UnmatchedInstrumentResult, error) {
	r.ResolvedBy = strings.TrimSpace(r.ResolvedBy)
	if r.ResolvedBy == "" {
		return nil, fmt.Errorf("%w: resolved_by is required", ErrInvalidAction)
	}

	var (
		resolved *db.UnmatchedInstrumentResult
		err      error
	)
	switch r.Action {
	case ActionAttach:
		if r.OrderTestID == nil {
			return nil, fmt.Errorf("%w: order_test_id is required to attach", ErrInvalidAction)
		}
		resolved, err = s.attach(ctx, id, *r.OrderTestID, r)
	case ActionDiscard:
		resolved, err = s.discard(ctx, id, r)
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidAction, r.Action)
	}
	if err != nil {
		return nil, err
	}

	if s.notifier != nil {
		s.notifier.Notify()
	}
	s.logger.Info("unmatched result resolved",
		zap.String("unmatched_id", id.String()),
		zap.String("action", string(r.Action)),
		zap.String("resolved_by", r.ResolvedBy))
	return resolved, nil
}

func (s *Service) attach(ctx context.Context, id, orderTestID uuid.UUID, r Resolution) (*db.UnmatchedInstrumentResult, error) {
	multiplier, err := s.multiplierFor(ctx, id, orderTestID)
	if err != nil {
		return nil, err
	}

	var (
		resolved *db.UnmatchedInstrumentResult
		target   *db.OrderTest
	)
	err = s.store.InTx(ctx, func(tx db.Tx) error {
		u, err := pending(ctx, tx, id)
		if err != nil {
			return err
		}
		ot, err := tx.GetOrderTest(ctx, orderTestID)
		if err != nil {
			return fmt.Errorf("load order test %s: %w", orderTestID, err)
		}
		if ot.Status.Terminal() {
			return ErrOrderTestLocked
		}
		kids, err := tx.ListChildOrderTests(ctx, ot.ID)
		if err != nil {
			return err
		}
		if len(kids) > 0 {
			return ErrPanelTarget
		}

		now := s.now()
		resultedAt := now
		if u.ResultedAt != nil {
			resultedAt = *u.ResultedAt
		}
		value, text := db.ParseResultValue(u.ResultValue, multiplier)
		instrumentID := u.InstrumentID

		err = tx.AppendResultHistory(ctx, &db.OrderTestResultHistory{
			OrderTestID:    ot.ID,
			InstrumentID:   &instrumentID,
			MessageID:      u.MessageID,
			ResultValue:    value,
			ResultText:     text,
			Unit:           u.Unit,
			Flag:           u.Flag,
			ReferenceRange: u.ReferenceRange,
			ReceivedAt:     now,
		})
		if err != nil {
			return err
		}
		err = tx.ApplyResult(ctx, db.ResultUpdate{
			OrderTestID:    ot.ID,
			ResultValue:    value,
			ResultText:     text,
			Unit:           u.Unit,
			ReferenceRange: u.ReferenceRange,
			Flag:           u.Flag,
			ResultedAt:     resultedAt,
			InstrumentID:   &instrumentID,
			Status:         db.OrderTestCompleted,
		})
		if err != nil {
			return err
		}

		u.Status = db.UnmatchedResolved
		u.ResolvedBy = &r.ResolvedBy
		u.ResolvedAt = &now
		u.ResolvedOrderTestID = &ot.ID
		if r.Notes != "" {
			u.ResolutionNotes = &r.Notes
		}
		if err := tx.ResolveUnmatched(ctx, u); err != nil {
			return err
		}

		err = tx.AppendAuditEvent(ctx, &db.AuditEvent{
			Action:     db.AuditUnmatchedAttach,
			EntityType: "order_test",
			EntityID:   ot.ID,
			Actor:      r.ResolvedBy,
			Before: db.Fields{
				"status":       string(ot.Status),
				"result_value": ot.ResultValue,
				"result_text":  ot.ResultText,
				"flag":         string(ot.Flag),
			},
			After: db.Fields{
				"status":       string(db.OrderTestCompleted),
				"result_value": value,
				"result_text":  text,
				"flag":         string(u.Flag),
			},
			Metadata: db.Fields{
				"unmatched_id":  u.ID,
				"reason":        string(u.Reason),
				"instrument_id": u.InstrumentID,
				"sample":        u.SampleIdentifier,
				"multiplier":    multiplier,
			},
			CreatedAt: now,
		})
		if err != nil {
			return err
		}
		resolved, target = u, ot
		return nil
	})
	if err != nil {
		return nil, err
	}

	if target.ParentOrderTestID != nil {
		if _, err := s.panels.Recompute(ctx, *target.ParentOrderTestID); err != nil {
			s.logger.Warn("panel recompute failed", zap.String("order_test_id", target.ID.String()), zap.Error(err))
		}
	}
	return resolved, nil
}

// multiplierFor returns the scale factor of the instrument mapping that
// resolves the held test code to the target's test, or nil when the value
// is stored as reported.
func (s *Service) multiplierFor(ctx context.Context, id, orderTestID uuid.UUID) (*float64, error) {
	u, err := s.store.GetUnmatched(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load unmatched result %s: %w", id, err)
	}
	ot, err := s.store.GetOrderTest(ctx, orderTestID)
	if err != nil {
		return nil, fmt.Errorf("load order test %s: %w", orderTestID, err)
	}
	m, err := s.store.FindActiveMapping(ctx, u.InstrumentID, u.InstrumentTestCode)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find mapping: %w", err)
	}
	if m.TestID != ot.TestID {
		return nil, nil
	}
	return m.Multiplier, nil
}

func (s *Service) discard(ctx context.Context, id uuid.UUID, r Resolution) (*db.UnmatchedInstrumentResult, error) {
	var resolved *db.UnmatchedInstrumentResult
	err := s.store.InTx(ctx, func(tx db.Tx) error {
		u, err := pending(ctx, tx, id)
		if err != nil {
			return err
		}
		now := s.now()
		u.Status = db.UnmatchedDiscarded
		u.ResolvedBy = &r.ResolvedBy
		u.ResolvedAt = &now
		if r.Notes != "" {
			u.ResolutionNotes = &r.Notes
		}
		if err := tx.ResolveUnmatched(ctx, u); err != nil {
			return err
		}
		err = tx.AppendAuditEvent(ctx, &db.AuditEvent{
			Action:     db.AuditUnmatchedDiscard,
			EntityType: "unmatched_instrument_result",
			EntityID:   u.ID,
			Actor:      r.ResolvedBy,
			Before:     db.Fields{"status": string(db.UnmatchedPending)},
			After:      db.Fields{"status": string(db.UnmatchedDiscarded)},
			Metadata:   db.Fields{"reason": string(u.Reason), "notes": r.Notes},
			CreatedAt:  now,
		})
		if err != nil {
			return err
		}
		resolved = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

func pending(ctx context.Context, tx db.Tx, id uuid.UUID) (*db.UnmatchedInstrumentResult, error) {
	u, err := tx.GetUnmatched(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load unmatched result %s: %w", id, err)
	}
	if u.Status != db.UnmatchedPending {
		return nil, ErrNotPending
	}
	return u, nil
}
