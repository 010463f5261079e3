package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/minasoft/lis-gateway/internal/db"
)

// MappingLookup resolves an instrument test code to its active mapping.
// db.Store satisfies it; cache.MappingCache wraps it.
type MappingLookup interface {
	FindActiveMapping(ctx context.Context, instrumentID uuid.UUID, code string) (*db.InstrumentTestMapping, error)
}

// candidate is one protocol-neutral result read off the wire.
type candidate struct {
	Sequence         int
	SampleIdentifier string
	TestCode         string
	TestName         string
	Value            string
	Unit             string
	ReferenceRange   string
	Flag             db.ResultFlag
	Comments         []string
	ObservedAt       *time.Time
}

// match is the result of running one candidate through the matcher.
type match struct {
	Committed   bool
	OrderTestID uuid.UUID
	SampleID    *uuid.UUID
	Panel       bool
	Reason      db.UnmatchedReason
	Detail      string
}

func unmatched(reason db.UnmatchedReason, format string, args ...any) match {
	return match{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// guardError aborts a commit whose target changed state after it was read.
type guardError struct {
	m match
}

func (e *guardError) Error() string { return e.m.Detail }

type matcher struct {
	store    db.Store
	mappings MappingLookup
	strict   bool
	now      func() time.Time
	logger   *zap.Logger
}

// process runs the matching steps for one result. Failing to match is not
// an error: the returned match carries the reason instead.
func (m *matcher) process(ctx context.Context, inst *db.Instrument, messageID uuid.UUID, c candidate) (match, error) {
	// 1. sample
	sample, err := m.store.FindSample(ctx, inst.LabID, c.SampleIdentifier)
	if errors.Is(err, db.ErrNotFound) {
		return unmatched(db.ReasonUnmatchedSample, "Sample not found: %s", c.SampleIdentifier), nil
	}
	if err != nil {
		return match{}, fmt.Errorf("find sample: %w", err)
	}

	// 2. mapping
	code := strings.ToUpper(strings.TrimSpace(c.TestCode))
	if code == "" {
		return unmatched(db.ReasonNoMapping, "Result has no test code"), nil
	}
	mapping, err := m.mappings.FindActiveMapping(ctx, inst.ID, code)
	if errors.Is(err, db.ErrNotFound) {
		return unmatched(db.ReasonNoMapping, "No active mapping for test code %s", code), nil
	}
	if err != nil {
		return match{}, fmt.Errorf("find mapping: %w", err)
	}

	// 3. order test, falling back to the whole order
	ot, err := m.store.FindOrderTestForSample(ctx, sample.ID, mapping.TestID)
	if errors.Is(err, db.ErrNotFound) {
		ot, err = m.store.FindOrderTestForOrder(ctx, sample.OrderID, mapping.TestID)
	}
	if errors.Is(err, db.ErrNotFound) {
		return unmatched(db.ReasonUnorderedTest, "Test %s not ordered for sample %s", code, c.SampleIdentifier), nil
	}
	if err != nil {
		return match{}, fmt.Errorf("find order test: %w", err)
	}

	// 4. guards
	kids, err := m.store.ListChildOrderTests(ctx, ot.ID)
	if err != nil {
		return match{}, fmt.Errorf("list panel children: %w", err)
	}
	if res, refused := m.guard(c.SampleIdentifier, sample, ot, len(kids)); refused {
		return res, nil
	}

	// 5. value
	value, text := db.ParseResultValue(c.Value, mapping.Multiplier)

	// 6. commit
	var committed *db.OrderTest
	err = m.store.InTx(ctx, func(tx db.Tx) error {
		cur, err := tx.GetOrderTest(ctx, ot.ID)
		if err != nil {
			return err
		}
		kids, err := tx.ListChildOrderTests(ctx, cur.ID)
		if err != nil {
			return err
		}
		if res, refused := m.guard(c.SampleIdentifier, sample, cur, len(kids)); refused {
			return &guardError{m: res}
		}
		committed = cur
		return m.commit(ctx, tx, inst, messageID, c, cur, value, text)
	})
	var ge *guardError
	if errors.As(err, &ge) {
		return ge.m, nil
	}
	if err != nil {
		return match{}, fmt.Errorf("commit result: %w", err)
	}

	// 7. panel propagation is batched per message by the caller
	return match{
		Committed:   true,
		OrderTestID: committed.ID,
		SampleID:    committed.SampleID,
		Panel:       committed.ParentOrderTestID != nil,
	}, nil
}

// guard refuses targets an instrument may not write. A panel parent only
// takes its status from the rollup of its children.
func (m *matcher) guard(identifier string, sample *db.Sample, ot *db.OrderTest, children int) (match, bool) {
	switch {
	case children > 0:
		return unmatched(db.ReasonUnorderedTest, "Test is a panel for sample %s; results belong to its components", identifier), true
	case ot.Status == db.OrderTestVerified && m.strict:
		return unmatched(db.ReasonDuplicateResult, "Order test already verified for sample %s", identifier), true
	case ot.Status == db.OrderTestRejected:
		return unmatched(db.ReasonInvalidSampleStatus, "Order test is rejected"), true
	case sample.Status == db.SampleRejected:
		return unmatched(db.ReasonInvalidSampleStatus, "Sample %s is rejected", identifier), true
	}
	return match{}, false
}

func (m *matcher) commit(ctx context.Context, tx db.Tx, inst *db.Instrument, messageID uuid.UUID, c candidate, cur *db.OrderTest, value *float64, text *string) error {
	now := m.now()
	resultedAt := now
	if c.ObservedAt != nil {
		resultedAt = *c.ObservedAt
	}
	instrumentID := inst.ID
	msgID := messageID

	err := tx.AppendResultHistory(ctx, &db.OrderTestResultHistory{
		OrderTestID:    cur.ID,
		InstrumentID:   &instrumentID,
		MessageID:      &msgID,
		Sequence:       c.Sequence,
		ResultValue:    value,
		ResultText:     text,
		Unit:           c.Unit,
		Flag:           c.Flag,
		ReferenceRange: c.ReferenceRange,
		ReceivedAt:     now,
	})
	if err != nil {
		return err
	}

	tagged := make([]string, 0, len(c.Comments))
	for _, line := range c.Comments {
		tagged = append(tagged, fmt.Sprintf("[%s] %s", inst.Code, line))
	}
	err = tx.ApplyResult(ctx, db.ResultUpdate{
		OrderTestID:    cur.ID,
		ResultValue:    value,
		ResultText:     text,
		Unit:           c.Unit,
		ReferenceRange: c.ReferenceRange,
		Flag:           c.Flag,
		AppendComment:  strings.Join(tagged, "\n"),
		ResultedAt:     resultedAt,
		InstrumentID:   &instrumentID,
		Status:         db.OrderTestCompleted,
	})
	if err != nil {
		return err
	}

	action := db.AuditResultEnter
	if cur.HasResult() {
		action = db.AuditResultUpdate
	}
	return tx.AppendAuditEvent(ctx, &db.AuditEvent{
		Action:     action,
		EntityType: "order_test",
		EntityID:   cur.ID,
		Actor:      "instrument:" + inst.Code,
		Before: db.Fields{
			"status":       string(cur.Status),
			"result_value": cur.ResultValue,
			"result_text":  cur.ResultText,
			"flag":         string(cur.Flag),
		},
		After: db.Fields{
			"status":       string(db.OrderTestCompleted),
			"result_value": value,
			"result_text":  text,
			"flag":         string(c.Flag),
		},
		Metadata: db.Fields{
			"instrument_id": inst.ID,
			"message_id":    messageID,
			"sequence":      c.Sequence,
			"test_code":     c.TestCode,
		},
		CreatedAt: now,
	})
}
