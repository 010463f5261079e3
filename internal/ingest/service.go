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
	"github.com/minasoft/lis-gateway/internal/hl7"
	"github.com/minasoft/lis-gateway/internal/panel"
)

// Outcome is the result of ingesting one wire message. Failed counts
// results that were neither committed nor held in the inbox.
type Outcome struct {
	MessageID   uuid.UUID   `json:"message_id"`
	MessageType string      `json:"message_type,omitempty"`
	ControlID   string      `json:"control_id,omitempty"`
	Processed   int         `json:"processed"`
	Unmatched   int         `json:"unmatched"`
	Failed      int         `json:"failed"`
	Errors      []string    `json:"errors,omitempty"`
	AckCode     hl7.AckCode `json:"ack_code"`
	AckMessage  string      `json:"ack_message,omitempty"`
}

// Notifier is nudged after a message committed audit events.
type Notifier interface {
	Notify()
}

type Config struct {
	// StrictMode refuses instrument results for verified order tests.
	StrictMode bool
	// Mappings overrides the store for mapping lookups, e.g. with a cache.
	Mappings MappingLookup
	Notifier Notifier
}

// Service turns raw instrument messages into committed results or inbox
// entries.
type Service struct {
	store    db.Store
	panels   *panel.Engine
	notifier Notifier
	matcher  *matcher
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(store db.Store, panels *panel.Engine, cfg Config, logger *zap.Logger) *Service {
	logger = logger.With(zap.String("component", "ingest"))
	mappings := cfg.Mappings
	if mappings == nil {
		mappings = store
	}
	s := &Service{
		store:    store,
		panels:   panels,
		notifier: cfg.Notifier,
		logger:   logger,
		now:      time.Now,
	}
	s.matcher = &matcher{
		store:    store,
		mappings: mappings,
		strict:   cfg.StrictMode,
		now:      func() time.Time { return s.now() },
		logger:   logger,
	}
	return s
}

// IngestMessage stores raw as an inbound message, runs it through the
// instrument's pipeline and returns the acknowledgement to send. Parse and
// match failures are reported through the outcome; the error is only set
// when the message could not be recorded at all.
func (s *Service) IngestMessage(ctx context.Context, instrumentID uuid.UUID, raw []byte) (Outcome, error) {
	inst, err := s.store.GetInstrument(ctx, instrumentID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load instrument %s: %w", instrumentID, err)
	}

	msg := &db.InstrumentMessage{
		InstrumentID: inst.ID,
		Direction:    db.DirectionIn,
		RawMessage:   string(raw),
		Status:       db.MessageReceived,
		CreatedAt:    s.now(),
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return Outcome{}, fmt.Errorf("record message: %w", err)
	}
	if err := s.store.TouchInstrumentContact(ctx, inst.ID, s.now()); err != nil {
		s.logger.Warn("failed to touch instrument contact", zap.String("instrument_id", inst.ID.String()), zap.Error(err))
	}

	log := s.logger.With(
		zap.String("instrument_code", inst.Code),
		zap.String("message_id", msg.ID.String()))

	out := Outcome{MessageID: msg.ID}
	env, err := route(inst, raw)
	if err != nil {
		out.AckCode, out.AckMessage = hl7.AckError, err.Error()
		log.Warn("message rejected", zap.Error(err))
		s.finish(ctx, msg.ID, db.MessageUpdate{
			Status:  db.MessageError,
			Summary: db.Fields{"protocol": string(inst.Protocol), "ack_code": string(out.AckCode)},
			Error:   err.Error(),
		}, log)
		return out, nil
	}
	out.MessageType, out.ControlID = env.MessageType, env.ControlID
	log = log.With(zap.String("control_id", env.ControlID))

	s.run(ctx, inst, msg.ID, env, &out, log)

	update := db.MessageUpdate{
		Status:      db.MessageProcessed,
		MessageType: env.MessageType,
		ControlID:   env.ControlID,
		Summary: db.Fields{
			"protocol":  string(env.Protocol),
			"results":   len(env.Results),
			"processed": out.Processed,
			"unmatched": out.Unmatched,
			"failed":    out.Failed,
			"errors":    len(out.Errors),
			"ack_code":  string(out.AckCode),
		},
	}
	if out.AckCode != hl7.AckAccept {
		update.Error = out.AckMessage
	}
	if out.Failed > 0 || (out.AckCode == hl7.AckError && out.Processed == 0 && out.Unmatched == 0) {
		update.Status = db.MessageError
	}
	s.finish(ctx, msg.ID, update, log)

	log.Info("message ingested",
		zap.String("message_type", env.MessageType),
		zap.Int("processed", out.Processed),
		zap.Int("unmatched", out.Unmatched),
		zap.Int("failed", out.Failed),
		zap.String("ack_code", string(out.AckCode)))
	return out, nil
}

func (s *Service) run(ctx context.Context, inst *db.Instrument, messageID uuid.UUID, env *envelope, out *Outcome, log *zap.Logger) {
	if env.Reject != "" {
		out.AckCode, out.AckMessage = hl7.AckReject, env.Reject
		return
	}
	if len(env.Results) == 0 {
		out.AckCode, out.AckMessage = s.emptyAck(ctx, inst, env)
		return
	}

	var (
		touched = make(map[uuid.UUID]bool)
		samples []uuid.UUID
		orphans []uuid.UUID
		details = make(map[string]bool)
	)
	for _, c := range env.Results {
		res, err := s.processSafely(ctx, inst, messageID, c)
		if err != nil {
			log.Error("result processing failed",
				zap.Int("sequence", c.Sequence),
				zap.String("test_code", c.TestCode),
				zap.Error(err))
			out.Errors = append(out.Errors, fmt.Sprintf("result %d (%s): %v", c.Sequence, c.TestCode, err))
			res = unmatched(db.ReasonNoMapping, "Processing error: %v", err)
		}

		if res.Committed {
			out.Processed++
			switch {
			case res.SampleID != nil && !touched[*res.SampleID]:
				touched[*res.SampleID] = true
				samples = append(samples, *res.SampleID)
			case res.SampleID == nil && res.Panel:
				orphans = append(orphans, res.OrderTestID)
			}
			continue
		}

		if err := s.hold(ctx, inst, messageID, c, res, log); err != nil {
			out.Failed++
			out.Errors = append(out.Errors, fmt.Sprintf("result %d (%s): %v", c.Sequence, c.TestCode, err))
			continue
		}
		out.Unmatched++
		details[res.Detail] = true
	}

	if len(samples) > 0 {
		if _, err := s.panels.RecomputeForSamples(ctx, samples); err != nil {
			log.Warn("panel recompute failed", zap.Error(err))
		}
	}
	for _, id := range orphans {
		if err := s.panels.AfterChildUpdate(ctx, id); err != nil {
			log.Warn("panel recompute failed", zap.String("order_test_id", id.String()), zap.Error(err))
		}
	}
	if out.Processed > 0 && s.notifier != nil {
		s.notifier.Notify()
	}

	switch {
	case out.Failed > 0:
		out.AckCode = hl7.AckError
		out.AckMessage = strings.Join(out.Errors, "; ")
	case out.Processed == 0 && out.Unmatched > 0:
		out.AckCode = hl7.AckError
		out.AckMessage = "No results matched"
		if len(details) == 1 {
			for d := range details {
				out.AckMessage = d
			}
		}
	case len(out.Errors) > 0:
		out.AckCode = hl7.AckError
		out.AckMessage = strings.Join(out.Errors, "; ")
	default:
		out.AckCode = hl7.AckAccept
	}
}

// processSafely runs the matcher and turns a panic into an error so one bad
// result cannot abort the rest of the message.
func (s *Service) processSafely(ctx context.Context, inst *db.Instrument, messageID uuid.UUID, c candidate) (res match, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.matcher.process(ctx, inst, messageID, c)
}

// emptyAck answers a result message without results. A message whose order
// names a known sample is acknowledged with AR; anything else is an error.
func (s *Service) emptyAck(ctx context.Context, inst *db.Instrument, env *envelope) (hl7.AckCode, string) {
	if env.Protocol == db.ProtocolHL7 {
		for _, id := range env.OrderSamples {
			_, err := s.store.FindSample(ctx, inst.LabID, id)
			if err == nil {
				return hl7.AckReject, "No results in message"
			}
			if !errors.Is(err, db.ErrNotFound) {
				return hl7.AckError, err.Error()
			}
		}
	}
	return hl7.AckError, "No results in message"
}

// hold files an unmatched result in the reconciliation inbox.
func (s *Service) hold(ctx context.Context, inst *db.Instrument, messageID uuid.UUID, c candidate, res match, log *zap.Logger) error {
	msgID := messageID
	u := &db.UnmatchedInstrumentResult{
		LabID:              inst.LabID,
		InstrumentID:       inst.ID,
		MessageID:          &msgID,
		SampleIdentifier:   c.SampleIdentifier,
		InstrumentTestCode: c.TestCode,
		InstrumentTestName: c.TestName,
		ResultValue:        c.Value,
		Unit:               c.Unit,
		Flag:               c.Flag,
		ReferenceRange:     c.ReferenceRange,
		ResultedAt:         c.ObservedAt,
		Reason:             res.Reason,
		Detail:             res.Detail,
		Status:             db.UnmatchedPending,
		CreatedAt:          s.now(),
	}
	if err := s.store.CreateUnmatched(ctx, u); err != nil {
		log.Error("failed to store unmatched result",
			zap.String("reason", string(res.Reason)),
			zap.String("sample", c.SampleIdentifier),
			zap.Error(err))
		return fmt.Errorf("hold unmatched result: %w", err)
	}
	log.Info("result held for reconciliation",
		zap.String("reason", string(res.Reason)),
		zap.String("sample", c.SampleIdentifier),
		zap.String("test_code", c.TestCode))
	return nil
}

func (s *Service) finish(ctx context.Context, id uuid.UUID, u db.MessageUpdate, log *zap.Logger) {
	if err := s.store.UpdateMessage(ctx, id, u, s.now()); err != nil {
		log.Error("failed to update message", zap.Error(err))
	}
}
