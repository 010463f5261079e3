package db

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type InstrumentRepository interface {
	GetInstrument(ctx context.Context, id uuid.UUID) (*Instrument, error)
	ListInstruments(ctx context.Context, activeOnly bool) ([]*Instrument, error)
	CreateInstrument(ctx context.Context, inst *Instrument) error
	UpdateInstrument(ctx context.Context, inst *Instrument) error
	DeleteInstrument(ctx context.Context, id uuid.UUID) error
	// UpdateInstrumentStatus records a connection state change. lastError is
	// only written when non-nil.
	UpdateInstrumentStatus(ctx context.Context, id uuid.UUID, status InstrumentStatus, lastError *string, at time.Time) error
	TouchInstrumentContact(ctx context.Context, id uuid.UUID, at time.Time) error
}

type MappingRepository interface {
	// FindActiveMapping looks up an active mapping by instrument and
	// case-insensitive instrument test code.
	FindActiveMapping(ctx context.Context, instrumentID uuid.UUID, code string) (*InstrumentTestMapping, error)
	ListMappings(ctx context.Context, instrumentID uuid.UUID) ([]*InstrumentTestMapping, error)
	CreateMapping(ctx context.Context, m *InstrumentTestMapping) error
	UpdateMapping(ctx context.Context, m *InstrumentTestMapping) error
	DeleteMapping(ctx context.Context, id uuid.UUID) error
	GetMapping(ctx context.Context, id uuid.UUID) (*InstrumentTestMapping, error)
}

type MessageRepository interface {
	CreateMessage(ctx context.Context, m *InstrumentMessage) error
	UpdateMessage(ctx context.Context, id uuid.UUID, u MessageUpdate, at time.Time) error
	GetMessage(ctx context.Context, id uuid.UUID) (*InstrumentMessage, error)
	ListMessages(ctx context.Context, f MessageFilter) ([]*InstrumentMessage, error)
}

type SampleRepository interface {
	// FindSample resolves an instrument-reported identifier within a lab,
	// trying sample id, then barcode, then order number, and skipping
	// cancelled orders.
	FindSample(ctx context.Context, labID uuid.UUID, identifier string) (*Sample, error)
}

type OrderTestReader interface {
	GetOrderTest(ctx context.Context, id uuid.UUID) (*OrderTest, error)
	FindOrderTestForSample(ctx context.Context, sampleID, testID uuid.UUID) (*OrderTest, error)
	// FindOrderTestForOrder returns the earliest created order test for the
	// test across every sample of the order.
	FindOrderTestForOrder(ctx context.Context, orderID, testID uuid.UUID) (*OrderTest, error)
	ListChildOrderTests(ctx context.Context, parentID uuid.UUID) ([]*OrderTest, error)
	// ListPanelParentsForSamples returns the distinct parent ids of order
	// tests that belong to any of the samples.
	ListPanelParentsForSamples(ctx context.Context, sampleIDs []uuid.UUID) ([]uuid.UUID, error)
}

type UnmatchedRepository interface {
	CreateUnmatched(ctx context.Context, u *UnmatchedInstrumentResult) error
	GetUnmatched(ctx context.Context, id uuid.UUID) (*UnmatchedInstrumentResult, error)
	ListUnmatched(ctx context.Context, f UnmatchedFilter) ([]*UnmatchedInstrumentResult, int, error)
	UnmatchedStats(ctx context.Context) (*UnmatchedStats, error)
}

type AuditOutbox interface {
	PendingAuditEvents(ctx context.Context, limit int) ([]*AuditEvent, error)
	MarkAuditEventsPublished(ctx context.Context, ids []uuid.UUID, at time.Time) error
}

// Tx is the write surface used inside a single atomic commit.
type Tx interface {
	GetOrderTest(ctx context.Context, id uuid.UUID) (*OrderTest, error)
	ListChildOrderTests(ctx context.Context, parentID uuid.UUID) ([]*OrderTest, error)
	AppendResultHistory(ctx context.Context, h *OrderTestResultHistory) error
	// ApplyResult writes a result and its status; the move must pass
	// CanTransition.
	ApplyResult(ctx context.Context, u ResultUpdate) error
	// SetPanelStatus stores a status derived for a panel parent; the move
	// must pass CanRollup.
	SetPanelStatus(ctx context.Context, id uuid.UUID, status OrderTestStatus, at time.Time) error
	GetUnmatched(ctx context.Context, id uuid.UUID) (*UnmatchedInstrumentResult, error)
	ResolveUnmatched(ctx context.Context, u *UnmatchedInstrumentResult) error
	AppendAuditEvent(ctx context.Context, e *AuditEvent) error
}

type Store interface {
	InstrumentRepository
	MappingRepository
	MessageRepository
	SampleRepository
	OrderTestReader
	UnmatchedRepository
	AuditOutbox

	// InTx runs fn atomically: every write made through the Tx is committed
	// together or not at all.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
}
