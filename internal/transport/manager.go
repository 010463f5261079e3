package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/minasoft/lis-gateway/internal/db"
	"github.com/minasoft/lis-gateway/internal/hl7"
	"github.com/minasoft/lis-gateway/internal/ingest"
)

var (
	ErrNotBidirectional = errors.New("instrument is not bidirectional")
	ErrNotConnected     = errors.New("instrument is not connected")
	ErrUnsupported      = errors.New("connection type not supported")
)

// Ingester consumes one complete wire message.
type Ingester interface {
	IngestMessage(ctx context.Context, instrumentID uuid.UUID, raw []byte) (ingest.Outcome, error)
}

type Config struct {
	ConnectTimeout time.Duration
	RetryDelay     time.Duration
}

type ConnectionStatus struct {
	Connected bool `json:"connected"`
	HasServer bool `json:"has_server"`
}

// Manager owns the connection of every active instrument. Operations on one
// instrument are serialized; different instruments run independently.
type Manager struct {
	store    db.Store
	ingester Ingester
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time

	mu    sync.Mutex
	links map[uuid.UUID]*link
	locks map[uuid.UUID]*sync.Mutex

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(store db.Store, ingester Ingester, cfg Config, logger *zap.Logger) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:    store,
		ingester: ingester,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "transport")),
		now:      time.Now,
		links:    make(map[uuid.UUID]*link),
		locks:    make(map[uuid.UUID]*sync.Mutex),
		base:     base,
		cancel:   cancel,
	}
}

// Start opens every active instrument in the background.
func (m *Manager) Start(ctx context.Context) error {
	instruments, err := m.store.ListInstruments(ctx, true)
	if err != nil {
		return fmt.Errorf("list instruments: %w", err)
	}
	for _, inst := range instruments {
		m.Reload(inst.ID)
	}
	m.logger.Info("transport started", zap.Int("instruments", len(instruments)))
	return nil
}

// Reload restarts the instrument in the background, e.g. after its
// configuration changed.
func (m *Manager) Reload(id uuid.UUID) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if _, err := m.Restart(m.base, id); err != nil {
			m.logger.Warn("instrument did not start", zap.String("instrument_id", id.String()), zap.Error(err))
		}
	}()
}

func (m *Manager) lockFor(id uuid.UUID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

func (m *Manager) get(id uuid.UUID) *link {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[id]
}

func (m *Manager) put(id uuid.UUID, l *link) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l == nil {
		delete(m.links, id)
		return
	}
	m.links[id] = l
}

// Restart tears down any connection of the instrument and reopens it from
// its current configuration. It reports whether a link is up afterwards.
func (m *Manager) Restart(ctx context.Context, id uuid.UUID) (bool, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if l := m.get(id); l != nil {
		l.close()
		m.put(id, nil)
	}

	inst, err := m.store.GetInstrument(ctx, id)
	if err != nil {
		return false, fmt.Errorf("load instrument %s: %w", id, err)
	}
	if !inst.IsActive {
		m.setStatus(inst.ID, db.InstrumentOffline, nil)
		return false, nil
	}

	l, err := m.open(ctx, inst)
	if err != nil {
		msg := err.Error()
		m.setStatus(inst.ID, db.InstrumentError, &msg)
		return false, err
	}
	m.put(id, l)
	return true, nil
}

// Disconnect closes the instrument's connection and listener.
func (m *Manager) Disconnect(id uuid.UUID) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	l := m.get(id)
	if l == nil {
		return
	}
	l.close()
	m.put(id, nil)
	m.setStatus(id, db.InstrumentOffline, nil)
	m.logger.Info("instrument disconnected", zap.String("instrument_id", id.String()))
}

func (m *Manager) Status(id uuid.UUID) ConnectionStatus {
	l := m.get(id)
	if l == nil {
		return ConnectionStatus{}
	}
	return ConnectionStatus{Connected: l.connected(), HasServer: l.listener != nil}
}

// ServerAddr returns the listening address of a TCP_SERVER instrument.
func (m *Manager) ServerAddr(id uuid.UUID) string {
	l := m.get(id)
	if l == nil || l.listener == nil {
		return ""
	}
	return l.listener.Addr().String()
}

// SendOrder renders an ORM^O01 for the instrument and writes it on its
// live connection.
func (m *Manager) SendOrder(ctx context.Context, id uuid.UUID, req hl7.OrderRequest) (bool, error) {
	inst, err := m.store.GetInstrument(ctx, id)
	if err != nil {
		return false, fmt.Errorf("load instrument %s: %w", id, err)
	}
	if !inst.BidirectionalEnabled {
		return false, ErrNotBidirectional
	}
	if inst.Protocol != db.ProtocolHL7 {
		return false, fmt.Errorf("%w: orders are sent as HL7", ErrUnsupported)
	}
	l := m.get(id)
	if l == nil {
		return false, ErrNotConnected
	}
	s := l.current()
	if s == nil {
		return false, ErrNotConnected
	}

	if req.SendingApp == "" {
		req.SendingApp, req.SendingFac = inst.SendingApplication, inst.SendingFacility
	}
	if req.ReceivingApp == "" {
		req.ReceivingApp, req.ReceivingFac = inst.ReceivingApplication, inst.ReceivingFacility
	}
	if req.ControlID == "" {
		req.ControlID = "ORM" + uuid.NewString()[:8]
	}
	orm, err := hl7.CreateORM(req, m.now())
	if err != nil {
		return false, err
	}
	if err := s.send(ctx, orm, "ORM^O01", req.ControlID, true); err != nil {
		return false, err
	}
	m.logger.Info("order sent",
		zap.String("instrument_code", inst.Code),
		zap.String("control_id", req.ControlID),
		zap.Int("tests", len(req.Tests)))
	return true, nil
}

// Shutdown closes every link and waits for their goroutines.
func (m *Manager) Shutdown() {
	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	links := make([]*link, 0, len(m.links))
	for id, l := range m.links {
		links = append(links, l)
		delete(m.links, id)
	}
	m.mu.Unlock()

	for _, l := range links {
		l.close()
	}
	m.logger.Info("transport stopped", zap.Int("links", len(links)))
}

func (m *Manager) setStatus(id uuid.UUID, status db.InstrumentStatus, lastError *string) {
	// status writes must outlive a cancelled link context
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.UpdateInstrumentStatus(ctx, id, status, lastError, m.now()); err != nil {
		m.logger.Warn("failed to update instrument status",
			zap.String("instrument_id", id.String()),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

// link is the open transport of one instrument: a listener with its
// accepted sessions, or a single dialed or serial session.
type link struct {
	inst     *db.Instrument
	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu       sync.Mutex
	sessions []*session
}

func (l *link) add(s *session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions = append(l.sessions, s)
}

func (l *link) remove(s *session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, cur := range l.sessions {
		if cur == s {
			l.sessions = append(l.sessions[:i], l.sessions[i+1:]...)
			return
		}
	}
}

func (l *link) connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions) > 0
}

// current is the most recently established session.
func (l *link) current() *session {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.sessions) == 0 {
		return nil
	}
	return l.sessions[len(l.sessions)-1]
}

func (l *link) close() {
	l.cancel()
	if l.listener != nil {
		l.listener.Close()
	}
	l.mu.Lock()
	sessions := append([]*session(nil), l.sessions...)
	l.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
	l.wg.Wait()
}
