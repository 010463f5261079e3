package db

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a process-local Store. It backs the gateway when no
// DATABASE_URL is configured and is the fixture store for tests.
type MemoryStore struct {
	mu  sync.RWMutex
	now func() time.Time

	instruments map[uuid.UUID]*Instrument
	mappings    map[uuid.UUID]*InstrumentTestMapping
	messages    map[uuid.UUID]*InstrumentMessage
	messageSeq  []uuid.UUID
	orders      map[uuid.UUID]*Order
	samples     map[uuid.UUID]*Sample
	sampleSeq   []uuid.UUID
	tests       map[uuid.UUID]*Test
	orderTests  map[uuid.UUID]*OrderTest
	history     []*OrderTestResultHistory
	unmatched   map[uuid.UUID]*UnmatchedInstrumentResult
	unmatchSeq  []uuid.UUID
	audit       []*AuditEvent

	orderTestWrites int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:         time.Now,
		instruments: make(map[uuid.UUID]*Instrument),
		mappings:    make(map[uuid.UUID]*InstrumentTestMapping),
		messages:    make(map[uuid.UUID]*InstrumentMessage),
		orders:      make(map[uuid.UUID]*Order),
		samples:     make(map[uuid.UUID]*Sample),
		tests:       make(map[uuid.UUID]*Test),
		orderTests:  make(map[uuid.UUID]*OrderTest),
		unmatched:   make(map[uuid.UUID]*UnmatchedInstrumentResult),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// =========== Fixtures ===========

func (s *MemoryStore) PutOrder(o *Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	cp := *o
	s.orders[o.ID] = &cp
}

func (s *MemoryStore) PutSample(smp *Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if smp.ID == uuid.Nil {
		smp.ID = uuid.New()
	}
	if _, ok := s.samples[smp.ID]; !ok {
		s.sampleSeq = append(s.sampleSeq, smp.ID)
	}
	cp := *smp
	s.samples[smp.ID] = &cp
}

func (s *MemoryStore) PutTest(t *Test) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	cp := *t
	s.tests[t.ID] = &cp
}

func (s *MemoryStore) PutOrderTest(ot *OrderTest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ot.ID == uuid.Nil {
		ot.ID = uuid.New()
	}
	if ot.CreatedAt.IsZero() {
		ot.CreatedAt = s.now()
	}
	if ot.Status == "" {
		ot.Status = OrderTestPending
	}
	s.orderTests[ot.ID] = cloneOrderTest(ot)
}

// History returns the result history rows of an order test in append order.
func (s *MemoryStore) History(orderTestID uuid.UUID) []*OrderTestResultHistory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*OrderTestResultHistory
	for _, h := range s.history {
		if h.OrderTestID == orderTestID {
			cp := *h
			out = append(out, &cp)
		}
	}
	return out
}

// AuditEvents returns every audit event appended so far.
func (s *MemoryStore) AuditEvents() []*AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*AuditEvent, len(s.audit))
	for i, e := range s.audit {
		cp := *e
		out[i] = &cp
	}
	return out
}

// OrderTestWrites counts committed order test mutations.
func (s *MemoryStore) OrderTestWrites() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orderTestWrites
}

// =========== Instruments ===========

func (s *MemoryStore) GetInstrument(ctx context.Context, id uuid.UUID) (*Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instruments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneInstrument(inst), nil
}

func (s *MemoryStore) ListInstruments(ctx context.Context, activeOnly bool) ([]*Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Instrument
	for _, inst := range s.instruments {
		if activeOnly && !inst.IsActive {
			continue
		}
		out = append(out, cloneInstrument(inst))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *MemoryStore) CreateInstrument(ctx context.Context, inst *Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst.ID == uuid.Nil {
		inst.ID = uuid.New()
	}
	for _, other := range s.instruments {
		if other.LabID == inst.LabID && strings.EqualFold(other.Code, inst.Code) {
			return ErrConflict
		}
	}
	now := s.now()
	inst.CreatedAt, inst.UpdatedAt = now, now
	if inst.Status == "" {
		inst.Status = InstrumentOffline
	}
	s.instruments[inst.ID] = cloneInstrument(inst)
	return nil
}

func (s *MemoryStore) UpdateInstrument(ctx context.Context, inst *Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.instruments[inst.ID]
	if !ok {
		return ErrNotFound
	}
	next := cloneInstrument(inst)
	// connection state is owned by the transport
	next.Status, next.LastError, next.LastErrorAt, next.LastContactAt = cur.Status, cur.LastError, cur.LastErrorAt, cur.LastContactAt
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = s.now()
	s.instruments[inst.ID] = next
	return nil
}

func (s *MemoryStore) DeleteInstrument(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instruments[id]; !ok {
		return ErrNotFound
	}
	delete(s.instruments, id)
	return nil
}

func (s *MemoryStore) UpdateInstrumentStatus(ctx context.Context, id uuid.UUID, status InstrumentStatus, lastError *string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instruments[id]
	if !ok {
		return ErrNotFound
	}
	inst.Status = status
	if lastError != nil {
		msg := *lastError
		ts := at
		inst.LastError, inst.LastErrorAt = &msg, &ts
	}
	if status == InstrumentOnline {
		ts := at
		inst.LastContactAt = &ts
	}
	inst.UpdatedAt = at
	return nil
}

func (s *MemoryStore) TouchInstrumentContact(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instruments[id]
	if !ok {
		return ErrNotFound
	}
	ts := at
	inst.LastContactAt = &ts
	return nil
}

// =========== Mappings ===========

func (s *MemoryStore) FindActiveMapping(ctx context.Context, instrumentID uuid.UUID, code string) (*InstrumentTestMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	code = strings.ToUpper(strings.TrimSpace(code))
	for _, m := range s.mappings {
		if m.IsActive && m.InstrumentID == instrumentID && m.InstrumentTestCode == code {
			cp := *m
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetMapping(ctx context.Context, id uuid.UUID) (*InstrumentTestMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mappings[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListMappings(ctx context.Context, instrumentID uuid.UUID) ([]*InstrumentTestMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*InstrumentTestMapping
	for _, m := range s.mappings {
		if m.InstrumentID == instrumentID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentTestCode < out[j].InstrumentTestCode })
	return out, nil
}

func (s *MemoryStore) CreateMapping(ctx context.Context, m *InstrumentTestMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	m.InstrumentTestCode = strings.ToUpper(strings.TrimSpace(m.InstrumentTestCode))
	if s.mappingConflict(m) {
		return ErrConflict
	}
	now := s.now()
	m.CreatedAt, m.UpdatedAt = now, now
	cp := *m
	s.mappings[m.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateMapping(ctx context.Context, m *InstrumentTestMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.mappings[m.ID]
	if !ok {
		return ErrNotFound
	}
	m.InstrumentTestCode = strings.ToUpper(strings.TrimSpace(m.InstrumentTestCode))
	if s.mappingConflict(m) {
		return ErrConflict
	}
	m.CreatedAt = cur.CreatedAt
	m.UpdatedAt = s.now()
	cp := *m
	s.mappings[m.ID] = &cp
	return nil
}

func (s *MemoryStore) mappingConflict(m *InstrumentTestMapping) bool {
	if !m.IsActive {
		return false
	}
	for _, other := range s.mappings {
		if other.ID != m.ID && other.IsActive && other.InstrumentID == m.InstrumentID && other.InstrumentTestCode == m.InstrumentTestCode {
			return true
		}
	}
	return false
}

func (s *MemoryStore) DeleteMapping(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mappings[id]; !ok {
		return ErrNotFound
	}
	delete(s.mappings, id)
	return nil
}

// =========== Messages ===========

func (s *MemoryStore) CreateMessage(ctx context.Context, m *InstrumentMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	cp := *m
	s.messages[m.ID] = &cp
	s.messageSeq = append(s.messageSeq, m.ID)
	return nil
}

func (s *MemoryStore) UpdateMessage(ctx context.Context, id uuid.UUID, u MessageUpdate, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	if m.Status.Terminal() {
		if u.Error != "" {
			m.ErrorMessage = appendError(m.ErrorMessage, u.Error)
		}
		return nil
	}
	if u.Status != "" {
		m.Status = u.Status
	}
	if u.MessageType != "" {
		m.MessageType = u.MessageType
	}
	if u.ControlID != "" {
		m.ControlID = u.ControlID
	}
	if u.Summary != nil {
		m.Summary = u.Summary.Sanitize()
	}
	if u.Error != "" {
		m.ErrorMessage = appendError(m.ErrorMessage, u.Error)
	}
	if m.Status.Terminal() {
		ts := at
		m.ProcessedAt = &ts
	}
	return nil
}

func appendError(cur *string, text string) *string {
	if cur == nil || *cur == "" {
		return &text
	}
	joined := *cur + "; " + text
	return &joined
}

func (s *MemoryStore) GetMessage(ctx context.Context, id uuid.UUID) (*InstrumentMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, f MessageFilter) ([]*InstrumentMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*InstrumentMessage
	for i := len(s.messageSeq) - 1; i >= 0; i-- {
		m := s.messages[s.messageSeq[i]]
		if f.InstrumentID != nil && m.InstrumentID != *f.InstrumentID {
			continue
		}
		if f.Direction != "" && m.Direction != f.Direction {
			continue
		}
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		cp := *m
		out = append(out, &cp)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// =========== Samples & order tests ===========

func (s *MemoryStore) FindSample(ctx context.Context, labID uuid.UUID, identifier string) (*Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, ErrNotFound
	}

	usable := func(smp *Sample) bool {
		if smp.LabID != labID {
			return false
		}
		o, ok := s.orders[smp.OrderID]
		return !ok || o.Status != OrderCancelled
	}

	if id, err := uuid.Parse(identifier); err == nil {
		if smp, ok := s.samples[id]; ok && usable(smp) {
			return s.withOrderNumber(smp), nil
		}
	}
	for _, id := range s.sampleSeq {
		smp := s.samples[id]
		if smp.Barcode == identifier && usable(smp) {
			return s.withOrderNumber(smp), nil
		}
	}
	for _, id := range s.sampleSeq {
		smp := s.samples[id]
		o, ok := s.orders[smp.OrderID]
		if ok && o.OrderNumber == identifier && usable(smp) {
			return s.withOrderNumber(smp), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) withOrderNumber(smp *Sample) *Sample {
	cp := *smp
	if o, ok := s.orders[smp.OrderID]; ok {
		cp.OrderNumber = o.OrderNumber
	}
	return &cp
}

func (s *MemoryStore) GetOrderTest(ctx context.Context, id uuid.UUID) (*OrderTest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ot, ok := s.orderTests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOrderTest(ot), nil
}

func (s *MemoryStore) FindOrderTestForSample(ctx context.Context, sampleID, testID uuid.UUID) (*OrderTest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.earliest(func(ot *OrderTest) bool {
		return ot.SampleID != nil && *ot.SampleID == sampleID && ot.TestID == testID
	})
}

func (s *MemoryStore) FindOrderTestForOrder(ctx context.Context, orderID, testID uuid.UUID) (*OrderTest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.earliest(func(ot *OrderTest) bool {
		return ot.OrderID == orderID && ot.TestID == testID
	})
}

func (s *MemoryStore) earliest(match func(*OrderTest) bool) (*OrderTest, error) {
	var best *OrderTest
	for _, ot := range s.orderTests {
		if !match(ot) {
			continue
		}
		if best == nil || ot.CreatedAt.Before(best.CreatedAt) {
			best = ot
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return cloneOrderTest(best), nil
}

func (s *MemoryStore) ListChildOrderTests(ctx context.Context, parentID uuid.UUID) ([]*OrderTest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.children(parentID), nil
}

func (s *MemoryStore) children(parentID uuid.UUID) []*OrderTest {
	var out []*OrderTest
	for _, ot := range s.orderTests {
		if ot.ParentOrderTestID != nil && *ot.ParentOrderTestID == parentID {
			out = append(out, cloneOrderTest(ot))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *MemoryStore) ListPanelParentsForSamples(ctx context.Context, sampleIDs []uuid.UUID) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[uuid.UUID]bool, len(sampleIDs))
	for _, id := range sampleIDs {
		want[id] = true
	}
	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	for _, ot := range s.orderTests {
		if ot.SampleID == nil || ot.ParentOrderTestID == nil || !want[*ot.SampleID] {
			continue
		}
		if !seen[*ot.ParentOrderTestID] {
			seen[*ot.ParentOrderTestID] = true
			out = append(out, *ot.ParentOrderTestID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

// =========== Unmatched ===========

func (s *MemoryStore) CreateUnmatched(ctx context.Context, u *UnmatchedInstrumentResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now()
	}
	if u.Status == "" {
		u.Status = UnmatchedPending
	}
	cp := *u
	s.unmatched[u.ID] = &cp
	s.unmatchSeq = append(s.unmatchSeq, u.ID)
	return nil
}

func (s *MemoryStore) GetUnmatched(ctx context.Context, id uuid.UUID) (*UnmatchedInstrumentResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.unmatched[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) ListUnmatched(ctx context.Context, f UnmatchedFilter) ([]*UnmatchedInstrumentResult, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []*UnmatchedInstrumentResult
	for i := len(s.unmatchSeq) - 1; i >= 0; i-- {
		u := s.unmatched[s.unmatchSeq[i]]
		if f.Status != "" && u.Status != f.Status {
			continue
		}
		if f.InstrumentID != nil && u.InstrumentID != *f.InstrumentID {
			continue
		}
		if f.Reason != "" && u.Reason != f.Reason {
			continue
		}
		cp := *u
		matched = append(matched, &cp)
	}
	total := len(matched)
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil, total, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, total, nil
}

func (s *MemoryStore) UnmatchedStats(ctx context.Context) (*UnmatchedStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := &UnmatchedStats{
		ByStatus: make(map[UnmatchedStatus]int),
		ByReason: make(map[UnmatchedReason]int),
	}
	for _, u := range s.unmatched {
		st.Total++
		st.ByStatus[u.Status]++
		st.ByReason[u.Reason]++
	}
	return st, nil
}

// =========== Audit outbox ===========

func (s *MemoryStore) PendingAuditEvents(ctx context.Context, limit int) ([]*AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*AuditEvent
	for _, e := range s.audit {
		if e.PublishedAt != nil {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkAuditEventsPublished(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for _, e := range s.audit {
		if want[e.ID] && e.PublishedAt == nil {
			ts := at
			e.PublishedAt = &ts
		}
	}
	return nil
}

// =========== Transactions ===========

// InTx holds the store lock for the whole transaction and applies the
// staged writes only when fn succeeds.
func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		store:      s,
		orderTests: make(map[uuid.UUID]*OrderTest),
		unmatched:  make(map[uuid.UUID]*UnmatchedInstrumentResult),
	}
	if err := fn(tx); err != nil {
		return err
	}

	for id, ot := range tx.orderTests {
		s.orderTests[id] = ot
	}
	s.orderTestWrites += tx.writes
	for id, u := range tx.unmatched {
		s.unmatched[id] = u
	}
	s.history = append(s.history, tx.history...)
	s.audit = append(s.audit, tx.audit...)
	return nil
}

type memTx struct {
	store      *MemoryStore
	orderTests map[uuid.UUID]*OrderTest
	unmatched  map[uuid.UUID]*UnmatchedInstrumentResult
	history    []*OrderTestResultHistory
	audit      []*AuditEvent
	writes     int
}

func (t *memTx) orderTest(id uuid.UUID) (*OrderTest, bool) {
	if ot, ok := t.orderTests[id]; ok {
		return ot, true
	}
	ot, ok := t.store.orderTests[id]
	return ot, ok
}

func (t *memTx) GetOrderTest(ctx context.Context, id uuid.UUID) (*OrderTest, error) {
	ot, ok := t.orderTest(id)
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOrderTest(ot), nil
}

func (t *memTx) ListChildOrderTests(ctx context.Context, parentID uuid.UUID) ([]*OrderTest, error) {
	out := t.store.children(parentID)
	for i, ot := range out {
		if staged, ok := t.orderTests[ot.ID]; ok {
			out[i] = cloneOrderTest(staged)
		}
	}
	return out, nil
}

func (t *memTx) AppendResultHistory(ctx context.Context, h *OrderTestResultHistory) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	cp := *h
	t.history = append(t.history, &cp)
	return nil
}

func (t *memTx) ApplyResult(ctx context.Context, u ResultUpdate) error {
	cur, ok := t.orderTest(u.OrderTestID)
	if !ok {
		return ErrNotFound
	}
	if !CanTransition(cur.Status, u.Status) {
		return &TransitionError{OrderTestID: cur.ID, From: cur.Status, To: u.Status}
	}
	next := cloneOrderTest(cur)
	next.ResultValue = u.ResultValue
	next.ResultText = u.ResultText
	next.ResultUnit = optional(u.Unit)
	next.ReferenceRange = optional(u.ReferenceRange)
	next.Flag = u.Flag
	if u.AppendComment != "" {
		next.Comments = appendComment(next.Comments, u.AppendComment)
	}
	ts := u.ResultedAt
	next.ResultedAt = &ts
	if u.InstrumentID != nil {
		id := *u.InstrumentID
		next.InstrumentID = &id
	}
	next.Status = u.Status
	next.UpdatedAt = t.store.now()
	t.orderTests[next.ID] = next
	t.writes++
	return nil
}

func (t *memTx) SetPanelStatus(ctx context.Context, id uuid.UUID, status OrderTestStatus, at time.Time) error {
	cur, ok := t.orderTest(id)
	if !ok {
		return ErrNotFound
	}
	if !CanRollup(cur.Status, status) {
		return &TransitionError{OrderTestID: id, From: cur.Status, To: status}
	}
	next := cloneOrderTest(cur)
	next.Status = status
	next.UpdatedAt = at
	t.orderTests[id] = next
	t.writes++
	return nil
}

func (t *memTx) GetUnmatched(ctx context.Context, id uuid.UUID) (*UnmatchedInstrumentResult, error) {
	if u, ok := t.unmatched[id]; ok {
		cp := *u
		return &cp, nil
	}
	u, ok := t.store.unmatched[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (t *memTx) ResolveUnmatched(ctx context.Context, u *UnmatchedInstrumentResult) error {
	if _, ok := t.store.unmatched[u.ID]; !ok {
		return ErrNotFound
	}
	cp := *u
	t.unmatched[u.ID] = &cp
	return nil
}

func (t *memTx) AppendAuditEvent(ctx context.Context, e *AuditEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = t.store.now()
	}
	cp := *e
	cp.Before, cp.After, cp.Metadata = e.Before.Sanitize(), e.After.Sanitize(), e.Metadata.Sanitize()
	t.audit = append(t.audit, &cp)
	return nil
}

// =========== helpers ===========

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func appendComment(cur *string, line string) *string {
	if cur == nil || *cur == "" {
		return &line
	}
	joined := *cur + "\n" + line
	return &joined
}

func cloneInstrument(i *Instrument) *Instrument {
	cp := *i
	cp.StartMarker = append([]byte(nil), i.StartMarker...)
	cp.EndMarker = append([]byte(nil), i.EndMarker...)
	return &cp
}

func cloneOrderTest(o *OrderTest) *OrderTest {
	cp := *o
	return &cp
}
