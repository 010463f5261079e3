package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/minasoft/lis-gateway/internal/astm"
	"github.com/minasoft/lis-gateway/internal/db"
	"github.com/minasoft/lis-gateway/internal/hl7"
	"github.com/minasoft/lis-gateway/internal/ingest"
)

const readBufferSize = 4096

// session is one byte stream to an instrument. A reader goroutine frames
// the stream and a single worker processes messages in arrival order.
type session struct {
	m      *Manager
	l      *link
	rw     io.ReadWriteCloser
	remote string
	framer *Framer
	queue  chan []byte
	logger *zap.Logger

	writeMu sync.Mutex
	closed  atomic.Bool

	// ASTM frame being received, from STX on; owned by the reader
	frame    []byte
	frameEnd int

	// outbound control ids awaiting an instrument ACK
	pendingMu sync.Mutex
	pending   map[string]uuid.UUID
}

func (m *Manager) serve(ctx context.Context, l *link, rw io.ReadWriteCloser, remote string) {
	start, end := l.inst.Markers()
	s := &session{
		m:       m,
		l:       l,
		rw:      rw,
		remote:  remote,
		framer:  NewFramer(start, end),
		queue:   make(chan []byte, 64),
		pending: make(map[string]uuid.UUID),
		logger: m.logger.With(
			zap.String("instrument_id", l.inst.ID.String()),
			zap.String("instrument_code", l.inst.Code),
			zap.String("remote", remote)),
	}
	l.add(s)
	m.setStatus(l.inst.ID, db.InstrumentOnline, nil)
	s.logger.Info("instrument connection open")

	l.wg.Add(2)
	go func() {
		defer l.wg.Done()
		s.work(ctx)
	}()
	go func() {
		defer l.wg.Done()
		err := s.read(ctx)
		close(s.queue)
		s.finish(ctx, err)
	}()
}

func (s *session) read(ctx context.Context) error {
	isASTM := s.l.inst.Protocol == db.ProtocolASTM
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.rw.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if isASTM {
				s.linkAck(chunk)
			}
			for _, msg := range s.framer.Push(chunk) {
				select {
				case s.queue <- msg:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		if err != nil {
			return err
		}
	}
}

// linkAck answers the ASTM establishment phase and every completed frame.
// A frame is answered once its CR LF trailer arrives: ACK when its checksum
// holds, NAK so the instrument retransmits it otherwise.
func (s *session) linkAck(chunk []byte) {
	for _, b := range chunk {
		switch {
		case b == astm.ENQ:
			s.linkReply(astm.ACK)
		case b == astm.STX:
			s.frame, s.frameEnd = append(s.frame[:0], b), 0
		case s.frame == nil:
		default:
			s.frame = append(s.frame, b)
			if s.frameEnd == 0 && (b == astm.ETX || b == astm.ETB) {
				s.frameEnd = len(s.frame)
			}
			if s.frameEnd > 0 && b == astm.LF {
				reply := byte(astm.ACK)
				if !astm.ValidFrame(s.frame) {
					reply = astm.NAK
					s.logger.Warn("ASTM frame checksum mismatch", zap.ByteString("frame", s.frame))
				}
				s.frame = nil
				s.linkReply(reply)
			}
		}
	}
}

func (s *session) linkReply(b byte) {
	if err := s.write([]byte{b}); err != nil {
		s.logger.Warn("link reply failed", zap.Error(err))
	}
}

func (s *session) work(ctx context.Context) {
	for raw := range s.queue {
		s.handle(ctx, raw)
	}
}

func (s *session) handle(ctx context.Context, raw []byte) {
	inst := s.l.inst
	if inst.Protocol != db.ProtocolASTM && s.acknowledged(ctx, raw) {
		return
	}

	out, err := s.m.ingester.IngestMessage(ctx, inst.ID, raw)
	if err != nil {
		s.logger.Error("ingest failed", zap.Error(err))
		out = ingest.Outcome{AckCode: hl7.AckError, AckMessage: err.Error()}
	}
	if !inst.BidirectionalEnabled || s.closed.Load() {
		return
	}

	if inst.Protocol == db.ProtocolASTM || (inst.Protocol != db.ProtocolHL7 && astm.IsLikelyAstm(raw)) {
		reply, kind := []byte{astm.ACK}, "ASTM^ACK"
		if out.AckCode != hl7.AckAccept {
			reply, kind = []byte{astm.NAK}, "ASTM^NAK"
		}
		if err := s.send(ctx, reply, kind, out.ControlID, false); err != nil {
			s.logger.Warn("reply failed", zap.Error(err))
		}
		return
	}

	ack := hl7.CreateACK(raw, out.AckCode, out.AckMessage, s.m.now())
	controlID := ""
	if msg, err := hl7.Parse(ack); err == nil {
		controlID = msg.ControlID
	}
	if err := s.send(ctx, ack, "ACK", controlID, false); err != nil {
		s.logger.Warn("ACK failed", zap.String("control_id", out.ControlID), zap.Error(err))
	}
}

// acknowledged consumes an HL7 ACK answering one of our outbound messages.
func (s *session) acknowledged(ctx context.Context, raw []byte) bool {
	msg, err := hl7.Parse(raw)
	if err != nil || msg.Code != "ACK" {
		return false
	}
	code, ctrl, err := hl7.AckCodeOf(raw)
	if err != nil {
		return false
	}

	in := &db.InstrumentMessage{
		InstrumentID: s.l.inst.ID,
		Direction:    db.DirectionIn,
		MessageType:  msg.Type,
		ControlID:    msg.ControlID,
		RawMessage:   string(raw),
		Status:       db.MessageReceived,
		CreatedAt:    s.m.now(),
	}
	if err := s.m.store.CreateMessage(ctx, in); err != nil {
		s.logger.Error("failed to record ACK", zap.Error(err))
	} else {
		s.update(ctx, in.ID, db.MessageUpdate{Status: db.MessageProcessed, Summary: db.Fields{"ack_code": string(code), "acknowledges": ctrl}})
	}

	s.pendingMu.Lock()
	id, ok := s.pending[ctrl]
	delete(s.pending, ctrl)
	s.pendingMu.Unlock()
	if !ok {
		s.logger.Warn("ACK for unknown message", zap.String("control_id", ctrl))
		return true
	}

	u := db.MessageUpdate{Status: db.MessageAcknowledged}
	if code != hl7.AckAccept && code != "CA" {
		u.Status = db.MessageError
		u.Error = fmt.Sprintf("instrument answered %s", code)
	}
	s.update(ctx, id, u)
	return true
}

// send frames and writes an outbound message and records it as OUT.
func (s *session) send(ctx context.Context, payload []byte, messageType, controlID string, awaitAck bool) error {
	wire := payload
	if s.l.inst.Protocol != db.ProtocolASTM && messageType != "ASTM^ACK" && messageType != "ASTM^NAK" {
		start, end := s.l.inst.Markers()
		wire = hl7.Frame(payload, start, end)
	}

	out := &db.InstrumentMessage{
		ID:           uuid.New(),
		InstrumentID: s.l.inst.ID,
		Direction:    db.DirectionOut,
		MessageType:  messageType,
		ControlID:    controlID,
		RawMessage:   string(payload),
		Status:       db.MessageSent,
		CreatedAt:    s.m.now(),
	}
	if err := s.m.store.CreateMessage(ctx, out); err != nil {
		s.logger.Error("failed to record outbound message", zap.String("message_type", messageType), zap.Error(err))
	}
	if awaitAck && controlID != "" {
		s.pendingMu.Lock()
		s.pending[controlID] = out.ID
		s.pendingMu.Unlock()
	}

	if err := s.write(wire); err != nil {
		if awaitAck {
			s.pendingMu.Lock()
			delete(s.pending, controlID)
			s.pendingMu.Unlock()
		}
		s.update(ctx, out.ID, db.MessageUpdate{Status: db.MessageError, Error: err.Error()})
		return err
	}
	return nil
}

func (s *session) write(b []byte) error {
	if s.closed.Load() {
		return ErrNotConnected
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.rw.Write(b)
	return err
}

func (s *session) update(ctx context.Context, id uuid.UUID, u db.MessageUpdate) {
	if err := s.m.store.UpdateMessage(ctx, id, u, s.m.now()); err != nil {
		s.logger.Warn("failed to update message", zap.String("message_id", id.String()), zap.Error(err))
	}
}

func (s *session) close() {
	if s.closed.CompareAndSwap(false, true) {
		s.rw.Close()
	}
}

// finish runs once the reader stopped. It records the connection state
// unless the link itself is being torn down.
func (s *session) finish(ctx context.Context, err error) {
	s.close()
	s.l.remove(s)

	if n := s.framer.Pending(); n > 0 {
		s.logger.Warn("connection closed with unterminated data", zap.Int("bytes", n))
	}
	if ctx.Err() != nil {
		return
	}

	switch {
	case err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed):
		s.logger.Info("instrument connection closed")
		if !s.l.connected() {
			s.m.setStatus(s.l.inst.ID, db.InstrumentOffline, nil)
		}
	default:
		s.logger.Warn("instrument connection failed", zap.Error(err))
		msg := err.Error()
		s.m.setStatus(s.l.inst.ID, db.InstrumentError, &msg)
	}
}
