package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/minasoft/lis-gateway/internal/db"
)

// open establishes the instrument's transport according to its connection
// type. Goroutines of the returned link live until link.close.
func (m *Manager) open(ctx context.Context, inst *db.Instrument) (*link, error) {
	linkCtx, cancel := context.WithCancel(m.base)
	l := &link{inst: inst, cancel: cancel}

	var err error
	switch inst.ConnectionType {
	case db.ConnectionTCPServer:
		err = m.listen(linkCtx, l)
	case db.ConnectionTCPClient:
		err = m.dial(ctx, linkCtx, l)
	case db.ConnectionSerial:
		err = m.openSerial(linkCtx, l)
	default:
		err = fmt.Errorf("%w: %s", ErrUnsupported, inst.ConnectionType)
	}
	if err != nil {
		cancel()
		return nil, err
	}
	return l, nil
}

func (m *Manager) listen(ctx context.Context, l *link) error {
	addr := net.JoinHostPort(l.inst.Host, strconv.Itoa(l.inst.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	l.listener = listener
	m.setStatus(l.inst.ID, db.InstrumentConnecting, nil)

	m.logger.Info("instrument listener started",
		zap.String("instrument_code", l.inst.Code),
		zap.String("address", listener.Addr().String()))

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		m.acceptConnections(ctx, l)
	}()
	return nil
}

func (m *Manager) acceptConnections(ctx context.Context, l *link) {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			m.logger.Error("accept failed", zap.String("instrument_code", l.inst.Code), zap.Error(err))
			msg := err.Error()
			m.setStatus(l.inst.ID, db.InstrumentError, &msg)
			return
		}
		m.serve(ctx, l, conn, conn.RemoteAddr().String())
	}
}

// dial connects a TCP_CLIENT instrument with one retry after RetryDelay.
func (m *Manager) dial(ctx, linkCtx context.Context, l *link) error {
	addr := net.JoinHostPort(l.inst.Host, strconv.Itoa(l.inst.Port))
	m.setStatus(l.inst.ID, db.InstrumentConnecting, nil)

	dialer := net.Dialer{Timeout: m.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		m.logger.Warn("connect failed, retrying",
			zap.String("instrument_code", l.inst.Code),
			zap.String("address", addr),
			zap.Duration("retry_in", m.cfg.RetryDelay),
			zap.Error(err))
		select {
		case <-time.After(m.cfg.RetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}

	m.logger.Info("connected to instrument",
		zap.String("instrument_code", l.inst.Code),
		zap.String("address", addr))
	m.serve(linkCtx, l, conn, addr)
	return nil
}

func (m *Manager) openSerial(ctx context.Context, l *link) error {
	mode := &serial.Mode{
		BaudRate: l.inst.BaudRate,
		DataBits: l.inst.DataBits,
		Parity:   serialParity(l.inst.Parity),
		StopBits: serial.OneStopBit,
	}
	if mode.BaudRate == 0 {
		mode.BaudRate = 9600
	}
	if mode.DataBits == 0 {
		mode.DataBits = 8
	}
	if l.inst.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}

	port, err := serial.Open(l.inst.SerialPort, mode)
	if err != nil {
		return fmt.Errorf("open serial port %s: %w", l.inst.SerialPort, err)
	}
	m.logger.Info("serial port opened",
		zap.String("instrument_code", l.inst.Code),
		zap.String("port", l.inst.SerialPort),
		zap.Int("baud_rate", mode.BaudRate))
	m.serve(ctx, l, port, l.inst.SerialPort)
	return nil
}

func serialParity(p string) serial.Parity {
	switch strings.ToUpper(strings.TrimSpace(p)) {
	case "E", "EVEN":
		return serial.EvenParity
	case "O", "ODD":
		return serial.OddParity
	case "M", "MARK":
		return serial.MarkParity
	case "S", "SPACE":
		return serial.SpaceParity
	default:
		return serial.NoParity
	}
}
