package transport

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/minasoft/lis-gateway/internal/astm"
	"github.com/minasoft/lis-gateway/internal/db"
	"github.com/minasoft/lis-gateway/internal/hl7"
	"github.com/minasoft/lis-gateway/internal/ingest"
)

type fakeIngester struct {
	mu       sync.Mutex
	messages []string
	ack      hl7.AckCode
}

func (f *fakeIngester) IngestMessage(ctx context.Context, instrumentID uuid.UUID, raw []byte) (ingest.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, string(raw))
	code := f.ack
	if code == "" {
		code = hl7.AckAccept
	}
	return ingest.Outcome{AckCode: code, ControlID: strconv.Itoa(len(f.messages))}, nil
}

func (f *fakeIngester) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

func setupManager(t *testing.T) (*db.MemoryStore, *fakeIngester, *Manager) {
	t.Helper()
	store := db.NewMemoryStore()
	ing := &fakeIngester{}
	m := NewManager(store, ing, Config{ConnectTimeout: time.Second, RetryDelay: 10 * time.Millisecond}, zap.NewNop())
	t.Cleanup(m.Shutdown)
	return store, ing, m
}

func addInstrument(t *testing.T, store *db.MemoryStore, inst *db.Instrument) *db.Instrument {
	t.Helper()
	if inst.LabID == uuid.Nil {
		inst.LabID = uuid.New()
	}
	if inst.Host == "" {
		inst.Host = "127.0.0.1"
	}
	require.NoError(t, store.CreateInstrument(context.Background(), inst))
	return inst
}

func startServer(t *testing.T, store *db.MemoryStore, m *Manager, protocol db.Protocol, bidirectional bool) (*db.Instrument, net.Conn) {
	t.Helper()
	inst := addInstrument(t, store, &db.Instrument{
		Code:                 "AN" + uuid.NewString()[:4],
		Protocol:             protocol,
		ConnectionType:       db.ConnectionTCPServer,
		SendingApplication:   "LIS",
		ReceivingApplication: "AU680",
		BidirectionalEnabled: bidirectional,
		IsActive:             true,
	})
	up, err := m.Restart(context.Background(), inst.ID)
	require.NoError(t, err)
	require.True(t, up)

	conn, err := net.Dial("tcp", m.ServerAddr(inst.ID))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	waitStatus(t, store, inst.ID, db.InstrumentOnline)
	return inst, conn
}

func waitStatus(t *testing.T, store *db.MemoryStore, id uuid.UUID, want db.InstrumentStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		inst, err := store.GetInstrument(context.Background(), id)
		return err == nil && inst.Status == want
	}, 2*time.Second, 10*time.Millisecond, "instrument never reached %s", want)
}

// readUntil reads from conn until the buffer ends with end.
func readUntil(t *testing.T, conn net.Conn, end []byte) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var buf []byte
	one := make([]byte, 1)
	for !bytes.HasSuffix(buf, end) {
		_, err := conn.Read(one)
		require.NoError(t, err)
		buf = append(buf, one[0])
	}
	return buf
}

// astmFrame builds one final ASTM frame with its checksum.
func astmFrame(fn int, text string) []byte {
	body := append([]byte{byte('0' + fn)}, text...)
	body = append(body, astm.ETX)
	out := append([]byte{astm.STX}, body...)
	out = append(out, astm.Checksum(body)...)
	return append(out, '\r', '\n')
}

func oruMessage(control string) string {
	return "MSH|^~\\&|AU680|LAB|LIS|HOSP|20240301101500||ORU^R01|" + control + "|P|2.5\r" +
		"OBR|1||S100\r" +
		"OBX|1|NM|GLU||120|mg/dL\r"
}

func TestServer_IngestsInArrivalOrderAndAcks(t *testing.T) {
	store, ing, m := setupManager(t)
	inst, conn := startServer(t, store, m, db.ProtocolHL7, true)

	wire := append(mllp(oruMessage("C1")), mllp(oruMessage("C2"))...)
	_, err := conn.Write(wire[:20])
	require.NoError(t, err)
	_, err = conn.Write(wire[20:])
	require.NoError(t, err)

	for _, want := range []string{"C1", "C2"} {
		ack := readUntil(t, conn, fscr)
		code, ctrl, err := hl7.AckCodeOf(hl7.Deframe(ack, vt, fscr))
		require.NoError(t, err)
		assert.Equal(t, hl7.AckAccept, code)
		assert.Equal(t, want, ctrl)
	}

	got := ing.received()
	require.Len(t, got, 2)
	assert.Contains(t, got[0], "|C1|")
	assert.Contains(t, got[1], "|C2|")

	out, err := store.ListMessages(context.Background(), db.MessageFilter{InstrumentID: &inst.ID, Direction: db.DirectionOut})
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Equal(t, "ACK", out[0].MessageType)
	assert.True(t, m.Status(inst.ID).Connected)
	assert.True(t, m.Status(inst.ID).HasServer)
}

func TestServer_NoAckWhenNotBidirectional(t *testing.T) {
	store, ing, m := setupManager(t)
	inst, conn := startServer(t, store, m, db.ProtocolHL7, false)

	_, err := conn.Write(mllp(oruMessage("C1")))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(ing.received()) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	n, _ := conn.Read(make([]byte, 16))
	assert.Zero(t, n)

	out, err := store.ListMessages(context.Background(), db.MessageFilter{InstrumentID: &inst.ID, Direction: db.DirectionOut})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestServer_ClientCloseGoesOffline(t *testing.T) {
	store, _, m := setupManager(t)
	inst, conn := startServer(t, store, m, db.ProtocolHL7, true)

	require.NoError(t, conn.Close())
	waitStatus(t, store, inst.ID, db.InstrumentOffline)
	assert.False(t, m.Status(inst.ID).Connected)
	// the listener stays up for the next connection
	assert.NotEmpty(t, m.ServerAddr(inst.ID))

	again, err := net.Dial("tcp", m.ServerAddr(inst.ID))
	require.NoError(t, err)
	defer again.Close()
	waitStatus(t, store, inst.ID, db.InstrumentOnline)
}

func TestServer_ASTMLinkAcks(t *testing.T) {
	store, ing, m := setupManager(t)
	_, conn := startServer(t, store, m, db.ProtocolASTM, true)

	_, err := conn.Write([]byte{0x05})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x06}, readUntil(t, conn, []byte{0x06}))

	_, err = conn.Write(astmFrame(1, "H|\\^&|||E411\rL|1|N\r"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x06}, readUntil(t, conn, []byte{0x06}))

	_, err = conn.Write([]byte{0x04})
	require.NoError(t, err)
	// message-level acknowledgement
	assert.Equal(t, []byte{0x06}, readUntil(t, conn, []byte{0x06}))

	got := ing.received()
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "1H|")
}

func TestServer_ASTMRejectionIsNAK(t *testing.T) {
	store, ing, m := setupManager(t)
	ing.ack = hl7.AckError
	_, conn := startServer(t, store, m, db.ProtocolASTM, true)

	wire := append([]byte{astm.ENQ}, astmFrame(1, "H|\\^&\r")...)
	_, err := conn.Write(append(wire, astm.EOT))
	require.NoError(t, err)
	// ENQ and ETX acks, then the NAK for the message
	assert.Equal(t, []byte{0x06, 0x06, 0x15}, readUntil(t, conn, []byte{0x15}))
}

func TestServer_ASTMBadChecksumIsNAKed(t *testing.T) {
	store, ing, m := setupManager(t)
	_, conn := startServer(t, store, m, db.ProtocolASTM, true)

	_, err := conn.Write([]byte{astm.ENQ})
	require.NoError(t, err)
	assert.Equal(t, []byte{astm.ACK}, readUntil(t, conn, []byte{astm.ACK}))

	good := astmFrame(1, "H|\\^&|||E411\rL|1|N\r")
	bad := append([]byte(nil), good...)
	bad[3] = 'X'
	_, err = conn.Write(bad)
	require.NoError(t, err)
	assert.Equal(t, []byte{astm.NAK}, readUntil(t, conn, []byte{astm.NAK}))
	assert.Empty(t, ing.received())

	_, err = conn.Write(good)
	require.NoError(t, err)
	assert.Equal(t, []byte{astm.ACK}, readUntil(t, conn, []byte{astm.ACK}))

	_, err = conn.Write([]byte{astm.EOT})
	require.NoError(t, err)
	assert.Equal(t, []byte{astm.ACK}, readUntil(t, conn, []byte{astm.ACK}))

	got := ing.received()
	require.Len(t, got, 1)
	assert.Equal(t, "H|\\^&|||E411\rL|1|N\r", string(astm.Unframe([]byte(got[0]))))
}

func TestSendOrder(t *testing.T) {
	ctx := context.Background()
	store, _, m := setupManager(t)
	inst, conn := startServer(t, store, m, db.ProtocolHL7, true)

	req := hl7.OrderRequest{
		ControlID: "ORD0001",
		SampleID:  "S100",
		Patient:   hl7.Patient{ID: "P1", LastName: "Doe"},
		Tests:     []hl7.OrderedTest{{Code: "GLU", Name: "Glucose"}},
	}
	sent, err := m.SendOrder(ctx, inst.ID, req)
	require.NoError(t, err)
	assert.True(t, sent)

	orm := hl7.Deframe(readUntil(t, conn, fscr), vt, fscr)
	msg, err := hl7.Parse(orm)
	require.NoError(t, err)
	assert.Equal(t, "ORM", msg.Code)
	assert.Equal(t, "ORD0001", msg.ControlID)
	assert.Equal(t, "LIS", msg.SendingApp)

	ack := hl7.CreateACK(orm, hl7.AckAccept, "", time.Now())
	_, err = conn.Write(hl7.Frame(ack, vt, fscr))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		out, err := store.ListMessages(ctx, db.MessageFilter{InstrumentID: &inst.ID, Direction: db.DirectionOut, Status: db.MessageAcknowledged})
		return err == nil && len(out) == 1 && out[0].ControlID == "ORD0001"
	}, 2*time.Second, 10*time.Millisecond)

	in, err := store.ListMessages(ctx, db.MessageFilter{InstrumentID: &inst.ID, Direction: db.DirectionIn})
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, db.MessageProcessed, in[0].Status)
}

func TestSendOrder_Refusals(t *testing.T) {
	ctx := context.Background()
	store, _, m := setupManager(t)
	req := hl7.OrderRequest{SampleID: "S1", Tests: []hl7.OrderedTest{{Code: "GLU"}}}

	oneWay := addInstrument(t, store, &db.Instrument{Code: "ONEWAY", Protocol: db.ProtocolHL7, ConnectionType: db.ConnectionTCPServer})
	_, err := m.SendOrder(ctx, oneWay.ID, req)
	assert.ErrorIs(t, err, ErrNotBidirectional)

	astmInst := addInstrument(t, store, &db.Instrument{Code: "ASTM", Protocol: db.ProtocolASTM, ConnectionType: db.ConnectionTCPServer, BidirectionalEnabled: true})
	_, err = m.SendOrder(ctx, astmInst.ID, req)
	assert.ErrorIs(t, err, ErrUnsupported)

	idle := addInstrument(t, store, &db.Instrument{Code: "IDLE", Protocol: db.ProtocolHL7, ConnectionType: db.ConnectionTCPServer, BidirectionalEnabled: true})
	_, err = m.SendOrder(ctx, idle.ID, req)
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = m.SendOrder(ctx, uuid.New(), req)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestRestart_ClientDialFailure(t *testing.T) {
	store, _, m := setupManager(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	inst := addInstrument(t, store, &db.Instrument{
		Code:           "CLIENT",
		Protocol:       db.ProtocolHL7,
		ConnectionType: db.ConnectionTCPClient,
		Port:           port,
		IsActive:       true,
	})
	up, err := m.Restart(context.Background(), inst.ID)
	require.Error(t, err)
	assert.False(t, up)

	got, err := store.GetInstrument(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, db.InstrumentError, got.Status)
	require.NotNil(t, got.LastError)
}

func TestRestart_ClientConnects(t *testing.T) {
	store, ing, m := setupManager(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	inst := addInstrument(t, store, &db.Instrument{
		Code:           "CLIENT",
		Protocol:       db.ProtocolHL7,
		ConnectionType: db.ConnectionTCPClient,
		Port:           l.Addr().(*net.TCPAddr).Port,
		IsActive:       true,
	})
	up, err := m.Restart(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.True(t, up)

	conn, err := l.Accept()
	require.NoError(t, err)
	defer conn.Close()
	waitStatus(t, store, inst.ID, db.InstrumentOnline)

	_, err = conn.Write(mllp(oruMessage("C9")))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(ing.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, m.Status(inst.ID).HasServer)
}

func TestRestart_InactiveAndUnsupported(t *testing.T) {
	ctx := context.Background()
	store, _, m := setupManager(t)

	inactive := addInstrument(t, store, &db.Instrument{Code: "OFF", Protocol: db.ProtocolHL7, ConnectionType: db.ConnectionTCPServer})
	up, err := m.Restart(ctx, inactive.ID)
	require.NoError(t, err)
	assert.False(t, up)
	waitStatus(t, store, inactive.ID, db.InstrumentOffline)

	watcher := addInstrument(t, store, &db.Instrument{Code: "FILES", Protocol: db.ProtocolHL7, ConnectionType: db.ConnectionFileWatch, IsActive: true})
	_, err = m.Restart(ctx, watcher.ID)
	require.ErrorIs(t, err, ErrUnsupported)
	waitStatus(t, store, watcher.ID, db.InstrumentError)
}

func TestDisconnect(t *testing.T) {
	store, _, m := setupManager(t)
	inst, conn := startServer(t, store, m, db.ProtocolHL7, true)

	m.Disconnect(inst.ID)
	waitStatus(t, store, inst.ID, db.InstrumentOffline)
	assert.Equal(t, ConnectionStatus{}, m.Status(inst.ID))
	assert.Empty(t, m.ServerAddr(inst.ID))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err := conn.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestStart_OpensActiveInstruments(t *testing.T) {
	store, _, m := setupManager(t)
	active := addInstrument(t, store, &db.Instrument{Code: "A", Protocol: db.ProtocolHL7, ConnectionType: db.ConnectionTCPServer, IsActive: true})
	addInstrument(t, store, &db.Instrument{Code: "B", Protocol: db.ProtocolHL7, ConnectionType: db.ConnectionTCPServer})

	require.NoError(t, m.Start(context.Background()))
	waitStatus(t, store, active.ID, db.InstrumentConnecting)
	require.Eventually(t, func() bool { return m.ServerAddr(active.ID) != "" }, 2*time.Second, 10*time.Millisecond)
}
