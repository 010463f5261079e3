package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/minasoft/lis-gateway/internal/db"
	"github.com/minasoft/lis-gateway/internal/hl7"
	"github.com/minasoft/lis-gateway/internal/panel"
)

type fixture struct {
	store     *db.MemoryStore
	svc       *Service
	lab       uuid.UUID
	inst      *db.Instrument
	astmInst  *db.Instrument
	order     *db.Order
	sample    *db.Sample
	glucose   *db.Test
	orderTest *db.OrderTest
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := db.NewMemoryStore()
	f := &fixture{store: store, lab: uuid.New()}

	f.inst = &db.Instrument{LabID: f.lab, Code: "AU680", Name: "Chemistry", Protocol: db.ProtocolHL7,
		ConnectionType: db.ConnectionTCPServer, IsActive: true, BidirectionalEnabled: true}
	require.NoError(t, store.CreateInstrument(ctx, f.inst))
	f.astmInst = &db.Instrument{LabID: f.lab, Code: "E411", Name: "Immunology", Protocol: db.ProtocolASTM,
		ConnectionType: db.ConnectionTCPServer, IsActive: true}
	require.NoError(t, store.CreateInstrument(ctx, f.astmInst))

	f.order = &db.Order{LabID: f.lab, OrderNumber: "ORD-1", Status: "ACTIVE"}
	store.PutOrder(f.order)
	f.sample = &db.Sample{LabID: f.lab, OrderID: f.order.ID, Barcode: "S100"}
	store.PutSample(f.sample)
	f.glucose = &db.Test{Code: "GLU", Name: "Glucose"}
	store.PutTest(f.glucose)
	f.orderTest = &db.OrderTest{OrderID: f.order.ID, SampleID: &f.sample.ID, TestID: f.glucose.ID}
	store.PutOrderTest(f.orderTest)

	for _, inst := range []*db.Instrument{f.inst, f.astmInst} {
		require.NoError(t, store.CreateMapping(ctx, &db.InstrumentTestMapping{
			InstrumentID: inst.ID, InstrumentTestCode: "glu", TestID: f.glucose.ID, IsActive: true,
		}))
	}

	logger := zap.NewNop()
	f.svc = NewService(store, panel.NewEngine(store, logger), Config{StrictMode: true}, logger)
	return f
}

func oru(sample, code, value string) []byte {
	return []byte(strings.Join([]string{
		"MSH|^~\\&|AU680|LAB|LIS|HOSP|20240301101500||ORU^R01|MSG0001|P|2.5",
		"PID|1||P001||DOE^JANE",
		"OBR|1||" + sample + "|GLU^Glucose",
		"OBX|1|NM|" + code + "^Glucose||" + value + "|mg/dL|70-110|N|||F",
		"NTE|1||fasting sample",
	}, "\r") + "\r")
}

func TestIngest_HL7HappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	out, err := f.svc.IngestMessage(ctx, f.inst.ID, oru("S100", "GLU", "95"))
	require.NoError(t, err)
	assert.Equal(t, hl7.AckAccept, out.AckCode)
	assert.Equal(t, 1, out.Processed)
	assert.Zero(t, out.Unmatched)
	assert.Equal(t, "MSG0001", out.ControlID)

	ot, err := f.store.GetOrderTest(ctx, f.orderTest.ID)
	require.NoError(t, err)
	assert.Equal(t, db.OrderTestCompleted, ot.Status)
	require.NotNil(t, ot.ResultValue)
	assert.Equal(t, 95.0, *ot.ResultValue)
	assert.Nil(t, ot.ResultText)
	assert.Equal(t, "mg/dL", *ot.ResultUnit)
	assert.Equal(t, db.FlagNormal, ot.Flag)
	assert.Equal(t, "[AU680] fasting sample", *ot.Comments)
	require.NotNil(t, ot.InstrumentID)
	assert.Equal(t, f.inst.ID, *ot.InstrumentID)

	history := f.store.History(f.orderTest.ID)
	require.Len(t, history, 1)
	assert.Equal(t, 1, history[0].Sequence)
	assert.Equal(t, out.MessageID, *history[0].MessageID)

	events := f.store.AuditEvents()
	require.Len(t, events, 1)
	assert.Equal(t, db.AuditResultEnter, events[0].Action)
	assert.Equal(t, 95.0, events[0].After["result_value"])

	msg, err := f.store.GetMessage(ctx, out.MessageID)
	require.NoError(t, err)
	assert.Equal(t, db.MessageProcessed, msg.Status)
	assert.Equal(t, "ORU^R01", msg.MessageType)
	assert.Equal(t, db.DirectionIn, msg.Direction)
	assert.NotNil(t, msg.ProcessedAt)
}

func TestIngest_ReResultAppendsHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.IngestMessage(ctx, f.inst.ID, oru("S100", "GLU", "95"))
	require.NoError(t, err)
	out, err := f.svc.IngestMessage(ctx, f.inst.ID, oru("S100", "GLU", "101"))
	require.NoError(t, err)
	assert.Equal(t, hl7.AckAccept, out.AckCode)

	ot, err := f.store.GetOrderTest(ctx, f.orderTest.ID)
	require.NoError(t, err)
	assert.Equal(t, 101.0, *ot.ResultValue)
	assert.Equal(t, "[AU680] fasting sample\n[AU680] fasting sample", *ot.Comments)
	assert.Len(t, f.store.History(f.orderTest.ID), 2)

	events := f.store.AuditEvents()
	require.Len(t, events, 2)
	assert.Equal(t, db.AuditResultUpdate, events[1].Action)
	assert.Equal(t, 95.0, events[1].Before["result_value"])
}

func TestIngest_UnmatchedSample(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	out, err := f.svc.IngestMessage(ctx, f.inst.ID, oru("S999", "GLU", "95"))
	require.NoError(t, err)
	assert.Equal(t, hl7.AckError, out.AckCode)
	assert.Equal(t, "Sample not found: S999", out.AckMessage)
	assert.Zero(t, out.Processed)
	assert.Equal(t, 1, out.Unmatched)

	rows, total, err := f.store.ListUnmatched(ctx, db.UnmatchedFilter{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, db.ReasonUnmatchedSample, rows[0].Reason)
	assert.Equal(t, "S999", rows[0].SampleIdentifier)
	assert.Equal(t, "95", rows[0].ResultValue)
	assert.Equal(t, db.UnmatchedPending, rows[0].Status)
	assert.Equal(t, out.MessageID, *rows[0].MessageID)

	ot, err := f.store.GetOrderTest(ctx, f.orderTest.ID)
	require.NoError(t, err)
	assert.Equal(t, db.OrderTestPending, ot.Status)
}

const astmNoMapping = "H|\\^&|||E411^1|||||||P|1|20240301101500\r" +
	"P|1||P001\r" +
	"O|1|S100||^^^GLU\r" +
	"R|1|^^^XYZ|12.5|mmol/L|1-5|H||F\r" +
	"R|2|^^^GLU|5.4|mmol/L|3.9-6.1|N||F\r" +
	"L|1|N\r"

func TestIngest_ASTMNoMapping(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	out, err := f.svc.IngestMessage(ctx, f.astmInst.ID, []byte(astmNoMapping))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Processed)
	assert.Equal(t, 1, out.Unmatched)
	assert.Equal(t, hl7.AckAccept, out.AckCode)

	rows, _, err := f.store.ListUnmatched(ctx, db.UnmatchedFilter{Reason: db.ReasonNoMapping})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "XYZ", rows[0].InstrumentTestCode)
	assert.Equal(t, db.FlagHigh, rows[0].Flag)

	ot, err := f.store.GetOrderTest(ctx, f.orderTest.ID)
	require.NoError(t, err)
	assert.Equal(t, 5.4, *ot.ResultValue)
	assert.Equal(t, 2, f.store.History(f.orderTest.ID)[0].Sequence)
}

func TestIngest_StrictModeRefusesVerified(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	verified := &db.OrderTest{ID: f.orderTest.ID, OrderID: f.order.ID, SampleID: &f.sample.ID,
		TestID: f.glucose.ID, Status: db.OrderTestVerified, CreatedAt: f.orderTest.CreatedAt}
	f.store.PutOrderTest(verified)
	writes := f.store.OrderTestWrites()

	out, err := f.svc.IngestMessage(ctx, f.inst.ID, oru("S100", "GLU", "95"))
	require.NoError(t, err)
	assert.Equal(t, hl7.AckError, out.AckCode)

	rows, _, err := f.store.ListUnmatched(ctx, db.UnmatchedFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, db.ReasonDuplicateResult, rows[0].Reason)
	assert.Empty(t, f.store.History(f.orderTest.ID))
	assert.Equal(t, writes, f.store.OrderTestWrites())

	ot, err := f.store.GetOrderTest(ctx, f.orderTest.ID)
	require.NoError(t, err)
	assert.Equal(t, db.OrderTestVerified, ot.Status)
	assert.Nil(t, ot.ResultValue)
}

func TestIngest_RejectedSample(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.sample.Status = db.SampleRejected
	f.store.PutSample(f.sample)

	out, err := f.svc.IngestMessage(ctx, f.inst.ID, oru("S100", "GLU", "95"))
	require.NoError(t, err)
	assert.Equal(t, hl7.AckError, out.AckCode)

	rows, _, err := f.store.ListUnmatched(ctx, db.UnmatchedFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, db.ReasonInvalidSampleStatus, rows[0].Reason)
}

func TestIngest_UnorderedTest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	potassium := &db.Test{Code: "K"}
	f.store.PutTest(potassium)
	require.NoError(t, f.store.CreateMapping(ctx, &db.InstrumentTestMapping{
		InstrumentID: f.inst.ID, InstrumentTestCode: "K", TestID: potassium.ID, IsActive: true,
	}))

	out, err := f.svc.IngestMessage(ctx, f.inst.ID, oru("S100", "K", "4.1"))
	require.NoError(t, err)
	assert.Equal(t, hl7.AckError, out.AckCode)

	rows, _, err := f.store.ListUnmatched(ctx, db.UnmatchedFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, db.ReasonUnorderedTest, rows[0].Reason)
}

func TestIngest_OrderNumberFallback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// the analyzer echoes the order number instead of the barcode
	out, err := f.svc.IngestMessage(ctx, f.inst.ID, oru("ORD-1", "GLU", "<5.0"))
	require.NoError(t, err)
	assert.Equal(t, hl7.AckAccept, out.AckCode)

	ot, err := f.store.GetOrderTest(ctx, f.orderTest.ID)
	require.NoError(t, err)
	assert.Equal(t, 5.0, *ot.ResultValue)
}

func TestIngest_MultiplierAndTextValues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	mapping, err := f.store.FindActiveMapping(ctx, f.inst.ID, "GLU")
	require.NoError(t, err)
	mult := 2.0
	mapping.Multiplier = &mult
	require.NoError(t, f.store.UpdateMapping(ctx, mapping))

	_, err = f.svc.IngestMessage(ctx, f.inst.ID, oru("S100", "GLU", "<5.0"))
	require.NoError(t, err)
	ot, err := f.store.GetOrderTest(ctx, f.orderTest.ID)
	require.NoError(t, err)
	assert.Equal(t, 10.0, *ot.ResultValue)

	_, err = f.svc.IngestMessage(ctx, f.inst.ID, oru("S100", "GLU", "Reactive"))
	require.NoError(t, err)
	ot, err = f.store.GetOrderTest(ctx, f.orderTest.ID)
	require.NoError(t, err)
	assert.Nil(t, ot.ResultValue)
	assert.Equal(t, "Reactive", *ot.ResultText)
}

func TestIngest_PanelPropagation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lipid := &db.OrderTest{OrderID: f.order.ID, SampleID: &f.sample.ID, TestID: uuid.New()}
	f.store.PutOrderTest(lipid)
	child := &db.OrderTest{ID: f.orderTest.ID, OrderID: f.order.ID, SampleID: &f.sample.ID,
		TestID: f.glucose.ID, ParentOrderTestID: &lipid.ID, CreatedAt: f.orderTest.CreatedAt}
	f.store.PutOrderTest(child)

	out, err := f.svc.IngestMessage(ctx, f.inst.ID, oru("S100", "GLU", "95"))
	require.NoError(t, err)
	assert.Equal(t, hl7.AckAccept, out.AckCode)

	parent, err := f.store.GetOrderTest(ctx, lipid.ID)
	require.NoError(t, err)
	assert.Equal(t, db.OrderTestCompleted, parent.Status)
	assert.Nil(t, parent.ResultValue)
}

func TestIngest_ParseErrorIsRecorded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	out, err := f.svc.IngestMessage(ctx, f.inst.ID, []byte("garbage"))
	require.NoError(t, err)
	assert.Equal(t, hl7.AckError, out.AckCode)
	assert.NotEmpty(t, out.AckMessage)

	msg, err := f.store.GetMessage(ctx, out.MessageID)
	require.NoError(t, err)
	assert.Equal(t, db.MessageError, msg.Status)
	assert.Equal(t, "garbage", msg.RawMessage)
	require.NotNil(t, msg.ErrorMessage)
}

func TestIngest_EmptyResultSet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	known := "MSH|^~\\&|AU680|LAB|LIS|HOSP|20240301101500||ORU^R01|MSG0002|P|2.5\rOBR|1||S100|GLU\r"
	out, err := f.svc.IngestMessage(ctx, f.inst.ID, []byte(known))
	require.NoError(t, err)
	assert.Equal(t, hl7.AckReject, out.AckCode)

	unknown := "MSH|^~\\&|AU680|LAB|LIS|HOSP|20240301101500||ORU^R01|MSG0003|P|2.5\rOBR|1||S999|GLU\r"
	out, err = f.svc.IngestMessage(ctx, f.inst.ID, []byte(unknown))
	require.NoError(t, err)
	assert.Equal(t, hl7.AckError, out.AckCode)
	assert.Equal(t, "No results in message", out.AckMessage)
}

func TestIngest_UnsupportedMessageType(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	adt := "MSH|^~\\&|AU680|LAB|LIS|HOSP|20240301101500||ADT^A01|MSG0004|P|2.5\rPID|1||P001\r"
	out, err := f.svc.IngestMessage(ctx, f.inst.ID, []byte(adt))
	require.NoError(t, err)
	assert.Equal(t, hl7.AckReject, out.AckCode)
	assert.Contains(t, out.AckMessage, "ADT^A01")
}

func TestIngest_UnknownInstrument(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.IngestMessage(context.Background(), uuid.New(), oru("S100", "GLU", "95"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, db.ErrNotFound))
}

type failingMappings struct{}

func (failingMappings) FindActiveMapping(ctx context.Context, instrumentID uuid.UUID, code string) (*db.InstrumentTestMapping, error) {
	if code == "BOOM" {
		panic("lookup exploded")
	}
	return nil, errors.New("mapping backend down")
}

func TestIngest_PerResultErrorsBecomeInboxRows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	logger := zap.NewNop()
	svc := NewService(f.store, panel.NewEngine(f.store, logger), Config{StrictMode: true, Mappings: failingMappings{}}, logger)

	raw := strings.Join([]string{
		"MSH|^~\\&|AU680|LAB|LIS|HOSP|20240301101500||ORU^R01|MSG0005|P|2.5",
		"OBR|1||S100|GLU",
		"OBX|1|NM|BOOM||1",
		"OBX|2|NM|GLU||2",
	}, "\r")
	out, err := svc.IngestMessage(ctx, f.inst.ID, []byte(raw))
	require.NoError(t, err)
	assert.Equal(t, hl7.AckError, out.AckCode)
	assert.Len(t, out.Errors, 2)
	assert.Equal(t, 2, out.Unmatched)
	assert.Equal(t, len(out.Errors), out.Processed+out.Unmatched)

	rows, _, err := f.store.ListUnmatched(ctx, db.UnmatchedFilter{Reason: db.ReasonNoMapping})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

type failingInbox struct {
	*db.MemoryStore
}

func (failingInbox) CreateUnmatched(ctx context.Context, u *db.UnmatchedInstrumentResult) error {
	return errors.New("inbox table unavailable")
}

func TestIngest_NothingCommitted(t *testing.T) {
	raw := strings.Join([]string{
		"MSH|^~\\&|AU680|LAB|LIS|HOSP|20240301101500||ORU^R01|MSG0006|P|2.5",
		"OBR|1||S999|GLU",
		"OBX|1|NM|GLU||1",
		"OBX|2|NM|GLU||2",
	}, "\r")

	tests := []struct {
		name        string
		failInbox   bool
		mappings    MappingLookup
		sample      string
		unmatched   int
		failed      int
		errors      int
		ackContains string
		status      db.MessageStatus
		inboxRows   int
	}{
		{
			name: "all unmatched", sample: "S999",
			unmatched: 2, ackContains: "Sample not found: S999",
			status: db.MessageProcessed, inboxRows: 2,
		},
		{
			name: "all errored", sample: "S100", mappings: failingMappings{},
			unmatched: 2, errors: 2, ackContains: "mapping backend down",
			status: db.MessageProcessed, inboxRows: 2,
		},
		{
			name: "inbox write fails", sample: "S999", failInbox: true,
			failed: 2, errors: 2, ackContains: "inbox table unavailable",
			status: db.MessageError,
		},
		{
			name: "errored and inbox write fails", sample: "S100", mappings: failingMappings{}, failInbox: true,
			failed: 2, errors: 4, ackContains: "inbox table unavailable",
			status: db.MessageError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			logger := zap.NewNop()
			var store db.Store = f.store
			if tt.failInbox {
				store = failingInbox{f.store}
			}
			svc := NewService(store, panel.NewEngine(f.store, logger), Config{StrictMode: true, Mappings: tt.mappings}, logger)

			out, err := svc.IngestMessage(ctx, f.inst.ID, []byte(strings.Replace(raw, "S999", tt.sample, 1)))
			require.NoError(t, err)
			assert.Equal(t, hl7.AckError, out.AckCode)
			assert.Contains(t, out.AckMessage, tt.ackContains)
			assert.Zero(t, out.Processed)
			assert.Equal(t, tt.unmatched, out.Unmatched)
			assert.Equal(t, tt.failed, out.Failed)
			assert.Len(t, out.Errors, tt.errors)
			assert.Equal(t, 2, out.Processed+out.Unmatched+out.Failed)

			msg, err := f.store.GetMessage(ctx, out.MessageID)
			require.NoError(t, err)
			assert.Equal(t, tt.status, msg.Status)
			if tt.status == db.MessageError {
				require.NotNil(t, msg.ErrorMessage)
				assert.Contains(t, *msg.ErrorMessage, "inbox table unavailable")
			}

			rows, _, err := f.store.ListUnmatched(ctx, db.UnmatchedFilter{})
			require.NoError(t, err)
			assert.Len(t, rows, tt.inboxRows)
		})
	}
}

func TestIngest_PanelParentIsNotInstrumentWritten(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lipid := &db.Test{Code: "LIPID", Name: "Lipid panel"}
	f.store.PutTest(lipid)
	parent := &db.OrderTest{OrderID: f.order.ID, SampleID: &f.sample.ID, TestID: lipid.ID}
	f.store.PutOrderTest(parent)
	f.store.PutOrderTest(&db.OrderTest{OrderID: f.order.ID, SampleID: &f.sample.ID, TestID: uuid.New(), ParentOrderTestID: &parent.ID})
	require.NoError(t, f.store.CreateMapping(ctx, &db.InstrumentTestMapping{
		InstrumentID: f.inst.ID, InstrumentTestCode: "LIPID", TestID: lipid.ID, IsActive: true,
	}))

	out, err := f.svc.IngestMessage(ctx, f.inst.ID, oru("S100", "LIPID", "123"))
	require.NoError(t, err)
	assert.Equal(t, hl7.AckError, out.AckCode)
	assert.Zero(t, out.Processed)
	assert.Equal(t, 1, out.Unmatched)

	got, err := f.store.GetOrderTest(ctx, parent.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ResultValue)
	assert.Equal(t, db.OrderTestPending, got.Status)
	assert.Empty(t, f.store.History(parent.ID))
	assert.Empty(t, f.store.AuditEvents())

	rows, _, err := f.store.ListUnmatched(ctx, db.UnmatchedFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, db.ReasonUnorderedTest, rows[0].Reason)
	assert.Contains(t, rows[0].Detail, "panel")
}

func TestIngest_NonStrictReopensVerified(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.orderTest.Status = db.OrderTestVerified
	f.store.PutOrderTest(f.orderTest)
	logger := zap.NewNop()
	svc := NewService(f.store, panel.NewEngine(f.store, logger), Config{}, logger)

	out, err := svc.IngestMessage(ctx, f.inst.ID, oru("S100", "GLU", "99"))
	require.NoError(t, err)
	assert.Equal(t, hl7.AckAccept, out.AckCode)

	ot, err := f.store.GetOrderTest(ctx, f.orderTest.ID)
	require.NoError(t, err)
	assert.Equal(t, db.OrderTestCompleted, ot.Status)
	assert.Equal(t, 99.0, *ot.ResultValue)
}

func TestIngest_InstrumentFramingAndEscape(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inst := &db.Instrument{LabID: f.lab, Code: "CX9", Name: "Legacy", Protocol: db.ProtocolHL7,
		ConnectionType: db.ConnectionTCPServer, IsActive: true,
		StartMarker: []byte{0x02}, EndMarker: []byte{0x03}, EscapeCharacter: "!"}
	require.NoError(t, f.store.CreateInstrument(ctx, inst))
	require.NoError(t, f.store.CreateMapping(ctx, &db.InstrumentTestMapping{
		InstrumentID: inst.ID, InstrumentTestCode: "GLU", TestID: f.glucose.ID, IsActive: true,
	}))

	raw := strings.Replace(string(oru("S100", "GLU", "95")), "|mg/dL|", "|mg!S!dL|", 1)
	framed := hl7.Frame([]byte(raw), inst.StartMarker, inst.EndMarker)

	out, err := f.svc.IngestMessage(ctx, inst.ID, framed)
	require.NoError(t, err)
	assert.Equal(t, hl7.AckAccept, out.AckCode)
	assert.Equal(t, 1, out.Processed)

	ot, err := f.store.GetOrderTest(ctx, f.orderTest.ID)
	require.NoError(t, err)
	require.NotNil(t, ot.ResultUnit)
	assert.Equal(t, "mg^dL", *ot.ResultUnit)
}

type countingNotifier struct{ n int }

func (c *countingNotifier) Notify() { c.n++ }

func TestIngest_NotifiesAfterCommit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	n := &countingNotifier{}
	logger := zap.NewNop()
	svc := NewService(f.store, panel.NewEngine(f.store, logger), Config{StrictMode: true, Notifier: n}, logger)

	_, err := svc.IngestMessage(ctx, f.inst.ID, oru("S999", "GLU", "95"))
	require.NoError(t, err)
	assert.Zero(t, n.n)

	_, err = svc.IngestMessage(ctx, f.inst.ID, oru("S100", "GLU", "95"))
	require.NoError(t, err)
	assert.Equal(t, 1, n.n)
}

func TestSelectSample(t *testing.T) {
	assert.Equal(t, "F", selectSample("", "P", "F", "PID"))
	assert.Equal(t, "P", selectSample(db.SampleIDFromOBR2, "P", "F", "PID"))
	assert.Equal(t, "PID", selectSample(db.SampleIDFromPID3, "P", "F", "PID"))
	assert.Equal(t, "P", selectSample(db.SampleIDFromOBR3, "P", "", "PID"))
	assert.Equal(t, "", selectSample("", "", " ", ""))
}
