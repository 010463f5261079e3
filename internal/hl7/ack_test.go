package hl7

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ackTime = time.Date(2024, 1, 15, 10, 31, 0, 0, time.Local)

func TestCreateACK_SwapsSenderAndReceiver(t *testing.T) {
	ack := CreateACK([]byte(sampleORU), AckAccept, "", ackTime)

	msg, err := Parse(ack)
	require.NoError(t, err)
	assert.Equal(t, "ACK", msg.Code)
	assert.Equal(t, "R01", msg.Trigger)
	assert.Equal(t, "LIS", msg.SendingApp)
	assert.Equal(t, "HOSP", msg.SendingFac)
	assert.Equal(t, "ANALYZER", msg.ReceivingApp)
	assert.Equal(t, "LAB", msg.ReceivingFac)
	assert.Equal(t, "2.5", msg.Version)

	code, ctrl, err := AckCodeOf(ack)
	require.NoError(t, err)
	assert.Equal(t, AckAccept, code)
	assert.Equal(t, "MSG0001", ctrl)

	msa, _ := msg.Segment("MSA")
	assert.Empty(t, msa.Field(3))
	assert.True(t, bytes.HasSuffix(ack, []byte("\r")))
}

func TestCreateACK_ErrorText(t *testing.T) {
	ack := CreateACK([]byte(sampleORU), AckError, "Sample not found: S999", ackTime)

	msg, err := Parse(ack)
	require.NoError(t, err)
	msa, ok := msg.Segment("MSA")
	require.True(t, ok)
	assert.Equal(t, "AE", msa.Field(1))
	assert.Equal(t, "MSG0001", msa.Field(2))
	assert.Equal(t, "Sample not found: S999", msa.Value(3))
}

func TestCreateACK_EscapesText(t *testing.T) {
	ack := CreateACK([]byte(sampleORU), AckError, "bad|value^here", ackTime)

	msg, err := Parse(ack)
	require.NoError(t, err)
	msa, _ := msg.Segment("MSA")
	assert.Equal(t, "bad|value^here", msa.Value(3))
}

func TestCreateACK_UnparseableOriginal(t *testing.T) {
	raw := []byte("xxMSH|^~\\&|A|B|C|D|20240101||ORU^R01|CTRL9|P|2.5")
	ack := CreateACK(raw, AckError, "parse failure", ackTime)

	code, ctrl, err := AckCodeOf(ack)
	require.NoError(t, err)
	assert.Equal(t, AckError, code)
	assert.Equal(t, "CTRL9", ctrl)

	ack = CreateACK([]byte("garbage"), AckError, "parse failure", ackTime)
	code, ctrl, err = AckCodeOf(ack)
	require.NoError(t, err)
	assert.Equal(t, AckError, code)
	assert.Empty(t, ctrl)
}

func TestCreateORM(t *testing.T) {
	dob := time.Date(1980, 5, 2, 0, 0, 0, 0, time.UTC)
	raw, err := CreateORM(OrderRequest{
		ControlID:    "ORD0001",
		SendingApp:   "LIS",
		SendingFac:   "HOSP",
		ReceivingApp: "ANALYZER",
		ReceivingFac: "LAB",
		Patient:      Patient{ID: "P123", LastName: "Doe", FirstName: "John", BirthDate: &dob, Sex: "M"},
		OrderNumber:  "ORD-1",
		SampleID:     "S100",
		Priority:     "S",
		Tests:        []OrderedTest{{Code: "GLU", Name: "Glucose"}, {Code: "K", Name: "Potassium"}},
	}, ackTime)
	require.NoError(t, err)

	msg, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "ORM", msg.Code)
	assert.Equal(t, "O01", msg.Trigger)
	assert.Equal(t, "ORD0001", msg.ControlID)
	assert.Equal(t, "ANALYZER", msg.ReceivingApp)

	pid, ok := msg.Segment("PID")
	require.True(t, ok)
	assert.Equal(t, "P123", pid.Component(3, 1))
	assert.Equal(t, "Doe", pid.Component(5, 1))
	assert.Equal(t, "John", pid.Component(5, 2))
	assert.Equal(t, "19800502", pid.Field(7))

	orcs := msg.All("ORC")
	obrs := msg.All("OBR")
	require.Len(t, orcs, 2)
	require.Len(t, obrs, 2)
	assert.Equal(t, "NW", orcs[0].Field(1))
	assert.Equal(t, "S", orcs[0].Component(7, 6))
	assert.Equal(t, "2", obrs[1].Field(1))
	assert.Equal(t, "S100", obrs[1].Field(3))
	assert.Equal(t, "K", obrs[1].Component(4, 1))
	assert.Equal(t, "Potassium", obrs[1].Component(4, 2))
}

func TestCreateORM_Validation(t *testing.T) {
	_, err := CreateORM(OrderRequest{SampleID: "S1"}, ackTime)
	assert.ErrorIs(t, err, ErrEmptyOrder)

	_, err = CreateORM(OrderRequest{Tests: []OrderedTest{{Code: "GLU"}}}, ackTime)
	assert.Error(t, err)
}

func TestFraming(t *testing.T) {
	msg := []byte("MSH|^~\\&|A")
	framed := Frame(msg, []byte{0x0B}, []byte{0x1C, 0x0D})
	assert.Equal(t, byte(0x0B), framed[0])
	assert.True(t, bytes.HasSuffix(framed, []byte{0x1C, 0x0D}))
	assert.Equal(t, msg, Deframe(framed, []byte{0x0B}, []byte{0x1C, 0x0D}))
	assert.Equal(t, msg, Deframe(msg, []byte{0x0B}, []byte{0x1C, 0x0D}))

	custom := Frame(msg, []byte{0x02}, []byte{0x03})
	assert.Equal(t, msg, Deframe(custom, []byte{0x02}, []byte{0x03}))
}
