package hl7

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"
)

type AckCode string

const (
	AckAccept AckCode = "AA"
	AckError  AckCode = "AE"
	AckReject AckCode = "AR"
)

const defaultVersion = "2.5"

// CreateACK builds the acknowledgement for original. Sender and receiver
// are swapped and MSA-2 echoes the original control id. When original
// cannot be parsed the control id is recovered on a best-effort basis.
func CreateACK(original []byte, code AckCode, text string, now time.Time) []byte {
	seps := DefaultSeparators
	var (
		sendApp, sendFac, recvApp, recvFac string
		trigger, controlID, processingID   string
		version                            = defaultVersion
	)

	if msg, err := Parse(original); err == nil {
		seps = msg.Separators
		sendApp, sendFac = msg.ReceivingApp, msg.ReceivingFac
		recvApp, recvFac = msg.SendingApp, msg.SendingFac
		trigger = msg.Trigger
		controlID = msg.ControlID
		processingID = msg.ProcessingID
		if msg.Version != "" {
			version = msg.Version
		}
	} else {
		controlID = recoverControlID(original)
	}
	if processingID == "" {
		processingID = "P"
	}

	f := string(seps.Field)
	c := string(seps.Component)
	msh := strings.Join([]string{
		"MSH",
		seps.EncodingCharacters(),
		seps.Encode(sendApp),
		seps.Encode(sendFac),
		seps.Encode(recvApp),
		seps.Encode(recvFac),
		FormatDateTime(now),
		"",
		ackType(trigger, c),
		fmt.Sprintf("ACK%s%03d", now.Format(dateTimeLayout), now.Nanosecond()/int(time.Millisecond)),
		processingID,
		version,
	}, f)

	msa := "MSA" + f + string(code) + f + seps.Encode(controlID)
	if text != "" {
		msa += f + seps.Encode(text)
	}
	return []byte(msh + "\r" + msa + "\r")
}

func ackType(trigger, sep string) string {
	if trigger == "" {
		return "ACK"
	}
	return "ACK" + sep + trigger + sep + "ACK"
}

// recoverControlID pulls MSH-10 out of a message that failed to parse.
func recoverControlID(raw []byte) string {
	i := bytes.Index(raw, []byte("MSH"))
	if i < 0 || len(raw) < i+4 {
		return ""
	}
	line := raw[i:]
	if end := bytes.IndexAny(line, "\r\n"); end >= 0 {
		line = line[:end]
	}
	parts := bytes.Split(line, line[3:4])
	if len(parts) < 10 {
		return ""
	}
	return strings.TrimSpace(string(parts[9]))
}

// AckCodeOf returns MSA-1 of an acknowledgement message.
func AckCodeOf(ack []byte) (AckCode, string, error) {
	msg, err := Parse(ack)
	if err != nil {
		return "", "", err
	}
	msa, ok := msg.Segment("MSA")
	if !ok {
		return "", "", &ParseError{Reason: "MSA segment missing"}
	}
	return AckCode(msa.Component(1, 1)), msa.Component(2, 1), nil
}

// Patient identifies the subject of an outbound order.
type Patient struct {
	ID        string
	LastName  string
	FirstName string
	BirthDate *time.Time
	Sex       string
}

type OrderedTest struct {
	Code string
	Name string
}

// OrderRequest is everything needed to render an ORM^O01 for an instrument.
type OrderRequest struct {
	ControlID    string
	SendingApp   string
	SendingFac   string
	ReceivingApp string
	ReceivingFac string
	Patient      Patient
	OrderNumber  string
	SampleID     string
	Priority     string // R routine, S stat
	Tests        []OrderedTest
}

var ErrEmptyOrder = errors.New("hl7: order has no tests")

// CreateORM renders a new-order message: MSH, PID and one ORC/OBR pair per
// ordered test.
func CreateORM(req OrderRequest, now time.Time) ([]byte, error) {
	if len(req.Tests) == 0 {
		return nil, ErrEmptyOrder
	}
	if req.SampleID == "" && req.OrderNumber == "" {
		return nil, fmt.Errorf("hl7: order needs a sample id or order number")
	}
	priority := req.Priority
	if priority == "" {
		priority = "R"
	}
	controlID := req.ControlID
	if controlID == "" {
		controlID = "ORM" + now.Format(dateTimeLayout)
	}

	seps := DefaultSeparators
	e := seps.Encode
	f := string(seps.Field)
	c := string(seps.Component)
	ts := FormatDateTime(now)

	var segs []string
	segs = append(segs, strings.Join([]string{
		"MSH", seps.EncodingCharacters(),
		e(req.SendingApp), e(req.SendingFac), e(req.ReceivingApp), e(req.ReceivingFac),
		ts, "", "ORM" + c + "O01", e(controlID), "P", defaultVersion,
	}, f))

	var dob string
	if req.Patient.BirthDate != nil {
		dob = req.Patient.BirthDate.Format("20060102")
	}
	segs = append(segs, strings.Join([]string{
		"PID", "1", "", e(req.Patient.ID), "",
		e(req.Patient.LastName) + c + e(req.Patient.FirstName), "",
		dob, e(req.Patient.Sex),
	}, f))

	for i, t := range req.Tests {
		// ORC-7 quantity/timing carries the priority in component 6
		segs = append(segs, strings.Join([]string{
			"ORC", "NW", e(req.OrderNumber), e(req.SampleID), "", "", "",
			strings.Repeat(c, 5) + e(priority), "", ts,
		}, f))
		segs = append(segs, strings.Join([]string{
			"OBR", fmt.Sprint(i + 1), e(req.OrderNumber), e(req.SampleID),
			e(t.Code) + c + e(t.Name), e(priority), ts,
		}, f))
	}
	return []byte(strings.Join(segs, "\r") + "\r"), nil
}
