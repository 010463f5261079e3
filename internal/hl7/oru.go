package hl7

import (
	"strconv"
	"strings"
	"time"

	"github.com/minasoft/lis-gateway/internal/db"
)

// Observation is one OBX result together with the identifiers of its
// enclosing OBR and PID.
type Observation struct {
	SetID          int
	ValueType      string
	Code           string
	Name           string
	Value          string
	Unit           string
	ReferenceRange string
	RawFlag        string
	Flag           db.ResultFlag
	Status         string
	ObservedAt     *time.Time
	Comments       []string

	PlacerOrder string // OBR-2
	FillerOrder string // OBR-3
	PatientID   string // PID-3
}

// Order is the sample-bearing context of an OBR segment.
type Order struct {
	PlacerOrder string
	FillerOrder string
	PatientID   string
	ServiceCode string
}

// IsResult reports whether the message type carries observations.
func (m *Message) IsResult() bool {
	return m.Code == "ORU" || m.Code == "OUL"
}

// Orders returns one entry per OBR segment, in message order.
func Orders(msg *Message) []Order {
	var out []Order
	var patientID string
	for _, seg := range msg.Segments {
		switch seg.Name {
		case "PID":
			patientID = seg.Component(3, 1)
		case "OBR":
			out = append(out, Order{
				PlacerOrder: seg.Component(2, 1),
				FillerOrder: seg.Component(3, 1),
				PatientID:   patientID,
				ServiceCode: seg.Component(4, 1),
			})
		}
	}
	return out
}

// ExtractResults walks the message and returns one Observation per OBX.
// NTE segments following an OBX become that observation's comments.
func ExtractResults(msg *Message) []Observation {
	var (
		out       []Observation
		patientID string
		order     Order
		current   = -1
	)

	for _, seg := range msg.Segments {
		switch seg.Name {
		case "PID":
			patientID = seg.Component(3, 1)
			current = -1
		case "OBR":
			order = Order{
				PlacerOrder: seg.Component(2, 1),
				FillerOrder: seg.Component(3, 1),
				PatientID:   patientID,
			}
			current = -1
		case "OBX":
			out = append(out, observationFrom(seg, order, patientID))
			current = len(out) - 1
		case "NTE":
			if current < 0 {
				continue
			}
			if text := strings.TrimSpace(seg.Value(3)); text != "" {
				out[current].Comments = append(out[current].Comments, text)
			}
		}
	}
	return out
}

func observationFrom(seg Segment, order Order, patientID string) Observation {
	setID, _ := strconv.Atoi(strings.TrimSpace(seg.Field(1)))
	rawFlag := seg.Component(8, 1)

	obs := Observation{
		SetID:          setID,
		ValueType:      seg.Component(2, 1),
		Code:           strings.TrimSpace(seg.Component(3, 1)),
		Name:           seg.Component(3, 2),
		Value:          observationValue(seg),
		Unit:           seg.Component(6, 1),
		ReferenceRange: seg.Value(7),
		RawFlag:        rawFlag,
		Flag:           MapFlag(rawFlag),
		Status:         seg.Component(11, 1),
		PlacerOrder:    order.PlacerOrder,
		FillerOrder:    order.FillerOrder,
		PatientID:      patientID,
	}
	if ts := seg.Component(14, 1); ts != "" {
		if t, err := ParseDateTime(ts); err == nil {
			obs.ObservedAt = &t
		}
	}
	return obs
}

// observationValue reads OBX-5. Structured numerics (SN) are collapsed to
// comparator + number, e.g. "<^0.5" becomes "<0.5".
func observationValue(seg Segment) string {
	switch seg.Component(2, 1) {
	case "SN":
		comparator := seg.Component(5, 1)
		num := seg.Component(5, 2)
		if sep := seg.Component(5, 3); sep != "" {
			return comparator + num + sep + seg.Component(5, 4)
		}
		return comparator + num
	case "TX", "FT", "ST":
		return seg.Value(5)
	default:
		return seg.Component(5, 1)
	}
}

// MapFlag normalizes an OBX-8 abnormal flag. "<" and ">" (below/above the
// measurable range) map to the critical flags; unknown values map to
// db.FlagNone.
func MapFlag(raw string) db.ResultFlag {
	switch strings.TrimSpace(raw) {
	case "<":
		return db.FlagCritLow
	case ">":
		return db.FlagCritHigh
	}
	return db.NormalizeFlag(raw)
}
