package ingest

import (
	"fmt"
	"strings"

	"github.com/minasoft/lis-gateway/internal/astm"
	"github.com/minasoft/lis-gateway/internal/db"
	"github.com/minasoft/lis-gateway/internal/hl7"
)

// envelope is a parsed message reduced to what the matcher needs.
type envelope struct {
	Protocol    db.Protocol
	MessageType string
	ControlID   string
	Results     []candidate

	// OrderSamples are the sample identifiers named by order records. They
	// decide between AR and AE when a message carries no results.
	OrderSamples []string

	// Reject is set when the message is understood but not something the
	// gateway acts on.
	Reject string
}

func parseHL7(inst *db.Instrument, raw []byte) (*envelope, error) {
	var opts []hl7.Option
	if inst.EscapeCharacter != "" {
		opts = append(opts, hl7.WithEscape(inst.EscapeCharacter[0]))
	}
	start, end := inst.Markers()
	msg, err := hl7.Parse(hl7.Deframe(raw, start, end), opts...)
	if err != nil {
		return nil, err
	}
	env := &envelope{
		Protocol:    db.ProtocolHL7,
		MessageType: msg.Type,
		ControlID:   msg.ControlID,
	}
	if !msg.IsResult() {
		env.Reject = fmt.Sprintf("Unsupported message type: %s", msg.Type)
		return env, nil
	}

	for _, obs := range hl7.ExtractResults(msg) {
		env.Results = append(env.Results, candidate{
			Sequence:         len(env.Results) + 1,
			SampleIdentifier: selectSample(inst.SampleIDSource, obs.PlacerOrder, obs.FillerOrder, obs.PatientID),
			TestCode:         obs.Code,
			TestName:         obs.Name,
			Value:            obs.Value,
			Unit:             obs.Unit,
			ReferenceRange:   obs.ReferenceRange,
			Flag:             obs.Flag,
			Comments:         obs.Comments,
			ObservedAt:       obs.ObservedAt,
		})
	}
	for _, o := range hl7.Orders(msg) {
		if id := selectSample(inst.SampleIDSource, o.PlacerOrder, o.FillerOrder, o.PatientID); id != "" {
			env.OrderSamples = append(env.OrderSamples, id)
		}
	}
	return env, nil
}

// selectSample picks the configured sample identifier field and falls back
// through OBR-3, OBR-2 and PID-3 when it is empty.
func selectSample(source, placer, filler, patient string) string {
	var order []string
	switch source {
	case db.SampleIDFromOBR2:
		order = []string{placer, filler, patient}
	case db.SampleIDFromPID3:
		order = []string{patient, filler, placer}
	default:
		order = []string{filler, placer, patient}
	}
	for _, v := range order {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func parseASTM(raw []byte) (*envelope, error) {
	msg, err := astm.Parse(raw)
	if err != nil {
		return nil, err
	}
	env := &envelope{
		Protocol:    db.ProtocolASTM,
		MessageType: "ASTM",
		ControlID:   msg.Header.ControlID,
	}
	if msg.Variant != astm.VariantUnknown {
		env.MessageType = "ASTM^" + string(msg.Variant)
	}
	for _, r := range msg.Results {
		env.Results = append(env.Results, candidate{
			Sequence:         r.Sequence,
			SampleIdentifier: r.SampleID,
			TestCode:         r.TestCode,
			TestName:         r.TestName,
			Value:            r.Value,
			Unit:             r.Unit,
			ReferenceRange:   r.ReferenceRange,
			Flag:             r.Flag,
			Comments:         r.Comments,
			ObservedAt:       r.CompletedAt,
		})
	}
	for _, o := range msg.Orders {
		if o.SampleID != "" {
			env.OrderSamples = append(env.OrderSamples, o.SampleID)
		}
	}
	return env, nil
}

// route picks the parser for an instrument. Protocols without a dedicated
// pipeline are sniffed.
func route(inst *db.Instrument, raw []byte) (*envelope, error) {
	switch inst.Protocol {
	case db.ProtocolHL7:
		return parseHL7(inst, raw)
	case db.ProtocolASTM:
		return parseASTM(raw)
	}
	if astm.IsLikelyAstm(raw) {
		return parseASTM(raw)
	}
	return parseHL7(inst, raw)
}
