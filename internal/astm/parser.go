package astm

import (
	"fmt"
	"strings"
	"time"

	"github.com/minasoft/lis-gateway/internal/db"
)

// Variant identifies analyzer families whose records deviate from the
// plain E1394 layout.
type Variant string

const (
	VariantElecsys Variant = "ELECSYS"
	VariantCobas   Variant = "COBAS"
	VariantUnknown Variant = "UNKNOWN"
)

type Delimiters struct {
	Field     byte
	Repeat    byte
	Component byte
	Escape    byte
}

var DefaultDelimiters = Delimiters{Field: '|', Repeat: '\\', Component: '^', Escape: '&'}

// ParseError reports a transmission whose records cannot be read.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "astm: " + e.Reason
}

// Record is one ASTM record. Field numbering follows the standard: field 1
// is the record type letter.
type Record struct {
	Type   byte
	Fields []string
	delims *Delimiters
}

func (r Record) Field(n int) string {
	if n <= 0 || n > len(r.Fields) {
		return ""
	}
	return r.Fields[n-1]
}

// Component returns component c (1-based) of the first repeat of field n.
func (r Record) Component(n, c int) string {
	v := r.Field(n)
	if v == "" || c <= 0 {
		return ""
	}
	if r.Type != 'H' || n != 2 {
		v = strings.SplitN(v, string(r.delims.Repeat), 2)[0]
	}
	comps := strings.Split(v, string(r.delims.Component))
	if c > len(comps) {
		return ""
	}
	return comps[c-1]
}

func (r Record) Components(n int) []string {
	v := r.Field(n)
	if v == "" {
		return nil
	}
	v = strings.SplitN(v, string(r.delims.Repeat), 2)[0]
	return strings.Split(v, string(r.delims.Component))
}

type Header struct {
	ControlID  string
	SenderName string
	SenderID   string
	Version    string
	Timestamp  *time.Time
}

type Patient struct {
	Sequence  int
	PatientID string
}

type Order struct {
	Sequence  int
	SampleID  string
	TestCodes []string
	PatientID string
}

type Result struct {
	Sequence       int
	SampleID       string
	PatientID      string
	TestCode       string
	TestName       string
	Value          string
	Unit           string
	ReferenceRange string
	RawFlag        string
	Flag           db.ResultFlag
	Status         string
	Comments       []string
	CompletedAt    *time.Time
}

type Message struct {
	Delimiters Delimiters
	Variant    Variant
	Header     Header
	Records    []Record
	Patients   []Patient
	Orders     []Order
	Results    []Result
}

// Parse reads an ASTM E1394 transmission. Link-layer framing may be present
// or already removed.
func Parse(raw []byte) (*Message, error) {
	text := strings.ReplaceAll(string(Unframe(raw)), "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	var lines []string
	for _, l := range strings.Split(text, "\r") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) == 0 {
		return nil, &ParseError{Reason: "no records"}
	}

	headerAt := -1
	for i, l := range lines {
		if l[0] == 'H' && len(l) >= 5 {
			headerAt = i
			break
		}
	}
	if headerAt < 0 {
		return nil, &ParseError{Reason: "header record missing"}
	}

	msg := &Message{Delimiters: readDelimiters(lines[headerAt])}
	for _, l := range lines[headerAt:] {
		msg.Records = append(msg.Records, Record{
			Type:   l[0],
			Fields: strings.Split(l, string(msg.Delimiters.Field)),
			delims: &msg.Delimiters,
		})
	}

	msg.Header = readHeader(msg.Records[0])
	msg.Variant = DetectVariant(msg.Header)
	msg.walk()
	return msg, nil
}

func readDelimiters(h string) Delimiters {
	d := DefaultDelimiters
	d.Field = h[1]
	if h[2] != d.Field {
		d.Repeat = h[2]
	}
	if h[3] != d.Field {
		d.Component = h[3]
	}
	if h[4] != d.Field {
		d.Escape = h[4]
	}
	return d
}

func readHeader(h Record) Header {
	hdr := Header{
		ControlID:  strings.TrimSpace(h.Field(3)),
		SenderName: strings.TrimSpace(h.Component(5, 1)),
		SenderID:   strings.TrimSpace(h.Field(5)),
		Version:    strings.TrimSpace(h.Field(13)),
	}
	if ts := h.Field(14); ts != "" {
		if t, err := parseTimestamp(ts); err == nil {
			hdr.Timestamp = &t
		}
	}
	return hdr
}

// DetectVariant classifies the sender named in H-5.
func DetectVariant(h Header) Variant {
	name := strings.ToUpper(h.SenderID)
	switch {
	case strings.Contains(name, "ELECSYS"):
		return VariantElecsys
	case strings.Contains(name, "COBAS"):
		return VariantCobas
	default:
		return VariantUnknown
	}
}

func (m *Message) walk() {
	var (
		patientID string
		sampleID  string
		seq       int
		current   = -1
	)

	for _, r := range m.Records {
		switch r.Type {
		case 'P':
			patientID = firstNonEmpty(r.Component(3, 1), r.Component(4, 1), r.Component(5, 1))
			m.Patients = append(m.Patients, Patient{Sequence: len(m.Patients) + 1, PatientID: patientID})
			current = -1
		case 'O':
			sampleID = m.sampleID(r)
			o := Order{Sequence: len(m.Orders) + 1, SampleID: sampleID, PatientID: patientID}
			if code := m.testCode(r, 5); code != "" {
				o.TestCodes = append(o.TestCodes, code)
			}
			m.Orders = append(m.Orders, o)
			current = -1
		case 'R':
			seq++
			m.Results = append(m.Results, m.result(r, seq, sampleID, patientID))
			current = len(m.Results) - 1
		case 'C':
			if current < 0 {
				continue
			}
			text := strings.TrimSpace(strings.Join(nonEmpty(r.Components(4)), " "))
			if text != "" {
				m.Results[current].Comments = append(m.Results[current].Comments, text)
			}
		case 'L':
			current = -1
		}
	}
}

// sampleID reads O-3, falling back to the instrument specimen id in O-4.
func (m *Message) sampleID(o Record) string {
	id := o.Component(3, 1)
	if strings.TrimSpace(id) == "" {
		id = o.Component(4, 1)
	}
	// Elecsys pads the specimen id with trailing spaces
	return strings.TrimSpace(id)
}

// testCode reads a universal test id (^^^CODE^name). cobas analyzers append
// a dilution suffix to the code, e.g. ^^^8000/1.
func (m *Message) testCode(r Record, field int) string {
	comps := r.Components(field)
	code := ""
	if len(comps) >= 4 && strings.TrimSpace(comps[3]) != "" {
		code = comps[3]
	} else {
		code = firstNonEmpty(comps...)
	}
	code = strings.TrimSpace(code)
	if m.Variant == VariantCobas {
		if i := strings.IndexByte(code, '/'); i > 0 {
			code = code[:i]
		}
	}
	return code
}

func (m *Message) result(r Record, seq int, sampleID, patientID string) Result {
	res := Result{
		Sequence:       seq,
		SampleID:       sampleID,
		PatientID:      patientID,
		TestCode:       m.testCode(r, 3),
		TestName:       strings.TrimSpace(r.Component(3, 5)),
		Value:          strings.TrimSpace(r.Field(4)),
		Unit:           strings.TrimSpace(r.Component(5, 1)),
		ReferenceRange: strings.TrimSpace(r.Field(6)),
		RawFlag:        strings.TrimSpace(r.Field(7)),
		Status:         strings.TrimSpace(r.Field(9)),
	}
	res.Flag = MapFlag(res.RawFlag)

	// Elecsys qualitative assays report interpretation^COI.
	if m.Variant == VariantElecsys {
		comps := r.Components(4)
		if len(comps) == 2 && strings.TrimSpace(comps[1]) != "" {
			res.Value = strings.TrimSpace(comps[1])
			switch strings.TrimSpace(comps[0]) {
			case "-1":
				res.Flag = db.FlagNegative
			case "1":
				res.Flag = db.FlagPositive
			}
		}
	}

	if ts := r.Field(13); ts != "" {
		if t, err := parseTimestamp(ts); err == nil {
			res.CompletedAt = &t
		}
	}
	return res
}

// MapFlag normalizes an R-7 abnormal flag. "<" and ">" mean below or above
// the measuring range.
func MapFlag(raw string) db.ResultFlag {
	switch strings.TrimSpace(raw) {
	case "<":
		return db.FlagCritLow
	case ">":
		return db.FlagCritHigh
	}
	return db.NormalizeFlag(raw)
}

func parseTimestamp(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	switch len(v) {
	case 14:
		return time.ParseInLocation("20060102150405", v, time.Local)
	case 12:
		return time.ParseInLocation("200601021504", v, time.Local)
	case 8:
		return time.ParseInLocation("20060102", v, time.Local)
	}
	return time.Time{}, fmt.Errorf("astm: invalid timestamp %q", v)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func nonEmpty(vals []string) []string {
	var out []string
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			out = append(out, strings.TrimSpace(v))
		}
	}
	return out
}
