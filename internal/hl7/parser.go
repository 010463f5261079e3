package hl7

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Separators holds the delimiter characters declared in MSH-1 and MSH-2.
type Separators struct {
	Field        byte
	Component    byte
	Repetition   byte
	Escape       byte
	SubComponent byte
}

// DefaultSeparators are the HL7 recommended delimiters |^~\&.
var DefaultSeparators = Separators{
	Field:        '|',
	Component:    '^',
	Repetition:   '~',
	Escape:       '\\',
	SubComponent: '&',
}

// EncodingCharacters renders MSH-2.
func (s Separators) EncodingCharacters() string {
	return string([]byte{s.Component, s.Repetition, s.Escape, s.SubComponent})
}

// ParseError reports a message whose structure cannot be read.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "hl7: " + e.Reason
}

// Segment is one line of a message. Fields are indexed by their HL7 field
// number: Fields[0] is the segment name, and for MSH Fields[1] is the field
// separator itself.
type Segment struct {
	Name   string
	Fields []string
	seps   *Separators
}

// Field returns the raw, still-escaped text of field n.
func (s Segment) Field(n int) string {
	if n <= 0 || n >= len(s.Fields) {
		return ""
	}
	return s.Fields[n]
}

// Repetitions splits field n on the repetition separator.
func (s Segment) Repetitions(n int) []string {
	raw := s.Field(n)
	if raw == "" {
		return nil
	}
	if s.Name == "MSH" && n <= 2 {
		return []string{raw}
	}
	return strings.Split(raw, string(s.seps.Repetition))
}

// Component returns component c (1-based) of the first repetition of field
// n with escape sequences decoded.
func (s Segment) Component(n, c int) string {
	return s.SubComponent(n, c, 1)
}

// SubComponent returns sub-component sc of component c of field n, decoded.
func (s Segment) SubComponent(n, c, sc int) string {
	reps := s.Repetitions(n)
	if len(reps) == 0 || c <= 0 || sc <= 0 {
		return ""
	}
	comps := strings.Split(reps[0], string(s.seps.Component))
	if c > len(comps) {
		return ""
	}
	subs := strings.Split(comps[c-1], string(s.seps.SubComponent))
	if sc > len(subs) {
		return ""
	}
	return s.seps.Decode(subs[sc-1])
}

// Value returns the whole first repetition of field n, decoded, with
// component separators kept.
func (s Segment) Value(n int) string {
	reps := s.Repetitions(n)
	if len(reps) == 0 {
		return ""
	}
	return s.seps.Decode(reps[0])
}

// Message is a parsed HL7v2 message.
type Message struct {
	Separators   Separators
	Segments     []Segment
	Type         string // MSH-9 as sent, e.g. ORU^R01
	Code         string
	Trigger      string
	ControlID    string
	ProcessingID string
	SendingApp   string
	SendingFac   string
	ReceivingApp string
	ReceivingFac string
	Timestamp    time.Time
	Version      string
}

// Segment returns the first segment with the given name.
func (m *Message) Segment(name string) (Segment, bool) {
	for _, s := range m.Segments {
		if s.Name == name {
			return s, true
		}
	}
	return Segment{}, false
}

// All returns every segment with the given name in message order.
func (m *Message) All(name string) []Segment {
	var out []Segment
	for _, s := range m.Segments {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

type options struct {
	escape byte
}

type Option func(*options)

// WithEscape overrides the escape character declared in MSH-2.
func WithEscape(c byte) Option {
	return func(o *options) { o.escape = c }
}

// Parse reads a raw HL7v2 message. MLLP framing bytes around the message
// are ignored and CR, LF and CRLF are all accepted as segment terminators.
func Parse(raw []byte, opts ...Option) (*Message, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	data := bytes.Trim(raw, "\x0b\x1c\r\n \t")
	if len(data) == 0 {
		return nil, &ParseError{Reason: "empty message"}
	}
	text := strings.ReplaceAll(string(data), "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	if !strings.HasPrefix(text, "MSH") {
		return nil, &ParseError{Reason: "message does not start with MSH"}
	}
	if len(text) < 8 {
		return nil, &ParseError{Reason: "MSH segment too short"}
	}

	seps, err := readSeparators(text)
	if err != nil {
		return nil, err
	}
	if o.escape != 0 {
		seps.Escape = o.escape
	}

	msg := &Message{Separators: seps}
	for _, line := range strings.Split(text, "\r") {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			continue
		}
		seg, err := parseSegment(line, &msg.Separators)
		if err != nil {
			return nil, err
		}
		msg.Segments = append(msg.Segments, seg)
	}

	msh := msg.Segments[0]
	msg.Type = msh.Value(9)
	msg.Code = msh.Component(9, 1)
	msg.Trigger = msh.Component(9, 2)
	msg.ControlID = msh.Component(10, 1)
	msg.ProcessingID = msh.Component(11, 1)
	msg.SendingApp = msh.Component(3, 1)
	msg.SendingFac = msh.Component(4, 1)
	msg.ReceivingApp = msh.Component(5, 1)
	msg.ReceivingFac = msh.Component(6, 1)
	msg.Version = msh.Component(12, 1)
	if ts := msh.Component(7, 1); ts != "" {
		if t, err := ParseDateTime(ts); err == nil {
			msg.Timestamp = t
		}
	}
	return msg, nil
}

func readSeparators(text string) (Separators, error) {
	seps := DefaultSeparators
	seps.Field = text[3]
	if isSegmentChar(seps.Field) {
		return seps, &ParseError{Reason: fmt.Sprintf("invalid field separator %q", seps.Field)}
	}

	end := strings.IndexByte(text[4:], seps.Field)
	if end < 0 {
		end = strings.IndexByte(text[4:], '\r')
		if end < 0 {
			end = len(text) - 4
		}
	}
	enc := text[4 : 4+end]
	if len(enc) < 2 {
		return seps, &ParseError{Reason: "MSH-2 encoding characters missing"}
	}

	chars := []*byte{&seps.Component, &seps.Repetition, &seps.Escape, &seps.SubComponent}
	seen := map[byte]bool{seps.Field: true}
	for i := 0; i < len(enc) && i < len(chars); i++ {
		if seen[enc[i]] {
			return seps, &ParseError{Reason: fmt.Sprintf("duplicate separator %q in MSH-2", enc[i])}
		}
		seen[enc[i]] = true
		*chars[i] = enc[i]
	}
	return seps, nil
}

func isSegmentChar(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '\r' || c == '\n'
}

func parseSegment(line string, seps *Separators) (Segment, error) {
	parts := strings.Split(line, string(seps.Field))
	name := parts[0]
	if len(name) != 3 {
		return Segment{}, &ParseError{Reason: fmt.Sprintf("invalid segment name %q", name)}
	}

	if name != "MSH" {
		return Segment{Name: name, Fields: parts, seps: seps}, nil
	}

	// MSH-1 is the separator itself, so every later field shifts by one.
	fields := make([]string, 0, len(parts)+1)
	fields = append(fields, name, string(seps.Field))
	fields = append(fields, parts[1:]...)
	return Segment{Name: name, Fields: fields, seps: seps}, nil
}

// Decode decodes \F\ \S\ \T\ \R\ \E\ \.br\ and \Xhh\ sequences.
// Unknown sequences are kept as sent.
func (s Separators) Decode(v string) string {
	esc := s.Escape
	if esc == 0 || strings.IndexByte(v, esc) < 0 {
		return v
	}

	var b strings.Builder
	for i := 0; i < len(v); i++ {
		if v[i] != esc {
			b.WriteByte(v[i])
			continue
		}
		end := strings.IndexByte(v[i+1:], esc)
		if end < 0 {
			b.WriteString(v[i:])
			break
		}
		seq := v[i+1 : i+1+end]
		switch {
		case seq == "F":
			b.WriteByte(s.Field)
		case seq == "S":
			b.WriteByte(s.Component)
		case seq == "T":
			b.WriteByte(s.SubComponent)
		case seq == "R":
			b.WriteByte(s.Repetition)
		case seq == "E":
			b.WriteByte(s.Escape)
		case seq == ".br":
			b.WriteByte('\n')
		case len(seq) > 1 && seq[0] == 'X' && len(seq)%2 == 1:
			decoded, ok := decodeHex(seq[1:])
			if !ok {
				b.WriteString(v[i : i+end+2])
			} else {
				b.WriteString(decoded)
			}
		default:
			b.WriteString(v[i : i+end+2])
		}
		i += end + 1
	}
	return b.String()
}

func decodeHex(h string) (string, bool) {
	out := make([]byte, 0, len(h)/2)
	for i := 0; i+1 < len(h); i += 2 {
		n, err := strconv.ParseUint(h[i:i+2], 16, 8)
		if err != nil {
			return "", false
		}
		out = append(out, byte(n))
	}
	return string(out), true
}

// Encode escapes separator characters in v so it can be placed in a field.
func (s Separators) Encode(v string) string {
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch c {
		case s.Escape:
			b.WriteByte(s.Escape)
			b.WriteByte('E')
			b.WriteByte(s.Escape)
		case s.Field:
			b.WriteByte(s.Escape)
			b.WriteByte('F')
			b.WriteByte(s.Escape)
		case s.Component:
			b.WriteByte(s.Escape)
			b.WriteByte('S')
			b.WriteByte(s.Escape)
		case s.SubComponent:
			b.WriteByte(s.Escape)
			b.WriteByte('T')
			b.WriteByte(s.Escape)
		case s.Repetition:
			b.WriteByte(s.Escape)
			b.WriteByte('R')
			b.WriteByte(s.Escape)
		case '\r', '\n':
			b.WriteByte(s.Escape)
			b.WriteString(".br")
			b.WriteByte(s.Escape)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

const dateTimeLayout = "20060102150405"

// FormatDateTime renders t as an HL7 TS value (YYYYMMDDHHmmss).
func FormatDateTime(t time.Time) string {
	return t.Format(dateTimeLayout)
}

// ParseDateTime reads an HL7 TS value. Precision may be shortened down to
// the year; fractional seconds are dropped and a trailing +/-ZZZZ offset is
// honored. Values without an offset are read in local time.
func ParseDateTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	loc := time.Local

	if i := strings.IndexAny(v, "+-"); i > 0 {
		off := v[i:]
		v = v[:i]
		if len(off) == 5 {
			h, errH := strconv.Atoi(off[1:3])
			m, errM := strconv.Atoi(off[3:5])
			if errH == nil && errM == nil {
				secs := h*3600 + m*60
				if off[0] == '-' {
					secs = -secs
				}
				loc = time.FixedZone(off, secs)
			}
		}
	}
	if i := strings.IndexByte(v, '.'); i >= 0 {
		v = v[:i]
	}

	var layout string
	switch len(v) {
	case 14:
		layout = dateTimeLayout
	case 12:
		layout = "200601021504"
	case 10:
		layout = "2006010215"
	case 8:
		layout = "20060102"
	case 6:
		layout = "200601"
	case 4:
		layout = "2006"
	default:
		return time.Time{}, fmt.Errorf("hl7: invalid datetime %q", v)
	}
	return time.ParseInLocation(layout, v, loc)
}
