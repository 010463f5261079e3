package astm

import "bytes"

// Link layer control characters (ASTM E1381 / CLSI LIS01).
const (
	ENQ = 0x05
	ACK = 0x06
	NAK = 0x15
	EOT = 0x04
	STX = 0x02
	ETX = 0x03
	ETB = 0x17
	CR  = 0x0D
	LF  = 0x0A
)

const hexDigits = "0123456789ABCDEF"

// Checksum returns C1 C2 for body, the bytes after STX up to and including
// the ETX or ETB: their sum modulo 256 as two upper-case hex digits.
func Checksum(body []byte) []byte {
	var sum byte
	for _, c := range body {
		sum += c
	}
	return []byte{hexDigits[sum>>4], hexDigits[sum&0x0F]}
}

// ValidFrame reports whether a frame starting at STX carries the checksum
// its body adds up to. A frame whose two trailer bytes are not hex digits
// carries no checksum and is accepted as is.
func ValidFrame(frame []byte) bool {
	if len(frame) == 0 || frame[0] != STX {
		return false
	}
	end := bytes.IndexAny(frame, string([]byte{ETX, ETB}))
	if end < 0 {
		return false
	}
	trailer := frame[end+1:]
	if len(trailer) < 2 || !isHex(trailer[0]) || !isHex(trailer[1]) {
		return true
	}
	return bytes.EqualFold(trailer[:2], Checksum(frame[1:end+1]))
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'A' && c <= 'F') || (c >= 'a' && c <= 'f')
}

// Unframe removes link-layer framing from a transmission and returns the
// record text. Frames look like STX FN text ETX|ETB C1 C2 CR LF; text of an
// ETB frame continues in the next frame. Frames failing ValidFrame were
// refused on the link and are skipped in favour of their retransmission.
// Input without STX is treated as bare record text and only loses stray
// control characters.
func Unframe(raw []byte) []byte {
	if bytes.IndexByte(raw, STX) < 0 {
		return stripControl(raw)
	}

	var out bytes.Buffer
	for i := 0; i < len(raw); i++ {
		if raw[i] != STX {
			continue
		}
		frameStart := i
		i++
		if i < len(raw) && raw[i] >= '0' && raw[i] <= '7' {
			i++
		}
		start := i
		for i < len(raw) && raw[i] != ETX && raw[i] != ETB && raw[i] != STX {
			i++
		}
		text := raw[start:i]
		if i < len(raw) && raw[i] == STX {
			// frame cut short; keep what arrived and resume at the new STX
			out.Write(stripControl(text))
			i--
			continue
		}
		if i < len(raw) && !ValidFrame(raw[frameStart:min(i+3, len(raw))]) {
			i += 2
			continue
		}
		out.Write(stripControl(text))
		if i < len(raw) && raw[i] == ETX && !bytes.HasSuffix(text, []byte{CR}) {
			out.WriteByte(CR)
		}
		// checksum and CR LF trailer
		i += 2
	}
	return out.Bytes()
}

// stripControl drops every control byte except CR and LF.
func stripControl(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		if c < 0x20 && c != CR && c != LF {
			continue
		}
		out = append(out, c)
	}
	return out
}

// IsLikelyAstm reports whether raw looks like an ASTM transmission rather
// than an HL7 message.
func IsLikelyAstm(raw []byte) bool {
	for _, c := range raw {
		if c == ENQ || c == STX {
			return true
		}
		if c < 0x20 {
			continue
		}
		break
	}
	text := bytes.TrimLeft(stripControl(raw), "\r\n \t")
	if len(text) < 2 || text[0] != 'H' {
		return false
	}
	d := text[1]
	return !(d >= 'A' && d <= 'Z') && !(d >= 'a' && d <= 'z') && !(d >= '0' && d <= '9')
}
