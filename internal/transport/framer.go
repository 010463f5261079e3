package transport

import "bytes"

// Framer extracts start...end delimited messages from a byte stream fed in
// arbitrary chunks.
type Framer struct {
	start []byte
	end   []byte
	buf   []byte
}

func NewFramer(start, end []byte) *Framer {
	return &Framer{
		start: append([]byte(nil), start...),
		end:   append([]byte(nil), end...),
	}
}

// Push appends chunk to the buffer and returns every message completed by
// it, markers stripped. Bytes before the first start marker are discarded;
// an unterminated tail is kept for the next chunk.
func (f *Framer) Push(chunk []byte) [][]byte {
	f.buf = append(f.buf, chunk...)

	var out [][]byte
	for {
		s := bytes.Index(f.buf, f.start)
		if s < 0 {
			// keep a possible partial start marker
			if keep := len(f.start) - 1; keep > 0 && len(f.buf) > keep {
				f.buf = append(f.buf[:0], f.buf[len(f.buf)-keep:]...)
			} else if keep == 0 {
				f.buf = f.buf[:0]
			}
			break
		}
		if s > 0 {
			f.buf = append(f.buf[:0], f.buf[s:]...)
		}

		e := bytes.Index(f.buf[len(f.start):], f.end)
		if len(f.start) > 0 {
			// a new start marker before the end abandons the open message
			if r := bytes.Index(f.buf[len(f.start):], f.start); r >= 0 && (e < 0 || r < e) {
				f.buf = append(f.buf[:0], f.buf[len(f.start)+r:]...)
				continue
			}
		}
		if e < 0 {
			break
		}
		body := f.buf[len(f.start) : len(f.start)+e]
		out = append(out, append([]byte(nil), body...))
		f.buf = append(f.buf[:0], f.buf[len(f.start)+e+len(f.end):]...)
	}
	return out
}

// Pending is the number of buffered bytes not yet part of a complete message.
func (f *Framer) Pending() int {
	return len(f.buf)
}

func (f *Framer) Reset() {
	f.buf = f.buf[:0]
}
