package hl7

import "bytes"

// Frame wraps msg in the given start and end markers.
func Frame(msg, start, end []byte) []byte {
	out := make([]byte, 0, len(start)+len(msg)+len(end))
	out = append(out, start...)
	out = append(out, msg...)
	return append(out, end...)
}

// Deframe strips a leading start marker and a trailing end marker when
// present.
func Deframe(raw, start, end []byte) []byte {
	if len(start) > 0 {
		raw = bytes.TrimPrefix(raw, start)
	}
	if len(end) > 0 {
		raw = bytes.TrimSuffix(raw, end)
	}
	return raw
}
