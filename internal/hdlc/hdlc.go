// Package hdlc implements HDLC-style byte stuffing for stream transports
// that need in-band framing (TCP client/server, serial links). It mirrors
// the framing used by the reference Reticulum implementation so that a
// node built on this package stays wire-compatible with it.
package hdlc

const (
	Flag    byte = 0x7E
	Esc     byte = 0x7D
	EscMask byte = 0x20
)

// Escape byte-stuffs data so that neither Flag nor Esc appear unescaped.
func Escape(data []byte) []byte {
	out := make([]byte, 0, len(data)+2)
	for _, b := range data {
		switch b {
		case Esc:
			out = append(out, Esc, b^EscMask)
		case Flag:
			out = append(out, Esc, b^EscMask)
		default:
			out = append(out, b)
		}
	}
	return out
}

// Unescape reverses Escape. It returns false if data ends on an
// incomplete escape sequence (a trailing Esc byte with no following byte).
func Unescape(data []byte) ([]byte, bool) {
	out := make([]byte, 0, len(data))
	inEscape := false
	for _, b := range data {
		if inEscape {
			out = append(out, b^EscMask)
			inEscape = false
			continue
		}
		if b == Esc {
			inEscape = true
			continue
		}
		out = append(out, b)
	}
	if inEscape {
		return nil, false
	}
	return out, true
}

// Frame wraps data in Flag bytes after escaping it.
func Frame(data []byte) []byte {
	escaped := Escape(data)
	out := make([]byte, 0, len(escaped)+2)
	out = append(out, Flag)
	out = append(out, escaped...)
	out = append(out, Flag)
	return out
}

// Extractor consumes a streaming byte source and extracts complete HDLC
// frames, buffering partial frames across calls. It mirrors the
// extract_and_process_frames loop used by stream-oriented interfaces:
// garbage before the first Flag is discarded, empty frames are skipped,
// and frames that fail to unescape are dropped rather than surfaced as
// errors (a malformed peer must not be able to wedge the reader).
type Extractor struct {
	buf []byte
}

// Feed appends newly read bytes and returns any complete frames found,
// in order. Leftover partial-frame bytes are retained for the next call.
func (e *Extractor) Feed(data []byte) [][]byte {
	e.buf = append(e.buf, data...)

	var frames [][]byte
	for {
		start := indexByte(e.buf, Flag)
		if start == -1 {
			e.buf = e.buf[:0]
			return frames
		}
		if start > 0 {
			// Discard garbage preceding the first flag.
			e.buf = e.buf[start:]
		}
		end := indexByte(e.buf[1:], Flag)
		if end == -1 {
			// Incomplete frame; wait for more data.
			return frames
		}
		end++ // adjust for the slice offset above

		raw := e.buf[1:end]
		e.buf = e.buf[end:]

		if len(raw) == 0 {
			// Back-to-back flags with nothing between them; skip and
			// keep scanning from the trailing flag, which may itself
			// open the next frame.
			continue
		}

		unescaped, ok := Unescape(raw)
		if !ok || len(unescaped) == 0 {
			continue
		}
		frames = append(frames, unescaped)
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
