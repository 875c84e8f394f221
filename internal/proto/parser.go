package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrFraming reports a control stream that can no longer be decoded.
var ErrFraming = errors.New("framing error")

// DefaultMaxFrame bounds the bytes a FrameParser buffers without completing a message.
const DefaultMaxFrame = 1 << 20

// FrameParser incrementally recovers self-delimited JSON control messages from
// a byte stream that may deliver a message in several reads, several messages
// in one read, or a message followed by raw payload.
//
// Not safe for concurrent use.
type FrameParser struct {
	buf    []byte
	cursor int
	max    int
}

// NewFrameParser returns a parser that fails once more than max bytes are
// pending without forming a message. max <= 0 selects DefaultMaxFrame.
func NewFrameParser(max int) *FrameParser {
	if max <= 0 {
		max = DefaultMaxFrame
	}
	return &FrameParser{max: max}
}

// Append buffers chunk without decoding.
func (p *FrameParser) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	if p.cursor > 0 && p.cursor == len(p.buf) {
		p.buf = p.buf[:0]
		p.cursor = 0
	}
	p.buf = append(p.buf, chunk...)
}

// Push buffers chunk and returns every message that is now complete. An empty
// chunk only retries decoding, which is how end of input is flushed.
func (p *FrameParser) Push(chunk []byte) ([]*ControlMessage, error) {
	p.Append(chunk)
	var out []*ControlMessage
	for {
		m, err := p.Next()
		if err != nil {
			return out, err
		}
		if m == nil {
			return out, nil
		}
		out = append(out, m)
	}
}

// Next decodes a single message from the buffered bytes. It returns nil, nil
// when the pending bytes do not (yet) start a complete message; they stay in
// Remaining. Callers that switch to raw payload after a particular message use
// Next so nothing past that message is interpreted.
func (p *FrameParser) Next() (*ControlMessage, error) {
	start, end := scanObject(p.buf[p.cursor:])
	if end < 0 {
		if pending := len(p.buf) - p.cursor; pending > p.max {
			return nil, fmt.Errorf("%w: %d bytes pending without a complete message (max %d)", ErrFraming, pending, p.max)
		}
		return nil, nil
	}
	raw := p.buf[p.cursor+start : p.cursor+end]
	var m ControlMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFraming, err)
	}
	if m.Action == "" {
		return nil, fmt.Errorf("%w: message without action", ErrFraming)
	}
	p.cursor += end
	return &m, nil
}

// Remaining returns the bytes appended but not consumed by a decoded message.
// The slice is a copy.
func (p *FrameParser) Remaining() []byte {
	return append([]byte(nil), p.buf[p.cursor:]...)
}

// leadingGarbage reports whether the unconsumed bytes begin with something
// other than whitespace or the start of an object.
func (p *FrameParser) leadingGarbage() (byte, bool) {
	for _, c := range p.buf[p.cursor:] {
		if isSpace(c) {
			continue
		}
		return c, c != '{'
	}
	return 0, false
}

// Buffered reports how many unconsumed bytes the parser holds.
func (p *FrameParser) Buffered() int { return len(p.buf) - p.cursor }

// scanObject looks for one complete top-level JSON object at the start of b,
// allowing leading whitespace. It returns the object's [start, end) bounds, or
// end == -1 when b holds no complete object there: either the object is still
// partial, or b starts with something that is not an object at all.
func scanObject(b []byte) (start, end int) {
	i := 0
	for i < len(b) && isSpace(b[i]) {
		i++
	}
	if i == len(b) || b[i] != '{' {
		return 0, -1
	}
	start = i
	depth := 0
	inString, escaped := false, false
	for ; i < len(b); i++ {
		c := b[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return start, i + 1
			}
		}
	}
	return 0, -1
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}
