package httpx

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// ErrFraming reports a request head that is too large or not HTTP.
var ErrFraming = errors.New("http framing error")

// DefaultMaxHeaderSize bounds the request head a HeadParser accepts.
const DefaultMaxHeaderSize = 32 * 1024

var headerEnd = []byte("\r\n\r\n")

// HeadParser detects and parses an HTTP request head from bytes delivered in
// arbitrary pieces. Once the head is complete, everything after the blank line
// is available from Remaining.
type HeadParser struct {
	buf  []byte
	max  int
	head *ProxyHeaders
	end  int
}

// NewHeadParser returns a parser bounded to max head bytes (<= 0 selects DefaultMaxHeaderSize).
func NewHeadParser(max int) *HeadParser {
	if max <= 0 {
		max = DefaultMaxHeaderSize
	}
	return &HeadParser{max: max}
}

// Push appends chunk and returns the parsed head once the terminator has been
// seen, nil before that. After the head is found further chunks only extend
// Remaining and the same head is returned.
func (p *HeadParser) Push(chunk []byte) (*ProxyHeaders, error) {
	if p.head != nil {
		p.buf = append(p.buf, chunk...)
		return p.head, nil
	}
	// Only the tail of the old buffer can join with chunk to form the terminator.
	from := len(p.buf) - (len(headerEnd) - 1)
	if from < 0 {
		from = 0
	}
	p.buf = append(p.buf, chunk...)
	idx := bytes.Index(p.buf[from:], headerEnd)
	if idx < 0 {
		if len(p.buf) > p.max {
			return nil, fmt.Errorf("%w: header too large (%d>%d)", ErrFraming, len(p.buf), p.max)
		}
		return nil, nil
	}
	end := from + idx + len(headerEnd)
	if end > p.max {
		return nil, fmt.Errorf("%w: header too large (%d>%d)", ErrFraming, end, p.max)
	}
	head, err := parseHead(p.buf[:end])
	if err != nil {
		return nil, err
	}
	p.head, p.end = head, end
	return head, nil
}

// Remaining returns the bytes after the header terminator; before the head is
// complete it returns nil.
func (p *HeadParser) Remaining() []byte {
	if p.head == nil {
		return nil
	}
	return append([]byte(nil), p.buf[p.end:]...)
}

func parseHead(raw []byte) (*ProxyHeaders, error) {
	lines := strings.Split(strings.TrimSuffix(string(raw), "\r\n\r\n"), "\r\n")
	reqLine := lines[0]
	parts := strings.Split(reqLine, " ")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || !strings.HasPrefix(parts[2], "HTTP/") {
		return nil, fmt.Errorf("%w: bad request line: %q", ErrFraming, reqLine)
	}
	ph := &ProxyHeaders{Method: parts[0], URI: parts[1], Proto: parts[2]}
	for _, line := range lines[1:] {
		colon := strings.Index(line, ":")
		if colon <= 0 {
			return nil, fmt.Errorf("%w: malformed header line: %q", ErrFraming, line)
		}
		ph.Headers = append(ph.Headers, Header{Name: line[:colon], Value: strings.TrimSpace(line[colon+1:])})
	}
	return ph, nil
}
