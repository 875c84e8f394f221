package proto

import (
	"errors"
	"fmt"
	"io"
)

// Version is reported in AUTH and in the product header of synthesized responses.
const Version = "1.0.0"

// Reader pulls ControlMessages off a stream one at a time. Bytes read past a
// message stay buffered and are available from Remaining.
type Reader struct {
	r      io.Reader
	parser *FrameParser
	buf    []byte
}

// NewReader wraps r with a FrameParser bounded to maxFrame bytes.
func NewReader(r io.Reader, maxFrame int) *Reader {
	return &Reader{r: r, parser: NewFrameParser(maxFrame), buf: make([]byte, 32*1024)}
}

// Next blocks until one message is decoded or the stream fails. Input that
// cannot start a message fails with ErrFraming without waiting for more. At
// end of input a final flush is attempted before io.EOF is returned.
func (r *Reader) Next() (*ControlMessage, error) {
	for {
		m, err := r.parser.Next()
		if err != nil || m != nil {
			return m, err
		}
		if c, bad := r.parser.leadingGarbage(); bad {
			return nil, fmt.Errorf("%w: unexpected byte %q before message", ErrFraming, c)
		}
		n, rerr := r.r.Read(r.buf)
		if n > 0 {
			r.parser.Append(r.buf[:n])
		}
		if rerr != nil {
			if m, err := r.parser.Next(); m != nil || err != nil {
				return m, err
			}
			if errors.Is(rerr, io.EOF) {
				return nil, io.EOF
			}
			return nil, rerr
		}
	}
}

// Remaining returns buffered bytes not consumed by a decoded message.
func (r *Reader) Remaining() []byte { return r.parser.Remaining() }
