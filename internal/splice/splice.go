// Package splice joins two established connections byte for byte.
package splice

import (
	"errors"
	"io"
	"net"
	"sync"
	"syscall"
	"time"
)

// Stats summarizes a finished splice.
type Stats struct {
	// AToB counts bytes read from a and written to b; BToA the reverse.
	AToB, BToA int64
	Duration   time.Duration
	// Err is the first unexpected error of either direction. Normal
	// termination (EOF, reset, closed) leaves it nil.
	Err error
}

type result struct {
	n   int64
	err error
}

// Join forwards bytes between a and b in both directions until either side
// closes or fails, then closes both. done, if non-nil, runs exactly once after
// both directions have stopped. Join returns immediately.
func Join(a, b net.Conn, done func(Stats)) {
	start := time.Now()
	var once sync.Once
	closeBoth := func() { _ = a.Close(); _ = b.Close() }
	pipe := func(dst, src net.Conn, r *result) {
		r.n, r.err = io.Copy(dst, src)
		once.Do(closeBoth)
	}
	var ab, ba result
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); pipe(b, a, &ab) }()
	go func() { defer wg.Done(); pipe(a, b, &ba) }()
	go func() {
		wg.Wait()
		if done == nil {
			return
		}
		st := Stats{AToB: ab.n, BToA: ba.n, Duration: time.Since(start)}
		for _, r := range []result{ab, ba} {
			if r.err != nil && !IsExpectedClose(r.err) && st.Err == nil {
				st.Err = r.err
			}
		}
		done(st)
	}()
}

// IsExpectedClose reports whether err is an ordinary end of a spliced
// connection: EOF, use of a closed connection, broken pipe or reset.
func IsExpectedClose(err error) bool {
	if err == nil {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED)
}

// CloseWrite half-closes c when the transport supports it.
func CloseWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}
