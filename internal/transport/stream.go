package transport

import (
	"errors"
	"io"
	"os"
	"sync"
	"time"
)

const (
	readChunk = 32 * 1024
	// maxPending bounds output that nobody has read yet. Older bytes are
	// discarded first.
	maxPending = 8 << 20
)

// streamChannel adapts a blocking reader and writer into a Channel. A pump
// goroutine copies the reader into a locked buffer that ReadNonBlocking
// drains.
type streamChannel struct {
	w       io.Writer
	closeFn func() error

	mu      sync.Mutex
	pending []byte
	err     error

	done      chan struct{}
	endOnce   sync.Once
	closeOnce sync.Once
	closeErr  error
}

type deadlineReader interface {
	SetReadDeadline(t time.Time) error
}

func newStreamChannel(r io.Reader, w io.Writer, closeFn func() error) *streamChannel {
	c := &streamChannel{
		w:       w,
		closeFn: closeFn,
		done:    make(chan struct{}),
	}
	go c.pump(r)
	return c
}

func (c *streamChannel) pump(r io.Reader) {
	buf := make([]byte, readChunk)
	dr, polled := r.(deadlineReader)
	for {
		if polled {
			if err := dr.SetReadDeadline(time.Now().Add(50 * time.Millisecond)); err != nil {
				polled = false
			}
		}
		n, err := r.Read(buf)
		if n > 0 {
			c.mu.Lock()
			c.pending = append(c.pending, buf[:n]...)
			if over := len(c.pending) - maxPending; over > 0 {
				c.pending = append(c.pending[:0], c.pending[over:]...)
			}
			c.mu.Unlock()
		}
		if err != nil {
			if polled && errors.Is(err, os.ErrDeadlineExceeded) {
				select {
				case <-c.done:
					return
				default:
					continue
				}
			}
			c.end(err)
			return
		}
	}
}

// end marks the channel closed. Buffered output stays readable.
func (c *streamChannel) end(err error) {
	c.endOnce.Do(func() {
		c.mu.Lock()
		if err == nil || errors.Is(err, io.EOF) {
			err = ErrClosed
		}
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *streamChannel) Write(p []byte) (int, error) {
	if c.IsClosed() {
		return 0, ErrClosed
	}
	n, err := c.w.Write(p)
	if err != nil {
		c.end(err)
		return n, errors.Join(ErrClosed, err)
	}
	return n, nil
}

func (c *streamChannel) ReadNonBlocking() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) > 0 {
		out := c.pending
		c.pending = nil
		return out, nil
	}
	if c.err != nil {
		if errors.Is(c.err, ErrClosed) {
			return nil, ErrClosed
		}
		return nil, errors.Join(ErrClosed, c.err)
	}
	return nil, nil
}

func (c *streamChannel) IsClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *streamChannel) Close() error {
	c.closeOnce.Do(func() {
		if c.closeFn != nil {
			c.closeErr = c.closeFn()
		}
		c.end(ErrClosed)
	})
	return c.closeErr
}
