// Package transport opens the byte-oriented channels a robot session runs on.
//
// A Channel is a bidirectional stream to one remote process. Reads never
// block: the session polls ReadNonBlocking and frames output itself.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by channel operations after the remote side or the
// caller has closed the channel.
var ErrClosed = errors.New("transport: channel closed")

// Channel is an open stream to a remote interactive process.
type Channel interface {
	// Write sends raw bytes to the remote process.
	Write(p []byte) (int, error)
	// ReadNonBlocking returns whatever output has arrived since the last call,
	// possibly nothing. Once the channel is closed and drained it returns
	// ErrClosed.
	ReadNonBlocking() ([]byte, error)
	IsClosed() bool
	Close() error
}

// Opener establishes new channels. Each call starts a fresh remote process.
type Opener interface {
	Open(ctx context.Context) (Channel, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context) (Channel, error)

func (f OpenerFunc) Open(ctx context.Context) (Channel, error) { return f(ctx) }
