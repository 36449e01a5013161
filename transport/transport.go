// Package transport provides the byte streams the pump driver talks over.
package transport

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("transport: device not found")
	ErrClosed   = errors.New("transport: stream closed")
)

// Stream is a bidirectional byte link to one pump. Read blocks until bytes
// arrive or the stream is closed; Close must unblock a pending Read.
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	IsConnected() bool
	Close() error
}

// Opener acquires a Stream to the named device. It returns an error wrapping
// ErrNotFound when no device with that name is known.
type Opener interface {
	Open(ctx context.Context, name string) (Stream, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, name string) (Stream, error)

func (f OpenerFunc) Open(ctx context.Context, name string) (Stream, error) {
	return f(ctx, name)
}
