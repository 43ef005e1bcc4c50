// Package transport defines the raw networking contract of the tunnel engine
// and provides an in-memory network plus TCP implementations of it.
//
// A ByteStream moves opaque frames: one Send on one side arrives as exactly
// one Receive on the other, in order. The secure transport layer is the only
// consumer of this package inside the engine.
package transport

import (
	"context"

	qerrors "github.com/pzverkov/pqtunnel/internal/errors"
)

// ByteStream is a bidirectional, ordered, frame-preserving stream.
type ByteStream interface {
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens streams to endpoints.
type Dialer interface {
	Open(ctx context.Context, endpoint string) (ByteStream, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, endpoint string) (ByteStream, error)

// Open calls f.
func (f DialerFunc) Open(ctx context.Context, endpoint string) (ByteStream, error) {
	return f(ctx, endpoint)
}

// Listener accepts inbound streams.
type Listener interface {
	Accept(ctx context.Context) (ByteStream, error)
	Close() error
	Addr() string
}

// RemoteAddr returns the peer address of s when the stream exposes one.
func RemoteAddr(s ByteStream) string {
	if ra, ok := s.(interface{ RemoteAddr() string }); ok {
		return ra.RemoteAddr()
	}
	return ""
}

// ErrClosed is returned by streams and listeners after Close or peer close.
var ErrClosed = qerrors.ErrTransportClosed
