package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pzverkov/pqtunnel/internal/constants"
	qerrors "github.com/pzverkov/pqtunnel/internal/errors"
)

const (
	defaultDialTimeout = 10 * time.Second
	rawReadChunk       = 32 * 1024
)

// TCPDialer opens streams over TCP. Framed streams carry a 4-byte big-endian
// length before every frame; raw streams pass bytes through unchanged and are
// used for the exit hop's connection to the tunnel target.
type TCPDialer struct {
	Timeout time.Duration
	Raw     bool
}

// Open dials endpoint (host:port).
func (d *TCPDialer) Open(ctx context.Context, endpoint string) (ByteStream, error) {
	timeout := d.Timeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}
	nd := net.Dialer{Timeout: timeout}
	conn, err := nd.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", endpoint, err)
	}
	if d.Raw {
		return NewRawStream(conn), nil
	}
	return NewFramedStream(conn), nil
}

// TCPListener accepts framed streams.
type TCPListener struct {
	ln net.Listener
}

// ListenTCP listens on addr for framed streams.
func ListenTCP(addr string) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return &TCPListener{ln: ln}, nil
}

// Accept waits for the next connection. Canceling ctx closes the listener.
func (l *TCPListener) Accept(ctx context.Context) (ByteStream, error) {
	stop := context.AfterFunc(ctx, func() { _ = l.ln.Close() })
	defer stop()

	conn, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return NewFramedStream(conn), nil
}

// Close stops listening.
func (l *TCPListener) Close() error {
	return l.ln.Close()
}

// Addr returns the bound address.
func (l *TCPListener) Addr() string {
	return l.ln.Addr().String()
}

// connStream holds what framed and raw streams share.
type connStream struct {
	conn net.Conn
	rmu  sync.Mutex
	wmu  sync.Mutex
}

func (s *connStream) Close() error {
	return s.conn.Close()
}

func (s *connStream) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// bind applies ctx to the next I/O through set (a read or write deadline setter).
func bind(ctx context.Context, set func(time.Time) error) func() bool {
	if dl, ok := ctx.Deadline(); ok {
		_ = set(dl)
	} else {
		_ = set(time.Time{})
	}
	return context.AfterFunc(ctx, func() { _ = set(time.Unix(1, 0)) })
}

func mapErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return context.DeadlineExceeded
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return qerrors.NewTransportError(qerrors.TransportClosed, err)
	}
	return err
}

// FramedStream is a ByteStream over a net.Conn with length-prefixed frames.
type FramedStream struct {
	connStream
}

// NewFramedStream wraps conn.
func NewFramedStream(conn net.Conn) *FramedStream {
	return &FramedStream{connStream{conn: conn}}
}

// Send writes one frame.
func (s *FramedStream) Send(ctx context.Context, frame []byte) error {
	if len(frame) > constants.MaxMessageSize {
		return qerrors.ErrMessageTooLarge
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()

	stop := bind(ctx, s.conn.SetWriteDeadline)
	defer stop()

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(frame)))
	bufs := net.Buffers{hdr[:], frame}
	if _, err := bufs.WriteTo(s.conn); err != nil {
		return mapErr(ctx, err)
	}
	return nil
}

// Receive reads one frame.
func (s *FramedStream) Receive(ctx context.Context) ([]byte, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()

	stop := bind(ctx, s.conn.SetReadDeadline)
	defer stop()

	var hdr [4]byte
	if _, err := io.ReadFull(s.conn, hdr[:]); err != nil {
		return nil, mapErr(ctx, err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > constants.MaxMessageSize {
		return nil, qerrors.ErrMessageTooLarge
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(s.conn, frame); err != nil {
		return nil, mapErr(ctx, err)
	}
	return frame, nil
}

// RawStream is a ByteStream over a net.Conn without framing. Receive returns
// whatever bytes are available, up to 32 KiB.
type RawStream struct {
	connStream
}

// NewRawStream wraps conn.
func NewRawStream(conn net.Conn) *RawStream {
	return &RawStream{connStream{conn: conn}}
}

// Send writes the bytes as-is.
func (s *RawStream) Send(ctx context.Context, data []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	stop := bind(ctx, s.conn.SetWriteDeadline)
	defer stop()

	if _, err := s.conn.Write(data); err != nil {
		return mapErr(ctx, err)
	}
	return nil
}

// Receive reads the next chunk.
func (s *RawStream) Receive(ctx context.Context) ([]byte, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()

	stop := bind(ctx, s.conn.SetReadDeadline)
	defer stop()

	buf := make([]byte, rawReadChunk)
	n, err := s.conn.Read(buf)
	if n > 0 || err == nil {
		return buf[:n], nil
	}
	return nil, mapErr(ctx, err)
}
