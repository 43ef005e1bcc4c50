package transport

import (
	"context"
	"fmt"
	"sync"
)

const memoryQueueSize = 128

// Network is an in-process network of named endpoints. It backs tests and
// embedded deployments where relays run in the same process.
type Network struct {
	mu        sync.Mutex
	listeners map[string]*MemoryListener
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{listeners: make(map[string]*MemoryListener)}
}

// Listen registers endpoint and returns its listener.
func (n *Network) Listen(endpoint string) (*MemoryListener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.listeners[endpoint]; ok {
		return nil, fmt.Errorf("transport: endpoint %q already in use", endpoint)
	}
	l := &MemoryListener{
		network:  n,
		endpoint: endpoint,
		accept:   make(chan *memoryStream),
		done:     make(chan struct{}),
	}
	n.listeners[endpoint] = l
	return l, nil
}

// Open dials endpoint from the default source address.
func (n *Network) Open(ctx context.Context, endpoint string) (ByteStream, error) {
	return n.open(ctx, "client", endpoint)
}

// Dialer returns a Dialer whose streams report from as their remote address
// on the accepting side.
func (n *Network) Dialer(from string) Dialer {
	return DialerFunc(func(ctx context.Context, endpoint string) (ByteStream, error) {
		return n.open(ctx, from, endpoint)
	})
}

func (n *Network) open(ctx context.Context, from, endpoint string) (ByteStream, error) {
	n.mu.Lock()
	l, ok := n.listeners[endpoint]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("transport: dial %s: connection refused", endpoint)
	}

	local, remote := memoryPipe(endpoint, from)
	select {
	case l.accept <- remote:
		return local, nil
	case <-l.done:
		return nil, fmt.Errorf("transport: dial %s: connection refused", endpoint)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (n *Network) remove(endpoint string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.listeners, endpoint)
}

// MemoryListener accepts streams for one endpoint of a Network.
type MemoryListener struct {
	network  *Network
	endpoint string
	accept   chan *memoryStream
	done     chan struct{}
	once     sync.Once
}

// Accept waits for the next inbound stream.
func (l *MemoryListener) Accept(ctx context.Context) (ByteStream, error) {
	select {
	case s := <-l.accept:
		return s, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close unregisters the endpoint.
func (l *MemoryListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.network.remove(l.endpoint)
	})
	return nil
}

// Addr returns the endpoint name.
func (l *MemoryListener) Addr() string {
	return l.endpoint
}

type memoryStream struct {
	in     <-chan []byte
	out    chan<- []byte
	done   chan struct{}
	once   *sync.Once
	remote string
}

func memoryPipe(server, client string) (*memoryStream, *memoryStream) {
	ab := make(chan []byte, memoryQueueSize)
	ba := make(chan []byte, memoryQueueSize)
	done := make(chan struct{})
	once := &sync.Once{}
	return &memoryStream{in: ba, out: ab, done: done, once: once, remote: server},
		&memoryStream{in: ab, out: ba, done: done, once: once, remote: client}
}

func (s *memoryStream) Send(ctx context.Context, frame []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	select {
	case s.out <- append([]byte(nil), frame...):
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *memoryStream) Receive(ctx context.Context) ([]byte, error) {
	select {
	case f := <-s.in:
		return f, nil
	case <-s.done:
		// Frames sent before close are still delivered.
		select {
		case f := <-s.in:
			return f, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *memoryStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *memoryStream) RemoteAddr() string {
	return s.remote
}
