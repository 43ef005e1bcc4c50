// Package relay implements the responder side of a tunnel hop.
//
// A Server accepts streams, answers the hop handshake, and then waits for a
// single Extend request. A relay extend opens a framed stream to the next
// relay, an exit extend opens a raw stream to the tunnel target. After an
// Extended reply the server pipes Data records in both directions until
// either side closes. Rekeys from the client are answered in-band while the
// pipe runs.
package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pzverkov/pqtunnel/internal/constants"
	qerrors "github.com/pzverkov/pqtunnel/internal/errors"
	"github.com/pzverkov/pqtunnel/pkg/channel"
	"github.com/pzverkov/pqtunnel/pkg/kex"
	"github.com/pzverkov/pqtunnel/pkg/protocol"
	"github.com/pzverkov/pqtunnel/pkg/transport"
)

// Config holds relay settings.
type Config struct {
	// Registry resolves client algorithm selectors. Nil uses kex.Default().
	Registry *kex.Registry

	// CipherSuites accepted from clients. Empty accepts all.
	CipherSuites []constants.CipherSuite

	// KeyLifetime sets hop key expiry.
	KeyLifetime time.Duration

	// HandshakeTimeout bounds the handshake and the wait for Extend.
	// Default: 30 seconds
	HandshakeTimeout time.Duration

	// HandshakeRate and HandshakeBurst limit handshakes globally. 0 disables.
	HandshakeRate  float64
	HandshakeBurst int

	// PerIPHandshakeRate and PerIPHandshakeBurst limit handshakes per source. 0 disables.
	PerIPHandshakeRate  float64
	PerIPHandshakeBurst int

	// MaxCircuitsPerIP caps concurrent circuits per source. 0 disables.
	MaxCircuitsPerIP int

	// Observer receives relay events. Optional.
	Observer Observer

	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// DefaultConfig returns the relay defaults.
func DefaultConfig() Config {
	return Config{
		KeyLifetime:         constants.DefaultRekeyInterval,
		HandshakeTimeout:    constants.DefaultHandshakeTimeout,
		HandshakeRate:       100,
		HandshakeBurst:      10,
		PerIPHandshakeRate:  10,
		PerIPHandshakeBurst: 5,
		MaxCircuitsPerIP:    64,
	}
}

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = constants.DefaultHandshakeTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Observer == nil {
		c.Observer = nopObserver{}
	}
}

// Server serves hop handshakes and circuits on one listener.
type Server struct {
	cfg     Config
	ln      transport.Listener
	next    transport.Dialer
	exit    transport.Dialer
	conns   *ConnLimiter
	limiter *HandshakeLimiter
	codec   *protocol.Codec
	log     *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	closed  bool
	handler sync.WaitGroup

	active atomic.Int64
	total  atomic.Uint64
}

// New creates a server. next dials framed streams to other relays, exit dials
// raw streams to tunnel targets.
func New(ln transport.Listener, next, exit transport.Dialer, cfg Config) *Server {
	cfg.applyDefaults()
	return &Server{
		cfg:     cfg,
		ln:      ln,
		next:    next,
		exit:    exit,
		conns:   NewConnLimiter(cfg.MaxCircuitsPerIP),
		limiter: NewHandshakeLimiter(cfg.HandshakeRate, cfg.HandshakeBurst, cfg.PerIPHandshakeRate, cfg.PerIPHandshakeBurst),
		codec:   protocol.NewCodec(),
		log:     cfg.Logger.Named("relay").With(zap.String("addr", ln.Addr())),
	}
}

// Addr returns the listener address.
func (s *Server) Addr() string {
	return s.ln.Addr()
}

// Active returns the number of circuits being served.
func (s *Server) Active() int {
	return int(s.active.Load())
}

// Served returns the number of circuits accepted since start.
func (s *Server) Served() uint64 {
	return s.total.Load()
}

// Serve accepts streams until ctx ends or Close is called, then closes every
// circuit and waits for them to finish.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return transport.ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	defer func() {
		cancel()
		_ = s.ln.Close()
		s.handler.Wait()
	}()

	s.log.Info("relay listening")
	for {
		stream, err := s.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				s.log.Info("relay stopped")
				return nil
			}
			s.log.Error("accept failed", zap.Error(err))
			return err
		}
		s.handler.Add(1)
		go func() {
			defer s.handler.Done()
			s.handle(ctx, stream)
		}()
	}
}

// Close stops the server. Serve returns once all circuits are closed.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return s.ln.Close()
}

func (s *Server) handle(ctx context.Context, stream transport.ByteStream) {
	remote := transport.RemoteAddr(stream)
	ip := hostOf(remote)
	log := s.log.With(zap.String("remote", remote))

	if !s.conns.Acquire(ip) {
		s.cfg.Observer.OnConnectionRateLimit(ip)
		log.Warn("circuit limit exceeded")
		s.reject(ctx, stream, "too many circuits")
		return
	}
	defer s.conns.Release(ip)

	if ok, global := s.limiter.Allow(ip); !ok {
		s.cfg.Observer.OnHandshakeRateLimit(ip)
		log.Warn("handshake rate limit exceeded", zap.Bool("global", global))
		s.reject(ctx, stream, "handshake rate limit exceeded")
		return
	}

	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	start := time.Now()
	sctx, end := s.cfg.Observer.OnHandshakeStart(hctx, remote)
	ch, err := channel.Accept(sctx, stream, channel.ResponderConfig{
		Registry:     s.cfg.Registry,
		CipherSuites: s.cfg.CipherSuites,
		KeyLifetime:  s.cfg.KeyLifetime,
	})
	elapsed := time.Since(start)
	end(ch, err)
	if err != nil {
		cancel()
		_ = stream.Close()
		log.Warn("handshake failed", zap.Error(err), zap.Duration("duration", elapsed))
		return
	}
	log = log.With(zap.Uint8("hop", ch.Hop()), zap.String("algorithm", ch.Algorithm().String()))
	log.Debug("handshake completed", zap.Duration("duration", elapsed))

	s.active.Add(1)
	s.total.Add(1)
	defer s.active.Add(-1)

	err = s.serveCircuit(ctx, hctx, ch, log)
	cancel()
	_ = ch.Close()
	s.cfg.Observer.OnCircuitClosed(remote, ch.Stats(), err)
	if err != nil && !isNormalClose(ctx, err) {
		log.Warn("circuit closed", zap.Error(err))
		return
	}
	log.Debug("circuit closed")
}

func (s *Server) reject(ctx context.Context, stream transport.ByteStream, reason string) {
	rctx, cancel := context.WithTimeout(ctx, time.Second)
	channel.Reject(rctx, stream, protocol.AlertCodeRateLimited, reason)
	cancel()
	_ = stream.Close()
}

// serveCircuit waits for Extend under the handshake deadline, connects
// onward and pipes until either side ends.
func (s *Server) serveCircuit(ctx, hctx context.Context, ch *channel.Channel, log *zap.Logger) error {
	ct, body, err := ch.ReceiveMessage(hctx)
	if err != nil {
		return err
	}
	if ct != protocol.ContentExtend {
		return qerrors.NewProtocolError("extend", qerrors.ErrUnexpectedMessage)
	}
	ext, err := s.codec.DecodeExtend(body)
	if err != nil {
		s.reply(hctx, ch, protocol.ExtendRefused, "malformed extend")
		return qerrors.NewProtocolError("extend", err)
	}

	dialer := s.next
	if ext.Kind == protocol.ExtendExit {
		dialer = s.exit
	}
	next, err := dialer.Open(hctx, ext.Endpoint)
	s.cfg.Observer.OnExtend(ext.Kind, ext.Endpoint, err)
	if err != nil {
		log.Warn("extend failed", zap.String("endpoint", ext.Endpoint), zap.Error(err))
		s.reply(hctx, ch, protocol.ExtendUnreachable, err.Error())
		return err
	}
	if err := s.reply(hctx, ch, protocol.ExtendOK, ""); err != nil {
		_ = next.Close()
		return err
	}
	log.Debug("circuit extended", zap.String("endpoint", ext.Endpoint), zap.Stringer("kind", ext.Kind))
	return pipe(ctx, ch, next)
}

func (s *Server) reply(ctx context.Context, ch *channel.Channel, status protocol.ExtendStatus, reason string) error {
	return ch.SendMessage(ctx, protocol.ContentExtended, s.codec.EncodeExtended(&protocol.Extended{Status: status, Reason: reason}))
}

// pipe copies Data records from ch to next and frames from next back to ch.
// The first side to fail closes both.
func pipe(ctx context.Context, ch *channel.Channel, next transport.ByteStream) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer next.Close()
		for {
			data, err := ch.Receive(gctx)
			if err != nil {
				return err
			}
			if err := next.Send(gctx, data); err != nil {
				return err
			}
		}
	})
	g.Go(func() error {
		defer ch.Close()
		for {
			data, err := next.Receive(gctx)
			if err != nil {
				return err
			}
			if err := ch.Send(gctx, data); err != nil {
				return err
			}
		}
	})
	return g.Wait()
}

func isNormalClose(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, qerrors.ErrTransportClosed) && !qerrors.IsSecurityEvent(err)
}
