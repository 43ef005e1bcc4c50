// Package reconnect keeps a tunnel up across failures.
//
// The tunnel manager never retries on its own. A Supervisor is the retry
// policy: it creates and connects a tunnel, waits for it to end, and when
// it failed creates a fresh one (with a new ID) after an exponential
// backoff. A tunnel closed by Disconnect stops the supervisor.
package reconnect

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/samber/oops"
	"go.uber.org/zap"

	qerrors "github.com/pzverkov/pqtunnel/internal/errors"
	"github.com/pzverkov/pqtunnel/pkg/tunnel"
)

// Manager is the part of tunnel.Manager a Supervisor drives.
type Manager interface {
	CreateTunnel(cfg tunnel.Config) (tunnel.ID, error)
	Connect(ctx context.Context, id tunnel.ID) error
	Disconnect(ctx context.Context, id tunnel.ID) error
	Status(id tunnel.ID) (tunnel.State, error)
	Done(id tunnel.ID) (<-chan struct{}, error)
}

var _ Manager = (*tunnel.Manager)(nil)

// Policy bounds reconnect attempts.
type Policy struct {
	// MaxAttempts caps connect attempts per outage. Zero means unlimited.
	// Default: 5
	MaxAttempts uint

	// BaseDelay is the first wait between attempts.
	// Default: 5 seconds
	BaseDelay time.Duration

	// MaxDelay caps the wait between attempts.
	// Default: 1 minute
	MaxDelay time.Duration
}

// DefaultPolicy returns the reconnect defaults.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, BaseDelay: 5 * time.Second, MaxDelay: time.Minute}
}

// errStopped ends a retry loop once the caller disconnected the tunnel.
var errStopped = errors.New("reconnect: stopped")

// Supervisor owns one logical connection.
type Supervisor struct {
	m      Manager
	cfg    tunnel.Config
	policy Policy
	log    *zap.Logger

	// OnReconnect, if set, is called before each wait with the failure that
	// caused it.
	OnReconnect func(err error, wait time.Duration)

	mu       sync.Mutex
	current  tunnel.ID
	stopped  bool
	restarts int
}

// New returns a supervisor for cfg. A nil logger discards output.
func New(m Manager, cfg tunnel.Config, policy Policy, log *zap.Logger) *Supervisor {
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultPolicy().BaseDelay
	}
	if policy.MaxDelay < policy.BaseDelay {
		policy.MaxDelay = policy.BaseDelay
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{m: m, cfg: cfg, policy: policy, log: log.Named("reconnect")}
}

// Current returns the tunnel being supervised, if any.
func (s *Supervisor) Current() (tunnel.ID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.current != uuid.Nil
}

// Restarts returns how many times a failed tunnel was replaced.
func (s *Supervisor) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// Run keeps a tunnel connected until ctx ends, Stop is called, or an outage
// outlasts the policy. It returns nil after Stop.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		id, err := s.establish(ctx)
		if errors.Is(err, errStopped) {
			return nil
		}
		if err != nil {
			return err
		}
		if s.isStopped() {
			// Stop ran before this tunnel became current.
			_ = s.m.Disconnect(ctx, id)
			return nil
		}

		done, err := s.m.Done(id)
		if err != nil {
			return err
		}
		select {
		case <-done:
		case <-ctx.Done():
			_ = s.m.Disconnect(context.WithoutCancel(ctx), id)
			return ctx.Err()
		}

		st, _ := s.m.Status(id)
		if st == tunnel.StateClosed || s.isStopped() {
			s.log.Info("tunnel closed", zap.Stringer("tunnel", id))
			return nil
		}
		s.mu.Lock()
		s.restarts++
		s.mu.Unlock()
		s.log.Warn("tunnel failed, reconnecting", zap.Stringer("tunnel", id))
	}
}

// establish creates and connects a tunnel, retrying connect failures.
func (s *Supervisor) establish(ctx context.Context) (tunnel.ID, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.policy.BaseDelay
	b.MaxInterval = s.policy.MaxDelay

	attempt := 0
	op := func() (tunnel.ID, error) {
		if s.isStopped() {
			return uuid.Nil, backoff.Permanent(errStopped)
		}
		attempt++
		id, err := s.m.CreateTunnel(s.cfg)
		if err != nil {
			return uuid.Nil, backoff.Permanent(err)
		}
		s.setCurrent(id)
		err = s.m.Connect(ctx, id)
		if err == nil {
			s.log.Info("tunnel established", zap.Stringer("tunnel", id), zap.Int("attempt", attempt))
			return id, nil
		}
		if st, _ := s.m.Status(id); st == tunnel.StateClosed || s.isStopped() {
			return uuid.Nil, backoff.Permanent(errStopped)
		}
		if errors.Is(err, qerrors.ErrInvalidConfig) || errors.Is(err, qerrors.ErrManagerClosed) {
			return uuid.Nil, backoff.Permanent(err)
		}
		return uuid.Nil, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			s.log.Warn("connect failed", zap.Error(err), zap.Duration("retry_in", wait))
			if s.OnReconnect != nil {
				s.OnReconnect(err, wait)
			}
		}),
	}
	if s.policy.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(s.policy.MaxAttempts))
	}

	id, err := backoff.Retry(ctx, op, opts...)
	if err != nil && !errors.Is(err, errStopped) {
		return uuid.Nil, oops.In("reconnect").
			With("target", s.cfg.Target).
			With("attempts", attempt).
			Wrapf(err, "tunnel not established")
	}
	return id, err
}

// Stop disconnects the current tunnel and ends Run.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	id := s.current
	s.mu.Unlock()
	if id == uuid.Nil {
		return nil
	}
	err := s.m.Disconnect(ctx, id)
	if errors.Is(err, qerrors.ErrInvalidStateTransition) {
		return nil
	}
	return err
}

func (s *Supervisor) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Supervisor) setCurrent(id tunnel.ID) {
	s.mu.Lock()
	s.current = id
	s.mu.Unlock()
}
