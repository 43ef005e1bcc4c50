// Package tunnel implements the tunnel lifecycle engine.
//
// A Manager owns every tunnel's state machine:
//
//	Created -> Negotiating -> Established <-> Rekeying
//	                              |
//	                              v
//	                        Disconnecting -> Closed
//
// Any state may move to Failed on an unrecoverable handshake or transport
// error. Transitions of one tunnel are serialized; distinct tunnels proceed
// independently.
//
// The Manager is the only caller of the leak guard's Arm and Disarm. A
// tunnel is armed in the same critical section that moves it to
// Established, and disarmed before any of its channels is torn down, so the
// armed set never holds a tunnel that is not Established or Rekeying.
//
// Basic usage:
//
//	m := tunnel.NewManager(tunnel.WithComposer(path.NewComposer(dir)))
//	id, err := m.CreateTunnel(tunnel.DefaultConfig("example.com:443"))
//	if err != nil {
//	    return err
//	}
//	if err := m.Connect(ctx, id); err != nil {
//	    return err
//	}
//	t, _ := m.Tunnel(id)
//	err = t.Send(ctx, payload)
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pzverkov/pqtunnel/internal/constants"
	qerrors "github.com/pzverkov/pqtunnel/internal/errors"
	"github.com/pzverkov/pqtunnel/pkg/kex"
	"github.com/pzverkov/pqtunnel/pkg/leakguard"
	"github.com/pzverkov/pqtunnel/pkg/path"
	"github.com/pzverkov/pqtunnel/pkg/protocol"
	"github.com/pzverkov/pqtunnel/pkg/transport"
)

// Composer resolves a hop policy into relays, entry first.
type Composer interface {
	Compose(policy path.HopPolicy) ([]path.Candidate, error)
}

// Manager creates tunnels and drives their lifecycle.
type Manager struct {
	composer      Composer
	dialer        transport.Dialer
	registry      *kex.Registry
	guard         *leakguard.Guard
	observer      Observer
	now           func() time.Time
	codec         *protocol.Codec
	historySize   int
	killOnFailure atomic.Bool

	mu      sync.Mutex
	tunnels map[ID]*Tunnel
	names   map[string]ID
	history *history
	closed  bool

	// wg tracks pump and rekey goroutines.
	wg sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithComposer sets the path composer. The default has no relays.
func WithComposer(c Composer) Option {
	return func(m *Manager) { m.composer = c }
}

// WithDialer sets how entry relays are reached. Default: framed TCP.
func WithDialer(d transport.Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithRegistry sets the key exchange registry. Default: kex.Default().
func WithRegistry(r *kex.Registry) Option {
	return func(m *Manager) { m.registry = r }
}

// WithGuard sets the leak guard. Default: a fresh disarmed guard.
func WithGuard(g *leakguard.Guard) Option {
	return func(m *Manager) { m.guard = g }
}

// WithObserver sets the lifecycle observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithHistorySize bounds the number of ended tunnels kept for diagnostics.
// Default: 256
func WithHistorySize(n int) Option {
	return func(m *Manager) { m.historySize = n }
}

// WithKillSwitchOnFailure engages the guard's kill switch whenever a tunnel
// fails. The switch stays on until a tunnel is established again or it is
// disabled explicitly. A caller disconnect never engages it.
func WithKillSwitchOnFailure(on bool) Option {
	return func(m *Manager) { m.killOnFailure.Store(on) }
}

// NewManager creates a Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		dialer:      &transport.TCPDialer{},
		observer:    NopObserver{},
		now:         time.Now,
		codec:       protocol.NewCodec(),
		historySize: constants.DefaultHistorySize,
		tunnels:     make(map[ID]*Tunnel),
		names:       make(map[string]ID),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.composer == nil {
		m.composer = path.NewComposer(path.NewDirectory())
	}
	if m.registry == nil {
		m.registry = kex.Default()
	}
	if m.guard == nil {
		m.guard = leakguard.New()
	}
	if m.observer == nil {
		m.observer = NopObserver{}
	}
	m.history = newHistory(m.historySize)
	return m
}

// Guard returns the leak guard the manager arms.
func (m *Manager) Guard() *leakguard.Guard { return m.guard }

// SetKillSwitchOnFailure changes whether a failing tunnel engages the kill
// switch. It does not touch the switch itself.
func (m *Manager) SetKillSwitchOnFailure(on bool) { m.killOnFailure.Store(on) }

// CreateTunnel validates cfg and records a new tunnel in state Created.
func (m *Manager) CreateTunnel(cfg Config) (ID, error) {
	cfg = cfg.clone()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return uuid.Nil, qerrors.NewTunnelError("", "create", nil, err)
	}
	if _, err := m.registry.Lookup(cfg.Algorithm); err != nil {
		return uuid.Nil, qerrors.NewTunnelError("", "create", qerrors.ErrInvalidConfig, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return uuid.Nil, qerrors.NewTunnelError("", "create", qerrors.ErrManagerClosed, nil)
	}
	if cfg.Name != "" {
		if other, ok := m.names[cfg.Name]; ok {
			return uuid.Nil, qerrors.NewTunnelError(other.String(), "create", qerrors.ErrAlreadyExists,
				fmt.Errorf("name %q in use", cfg.Name))
		}
	}

	id := uuid.New()
	for m.known(id) {
		id = uuid.New()
	}
	t := newTunnel(m, id, cfg)
	m.tunnels[id] = t
	if cfg.Name != "" {
		m.names[cfg.Name] = id
	}
	m.observer.OnCreated(id, t.cfg.clone())
	return id, nil
}

// known reports whether id was ever handed out and is still remembered.
// The caller holds m.mu.
func (m *Manager) known(id ID) bool {
	if _, ok := m.tunnels[id]; ok {
		return true
	}
	return m.history.contains(id)
}

func (m *Manager) lookup(id ID) (*Tunnel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tunnels[id]
	return t, ok
}

// active returns a tunnel that has not ended. Ended tunnels report an
// invalid transition, unknown ones NotFound.
func (m *Manager) active(id ID, op string) (*Tunnel, error) {
	if t, ok := m.lookup(id); ok {
		return t, nil
	}
	if rec, ok := m.history.get(id); ok {
		return nil, qerrors.NewTunnelError(id.String(), op, qerrors.ErrInvalidStateTransition,
			fmt.Errorf("tunnel is %s", rec.State))
	}
	return nil, qerrors.NewTunnelError(id.String(), op, qerrors.ErrNotFound, nil)
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// opContext derives the context of a Connect or Rekey. A Disconnect cancels
// it with errDisconnectRequested.
func (t *Tunnel) opContext(ctx context.Context) (context.Context, func()) {
	opCtx, cancel := context.WithCancelCause(ctx)
	t.cancelOp = cancel
	if _, ok := ctx.Deadline(); ok || t.cfg.HandshakeTimeout <= 0 {
		return opCtx, func() { cancel(nil) }
	}
	tctx, stop := context.WithTimeout(opCtx, t.cfg.HandshakeTimeout)
	return tctx, func() {
		stop()
		cancel(nil)
	}
}

// Connect composes a path and runs every hop handshake. It returns once
// the tunnel is Established or has ended. The tunnel is armed in the leak
// guard only on success.
func (m *Manager) Connect(ctx context.Context, id ID) error {
	t, err := m.active(id, "connect")
	if err != nil {
		return err
	}
	if err := t.acquire(ctx); err != nil {
		return t.error("connect", qerrors.ErrCanceled, err)
	}
	defer t.release()
	if m.isClosed() {
		return t.error("connect", qerrors.ErrManagerClosed, nil)
	}

	t.stateMu.Lock()
	if t.state != StateCreated {
		state := t.state
		t.stateMu.Unlock()
		return t.error("connect", qerrors.ErrInvalidStateTransition, fmt.Errorf("tunnel is %s", state))
	}
	opCtx, done := t.opContext(ctx)
	defer done()
	t.setState(StateNegotiating)
	t.stateMu.Unlock()

	sctx, end := m.observer.OnConnectStart(opCtx, id)
	hops, err := m.negotiate(sctx, t)
	end(err)

	disconnected := errors.Is(context.Cause(opCtx), errDisconnectRequested)
	t.stateMu.Lock()
	t.cancelOp = nil
	if err == nil && !disconnected {
		t.hops = hops
		t.establishedAt = m.now()
		t.setState(StateEstablished)
		m.guard.Arm(id)
		m.guard.ReleaseFailSafe()
		exit := hops[len(hops)-1].ch
		m.wg.Add(2)
		go t.pump(exit)
		go t.maintain()
		t.stateMu.Unlock()
		return nil
	}
	t.stateMu.Unlock()

	if err == nil {
		// Disconnect won the race against a completed handshake.
		_ = hops[len(hops)-1].ch.Close()
		err = errDisconnectRequested
	}
	terr := t.error("connect", classify(opCtx, err), err)
	if disconnected {
		m.finish(t, StateClosed, nil)
	} else {
		m.finish(t, StateFailed, terr)
	}
	return terr
}

// Rekey replaces the keys of every hop, entry first, without changing the
// tunnel ID or path. Traffic keeps flowing and the tunnel stays armed.
func (m *Manager) Rekey(ctx context.Context, id ID) error {
	t, err := m.active(id, "rekey")
	if err != nil {
		return err
	}
	return m.rekey(ctx, t)
}

func (m *Manager) rekey(ctx context.Context, t *Tunnel) error {
	if err := t.acquire(ctx); err != nil {
		return t.error("rekey", qerrors.ErrCanceled, err)
	}
	defer t.release()

	t.stateMu.Lock()
	if t.state != StateEstablished {
		state := t.state
		t.stateMu.Unlock()
		return t.error("rekey", qerrors.ErrInvalidStateTransition, fmt.Errorf("tunnel is %s", state))
	}
	opCtx, done := t.opContext(ctx)
	defer done()
	t.setState(StateRekeying)
	hops := t.hops
	t.stateMu.Unlock()

	// A channel tears itself down when its rekey is abandoned. The guard
	// must drop the tunnel before that happens.
	rctx, stopRekey := context.WithCancelCause(context.WithoutCancel(opCtx))
	defer stopRekey(nil)
	stopAfter := context.AfterFunc(opCtx, func() {
		m.guard.Disarm(t.id)
		stopRekey(context.Cause(opCtx))
	})

	var err error
	sctx, end := m.observer.OnRekeyStart(rctx, t.id, hops[0].ch.Epoch()+1)
	for _, h := range hops {
		if err = h.ch.Rekey(sctx); err != nil {
			break
		}
	}
	if !stopAfter() && err == nil {
		err = context.Cause(opCtx)
	}
	end(err)

	if err == nil {
		t.stateMu.Lock()
		t.cancelOp = nil
		t.stats.rekeys.Add(1)
		t.setState(StateEstablished)
		t.stateMu.Unlock()
		return nil
	}

	t.stateMu.Lock()
	t.cancelOp = nil
	t.stateMu.Unlock()
	terr := t.error("rekey", classify(opCtx, err), err)
	if errors.Is(context.Cause(opCtx), errDisconnectRequested) {
		m.finish(t, StateClosed, nil)
	} else {
		m.finish(t, StateFailed, terr)
	}
	return terr
}

// Disconnect ends a tunnel. A Connect or Rekey in flight is canceled and
// finishes the tunnel as Closed. The tunnel is disarmed before any channel
// is torn down. Disconnecting a Closed tunnel is a no-op.
func (m *Manager) Disconnect(ctx context.Context, id ID) error {
	t, ok := m.lookup(id)
	if !ok {
		rec, ok := m.history.get(id)
		switch {
		case !ok:
			return qerrors.NewTunnelError(id.String(), "disconnect", qerrors.ErrNotFound, nil)
		case rec.State == StateClosed:
			return nil
		default:
			return qerrors.NewTunnelError(id.String(), "disconnect", qerrors.ErrInvalidStateTransition, rec.Err)
		}
	}

	t.stateMu.Lock()
	if t.cancelOp != nil {
		m.guard.Disarm(id)
		t.cancelOp(errDisconnectRequested)
	}
	t.stateMu.Unlock()

	if err := t.acquire(ctx); err != nil {
		return t.error("disconnect", qerrors.ErrCanceled, err)
	}
	defer t.release()

	switch t.State() {
	case StateClosed:
		return nil
	case StateFailed:
		return t.error("disconnect", qerrors.ErrInvalidStateTransition, t.Err())
	}
	m.finish(t, StateClosed, nil)
	return nil
}

// lost handles a channel that ended underneath an established tunnel.
func (m *Manager) lost(t *Tunnel, err error) {
	t.stateMu.Lock()
	if t.state.CarriesTraffic() {
		m.guard.Disarm(t.id)
	}
	t.stateMu.Unlock()
	if qerrors.IsSecurityEvent(err) {
		m.observer.OnSecurityEvent(t.id, err)
	}

	_ = t.acquire(context.Background())
	defer t.release()
	if t.State() != StateEstablished {
		return
	}
	m.finish(t, StateFailed, t.error("receive", nil, err))
}

// finish moves t to a terminal state. The caller holds the transition lock.
// Order: disarm, stop the pump, close the channel chain, record.
func (m *Manager) finish(t *Tunnel, final State, cause error) {
	t.stateMu.Lock()
	m.guard.Disarm(t.id)
	if final == StateClosed && t.state.CarriesTraffic() {
		t.setState(StateDisconnecting)
	}
	hops := t.hops
	t.stateMu.Unlock()

	t.stop()
	if len(hops) > 0 {
		// The innermost channel owns the chain.
		_ = hops[len(hops)-1].ch.Close()
	}

	t.stateMu.Lock()
	if final == StateFailed {
		t.err = cause
	}
	t.endedAt = m.now()
	t.setState(final)
	rec := Record{
		ID:            t.id,
		Config:        t.cfg.clone(),
		Hops:          t.endpoints(),
		State:         final,
		Err:           t.err,
		CreatedAt:     t.createdAt,
		EstablishedAt: t.establishedAt,
		EndedAt:       t.endedAt,
		Stats:         t.statsLocked(),
	}
	t.stateMu.Unlock()

	m.mu.Lock()
	delete(m.tunnels, t.id)
	if t.cfg.Name != "" && m.names[t.cfg.Name] == t.id {
		delete(m.names, t.cfg.Name)
	}
	m.history.add(rec)
	m.mu.Unlock()
	close(t.done)

	if final == StateFailed && m.killOnFailure.Load() {
		m.guard.EngageFailSafe()
	}
}

// Status returns the state of a live or remembered tunnel.
func (m *Manager) Status(id ID) (State, error) {
	if t, ok := m.lookup(id); ok {
		return t.State(), nil
	}
	if rec, ok := m.history.get(id); ok {
		return rec.State, nil
	}
	return 0, qerrors.NewTunnelError(id.String(), "status", qerrors.ErrNotFound, nil)
}

// Inspect returns the state together with the guard's view of the tunnel,
// read in one critical section.
func (m *Manager) Inspect(id ID) (State, bool, error) {
	if t, ok := m.lookup(id); ok {
		t.stateMu.Lock()
		defer t.stateMu.Unlock()
		return t.state, m.guard.IsArmed(id), nil
	}
	if rec, ok := m.history.get(id); ok {
		return rec.State, m.guard.IsArmed(id), nil
	}
	return 0, false, qerrors.NewTunnelError(id.String(), "inspect", qerrors.ErrNotFound, nil)
}

// Tunnel returns the data path of a tunnel that has not ended.
func (m *Manager) Tunnel(id ID) (*Tunnel, error) {
	if t, ok := m.lookup(id); ok {
		return t, nil
	}
	return nil, qerrors.NewTunnelError(id.String(), "tunnel", qerrors.ErrNotFound, nil)
}

// Done returns a channel closed when the tunnel ends.
func (m *Manager) Done(id ID) (<-chan struct{}, error) {
	if t, ok := m.lookup(id); ok {
		return t.done, nil
	}
	if m.history.contains(id) {
		done := make(chan struct{})
		close(done)
		return done, nil
	}
	return nil, qerrors.NewTunnelError(id.String(), "done", qerrors.ErrNotFound, nil)
}

// History returns the record of an ended tunnel.
func (m *Manager) History(id ID) (Record, bool) {
	return m.history.get(id)
}

// Records returns the retained records of ended tunnels, oldest first.
func (m *Manager) Records() []Record {
	return m.history.records()
}

// List returns the IDs of tunnels that have not ended.
func (m *Manager) List() []ID {
	m.mu.Lock()
	ids := make([]ID, 0, len(m.tunnels))
	for id := range m.tunnels {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	slices.SortFunc(ids, func(a, b ID) int { return slices.Compare(a[:], b[:]) })
	return ids
}

// Shutdown refuses new tunnels, disconnects every live one, disarms the
// guard and waits for background goroutines.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	ids := make([]ID, 0, len(m.tunnels))
	for id := range m.tunnels {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			err := m.Disconnect(ctx, id)
			if errors.Is(err, qerrors.ErrInvalidStateTransition) || errors.Is(err, qerrors.ErrNotFound) {
				return nil
			}
			return err
		})
	}
	err := g.Wait()
	m.guard.Reset()

	waited := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return err
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
}
