package tunnel

import (
	"context"
	"sync"
	"time"

	"github.com/pzverkov/pqtunnel/internal/constants"
	qerrors "github.com/pzverkov/pqtunnel/internal/errors"
	"github.com/pzverkov/pqtunnel/pkg/channel"
	"github.com/pzverkov/pqtunnel/pkg/kex"
	"github.com/pzverkov/pqtunnel/pkg/path"
)

// hop is one keyed relay of an established tunnel. Each hop's channel is
// carried inside the previous hop's channel, so hops[len-1] owns the chain.
type hop struct {
	index int
	relay path.Candidate
	ch    *channel.Channel
}

// HopInfo describes one hop without exposing its keys.
type HopInfo struct {
	Index       int
	RelayID     string
	Endpoint    string
	Algorithm   kex.Algorithm
	CipherSuite constants.CipherSuite
	Epoch       uint32
	// Fingerprint identifies the current session key; empty once wiped.
	Fingerprint string
}

// Tunnel is one tunnel owned by a Manager. Application payloads travel
// through Send and Receive once it is established.
type Tunnel struct {
	id        ID
	cfg       Config
	createdAt time.Time
	m         *Manager

	// op serializes transitions. It is a channel so that waiting can be
	// abandoned with a context.
	op chan struct{}

	// stateMu guards everything below it.
	stateMu       sync.Mutex
	state         State
	err           error
	hops          []*hop
	cancelOp      context.CancelCauseFunc
	establishedAt time.Time
	endedAt       time.Time

	// life bounds the pump and the rekey timer.
	life     context.Context
	stop     context.CancelFunc
	inbox    chan []byte
	rekeyReq chan struct{}
	done     chan struct{}

	stats counters
}

func newTunnel(m *Manager, id ID, cfg Config) *Tunnel {
	life, stop := context.WithCancel(context.Background())
	return &Tunnel{
		id:        id,
		cfg:       cfg,
		createdAt: m.now(),
		m:         m,
		op:        make(chan struct{}, 1),
		state:     StateCreated,
		life:      life,
		stop:      stop,
		inbox:     make(chan []byte, constants.DefaultInboxSize),
		rekeyReq:  make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// acquire takes the transition lock.
func (t *Tunnel) acquire(ctx context.Context) error {
	select {
	case t.op <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Tunnel) release() {
	<-t.op
}

// setState records a transition. The caller holds stateMu.
func (t *Tunnel) setState(to State) {
	from := t.state
	if from == to {
		return
	}
	t.state = to
	t.m.observer.OnStateChange(t.id, from, to)
}

func (t *Tunnel) error(op string, kind, cause error) error {
	return qerrors.NewTunnelError(t.id.String(), op, kind, cause)
}

// ID returns the tunnel identifier.
func (t *Tunnel) ID() ID { return t.id }

// Config returns a copy of the tunnel configuration.
func (t *Tunnel) Config() Config { return t.cfg.clone() }

// State returns the current state.
func (t *Tunnel) State() State {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.state
}

// Err returns the failure cause once the tunnel has failed.
func (t *Tunnel) Err() error {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.err
}

// Done is closed when the tunnel reaches Closed or Failed.
func (t *Tunnel) Done() <-chan struct{} { return t.done }

// Hops describes the path, entry first.
func (t *Tunnel) Hops() []HopInfo {
	t.stateMu.Lock()
	hops := t.hops
	t.stateMu.Unlock()

	out := make([]HopInfo, len(hops))
	for i, h := range hops {
		info := HopInfo{
			Index:       h.index,
			RelayID:     h.relay.ID,
			Endpoint:    h.relay.Endpoint,
			Algorithm:   h.ch.Algorithm(),
			CipherSuite: h.ch.CipherSuite(),
			Epoch:       h.ch.Epoch(),
		}
		if km := h.ch.KeyMaterial(); km != nil {
			info.Fingerprint = km.Fingerprint()
		}
		out[i] = info
	}
	return out
}

func (t *Tunnel) endpoints() []string {
	out := make([]string, len(t.hops))
	for i, h := range t.hops {
		out[i] = h.relay.Endpoint
	}
	return out
}

// Stats returns a snapshot of the tunnel counters.
func (t *Tunnel) Stats() Stats {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.statsLocked()
}

func (t *Tunnel) statsLocked() Stats {
	var uptime time.Duration
	if !t.establishedAt.IsZero() {
		end := t.endedAt
		if end.IsZero() {
			end = t.m.now()
		}
		uptime = end.Sub(t.establishedAt)
	}
	return t.stats.snapshot(uptime)
}

// exit returns the innermost channel while the tunnel carries traffic.
func (t *Tunnel) exit() (*channel.Channel, State) {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	if !t.state.CarriesTraffic() || len(t.hops) == 0 {
		return nil, t.state
	}
	return t.hops[len(t.hops)-1].ch, t.state
}

// Send transmits one payload to the target. The leak guard is consulted for
// every payload; a blocked payload fails with ErrTrafficBlocked and the
// tunnel stays up.
func (t *Tunnel) Send(ctx context.Context, payload []byte) error {
	if len(payload) > constants.MaxPayloadSize {
		return t.error("send", nil, qerrors.ErrMessageTooLarge)
	}
	exit, state := t.exit()
	if exit == nil {
		return t.error("send", qerrors.ErrInvalidStateTransition, nil)
	}
	if !t.m.guard.Outbound(t.id) {
		t.stats.blocked.Add(1)
		return t.error("send", qerrors.ErrTrafficBlocked, nil)
	}
	if err := exit.Send(ctx, payload); err != nil {
		return t.error("send", nil, err)
	}
	t.stats.recordSend(len(payload))
	t.m.observer.OnTraffic(t.id, len(payload), 0)
	if state == StateEstablished && t.needsRekey() {
		t.requestRekey()
	}
	return nil
}

// Receive returns the next payload from the target.
func (t *Tunnel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case p, ok := <-t.inbox:
		if !ok {
			return nil, t.closedError()
		}
		return p, nil
	case <-t.done:
		select {
		case p, ok := <-t.inbox:
			if ok {
				return p, nil
			}
		default:
		}
		return nil, t.closedError()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Tunnel) closedError() error {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	if t.err != nil {
		return t.err
	}
	return t.error("receive", nil, qerrors.NewTransportError(qerrors.TransportClosed, nil))
}

func (t *Tunnel) needsRekey() bool {
	t.stateMu.Lock()
	hops := t.hops
	t.stateMu.Unlock()
	for _, h := range hops {
		if h.ch.NeedsRekey() {
			return true
		}
	}
	return false
}

func (t *Tunnel) requestRekey() {
	select {
	case t.rekeyReq <- struct{}{}:
	default:
	}
}

// pump moves payloads from the innermost channel to the inbox. Reading also
// drives in-band rekey and close records on every layer, so a rekey only
// completes while the inbox has room.
func (t *Tunnel) pump(exit *channel.Channel) {
	defer t.m.wg.Done()
	defer close(t.inbox)
	for {
		p, err := exit.Receive(t.life)
		if err != nil {
			if t.life.Err() == nil {
				t.m.lost(t, err)
			}
			return
		}
		t.stats.recordReceive(len(p))
		t.m.observer.OnTraffic(t.id, 0, len(p))
		select {
		case t.inbox <- p:
		case <-t.life.Done():
			return
		}
	}
}

// maintain rekeys on the configured interval and when a channel reports
// that its key is close to its usage limit.
func (t *Tunnel) maintain() {
	defer t.m.wg.Done()
	ticker := time.NewTicker(t.cfg.RekeyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.life.Done():
			return
		case <-ticker.C:
		case <-t.rekeyReq:
		}
		_ = t.m.rekey(t.life, t)
	}
}
