package host

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pzverkov/pqtunnel/pkg/path"
	"github.com/pzverkov/pqtunnel/pkg/reconnect"
	"github.com/pzverkov/pqtunnel/pkg/tunnel"
)

var (
	ErrAlreadyConnected = errors.New("host: already connected")
	ErrNotConnected     = errors.New("host: not connected")
	ErrStreamActive     = errors.New("host: stream already active")
	ErrNoStream         = errors.New("host: no active stream")
	ErrInvalidStream    = errors.New("host: invalid stream id")
)

// DefaultFPS is the status stream rate when the host does not pick one.
const DefaultFPS = 5

// ConnectionState is the coarse state shown to the user.
type ConnectionState string

const (
	Disconnected ConnectionState = "disconnected"
	Connecting   ConnectionState = "connecting"
	Connected    ConnectionState = "connected"
	Reconnecting ConnectionState = "reconnecting"
	Error        ConnectionState = "error"
)

// StatusFrame is one status stream update.
type StatusFrame struct {
	Seq         uint64          `json:"seq"`
	Time        time.Time       `json:"time"`
	State       ConnectionState `json:"state"`
	TunnelID    string          `json:"tunnel_id,omitempty"`
	TunnelState string          `json:"tunnel_state,omitempty"`
	Hops        []string        `json:"hops,omitempty"`
	Stats       tunnel.Stats    `json:"stats"`
	Armed       bool            `json:"armed"`
	KillSwitch  bool            `json:"kill_switch"`
	Restarts    int             `json:"restarts"`
	Err         string          `json:"error,omitempty"`
}

// Plugin binds host settings to a tunnel manager and keeps one supervised
// connection.
type Plugin struct {
	m        *tunnel.Manager
	settings *Settings
	policy   reconnect.Policy
	log      *zap.Logger

	mu      sync.Mutex
	sup     *reconnect.Supervisor
	stopRun context.CancelFunc
	runDone chan struct{}
	runErr  error

	streamMu   sync.Mutex
	stream     *statusStream
	nextStream uint64
}

// NewPlugin returns a plugin over m. Nil settings start at the defaults.
func NewPlugin(m *tunnel.Manager, settings *Settings, policy reconnect.Policy, log *zap.Logger) *Plugin {
	if settings == nil {
		settings = NewSettings()
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := &Plugin{m: m, settings: settings, policy: policy, log: log.Named("host"), nextStream: 1}
	settings.mu.Lock()
	settings.onChange = p.settingChanged
	settings.mu.Unlock()
	m.SetKillSwitchOnFailure(settings.KillSwitch())
	return p
}

// Describe returns the panel descriptor.
func (p *Plugin) Describe() Descriptor { return Describe() }

// Settings returns the live settings.
func (p *Plugin) Settings() *Settings { return p.settings }

func (p *Plugin) settingChanged(key, value string) {
	if key != KeyKillSwitch {
		return
	}
	on := value == "true"
	p.m.SetKillSwitchOnFailure(on)
	if !on {
		// Turning the setting off releases a switch engaged by a failure.
		p.m.Guard().DisableKillSwitch()
	}
	p.log.Info("kill switch setting changed", zap.Bool("enabled", on))
}

// TunnelConfig builds the tunnel configuration for target from the settings.
func (p *Plugin) TunnelConfig(target string) tunnel.Config {
	cfg := tunnel.DefaultConfig(target)
	cfg.Algorithm = p.settings.KeyExchange()
	if region := p.settings.Region(); region != path.RegionAuto {
		cfg.Policy.Region = region
	}
	return cfg
}

// Connect starts a supervised tunnel to target and returns without waiting
// for the handshake. Progress is visible through State and the status
// stream.
func (p *Plugin) Connect(target string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running() {
		return ErrAlreadyConnected
	}
	cfg := p.TunnelConfig(target)
	if err := cfg.Validate(); err != nil {
		return err
	}
	sup := reconnect.New(p.m, cfg, p.policy, p.log)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.sup, p.stopRun, p.runDone, p.runErr = sup, cancel, done, nil

	go func() {
		defer close(done)
		err := sup.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			p.log.Error("connection lost", zap.Error(err))
		}
		p.mu.Lock()
		p.runErr = err
		p.mu.Unlock()
	}()
	p.log.Info("connecting", zap.String("target", target), zap.Stringer("algorithm", cfg.Algorithm))
	return nil
}

// AutoConnect connects to target when the auto_connect setting is on.
func (p *Plugin) AutoConnect(target string) error {
	if !p.settings.AutoConnect() {
		return nil
	}
	return p.Connect(target)
}

// running reports whether a supervisor is active. The caller holds p.mu.
func (p *Plugin) running() bool {
	if p.runDone == nil {
		return false
	}
	select {
	case <-p.runDone:
		return false
	default:
		return true
	}
}

// Disconnect ends the supervised tunnel. A user disconnect also releases the
// kill switch.
func (p *Plugin) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	sup, stop, done := p.sup, p.stopRun, p.runDone
	p.mu.Unlock()
	if sup == nil {
		return ErrNotConnected
	}

	err := sup.Stop(ctx)
	select {
	case <-done:
	case <-ctx.Done():
		stop()
		<-done
	}
	stop()

	p.mu.Lock()
	if p.sup == sup {
		p.sup, p.stopRun, p.runDone, p.runErr = nil, nil, nil, nil
	}
	p.mu.Unlock()
	p.m.Guard().DisableKillSwitch()
	return err
}

// State returns the coarse connection state.
func (p *Plugin) State() ConnectionState {
	return p.Snapshot().State
}

// Snapshot returns the current status frame without a sequence number.
func (p *Plugin) Snapshot() StatusFrame {
	f := StatusFrame{
		Time:       time.Now(),
		State:      Disconnected,
		KillSwitch: p.m.Guard().KillSwitchEnabled(),
	}

	p.mu.Lock()
	sup, running, runErr := p.sup, p.running(), p.runErr
	p.mu.Unlock()
	if sup == nil {
		return f
	}
	f.Restarts = sup.Restarts()
	if !running {
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			f.State = Error
			f.Err = runErr.Error()
		}
		return f
	}

	id, ok := sup.Current()
	if !ok {
		f.State = Connecting
		return f
	}
	f.TunnelID = id.String()
	st, armed, err := p.m.Inspect(id)
	if err != nil {
		f.State = Connecting
		return f
	}
	f.TunnelState = st.String()
	f.Armed = armed

	switch st {
	case tunnel.StateEstablished, tunnel.StateRekeying:
		f.State = Connected
	case tunnel.StateFailed:
		f.State = Reconnecting
	case tunnel.StateClosed, tunnel.StateDisconnecting:
		f.State = Disconnected
	default:
		f.State = Connecting
		if f.Restarts > 0 {
			f.State = Reconnecting
		}
	}
	if t, err := p.m.Tunnel(id); err == nil {
		f.Stats = t.Stats()
		for _, h := range t.Hops() {
			f.Hops = append(f.Hops, h.Endpoint)
		}
	} else if rec, ok := p.m.History(id); ok {
		f.Stats = rec.Stats
		f.Hops = rec.Hops
		if rec.Err != nil {
			f.Err = rec.Err.Error()
		}
	}
	return f
}

type statusStream struct {
	id     uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// StartStream emits a status frame fps times per second until StopStream or
// ctx ends. Only one stream runs at a time. Frames are dropped, never
// queued, when the reader falls behind.
func (p *Plugin) StartStream(ctx context.Context, fps int) (uint64, <-chan StatusFrame, error) {
	if fps <= 0 {
		fps = DefaultFPS
	}
	p.streamMu.Lock()
	defer p.streamMu.Unlock()
	if p.stream != nil {
		select {
		case <-p.stream.done:
		default:
			return 0, nil, ErrStreamActive
		}
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &statusStream{id: p.nextStream, cancel: cancel, done: make(chan struct{})}
	p.nextStream++
	p.stream = s

	out := make(chan StatusFrame, 1)
	go func() {
		defer close(s.done)
		defer close(out)
		ticker := time.NewTicker(time.Second / time.Duration(fps))
		defer ticker.Stop()
		var seq uint64
		for {
			select {
			case <-sctx.Done():
				return
			case <-ticker.C:
			}
			seq++
			f := p.Snapshot()
			f.Seq = seq
			select {
			case out <- f:
			default:
			}
		}
	}()
	return s.id, out, nil
}

// StopStream ends the stream with the given id.
func (p *Plugin) StopStream(id uint64) error {
	p.streamMu.Lock()
	s := p.stream
	if s == nil {
		p.streamMu.Unlock()
		return ErrNoStream
	}
	if s.id != id {
		p.streamMu.Unlock()
		return ErrInvalidStream
	}
	p.stream = nil
	p.streamMu.Unlock()

	s.cancel()
	<-s.done
	return nil
}

// IsStreaming reports whether a status stream is running.
func (p *Plugin) IsStreaming() bool {
	p.streamMu.Lock()
	defer p.streamMu.Unlock()
	if p.stream == nil {
		return false
	}
	select {
	case <-p.stream.done:
		return false
	default:
		return true
	}
}

// Close stops the stream and the connection.
func (p *Plugin) Close(ctx context.Context) error {
	p.streamMu.Lock()
	s := p.stream
	p.streamMu.Unlock()
	if s != nil {
		_ = p.StopStream(s.id)
	}
	if err := p.Disconnect(ctx); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}
