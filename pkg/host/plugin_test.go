package host

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pzverkov/pqtunnel/pkg/kex"
	"github.com/pzverkov/pqtunnel/pkg/path"
	"github.com/pzverkov/pqtunnel/pkg/reconnect"
	"github.com/pzverkov/pqtunnel/pkg/relay"
	"github.com/pzverkov/pqtunnel/pkg/transport"
	"github.com/pzverkov/pqtunnel/pkg/tunnel"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// newPlugin starts one relay in region and an echo target on an in-memory
// network.
func newPlugin(t *testing.T, region string) *Plugin {
	t.Helper()
	n := transport.NewNetwork()

	ln, err := n.Listen("r1")
	require.NoError(t, err)
	cfg := relay.DefaultConfig()
	cfg.HandshakeRate, cfg.PerIPHandshakeRate, cfg.MaxCircuitsPerIP = 0, 0, 0
	srv := relay.New(ln, n.Dialer("r1"), n.Dialer("r1"), cfg)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(context.Background()) }()

	target, err := n.Listen("echo")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			s, err := target.Accept(ctx)
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer s.Close()
				for {
					f, err := s.Receive(ctx)
					if err != nil || s.Send(ctx, f) != nil {
						return
					}
				}
			}()
		}
	}()

	dir := path.NewDirectory()
	require.NoError(t, dir.Upsert(path.Candidate{ID: "r1", Endpoint: "r1", Country: region, PQC: true}))
	m := tunnel.NewManager(
		tunnel.WithComposer(path.NewComposer(dir)),
		tunnel.WithDialer(n.Dialer("client")),
	)
	p := NewPlugin(m, nil, reconnect.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}, nil)

	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		require.NoError(t, p.Close(sctx))
		require.NoError(t, m.Shutdown(sctx))
		_ = srv.Close()
		require.NoError(t, <-served)
		cancel()
		_ = target.Close()
		wg.Wait()
	})
	return p
}

// waitState reads frames until one reports want.
func waitState(t *testing.T, frames <-chan StatusFrame, want ConnectionState) StatusFrame {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case f, ok := <-frames:
			require.True(t, ok, "stream ended before %s", want)
			if f.State == want {
				return f
			}
		case <-timeout:
			t.Fatalf("no %s frame", want)
		}
	}
}

func TestTunnelConfigFollowsSettings(t *testing.T) {
	p := NewPlugin(tunnel.NewManager(), nil, reconnect.DefaultPolicy(), nil)
	cfg := p.TunnelConfig("example.com:443")
	assert.Equal(t, kex.AlgorithmCHKEM, cfg.Algorithm)
	assert.Empty(t, cfg.Policy.Region)

	require.NoError(t, p.Settings().Set(KeyKeyExchange, "ml_kem_768"))
	require.NoError(t, p.Settings().Set(KeyServerRegion, "eu-west"))
	cfg = p.TunnelConfig("example.com:443")
	assert.Equal(t, kex.AlgorithmMLKEM768, cfg.Algorithm)
	assert.Equal(t, "eu-west", cfg.Policy.Region)
}

func TestKillSwitchSetting(t *testing.T) {
	m := tunnel.NewManager()
	p := NewPlugin(m, nil, reconnect.DefaultPolicy(), nil)

	m.Guard().EnableKillSwitch()
	require.NoError(t, p.Settings().Set(KeyKillSwitch, "false"))
	assert.False(t, m.Guard().KillSwitchEnabled(), "turning the setting off releases the switch")

	require.NoError(t, p.Settings().Set(KeyKillSwitch, "true"))
	assert.False(t, m.Guard().KillSwitchEnabled(), "turning it on only arms the failure path")
}

func TestConnectStreamsStatus(t *testing.T) {
	p := newPlugin(t, "eu-west")
	require.NoError(t, p.Settings().Set(KeyServerRegion, "eu-west"))
	assert.Equal(t, Disconnected, p.State())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	id, frames, err := p.StartStream(ctx, 50)
	require.NoError(t, err)
	assert.True(t, p.IsStreaming())

	require.NoError(t, p.Connect("echo"))
	require.ErrorIs(t, p.Connect("echo"), ErrAlreadyConnected)

	f := waitState(t, frames, Connected)
	assert.NotEmpty(t, f.TunnelID)
	assert.Equal(t, []string{"r1"}, f.Hops)
	assert.True(t, f.Armed)
	assert.Positive(t, f.Seq)

	require.NoError(t, p.Disconnect(ctx))
	waitState(t, frames, Disconnected)
	assert.False(t, p.Snapshot().Armed)

	require.ErrorIs(t, p.StopStream(id+1), ErrInvalidStream)
	require.NoError(t, p.StopStream(id))
	_, open := <-frames
	for open {
		_, open = <-frames
	}
	assert.False(t, p.IsStreaming())
	require.ErrorIs(t, p.StopStream(id), ErrNoStream)
}

func TestSingleActiveStream(t *testing.T) {
	p := NewPlugin(tunnel.NewManager(), nil, reconnect.DefaultPolicy(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, _, err := p.StartStream(ctx, 0)
	require.NoError(t, err)
	_, _, err = p.StartStream(ctx, 10)
	require.ErrorIs(t, err, ErrStreamActive)

	require.NoError(t, p.StopStream(id))
	next, _, err := p.StartStream(ctx, 10)
	require.NoError(t, err)
	assert.NotEqual(t, id, next, "stream ids are not reused")
	require.NoError(t, p.Close(ctx))
}

func TestConnectWithoutMatchingRelaysReportsError(t *testing.T) {
	p := newPlugin(t, "eu-west")
	require.NoError(t, p.Settings().Set(KeyServerRegion, "us-east"))
	require.NoError(t, p.Connect("echo"))

	require.Eventually(t, func() bool { return p.State() == Error }, 10*time.Second, 10*time.Millisecond)
	assert.NotEmpty(t, p.Snapshot().Err)
	assert.True(t, p.Snapshot().KillSwitch, "a failed tunnel engages the kill switch")

	require.NoError(t, p.Disconnect(context.Background()))
	assert.False(t, p.Snapshot().KillSwitch)
	assert.Equal(t, Disconnected, p.State())
}

func TestAutoConnect(t *testing.T) {
	p := NewPlugin(tunnel.NewManager(), nil, reconnect.DefaultPolicy(), nil)
	require.NoError(t, p.AutoConnect("echo"))
	assert.Equal(t, Disconnected, p.State())
	require.ErrorIs(t, p.Disconnect(context.Background()), ErrNotConnected)
}
