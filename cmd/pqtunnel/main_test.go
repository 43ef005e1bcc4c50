package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pzverkov/pqtunnel/pkg/metrics"
	"github.com/pzverkov/pqtunnel/pkg/path"
	"github.com/pzverkov/pqtunnel/pkg/relay"
	"github.com/pzverkov/pqtunnel/pkg/transport"
	"github.com/pzverkov/pqtunnel/pkg/tunnel"
	"github.com/pzverkov/pqtunnel/pkg/version"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, version.String())
}

func TestPanelCommand(t *testing.T) {
	out, err := execute(t, "panel", "--set", "server_region=eu-west", "--set", "kill_switch=false")
	require.NoError(t, err)

	var p panel
	require.NoError(t, json.Unmarshal([]byte(out), &p))
	assert.Equal(t, "pqtunnel", p.Descriptor.ID)
	assert.NotEmpty(t, p.Schema)
	values := map[string]string{}
	for _, v := range p.Values {
		values[v.Key] = v.Value
	}
	assert.Equal(t, "eu-west", values["server_region"])
	assert.Equal(t, "false", values["kill_switch"])

	_, err = execute(t, "panel", "--set", "server_region=mars")
	assert.Error(t, err)
	_, err = execute(t, "panel", "--set", "noequals")
	assert.Error(t, err)
	_, err = execute(t, "panel", "--format", "xml")
	assert.Error(t, err)
}

func TestConfigInitAndShow(t *testing.T) {
	file := filepath.Join(t.TempDir(), "pqtunnel", "config.yaml")

	out, err := execute(t, "config", "init", "--config", file)
	require.NoError(t, err)
	assert.Contains(t, out, file)

	_, err = execute(t, "config", "init", "--config", file)
	assert.Error(t, err, "existing file is kept without --force")
	_, err = execute(t, "config", "init", "--config", file, "--force")
	require.NoError(t, err)

	out, err = execute(t, "config", "show", "--config", file)
	require.NoError(t, err)
	assert.Contains(t, out, "kill_switch: true")
	assert.Contains(t, out, "algorithm: ch-kem-1024")
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// echoNetwork starts relay r1 and an echo target on an in-memory network.
func echoNetwork(t *testing.T) *transport.Network {
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

	t.Cleanup(func() {
		_ = srv.Close()
		<-served
		cancel()
		_ = target.Close()
		wg.Wait()
	})
	return n
}

func TestPipeEchoesThroughTunnel(t *testing.T) {
	n := echoNetwork(t)
	dir := path.NewDirectory()
	require.NoError(t, dir.Upsert(path.Candidate{ID: "r1", Endpoint: "r1", Country: "DE", PQC: true}))
	m := tunnel.NewManager(
		tunnel.WithComposer(path.NewComposer(dir)),
		tunnel.WithDialer(n.Dialer("client")),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	cfg := tunnel.DefaultConfig("echo")
	cfg.Policy = path.SingleHopPolicy()
	id, err := m.CreateTunnel(cfg)
	require.NoError(t, err)
	require.NoError(t, m.Connect(ctx, id))
	s := &session{m: m, id: id, done: make(chan struct{})}

	in, stdin := io.Pipe()
	var out syncBuffer
	pctx, pcancel := context.WithCancel(ctx)
	piped := make(chan error, 1)
	go func() { piped <- pipe(pctx, s, in, &out, metrics.NullLogger()) }()

	_, err = stdin.Write([]byte("hello through the tunnel"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return out.String() == "hello through the tunnel"
	}, 10*time.Second, 10*time.Millisecond)

	pcancel()
	_ = stdin.Close()
	assert.ErrorIs(t, <-piped, context.Canceled)

	tn, err := m.Tunnel(id)
	require.NoError(t, err)
	assert.EqualValues(t, 1, tn.Stats().PacketsSent)

	require.NoError(t, s.stop(ctx))
	require.NoError(t, m.Shutdown(ctx))
}

func TestSelfTest(t *testing.T) {
	require.NoError(t, selfTest(metrics.NullLogger()))
}

func TestParseSize(t *testing.T) {
	for in, want := range map[string]int64{
		"0":      0,
		"512":    512,
		"64KB":   64 << 10,
		"100mb":  100 << 20,
		"1G":     1 << 30,
		" 2 MB ": 2 << 20,
	} {
		got, err := parseSize(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseSize("lots")
	assert.Error(t, err)
	_, err = parseSize("-1")
	assert.Error(t, err)
}

func TestBenchCommand(t *testing.T) {
	out, err := execute(t, "bench", "--handshakes", "2", "--hops", "2", "--size", "64KB")
	require.NoError(t, err)
	assert.Contains(t, out, "2 hop(s)")
	assert.Contains(t, out, "p95")
	assert.Contains(t, out, "hop 0")
	assert.Contains(t, out, "hop 1")
	assert.Contains(t, out, "64.0 KiB")

	_, err = execute(t, "bench", "--handshakes", "0")
	assert.Error(t, err)
	_, err = execute(t, "bench", "--hops", "0")
	assert.Error(t, err)
}
