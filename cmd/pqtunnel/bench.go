package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/pzverkov/pqtunnel/internal/constants"
	"github.com/pzverkov/pqtunnel/pkg/kex"
	"github.com/pzverkov/pqtunnel/pkg/metrics"
	"github.com/pzverkov/pqtunnel/pkg/path"
	"github.com/pzverkov/pqtunnel/pkg/relay"
	"github.com/pzverkov/pqtunnel/pkg/transport"
	"github.com/pzverkov/pqtunnel/pkg/tunnel"
)

const benchChunk = 16 * 1024

type benchFlags struct {
	handshakes int
	hops       int
	algorithm  string
	cipher     string
	size       string
}

func newBenchCmd() *cobra.Command {
	f := &benchFlags{}
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure tunnel setup and throughput over an in-process network",
		Example: `  pqtunnel bench --handshakes 50 --hops 3
  pqtunnel bench --handshakes 0 --size 256MB --cipher chacha20-poly1305`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			size, err := parseSize(f.size)
			if err != nil {
				return err
			}
			if f.handshakes <= 0 && size == 0 {
				return fmt.Errorf("nothing to measure, set --handshakes or --size")
			}
			alg, err := kex.ParseAlgorithm(f.algorithm)
			if err != nil {
				return err
			}
			cs, ok := constants.ParseCipherSuite(f.cipher)
			if !ok {
				return fmt.Errorf("unknown cipher suite %q", f.cipher)
			}
			b, err := newBench(f.hops)
			if err != nil {
				return err
			}
			defer b.close()

			cfg := tunnel.DefaultConfig("sink")
			cfg.Algorithm = alg
			cfg.CipherSuites = []constants.CipherSuite{cs}
			cfg.Policy = path.MultiHopPolicy(f.hops, f.hops)

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%d hop(s), %s, %s\n\n", f.hops, alg, cs)
			if f.handshakes > 0 {
				if err := b.handshakes(cmd.Context(), w, cfg, f.handshakes); err != nil {
					return err
				}
			}
			if size > 0 {
				return b.throughput(cmd.Context(), w, cfg, size)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&f.handshakes, "handshakes", "n", 20, "tunnels to build, 0 skips")
	cmd.Flags().IntVar(&f.hops, "hops", 1, "relays per tunnel")
	cmd.Flags().StringVar(&f.algorithm, "algorithm", string(kex.DefaultAlgorithm), "key exchange algorithm")
	cmd.Flags().StringVar(&f.cipher, "cipher", "aes-256-gcm", "record cipher suite")
	cmd.Flags().StringVar(&f.size, "size", "0", "bytes to send for the throughput run (e.g. 64MB), 0 skips")
	return cmd
}

// bench is an in-process network with relays r1..rN and a sink target.
type bench struct {
	net     *transport.Network
	m       *tunnel.Manager
	spans   *metrics.RecordingTracer
	relays  []*relay.Server
	served  sync.WaitGroup
	cancel  context.CancelFunc
	sink    *transport.MemoryListener
	sinkWG  sync.WaitGroup
	mu      sync.Mutex
	cond    *sync.Cond
	sunk    int64
	closeMu sync.Once
}

func newBench(hops int) (*bench, error) {
	if hops < 1 || hops > constants.MaxHops {
		return nil, fmt.Errorf("hops must be between 1 and %d", constants.MaxHops)
	}
	b := &bench{net: transport.NewNetwork(), spans: metrics.NewRecordingTracer()}
	b.cond = sync.NewCond(&b.mu)
	dir := path.NewDirectory()

	rc := relay.DefaultConfig()
	rc.HandshakeRate, rc.PerIPHandshakeRate, rc.MaxCircuitsPerIP = 0, 0, 0
	for i := range hops {
		name := "r" + strconv.Itoa(i+1)
		ln, err := b.net.Listen(name)
		if err != nil {
			b.close()
			return nil, err
		}
		srv := relay.New(ln, b.net.Dialer(name), b.net.Dialer(name), rc)
		b.relays = append(b.relays, srv)
		b.served.Add(1)
		go func() {
			defer b.served.Done()
			_ = srv.Serve(context.Background())
		}()
		if err := dir.Upsert(path.Candidate{ID: name, Endpoint: name, Country: "ZZ", PQC: true}); err != nil {
			b.close()
			return nil, err
		}
	}

	sink, err := b.net.Listen("sink")
	if err != nil {
		b.close()
		return nil, err
	}
	b.sink = sink
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.sinkWG.Add(1)
	go b.serveSink(ctx)

	b.m = tunnel.NewManager(
		tunnel.WithComposer(path.NewComposer(dir)),
		tunnel.WithDialer(b.net.Dialer("bench")),
		tunnel.WithObserver(metrics.NewTunnelObserver(metrics.ObserverConfig{
			Collector: metrics.NewCollector("", nil),
			Tracer:    b.spans,
			Logger:    metrics.NewLogger(metrics.WithLevel(metrics.LevelSilent)),
		})),
	)
	return b, nil
}

func (b *bench) serveSink(ctx context.Context) {
	defer b.sinkWG.Done()
	for {
		s, err := b.sink.Accept(ctx)
		if err != nil {
			return
		}
		b.sinkWG.Add(1)
		go func() {
			defer b.sinkWG.Done()
			defer s.Close()
			for {
				p, err := s.Receive(ctx)
				if err != nil {
					return
				}
				b.mu.Lock()
				b.sunk += int64(len(p))
				b.cond.Broadcast()
				b.mu.Unlock()
			}
		}()
	}
}

func (b *bench) close() {
	b.closeMu.Do(func() {
		if b.m != nil {
			ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			_ = b.m.Shutdown(ctx)
			cancel()
		}
		for _, srv := range b.relays {
			_ = srv.Close()
		}
		b.served.Wait()
		if b.cancel != nil {
			b.cancel()
		}
		if b.sink != nil {
			_ = b.sink.Close()
		}
		b.sinkWG.Wait()
	})
}

func (b *bench) connect(ctx context.Context, cfg tunnel.Config) (tunnel.ID, error) {
	id, err := b.m.CreateTunnel(cfg)
	if err != nil {
		return id, err
	}
	return id, b.m.Connect(ctx, id)
}

func (b *bench) handshakes(ctx context.Context, w io.Writer, cfg tunnel.Config, n int) error {
	ms := make([]float64, 0, n)
	b.spans.Reset()
	start := time.Now()
	for range n {
		t0 := time.Now()
		id, err := b.connect(ctx, cfg)
		if err != nil {
			return err
		}
		ms = append(ms, float64(time.Since(t0).Microseconds())/1000)
		if err := b.m.Disconnect(ctx, id); err != nil {
			return err
		}
	}
	total := time.Since(start)
	slices.Sort(ms)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "tunnels\t%d\n", n)
	fmt.Fprintf(tw, "total\t%s\n", total.Round(time.Millisecond))
	fmt.Fprintf(tw, "rate\t%.1f/s\n", float64(n)/total.Seconds())
	fmt.Fprintf(tw, "mean\t%.2f ms\n", stat.Mean(ms, nil))
	fmt.Fprintf(tw, "min\t%.2f ms\n", floats.Min(ms))
	fmt.Fprintf(tw, "p50\t%.2f ms\n", stat.Quantile(0.5, stat.Empirical, ms, nil))
	fmt.Fprintf(tw, "p95\t%.2f ms\n", stat.Quantile(0.95, stat.Empirical, ms, nil))
	fmt.Fprintf(tw, "max\t%.2f ms\n", floats.Max(ms))
	b.hopLatencies(tw)
	return tw.Flush()
}

// hopLatencies prints the mean handshake time of every hop, read back from
// the recorded initiator spans.
func (b *bench) hopLatencies(w io.Writer) {
	byHop := map[int64][]float64{}
	for _, s := range b.spans.Named(metrics.SpanHandshakeInitiator) {
		hop, ok := s.Int(metrics.AttrHop)
		if !ok || s.Err != nil {
			continue
		}
		byHop[hop] = append(byHop[hop], float64(s.Duration.Microseconds())/1000)
	}
	hops := slices.Sorted(maps.Keys(byHop))
	for _, hop := range hops {
		fmt.Fprintf(w, "hop %d\t%.2f ms\n", hop, stat.Mean(byHop[hop], nil))
	}
}

func (b *bench) throughput(ctx context.Context, w io.Writer, cfg tunnel.Config, size int64) error {
	id, err := b.connect(ctx, cfg)
	if err != nil {
		return err
	}
	t, err := b.m.Tunnel(id)
	if err != nil {
		return err
	}

	b.mu.Lock()
	base := b.sunk
	b.mu.Unlock()

	chunk := make([]byte, benchChunk)
	start := time.Now()
	for sent := int64(0); sent < size; {
		p := chunk[:min(int64(len(chunk)), size-sent)]
		if err := t.Send(ctx, p); err != nil {
			return err
		}
		sent += int64(len(p))
	}
	go func() {
		<-t.Done()
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	}()
	b.mu.Lock()
	for b.sunk-base < size && !t.State().Terminal() {
		b.cond.Wait()
	}
	b.mu.Unlock()
	elapsed := time.Since(start)
	if st := t.State(); st.Terminal() {
		return fmt.Errorf("tunnel ended during throughput run: %s", st)
	}

	st := t.Stats()
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "\nsent\t%s\n", formatSize(size))
	fmt.Fprintf(tw, "duration\t%s\n", elapsed.Round(time.Millisecond))
	fmt.Fprintf(tw, "throughput\t%.1f MB/s\n", float64(size)/elapsed.Seconds()/(1<<20))
	fmt.Fprintf(tw, "payloads\t%d\n", st.PacketsSent)
	fmt.Fprintf(tw, "rekeys\t%d\n", st.Rekeys)
	if err := tw.Flush(); err != nil {
		return err
	}
	return b.m.Disconnect(ctx, id)
}

func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	mult := int64(1)
	for _, u := range []struct {
		suffix string
		mult   int64
	}{{"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10}, {"G", 1 << 30}, {"M", 1 << 20}, {"K", 1 << 10}, {"B", 1}} {
		if strings.HasSuffix(s, u.suffix) {
			s, mult = strings.TrimSuffix(s, u.suffix), u.mult
			break
		}
	}
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return v * mult, nil
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
