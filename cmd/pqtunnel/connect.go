package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	qerrors "github.com/pzverkov/pqtunnel/internal/errors"
	"github.com/pzverkov/pqtunnel/pkg/config"
	"github.com/pzverkov/pqtunnel/pkg/leakguard"
	"github.com/pzverkov/pqtunnel/pkg/metrics"
	"github.com/pzverkov/pqtunnel/pkg/reconnect"
	"github.com/pzverkov/pqtunnel/pkg/transport"
	"github.com/pzverkov/pqtunnel/pkg/tunnel"
	"github.com/pzverkov/pqtunnel/pkg/version"
)

const (
	stdinChunk   = 16 * 1024
	pollInterval = 100 * time.Millisecond
	stopTimeout  = 10 * time.Second
)

type connectFlags struct {
	stdio       bool
	status      time.Duration
	metricsAddr string
	noReconnect bool
}

func newConnectCmd(g *globalFlags) *cobra.Command {
	f := &connectFlags{}
	cmd := &cobra.Command{
		Use:   "connect TARGET",
		Short: "Open a tunnel to TARGET (host:port) through the configured relays",
		Example: `  pqtunnel connect example.org:80 --stdio
  pqtunnel connect 10.0.0.5:22 --status 30s --metrics :9091`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("metrics") {
				cfg.Metrics.Listen = f.metricsAddr
			}
			if f.noReconnect {
				cfg.Reconnect.Enabled = false
			}
			obs := g.observability(cfg)
			defer func() { _ = obs.Logger.Sync() }()

			if err := selfTest(obs.Logger); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runConnect(ctx, cfg, args[0], f, obs)
		},
	}
	cmd.Flags().BoolVar(&f.stdio, "stdio", false, "pipe stdin and stdout through the tunnel")
	cmd.Flags().DurationVar(&f.status, "status", time.Minute, "interval between status log lines, 0 disables")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics", "", "metrics and health listen address, empty disables")
	cmd.Flags().BoolVar(&f.noReconnect, "no-reconnect", false, "do not replace a failed tunnel")
	return cmd
}

// session is one logical connection: a supervised tunnel that is replaced
// after failures, or a single tunnel.
type session struct {
	m    *tunnel.Manager
	sup  *reconnect.Supervisor
	id   uuid.UUID
	done chan struct{}
	err  error
}

func (s *session) current() (tunnel.ID, bool) {
	if s.sup != nil {
		return s.sup.Current()
	}
	return s.id, s.id != uuid.Nil
}

func (s *session) stop(ctx context.Context) error {
	if s.sup != nil {
		return s.sup.Stop(ctx)
	}
	err := s.m.Disconnect(ctx, s.id)
	if errors.Is(err, qerrors.ErrInvalidStateTransition) {
		return nil
	}
	return err
}

func newManager(cfg config.Config, obs metrics.ObserverConfig) (*tunnel.Manager, error) {
	composer, err := cfg.Composer()
	if err != nil {
		return nil, err
	}
	guard := leakguard.New(leakguard.WithObserver(metrics.NewGuardObserver(obs)))
	return tunnel.NewManager(
		tunnel.WithComposer(composer),
		tunnel.WithDialer(&transport.TCPDialer{Timeout: cfg.Tunnel.HandshakeTimeout}),
		tunnel.WithGuard(guard),
		tunnel.WithObserver(metrics.NewTunnelObserver(obs)),
		tunnel.WithHistorySize(cfg.Tunnel.HistorySize),
		tunnel.WithKillSwitchOnFailure(cfg.KillSwitch),
	), nil
}

func startSession(ctx context.Context, m *tunnel.Manager, cfg config.Config, tcfg tunnel.Config, log *metrics.Logger) (*session, error) {
	s := &session{m: m, done: make(chan struct{})}
	if cfg.Reconnect.Enabled {
		s.sup = reconnect.New(m, tcfg, cfg.ReconnectPolicy(), log.Zap())
		go func() {
			defer close(s.done)
			s.err = s.sup.Run(ctx)
		}()
		return s, nil
	}

	id, err := m.CreateTunnel(tcfg)
	if err != nil {
		return nil, err
	}
	s.id = id
	if err := m.Connect(ctx, id); err != nil {
		return nil, err
	}
	done, err := m.Done(id)
	if err != nil {
		return nil, err
	}
	go func() {
		defer close(s.done)
		<-done
		if st, _ := m.Status(id); st == tunnel.StateFailed {
			if rec, ok := m.History(id); ok {
				s.err = rec.Err
			}
		}
	}()
	return s, nil
}

func runConnect(ctx context.Context, cfg config.Config, target string, f *connectFlags, obs metrics.ObserverConfig) error {
	log := obs.Logger
	tcfg := cfg.TunnelConfig(target)
	if err := tcfg.Validate(); err != nil {
		return oops.In("connect").With("target", target).Wrap(err)
	}
	m, err := newManager(cfg, obs)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		_ = m.Shutdown(sctx)
	}()

	if cfg.Metrics.Listen != "" {
		ms := metrics.NewServer(obs.Collector, version.String())
		go func() {
			if err := ms.Serve(ctx, cfg.Metrics.Listen); err != nil {
				log.Error("metrics server failed", metrics.Fields{"error": err.Error()})
			}
		}()
	}

	s, err := startSession(ctx, m, cfg, tcfg, log)
	if err != nil {
		return oops.In("connect").With("target", target).Wrap(err)
	}

	if f.status > 0 {
		go logStatus(ctx, s, f.status, log)
	}
	if f.stdio {
		go func() {
			if err := pipe(ctx, s, os.Stdin, os.Stdout, log); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("stdio pipe ended", metrics.Fields{"error": err.Error()})
			}
		}()
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := s.stop(sctx); err != nil {
			log.Warn("disconnect failed", metrics.Fields{"error": err.Error()})
		}
		<-s.done
	}
	if s.err != nil && !errors.Is(s.err, context.Canceled) {
		return oops.In("connect").With("target", target).Wrap(s.err)
	}
	return nil
}

func logStatus(ctx context.Context, s *session, every time.Duration, log *metrics.Logger) {
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-tick.C:
		}
		id, ok := s.current()
		if !ok {
			log.Info("tunnel pending")
			continue
		}
		t, err := s.m.Tunnel(id)
		if err != nil {
			continue
		}
		st := t.Stats()
		fields := metrics.Fields{
			"tunnel":         id.String(),
			"state":          t.State().String(),
			"bytes_sent":     st.BytesSent,
			"bytes_received": st.BytesReceived,
			"rekeys":         st.Rekeys,
			"uptime":         st.Uptime.Round(time.Second).String(),
		}
		if s.sup != nil {
			fields["restarts"] = s.sup.Restarts()
		}
		log.Info("tunnel status", fields)
	}
}

// waitEstablished polls until the session's current tunnel carries traffic.
func waitEstablished(ctx context.Context, s *session) (*tunnel.Tunnel, error) {
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()
	for {
		if id, ok := s.current(); ok {
			if t, err := s.m.Tunnel(id); err == nil && t.State().CarriesTraffic() {
				return t, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, io.EOF
		case <-tick.C:
		}
	}
}

// pipe copies in to the session's tunnel and the tunnel's payloads to out,
// following the session across reconnects.
func pipe(ctx context.Context, s *session, in io.Reader, out io.Writer, log *metrics.Logger) error {
	chunks := make(chan []byte)
	go func() {
		defer close(chunks)
		for {
			buf := make([]byte, stdinChunk)
			n, err := in.Read(buf)
			if n > 0 {
				select {
				case chunks <- buf[:n]:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		t, err := waitEstablished(ctx, s)
		if err != nil {
			return err
		}
		if err := pipeTunnel(ctx, t, &chunks, out, log); err != nil {
			return err
		}
	}
}

// pipeTunnel serves one tunnel until it ends. A nil *chunks means stdin is
// exhausted.
func pipeTunnel(ctx context.Context, t *tunnel.Tunnel, chunks *chan []byte, out io.Writer, log *metrics.Logger) error {
	rctx, cancel := context.WithCancel(ctx)
	recvDone := make(chan error, 1)
	go func() {
		for {
			p, err := t.Receive(rctx)
			if err != nil {
				recvDone <- nil
				return
			}
			if _, err := out.Write(p); err != nil {
				recvDone <- err
				return
			}
		}
	}()
	defer func() {
		cancel()
		<-recvDone
	}()

	for {
		select {
		case p, ok := <-*chunks:
			if !ok {
				*chunks = nil
				continue
			}
			err := t.Send(ctx, p)
			switch {
			case err == nil:
			case errors.Is(err, qerrors.ErrTrafficBlocked):
				log.Warn("payload blocked by leak guard", metrics.Fields{"tunnel": t.ID().String(), "bytes": len(p)})
			default:
				log.Debug("send failed", metrics.Fields{"tunnel": t.ID().String(), "error": err.Error()})
				return nil
			}
		case err := <-recvDone:
			recvDone <- err
			if err == nil {
				err = ctx.Err()
			}
			return err
		case <-t.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
