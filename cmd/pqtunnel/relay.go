package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pzverkov/pqtunnel/pkg/metrics"
	"github.com/pzverkov/pqtunnel/pkg/relay"
	"github.com/pzverkov/pqtunnel/pkg/transport"
	"github.com/pzverkov/pqtunnel/pkg/version"
)

func newRelayCmd(g *globalFlags) *cobra.Command {
	var listen, metricsAddr string
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a relay that answers hop handshakes and extends circuits",
		Example: `  pqtunnel relay --listen :9443
  pqtunnel relay --listen :9443 --metrics :9090 --log-format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Relay.Listen = listen
			}
			if cmd.Flags().Changed("metrics") {
				cfg.Metrics.Listen = metricsAddr
			}
			obs := g.observability(cfg)
			defer func() { _ = obs.Logger.Sync() }()

			if err := selfTest(obs.Logger); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runRelay(ctx, cfg.Relay.Listen, cfg.Metrics.Listen, cfg.RelayServerConfig(), obs)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "relay listen address (overrides relay.listen)")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "metrics and health listen address, empty disables")
	return cmd
}

func runRelay(ctx context.Context, listen, metricsAddr string, rc relay.Config, obs metrics.ObserverConfig) error {
	ln, err := transport.ListenTCP(listen)
	if err != nil {
		return oops.In("relay").With("listen", listen).Wrap(err)
	}
	rc.Observer = metrics.NewRelayObserver(obs)
	rc.Logger = obs.Logger.Zap()
	srv := relay.New(ln, &transport.TCPDialer{}, &transport.TCPDialer{Raw: true}, rc)

	obs.Logger.Info("relay listening", metrics.Fields{"addr": ln.Addr(), "version": version.String()})

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return srv.Serve(gctx) })
	grp.Go(func() error {
		<-gctx.Done()
		return srv.Close()
	})
	if metricsAddr != "" {
		ms := metrics.NewServer(obs.Collector, version.String())
		// a relay carries no client tunnels of its own
		ms.Health().RemoveCheck("tunnel")
		grp.Go(func() error { return ms.Serve(gctx, metricsAddr) })
		obs.Logger.Info("metrics listening", metrics.Fields{"addr": metricsAddr})
	}
	err = grp.Wait()
	obs.Logger.Info("relay stopped")
	return err
}
