// Command pqtunnel runs post-quantum tunnel relays and clients.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/pzverkov/pqtunnel/pkg/config"
	"github.com/pzverkov/pqtunnel/pkg/crypto"
	"github.com/pzverkov/pqtunnel/pkg/kex"
	"github.com/pzverkov/pqtunnel/pkg/metrics"
	"github.com/pzverkov/pqtunnel/pkg/protocol"
)

type globalFlags struct {
	configFile string
	logLevel   string
	logFormat  string
	tracing    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "pqtunnel",
		Short: "Post-quantum multi-hop tunnels",
		Long: `pqtunnel builds encrypted tunnels through one or more relays. Every hop
is keyed with a post-quantum key exchange (hybrid X25519 + ML-KEM-1024 by
default) and rekeyed periodically. A leak guard blocks traffic on tunnels
that are not established, and the kill switch blocks all traffic from a
tunnel failure until a replacement tunnel is established.`,
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&g.configFile, "config", "c", "", "config file (default $HOME/.pqtunnel/config.yaml)")
	pf.StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error, silent")
	pf.StringVar(&g.logFormat, "log-format", "", "log format: text or json")
	pf.StringVar(&g.tracing, "tracing", "none", "tracing mode: none or otel")

	root.AddCommand(
		newRelayCmd(g),
		newConnectCmd(g),
		newConfigCmd(g),
		newBenchCmd(),
		newPanelCmd(),
		newVersionCmd(),
	)
	return root
}

// load reads the configuration and applies the global flag overrides.
func (g *globalFlags) load() (config.Config, error) {
	cfg, err := config.Load(g.configFile)
	if err != nil {
		return cfg, err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Log.Format = g.logFormat
	}
	return cfg, nil
}

// observability builds the logger, collector and tracer shared by a command.
func (g *globalFlags) observability(cfg config.Config) metrics.ObserverConfig {
	logger := metrics.NewLogger(
		metrics.WithOutput(os.Stderr),
		metrics.WithLevel(metrics.ParseLevel(cfg.Log.Level)),
		metrics.WithFormat(metrics.ParseFormat(cfg.Log.Format)),
	)
	metrics.SetLogger(logger)

	var tracer metrics.Tracer = metrics.NoOpTracer{}
	if g.tracing == "otel" {
		tracer = metrics.NewOTelTracer("")
	}
	metrics.SetTracer(tracer)

	return metrics.ObserverConfig{
		Collector: metrics.Global(),
		Tracer:    tracer,
		Logger:    logger,
	}
}

// selfTest refuses to start with a broken CSPRNG, record cipher or key
// exchange primitive.
func selfTest(log *metrics.Logger) error {
	start := time.Now()
	if err := kex.Default().SelfTest(protocol.SupportedCipherSuites()); err != nil {
		return oops.In("selftest").With("fips", crypto.FIPSMode()).Wrapf(err, "cryptographic self-test failed")
	}
	log.Debug("cryptographic self-test passed", metrics.Fields{
		"duration": time.Since(start).String(),
		"fips":     crypto.FIPSMode(),
	})
	return nil
}
