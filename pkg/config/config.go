// Package config loads pqtunnel settings from defaults, an optional YAML file
// and PQTUNNEL_ environment variables, in increasing priority.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/pzverkov/pqtunnel/internal/constants"
	"github.com/pzverkov/pqtunnel/pkg/crypto"
	"github.com/pzverkov/pqtunnel/pkg/kex"
	"github.com/pzverkov/pqtunnel/pkg/path"
	"github.com/pzverkov/pqtunnel/pkg/reconnect"
	"github.com/pzverkov/pqtunnel/pkg/relay"
	"github.com/pzverkov/pqtunnel/pkg/tunnel"
)

// EnvPrefix prefixes environment overrides, e.g. PQTUNNEL_LOG_LEVEL.
const EnvPrefix = "PQTUNNEL"

// BaseDir is the directory under the user's home holding config.yaml.
const BaseDir = ".pqtunnel"

// Config is the full configuration.
type Config struct {
	Log        LogConfig       `mapstructure:"log" yaml:"log"`
	Tunnel     TunnelConfig    `mapstructure:"tunnel" yaml:"tunnel"`
	KillSwitch bool            `mapstructure:"kill_switch" yaml:"kill_switch"`
	Reconnect  ReconnectConfig `mapstructure:"reconnect" yaml:"reconnect"`
	Relay      RelayConfig     `mapstructure:"relay" yaml:"relay"`
	Metrics    MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Relays     []RelayEntry    `mapstructure:"-" yaml:"relays"`
}

// LogConfig selects the log level and encoding.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// TunnelConfig holds defaults for tunnels created by the client.
type TunnelConfig struct {
	Algorithm        string        `mapstructure:"algorithm" yaml:"algorithm"`
	CipherSuite      string        `mapstructure:"cipher_suite" yaml:"cipher_suite"`
	RekeyInterval    time.Duration `mapstructure:"rekey_interval" yaml:"rekey_interval"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	MinHops          int           `mapstructure:"min_hops" yaml:"min_hops"`
	MaxHops          int           `mapstructure:"max_hops" yaml:"max_hops"`
	Region           string        `mapstructure:"region" yaml:"region"`
	Strategy         string        `mapstructure:"strategy" yaml:"strategy"`
	HistorySize      int           `mapstructure:"history_size" yaml:"history_size"`
}

// ReconnectConfig bounds automatic reconnects.
type ReconnectConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxAttempts uint          `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

// RelayConfig holds relay server settings.
type RelayConfig struct {
	Listen              string  `mapstructure:"listen" yaml:"listen"`
	HandshakeRate       float64 `mapstructure:"handshake_rate" yaml:"handshake_rate"`
	HandshakeBurst      int     `mapstructure:"handshake_burst" yaml:"handshake_burst"`
	PerIPHandshakeRate  float64 `mapstructure:"per_ip_handshake_rate" yaml:"per_ip_handshake_rate"`
	PerIPHandshakeBurst int     `mapstructure:"per_ip_handshake_burst" yaml:"per_ip_handshake_burst"`
	MaxCircuitsPerIP    int     `mapstructure:"max_circuits_per_ip" yaml:"max_circuits_per_ip"`
}

// MetricsConfig exposes Prometheus metrics and health on Listen when set.
type MetricsConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// RelayEntry is one relay in the client's directory.
type RelayEntry struct {
	ID       string        `mapstructure:"id" yaml:"id"`
	Endpoint string        `mapstructure:"endpoint" yaml:"endpoint"`
	Country  string        `mapstructure:"country" yaml:"country"`
	City     string        `mapstructure:"city" yaml:"city,omitempty"`
	Load     float64       `mapstructure:"load" yaml:"load"`
	Latency  time.Duration `mapstructure:"latency" yaml:"latency,omitempty"`
	PQC      bool          `mapstructure:"pqc" yaml:"pqc"`
}

// Default returns the built-in configuration.
func Default() Config {
	rc := relay.DefaultConfig()
	rp := reconnect.DefaultPolicy()
	return Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Tunnel: TunnelConfig{
			Algorithm:        string(kex.DefaultAlgorithm),
			CipherSuite:      "aes-256-gcm",
			RekeyInterval:    constants.DefaultRekeyInterval,
			HandshakeTimeout: constants.DefaultHandshakeTimeout,
			MinHops:          constants.DefaultMinHops,
			MaxHops:          constants.DefaultMaxHops,
			Region:           path.RegionAuto,
			Strategy:         "load",
			HistorySize:      constants.DefaultHistorySize,
		},
		KillSwitch: true,
		Reconnect: ReconnectConfig{
			Enabled:     true,
			MaxAttempts: rp.MaxAttempts,
			BaseDelay:   rp.BaseDelay,
			MaxDelay:    rp.MaxDelay,
		},
		Relay: RelayConfig{
			Listen:              ":9443",
			HandshakeRate:       rc.HandshakeRate,
			HandshakeBurst:      rc.HandshakeBurst,
			PerIPHandshakeRate:  rc.PerIPHandshakeRate,
			PerIPHandshakeBurst: rc.PerIPHandshakeBurst,
			MaxCircuitsPerIP:    rc.MaxCircuitsPerIP,
		},
		Relays: []RelayEntry{},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("tunnel.algorithm", d.Tunnel.Algorithm)
	v.SetDefault("tunnel.cipher_suite", d.Tunnel.CipherSuite)
	v.SetDefault("tunnel.rekey_interval", d.Tunnel.RekeyInterval)
	v.SetDefault("tunnel.handshake_timeout", d.Tunnel.HandshakeTimeout)
	v.SetDefault("tunnel.min_hops", d.Tunnel.MinHops)
	v.SetDefault("tunnel.max_hops", d.Tunnel.MaxHops)
	v.SetDefault("tunnel.region", d.Tunnel.Region)
	v.SetDefault("tunnel.strategy", d.Tunnel.Strategy)
	v.SetDefault("tunnel.history_size", d.Tunnel.HistorySize)

	v.SetDefault("kill_switch", d.KillSwitch)

	v.SetDefault("reconnect.enabled", d.Reconnect.Enabled)
	v.SetDefault("reconnect.max_attempts", d.Reconnect.MaxAttempts)
	v.SetDefault("reconnect.base_delay", d.Reconnect.BaseDelay)
	v.SetDefault("reconnect.max_delay", d.Reconnect.MaxDelay)

	v.SetDefault("relay.listen", d.Relay.Listen)
	v.SetDefault("relay.handshake_rate", d.Relay.HandshakeRate)
	v.SetDefault("relay.handshake_burst", d.Relay.HandshakeBurst)
	v.SetDefault("relay.per_ip_handshake_rate", d.Relay.PerIPHandshakeRate)
	v.SetDefault("relay.per_ip_handshake_burst", d.Relay.PerIPHandshakeBurst)
	v.SetDefault("relay.max_circuits_per_ip", d.Relay.MaxCircuitsPerIP)

	v.SetDefault("metrics.listen", d.Metrics.Listen)
	v.SetDefault("relays", []RelayEntry{})
}

// DefaultPath returns $HOME/.pqtunnel/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, BaseDir, "config.yaml")
}

// Load reads the configuration. An empty file searches the default
// directory and tolerates a missing file; a named file must exist.
func Load(file string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.AddConfigPath(filepath.Dir(DefaultPath()))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return Config{}, oops.In("config").With("file", file).Wrapf(err, "read config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, oops.In("config").With("file", v.ConfigFileUsed()).Wrapf(err, "decode config")
	}
	if err := v.UnmarshalKey("relays", &cfg.Relays); err != nil {
		return Config{}, oops.In("config").With("file", v.ConfigFileUsed()).Wrapf(err, "decode relays")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a tunnel.
func (c Config) Validate() error {
	errb := oops.In("config")
	if _, err := kex.Lookup(kex.Algorithm(c.Tunnel.Algorithm)); err != nil {
		return errb.With("algorithm", c.Tunnel.Algorithm).Wrapf(err, "tunnel.algorithm")
	}
	cs, ok := constants.ParseCipherSuite(c.Tunnel.CipherSuite)
	if !ok {
		return errb.With("cipher_suite", c.Tunnel.CipherSuite).Errorf("tunnel.cipher_suite: unknown suite %q", c.Tunnel.CipherSuite)
	}
	if crypto.FIPSMode() && !cs.IsFIPSApproved() {
		return errb.With("cipher_suite", c.Tunnel.CipherSuite).Errorf("tunnel.cipher_suite: %s is not available in FIPS builds", cs)
	}
	if _, ok := path.StrategyByName(c.Tunnel.Strategy); !ok {
		return errb.With("strategy", c.Tunnel.Strategy).Errorf("tunnel.strategy: unknown strategy %q", c.Tunnel.Strategy)
	}
	if err := c.HopPolicy().Validate(); err != nil {
		return errb.With("min_hops", c.Tunnel.MinHops).With("max_hops", c.Tunnel.MaxHops).Wrapf(err, "tunnel hops")
	}
	seen := make(map[string]bool, len(c.Relays))
	for i, r := range c.Relays {
		if r.ID == "" || r.Endpoint == "" {
			return errb.With("index", i).Errorf("relays[%d]: id and endpoint are required", i)
		}
		if seen[r.ID] {
			return errb.With("id", r.ID).Errorf("relays[%d]: duplicate id %q", i, r.ID)
		}
		seen[r.ID] = true
	}
	return nil
}

// HopPolicy returns the configured hop policy.
func (c Config) HopPolicy() path.HopPolicy {
	p := path.MultiHopPolicy(c.Tunnel.MinHops, c.Tunnel.MaxHops)
	if c.Tunnel.MinHops == 1 && c.Tunnel.MaxHops == 1 {
		p = path.SingleHopPolicy()
	}
	if c.Tunnel.Region != path.RegionAuto {
		p.Region = c.Tunnel.Region
	}
	return p
}

// TunnelConfig returns the tunnel configuration for target.
func (c Config) TunnelConfig(target string) tunnel.Config {
	cfg := tunnel.DefaultConfig(target)
	cfg.Policy = c.HopPolicy()
	cfg.Algorithm = kex.Algorithm(c.Tunnel.Algorithm)
	cfg.RekeyInterval = c.Tunnel.RekeyInterval
	cfg.HandshakeTimeout = c.Tunnel.HandshakeTimeout
	if cs, ok := constants.ParseCipherSuite(c.Tunnel.CipherSuite); ok {
		cfg.CipherSuites = []constants.CipherSuite{cs}
	}
	return cfg
}

// ReconnectPolicy returns the reconnect policy.
func (c Config) ReconnectPolicy() reconnect.Policy {
	return reconnect.Policy{
		MaxAttempts: c.Reconnect.MaxAttempts,
		BaseDelay:   c.Reconnect.BaseDelay,
		MaxDelay:    c.Reconnect.MaxDelay,
	}
}

// RelayServerConfig returns the relay server settings.
func (c Config) RelayServerConfig() relay.Config {
	rc := relay.DefaultConfig()
	rc.KeyLifetime = c.Tunnel.RekeyInterval
	rc.HandshakeTimeout = c.Tunnel.HandshakeTimeout
	rc.HandshakeRate = c.Relay.HandshakeRate
	rc.HandshakeBurst = c.Relay.HandshakeBurst
	rc.PerIPHandshakeRate = c.Relay.PerIPHandshakeRate
	rc.PerIPHandshakeBurst = c.Relay.PerIPHandshakeBurst
	rc.MaxCircuitsPerIP = c.Relay.MaxCircuitsPerIP
	return rc
}

// Directory builds a relay directory from the configured relays.
func (c Config) Directory() (*path.Directory, error) {
	dir := path.NewDirectory()
	for _, r := range c.Relays {
		err := dir.Upsert(path.Candidate{
			ID:       r.ID,
			Endpoint: r.Endpoint,
			Country:  r.Country,
			City:     r.City,
			Load:     r.Load,
			Latency:  r.Latency,
			PQC:      r.PQC,
		})
		if err != nil {
			return nil, oops.In("config").With("relay", r.ID).Wrapf(err, "add relay")
		}
	}
	return dir, nil
}

// Composer returns a path composer over the configured relays.
func (c Config) Composer() (*path.Composer, error) {
	dir, err := c.Directory()
	if err != nil {
		return nil, err
	}
	s, _ := path.StrategyByName(c.Tunnel.Strategy)
	return path.NewComposer(dir, path.WithStrategy(s)), nil
}

// Write stores cfg as YAML at file, creating parent directories. It refuses
// to replace an existing file unless overwrite is set.
func Write(file string, cfg Config, overwrite bool) error {
	errb := oops.In("config").With("file", file)
	if !overwrite {
		if _, err := os.Stat(file); err == nil {
			return errb.Errorf("%s already exists", file)
		}
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return errb.Wrapf(err, "encode config")
	}
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return errb.Wrapf(err, "create config directory")
	}
	if err := os.WriteFile(file, out, 0o600); err != nil {
		return errb.Wrapf(err, "write config")
	}
	return nil
}
