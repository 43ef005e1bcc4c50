package tunnel

import (
	"fmt"
	"slices"
	"time"

	"github.com/pzverkov/pqtunnel/internal/constants"
	qerrors "github.com/pzverkov/pqtunnel/internal/errors"
	"github.com/pzverkov/pqtunnel/pkg/kex"
	"github.com/pzverkov/pqtunnel/pkg/path"
)

// Config describes one tunnel. It is copied at CreateTunnel and never
// changes afterwards.
type Config struct {
	// Name is an optional label, unique among tunnels that have not ended.
	Name string

	// Target is the host:port the exit relay connects to.
	Target string

	// Policy bounds the number of hops and their region.
	// Default: multi-hop, 1 to 3 relays
	Policy path.HopPolicy

	// Algorithm selects the key exchange for every hop.
	// Default: ch-kem-1024
	Algorithm kex.Algorithm

	// CipherSuites are offered to every hop in preference order. Empty offers all.
	CipherSuites []constants.CipherSuite

	// RekeyInterval triggers a rekey of every hop and bounds key lifetime.
	// Default: 1 hour
	RekeyInterval time.Duration

	// HandshakeTimeout bounds Connect and Rekey when the caller's context
	// has no deadline.
	// Default: 30 seconds
	HandshakeTimeout time.Duration
}

// DefaultConfig returns a Config for target with defaults applied.
func DefaultConfig(target string) Config {
	return Config{
		Target:           target,
		Policy:           path.DefaultPolicy(),
		Algorithm:        kex.DefaultAlgorithm,
		RekeyInterval:    constants.DefaultRekeyInterval,
		HandshakeTimeout: constants.DefaultHandshakeTimeout,
	}
}

func (c *Config) applyDefaults() {
	if c.Policy == (path.HopPolicy{}) {
		c.Policy = path.DefaultPolicy()
	}
	if c.Algorithm == "" {
		c.Algorithm = kex.DefaultAlgorithm
	}
	if c.RekeyInterval == 0 {
		c.RekeyInterval = constants.DefaultRekeyInterval
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = constants.DefaultHandshakeTimeout
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Target == "" {
		return fmt.Errorf("%w: target is required", qerrors.ErrInvalidConfig)
	}
	if len(c.Target) > 255 {
		return fmt.Errorf("%w: target too long", qerrors.ErrInvalidConfig)
	}
	if c.RekeyInterval < 0 {
		return fmt.Errorf("%w: RekeyInterval cannot be negative", qerrors.ErrInvalidConfig)
	}
	if c.HandshakeTimeout < 0 {
		return fmt.Errorf("%w: HandshakeTimeout cannot be negative", qerrors.ErrInvalidConfig)
	}
	for _, cs := range c.CipherSuites {
		if !cs.IsSupported() {
			return fmt.Errorf("%w: unsupported cipher suite %#04x", qerrors.ErrInvalidConfig, uint16(cs))
		}
	}
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("%w: %w", qerrors.ErrInvalidConfig, err)
	}
	return nil
}

func (c Config) clone() Config {
	c.CipherSuites = slices.Clone(c.CipherSuites)
	return c
}
