package host

import (
	"slices"
	"strconv"
	"sync"

	"github.com/samber/oops"

	"github.com/pzverkov/pqtunnel/pkg/kex"
	"github.com/pzverkov/pqtunnel/pkg/path"
)

// Setting keys.
const (
	KeyKillSwitch    = "kill_switch"
	KeyDNSProtection = "dns_protection"
	KeyKeyExchange   = "key_exchange"
	KeyAutoConnect   = "auto_connect"
	KeyServerRegion  = "server_region"
	KeySplitTunnel   = "split_tunnel"
)

// FieldKind is how the host renders a setting.
type FieldKind string

const (
	FieldToggle FieldKind = "toggle"
	FieldSelect FieldKind = "select"
)

// Field describes one setting.
type Field struct {
	Key         string    `json:"key"`
	Label       string    `json:"label"`
	Kind        FieldKind `json:"kind"`
	Default     string    `json:"default"`
	Options     []string  `json:"options,omitempty"`
	Description string    `json:"description"`
	Group       string    `json:"group"`
}

// keyExchanges maps setting values to key exchange algorithms. Every option
// is post-quantum; the hybrids also run X25519.
var keyExchanges = map[string]kex.Algorithm{
	"ml_kem":        kex.AlgorithmMLKEM1024,
	"ml_kem_768":    kex.AlgorithmMLKEM768,
	"hybrid_ml_kem": kex.AlgorithmCHKEM,
	"x_wing":        kex.AlgorithmXWing,
}

var schema = []Field{
	{Key: KeyKillSwitch, Label: "Kill Switch", Kind: FieldToggle, Default: "true",
		Description: "Block all traffic if the tunnel fails", Group: "Security"},
	{Key: KeyDNSProtection, Label: "DNS Leak Protection", Kind: FieldToggle, Default: "true",
		Description: "Prevent DNS queries outside the tunnel", Group: "Security"},
	{Key: KeyKeyExchange, Label: "Key Exchange Protocol", Kind: FieldSelect, Default: "hybrid_ml_kem",
		Options:     []string{"ml_kem", "ml_kem_768", "hybrid_ml_kem", "x_wing"},
		Description: "Post-quantum key exchange algorithm", Group: "Security"},
	{Key: KeyAutoConnect, Label: "Auto-Connect", Kind: FieldToggle, Default: "false",
		Description: "Connect automatically on application start", Group: "Connection"},
	{Key: KeyServerRegion, Label: "Server Region", Kind: FieldSelect, Default: path.RegionAuto,
		Options:     []string{path.RegionAuto, "us-east", "us-west", "eu-west", "eu-central", "asia-pacific"},
		Description: "Preferred relay region", Group: "Connection"},
	{Key: KeySplitTunnel, Label: "Split Tunneling", Kind: FieldToggle, Default: "false",
		Description: "Allow some applications to bypass the tunnel", Group: "Advanced"},
}

// Schema returns the settings schema in display order.
func Schema() []Field {
	out := make([]Field, len(schema))
	for i, f := range schema {
		f.Options = slices.Clone(f.Options)
		out[i] = f
	}
	return out
}

func lookupField(key string) (Field, bool) {
	for _, f := range schema {
		if f.Key == key {
			return f, true
		}
	}
	return Field{}, false
}

// Setting is one key/value pair.
type Setting struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Settings holds validated setting values. It is safe for concurrent use.
type Settings struct {
	mu       sync.RWMutex
	values   map[string]string
	onChange func(key, value string)
}

// NewSettings returns settings at their defaults.
func NewSettings() *Settings {
	s := &Settings{}
	s.reset()
	return s
}

func (s *Settings) reset() {
	s.values = make(map[string]string, len(schema))
	for _, f := range schema {
		s.values[f.Key] = f.Default
	}
}

// Set validates and stores one value.
func (s *Settings) Set(key, value string) error {
	f, ok := lookupField(key)
	if !ok {
		return oops.In("settings").With("key", key).Errorf("unknown configuration key: %s", key)
	}
	switch f.Kind {
	case FieldToggle:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return oops.In("settings").With("key", key).Wrapf(err, "%s: want true or false, got %q", key, value)
		}
		value = strconv.FormatBool(b)
	case FieldSelect:
		if !slices.Contains(f.Options, value) {
			return oops.In("settings").With("key", key).With("options", f.Options).Errorf("%s: unknown value %q", key, value)
		}
	}

	s.mu.Lock()
	s.values[key] = value
	notify := s.onChange
	s.mu.Unlock()
	if notify != nil {
		notify(key, value)
	}
	return nil
}

// Apply sets several values, stopping at the first invalid one.
func (s *Settings) Apply(values []Setting) error {
	for _, v := range values {
		if err := s.Set(v.Key, v.Value); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the value of key.
func (s *Settings) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Values returns every value in schema order.
func (s *Settings) Values() []Setting {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Setting, len(schema))
	for i, f := range schema {
		out[i] = Setting{Key: f.Key, Value: s.values[f.Key]}
	}
	return out
}

// Reset restores the defaults and reports every key as changed.
func (s *Settings) Reset() {
	s.mu.Lock()
	s.reset()
	notify := s.onChange
	s.mu.Unlock()
	if notify != nil {
		for _, f := range schema {
			notify(f.Key, f.Default)
		}
	}
}

func (s *Settings) bool(key string) bool {
	v, _ := s.Get(key)
	return v == "true"
}

// KillSwitch reports whether a failing tunnel should block all traffic.
func (s *Settings) KillSwitch() bool { return s.bool(KeyKillSwitch) }

// DNSProtection reports the DNS leak protection preference.
func (s *Settings) DNSProtection() bool { return s.bool(KeyDNSProtection) }

// AutoConnect reports whether the host should connect at start.
func (s *Settings) AutoConnect() bool { return s.bool(KeyAutoConnect) }

// SplitTunnel reports the split tunneling preference.
func (s *Settings) SplitTunnel() bool { return s.bool(KeySplitTunnel) }

// KeyExchange returns the selected key exchange algorithm.
func (s *Settings) KeyExchange() kex.Algorithm {
	v, _ := s.Get(KeyKeyExchange)
	return keyExchanges[v]
}

// Region returns the preferred relay region.
func (s *Settings) Region() string {
	v, _ := s.Get(KeyServerRegion)
	return v
}
