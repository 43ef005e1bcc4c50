// Package path selects and orders the relays of a tunnel.
//
// The Composer filters the relay directory down to eligible candidates
// (post-quantum capable, inside the requested region), asks a pluggable
// Strategy for an order, validates that order and cuts it to the hop policy.
// Hop 0 of the result is the entry relay, the last hop is the exit.
package path

import (
	"fmt"
	"strings"
	"time"

	"github.com/pzverkov/pqtunnel/internal/constants"
	qerrors "github.com/pzverkov/pqtunnel/internal/errors"
)

// Candidate is a relay the composer may place on a path.
type Candidate struct {
	ID       string
	Endpoint string
	Country  string
	City     string
	// Load is the relay's reported utilization in [0, 1].
	Load float64
	// Latency is the last measured round trip; zero when unknown.
	Latency time.Duration
	// PQC reports post-quantum key exchange support.
	PQC bool
}

// Strategy orders candidates by preference, most preferred first. It may
// drop candidates but must not invent or repeat them.
type Strategy interface {
	Select(candidates []Candidate) []Candidate
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(candidates []Candidate) []Candidate

// Select calls f.
func (f StrategyFunc) Select(candidates []Candidate) []Candidate {
	return f(candidates)
}

// Mode selects single-hop or multi-hop paths.
type Mode int

const (
	SingleHop Mode = iota
	MultiHop
)

func (m Mode) String() string {
	if m == MultiHop {
		return "multi-hop"
	}
	return "single-hop"
}

// RegionAuto places no restriction on relay location.
const RegionAuto = "auto"

// HopPolicy bounds the number of hops and where they may be.
type HopPolicy struct {
	Mode Mode
	Min  int
	Max  int
	// Region restricts relays to a country code. Empty or "auto" allows any.
	Region string
}

// SingleHopPolicy returns a policy for exactly one relay.
func SingleHopPolicy() HopPolicy {
	return HopPolicy{Mode: SingleHop, Min: 1, Max: 1}
}

// MultiHopPolicy returns a policy for min to max relays.
func MultiHopPolicy(minHops, maxHops int) HopPolicy {
	return HopPolicy{Mode: MultiHop, Min: minHops, Max: maxHops}
}

// DefaultPolicy is the multi-hop policy used when a config leaves it unset.
func DefaultPolicy() HopPolicy {
	return MultiHopPolicy(constants.DefaultMinHops, constants.DefaultMaxHops)
}

// Bounds returns the effective minimum and maximum hop count.
func (p HopPolicy) Bounds() (minHops, maxHops int) {
	if p.Mode == SingleHop {
		return 1, 1
	}
	return p.Min, p.Max
}

// Validate checks that the policy can be satisfied by some directory.
func (p HopPolicy) Validate() error {
	if p.Mode != SingleHop && p.Mode != MultiHop {
		return &qerrors.PathError{Kind: qerrors.ErrInvalidPolicy}
	}
	lo, hi := p.Bounds()
	if lo < 1 || hi < lo || hi > constants.MaxHops {
		return &qerrors.PathError{Kind: qerrors.ErrInvalidPolicy, Have: hi, Want: lo}
	}
	return nil
}

func (p HopPolicy) String() string {
	lo, hi := p.Bounds()
	s := fmt.Sprintf("%s %d-%d", p.Mode, lo, hi)
	if p.Region != "" && p.Region != RegionAuto {
		s += " in " + p.Region
	}
	return s
}

func (p HopPolicy) allows(c Candidate) bool {
	if !c.PQC || c.Endpoint == "" {
		return false
	}
	if p.Region == "" || strings.EqualFold(p.Region, RegionAuto) {
		return true
	}
	return strings.EqualFold(c.Country, p.Region)
}

// Source supplies the current candidate set.
type Source interface {
	Candidates() []Candidate
}

// Composer turns a hop policy into an ordered relay list.
type Composer struct {
	source   Source
	strategy Strategy
}

// Option configures a Composer.
type Option func(*Composer)

// WithStrategy replaces the default lowest-load strategy.
func WithStrategy(s Strategy) Option {
	return func(c *Composer) {
		if s != nil {
			c.strategy = s
		}
	}
}

// NewComposer creates a composer over source.
func NewComposer(source Source, opts ...Option) *Composer {
	c := &Composer{source: source, strategy: LoadStrategy{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compose returns the hops for policy, entry first. It has no side effects.
func (c *Composer) Compose(policy HopPolicy) ([]Candidate, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	lo, hi := policy.Bounds()

	var eligible []Candidate
	for _, cand := range c.source.Candidates() {
		if policy.allows(cand) {
			eligible = append(eligible, cand)
		}
	}
	if len(eligible) == 0 {
		return nil, &qerrors.PathError{Kind: qerrors.ErrNoCandidates, Want: lo}
	}
	if len(eligible) < lo {
		return nil, &qerrors.PathError{Kind: qerrors.ErrInsufficientHops, Have: len(eligible), Want: lo}
	}

	ordered := c.strategy.Select(append([]Candidate(nil), eligible...))
	if err := checkOrder(eligible, ordered); err != nil {
		return nil, err
	}
	if len(ordered) < lo {
		return nil, &qerrors.PathError{Kind: qerrors.ErrInsufficientHops, Have: len(ordered), Want: lo}
	}
	if len(ordered) > hi {
		ordered = ordered[:hi]
	}
	return ordered, nil
}

// checkOrder rejects strategy output with unknown or repeated relays.
func checkOrder(eligible, ordered []Candidate) error {
	known := make(map[string]bool, len(eligible))
	for _, c := range eligible {
		known[c.ID] = true
	}
	seen := make(map[string]bool, len(ordered))
	for _, c := range ordered {
		if !known[c.ID] || seen[c.ID] {
			return &qerrors.PathError{Kind: qerrors.ErrInvalidOrder}
		}
		seen[c.ID] = true
	}
	return nil
}

// Endpoints returns the endpoints of hops in order.
func Endpoints(hops []Candidate) []string {
	out := make([]string, len(hops))
	for i, h := range hops {
		out[i] = h.Endpoint
	}
	return out
}
