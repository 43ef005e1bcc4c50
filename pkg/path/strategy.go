package path

import (
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// LoadStrategy prefers the least loaded relays.
type LoadStrategy struct{}

// Select orders by load, then ID.
func (LoadStrategy) Select(candidates []Candidate) []Candidate {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Load != candidates[j].Load {
			return candidates[i].Load < candidates[j].Load
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates
}

// LatencyStrategy prefers the lowest measured latency. Relays without a
// measurement go last.
type LatencyStrategy struct{}

// Select orders by latency, then ID.
func (LatencyStrategy) Select(candidates []Candidate) []Candidate {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].Latency, candidates[j].Latency
		switch {
		case a == b:
			return candidates[i].ID < candidates[j].ID
		case a == 0:
			return false
		case b == 0:
			return true
		default:
			return a < b
		}
	})
	return candidates
}

// WeightedStrategy blends load and latency after normalizing both to [0, 1]
// across the candidate set. Lower blended cost wins.
type WeightedStrategy struct {
	LoadWeight    float64
	LatencyWeight float64
}

// DefaultWeightedStrategy weighs load and latency equally.
func DefaultWeightedStrategy() WeightedStrategy {
	return WeightedStrategy{LoadWeight: 0.5, LatencyWeight: 0.5}
}

// Select orders by blended cost, then ID.
func (w WeightedStrategy) Select(candidates []Candidate) []Candidate {
	n := len(candidates)
	if n < 2 {
		return candidates
	}
	loads := make([]float64, n)
	lats := make([]float64, n)
	for i, c := range candidates {
		loads[i] = c.Load
		lats[i] = float64(c.Latency)
	}
	normalize(loads)
	normalize(lats)

	cost := make([]float64, n)
	floats.AddScaled(cost, w.LoadWeight, loads)
	floats.AddScaled(cost, w.LatencyWeight, lats)

	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		if cost[idx[a]] != cost[idx[b]] {
			return cost[idx[a]] < cost[idx[b]]
		}
		return candidates[idx[a]].ID < candidates[idx[b]].ID
	})

	out := make([]Candidate, n)
	for i, j := range idx {
		out[i] = candidates[j]
	}
	return out
}

// normalize maps v onto [0, 1] in place. A constant vector becomes zeros.
func normalize(v []float64) {
	lo, hi := floats.Min(v), floats.Max(v)
	floats.AddConst(-lo, v)
	if hi == lo {
		return
	}
	floats.Scale(1/(hi-lo), v)
}

// RandomStrategy shuffles candidates. A nil Rand uses the global source.
type RandomStrategy struct {
	Rand *rand.Rand
}

// Select returns a random permutation.
func (r RandomStrategy) Select(candidates []Candidate) []Candidate {
	swap := func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] }
	if r.Rand != nil {
		r.Rand.Shuffle(len(candidates), swap)
	} else {
		rand.Shuffle(len(candidates), swap)
	}
	return candidates
}

// StrategyByName maps a configuration value onto a strategy.
func StrategyByName(name string) (Strategy, bool) {
	switch name {
	case "", "load":
		return LoadStrategy{}, true
	case "latency":
		return LatencyStrategy{}, true
	case "weighted":
		return DefaultWeightedStrategy(), true
	case "random":
		return RandomStrategy{}, true
	default:
		return nil, false
	}
}
