package path

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrInvalidCandidate is returned by Upsert for a candidate without ID or endpoint.
var ErrInvalidCandidate = errors.New("path: candidate needs an id and an endpoint")

// Directory is a concurrent store of relay candidates.
type Directory struct {
	mu    sync.RWMutex
	relay map[string]Candidate
}

// NewDirectory returns a directory holding candidates.
func NewDirectory(candidates ...Candidate) *Directory {
	d := &Directory{relay: make(map[string]Candidate, len(candidates))}
	for _, c := range candidates {
		_ = d.Upsert(c)
	}
	return d
}

// Upsert adds or replaces a candidate. Load is clamped to [0, 1].
func (d *Directory) Upsert(c Candidate) error {
	if c.ID == "" || c.Endpoint == "" {
		return ErrInvalidCandidate
	}
	c.Load = clampLoad(c.Load)
	d.mu.Lock()
	d.relay[c.ID] = c
	d.mu.Unlock()
	return nil
}

// Remove deletes a candidate and reports whether it existed.
func (d *Directory) Remove(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.relay[id]
	delete(d.relay, id)
	return ok
}

// UpdateLoad sets a candidate's load, clamped to [0, 1].
func (d *Directory) UpdateLoad(id string, load float64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.relay[id]
	if !ok {
		return false
	}
	c.Load = clampLoad(load)
	d.relay[id] = c
	return true
}

// UpdateLatency records a measured round trip.
func (d *Directory) UpdateLatency(id string, rtt time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.relay[id]
	if !ok {
		return false
	}
	c.Latency = rtt
	d.relay[id] = c
	return true
}

// Get returns one candidate.
func (d *Directory) Get(id string) (Candidate, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.relay[id]
	return c, ok
}

// Len returns the number of candidates.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.relay)
}

// Candidates returns a snapshot sorted by ID.
func (d *Directory) Candidates() []Candidate {
	d.mu.RLock()
	out := make([]Candidate, 0, len(d.relay))
	for _, c := range d.relay {
		out = append(out, c)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func clampLoad(load float64) float64 {
	switch {
	case load != load, load < 0: // NaN or negative
		return 0
	case load > 1:
		return 1
	default:
		return load
	}
}
