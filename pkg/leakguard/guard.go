// Package leakguard decides whether a packet may leave the host.
//
// A Guard holds the set of tunnels authorized to carry traffic and the
// kill-switch flag. Outbound checks run on every packet, so readers load an
// immutable snapshot through an atomic pointer and never take a lock; the
// tunnel manager is the only writer and each write publishes a fresh snapshot.
//
// The guard is consulted, it never drives tunnel transitions.
package leakguard

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// State is the coarse guard state.
type State int

const (
	Disarmed State = iota
	Armed
)

func (s State) String() string {
	if s == Armed {
		return "armed"
	}
	return "disarmed"
}

// Status is a consistent view of the guard.
type Status struct {
	State      State
	Armed      []uuid.UUID
	KillSwitch bool
	// FailSafe is set while the kill switch is on only because a tunnel
	// failed.
	FailSafe bool
	Blocked  uint64
}

// Observer receives guard events. Callbacks run synchronously and must not
// call back into the guard's writers.
type Observer interface {
	OnArm(id uuid.UUID)
	OnDisarm(id uuid.UUID)
	OnKillSwitch(enabled bool)
	OnBlocked(id uuid.UUID)
}

type snapshot struct {
	armed      map[uuid.UUID]struct{}
	killSwitch bool
	failSafe   bool
}

var empty = &snapshot{armed: map[uuid.UUID]struct{}{}}

// Guard is the process-wide leak guard. The zero value is not usable; call New.
type Guard struct {
	mu       sync.Mutex // serializes writers
	snap     atomic.Pointer[snapshot]
	blocked  atomic.Uint64
	observer Observer
}

// Option configures a Guard.
type Option func(*Guard)

// WithObserver attaches an observer.
func WithObserver(o Observer) Option {
	return func(g *Guard) { g.observer = o }
}

// New returns a disarmed guard with the kill switch off.
func New(opts ...Option) *Guard {
	g := &Guard{}
	g.snap.Store(empty)
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// update copies the current snapshot, applies fn and publishes the result.
// fn reports whether anything changed.
func (g *Guard) update(fn func(s *snapshot) bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur := g.snap.Load()
	next := &snapshot{armed: make(map[uuid.UUID]struct{}, len(cur.armed)+1), killSwitch: cur.killSwitch, failSafe: cur.failSafe}
	for id := range cur.armed {
		next.armed[id] = struct{}{}
	}
	if !fn(next) {
		return false
	}
	g.snap.Store(next)
	return true
}

// Arm authorizes id to carry traffic.
func (g *Guard) Arm(id uuid.UUID) {
	changed := g.update(func(s *snapshot) bool {
		if _, ok := s.armed[id]; ok {
			return false
		}
		s.armed[id] = struct{}{}
		return true
	})
	if changed && g.observer != nil {
		g.observer.OnArm(id)
	}
}

// Disarm revokes id. It is idempotent.
func (g *Guard) Disarm(id uuid.UUID) {
	changed := g.update(func(s *snapshot) bool {
		if _, ok := s.armed[id]; !ok {
			return false
		}
		delete(s.armed, id)
		return true
	})
	if changed && g.observer != nil {
		g.observer.OnDisarm(id)
	}
}

// IsArmed reports whether id is in the armed set, ignoring the kill switch.
func (g *Guard) IsArmed(id uuid.UUID) bool {
	_, ok := g.snap.Load().armed[id]
	return ok
}

// IsTrafficPermitted reports whether id may send: the kill switch is off and
// id is armed.
func (g *Guard) IsTrafficPermitted(id uuid.UUID) bool {
	s := g.snap.Load()
	if s.killSwitch {
		return false
	}
	_, ok := s.armed[id]
	return ok
}

// Outbound checks one outbound packet for id and counts it when blocked.
func (g *Guard) Outbound(id uuid.UUID) bool {
	if g.IsTrafficPermitted(id) {
		return true
	}
	g.blocked.Add(1)
	if g.observer != nil {
		g.observer.OnBlocked(id)
	}
	return false
}

// EnableKillSwitch blocks all traffic until DisableKillSwitch. Armed tunnels
// stay armed.
func (g *Guard) EnableKillSwitch() {
	g.setKillSwitch(func(s *snapshot) {
		s.killSwitch, s.failSafe = true, false
	})
}

// DisableKillSwitch lifts the kill switch however it was engaged.
func (g *Guard) DisableKillSwitch() {
	g.setKillSwitch(func(s *snapshot) {
		s.killSwitch, s.failSafe = false, false
	})
}

// EngageFailSafe blocks all traffic after a tunnel failure. Unlike
// EnableKillSwitch, the block is lifted by ReleaseFailSafe once a
// replacement tunnel is armed. A kill switch that is already on stays as
// it was engaged.
func (g *Guard) EngageFailSafe() {
	g.setKillSwitch(func(s *snapshot) {
		if !s.killSwitch {
			s.killSwitch, s.failSafe = true, true
		}
	})
}

// ReleaseFailSafe lifts the kill switch if EngageFailSafe turned it on.
func (g *Guard) ReleaseFailSafe() {
	g.setKillSwitch(func(s *snapshot) {
		if s.failSafe {
			s.killSwitch, s.failSafe = false, false
		}
	})
}

func (g *Guard) setKillSwitch(fn func(s *snapshot)) {
	var on bool
	toggled := false
	g.update(func(s *snapshot) bool {
		was, wasFailSafe := s.killSwitch, s.failSafe
		fn(s)
		on, toggled = s.killSwitch, s.killSwitch != was
		return toggled || s.failSafe != wasFailSafe
	})
	if toggled && g.observer != nil {
		g.observer.OnKillSwitch(on)
	}
}

// KillSwitchEnabled reports the kill-switch flag.
func (g *Guard) KillSwitchEnabled() bool {
	return g.snap.Load().killSwitch
}

// Blocked returns the number of packets refused so far.
func (g *Guard) Blocked() uint64 {
	return g.blocked.Load()
}

// Status returns the armed set (sorted) and the flag from one snapshot.
func (g *Guard) Status() Status {
	s := g.snap.Load()
	st := Status{KillSwitch: s.killSwitch, FailSafe: s.failSafe, Blocked: g.blocked.Load()}
	for id := range s.armed {
		st.Armed = append(st.Armed, id)
	}
	slices.SortFunc(st.Armed, func(a, b uuid.UUID) int { return slices.Compare(a[:], b[:]) })
	if len(st.Armed) > 0 {
		st.State = Armed
	}
	return st
}

// Reset disarms every tunnel. The kill-switch flag is left as is.
func (g *Guard) Reset() {
	var ids []uuid.UUID
	g.update(func(s *snapshot) bool {
		for id := range s.armed {
			ids = append(ids, id)
		}
		clear(s.armed)
		return len(ids) > 0
	})
	if g.observer == nil {
		return
	}
	for _, id := range ids {
		g.observer.OnDisarm(id)
	}
}
