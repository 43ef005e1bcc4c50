package tunnel

import "github.com/google/uuid"

// ID identifies a tunnel for its whole lifetime. IDs are random and never
// reused.
type ID = uuid.UUID

// ParseID parses the string form of an ID.
func ParseID(s string) (ID, error) {
	return uuid.Parse(s)
}

// State is the lifecycle state of a tunnel.
type State int32

const (
	// StateCreated indicates a tunnel record with no path yet
	StateCreated State = iota

	// StateNegotiating indicates hop handshakes are in progress
	StateNegotiating

	// StateEstablished indicates every hop is keyed and traffic may flow
	StateEstablished

	// StateRekeying indicates fresh keys are being negotiated; traffic still flows
	StateRekeying

	// StateDisconnecting indicates a caller-requested teardown is in progress
	StateDisconnecting

	// StateClosed indicates the tunnel was disconnected
	StateClosed

	// StateFailed indicates the tunnel ended on an error
	StateFailed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateNegotiating:
		return "Negotiating"
	case StateEstablished:
		return "Established"
	case StateRekeying:
		return "Rekeying"
	case StateDisconnecting:
		return "Disconnecting"
	case StateClosed:
		return "Closed"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// CarriesTraffic reports whether hop keys exist and the tunnel may be armed.
func (s State) CarriesTraffic() bool {
	return s == StateEstablished || s == StateRekeying
}
