// Package errors defines the error taxonomy of the tunnel engine.
// Errors carry enough context for debugging without leaking key material.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for key exchange operations
var (
	// ErrUnknownAlgorithm indicates an algorithm selector with no registered primitive
	ErrUnknownAlgorithm = errors.New("kex: unknown algorithm")

	// ErrAlgorithmMismatch indicates material produced by a different algorithm
	ErrAlgorithmMismatch = errors.New("kex: algorithm mismatch")

	// ErrInvalidPublicKey indicates that a peer public key is malformed
	ErrInvalidPublicKey = errors.New("kex: invalid public key")

	// ErrInvalidCiphertext indicates that a ciphertext is malformed
	ErrInvalidCiphertext = errors.New("kex: invalid ciphertext")

	// ErrInvalidPrivateKey indicates a missing or wiped private key
	ErrInvalidPrivateKey = errors.New("kex: invalid private key")

	// ErrKeyGenerationFailed indicates that key generation failed
	ErrKeyGenerationFailed = errors.New("kex: key generation failed")

	// ErrEncapsulationFailed indicates that encapsulation failed
	ErrEncapsulationFailed = errors.New("kex: encapsulation failed")

	// ErrDecapsulationFailed indicates that decapsulation failed
	ErrDecapsulationFailed = errors.New("kex: decapsulation failed")
)

// Sentinel errors for AEAD operations
var (
	// ErrInvalidKeySize indicates that a symmetric key has an incorrect size
	ErrInvalidKeySize = errors.New("aead: invalid key size")

	// ErrAuthenticationFailed indicates AEAD authentication/decryption failed
	ErrAuthenticationFailed = errors.New("aead: authentication failed")

	// ErrCiphertextTooShort indicates ciphertext is too short to be valid
	ErrCiphertextTooShort = errors.New("aead: ciphertext too short")

	// ErrNonceExhausted indicates nonce space is exhausted for the current key
	ErrNonceExhausted = errors.New("aead: nonce space exhausted, rekey required")
)

// Sentinel errors for protocol operations
var (
	// ErrInvalidMessage indicates a protocol message is malformed
	ErrInvalidMessage = errors.New("protocol: invalid message")

	// ErrUnsupportedVersion indicates an unsupported protocol version
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")

	// ErrUnsupportedCipherSuite indicates no common cipher suite
	ErrUnsupportedCipherSuite = errors.New("protocol: unsupported cipher suite")

	// ErrUnexpectedMessage indicates a valid message arriving in the wrong phase
	ErrUnexpectedMessage = errors.New("protocol: unexpected message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("protocol: message too large")

	// ErrFinishedMismatch indicates the peer's Finished verify data did not match
	ErrFinishedMismatch = errors.New("protocol: finished verification failed")

	// ErrRekeyInProgress indicates a rekey operation is already running on a channel
	ErrRekeyInProgress = errors.New("protocol: rekey already in progress")

	// ErrExtendRejected indicates a relay refused to extend the circuit
	ErrExtendRejected = errors.New("protocol: extend rejected")
)

// Sentinel errors for the secure transport layer
var (
	// ErrTransportClosed indicates the underlying stream or channel ended
	ErrTransportClosed = errors.New("transport: closed")

	// ErrAuthFailure indicates a record failed its integrity check
	ErrAuthFailure = errors.New("transport: authentication failure")

	// ErrReplayDetected indicates a sequence number regressed or repeated
	ErrReplayDetected = errors.New("transport: replay detected")
)

// Sentinel errors for path composition
var (
	// ErrInsufficientHops indicates fewer eligible relays than the policy minimum
	ErrInsufficientHops = errors.New("path: insufficient hops")

	// ErrNoCandidates indicates no eligible relay at all
	ErrNoCandidates = errors.New("path: no candidates")

	// ErrInvalidOrder indicates a strategy returned duplicates or unknown relays
	ErrInvalidOrder = errors.New("path: strategy returned invalid order")

	// ErrInvalidPolicy indicates a hop policy that cannot be satisfied by construction
	ErrInvalidPolicy = errors.New("path: invalid hop policy")
)

// Sentinel errors for tunnel operations
var (
	// ErrInvalidStateTransition indicates an operation not allowed in the current state
	ErrInvalidStateTransition = errors.New("tunnel: invalid state transition")

	// ErrTimeout indicates an operation exceeded its deadline
	ErrTimeout = errors.New("tunnel: operation timed out")

	// ErrAlreadyExists indicates a duplicate tunnel identity
	ErrAlreadyExists = errors.New("tunnel: already exists")

	// ErrNotFound indicates an unknown tunnel identifier
	ErrNotFound = errors.New("tunnel: not found")

	// ErrCanceled indicates the operation was canceled by the caller or by disconnect
	ErrCanceled = errors.New("tunnel: operation canceled")

	// ErrHandshakeFailed indicates a hop handshake failed
	ErrHandshakeFailed = errors.New("tunnel: handshake failed")

	// ErrTrafficBlocked indicates the leak guard refused an outbound packet
	ErrTrafficBlocked = errors.New("tunnel: traffic blocked by leak guard")

	// ErrInvalidConfig indicates a tunnel config that fails validation
	ErrInvalidConfig = errors.New("tunnel: invalid config")

	// ErrManagerClosed indicates the manager was shut down
	ErrManagerClosed = errors.New("tunnel: manager closed")
)

// CryptoError wraps a cryptographic error with additional context
type CryptoError struct {
	Op  string // Operation that failed
	Err error  // Underlying error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error {
	return e.Err
}

// NewCryptoError creates a new CryptoError
func NewCryptoError(op string, err error) *CryptoError {
	return &CryptoError{Op: op, Err: err}
}

// ProtocolError wraps a protocol error with additional context
type ProtocolError struct {
	Phase string // Protocol phase (e.g., "handshake", "record")
	Err   error  // Underlying error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol %s: %v", e.Phase, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NewProtocolError creates a new ProtocolError
func NewProtocolError(phase string, err error) *ProtocolError {
	return &ProtocolError{Phase: phase, Err: err}
}

// KeyExchangeError reports a primitive rejection or malformed peer material.
type KeyExchangeError struct {
	Algorithm string
	Op        string
	Err       error
}

func (e *KeyExchangeError) Error() string {
	if e.Algorithm == "" {
		return fmt.Sprintf("key exchange %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("key exchange %s (%s): %v", e.Op, e.Algorithm, e.Err)
}

func (e *KeyExchangeError) Unwrap() error {
	return e.Err
}

// NewKeyExchangeError creates a new KeyExchangeError
func NewKeyExchangeError(algorithm, op string, err error) *KeyExchangeError {
	return &KeyExchangeError{Algorithm: algorithm, Op: op, Err: err}
}

// TransportErrorKind classifies a TransportError.
type TransportErrorKind int

const (
	TransportClosed TransportErrorKind = iota + 1
	TransportAuthFailure
	TransportReplayDetected
)

// String returns the kind name.
func (k TransportErrorKind) String() string {
	switch k {
	case TransportClosed:
		return "closed"
	case TransportAuthFailure:
		return "auth failure"
	case TransportReplayDetected:
		return "replay detected"
	default:
		return "unknown"
	}
}

func (k TransportErrorKind) sentinel() error {
	switch k {
	case TransportAuthFailure:
		return ErrAuthFailure
	case TransportReplayDetected:
		return ErrReplayDetected
	default:
		return ErrTransportClosed
	}
}

// TransportError is returned by the secure transport layer.
// errors.Is matches the sentinel for its kind as well as the wrapped cause.
type TransportError struct {
	Kind TransportErrorKind
	Err  error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return "transport: " + e.Kind.String()
	}
	return fmt.Sprintf("transport: %s: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}
	return []error{e.Kind.sentinel(), e.Err}
}

// NewTransportError creates a new TransportError
func NewTransportError(kind TransportErrorKind, err error) *TransportError {
	return &TransportError{Kind: kind, Err: err}
}

// IsSecurityEvent reports whether err is an authentication failure or replay.
func IsSecurityEvent(err error) bool {
	return errors.Is(err, ErrAuthFailure) || errors.Is(err, ErrReplayDetected)
}

// PathError reports a hop policy that the available relays cannot satisfy.
type PathError struct {
	Kind error // ErrInsufficientHops, ErrNoCandidates, ErrInvalidOrder or ErrInvalidPolicy
	Have int
	Want int
}

func (e *PathError) Error() string {
	if e.Kind == ErrInsufficientHops {
		return fmt.Sprintf("%v: have %d, want at least %d", e.Kind, e.Have, e.Want)
	}
	return e.Kind.Error()
}

func (e *PathError) Unwrap() error {
	return e.Kind
}

// TunnelError is the single error type surfaced by tunnel manager operations.
// Kind classifies the failure; Err carries the underlying cause, if any.
type TunnelError struct {
	ID   string
	Op   string
	Kind error
	Err  error
}

func (e *TunnelError) Error() string {
	msg := "tunnel"
	if e.ID != "" {
		msg += " " + e.ID
	}
	if e.Op != "" {
		msg += " " + e.Op
	}
	switch {
	case e.Kind != nil && e.Err != nil:
		return fmt.Sprintf("%s: %v: %v", msg, e.Kind, e.Err)
	case e.Kind != nil:
		return fmt.Sprintf("%s: %v", msg, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", msg, e.Err)
	default:
		return msg + ": failed"
	}
}

func (e *TunnelError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// NewTunnelError creates a new TunnelError
func NewTunnelError(id, op string, kind, cause error) *TunnelError {
	return &TunnelError{ID: id, Op: op, Kind: kind, Err: cause}
}

// Is reports whether any error in err's chain matches target.
// This is a convenience wrapper around errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
// This is a convenience wrapper around errors.As.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
