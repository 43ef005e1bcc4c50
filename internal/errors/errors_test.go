package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCryptoError(t *testing.T) {
	base := errors.New("base error")
	err := NewCryptoError("aead-open", base)

	require.Contains(t, err.Error(), "aead-open")
	require.Contains(t, err.Error(), "base error")
	require.ErrorIs(t, err, base)
}

func TestProtocolError(t *testing.T) {
	err := NewProtocolError("handshake", ErrUnexpectedMessage)

	require.Equal(t, "protocol handshake: protocol: unexpected message", err.Error())
	require.ErrorIs(t, err, ErrUnexpectedMessage)
}

func TestKeyExchangeError(t *testing.T) {
	err := NewKeyExchangeError("ml-kem-768", "decapsulate", ErrInvalidCiphertext)

	require.Contains(t, err.Error(), "ml-kem-768")
	require.ErrorIs(t, err, ErrInvalidCiphertext)

	var kerr *KeyExchangeError
	require.True(t, As(err, &kerr))
	require.Equal(t, "decapsulate", kerr.Op)

	noAlg := NewKeyExchangeError("", "lookup", ErrUnknownAlgorithm)
	require.Equal(t, "key exchange lookup: kex: unknown algorithm", noAlg.Error())
}

func TestTransportErrorKinds(t *testing.T) {
	tests := []struct {
		kind     TransportErrorKind
		sentinel error
		security bool
	}{
		{TransportClosed, ErrTransportClosed, false},
		{TransportAuthFailure, ErrAuthFailure, true},
		{TransportReplayDetected, ErrReplayDetected, true},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			cause := errors.New("cause")
			err := NewTransportError(tt.kind, cause)
			require.ErrorIs(t, err, tt.sentinel)
			require.ErrorIs(t, err, cause)
			require.Equal(t, tt.security, IsSecurityEvent(err))

			bare := NewTransportError(tt.kind, nil)
			require.ErrorIs(t, bare, tt.sentinel)
		})
	}
}

func TestPathError(t *testing.T) {
	err := &PathError{Kind: ErrInsufficientHops, Have: 1, Want: 2}
	require.ErrorIs(t, err, ErrInsufficientHops)
	require.Contains(t, err.Error(), "have 1, want at least 2")

	none := &PathError{Kind: ErrNoCandidates}
	require.ErrorIs(t, none, ErrNoCandidates)
	require.NotErrorIs(t, none, ErrInsufficientHops)
}

func TestTunnelErrorCarriesKindAndCause(t *testing.T) {
	cause := NewKeyExchangeError("ch-kem-1024", "decapsulate", ErrDecapsulationFailed)
	err := NewTunnelError("abc", "connect", ErrHandshakeFailed, cause)

	require.ErrorIs(t, err, ErrHandshakeFailed)
	require.ErrorIs(t, err, ErrDecapsulationFailed)

	var kerr *KeyExchangeError
	require.ErrorAs(t, err, &kerr)
	require.Equal(t, "ch-kem-1024", kerr.Algorithm)

	require.Equal(t, "tunnel abc connect: tunnel: not found", NewTunnelError("abc", "connect", ErrNotFound, nil).Error())
	require.Equal(t, "tunnel: failed", (&TunnelError{}).Error())
}
