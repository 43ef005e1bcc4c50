package constants

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCipherSuiteString(t *testing.T) {
	tests := []struct {
		suite CipherSuite
		want  string
	}{
		{CipherSuiteAES256GCM, "AES-256-GCM"},
		{CipherSuiteChaCha20Poly1305, "ChaCha20-Poly1305"},
		{CipherSuite(0x9999), "Unknown"},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, tt.suite.String())
	}
}

func TestCipherSuiteIsSupported(t *testing.T) {
	require.True(t, CipherSuiteAES256GCM.IsSupported())
	require.True(t, CipherSuiteChaCha20Poly1305.IsSupported())
	require.False(t, CipherSuite(0).IsSupported())
	require.False(t, CipherSuite(0x0003).IsSupported())
}

func TestParseCipherSuite(t *testing.T) {
	tests := []struct {
		name string
		want CipherSuite
		ok   bool
	}{
		{"", CipherSuiteAES256GCM, true},
		{"aes-256-gcm", CipherSuiteAES256GCM, true},
		{"chacha20-poly1305", CipherSuiteChaCha20Poly1305, true},
		{"rc4", 0, false},
	}

	for _, tt := range tests {
		got, ok := ParseCipherSuite(tt.name)
		require.Equal(t, tt.ok, ok, tt.name)
		require.Equal(t, tt.want, got, tt.name)
	}
}

func TestSizes(t *testing.T) {
	require.Equal(t, 1600, CHKEMPublicKeySize)
	require.Equal(t, 1600, CHKEMCiphertextSize)
	require.Equal(t, 1+4+8+4, RecordHeaderSize)
	require.Less(t, MaxPayloadSize+RecordHeaderSize+AEADTagSize+1, MaxMessageSize)
	require.LessOrEqual(t, DefaultMaxHops, MaxHops)
}

func TestDomainSeparatorsDistinct(t *testing.T) {
	labels := []string{
		DomainSeparatorCHKEM,
		DomainSeparatorSession,
		DomainSeparatorHandshake,
		DomainSeparatorTraffic,
		DomainSeparatorFinished,
	}

	seen := make(map[string]bool)
	for _, l := range labels {
		require.False(t, seen[l], "duplicate domain separator %q", l)
		seen[l] = true
	}
}
