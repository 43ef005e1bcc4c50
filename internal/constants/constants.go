// Package constants defines security parameters and protocol constants for the
// pqtunnel tunnel engine.
//
// Security Level: NIST Category 5 for the default key exchange (X25519 combined
// with ML-KEM-1024); symmetric protection is AES-256-GCM or ChaCha20-Poly1305.
package constants

import "time"

// Protocol version and identification
const (
	// ProtocolVersion is the current version of the hop handshake and record format
	ProtocolVersion uint16 = 0x0001

	// ProtocolName is used for domain separation in key derivation
	ProtocolName = "PQTUNNEL-v1"
)

// ML-KEM-1024 Parameters (NIST FIPS 203)
const (
	MLKEMPublicKeySize    = 1568
	MLKEMCiphertextSize   = 1568
	MLKEMSharedSecretSize = 32
)

// X25519 Parameters (RFC 7748)
const (
	X25519PublicKeySize    = 32
	X25519SharedSecretSize = 32
)

// CH-KEM sizes (X25519 || ML-KEM-1024)
const (
	// CHKEMPublicKeySize is the combined size of X25519 + ML-KEM-1024 public keys
	CHKEMPublicKeySize = X25519PublicKeySize + MLKEMPublicKeySize

	// CHKEMCiphertextSize is the combined size of the X25519 ephemeral key and ML-KEM ciphertext
	CHKEMCiphertextSize = X25519PublicKeySize + MLKEMCiphertextSize

	// CHKEMSharedSecretSize is the size of the combined shared secret
	CHKEMSharedSecretSize = 32
)

// Symmetric Encryption Parameters
const (
	// AESKeySize is the size of AES-256 keys in bytes
	AESKeySize = 32

	// AEADNonceSize is the nonce size shared by AES-GCM and ChaCha20-Poly1305 (96 bits)
	AEADNonceSize = 12

	// AEADTagSize is the authentication tag size of both suites
	AEADTagSize = 16
)

// Key Derivation Parameters (SHAKE-256)
const (
	// KDFOutputSize is the default output size for key derivation in bytes
	KDFOutputSize = 32

	// TranscriptHashSize is the size of the handshake transcript hash in bytes
	TranscriptHashSize = 32

	// DomainSeparatorCHKEM is used when combining the X25519 and ML-KEM secrets
	DomainSeparatorCHKEM = "PQTUNNEL-CHKEM-SharedSecret"

	// DomainSeparatorSession binds a KEM shared secret to a circuit/hop/epoch context
	DomainSeparatorSession = "PQTUNNEL-Session"

	// DomainSeparatorHandshake is used in handshake key derivation
	DomainSeparatorHandshake = "PQTUNNEL-Handshake"

	// DomainSeparatorTraffic is used in directional traffic key derivation
	DomainSeparatorTraffic = "PQTUNNEL-Traffic"

	// DomainSeparatorFinished is used for Finished verify data
	DomainSeparatorFinished = "PQTUNNEL-Finished"
)

// Session Parameters
const (
	// DefaultRekeyInterval is the key lifetime used when a tunnel config leaves it unset
	DefaultRekeyInterval = time.Hour

	// DefaultHandshakeTimeout bounds a whole multi-hop connect when no deadline is given
	DefaultHandshakeTimeout = 30 * time.Second

	// MaxBytesBeforeRekey is the maximum bytes sealed under one key
	MaxBytesBeforeRekey = 1 << 30

	// MaxRecordsBeforeRekey keeps the nonce counter far below the AES-GCM limit
	MaxRecordsBeforeRekey = 1 << 28

	// RekeyThresholdPercent is the share of a key limit after which rekey is requested
	RekeyThresholdPercent = 90

	// CircuitIDSize is the size of the per-hop circuit identifier
	CircuitIDSize = 16

	// HandshakeRandomSize is the size of the hello randoms
	HandshakeRandomSize = 32
)

// Message Size Limits
const (
	// MaxMessageSize is the maximum size of a single frame on a stream
	MaxMessageSize = 1 << 20

	// RecordHeaderSize is type(1) + epoch(4) + seq(8) + length(4)
	RecordHeaderSize = 17

	// MaxPayloadSize is the largest plaintext accepted by a single Send on the innermost layer
	MaxPayloadSize = 65507
)

// Path and tunnel defaults
const (
	// MaxHops bounds any hop policy
	MaxHops = 8

	// DefaultMinHops and DefaultMaxHops form the default multi-hop policy
	DefaultMinHops = 1
	DefaultMaxHops = 3

	// DefaultHistorySize is the number of terminal tunnels kept for diagnostics
	DefaultHistorySize = 256

	// DefaultInboxSize is the number of inbound payloads buffered per tunnel
	DefaultInboxSize = 64
)

// CipherSuite identifiers
type CipherSuite uint16

const (
	// CipherSuiteAES256GCM uses AES-256-GCM for symmetric encryption
	CipherSuiteAES256GCM CipherSuite = 0x0001

	// CipherSuiteChaCha20Poly1305 uses ChaCha20-Poly1305 for symmetric encryption
	CipherSuiteChaCha20Poly1305 CipherSuite = 0x0002
)

// String returns a human-readable name for the cipher suite
func (cs CipherSuite) String() string {
	switch cs {
	case CipherSuiteAES256GCM:
		return "AES-256-GCM"
	case CipherSuiteChaCha20Poly1305:
		return "ChaCha20-Poly1305"
	default:
		return "Unknown"
	}
}

// IsSupported returns true if the cipher suite is supported
func (cs CipherSuite) IsSupported() bool {
	return cs == CipherSuiteAES256GCM || cs == CipherSuiteChaCha20Poly1305
}

// IsFIPSApproved reports whether the suite is FIPS 140-3 approved. Only
// AES-256-GCM is.
func (cs CipherSuite) IsFIPSApproved() bool {
	return cs == CipherSuiteAES256GCM
}

// ParseCipherSuite maps a configuration name onto a suite.
func ParseCipherSuite(name string) (CipherSuite, bool) {
	switch name {
	case "aes-256-gcm", "AES-256-GCM", "":
		return CipherSuiteAES256GCM, true
	case "chacha20-poly1305", "ChaCha20-Poly1305":
		return CipherSuiteChaCha20Poly1305, true
	default:
		return 0, false
	}
}
