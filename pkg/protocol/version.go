// Package protocol defines the wire format of the tunnel engine.
//
// Every frame on a stream starts with a one-byte message type:
//
//	ClientHello / ServerHello   plaintext hop handshake
//	Client/ServerFinished       verify data sealed under handshake keys
//	Record                      type(1) | epoch(4) | seq(8) | length(4) | ciphertext
//	Alert                       plaintext fatal handshake error
//
// Record plaintext starts with a ContentType (Data, Extend, Extended,
// RekeyInit, RekeyAck, Close). Records of an inner hop travel as Data of the
// next-outer hop, so each relay only removes its own layer.
package protocol

import (
	"strconv"

	"github.com/pzverkov/pqtunnel/internal/constants"
	"github.com/pzverkov/pqtunnel/pkg/crypto"
)

// Version represents the protocol version.
type Version struct {
	Major uint8
	Minor uint8
}

// Current is the current protocol version.
var Current = Version{Major: 1, Minor: 0}

// IsCompatible returns true if both versions share a major version.
func (v Version) IsCompatible(other Version) bool {
	return v.Major == other.Major
}

// String returns a string representation of the version.
func (v Version) String() string {
	return strconv.Itoa(int(v.Major)) + "." + strconv.Itoa(int(v.Minor))
}

// ProtocolID is the protocol identifier used for domain separation.
const ProtocolID = constants.ProtocolName

// SupportedCipherSuites returns the cipher suites this build offers, in
// preference order. FIPS builds offer AES-256-GCM only.
func SupportedCipherSuites() []constants.CipherSuite {
	if crypto.FIPSMode() {
		return []constants.CipherSuite{constants.CipherSuiteAES256GCM}
	}
	return []constants.CipherSuite{
		constants.CipherSuiteAES256GCM,
		constants.CipherSuiteChaCha20Poly1305,
	}
}

// SelectCipherSuite picks the first offered suite the local side supports.
// It returns 0 when there is no overlap.
func SelectCipherSuite(offered, supported []constants.CipherSuite) constants.CipherSuite {
	for _, o := range offered {
		for _, s := range supported {
			if o == s {
				return o
			}
		}
	}
	return 0
}
