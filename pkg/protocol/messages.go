package protocol

import (
	"github.com/pzverkov/pqtunnel/internal/constants"
	qerrors "github.com/pzverkov/pqtunnel/internal/errors"
)

// MessageType is the first byte of every frame on a stream.
type MessageType uint8

const (
	// Handshake messages (plaintext except Finished)
	MessageTypeClientHello    MessageType = 0x01
	MessageTypeServerHello    MessageType = 0x02
	MessageTypeClientFinished MessageType = 0x03
	MessageTypeServerFinished MessageType = 0x04

	// MessageTypeRecord carries an encrypted record once the handshake completed
	MessageTypeRecord MessageType = 0x10

	// MessageTypeAlert reports a fatal handshake error in plaintext
	MessageTypeAlert MessageType = 0xF0
)

// String returns the name of the message type.
func (mt MessageType) String() string {
	switch mt {
	case MessageTypeClientHello:
		return "ClientHello"
	case MessageTypeServerHello:
		return "ServerHello"
	case MessageTypeClientFinished:
		return "ClientFinished"
	case MessageTypeServerFinished:
		return "ServerFinished"
	case MessageTypeRecord:
		return "Record"
	case MessageTypeAlert:
		return "Alert"
	default:
		return "Unknown"
	}
}

// ContentType is the first plaintext byte of a record.
type ContentType uint8

const (
	ContentData      ContentType = 0x01
	ContentExtend    ContentType = 0x02
	ContentExtended  ContentType = 0x03
	ContentRekeyInit ContentType = 0x04
	ContentRekeyAck  ContentType = 0x05
	ContentClose     ContentType = 0x06
)

// String returns the name of the content type.
func (ct ContentType) String() string {
	switch ct {
	case ContentData:
		return "Data"
	case ContentExtend:
		return "Extend"
	case ContentExtended:
		return "Extended"
	case ContentRekeyInit:
		return "RekeyInit"
	case ContentRekeyAck:
		return "RekeyAck"
	case ContentClose:
		return "Close"
	default:
		return "Unknown"
	}
}

// AlertCode identifies the reason of an alert or close.
type AlertCode uint8

const (
	AlertCodeCloseNotify        AlertCode = 0x00
	AlertCodeUnexpectedMessage  AlertCode = 0x01
	AlertCodeHandshakeFailure   AlertCode = 0x03
	AlertCodeUnsupportedVersion AlertCode = 0x04
	AlertCodeUnsupportedCipher  AlertCode = 0x05
	AlertCodeUnsupportedKEM     AlertCode = 0x06
	AlertCodeInternalError      AlertCode = 0x07
	AlertCodeRateLimited        AlertCode = 0x08
)

// String returns the name of the alert code.
func (c AlertCode) String() string {
	switch c {
	case AlertCodeCloseNotify:
		return "close_notify"
	case AlertCodeUnexpectedMessage:
		return "unexpected_message"
	case AlertCodeHandshakeFailure:
		return "handshake_failure"
	case AlertCodeUnsupportedVersion:
		return "unsupported_version"
	case AlertCodeUnsupportedCipher:
		return "unsupported_cipher"
	case AlertCodeUnsupportedKEM:
		return "unsupported_kem"
	case AlertCodeInternalError:
		return "internal_error"
	case AlertCodeRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// ClientHello opens the handshake of one hop.
type ClientHello struct {
	Version      Version
	Random       []byte
	CircuitID    [constants.CircuitIDSize]byte
	Hop          uint8
	Algorithm    string
	CipherSuites []constants.CipherSuite
	PublicKey    []byte
}

// Validate checks structural constraints.
func (m *ClientHello) Validate() error {
	if !m.Version.IsCompatible(Current) {
		return qerrors.ErrUnsupportedVersion
	}
	if len(m.Random) != constants.HandshakeRandomSize {
		return qerrors.ErrInvalidMessage
	}
	if m.Algorithm == "" || len(m.Algorithm) > 64 {
		return qerrors.ErrInvalidMessage
	}
	if len(m.PublicKey) == 0 {
		return qerrors.ErrInvalidPublicKey
	}
	if len(m.CipherSuites) == 0 || len(m.CipherSuites) > 16 {
		return qerrors.ErrInvalidMessage
	}
	return nil
}

// ServerHello answers a ClientHello with the KEM ciphertext.
type ServerHello struct {
	Version     Version
	Random      []byte
	CipherSuite constants.CipherSuite
	Ciphertext  []byte
}

// Validate checks structural constraints.
func (m *ServerHello) Validate() error {
	if !m.Version.IsCompatible(Current) {
		return qerrors.ErrUnsupportedVersion
	}
	if len(m.Random) != constants.HandshakeRandomSize {
		return qerrors.ErrInvalidMessage
	}
	if !m.CipherSuite.IsSupported() {
		return qerrors.ErrUnsupportedCipherSuite
	}
	if len(m.Ciphertext) == 0 {
		return qerrors.ErrInvalidCiphertext
	}
	return nil
}

// Record is an encrypted frame. The header fields are authenticated as
// additional data; Ciphertext includes the AEAD tag.
type Record struct {
	Epoch      uint32
	Sequence   uint64
	Ciphertext []byte
}

// Extend asks a relay to connect the circuit onward.
type Extend struct {
	Kind     ExtendKind
	Endpoint string
}

// ExtendKind selects how the relay reaches the next endpoint.
type ExtendKind uint8

const (
	// ExtendRelay opens a framed stream to the next relay
	ExtendRelay ExtendKind = 0x01

	// ExtendExit opens a raw stream to the tunnel target
	ExtendExit ExtendKind = 0x02
)

func (k ExtendKind) String() string {
	switch k {
	case ExtendRelay:
		return "relay"
	case ExtendExit:
		return "exit"
	default:
		return "unknown"
	}
}

// Validate checks structural constraints.
func (m *Extend) Validate() error {
	if m.Kind != ExtendRelay && m.Kind != ExtendExit {
		return qerrors.ErrInvalidMessage
	}
	if m.Endpoint == "" || len(m.Endpoint) > 255 {
		return qerrors.ErrInvalidMessage
	}
	return nil
}

// ExtendStatus is the relay's answer to an Extend.
type ExtendStatus uint8

const (
	ExtendOK          ExtendStatus = 0x00
	ExtendUnreachable ExtendStatus = 0x01
	ExtendRefused     ExtendStatus = 0x02
)

// Extended reports the outcome of an Extend.
type Extended struct {
	Status ExtendStatus
	Reason string
}

// RekeyInit carries the initiator's fresh public key for the next epoch.
type RekeyInit struct {
	Epoch     uint32
	PublicKey []byte
}

// RekeyAck carries the responder's ciphertext for the next epoch.
type RekeyAck struct {
	Epoch      uint32
	Ciphertext []byte
}

// AlertLevel indicates alert severity
type AlertLevel uint8

const (
	AlertLevelWarning AlertLevel = 0x01
	AlertLevelFatal   AlertLevel = 0x02
)

// Alert signals a handshake failure in plaintext.
type Alert struct {
	Level       AlertLevel
	Code        AlertCode
	Description string
}

// Validate checks structural constraints.
func (m *Alert) Validate() error {
	if m.Level != AlertLevelWarning && m.Level != AlertLevelFatal {
		return qerrors.ErrInvalidMessage
	}
	if len(m.Description) > 255 {
		return qerrors.ErrInvalidMessage
	}
	return nil
}

// Error makes a received alert usable as an error value.
func (m *Alert) Error() string {
	if m.Description == "" {
		return "alert: " + m.Code.String()
	}
	return "alert: " + m.Code.String() + ": " + m.Description
}
