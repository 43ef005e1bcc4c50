package channel

import (
	"context"
	"errors"
	"time"

	"github.com/pzverkov/pqtunnel/internal/constants"
	qerrors "github.com/pzverkov/pqtunnel/internal/errors"
	"github.com/pzverkov/pqtunnel/pkg/crypto"
	"github.com/pzverkov/pqtunnel/pkg/kex"
	"github.com/pzverkov/pqtunnel/pkg/protocol"
	"github.com/pzverkov/pqtunnel/pkg/transport"
)

// Handshake flow for one hop:
//
//	Initiator                              Responder
//	    |                                      |
//	    | -------- ClientHello --------------> |
//	    |   circuit, hop, algorithm,           |
//	    |   suites, public key                 |
//	    |                                      |
//	    | <------- ServerHello --------------- |
//	    |   suite, KEM ciphertext              |
//	    |                                      |
//	    | -------- ClientFinished -----------> |
//	    |   verify data (sealed)               |
//	    |                                      |
//	    | <------- ServerFinished ------------ |
//	    |   verify data (sealed)               |
//
// Both sides derive the session key from the KEM secret and the context
// {circuit, hop, epoch 0, transcript}, then split it into handshake and
// traffic keys.

const (
	labelClientFinished = "client finished"
	labelServerFinished = "server finished"
)

// InitiatorConfig configures the client side of a hop handshake.
type InitiatorConfig struct {
	// Primitive performs the key exchange. Nil selects the registry default.
	Primitive kex.Primitive

	// CipherSuites are offered in preference order. Empty offers all.
	CipherSuites []constants.CipherSuite

	// CircuitID is fresh per hop; a zero value is replaced with random bytes.
	CircuitID [constants.CircuitIDSize]byte

	// Hop is the position of the relay in the path.
	Hop uint8

	// KeyLifetime sets KeyMaterial expiry. Zero means no expiry.
	KeyLifetime time.Duration

	// Now overrides the clock.
	Now func() time.Time
}

// ResponderConfig configures the relay side of a hop handshake.
type ResponderConfig struct {
	// Registry resolves the algorithm requested by the client. Nil uses kex.Default().
	Registry *kex.Registry

	// CipherSuites lists what the responder accepts. Empty accepts all.
	CipherSuites []constants.CipherSuite

	KeyLifetime time.Duration
	Now         func() time.Time
}

func clock(now func() time.Time) func() time.Time {
	if now == nil {
		return time.Now
	}
	return now
}

// Initiate runs the client side of a hop handshake over stream and returns an
// established channel. The stream is owned by the channel on success and left
// open on failure.
func Initiate(ctx context.Context, stream transport.ByteStream, cfg InitiatorConfig) (*Channel, error) {
	codec := protocol.NewCodec()
	now := clock(cfg.Now)

	prim := cfg.Primitive
	if prim == nil {
		prim = kex.CHKEM()
	}
	suites := cfg.CipherSuites
	if len(suites) == 0 {
		suites = protocol.SupportedCipherSuites()
	}
	circuit := cfg.CircuitID
	if circuit == ([constants.CircuitIDSize]byte{}) {
		if err := crypto.SecureRandom(circuit[:]); err != nil {
			return nil, err
		}
	}

	ini, err := kex.NewInitiator(prim)
	if err != nil {
		return nil, err
	}
	defer ini.Abort()

	random, err := crypto.SecureRandomBytes(constants.HandshakeRandomSize)
	if err != nil {
		return nil, err
	}
	hello := &protocol.ClientHello{
		Version:      protocol.Current,
		Random:       random,
		CircuitID:    circuit,
		Hop:          cfg.Hop,
		Algorithm:    string(prim.Algorithm()),
		CipherSuites: suites,
		PublicKey:    ini.PublicKey(),
	}
	helloBytes, err := codec.EncodeClientHello(hello)
	if err != nil {
		return nil, qerrors.NewProtocolError("client hello", err)
	}
	if err := stream.Send(ctx, helloBytes); err != nil {
		return nil, err
	}

	reply, err := stream.Receive(ctx)
	if err != nil {
		return nil, err
	}
	if err := checkAlert(codec, reply, prim.Algorithm()); err != nil {
		return nil, err
	}
	sh, err := codec.DecodeServerHello(reply)
	if err != nil {
		return nil, qerrors.NewProtocolError("server hello", err)
	}
	if protocol.SelectCipherSuite([]constants.CipherSuite{sh.CipherSuite}, suites) == 0 {
		return nil, qerrors.NewProtocolError("server hello", qerrors.ErrUnsupportedCipherSuite)
	}

	transcript := crypto.TranscriptHash(helloBytes, reply)
	info := kex.ContextInfo{CircuitID: circuit, Hop: cfg.Hop, Transcript: transcript}
	km, err := ini.Finish(kex.Ciphertext(sh.Ciphertext), info, cfg.KeyLifetime, now())
	if err != nil {
		return nil, err
	}

	hs, err := newHandshakeKeys(km, sh.CipherSuite)
	if err != nil {
		km.Zeroize()
		return nil, err
	}
	defer hs.destroy()

	clientFinished, err := hs.finished(codec, protocol.MessageTypeClientFinished, hs.initiator, labelClientFinished, transcript)
	if err != nil {
		km.Zeroize()
		return nil, err
	}
	if err := stream.Send(ctx, clientFinished); err != nil {
		km.Zeroize()
		return nil, err
	}

	serverFinished, err := stream.Receive(ctx)
	if err != nil {
		km.Zeroize()
		return nil, err
	}
	if err := checkAlert(codec, serverFinished, prim.Algorithm()); err != nil {
		km.Zeroize()
		return nil, err
	}
	final := crypto.TranscriptHash(transcript, clientFinished)
	if err := hs.verify(codec, protocol.MessageTypeServerFinished, hs.responder, labelServerFinished, final, serverFinished); err != nil {
		km.Zeroize()
		return nil, err
	}

	return newChannel(stream, RoleInitiator, prim, sh.CipherSuite, info, km, cfg.KeyLifetime, now)
}

// Accept runs the responder side of a hop handshake over stream. On a
// negotiation failure a fatal alert is sent to the peer before returning.
func Accept(ctx context.Context, stream transport.ByteStream, cfg ResponderConfig) (*Channel, error) {
	codec := protocol.NewCodec()
	now := clock(cfg.Now)

	reg := cfg.Registry
	if reg == nil {
		reg = kex.Default()
	}
	supported := cfg.CipherSuites
	if len(supported) == 0 {
		supported = protocol.SupportedCipherSuites()
	}

	helloBytes, err := stream.Receive(ctx)
	if err != nil {
		return nil, err
	}
	hello, err := codec.DecodeClientHello(helloBytes)
	if err != nil {
		code := protocol.AlertCodeUnexpectedMessage
		if errors.Is(err, qerrors.ErrUnsupportedVersion) {
			code = protocol.AlertCodeUnsupportedVersion
		}
		sendAlert(ctx, codec, stream, code, "")
		return nil, qerrors.NewProtocolError("client hello", err)
	}

	prim, err := reg.Lookup(kex.Algorithm(hello.Algorithm))
	if err != nil {
		sendAlert(ctx, codec, stream, protocol.AlertCodeUnsupportedKEM, hello.Algorithm)
		return nil, err
	}
	suite := protocol.SelectCipherSuite(hello.CipherSuites, supported)
	if suite == 0 {
		sendAlert(ctx, codec, stream, protocol.AlertCodeUnsupportedCipher, "")
		return nil, qerrors.NewProtocolError("client hello", qerrors.ErrUnsupportedCipherSuite)
	}

	resp, err := kex.NewResponder(prim, kex.PublicKey(hello.PublicKey))
	if err != nil {
		sendAlert(ctx, codec, stream, protocol.AlertCodeUnsupportedKEM, "key exchange rejected")
		return nil, err
	}
	defer resp.Abort()

	random, err := crypto.SecureRandomBytes(constants.HandshakeRandomSize)
	if err != nil {
		sendAlert(ctx, codec, stream, protocol.AlertCodeInternalError, "")
		return nil, err
	}
	reply, err := codec.EncodeServerHello(&protocol.ServerHello{
		Version:     protocol.Current,
		Random:      random,
		CipherSuite: suite,
		Ciphertext:  resp.Ciphertext(),
	})
	if err != nil {
		sendAlert(ctx, codec, stream, protocol.AlertCodeInternalError, "")
		return nil, qerrors.NewProtocolError("server hello", err)
	}

	transcript := crypto.TranscriptHash(helloBytes, reply)
	info := kex.ContextInfo{CircuitID: hello.CircuitID, Hop: hello.Hop, Transcript: transcript}
	km, err := resp.Finish(info, cfg.KeyLifetime, now())
	if err != nil {
		sendAlert(ctx, codec, stream, protocol.AlertCodeInternalError, "")
		return nil, err
	}
	hs, err := newHandshakeKeys(km, suite)
	if err != nil {
		km.Zeroize()
		return nil, err
	}
	defer hs.destroy()

	if err := stream.Send(ctx, reply); err != nil {
		km.Zeroize()
		return nil, err
	}

	clientFinished, err := stream.Receive(ctx)
	if err != nil {
		km.Zeroize()
		return nil, err
	}
	if err := hs.verify(codec, protocol.MessageTypeClientFinished, hs.initiator, labelClientFinished, transcript, clientFinished); err != nil {
		km.Zeroize()
		sendAlert(ctx, codec, stream, protocol.AlertCodeHandshakeFailure, "")
		return nil, err
	}

	final := crypto.TranscriptHash(transcript, clientFinished)
	serverFinished, err := hs.finished(codec, protocol.MessageTypeServerFinished, hs.responder, labelServerFinished, final)
	if err != nil {
		km.Zeroize()
		return nil, err
	}
	if err := stream.Send(ctx, serverFinished); err != nil {
		km.Zeroize()
		return nil, err
	}

	return newChannel(stream, RoleResponder, prim, suite, info, km, cfg.KeyLifetime, now)
}

// handshakeKeys protect the Finished messages. Verify data is keyed by the
// session key, which only the two ends of this hop can derive.
type handshakeKeys struct {
	sessionKey []byte
	initiator  *crypto.AEAD
	responder  *crypto.AEAD
}

func newHandshakeKeys(km *kex.KeyMaterial, suite constants.CipherSuite) (*handshakeKeys, error) {
	sessionKey := km.SessionKey()
	ik, rk, err := crypto.DeriveHandshakeKeys(sessionKey)
	if err != nil {
		crypto.Zeroize(sessionKey)
		return nil, err
	}
	initiator, err := crypto.NewAEAD(suite, ik)
	if err != nil {
		crypto.ZeroizeMultiple(sessionKey, rk)
		return nil, err
	}
	responder, err := crypto.NewAEAD(suite, rk)
	if err != nil {
		initiator.Destroy()
		crypto.Zeroize(sessionKey)
		return nil, err
	}
	return &handshakeKeys{sessionKey: sessionKey, initiator: initiator, responder: responder}, nil
}

func (h *handshakeKeys) finished(codec *protocol.Codec, mt protocol.MessageType, key *crypto.AEAD, label string, transcript []byte) ([]byte, error) {
	verify, err := crypto.DeriveVerifyData(h.sessionKey, label, transcript)
	if err != nil {
		return nil, err
	}
	sealed, err := key.Seal(0, verify, []byte{byte(mt)})
	crypto.Zeroize(verify)
	if err != nil {
		return nil, err
	}
	return codec.EncodeFinished(mt, sealed)
}

func (h *handshakeKeys) verify(codec *protocol.Codec, mt protocol.MessageType, key *crypto.AEAD, label string, transcript, frame []byte) error {
	sealed, err := codec.DecodeFinished(mt, frame)
	if err != nil {
		return qerrors.NewProtocolError("finished", err)
	}
	got, err := key.Open(0, sealed, []byte{byte(mt)})
	if err != nil {
		return qerrors.NewProtocolError("finished", qerrors.ErrFinishedMismatch)
	}
	want, err := crypto.DeriveVerifyData(h.sessionKey, label, transcript)
	if err != nil {
		return err
	}
	defer crypto.ZeroizeMultiple(got, want)
	if !crypto.ConstantTimeCompare(got, want) {
		return qerrors.NewProtocolError("finished", qerrors.ErrFinishedMismatch)
	}
	return nil
}

func (h *handshakeKeys) destroy() {
	crypto.Zeroize(h.sessionKey)
	h.initiator.Destroy()
	h.responder.Destroy()
}

// checkAlert turns a received alert into an error. A KEM rejection by the
// peer is reported as a key exchange failure.
func checkAlert(codec *protocol.Codec, frame []byte, alg kex.Algorithm) error {
	mt, err := codec.PeekType(frame)
	if err != nil {
		return qerrors.NewProtocolError("handshake", err)
	}
	if mt != protocol.MessageTypeAlert {
		return nil
	}
	alert, err := codec.DecodeAlert(frame)
	if err != nil {
		return qerrors.NewProtocolError("handshake", err)
	}
	if alert.Code == protocol.AlertCodeUnsupportedKEM {
		return qerrors.NewKeyExchangeError(string(alg), "negotiate", alert)
	}
	return qerrors.NewProtocolError("handshake", alert)
}

func sendAlert(ctx context.Context, codec *protocol.Codec, stream transport.ByteStream, code protocol.AlertCode, desc string) {
	frame, err := codec.EncodeAlert(&protocol.Alert{Level: protocol.AlertLevelFatal, Code: code, Description: desc})
	if err != nil {
		return
	}
	_ = stream.Send(ctx, frame)
}

// Reject answers a pending handshake with a fatal alert instead of a
// ServerHello. The caller still owns and closes the stream.
func Reject(ctx context.Context, stream transport.ByteStream, code protocol.AlertCode, desc string) {
	sendAlert(ctx, protocol.NewCodec(), stream, code, desc)
}
