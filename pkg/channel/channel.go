// Package channel is the secure transport layer of the tunnel engine.
//
// A Channel wraps a transport.ByteStream after a successful hop handshake and
// provides:
//   - Authenticated encryption of every record under the hop's traffic keys
//   - Strictly increasing per-direction sequence numbers with replay rejection
//   - In-band, initiator-driven rekeying with an epoch-tagged keyring
//   - Onion layering through Stream, so the next hop's handshake and records
//     travel as Data inside this channel
//
// Any authentication failure or replay tears the channel down together with
// its stream; a channel is never repaired.
package channel

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pzverkov/pqtunnel/internal/constants"
	qerrors "github.com/pzverkov/pqtunnel/internal/errors"
	"github.com/pzverkov/pqtunnel/pkg/crypto"
	"github.com/pzverkov/pqtunnel/pkg/kex"
	"github.com/pzverkov/pqtunnel/pkg/protocol"
	"github.com/pzverkov/pqtunnel/pkg/transport"
)

// Role indicates which end of the hop handshake this channel was.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

const closeNotifyTimeout = time.Second

// maxRecordPlaintext leaves room for the record header, tag and content type
// inside one stream frame.
const maxRecordPlaintext = constants.MaxMessageSize - constants.RecordHeaderSize - constants.AEADTagSize - 1

// Stats counts application payloads.
type Stats struct {
	BytesSent     uint64
	BytesReceived uint64
	RecordsSent   uint64
	RecordsRecv   uint64
	Rekeys        uint64
}

// pendingRekey is the initiator's half of a rekey waiting for RekeyAck.
type pendingRekey struct {
	epoch uint32
	ini   *kex.Initiator
	done  chan error
}

// Channel is an established, encrypted hop.
type Channel struct {
	stream   transport.ByteStream
	codec    *protocol.Codec
	role     Role
	prim     kex.Primitive
	suite    constants.CipherSuite
	info     kex.ContextInfo
	lifetime time.Duration
	now      func() time.Time

	// sendMu orders records on the wire; recvMu serializes readers.
	sendMu sync.Mutex
	recvMu sync.Mutex
	// rekeyMu allows one initiator rekey at a time.
	rekeyMu sync.Mutex

	// keyMu guards everything below it.
	keyMu     sync.Mutex
	material  *kex.KeyMaterial
	sendKey   *crypto.AEAD
	sendEpoch uint32
	sendSeq   uint64
	recvKey   *crypto.AEAD
	nextKey   *crypto.AEAD
	recvEpoch uint32
	recvNext  uint64
	pending   *pendingRekey
	wiped     bool

	closed   atomic.Bool
	done     chan struct{}
	closeMu  sync.Mutex
	closeErr error

	bytesSent atomic.Uint64
	bytesRecv atomic.Uint64
	recsSent  atomic.Uint64
	recsRecv  atomic.Uint64
	rekeys    atomic.Uint64
}

func newChannel(stream transport.ByteStream, role Role, prim kex.Primitive, suite constants.CipherSuite,
	info kex.ContextInfo, km *kex.KeyMaterial, lifetime time.Duration, now func() time.Time) (*Channel, error) {
	c := &Channel{
		stream:   stream,
		codec:    protocol.NewCodec(),
		role:     role,
		prim:     prim,
		suite:    suite,
		info:     info,
		lifetime: lifetime,
		now:      now,
		done:     make(chan struct{}),
	}
	send, recv, err := c.trafficKeys(km)
	if err != nil {
		km.Zeroize()
		return nil, err
	}
	c.material = km
	c.sendKey = send
	c.recvKey = recv
	return c, nil
}

// trafficKeys derives this side's send and receive ciphers from km.
func (c *Channel) trafficKeys(km *kex.KeyMaterial) (send, recv *crypto.AEAD, err error) {
	sessionKey := km.SessionKey()
	defer crypto.Zeroize(sessionKey)

	ik, rk, err := crypto.DeriveTrafficKeys(sessionKey)
	if err != nil {
		return nil, nil, err
	}
	sk, rvk := ik, rk
	if c.role == RoleResponder {
		sk, rvk = rk, ik
	}
	send, err = crypto.NewAEAD(c.suite, sk)
	if err != nil {
		crypto.Zeroize(rvk)
		return nil, nil, err
	}
	recv, err = crypto.NewAEAD(c.suite, rvk)
	if err != nil {
		send.Destroy()
		return nil, nil, err
	}
	return send, recv, nil
}

// Role returns the handshake role of this end.
func (c *Channel) Role() Role { return c.role }

// Hop returns the hop index the channel was negotiated for.
func (c *Channel) Hop() uint8 { return c.info.Hop }

// CipherSuite returns the negotiated record cipher.
func (c *Channel) CipherSuite() constants.CipherSuite { return c.suite }

// Algorithm returns the key exchange algorithm.
func (c *Channel) Algorithm() kex.Algorithm { return c.prim.Algorithm() }

// KeyMaterial returns the key material of the current epoch, or nil once the
// channel is closed.
func (c *Channel) KeyMaterial() *kex.KeyMaterial {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	if c.wiped {
		return nil
	}
	return c.material
}

// Epoch returns the current send epoch.
func (c *Channel) Epoch() uint32 {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	return c.sendEpoch
}

// Stats returns a snapshot of the channel counters.
func (c *Channel) Stats() Stats {
	return Stats{
		BytesSent:     c.bytesSent.Load(),
		BytesReceived: c.bytesRecv.Load(),
		RecordsSent:   c.recsSent.Load(),
		RecordsRecv:   c.recsRecv.Load(),
		Rekeys:        c.rekeys.Load(),
	}
}

// NeedsRekey reports whether the send key is close to its usage limit or its
// key material has expired.
func (c *Channel) NeedsRekey() bool {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	if c.wiped {
		return false
	}
	return c.sendKey.NeedsRekey() || c.material.Expired(c.now())
}

// Done is closed when the channel is closed.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err returns the reason the channel closed, or nil while it is open.
func (c *Channel) Err() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closeErr
}

// Send encrypts data as one Data record.
func (c *Channel) Send(ctx context.Context, data []byte) error {
	if err := c.sendContent(ctx, protocol.ContentData, data); err != nil {
		return err
	}
	c.bytesSent.Add(uint64(len(data)))
	return nil
}

// SendMessage sends a record with an explicit content type. It is used for
// circuit control (Extend, Extended).
func (c *Channel) SendMessage(ctx context.Context, ct protocol.ContentType, body []byte) error {
	return c.sendContent(ctx, ct, body)
}

func (c *Channel) sendContent(ctx context.Context, ct protocol.ContentType, body []byte) error {
	if len(body) > maxRecordPlaintext {
		return qerrors.ErrMessageTooLarge
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.sendLocked(ctx, ct, body)
}

// sendLocked seals and writes one record. The caller holds sendMu.
func (c *Channel) sendLocked(ctx context.Context, ct protocol.ContentType, body []byte) error {
	c.keyMu.Lock()
	if c.wiped {
		c.keyMu.Unlock()
		return c.closedError()
	}
	seq := c.sendSeq
	plaintext := c.codec.EncodeContent(ct, body)
	header := protocol.RecordHeader(c.sendEpoch, seq, len(plaintext)+constants.AEADTagSize)
	sealed, err := c.sendKey.Seal(seq, plaintext, header)
	epoch := c.sendEpoch
	if err == nil {
		c.sendSeq++
	}
	c.keyMu.Unlock()
	if err != nil {
		return err
	}

	frame := c.codec.EncodeRecord(&protocol.Record{Epoch: epoch, Sequence: seq, Ciphertext: sealed})
	if err := c.stream.Send(ctx, frame); err != nil {
		if ctx.Err() == nil {
			c.teardown(err, false)
		}
		return c.wrapStreamError(err)
	}
	c.recsSent.Add(1)
	return nil
}

// Receive returns the next Data payload. Rekey and close records are handled
// internally.
func (c *Channel) Receive(ctx context.Context) ([]byte, error) {
	for {
		ct, body, err := c.ReceiveMessage(ctx)
		if err != nil {
			return nil, err
		}
		if ct == protocol.ContentData {
			return body, nil
		}
		c.teardown(qerrors.NewProtocolError("record", qerrors.ErrUnexpectedMessage), true)
		return nil, c.closedError()
	}
}

// ReceiveMessage returns the next Data, Extend or Extended record.
func (c *Channel) ReceiveMessage(ctx context.Context) (protocol.ContentType, []byte, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	for {
		if c.closed.Load() {
			return 0, nil, c.closedError()
		}
		frame, err := c.stream.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.teardown(err, false)
			}
			return 0, nil, c.wrapStreamError(err)
		}

		ct, body, err := c.open(frame)
		if err != nil {
			c.teardown(err, false)
			return 0, nil, err
		}
		c.recsRecv.Add(1)

		switch ct {
		case protocol.ContentData:
			c.bytesRecv.Add(uint64(len(body)))
			return ct, body, nil
		case protocol.ContentExtend, protocol.ContentExtended:
			return ct, body, nil
		case protocol.ContentRekeyInit:
			if err := c.answerRekey(ctx, body); err != nil {
				c.teardown(err, false)
				return 0, nil, err
			}
		case protocol.ContentRekeyAck:
			if err := c.completeRekey(body); err != nil {
				c.teardown(err, false)
				return 0, nil, err
			}
		case protocol.ContentClose:
			c.teardown(qerrors.NewTransportError(qerrors.TransportClosed, nil), false)
			return 0, nil, c.closedError()
		}
	}
}

// open authenticates and decrypts one record frame against the keyring.
// The sequence check runs only on authenticated records, so a modified
// header is always an authentication failure. The sequence and any epoch
// promotion are committed after both checks pass.
func (c *Channel) open(frame []byte) (protocol.ContentType, []byte, error) {
	mt, err := c.codec.PeekType(frame)
	if err != nil || mt != protocol.MessageTypeRecord {
		return 0, nil, qerrors.NewTransportError(qerrors.TransportAuthFailure, qerrors.ErrUnexpectedMessage)
	}
	rec, header, err := c.codec.DecodeRecord(frame)
	if err != nil {
		return 0, nil, qerrors.NewTransportError(qerrors.TransportAuthFailure, err)
	}

	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	if c.wiped {
		return 0, nil, c.closedError()
	}
	var key *crypto.AEAD
	promote := false
	switch {
	case rec.Epoch == c.recvEpoch:
		key = c.recvKey
	case rec.Epoch == c.recvEpoch+1 && c.nextKey != nil:
		key, promote = c.nextKey, true
	default:
		return 0, nil, qerrors.NewTransportError(qerrors.TransportAuthFailure, nil)
	}

	plaintext, err := key.Open(rec.Sequence, rec.Ciphertext, header)
	if err != nil {
		return 0, nil, qerrors.NewTransportError(qerrors.TransportAuthFailure, err)
	}
	if rec.Sequence < c.recvNext {
		return 0, nil, qerrors.NewTransportError(qerrors.TransportReplayDetected, nil)
	}
	c.recvNext = rec.Sequence + 1
	if promote {
		c.recvKey.Destroy()
		c.recvKey, c.nextKey = c.nextKey, nil
		c.recvEpoch++
	}

	ct, body, err := c.codec.DecodeContent(plaintext)
	if err != nil {
		return 0, nil, qerrors.NewProtocolError("record", err)
	}
	return ct, body, nil
}

// Rekey replaces the traffic keys with keys from a fresh key exchange. Only
// the initiator drives rekeys; the ack is processed by whichever goroutine is
// reading the channel, so a reader must be active. If ctx ends before the
// peer answers, the key state is ambiguous and the channel is closed.
func (c *Channel) Rekey(ctx context.Context) error {
	if c.role != RoleInitiator {
		return qerrors.NewProtocolError("rekey", qerrors.ErrUnexpectedMessage)
	}
	c.rekeyMu.Lock()
	defer c.rekeyMu.Unlock()

	ini, err := kex.NewInitiator(c.prim)
	if err != nil {
		return err
	}

	c.keyMu.Lock()
	if c.wiped {
		c.keyMu.Unlock()
		ini.Abort()
		return c.closedError()
	}
	p := &pendingRekey{epoch: c.sendEpoch + 1, ini: ini, done: make(chan error, 1)}
	c.pending = p
	c.keyMu.Unlock()

	body := c.codec.EncodeRekeyInit(&protocol.RekeyInit{Epoch: p.epoch, PublicKey: ini.PublicKey()})
	if err := c.sendContent(ctx, protocol.ContentRekeyInit, body); err != nil {
		c.dropPending(p)
		if ctx.Err() != nil {
			c.teardown(context.Cause(ctx), false)
		}
		return err
	}

	select {
	case err := <-p.done:
		return err
	case <-ctx.Done():
		c.dropPending(p)
		c.teardown(context.Cause(ctx), false)
		return ctx.Err()
	case <-c.done:
		c.dropPending(p)
		return c.closedError()
	}
}

func (c *Channel) dropPending(p *pendingRekey) {
	c.keyMu.Lock()
	if c.pending == p {
		c.pending = nil
	}
	c.keyMu.Unlock()
	p.ini.Abort()
}

func (c *Channel) rekeyContext(epoch uint32, pub, ct []byte) kex.ContextInfo {
	var e [4]byte
	binary.BigEndian.PutUint32(e[:], epoch)
	return kex.ContextInfo{
		CircuitID:  c.info.CircuitID,
		Hop:        c.info.Hop,
		Epoch:      epoch,
		Transcript: crypto.TranscriptHash(c.info.Transcript, e[:], pub, ct),
	}
}

// answerRekey runs on the responder when RekeyInit arrives. The ack goes out
// under the old send key, then the send key switches. The new receive key is
// installed before the ack leaves so the initiator's first new-epoch record
// can always be opened.
func (c *Channel) answerRekey(ctx context.Context, body []byte) error {
	if c.role != RoleResponder {
		return qerrors.NewProtocolError("rekey", qerrors.ErrUnexpectedMessage)
	}
	init, err := c.codec.DecodeRekeyInit(body)
	if err != nil {
		return qerrors.NewProtocolError("rekey", err)
	}

	c.keyMu.Lock()
	want := c.sendEpoch + 1
	busy := c.nextKey != nil
	c.keyMu.Unlock()
	if init.Epoch != want || busy {
		return qerrors.NewProtocolError("rekey", qerrors.ErrRekeyInProgress)
	}

	resp, err := kex.NewResponder(c.prim, kex.PublicKey(init.PublicKey))
	if err != nil {
		return err
	}
	ct := resp.Ciphertext()
	km, err := resp.Finish(c.rekeyContext(init.Epoch, init.PublicKey, ct), c.lifetime, c.now())
	if err != nil {
		return err
	}
	send, recv, err := c.trafficKeys(km)
	if err != nil {
		km.Zeroize()
		return err
	}

	if !c.stage(recv) {
		send.Destroy()
		km.Zeroize()
		return c.closedError()
	}

	ack := c.codec.EncodeRekeyAck(&protocol.RekeyAck{Epoch: init.Epoch, Ciphertext: ct})
	if err := c.sendContent(ctx, protocol.ContentRekeyAck, ack); err != nil {
		send.Destroy()
		km.Zeroize()
		return err
	}
	c.install(send, km, init.Epoch)
	return nil
}

// completeRekey runs on the initiator when RekeyAck arrives.
func (c *Channel) completeRekey(body []byte) error {
	ack, err := c.codec.DecodeRekeyAck(body)
	if err != nil {
		return qerrors.NewProtocolError("rekey", err)
	}

	c.keyMu.Lock()
	p := c.pending
	if p != nil && p.epoch == ack.Epoch {
		c.pending = nil
	}
	c.keyMu.Unlock()
	if p == nil || p.epoch != ack.Epoch {
		return qerrors.NewProtocolError("rekey", qerrors.ErrUnexpectedMessage)
	}

	err = c.finishRekey(p, ack)
	p.done <- err
	return err
}

func (c *Channel) finishRekey(p *pendingRekey, ack *protocol.RekeyAck) error {
	info := c.rekeyContext(p.epoch, p.ini.PublicKey(), ack.Ciphertext)
	km, err := p.ini.Finish(kex.Ciphertext(ack.Ciphertext), info, c.lifetime, c.now())
	if err != nil {
		return err
	}
	send, recv, err := c.trafficKeys(km)
	if err != nil {
		km.Zeroize()
		return err
	}

	if !c.stage(recv) {
		send.Destroy()
		km.Zeroize()
		return c.closedError()
	}
	c.install(send, km, p.epoch)
	return nil
}

// stage makes recv the key of the next receive epoch.
func (c *Channel) stage(recv *crypto.AEAD) bool {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	if c.wiped {
		recv.Destroy()
		return false
	}
	c.nextKey = recv
	return true
}

// install switches the send side to a new epoch. Records are sealed under
// keyMu and written in seal order, so every record sealed after install
// follows the old epoch's records on the wire.
func (c *Channel) install(send *crypto.AEAD, km *kex.KeyMaterial, epoch uint32) {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	if c.wiped {
		send.Destroy()
		km.Zeroize()
		return
	}
	c.sendKey.Destroy()
	c.sendKey = send
	c.sendEpoch = epoch
	c.material.Zeroize()
	c.material = km
	c.rekeys.Add(1)
}

// Close sends a close notification when possible, closes the stream and
// wipes all keys.
func (c *Channel) Close() error {
	c.teardown(nil, true)
	return nil
}

// teardown closes the channel once. cause is recorded as the close reason.
func (c *Channel) teardown(cause error, notify bool) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if cause == nil {
		cause = qerrors.NewTransportError(qerrors.TransportClosed, nil)
	}
	c.closeMu.Lock()
	c.closeErr = cause
	c.closeMu.Unlock()

	if notify && c.sendMu.TryLock() {
		ctx, cancel := context.WithTimeout(context.Background(), closeNotifyTimeout)
		c.keyMu.Lock()
		wiped := c.wiped
		c.keyMu.Unlock()
		if !wiped {
			_ = c.sendLocked(ctx, protocol.ContentClose, c.codec.EncodeClose(protocol.AlertCodeCloseNotify))
		}
		cancel()
		c.sendMu.Unlock()
	}

	close(c.done)
	_ = c.stream.Close()
	c.wipe()
}

func (c *Channel) wipe() {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	if c.wiped {
		return
	}
	c.wiped = true
	c.sendKey.Destroy()
	c.recvKey.Destroy()
	if c.nextKey != nil {
		c.nextKey.Destroy()
		c.nextKey = nil
	}
	c.material.Zeroize()
	if c.pending != nil {
		c.pending.ini.Abort()
		c.pending = nil
	}
}

// closedError is returned by operations on a closed channel. Security
// failures keep their kind so callers can tell them from a normal close.
func (c *Channel) closedError() error {
	err := c.Err()
	switch {
	case err == nil:
		return qerrors.NewTransportError(qerrors.TransportClosed, nil)
	case qerrors.IsSecurityEvent(err), qerrors.Is(err, qerrors.ErrTransportClosed):
		return err
	default:
		return qerrors.NewTransportError(qerrors.TransportClosed, err)
	}
}

func (c *Channel) wrapStreamError(err error) error {
	if qerrors.Is(err, qerrors.ErrTransportClosed) || qerrors.IsSecurityEvent(err) {
		return err
	}
	if qerrors.Is(err, context.Canceled) || qerrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return qerrors.NewTransportError(qerrors.TransportClosed, err)
}

// Stream exposes the channel as a ByteStream: every frame becomes one Data
// record. The next hop's channel is layered on top of it, and closing that
// channel closes this one.
func (c *Channel) Stream() transport.ByteStream {
	return &layerStream{ch: c}
}

type layerStream struct {
	ch *Channel
}

func (s *layerStream) Send(ctx context.Context, frame []byte) error {
	return s.ch.Send(ctx, frame)
}

func (s *layerStream) Receive(ctx context.Context) ([]byte, error) {
	return s.ch.Receive(ctx)
}

func (s *layerStream) Close() error {
	return s.ch.Close()
}

func (s *layerStream) RemoteAddr() string {
	return transport.RemoteAddr(s.ch.stream)
}
