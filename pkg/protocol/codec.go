package protocol

import (
	"encoding/binary"

	"github.com/pzverkov/pqtunnel/internal/constants"
	qerrors "github.com/pzverkov/pqtunnel/internal/errors"
)

// HeaderSize is the size of a handshake frame header: type(1) + length(4).
const HeaderSize = 5

// Codec encodes and decodes frames. It is stateless and safe for concurrent use.
type Codec struct{}

// NewCodec creates a new codec.
func NewCodec() *Codec {
	return &Codec{}
}

// writer appends big-endian fields to a buffer.
type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }
func (w *writer) raw(b []byte) { w.buf = append(w.buf, b...) }

func (w *writer) str8(s string) {
	w.u8(uint8(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) bytes32(b []byte) {
	w.u32(uint32(len(b)))
	w.raw(b)
}

// reader consumes big-endian fields and latches the first error.
type reader struct {
	data []byte
	off  int
	err  bool
}

func (r *reader) take(n int) []byte {
	if r.err || n < 0 || len(r.data)-r.off < n {
		r.err = true
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (r *reader) copyN(n int) []byte {
	b := r.take(n)
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func (r *reader) str8() string {
	return string(r.take(int(r.u8())))
}

func (r *reader) bytes32() []byte {
	n := r.u32()
	if n > constants.MaxMessageSize {
		r.err = true
		return nil
	}
	return r.copyN(int(n))
}

// done reports whether the whole input was consumed without error.
func (r *reader) done() bool {
	return !r.err && r.off == len(r.data)
}

// PeekType returns the message type of a frame.
func (c *Codec) PeekType(frame []byte) (MessageType, error) {
	if len(frame) == 0 {
		return 0, qerrors.ErrInvalidMessage
	}
	return MessageType(frame[0]), nil
}

func frame(mt MessageType, payload []byte) []byte {
	w := writer{buf: make([]byte, 0, HeaderSize+len(payload))}
	w.u8(uint8(mt))
	w.u32(uint32(len(payload)))
	w.raw(payload)
	return w.buf
}

func unframe(mt MessageType, data []byte) ([]byte, error) {
	if len(data) < HeaderSize || MessageType(data[0]) != mt {
		return nil, qerrors.ErrInvalidMessage
	}
	n := binary.BigEndian.Uint32(data[1:HeaderSize])
	if n > constants.MaxMessageSize {
		return nil, qerrors.ErrMessageTooLarge
	}
	if int(n) != len(data)-HeaderSize {
		return nil, qerrors.ErrInvalidMessage
	}
	return data[HeaderSize:], nil
}

// EncodeClientHello encodes a ClientHello frame.
func (c *Codec) EncodeClientHello(m *ClientHello) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	var w writer
	w.u8(m.Version.Major)
	w.u8(m.Version.Minor)
	w.raw(m.Random)
	w.raw(m.CircuitID[:])
	w.u8(m.Hop)
	w.str8(m.Algorithm)
	w.u16(uint16(len(m.CipherSuites)))
	for _, cs := range m.CipherSuites {
		w.u16(uint16(cs))
	}
	w.bytes32(m.PublicKey)

	return frame(MessageTypeClientHello, w.buf), nil
}

// DecodeClientHello decodes a ClientHello frame.
func (c *Codec) DecodeClientHello(data []byte) (*ClientHello, error) {
	payload, err := unframe(MessageTypeClientHello, data)
	if err != nil {
		return nil, err
	}

	r := reader{data: payload}
	m := &ClientHello{}
	m.Version = Version{Major: r.u8(), Minor: r.u8()}
	m.Random = r.copyN(constants.HandshakeRandomSize)
	copy(m.CircuitID[:], r.take(constants.CircuitIDSize))
	m.Hop = r.u8()
	m.Algorithm = r.str8()
	count := int(r.u16())
	if count > 16 {
		return nil, qerrors.ErrInvalidMessage
	}
	m.CipherSuites = make([]constants.CipherSuite, 0, count)
	for range count {
		m.CipherSuites = append(m.CipherSuites, constants.CipherSuite(r.u16()))
	}
	m.PublicKey = r.bytes32()

	if !r.done() {
		return nil, qerrors.ErrInvalidMessage
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// EncodeServerHello encodes a ServerHello frame.
func (c *Codec) EncodeServerHello(m *ServerHello) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	var w writer
	w.u8(m.Version.Major)
	w.u8(m.Version.Minor)
	w.raw(m.Random)
	w.u16(uint16(m.CipherSuite))
	w.bytes32(m.Ciphertext)

	return frame(MessageTypeServerHello, w.buf), nil
}

// DecodeServerHello decodes a ServerHello frame.
func (c *Codec) DecodeServerHello(data []byte) (*ServerHello, error) {
	payload, err := unframe(MessageTypeServerHello, data)
	if err != nil {
		return nil, err
	}

	r := reader{data: payload}
	m := &ServerHello{}
	m.Version = Version{Major: r.u8(), Minor: r.u8()}
	m.Random = r.copyN(constants.HandshakeRandomSize)
	m.CipherSuite = constants.CipherSuite(r.u16())
	m.Ciphertext = r.bytes32()

	if !r.done() {
		return nil, qerrors.ErrInvalidMessage
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// EncodeFinished wraps sealed verify data in a Finished frame.
func (c *Codec) EncodeFinished(mt MessageType, sealed []byte) ([]byte, error) {
	if mt != MessageTypeClientFinished && mt != MessageTypeServerFinished {
		return nil, qerrors.ErrInvalidMessage
	}
	return frame(mt, sealed), nil
}

// DecodeFinished returns the sealed verify data of a Finished frame.
func (c *Codec) DecodeFinished(mt MessageType, data []byte) ([]byte, error) {
	payload, err := unframe(mt, data)
	if err != nil {
		return nil, err
	}
	if len(payload) < constants.AEADTagSize {
		return nil, qerrors.ErrInvalidMessage
	}
	return append([]byte(nil), payload...), nil
}

// EncodeAlert encodes an Alert frame.
func (c *Codec) EncodeAlert(m *Alert) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	var w writer
	w.u8(uint8(m.Level))
	w.u8(uint8(m.Code))
	w.str8(m.Description)
	return frame(MessageTypeAlert, w.buf), nil
}

// DecodeAlert decodes an Alert frame.
func (c *Codec) DecodeAlert(data []byte) (*Alert, error) {
	payload, err := unframe(MessageTypeAlert, data)
	if err != nil {
		return nil, err
	}
	r := reader{data: payload}
	m := &Alert{Level: AlertLevel(r.u8()), Code: AlertCode(r.u8()), Description: r.str8()}
	if !r.done() {
		return nil, qerrors.ErrInvalidMessage
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordHeader returns the authenticated header of a record.
func RecordHeader(epoch uint32, seq uint64, length int) []byte {
	w := writer{buf: make([]byte, 0, constants.RecordHeaderSize)}
	w.u8(uint8(MessageTypeRecord))
	w.u32(epoch)
	w.u64(seq)
	w.u32(uint32(length))
	return w.buf
}

// EncodeRecord encodes a record frame.
func (c *Codec) EncodeRecord(rec *Record) []byte {
	buf := make([]byte, 0, constants.RecordHeaderSize+len(rec.Ciphertext))
	buf = append(buf, RecordHeader(rec.Epoch, rec.Sequence, len(rec.Ciphertext))...)
	return append(buf, rec.Ciphertext...)
}

// DecodeRecord decodes a record frame. The returned header is the exact byte
// string to authenticate.
func (c *Codec) DecodeRecord(data []byte) (*Record, []byte, error) {
	if len(data) < constants.RecordHeaderSize || MessageType(data[0]) != MessageTypeRecord {
		return nil, nil, qerrors.ErrInvalidMessage
	}
	if len(data) > constants.MaxMessageSize {
		return nil, nil, qerrors.ErrMessageTooLarge
	}

	r := reader{data: data[1:constants.RecordHeaderSize]}
	rec := &Record{Epoch: r.u32(), Sequence: r.u64()}
	length := int(r.u32())
	if length != len(data)-constants.RecordHeaderSize || length < constants.AEADTagSize {
		return nil, nil, qerrors.ErrInvalidMessage
	}
	rec.Ciphertext = data[constants.RecordHeaderSize:]

	return rec, data[:constants.RecordHeaderSize], nil
}

// EncodeContent prefixes a record body with its content type.
func (c *Codec) EncodeContent(ct ContentType, body []byte) []byte {
	buf := make([]byte, 0, 1+len(body))
	buf = append(buf, uint8(ct))
	return append(buf, body...)
}

// DecodeContent splits record plaintext into content type and body.
func (c *Codec) DecodeContent(plaintext []byte) (ContentType, []byte, error) {
	if len(plaintext) == 0 {
		return 0, nil, qerrors.ErrInvalidMessage
	}
	ct := ContentType(plaintext[0])
	if ct < ContentData || ct > ContentClose {
		return 0, nil, qerrors.ErrInvalidMessage
	}
	return ct, plaintext[1:], nil
}

// EncodeExtend encodes an Extend body.
func (c *Codec) EncodeExtend(m *Extend) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	var w writer
	w.u8(uint8(m.Kind))
	w.str8(m.Endpoint)
	return w.buf, nil
}

// DecodeExtend decodes an Extend body.
func (c *Codec) DecodeExtend(body []byte) (*Extend, error) {
	r := reader{data: body}
	m := &Extend{Kind: ExtendKind(r.u8()), Endpoint: r.str8()}
	if !r.done() {
		return nil, qerrors.ErrInvalidMessage
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// EncodeExtended encodes an Extended body.
func (c *Codec) EncodeExtended(m *Extended) []byte {
	var w writer
	w.u8(uint8(m.Status))
	reason := m.Reason
	if len(reason) > 255 {
		reason = reason[:255]
	}
	w.str8(reason)
	return w.buf
}

// DecodeExtended decodes an Extended body.
func (c *Codec) DecodeExtended(body []byte) (*Extended, error) {
	r := reader{data: body}
	m := &Extended{Status: ExtendStatus(r.u8()), Reason: r.str8()}
	if !r.done() {
		return nil, qerrors.ErrInvalidMessage
	}
	return m, nil
}

// EncodeRekeyInit encodes a RekeyInit body.
func (c *Codec) EncodeRekeyInit(m *RekeyInit) []byte {
	var w writer
	w.u32(m.Epoch)
	w.bytes32(m.PublicKey)
	return w.buf
}

// DecodeRekeyInit decodes a RekeyInit body.
func (c *Codec) DecodeRekeyInit(body []byte) (*RekeyInit, error) {
	r := reader{data: body}
	m := &RekeyInit{Epoch: r.u32(), PublicKey: r.bytes32()}
	if !r.done() || len(m.PublicKey) == 0 {
		return nil, qerrors.ErrInvalidMessage
	}
	return m, nil
}

// EncodeRekeyAck encodes a RekeyAck body.
func (c *Codec) EncodeRekeyAck(m *RekeyAck) []byte {
	var w writer
	w.u32(m.Epoch)
	w.bytes32(m.Ciphertext)
	return w.buf
}

// DecodeRekeyAck decodes a RekeyAck body.
func (c *Codec) DecodeRekeyAck(body []byte) (*RekeyAck, error) {
	r := reader{data: body}
	m := &RekeyAck{Epoch: r.u32(), Ciphertext: r.bytes32()}
	if !r.done() || len(m.Ciphertext) == 0 {
		return nil, qerrors.ErrInvalidMessage
	}
	return m, nil
}

// EncodeClose encodes a Close body.
func (c *Codec) EncodeClose(code AlertCode) []byte {
	return []byte{uint8(code)}
}

// DecodeClose decodes a Close body.
func (c *Codec) DecodeClose(body []byte) (AlertCode, error) {
	if len(body) != 1 {
		return 0, qerrors.ErrInvalidMessage
	}
	return AlertCode(body[0]), nil
}
