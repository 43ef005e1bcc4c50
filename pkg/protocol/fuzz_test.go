package protocol_test

import (
	"testing"

	"github.com/pzverkov/pqtunnel/pkg/protocol"
)

// Decoders process untrusted input from the network and must never panic.
//
//	go test -fuzz=FuzzDecodeRecord -fuzztime=30s ./pkg/protocol/

func FuzzDecodeClientHello(f *testing.F) {
	c := protocol.NewCodec()
	valid, _ := c.EncodeClientHello(validClientHello())
	f.Add(valid)
	f.Add([]byte{})
	f.Add([]byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF})

	f.Fuzz(func(t *testing.T, data []byte) {
		m, err := c.DecodeClientHello(data)
		if err != nil {
			return
		}
		if _, err := c.EncodeClientHello(m); err != nil {
			t.Errorf("decoded hello does not re-encode: %v", err)
		}
	})
}

func FuzzDecodeRecord(f *testing.F) {
	c := protocol.NewCodec()
	f.Add(c.EncodeRecord(&protocol.Record{Epoch: 1, Sequence: 2, Ciphertext: make([]byte, 20)}))
	f.Add([]byte{0x10})

	f.Fuzz(func(t *testing.T, data []byte) {
		rec, header, err := c.DecodeRecord(data)
		if err != nil {
			return
		}
		if len(header)+len(rec.Ciphertext) != len(data) {
			t.Errorf("record split lost bytes")
		}
	})
}

func FuzzDecodeControl(f *testing.F) {
	c := protocol.NewCodec()
	f.Add(c.EncodeRekeyInit(&protocol.RekeyInit{Epoch: 1, PublicKey: []byte{1}}))
	f.Add([]byte{0x01, 0x03, 'a', 'b', 'c'})

	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = c.DecodeRekeyInit(data)
		_, _ = c.DecodeRekeyAck(data)
		_, _ = c.DecodeExtend(data)
		_, _ = c.DecodeExtended(data)
		_, _, _ = c.DecodeContent(data)
	})
}
