package netcode

import (
	"bytes"
	"testing"
)

func TestEnvelopeEncryptedRoundTrip(t *testing.T) {
	var sendKey, recvKey [32]byte
	sendKey[0] = 1
	recvKey[0] = 1 // same key both directions for this test

	sender := &Crypto{SendKey: sendKey, RecvKey: recvKey}
	receiver := &Crypto{SendKey: recvKey, RecvKey: sendKey}

	frame, err := EncodeEnvelope(sender, 7, PacketPayload, 12345, []byte("payload bytes"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	typ, seq, payload, err := DecodeEnvelope(receiver, 7, frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if typ != PacketPayload || seq != 12345 {
		t.Fatalf("unexpected header: type=%v seq=%d", typ, seq)
	}
	if !bytes.Equal(payload, []byte("payload bytes")) {
		t.Fatalf("payload mismatch: %q", payload)
	}
}

func TestEnvelopeSkipCipherRoundTrip(t *testing.T) {
	cr := &Crypto{SkipCipher: true}
	frame, err := EncodeEnvelope(cr, 7, PacketKeepAlive, 1, []byte("x"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	typ, _, payload, err := DecodeEnvelope(cr, 7, frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if typ != PacketKeepAlive || string(payload) != "x" {
		t.Fatalf("unexpected result: type=%v payload=%q", typ, payload)
	}
}

func TestEnvelopeWrongProtocolIdFailsAuth(t *testing.T) {
	var key [32]byte
	cr := &Crypto{SendKey: key, RecvKey: key}
	frame, err := EncodeEnvelope(cr, 7, PacketPayload, 1, []byte("x"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, _, _, err := DecodeEnvelope(cr, 8, frame); err == nil {
		t.Fatalf("expected decode to fail when protocol_id does not match the associated data")
	}
}

func TestEnvelopeSequenceByteLenGrowsWithValue(t *testing.T) {
	if n := sequenceByteLen(0); n != 1 {
		t.Errorf("expected 1 byte for sequence 0, got %d", n)
	}
	if n := sequenceByteLen(1 << 40); n != 6 {
		t.Errorf("expected 6 bytes for sequence 1<<40, got %d", n)
	}
}

func TestDecodeEnvelopeRejectsEmpty(t *testing.T) {
	cr := &Crypto{SkipCipher: true}
	if _, _, _, err := DecodeEnvelope(cr, 0, nil); err == nil {
		t.Fatalf("expected an error decoding an empty envelope")
	}
}
