package netcode

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// PacketType is the netcode envelope's discriminant (spec section 4.4).
// New kinds must be added here, never as open polymorphism (spec
// section 9).
type PacketType uint8

const (
	PacketConnectionRequest PacketType = iota
	PacketChallenge
	PacketResponse
	PacketKeepAlive
	PacketPayload
	PacketDisconnect
)

func (t PacketType) String() string {
	switch t {
	case PacketConnectionRequest:
		return "ConnectionRequest"
	case PacketChallenge:
		return "Challenge"
	case PacketResponse:
		return "Response"
	case PacketKeepAlive:
		return "KeepAlive"
	case PacketPayload:
		return "Payload"
	case PacketDisconnect:
		return "Disconnect"
	default:
		return "Unknown"
	}
}

// NumRedundantDisconnectPackets is how many times a Disconnect envelope
// is resent back-to-back, since there is no ack to confirm delivery
// before the connection state is torn down locally.
const NumRedundantDisconnectPackets = 10

const macBytes = 16

// typeMask/seqLenShift split the prefix byte: low nibble is the packet
// type, high nibble is the sequence byte count (1..8), per spec section
// 6: "the netcode packet-type code occupies the low nibble of the
// prefix byte; the high nibble encodes sequence-byte count".
const (
	typeMask    = 0x0F
	seqLenShift = 4
)

func sequenceByteLen(seq uint64) int {
	n := 1
	for v := seq >> 8; v != 0; v >>= 8 {
		n++
	}
	return n
}

func encodeSequence(seq uint64, n int) []byte {
	buf := make([]byte, n)
	for i := 0; i < n; i++ {
		buf[i] = byte(seq >> (8 * i))
	}
	return buf
}

func decodeSequence(buf []byte) uint64 {
	var seq uint64
	for i, b := range buf {
		seq |= uint64(b) << (8 * i)
	}
	return seq
}

// Crypto carries the per-direction AEAD state for one endpoint of a
// connection: which key encrypts outgoing envelopes, which key opens
// incoming ones, and whether encryption/MAC should be applied at all
// (spec section 4.4, section 4.6: "is_encrypted()").
type Crypto struct {
	SendKey    [32]byte
	RecvKey    [32]byte
	SkipCipher bool // true when the underlying socket is already reliable+encrypted
}

// EncodeEnvelope wraps payload (already-encoded inner content, e.g. a
// marshalled channel Packet or a token) into one netcode wire frame.
// protocolId and sequence feed the associated data; when cr.SkipCipher
// is false the payload is sealed with cr.SendKey.
func EncodeEnvelope(cr *Crypto, protocolId uint64, typ PacketType, sequence uint64, payload []byte) ([]byte, error) {
	seqLen := sequenceByteLen(sequence)
	if seqLen > 8 {
		return nil, fmt.Errorf("netcode: sequence %d needs more than 8 bytes", sequence)
	}
	prefix := byte(typ)&typeMask | byte(seqLen-1)<<seqLenShift
	seqBytes := encodeSequence(sequence, seqLen)

	header := make([]byte, 1+len(seqBytes))
	header[0] = prefix
	copy(header[1:], seqBytes)

	var body []byte
	if cr.SkipCipher {
		body = payload
	} else {
		ad := associatedData(protocolId, header)
		aead, err := chacha20poly1305.New(cr.SendKey[:])
		if err != nil {
			return nil, err
		}
		body = aead.Seal(nil, envelopeNonce(sequence), payload, ad)
	}

	out := make([]byte, len(header)+len(body))
	copy(out, header)
	copy(out[len(header):], body)
	return out, nil
}

// DecodeEnvelope reverses EncodeEnvelope, returning the packet type,
// sequence, and decrypted payload. It never panics on malformed or
// adversarial input (spec section 7).
func DecodeEnvelope(cr *Crypto, protocolId uint64, data []byte) (PacketType, uint64, []byte, error) {
	if len(data) < 1 {
		return 0, 0, nil, fmt.Errorf("netcode: empty envelope")
	}
	typ := PacketType(data[0] & typeMask)
	seqLen := int((data[0]>>seqLenShift)&0x0F) + 1
	if len(data) < 1+seqLen {
		return 0, 0, nil, fmt.Errorf("netcode: truncated envelope sequence")
	}
	sequence := decodeSequence(data[1 : 1+seqLen])
	header := data[:1+seqLen]
	body := data[1+seqLen:]

	var payload []byte
	if cr.SkipCipher {
		payload = body
	} else {
		if len(body) < macBytes {
			return 0, 0, nil, fmt.Errorf("netcode: envelope body too short for MAC")
		}
		ad := associatedData(protocolId, header)
		aead, err := chacha20poly1305.New(cr.RecvKey[:])
		if err != nil {
			return 0, 0, nil, err
		}
		var err2 error
		payload, err2 = aead.Open(nil, envelopeNonce(sequence), body, ad)
		if err2 != nil {
			return 0, 0, nil, fmt.Errorf("netcode: envelope failed to decrypt or authenticate: %w", err2)
		}
	}
	return typ, sequence, payload, nil
}

// associatedData builds protocol_id || header (prefix + sequence bytes),
// per spec section 4.4: "Associated data for AEAD: protocol_id ‖ prefix
// ‖ sequence."
func associatedData(protocolId uint64, header []byte) []byte {
	ad := make([]byte, 8+len(header))
	binary.LittleEndian.PutUint64(ad, protocolId)
	copy(ad[8:], header)
	return ad
}

// envelopeNonce derives a 12-byte AEAD nonce from the packet sequence
// (spec section 4.4: "Nonce: 12 bytes derived from sequence").
func envelopeNonce(sequence uint64) []byte {
	buf := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(buf, sequence)
	return buf
}
