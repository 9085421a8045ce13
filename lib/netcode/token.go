// Package netcode implements the encrypted connection-establishment
// protocol that sits between the channel/packet core and a raw socket:
// connect tokens, the challenge/response handshake, the encrypted
// packet envelope, and replay protection (spec section 4.4/4.5).
package netcode

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// TokenVersion is the wire format discriminant for ConnectToken.
	TokenVersion uint8 = 1

	// KeyBytes is the size of one direction's session key.
	KeyBytes = chacha20poly1305.KeySize // 32

	// UserDataBytes is the fixed size of the passthrough application blob
	// carried inside a token's private section (spec section 6).
	UserDataBytes = 256

	// MaxServerAddresses bounds the public address list (spec section 6:
	// "server_addresses[1..32]").
	MaxServerAddresses = 32

	maxAddressLen = 64

	tokenMACBytes = 16

	privateSectionBytes = 8 /*client id*/ + KeyBytes*2 + UserDataBytes + tokenMACBytes

	// TokenBytes is the fixed on-wire size of a ConnectToken (spec
	// section 3: "bounded byte record (~2 KB)").
	TokenBytes = 1 /*version*/ + 8 /*protocol id*/ + 8 /*create ts*/ + 8 /*expire ts*/ + 8 /*nonce*/ +
		4 /*timeout*/ + 1 /*addr count*/ + MaxServerAddresses*(1+maxAddressLen) + privateSectionBytes
)

// ConnectToken is the pre-issued credential a client presents to start a
// handshake (spec section 3). Issuance lives outside the core; the core
// only defines the binary format and the server-side consumption path.
type ConnectToken struct {
	ProtocolId      uint64
	CreateTimestamp time.Time
	ExpireTimestamp time.Time
	Nonce           uint64
	TimeoutSeconds  int32
	ServerAddresses []string

	ClientId         uint64
	ClientToServerKey [KeyBytes]byte
	ServerToClientKey [KeyBytes]byte
	UserData          [UserDataBytes]byte
}

// NewConnectToken builds a token with freshly generated session keys and
// a random nonce, for use by whatever external issuance process the
// host wires up (spec section 1: "auth backend" is out of core scope,
// but the core still has to be able to mint well-formed tokens in
// tests).
func NewConnectToken(protocolId, clientId uint64, timeout time.Duration, addresses []string, userData []byte, now time.Time, ttl time.Duration) (*ConnectToken, error) {
	if len(addresses) == 0 || len(addresses) > MaxServerAddresses {
		return nil, fmt.Errorf("netcode: token needs 1..%d server addresses", MaxServerAddresses)
	}
	t := &ConnectToken{
		ProtocolId:      protocolId,
		CreateTimestamp: now,
		ExpireTimestamp: now.Add(ttl),
		TimeoutSeconds:  int32(timeout / time.Second),
		ServerAddresses: addresses,
		ClientId:        clientId,
	}
	if _, err := rand.Read(t.ClientToServerKey[:]); err != nil {
		return nil, err
	}
	if _, err := rand.Read(t.ServerToClientKey[:]); err != nil {
		return nil, err
	}
	var nonceBuf [8]byte
	if _, err := rand.Read(nonceBuf[:]); err != nil {
		return nil, err
	}
	t.Nonce = binary.BigEndian.Uint64(nonceBuf[:])
	copy(t.UserData[:], userData)
	return t, nil
}

// Expired reports whether the token's expire timestamp has passed as of
// now. Expiry is evaluated on the caller-supplied wall clock only at
// construction/validation boundaries (spec section 9).
func (t *ConnectToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpireTimestamp)
}

// HasServerAddress reports whether addr appears in the token's public
// address list (spec section 4.5 step 2: "validates ... that the
// server's own address is listed").
func (t *ConnectToken) HasServerAddress(addr string) bool {
	for _, a := range t.ServerAddresses {
		if a == addr {
			return true
		}
	}
	return false
}

// Marshal encodes the token to its fixed-length wire format. The
// private section (client id, keys, user data) is encrypted with
// privateKey using the nonce as an AEAD nonce source and the public
// header bytes as associated data, so tampering with either half
// invalidates the whole token.
func (t *ConnectToken) Marshal(privateKey [32]byte) ([]byte, error) {
	buf := make([]byte, TokenBytes)
	offset := 0

	buf[offset] = TokenVersion
	offset++
	binary.LittleEndian.PutUint64(buf[offset:], t.ProtocolId)
	offset += 8
	binary.LittleEndian.PutUint64(buf[offset:], uint64(t.CreateTimestamp.Unix()))
	offset += 8
	binary.LittleEndian.PutUint64(buf[offset:], uint64(t.ExpireTimestamp.Unix()))
	offset += 8
	binary.LittleEndian.PutUint64(buf[offset:], t.Nonce)
	offset += 8
	binary.LittleEndian.PutUint32(buf[offset:], uint32(t.TimeoutSeconds))
	offset += 4

	if len(t.ServerAddresses) == 0 || len(t.ServerAddresses) > MaxServerAddresses {
		return nil, fmt.Errorf("netcode: invalid server address count %d", len(t.ServerAddresses))
	}
	buf[offset] = uint8(len(t.ServerAddresses))
	offset++
	for i := 0; i < MaxServerAddresses; i++ {
		slot := buf[offset : offset+1+maxAddressLen]
		if i < len(t.ServerAddresses) {
			addr := t.ServerAddresses[i]
			if len(addr) > maxAddressLen {
				return nil, fmt.Errorf("netcode: server address %q too long", addr)
			}
			slot[0] = uint8(len(addr))
			copy(slot[1:], addr)
		}
		offset += 1 + maxAddressLen
	}

	publicHeader := buf[:offset]

	private := make([]byte, 8+KeyBytes*2+UserDataBytes)
	binary.LittleEndian.PutUint64(private, t.ClientId)
	copy(private[8:], t.ClientToServerKey[:])
	copy(private[8+KeyBytes:], t.ServerToClientKey[:])
	copy(private[8+KeyBytes*2:], t.UserData[:])

	aead, err := chacha20poly1305.New(privateKey[:])
	if err != nil {
		return nil, err
	}
	nonce := tokenNonce(t.Nonce)
	sealed := aead.Seal(nil, nonce, private, publicHeader)
	if len(sealed) != len(private)+tokenMACBytes {
		return nil, fmt.Errorf("netcode: unexpected sealed token length")
	}
	copy(buf[offset:], sealed)
	return buf, nil
}

// UnmarshalConnectToken decodes and decrypts a token produced by
// Marshal. It returns a Protocol-class error on any structural problem
// and never panics on attacker-controlled bytes (spec section 7).
func UnmarshalConnectToken(data []byte, privateKey [32]byte) (*ConnectToken, error) {
	if len(data) != TokenBytes {
		return nil, fmt.Errorf("netcode: token has wrong length %d", len(data))
	}
	if data[0] != TokenVersion {
		return nil, fmt.Errorf("netcode: unsupported token version %d", data[0])
	}
	offset := 1
	t := &ConnectToken{}
	t.ProtocolId = binary.LittleEndian.Uint64(data[offset:])
	offset += 8
	t.CreateTimestamp = time.Unix(int64(binary.LittleEndian.Uint64(data[offset:])), 0)
	offset += 8
	t.ExpireTimestamp = time.Unix(int64(binary.LittleEndian.Uint64(data[offset:])), 0)
	offset += 8
	t.Nonce = binary.LittleEndian.Uint64(data[offset:])
	offset += 8
	t.TimeoutSeconds = int32(binary.LittleEndian.Uint32(data[offset:]))
	offset += 4

	count := int(data[offset])
	offset++
	if count == 0 || count > MaxServerAddresses {
		return nil, fmt.Errorf("netcode: invalid server address count %d", count)
	}
	for i := 0; i < MaxServerAddresses; i++ {
		slot := data[offset : offset+1+maxAddressLen]
		if i < count {
			n := int(slot[0])
			if n > maxAddressLen {
				return nil, fmt.Errorf("netcode: corrupt server address entry")
			}
			t.ServerAddresses = append(t.ServerAddresses, string(slot[1:1+n]))
		}
		offset += 1 + maxAddressLen
	}

	publicHeader := data[:offset]
	sealed := data[offset:]

	aead, err := chacha20poly1305.New(privateKey[:])
	if err != nil {
		return nil, err
	}
	nonce := tokenNonce(t.Nonce)
	private, err := aead.Open(nil, nonce, sealed, publicHeader)
	if err != nil {
		return nil, fmt.Errorf("netcode: token private section failed to decrypt: %w", err)
	}
	if len(private) != 8+KeyBytes*2+UserDataBytes {
		return nil, fmt.Errorf("netcode: corrupt token private section")
	}
	t.ClientId = binary.LittleEndian.Uint64(private)
	copy(t.ClientToServerKey[:], private[8:8+KeyBytes])
	copy(t.ServerToClientKey[:], private[8+KeyBytes:8+KeyBytes*2])
	copy(t.UserData[:], private[8+KeyBytes*2:])
	return t, nil
}

// tokenNonce derives a 12-byte AEAD nonce from the token's 8-byte
// random nonce, zero-extended (same construction the envelope uses for
// packet sequences, spec section 4.4).
func tokenNonce(n uint64) []byte {
	buf := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(buf, n)
	return buf
}

// ChallengeToken is the server-only-key-encrypted credential returned
// in a Challenge packet and echoed back unchanged in the Response
// (spec section 4.5 steps 3-4).
type ChallengeToken struct {
	ClientId         uint64
	UserData         [UserDataBytes]byte
	ChallengeSequence uint64
}

const challengeTokenPlainBytes = 8 + UserDataBytes + 8

// ChallengeTokenBytes is the fixed size of an encrypted challenge token.
const ChallengeTokenBytes = challengeTokenPlainBytes + tokenMACBytes

// Marshal encrypts the challenge token with the server's challenge key.
func (c *ChallengeToken) Marshal(challengeKey [32]byte, sequence uint64) ([]byte, error) {
	plain := make([]byte, challengeTokenPlainBytes)
	binary.LittleEndian.PutUint64(plain, c.ClientId)
	copy(plain[8:], c.UserData[:])
	binary.LittleEndian.PutUint64(plain[8+UserDataBytes:], c.ChallengeSequence)

	aead, err := chacha20poly1305.New(challengeKey[:])
	if err != nil {
		return nil, err
	}
	nonce := tokenNonce(sequence)
	return aead.Seal(nil, nonce, plain, nil), nil
}

// UnmarshalChallengeToken decrypts a challenge token previously produced
// by Marshal with the matching sequence and key.
func UnmarshalChallengeToken(data []byte, challengeKey [32]byte, sequence uint64) (*ChallengeToken, error) {
	aead, err := chacha20poly1305.New(challengeKey[:])
	if err != nil {
		return nil, err
	}
	nonce := tokenNonce(sequence)
	plain, err := aead.Open(nil, nonce, data, nil)
	if err != nil {
		return nil, fmt.Errorf("netcode: challenge token failed to decrypt: %w", err)
	}
	if len(plain) != challengeTokenPlainBytes {
		return nil, fmt.Errorf("netcode: corrupt challenge token")
	}
	c := &ChallengeToken{}
	c.ClientId = binary.LittleEndian.Uint64(plain)
	copy(c.UserData[:], plain[8:8+UserDataBytes])
	c.ChallengeSequence = binary.LittleEndian.Uint64(plain[8+UserDataBytes:])
	return c, nil
}
