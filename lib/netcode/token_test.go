package netcode

import (
	"bytes"
	"testing"
	"time"
)

func TestConnectTokenMarshalRoundTrip(t *testing.T) {
	var privateKey [32]byte
	for i := range privateKey {
		privateKey[i] = byte(i)
	}

	now := time.Unix(1_700_000_000, 0)
	token, err := NewConnectToken(7, 42, 15*time.Second, []string{"127.0.0.1:5000"}, []byte("player-1"), now, 30*time.Second)
	if err != nil {
		t.Fatalf("new token: %v", err)
	}

	data, err := token.Marshal(privateKey)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(data) != TokenBytes {
		t.Fatalf("expected fixed length %d, got %d", TokenBytes, len(data))
	}

	got, err := UnmarshalConnectToken(data, privateKey)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ClientId != 42 || got.ProtocolId != 7 {
		t.Fatalf("unexpected fields: %+v", got)
	}
	if !got.HasServerAddress("127.0.0.1:5000") {
		t.Fatalf("expected server address to round-trip")
	}
	if !bytes.HasPrefix(got.UserData[:], []byte("player-1")) {
		t.Fatalf("expected user data to round-trip, got %q", got.UserData[:8])
	}
	if got.ClientToServerKey != token.ClientToServerKey {
		t.Fatalf("client-to-server key did not round-trip")
	}
}

func TestConnectTokenWrongKeyFailsToOpen(t *testing.T) {
	var keyA, keyB [32]byte
	keyB[0] = 1

	now := time.Unix(1_700_000_000, 0)
	token, err := NewConnectToken(7, 42, 15*time.Second, []string{"127.0.0.1:5000"}, nil, now, 30*time.Second)
	if err != nil {
		t.Fatalf("new token: %v", err)
	}
	data, err := token.Marshal(keyA)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := UnmarshalConnectToken(data, keyB); err == nil {
		t.Fatalf("expected decryption to fail with the wrong private key")
	}
}

func TestConnectTokenExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	token, err := NewConnectToken(1, 1, time.Second, []string{"a"}, nil, now, time.Second)
	if err != nil {
		t.Fatalf("new token: %v", err)
	}
	if token.Expired(now) {
		t.Fatalf("token should not be expired immediately")
	}
	if !token.Expired(now.Add(2 * time.Second)) {
		t.Fatalf("token should be expired after its ttl")
	}
}

func TestChallengeTokenRoundTrip(t *testing.T) {
	var key [32]byte
	key[1] = 9

	ct := &ChallengeToken{ClientId: 99, ChallengeSequence: 3}
	copy(ct.UserData[:], []byte("hi"))

	data, err := ct.Marshal(key, 3)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(data) != ChallengeTokenBytes {
		t.Fatalf("expected fixed length %d, got %d", ChallengeTokenBytes, len(data))
	}

	got, err := UnmarshalChallengeToken(data, key, 3)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ClientId != 99 {
		t.Fatalf("expected client id 99, got %d", got.ClientId)
	}
}
