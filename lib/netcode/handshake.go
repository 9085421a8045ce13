package netcode

import (
	"encoding/binary"
	"fmt"
)

// BuildConnectionRequestPayload wraps a marshalled ConnectToken as the
// inner payload of a ConnectionRequest envelope. The token travels
// verbatim; only its private section is encrypted, with the
// pre-shared key the issuance backend and server share (spec section
// 4.5 step 1).
func BuildConnectionRequestPayload(tokenBytes []byte) []byte {
	out := make([]byte, len(tokenBytes))
	copy(out, tokenBytes)
	return out
}

// ParseConnectionRequestPayload extracts the token bytes back out.
func ParseConnectionRequestPayload(payload []byte) ([]byte, error) {
	if len(payload) != TokenBytes {
		return nil, fmt.Errorf("netcode: connection request has wrong token length %d", len(payload))
	}
	return payload, nil
}

// BuildChallengePayload encodes the challenge sequence followed by the
// encrypted challenge token (spec section 4.5 step 3).
func BuildChallengePayload(challengeSequence uint64, encryptedToken []byte) []byte {
	out := make([]byte, 8+len(encryptedToken))
	binary.LittleEndian.PutUint64(out, challengeSequence)
	copy(out[8:], encryptedToken)
	return out
}

// ParseChallengePayload splits a Challenge (or echoed Response) payload
// back into its sequence and encrypted token.
func ParseChallengePayload(payload []byte) (uint64, []byte, error) {
	if len(payload) != 8+ChallengeTokenBytes {
		return 0, nil, fmt.Errorf("netcode: challenge payload has wrong length %d", len(payload))
	}
	seq := binary.LittleEndian.Uint64(payload)
	return seq, payload[8:], nil
}
