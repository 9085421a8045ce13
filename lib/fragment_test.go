package lib

import (
	"bytes"
	"testing"
	"time"
)

func TestSplitIntoFragmentsRoundTrip(t *testing.T) {
	payload := make([]byte, 2500)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	frags := SplitIntoFragments(3, 42, payload, 1024)
	if len(frags) != 3 {
		t.Fatalf("expected 3 fragments for 2500 bytes at 1024/fragment, got %d", len(frags))
	}

	r := NewReassembler(1024, 256, time.Second)
	var out []byte
	var done bool
	var err error
	for _, f := range frags {
		out, done, err = r.AddFragment(0, f)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if !done {
		t.Fatalf("expected reassembly to complete after the last fragment")
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("reassembled payload does not match original")
	}
}

func TestReassemblerRejectsTotalFragmentsMismatch(t *testing.T) {
	r := NewReassembler(16, 256, time.Second)
	_, _, err := r.AddFragment(0, Fragment{ChannelId: 1, MessageId: 1, FragmentIndex: 0, TotalFragments: 4, Data: []byte("a")})
	if err != nil {
		t.Fatalf("unexpected error on first fragment: %v", err)
	}
	_, _, err = r.AddFragment(0, Fragment{ChannelId: 1, MessageId: 1, FragmentIndex: 1, TotalFragments: 5, Data: []byte("b")})
	if err == nil {
		t.Fatalf("expected a fault on total_fragments disagreement")
	}
}

func TestReassemblerExpiresStaleSets(t *testing.T) {
	r := NewReassembler(16, 256, time.Second)
	r.AddFragment(0, Fragment{ChannelId: 1, MessageId: 1, FragmentIndex: 0, TotalFragments: 2, Data: []byte("a")})
	r.ExpireOld(2 * time.Second)

	_, done, err := r.AddFragment(2*time.Second, Fragment{ChannelId: 1, MessageId: 1, FragmentIndex: 1, TotalFragments: 2, Data: []byte("b")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if done {
		t.Fatalf("expected expiry to have discarded the first fragment, so the set is not complete")
	}
}
