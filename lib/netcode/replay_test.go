package netcode

import "testing"

func TestReplayWindowRejectsRepeat(t *testing.T) {
	w := NewReplayWindow()
	if !w.Accept(1) {
		t.Fatalf("expected first acceptance of sequence 1")
	}
	if w.Accept(1) {
		t.Fatalf("expected replay of sequence 1 to be rejected")
	}
}

func TestReplayWindowAcceptsOutOfOrderWithinWindow(t *testing.T) {
	w := NewReplayWindow()
	w.Accept(100)
	if !w.Accept(95) {
		t.Fatalf("expected an older-but-in-window sequence to be accepted")
	}
	if w.Accept(95) {
		t.Fatalf("expected re-accepting the same older sequence to be rejected")
	}
}

func TestReplayWindowRejectsTooOld(t *testing.T) {
	w := NewReplayWindow()
	w.Accept(1000)
	if w.Accept(1000 - ReplayWindowSize) {
		t.Fatalf("expected a sequence outside the trailing window to be rejected")
	}
}

func TestReplayWindowHandlesLargeForwardJump(t *testing.T) {
	w := NewReplayWindow()
	w.Accept(1)
	if !w.Accept(1_000_000) {
		t.Fatalf("expected a large forward jump to be accepted as new")
	}
	if w.Accept(1_000_000) {
		t.Fatalf("expected replay of the jumped-to sequence to be rejected")
	}
}
