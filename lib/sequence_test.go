package lib

import "testing"

func TestSeqGreater16(t *testing.T) {
	testCases := []struct {
		a, b     uint16
		expected bool
	}{
		{a: 10, b: 5, expected: true},
		{a: 5, b: 10, expected: false},
		{a: 5, b: 65535, expected: true},  // wrap-around case
		{a: 65535, b: 5, expected: false}, // inverse wrap-around case
		{a: 32767, b: 32766, expected: true},
		{a: 32766, b: 32767, expected: false},
		{a: 0, b: 65535, expected: true},
		{a: 65535, b: 0, expected: false},
		{a: 7, b: 7, expected: false},
	}

	for _, tc := range testCases {
		if got := seqGreater16(tc.a, tc.b); got != tc.expected {
			t.Errorf("seqGreater16(%d, %d): expected %t, got %t", tc.a, tc.b, tc.expected, got)
		}
	}
}

func TestSeqIncrement16Wraps(t *testing.T) {
	if got := SeqIncrement16(65535); got != 0 {
		t.Errorf("expected wrap to 0, got %d", got)
	}
}

func TestSentPacketWindowProcessAckIdempotent(t *testing.T) {
	w := NewSentPacketWindow(16, 0)
	w.Add(&SentPacketRecord{Sequence: 1, Entries: []ChannelMessageRef{{ChannelId: 0, MessageId: 5, HasId: true}}})

	first := w.ProcessAck(1, 0)
	if len(first) != 1 {
		t.Fatalf("expected 1 newly-acked record, got %d", len(first))
	}
	second := w.ProcessAck(1, 0)
	if len(second) != 0 {
		t.Fatalf("expected idempotent re-ack to yield nothing, got %d", len(second))
	}
}

func TestReceivedSequenceTrackerBuildAck(t *testing.T) {
	tr := NewReceivedSequenceTracker()
	tr.OnReceivedSequence(10)
	tr.OnReceivedSequence(12) // gap at 11
	tr.OnReceivedSequence(11) // fills the gap, out of order

	latest, bits := tr.BuildAck()
	if latest != 12 {
		t.Fatalf("expected latest 12, got %d", latest)
	}
	if bits&(1<<0) == 0 {
		t.Errorf("expected bit 0 (seq 11) set")
	}
	if bits&(1<<1) == 0 {
		t.Errorf("expected bit 1 (seq 10) set")
	}
}

func TestRttEstimatorConverges(t *testing.T) {
	r := NewRttEstimator()
	for i := 0; i < 200; i++ {
		r.Update(50_000_000) // 50ms in nanoseconds, as time.Duration
	}
	if got := r.Value(); got < 49_000_000 || got > 51_000_000 {
		t.Fatalf("expected estimate near 50ms, got %v", got)
	}
}
