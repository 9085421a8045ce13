package lib

import (
	"testing"
	"time"
)

func TestReliableUnorderedResendsAfterInterval(t *testing.T) {
	ch := newReliableUnorderedChannel(1, 4096, 512, 100*time.Millisecond)
	if err := ch.Send([]byte("cmd")); err != nil {
		t.Fatalf("send: %v", err)
	}

	first := ch.GetMessagesToSend(1024, 0)
	if len(first) != 1 {
		t.Fatalf("expected the message to go out immediately, got %d", len(first))
	}
	tooSoon := ch.GetMessagesToSend(1024, 50*time.Millisecond)
	if len(tooSoon) != 0 {
		t.Fatalf("expected no resend before resend_time elapses, got %d", len(tooSoon))
	}
	due := ch.GetMessagesToSend(1024, 200*time.Millisecond)
	if len(due) != 1 {
		t.Fatalf("expected a resend once resend_time elapsed, got %d", len(due))
	}
}

func TestReliableUnorderedDropsDuplicatesOnReceive(t *testing.T) {
	ch := newReliableUnorderedChannel(1, 4096, 512, 100*time.Millisecond)
	msg := IncomingMessage{HasMessageId: true, MessageId: 3, Payload: []byte("x")}
	ch.ProcessMessages([]IncomingMessage{msg, msg}, 0)

	count := 0
	for {
		if _, ok := ch.Receive(); !ok {
			break
		}
		count++
	}
	if count != 1 {
		t.Fatalf("expected the duplicate to be dropped, got %d deliveries", count)
	}
}

func TestReliableUnorderedProcessAckRetires(t *testing.T) {
	ch := newReliableUnorderedChannel(1, 64, 512, time.Second)
	ch.Send([]byte("ab"))
	if ch.MemoryUsed() != 2 {
		t.Fatalf("expected 2 unacked bytes, got %d", ch.MemoryUsed())
	}
	ch.ProcessAck(0)
	if ch.MemoryUsed() != 0 {
		t.Fatalf("expected ack to free memory, got %d", ch.MemoryUsed())
	}
}

func TestReliableOrderedBuffersOutOfOrderThenDrains(t *testing.T) {
	ch := newReliableOrderedChannel(2, 4096, 512, time.Second)
	ch.ProcessMessages([]IncomingMessage{{HasMessageId: true, MessageId: 0, Payload: []byte("a")}}, 0)
	ch.ProcessMessages([]IncomingMessage{{HasMessageId: true, MessageId: 2, Payload: []byte("c")}}, 0)

	msg, ok := ch.Receive()
	if !ok || string(msg) != "a" {
		t.Fatalf("expected to receive 'a' first, got %q ok=%v", msg, ok)
	}
	if _, ok := ch.Receive(); ok {
		t.Fatalf("expected 'c' to stay buffered until 'b' arrives")
	}

	ch.ProcessMessages([]IncomingMessage{{HasMessageId: true, MessageId: 1, Payload: []byte("b")}}, 0)
	msg, ok = ch.Receive()
	if !ok || string(msg) != "b" {
		t.Fatalf("expected 'b', got %q ok=%v", msg, ok)
	}
	msg, ok = ch.Receive()
	if !ok || string(msg) != "c" {
		t.Fatalf("expected 'c' to drain once the gap closed, got %q ok=%v", msg, ok)
	}
}

func TestReliableOrderedFaultsWhenWindowExceeded(t *testing.T) {
	ch := newReliableOrderedChannel(2, 1<<20, 512, time.Second)
	ch.ProcessMessages([]IncomingMessage{{HasMessageId: true, MessageId: 0, Payload: []byte("a")}}, 0)
	farFuture := IncomingMessage{HasMessageId: true, MessageId: uint16(ReceivedMessageWindow + 10), Payload: []byte("z")}
	if err := ch.ProcessMessages([]IncomingMessage{farFuture}, 0); err == nil {
		t.Fatalf("expected a channel fault once the reorder gap exceeds the window")
	}
}
