package lib

import "testing"

func TestUnreliableChannelNoRetention(t *testing.T) {
	ch := newUnreliableChannel(0, 1024, 512)
	if err := ch.Send([]byte("state")); err != nil {
		t.Fatalf("send: %v", err)
	}
	msgs := ch.GetMessagesToSend(1024, 0)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	// nothing left to resend: unreliable channels never retain.
	if got := ch.GetMessagesToSend(1024, 1000); len(got) != 0 {
		t.Fatalf("expected no retained messages, got %d", len(got))
	}
}

func TestUnreliableChannelMemoryFault(t *testing.T) {
	ch := newUnreliableChannel(0, 8, 512)
	if err := ch.Send([]byte("too big for the budget")); err == nil {
		t.Fatalf("expected a channel fault on memory overrun")
	}
}

func TestUnreliableChannelReceiveNoDedupe(t *testing.T) {
	ch := newUnreliableChannel(0, 1024, 512)
	ch.ProcessMessages([]IncomingMessage{{Payload: []byte("a")}, {Payload: []byte("a")}}, 0)
	_, ok := ch.Receive()
	if !ok {
		t.Fatalf("expected first message")
	}
	_, ok = ch.Receive()
	if !ok {
		t.Fatalf("expected duplicate-looking second message to still be delivered (no dedupe on unreliable)")
	}
}
