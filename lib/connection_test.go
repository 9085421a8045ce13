package lib

import (
	"testing"
	"time"

	"github.com/Clouded-Sabre/gonetcode/config"
)

func newTestConnectionPair(t *testing.T) (*Connection, *Connection) {
	t.Helper()
	channels := []config.ChannelConfig{
		{ChannelId: 0, MaxMemoryBytes: 1 << 20, SendType: config.ReliableOrdered, ResendTime: 50 * time.Millisecond},
	}
	cfg := config.DefaultConnectionConfig()

	a, err := NewConnection(cfg, channels, channels, false, 0)
	if err != nil {
		t.Fatalf("new connection a: %v", err)
	}
	b, err := NewConnection(cfg, channels, channels, true, 0)
	if err != nil {
		t.Fatalf("new connection b: %v", err)
	}
	return a, b
}

// deliver feeds every frame src produces at now into dst.
func deliver(t *testing.T, src, dst *Connection, now time.Duration) {
	t.Helper()
	for _, frame := range src.SendPackets(now) {
		if err := dst.ProcessPacket(frame, now); err != nil {
			t.Fatalf("process packet: %v", err)
		}
	}
}

func TestConnectionReliableOrderedRoundTrip(t *testing.T) {
	a, b := newTestConnectionPair(t)

	if err := a.SendMessage(0, []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}

	now := time.Duration(0)
	deliver(t, a, b, now)
	msg, ok := b.ReceiveMessage(0)
	if !ok || string(msg) != "hello" {
		t.Fatalf("expected b to receive 'hello', got %q ok=%v", msg, ok)
	}

	// b's next SendPackets carries the ack back to a.
	now += 10 * time.Millisecond
	deliver(t, b, a, now)

	if a.State() != StateConnected {
		t.Fatalf("expected a to be Connected after the round trip, got %v", a.State())
	}
}

func TestConnectionNoDeliveryAfterDisconnect(t *testing.T) {
	a, b := newTestConnectionPair(t)
	a.Disconnect(ReasonDisconnectedByClient)

	if err := a.SendMessage(0, []byte("too late")); err == nil {
		t.Fatalf("expected send to fail once disconnected")
	}
	if frames := a.SendPackets(0); frames != nil {
		t.Fatalf("expected no outgoing frames once disconnected, got %d", len(frames))
	}
	_ = b
}

func TestConnectionTimesOutWithoutTraffic(t *testing.T) {
	channels := []config.ChannelConfig{{ChannelId: 0, MaxMemoryBytes: 1024, SendType: config.Unreliable}}
	cfg := config.DefaultConnectionConfig()
	cfg.TimeoutSeconds = 1

	c, err := NewConnection(cfg, channels, channels, false, 0)
	if err != nil {
		t.Fatalf("new connection: %v", err)
	}
	c.Update(2 * time.Second)
	if c.State() != StateDisconnected || c.DisconnectReason() != ReasonTimeout {
		t.Fatalf("expected timeout disconnect, got state=%v reason=%v", c.State(), c.DisconnectReason())
	}
}

func TestConnectionFragmentsLargeMessage(t *testing.T) {
	channels := []config.ChannelConfig{
		{ChannelId: 0, MaxMemoryBytes: 1 << 20, SendType: config.ReliableOrdered, ResendTime: time.Second},
	}
	cfg := config.DefaultConnectionConfig()
	a, err := NewConnection(cfg, channels, channels, false, 0)
	if err != nil {
		t.Fatalf("new connection a: %v", err)
	}
	b, err := NewConnection(cfg, channels, channels, true, 0)
	if err != nil {
		t.Fatalf("new connection b: %v", err)
	}

	payload := make([]byte, 100*1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := a.SendMessage(0, payload); err != nil {
		t.Fatalf("send: %v", err)
	}

	now := time.Duration(0)
	for i := 0; i < 200; i++ {
		deliver(t, a, b, now)
		now += time.Millisecond
		if msg, ok := b.ReceiveMessage(0); ok {
			if len(msg) != len(payload) {
				t.Fatalf("expected %d bytes, got %d", len(payload), len(msg))
			}
			return
		}
	}
	t.Fatalf("message was never fully reassembled")
}
