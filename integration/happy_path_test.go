// Package integration exercises the server and client packages together
// over the in-memory transport, the way the seed scenarios in the
// specification describe (connect, exchange messages, disconnect).
package integration

import (
	"testing"
	"time"

	"github.com/Clouded-Sabre/gonetcode/config"
	"github.com/Clouded-Sabre/gonetcode/lib"
	"github.com/Clouded-Sabre/gonetcode/lib/client"
	"github.com/Clouded-Sabre/gonetcode/lib/netcode"
	"github.com/Clouded-Sabre/gonetcode/lib/server"
	"github.com/Clouded-Sabre/gonetcode/socket"
)

const protocolId = 7

func mustToken(t *testing.T, privateKey [32]byte, clientId uint64, addr string) (*netcode.ConnectToken, []byte) {
	t.Helper()
	now := time.Now()
	tok, err := netcode.NewConnectToken(protocolId, clientId, 15*time.Second, []string{addr}, []byte("player"), now, 30*time.Second)
	if err != nil {
		t.Fatalf("new token: %v", err)
	}
	data, err := tok.Marshal(privateKey)
	if err != nil {
		t.Fatalf("marshal token: %v", err)
	}
	return tok, data
}

func tick(srv *server.Server, cl *client.Client, dt time.Duration, rounds int) {
	for i := 0; i < rounds; i++ {
		cl.SendPackets()
		srv.Update(dt)
		srv.SendPackets()
		cl.Update(dt)
	}
}

func TestHappyPathConnectAndExchange(t *testing.T) {
	var privateKey, challengeKey [32]byte
	privateKey[0] = 1
	challengeKey[0] = 2

	transport := socket.NewMemoryTransport("client-0")
	slot := transport.ServerSide()

	srvCfg := config.DefaultServerConfig(protocolId)
	srvCfg.BoundAddresses = []string{"memory-slot-0"}
	srv := server.NewServer(srvCfg, privateKey, challengeKey, []socket.ServerSocket{slot}, 0)

	token, tokenBytes := mustToken(t, privateKey, 0, "memory-slot-0")
	clCfg := config.DefaultClientConfig(protocolId)
	cl := client.NewClient(clCfg, token, tokenBytes, transport.ClientSide(), 0)

	tick(srv, cl, 10*time.Millisecond, 6)

	if !cl.IsConnected() {
		t.Fatalf("expected client to be connected after the handshake")
	}

	ev, ok := srv.GetEvent()
	if !ok || ev.Kind != server.EventClientConnected || ev.ClientId != 0 {
		t.Fatalf("expected a ClientConnected event for client 0, got %+v ok=%v", ev, ok)
	}

	if err := cl.SendMessage(1, []byte("hello")); err != nil {
		t.Fatalf("client send: %v", err)
	}

	tick(srv, cl, 10*time.Millisecond, 4)

	msg, ok := srv.ReceiveMessage(0, 1)
	if !ok || string(msg) != "hello" {
		t.Fatalf("expected server to receive 'hello', got %q ok=%v", msg, ok)
	}

	if err := srv.SendMessage(0, 1, []byte("world")); err != nil {
		t.Fatalf("server send: %v", err)
	}
	tick(srv, cl, 10*time.Millisecond, 4)

	reply, ok := cl.ReceiveMessage(1)
	if !ok || string(reply) != "world" {
		t.Fatalf("expected client to receive 'world', got %q ok=%v", reply, ok)
	}
}

func TestTimeoutEmitsClientDisconnected(t *testing.T) {
	var privateKey, challengeKey [32]byte
	transport := socket.NewMemoryTransport("client-0")
	slot := transport.ServerSide()

	srvCfg := config.DefaultServerConfig(protocolId)
	srvCfg.BoundAddresses = []string{"memory-slot-0"}
	srvCfg.ConnectionConfig.TimeoutSeconds = 1
	srv := server.NewServer(srvCfg, privateKey, challengeKey, []socket.ServerSocket{slot}, 0)

	token, tokenBytes := mustToken(t, privateKey, 0, "memory-slot-0")
	clCfg := config.DefaultClientConfig(protocolId)
	clCfg.ConnectionConfig.TimeoutSeconds = 1
	cl := client.NewClient(clCfg, token, tokenBytes, transport.ClientSide(), 0)

	tick(srv, cl, 10*time.Millisecond, 6)
	if !cl.IsConnected() {
		t.Fatalf("expected the handshake to complete before the timeout test begins")
	}
	srv.GetEvent() // drain ClientConnected

	// client goes silent; only the server keeps ticking.
	for i := 0; i < 200; i++ {
		srv.Update(10 * time.Millisecond)
	}

	ev, ok := srv.GetEvent()
	if !ok || ev.Kind != server.EventClientDisconnected || ev.Reason != lib.ReasonTimeout {
		t.Fatalf("expected a timeout ClientDisconnected event, got %+v ok=%v", ev, ok)
	}
}
