// Package client drives one Connection through the netcode handshake
// and channel traffic from the host's tick (spec section 4.5, section
// 6: client public API).
package client

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Clouded-Sabre/gonetcode/config"
	"github.com/Clouded-Sabre/gonetcode/lib"
	"github.com/Clouded-Sabre/gonetcode/lib/netcode"
	"github.com/Clouded-Sabre/gonetcode/socket"
)

type clientState int

const (
	stateSendingRequest clientState = iota
	stateSendingResponse
	stateConnected
	stateDisconnected
)

// Client is the client side of one netcode connection: it owns the
// socket, the handshake state, and once connected, the Connection that
// runs channel traffic.
type Client struct {
	mu sync.Mutex

	cfg        config.ClientConfig
	sock       socket.ClientSocket
	token      *netcode.ConnectToken
	tokenBytes []byte

	state  clientState
	reason lib.DisconnectReason

	crypto            *netcode.Crypto
	replay            *netcode.ReplayWindow
	challenge         uint64
	challengeEncToken []byte
	envSeq            uint64

	conn *lib.Connection

	now              time.Duration
	lastRequestSent  time.Duration
	lastResponseSent time.Duration
	lastRecv         time.Duration
}

// NewClient begins a connection attempt using token against sock.
// tokenBytes is the exact encrypted wire record the issuance backend
// produced with Marshal; token carries the same fields in the clear, as
// handed to the legitimate client out of band (spec section 1: token
// issuance is an external collaborator). Envelope encryption is skipped
// only when both cfg.HasReliableSocket and cfg.HasEncryptedSocket are
// set; neither flag turns off channel-level retransmission.
func NewClient(cfg config.ClientConfig, token *netcode.ConnectToken, tokenBytes []byte, sock socket.ClientSocket, now time.Duration) *Client {
	c := &Client{
		cfg:        cfg,
		sock:       sock,
		token:      token,
		tokenBytes: tokenBytes,
		state:      stateSendingRequest,
		crypto:     &netcode.Crypto{SendKey: token.ClientToServerKey, RecvKey: token.ServerToClientKey, SkipCipher: cfg.HasReliableSocket && cfg.HasEncryptedSocket},
		replay:     netcode.NewReplayWindow(),
		now:        now,
		lastRecv:   now,
	}
	return c
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnected
}

func (c *Client) IsConnecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateSendingRequest || c.state == stateSendingResponse
}

func (c *Client) IsDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateDisconnected
}

// SendMessage enqueues payload on channel, once connected.
func (c *Client) SendMessage(channel uint8, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateConnected {
		return fmt.Errorf("client: not connected")
	}
	return c.conn.SendMessage(channel, payload)
}

// ReceiveMessage pops the next message for channel, once connected.
func (c *Client) ReceiveMessage(channel uint8) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateConnected {
		return nil, false
	}
	return c.conn.ReceiveMessage(channel)
}

// NetworkInfo reports connection-quality figures, once connected.
func (c *Client) NetworkInfo() (lib.NetworkInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateConnected {
		return lib.NetworkInfo{}, false
	}
	return c.conn.NetworkInfo(c.now), true
}

// Disconnect terminates the connection locally and sends redundant
// Disconnect envelopes to the server.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateConnected {
		return
	}
	for i := 0; i < netcode.NumRedundantDisconnectPackets; i++ {
		frame, err := netcode.EncodeEnvelope(c.crypto, c.cfg.ProtocolId, netcode.PacketDisconnect, c.nextEnvelopeSeq(), nil)
		if err != nil {
			break
		}
		c.sock.Send(frame)
	}
	c.conn.Disconnect(lib.ReasonDisconnectedByClient)
	c.fail(lib.ReasonDisconnectedByClient)
}

// DisconnectReason returns the reason the connection ended, if it has.
func (c *Client) DisconnectReason() (lib.DisconnectReason, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateDisconnected {
		return 0, false
	}
	return c.reason, true
}

func (c *Client) fail(reason lib.DisconnectReason) {
	if c.state == stateDisconnected {
		return
	}
	c.state = stateDisconnected
	c.reason = reason
	log.Printf("client: disconnected, reason=%s", reason)
}

func (c *Client) nextEnvelopeSeq() uint64 {
	seq := c.envSeq
	c.envSeq++
	return seq
}

// Update drains the socket's receive queue, answers a Challenge with a
// Response while connecting and, once connected, advances the inner
// Connection's bookkeeping. Timed retries of the request/response are
// sent by SendPackets.
func (c *Client) Update(dt time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateDisconnected {
		return
	}
	c.now += dt
	c.sock.Update()

	if c.token.Expired(time.Now()) && c.state != stateConnected {
		c.fail(lib.ReasonTokenExpired)
		return
	}
	timeout := time.Duration(c.token.TimeoutSeconds) * time.Second
	if timeout > 0 && c.now-c.lastRecv > timeout {
		c.fail(lib.ReasonTimeout)
		return
	}

	for {
		data, ok := c.sock.TryRecv()
		if !ok {
			break
		}
		c.handleDatagram(data)
	}

	if c.state == stateConnected {
		c.conn.Update(c.now)
		if c.conn.State() == lib.StateDisconnected {
			c.fail(c.conn.DisconnectReason())
		}
	}
}

func (c *Client) handleDatagram(data []byte) {
	switch c.state {
	case stateSendingRequest, stateSendingResponse:
		typ, sequence, payload, err := netcode.DecodeEnvelope(c.crypto, c.cfg.ProtocolId, data)
		if err != nil {
			return
		}
		if typ != netcode.PacketChallenge {
			return
		}
		if !c.replay.Accept(sequence) {
			return
		}
		seq, encToken, err := netcode.ParseChallengePayload(payload)
		if err != nil {
			return
		}
		c.challenge = seq
		c.challengeEncToken = encToken
		c.lastRecv = c.now
		c.sendResponse(seq, encToken)

	case stateConnected:
		typ, sequence, payload, err := netcode.DecodeEnvelope(c.crypto, c.cfg.ProtocolId, data)
		if err != nil {
			return
		}
		if !c.replay.Accept(sequence) {
			return
		}
		c.lastRecv = c.now
		switch typ {
		case netcode.PacketDisconnect:
			c.conn.Disconnect(lib.ReasonDisconnectedByServer)
		case netcode.PacketKeepAlive:
			c.conn.OnReceivedLivenessPacket(c.now)
		case netcode.PacketPayload:
			if err := c.conn.ProcessPacket(payload, c.now); err != nil {
				log.Println("client: protocol error:", err)
			}
		}
	}
}

// sendResponse sends a Response envelope and owns the resulting state
// transition: the first Response that gets a Connection built moves the
// client to stateConnected, any retry before that stays in
// stateSendingResponse.
func (c *Client) sendResponse(seq uint64, encToken []byte) {
	payload := netcode.BuildChallengePayload(seq, encToken)
	frame, err := netcode.EncodeEnvelope(c.crypto, c.cfg.ProtocolId, netcode.PacketResponse, c.nextEnvelopeSeq(), payload)
	if err != nil {
		return
	}
	c.sock.Send(frame)
	c.lastResponseSent = c.now

	if c.conn == nil {
		conn, err := lib.NewConnection(c.cfg.ConnectionConfig, c.cfg.SendChannelsConfig, c.cfg.ReceiveChannelsConfig, false, c.now)
		if err != nil {
			log.Println("client: failed to build connection:", err)
			return
		}
		c.conn = conn
		c.state = stateConnected
		return
	}
	if c.state != stateConnected {
		c.state = stateSendingResponse
	}
}

// SendPackets sends the handshake retry (when still connecting) or the
// inner Connection's outgoing traffic (when connected).
func (c *Client) SendPackets() {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateSendingRequest:
		if c.now-c.lastRequestSent < 100*time.Millisecond && c.lastRequestSent != 0 {
			return
		}
		c.sendRequest()
	case stateSendingResponse:
		if c.now-c.lastResponseSent < 100*time.Millisecond && c.lastResponseSent != 0 {
			return
		}
		c.sendResponse(c.challenge, c.challengeEncToken)
	case stateConnected:
		for _, frame := range c.conn.SendPackets(c.now) {
			envelope, err := netcode.EncodeEnvelope(c.crypto, c.cfg.ProtocolId, netcode.PacketPayload, c.nextEnvelopeSeq(), frame)
			if err != nil {
				continue
			}
			c.sock.Send(envelope)
		}
	}
}

func (c *Client) sendRequest() {
	plainCrypto := &netcode.Crypto{SkipCipher: true}
	payload := netcode.BuildConnectionRequestPayload(c.tokenBytes)
	frame, err := netcode.EncodeEnvelope(plainCrypto, c.cfg.ProtocolId, netcode.PacketConnectionRequest, c.nextEnvelopeSeq(), payload)
	if err != nil {
		return
	}
	c.sock.Send(frame)
	c.lastRequestSent = c.now
}
