// Package server hosts many connections behind one or more socket
// slots and drives their handshakes and channel traffic from a single
// tick (spec section 4.5).
package server

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

// EventKind discriminates ServerEvent (spec section 6).
type EventKind int

const (
	EventClientConnected EventKind = iota
	EventClientDisconnected
)

// ServerEvent is the host-facing notification of a connect/disconnect.
type ServerEvent struct {
	Kind     EventKind
	ClientId uint64
	UserData []byte
	Reason   lib.DisconnectReason
}

type handshakeState int

const (
	hsPendingChallenge handshakeState = iota
	hsPendingResponse
	hsConnected
)

// clientEntry tracks one client slot's handshake progress and, once
// connected, its live Connection (spec section 4.5: "State per client
// slot").
type clientEntry struct {
	state      handshakeState
	slotIndex  int
	addr       string
	clientId   uint64
	crypto     *netcode.Crypto
	replay     *netcode.ReplayWindow
	expire     time.Time
	challenge  uint64
	userData   [netcode.UserDataBytes]byte
	conn       *lib.Connection
	envSeq     uint64
}

func (e *clientEntry) nextEnvelopeSeq() uint64 {
	seq := e.envSeq
	e.envSeq++
	return seq
}

// Server is a multi-slot netcode host: it owns N socket slots, an
// address-to-client table per slot, and a client-id-indexed connection
// table shared across all of them (spec section 4.5: "Multi-slot
// server").
type Server struct {
	mu sync.Mutex

	cfg          config.ServerConfig
	privateKey   [32]byte
	challengeKey [32]byte

	slots        []socket.ServerSocket
	addrToClient []map[string]*clientEntry
	clients      map[uint64]*clientEntry
	usedNonces   map[uint64]time.Time

	events []ServerEvent

	now time.Duration
}

// NewServer builds a Server bound to the given slots, sharing the
// pre-shared key used to open ConnectToken private sections (spec
// section 4.5 step 2).
func NewServer(cfg config.ServerConfig, privateKey, challengeKey [32]byte, slots []socket.ServerSocket, now time.Duration) *Server {
	s := &Server{
		cfg:          cfg,
		privateKey:   privateKey,
		challengeKey: challengeKey,
		slots:        slots,
		clients:      make(map[uint64]*clientEntry),
		usedNonces:   make(map[uint64]time.Time),
		now:          now,
	}
	for range slots {
		s.addrToClient = append(s.addrToClient, make(map[string]*clientEntry))
	}
	return s
}

// ClientsId returns the ids of all connected clients.
func (s *Server) ClientsId() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint64, 0, len(s.clients))
	for id, e := range s.clients {
		if e.state == hsConnected {
			ids = append(ids, id)
		}
	}
	return ids
}

// GetEvent pops the oldest pending ServerEvent, if any.
func (s *Server) GetEvent() (ServerEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return ServerEvent{}, false
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, true
}

func (s *Server) emit(ev ServerEvent) {
	s.events = append(s.events, ev)
}

// Update advances time for every connected client and pumps each slot's
// TryRecv loop, dispatching handshake and payload traffic (spec section
// 5: "receive-side effects ... are observable only after update").
func (s *Server) Update(dt time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now += dt

	for i, sock := range s.slots {
		sock.Update()
		for n := 0; n < s.cfg.ConnectionConfig.MaxPacketsPerTick; n++ {
			addr, data, ok := sock.TryRecv()
			if !ok {
				break
			}
			s.handleDatagram(i, sock, addr, data)
		}
	}

	for id, e := range s.clients {
		if e.state != hsConnected {
			continue
		}
		e.conn.Update(s.now)
		if e.conn.State() == lib.StateDisconnected {
			reason := e.conn.DisconnectReason()
			delete(s.addrToClient[e.slotIndex], e.addr)
			delete(s.clients, id)
			s.emit(ServerEvent{Kind: EventClientDisconnected, ClientId: id, Reason: reason})
		}
	}
}

// handleDatagram routes one inbound frame: unknown addresses must parse
// as a handshake packet or are dropped; known addresses are pinned to
// the slot they handshook on (spec section 4.5).
func (s *Server) handleDatagram(slotIndex int, sock socket.ServerSocket, addr string, data []byte) {
	if e, ok := s.addrToClient[slotIndex][addr]; ok {
		s.handleKnown(sock, e, data)
		return
	}
	s.handleUnknown(slotIndex, sock, addr, data)
}

func (s *Server) cryptoFor(sock socket.ServerSocket, sendKey, recvKey [32]byte) *netcode.Crypto {
	return &netcode.Crypto{SendKey: sendKey, RecvKey: recvKey, SkipCipher: sock.IsReliable() && sock.IsEncrypted()}
}

// boundToAnyOf reports whether token lists one of this server's own
// bound addresses (spec section 4.5 step 2). A server with no configured
// bound address never passes this check — BoundAddresses must be set.
func (s *Server) boundToAnyOf(token *netcode.ConnectToken) bool {
	for _, addr := range s.cfg.BoundAddresses {
		if token.HasServerAddress(addr) {
			return true
		}
	}
	return false
}

func (s *Server) handleUnknown(slotIndex int, sock socket.ServerSocket, addr string, data []byte) {
	plainCrypto := &netcode.Crypto{SkipCipher: true}
	typ, _, payload, err := netcode.DecodeEnvelope(plainCrypto, s.cfg.ProtocolId, data)
	if err != nil || typ != netcode.PacketConnectionRequest {
		return // malformed or not a request: dropped silently (spec section 7)
	}
	tokenBytes, err := netcode.ParseConnectionRequestPayload(payload)
	if err != nil {
		return
	}

	if len(s.clients) >= s.cfg.MaxClients {
		s.sendDenial(sock, addr, lib.ReasonServerFull)
		return
	}

	token, err := netcode.UnmarshalConnectToken(tokenBytes, s.privateKey)
	if err != nil {
		return // bad MAC / unparsable: silently dropped (spec section 7)
	}
	if token.ProtocolId != s.cfg.ProtocolId {
		return
	}
	wallNow := time.Now()
	if token.Expired(wallNow) {
		s.sendDenial(sock, addr, lib.ReasonTokenExpired)
		return
	}
	if !s.boundToAnyOf(token) {
		s.sendDenial(sock, addr, lib.ReasonWrongServer)
		return
	}
	if _, used := s.usedNonces[token.Nonce]; used {
		s.sendDenial(sock, addr, lib.ReasonConnectTokenAlreadyUsed)
		return
	}
	if _, inUse := s.clients[token.ClientId]; inUse {
		s.sendDenial(sock, addr, lib.ReasonClientIdInUse)
		return
	}

	s.usedNonces[token.Nonce] = token.ExpireTimestamp
	e := &clientEntry{
		state:     hsPendingChallenge,
		slotIndex: slotIndex,
		addr:      addr,
		clientId:  token.ClientId,
		crypto:    s.cryptoFor(sock, token.ServerToClientKey, token.ClientToServerKey),
		replay:    netcode.NewReplayWindow(),
		expire:    token.ExpireTimestamp,
		userData:  token.UserData,
	}
	s.addrToClient[slotIndex][addr] = e
	s.clients[token.ClientId] = e
	s.issueChallenge(sock, e)
}

func (s *Server) sendDenial(sock socket.ServerSocket, addr string, reason lib.DisconnectReason) {
	// denials carry no payload distinguishing the reason on the wire; logged locally only
	log.Printf("server: denying connection from %s: %s", addr, reason)
}

// issueChallenge mints a fresh challenge sequence for e and sends it. It
// is used once, the first time a ConnectionRequest is accepted; a client
// awaiting that Challenge's Response rests in hsPendingResponse until it
// arrives (spec section 4.5 step 3).
func (s *Server) issueChallenge(sock socket.ServerSocket, e *clientEntry) {
	e.challenge++
	e.state = hsPendingResponse
	s.resendChallenge(sock, e)
}

// resendChallenge re-sends the current challenge sequence without
// minting a new one, so a retried ConnectionRequest or a lost Challenge
// can be recovered without invalidating the Response the client is
// about to (or already did) compute.
func (s *Server) resendChallenge(sock socket.ServerSocket, e *clientEntry) {
	ct := &netcode.ChallengeToken{ClientId: e.clientId, UserData: e.userData, ChallengeSequence: e.challenge}
	encToken, err := ct.Marshal(s.challengeKey, e.challenge)
	if err != nil {
		log.Println("server: failed to build challenge token:", err)
		return
	}
	payload := netcode.BuildChallengePayload(e.challenge, encToken)
	frame, err := netcode.EncodeEnvelope(e.crypto, s.cfg.ProtocolId, netcode.PacketChallenge, e.challenge, payload)
	if err != nil {
		log.Println("server: failed to encode challenge:", err)
		return
	}
	sock.Send(e.addr, frame)
}

// sendKeepAlive acks a Response (or its resend) once e is connected: the
// original this library follows never re-challenges a connected client.
func (s *Server) sendKeepAlive(sock socket.ServerSocket, e *clientEntry) {
	frame, err := netcode.EncodeEnvelope(e.crypto, s.cfg.ProtocolId, netcode.PacketKeepAlive, e.nextEnvelopeSeq(), nil)
	if err != nil {
		log.Println("server: failed to encode keep-alive:", err)
		return
	}
	sock.Send(e.addr, frame)
}

func (s *Server) handleKnown(sock socket.ServerSocket, e *clientEntry, data []byte) {
	typ, sequence, payload, err := netcode.DecodeEnvelope(e.crypto, s.cfg.ProtocolId, data)
	if err != nil {
		if e.state != hsConnected {
			s.handleRetriedRequest(sock, e, data)
		}
		return
	}
	if !e.replay.Accept(sequence) {
		return
	}

	switch e.state {
	case hsPendingChallenge, hsPendingResponse:
		if typ != netcode.PacketResponse {
			return
		}
		seq, encToken, err := netcode.ParseChallengePayload(payload)
		if err != nil {
			return
		}
		if seq != e.challenge {
			return
		}
		if _, err := netcode.UnmarshalChallengeToken(encToken, s.challengeKey, seq); err != nil {
			return
		}
		conn, err := lib.NewConnection(s.cfg.ConnectionConfig, s.cfg.SendChannelsConfig, s.cfg.ReceiveChannelsConfig, true, s.now)
		if err != nil {
			log.Println("server: failed to build connection:", err)
			return
		}
		e.conn = conn
		e.state = hsConnected
		s.emit(ServerEvent{Kind: EventClientConnected, ClientId: e.clientId, UserData: append([]byte(nil), e.userData[:]...)})
		s.sendKeepAlive(sock, e)

	case hsConnected:
		switch typ {
		case netcode.PacketDisconnect:
			e.conn.Disconnect(lib.ReasonDisconnectedByClient)
		case netcode.PacketKeepAlive:
			e.conn.OnReceivedLivenessPacket(s.now)
		case netcode.PacketPayload:
			if err := e.conn.ProcessPacket(payload, s.now); err != nil {
				log.Printf("server: client %d protocol error: %v", e.clientId, err)
			}
		case netcode.PacketResponse:
			// the client never saw our KeepAlive and resent its Response:
			// ack again instead of dropping it silently.
			s.sendKeepAlive(sock, e)
		}
	}
}

// handleRetriedRequest answers a resent, still-plaintext ConnectionRequest
// from an address already pending: the original Challenge (or its ack)
// was lost, so e re-sends the same challenge sequence rather than denying
// the retry as an already-used token (spec section 8's round-trip
// tolerance).
func (s *Server) handleRetriedRequest(sock socket.ServerSocket, e *clientEntry, data []byte) {
	plainCrypto := &netcode.Crypto{SkipCipher: true}
	typ, sequence, payload, err := netcode.DecodeEnvelope(plainCrypto, s.cfg.ProtocolId, data)
	if err != nil || typ != netcode.PacketConnectionRequest {
		return
	}
	if !e.replay.Accept(sequence) {
		return
	}
	tokenBytes, err := netcode.ParseConnectionRequestPayload(payload)
	if err != nil {
		return
	}
	token, err := netcode.UnmarshalConnectToken(tokenBytes, s.privateKey)
	if err != nil || token.ClientId != e.clientId {
		return
	}
	s.resendChallenge(sock, e)
}

// SendPackets flushes every connected client's outgoing channel traffic
// through its slot's socket.
func (s *Server) SendPackets() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.clients {
		if e.state != hsConnected {
			continue
		}
		sock := s.slots[e.slotIndex]
		for _, frame := range e.conn.SendPackets(s.now) {
			envelope, err := netcode.EncodeEnvelope(e.crypto, s.cfg.ProtocolId, netcode.PacketPayload, e.nextEnvelopeSeq(), frame)
			if err != nil {
				continue
			}
			sock.Send(e.addr, envelope)
		}
	}
}

// SendMessage enqueues payload on channel for one client.
func (s *Server) SendMessage(clientId uint64, channel uint8, payload []byte) error {
	s.mu.Lock()
	e, ok := s.clients[clientId]
	s.mu.Unlock()
	if !ok || e.state != hsConnected {
		return fmt.Errorf("server: unknown or unconnected client %d", clientId)
	}
	return e.conn.SendMessage(channel, payload)
}

// BroadcastMessage enqueues payload on channel for every connected
// client.
func (s *Server) BroadcastMessage(channel uint8, payload []byte) {
	s.BroadcastMessageExcept(0, false, channel, payload)
}

// BroadcastMessageExcept enqueues payload on channel for every
// connected client other than exceptId (when hasExcept is true).
func (s *Server) BroadcastMessageExcept(exceptId uint64, hasExcept bool, channel uint8, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.clients {
		if hasExcept && id == exceptId {
			continue
		}
		if e.state != hsConnected {
			continue
		}
		if err := e.conn.SendMessage(channel, payload); err != nil {
			log.Printf("server: broadcast to client %d failed: %v", id, err)
		}
	}
}

// ReceiveMessage pops the next message for one client's channel.
func (s *Server) ReceiveMessage(clientId uint64, channel uint8) ([]byte, bool) {
	s.mu.Lock()
	e, ok := s.clients[clientId]
	s.mu.Unlock()
	if !ok || e.state != hsConnected {
		return nil, false
	}
	return e.conn.ReceiveMessage(channel)
}

// Disconnect terminates one client locally and sends redundant
// Disconnect envelopes (spec section 4.2).
func (s *Server) Disconnect(clientId uint64) {
	s.mu.Lock()
	e, ok := s.clients[clientId]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.sendDisconnect(e)
	e.conn.Disconnect(lib.ReasonDisconnectedByServer)
}

// DisconnectAll terminates every connected client.
func (s *Server) DisconnectAll() {
	s.mu.Lock()
	entries := make([]*clientEntry, 0, len(s.clients))
	for _, e := range s.clients {
		entries = append(entries, e)
	}
	s.mu.Unlock()
	for _, e := range entries {
		s.sendDisconnect(e)
		if e.conn != nil {
			e.conn.Disconnect(lib.ReasonDisconnectedByServer)
		}
	}
}

func (s *Server) sendDisconnect(e *clientEntry) {
	if e.state != hsConnected {
		return
	}
	sock := s.slots[e.slotIndex]
	for i := 0; i < netcode.NumRedundantDisconnectPackets; i++ {
		frame, err := netcode.EncodeEnvelope(e.crypto, s.cfg.ProtocolId, netcode.PacketDisconnect, e.nextEnvelopeSeq(), nil)
		if err != nil {
			return
		}
		sock.Send(e.addr, frame)
	}
}

// NetworkInfo reports connection-quality figures for one client.
func (s *Server) NetworkInfo(clientId uint64) (lib.NetworkInfo, bool) {
	s.mu.Lock()
	e, ok := s.clients[clientId]
	now := s.now
	s.mu.Unlock()
	if !ok || e.state != hsConnected {
		return lib.NetworkInfo{}, false
	}
	return e.conn.NetworkInfo(now), true
}
