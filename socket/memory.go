package socket

import "sync"

// MemoryTransport is a pair of non-blocking in-memory queues standing
// in for a real datagram socket (spec section 4.5: "e.g. UDP + an
// in-memory channel"). It is unreliable by default but can simulate a
// reliable, encrypted transport for exercising the socket trait's
// feature flags.
type MemoryTransport struct {
	reliable   bool
	encrypted  bool
	mtu        int
	clientAddr string

	mu       sync.Mutex
	toServer []memoryDatagram
	toClient []memoryDatagram
	closed   bool
}

type memoryDatagram struct {
	addr string
	data []byte
}

// NewMemoryTransport returns a fresh unreliable, unencrypted pair with a
// 1200-byte preferred packet size. clientAddr identifies the client side
// in the server's addr_to_client table (spec section 4.5); it must be
// unique across every MemoryTransport bound into the same slot.
func NewMemoryTransport(clientAddr string) *MemoryTransport {
	return &MemoryTransport{mtu: 1200, clientAddr: clientAddr}
}

// SetReliable marks the transport as reliable. Together with
// SetEncrypted(true) it makes the server skip envelope MAC/encryption;
// it does not turn off channel-level retransmission.
func (m *MemoryTransport) SetReliable(v bool) { m.reliable = v }

// SetEncrypted marks the transport as already encrypted. The server skips
// envelope MAC/encryption only when the transport is also reliable.
func (m *MemoryTransport) SetEncrypted(v bool) { m.encrypted = v }

// ServerSide returns the ServerSocket view of this transport. An
// in-memory transport serves exactly one client; a slot hosting several
// clients needs one MemoryTransport per client, all sharing a
// multiplexing ServerSocket — see NewMemorySlot.
func (m *MemoryTransport) ServerSide() ServerSocket {
	return &memoryServerSocket{t: m}
}

// ClientSide returns the ClientSocket view of this transport.
func (m *MemoryTransport) ClientSide() ClientSocket {
	return &memoryClientSocket{t: m}
}

type memoryServerSocket struct {
	t *MemoryTransport
}

func (s *memoryServerSocket) IsReliable() bool         { return s.t.reliable }
func (s *memoryServerSocket) IsEncrypted() bool        { return s.t.encrypted }
func (s *memoryServerSocket) PreferredPacketSize() int { return s.t.mtu }
func (s *memoryServerSocket) Update()                  {}

func (s *memoryServerSocket) TryRecv() (string, []byte, bool) {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	if len(s.t.toServer) == 0 {
		return "", nil, false
	}
	d := s.t.toServer[0]
	s.t.toServer = s.t.toServer[1:]
	return d.addr, d.data, true
}

func (s *memoryServerSocket) Send(addr string, data []byte) {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	if s.t.closed {
		return
	}
	if addr != s.t.clientAddr {
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	s.t.toClient = append(s.t.toClient, memoryDatagram{addr: addr, data: buf})
}

func (s *memoryServerSocket) Disconnect(addr string) {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.t.closed = true
}

type memoryClientSocket struct {
	t *MemoryTransport
}

func (c *memoryClientSocket) IsReliable() bool         { return c.t.reliable }
func (c *memoryClientSocket) IsEncrypted() bool        { return c.t.encrypted }
func (c *memoryClientSocket) PreferredPacketSize() int { return c.t.mtu }
func (c *memoryClientSocket) Update()                  {}

func (c *memoryClientSocket) TryRecv() ([]byte, bool) {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	if len(c.t.toClient) == 0 {
		return nil, false
	}
	d := c.t.toClient[0]
	c.t.toClient = c.t.toClient[1:]
	return d.data, true
}

func (c *memoryClientSocket) Send(data []byte) {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	if c.t.closed {
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.t.toServer = append(c.t.toServer, memoryDatagram{addr: c.t.clientAddr, data: buf})
}

func (c *memoryClientSocket) Close() {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	c.t.closed = true
}

// MemorySlot fans one ServerSocket out over several MemoryTransports,
// letting a single slot host multiple in-memory clients at once (spec
// section 4.5: "A server may own N slots ... each slot has an
// addr_to_client map").
type MemorySlot struct {
	mtu        int
	transports map[string]*MemoryTransport
}

// NewMemorySlot returns an empty slot; bind clients to it with Add.
func NewMemorySlot(mtu int) *MemorySlot {
	return &MemorySlot{mtu: mtu, transports: make(map[string]*MemoryTransport)}
}

// Add attaches a client's transport to this slot, keyed by the address
// it sends from.
func (s *MemorySlot) Add(t *MemoryTransport) {
	s.transports[t.clientAddr] = t
}

func (s *MemorySlot) IsReliable() bool         { return false }
func (s *MemorySlot) IsEncrypted() bool        { return false }
func (s *MemorySlot) PreferredPacketSize() int { return s.mtu }
func (s *MemorySlot) Update()                  {}

func (s *MemorySlot) TryRecv() (string, []byte, bool) {
	for _, t := range s.transports {
		t.mu.Lock()
		if len(t.toServer) > 0 {
			d := t.toServer[0]
			t.toServer = t.toServer[1:]
			t.mu.Unlock()
			return d.addr, d.data, true
		}
		t.mu.Unlock()
	}
	return "", nil, false
}

func (s *MemorySlot) Send(addr string, data []byte) {
	t, ok := s.transports[addr]
	if !ok {
		return
	}
	t.ServerSide().Send(addr, data)
}

func (s *MemorySlot) Disconnect(addr string) {
	if t, ok := s.transports[addr]; ok {
		t.ServerSide().Disconnect(addr)
	}
}
