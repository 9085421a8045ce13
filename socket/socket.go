// Package socket defines the boundary the core calls to move raw
// datagrams, and ships one reference implementation (an in-memory pair)
// used by tests and by hosts that want to run client and server in the
// same process without touching a real network (spec section 4.6).
package socket

// ServerSocket is the server-side half of the socket trait. Every call
// is made from the server's own tick; implementations must not block.
type ServerSocket interface {
	IsReliable() bool
	IsEncrypted() bool
	PreferredPacketSize() int

	Update()
	TryRecv() (addr string, data []byte, ok bool)
	Send(addr string, data []byte)
	Disconnect(addr string)
}

// ClientSocket is the client-side half of the socket trait.
type ClientSocket interface {
	IsReliable() bool
	IsEncrypted() bool
	PreferredPacketSize() int

	Update()
	TryRecv() (data []byte, ok bool)
	Send(data []byte)
	Close()
}
