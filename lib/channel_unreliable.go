package lib

import (
	"sync"
	"time"
)

// unreliableChannel is a plain FIFO send queue with no retention, no
// dedupe and no ordering on receive (spec section 4.1).
type unreliableChannel struct {
	mu             sync.Mutex
	id             uint8
	maxMemory      int
	maxMessageSize int
	pendingBytes   int
	sendQueue      [][]byte
	recvQueue      [][]byte
}

func newUnreliableChannel(id uint8, maxMemory, maxMessageSize int) *unreliableChannel {
	return &unreliableChannel{
		id:             id,
		maxMemory:      maxMemory,
		maxMessageSize: maxMessageSize,
	}
}

func (c *unreliableChannel) ChannelId() uint8 { return c.id }

func (c *unreliableChannel) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(payload) > c.maxMessageSize {
		return &ChannelFaultError{ChannelId: c.id, Reason: "message exceeds max message size"}
	}
	if c.pendingBytes+len(payload) > c.maxMemory {
		return &ChannelFaultError{ChannelId: c.id, Reason: "send queue out of memory"}
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)
	c.sendQueue = append(c.sendQueue, buf)
	c.pendingBytes += len(buf)
	return nil
}

func (c *unreliableChannel) GetMessagesToSend(availableBytes int, now time.Duration) []OutgoingMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []OutgoingMessage
	for len(c.sendQueue) > 0 {
		msg := c.sendQueue[0]
		if len(out) > 0 && len(msg) > availableBytes {
			break
		}
		out = append(out, OutgoingMessage{Payload: msg})
		c.pendingBytes -= len(msg)
		availableBytes -= len(msg)
		c.sendQueue = c.sendQueue[1:]
		if availableBytes <= 0 {
			break
		}
	}
	return out
}

func (c *unreliableChannel) NotifyFragmented(messageId uint16, totalFragments int) {
	// unreliable messages are sent at most once; nothing to retransmit.
}

func (c *unreliableChannel) ProcessMessages(messages []IncomingMessage, now time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range messages {
		c.recvQueue = append(c.recvQueue, m.Payload)
	}
	return nil
}

func (c *unreliableChannel) ProcessAck(messageId uint16) {}

func (c *unreliableChannel) Receive() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.recvQueue) == 0 {
		return nil, false
	}
	msg := c.recvQueue[0]
	c.recvQueue = c.recvQueue[1:]
	return msg, true
}

func (c *unreliableChannel) MemoryUsed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingBytes
}
