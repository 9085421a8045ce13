package lib

import (
	"sync"
	"time"
)

// reliableUnorderedChannel retains messages until acked and resends
// whatever is due; duplicates are dropped on receive but arrival order
// is preserved as-is, with no reordering (spec section 4.1).
type reliableUnorderedChannel struct {
	*reliableSender

	mu     sync.Mutex
	recv   *dedupeWindow
	recvQ  [][]byte
}

func newReliableUnorderedChannel(id uint8, maxMemory, maxMessageSize int, resendTime time.Duration) *reliableUnorderedChannel {
	return &reliableUnorderedChannel{
		reliableSender: newReliableSender(id, maxMemory, maxMessageSize, resendTime),
		recv:           newDedupeWindow(ReceivedMessageWindow),
	}
}

func (c *reliableUnorderedChannel) ChannelId() uint8 { return c.id }

func (c *reliableUnorderedChannel) Send(payload []byte) error {
	return c.send(payload)
}

func (c *reliableUnorderedChannel) GetMessagesToSend(availableBytes int, now time.Duration) []OutgoingMessage {
	return c.getMessagesToSend(availableBytes, now)
}

func (c *reliableUnorderedChannel) NotifyFragmented(messageId uint16, totalFragments int) {
	c.notifyFragmented(messageId, totalFragments)
}

func (c *reliableUnorderedChannel) ProcessAck(messageId uint16) {
	c.processAck(messageId)
}

func (c *reliableUnorderedChannel) MemoryUsed() int {
	return c.memoryUsed()
}

func (c *reliableUnorderedChannel) ProcessMessages(messages []IncomingMessage, now time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range messages {
		if !m.HasMessageId || c.recv.observe(m.MessageId) {
			continue // duplicate, drop silently
		}
		c.recvQ = append(c.recvQ, m.Payload)
	}
	return nil
}

func (c *reliableUnorderedChannel) Receive() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.recvQ) == 0 {
		return nil, false
	}
	msg := c.recvQ[0]
	c.recvQ = c.recvQ[1:]
	return msg, true
}
