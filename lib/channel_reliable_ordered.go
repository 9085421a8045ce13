package lib

import (
	"sync"
	"time"
)

// reliableOrderedChannel shares ReliableUnordered's send side and adds a
// reorder buffer on receive: the next-expected id advances only once it
// has actually arrived, then yields the contiguous run that follows
// (spec section 4.1). A gap wider than the window is a channel fault
// ("channel out of sync").
type reliableOrderedChannel struct {
	*reliableSender

	mu           sync.Mutex
	nextExpected uint16
	buffer       map[uint16][]byte
	recvQ        [][]byte
	window       int
}

func newReliableOrderedChannel(id uint8, maxMemory, maxMessageSize int, resendTime time.Duration) *reliableOrderedChannel {
	return &reliableOrderedChannel{
		reliableSender: newReliableSender(id, maxMemory, maxMessageSize, resendTime),
		buffer:         make(map[uint16][]byte),
		window:         ReceivedMessageWindow,
	}
}

func (c *reliableOrderedChannel) ChannelId() uint8 { return c.id }

func (c *reliableOrderedChannel) Send(payload []byte) error {
	return c.send(payload)
}

func (c *reliableOrderedChannel) GetMessagesToSend(availableBytes int, now time.Duration) []OutgoingMessage {
	return c.getMessagesToSend(availableBytes, now)
}

func (c *reliableOrderedChannel) NotifyFragmented(messageId uint16, totalFragments int) {
	c.notifyFragmented(messageId, totalFragments)
}

func (c *reliableOrderedChannel) ProcessAck(messageId uint16) {
	c.processAck(messageId)
}

func (c *reliableOrderedChannel) MemoryUsed() int {
	return c.memoryUsed()
}

func (c *reliableOrderedChannel) ProcessMessages(messages []IncomingMessage, now time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, m := range messages {
		if !m.HasMessageId {
			continue
		}

		if seqGreater16(c.nextExpected, m.MessageId) {
			continue // already delivered, duplicate/late resend
		}
		if _, dup := c.buffer[m.MessageId]; dup {
			continue
		}

		gap := int(m.MessageId - c.nextExpected)
		if gap >= c.window {
			return &ChannelFaultError{ChannelId: c.id, Reason: "reorder window exceeded: channel out of sync"}
		}

		c.buffer[m.MessageId] = m.Payload
	}

	for {
		payload, ok := c.buffer[c.nextExpected]
		if !ok {
			break
		}
		delete(c.buffer, c.nextExpected)
		c.recvQ = append(c.recvQ, payload)
		c.nextExpected = SeqIncrement16(c.nextExpected)
	}
	return nil
}

func (c *reliableOrderedChannel) Receive() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.recvQ) == 0 {
		return nil, false
	}
	msg := c.recvQ[0]
	c.recvQ = c.recvQ[1:]
	return msg, true
}
