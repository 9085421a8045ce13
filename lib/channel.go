package lib

import (
	"fmt"
	"time"

	"github.com/Clouded-Sabre/gonetcode/config"
)

// ChannelFaultError is returned by a channel when it hits one of the
// fault conditions shared by all channel types (spec section 4.1):
// oversize message, out-of-memory send queue, or (ReliableOrdered only)
// out-of-sync reordering gap. The connection reacts by disconnecting
// with ReasonChannelFault.
type ChannelFaultError struct {
	ChannelId uint8
	Reason    string
}

func (e *ChannelFaultError) Error() string {
	return fmt.Sprintf("channel %d fault: %s", e.ChannelId, e.Reason)
}

// OutgoingMessage is one message a channel hands to the connection
// packer. HasMessageId is false for Unreliable channels, whose wire
// encoding omits the message id (spec section 6).
type OutgoingMessage struct {
	MessageId    uint16
	HasMessageId bool
	Payload      []byte
}

// IncomingMessage is one message the connection hands to a receive
// channel after decoding a packet or completing reassembly.
type IncomingMessage struct {
	MessageId    uint16
	HasMessageId bool
	Payload      []byte
}

// Channel is the shared shape of the three delivery classes (spec
// section 4.1): send(message), receive(), get_messages_to_send,
// process_messages, process_ack.
type Channel interface {
	ChannelId() uint8

	// Send enqueues an application message for later transmission. It
	// fails with a ChannelFaultError if the message is oversized or the
	// channel is out of memory.
	Send(payload []byte) error

	// Receive pops the next message ready for the application, if any.
	Receive() ([]byte, bool)

	// GetMessagesToSend drains up to availableBytes worth of messages
	// ready to go out at `now`. A single message may be returned alone
	// even if it exceeds availableBytes; the caller (the packer) is
	// responsible for fragmenting it.
	GetMessagesToSend(availableBytes int, now time.Duration) []OutgoingMessage

	// NotifyFragmented tells a reliable sender that the message it just
	// handed to the packer was split into totalFragments wire fragments,
	// so ProcessAck should only retire it once every fragment is acked.
	// Unreliable channels ignore this.
	NotifyFragmented(messageId uint16, totalFragments int)

	// ProcessMessages folds newly-received messages into the channel's
	// receive-side state (dedup, reorder, or plain append depending on
	// channel type).
	ProcessMessages(messages []IncomingMessage, now time.Duration) error

	// ProcessAck retires a message (or one fragment of it) from the
	// outgoing retransmission table. A no-op for Unreliable channels.
	ProcessAck(messageId uint16)

	// MemoryUsed reports pending-or-unacked bytes, for spec testable
	// property 8 (memory bound).
	MemoryUsed() int
}

// NewChannel builds the concrete channel engine for a ChannelConfig.
func NewChannel(cfg config.ChannelConfig, maxMessageSize int) (Channel, error) {
	if cfg.MaxMemoryBytes <= 0 {
		return nil, fmt.Errorf("channel %d: max_memory_bytes must be positive", cfg.ChannelId)
	}
	switch cfg.SendType {
	case config.Unreliable:
		return newUnreliableChannel(cfg.ChannelId, cfg.MaxMemoryBytes, maxMessageSize), nil
	case config.ReliableUnordered:
		return newReliableUnorderedChannel(cfg.ChannelId, cfg.MaxMemoryBytes, maxMessageSize, cfg.ResendTime), nil
	case config.ReliableOrdered:
		return newReliableOrderedChannel(cfg.ChannelId, cfg.MaxMemoryBytes, maxMessageSize, cfg.ResendTime), nil
	default:
		return nil, fmt.Errorf("channel %d: unknown send type %v", cfg.ChannelId, cfg.SendType)
	}
}
