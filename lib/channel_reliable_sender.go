package lib

import (
	"sync"
	"time"
)

// outgoingRecord is one not-yet-retired reliable message. fragmented
// messages stay in the table until every fragment they were split into
// has been acked, tracked by fragmentsPending.
type outgoingRecord struct {
	payload         []byte
	lastSent        time.Duration
	sent            bool
	fragmented      bool
	fragmentsPending int
}

// reliableSender is the send-side machinery shared by ReliableUnordered
// and ReliableOrdered: assign a MessageId, retain until acked, resend
// whatever is due oldest-first (spec section 4.1).
type reliableSender struct {
	mu             sync.Mutex
	id             uint8
	maxMemory      int
	maxMessageSize int
	resendTime     time.Duration
	nextMessageId  uint16
	outgoing       map[uint16]*outgoingRecord
	order          []uint16 // send order, oldest first
	unackedBytes   int
}

func newReliableSender(id uint8, maxMemory, maxMessageSize int, resendTime time.Duration) *reliableSender {
	return &reliableSender{
		id:             id,
		maxMemory:      maxMemory,
		maxMessageSize: maxMessageSize,
		resendTime:     resendTime,
		outgoing:       make(map[uint16]*outgoingRecord),
	}
}

func (s *reliableSender) send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(payload) > s.maxMessageSize {
		return &ChannelFaultError{ChannelId: s.id, Reason: "message exceeds max message size"}
	}
	if s.unackedBytes+len(payload) > s.maxMemory {
		return &ChannelFaultError{ChannelId: s.id, Reason: "send queue out of memory"}
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)

	id := s.nextMessageId
	s.nextMessageId = SeqIncrement16(s.nextMessageId)

	s.outgoing[id] = &outgoingRecord{payload: buf}
	s.order = append(s.order, id)
	s.unackedBytes += len(buf)
	return nil
}

func (s *reliableSender) getMessagesToSend(availableBytes int, now time.Duration) []OutgoingMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	// collect ids that are due, oldest-lastSent-first.
	type due struct {
		id  uint16
		rec *outgoingRecord
	}
	var candidates []due
	remaining := s.order[:0:0]
	for _, id := range s.order {
		rec, ok := s.outgoing[id]
		if !ok {
			continue // already fully acked and retired
		}
		remaining = append(remaining, id)
		if !rec.sent || now-rec.lastSent >= s.resendTime {
			candidates = append(candidates, due{id, rec})
		}
	}
	s.order = remaining

	// stable sort by lastSent ascending (oldest due first); selection
	// count stays small in practice so a simple insertion sort is fine.
	for i := 1; i < len(candidates); i++ {
		j := i
		for j > 0 && candidates[j-1].rec.lastSent > candidates[j].rec.lastSent {
			candidates[j-1], candidates[j] = candidates[j], candidates[j-1]
			j--
		}
	}

	var out []OutgoingMessage
	for _, c := range candidates {
		if len(out) > 0 && len(c.rec.payload) > availableBytes {
			break
		}
		c.rec.lastSent = now
		c.rec.sent = true
		out = append(out, OutgoingMessage{MessageId: c.id, HasMessageId: true, Payload: c.rec.payload})
		availableBytes -= len(c.rec.payload)
		if availableBytes <= 0 {
			break
		}
	}
	return out
}

func (s *reliableSender) notifyFragmented(messageId uint16, totalFragments int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.outgoing[messageId]
	if !ok {
		return
	}
	rec.fragmented = true
	rec.fragmentsPending = totalFragments
}

func (s *reliableSender) processAck(messageId uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.outgoing[messageId]
	if !ok {
		return
	}
	if rec.fragmented {
		rec.fragmentsPending--
		if rec.fragmentsPending > 0 {
			return
		}
	}
	s.unackedBytes -= len(rec.payload)
	delete(s.outgoing, messageId)
}

func (s *reliableSender) memoryUsed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unackedBytes
}

// dedupeWindow tracks the most recent ReceivedMessageWindow message ids
// seen on a channel, rejecting duplicates (spec section 4.1).
type dedupeWindow struct {
	size    int
	seen    map[uint16]bool
	highest uint16
	hasAny  bool
}

func newDedupeWindow(size int) *dedupeWindow {
	return &dedupeWindow{size: size, seen: make(map[uint16]bool, size)}
}

// observe reports whether id is a duplicate; if not, it is recorded and
// any ids that have fallen out of the trailing window are forgotten.
func (d *dedupeWindow) observe(id uint16) (duplicate bool) {
	if d.seen[id] {
		return true
	}
	d.seen[id] = true
	if !d.hasAny || seqGreater16(id, d.highest) {
		d.highest = id
		d.hasAny = true
	}
	for old := range d.seen {
		if int(d.highest-old) > d.size {
			delete(d.seen, old)
		}
	}
	return false
}
