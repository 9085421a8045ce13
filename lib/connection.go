package lib

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/Clouded-Sabre/gonetcode/config"
)

// NetworkInfo reports the connection-quality figures exposed through the
// public API (spec section 6).
type NetworkInfo struct {
	RttMs                  float64
	PacketLoss             float64
	BytesSentPerSecond     float64
	BytesReceivedPerSecond float64
}

type pendingFragmentation struct {
	fragments []Fragment
	next      int
}

// Connection owns one set of send/receive channels plus the sequence/ack
// engine and reassembly table (spec section 3). It is driven entirely by
// its owner's tick: Update advances time-based bookkeeping, SendPackets
// drains channels into wire frames, ProcessPacket dispatches an inbound
// frame. There is no internal goroutine; one mutex guards the connection
// and stays held while it calls into its channels, matching the
// single-threaded cooperative model of spec section 5.
type Connection struct {
	mu sync.Mutex

	cfg      config.ConnectionConfig
	isServer bool // role, used to pick the right DisconnectReason on a peer Disconnect

	state            ConnectionState
	disconnectReason DisconnectReason

	sendChannels   map[uint8]Channel
	sendChannelIds []uint8
	recvChannels   map[uint8]Channel

	nextSequence uint16
	sentWindow   *SentPacketWindow
	recvTracker  *ReceivedSequenceTracker
	reassembler  *Reassembler

	rtt           *RttEstimator
	sentBandwidth *BandwidthEstimator
	recvBandwidth *BandwidthEstimator
	loss          *PacketLossEstimator

	pendingFragment    *pendingFragmentation
	lastPacketSent     time.Duration
	hasSentAnyPacket   bool
	lastPacketReceived time.Duration
}

// NewConnection builds a Connection from independent send/receive channel
// configuration lists (spec section 3: "send-channel configurations and
// receive-channel configurations are independent lists").
func NewConnection(cfg config.ConnectionConfig, sendChannels, recvChannels []config.ChannelConfig, isServer bool, now time.Duration) (*Connection, error) {
	if err := config.ValidateChannelConfigs(sendChannels); err != nil {
		return nil, err
	}
	if err := config.ValidateChannelConfigs(recvChannels); err != nil {
		return nil, err
	}

	c := &Connection{
		cfg:                cfg,
		isServer:           isServer,
		state:              StateConnecting,
		sendChannels:       make(map[uint8]Channel),
		recvChannels:       make(map[uint8]Channel),
		sentWindow:         NewSentPacketWindow(cfg.SentPacketRecordCap, cfg.SentPacketRecordTTL),
		recvTracker:        NewReceivedSequenceTracker(),
		reassembler:        NewReassembler(cfg.MaxFragmentSize, cfg.MaxFragments, cfg.FragmentReassemblyTTL),
		rtt:                NewRttEstimator(),
		sentBandwidth:      NewBandwidthEstimator(time.Second),
		recvBandwidth:      NewBandwidthEstimator(time.Second),
		loss:               NewPacketLossEstimator(time.Second),
		lastPacketReceived: now,
	}

	maxMsg := cfg.MaxMessageSize()
	for _, sc := range sendChannels {
		ch, err := NewChannel(sc, maxMsg)
		if err != nil {
			return nil, err
		}
		c.sendChannels[sc.ChannelId] = ch
		c.sendChannelIds = append(c.sendChannelIds, sc.ChannelId)
	}
	sort.Slice(c.sendChannelIds, func(i, j int) bool { return c.sendChannelIds[i] < c.sendChannelIds[j] })

	for _, rc := range recvChannels {
		ch, err := NewChannel(rc, maxMsg)
		if err != nil {
			return nil, err
		}
		c.recvChannels[rc.ChannelId] = ch
	}

	return c, nil
}

func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) DisconnectReason() DisconnectReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnectReason
}

// fault transitions the connection to Disconnected with reason, unless
// it already has a terminal state. All subsequent channel/packer
// operations become no-ops (spec section 4.2).
func (c *Connection) fault(reason DisconnectReason) {
	if c.state == StateDisconnected {
		return
	}
	c.state = StateDisconnected
	c.disconnectReason = reason
	log.Printf("connection: disconnected, reason=%s", reason)
}

// Disconnect is called by the owning Server/Client when the local side
// decides to terminate the connection on purpose.
func (c *Connection) Disconnect(reason DisconnectReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fault(reason)
}

// SendMessage enqueues an application message on the named send channel.
// A channel fault here disconnects the whole connection, per spec
// section 4.1.
func (c *Connection) SendMessage(channelId uint8, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisconnected {
		return fmt.Errorf("connection: send on disconnected connection")
	}
	ch, ok := c.sendChannels[channelId]
	if !ok {
		return fmt.Errorf("connection: no send channel %d", channelId)
	}
	if err := ch.Send(payload); err != nil {
		c.fault(ReasonChannelFault)
		return err
	}
	return nil
}

// ReceiveMessage pops the next message delivered on the named receive
// channel. No-op (returns false) once Disconnected, per spec testable
// property 3.
func (c *Connection) ReceiveMessage(channelId uint8) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisconnected {
		return nil, false
	}
	ch, ok := c.recvChannels[channelId]
	if !ok {
		return nil, false
	}
	return ch.Receive()
}

// Update advances time-based bookkeeping: liveness timeout, sent-record
// expiry (loss accounting) and reassembly-set expiry.
func (c *Connection) Update(now time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisconnected {
		return
	}
	if c.cfg.TimeoutSeconds > 0 {
		timeout := time.Duration(c.cfg.TimeoutSeconds * float64(time.Second))
		if now-c.lastPacketReceived > timeout {
			c.fault(ReasonTimeout)
			return
		}
	}
	expired := c.sentWindow.ExpireOlderThan(now, c.cfg.SentPacketRecordTTL)
	if len(expired) > 0 {
		c.loss.RecordExpired(now, expired)
	}
	c.reassembler.ExpireOld(now)
}

// maxPacketPayload is the largest inline (non-fragmented) payload that
// fits a packet's smallest possible envelope (one message record).
func (c *Connection) maxPacketPayload() int {
	budget := c.cfg.MaxPacketSize - packetHeaderLength - messageRecordHeaderLength
	if budget < 0 {
		return 0
	}
	return budget
}

// SendPackets drains ready channel output into wire frames, per spec
// section 4.2's packer: channels are visited lowest-id first, messages
// are greedily packed under the MTU budget, and an oversized message is
// broken into its own run of Fragment packets. It returns marshalled
// frame bytes ready for the netcode envelope.
func (c *Connection) SendPackets(now time.Duration) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisconnected {
		return nil
	}

	var out [][]byte
	for i := 0; i < c.cfg.MaxPacketsPerTick; i++ {
		pkt := c.buildNextPacket(now)
		if pkt == nil {
			break
		}
		pkt.Sequence = c.nextSequence
		c.nextSequence = SeqIncrement16(c.nextSequence)
		pkt.Ack, pkt.AckBits = c.recvTracker.BuildAck()

		el, scratch := getScratchBuffer()
		n, err := pkt.Marshal(scratch)
		if err != nil {
			putScratchBuffer(el)
			log.Println("connection: failed to marshal outgoing packet:", err)
			continue
		}
		frame := make([]byte, n)
		copy(frame, scratch[:n])
		putScratchBuffer(el)

		c.recordSent(pkt, now, n)
		out = append(out, frame)
	}
	return out
}

func (c *Connection) recordSent(pkt *Packet, now time.Duration, size int) {
	var refs []ChannelMessageRef
	switch pkt.Type {
	case PacketSmall, PacketNormal:
		for _, m := range pkt.Messages {
			if m.HasMessageId {
				refs = append(refs, ChannelMessageRef{ChannelId: m.ChannelId, MessageId: m.MessageId, HasId: true})
			}
		}
	case PacketFragment:
		refs = []ChannelMessageRef{{ChannelId: pkt.Fragment.ChannelId, MessageId: pkt.Fragment.MessageId, HasId: true}}
	}
	c.sentWindow.Add(&SentPacketRecord{Sequence: pkt.Sequence, SendTime: now, Entries: refs, SizeBytes: size})
	c.sentBandwidth.RecordSample(now, size)
	c.loss.RecordSent(now, 1)
	c.lastPacketSent = now
	c.hasSentAnyPacket = true
}

// buildNextPacket implements one iteration of the packer. It returns nil
// when there is nothing left to send this tick.
func (c *Connection) buildNextPacket(now time.Duration) *Packet {
	if c.pendingFragment != nil {
		return c.nextFragmentPacket()
	}

	budget := c.maxPacketPayload()
	var records []MessageRecord

outer:
	for _, id := range c.sendChannelIds {
		if budget <= 0 {
			break
		}
		ch := c.sendChannels[id]
		msgs := ch.GetMessagesToSend(budget, now)
		for _, m := range msgs {
			recordLen := messageRecordHeaderLength + len(m.Payload)
			if recordLen > c.maxPacketPayload() {
				frags := SplitIntoFragments(id, m.MessageId, m.Payload, c.cfg.MaxFragmentSize)
				ch.NotifyFragmented(m.MessageId, len(frags))
				c.pendingFragment = &pendingFragmentation{fragments: frags}
				break outer
			}
			records = append(records, MessageRecord{
				ChannelId:    id,
				HasMessageId: m.HasMessageId,
				MessageId:    m.MessageId,
				Payload:      m.Payload,
			})
			budget -= recordLen
			if budget <= 0 {
				break
			}
		}
	}

	if len(records) == 0 {
		if c.pendingFragment != nil {
			return c.nextFragmentPacket()
		}
		if c.shouldSendAckOnly(now) {
			return &Packet{Type: PacketAckOnly}
		}
		return nil
	}
	if len(records) == 1 && len(records[0].Payload) <= c.cfg.SmallMessageThreshold {
		return &Packet{Type: PacketSmall, Messages: records}
	}
	return &Packet{Type: PacketNormal, Messages: records}
}

func (c *Connection) nextFragmentPacket() *Packet {
	pf := c.pendingFragment
	f := pf.fragments[pf.next]
	pf.next++
	if pf.next >= len(pf.fragments) {
		c.pendingFragment = nil
	}
	return &Packet{Type: PacketFragment, Fragment: &f}
}

// shouldSendAckOnly reports whether the packer emits an AckOnly frame:
// before the first packet has gone out, and whenever nothing has been
// sent for AckOnlyInterval. It does not check whether anything new has
// been received that needs acknowledging.
func (c *Connection) shouldSendAckOnly(now time.Duration) bool {
	if !c.hasSentAnyPacket {
		return true
	}
	return now-c.lastPacketSent >= c.cfg.AckOnlyInterval
}

// ProcessPacket decodes and dispatches one inbound frame (already
// decrypted and replay-checked by the netcode envelope layer). It is a
// no-op once Disconnected, per spec testable property 3.
func (c *Connection) ProcessPacket(data []byte, now time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisconnected {
		return nil
	}

	pkt := &Packet{}
	if err := pkt.Unmarshal(data); err != nil {
		return fmt.Errorf("connection: malformed packet: %w", err)
	}

	c.lastPacketReceived = now
	if c.state == StateConnecting {
		c.state = StateConnected
	}

	c.recvTracker.OnReceivedSequence(pkt.Sequence)
	c.recvBandwidth.RecordSample(now, len(data))

	acked := c.sentWindow.ProcessAck(pkt.Ack, pkt.AckBits)
	for _, rec := range acked {
		c.rtt.Update(now - rec.SendTime)
		for _, ref := range rec.Entries {
			if ch, ok := c.sendChannels[ref.ChannelId]; ok {
				ch.ProcessAck(ref.MessageId)
			}
		}
	}

	switch pkt.Type {
	case PacketAckOnly:
		// nothing further to do
	case PacketSmall, PacketNormal:
		for _, m := range pkt.Messages {
			ch, ok := c.recvChannels[m.ChannelId]
			if !ok {
				continue
			}
			if err := ch.ProcessMessages([]IncomingMessage{{MessageId: m.MessageId, HasMessageId: m.HasMessageId, Payload: m.Payload}}, now); err != nil {
				c.fault(ReasonChannelFault)
				return err
			}
		}
	case PacketFragment:
		f := pkt.Fragment
		complete, done, err := c.reassembler.AddFragment(now, *f)
		if err != nil {
			c.fault(ReasonChannelFault)
			return err
		}
		if done {
			if ch, ok := c.recvChannels[f.ChannelId]; ok {
				if err := ch.ProcessMessages([]IncomingMessage{{MessageId: f.MessageId, HasMessageId: true, Payload: complete}}, now); err != nil {
					c.fault(ReasonChannelFault)
					return err
				}
			}
		}
	default:
		return fmt.Errorf("connection: unknown packet type %d", pkt.Type)
	}
	return nil
}

// NetworkInfo reports the figures exposed through the public API.
func (c *Connection) NetworkInfo(now time.Duration) NetworkInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return NetworkInfo{
		RttMs:                  float64(c.rtt.Value()) / float64(time.Millisecond),
		PacketLoss:             c.loss.Loss(now),
		BytesSentPerSecond:     c.sentBandwidth.BytesPerSecond(now),
		BytesReceivedPerSecond: c.recvBandwidth.BytesPerSecond(now),
	}
}

// OnReceivedLivenessPacket is used by the netcode layer to keep the
// connection's timeout clock alive even for frames that carry no inner
// channel packet (e.g. a netcode KeepAlive).
func (c *Connection) OnReceivedLivenessPacket(now time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPacketReceived = now
}

// PeerDisconnectReason returns the reason to record when the remote side
// signals Disconnect, which depends on which role we are.
func (c *Connection) PeerDisconnectReason() DisconnectReason {
	if c.isServer {
		return ReasonDisconnectedByClient
	}
	return ReasonDisconnectedByServer
}
