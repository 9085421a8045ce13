package lib

import (
	"encoding/binary"
	"fmt"
)

// PacketType is the discriminant for the packet codec's frame kinds
// (spec section 4.2). Disconnect is handled one layer up, at the
// netcode envelope (spec section 4.4), and has no codec frame here.
type PacketType uint8

const (
	PacketSmall PacketType = iota
	PacketNormal
	PacketFragment
	PacketAckOnly
)

// packetHeaderLength is [type:1][sequence:2][ack:2][ack_bits:4].
const packetHeaderLength = 1 + 2 + 2 + 4

// messageRecordHeaderLength is [channel_id:1][has_message_id:1][message_id:2][length:2].
const messageRecordHeaderLength = 1 + 1 + 2 + 2

// fragmentHeaderLength is [channel_id:1][message_id:2][fragment_index:2][total_fragments:2][length:2].
const fragmentHeaderLength = 1 + 2 + 2 + 2 + 2

// MessageRecord is one (channel_id, message_id?, payload) entry inside a
// Small or Normal packet (spec section 6).
type MessageRecord struct {
	ChannelId    uint8
	HasMessageId bool
	MessageId    uint16
	Payload      []byte
}

func (m MessageRecord) encodedLength() int {
	return messageRecordHeaderLength + len(m.Payload)
}

// Packet is the in-memory representation of one wire frame produced by
// the connection packer (spec section 4.2).
type Packet struct {
	Type    PacketType
	Sequence uint16
	Ack      uint16
	AckBits  uint32
	Messages []MessageRecord // populated for Small (len 1) and Normal
	Fragment *Fragment       // populated for Fragment
}

// Marshal encodes p into buf, returning the number of bytes written.
func (p *Packet) Marshal(buf []byte) (int, error) {
	if len(buf) < packetHeaderLength {
		return 0, fmt.Errorf("packet: buffer too small for header")
	}
	buf[0] = uint8(p.Type)
	binary.BigEndian.PutUint16(buf[1:3], p.Sequence)
	binary.BigEndian.PutUint16(buf[3:5], p.Ack)
	binary.BigEndian.PutUint32(buf[5:9], p.AckBits)
	offset := packetHeaderLength

	switch p.Type {
	case PacketSmall, PacketNormal:
		if p.Type == PacketNormal {
			if offset+2 > len(buf) {
				return 0, fmt.Errorf("packet: buffer too small for message count")
			}
			binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(p.Messages)))
			offset += 2
		}
		for _, m := range p.Messages {
			if offset+m.encodedLength() > len(buf) {
				return 0, fmt.Errorf("packet: buffer too small for message record")
			}
			buf[offset] = m.ChannelId
			if m.HasMessageId {
				buf[offset+1] = 1
			} else {
				buf[offset+1] = 0
			}
			binary.BigEndian.PutUint16(buf[offset+2:offset+4], m.MessageId)
			binary.BigEndian.PutUint16(buf[offset+4:offset+6], uint16(len(m.Payload)))
			offset += messageRecordHeaderLength
			copy(buf[offset:], m.Payload)
			offset += len(m.Payload)
		}
	case PacketFragment:
		if p.Fragment == nil {
			return 0, fmt.Errorf("packet: fragment packet missing fragment record")
		}
		f := p.Fragment
		if offset+fragmentHeaderLength+len(f.Data) > len(buf) {
			return 0, fmt.Errorf("packet: buffer too small for fragment")
		}
		buf[offset] = f.ChannelId
		binary.BigEndian.PutUint16(buf[offset+1:offset+3], f.MessageId)
		binary.BigEndian.PutUint16(buf[offset+3:offset+5], f.FragmentIndex)
		binary.BigEndian.PutUint16(buf[offset+5:offset+7], f.TotalFragments)
		binary.BigEndian.PutUint16(buf[offset+7:offset+9], uint16(len(f.Data)))
		offset += fragmentHeaderLength
		copy(buf[offset:], f.Data)
		offset += len(f.Data)
	case PacketAckOnly:
		// no body
	default:
		return 0, fmt.Errorf("packet: unknown packet type %d", p.Type)
	}

	return offset, nil
}

// Unmarshal decodes a wire frame into p. Unknown discriminants and
// truncated frames are reported as errors rather than panics (spec
// section 7: "no panics on remote input").
func (p *Packet) Unmarshal(data []byte) error {
	if len(data) < packetHeaderLength {
		return fmt.Errorf("packet: frame too short (%d bytes)", len(data))
	}
	p.Type = PacketType(data[0])
	p.Sequence = binary.BigEndian.Uint16(data[1:3])
	p.Ack = binary.BigEndian.Uint16(data[3:5])
	p.AckBits = binary.BigEndian.Uint32(data[5:9])
	offset := packetHeaderLength
	p.Messages = nil
	p.Fragment = nil

	switch p.Type {
	case PacketSmall:
		m, n, err := decodeMessageRecord(data[offset:])
		if err != nil {
			return err
		}
		offset += n
		p.Messages = []MessageRecord{m}
	case PacketNormal:
		if offset+2 > len(data) {
			return fmt.Errorf("packet: truncated message count")
		}
		count := int(binary.BigEndian.Uint16(data[offset : offset+2]))
		offset += 2
		p.Messages = make([]MessageRecord, 0, count)
		for i := 0; i < count; i++ {
			m, n, err := decodeMessageRecord(data[offset:])
			if err != nil {
				return err
			}
			offset += n
			p.Messages = append(p.Messages, m)
		}
	case PacketFragment:
		f, err := decodeFragment(data[offset:])
		if err != nil {
			return err
		}
		p.Fragment = f
	case PacketAckOnly:
		// no body
	default:
		return fmt.Errorf("packet: unknown packet type discriminant %d", p.Type)
	}
	return nil
}

func decodeMessageRecord(data []byte) (MessageRecord, int, error) {
	if len(data) < messageRecordHeaderLength {
		return MessageRecord{}, 0, fmt.Errorf("packet: truncated message record header")
	}
	m := MessageRecord{
		ChannelId:    data[0],
		HasMessageId: data[1] != 0,
		MessageId:    binary.BigEndian.Uint16(data[2:4]),
	}
	length := int(binary.BigEndian.Uint16(data[4:6]))
	if messageRecordHeaderLength+length > len(data) {
		return MessageRecord{}, 0, fmt.Errorf("packet: truncated message payload")
	}
	m.Payload = make([]byte, length)
	copy(m.Payload, data[messageRecordHeaderLength:messageRecordHeaderLength+length])
	return m, messageRecordHeaderLength + length, nil
}

func decodeFragment(data []byte) (*Fragment, error) {
	if len(data) < fragmentHeaderLength {
		return nil, fmt.Errorf("packet: truncated fragment header")
	}
	f := &Fragment{
		ChannelId:      data[0],
		MessageId:      binary.BigEndian.Uint16(data[1:3]),
		FragmentIndex:  binary.BigEndian.Uint16(data[3:5]),
		TotalFragments: binary.BigEndian.Uint16(data[5:7]),
	}
	length := int(binary.BigEndian.Uint16(data[7:9]))
	if fragmentHeaderLength+length > len(data) {
		return nil, fmt.Errorf("packet: truncated fragment data")
	}
	f.Data = make([]byte, length)
	copy(f.Data, data[fragmentHeaderLength:fragmentHeaderLength+length])
	return f, nil
}
