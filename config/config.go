// Package config holds the tunables for the channel, connection and
// netcode layers. Every struct here has a DefaultXConfig constructor and
// can additionally be loaded from a YAML file, matching the way the
// original Pseudo-TCP test harnesses load their settings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// SendType selects the delivery class of a channel, as described in
// spec section 3 (ChannelConfig).
type SendType int

const (
	Unreliable SendType = iota
	ReliableUnordered
	ReliableOrdered
)

func (s SendType) String() string {
	switch s {
	case Unreliable:
		return "Unreliable"
	case ReliableUnordered:
		return "ReliableUnordered"
	case ReliableOrdered:
		return "ReliableOrdered"
	default:
		return "Unknown"
	}
}

// ChannelConfig is one entry of a send- or receive-channel list. The same
// ChannelId may legitimately appear in both lists with different
// settings; the two lists are independent.
type ChannelConfig struct {
	ChannelId      uint8         `yaml:"channel_id"`
	MaxMemoryBytes int           `yaml:"max_memory_bytes"`
	SendType       SendType      `yaml:"send_type"`
	ResendTime     time.Duration `yaml:"resend_time"` // only meaningful for the two reliable send types
}

// DefaultChannelConfig returns a single Unreliable channel with the given
// id and a generous memory cap; used as a minimal starting point by tests.
func DefaultChannelConfig(id uint8) ChannelConfig {
	return ChannelConfig{
		ChannelId:      id,
		MaxMemoryBytes: 5 * 1024 * 1024,
		SendType:       Unreliable,
	}
}

// DefaultChannelConfigs returns the three-channel layout most games start
// from: an unreliable channel for frequent state, a reliable-ordered
// channel for events that must preserve order, and a reliable-unordered
// channel for commands that need delivery but not ordering.
func DefaultChannelConfigs() []ChannelConfig {
	return []ChannelConfig{
		{ChannelId: 0, MaxMemoryBytes: 5 * 1024 * 1024, SendType: Unreliable},
		{ChannelId: 1, MaxMemoryBytes: 5 * 1024 * 1024, SendType: ReliableOrdered, ResendTime: 100 * time.Millisecond},
		{ChannelId: 2, MaxMemoryBytes: 5 * 1024 * 1024, SendType: ReliableUnordered, ResendTime: 100 * time.Millisecond},
	}
}

// ConnectionConfig bounds the shared machinery every Connection owns:
// the packet budget, fragmentation limits and liveness timeout.
type ConnectionConfig struct {
	MaxPacketSize         int           `yaml:"max_packet_size"`          // MTU respected by the packer
	MaxFragmentSize       int           `yaml:"max_fragment_size"`        // bytes per fragment (F)
	MaxFragments          int           `yaml:"max_fragments"`            // fragments per message
	SmallMessageThreshold int           `yaml:"small_message_threshold"`  // Small vs Normal packet cutoff
	AckOnlyInterval       time.Duration `yaml:"ack_only_interval"`        // spec: >= 100ms with nothing else to send
	SentPacketRecordTTL   time.Duration `yaml:"sent_packet_record_ttl"`   // spec: ~1s
	SentPacketRecordCap   int           `yaml:"sent_packet_record_cap"`   // spec: ~1024
	FragmentReassemblyTTL time.Duration `yaml:"fragment_reassembly_ttl"`  // spec: 5s
	TimeoutSeconds        float64       `yaml:"timeout_seconds"`          // spec default: 15s
	MaxPacketsPerTick     int           `yaml:"max_packets_per_tick"`     // packer drain cap per SendPackets call
}

func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		MaxPacketSize:         1200,
		MaxFragmentSize:       1024,
		MaxFragments:          256,
		SmallMessageThreshold: 256,
		AckOnlyInterval:       100 * time.Millisecond,
		SentPacketRecordTTL:   time.Second,
		SentPacketRecordCap:   1024,
		FragmentReassemblyTTL: 5 * time.Second,
		TimeoutSeconds:        15,
		MaxPacketsPerTick:     64,
	}
}

func (c ConnectionConfig) MaxMessageSize() int {
	return c.MaxFragments * c.MaxFragmentSize
}

// ServerConfig configures a netcode Server: the set of channels every
// connected client gets, plus protocol/capacity guards enforced during
// the handshake. BoundAddresses lists the address(es) this server
// answers to; a ConnectToken that doesn't list one of them is rejected
// (spec section 4.5 step 2: "validates ... that the server's own
// address is listed").
type ServerConfig struct {
	ProtocolId            uint64           `yaml:"protocol_id"`
	MaxClients            int              `yaml:"max_clients"`
	BoundAddresses        []string         `yaml:"bound_addresses"`
	SendChannelsConfig    []ChannelConfig  `yaml:"send_channels"`
	ReceiveChannelsConfig []ChannelConfig  `yaml:"receive_channels"`
	ConnectionConfig      ConnectionConfig `yaml:"connection"`
}

func DefaultServerConfig(protocolId uint64) ServerConfig {
	return ServerConfig{
		ProtocolId:            protocolId,
		MaxClients:            64,
		SendChannelsConfig:    DefaultChannelConfigs(),
		ReceiveChannelsConfig: DefaultChannelConfigs(),
		ConnectionConfig:      DefaultConnectionConfig(),
	}
}

// ClientConfig configures a netcode Client. HasReliableSocket and
// HasEncryptedSocket mirror the socket trait's is_reliable()/
// is_encrypted() capability flags (spec section 4.6) so the client can
// decide at construction whether the netcode envelope needs a MAC.
type ClientConfig struct {
	ProtocolId            uint64          `yaml:"protocol_id"`
	SendChannelsConfig    []ChannelConfig `yaml:"send_channels"`
	ReceiveChannelsConfig []ChannelConfig `yaml:"receive_channels"`
	ConnectionConfig      ConnectionConfig `yaml:"connection"`
	HasReliableSocket     bool            `yaml:"has_reliable_socket"`
	HasEncryptedSocket    bool            `yaml:"has_encrypted_socket"`
}

func DefaultClientConfig(protocolId uint64) ClientConfig {
	return ClientConfig{
		ProtocolId:            protocolId,
		SendChannelsConfig:    DefaultChannelConfigs(),
		ReceiveChannelsConfig: DefaultChannelConfigs(),
		ConnectionConfig:      DefaultConnectionConfig(),
	}
}

// ValidateChannelConfigs enforces spec section 7's Configuration error
// class: duplicate channel ids or a zero memory budget must fail at
// construction time, never surface later as a runtime fault.
func ValidateChannelConfigs(channels []ChannelConfig) error {
	seen := make(map[uint8]bool, len(channels))
	for _, ch := range channels {
		if seen[ch.ChannelId] {
			return fmt.Errorf("config: duplicate channel id %d", ch.ChannelId)
		}
		seen[ch.ChannelId] = true
		if ch.MaxMemoryBytes <= 0 {
			return fmt.Errorf("config: channel %d has non-positive max_memory_bytes", ch.ChannelId)
		}
	}
	return nil
}

// LoadServerConfig reads a YAML file into a ServerConfig, the same way
// the Pseudo-TCP test harnesses load their protocol settings.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig(0)
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// LoadClientConfig reads a YAML file into a ClientConfig.
func LoadClientConfig(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig(0)
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}
