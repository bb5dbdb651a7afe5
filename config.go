package tsproto

import "time"

// Config holds the tunables of the packet-plane core. It is shared by both
// ends of a connection; client and server derive their own header size from
// whether their headers carry a client id, not from a config field.
//
// Example construction:
//
//	cfg := tsproto.DefaultConfig()
//	cfg.HashCashLevel = 10
//	if err := cfg.Validate(); err != nil { ... }
type Config struct {
	// MTU is the wire datagram size, header included. Fixed at 500 by the
	// wire format, but left overridable so the splitter's tests can probe
	// boundary behaviour without a 500-byte fixture.
	MTU uint32 `json:"mtu"`

	// CacheSlots is the size of the per-connection CachedKey array. Fixed
	// at 8 by the type-nibble indexing scheme.
	CacheSlots uint32 `json:"cacheSlots"`

	// HandshakeTimeout is the time budget for completing a handshake. The
	// conn.Registry does not read it; it reaps connections that stay in the
	// Connecting state on Resend.ConnectingTimeout.
	HandshakeTimeout time.Duration `json:"handshakeTimeout"`

	// KeepaliveInterval paces Ping/Pong traffic used to detect a dead peer.
	KeepaliveInterval time.Duration `json:"keepaliveInterval"`

	// HashCashLevel is the number of leading zero bits a client must prove
	// against its identity key before a connection is accepted.
	HashCashLevel uint8 `json:"hashCashLevel"`

	// Resend configures the per-connection Resender's retry schedule.
	Resend ResendConfig `json:"resend"`
}

// ResendConfig controls the resender's retransmit schedule and per-state
// timeout budget.
type ResendConfig struct {
	// InitialInterval is the delay before the first retransmit of an
	// unacknowledged packet.
	InitialInterval time.Duration `json:"initialInterval"`

	// BackoffMultiplier scales the interval after each retransmit.
	BackoffMultiplier float64 `json:"backoffMultiplier"`

	// MaxInterval caps the backoff so retransmits don't drift unbounded.
	MaxInterval time.Duration `json:"maxInterval"`

	// ConnectingTimeout is the connection-level timeout while the resender
	// is in the Connecting state (aggressive).
	ConnectingTimeout time.Duration `json:"connectingTimeout"`

	// ConnectedTimeout is the connection-level timeout during normal
	// operation.
	ConnectedTimeout time.Duration `json:"connectedTimeout"`

	// DisconnectingGrace bounds how long pending acks are awaited once the
	// connection starts tearing down.
	DisconnectingGrace time.Duration `json:"disconnectingGrace"`
}

// DefaultConfig returns a Config with the values this library ships with.
func DefaultConfig() *Config {
	return &Config{
		MTU:               500,
		CacheSlots:        8,
		HandshakeTimeout:  5 * time.Second,
		KeepaliveInterval: 15 * time.Second,
		HashCashLevel:     8,
		Resend:            DefaultResendConfig(),
	}
}

// DefaultResendConfig returns the resend schedule used when no override is
// supplied.
func DefaultResendConfig() ResendConfig {
	return ResendConfig{
		InitialInterval:    300 * time.Millisecond,
		BackoffMultiplier:  1.5,
		MaxInterval:        10 * time.Second,
		ConnectingTimeout:  5 * time.Second,
		ConnectedTimeout:   30 * time.Second,
		DisconnectingGrace: 2 * time.Second,
	}
}

// Validate clamps out-of-range fields to their defaults rather than
// failing; callers that need strict validation should check fields before
// calling it.
func (c *Config) Validate() error {
	if c.MTU < 64 || c.MTU > 1500 {
		c.MTU = 500
	}
	if c.CacheSlots == 0 {
		c.CacheSlots = 8
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 15 * time.Second
	}
	if c.Resend.InitialInterval <= 0 {
		c.Resend.InitialInterval = DefaultResendConfig().InitialInterval
	}
	if c.Resend.BackoffMultiplier <= 1 {
		c.Resend.BackoffMultiplier = DefaultResendConfig().BackoffMultiplier
	}
	if c.Resend.MaxInterval <= 0 {
		c.Resend.MaxInterval = DefaultResendConfig().MaxInterval
	}
	if c.Resend.ConnectingTimeout <= 0 {
		c.Resend.ConnectingTimeout = DefaultResendConfig().ConnectingTimeout
	}
	if c.Resend.ConnectedTimeout <= 0 {
		c.Resend.ConnectedTimeout = DefaultResendConfig().ConnectedTimeout
	}
	if c.Resend.DisconnectingGrace <= 0 {
		c.Resend.DisconnectingGrace = DefaultResendConfig().DisconnectingGrace
	}
	return nil
}

// BodyBudget returns the per-fragment body capacity for the given header
// size (13 for client, 11 for server), i.e. MTU minus header.
func (c *Config) BodyBudget(headerSize int) int {
	budget := int(c.MTU) - headerSize
	if budget < 1 {
		budget = 1
	}
	return budget
}
