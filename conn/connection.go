// Package conn implements the per-connection dispatch table: a Connection
// ties together the handshake-derived SharedIv, the per-type key/nonce
// cache, and the generation counters that keep the two in sync across a
// 16-bit packet-id space, and exposes the Encrypt/Decrypt pair the
// egress/ingress pipelines call into. The ConnectionManager/Registry on
// top of it is the peer-address keyed lifecycle map.
package conn

import (
	"fmt"
	"net"
	"sync"

	"github.com/tsproto/tsproto/crypto"
	"github.com/tsproto/tsproto/packet"
	"github.com/tsproto/tsproto/resend"
)

// typeSlots is the size of the per-type PID and generation tables: the nine
// PacketType variants, indexed by their low nibble. The key cache itself is
// the 8-slot crypto.KeyCache.
const typeSlots = 9

// Connection holds one session's state: peer address, the session's
// immutable SharedIv, a generation counter per packet type (tracked
// independently for what we send and what we've observed received), the
// 8-slot CachedKey array, and ownership of a Resender.
//
// All mutable state here is guarded by mu, so NextPID, Encrypt and Decrypt
// may be called from the egress and ingress paths concurrently without an
// external lock.
type Connection struct {
	Addr            *net.UDPAddr
	IsClient        bool
	VoiceEncryption bool
	Resender        resend.Resender

	mu             sync.Mutex
	iv             crypto.SharedIv
	cache          crypto.KeyCache
	sendPID        [typeSlots]uint16
	sendGeneration [typeSlots]uint32
	recvGeneration [typeSlots]uint32
}

// NewConnection builds a Connection for a just-completed handshake.
// isClient selects whether this side addresses its peer with headers that
// carry CId (true for the client→server direction).
func NewConnection(addr *net.UDPAddr, iv crypto.SharedIv, isClient bool, resender resend.Resender) *Connection {
	return &Connection{
		Addr:     addr,
		IsClient: isClient,
		Resender: resender,
		iv:       iv,
	}
}

// slot returns the cache/generation index for a packet type.
func slot(t packet.PacketType) int { return int(t) & 0x0F }

// NextPID returns the next outgoing packet id for t and the generation it
// belongs to, advancing the per-type send counter. The generation advances
// whenever the 16-bit counter wraps back through zero, so key material
// refreshes every 2^16 packets.
func (c *Connection) NextPID(t packet.PacketType) (pid uint16, generation uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := slot(t)
	pid = c.sendPID[s]
	generation = c.sendGeneration[s]
	c.sendPID[s]++
	if c.sendPID[s] == 0 {
		c.sendGeneration[s]++
	}
	return pid, generation
}

// RecvGeneration returns the generation this connection currently
// believes is in effect for incoming packets of type t. The sliding-window
// heuristic that decides when to advance it on ingress lives outside this
// package; SetRecvGeneration is how it publishes its decision.
func (c *Connection) RecvGeneration(t packet.PacketType) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recvGeneration[slot(t)]
}

// SetRecvGeneration records a new receive-side generation for t.
func (c *Connection) SetRecvGeneration(t packet.PacketType, generation uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recvGeneration[slot(t)] = generation
}

// Encrypt assembles the full wire datagram for an outgoing fragment: it
// derives the per-packet key/nonce from the connection's cache, encrypts
// the body under EAX with the header meta as associated data, and writes
// the truncated tag into the header's MAC field before serialising it.
func (c *Connection) Encrypt(h packet.Header, generation uint32, plaintext []byte) ([]byte, error) {
	c.mu.Lock()
	key, nonce, err := crypto.DeriveKeyNonce(&c.cache, h, generation, c.iv)
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("encrypt %s packet: %w", h.Type, err)
	}

	tag, ciphertext, err := crypto.Encrypt(key, nonce, h.WriteMeta(), plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypt %s packet: %w", h.Type, err)
	}
	copy(h.MAC[:], tag[:crypto.WireTagSize])

	wire := h.Marshal()
	return append(wire, ciphertext...), nil
}

// EncryptFake is Encrypt's pre-handshake counterpart: it uses the
// process-wide FakeKey/FakeNonce pair instead of the connection's derived
// key so that Init traffic runs through the same code path.
func (c *Connection) EncryptFake(h packet.Header, plaintext []byte) ([]byte, error) {
	tag, ciphertext, err := crypto.EncryptFake(h.WriteMeta(), plaintext)
	if err != nil {
		return nil, fmt.Errorf("fake-encrypt %s packet: %w", h.Type, err)
	}
	copy(h.MAC[:], tag[:crypto.WireTagSize])
	return append(h.Marshal(), ciphertext...), nil
}

// Decrypt parses a wire datagram addressed to this connection, derives
// the matching key/nonce for the header's type and the supplied
// generation, and authenticates/decrypts the body. The header's CId
// presence is determined by the remote's direction — the opposite of
// c.IsClient, since a header carries CId exactly on client→server
// traffic.
func (c *Connection) Decrypt(data []byte, generation uint32) (packet.Header, []byte, error) {
	h, err := packet.Unmarshal(data, !c.IsClient)
	if err != nil {
		return packet.Header{}, nil, fmt.Errorf("decrypt datagram from %s: %w", c.Addr, err)
	}
	ciphertext := data[h.Size():]

	c.mu.Lock()
	key, nonce, err := crypto.DeriveKeyNonce(&c.cache, h, generation, c.iv)
	c.mu.Unlock()
	if err != nil {
		return h, nil, fmt.Errorf("decrypt %s packet: %w", h.Type, err)
	}

	var wireTag [crypto.WireTagSize]byte
	copy(wireTag[:], h.MAC[:crypto.WireTagSize])

	plaintext, err := crypto.Decrypt(key, nonce, h.WriteMeta(), ciphertext, wireTag)
	if err != nil {
		return h, nil, fmt.Errorf("decrypt %s packet: %w", h.Type, err)
	}
	return h, plaintext, nil
}
