package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/tsproto/tsproto"
	"github.com/tsproto/tsproto/packet"
)

// IVVariant distinguishes the two handshake tracks a SharedIv can come
// from; the variant determines the scratch-buffer length keycache
// derivation uses (26 bytes of prefix+IV for ProtocolOrig, 70 for
// Protocol31).
type IVVariant int

const (
	ProtocolOrig IVVariant = iota
	Protocol31
)

// SharedIv is the handshake-derived keying material, stored already
// XOR-ed with the alpha/beta nonces — see handshake.go. It must not be
// re-XOR-ed on each use.
type SharedIv struct {
	Variant IVVariant
	Bytes   []byte
}

// NewProtocolOrigIV wraps a 20-byte legacy IV.
func NewProtocolOrigIV(b [20]byte) SharedIv {
	return SharedIv{Variant: ProtocolOrig, Bytes: append([]byte(nil), b[:]...)}
}

// NewProtocol31IV wraps a 64-byte Protocol31 IV.
func NewProtocol31IV(b [64]byte) SharedIv {
	return SharedIv{Variant: Protocol31, Bytes: append([]byte(nil), b[:]...)}
}

// CachedKey is one slot of a connection's key/nonce cache: the key and
// nonce derived for a given packet type at a given generation.
type CachedKey struct {
	Key        [KeySize]byte
	Nonce      [NonceSize]byte
	Generation uint32
	valid      bool
}

// KeyCache is the fixed 8-slot array indexed by packet type nibble. Init
// (nibble 8) has no slot: Init traffic always takes the fake-key path and
// never reaches DeriveKeyNonce; the index is rejected with ErrCryptoBackend.
type KeyCache [8]CachedKey

// DeriveKeyNonce returns the per-packet key and nonce for h, rebuilding the
// cache slot for h.Type when the requested generation differs from what's
// cached. The returned key has the high/low bytes of h.PID XOR-ed into its
// first two bytes; the cache slot itself keeps the un-XOR-ed key.
func DeriveKeyNonce(cache *KeyCache, h packet.Header, generation uint32, iv SharedIv) ([KeySize]byte, [NonceSize]byte, error) {
	slot := int(h.Type) & 0x0F
	if slot >= len(cache) {
		return [KeySize]byte{}, [NonceSize]byte{}, fmt.Errorf("derive key nonce: no cache slot for %s: %w", h.Type, tsproto.ErrCryptoBackend)
	}

	entry := &cache[slot]
	if !entry.valid || entry.Generation != generation {
		scratch := make([]byte, 6+len(iv.Bytes))
		if h.CId != nil {
			scratch[0] = 0x31
		} else {
			scratch[0] = 0x30
		}
		scratch[1] = byte(h.Type) & 0x0F
		binary.BigEndian.PutUint32(scratch[2:6], generation)
		copy(scratch[6:], iv.Bytes)

		sum := sha256.Sum256(scratch)
		copy(entry.Key[:], sum[:16])
		copy(entry.Nonce[:], sum[16:32])
		entry.Generation = generation
		entry.valid = true
	}

	key := entry.Key
	key[0] ^= byte(h.PID >> 8)
	key[1] ^= byte(h.PID & 0xff)
	return key, entry.Nonce, nil
}
