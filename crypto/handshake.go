package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha512"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"github.com/tsproto/tsproto"
)

// GenerateP256KeyPair creates an ephemeral P-256 key pair for the legacy
// handshake track, using the modern stdlib crypto/ecdh API rather than the
// older crypto/elliptic + manual scalar-mult pattern.
func GenerateP256KeyPair() (*ecdh.PrivateKey, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate p256 key: %v: %w", err, tsproto.ErrCryptoBackend)
	}
	return priv, nil
}

// ComputeIVMac derives the legacy (P-256) SharedIv and its MAC.
//
//  1. ECDH shared secret over P-256.
//  2. shared_iv = SHA-1(secret) — 20 bytes.
//  3. XOR alpha into bytes[0:10], beta into bytes[10:20].
//  4. shared_mac = SHA-1(shared_iv)[:8].
//
// The returned SharedIv is already XOR-ed; callers must not XOR it again.
func ComputeIVMac(alpha, beta [10]byte, ourKey *ecdh.PrivateKey, otherKey *ecdh.PublicKey) ([20]byte, [8]byte, error) {
	secret, err := ourKey.ECDH(otherKey)
	if err != nil {
		return [20]byte{}, [8]byte{}, fmt.Errorf("p256 ecdh: %v: %w", err, tsproto.ErrCryptoBackend)
	}

	digest := sha1.Sum(secret)
	var sharedIv [20]byte
	copy(sharedIv[:], digest[:])
	for i := 0; i < 10; i++ {
		sharedIv[i] ^= alpha[i]
	}
	for i := 0; i < 10; i++ {
		sharedIv[10+i] ^= beta[i]
	}

	macDigest := sha1.Sum(sharedIv[:])
	var sharedMac [8]byte
	copy(sharedMac[:], macDigest[:8])

	return sharedIv, sharedMac, nil
}

// Protocol31PrivateKey is a clamped X25519 scalar standing in for the
// Ed25519-edge private key the newer handshake track uses.
type Protocol31PrivateKey [32]byte

// Protocol31PublicPoint is the peer's point on the Montgomery form of the
// Edwards curve (the "edge" of the Ed25519 curve X25519 operates on).
type Protocol31PublicPoint [32]byte

// GenerateProtocol31KeyPair creates an ephemeral key pair for the newer
// handshake track, applying the standard Curve25519 scalar clamping.
func GenerateProtocol31KeyPair() (Protocol31PrivateKey, Protocol31PublicPoint, error) {
	var priv Protocol31PrivateKey
	if _, err := rand.Read(priv[:]); err != nil {
		return priv, Protocol31PublicPoint{}, fmt.Errorf("read key randomness: %v: %w", err, tsproto.ErrCryptoBackend)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, Protocol31PublicPoint{}, fmt.Errorf("curve25519 basepoint mult: %v: %w", err, tsproto.ErrCryptoBackend)
	}
	var pubArr Protocol31PublicPoint
	copy(pubArr[:], pub)
	return priv, pubArr, nil
}

// ComputeIVMac31 derives the newer (Ed25519/X25519-edge) SharedIv and its
// MAC.
//
//  1. Diffie-Hellman shared point, reduced to its byte secret.
//  2. shared_iv = SHA-512(secret) — 64 bytes.
//  3. XOR alpha into bytes[0:10], beta into bytes[10:64].
//  4. shared_mac = SHA-1(shared_iv)[:8].
func ComputeIVMac31(alpha [10]byte, beta [54]byte, ourKey Protocol31PrivateKey, otherPoint Protocol31PublicPoint) ([64]byte, [8]byte, error) {
	secret, err := curve25519.X25519(ourKey[:], otherPoint[:])
	if err != nil {
		return [64]byte{}, [8]byte{}, fmt.Errorf("curve25519 ecdh: %v: %w", err, tsproto.ErrCryptoBackend)
	}

	sharedIv := xorSharedIV31(sha512.Sum512(secret), alpha, beta)

	macDigest := sha1.Sum(sharedIv[:])
	var sharedMac [8]byte
	copy(sharedMac[:], macDigest[:8])

	return sharedIv, sharedMac, nil
}

// xorSharedIV31 applies step 3 of the Protocol31 derivation: XOR alpha into
// the first 10 bytes of the raw SHA-512 digest and beta into the
// remaining 54.
func xorSharedIV31(digest [64]byte, alpha [10]byte, beta [54]byte) [64]byte {
	sharedIv := digest
	for i := 0; i < 10; i++ {
		sharedIv[i] ^= alpha[i]
	}
	for i := 0; i < 54; i++ {
		sharedIv[10+i] ^= beta[i]
	}
	return sharedIv
}
