package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"fmt"

	"github.com/tsproto/tsproto"
)

// TagSize is the full EAX tag length; only the first WireTagSize bytes of
// it travel on the wire, in the header's MAC field.
const (
	TagSize     = 16
	WireTagSize = 8
	KeySize     = 16
	NonceSize   = 16
)

// FakeKey and FakeNonce are the process-wide constants used for
// pre-handshake "fake-encrypted" packets (Init and friends), so that even
// pre-handshake traffic goes through the same AEAD code path. Every
// TeamSpeak3-compatible peer hardcodes this exact pair; read together the
// two halves spell a Windows path.
var (
	FakeKey   = [KeySize]byte{'c', ':', '\\', 'w', 'i', 'n', 'd', 'o', 'w', 's', '\\', 's', 'y', 's', 't', 'e'}
	FakeNonce = [NonceSize]byte{'m', '\\', 'f', 'i', 'r', 'e', 'w', 'a', 'l', 'l', '3', '2', '.', 'c', 'p', 'l'}
)

// tweakBlock builds the single 16-byte block that domain-separates EAX's
// three OMAC invocations (t = 0 for the nonce, 1 for the header, 2 for the
// ciphertext).
func tweakBlock(t byte) [16]byte {
	var b [16]byte
	b[15] = t
	return b
}

func omac(block cipher.Block, t byte, msg []byte) [16]byte {
	tb := tweakBlock(t)
	full := make([]byte, 16+len(msg))
	copy(full, tb[:])
	copy(full[16:], msg)
	return cmac(block, full)
}

// Encrypt implements EAX-mode encryption: AES-128 CTR for confidentiality,
// three CMAC(AES-128) invocations combined by XOR for the tag. Returns the
// full 16-byte tag (callers write only its first 8 bytes to the wire) and
// the ciphertext, which is the same length as plaintext.
func Encrypt(key [KeySize]byte, nonce [NonceSize]byte, aad, plaintext []byte) ([TagSize]byte, []byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return [TagSize]byte{}, nil, fmt.Errorf("create aes cipher: %v: %w", err, tsproto.ErrCryptoBackend)
	}

	nPrime := omac(block, 0, nonce[:])
	hPrime := omac(block, 1, aad)

	ciphertext := make([]byte, len(plaintext))
	ctr := cipher.NewCTR(block, nPrime[:])
	ctr.XORKeyStream(ciphertext, plaintext)

	cPrime := omac(block, 2, ciphertext)

	var tag [TagSize]byte
	for i := 0; i < TagSize; i++ {
		tag[i] = nPrime[i] ^ hPrime[i] ^ cPrime[i]
	}
	return tag, ciphertext, nil
}

// Decrypt verifies the truncated 8-byte tag against a fresh computation and,
// only on success, returns the plaintext. On mismatch it returns
// ErrAuthenticationFailed and no plaintext.
func Decrypt(key [KeySize]byte, nonce [NonceSize]byte, aad, ciphertext []byte, wireTag [WireTagSize]byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("create aes cipher: %v: %w", err, tsproto.ErrCryptoBackend)
	}

	nPrime := omac(block, 0, nonce[:])
	hPrime := omac(block, 1, aad)
	cPrime := omac(block, 2, ciphertext)

	var tag [TagSize]byte
	for i := 0; i < TagSize; i++ {
		tag[i] = nPrime[i] ^ hPrime[i] ^ cPrime[i]
	}

	if subtle.ConstantTimeCompare(tag[:WireTagSize], wireTag[:]) != 1 {
		return nil, fmt.Errorf("verify truncated tag: %w", tsproto.ErrAuthenticationFailed)
	}

	plaintext := make([]byte, len(ciphertext))
	ctr := cipher.NewCTR(block, nPrime[:])
	ctr.XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}

// EncryptFake encrypts with the FakeKey/FakeNonce pair, for traffic sent
// before a session key exists.
func EncryptFake(aad, plaintext []byte) ([TagSize]byte, []byte, error) {
	return Encrypt(FakeKey, FakeNonce, aad, plaintext)
}

// DecryptFake is the inverse of EncryptFake.
func DecryptFake(aad, ciphertext []byte, wireTag [WireTagSize]byte) ([]byte, error) {
	return Decrypt(FakeKey, FakeNonce, aad, ciphertext, wireTag)
}
