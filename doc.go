// Package tsproto implements the packet-plane core of a TeamSpeak3-compatible
// voice/control protocol: header codec (packet), key/nonce derivation and
// AEAD framing (crypto), compression and fragmentation (fragment), reliable
// command delivery (resend), and the per-connection registry (conn).
//
// Error handling follows one policy throughout: per-packet failures
// (ErrAuthenticationFailed, ErrMalformedHeader, ErrSerializationShort,
// ErrUnknownConnection) are local — the caller logs at debug, bumps a
// counter, and drops the packet. ErrResenderTimeout is connection-scoped and
// tears down exactly that connection. ErrCryptoBackend should be
// unreachable and is treated as fatal by callers.
package tsproto
