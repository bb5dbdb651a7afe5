package tsproto

import "errors"

// Sentinel errors surfaced by the packet-plane core. Callers classify
// failures with errors.Is; see doc.go for the handling policy.
var (
	// ErrAuthenticationFailed is returned when an EAX tag does not verify.
	// The packet is dropped; plaintext is never exposed.
	ErrAuthenticationFailed = errors.New("tsproto: authentication failed")

	// ErrMalformedHeader is returned when a header carries a reserved bit
	// or an unknown type nibble.
	ErrMalformedHeader = errors.New("tsproto: malformed header")

	// ErrUnknownConnection is returned when an ingress datagram names an
	// address with no registered connection.
	ErrUnknownConnection = errors.New("tsproto: unknown connection")

	// ErrResenderTimeout is returned when a connection makes no progress
	// within its configured timeout; the connection is reaped.
	ErrResenderTimeout = errors.New("tsproto: resender timeout")

	// ErrCryptoBackend marks a failure in an underlying primitive that
	// should be unreachable in normal operation.
	ErrCryptoBackend = errors.New("tsproto: crypto backend failure")

	// ErrSerializationShort is returned when there are not enough bytes to
	// parse a header or body.
	ErrSerializationShort = errors.New("tsproto: not enough bytes to parse")
)
