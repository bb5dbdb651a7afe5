package conn

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tsproto/tsproto"
	"github.com/tsproto/tsproto/resend"
)

// ConnectionsKey is the default realisation's key type: the peer's
// address in its string form (net.UDPAddr itself isn't comparable, since
// it embeds a net.IP byte slice).
type ConnectionsKey = string

// AddrKey derives the default ConnectionsKey for an address.
func AddrKey(addr *net.UDPAddr) ConnectionsKey { return addr.String() }

// ConnectionManager is the capability set a connection registry exposes,
// expressed as a small interface: create a resender, add/remove a
// connection, and look one up either directly or from an incoming
// datagram.
type ConnectionManager[K comparable] interface {
	CreateResender(send func([]byte) error) resend.Resender
	AddConnection(key K, c *Connection)
	RemoveConnection(key K)
	Connection(key K) (*Connection, bool)
	ConnectionForUDPPacket(addr *net.UDPAddr, datagram []byte) (K, bool)
}

// AttachedDataConnectionManager is a strict extension of ConnectionManager
// that carries per-connection attached user data with a zero/default value.
type AttachedDataConnectionManager[K comparable, T any] interface {
	ConnectionManager[K]
	GetData(key K) (T, bool)
	SetData(key K, data T) (previous T, existed bool)
}

type registryEntry[T any] struct {
	conn   *Connection
	data   T
	cancel context.CancelFunc
}

// Registry is the default ConnectionManager/AttachedDataConnectionManager
// realisation, keyed by peer SocketAddr. Insertion order is irrelevant;
// keys are unique by construction (map-backed).
//
// The resender task started by AddConnection holds only a closure back
// into the Registry, not a pointer the Registry itself depends on: a
// non-owning back-reference. Once the Registry is closed, that closure
// becomes a no-op, which is the correct behaviour during shutdown — a
// resender racing the Registry's own teardown should exit silently rather
// than panic or block.
type Registry[T any] struct {
	cfg    tsproto.ResendConfig
	logger *zap.Logger

	mu     sync.RWMutex
	conns  map[ConnectionsKey]*registryEntry[T]
	closed atomic.Bool

	eg    *errgroup.Group
	egCtx context.Context
}

// NewRegistry constructs an empty Registry. ctx bounds the lifetime of
// every resender task and the Registry's own housekeeping goroutine;
// cancelling it (or calling Close) tears the whole registry down.
func NewRegistry[T any](ctx context.Context, cfg tsproto.ResendConfig, logger *zap.Logger) *Registry[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	eg, egCtx := errgroup.WithContext(ctx)
	r := &Registry[T]{
		cfg:    cfg,
		logger: logger,
		conns:  make(map[ConnectionsKey]*registryEntry[T]),
		eg:     eg,
		egCtx:  egCtx,
	}
	eg.Go(func() error {
		r.heartbeatLoop(egCtx)
		return nil
	})
	return r
}

// heartbeatLoop is the Registry's own housekeeping goroutine. It has
// nothing to reap — each connection's Resender detects its terminal
// timeout and removes itself — so it only logs occupancy at Debug, which
// is enough to notice a registry that never drains during soak testing.
func (r *Registry[T]) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.RLock()
			n := len(r.conns)
			r.mu.RUnlock()
			r.logger.Debug("connection registry occupancy", zap.Int("connections", n))
		}
	}
}

// CreateResender implements ConnectionManager.
func (r *Registry[T]) CreateResender(send func([]byte) error) resend.Resender {
	return resend.NewDefaultResender(r.cfg, r.logger, send)
}

// AddConnection registers c under key with a zero-valued T, and spawns
// its resender task bound to a context derived from the Registry's own
// lifetime. On the task's exit — for any reason: connection-level
// timeout, an explicit Disconnect, or the Registry itself shutting down —
// RemoveConnection(key) is called exactly once.
func (r *Registry[T]) AddConnection(key ConnectionsKey, c *Connection) {
	ctx, cancel := context.WithCancel(r.egCtx)

	var zero T
	r.mu.Lock()
	r.conns[key] = &registryEntry[T]{conn: c, data: zero, cancel: cancel}
	r.mu.Unlock()

	resender := c.Resender
	r.eg.Go(func() error {
		defer cancel()
		defer r.RemoveConnection(key)
		if resender == nil {
			<-ctx.Done()
			return nil
		}
		err := resender.Run(ctx)
		if err != nil {
			r.logger.Debug("resender task exited", zap.String("key", key), zap.Error(err))
		}
		return nil
	})
}

// Disconnect ends the connection at key: its resender's Run context is
// cancelled, which drives the spawned task to exit and remove the entry
// via AddConnection's deferred cleanup. This is the application-initiated
// half of a connection's teardown; the other half — the resender task
// terminating on its own — needs no extra call.
func (r *Registry[T]) Disconnect(key ConnectionsKey) {
	r.mu.RLock()
	e, ok := r.conns[key]
	r.mu.RUnlock()
	if ok && e.cancel != nil {
		e.cancel()
	}
}

// RemoveConnection deletes the connection at key, if present. Safe to
// call more than once; safe to call after Close.
func (r *Registry[T]) RemoveConnection(key ConnectionsKey) {
	if r.closed.Load() {
		return
	}
	r.mu.Lock()
	delete(r.conns, key)
	r.mu.Unlock()
}

// Connection implements ConnectionManager.
func (r *Registry[T]) Connection(key ConnectionsKey) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[key]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// ConnectionForUDPPacket implements ConnectionManager: the default
// realisation keys purely on the source address and ignores the
// datagram's contents; more elaborate realisations may inspect it (e.g.
// to demultiplex by an in-band connection id).
func (r *Registry[T]) ConnectionForUDPPacket(addr *net.UDPAddr, _ []byte) (ConnectionsKey, bool) {
	key := AddrKey(addr)
	_, ok := r.Connection(key)
	if !ok {
		return "", false
	}
	return key, true
}

// Lookup is a convenience wrapper around Connection that returns
// ErrUnknownConnection, for ingress paths that want a uniform error
// return instead of a (value, bool) pair.
func (r *Registry[T]) Lookup(key ConnectionsKey) (*Connection, error) {
	c, ok := r.Connection(key)
	if !ok {
		return nil, fmt.Errorf("lookup %s: %w", key, tsproto.ErrUnknownConnection)
	}
	return c, nil
}

// GetData implements AttachedDataConnectionManager.
func (r *Registry[T]) GetData(key ConnectionsKey) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[key]
	if !ok {
		var zero T
		return zero, false
	}
	return e.data, true
}

// SetData implements AttachedDataConnectionManager, returning the value it
// displaced.
func (r *Registry[T]) SetData(key ConnectionsKey, data T) (previous T, existed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[key]
	if !ok {
		var zero T
		return zero, false
	}
	previous = e.data
	e.data = data
	return previous, true
}

// Len reports the number of registered connections.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Close marks the Registry closed (RemoveConnection becomes a no-op
// afterwards, per the weak-back-reference contract) and waits for every
// spawned resender task and the housekeeping goroutine to return. Callers
// should cancel the context passed to NewRegistry before calling Close so
// the resender tasks actually have something to return from.
func (r *Registry[T]) Close() error {
	err := r.eg.Wait()
	r.closed.Store(true)
	return err
}

var (
	_ ConnectionManager[ConnectionsKey]                  = (*Registry[struct{}])(nil)
	_ AttachedDataConnectionManager[ConnectionsKey, int] = (*Registry[int])(nil)
)
