// Package resend implements the per-connection reliable-delivery
// sub-protocol for Command/CommandLow packets: ack tracking,
// exponential-backoff retransmission, and the flow gate the sender uses to
// suppress voice traffic under congestion.
package resend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tsproto/tsproto"
	"github.com/tsproto/tsproto/packet"
)

// ConnEvent is the three-variant closed set the connection state machine
// reports to a Resender via HandleEvent.
type ConnEvent int

const (
	EventConnecting ConnEvent = iota
	EventConnected
	EventDisconnecting
)

func (e ConnEvent) String() string {
	switch e {
	case EventConnecting:
		return "Connecting"
	case EventConnected:
		return "Connected"
	case EventDisconnecting:
		return "Disconnecting"
	default:
		return "Unknown"
	}
}

// state mirrors ConnEvent but tracks where the resender currently sits in
// the Connecting → Connected → Disconnecting state machine. Reverse
// transitions are illegal.
type state int32

const (
	stateConnecting state = iota
	stateConnected
	stateDisconnecting
)

// ErrInvalidTransition is returned by HandleEvent when asked to move the
// state machine backwards (e.g. Connected → Connecting).
var ErrInvalidTransition = errors.New("resend: illegal state transition")

// Resender is the contract the reliability layer exposes to the connection
// it belongs to. Submissions never block on ack; retransmission, ack
// tracking and the voice flow gate all happen off of Run's background loop.
type Resender interface {
	// Submit registers an unacknowledged Command/CommandLow datagram for
	// retransmission. t must be packet.Command or packet.CommandLow.
	Submit(t packet.PacketType, pid uint16, datagram []byte) error

	// AckPacket removes the matching outstanding entry, if any.
	AckPacket(t packet.PacketType, pid uint16)

	// IsEmpty reports whether there are no outstanding unacknowledged
	// packets.
	IsEmpty() bool

	// SendVoicePackets is the flow gate: false tells the sender to
	// suppress voice traffic under congestion. Always true for
	// non-voice types.
	SendVoicePackets(t packet.PacketType) bool

	// HandleEvent advances the Connecting → Connected → Disconnecting
	// state machine; reverse transitions return ErrInvalidTransition.
	HandleEvent(ev ConnEvent) error

	// UDPPacketReceived observes every received datagram.
	UDPPacketReceived(datagram []byte)

	// Run drives the retransmit loop until ctx is cancelled or the
	// connection-level timeout elapses, in which case it returns
	// tsproto.ErrResenderTimeout. It also returns
	// tsproto.ErrResenderTimeout once the resender is Disconnecting with
	// nothing outstanding.
	Run(ctx context.Context) error
}

// outstanding is one unacknowledged submission awaiting retransmission.
type outstanding struct {
	datagram       []byte
	firstSent      time.Time
	nextRetransmit time.Time
	interval       time.Duration
}

type outstandingKey struct {
	t   packet.PacketType
	pid uint16
}

// DefaultResender is the library's only Resender implementation.
type DefaultResender struct {
	cfg    tsproto.ResendConfig
	logger *zap.Logger
	send   func(datagram []byte) error

	mu           sync.Mutex
	state        state
	outstanding  map[outstandingKey]*outstanding
	lastProgress time.Time

	congested   atomic.Bool
	retransmits atomic.Int64
	acked       atomic.Int64
	lastRTT     atomic.Int64 // nanoseconds

	limiter *rate.Limiter
	tick    time.Duration
}

// tickInterval is how often Run wakes up to scan for due retransmits and
// check the connection-level deadline.
const tickInterval = 50 * time.Millisecond

// retransmitBurstRate paces the retransmit limiter; it is generous enough
// to never be the bottleneck for a single connection's handful of
// outstanding commands.
const retransmitBurstRate = 200

// congestionOutstandingThreshold is the outstanding-packet count above
// which SendVoicePackets starts refusing voice traffic.
const congestionOutstandingThreshold = 32

// NewDefaultResender constructs a Resender bound to send, the transport
// callback that actually puts a datagram back on the wire.
func NewDefaultResender(cfg tsproto.ResendConfig, logger *zap.Logger, send func([]byte) error) *DefaultResender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DefaultResender{
		cfg:          cfg,
		logger:       logger,
		send:         send,
		state:        stateConnecting,
		outstanding:  make(map[outstandingKey]*outstanding),
		lastProgress: time.Now(),
		limiter:      rate.NewLimiter(rate.Limit(retransmitBurstRate), retransmitBurstRate),
		tick:         tickInterval,
	}
}

// Submit implements Resender.
func (r *DefaultResender) Submit(t packet.PacketType, pid uint16, datagram []byte) error {
	if t != packet.Command && t != packet.CommandLow {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.outstanding[outstandingKey{t: t, pid: pid}] = &outstanding{
		datagram:       append([]byte(nil), datagram...),
		firstSent:      now,
		nextRetransmit: now.Add(r.cfg.InitialInterval),
		interval:       r.cfg.InitialInterval,
	}
	r.lastProgress = now
	r.updateCongestion()
	return nil
}

// AckPacket implements Resender.
func (r *DefaultResender) AckPacket(t packet.PacketType, pid uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := outstandingKey{t: t, pid: pid}
	if pkt, ok := r.outstanding[key]; ok {
		r.lastRTT.Store(int64(time.Since(pkt.firstSent)))
		delete(r.outstanding, key)
		r.lastProgress = time.Now()
		r.acked.Add(1)
	}
	r.updateCongestion()
}

// IsEmpty implements Resender.
func (r *DefaultResender) IsEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outstanding) == 0
}

// SendVoicePackets implements Resender.
func (r *DefaultResender) SendVoicePackets(t packet.PacketType) bool {
	if !t.IsVoice() {
		return true
	}
	return !r.congested.Load()
}

// HandleEvent implements Resender.
func (r *DefaultResender) HandleEvent(ev ConnEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := state(ev)
	if next < r.state {
		return fmt.Errorf("handle event %s: %w", ev, ErrInvalidTransition)
	}
	if next == r.state {
		return nil
	}
	r.logger.Debug("resender state transition", zap.Stringer("event", ev))
	r.state = next
	r.lastProgress = time.Now()
	return nil
}

// UDPPacketReceived implements Resender. A received datagram counts as
// progress and restarts the connection-level timeout; it does not change
// the round-trip estimate (set only by AckPacket) or the congestion signal
// (derived only from the outstanding count).
func (r *DefaultResender) UDPPacketReceived(datagram []byte) {
	r.mu.Lock()
	r.lastProgress = time.Now()
	r.mu.Unlock()
}

// updateCongestion recomputes the congestion signal from the current
// outstanding count. Called with mu held.
func (r *DefaultResender) updateCongestion() {
	r.congested.Store(len(r.outstanding) > congestionOutstandingThreshold)
}

// currentTimeout returns the connection-level deadline budget for the
// resender's current state. Called with mu held.
func (r *DefaultResender) currentTimeout() time.Duration {
	switch r.state {
	case stateConnecting:
		return r.cfg.ConnectingTimeout
	case stateDisconnecting:
		return r.cfg.DisconnectingGrace
	default:
		return r.cfg.ConnectedTimeout
	}
}

// Run implements Resender.
func (r *DefaultResender) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if err := r.tickOnce(now); err != nil {
				return err
			}
		}
	}
}

// tickOnce retransmits anything due and checks the connection-level
// deadline. Returns tsproto.ErrResenderTimeout once no progress has been
// made within the current state's timeout budget, or as soon as the
// resender is Disconnecting with nothing outstanding.
func (r *DefaultResender) tickOnce(now time.Time) error {
	r.mu.Lock()
	lastProgress := r.lastProgress
	deadline := lastProgress.Add(r.currentTimeout())
	disconnectingAndEmpty := r.state == stateDisconnecting && len(r.outstanding) == 0
	due := make([]*outstanding, 0, len(r.outstanding))
	for _, pkt := range r.outstanding {
		if !now.Before(pkt.nextRetransmit) {
			due = append(due, pkt)
		}
	}
	r.mu.Unlock()

	if disconnectingAndEmpty {
		r.logger.Debug("resender drained during disconnect, terminating")
		return fmt.Errorf("disconnect drained: %w", tsproto.ErrResenderTimeout)
	}
	if now.After(deadline) {
		r.logger.Warn("resender timeout, connection reaped")
		return fmt.Errorf("no progress since %s: %w", lastProgress.Format(time.RFC3339Nano), tsproto.ErrResenderTimeout)
	}

	for _, pkt := range due {
		if !r.limiter.Allow() {
			break
		}
		if r.send != nil {
			if err := r.send(pkt.datagram); err != nil {
				r.logger.Debug("resender retransmit failed", zap.Error(err))
			}
		}
		r.mu.Lock()
		pkt.interval = time.Duration(float64(pkt.interval) * r.cfg.BackoffMultiplier)
		if pkt.interval > r.cfg.MaxInterval {
			pkt.interval = r.cfg.MaxInterval
		}
		pkt.nextRetransmit = now.Add(pkt.interval)
		r.mu.Unlock()
		r.retransmits.Add(1)
	}
	r.mu.Lock()
	r.updateCongestion()
	r.mu.Unlock()
	return nil
}

// Stats is a point-in-time snapshot useful for logging/metrics surfaces
// built on top of this package.
type Stats struct {
	Outstanding int
	Retransmits int64
	Acked       int64
	LastRTT     time.Duration
	Congested   bool
}

// Stats returns a snapshot of the resender's current counters.
func (r *DefaultResender) Stats() Stats {
	r.mu.Lock()
	n := len(r.outstanding)
	r.mu.Unlock()
	return Stats{
		Outstanding: n,
		Retransmits: r.retransmits.Load(),
		Acked:       r.acked.Load(),
		LastRTT:     time.Duration(r.lastRTT.Load()),
		Congested:   r.congested.Load(),
	}
}

var _ Resender = (*DefaultResender)(nil)
