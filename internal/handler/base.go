// Package handler implements the reconnection state machine shared by
// the producer handler (and, in a future build, a consumer handler):
// grab a Cnx, react to it opening or dying, and schedule the next
// reconnection attempt with backoff, keeping a single logical producer
// alive across many reconnects.
package handler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbarbey/flowmq-client-go/internal/backoff"
	"github.com/rbarbey/flowmq-client-go/internal/cnx"
	"github.com/rbarbey/flowmq-client-go/internal/flowmqerr"
)

// Subclass is implemented by the handler that owns a Base: the producer
// (or, eventually, consumer) that needs a live Cnx and must react when
// one is gained or lost.
type Subclass interface {
	// GrabCnx dials (or otherwise acquires) a fresh Cnx for this handler.
	GrabCnx(ctx context.Context) (*cnx.Cnx, error)
	// ConnectionOpened is called once the new Cnx is ready for use,
	// e.g. to resend in-flight messages or re-issue PRODUCER.
	ConnectionOpened(c *cnx.Cnx, epoch uint64)
	// ConnectionFailed is called when GrabCnx fails.
	ConnectionFailed(err error)
}

// Base tracks the current Cnx for one handler and drives reconnection.
// Every callback from a stale connection is tagged with the epoch it was
// issued under; Base discards callbacks whose epoch doesn't match the
// current one, so a slow reconnect racing a fast one can't clobber state.
type Base struct {
	sub     Subclass
	backoff *backoff.Backoff
	logger  *slog.Logger

	mu      sync.Mutex
	cnx     *cnx.Cnx
	epoch   atomic.Uint64
	closed  atomic.Bool
	reconnecting atomic.Bool
}

// New constructs a Base driving sub's reconnection lifecycle. initial/max
// bound the backoff between attempts; mandatoryStop (0 disables it) caps
// total wait per the producer's send-timeout.
func New(sub Subclass, initial, max, mandatoryStop time.Duration, logger *slog.Logger) *Base {
	if logger == nil {
		logger = slog.Default()
	}
	return &Base{
		sub:     sub,
		backoff: backoff.New(initial, max, mandatoryStop),
		logger:  logger,
	}
}

// Start performs the first connection attempt synchronously, returning
// its error so the caller's constructor can fail fast if the broker is
// unreachable at startup.
func (b *Base) Start(ctx context.Context) error {
	return b.connect(ctx)
}

func (b *Base) connect(ctx context.Context) error {
	epoch := b.epoch.Add(1)
	c, err := b.sub.GrabCnx(ctx)
	if err != nil {
		b.handleConnectionFailure(err)
		return err
	}
	b.mu.Lock()
	b.cnx = c
	b.mu.Unlock()
	b.backoff.Reset()
	b.sub.ConnectionOpened(c, epoch)
	return nil
}

// CurrentCnx returns the Cnx currently in use, or nil if none.
func (b *Base) CurrentCnx() *cnx.Cnx {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cnx
}

// Epoch returns the epoch tag of the current connection attempt, for
// callers that need to stamp callbacks so HandleDisconnection can tell a
// stale one apart from the live one.
func (b *Base) Epoch() uint64 {
	return b.epoch.Load()
}

// IsEpochCurrent reports whether epoch still matches the latest attempt.
func (b *Base) IsEpochCurrent(epoch uint64) bool {
	return b.epoch.Load() == epoch
}

// handleConnectionFailure records a failed GrabCnx and schedules a
// reconnection attempt, unless Close has been called.
func (b *Base) handleConnectionFailure(err error) {
	b.sub.ConnectionFailed(err)
	b.ScheduleReconnection()
}

// HandleDisconnection is called by the handler's Cnx-failure path (e.g. a
// producer seeing its Cnx's Done channel close, or forcing a reconnect)
// to tear down the current Cnx reference and schedule a reconnect.
func (b *Base) HandleDisconnection(epoch uint64, err error) {
	if !b.IsEpochCurrent(epoch) {
		return // stale callback from an already-superseded connection
	}
	b.mu.Lock()
	b.cnx = nil
	b.mu.Unlock()
	b.logger.Warn("connection lost, scheduling reconnection", "error", err)
	b.ScheduleReconnection()
}

// ScheduleReconnection arms a timer for backoff.Next() from now, after
// which Base attempts to GrabCnx again. The producer's per-batch
// send-timeout timers run independently of this; Base only concerns
// itself with eventually getting a live Cnx again.
func (b *Base) ScheduleReconnection() {
	if b.closed.Load() {
		return
	}
	if !b.reconnecting.CompareAndSwap(false, true) {
		return // a reconnection attempt is already scheduled/in flight
	}
	delay := b.backoff.Next()
	time.AfterFunc(delay, func() {
		b.reconnecting.Store(false)
		if b.closed.Load() {
			return
		}
		if err := b.connect(context.Background()); err != nil {
			b.logger.Warn("reconnection attempt failed", "error", err, "attempt", b.backoff.Attempt())
		}
	})
}

// ConvertToTimeoutIfNecessary reports whether elapsed has exceeded
// sendTimeout, for callers that want to fail a pending operation with
// flowmqerr.Timeout rather than keep waiting on a reconnect that may
// never beat the user's deadline.
func ConvertToTimeoutIfNecessary(elapsed, sendTimeout time.Duration) error {
	if sendTimeout > 0 && elapsed >= sendTimeout {
		return flowmqerr.New(flowmqerr.Timeout)
	}
	return nil
}

// Close marks the handler closed: no further reconnection attempts will
// be scheduled, and the current Cnx (if any) is closed.
func (b *Base) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.mu.Lock()
	c := b.cnx
	b.cnx = nil
	b.mu.Unlock()
	if c != nil {
		return c.Close()
	}
	return nil
}
