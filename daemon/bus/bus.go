// Package bus implements the in-memory subscription plane the delivery
// engine fans envelopes out on.
//
// Subscriptions are pattern-indexed and kept in a copy-on-write table:
// Subscribe and the returned cancel swap a new slice under the mutex,
// while fan-out iterates the snapshot it captured at entry. Handlers
// run synchronously on the caller's goroutine, bounded by a handler
// budget; a handler that overruns it has its delivery dropped and a
// backpressure signal raised in its place. A second plane carries
// out-of-band signals (backpressure, dead letters, adapter errors) to
// signal subscribers such as the SSE edge.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/dork-labs/relay/daemon/relay"
	"github.com/dork-labs/relay/daemon/subject"
)

// DefaultHandlerBudget bounds how long a subscriber handler may run
// before its delivery is converted into a backpressure signal.
const DefaultHandlerBudget = 250 * time.Millisecond

// Handler receives one envelope. A non-nil error marks the delivery
// to this subscriber as failed; fan-out to others continues.
type Handler func(ctx context.Context, e *relay.Envelope) error

// SignalFn receives out-of-band signals.
type SignalFn func(sig relay.Signal)

type subscription struct {
	id      uint64
	pattern string
	owner   string
	handler Handler
}

type signalSub struct {
	id      uint64
	pattern string // empty matches every signal
	fn      SignalFn
}

// Bus is the in-memory fan-out plane. The zero value is not usable;
// construct with New.
type Bus struct {
	log           zerolog.Logger
	clock         clock.Clock
	handlerBudget time.Duration

	mu      sync.Mutex
	nextID  uint64
	subs    []*subscription // copy-on-write
	sigSubs []*signalSub    // copy-on-write

	dropped atomic.Int64
}

func New(clk clock.Clock, log zerolog.Logger, handlerBudget time.Duration) *Bus {
	if handlerBudget <= 0 {
		handlerBudget = DefaultHandlerBudget
	}
	return &Bus{
		log:           log.With().Str("component", "bus").Logger(),
		clock:         clk,
		handlerBudget: handlerBudget,
	}
}

// Subscribe registers handler for every envelope whose subject matches
// pattern. The owner identifies the subscriber on the signal plane and
// in delivery outcomes; for adapters and inbox consumers it is their
// registered endpoint subject. The returned cancel is idempotent.
//
// Fan-outs already in flight when Subscribe returns do not include the
// new subscription.
func (b *Bus) Subscribe(pattern, owner string, handler Handler) (cancel func(), err error) {
	if err := subject.ValidatePattern(pattern); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("bus: nil handler")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &subscription{id: b.nextID, pattern: pattern, owner: owner, handler: handler}
	subs := make([]*subscription, len(b.subs), len(b.subs)+1)
	copy(subs, b.subs)
	b.subs = append(subs, sub)

	return func() { b.unsubscribe(sub.id) }, nil
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.id != id {
			subs = append(subs, s)
		}
	}
	b.subs = subs
}

// OnSignal registers fn for signals whose subject matches pattern.
// An empty pattern matches every signal.
func (b *Bus) OnSignal(pattern string, fn SignalFn) (cancel func(), err error) {
	if pattern != "" {
		if err := subject.ValidatePattern(pattern); err != nil {
			return nil, err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &signalSub{id: b.nextID, pattern: pattern, fn: fn}
	sigSubs := make([]*signalSub, len(b.sigSubs), len(b.sigSubs)+1)
	copy(sigSubs, b.sigSubs)
	b.sigSubs = append(sigSubs, sub)

	return func() { b.unsubscribeSignal(sub.id) }, nil
}

func (b *Bus) unsubscribeSignal(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sigSubs := make([]*signalSub, 0, len(b.sigSubs))
	for _, s := range b.sigSubs {
		if s.id != id {
			sigSubs = append(sigSubs, s)
		}
	}
	b.sigSubs = sigSubs
}

// EmitSignal delivers sig to every matching signal subscriber,
// synchronously and in registration order.
func (b *Bus) EmitSignal(sig relay.Signal) {
	b.mu.Lock()
	sigSubs := b.sigSubs
	b.mu.Unlock()

	for _, s := range sigSubs {
		if s.pattern == "" || subject.Match(s.pattern, sig.Subject) {
			s.fn(sig)
		}
	}
}

// Delivery is the outcome of handing one envelope to one subscriber.
type Delivery struct {
	Pattern  string
	Owner    string
	Err      error
	Duration time.Duration
	// Dropped is set when the handler exceeded the handler budget
	// and the delivery was abandoned with a backpressure signal.
	Dropped bool
}

// PublishLocal fans e out to every subscription whose pattern matches
// e.Subject, in registration order, and reports the per-subscriber
// outcomes. Each subscriber receives its own clone of e so visited-set
// mutations cannot cross-contaminate. Handler errors and panics are
// recorded and logged; they never abort fan-out to the remaining
// subscribers.
func (b *Bus) PublishLocal(ctx context.Context, e *relay.Envelope) []Delivery {
	b.mu.Lock()
	subs := b.subs
	b.mu.Unlock()

	var out []Delivery
	for _, s := range subs {
		if !subject.Match(s.pattern, e.Subject) {
			continue
		}
		d := b.invoke(ctx, s, e.Clone())
		if d.Err != nil {
			b.log.Warn().
				Str("subject", e.Subject).
				Str("message_id", e.ID).
				Str("subscriber", s.owner).
				Err(d.Err).
				Msg("subscriber handler failed")
		}
		out = append(out, d)
	}
	return out
}

func (b *Bus) invoke(ctx context.Context, s *subscription, e *relay.Envelope) Delivery {
	start := b.clock.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- errors.Newf("handler panicked: %v", p)
			}
		}()
		done <- s.handler(ctx, e)
	}()

	timer := b.clock.Timer(b.handlerBudget)
	defer timer.Stop()
	select {
	case err := <-done:
		return Delivery{
			Pattern:  s.pattern,
			Owner:    s.owner,
			Err:      err,
			Duration: b.clock.Now().Sub(start),
		}
	case <-timer.C:
		// The handler keeps running but its result is discarded;
		// the delivery to this subscriber alone is dropped.
		b.dropped.Add(1)
		b.log.Warn().
			Str("subject", e.Subject).
			Str("message_id", e.ID).
			Str("subscriber", s.owner).
			Dur("budget", b.handlerBudget).
			Msg("handler exceeded budget, dropping delivery")
		b.EmitSignal(relay.Signal{
			Type:         relay.SignalBackpressure,
			Subject:      s.owner,
			SubscriberID: s.owner,
			MessageID:    e.ID,
			At:           b.clock.Now().UTC(),
		})
		return Delivery{
			Pattern:  s.pattern,
			Owner:    s.owner,
			Duration: b.handlerBudget,
			Dropped:  true,
		}
	}
}

// Stats reports live bus counters for the kernel metrics endpoint.
type Stats struct {
	ActiveSubscriptions int   `json:"activeSubscriptions"`
	SignalSubscriptions int   `json:"signalSubscriptions"`
	DroppedDeliveries   int64 `json:"droppedDeliveries"`
}

func (b *Bus) Stats() Stats {
	b.mu.Lock()
	subs, sigSubs := len(b.subs), len(b.sigSubs)
	b.mu.Unlock()
	return Stats{
		ActiveSubscriptions: subs,
		SignalSubscriptions: sigSubs,
		DroppedDeliveries:   b.dropped.Load(),
	}
}
