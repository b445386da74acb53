package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	qt "github.com/frankban/quicktest"
	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"github.com/dork-labs/relay/daemon/relay"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testBus(budget time.Duration) *Bus {
	return New(clock.New(), zerolog.Nop(), budget)
}

func env(id, subj string) *relay.Envelope {
	return &relay.Envelope{
		ID:      id,
		Subject: subj,
		From:    "relay.test",
		Budget:  relay.Budget{Visited: relay.VisitedSet{}.Add(relay.HashSubject("relay.test"))},
	}
}

func TestFanOutRegistrationOrder(t *testing.T) {
	c := qt.New(t)
	b := testBus(0)

	var got []string
	record := func(name string) Handler {
		return func(ctx context.Context, e *relay.Envelope) error {
			got = append(got, name)
			return nil
		}
	}
	cancel1, err := b.Subscribe("relay.agent.>", "one", record("one"))
	c.Assert(err, qt.IsNil)
	defer cancel1()
	cancel2, err := b.Subscribe("relay.agent.*", "two", record("two"))
	c.Assert(err, qt.IsNil)
	defer cancel2()
	cancel3, err := b.Subscribe("pulse.>", "three", record("three"))
	c.Assert(err, qt.IsNil)
	defer cancel3()

	ds := b.PublishLocal(context.Background(), env("m1", "relay.agent.x"))
	c.Assert(got, qt.DeepEquals, []string{"one", "two"})
	c.Assert(len(ds), qt.Equals, 2)
	c.Assert(ds[0].Owner, qt.Equals, "one")
	c.Assert(ds[1].Owner, qt.Equals, "two")
}

func TestInvalidPattern(t *testing.T) {
	c := qt.New(t)
	b := testBus(0)
	_, err := b.Subscribe("relay.>.x", "bad", func(ctx context.Context, e *relay.Envelope) error { return nil })
	c.Assert(err, qt.IsNotNil)
	c.Assert(relay.CodeOf(err), qt.Equals, relay.CodeInvalidSubject)
}

func TestCancelIsIdempotent(t *testing.T) {
	c := qt.New(t)
	b := testBus(0)

	calls := 0
	cancel, err := b.Subscribe("relay.a.b", "sub", func(ctx context.Context, e *relay.Envelope) error {
		calls++
		return nil
	})
	c.Assert(err, qt.IsNil)

	b.PublishLocal(context.Background(), env("m1", "relay.a.b"))
	cancel()
	cancel()
	b.PublishLocal(context.Background(), env("m2", "relay.a.b"))
	c.Assert(calls, qt.Equals, 1)
}

func TestHandlerErrorDoesNotAbortFanOut(t *testing.T) {
	c := qt.New(t)
	b := testBus(0)

	cancel1, err := b.Subscribe("relay.a.b", "failing", func(ctx context.Context, e *relay.Envelope) error {
		panic("boom")
	})
	c.Assert(err, qt.IsNil)
	defer cancel1()

	delivered := false
	cancel2, err := b.Subscribe("relay.a.b", "healthy", func(ctx context.Context, e *relay.Envelope) error {
		delivered = true
		return nil
	})
	c.Assert(err, qt.IsNil)
	defer cancel2()

	ds := b.PublishLocal(context.Background(), env("m1", "relay.a.b"))
	c.Assert(delivered, qt.IsTrue)
	c.Assert(len(ds), qt.Equals, 2)
	c.Assert(ds[0].Err, qt.IsNotNil)
	c.Assert(ds[1].Err, qt.IsNil)
}

func TestVisitedCopiedPerSubscriber(t *testing.T) {
	c := qt.New(t)
	b := testBus(0)

	var seen []int
	handler := func(ctx context.Context, e *relay.Envelope) error {
		// Each subscriber mutates its own copy; the next one must
		// not observe it.
		seen = append(seen, len(e.Budget.Visited))
		e.Budget.Visited = e.Budget.Visited.Add(relay.HashSubject("relay.extra"))
		return nil
	}
	for _, owner := range []string{"a", "b"} {
		cancel, err := b.Subscribe("relay.a.b", owner, handler)
		c.Assert(err, qt.IsNil)
		defer cancel()
	}

	b.PublishLocal(context.Background(), env("m1", "relay.a.b"))
	c.Assert(seen, qt.DeepEquals, []int{1, 1})
}

func TestBackpressureDropsSlowSubscriberOnly(t *testing.T) {
	c := qt.New(t)
	b := testBus(20 * time.Millisecond)

	var sigMu sync.Mutex
	var sigs []relay.Signal
	cancelSig, err := b.OnSignal("", func(sig relay.Signal) {
		sigMu.Lock()
		sigs = append(sigs, sig)
		sigMu.Unlock()
	})
	c.Assert(err, qt.IsNil)
	defer cancelSig()

	release := make(chan struct{})
	cancelSlow, err := b.Subscribe("relay.a.b", "slow", func(ctx context.Context, e *relay.Envelope) error {
		<-release
		return nil
	})
	c.Assert(err, qt.IsNil)
	defer cancelSlow()

	fastRan := false
	cancelFast, err := b.Subscribe("relay.a.b", "fast", func(ctx context.Context, e *relay.Envelope) error {
		fastRan = true
		return nil
	})
	c.Assert(err, qt.IsNil)
	defer cancelFast()

	ds := b.PublishLocal(context.Background(), env("m1", "relay.a.b"))
	close(release) // let the abandoned handler finish before goleak runs

	c.Assert(fastRan, qt.IsTrue)
	c.Assert(len(ds), qt.Equals, 2)
	c.Assert(ds[0].Dropped, qt.IsTrue)
	c.Assert(ds[1].Dropped, qt.IsFalse)

	sigMu.Lock()
	defer sigMu.Unlock()
	c.Assert(len(sigs), qt.Equals, 1)
	c.Assert(sigs[0].Type, qt.Equals, relay.SignalBackpressure)
	c.Assert(sigs[0].SubscriberID, qt.Equals, "slow")
	c.Assert(sigs[0].MessageID, qt.Equals, "m1")
	c.Assert(b.Stats().DroppedDeliveries, qt.Equals, int64(1))
}

func TestSignalPatternFilter(t *testing.T) {
	c := qt.New(t)
	b := testBus(0)

	var got []string
	cancel, err := b.OnSignal("relay.agent.>", func(sig relay.Signal) {
		got = append(got, sig.Subject)
	})
	c.Assert(err, qt.IsNil)
	defer cancel()

	b.EmitSignal(relay.Signal{Type: relay.SignalDeadLetter, Subject: "relay.agent.a"})
	b.EmitSignal(relay.Signal{Type: relay.SignalDeadLetter, Subject: "pulse.job.x"})
	c.Assert(got, qt.DeepEquals, []string{"relay.agent.a"})
}

func TestSubscribeDuringFanOutExcluded(t *testing.T) {
	c := qt.New(t)
	b := testBus(0)

	lateCalled := false
	var cancelLate func()
	cancel, err := b.Subscribe("relay.a.b", "first", func(ctx context.Context, e *relay.Envelope) error {
		// Registration during fan-out must not join the current
		// delivery: fan-out iterates the snapshot captured at entry.
		var err error
		cancelLate, err = b.Subscribe("relay.a.b", "late", func(ctx context.Context, e *relay.Envelope) error {
			lateCalled = true
			return nil
		})
		return err
	})
	c.Assert(err, qt.IsNil)
	defer cancel()

	ds := b.PublishLocal(context.Background(), env("m1", "relay.a.b"))
	defer cancelLate()
	c.Assert(len(ds), qt.Equals, 1)
	c.Assert(lateCalled, qt.IsFalse)

	ds = b.PublishLocal(context.Background(), env("m2", "relay.a.b"))
	c.Assert(len(ds), qt.Equals, 2)
	c.Assert(lateCalled, qt.IsTrue)
}

func TestExactlyNDeliveries(t *testing.T) {
	c := qt.New(t)
	b := testBus(0)

	count := 0
	cancel, err := b.Subscribe("relay.load.*", "counter", func(ctx context.Context, e *relay.Envelope) error {
		count++
		return nil
	})
	c.Assert(err, qt.IsNil)
	defer cancel()

	const n = 100
	for i := 0; i < n; i++ {
		b.PublishLocal(context.Background(), env("m", "relay.load.x"))
	}
	c.Assert(count, qt.Equals, n)
	c.Assert(b.Stats().DroppedDeliveries, qt.Equals, int64(0))
}
