package relay

import (
	"encoding/json"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func TestBudgetNormalized(t *testing.T) {
	c := qt.New(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		in          Budget
		wantHops    uint8
		wantTTL     uint32
		wantDeadline time.Time
	}{
		{
			name:        "defaults",
			in:          Budget{},
			wantHops:    5,
			wantTTL:     30_000,
			wantDeadline: now.Add(30 * time.Second),
		},
		{
			name:        "clamp hops high",
			in:          Budget{MaxHops: 200, TTLMs: 1000},
			wantHops:    16,
			wantTTL:     1000,
			wantDeadline: now.Add(time.Second),
		},
		{
			name:        "clamp ttl high",
			in:          Budget{MaxHops: 3, TTLMs: 4_000_000},
			wantHops:    3,
			wantTTL:     300_000,
			wantDeadline: now.Add(300 * time.Second),
		},
		{
			name:        "minimums kept",
			in:          Budget{MaxHops: 1, TTLMs: 1},
			wantHops:    1,
			wantTTL:     1,
			wantDeadline: now.Add(time.Millisecond),
		},
	}
	for _, test := range tests {
		c.Run(test.name, func(c *qt.C) {
			got := test.in.Normalized(now)
			c.Assert(got.MaxHops, qt.Equals, test.wantHops)
			c.Assert(got.TTLMs, qt.Equals, test.wantTTL)
			c.Assert(got.Deadline, qt.Equals, test.wantDeadline)
		})
	}
}

func TestNormalizedKeepsInheritedDeadline(t *testing.T) {
	c := qt.New(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	inherited := now.Add(-time.Second)

	got := Budget{TTLMs: 5000, Deadline: inherited}.Normalized(now)
	c.Assert(got.Deadline, qt.Equals, inherited)
}

func TestNormalizedClonesVisited(t *testing.T) {
	c := qt.New(t)
	orig := VisitedSet{}.Add(HashSubject("relay.a"))
	b := Budget{Visited: orig}.Normalized(time.Now())
	b.Visited.Add(HashSubject("relay.b"))
	c.Assert(len(orig), qt.Equals, 1)
	c.Assert(len(b.Visited), qt.Equals, 2)
}

func TestHashRoundTrip(t *testing.T) {
	c := qt.New(t)
	h := HashSubject("relay.agent.main")
	c.Assert(h, qt.Not(qt.Equals), Hash(0))
	c.Assert(len(h.String()), qt.Equals, 16)

	parsed, err := ParseHash(h.String())
	c.Assert(err, qt.IsNil)
	c.Assert(parsed, qt.Equals, h)

	_, err = ParseHash("nope")
	c.Assert(err, qt.IsNotNil)
}

func TestVisitedSetJSON(t *testing.T) {
	c := qt.New(t)
	v := VisitedSet{}.
		Add(HashSubject("relay.b")).
		Add(HashSubject("relay.a"))

	data, err := json.Marshal(v)
	c.Assert(err, qt.IsNil)

	// Deterministic: marshaling twice yields identical bytes.
	data2, err := json.Marshal(v)
	c.Assert(err, qt.IsNil)
	c.Assert(string(data2), qt.Equals, string(data))

	var back VisitedSet
	c.Assert(json.Unmarshal(data, &back), qt.IsNil)
	c.Assert(back.Has(HashSubject("relay.a")), qt.IsTrue)
	c.Assert(back.Has(HashSubject("relay.b")), qt.IsTrue)
	c.Assert(back.Has(HashSubject("relay.c")), qt.IsFalse)
}

func TestEnvelopeCloneIsolatesVisited(t *testing.T) {
	c := qt.New(t)
	e := &Envelope{
		ID:      "m1",
		Subject: "relay.agent.a",
		Budget:  Budget{Visited: VisitedSet{}.Add(HashSubject("relay.x"))},
	}
	cp := e.Clone()
	cp.Budget.Visited.Add(HashSubject("relay.y"))
	c.Assert(len(e.Budget.Visited), qt.Equals, 1)
	c.Assert(len(cp.Budget.Visited), qt.Equals, 2)
}

func TestStatusTerminal(t *testing.T) {
	c := qt.New(t)
	c.Assert(StatusNew.Terminal(), qt.IsFalse)
	c.Assert(StatusDelivered.Terminal(), qt.IsTrue)
	c.Assert(StatusFailed.Terminal(), qt.IsTrue)
	c.Assert(StatusDeadLetter.Terminal(), qt.IsTrue)
	c.Assert(Status("bogus").Valid(), qt.IsFalse)
}
