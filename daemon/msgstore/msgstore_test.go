package msgstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/dork-labs/relay/daemon/relay"
	"github.com/dork-labs/relay/daemon/sqlitedb"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlitedb.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

var testBase = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func testEnvelope(id, subj, from string, createdAt time.Time) *relay.Envelope {
	return &relay.Envelope{
		ID:      id,
		Subject: subj,
		From:    from,
		Payload: json.RawMessage(`{"n":1}`),
		Budget: relay.Budget{
			MaxHops:  5,
			TTLMs:    30_000,
			Deadline: createdAt.Add(30 * time.Second),
			Visited:  relay.VisitedSet{}.Add(relay.HashSubject(from)),
		},
		Status:    relay.StatusNew,
		CreatedAt: createdAt,
		TraceID:   id,
	}
}

func TestAppendGet(t *testing.T) {
	c := qt.New(t)
	s := openTestStore(t)
	ctx := context.Background()

	e := testEnvelope("m1", "relay.agent.a", "relay.human.console", testBase)
	e.ReplyTo = "relay.human.console.replies"
	c.Assert(s.Append(ctx, e), qt.IsNil)

	got, err := s.Get(ctx, "m1")
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.CmpEquals(cmpopts.EquateEmpty()), e)

	_, err = s.Get(ctx, "missing")
	c.Assert(err, qt.ErrorIs, relay.ErrMessageNotFound)
}

func TestEmptyPayload(t *testing.T) {
	c := qt.New(t)
	s := openTestStore(t)
	ctx := context.Background()

	e := testEnvelope("m1", "relay.agent.a", "relay.human.console", testBase)
	e.Payload = nil
	c.Assert(s.Append(ctx, e), qt.IsNil)

	got, err := s.Get(ctx, "m1")
	c.Assert(err, qt.IsNil)
	c.Assert(string(got.Payload), qt.Equals, "null")
}

func TestSetStatus(t *testing.T) {
	c := qt.New(t)
	s := openTestStore(t)
	ctx := context.Background()

	e := testEnvelope("m1", "relay.agent.a", "relay.human.console", testBase)
	c.Assert(s.Append(ctx, e), qt.IsNil)

	c.Assert(s.SetStatus(ctx, "m1", relay.StatusDelivered), qt.IsNil)
	got, err := s.Get(ctx, "m1")
	c.Assert(err, qt.IsNil)
	c.Assert(got.Status, qt.Equals, relay.StatusDelivered)

	// Terminal statuses cannot transition again.
	err = s.SetStatus(ctx, "m1", relay.StatusFailed)
	c.Assert(err, qt.ErrorIs, relay.ErrInvalidTransition)

	// Only terminal targets are allowed.
	err = s.SetStatus(ctx, "m1", relay.StatusNew)
	c.Assert(err, qt.ErrorIs, relay.ErrInvalidTransition)

	err = s.SetStatus(ctx, "missing", relay.StatusDelivered)
	c.Assert(err, qt.ErrorIs, relay.ErrMessageNotFound)
}

func TestListNewestFirst(t *testing.T) {
	c := qt.New(t)
	s := openTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		e := testEnvelope(
			"m"+string(rune('0'+i)),
			"relay.agent.a",
			"relay.human.console",
			testBase.Add(time.Duration(i)*time.Millisecond),
		)
		c.Assert(s.Append(ctx, e), qt.IsNil)
	}

	page, err := s.List(ctx, Query{Limit: 3})
	c.Assert(err, qt.IsNil)
	c.Assert(ids(page), qt.DeepEquals, []string{"m5", "m4", "m3"})
	c.Assert(page.NextCursor, qt.Not(qt.Equals), "")

	page2, err := s.List(ctx, Query{Limit: 3, Cursor: page.NextCursor})
	c.Assert(err, qt.IsNil)
	c.Assert(ids(page2), qt.DeepEquals, []string{"m2", "m1"})
	c.Assert(page2.NextCursor, qt.Equals, "")
}

func TestListCursorStableUnderAppends(t *testing.T) {
	c := qt.New(t)
	s := openTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		e := testEnvelope(
			"m"+string(rune('0'+i)),
			"relay.agent.a",
			"relay.human.console",
			testBase.Add(time.Duration(i)*time.Millisecond),
		)
		c.Assert(s.Append(ctx, e), qt.IsNil)
	}

	page, err := s.List(ctx, Query{Limit: 2})
	c.Assert(err, qt.IsNil)
	c.Assert(ids(page), qt.DeepEquals, []string{"m4", "m3"})

	// A newer append must not shift the already-issued cursor.
	newer := testEnvelope("m9", "relay.agent.a", "relay.human.console", testBase.Add(time.Second))
	c.Assert(s.Append(ctx, newer), qt.IsNil)

	page2, err := s.List(ctx, Query{Limit: 2, Cursor: page.NextCursor})
	c.Assert(err, qt.IsNil)
	c.Assert(ids(page2), qt.DeepEquals, []string{"m2", "m1"})
}

func TestListTiesBrokenByID(t *testing.T) {
	c := qt.New(t)
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"ma", "mc", "mb"} {
		c.Assert(s.Append(ctx, testEnvelope(id, "relay.agent.a", "relay.x", testBase)), qt.IsNil)
	}
	page, err := s.List(ctx, Query{})
	c.Assert(err, qt.IsNil)
	c.Assert(ids(page), qt.DeepEquals, []string{"mc", "mb", "ma"})
}

func TestListFilters(t *testing.T) {
	c := qt.New(t)
	s := openTestStore(t)
	ctx := context.Background()

	e1 := testEnvelope("m1", "relay.agent.a", "relay.human.console", testBase.Add(1*time.Millisecond))
	e2 := testEnvelope("m2", "relay.agent.b", "relay.scheduler", testBase.Add(2*time.Millisecond))
	e3 := testEnvelope("m3", "pulse.job.run", "relay.scheduler", testBase.Add(3*time.Millisecond))
	for _, e := range []*relay.Envelope{e1, e2, e3} {
		c.Assert(s.Append(ctx, e), qt.IsNil)
	}
	c.Assert(s.SetStatus(ctx, "m2", relay.StatusDelivered), qt.IsNil)

	page, err := s.List(ctx, Query{Subject: "relay.agent.a"})
	c.Assert(err, qt.IsNil)
	c.Assert(ids(page), qt.DeepEquals, []string{"m1"})

	page, err = s.List(ctx, Query{From: "relay.scheduler"})
	c.Assert(err, qt.IsNil)
	c.Assert(ids(page), qt.DeepEquals, []string{"m3", "m2"})

	page, err = s.List(ctx, Query{Status: relay.StatusDelivered})
	c.Assert(err, qt.IsNil)
	c.Assert(ids(page), qt.DeepEquals, []string{"m2"})

	page, err = s.List(ctx, Query{Subject: "relay.agent.*"})
	c.Assert(err, qt.IsNil)
	c.Assert(ids(page), qt.DeepEquals, []string{"m2", "m1"})

	page, err = s.List(ctx, Query{Subject: "relay.>"})
	c.Assert(err, qt.IsNil)
	c.Assert(ids(page), qt.DeepEquals, []string{"m2", "m1"})
}

func TestListPatternPagination(t *testing.T) {
	c := qt.New(t)
	s := openTestStore(t)
	ctx := context.Background()

	subjects := []string{"relay.agent.a", "pulse.job.x", "relay.agent.b", "pulse.job.y", "relay.agent.c"}
	for i, subj := range subjects {
		e := testEnvelope("m"+string(rune('0'+i)), subj, "relay.x", testBase.Add(time.Duration(i)*time.Millisecond))
		c.Assert(s.Append(ctx, e), qt.IsNil)
	}

	var got []string
	cursor := ""
	for {
		page, err := s.List(ctx, Query{Subject: "relay.agent.>", Limit: 1, Cursor: cursor})
		c.Assert(err, qt.IsNil)
		got = append(got, ids(page)...)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	c.Assert(got, qt.DeepEquals, []string{"m4", "m2", "m0"})
}

func TestInvalidCursor(t *testing.T) {
	c := qt.New(t)
	s := openTestStore(t)
	_, err := s.List(context.Background(), Query{Cursor: "!!not-a-cursor!!"})
	c.Assert(err, qt.IsNotNil)
	c.Assert(relay.CodeOf(err), qt.Equals, relay.CodeInvalidRequest)
}

func TestCursorRoundTrip(t *testing.T) {
	c := qt.New(t)
	cur := encodeCursor(1234567890123, "abc123")
	ts, id, err := decodeCursor(cur)
	c.Assert(err, qt.IsNil)
	c.Assert(ts, qt.Equals, int64(1234567890123))
	c.Assert(id, qt.Equals, "abc123")
}

func ids(p *Page) []string {
	out := make([]string, 0, len(p.Messages))
	for _, m := range p.Messages {
		out = append(out, m.ID)
	}
	return out
}
