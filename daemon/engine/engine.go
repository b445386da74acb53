// Package engine implements the delivery pipeline at the heart of the
// relay kernel.
//
// A publish travels: validate subjects, normalize the budget, allocate
// a time-ordered id, run the budget checks, resolve subscribers from
// the endpoint registry, persist the envelope, record trace spans, and
// fan out on the subscription bus. Budget violations dead-letter the
// envelope instead of erroring; storage failures surface to the
// caller.
//
// Publishes are processed by a fixed set of workers. An envelope's
// worker is chosen by hashing (subject, from), so envelopes published
// to the same subject from the same origin are processed, persisted,
// and fanned out in publish order, and all spans of one envelope are
// written by one worker. Publish blocks the caller until the envelope
// is durably persisted (or rejected); fan-out completes asynchronously
// and is observable through the envelope status and its trace spans.
package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/dork-labs/relay/daemon/bus"
	"github.com/dork-labs/relay/daemon/deadletter"
	"github.com/dork-labs/relay/daemon/endpoint"
	"github.com/dork-labs/relay/daemon/msgstore"
	"github.com/dork-labs/relay/daemon/relay"
	"github.com/dork-labs/relay/daemon/subject"
	"github.com/dork-labs/relay/daemon/tracestore"
)

// DefaultWorkers is the number of delivery workers when the config
// does not specify one.
const DefaultWorkers = 4

// closeTimeout bounds how long Close waits for workers to drain.
const closeTimeout = 5 * time.Second

// PublishReq describes one publish. Budget, ReplyTo, TraceID, and
// ParentID are optional; TraceID and ParentID are set by handlers
// re-publishing a derived envelope so the trace stays connected.
type PublishReq struct {
	Subject  string
	From     string
	ReplyTo  string
	Payload  json.RawMessage
	Budget   *relay.Budget
	TraceID  string
	ParentID string
}

// Receipt is the caller-visible outcome of a publish. DeliveredTo is
// the number of matched subscribers the envelope was handed to;
// per-subscriber outcomes are observable via the trace.
type Receipt struct {
	MessageID   string `json:"messageId"`
	TraceID     string `json:"traceId"`
	DeliveredTo int    `json:"deliveredTo"`
}

// Config carries the engine's collaborators.
type Config struct {
	Workers     int
	Clock       clock.Clock
	Log         zerolog.Logger
	Messages    *msgstore.Store
	Endpoints   *endpoint.Registry
	DeadLetters *deadletter.Store
	Traces      *tracestore.Store
	Bus         *bus.Bus
}

// Engine routes envelopes from publishers to subscribers.
type Engine struct {
	clock       clock.Clock
	log         zerolog.Logger
	messages    *msgstore.Store
	endpoints   *endpoint.Registry
	deadLetters *deadletter.Store
	traces      *tracestore.Store
	bus         *bus.Bus

	workers []*queue
	wg      sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	accepted  int64
	rejected  int64
	delivered int64
	failed    int64
	byReason  map[relay.Reason]int64
}

// New constructs the engine and starts its workers. Close releases
// them.
func New(cfg Config) *Engine {
	n := cfg.Workers
	if n <= 0 {
		n = DefaultWorkers
	}
	e := &Engine{
		clock:       cfg.Clock,
		log:         cfg.Log.With().Str("component", "engine").Logger(),
		messages:    cfg.Messages,
		endpoints:   cfg.Endpoints,
		deadLetters: cfg.DeadLetters,
		traces:      cfg.Traces,
		bus:         cfg.Bus,
		workers:     make([]*queue, n),
		byReason:    make(map[relay.Reason]int64),
	}
	for i := range e.workers {
		e.workers[i] = newQueue()
		e.wg.Add(1)
		go e.run(e.workers[i])
	}
	return e
}

// Close stops intake, drains the mailboxes, and waits for the workers,
// bounded by a drain timeout.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	for _, q := range e.workers {
		q.close()
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(closeTimeout):
		return errors.New("engine: drain timed out")
	}
}

type submission struct {
	req     PublishReq
	id      string
	traceID string
	done    chan result // buffered; nil for async re-publishes
}

type result struct {
	receipt *Receipt
	err     error
}

// asyncKey marks contexts originating inside a fan-out, where a
// blocking re-publish on the same worker would deadlock.
type asyncKey struct{}

// Publish submits the request and blocks until the envelope is durably
// persisted (or rejected by its budget), honoring ctx while waiting.
// Once persisted, cancellation cannot unsend. Budget rejections are
// not errors: the receipt reports DeliveredTo 0 and a dead-letter
// record explains why.
//
// When called from inside a subscriber handler the submission is
// enqueued without waiting and the receipt carries only the assigned
// ids; the outcome surfaces via the trace.
func (e *Engine) Publish(ctx context.Context, req PublishReq) (*Receipt, error) {
	if err := subject.Validate(req.Subject); err != nil {
		return nil, err
	}
	if err := subject.Validate(req.From); err != nil {
		return nil, err
	}
	if req.ReplyTo != "" {
		if err := subject.Validate(req.ReplyTo); err != nil {
			return nil, err
		}
	}

	sub := &submission{
		req:     req,
		id:      xid.NewWithTime(e.clock.Now()).String(),
		traceID: req.TraceID,
	}
	if sub.traceID == "" {
		sub.traceID = sub.id
	}
	async := ctx.Value(asyncKey{}) != nil
	if !async {
		sub.done = make(chan result, 1)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, errors.New("engine: closed")
	}
	q := e.workers[shard(req.Subject, req.From, len(e.workers))]
	e.mu.Unlock()
	if !q.push(sub) {
		return nil, errors.New("engine: closed")
	}
	if async {
		return &Receipt{MessageID: sub.id, TraceID: sub.traceID}, nil
	}

	select {
	case res := <-sub.done:
		return res.receipt, res.err
	case <-ctx.Done():
		// The worker may still commit the envelope; the caller
		// only abandons the wait.
		return nil, errors.Wrap(ctx.Err(), "publish")
	}
}

func shard(subj, from string, n int) int {
	h := xxhash.Sum64String(subj + "\x00" + from)
	return int(h % uint64(n))
}

func (e *Engine) run(q *queue) {
	defer e.wg.Done()
	for {
		sub, ok := q.pop()
		if !ok {
			return
		}
		e.process(sub)
	}
}

func (e *Engine) process(sub *submission) {
	ctx := context.Background()
	now := e.clock.Now().UTC().Truncate(time.Millisecond)

	var budget relay.Budget
	if sub.req.Budget != nil {
		budget = *sub.req.Budget
	}
	budget = budget.Normalized(now)
	incoming := budget.Visited

	env := &relay.Envelope{
		ID:        sub.id,
		Subject:   sub.req.Subject,
		From:      sub.req.From,
		ReplyTo:   sub.req.ReplyTo,
		Payload:   sub.req.Payload,
		Budget:    budget,
		Status:    relay.StatusNew,
		CreatedAt: now,
		TraceID:   sub.traceID,
	}

	if reason, detail := checkBudget(env, incoming, now); reason != "" {
		e.reject(ctx, sub, env, reason, detail, now)
		return
	}
	// The publisher's hop is recorded at accept: for derived
	// envelopes from is the subscriber endpoint's subject, so this
	// is the "append endpoint hash before re-publish" step.
	env.Budget.Visited = incoming.Add(relay.HashSubject(env.From))

	eps, err := e.endpoints.FindMatching(ctx, env.Subject)
	if err != nil {
		sub.finish(result{err: storageErr(err)})
		return
	}

	if err := e.messages.Append(ctx, env); err != nil {
		sub.finish(result{err: storageErr(err)})
		return
	}
	e.recordSpan(ctx, &relay.Span{
		TraceID:         env.TraceID,
		MessageID:       env.ID,
		ParentMessageID: sub.req.ParentID,
		Subject:         env.Subject,
		From:            env.From,
		EventType:       relay.EventAccept,
		Timestamp:       now,
	})
	e.count(func() { e.accepted++ })

	// The envelope is durable: release the caller before fan-out.
	sub.finish(result{receipt: &Receipt{
		MessageID:   env.ID,
		TraceID:     env.TraceID,
		DeliveredTo: len(eps),
	}})

	e.fanOut(ctx, env, eps)
}

// checkBudget runs the pre-persist budget checks against the incoming
// visited set, returning the rejection reason or "". The cycle check
// runs before the hop check so a publisher already present in the
// visited set reports the true cause rather than an incidental hop
// overflow.
func checkBudget(env *relay.Envelope, incoming relay.VisitedSet, now time.Time) (relay.Reason, string) {
	if now.After(env.Budget.Deadline) {
		return relay.ReasonTTLExpired, "envelope deadline exceeded before accept"
	}
	switch {
	case env.Subject == env.From:
		return relay.ReasonCycleDetected, "subject equals origin"
	case incoming.Has(relay.HashSubject(env.From)):
		return relay.ReasonCycleDetected, "origin already present in visited set"
	case incoming.Has(relay.HashSubject(env.Subject)):
		return relay.ReasonCycleDetected, "subject already present in visited set"
	}
	if len(incoming) >= int(env.Budget.MaxHops) {
		return relay.ReasonHopLimit, "visited set reached max hops"
	}
	return "", ""
}

// reject persists the envelope as dead-lettered with its reason,
// records the reject span and dead-letter row, and emits the signal.
// The publish itself still succeeds: the receipt reports zero
// deliveries.
func (e *Engine) reject(ctx context.Context, sub *submission, env *relay.Envelope, reason relay.Reason, detail string, now time.Time) {
	env.Status = relay.StatusDeadLetter
	env.Budget.Visited = env.Budget.Visited.Add(relay.HashSubject(env.From))

	// The envelope is appended first so the span never references a
	// message that was not persisted.
	if err := e.messages.Append(ctx, env); err != nil {
		sub.finish(result{err: storageErr(err)})
		return
	}
	e.recordSpan(ctx, &relay.Span{
		TraceID:         env.TraceID,
		MessageID:       env.ID,
		ParentMessageID: sub.req.ParentID,
		Subject:         env.Subject,
		From:            env.From,
		EventType:       relay.EventReject,
		Timestamp:       now,
		Error:           string(reason),
	})
	e.recordDeadLetter(ctx, &relay.DeadLetter{
		EndpointHash: relay.HashSubject(env.From),
		MessageID:    env.ID,
		Reason:       reason,
		Envelope:     env,
		FailedAt:     now,
	})

	e.log.Debug().
		Str("message_id", env.ID).
		Str("subject", env.Subject).
		Str("reason", string(reason)).
		Str("detail", detail).
		Msg("publish rejected by budget")
	e.count(func() { e.rejected++; e.byReason[reason]++ })

	sub.finish(result{receipt: &Receipt{
		MessageID:   env.ID,
		TraceID:     env.TraceID,
		DeliveredTo: 0,
	}})
}

// fanOut hands env to each matched endpoint in registration order and
// finalizes the envelope status from the outcomes.
func (e *Engine) fanOut(ctx context.Context, env *relay.Envelope, eps []*relay.Endpoint) {
	fanCtx := context.WithValue(ctx, asyncKey{}, true)
	deliveries := e.bus.PublishLocal(fanCtx, env)
	byOwner := make(map[string][]bus.Delivery, len(deliveries))
	for _, d := range deliveries {
		byOwner[d.Owner] = append(byOwner[d.Owner], d)
	}

	succeeded := 0
	var firstFailed *relay.Endpoint
	for _, ep := range eps {
		ds := byOwner[ep.Subject]
		ok, duration := endpointOutcome(ds)
		if !ok {
			if firstFailed == nil {
				firstFailed = ep
			}
			continue
		}
		succeeded++
		now := e.clock.Now().UTC().Truncate(time.Millisecond)
		e.recordSpan(ctx, &relay.Span{
			TraceID:    env.TraceID,
			MessageID:  env.ID,
			Subject:    env.Subject,
			From:       env.From,
			ToSubject:  ep.Subject,
			EventType:  relay.EventDeliver,
			Timestamp:  now,
			DurationMs: duration.Milliseconds(),
		})
		if err := e.endpoints.Touch(ctx, ep.Subject, now); err != nil {
			e.log.Error().Err(err).Str("endpoint", ep.Subject).Msg("recording endpoint activity failed")
		}
	}

	switch {
	case succeeded > 0 || len(eps) == 0:
		e.setStatus(ctx, env.ID, relay.StatusDelivered)
		e.count(func() { e.delivered++ })
	default:
		// Subscribers existed but none took the envelope.
		e.setStatus(ctx, env.ID, relay.StatusFailed)
		now := e.clock.Now().UTC().Truncate(time.Millisecond)
		e.recordSpan(ctx, &relay.Span{
			TraceID:   env.TraceID,
			MessageID: env.ID,
			Subject:   env.Subject,
			From:      env.From,
			ToSubject: firstFailed.Subject,
			EventType: relay.EventDeadLetter,
			Timestamp: now,
			Error:     string(relay.ReasonPublishFailed),
		})
		e.recordDeadLetter(ctx, &relay.DeadLetter{
			EndpointHash: firstFailed.SubjectHash,
			MessageID:    env.ID,
			Reason:       relay.ReasonPublishFailed,
			Envelope:     env,
			FailedAt:     now,
		})
		e.count(func() { e.failed++; e.byReason[relay.ReasonPublishFailed]++ })
	}
}

// endpointOutcome reduces the deliveries addressed to one endpoint.
// An endpoint with no live handler accepts passively: the envelope is
// durably logged and readable from its inbox.
func endpointOutcome(ds []bus.Delivery) (ok bool, duration time.Duration) {
	if len(ds) == 0 {
		return true, 0
	}
	for _, d := range ds {
		if d.Err == nil && !d.Dropped {
			if d.Duration > duration {
				duration = d.Duration
			}
			ok = true
		}
	}
	return ok, duration
}

func (e *Engine) setStatus(ctx context.Context, id string, status relay.Status) {
	if err := e.messages.SetStatus(ctx, id, status); err != nil {
		e.log.Error().Err(err).Str("message_id", id).Msg("finalizing message status failed")
	}
}

func (e *Engine) recordSpan(ctx context.Context, span *relay.Span) {
	if err := e.traces.RecordSpan(ctx, span); err != nil {
		e.log.Error().Err(err).Str("message_id", span.MessageID).Msg("recording trace span failed")
	}
}

func (e *Engine) recordDeadLetter(ctx context.Context, dl *relay.DeadLetter) {
	if err := e.deadLetters.Record(ctx, dl); err != nil {
		e.log.Error().Err(err).Str("message_id", dl.MessageID).Msg("recording dead letter failed")
		return
	}
	e.bus.EmitSignal(relay.Signal{
		Type:      relay.SignalDeadLetter,
		Subject:   dl.Envelope.Subject,
		MessageID: dl.MessageID,
		Reason:    dl.Reason,
		At:        dl.FailedAt,
	})
}

func (e *Engine) count(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn()
}

func storageErr(err error) error {
	return errors.WithSecondaryError(
		relay.Errorf(relay.CodeStorageError, "storage error"), err)
}

func (sub *submission) finish(res result) {
	if sub.done != nil {
		sub.done <- res
		sub.done = nil
	}
}

// Stats reports live engine counters for the kernel metrics endpoint.
type Stats struct {
	Accepted           int64                  `json:"accepted"`
	Rejected           int64                  `json:"rejected"`
	Delivered          int64                  `json:"delivered"`
	Failed             int64                  `json:"failed"`
	DeadLetterByReason map[relay.Reason]int64 `json:"deadLetterByReason"`
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	byReason := make(map[relay.Reason]int64, len(e.byReason))
	for r, n := range e.byReason {
		byReason[r] = n
	}
	return Stats{
		Accepted:           e.accepted,
		Rejected:           e.rejected,
		Delivered:          e.delivered,
		Failed:             e.failed,
		DeadLetterByReason: byReason,
	}
}
