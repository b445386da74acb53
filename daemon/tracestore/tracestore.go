// Package tracestore records the span-structured journey of each
// envelope and aggregates delivery metrics from it.
package tracestore

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/dork-labs/relay/daemon/relay"
	"github.com/dork-labs/relay/internal/fns"
)

type Store struct {
	db    *sql.DB
	clock clock.Clock
	log   zerolog.Logger
}

func New(db *sql.DB, clk clock.Clock, log zerolog.Logger) *Store {
	return &Store{db: db, clock: clk, log: log.With().Str("component", "tracestore").Logger()}
}

// RecordSpan appends span. Spans are immutable once written.
func (s *Store) RecordSpan(ctx context.Context, span *relay.Span) error {
	var duration any
	if span.DurationMs > 0 {
		duration = span.DurationMs
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trace_spans (
			trace_id, message_id, parent_message_id, subject, from_subj,
			to_subject, event_type, timestamp, duration_ms, error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, span.TraceID, span.MessageID, span.ParentMessageID, span.Subject, span.From,
		span.ToSubject, string(span.EventType), span.Timestamp.UnixMilli(), duration, span.Error)
	return errors.Wrap(err, "record span")
}

// GetSpan returns the first span recorded for messageID: the accept
// or reject that admitted the envelope.
func (s *Store) GetSpan(ctx context.Context, messageID string) (*relay.Span, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+spanColumns+`
		FROM trace_spans
		WHERE message_id = $1
		ORDER BY timestamp, id
		LIMIT 1
	`, messageID)
	span, err := scanSpan(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, relay.Errorf(relay.CodeNotFound, "no spans recorded for message %q", messageID)
	} else if err != nil {
		return nil, err
	}
	return span, nil
}

// GetTrace returns every span sharing traceID, ordered by timestamp
// then arrival.
func (s *Store) GetTrace(ctx context.Context, traceID string) ([]*relay.Span, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+spanColumns+`
		FROM trace_spans
		WHERE trace_id = $1
		ORDER BY timestamp, id
	`, traceID)
	if err != nil {
		return nil, errors.Wrap(err, "get trace")
	}
	defer fns.CloseIgnore(rows)

	var spans []*relay.Span
	for rows.Next() {
		span, err := scanSpan(rows.Scan)
		if err != nil {
			return nil, err
		}
		spans = append(spans, span)
	}
	return spans, errors.Wrap(rows.Err(), "iterate spans")
}

// Metrics aggregates delivery outcomes across all retained spans.
// Latency is measured per envelope from its accept span to its last
// deliver span; envelopes that were never delivered contribute to the
// counts but not to latency.
func (s *Store) Metrics(ctx context.Context) (*relay.Metrics, error) {
	m := &relay.Metrics{DeadLetterByReason: make(map[relay.Reason]int64)}

	counts := []struct {
		dst   *int64
		where string
	}{
		{&m.TotalMessages, `event_type IN ('accept', 'reject')`},
		{&m.DeliveredCount, `event_type = 'deliver'`},
		{&m.FailedCount, `event_type IN ('reject', 'dead_letter')`},
	}
	for _, q := range counts {
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(DISTINCT message_id) FROM trace_spans WHERE `+q.where,
		).Scan(q.dst)
		if err != nil {
			return nil, errors.Wrap(err, "count spans")
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT error, COUNT(*)
		FROM trace_spans
		WHERE event_type IN ('reject', 'dead_letter') AND error != ''
		GROUP BY error
	`)
	if err != nil {
		return nil, errors.Wrap(err, "count dead-letter reasons")
	}
	defer fns.CloseIgnore(rows)
	for rows.Next() {
		var reason string
		var n int64
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, errors.Wrap(err, "scan reason count")
		}
		m.DeadLetterByReason[relay.Reason(reason)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate reason counts")
	}

	latencies, err := s.deliveryLatencies(ctx)
	if err != nil {
		return nil, err
	}
	if len(latencies) > 0 {
		var sum float64
		for _, l := range latencies {
			sum += l
		}
		m.AvgDeliveryLatencyMs = sum / float64(len(latencies))
		sort.Float64s(latencies)
		idx := (len(latencies)*95 + 99) / 100 // ceil(n * 0.95)
		m.P95DeliveryLatencyMs = latencies[idx-1]
	}
	return m, nil
}

func (s *Store) deliveryLatencies(ctx context.Context) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT MAX(d.timestamp) - a.timestamp
		FROM trace_spans a
		JOIN trace_spans d ON d.message_id = a.message_id AND d.event_type = 'deliver'
		WHERE a.event_type = 'accept'
		GROUP BY a.message_id, a.timestamp
	`)
	if err != nil {
		return nil, errors.Wrap(err, "query delivery latencies")
	}
	defer fns.CloseIgnore(rows)

	var out []float64
	for rows.Next() {
		var ms int64
		if err := rows.Scan(&ms); err != nil {
			return nil, errors.Wrap(err, "scan latency")
		}
		out = append(out, float64(ms))
	}
	return out, errors.Wrap(rows.Err(), "iterate latencies")
}

// Prune deletes spans older than cutoff and reports how many were
// removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM trace_spans WHERE timestamp < $1`, cutoff.UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, "prune spans")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "prune spans")
}

// RunPruner deletes expired spans every hour until ctx is done.
func (s *Store) RunPruner(ctx context.Context, retention time.Duration) {
	ticker := s.clock.Ticker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := s.clock.Now().Add(-retention)
			n, err := s.Prune(ctx, cutoff)
			if err != nil {
				s.log.Error().Err(err).Msg("pruning trace spans failed")
			} else if n > 0 {
				s.log.Debug().Int64("spans", n).Msg("pruned expired trace spans")
			}
		}
	}
}

const spanColumns = `
	trace_id, message_id, parent_message_id, subject, from_subj,
	to_subject, event_type, timestamp, duration_ms, error`

func scanSpan(scan func(...any) error) (*relay.Span, error) {
	var (
		span      relay.Span
		eventType string
		ts        int64
		duration  sql.NullInt64
	)
	err := scan(
		&span.TraceID, &span.MessageID, &span.ParentMessageID, &span.Subject, &span.From,
		&span.ToSubject, &eventType, &ts, &duration, &span.Error,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "scan span")
	}
	span.EventType = relay.EventType(eventType)
	span.Timestamp = time.UnixMilli(ts).UTC()
	if duration.Valid {
		span.DurationMs = duration.Int64
	}
	return &span, nil
}
