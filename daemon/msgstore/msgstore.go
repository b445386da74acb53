// Package msgstore implements the durable, append-only envelope log.
//
// Envelopes are keyed by id and listed newest-first with opaque
// cursors encoding (createdAt, id), so concurrent appends never shift
// pages.
package msgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/dork-labs/relay/daemon/relay"
	"github.com/dork-labs/relay/daemon/subject"
	"github.com/dork-labs/relay/internal/fns"
)

// Store is the durable envelope log. It assumes the messages table
// from the sqlitedb migrations.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const (
	// MaxListLimit caps a single page.
	MaxListLimit = 200
	// DefaultListLimit is used when the caller does not specify one.
	DefaultListLimit = 50

	// scanWindow bounds how many rows a pattern-filtered page may
	// examine before handing back a continuation cursor.
	scanWindow = 1000
)

// Append durably writes e. It fails only on storage errors; the
// caller owns id uniqueness.
func (s *Store) Append(ctx context.Context, e *relay.Envelope) error {
	visited, err := json.Marshal(e.Budget.Visited)
	if err != nil {
		return errors.Wrap(err, "encode visited set")
	}
	payload := []byte(e.Payload)
	if len(payload) == 0 {
		payload = []byte("null")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (
			id, subject, from_subj, reply_to, payload,
			max_hops, ttl_ms, deadline, visited,
			status, created_at, trace_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, e.ID, e.Subject, e.From, e.ReplyTo, payload,
		e.Budget.MaxHops, e.Budget.TTLMs, e.Budget.Deadline.UnixMilli(), string(visited),
		string(e.Status), e.CreatedAt.UnixMilli(), e.TraceID)
	return errors.Wrap(err, "append message")
}

// Get returns the envelope with the given id, or
// relay.ErrMessageNotFound.
func (s *Store) Get(ctx context.Context, id string) (*relay.Envelope, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+envelopeColumns+`
		FROM messages
		WHERE id = $1
	`, id)
	e, err := scanEnvelope(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, relay.ErrMessageNotFound
	} else if err != nil {
		return nil, err
	}
	return e, nil
}

// SetStatus transitions the envelope to a terminal status. Only
// new -> terminal transitions are allowed.
func (s *Store) SetStatus(ctx context.Context, id string, status relay.Status) error {
	if !status.Terminal() {
		return relay.ErrInvalidTransition
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = $1 WHERE id = $2 AND status = $3
	`, string(status), id, string(relay.StatusNew))
	if err != nil {
		return errors.Wrap(err, "set message status")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "set message status")
	}
	if n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id = $1`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return relay.ErrMessageNotFound
		} else if err != nil {
			return errors.Wrap(err, "set message status")
		}
		return relay.ErrInvalidTransition
	}
	return nil
}

// Query filters a List call. Subject may be a concrete subject or a
// wildcard pattern.
type Query struct {
	Subject string
	Status  relay.Status
	From    string
	Cursor  string
	Limit   int
}

// Page is one List result.
type Page struct {
	Messages   []*relay.Envelope `json:"messages"`
	NextCursor string            `json:"nextCursor,omitempty"`
}

// List returns envelopes newest-first. A non-empty NextCursor means
// more rows may follow; pages never overlap.
func (s *Store) List(ctx context.Context, q Query) (*Page, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	} else if limit > MaxListLimit {
		limit = MaxListLimit
	}

	var args []any
	where := "1=1"

	goFilter := ""
	if q.Subject != "" {
		if subject.HasWildcard(q.Subject) {
			goFilter = q.Subject
			if prefix := patternPrefix(q.Subject); prefix != "" {
				args = append(args, prefix+"%")
				where += " AND subject LIKE $" + strconv.Itoa(len(args))
			}
		} else {
			args = append(args, q.Subject)
			where += " AND subject = $" + strconv.Itoa(len(args))
		}
	}
	if q.Status != "" {
		args = append(args, string(q.Status))
		where += " AND status = $" + strconv.Itoa(len(args))
	}
	if q.From != "" {
		args = append(args, q.From)
		where += " AND from_subj = $" + strconv.Itoa(len(args))
	}
	if q.Cursor != "" {
		ts, id, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, err
		}
		args = append(args, ts)
		tsArg := "$" + strconv.Itoa(len(args))
		args = append(args, id)
		idArg := "$" + strconv.Itoa(len(args))
		where += " AND (created_at < " + tsArg + " OR (created_at = " + tsArg + " AND id < " + idArg + "))"
	}

	sqlLimit := limit + 1
	if goFilter != "" {
		sqlLimit = scanWindow
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+envelopeColumns+`
		FROM messages
		WHERE `+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT `+strconv.Itoa(sqlLimit),
		args...)
	if err != nil {
		return nil, errors.Wrap(err, "list messages")
	}
	defer fns.CloseIgnore(rows)

	page := &Page{Messages: make([]*relay.Envelope, 0, limit)}
	scanned := 0
	brokeEarly := false
	var lastScannedTS int64
	var lastScannedID string
	for rows.Next() {
		scanned++
		e, err := scanEnvelope(rows.Scan)
		if err != nil {
			return nil, err
		}
		lastScannedTS, lastScannedID = e.CreatedAt.UnixMilli(), e.ID
		if goFilter != "" && !subject.Match(goFilter, e.Subject) {
			continue
		}
		if len(page.Messages) == limit {
			brokeEarly = true
			break
		}
		page.Messages = append(page.Messages, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate messages")
	}

	switch {
	case brokeEarly:
		last := page.Messages[len(page.Messages)-1]
		page.NextCursor = encodeCursor(last.CreatedAt.UnixMilli(), last.ID)
	case goFilter != "" && scanned == sqlLimit:
		// Window exhausted before the page filled; continue from the
		// last row examined so the next call makes progress.
		page.NextCursor = encodeCursor(lastScannedTS, lastScannedID)
	}
	return page, nil
}

const envelopeColumns = `
	id, subject, from_subj, reply_to, payload,
	max_hops, ttl_ms, deadline, visited,
	status, created_at, trace_id`

func scanEnvelope(scan func(...any) error) (*relay.Envelope, error) {
	var (
		e        relay.Envelope
		payload  []byte
		maxHops  int64
		ttlMs    int64
		deadline int64
		visited  string
		status   string
		created  int64
	)
	err := scan(
		&e.ID, &e.Subject, &e.From, &e.ReplyTo, &payload,
		&maxHops, &ttlMs, &deadline, &visited,
		&status, &created, &e.TraceID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "scan message")
	}
	e.Payload = json.RawMessage(payload)
	e.Budget.MaxHops = uint8(maxHops)
	e.Budget.TTLMs = uint32(ttlMs)
	e.Budget.Deadline = time.UnixMilli(deadline).UTC()
	if err := json.Unmarshal([]byte(visited), &e.Budget.Visited); err != nil {
		return nil, errors.Wrap(err, "decode visited set")
	}
	e.Status = relay.Status(status)
	e.CreatedAt = time.UnixMilli(created).UTC()
	return &e, nil
}

// patternPrefix reports the literal subject prefix before the first
// wildcard token, including its trailing dot. Used to narrow LIKE
// scans; Match re-checks every candidate.
func patternPrefix(pattern string) string {
	prefix := ""
	rest := pattern
	for {
		tok, tail, more := cutToken(rest)
		if tok == "*" || tok == ">" {
			return prefix
		}
		prefix += tok
		if !more {
			return prefix
		}
		prefix += "."
		rest = tail
	}
}

func cutToken(s string) (tok, rest string, more bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}
