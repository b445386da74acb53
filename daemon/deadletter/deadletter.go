// Package deadletter persists the envelopes the delivery engine
// rejected or failed to deliver, with their reason codes.
package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/dork-labs/relay/daemon/relay"
	"github.com/dork-labs/relay/internal/fns"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DefaultListLimit bounds List when the caller does not specify one.
const DefaultListLimit = 100

// Record persists dl and fills in its ID. The engine writes exactly
// one record per dead-lettered envelope.
func (s *Store) Record(ctx context.Context, dl *relay.DeadLetter) error {
	env, err := json.Marshal(dl.Envelope)
	if err != nil {
		return errors.Wrap(err, "encode dead-letter envelope")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (endpoint_hash, message_id, reason, envelope, failed_at)
		VALUES ($1, $2, $3, $4, $5)
	`, dl.EndpointHash.String(), dl.MessageID, string(dl.Reason), env, dl.FailedAt.UnixMilli())
	if err != nil {
		return errors.Wrap(err, "record dead letter")
	}
	dl.ID, err = res.LastInsertId()
	return errors.Wrap(err, "record dead letter")
}

// Query filters a List call.
type Query struct {
	// EndpointHash selects dead letters addressed to one target
	// subscriber.
	EndpointHash *relay.Hash
	Limit        int
}

// List returns dead letters newest-first.
func (s *Store) List(ctx context.Context, q Query) ([]*relay.DeadLetter, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var args []any
	where := "1=1"
	if q.EndpointHash != nil {
		args = append(args, q.EndpointHash.String())
		where += " AND endpoint_hash = $" + strconv.Itoa(len(args))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, endpoint_hash, message_id, reason, envelope, failed_at
		FROM dead_letters
		WHERE `+where+`
		ORDER BY failed_at DESC, id DESC
		LIMIT `+strconv.Itoa(limit),
		args...)
	if err != nil {
		return nil, errors.Wrap(err, "list dead letters")
	}
	defer fns.CloseIgnore(rows)

	var dls []*relay.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows.Scan)
		if err != nil {
			return nil, err
		}
		dls = append(dls, dl)
	}
	return dls, errors.Wrap(rows.Err(), "iterate dead letters")
}

// ByMessage returns the dead letters recorded for one envelope.
func (s *Store) ByMessage(ctx context.Context, messageID string) ([]*relay.DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, endpoint_hash, message_id, reason, envelope, failed_at
		FROM dead_letters
		WHERE message_id = $1
		ORDER BY id
	`, messageID)
	if err != nil {
		return nil, errors.Wrap(err, "query dead letters")
	}
	defer fns.CloseIgnore(rows)

	var dls []*relay.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows.Scan)
		if err != nil {
			return nil, err
		}
		dls = append(dls, dl)
	}
	return dls, errors.Wrap(rows.Err(), "iterate dead letters")
}

func scanDeadLetter(scan func(...any) error) (*relay.DeadLetter, error) {
	var (
		dl       relay.DeadLetter
		hash     string
		env      []byte
		failedAt int64
	)
	if err := scan(&dl.ID, &hash, &dl.MessageID, (*string)(&dl.Reason), &env, &failedAt); err != nil {
		return nil, errors.Wrap(err, "scan dead letter")
	}
	h, err := relay.ParseHash(hash)
	if err != nil {
		return nil, err
	}
	dl.EndpointHash = h
	if err := json.Unmarshal(env, &dl.Envelope); err != nil {
		return nil, errors.Wrap(err, "decode dead-letter envelope")
	}
	dl.FailedAt = time.UnixMilli(failedAt).UTC()
	return &dl, nil
}
