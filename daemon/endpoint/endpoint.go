// Package endpoint implements the persistent subject -> endpoint
// registry the delivery engine resolves subscribers from.
package endpoint

import (
	"context"
	"database/sql"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"

	"github.com/dork-labs/relay/daemon/relay"
	"github.com/dork-labs/relay/daemon/subject"
	"github.com/dork-labs/relay/internal/fns"
)

// Registry manages endpoint registrations. Registered subjects may
// contain wildcards; FindMatching treats them as patterns.
type Registry struct {
	db    *sql.DB
	clock clock.Clock
}

func New(db *sql.DB, clk clock.Clock) *Registry {
	return &Registry{db: db, clock: clk}
}

// Register adds an endpoint for subj. Re-registering an existing
// subject with the same description (or none) returns the existing
// endpoint; a conflicting description is refused so one registrant
// cannot silently take over another's subject.
func (r *Registry) Register(ctx context.Context, subj, description string) (*relay.Endpoint, error) {
	if err := subject.ValidatePattern(subj); err != nil {
		return nil, err
	}

	existing, err := r.Get(ctx, subj)
	if err != nil && !errors.Is(err, relay.ErrEndpointNotFound) {
		return nil, err
	}
	if existing != nil {
		if description != "" && existing.Description != "" && description != existing.Description {
			return nil, relay.ErrDuplicateEndpoint
		}
		return existing, nil
	}

	ep := &relay.Endpoint{
		Subject:      subj,
		SubjectHash:  relay.HashSubject(subj),
		RegisteredAt: r.clock.Now().UTC().Truncate(time.Millisecond),
		Description:  description,
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO endpoints (subject, subject_hash, registered_at, description)
		VALUES ($1, $2, $3, $4)
	`, ep.Subject, ep.SubjectHash.String(), ep.RegisteredAt.UnixMilli(), ep.Description)
	if err != nil {
		return nil, errors.Wrap(err, "register endpoint")
	}
	return ep, nil
}

// Unregister removes the endpoint for subj. It reports whether an
// endpoint existed; removing an absent subject is not an error.
func (r *Registry) Unregister(ctx context.Context, subj string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM endpoints WHERE subject = $1`, subj)
	if err != nil {
		return false, errors.Wrap(err, "unregister endpoint")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "unregister endpoint")
	}
	return n > 0, nil
}

// Get returns the endpoint registered for exactly subj.
func (r *Registry) Get(ctx context.Context, subj string) (*relay.Endpoint, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+endpointColumns+`
		FROM endpoints
		WHERE subject = $1
	`, subj)
	ep, err := scanEndpoint(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, relay.ErrEndpointNotFound
	} else if err != nil {
		return nil, err
	}
	return ep, nil
}

// List returns all endpoints in registration order.
func (r *Registry) List(ctx context.Context) ([]*relay.Endpoint, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+endpointColumns+`
		FROM endpoints
		ORDER BY registered_at, subject
	`)
	if err != nil {
		return nil, errors.Wrap(err, "list endpoints")
	}
	defer fns.CloseIgnore(rows)

	var eps []*relay.Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows.Scan)
		if err != nil {
			return nil, err
		}
		eps = append(eps, ep)
	}
	return eps, errors.Wrap(rows.Err(), "iterate endpoints")
}

// FindMatching returns every endpoint whose registered subject,
// treated as a pattern, matches subj. Results are in registration
// order; this is the fan-out order the engine uses.
func (r *Registry) FindMatching(ctx context.Context, subj string) ([]*relay.Endpoint, error) {
	eps, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	return fns.Filter(eps, func(ep *relay.Endpoint) bool {
		return subject.Match(ep.Subject, subj)
	}), nil
}

// Touch records a delivery to subj: bumps the message count and the
// last-activity timestamp.
func (r *Registry) Touch(ctx context.Context, subj string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE endpoints
		SET last_activity = $1, message_count = message_count + 1
		WHERE subject = $2
	`, at.UnixMilli(), subj)
	return errors.Wrap(err, "touch endpoint")
}

const endpointColumns = `subject, subject_hash, registered_at, description, last_activity, message_count`

func scanEndpoint(scan func(...any) error) (*relay.Endpoint, error) {
	var (
		ep           relay.Endpoint
		hash         string
		registeredAt int64
		lastActivity sql.NullInt64
	)
	err := scan(&ep.Subject, &hash, &registeredAt, &ep.Description, &lastActivity, &ep.MessageCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "scan endpoint")
	}
	h, err := relay.ParseHash(hash)
	if err != nil {
		return nil, err
	}
	ep.SubjectHash = h
	ep.RegisteredAt = time.UnixMilli(registeredAt).UTC()
	if lastActivity.Valid {
		t := time.UnixMilli(lastActivity.Int64).UTC()
		ep.LastActivity = &t
	}
	return &ep, nil
}
