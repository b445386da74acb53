package adapter

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"
	"github.com/rs/xid"

	"github.com/dork-labs/relay/daemon/relay"
	"github.com/dork-labs/relay/internal/fns"
)

// SessionStrategy selects how an adapter's external conversations map
// to agent sessions.
type SessionStrategy string

const (
	SessionPerChat SessionStrategy = "per-chat"
	SessionShared  SessionStrategy = "shared"
)

// Binding pairs an adapter instance with an agent context.
type Binding struct {
	ID              string          `json:"id"`
	AdapterID       string          `json:"adapterId"`
	AgentID         string          `json:"agentId"`
	AgentDir        string          `json:"agentDir,omitempty"`
	SessionStrategy SessionStrategy `json:"sessionStrategy"`
	Label           string          `json:"label,omitempty"`
}

// BindingStore persists bindings.
type BindingStore struct {
	db *sql.DB
}

func NewBindingStore(db *sql.DB) *BindingStore {
	return &BindingStore{db: db}
}

// Create persists b, allocating an id when none is given.
func (s *BindingStore) Create(ctx context.Context, b *Binding) error {
	if b.AdapterID == "" || b.AgentID == "" {
		return relay.Errorf(relay.CodeInvalidRequest, "binding requires adapterId and agentId")
	}
	switch b.SessionStrategy {
	case "":
		b.SessionStrategy = SessionPerChat
	case SessionPerChat, SessionShared:
	default:
		return relay.Errorf(relay.CodeInvalidRequest, "invalid session strategy %q", b.SessionStrategy)
	}
	if b.ID == "" {
		b.ID = xid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bindings (id, adapter_id, agent_id, agent_dir, session_strategy, label)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, b.ID, b.AdapterID, b.AgentID, b.AgentDir, string(b.SessionStrategy), b.Label)
	return errors.Wrap(err, "create binding")
}

// Get returns the binding with the given id, or relay.ErrBindingNotFound.
func (s *BindingStore) Get(ctx context.Context, id string) (*Binding, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, adapter_id, agent_id, agent_dir, session_strategy, label
		FROM bindings
		WHERE id = $1
	`, id)
	b, err := scanBinding(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, relay.ErrBindingNotFound
	} else if err != nil {
		return nil, err
	}
	return b, nil
}

// Delete removes the binding and reports whether it existed.
func (s *BindingStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bindings WHERE id = $1`, id)
	if err != nil {
		return false, errors.Wrap(err, "delete binding")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "delete binding")
	}
	return n > 0, nil
}

// List returns all bindings ordered by id.
func (s *BindingStore) List(ctx context.Context) ([]*Binding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, adapter_id, agent_id, agent_dir, session_strategy, label
		FROM bindings
		ORDER BY id
	`)
	if err != nil {
		return nil, errors.Wrap(err, "list bindings")
	}
	defer fns.CloseIgnore(rows)

	var bs []*Binding
	for rows.Next() {
		b, err := scanBinding(rows.Scan)
		if err != nil {
			return nil, err
		}
		bs = append(bs, b)
	}
	return bs, errors.Wrap(rows.Err(), "iterate bindings")
}

// ByAdapter returns the bindings referencing one adapter instance.
func (s *BindingStore) ByAdapter(ctx context.Context, adapterID string) ([]*Binding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, adapter_id, agent_id, agent_dir, session_strategy, label
		FROM bindings
		WHERE adapter_id = $1
		ORDER BY id
	`, adapterID)
	if err != nil {
		return nil, errors.Wrap(err, "list bindings")
	}
	defer fns.CloseIgnore(rows)

	var bs []*Binding
	for rows.Next() {
		b, err := scanBinding(rows.Scan)
		if err != nil {
			return nil, err
		}
		bs = append(bs, b)
	}
	return bs, errors.Wrap(rows.Err(), "iterate bindings")
}

func scanBinding(scan func(...any) error) (*Binding, error) {
	var (
		b        Binding
		strategy string
	)
	if err := scan(&b.ID, &b.AdapterID, &b.AgentID, &b.AgentDir, &strategy, &b.Label); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "scan binding")
	}
	b.SessionStrategy = SessionStrategy(strategy)
	return &b, nil
}
