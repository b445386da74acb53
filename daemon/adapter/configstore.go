package adapter

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"

	"github.com/dork-labs/relay/daemon/relay"
	"github.com/dork-labs/relay/internal/fns"
)

// Record is one persisted adapter configuration.
type Record struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Enabled   bool           `json:"enabled"`
	Config    map[string]any `json:"config"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// ConfigStore persists adapter configuration records.
type ConfigStore struct {
	db    *sql.DB
	clock clock.Clock
}

func NewConfigStore(db *sql.DB, clk clock.Clock) *ConfigStore {
	return &ConfigStore{db: db, clock: clk}
}

// Put upserts rec and stamps UpdatedAt.
func (s *ConfigStore) Put(ctx context.Context, rec *Record) error {
	cfg, err := json.Marshal(rec.Config)
	if err != nil {
		return errors.Wrap(err, "encode adapter config")
	}
	rec.UpdatedAt = s.clock.Now().UTC().Truncate(time.Millisecond)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO adapter_configs (id, type, enabled, config, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			type = excluded.type,
			enabled = excluded.enabled,
			config = excluded.config,
			updated_at = excluded.updated_at
	`, rec.ID, rec.Type, rec.Enabled, cfg, rec.UpdatedAt.UnixMilli())
	return errors.Wrap(err, "store adapter config")
}

// Get returns the record with the given id, or relay.ErrAdapterNotFound.
func (s *ConfigStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, enabled, config, updated_at
		FROM adapter_configs
		WHERE id = $1
	`, id)
	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, relay.ErrAdapterNotFound
	} else if err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes the record; deleting an absent id is not an error.
func (s *ConfigStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM adapter_configs WHERE id = $1`, id)
	return errors.Wrap(err, "delete adapter config")
}

// List returns all records ordered by id.
func (s *ConfigStore) List(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, enabled, config, updated_at
		FROM adapter_configs
		ORDER BY id
	`)
	if err != nil {
		return nil, errors.Wrap(err, "list adapter configs")
	}
	defer fns.CloseIgnore(rows)

	var recs []*Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, errors.Wrap(rows.Err(), "iterate adapter configs")
}

func scanRecord(scan func(...any) error) (*Record, error) {
	var (
		rec       Record
		cfg       []byte
		updatedAt int64
	)
	if err := scan(&rec.ID, &rec.Type, &rec.Enabled, &cfg, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "scan adapter config")
	}
	if err := json.Unmarshal(cfg, &rec.Config); err != nil {
		return nil, errors.Wrap(err, "decode adapter config")
	}
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &rec, nil
}
