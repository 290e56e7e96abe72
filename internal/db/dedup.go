package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DedupStore persists the last trigger fingerprint per item for one
// dispatcher scope, so dedup survives a dispatcher restart.
type DedupStore struct {
	store *Store
	scope string
}

// Dedup returns the dedup table view for scope (e.g. "cron")
func (s *Store) Dedup(scope string) *DedupStore {
	return &DedupStore{store: s, scope: scope}
}

// Last returns the last remembered fingerprint for key
func (d *DedupStore) Last(ctx context.Context, key string) (string, bool, error) {
	var fp string
	err := d.store.DB.QueryRowContext(ctx, `
		SELECT fingerprint FROM trigger_dedup WHERE scope = ? AND item_key = ?
	`, d.scope, key).Scan(&fp)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading fingerprint %s/%s: %w", d.scope, key, err)
	}
	return fp, true, nil
}

// Remember stores fingerprint as the latest occurrence acted on for key
func (d *DedupStore) Remember(ctx context.Context, key, fingerprint string) error {
	_, err := d.store.DB.ExecContext(ctx, `
		INSERT INTO trigger_dedup (scope, item_key, fingerprint, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(scope, item_key) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			updated_at = excluded.updated_at
	`, d.scope, key, fingerprint, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("remembering fingerprint %s/%s: %w", d.scope, key, err)
	}
	return nil
}
