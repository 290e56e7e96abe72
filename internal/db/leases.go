package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloud-shuttle/adw/internal/ports"
)

// Lease implements ports.Leaser. The UNIQUE constraints on both port
// columns make two allocators racing for the same pair resolve inside
// sqlite: the loser sees a constraint failure and moves to the next pair.
func (s *Store) Lease(ctx context.Context, runID string, candidates []ports.Pair) (ports.Pair, error) {
	if p, ok, err := s.LeaseFor(ctx, runID); err != nil {
		return ports.Pair{}, err
	} else if ok {
		return p, nil
	}

	now := time.Now().Unix()
	for _, c := range candidates {
		_, err := s.DB.ExecContext(ctx, `
			INSERT INTO port_leases (run_id, server_port, client_port, leased_at)
			VALUES (?, ?, ?, ?)
		`, runID, c.Server, c.Client, now)
		if err == nil {
			return c, nil
		}
		if isConstraintError(err) {
			// Another run holds this pair, or we lost a race for our own row.
			if p, ok, lerr := s.LeaseFor(ctx, runID); lerr == nil && ok {
				return p, nil
			}
			continue
		}
		return ports.Pair{}, fmt.Errorf("recording lease for %s: %w", runID, err)
	}
	return ports.Pair{}, ports.ErrNoFreePorts
}

// LeaseFor returns the pair currently leased to runID
func (s *Store) LeaseFor(ctx context.Context, runID string) (ports.Pair, bool, error) {
	var p ports.Pair
	err := s.DB.QueryRowContext(ctx, `
		SELECT server_port, client_port FROM port_leases WHERE run_id = ?
	`, runID).Scan(&p.Server, &p.Client)
	if errors.Is(err, sql.ErrNoRows) {
		return ports.Pair{}, false, nil
	}
	if err != nil {
		return ports.Pair{}, false, fmt.Errorf("reading lease for %s: %w", runID, err)
	}
	return p, true, nil
}

// Release drops the lease held by runID, if any
func (s *Store) Release(ctx context.Context, runID string) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM port_leases WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("releasing lease for %s: %w", runID, err)
	}
	return nil
}

func isConstraintError(err error) bool {
	return strings.Contains(err.Error(), "constraint failed")
}
