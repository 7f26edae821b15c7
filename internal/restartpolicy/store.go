package restartpolicy

import (
	"context"
	"database/sql"
	"fmt"
)

// Store persists restart counters and permanent-failure marks across
// supervisor restarts. It is never consulted for liveness decisions —
// that authority belongs solely to the in-memory health monitor registry.
type Store struct {
	db *sql.DB
}

// NewStore wraps an already-opened *sql.DB. Callers are expected to have
// run sqlite.EnsureCoordinationSchema beforehand.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetRestartState returns the persisted (count, last_restart_wall_ms) for
// a component, or (0, nil) if no row exists yet.
func (s *Store) GetRestartState(ctx context.Context, componentID string) (int, *int64, error) {
	var count int
	var lastRestart sql.NullInt64

	row := s.db.QueryRowContext(ctx,
		`SELECT restart_count, last_restart_wall_ms FROM worker_restart_policy WHERE component_id = ?`,
		componentID,
	)
	if err := row.Scan(&count, &lastRestart); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil, nil
		}
		return 0, nil, fmt.Errorf("restartpolicy: get state for %s: %w", componentID, err)
	}

	if !lastRestart.Valid {
		return count, nil, nil
	}
	v := lastRestart.Int64
	return count, &v, nil
}

// IncrementRestartCount atomically upserts the restart counter: on first
// restart sets count=1, on subsequent restarts sets count=count+1. Always
// refreshes last_restart_wall_ms.
func (s *Store) IncrementRestartCount(ctx context.Context, componentID string, nowWallMS int64) (int, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_restart_policy (component_id, restart_count, last_restart_wall_ms)
		VALUES (?, 1, ?)
		ON CONFLICT(component_id) DO UPDATE SET
			restart_count = restart_count + 1,
			last_restart_wall_ms = excluded.last_restart_wall_ms
	`, componentID, nowWallMS)
	if err != nil {
		return 0, fmt.Errorf("restartpolicy: increment restart count for %s: %w", componentID, err)
	}

	count, _, err := s.GetRestartState(ctx, componentID)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ResetRestartCount is an admin operation that clears a component's
// restart counter and last-restart timestamp.
func (s *Store) ResetRestartCount(ctx context.Context, componentID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_restart_policy (component_id, restart_count, last_restart_wall_ms)
		VALUES (?, 0, NULL)
		ON CONFLICT(component_id) DO UPDATE SET
			restart_count = 0,
			last_restart_wall_ms = NULL
	`, componentID)
	if err != nil {
		return fmt.Errorf("restartpolicy: reset restart count for %s: %w", componentID, err)
	}
	return nil
}

// MarkFailedPermanent records a terminal failure. It intentionally does
// not modify restart_count, preserving the history of how many restarts
// were attempted before exhaustion.
func (s *Store) MarkFailedPermanent(ctx context.Context, componentID string, nowWallMS int64, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_restart_policy (component_id, restart_count, failed_at_wall_ms, failure_reason)
		VALUES (?, 0, ?, ?)
		ON CONFLICT(component_id) DO UPDATE SET
			failed_at_wall_ms = excluded.failed_at_wall_ms,
			failure_reason = excluded.failure_reason
	`, componentID, nowWallMS, reason)
	if err != nil {
		return fmt.Errorf("restartpolicy: mark failed permanent for %s: %w", componentID, err)
	}
	return nil
}
