package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nomarr/workercore/internal/healthmonitor"
)

// HistoryStore writes worker_health_history snapshots inside a single
// transaction per batch, the relational equivalent of an atomic
// temp-file-then-rename write: all rows in the batch land or none do.
type HistoryStore struct {
	db *sql.DB
}

func NewHistoryStore(db *sql.DB) *HistoryStore {
	return &HistoryStore{db: db}
}

var _ healthmonitor.HistoryStore = (*HistoryStore)(nil)

func (s *HistoryStore) WriteSnapshots(ctx context.Context, snapshots []healthmonitor.Snapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin history snapshot tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO worker_health_history (component_id, status, last_snapshot) VALUES (?, ?, ?)
		ON CONFLICT(component_id) DO UPDATE SET status = excluded.status, last_snapshot = excluded.last_snapshot
	`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare history snapshot insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, snap := range snapshots {
		if _, err := stmt.ExecContext(ctx, snap.ComponentID, string(snap.Status), snap.LastSnapshot.UnixMilli()); err != nil {
			return fmt.Errorf("sqlite: insert history snapshot for %s: %w", snap.ComponentID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit history snapshot tx: %w", err)
	}
	return nil
}
