// Package claims implements atomic file-claim acquisition and release,
// plus the three-pass stale-claim garbage collector. A claim's existence
// is the lock: there is no read-then-write, only an insert that either
// succeeds or fails on the worker_claims table's unique key.
package claims

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// errClaimLost names the claim-already-held outcome; it is not returned
// anywhere, since TryClaimFile reports a unique-key conflict as (false, nil).
var errClaimLost = errors.New("claims: claim already held")

// Coordinator wraps the worker_claims table.
type Coordinator struct {
	db *sql.DB
}

func NewCoordinator(db *sql.DB) *Coordinator {
	return &Coordinator{db: db}
}

// claimKey mirrors the reference implementation's "claim_"+file_key
// scheme, using the segment after the last "/" when file_id is a
// collection-qualified id (e.g. "library_files/42" -> "42").
func claimKey(fileID string) string {
	key := fileID
	if idx := strings.LastIndex(fileID, "/"); idx >= 0 {
		key = fileID[idx+1:]
	}
	return "claim_" + key
}

// TryClaimFile attempts to atomically claim fileID for workerID. It
// performs a single INSERT; a unique-key violation (another worker beat
// us to it) yields (false, nil), never an error. Any other database
// failure is propagated.
func (c *Coordinator) TryClaimFile(ctx context.Context, fileID, workerID string, claimedAtMS int64) (bool, error) {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO worker_claims (claim_key, file_id, worker_id, claimed_at) VALUES (?, ?, ?, ?)`,
		claimKey(fileID), fileID, workerID, claimedAtMS,
	)
	if err == nil {
		return true, nil
	}
	if isUniqueViolation(err) {
		return false, nil
	}
	return false, fmt.Errorf("claims: try claim %s: %w", fileID, err)
}

// ErrFileNotFound is returned by GetFilePath when the file id no longer
// exists in library_files (e.g. removed between discovery and lookup).
var ErrFileNotFound = errors.New("claims: file not found")

// DiscoverNextFile returns the id of the first file still needing
// tagging, ordered deterministically by primary key, or ("", false, nil)
// if no work is available.
func (c *Coordinator) DiscoverNextFile(ctx context.Context) (string, bool, error) {
	var id string
	err := c.db.QueryRowContext(ctx,
		`SELECT id FROM library_files WHERE needs_tagging = 1 AND is_valid = 1 ORDER BY id ASC LIMIT 1`,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("claims: discover next file: %w", err)
	}
	return id, true, nil
}

// DiscoverAndClaimFile combines discovery and claim acquisition: on claim
// conflict (another worker beat us to it) it returns ("", false, nil),
// the same result as finding no work at all; callers cannot tell the two
// apart.
func (c *Coordinator) DiscoverAndClaimFile(ctx context.Context, workerID string, nowMS int64) (string, bool, error) {
	fileID, found, err := c.DiscoverNextFile(ctx)
	if err != nil || !found {
		return "", false, err
	}
	claimed, err := c.TryClaimFile(ctx, fileID, workerID, nowMS)
	if err != nil {
		return "", false, err
	}
	if !claimed {
		return "", false, nil
	}
	return fileID, true, nil
}

// GetFilePath looks up the on-disk path for a claimed file id.
func (c *Coordinator) GetFilePath(ctx context.Context, fileID string) (string, error) {
	var path string
	err := c.db.QueryRowContext(ctx, `SELECT path FROM library_files WHERE id = ?`, fileID).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrFileNotFound
	}
	if err != nil {
		return "", fmt.Errorf("claims: get file path for %s: %w", fileID, err)
	}
	return path, nil
}

// MarkFileTagged flips needs_tagging=0, tagged=1 and records the tagger
// version that produced the result.
func (c *Coordinator) MarkFileTagged(ctx context.Context, fileID, taggerVersion string) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE library_files SET tagged = 1, needs_tagging = 0, tagger_version = ? WHERE id = ?`,
		taggerVersion, fileID,
	)
	if err != nil {
		return fmt.Errorf("claims: mark file tagged %s: %w", fileID, err)
	}
	return nil
}

// ReleaseClaim deletes the claim for fileID, if any. Missing claims are
// not an error.
func (c *Coordinator) ReleaseClaim(ctx context.Context, fileID string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM worker_claims WHERE claim_key = ?`, claimKey(fileID))
	if err != nil {
		return fmt.Errorf("claims: release claim %s: %w", fileID, err)
	}
	return nil
}

// GetActiveClaimCount returns the number of currently-held claims.
func (c *Coordinator) GetActiveClaimCount(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM worker_claims`).Scan(&n); err != nil {
		return 0, fmt.Errorf("claims: count active claims: %w", err)
	}
	return n, nil
}

// CleanupAllStaleClaims runs the three GC passes in order and returns the
// total number of rows removed. Pass order matters: inactive-worker
// claims first, then completed-file claims, then ineligible-file claims.
func (c *Coordinator) CleanupAllStaleClaims(ctx context.Context, heartbeatTimeoutMS int64, nowMS int64) (int, error) {
	cutoff := nowMS - heartbeatTimeoutMS

	total := 0

	n, err := c.cleanupInactiveWorkerClaims(ctx, cutoff)
	if err != nil {
		return total, err
	}
	total += n

	n, err = c.cleanupCompletedFileClaims(ctx)
	if err != nil {
		return total, err
	}
	total += n

	n, err = c.cleanupIneligibleFileClaims(ctx)
	if err != nil {
		return total, err
	}
	total += n

	return total, nil
}

// cleanupInactiveWorkerClaims removes claims whose owning worker has no
// recent heartbeat in worker_health_history.
func (c *Coordinator) cleanupInactiveWorkerClaims(ctx context.Context, cutoffMS int64) (int, error) {
	res, err := c.db.ExecContext(ctx, `
		DELETE FROM worker_claims
		WHERE worker_id NOT IN (
			SELECT component_id FROM worker_health_history WHERE last_snapshot > ?
		)
	`, cutoffMS)
	if err != nil {
		return 0, fmt.Errorf("claims: cleanup inactive worker claims: %w", err)
	}
	return rowsAffected(res)
}

// cleanupCompletedFileClaims removes claims whose referenced file has
// already been tagged or no longer needs tagging.
func (c *Coordinator) cleanupCompletedFileClaims(ctx context.Context) (int, error) {
	res, err := c.db.ExecContext(ctx, `
		DELETE FROM worker_claims
		WHERE file_id IN (
			SELECT id FROM library_files WHERE tagged = 1 OR needs_tagging = 0
		)
	`)
	if err != nil {
		return 0, fmt.Errorf("claims: cleanup completed file claims: %w", err)
	}
	return rowsAffected(res)
}

// cleanupIneligibleFileClaims removes claims whose referenced file is
// missing, no longer needs tagging, or has been marked invalid.
// needs_tagging and is_valid are normalized to a single SQLite-native
// boolean encoding, so "== 0" is the only representation this query needs.
func (c *Coordinator) cleanupIneligibleFileClaims(ctx context.Context) (int, error) {
	res, err := c.db.ExecContext(ctx, `
		DELETE FROM worker_claims
		WHERE file_id NOT IN (SELECT id FROM library_files)
		   OR file_id IN (
		       SELECT id FROM library_files WHERE needs_tagging = 0 OR is_valid = 0
		   )
	`)
	if err != nil {
		return 0, fmt.Errorf("claims: cleanup ineligible file claims: %w", err)
	}
	return rowsAffected(res)
}

func rowsAffected(res sql.Result) (int, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("claims: rows affected: %w", err)
	}
	return int(n), nil
}

// isUniqueViolation detects a SQLite unique-constraint violation across
// modernc.org/sqlite's error wrapping. modernc reports these as a
// *sqlite.Error whose message contains "UNIQUE constraint failed"; we
// match on the message rather than importing the driver's internal error
// type to keep this package decoupled from the specific driver.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed: UNIQUE")
}
