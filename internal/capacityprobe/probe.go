// Package capacityprobe implements the one-shot, DB-locked measurement of
// per-model-configuration GPU/CPU cost. The first worker to observe a
// given model-set fingerprint becomes leader and measures; every other
// caller polls for the result. A conservative fallback estimate is
// returned whenever measurement cannot complete.
package capacityprobe

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/nomarr/workercore/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	probePollInterval        = 5 * time.Second
	probeTimeout             = 120 * time.Second
	conservativeBackboneVRAM = 8192
	conservativeWorkerRAM    = 4096
	minMeasuredWorkerRAMMB   = 1024
	clampedMinWorkerRAMMB    = 2048
)

var modelSetExtensions = map[string]bool{".pb": true, ".h5": true, ".json": true}

// Estimate is one row of the capacity_estimates table.
type Estimate struct {
	ModelSetHash           string
	MeasuredBackboneVRAMMB int64
	EstimatedWorkerRAMMB   int64
	GPUCapable             bool
	IsConservative         bool
}

// Warmer performs the ML-subsystem-specific work of loading the backbone
// model into cache so its steady-state VRAM/RAM footprint can be
// measured. This is an opaque collaborator, out of scope here; no
// concrete implementation ships in this package.
type Warmer interface {
	Warmup(ctx context.Context, modelsDir string) error
}

// Meter measures current resource usage for the leader's own process,
// used to compute before/after deltas around the warmup call.
type Meter interface {
	VRAMUsageForPIDMB(ctx context.Context, pid int) int64
	RSSUsageMB(ctx context.Context) (int64, error)
}

// Probe coordinates leader election and measurement for one supervisor
// process. Concurrent in-process callers for the same model_set_hash are
// collapsed via singleflight before ever touching the database.
type Probe struct {
	db     *sql.DB
	warmer Warmer
	meter  Meter
	log    zerolog.Logger

	sf singleflight.Group
}

func New(db *sql.DB, warmer Warmer, meter Meter, logger zerolog.Logger) *Probe {
	return &Probe{db: db, warmer: warmer, meter: meter, log: logger}
}

// ComputeModelSetHash hashes (relative_path, size) for every recognized
// model file under modelsDir, sorted for determinism, truncated to 16 hex
// characters. On I/O error it falls back to a timestamp-seeded hash so
// the caller always gets a usable cache key.
func ComputeModelSetHash(modelsDir string) string {
	type entry struct {
		path string
		size int64
	}
	var entries []entry

	err := filepath.Walk(modelsDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if !modelSetExtensions[filepath.Ext(path)] {
			return nil
		}
		rel, rerr := filepath.Rel(modelsDir, path)
		if rerr != nil {
			rel = path
		}
		entries = append(entries, entry{path: rel, size: info.Size()})
		return nil
	})

	h := sha256.New()
	if err != nil {
		fmt.Fprintf(h, "fallback:%d", time.Now().UnixNano())
		return hex.EncodeToString(h.Sum(nil))[:16]
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].path < entries[j].path })
	for _, e := range entries {
		fmt.Fprintf(h, "%s:%d", e.path, e.size)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// EnsureCapacityEstimate implements get_or_run_capacity_probe: cache hit,
// leader-run, or waiter-poll, collapsing concurrent same-hash callers in
// this process via singleflight.
func (p *Probe) EnsureCapacityEstimate(ctx context.Context, modelsDir, workerID string, gpuCapable bool) (Estimate, error) {
	hash := ComputeModelSetHash(modelsDir)

	v, err, _ := p.sf.Do(hash, func() (interface{}, error) {
		return p.ensure(ctx, hash, modelsDir, workerID, gpuCapable)
	})
	if err != nil {
		return Estimate{}, err
	}
	return v.(Estimate), nil
}

func (p *Probe) ensure(ctx context.Context, hash, modelsDir, workerID string, gpuCapable bool) (Estimate, error) {
	if est, ok, err := p.getCachedEstimate(ctx, hash); err != nil {
		return Estimate{}, err
	} else if ok {
		return est, nil
	}

	acquired, err := p.tryAcquireProbeLock(ctx, hash, workerID)
	if err != nil {
		return Estimate{}, err
	}

	if acquired {
		return p.runCapacityProbe(ctx, hash, modelsDir, workerID, gpuCapable), nil
	}

	return p.waitForProbeCompletion(ctx, hash, gpuCapable), nil
}

func (p *Probe) getCachedEstimate(ctx context.Context, hash string) (Estimate, bool, error) {
	var est Estimate
	var gpuCapable, conservative int
	row := p.db.QueryRowContext(ctx, `
		SELECT model_set_hash, measured_backbone_vram_mb, estimated_worker_ram_mb, gpu_capable, is_conservative
		FROM capacity_estimates WHERE model_set_hash = ?
	`, hash)
	err := row.Scan(&est.ModelSetHash, &est.MeasuredBackboneVRAMMB, &est.EstimatedWorkerRAMMB, &gpuCapable, &conservative)
	if errors.Is(err, sql.ErrNoRows) {
		return Estimate{}, false, nil
	}
	if err != nil {
		return Estimate{}, false, fmt.Errorf("capacityprobe: get cached estimate: %w", err)
	}
	est.GPUCapable = gpuCapable != 0
	est.IsConservative = conservative != 0
	return est, true, nil
}

func (p *Probe) tryAcquireProbeLock(ctx context.Context, hash, workerID string) (bool, error) {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO capacity_probe_locks (model_set_hash, status, worker_id, started_at) VALUES (?, 'in_progress', ?, ?)`,
		hash, workerID, time.Now().UnixMilli(),
	)
	if err == nil {
		return true, nil
	}
	// Any insert failure, a unique-constraint violation or otherwise, is
	// treated as another worker holding the lock: the caller then polls.
	return false, nil
}

func (p *Probe) runCapacityProbe(ctx context.Context, hash, modelsDir, workerID string, gpuCapable bool) Estimate {
	start := time.Now()
	release := func() {
		_, _ = p.db.ExecContext(context.Background(), `DELETE FROM capacity_probe_locks WHERE model_set_hash = ?`, hash)
	}
	recordOutcome := func(outcome string, est Estimate) Estimate {
		metrics.CapacityProbeDurationSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
		if est.IsConservative {
			metrics.CapacityProbeConservativeTotal.Inc()
		}
		return est
	}

	pid := os.Getpid()
	var vramBefore int64
	if gpuCapable {
		vramBefore = p.meter.VRAMUsageForPIDMB(ctx, pid)
	}
	ramBefore, err := p.meter.RSSUsageMB(ctx)
	if err != nil {
		p.log.Warn().Err(err).Msg("capacity probe: measure baseline RSS failed; releasing lock, returning conservative estimate")
		release()
		return recordOutcome("conservative", conservativeEstimate(hash, gpuCapable))
	}

	if p.warmer == nil {
		p.log.Warn().Msg("capacity probe: no warmer configured; releasing lock, returning conservative estimate")
		release()
		return recordOutcome("conservative", conservativeEstimate(hash, gpuCapable))
	}
	if err := p.warmer.Warmup(ctx, modelsDir); err != nil {
		p.log.Warn().Err(err).Msg("capacity probe: warmup failed; releasing lock, returning conservative estimate")
		release()
		return recordOutcome("conservative", conservativeEstimate(hash, gpuCapable))
	}

	var vramAfter int64
	if gpuCapable {
		vramAfter = p.meter.VRAMUsageForPIDMB(ctx, pid)
	}
	ramAfter, err := p.meter.RSSUsageMB(ctx)
	if err != nil {
		p.log.Warn().Err(err).Msg("capacity probe: measure post-warmup RSS failed; releasing lock, returning conservative estimate")
		release()
		return recordOutcome("conservative", conservativeEstimate(hash, gpuCapable))
	}

	backboneVRAM := maxInt64(0, vramAfter-vramBefore)
	workerRAM := maxInt64(0, ramAfter-ramBefore)
	if workerRAM < minMeasuredWorkerRAMMB {
		workerRAM = maxInt64(workerRAM, clampedMinWorkerRAMMB)
	}

	est := Estimate{
		ModelSetHash:           hash,
		MeasuredBackboneVRAMMB: backboneVRAM,
		EstimatedWorkerRAMMB:   workerRAM,
		GPUCapable:             gpuCapable,
		IsConservative:         false,
	}

	if err := p.saveEstimate(ctx, est, workerID); err != nil {
		p.log.Warn().Err(err).Msg("capacity probe: persist estimate failed; releasing lock, returning conservative estimate")
		release()
		return recordOutcome("conservative", conservativeEstimate(hash, gpuCapable))
	}

	_, _ = p.db.ExecContext(ctx,
		`UPDATE capacity_probe_locks SET status='complete', completed_at=? WHERE model_set_hash=?`,
		time.Now().UnixMilli(), hash,
	)

	return recordOutcome("measured", est)
}

func (p *Probe) saveEstimate(ctx context.Context, est Estimate, workerID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO capacity_estimates
			(model_set_hash, measured_backbone_vram_mb, estimated_worker_ram_mb, gpu_capable, is_conservative, probed_by, created_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
	`, est.ModelSetHash, est.MeasuredBackboneVRAMMB, est.EstimatedWorkerRAMMB, boolToInt(est.GPUCapable), workerID, time.Now().UnixMilli())
	return err
}

// waitForProbeCompletion polls every probePollInterval up to probeTimeout,
// alternating between checking for the finished estimate and checking
// whether the lock is still held. When the lock disappears with no
// estimate yet visible, exactly one extra re-check is performed before
// giving up, since the leader may have committed its write a moment
// after releasing the lock.
func (p *Probe) waitForProbeCompletion(ctx context.Context, hash string, gpuCapable bool) Estimate {
	deadline := time.Now().Add(probeTimeout)

pollLoop:
	for time.Now().Before(deadline) {
		if est, ok, err := p.getCachedEstimate(ctx, hash); err == nil && ok {
			return est
		}

		held, err := p.lockHeld(ctx, hash)
		if err != nil {
			p.log.Warn().Err(err).Msg("capacity probe: check lock status failed while waiting")
			break
		}
		if !held {
			// Lock is gone: either the leader finished and we simply
			// haven't observed the row yet (non-strict-serializability
			// window noted in the reference), or the leader crashed
			// without writing an estimate. Re-check exactly once more.
			if est, ok, err := p.getCachedEstimate(ctx, hash); err == nil && ok {
				return est
			}
			break
		}

		select {
		case <-ctx.Done():
			break pollLoop
		case <-time.After(probePollInterval):
		}
	}

	return conservativeEstimate(hash, gpuCapable)
}

func (p *Probe) lockHeld(ctx context.Context, hash string) (bool, error) {
	var status string
	err := p.db.QueryRowContext(ctx, `SELECT status FROM capacity_probe_locks WHERE model_set_hash = ?`, hash).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return status == "in_progress", nil
}

// conservativeEstimate is the fallback used whenever measurement cannot
// complete. It is never inferred to be verified-usable capacity; it is a
// documented assumption surfaced via IsConservative for callers/metrics
// to label.
func conservativeEstimate(hash string, gpuCapable bool) Estimate {
	backbone := int64(0)
	if gpuCapable {
		backbone = conservativeBackboneVRAM
	}
	return Estimate{
		ModelSetHash:           hash,
		MeasuredBackboneVRAMMB: backbone,
		EstimatedWorkerRAMMB:   conservativeWorkerRAM,
		GPUCapable:             gpuCapable,
		IsConservative:         true,
	}
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
