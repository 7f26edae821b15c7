// Package discoveryworker implements the discover-claim-process-release
// loop that runs inside the cmd/discovery-worker subprocess. A worker
// claims at most one file at a time; the claim's existence in the
// database is the only lock.
package discoveryworker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
)

const (
	healthFrameInterval  = 5 * time.Second
	healthSleepIncrement = 100 * time.Millisecond
	idleSleep            = 1 * time.Second
	maxConsecutiveErrors = 10
	preflightFailSleep   = 10 * time.Second

	healthFramePrefix = "HEALTH|"
)

// Status mirrors the health-frame status vocabulary a worker emits about
// itself; it is not the same type as healthmonitor.Status, which the
// Health Monitor derives from frames plus staleness.
type Status string

const (
	StatusPending   Status = "pending"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Processor runs the opaque ML processing workflow for one file. No
// concrete implementation ships here; callers supply one wired to
// whatever ML entrypoint their deployment uses.
type Processor interface {
	ProcessFile(ctx context.Context, path string) error
}

// ClaimStore is the subset of internal/claims.Coordinator the worker
// loop needs, declared locally so discoveryworker can be tested against
// a fake without importing a live database.
type ClaimStore interface {
	DiscoverAndClaimFile(ctx context.Context, workerID string, nowMS int64) (string, bool, error)
	GetFilePath(ctx context.Context, fileID string) (string, error)
	MarkFileTagged(ctx context.Context, fileID, taggerVersion string) error
	ReleaseClaim(ctx context.Context, fileID string) error
}

// BackendCheck reports whether the ML backend this worker depends on is
// currently usable. It is invoked once, at preflight.
type BackendCheck func(ctx context.Context) bool

// Config configures one worker instance.
type Config struct {
	WorkerID      string
	TaggerVersion string
	HealthPipe    io.WriteCloser // write-end of the inherited pipe, fd 3
	Claims        ClaimStore
	Processor     Processor
	CheckBackend  BackendCheck
	Clock         func() time.Time
}

// Worker runs the discovery loop for a single subprocess lifetime. Death
// — graceful or crash — is final; a Worker is not restarted in place,
// the supervisor spawns a fresh subprocess instead.
type Worker struct {
	cfg Config
	log zerolog.Logger

	statusCh chan Status
	done     chan struct{}
}

// New constructs a Worker. cfg.Clock defaults to time.Now.
func New(cfg Config, logger zerolog.Logger) *Worker {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Worker{
		cfg:      cfg,
		log:      logger.With().Str("component", "discovery_worker").Str("worker_id", cfg.WorkerID).Logger(),
		statusCh: make(chan Status, 8),
		done:     make(chan struct{}),
	}
}

// Run executes the full preamble, main loop, and teardown. It returns
// when ctx is cancelled (graceful shutdown signal) or the loop exits on
// its own (preflight failure, error-threshold exhaustion).
func (w *Worker) Run(ctx context.Context) error {
	go w.healthWriterLoop(ctx)
	defer close(w.done)

	w.setStatus(StatusPending)

	if w.cfg.CheckBackend != nil && !w.cfg.CheckBackend(ctx) {
		w.log.Error().Msg("discovery worker: ML backend unavailable, marking unhealthy")
		w.setStatus(StatusUnhealthy)
		sleepInterruptible(ctx, preflightFailSleep)
		return nil
	}

	w.setStatus(StatusHealthy)
	w.log.Info().Msg("discovery worker: started")

	filesProcessed := 0
	consecutiveErrors := 0

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Int("files_processed", filesProcessed).Msg("discovery worker: stopping on signal")
			return nil
		default:
		}

		fileID, claimed, err := w.cfg.Claims.DiscoverAndClaimFile(ctx, w.cfg.WorkerID, w.cfg.Clock().UnixMilli())
		if err != nil {
			w.log.Error().Err(err).Msg("discovery worker: discover_and_claim_file failed")
			consecutiveErrors++
			if consecutiveErrors >= maxConsecutiveErrors {
				w.log.Error().Int("consecutive_errors", consecutiveErrors).Msg("discovery worker: too many consecutive errors, shutting down")
				return fmt.Errorf("discovery worker: exceeded %d consecutive errors", maxConsecutiveErrors)
			}
			sleepInterruptible(ctx, idleSleep)
			continue
		}
		if !claimed {
			sleepInterruptible(ctx, idleSleep)
			continue
		}

		if w.processClaimedFile(ctx, fileID) {
			filesProcessed++
			consecutiveErrors = 0
		} else {
			consecutiveErrors++
			if consecutiveErrors >= maxConsecutiveErrors {
				w.log.Error().Int("consecutive_errors", consecutiveErrors).Msg("discovery worker: too many consecutive errors, shutting down")
				return fmt.Errorf("discovery worker: exceeded %d consecutive errors", maxConsecutiveErrors)
			}
		}
	}
}

// processClaimedFile handles one claimed file end to end; it always
// releases the claim before returning. Returns false when processing or
// marking the file tagged fails; returns true on success and also when
// the file lookup fails, which the caller then counts as a processed file.
func (w *Worker) processClaimedFile(ctx context.Context, fileID string) bool {
	path, err := w.cfg.Claims.GetFilePath(ctx, fileID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			w.log.Warn().Str("file_id", fileID).Msg("discovery worker: claimed file vanished")
		} else {
			w.log.Warn().Err(err).Str("file_id", fileID).Msg("discovery worker: file lookup failed")
		}
		_ = w.cfg.Claims.ReleaseClaim(ctx, fileID)
		return true // not a processing error: the caller resets the consecutive-error count
	}

	start := w.cfg.Clock()
	procErr := w.cfg.Processor.ProcessFile(ctx, path)
	elapsed := w.cfg.Clock().Sub(start)

	if procErr != nil {
		w.log.Error().Err(procErr).Str("file_id", fileID).Str("path", path).Msg("discovery worker: process_file failed")
		_ = w.cfg.Claims.ReleaseClaim(ctx, fileID)
		return false
	}

	if err := w.cfg.Claims.MarkFileTagged(ctx, fileID, w.cfg.TaggerVersion); err != nil {
		w.log.Error().Err(err).Str("file_id", fileID).Msg("discovery worker: mark tagged failed")
		_ = w.cfg.Claims.ReleaseClaim(ctx, fileID)
		return false
	}
	if err := w.cfg.Claims.ReleaseClaim(ctx, fileID); err != nil {
		w.log.Warn().Err(err).Str("file_id", fileID).Msg("discovery worker: release claim after success failed")
	}

	w.log.Debug().Str("file_id", fileID).Str("path", path).Dur("elapsed", elapsed).Msg("discovery worker: completed")
	return true
}

func (w *Worker) setStatus(s Status) {
	select {
	case w.statusCh <- s:
	default:
		<-w.statusCh
		w.statusCh <- s
	}
}

// healthWriterLoop emits a health frame every healthFrameInterval, in
// 100ms-granular sleeps so a cancelled ctx is observed promptly, exactly
// matching the shutdown-responsiveness requirement on the health writer
// thread.
func (w *Worker) healthWriterLoop(ctx context.Context) {
	current := StatusPending
	for {
		select {
		case s := <-w.statusCh:
			current = s
		default:
		}

		w.sendHealthFrame(current)

		elapsed := time.Duration(0)
		for elapsed < healthFrameInterval {
			select {
			case <-ctx.Done():
				return
			case <-w.done:
				return
			case s := <-w.statusCh:
				current = s
			case <-time.After(healthSleepIncrement):
				elapsed += healthSleepIncrement
			}
		}
	}
}

func (w *Worker) sendHealthFrame(status Status) {
	if w.cfg.HealthPipe == nil {
		return
	}
	payload, err := json.Marshal(struct {
		ComponentID string `json:"component_id"`
		Status      string `json:"status"`
	}{ComponentID: w.cfg.WorkerID, Status: string(status)})
	if err != nil {
		return
	}
	line := append([]byte(healthFramePrefix), payload...)
	line = append(line, '\n')
	if _, err := w.cfg.HealthPipe.Write(line); err != nil {
		w.log.Debug().Err(err).Msg("discovery worker: failed to send health frame")
	}
}

// Close closes the health pipe, which signals EOF to the Health Monitor
// and drives the component to dead. Callers invoke this as the final
// teardown step after Run returns.
func (w *Worker) Close() error {
	if w.cfg.HealthPipe == nil {
		return nil
	}
	return w.cfg.HealthPipe.Close()
}

func sleepInterruptible(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
