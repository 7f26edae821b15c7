// Package supervisor owns Discovery Worker subprocess lifetimes. It
// implements the healthmonitor.Handler contract: every status transition
// the Health Monitor dispatches for a worker component arrives here, and
// restart/fail decisions flow back out through internal/restartpolicy and
// internal/healthmonitor.Manager.SetFailed.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nomarr/workercore/internal/healthmonitor"
	"github.com/nomarr/workercore/internal/metrics"
	"github.com/nomarr/workercore/internal/procgroup"
	"github.com/nomarr/workercore/internal/restartpolicy"
	"github.com/nomarr/workercore/internal/tierplanner"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	workerStartupTimeout    = 60 * time.Second
	workerStalenessInterval = 5 * time.Second
	workerMaxMisses         = 3
	workerMinRecovery       = 5 * time.Second
	workerMaxRecovery       = 120 * time.Second
	workerStagger           = 2 * time.Second
	terminateGrace          = 5 * time.Second

	workerEnabledMetaKey = "worker_enabled"
)

func workerPolicy() healthmonitor.Policy {
	return healthmonitor.Policy{
		StartupTimeout:       workerStartupTimeout,
		StalenessInterval:    workerStalenessInterval,
		MaxConsecutiveMisses: workerMaxMisses,
		MinRecovery:          workerMinRecovery,
		MaxRecovery:          workerMaxRecovery,
	}
}

// ResourceStatus is the cached result of the last admission-control pass,
// returned by GetResourceStatus without re-running the capacity probe.
type ResourceStatus struct {
	Tier              tierplanner.Tier
	CalculatedWorkers int
	Reason            string
}

// WorkerOperationResult is returned by Pause/Resume.
type WorkerOperationResult struct {
	Applied bool
	Reason  string
}

type workerProc struct {
	id     string
	index  int
	cmd    *exec.Cmd
	waitCh chan error
}

// Supervisor implements healthmonitor.Handler and owns the worker fleet's
// subprocess lifetimes, restart scheduling, and admission-control caching.
type Supervisor struct {
	deps Deps
	log  zerolog.Logger

	mu              sync.Mutex
	started         bool
	stopSignal      bool
	workers         []*workerProc
	pendingRestarts map[string]*time.Timer
	lastStatus      ResourceStatus
}

var _ healthmonitor.Handler = (*Supervisor)(nil)

// New constructs a Supervisor. deps must already pass Validate.
func New(deps Deps) (*Supervisor, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	return &Supervisor{
		deps:            deps,
		log:             deps.Logger.With().Str("component", "supervisor").Logger(),
		pendingRestarts: make(map[string]*time.Timer),
	}, nil
}

// StartAllWorkers runs admission control and spawns the calculated worker
// fleet.
func (s *Supervisor) StartAllWorkers(ctx context.Context) error {
	enabled, err := s.deps.Meta.GetBool(ctx, workerEnabledMetaKey, true)
	if err != nil {
		return fmt.Errorf("supervisor: read worker_enabled flag: %w", err)
	}
	if !enabled {
		s.log.Info().Msg("supervisor: worker system disabled, not starting")
		return nil
	}

	decision := s.runAdmissionControl(ctx)

	s.mu.Lock()
	s.lastStatus = ResourceStatus{Tier: decision.Tier, CalculatedWorkers: decision.CalculatedWorkers, Reason: decision.Reason}
	s.mu.Unlock()

	metrics.TierSelectedTotal.WithLabelValues(decision.Tier.String()).Inc()
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("workercore.supervisor.tier", decision.Tier.String()),
		attribute.Int("workercore.supervisor.calculated_workers", decision.CalculatedWorkers),
	)

	if decision.Tier == tierplanner.Refuse {
		s.log.Warn().Str("reason", decision.Reason).Msg("supervisor: admission control refused all workers")
		s.mu.Lock()
		s.started = true
		s.workers = nil
		s.mu.Unlock()
		return nil
	}

	if s.deps.Claims != nil {
		if _, err := s.deps.Claims.CleanupAllStaleClaims(ctx, s.deps.Config.HeartbeatTimeoutMS, time.Now().UnixMilli()); err != nil {
			s.log.Warn().Err(err).Msg("supervisor: reap stale claims failed at startup")
		}
	}

	s.mu.Lock()
	s.stopSignal = false
	s.mu.Unlock()

	for i := 0; i < decision.CalculatedWorkers; i++ {
		if i > 0 {
			time.Sleep(workerStagger)
		}
		proc, err := s.spawnWorker(ctx, i, decision)
		if err != nil {
			s.log.Error().Err(err).Int("index", i).Msg("supervisor: failed to spawn worker at startup")
			continue
		}
		s.mu.Lock()
		s.workers = append(s.workers, proc)
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

// runAdmissionControl invokes the Capacity Probe and Tier Planner, unless
// resource management is disabled, in which case it short-circuits to
// tierplanner.Bypass without ever touching the probe.
func (s *Supervisor) runAdmissionControl(ctx context.Context) tierplanner.Decision {
	cfg := s.deps.Config
	if !cfg.ResourceManagementEnabled {
		return tierplanner.Bypass(cfg.WorkerCount)
	}

	gpuCapable := s.deps.ResourceProbe.CheckGPUCapability(ctx)
	probeInstanceID := "supervisor-" + uuid.NewString()
	estimate, err := s.deps.CapacityProbe.EnsureCapacityEstimate(ctx, cfg.ModelsDir, probeInstanceID, gpuCapable)
	if err != nil {
		s.log.Error().Err(err).Msg("supervisor: capacity probe failed; refusing")
		return tierplanner.Decision{Tier: tierplanner.Refuse, Reason: "capacity probe error: " + err.Error()}
	}

	return tierplanner.SelectExecutionTier(
		tierplanner.CapacityEstimate{
			BackboneVRAMMB: estimate.MeasuredBackboneVRAMMB,
			WorkerRAMMB:    estimate.EstimatedWorkerRAMMB,
			GPUCapable:     estimate.GPUCapable,
		},
		cfg.VRAMBudgetMB, cfg.RAMBudgetMB, cfg.WorkerCount,
	)
}

// spawnWorker creates the pipe, spawns the discovery-worker subprocess,
// and registers it with the Health Monitor, per the per-worker creation
// steps shared by startup and restart.
func (s *Supervisor) spawnWorker(ctx context.Context, index int, decision tierplanner.Decision) (*workerProc, error) {
	id := workerComponentID(index)

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: create health pipe for %s: %w", id, err)
	}

	cmd := exec.Command(s.deps.Config.DiscoveryWorkerBinary,
		"--worker-id="+id,
		"--db-path="+s.deps.Config.DBPath,
		"--tier="+decision.Tier.String(),
		fmt.Sprintf("--prefer-gpu=%t", decision.Config.PreferGPU),
		"--tagger-version="+s.deps.Config.TaggerVersion,
		"--health-fd=3",
	)
	cmd.ExtraFiles = []*os.File{w}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	procgroup.Set(cmd)

	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, fmt.Errorf("supervisor: start discovery worker %s: %w", id, err)
	}
	_ = w.Close() // parent keeps only the read end

	if err := s.deps.HealthMonitor.Register(id, s, r, workerPolicy()); err != nil {
		s.log.Warn().Err(err).Str("component_id", id).Msg("supervisor: health monitor rejected registration")
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	s.log.Info().Str("component_id", id).Int("pid", cmd.Process.Pid).Msg("supervisor: spawned discovery worker")
	return &workerProc{id: id, index: index, cmd: cmd, waitCh: waitCh}, nil
}

// OnStatusChange implements healthmonitor.Handler.
func (s *Supervisor) OnStatusChange(componentID string, old, newStatus healthmonitor.Status, t healthmonitor.Transition) {
	switch newStatus {
	case healthmonitor.StatusDead:
		s.handleDead(componentID)
	case healthmonitor.StatusUnhealthy:
		s.log.Warn().Str("component_id", componentID).Int("consecutive_misses", t.ConsecutiveMisses).Msg("supervisor: worker unhealthy")
	default:
		s.log.Info().Str("component_id", componentID).Str("from", string(old)).Str("to", string(newStatus)).Msg("supervisor: worker status transition")
	}
}

func (s *Supervisor) handleDead(componentID string) {
	s.mu.Lock()
	if s.stopSignal {
		s.mu.Unlock()
		s.log.Info().Str("component_id", componentID).Msg("supervisor: worker died during graceful shutdown")
		return
	}
	if timer, ok := s.pendingRestarts[componentID]; ok {
		timer.Stop()
		delete(s.pendingRestarts, componentID)
	}
	s.mu.Unlock()

	ctx := context.Background()
	restartCount, lastRestart, err := s.deps.RestartStore.GetRestartState(ctx, componentID)
	if err != nil {
		s.log.Error().Err(err).Str("component_id", componentID).Msg("supervisor: read restart state failed")
		return
	}

	decision := restartpolicy.Decide(restartCount, lastRestart, time.Now().UnixMilli())

	switch decision.Action {
	case restartpolicy.ActionRestart:
		metrics.WorkerRestartsTotal.WithLabelValues("restart").Inc()
		if _, err := s.deps.RestartStore.IncrementRestartCount(ctx, componentID, time.Now().UnixMilli()); err != nil {
			s.log.Error().Err(err).Str("component_id", componentID).Msg("supervisor: increment restart count failed")
		}

		timer := time.AfterFunc(time.Duration(decision.BackoffSeconds)*time.Second, func() {
			s.restartWorker(componentID)
		})
		s.mu.Lock()
		s.pendingRestarts[componentID] = timer
		s.mu.Unlock()

	case restartpolicy.ActionMarkFailed:
		metrics.WorkerRestartsTotal.WithLabelValues("mark_failed").Inc()
		s.deps.HealthMonitor.SetFailed(componentID)
		if err := s.deps.RestartStore.MarkFailedPermanent(ctx, componentID, time.Now().UnixMilli(), decision.FailureReason); err != nil {
			s.log.Error().Err(err).Str("component_id", componentID).Msg("supervisor: persist permanent failure failed")
		}
	}
}

// restartWorker is the timer callback that re-creates a worker subprocess
// at its original index.
func (s *Supervisor) restartWorker(componentID string) {
	s.mu.Lock()
	delete(s.pendingRestarts, componentID)
	s.mu.Unlock()

	ctx := context.Background()
	enabled, err := s.deps.Meta.GetBool(ctx, workerEnabledMetaKey, true)
	if err != nil || !enabled {
		s.log.Info().Str("component_id", componentID).Msg("supervisor: skipping restart, worker system disabled")
		return
	}

	index, ok := parseWorkerIndex(componentID)
	if !ok {
		s.log.Error().Str("component_id", componentID).Msg("supervisor: cannot parse worker index for restart")
		return
	}

	s.mu.Lock()
	decision := tierplanner.Decision{Tier: s.lastStatus.Tier, Config: tierplanner.ConfigFor(s.lastStatus.Tier)}
	s.mu.Unlock()

	proc, err := s.spawnWorker(ctx, index, decision)
	if err != nil {
		s.log.Error().Err(err).Str("component_id", componentID).Msg("supervisor: restart spawn failed")
		return
	}

	s.mu.Lock()
	if index < len(s.workers) {
		s.workers[index] = proc
	} else {
		for len(s.workers) < index {
			s.workers = append(s.workers, nil)
		}
		s.workers = append(s.workers, proc)
	}
	s.mu.Unlock()
}

// StopAllWorkers cancels pending restart timers, sets the stop-signal,
// unregisters every worker, then terminates each subprocess (SIGTERM,
// then SIGKILL after the grace period if it has not exited), in that order — cancelling timers first prevents a restart
// racing the shutdown.
func (s *Supervisor) StopAllWorkers(ctx context.Context) error {
	s.mu.Lock()
	for _, timer := range s.pendingRestarts {
		timer.Stop()
	}
	s.pendingRestarts = make(map[string]*time.Timer)
	s.stopSignal = true
	workers := s.workers
	s.workers = nil
	s.started = false
	s.mu.Unlock()

	for _, w := range workers {
		if w == nil {
			continue
		}
		s.deps.HealthMonitor.Unregister(w.id)
	}

	for _, w := range workers {
		if w == nil {
			continue
		}
		if err := procgroup.Terminate(w.cmd, w.waitCh, terminateGrace); err != nil {
			s.log.Warn().Err(err).Str("component_id", w.id).Msg("supervisor: worker terminate returned error")
		}
	}

	return nil
}

// Pause disables the worker system and stops all workers.
func (s *Supervisor) Pause(ctx context.Context) (WorkerOperationResult, error) {
	if err := s.deps.Meta.SetBool(ctx, workerEnabledMetaKey, false); err != nil {
		return WorkerOperationResult{}, err
	}
	if err := s.StopAllWorkers(ctx); err != nil {
		return WorkerOperationResult{}, err
	}
	return WorkerOperationResult{Applied: true, Reason: "worker system paused"}, nil
}

// Resume re-enables the worker system and runs startup again.
func (s *Supervisor) Resume(ctx context.Context) (WorkerOperationResult, error) {
	if err := s.deps.Meta.SetBool(ctx, workerEnabledMetaKey, true); err != nil {
		return WorkerOperationResult{}, err
	}
	if err := s.StartAllWorkers(ctx); err != nil {
		return WorkerOperationResult{}, err
	}
	return WorkerOperationResult{Applied: true, Reason: "worker system resumed"}, nil
}

// GetResourceStatus returns the cached admission-control result from the
// last StartAllWorkers run, without re-probing.
func (s *Supervisor) GetResourceStatus() ResourceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStatus
}

func workerComponentID(index int) string {
	return fmt.Sprintf("worker:tag:%d", index)
}

func parseWorkerIndex(componentID string) (int, bool) {
	const prefix = "worker:tag:"
	if !strings.HasPrefix(componentID, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(componentID[len(prefix):])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
