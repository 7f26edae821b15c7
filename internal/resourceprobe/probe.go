// Package resourceprobe measures GPU capability and process/host resource
// headroom via nvidia-smi and the OS's RSS/cgroup facilities. Every
// operation is pure with respect to the probe's own caches: repeated calls
// within the TTL return the cached value rather than re-invoking
// nvidia-smi or re-reading procfs. GetVRAMUsageForPIDMB is the exception:
// it is not cached and runs nvidia-smi on every call.
package resourceprobe

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	nvidiaSMITimeout  = 5 * time.Second
	telemetryCacheTTL = 1 * time.Second
)

// RAMDetectionMode selects how available RAM is computed.
type RAMDetectionMode string

const (
	RAMDetectionAuto   RAMDetectionMode = "auto"
	RAMDetectionCgroup RAMDetectionMode = "cgroup"
	RAMDetectionHost   RAMDetectionMode = "host"
)

// VRAMUsage reports used/total VRAM in MB across all GPUs, or a non-empty
// Error if the query failed. A failed query never panics; it degrades to
// zero usage with the error recorded.
type VRAMUsage struct {
	UsedMB  int64
	TotalMB int64
	Error   string
}

// RAMUsage reports process RSS and host/cgroup-available RAM in MB.
type RAMUsage struct {
	UsedMB      int64
	AvailableMB int64
	Error       string
}

// Probe owns all resource-measurement caches for one process lifetime.
// It replaces the module-level mutable globals of the reference
// implementation with explicit instance state: callers construct exactly
// one Probe and share it.
type Probe struct {
	log zerolog.Logger

	nvidiaSMIPath string
	timeout       time.Duration

	gpuOnce      sync.Once
	gpuCapable   bool

	vramMu       sync.Mutex
	vramCache    VRAMUsage
	vramCachedAt time.Time

	ramMu       sync.Mutex
	ramCache    RAMUsage
	ramCachedAt time.Time
}

// Option configures a Probe at construction.
type Option func(*Probe)

// WithNvidiaSMIPath overrides the nvidia-smi binary path (default: resolved
// via PATH). Primarily for tests.
func WithNvidiaSMIPath(path string) Option {
	return func(p *Probe) { p.nvidiaSMIPath = path }
}

// WithTimeout overrides the per-invocation subprocess timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Probe) { p.timeout = d }
}

// New constructs a Probe. logger should already be component-scoped
// (e.g. log.WithComponent("resource-probe")).
func New(logger zerolog.Logger, opts ...Option) *Probe {
	p := &Probe{
		log:           logger,
		nvidiaSMIPath: "nvidia-smi",
		timeout:       nvidiaSMITimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CheckGPUCapability reports whether an NVIDIA GPU is usable, running
// nvidia-smi at most once per process lifetime. The result is cached
// forever once computed, per spec: the cache is the single authority on
// GPU availability for all downstream decisions.
func (p *Probe) CheckGPUCapability(ctx context.Context) bool {
	p.gpuOnce.Do(func() {
		p.gpuCapable = p.runGPUCapabilityCheck(ctx)
	})
	return p.gpuCapable
}

func (p *Probe) runGPUCapabilityCheck(ctx context.Context) bool {
	out, err := p.run(ctx, "--query-gpu=name", "--format=csv,noheader")
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		p.log.Warn().Msg("nvidia-smi timed out checking GPU capability; driver may be wedged")
		return false
	case errors.Is(err, exec.ErrNotFound):
		p.log.Info().Msg("nvidia-smi not found on PATH; no NVIDIA drivers present")
		return false
	case err != nil:
		p.log.Warn().Err(err).Msg("nvidia-smi exited non-zero checking GPU capability; Docker GPU injection may have failed")
		return false
	}
	return strings.TrimSpace(out) != ""
}

// GetVRAMUsageMB sums VRAM used/total across all GPUs, TTL-cached for 1s.
func (p *Probe) GetVRAMUsageMB(ctx context.Context) VRAMUsage {
	p.vramMu.Lock()
	defer p.vramMu.Unlock()

	if time.Since(p.vramCachedAt) < telemetryCacheTTL {
		return p.vramCache
	}

	usage := p.queryVRAMUsage(ctx)
	p.vramCache = usage
	p.vramCachedAt = time.Now()
	return usage
}

func (p *Probe) queryVRAMUsage(ctx context.Context) VRAMUsage {
	out, err := p.run(ctx, "--query-gpu=memory.used,memory.total", "--format=csv,noheader,nounits")
	if err != nil {
		return VRAMUsage{Error: err.Error()}
	}

	r := csv.NewReader(strings.NewReader(out))
	r.TrimLeadingSpace = true
	records, err := r.ReadAll()
	if err != nil {
		return VRAMUsage{Error: err.Error()}
	}

	var usedTotal, totalTotal int64
	for _, rec := range records {
		if len(rec) != 2 {
			continue
		}
		used, uerr := strconv.ParseInt(strings.TrimSpace(rec[0]), 10, 64)
		total, terr := strconv.ParseInt(strings.TrimSpace(rec[1]), 10, 64)
		if uerr != nil || terr != nil {
			continue
		}
		usedTotal += used
		totalTotal += total
	}
	return VRAMUsage{UsedMB: usedTotal, TotalMB: totalTotal}
}

// GetVRAMUsageForPIDMB returns VRAM used by a specific pid, or 0 if the pid
// has no compute-app entry (not running, or not a GPU process).
func (p *Probe) GetVRAMUsageForPIDMB(ctx context.Context, pid int) int64 {
	out, err := p.run(ctx, "--query-compute-apps=pid,used_memory", "--format=csv,noheader,nounits")
	if err != nil {
		return 0
	}

	r := csv.NewReader(strings.NewReader(out))
	r.TrimLeadingSpace = true
	records, err := r.ReadAll()
	if err != nil {
		return 0
	}

	target := strconv.Itoa(pid)
	for _, rec := range records {
		if len(rec) != 2 {
			continue
		}
		if strings.TrimSpace(rec[0]) != target {
			continue
		}
		used, err := strconv.ParseInt(strings.TrimSpace(rec[1]), 10, 64)
		if err != nil {
			return 0
		}
		return used
	}
	return 0
}

// GetRAMUsageMB returns process RSS and available RAM for the requested
// detection mode, TTL-cached for 1s.
func (p *Probe) GetRAMUsageMB(mode RAMDetectionMode) RAMUsage {
	p.ramMu.Lock()
	defer p.ramMu.Unlock()

	if time.Since(p.ramCachedAt) < telemetryCacheTTL {
		return p.ramCache
	}

	usage := p.queryRAMUsage(mode)
	p.ramCache = usage
	p.ramCachedAt = time.Now()
	return usage
}

func (p *Probe) queryRAMUsage(mode RAMDetectionMode) RAMUsage {
	used, err := processRSSMB()
	if err != nil {
		return RAMUsage{Error: err.Error()}
	}

	var available int64
	switch mode {
	case RAMDetectionCgroup:
		available = cgroupAvailableMB()
	case RAMDetectionHost:
		available, err = hostAvailableMB()
		if err != nil {
			return RAMUsage{UsedMB: used, Error: err.Error()}
		}
	default: // auto
		if cg := cgroupAvailableMB(); cg > 0 {
			available = cg
		} else if host, herr := hostAvailableMB(); herr == nil {
			available = host
		}
	}

	return RAMUsage{UsedMB: used, AvailableMB: available}
}

func (p *Probe) run(ctx context.Context, args ...string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, p.nvidiaSMIPath, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		if cctx.Err() == context.DeadlineExceeded {
			return "", context.DeadlineExceeded
		}
		if errors.Is(err, exec.ErrNotFound) {
			return "", exec.ErrNotFound
		}
		return "", err
	}
	return stdout.String(), nil
}
