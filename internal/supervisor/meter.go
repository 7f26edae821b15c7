package supervisor

import (
	"context"
	"errors"

	"github.com/nomarr/workercore/internal/resourceprobe"
)

// ResourceProbeMeter adapts internal/resourceprobe.Probe to the
// capacityprobe.Meter interface, letting the capacity probe measure
// before/after deltas around a model warmup without depending on
// resourceprobe directly.
type ResourceProbeMeter struct {
	probe *resourceprobe.Probe
	mode  resourceprobe.RAMDetectionMode
}

// NewResourceProbeMeter builds a capacityprobe.Meter backed by a shared
// resourceprobe.Probe, for composition roots wiring the capacity probe.
func NewResourceProbeMeter(probe *resourceprobe.Probe, mode resourceprobe.RAMDetectionMode) *ResourceProbeMeter {
	return &ResourceProbeMeter{probe: probe, mode: mode}
}

func (m *ResourceProbeMeter) VRAMUsageForPIDMB(ctx context.Context, pid int) int64 {
	return m.probe.GetVRAMUsageForPIDMB(ctx, pid)
}

func (m *ResourceProbeMeter) RSSUsageMB(ctx context.Context) (int64, error) {
	usage := m.probe.GetRAMUsageMB(m.mode)
	if usage.Error != "" {
		return 0, errors.New(usage.Error)
	}
	return usage.UsedMB, nil
}
