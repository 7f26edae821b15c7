// Package tierplanner selects one of five execution tiers for a worker
// fleet from a one-shot capacity estimate and the operator's resource
// budgets. Selection is a pure function: the same inputs always produce
// the same decision, across calls and across processes.
package tierplanner

import "fmt"

// Tier identifies one of the five execution profiles, ordered from most
// to least capable.
type Tier int

const (
	FastPath      Tier = 0
	ReducedCache  Tier = 1
	SequentialGPU Tier = 2
	SequentialCPU Tier = 3
	Refuse        Tier = 4
)

func (t Tier) String() string {
	switch t {
	case FastPath:
		return "FAST_PATH"
	case ReducedCache:
		return "REDUCED_CACHE"
	case SequentialGPU:
		return "SEQUENTIAL_GPU"
	case SequentialCPU:
		return "SEQUENTIAL_CPU"
	case Refuse:
		return "REFUSE"
	default:
		return fmt.Sprintf("Tier(%d)", int(t))
	}
}

// minRAMForCPUOnlyMB is the floor RAM budget below which even
// CPU-only sequential execution is refused.
const minRAMForCPUOnlyMB = 4096

// Config describes the cache sizing and GPU preference a worker should
// apply once a tier has been selected. The planner does not enforce
// these; it only hands them to callers.
type Config struct {
	Tier             Tier
	MaxWorkers       int
	BackboneCacheSize int
	HeadCacheSize     int
	PreferGPU         bool
	Description       string
}

// tierConfigs mirrors the reference implementation's TIER_CONFIGS table
// byte-for-byte (see original_source/nomarr/components/ml/ml_tier_selection_comp.py).
var tierConfigs = map[Tier]Config{
	FastPath: {
		Tier: FastPath, MaxWorkers: 4, BackboneCacheSize: 2, HeadCacheSize: 24,
		PreferGPU: true, Description: "Full parallelism with double-buffered backbone cache",
	},
	ReducedCache: {
		Tier: ReducedCache, MaxWorkers: 2, BackboneCacheSize: 1, HeadCacheSize: 12,
		PreferGPU: true, Description: "Reduced parallelism with single-buffered backbone cache",
	},
	SequentialGPU: {
		Tier: SequentialGPU, MaxWorkers: 1, BackboneCacheSize: 0, HeadCacheSize: 0,
		PreferGPU: true, Description: "Single worker, GPU-backed, no cache headroom",
	},
	SequentialCPU: {
		Tier: SequentialCPU, MaxWorkers: 1, BackboneCacheSize: 0, HeadCacheSize: 0,
		PreferGPU: false, Description: "Single worker, CPU-only fallback",
	},
	Refuse: {
		Tier: Refuse, MaxWorkers: 0, BackboneCacheSize: 0, HeadCacheSize: 0,
		PreferGPU: false, Description: "Insufficient resources for any worker",
	},
}

// ConfigFor returns the static tier configuration for t.
func ConfigFor(t Tier) Config {
	return tierConfigs[t]
}

// CapacityEstimate is the subset of internal/capacityprobe.Estimate the
// planner needs. Declared locally to keep tierplanner free of a
// dependency on the capacity-probe package (pure function, no side
// inputs beyond these fields).
type CapacityEstimate struct {
	BackboneVRAMMB int64
	WorkerRAMMB    int64
	GPUCapable     bool
}

// Decision is the planner's output: a chosen tier, its static config, the
// calculated worker count, and a human-readable reason (especially useful
// when the tier is REFUSE).
type Decision struct {
	Tier              Tier
	Config            Config
	CalculatedWorkers int
	Reason            string
}

// SelectExecutionTier evaluates tiers top-down; the first tier whose
// resource requirements are satisfiable wins. If the estimate reports no
// GPU capability, GPU tiers are skipped entirely.
func SelectExecutionTier(estimate CapacityEstimate, vramBudgetMB, ramBudgetMB int64, configMaxWorkers int) Decision {
	if !estimate.GPUCapable {
		return evaluateCPUOnly(estimate, ramBudgetMB)
	}

	if d, ok := evaluateTier0(estimate, vramBudgetMB, ramBudgetMB, configMaxWorkers); ok {
		return d
	}
	if d, ok := evaluateTier1(estimate, vramBudgetMB, ramBudgetMB, configMaxWorkers); ok {
		return d
	}
	if d, ok := evaluateTier2(estimate, vramBudgetMB, ramBudgetMB); ok {
		return d
	}
	return evaluateCPUOnly(estimate, ramBudgetMB)
}

// Bypass returns the admission-control bypass decision used when
// resource_management.enabled is false: tier selection is skipped
// entirely and configMaxWorkers is honored directly at FAST_PATH.
func Bypass(configMaxWorkers int) Decision {
	return Decision{
		Tier:              FastPath,
		Config:            ConfigFor(FastPath),
		CalculatedWorkers: configMaxWorkers,
		Reason:            "resource management disabled",
	}
}

func evaluateTier0(e CapacityEstimate, vramBudgetMB, ramBudgetMB int64, configMaxWorkers int) (Decision, bool) {
	required := 2 * e.BackboneVRAMMB
	if vramBudgetMB < required {
		return Decision{}, false
	}

	vramWorkers := configMaxWorkers
	if required > 0 {
		vramWorkers = int(vramBudgetMB / required)
	}
	ramWorkers := configMaxWorkers
	if e.WorkerRAMMB > 0 {
		ramWorkers = int(ramBudgetMB / e.WorkerRAMMB)
	}

	workers := minInt(vramWorkers, ramWorkers, configMaxWorkers)
	if workers < 1 {
		return Decision{}, false
	}

	return Decision{Tier: FastPath, Config: ConfigFor(FastPath), CalculatedWorkers: workers}, true
}

func evaluateTier1(e CapacityEstimate, vramBudgetMB, ramBudgetMB int64, configMaxWorkers int) (Decision, bool) {
	if vramBudgetMB < e.BackboneVRAMMB {
		return Decision{}, false
	}

	vramWorkers := configMaxWorkers
	if e.BackboneVRAMMB > 0 {
		vramWorkers = int(vramBudgetMB / e.BackboneVRAMMB)
	}
	ramWorkers := configMaxWorkers
	if e.WorkerRAMMB > 0 {
		ramWorkers = int(ramBudgetMB / e.WorkerRAMMB)
	}

	cfg := ConfigFor(ReducedCache)
	workers := minInt(vramWorkers, ramWorkers, configMaxWorkers, cfg.MaxWorkers)
	if workers < 1 {
		return Decision{}, false
	}

	return Decision{Tier: ReducedCache, Config: cfg, CalculatedWorkers: workers}, true
}

func evaluateTier2(e CapacityEstimate, vramBudgetMB, ramBudgetMB int64) (Decision, bool) {
	if vramBudgetMB < e.BackboneVRAMMB || ramBudgetMB < e.WorkerRAMMB {
		return Decision{}, false
	}
	return Decision{Tier: SequentialGPU, Config: ConfigFor(SequentialGPU), CalculatedWorkers: 1}, true
}

func evaluateCPUOnly(e CapacityEstimate, ramBudgetMB int64) Decision {
	minRAMNeeded := e.WorkerRAMMB
	if minRAMNeeded < minRAMForCPUOnlyMB {
		minRAMNeeded = minRAMForCPUOnlyMB
	}

	if ramBudgetMB >= minRAMNeeded {
		return Decision{Tier: SequentialCPU, Config: ConfigFor(SequentialCPU), CalculatedWorkers: 1}
	}

	return Decision{
		Tier:              Refuse,
		Config:            ConfigFor(Refuse),
		CalculatedWorkers: 0,
		Reason: fmt.Sprintf(
			"ram budget %d MB below minimum %d MB required for CPU-only execution",
			ramBudgetMB, minRAMNeeded,
		),
	}
}

func minInt(vals ...int) int {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
