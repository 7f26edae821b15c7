package supervisor

import (
	"database/sql"
	"errors"

	"github.com/nomarr/workercore/internal/capacityprobe"
	"github.com/nomarr/workercore/internal/claims"
	"github.com/nomarr/workercore/internal/healthmonitor"
	"github.com/nomarr/workercore/internal/persistence/sqlite"
	"github.com/nomarr/workercore/internal/resourceprobe"
	"github.com/nomarr/workercore/internal/restartpolicy"
	"github.com/rs/zerolog"
)

var (
	ErrMissingLogger        = errors.New("supervisor: logger is required")
	ErrMissingDB            = errors.New("supervisor: db is required")
	ErrMissingHealthMonitor = errors.New("supervisor: health monitor is required")
	ErrMissingCapacityProbe = errors.New("supervisor: capacity probe is required")
	ErrMissingResourceProbe = errors.New("supervisor: resource probe is required")
	ErrMissingBinaryPath    = errors.New("supervisor: discovery worker binary path is required")
	ErrMissingDBPath        = errors.New("supervisor: db path is required")
)

// Config is the supervisor's configuration surface: fleet size, resource
// budgets, detection mode, the admission-control kill switch, and where
// to find models, the coordination database, and the discovery-worker
// binary.
type Config struct {
	WorkerCount               int
	VRAMBudgetMB              int64
	RAMBudgetMB               int64
	RAMDetectionMode          resourceprobe.RAMDetectionMode
	ResourceManagementEnabled bool
	ModelsDir                 string
	DBPath                    string
	DiscoveryWorkerBinary     string
	TaggerVersion             string
	HeartbeatTimeoutMS        int64
}

// Deps wires the Supervisor to its collaborators. Every non-primitive
// field mirrors a package already built for this domain.
type Deps struct {
	Logger        zerolog.Logger
	DB            *sql.DB
	HealthMonitor *healthmonitor.Manager
	CapacityProbe *capacityprobe.Probe
	ResourceProbe *resourceprobe.Probe
	Claims        *claims.Coordinator
	RestartStore  *restartpolicy.Store
	Meta          *sqlite.MetaStore
	Config        Config
}

// Validate checks that required collaborators are non-nil before the
// Supervisor can be constructed.
func (d *Deps) Validate() error {
	if d.Logger.GetLevel() == zerolog.Disabled {
		return ErrMissingLogger
	}
	if d.DB == nil {
		return ErrMissingDB
	}
	if d.HealthMonitor == nil {
		return ErrMissingHealthMonitor
	}
	if d.CapacityProbe == nil {
		return ErrMissingCapacityProbe
	}
	if d.ResourceProbe == nil {
		return ErrMissingResourceProbe
	}
	if d.Config.DiscoveryWorkerBinary == "" {
		return ErrMissingBinaryPath
	}
	if d.Config.DBPath == "" {
		return ErrMissingDBPath
	}
	return nil
}
