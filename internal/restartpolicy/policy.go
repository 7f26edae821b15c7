// Package restartpolicy implements the pure crash-recovery decision
// function for worker components, plus a SQLite-backed store that
// persists restart counters across supervisor restarts. The decision
// function has no side effects beyond logging; persistence exists only
// so counters survive a crash of the supervisor itself — the in-memory
// health monitor registry remains the sole authority on liveness.
package restartpolicy

import "fmt"

const (
	defaultMaxShortWindow = 5
	defaultShortWindowMS  = 5 * 60 * 1000
	defaultMaxLifetime    = 20
	defaultMaxBackoff     = 60
)

// Action is the outcome of a restart decision.
type Action string

const (
	ActionRestart    Action = "restart"
	ActionMarkFailed Action = "mark_failed"
)

// Decision is the result of Decide.
type Decision struct {
	Action         Action
	Reason         string
	BackoffSeconds int
	FailureReason  string
}

type options struct {
	maxShortWindow int
	shortWindowMS  int64
	maxLifetime    int
	maxBackoff     int
}

// Option configures Decide's thresholds. Tests exercise non-default
// thresholds; production code uses the zero-value defaults.
type Option func(*options)

func WithMaxShortWindow(n int) Option    { return func(o *options) { o.maxShortWindow = n } }
func WithShortWindowMS(ms int64) Option  { return func(o *options) { o.shortWindowMS = ms } }
func WithMaxLifetime(n int) Option       { return func(o *options) { o.maxLifetime = n } }
func WithMaxBackoff(seconds int) Option  { return func(o *options) { o.maxBackoff = seconds } }

// Decide evaluates, in order: lifetime exhaustion, then crash-loop
// detection within the short window, then ordinary restart with
// exponential backoff. restartCount and lastRestartWallMS are read from
// the restart-policy store before calling this function; nowWallMS is
// injected for testability.
func Decide(restartCount int, lastRestartWallMS *int64, nowWallMS int64, opts ...Option) Decision {
	o := options{
		maxShortWindow: defaultMaxShortWindow,
		shortWindowMS:  defaultShortWindowMS,
		maxLifetime:    defaultMaxLifetime,
		maxBackoff:     defaultMaxBackoff,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if restartCount >= o.maxLifetime {
		return Decision{
			Action: ActionMarkFailed,
			Reason: fmt.Sprintf("restart_count %d reached lifetime limit %d", restartCount, o.maxLifetime),
			FailureReason: fmt.Sprintf(
				"Exceeded %d lifetime restarts; likely persistent resource pressure "+
					"(OOM kills, GPU memory issues, or repeated crashes)", o.maxLifetime,
			),
		}
	}

	if lastRestartWallMS != nil && (nowWallMS-*lastRestartWallMS) < o.shortWindowMS && restartCount >= o.maxShortWindow {
		return Decision{
			Action: ActionMarkFailed,
			Reason: fmt.Sprintf("restart_count %d within short window (< %dms since last restart)", restartCount, o.shortWindowMS),
			FailureReason: fmt.Sprintf(
				"Exceeded %d restarts within %d minutes; worker is crash-looping",
				o.maxShortWindow, o.shortWindowMS/60000,
			),
		}
	}

	return Decision{
		Action:         ActionRestart,
		Reason:         "within restart budget",
		BackoffSeconds: Backoff(restartCount, o.maxBackoff),
	}
}

// Backoff implements max(1, min(2^n, maxBackoff)): 1, 2, 4, 8, 16, 32, 60, 60, ...
func Backoff(restartCount, maxBackoff int) int {
	if restartCount < 0 {
		restartCount = 0
	}
	backoff := 1
	for i := 0; i < restartCount; i++ {
		backoff *= 2
		if backoff >= maxBackoff {
			backoff = maxBackoff
			break
		}
	}
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	if backoff < 1 {
		backoff = 1
	}
	return backoff
}
