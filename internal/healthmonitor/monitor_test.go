package healthmonitor

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() Policy {
	return Policy{
		StartupTimeout:       60 * time.Second,
		StalenessInterval:    5 * time.Second,
		MaxConsecutiveMisses: 3,
		MinRecovery:          5 * time.Second,
		MaxRecovery:          120 * time.Second,
	}
}

type recordingHandler struct {
	mu        sync.Mutex
	old, new  []Status
	contexts  []Transition
	callCount int
	panicOn   int
}

func (h *recordingHandler) OnStatusChange(_ string, old, newStatus Status, t Transition) {
	h.mu.Lock()
	h.callCount++
	n := h.callCount
	h.mu.Unlock()

	if h.panicOn != 0 && n == h.panicOn {
		panic("handler exploded")
	}

	h.mu.Lock()
	h.old = append(h.old, old)
	h.new = append(h.new, newStatus)
	h.contexts = append(h.contexts, t)
	h.mu.Unlock()
}

func (h *recordingHandler) last() (Status, Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.new)
	if n == 0 {
		return "", ""
	}
	return h.old[n-1], h.new[n-1]
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.callCount
}

func newManagerWithClock(now *time.Time) (*Manager, *recordingHandler) {
	m := New(zerolog.Nop(), nil, WithClock(func() time.Time { return *now }))
	return m, &recordingHandler{}
}

func TestRegister_RejectsReRegistrationOfFailedComponent(t *testing.T) {
	now := time.Unix(0, 0)
	m, h := newManagerWithClock(&now)

	r, w := io.Pipe()
	defer w.Close()
	require.NoError(t, m.Register("worker:tag:0", h, r, testPolicy()))

	m.SetFailed("worker:tag:0")

	err := m.Register("worker:tag:0", h, r, testPolicy())
	assert.ErrorIs(t, err, ErrComponentFailed)
}

func TestHandleFrame_HealthyFrameTransitionsFromPending(t *testing.T) {
	now := time.Unix(1000, 0)
	m, h := newManagerWithClock(&now)

	r, w := io.Pipe()
	defer w.Close()
	require.NoError(t, m.Register("worker:tag:0", h, r, testPolicy()))

	m.handleFrame(frameEvent{componentID: "worker:tag:0", raw: []byte(`HEALTH|{"component_id":"worker:tag:0","status":"healthy"}`)})

	status, ok := m.Status("worker:tag:0")
	require.True(t, ok)
	assert.Equal(t, StatusHealthy, status)

	old, newStatus := h.last()
	assert.Equal(t, StatusPending, old)
	assert.Equal(t, StatusHealthy, newStatus)
}

func TestHandleFrame_MalformedFrameDroppedSilently(t *testing.T) {
	now := time.Unix(1000, 0)
	m, h := newManagerWithClock(&now)

	r, w := io.Pipe()
	defer w.Close()
	require.NoError(t, m.Register("worker:tag:0", h, r, testPolicy()))

	m.handleFrame(frameEvent{componentID: "worker:tag:0", raw: []byte("not a health frame")})
	m.handleFrame(frameEvent{componentID: "worker:tag:0", raw: []byte(`HEALTH|not json`)})

	status, ok := m.Status("worker:tag:0")
	require.True(t, ok)
	assert.Equal(t, StatusPending, status, "malformed frames must not transition the component")
	assert.Zero(t, h.count())
}

func TestHandleFrame_UnknownStatusIgnored(t *testing.T) {
	now := time.Unix(1000, 0)
	m, h := newManagerWithClock(&now)

	r, w := io.Pipe()
	defer w.Close()
	require.NoError(t, m.Register("worker:tag:0", h, r, testPolicy()))

	m.handleFrame(frameEvent{componentID: "worker:tag:0", raw: []byte(`HEALTH|{"component_id":"worker:tag:0","status":"whatever"}`)})

	status, _ := m.Status("worker:tag:0")
	assert.Equal(t, StatusPending, status)
	assert.Zero(t, h.count())
}

func TestHandleFrame_EOFTransitionsDead(t *testing.T) {
	now := time.Unix(1000, 0)
	m, h := newManagerWithClock(&now)

	r, w := io.Pipe()
	defer w.Close()
	require.NoError(t, m.Register("worker:tag:0", h, r, testPolicy()))

	m.handleFrame(frameEvent{componentID: "worker:tag:0", eof: true})

	status, _ := m.Status("worker:tag:0")
	assert.Equal(t, StatusDead, status)
	old, newStatus := h.last()
	assert.Equal(t, StatusPending, old)
	assert.Equal(t, StatusDead, newStatus)
}

func TestRunDeadlineChecks_PendingExceedsStartupDeadlineGoesDead(t *testing.T) {
	now := time.Unix(1000, 0)
	m, h := newManagerWithClock(&now)

	r, w := io.Pipe()
	defer w.Close()
	policy := testPolicy()
	policy.StartupTimeout = 10 * time.Second
	require.NoError(t, m.Register("worker:tag:0", h, r, policy))

	now = now.Add(11 * time.Second)
	m.runDeadlineChecks()

	status, _ := m.Status("worker:tag:0")
	assert.Equal(t, StatusDead, status)
}

func TestRunDeadlineChecks_StalenessEscalatesToUnhealthyThenDead(t *testing.T) {
	now := time.Unix(1000, 0)
	m, h := newManagerWithClock(&now)

	r, w := io.Pipe()
	defer w.Close()
	policy := testPolicy()
	policy.StalenessInterval = 5 * time.Second
	policy.MaxConsecutiveMisses = 3
	require.NoError(t, m.Register("worker:tag:0", h, r, policy))

	// Move to healthy first.
	m.handleFrame(frameEvent{componentID: "worker:tag:0", raw: []byte(`HEALTH|{"component_id":"worker:tag:0","status":"healthy"}`)})

	// Miss 1: healthy -> unhealthy.
	now = now.Add(6 * time.Second)
	m.runDeadlineChecks()
	status, _ := m.Status("worker:tag:0")
	assert.Equal(t, StatusUnhealthy, status)

	// Miss 2: stays unhealthy, no callback since already unhealthy.
	now = now.Add(6 * time.Second)
	m.runDeadlineChecks()
	status, _ = m.Status("worker:tag:0")
	assert.Equal(t, StatusUnhealthy, status)

	// Miss 3 reaches max_consecutive_misses: dead.
	now = now.Add(6 * time.Second)
	m.runDeadlineChecks()
	status, _ = m.Status("worker:tag:0")
	assert.Equal(t, StatusDead, status)

	old, newStatus := h.last()
	assert.Equal(t, StatusUnhealthy, old)
	assert.Equal(t, StatusDead, newStatus)
}

func TestHandleFrame_HealthyFrameResetsMissesAndRecoveryDeadline(t *testing.T) {
	now := time.Unix(1000, 0)
	m, h := newManagerWithClock(&now)

	r, w := io.Pipe()
	defer w.Close()
	policy := testPolicy()
	require.NoError(t, m.Register("worker:tag:0", h, r, policy))

	m.handleFrame(frameEvent{componentID: "worker:tag:0", raw: []byte(`HEALTH|{"component_id":"worker:tag:0","status":"recovering","recover_for_s":10}`)})
	status, _ := m.Status("worker:tag:0")
	require.Equal(t, StatusRecovering, status)

	m.handleFrame(frameEvent{componentID: "worker:tag:0", raw: []byte(`HEALTH|{"component_id":"worker:tag:0","status":"healthy"}`)})
	status, _ = m.Status("worker:tag:0")
	assert.Equal(t, StatusHealthy, status)

	m.mu.Lock()
	c := m.components["worker:tag:0"]
	assert.Zero(t, c.consecutiveMisses)
	assert.True(t, c.recoveryDeadline.IsZero())
	m.mu.Unlock()
}

func TestHandleFrame_RecoveringClampsToMaxWhenAbsent(t *testing.T) {
	now := time.Unix(1000, 0)
	m, h := newManagerWithClock(&now)

	r, w := io.Pipe()
	defer w.Close()
	policy := testPolicy()
	policy.MaxRecovery = 120 * time.Second
	require.NoError(t, m.Register("worker:tag:0", h, r, policy))

	m.handleFrame(frameEvent{componentID: "worker:tag:0", raw: []byte(`HEALTH|{"component_id":"worker:tag:0","status":"recovering"}`)})

	m.mu.Lock()
	c := m.components["worker:tag:0"]
	assert.Equal(t, now.Add(120*time.Second), c.recoveryDeadline)
	m.mu.Unlock()
}

func TestHandleFrame_RecoveringClampsRequestedBelowMin(t *testing.T) {
	now := time.Unix(1000, 0)
	m, h := newManagerWithClock(&now)

	r, w := io.Pipe()
	defer w.Close()
	policy := testPolicy()
	policy.MinRecovery = 5 * time.Second
	require.NoError(t, m.Register("worker:tag:0", h, r, policy))

	m.handleFrame(frameEvent{componentID: "worker:tag:0", raw: []byte(`HEALTH|{"component_id":"worker:tag:0","status":"recovering","recover_for_s":1}`)})

	m.mu.Lock()
	c := m.components["worker:tag:0"]
	assert.Equal(t, now.Add(5*time.Second), c.recoveryDeadline)
	m.mu.Unlock()
}

func TestRunDeadlineChecks_RecoveringExceedsDeadlineGoesDead(t *testing.T) {
	now := time.Unix(1000, 0)
	m, h := newManagerWithClock(&now)

	r, w := io.Pipe()
	defer w.Close()
	policy := testPolicy()
	policy.MinRecovery = 5 * time.Second
	policy.MaxRecovery = 10 * time.Second
	require.NoError(t, m.Register("worker:tag:0", h, r, policy))

	m.handleFrame(frameEvent{componentID: "worker:tag:0", raw: []byte(`HEALTH|{"component_id":"worker:tag:0","status":"recovering","recover_for_s":5}`)})

	now = now.Add(6 * time.Second)
	m.runDeadlineChecks()

	status, _ := m.Status("worker:tag:0")
	assert.Equal(t, StatusDead, status)
}

func TestSetFailed_IdempotentNoSecondCallback(t *testing.T) {
	now := time.Unix(1000, 0)
	m, h := newManagerWithClock(&now)

	r, w := io.Pipe()
	defer w.Close()
	require.NoError(t, m.Register("worker:tag:0", h, r, testPolicy()))

	m.SetFailed("worker:tag:0")
	assert.Equal(t, 1, h.count())

	m.SetFailed("worker:tag:0")
	assert.Equal(t, 1, h.count(), "second SetFailed must not dispatch another callback")

	status, _ := m.Status("worker:tag:0")
	assert.Equal(t, StatusFailed, status)
}

func TestDispatchCallback_HandlerPanicIsRecovered(t *testing.T) {
	now := time.Unix(1000, 0)
	m := New(zerolog.Nop(), nil, WithClock(func() time.Time { return now }))
	h := &recordingHandler{panicOn: 1}

	r, w := io.Pipe()
	defer w.Close()
	require.NoError(t, m.Register("worker:tag:0", h, r, testPolicy()))

	assert.NotPanics(t, func() {
		m.handleFrame(frameEvent{componentID: "worker:tag:0", raw: []byte(`HEALTH|{"component_id":"worker:tag:0","status":"healthy"}`)})
	})
}

func TestUnregister_FutureFramesForUnknownComponentAreIgnored(t *testing.T) {
	now := time.Unix(1000, 0)
	m, h := newManagerWithClock(&now)

	r, w := io.Pipe()
	defer w.Close()
	require.NoError(t, m.Register("worker:tag:0", h, r, testPolicy()))
	m.Unregister("worker:tag:0")

	assert.NotPanics(t, func() {
		m.handleFrame(frameEvent{componentID: "worker:tag:0", raw: []byte(`HEALTH|{"component_id":"worker:tag:0","status":"healthy"}`)})
	})
	_, ok := m.Status("worker:tag:0")
	assert.False(t, ok)
}

type fakeHistoryStore struct {
	mu   sync.Mutex
	got  []Snapshot
	fail bool
}

func (f *fakeHistoryStore) WriteSnapshots(_ context.Context, snapshots []Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return assertErr("write failed")
	}
	f.got = append(f.got, snapshots...)
	return nil
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestWriteHistorySnapshot_WritesCurrentComponentStates(t *testing.T) {
	now := time.Unix(1000, 0)
	store := &fakeHistoryStore{}
	m := New(zerolog.Nop(), store, WithClock(func() time.Time { return now }))
	h := &recordingHandler{}

	r, w := io.Pipe()
	defer w.Close()
	require.NoError(t, m.Register("worker:tag:0", h, r, testPolicy()))

	m.writeHistorySnapshot(context.Background())

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.got, 1)
	assert.Equal(t, "worker:tag:0", store.got[0].ComponentID)
	assert.Equal(t, StatusPending, store.got[0].Status)
}

func TestStartStop_RealPipeEOFTransitionsDeadThroughDispatchLoop(t *testing.T) {
	m := New(zerolog.Nop(), nil)
	h := &recordingHandler{}

	r, w := io.Pipe()
	require.NoError(t, m.Register("worker:tag:0", h, r, testPolicy()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	require.NoError(t, w.Close())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if status, ok := m.Status("worker:tag:0"); ok && status == StatusDead {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("component never transitioned to dead after pipe close")
}
