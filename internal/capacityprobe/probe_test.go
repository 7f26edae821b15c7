package capacityprobe

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nomarr/workercore/internal/persistence/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWarmer struct{ err error }

func (f *fakeWarmer) Warmup(ctx context.Context, modelsDir string) error { return f.err }

type fakeMeter struct {
	vramBefore, vramAfter int64
	ramBefore, ramAfter   int64
	calls                 int
	rssErr                error
}

func (f *fakeMeter) VRAMUsageForPIDMB(ctx context.Context, pid int) int64 {
	if f.calls == 0 {
		return f.vramBefore
	}
	return f.vramAfter
}

func (f *fakeMeter) RSSUsageMB(ctx context.Context) (int64, error) {
	defer func() { f.calls++ }()
	if f.rssErr != nil {
		return 0, f.rssErr
	}
	if f.calls == 0 {
		return f.ramBefore, nil
	}
	return f.ramAfter, nil
}

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capacity.db")
	db, err := sqlite.Open(path, sqlite.DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, sqlite.EnsureCoordinationSchema(db))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func makeModelsDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "backbone.pb"), []byte("123"), 0o644))
	return dir
}

func TestComputeModelSetHash_DeterministicAndLength16(t *testing.T) {
	dir := makeModelsDir(t)

	h1 := ComputeModelSetHash(dir)
	h2 := ComputeModelSetHash(dir)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 16)
}

func TestComputeModelSetHash_MissingDirFallsBackToTimestampHash(t *testing.T) {
	h := ComputeModelSetHash(filepath.Join(t.TempDir(), "does-not-exist"))
	assert.Len(t, h, 16)
}

func TestEnsureCapacityEstimate_LeaderMeasuresAndCaches(t *testing.T) {
	db := newTestDB(t)
	dir := makeModelsDir(t)
	meter := &fakeMeter{vramBefore: 1000, vramAfter: 5000, ramBefore: 200, ramAfter: 3200}
	p := New(db, &fakeWarmer{}, meter, zerolog.Nop())

	est, err := p.EnsureCapacityEstimate(context.Background(), dir, "worker:tag:0", true)
	require.NoError(t, err)

	assert.False(t, est.IsConservative)
	assert.Equal(t, int64(4000), est.MeasuredBackboneVRAMMB)
	assert.Equal(t, int64(3000), est.EstimatedWorkerRAMMB)

	// Second call is a cache hit; must not re-measure (meter would have
	// advanced past index 1, so a fresh VRAM delta would look wrong if
	// invoked again).
	est2, err := p.EnsureCapacityEstimate(context.Background(), dir, "worker:tag:1", true)
	require.NoError(t, err)
	assert.Equal(t, est, est2)
}

func TestEnsureCapacityEstimate_ClampsLowWorkerRAM(t *testing.T) {
	db := newTestDB(t)
	dir := makeModelsDir(t)
	meter := &fakeMeter{vramBefore: 0, vramAfter: 100, ramBefore: 0, ramAfter: 500}
	p := New(db, &fakeWarmer{}, meter, zerolog.Nop())

	est, err := p.EnsureCapacityEstimate(context.Background(), dir, "worker:tag:0", true)
	require.NoError(t, err)

	assert.Equal(t, int64(clampedMinWorkerRAMMB), est.EstimatedWorkerRAMMB)
}

func TestEnsureCapacityEstimate_WarmupFailureReturnsConservative(t *testing.T) {
	db := newTestDB(t)
	dir := makeModelsDir(t)
	meter := &fakeMeter{}
	p := New(db, &fakeWarmer{err: assertErr("warmup boom")}, meter, zerolog.Nop())

	est, err := p.EnsureCapacityEstimate(context.Background(), dir, "worker:tag:0", true)
	require.NoError(t, err)

	assert.True(t, est.IsConservative)
	assert.Equal(t, int64(conservativeBackboneVRAM), est.MeasuredBackboneVRAMMB)
	assert.Equal(t, int64(conservativeWorkerRAM), est.EstimatedWorkerRAMMB)
}

func TestEnsureCapacityEstimate_ConservativeWithoutGPUHasZeroBackbone(t *testing.T) {
	db := newTestDB(t)
	dir := makeModelsDir(t)
	p := New(db, &fakeWarmer{err: assertErr("boom")}, &fakeMeter{}, zerolog.Nop())

	est, err := p.EnsureCapacityEstimate(context.Background(), dir, "worker:tag:0", false)
	require.NoError(t, err)

	assert.True(t, est.IsConservative)
	assert.Zero(t, est.MeasuredBackboneVRAMMB)
}

func TestWaitForProbeCompletion_ReturnsEstimateOnceLeaderWrites(t *testing.T) {
	db := newTestDB(t)
	hash := "abc1234567890def"
	p := New(db, &fakeWarmer{}, &fakeMeter{}, zerolog.Nop())

	// Simulate a peer already holding the lock.
	_, err := db.ExecContext(context.Background(),
		`INSERT INTO capacity_probe_locks (model_set_hash, status, worker_id, started_at) VALUES (?, 'in_progress', ?, ?)`,
		hash, "worker:tag:9", time.Now().UnixMilli())
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO capacity_estimates
				(model_set_hash, measured_backbone_vram_mb, estimated_worker_ram_mb, gpu_capable, is_conservative, probed_by, created_at)
			VALUES (?, 3000, 2000, 1, 0, 'worker:tag:9', ?)
		`, hash, time.Now().UnixMilli())
		_, _ = db.ExecContext(context.Background(), `UPDATE capacity_probe_locks SET status='complete' WHERE model_set_hash=?`, hash)
	}()

	est := p.waitForProbeCompletion(context.Background(), hash, true)

	assert.False(t, est.IsConservative)
	assert.Equal(t, int64(3000), est.MeasuredBackboneVRAMMB)
}

type assertErrT string

func (e assertErrT) Error() string { return string(e) }

func assertErr(msg string) error { return assertErrT(msg) }
