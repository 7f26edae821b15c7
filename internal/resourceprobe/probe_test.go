package resourceprobe

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeSMI(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "nvidia-smi")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func TestCheckGPUCapability_CachesForProcessLifetime(t *testing.T) {
	calls := filepath.Join(t.TempDir(), "calls")
	script := "echo -n x >> " + calls + "\necho 'NVIDIA GeForce RTX'\nexit 0\n"
	p := New(zerolog.Nop(), WithNvidiaSMIPath(fakeSMI(t, script)))

	first := p.CheckGPUCapability(context.Background())
	second := p.CheckGPUCapability(context.Background())

	assert.True(t, first)
	assert.True(t, second)

	data, err := os.ReadFile(calls)
	require.NoError(t, err)
	assert.Equal(t, "x", string(data), "nvidia-smi must run at most once per process lifetime")
}

func TestCheckGPUCapability_EmptyOutputIsNotCapable(t *testing.T) {
	p := New(zerolog.Nop(), WithNvidiaSMIPath(fakeSMI(t, "echo -n ''\nexit 0\n")))
	assert.False(t, p.CheckGPUCapability(context.Background()))
}

func TestCheckGPUCapability_MissingBinary(t *testing.T) {
	p := New(zerolog.Nop(), WithNvidiaSMIPath(filepath.Join(t.TempDir(), "does-not-exist")))
	assert.False(t, p.CheckGPUCapability(context.Background()))
}

func TestCheckGPUCapability_Timeout(t *testing.T) {
	p := New(zerolog.Nop(),
		WithNvidiaSMIPath(fakeSMI(t, "sleep 2\n")),
		WithTimeout(20*time.Millisecond),
	)
	assert.False(t, p.CheckGPUCapability(context.Background()))
}

func TestGetVRAMUsageMB_SumsAcrossGPUs(t *testing.T) {
	script := "printf '1000, 8000\\n2000, 8000\\n'\nexit 0\n"
	p := New(zerolog.Nop(), WithNvidiaSMIPath(fakeSMI(t, script)))

	usage := p.GetVRAMUsageMB(context.Background())
	assert.Equal(t, int64(3000), usage.UsedMB)
	assert.Equal(t, int64(16000), usage.TotalMB)
	assert.Empty(t, usage.Error)
}

func TestGetVRAMUsageMB_FailureReturnsZeroWithError(t *testing.T) {
	p := New(zerolog.Nop(), WithNvidiaSMIPath(fakeSMI(t, "exit 1\n")))

	usage := p.GetVRAMUsageMB(context.Background())
	assert.Zero(t, usage.UsedMB)
	assert.Zero(t, usage.TotalMB)
	assert.NotEmpty(t, usage.Error)
}

func TestGetVRAMUsageMB_CachedWithinTTL(t *testing.T) {
	calls := filepath.Join(t.TempDir(), "calls")
	script := "echo -n x >> " + calls + "\nprintf '100, 8000\\n'\nexit 0\n"
	p := New(zerolog.Nop(), WithNvidiaSMIPath(fakeSMI(t, script)))

	p.GetVRAMUsageMB(context.Background())
	p.GetVRAMUsageMB(context.Background())

	data, err := os.ReadFile(calls)
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
}

func TestGetVRAMUsageForPIDMB_MatchesExactPID(t *testing.T) {
	script := "printf '111, 500\\n222, 700\\n'\nexit 0\n"
	p := New(zerolog.Nop(), WithNvidiaSMIPath(fakeSMI(t, script)))

	assert.Equal(t, int64(700), p.GetVRAMUsageForPIDMB(context.Background(), 222))
	assert.Equal(t, int64(0), p.GetVRAMUsageForPIDMB(context.Background(), 999))
}

func TestGetRAMUsageMB_HostMode(t *testing.T) {
	p := New(zerolog.Nop())
	usage := p.GetRAMUsageMB(RAMDetectionHost)
	assert.Empty(t, usage.Error)
	assert.Greater(t, usage.UsedMB, int64(0))
}
