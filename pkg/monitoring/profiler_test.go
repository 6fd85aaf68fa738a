/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: profiler_test.go
Description: Tests for harness self-profiling.
*/

package monitoring

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfilerWritesSelectedProfiles(t *testing.T) {
	dir := t.TempDir()
	p := NewProfiler(ProfilerConfig{OutputDir: dir, CPUProfile: true, MemoryProfile: true, GoroutineProfile: true}, nil)

	require.NoError(t, p.Start())
	assert.True(t, p.IsRunning())
	assert.ErrorIs(t, p.Start(), ErrProfilerRunning)

	results, err := p.Stop()
	require.NoError(t, err)
	assert.False(t, p.IsRunning())
	require.Len(t, results, 3)

	kinds := map[ProfilerType]bool{}
	for _, r := range results {
		kinds[r.Type] = true
		info, err := os.Stat(r.OutputFile)
		require.NoError(t, err)
		assert.Equal(t, info.Size(), r.Size)
	}
	assert.Equal(t, map[ProfilerType]bool{ProfilerTypeCPU: true, ProfilerTypeMemory: true, ProfilerTypeGoroutine: true}, kinds)

	_, err = p.Stop()
	assert.ErrorIs(t, err, ErrProfilerNotRunning)
}

func TestProfilerSnapshotOnly(t *testing.T) {
	p := NewProfiler(ProfilerConfig{OutputDir: t.TempDir(), GoroutineProfile: true}, nil)
	require.NoError(t, p.Start())
	results, err := p.Stop()
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, ProfilerTypeGoroutine, results[0].Type)
	assert.Greater(t, results[0].Size, int64(0))
}

func TestProfilerConfigEnabled(t *testing.T) {
	assert.False(t, ProfilerConfig{}.Enabled())
	assert.True(t, ProfilerConfig{MemoryProfile: true}.Enabled())
}
