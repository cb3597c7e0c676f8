//go:build !windows

package stackup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/stackup/internal/service"
)

func newTestStack(t *testing.T) *Stack {
	t.Helper()
	s := New(WithVolumeDir(t.TempDir()), WithDefaults(Defaults{
		StartTimeout: 5 * time.Second,
		StopGrace:    2 * time.Second,
		BackoffBase:  5 * time.Millisecond,
		BackoffCap:   20 * time.Millisecond,
	}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func TestStackUpDownRemove(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	require.NoError(t, s.Register(Spec{
		Name:    "sleeper",
		Command: []string{"sleep", "30"},
	}))

	require.NoError(t, s.Up(ctx, "sleeper"))
	st, err := s.Status("sleeper")
	require.NoError(t, err)
	assert.Equal(t, service.StateRunning, st.State)
	assert.Greater(t, st.PID, 0)
	assert.Equal(t, map[string]int{"sleeper": st.PID}, s.PIDs())

	require.NoError(t, s.Down(ctx, "sleeper", 2*time.Second))
	st, err = s.Status("sleeper")
	require.NoError(t, err)
	assert.Equal(t, service.StateStopped, st.State)
	assert.Empty(t, s.PIDs())

	require.NoError(t, s.Remove(ctx, "sleeper"))
	st, err = s.Status("sleeper")
	require.NoError(t, err)
	assert.Equal(t, service.StatePending, st.State, "removed instance reports pending again")
}

func TestStackVolumeClaims(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	require.NoError(t, s.DeclareVolume("data"))
	require.NoError(t, s.Register(Spec{
		Name:    "writer",
		Command: []string{"sleep", "30"},
		Volumes: []VolumeBinding{{Volume: "data", MountPath: "/data"}},
	}))
	require.NoError(t, s.Up(ctx, "writer"))

	vols := s.Volumes()
	require.Len(t, vols, 1)
	assert.Equal(t, []string{"writer"}, vols[0].UsedBy)
	assert.True(t, vols[0].Materialized)

	// claim survives a stop; only remove releases it
	require.NoError(t, s.Down(ctx, "writer", 2*time.Second))
	require.Error(t, s.RemoveVolume("data"))

	require.NoError(t, s.Remove(ctx, "writer"))
	require.NoError(t, s.RemoveVolume("data"))
	assert.Empty(t, s.Volumes())
}

func TestStackGlobalEnvFlowsIntoProcess(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	dir := t.TempDir()
	out := filepath.Join(dir, "env.txt")
	s.SetGlobalEnv([]string{"GREETING=hello"})
	require.NoError(t, s.Register(Spec{
		Name:    "envdump",
		Command: []string{"/bin/sh", "-c", "env > " + out},
	}))
	require.NoError(t, s.Up(ctx, "envdump"))

	require.Eventually(t, func() bool {
		b, err := os.ReadFile(out)
		return err == nil && len(b) > 0
	}, 5*time.Second, 20*time.Millisecond)
	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(b), "GREETING=hello")
}

func TestNewFromConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "stack.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
volume_dir = "`+filepath.Join(dir, "volumes")+`"

[[volumes]]
name = "scratch"

[[services]]
name = "oneshot"
command = ["true"]
volumes = ["scratch:/scratch"]
`), 0o600))

	ctx := context.Background()
	s, fc, err := NewFromConfig(ctx, cfgPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(ctx) })

	assert.Equal(t, filepath.Join(dir, "volumes"), fc.VolumeBaseDir())
	sts := s.StatusAll()
	require.Len(t, sts, 1)
	assert.Equal(t, "oneshot", sts[0].Name)
	assert.Equal(t, service.StatePending, sts[0].State)

	vols := s.Volumes()
	require.Len(t, vols, 1)
	assert.Equal(t, "scratch", vols[0].Name)
}

func TestStackUnknownService(t *testing.T) {
	s := newTestStack(t)
	require.ErrorIs(t, s.Up(context.Background(), "ghost"), service.ErrUnknownService)
	_, err := s.Status("ghost")
	require.ErrorIs(t, err, service.ErrUnknownService)
}
