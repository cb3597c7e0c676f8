package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/stackup/internal/history"
	"github.com/loykin/stackup/internal/runtime"
	"github.com/loykin/stackup/internal/service"
	"github.com/loykin/stackup/internal/store"
	"github.com/loykin/stackup/internal/volume"
)

type fakeHandle struct {
	pid  int
	once sync.Once
	code int
	done chan struct{}
}

func (h *fakeHandle) PID() int { return h.pid }

func (h *fakeHandle) exit(code int) {
	h.once.Do(func() {
		h.code = code
		close(h.done)
	})
}

type fakeRuntime struct {
	mu       sync.Mutex
	nextPID  int
	handles  map[string][]*fakeHandle
	failures map[string]int  // remaining launch failures per service
	block    map[string]bool // launches that hang until ctx expires
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		nextPID:  1000,
		handles:  make(map[string][]*fakeHandle),
		failures: make(map[string]int),
		block:    make(map[string]bool),
	}
}

func (f *fakeRuntime) CreateAndStart(ctx context.Context, spec service.Spec, _ map[string]string) (runtime.Handle, error) {
	f.mu.Lock()
	if f.block[spec.Name] {
		f.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.failures[spec.Name] > 0 {
		f.failures[spec.Name]--
		f.mu.Unlock()
		return nil, errors.New("launch refused")
	}
	f.nextPID++
	h := &fakeHandle{pid: f.nextPID, done: make(chan struct{})}
	f.handles[spec.Name] = append(f.handles[spec.Name], h)
	f.mu.Unlock()
	return h, nil
}

func (f *fakeRuntime) SignalStop(h runtime.Handle, _ time.Duration) error {
	h.(*fakeHandle).exit(0)
	return nil
}

func (f *fakeRuntime) WaitExit(ctx context.Context, h runtime.Handle) (int, error) {
	fh := h.(*fakeHandle)
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-fh.done:
		return fh.code, nil
	}
}

func (f *fakeRuntime) ForceKill(h runtime.Handle) error {
	h.(*fakeHandle).exit(-9)
	return nil
}

func (f *fakeRuntime) latest(name string) *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	hs := f.handles[name]
	if len(hs) == 0 {
		return nil
	}
	return hs[len(hs)-1]
}

func (f *fakeRuntime) launches(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles[name])
}

// fastDefaults keeps restart backoff in the millisecond range so tests stay
// quick.
func fastDefaults() Defaults {
	return Defaults{
		StartTimeout:      2 * time.Second,
		StopGrace:         time.Second,
		BackoffBase:       2 * time.Millisecond,
		BackoffCap:        10 * time.Millisecond,
		BackoffResetAfter: time.Hour, // streak never resets mid-test
	}
}

func newTestController(t *testing.T, specs ...service.Spec) (*Controller, *fakeRuntime) {
	t.Helper()
	vols := volume.NewStore(t.TempDir())
	reg := service.NewRegistry(vols)
	reg.SetAutoDeclareVolumes(true)
	for _, sp := range specs {
		require.NoError(t, reg.Register(sp))
	}
	rt := newFakeRuntime()
	ctl := New(reg, vols, rt, fastDefaults())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = ctl.Shutdown(ctx)
	})
	return ctl, rt
}

func waitState(t *testing.T, ctl *Controller, name string, want service.State) service.Status {
	t.Helper()
	var last service.Status
	require.Eventually(t, func() bool {
		st, err := ctl.Status(name)
		if err != nil {
			return false
		}
		last = st
		return st.State == want
	}, 2*time.Second, 5*time.Millisecond, "service %s never reached %s (last: %+v)", name, want, last)
	st, err := ctl.Status(name)
	require.NoError(t, err)
	return st
}

func TestStartIsIdempotent(t *testing.T) {
	ctl, rt := newTestController(t, service.Spec{Name: "app", Command: []string{"run"}})
	ctx := context.Background()

	require.NoError(t, ctl.Start(ctx, "app"))
	st := waitState(t, ctl, "app", service.StateRunning)
	pid := st.PID
	require.Greater(t, pid, 0)

	// second start is a no-op: same pid, no second launch
	require.NoError(t, ctl.Start(ctx, "app"))
	st, err := ctl.Status("app")
	require.NoError(t, err)
	assert.Equal(t, pid, st.PID)
	assert.Equal(t, 1, rt.launches("app"))
}

func TestStopIsIdempotentAndRestartable(t *testing.T) {
	ctl, rt := newTestController(t, service.Spec{Name: "app", Command: []string{"run"}})
	ctx := context.Background()

	require.NoError(t, ctl.Start(ctx, "app"))
	st := waitState(t, ctl, "app", service.StateRunning)
	firstPID := st.PID

	require.NoError(t, ctl.Stop(ctx, "app", 0))
	st = waitState(t, ctl, "app", service.StateStopped)
	assert.Equal(t, firstPID, st.PID, "stopped status keeps the last pid")
	assert.Equal(t, 0, st.ExitCode)
	assert.False(t, st.StoppedAt.IsZero())

	// stopping again is a no-op
	require.NoError(t, ctl.Stop(ctx, "app", 0))

	// a fresh start launches a new process
	require.NoError(t, ctl.Start(ctx, "app"))
	st = waitState(t, ctl, "app", service.StateRunning)
	assert.NotEqual(t, firstPID, st.PID)
	assert.Equal(t, 2, rt.launches("app"))
}

func TestUnknownServiceErrors(t *testing.T) {
	ctl, _ := newTestController(t)
	ctx := context.Background()
	require.ErrorIs(t, ctl.Start(ctx, "ghost"), service.ErrUnknownService)
	require.ErrorIs(t, ctl.Stop(ctx, "ghost", 0), service.ErrUnknownService)
	require.ErrorIs(t, ctl.Remove(ctx, "ghost"), service.ErrUnknownService)
	_, err := ctl.Status("ghost")
	require.ErrorIs(t, err, service.ErrUnknownService)
}

func TestCrashWithoutRestartPolicy(t *testing.T) {
	ctl, rt := newTestController(t, service.Spec{Name: "app", Command: []string{"run"}})
	require.NoError(t, ctl.Start(context.Background(), "app"))
	waitState(t, ctl, "app", service.StateRunning)

	rt.latest("app").exit(2)
	st := waitState(t, ctl, "app", service.StateCrashed)
	assert.Equal(t, 2, st.ExitCode)
	assert.Contains(t, st.LastError, "code 2")
	assert.Equal(t, 1, rt.launches("app"))
}

func TestCleanExitWithoutRestartPolicySettlesStopped(t *testing.T) {
	ctl, rt := newTestController(t, service.Spec{Name: "app", Command: []string{"run"}})
	require.NoError(t, ctl.Start(context.Background(), "app"))
	waitState(t, ctl, "app", service.StateRunning)

	rt.latest("app").exit(0)
	st := waitState(t, ctl, "app", service.StateStopped)
	assert.Equal(t, 0, st.ExitCode)
	assert.Empty(t, st.LastError)
}

func TestRestartOnFailure(t *testing.T) {
	ctl, rt := newTestController(t, service.Spec{
		Name: "app", Command: []string{"run"}, Restart: service.RestartOnFailure,
	})
	require.NoError(t, ctl.Start(context.Background(), "app"))
	st := waitState(t, ctl, "app", service.StateRunning)
	firstPID := st.PID

	rt.latest("app").exit(1)
	require.Eventually(t, func() bool {
		st, err := ctl.Status("app")
		return err == nil && st.State == service.StateRunning && st.PID != firstPID
	}, 2*time.Second, 5*time.Millisecond)

	st, err := ctl.Status("app")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Restarts)

	// a clean exit under on-failure settles stopped
	rt.latest("app").exit(0)
	st = waitState(t, ctl, "app", service.StateStopped)
	assert.Equal(t, 1, st.Restarts)
	assert.Equal(t, 2, rt.launches("app"))
}

func TestRestartAlwaysOnCleanExit(t *testing.T) {
	ctl, rt := newTestController(t, service.Spec{
		Name: "app", Command: []string{"run"}, Restart: service.RestartAlways,
	})
	require.NoError(t, ctl.Start(context.Background(), "app"))
	waitState(t, ctl, "app", service.StateRunning)

	rt.latest("app").exit(0)
	require.Eventually(t, func() bool {
		return rt.launches("app") == 2
	}, 2*time.Second, 5*time.Millisecond)
	waitState(t, ctl, "app", service.StateRunning)
}

func TestRestartCeilingParksCrashed(t *testing.T) {
	ctl, rt := newTestController(t, service.Spec{
		Name: "app", Command: []string{"run"}, Restart: service.RestartAlways, MaxRestarts: 2,
	})
	require.NoError(t, ctl.Start(context.Background(), "app"))
	waitState(t, ctl, "app", service.StateRunning)

	for i := 0; i < 3; i++ {
		launches := rt.launches("app")
		rt.latest("app").exit(1)
		if i < 2 {
			require.Eventually(t, func() bool {
				return rt.launches("app") == launches+1
			}, 2*time.Second, 5*time.Millisecond)
			waitState(t, ctl, "app", service.StateRunning)
		}
	}

	st := waitState(t, ctl, "app", service.StateCrashed)
	assert.Equal(t, 2, st.Restarts)
	assert.Contains(t, st.LastError, "restart ceiling")
	assert.Equal(t, 3, rt.launches("app"))
}

func TestLaunchFailureRetriedPerPolicy(t *testing.T) {
	ctl, rt := newTestController(t, service.Spec{
		Name: "app", Command: []string{"run"}, Restart: service.RestartAlways,
	})
	rt.mu.Lock()
	rt.failures["app"] = 2
	rt.mu.Unlock()

	err := ctl.Start(context.Background(), "app")
	var se *StartError
	require.ErrorAs(t, err, &se)

	// the supervisor keeps retrying with backoff until a launch succeeds
	st := waitState(t, ctl, "app", service.StateRunning)
	assert.Equal(t, 2, st.Restarts)
	assert.Equal(t, 1, rt.launches("app"))
}

func TestStopDuringRestartBackoffSettlesStopped(t *testing.T) {
	vols := volume.NewStore(t.TempDir())
	reg := service.NewRegistry(vols)
	require.NoError(t, reg.Register(service.Spec{
		Name: "app", Command: []string{"run"}, Restart: service.RestartAlways,
	}))
	rt := newFakeRuntime()
	d := fastDefaults()
	d.BackoffBase = 150 * time.Millisecond // long enough to stop mid-backoff
	d.BackoffCap = 150 * time.Millisecond
	ctl := New(reg, vols, rt, d)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = ctl.Shutdown(ctx)
	})
	ctx := context.Background()

	require.NoError(t, ctl.Start(ctx, "app"))
	waitState(t, ctl, "app", service.StateRunning)

	rt.latest("app").exit(1)
	waitState(t, ctl, "app", service.StateStarting)

	require.NoError(t, ctl.Stop(ctx, "app", 0))
	waitState(t, ctl, "app", service.StateStopped)

	// the pending restart must not fire after the backoff elapses
	time.Sleep(250 * time.Millisecond)
	st, err := ctl.Status("app")
	require.NoError(t, err)
	assert.Equal(t, service.StateStopped, st.State)
	assert.Equal(t, 1, rt.launches("app"))
}

func TestStartTimeoutCrashes(t *testing.T) {
	ctl, rt := newTestController(t, service.Spec{
		Name: "slow", Command: []string{"run"}, StartTimeout: 30 * time.Millisecond,
	})
	rt.mu.Lock()
	rt.block["slow"] = true
	rt.mu.Unlock()

	err := ctl.Start(context.Background(), "slow")
	var se *StartError
	require.ErrorAs(t, err, &se)
	st := waitState(t, ctl, "slow", service.StateCrashed)
	assert.NotEmpty(t, st.LastError)
}

func TestPortsReleasedOnStopAndExit(t *testing.T) {
	ctl, rt := newTestController(t, service.Spec{
		Name:    "web",
		Command: []string{"run"},
		Ports:   []service.PortBinding{{HostPort: 18080, ContainerPort: 80}},
	})
	ctx := context.Background()

	require.NoError(t, ctl.Start(ctx, "web"))
	waitState(t, ctl, "web", service.StateRunning)
	holder, held := ctl.ports.holder(18080)
	require.True(t, held)
	assert.Equal(t, "web", holder)

	require.NoError(t, ctl.Stop(ctx, "web", 0))
	waitState(t, ctl, "web", service.StateStopped)
	_, held = ctl.ports.holder(18080)
	assert.False(t, held, "stop must release host ports")

	// restart re-reserves
	require.NoError(t, ctl.Start(ctx, "web"))
	waitState(t, ctl, "web", service.StateRunning)
	holder, held = ctl.ports.holder(18080)
	require.True(t, held)
	assert.Equal(t, "web", holder)

	rt.latest("web").exit(3)
	waitState(t, ctl, "web", service.StateCrashed)
	_, held = ctl.ports.holder(18080)
	assert.False(t, held, "crash must release host ports")
}

func TestVolumeClaimsFollowInstanceLifetime(t *testing.T) {
	ctl, _ := newTestController(t, service.Spec{
		Name:    "db",
		Command: []string{"run"},
		Volumes: []service.VolumeBinding{{Volume: "pgdata", MountPath: "/data"}},
	})
	ctx := context.Background()

	require.NoError(t, ctl.Start(ctx, "db"))
	waitState(t, ctl, "db", service.StateRunning)

	var inUse *volume.InUseError
	require.ErrorAs(t, ctl.volumes.Remove("pgdata"), &inUse)
	assert.Equal(t, []string{"db"}, inUse.Holders)

	// claims persist across stop: the instance still exists
	require.NoError(t, ctl.Stop(ctx, "db", 0))
	waitState(t, ctl, "db", service.StateStopped)
	require.ErrorAs(t, ctl.volumes.Remove("pgdata"), &inUse)

	// removal of the instance releases the claim
	require.NoError(t, ctl.Remove(ctx, "db"))
	require.NoError(t, ctl.volumes.Remove("pgdata"))
}

func TestRemoveRequiresSettledInstance(t *testing.T) {
	ctl, _ := newTestController(t, service.Spec{Name: "app", Command: []string{"run"}})
	ctx := context.Background()

	require.NoError(t, ctl.Start(ctx, "app"))
	waitState(t, ctl, "app", service.StateRunning)
	require.ErrorIs(t, ctl.Remove(ctx, "app"), ErrNotSettled)

	require.NoError(t, ctl.Stop(ctx, "app", 0))
	waitState(t, ctl, "app", service.StateStopped)
	require.NoError(t, ctl.Remove(ctx, "app"))

	// the name stays registered; a later start builds a fresh instance
	st, err := ctl.Status("app")
	require.NoError(t, err)
	assert.Equal(t, service.StatePending, st.State)
	require.NoError(t, ctl.Start(ctx, "app"))
	waitState(t, ctl, "app", service.StateRunning)
}

func TestOperationQueuedBehindRemoveIsAnswered(t *testing.T) {
	ctl, _ := newTestController(t, service.Spec{Name: "app", Command: []string{"run"}})
	ctx := context.Background()

	require.NoError(t, ctl.Start(ctx, "app"))
	waitState(t, ctl, "app", service.StateRunning)
	require.NoError(t, ctl.Stop(ctx, "app", 0))
	waitState(t, ctl, "app", service.StateStopped)

	ctl.mu.Lock()
	e := ctl.entries["app"]
	ctl.mu.Unlock()
	require.NotNil(t, e)

	// queue a stop behind the remove, the way two concurrent operator calls
	// land on the buffered control channel
	removeReply := make(chan error, 1)
	stopReply := make(chan error, 1)
	e.h.ctrl <- ctrlMsg{typ: ctrlRemove, reply: removeReply}
	e.h.ctrl <- ctrlMsg{typ: ctrlStop, reply: stopReply}

	select {
	case err := <-removeReply:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("remove never answered")
	}
	select {
	case err := <-stopReply:
		require.ErrorIs(t, err, ErrRemoved)
	case <-time.After(2 * time.Second):
		t.Fatal("operation queued behind remove never answered")
	}

	// a send racing the retirement resolves instead of blocking forever
	require.ErrorIs(t, ctl.send(ctx, e, ctrlMsg{typ: ctrlStop}), ErrRemoved)
}

func TestRestartResourceFailureSettlesCrashed(t *testing.T) {
	vols := volume.NewStore(t.TempDir())
	spec := service.Spec{
		Name:    "app",
		Command: []string{"run"},
		Restart: service.RestartAlways,
		Volumes: []service.VolumeBinding{{Volume: "missing", MountPath: "/data"}},
	}
	h := newHandler(spec, newFakeRuntime(), vols, newPortTable(), fastDefaults(),
		func(s service.Spec) service.Spec { return s },
		func(store.Record) {},
		func(history.EventType, store.Record, error) {})

	// a policy restart has already moved the instance to starting
	h.inst.mu.Lock()
	h.inst.state = service.StateStarting
	h.inst.mu.Unlock()

	require.Error(t, h.startNow(context.Background()))

	st := h.Status()
	assert.Equal(t, service.StateCrashed, st.State, "a failed restart must not park in starting")
	assert.NotEmpty(t, st.LastError)

	// the supervisor can still schedule the next attempt
	d := h.retryDecision()
	assert.True(t, d.restart)
}

func TestRestartDoesNotDisturbSiblingService(t *testing.T) {
	ctl, rt := newTestController(t,
		service.Spec{Name: "api", Command: []string{"run"}, Restart: service.RestartAlways},
		service.Spec{Name: "db", Command: []string{"run"}, Restart: service.RestartAlways},
	)
	ctx := context.Background()

	require.NoError(t, ctl.StartAll(ctx))
	apiPID := waitState(t, ctl, "api", service.StateRunning).PID
	dbPID := waitState(t, ctl, "db", service.StateRunning).PID

	// kill api out of band; its policy brings it back within backoff
	rt.latest("api").exit(137)
	require.Eventually(t, func() bool {
		st, err := ctl.Status("api")
		return err == nil && st.State == service.StateRunning && st.PID != apiPID
	}, 2*time.Second, 5*time.Millisecond)

	st, err := ctl.Status("api")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Restarts)
	assert.Equal(t, 2, rt.launches("api"))

	// the sibling never noticed
	st, err = ctl.Status("db")
	require.NoError(t, err)
	assert.Equal(t, service.StateRunning, st.State)
	assert.Equal(t, dbPID, st.PID)
	assert.Equal(t, 0, st.Restarts)
	assert.Equal(t, 1, rt.launches("db"))
}

func TestStartAllCollectsFailures(t *testing.T) {
	ctl, rt := newTestController(t,
		service.Spec{Name: "a", Command: []string{"run"}},
		service.Spec{Name: "b", Command: []string{"run"}},
		service.Spec{Name: "c", Command: []string{"run"}},
	)
	rt.mu.Lock()
	rt.failures["b"] = 1
	rt.mu.Unlock()

	err := ctl.StartAll(context.Background())
	require.Error(t, err)
	var se *StartError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "b", se.Name)

	waitState(t, ctl, "a", service.StateRunning)
	waitState(t, ctl, "c", service.StateRunning)
}

func TestStatusAllReportsEveryService(t *testing.T) {
	ctl, _ := newTestController(t,
		service.Spec{Name: "a", Command: []string{"run"}},
		service.Spec{Name: "b", Command: []string{"run"}},
	)
	require.NoError(t, ctl.Start(context.Background(), "a"))
	waitState(t, ctl, "a", service.StateRunning)

	sts := ctl.StatusAll()
	require.Len(t, sts, 2)
	assert.Equal(t, "a", sts[0].Name)
	assert.Equal(t, service.StateRunning, sts[0].State)
	assert.Equal(t, "b", sts[1].Name)
	assert.Equal(t, service.StatePending, sts[1].State)

	pids := ctl.PIDs()
	require.Len(t, pids, 1)
	assert.Greater(t, pids["a"], 0)
}

func TestShutdownStopsEverything(t *testing.T) {
	vols := volume.NewStore(t.TempDir())
	reg := service.NewRegistry(vols)
	for _, n := range []string{"a", "b"} {
		require.NoError(t, reg.Register(service.Spec{Name: n, Command: []string{"run"}}))
	}
	rt := newFakeRuntime()
	ctl := New(reg, vols, rt, fastDefaults())
	ctx := context.Background()

	require.NoError(t, ctl.StartAll(ctx))
	waitState(t, ctl, "a", service.StateRunning)
	waitState(t, ctl, "b", service.StateRunning)

	require.NoError(t, ctl.Shutdown(ctx))
	for _, n := range []string{"a", "b"} {
		h := rt.latest(n)
		select {
		case <-h.done:
		default:
			t.Errorf("service %s still live after shutdown", n)
		}
	}
}
