package controller

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/loykin/stackup/internal/history"
	"github.com/loykin/stackup/internal/metrics"
	"github.com/loykin/stackup/internal/runtime"
	"github.com/loykin/stackup/internal/service"
	"github.com/loykin/stackup/internal/store"
	"github.com/loykin/stackup/internal/volume"
)

type ctrlType int

const (
	ctrlStart ctrlType = iota
	ctrlStop
	ctrlExit
	ctrlRetry
	ctrlRemove
	ctrlShutdown
)

// ctrlMsg is a control-plane message sent to a handler to serialize
// lifecycle operations for one service.
type ctrlMsg struct {
	typ   ctrlType
	grace time.Duration // ctrlStop
	seq   int           // ctrlExit: run sequence that exited
	code  int           // ctrlExit: exit code
	reply chan error
	exit  chan exitDecision // ctrlExit
}

// exitDecision tells the supervisor whether to schedule a restart.
type exitDecision struct {
	restart bool
	delay   time.Duration
}

// runInfo notifies the supervisor of a new run to wait on.
type runInfo struct {
	seq    int
	handle runtime.Handle
}

// instance is the runtime projection of one spec. All mutation happens on
// the handler goroutine; the mutex only guards snapshots.
type instance struct {
	mu        sync.Mutex
	state     service.State
	handle    runtime.Handle
	pid       int
	seq       int // increments per successful launch
	exitCode  int
	restarts  int
	failStreak int // consecutive short-lived runs, drives backoff
	startedAt time.Time
	stoppedAt time.Time
	lastErr   error
	stopReq   bool
}

// handler owns the control path for a single service. A second start or
// stop on the same name queues behind the in-flight operation; operations
// on different names proceed concurrently.
type handler struct {
	spec    service.Spec
	rt      runtime.Runtime
	volumes *volume.Store
	ports   *portTable
	inst    *instance

	ctrl chan ctrlMsg
	runs chan runInfo
	done chan struct{} // closed when the handler goroutine retires

	// injected by Controller (no back-reference)
	mergeEnv    func(service.Spec) service.Spec
	recordStart func(store.Record)
	recordExit  func(history.EventType, store.Record, error)

	startTimeout time.Duration
	stopGrace    time.Duration
	backoff      backoffPolicy
}

func newHandler(spec service.Spec, rt runtime.Runtime, vols *volume.Store, ports *portTable, d Defaults,
	mergeEnv func(service.Spec) service.Spec,
	recStart func(store.Record),
	recExit func(history.EventType, store.Record, error)) *handler {

	h := &handler{
		spec:         spec,
		rt:           rt,
		volumes:      vols,
		ports:        ports,
		inst:         &instance{state: service.StatePending},
		ctrl:         make(chan ctrlMsg, 16),
		runs:         make(chan runInfo, 1),
		done:         make(chan struct{}),
		mergeEnv:     mergeEnv,
		recordStart:  recStart,
		recordExit:   recExit,
		startTimeout: durOr(spec.StartTimeout, d.StartTimeout),
		stopGrace:    durOr(spec.StopGrace, d.StopGrace),
		backoff: backoffPolicy{
			base:       durOr(spec.BackoffBase, d.BackoffBase),
			cap:        durOr(spec.BackoffCap, d.BackoffCap),
			resetAfter: d.BackoffResetAfter,
		},
	}
	return h
}

func durOr(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func (h *handler) run(ctx context.Context) {
	defer h.retire()
	for {
		select {
		case <-ctx.Done():
			_ = h.stopNow(h.stopGrace)
			return
		case msg := <-h.ctrl:
			switch msg.typ {
			case ctrlStart:
				err := h.startNow(ctx)
				if msg.reply != nil {
					msg.reply <- err
				}
			case ctrlStop:
				err := h.stopNow(durOr(msg.grace, h.stopGrace))
				if msg.reply != nil {
					msg.reply <- err
				}
			case ctrlExit:
				d := h.handleExit(msg.seq, msg.code)
				if msg.exit != nil {
					msg.exit <- d
				}
			case ctrlRetry:
				d := h.retryDecision()
				if msg.exit != nil {
					msg.exit <- d
				}
			case ctrlRemove:
				err := h.removeNow()
				if msg.reply != nil {
					msg.reply <- err
				}
				if err == nil {
					return
				}
			case ctrlShutdown:
				_ = h.stopNow(h.stopGrace)
				if msg.reply != nil {
					msg.reply <- nil
				}
				return
			}
		}
	}
}

// retire marks the control path dead and answers anything still queued, so a
// caller waiting behind a remove (or shutdown) is never stranded.
func (h *handler) retire() {
	close(h.done)
	for {
		select {
		case msg := <-h.ctrl:
			if msg.reply != nil {
				msg.reply <- fmt.Errorf("%w: %s", ErrRemoved, h.spec.Name)
			}
			if msg.exit != nil {
				msg.exit <- exitDecision{}
			}
		default:
			return
		}
	}
}

// startNow performs one start attempt. Starting an instance that already
// holds a live process is an idempotent no-op.
func (h *handler) startNow(ctx context.Context) error {
	inst := h.inst
	inst.mu.Lock()
	if inst.state == service.StateRemoved {
		inst.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRemoved, h.spec.Name)
	}
	if inst.handle != nil && (inst.state == service.StateStarting || inst.state == service.StateRunning) {
		inst.mu.Unlock()
		return nil
	}
	inst.stopReq = false
	inst.mu.Unlock()

	spec := h.mergeEnv(h.spec)

	// Resource resolution is surfaced synchronously; a failure here leaves
	// the instance in its previous state.
	volPaths := make(map[string]string, len(spec.Volumes))
	for _, vb := range spec.Volumes {
		p, err := h.volumes.Resolve(vb.Volume)
		if err != nil {
			return h.failResolve(fmt.Errorf("service %q: %w", spec.Name, err))
		}
		volPaths[vb.Volume] = p
	}
	for _, vb := range spec.Volumes {
		if err := h.volumes.Claim(vb.Volume, spec.Name); err != nil {
			h.volumes.Release(spec.Name)
			return h.failResolve(fmt.Errorf("service %q: %w", spec.Name, err))
		}
	}
	if err := h.ports.reserve(spec.Name, spec.HostPorts()); err != nil {
		h.volumes.Release(spec.Name)
		return h.failResolve(err)
	}

	h.transition(service.StateStarting)

	// Bounded launch: a start attempt that exceeds the timeout fails into
	// crashed instead of hanging in starting.
	startCtx, cancel := context.WithTimeout(ctx, h.startTimeout)
	handle, err := h.rt.CreateAndStart(startCtx, spec, volPaths)
	cancel()
	if err != nil {
		h.ports.release(spec.Name)
		h.volumes.Release(spec.Name)
		inst.mu.Lock()
		inst.lastErr = err
		inst.mu.Unlock()
		h.transition(service.StateCrashed)
		metrics.IncCrash(spec.Name)
		h.recordExit(history.EventCrash, h.record(), err)
		// Launch failures are retried per restart policy; wake the
		// supervisor so it can schedule the next attempt.
		if h.spec.Restart != service.RestartNever {
			h.notifyRun(runInfo{})
		}
		return &StartError{Name: spec.Name, Err: err}
	}

	inst.mu.Lock()
	inst.seq++
	seq := inst.seq
	inst.handle = handle
	inst.pid = handle.PID()
	inst.startedAt = time.Now()
	inst.stoppedAt = time.Time{}
	inst.lastErr = nil
	restarted := inst.restarts > 0
	inst.mu.Unlock()

	h.transition(service.StateRunning)
	metrics.IncStart(spec.Name)
	if restarted {
		metrics.IncRestart(spec.Name)
	}
	h.recordStart(h.record())

	h.notifyRun(runInfo{seq: seq, handle: handle})
	return nil
}

// failResolve settles a failed resource resolution. A fresh start keeps its
// previous state and only surfaces the error; a policy restart has already
// moved the instance to starting and must not park there.
func (h *handler) failResolve(err error) error {
	inst := h.inst
	inst.mu.Lock()
	restarting := inst.state == service.StateStarting
	if restarting {
		inst.lastErr = err
	}
	inst.mu.Unlock()
	if restarting {
		h.transition(service.StateCrashed)
		metrics.IncCrash(h.spec.Name)
	}
	return err
}

// notifyRun hands the latest run to the supervisor. A stale notification
// still buffered is obsolete by construction (its run was already reaped),
// so it is replaced rather than queued behind.
func (h *handler) notifyRun(ri runInfo) {
	select {
	case <-h.runs:
	default:
	}
	select {
	case h.runs <- ri:
	default:
	}
}

// stopNow terminates a live process and settles the instance. Stopping an
// already settled instance is an idempotent no-op.
func (h *handler) stopNow(grace time.Duration) error {
	inst := h.inst
	inst.mu.Lock()
	inst.stopReq = true
	handle := inst.handle
	state := inst.state
	inst.mu.Unlock()

	if handle == nil {
		// A restart pending in backoff settles to stopped; settled states
		// stay as they are.
		if state == service.StateStarting {
			h.transition(service.StateStopped)
		}
		return nil
	}

	h.transition(service.StateStopping)
	if err := h.rt.SignalStop(handle, grace); err != nil {
		_ = h.rt.ForceKill(handle)
	}
	waitCtx, cancel := context.WithTimeout(context.Background(), grace+5*time.Second)
	code, err := h.rt.WaitExit(waitCtx, handle)
	cancel()
	if err != nil {
		// The process refused to die within bounds; force and move on.
		_ = h.rt.ForceKill(handle)
		code = -1
	}
	h.finishRun(code)
	h.transition(service.StateStopped)
	metrics.IncStop(h.spec.Name)
	h.recordExit(history.EventStop, h.record(), nil)
	return nil
}

// handleExit processes an exit observed by the supervisor and decides on a
// restart. Stale notifications (already reaped by stopNow) are ignored.
func (h *handler) handleExit(seq, code int) exitDecision {
	inst := h.inst
	inst.mu.Lock()
	if seq != inst.seq || inst.handle == nil {
		inst.mu.Unlock()
		return exitDecision{}
	}
	stopReq := inst.stopReq
	runFor := time.Since(inst.startedAt)
	inst.mu.Unlock()

	h.finishRun(code)

	if stopReq {
		h.transition(service.StateStopped)
		metrics.IncStop(h.spec.Name)
		h.recordExit(history.EventStop, h.record(), nil)
		return exitDecision{}
	}

	restart := false
	switch h.spec.Restart {
	case service.RestartAlways:
		restart = true
	case service.RestartOnFailure:
		restart = code != 0
	}
	inst.mu.Lock()
	if restart && h.spec.MaxRestarts > 0 && inst.restarts >= h.spec.MaxRestarts {
		restart = false
		inst.lastErr = fmt.Errorf("restart ceiling %d reached", h.spec.MaxRestarts)
	}
	inst.mu.Unlock()

	if !restart {
		if code == 0 {
			h.transition(service.StateStopped)
			metrics.IncStop(h.spec.Name)
			h.recordExit(history.EventStop, h.record(), nil)
		} else {
			inst.mu.Lock()
			if inst.lastErr == nil {
				inst.lastErr = fmt.Errorf("exited with code %d", code)
			}
			inst.mu.Unlock()
			h.transition(service.StateCrashed)
			metrics.IncCrash(h.spec.Name)
			h.recordExit(history.EventCrash, h.record(), fmt.Errorf("exit code %d", code))
		}
		return exitDecision{}
	}

	inst.mu.Lock()
	inst.restarts++
	if runFor >= h.backoff.resetAfter {
		inst.failStreak = 0
	}
	inst.failStreak++
	delay := h.backoff.delay(inst.failStreak)
	inst.mu.Unlock()

	h.transition(service.StateStarting)
	metrics.ObserveBackoff(h.spec.Name, delay.Seconds())
	h.recordExit(history.EventRestart, h.record(), fmt.Errorf("exit code %d", code))
	return exitDecision{restart: true, delay: delay}
}

// retryDecision decides whether a crashed instance (failed launch) gets
// another attempt under its restart policy.
func (h *handler) retryDecision() exitDecision {
	inst := h.inst
	inst.mu.Lock()
	if inst.stopReq || inst.state != service.StateCrashed || h.spec.Restart == service.RestartNever {
		inst.mu.Unlock()
		return exitDecision{}
	}
	if h.spec.MaxRestarts > 0 && inst.restarts >= h.spec.MaxRestarts {
		inst.lastErr = fmt.Errorf("restart ceiling %d reached", h.spec.MaxRestarts)
		inst.mu.Unlock()
		return exitDecision{}
	}
	inst.restarts++
	inst.failStreak++
	delay := h.backoff.delay(inst.failStreak)
	inst.mu.Unlock()

	h.transition(service.StateStarting)
	metrics.ObserveBackoff(h.spec.Name, delay.Seconds())
	return exitDecision{restart: true, delay: delay}
}

// finishRun clears the live handle and releases the run's host ports.
// Volumes are deliberately kept claimed until the instance settles in a
// terminal state.
func (h *handler) finishRun(code int) {
	inst := h.inst
	inst.mu.Lock()
	inst.handle = nil
	inst.exitCode = code
	inst.stoppedAt = time.Now()
	inst.mu.Unlock()
	h.ports.release(h.spec.Name)
}

// removeNow discards the instance. Only settled instances can be removed.
func (h *handler) removeNow() error {
	inst := h.inst
	inst.mu.Lock()
	state := inst.state
	inst.mu.Unlock()
	switch state {
	case service.StateStopped, service.StateCrashed, service.StatePending:
	default:
		return fmt.Errorf("%w: %s is %s", ErrNotSettled, h.spec.Name, state)
	}
	h.transition(service.StateRemoved)
	h.volumes.Release(h.spec.Name)
	return nil
}

// transition moves the instance state and keeps metrics in sync. Invalid
// edges are refused; they indicate a controller bug, not operator error.
func (h *handler) transition(to service.State) {
	inst := h.inst
	inst.mu.Lock()
	from := inst.state
	if from == to || !from.CanTransition(to) {
		inst.mu.Unlock()
		return
	}
	inst.state = to
	inst.mu.Unlock()
	metrics.RecordStateTransition(h.spec.Name, from.String(), to.String())
	metrics.SetCurrentState(h.spec.Name, from.String(), false)
	metrics.SetCurrentState(h.spec.Name, to.String(), true)
}

// Status returns a consistent snapshot of the instance.
func (h *handler) Status() service.Status {
	inst := h.inst
	inst.mu.Lock()
	defer inst.mu.Unlock()
	st := service.Status{
		Name:      h.spec.Name,
		State:     inst.state,
		PID:       inst.pid,
		ExitCode:  inst.exitCode,
		Restarts:  inst.restarts,
		Ports:     append([]service.PortBinding(nil), h.spec.Ports...),
		Volumes:   append([]service.VolumeBinding(nil), h.spec.Volumes...),
		StartedAt: inst.startedAt,
		StoppedAt: inst.stoppedAt,
	}
	if inst.lastErr != nil {
		st.LastError = inst.lastErr.Error()
	}
	return st
}

// record builds the persistence record for the current run.
func (h *handler) record() store.Record {
	inst := h.inst
	inst.mu.Lock()
	defer inst.mu.Unlock()
	rec := store.Record{
		Name:      h.spec.Name,
		PID:       inst.pid,
		State:     inst.state.String(),
		Restarts:  inst.restarts,
		StartedAt: inst.startedAt,
		Running:   inst.state == service.StateRunning,
	}
	if !inst.stoppedAt.IsZero() {
		rec.StoppedAt = sql.NullTime{Time: inst.stoppedAt, Valid: true}
		rec.ExitCode = sql.NullInt64{Int64: int64(inst.exitCode), Valid: true}
	}
	if inst.lastErr != nil {
		rec.ExitErr = sql.NullString{String: inst.lastErr.Error(), Valid: true}
	}
	rec.Uniq = rec.Key()
	return rec
}

// StopRequested reports whether the operator asked this instance to stop.
func (h *handler) StopRequested() bool {
	h.inst.mu.Lock()
	defer h.inst.mu.Unlock()
	return h.inst.stopReq
}
