package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/stackup/internal/env"
	"github.com/loykin/stackup/internal/history"
	"github.com/loykin/stackup/internal/metrics"
	"github.com/loykin/stackup/internal/runtime"
	"github.com/loykin/stackup/internal/service"
	"github.com/loykin/stackup/internal/store"
	"github.com/loykin/stackup/internal/volume"
)

// Defaults are the controller-wide fallbacks applied to specs that leave a
// tuning knob unset.
type Defaults struct {
	StartTimeout      time.Duration
	StopGrace         time.Duration
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	BackoffResetAfter time.Duration
}

func (d Defaults) withFallbacks() Defaults {
	if d.StartTimeout <= 0 {
		d.StartTimeout = 10 * time.Second
	}
	if d.StopGrace <= 0 {
		d.StopGrace = 5 * time.Second
	}
	if d.BackoffBase <= 0 {
		d.BackoffBase = time.Second
	}
	if d.BackoffCap <= 0 {
		d.BackoffCap = 30 * time.Second
	}
	if d.BackoffResetAfter <= 0 {
		d.BackoffResetAfter = 10 * time.Second
	}
	return d
}

// entry ties a handler and its supervisor together so both can be torn down
// when the instance is removed.
type entry struct {
	h       *handler
	hCancel context.CancelFunc
	sCancel context.CancelFunc
}

// Controller drives service instances through their lifecycle. Operations on
// the same name are serialized through the instance's handler; operations on
// different names proceed concurrently.
type Controller struct {
	reg      *service.Registry
	volumes  *volume.Store
	rt       runtime.Runtime
	ports    *portTable
	defaults Defaults

	mu      sync.Mutex
	entries map[string]*entry

	envMu sync.RWMutex
	envM  *env.Env

	persistMu sync.RWMutex
	st        store.Store
	sinks     []history.Sink
}

func New(reg *service.Registry, vols *volume.Store, rt runtime.Runtime, d Defaults) *Controller {
	return &Controller{
		reg:      reg,
		volumes:  vols,
		rt:       rt,
		ports:    newPortTable(),
		defaults: d.withFallbacks(),
		entries:  make(map[string]*entry),
	}
}

// SetStore attaches a persistence store. Call before starting services.
func (c *Controller) SetStore(ctx context.Context, st store.Store) error {
	if st == nil {
		return nil
	}
	if err := st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("store schema: %w", err)
	}
	c.persistMu.Lock()
	c.st = st
	c.persistMu.Unlock()
	return nil
}

// SetHistorySinks attaches lifecycle-event sinks.
func (c *Controller) SetHistorySinks(sinks ...history.Sink) {
	c.persistMu.Lock()
	c.sinks = append([]history.Sink(nil), sinks...)
	c.persistMu.Unlock()
}

// SetGlobalEnv installs the stack-level environment composed into every
// service's process environment.
func (c *Controller) SetGlobalEnv(e *env.Env) {
	c.envMu.Lock()
	c.envM = e
	c.envMu.Unlock()
}

// Start brings the named service to running. Starting a service that is
// already starting or running is a no-op.
func (c *Controller) Start(ctx context.Context, name string) error {
	e, err := c.ensureEntry(ctx, name)
	if err != nil {
		return err
	}
	return c.send(ctx, e, ctrlMsg{typ: ctrlStart})
}

// Stop terminates the named service. Stopping a service that never started
// or is already settled is a no-op.
func (c *Controller) Stop(ctx context.Context, name string, grace time.Duration) error {
	c.mu.Lock()
	e := c.entries[name]
	c.mu.Unlock()
	if e == nil {
		if _, ok := c.reg.Get(name); !ok {
			return fmt.Errorf("%w: %s", service.ErrUnknownService, name)
		}
		return nil
	}
	return c.send(ctx, e, ctrlMsg{typ: ctrlStop, grace: grace})
}

// Remove discards a settled instance and releases its volume claims. The
// name stays registered; a later Start creates a fresh instance.
func (c *Controller) Remove(ctx context.Context, name string) error {
	c.mu.Lock()
	e := c.entries[name]
	c.mu.Unlock()
	if e == nil {
		if _, ok := c.reg.Get(name); !ok {
			return fmt.Errorf("%w: %s", service.ErrUnknownService, name)
		}
		return nil
	}
	if err := c.send(ctx, e, ctrlMsg{typ: ctrlRemove}); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.entries, name)
	c.mu.Unlock()
	e.sCancel()
	e.hCancel()
	return nil
}

// StartAll starts every registered service in name order. Failures are
// collected; the remaining services are still attempted.
func (c *Controller) StartAll(ctx context.Context) error {
	var errs []error
	for _, name := range c.reg.Names() {
		if err := c.Start(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StopAll stops every live instance.
func (c *Controller) StopAll(ctx context.Context, grace time.Duration) error {
	c.mu.Lock()
	names := make([]string, 0, len(c.entries))
	for n := range c.entries {
		names = append(names, n)
	}
	c.mu.Unlock()

	var errs []error
	for _, name := range names {
		if err := c.Stop(ctx, name, grace); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Status returns the snapshot for one service. A registered service that was
// never started reports pending.
func (c *Controller) Status(name string) (service.Status, error) {
	c.mu.Lock()
	e := c.entries[name]
	c.mu.Unlock()
	if e != nil {
		return e.h.Status(), nil
	}
	if _, ok := c.reg.Get(name); ok {
		return service.Status{Name: name, State: service.StatePending}, nil
	}
	return service.Status{}, fmt.Errorf("%w: %s", service.ErrUnknownService, name)
}

// PIDs returns the pid of every currently running instance.
func (c *Controller) PIDs() map[string]int {
	c.mu.Lock()
	entries := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	out := make(map[string]int)
	for _, e := range entries {
		st := e.h.Status()
		if st.Running() && st.PID > 0 {
			out[st.Name] = st.PID
		}
	}
	return out
}

// Shutdown stops every instance and closes the persistence store. The
// controller must not be used afterwards.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[string]*entry)
	c.mu.Unlock()

	var errs []error
	for name, e := range entries {
		if err := c.send(ctx, e, ctrlMsg{typ: ctrlShutdown}); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %q: %w", name, err))
		}
		e.sCancel()
		e.hCancel()
	}

	c.persistMu.Lock()
	st := c.st
	c.st = nil
	c.persistMu.Unlock()
	if st != nil {
		if err := st.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ensureEntry returns the live entry for name, creating the handler and its
// supervisor on first use.
func (c *Controller) ensureEntry(_ context.Context, name string) (*entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[name]; ok {
		return e, nil
	}
	spec, ok := c.reg.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", service.ErrUnknownService, name)
	}

	h := newHandler(spec, c.rt, c.volumes, c.ports, c.defaults,
		c.mergeEnvFor, c.recordStart, c.recordExit)

	hCtx, hCancel := context.WithCancel(context.Background())
	sCtx, sCancel := context.WithCancel(context.Background())
	e := &entry{h: h, hCancel: hCancel, sCancel: sCancel}
	c.entries[name] = e

	go h.run(hCtx)
	go newSupervisor(sCtx, h).Run()
	return e, nil
}

// send queues a control message and waits for the handler's reply. A handler
// that retires (remove, shutdown) answers its queue on the way out; the done
// channel covers the window where the message raced the retirement.
func (c *Controller) send(ctx context.Context, e *entry, msg ctrlMsg) error {
	msg.reply = make(chan error, 1)
	select {
	case e.h.ctrl <- msg:
	case <-e.h.done:
		return fmt.Errorf("%w: %s", ErrRemoved, e.h.spec.Name)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-msg.reply:
		return err
	case <-e.h.done:
		// the handler may have answered just before retiring
		select {
		case err := <-msg.reply:
			return err
		default:
		}
		return fmt.Errorf("%w: %s", ErrRemoved, e.h.spec.Name)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// mergeEnvFor composes the global environment into the spec's own vars.
func (c *Controller) mergeEnvFor(spec service.Spec) service.Spec {
	c.envMu.RLock()
	e := c.envM
	c.envMu.RUnlock()
	if e != nil {
		spec.Env = e.MergeMap(spec.Env)
	}
	return spec
}

// recordStart persists a successful launch and fans it out to sinks.
func (c *Controller) recordStart(rec store.Record) {
	metrics.SetRunningServices(len(c.PIDs()))
	c.persist(func(ctx context.Context, st store.Store) error {
		return st.RecordStart(ctx, rec)
	}, history.Event{Type: history.EventStart, OccurredAt: time.Now(), Record: rec})
}

// recordExit persists an instance settling (stop, crash or restart) and fans
// it out to sinks.
func (c *Controller) recordExit(t history.EventType, rec store.Record, cause error) {
	metrics.SetRunningServices(len(c.PIDs()))
	c.persist(func(ctx context.Context, st store.Store) error {
		stopped := rec.StoppedAt.Time
		if !rec.StoppedAt.Valid {
			stopped = time.Now()
		}
		code := int(rec.ExitCode.Int64)
		if err := st.RecordStop(ctx, rec.Uniq, stopped, code, cause); err != nil {
			return err
		}
		return st.UpsertStatus(ctx, rec)
	}, history.Event{Type: t, OccurredAt: time.Now(), Record: rec})
}

func (c *Controller) persist(op func(context.Context, store.Store) error, ev history.Event) {
	c.persistMu.RLock()
	st := c.st
	sinks := c.sinks
	c.persistMu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if st != nil {
		if err := op(ctx, st); err != nil {
			slog.Warn("state persistence failed", "service", ev.Record.Name, "error", err)
		}
	}
	for _, s := range sinks {
		if err := s.Send(ctx, ev); err != nil {
			slog.Warn("history sink send failed", "service", ev.Record.Name, "event", string(ev.Type), "error", err)
		}
	}
}
