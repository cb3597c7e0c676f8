package controller

import (
	"context"
	"log/slog"
	"time"
)

// supervisor observes one handler's runs and applies the restart policy.
// It never mutates instance state directly: exits are reported through the
// handler's control channel, keeping the single-writer discipline, and
// restarts are issued as ordinary start messages after the backoff delay.
type supervisor struct {
	h   *handler
	ctx context.Context
}

func newSupervisor(ctx context.Context, h *handler) *supervisor {
	return &supervisor{h: h, ctx: ctx}
}

func (s *supervisor) Run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case ri := <-s.h.runs:
			var d exitDecision
			if ri.handle == nil {
				// launch failed before a process existed
				d = s.requestRetry()
			} else {
				code, err := s.h.rt.WaitExit(s.ctx, ri.handle)
				if err != nil {
					// context cancelled; the handler owns any live process
					return
				}
				d = s.reportExit(ri.seq, code)
			}
			for d.restart {
				if !s.sleep(d.delay) {
					return
				}
				if s.h.StopRequested() {
					break
				}
				if err := s.requestStart(); err == nil {
					break
				}
				d = s.requestRetry()
			}
		}
	}
}

func (s *supervisor) reportExit(seq, code int) exitDecision {
	decision := make(chan exitDecision, 1)
	select {
	case s.h.ctrl <- ctrlMsg{typ: ctrlExit, seq: seq, code: code, exit: decision}:
	case <-s.ctx.Done():
		return exitDecision{}
	}
	select {
	case d := <-decision:
		return d
	case <-s.ctx.Done():
		return exitDecision{}
	}
}

func (s *supervisor) requestRetry() exitDecision {
	decision := make(chan exitDecision, 1)
	select {
	case s.h.ctrl <- ctrlMsg{typ: ctrlRetry, exit: decision}:
	case <-s.ctx.Done():
		return exitDecision{}
	}
	select {
	case d := <-decision:
		return d
	case <-s.ctx.Done():
		return exitDecision{}
	}
}

func (s *supervisor) requestStart() error {
	reply := make(chan error, 1)
	select {
	case s.h.ctrl <- ctrlMsg{typ: ctrlStart, reply: reply}:
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
	select {
	case err := <-reply:
		if err != nil {
			slog.Warn("restart attempt failed", "service", s.h.spec.Name, "error", err)
		}
		return err
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// sleep waits for the backoff delay; false means the supervisor is shutting
// down.
func (s *supervisor) sleep(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}
