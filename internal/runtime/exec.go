package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loykin/stackup/internal/service"
)

// ExecRuntime runs services as local OS processes. The image reference is
// carried as metadata only (exported in the environment); actual image
// execution belongs to an external container runtime.
type ExecRuntime struct{}

func NewExecRuntime() *ExecRuntime { return &ExecRuntime{} }

type execHandle struct {
	pid  int
	cmd  *exec.Cmd
	done chan struct{}

	mu   sync.Mutex
	code int
	werr error

	outW io.WriteCloser
	errW io.WriteCloser
}

func (h *execHandle) PID() int { return h.pid }

// CreateAndStart builds and starts the command for spec. spec.Env must
// already be the fully merged environment for the service.
func (r *ExecRuntime) CreateAndStart(ctx context.Context, spec service.Spec, volumePaths map[string]string) (Handle, error) {
	cmd, err := buildCommand(spec)
	if err != nil {
		return nil, err
	}
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	cmd.Env = buildEnv(spec, volumePaths)
	configureSysProcAttr(cmd)

	h := &execHandle{cmd: cmd, done: make(chan struct{})}
	if err := r.attachOutput(cmd, spec, h); err != nil {
		h.closeWriters()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		h.closeWriters()
		return nil, fmt.Errorf("start %q: %w", spec.Name, err)
	}
	h.pid = cmd.Process.Pid

	// Single waiter per run; everyone else observes h.done.
	go func() {
		werr := cmd.Wait()
		h.mu.Lock()
		h.code = exitCode(werr)
		h.werr = werr
		h.mu.Unlock()
		h.closeWriters()
		close(h.done)
	}()

	// An already-cancelled context must not leave an orphan behind.
	if ctx.Err() != nil {
		_ = r.ForceKill(h)
		return nil, ctx.Err()
	}
	return h, nil
}

func (r *ExecRuntime) attachOutput(cmd *exec.Cmd, spec service.Spec, h *execHandle) error {
	if spec.Log.Enabled() {
		if spec.Log.Dir != "" {
			if err := os.MkdirAll(spec.Log.Dir, 0o750); err != nil {
				return fmt.Errorf("log dir for %q: %w", spec.Name, err)
			}
		}
		outW, errW, err := spec.Log.Writers(spec.Name)
		if err != nil {
			return err
		}
		h.outW, h.errW = outW, errW
	}
	// Fallback sinks are tracked on the handle too so closeWriters releases
	// their descriptors once the run is reaped.
	if h.outW == nil {
		f, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if err != nil {
			return fmt.Errorf("open %s for %q: %w", os.DevNull, spec.Name, err)
		}
		h.outW = f
	}
	if h.errW == nil {
		f, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if err != nil {
			return fmt.Errorf("open %s for %q: %w", os.DevNull, spec.Name, err)
		}
		h.errW = f
	}
	cmd.Stdout = h.outW
	cmd.Stderr = h.errW
	return nil
}

func (h *execHandle) closeWriters() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.outW != nil {
		_ = h.outW.Close()
		h.outW = nil
	}
	if h.errW != nil {
		_ = h.errW.Close()
		h.errW = nil
	}
}

// SignalStop sends the termination signal and escalates to a kill when the
// process outlives grace.
func (r *ExecRuntime) SignalStop(h Handle, grace time.Duration) error {
	eh, ok := h.(*execHandle)
	if !ok {
		return errors.New("foreign handle")
	}
	terminateGroup(eh.pid)
	if grace <= 0 {
		grace = 2 * time.Second
	}
	select {
	case <-eh.done:
		return nil
	case <-time.After(grace):
	}
	killGroup(eh.pid)
	select {
	case <-eh.done:
	case <-time.After(500 * time.Millisecond):
		// reaped later by the wait goroutine
	}
	return nil
}

func (r *ExecRuntime) WaitExit(ctx context.Context, h Handle) (int, error) {
	eh, ok := h.(*execHandle)
	if !ok {
		return 0, errors.New("foreign handle")
	}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-eh.done:
	}
	eh.mu.Lock()
	defer eh.mu.Unlock()
	return eh.code, nil
}

func (r *ExecRuntime) ForceKill(h Handle) error {
	eh, ok := h.(*execHandle)
	if !ok {
		return errors.New("foreign handle")
	}
	killGroup(eh.pid)
	return nil
}

// buildCommand constructs the exec.Cmd from the spec's command tokens. A
// single token containing shell metacharacters is run through /bin/sh -c so
// stack files can use pipelines and redirection.
func buildCommand(spec service.Spec) (*exec.Cmd, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("service %q: exec runtime requires a command", spec.Name)
	}
	if len(spec.Command) == 1 {
		single := strings.TrimSpace(spec.Command[0])
		if single == "" {
			return nil, fmt.Errorf("service %q: empty command", spec.Name)
		}
		if strings.ContainsAny(single, "|&;<>*?`$\"'(){}[]~ ") {
			return shellCommand(single), nil
		}
		// #nosec G204 -- operator-provided service command
		return exec.Command(single), nil
	}
	// #nosec G204 -- operator-provided service command
	return exec.Command(spec.Command[0], spec.Command[1:]...), nil
}

// buildEnv flattens the merged spec env and adds the runtime metadata vars,
// including resolved volume paths as STACKUP_VOLUME_<NAME>.
func buildEnv(spec service.Spec, volumePaths map[string]string) []string {
	out := make([]string, 0, len(spec.Env)+len(volumePaths)+2)
	for k, v := range spec.Env {
		out = append(out, k+"="+v)
	}
	out = append(out, "STACKUP_SERVICE="+spec.Name)
	if spec.Image != "" {
		out = append(out, "STACKUP_IMAGE="+spec.Image)
	}
	for name, path := range volumePaths {
		out = append(out, "STACKUP_VOLUME_"+envKey(name)+"="+path)
	}
	sort.Strings(out)
	return out
}

func envKey(name string) string {
	up := strings.ToUpper(name)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, up)
}

// exitCode maps a cmd.Wait error to the process exit code.
func exitCode(werr error) int {
	if werr == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(werr, &ee) {
		if c := ee.ExitCode(); c >= 0 {
			return c
		}
		// killed by signal
		return 128 + signalOf(ee)
	}
	return -1
}
