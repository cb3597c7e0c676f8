// Package runtime defines the narrow contract the lifecycle controller
// needs from an external process/container runtime. The core depends only
// on this interface; ExecRuntime is the bundled local implementation.
package runtime

import (
	"context"
	"time"

	"github.com/loykin/stackup/internal/service"
)

// Handle identifies one started process/container.
type Handle interface {
	// PID returns the OS process id when the runtime exposes one, else 0.
	PID() int
}

// Runtime starts and terminates service processes. Implementations must be
// safe for concurrent use across different handles.
type Runtime interface {
	// CreateAndStart launches the service described by spec.
	// volumePaths maps each bound volume name to its resolved backing path.
	CreateAndStart(ctx context.Context, spec service.Spec, volumePaths map[string]string) (Handle, error)

	// SignalStop requests graceful termination and escalates to a forced
	// kill if the process outlives the grace period.
	SignalStop(h Handle, grace time.Duration) error

	// WaitExit blocks until the process exits and returns its exit code.
	// It is safe to call from multiple goroutines; all observe the same
	// result. A ctx cancellation abandons the wait, not the process.
	WaitExit(ctx context.Context, h Handle) (int, error)

	// ForceKill terminates the process immediately.
	ForceKill(h Handle) error
}
