package service

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownService is returned when a name has no registered spec.
var ErrUnknownService = errors.New("unknown service")

// PortConflictError reports a host port already claimed by another spec
// (at registration time) or by a live instance (at start time).
type PortConflictError struct {
	Name   string // spec that failed
	Port   int    // contested host port
	Holder string // spec or instance currently holding the port
}

func (e *PortConflictError) Error() string {
	return fmt.Sprintf("service %q: host port %d already claimed by %q", e.Name, e.Port, e.Holder)
}

// VolumeDeclarer is the part of the volume store the registry needs to
// resolve and auto-declare volume references at registration time.
type VolumeDeclarer interface {
	Exists(name string) bool
	Declare(name string) error
}

// Registry holds validated service specs. Registration is atomic: a spec
// that fails validation leaves the registry (and the port claims) unchanged.
// The registry is meant to be loaded once; live specs are never mutated.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]Spec
	ports map[int]string // host port -> owning spec name

	volumes     VolumeDeclarer
	autoDeclare bool
}

// NewRegistry creates an empty registry. volumes may be nil, in which case
// volume references are not checked here.
func NewRegistry(volumes VolumeDeclarer) *Registry {
	return &Registry{
		specs:   make(map[string]Spec),
		ports:   make(map[int]string),
		volumes: volumes,
	}
}

// SetAutoDeclareVolumes makes Register declare unknown referenced volumes
// instead of rejecting the spec. The config loader enables this so a stack
// file can introduce volumes implicitly; programmatic use stays strict.
func (r *Registry) SetAutoDeclareVolumes(v bool) {
	r.mu.Lock()
	r.autoDeclare = v
	r.mu.Unlock()
}

// Register validates and stores a spec.
func (r *Registry) Register(spec Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	spec = spec.DeepCopy()
	if spec.Restart == "" {
		spec.Restart = RestartNever
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.specs[spec.Name]; dup {
		return fmt.Errorf("service %q already registered", spec.Name)
	}
	for _, p := range spec.Ports {
		if holder, taken := r.ports[p.HostPort]; taken {
			return &PortConflictError{Name: spec.Name, Port: p.HostPort, Holder: holder}
		}
	}
	if r.volumes != nil {
		for _, vb := range spec.Volumes {
			if r.volumes.Exists(vb.Volume) {
				continue
			}
			if !r.autoDeclare {
				return fmt.Errorf("service %q: volume %q not declared", spec.Name, vb.Volume)
			}
			if err := r.volumes.Declare(vb.Volume); err != nil {
				return fmt.Errorf("service %q: declare volume %q: %w", spec.Name, vb.Volume, err)
			}
		}
	}

	for _, p := range spec.Ports {
		r.ports[p.HostPort] = spec.Name
	}
	r.specs[spec.Name] = spec
	return nil
}

// Get returns a copy of the named spec.
func (r *Registry) Get(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[name]
	if !ok {
		return Spec{}, false
	}
	return s.DeepCopy(), true
}

// Names returns all registered service names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.specs))
	for n := range r.specs {
		out = append(out, n)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Len returns the number of registered specs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.specs)
}
