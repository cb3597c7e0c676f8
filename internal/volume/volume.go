// Package volume tracks named persistent volumes and their on-disk backing
// paths. Volumes are declared up front, materialized lazily on first use,
// and outlive the services that bind them: removal is always an explicit
// operator action and is refused while a non-terminal instance holds a claim.
package volume

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound is returned when resolving or removing an undeclared volume.
var ErrNotFound = errors.New("volume not found")

// DuplicateError reports a second declaration of the same volume name.
type DuplicateError struct{ Name string }

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("volume %q already declared", e.Name)
}

// InUseError reports a removal attempt while services still bind the volume.
type InUseError struct {
	Name    string
	Holders []string // service names with a live claim
}

func (e *InUseError) Error() string {
	return fmt.Sprintf("volume %q in use by %s", e.Name, strings.Join(e.Holders, ", "))
}

type record struct {
	path         string // explicit backing path; empty means baseDir/<name>
	materialized bool
	resolved     string // stable path once materialized
}

// Store owns volume records and their backing directories.
type Store struct {
	mu      sync.Mutex
	baseDir string
	vols    map[string]*record
	claims  map[string]map[string]struct{} // volume -> set of claiming services
}

// NewStore creates a Store materializing volumes under baseDir.
func NewStore(baseDir string) *Store {
	return &Store{
		baseDir: baseDir,
		vols:    make(map[string]*record),
		claims:  make(map[string]map[string]struct{}),
	}
}

// Declare registers a volume name without touching the filesystem.
func (s *Store) Declare(name string) error {
	return s.DeclareWithPath(name, "")
}

// DeclareWithPath registers a volume backed by an explicit path instead of
// the store's base directory.
func (s *Store) DeclareWithPath(name, path string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("volume name is required")
	}
	if strings.ContainsAny(name, " \t\n\r/\\<>:\"|?*") || strings.Contains(name, "..") {
		return fmt.Errorf("volume %q: name contains invalid characters", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.vols[name]; dup {
		return &DuplicateError{Name: name}
	}
	s.vols[name] = &record{path: path}
	return nil
}

// Exists reports whether the volume has been declared.
func (s *Store) Exists(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.vols[name]
	return ok
}

// Resolve materializes the volume's backing directory exactly once and
// returns its stable path. Subsequent calls return the same path without
// re-materializing; concurrent callers serialize on the store lock.
func (s *Store) Resolve(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.vols[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if rec.materialized {
		return rec.resolved, nil
	}
	p := rec.path
	if p == "" {
		p = filepath.Join(s.baseDir, name)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("volume %q: %w", name, err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return "", fmt.Errorf("volume %q: materialize: %w", name, err)
	}
	rec.materialized = true
	rec.resolved = abs
	return abs, nil
}

// Claim records that a service instance binds the volume. The claim blocks
// removal until Release. Claiming an undeclared volume is an error.
func (s *Store) Claim(name, svc string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vols[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	set := s.claims[name]
	if set == nil {
		set = make(map[string]struct{})
		s.claims[name] = set
	}
	set[svc] = struct{}{}
	return nil
}

// Release drops all claims held by the given service.
func (s *Store) Release(svc string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, set := range s.claims {
		delete(set, svc)
		if len(set) == 0 {
			delete(s.claims, name)
		}
	}
}

// Remove deletes the volume record and its backing directory. It fails with
// InUseError while any service holds a claim. Data deletion is deliberate
// here: Remove is the explicit operator action, never a side effect of
// service lifecycle.
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.vols[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if set := s.claims[name]; len(set) > 0 {
		holders := make([]string, 0, len(set))
		for h := range set {
			holders = append(holders, h)
		}
		sort.Strings(holders)
		return &InUseError{Name: name, Holders: holders}
	}
	if rec.materialized {
		if err := os.RemoveAll(rec.resolved); err != nil {
			return fmt.Errorf("volume %q: remove backing dir: %w", name, err)
		}
	}
	delete(s.vols, name)
	return nil
}

// Names returns declared volume names, sorted.
func (s *Store) Names() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.vols))
	for n := range s.vols {
		out = append(out, n)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// Info describes one volume for status listings.
type Info struct {
	Name         string   `json:"name"`
	Path         string   `json:"path,omitempty"`
	Materialized bool     `json:"materialized"`
	UsedBy       []string `json:"used_by,omitempty"`
}

// List returns volume info sorted by name.
func (s *Store) List() []Info {
	s.mu.Lock()
	out := make([]Info, 0, len(s.vols))
	for n, rec := range s.vols {
		info := Info{Name: n, Materialized: rec.materialized, Path: rec.resolved}
		for h := range s.claims[n] {
			info.UsedBy = append(info.UsedBy, h)
		}
		sort.Strings(info.UsedBy)
		out = append(out, info)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
