package controller

import (
	"sort"

	"github.com/loykin/stackup/internal/service"
)

// StatusAll returns one snapshot per registered service, sorted by name.
// Each snapshot is internally consistent: state, pid, exit code and restart
// count are read under the same lock, so a reader never sees a running state
// paired with a stale pid.
func (c *Controller) StatusAll() []service.Status {
	names := c.reg.Names()

	c.mu.Lock()
	live := make(map[string]*entry, len(c.entries))
	for n, e := range c.entries {
		live[n] = e
	}
	c.mu.Unlock()

	out := make([]service.Status, 0, len(names))
	for _, name := range names {
		if e, ok := live[name]; ok {
			out = append(out, e.h.Status())
			continue
		}
		out = append(out, service.Status{Name: name, State: service.StatePending})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RunningCount reports how many instances are currently running.
func (c *Controller) RunningCount() int {
	n := 0
	for _, st := range c.StatusAll() {
		if st.Running() {
			n++
		}
	}
	return n
}
