package controller

import (
	"sync"

	"github.com/loykin/stackup/internal/service"
)

// portTable is the runtime-checked reservation set for host ports.
// Reservation is a single atomic check-then-reserve step so two concurrent
// starts can never both claim the same port.
type portTable struct {
	mu    sync.Mutex
	ports map[int]string // host port -> holding service
}

func newPortTable() *portTable {
	return &portTable{ports: make(map[int]string)}
}

// reserve claims all ports for name, or none. A port held by name itself
// (re-reservation during restart) is not a conflict.
func (t *portTable) reserve(name string, ports []int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range ports {
		if holder, taken := t.ports[p]; taken && holder != name {
			return &service.PortConflictError{Name: name, Port: p, Holder: holder}
		}
	}
	for _, p := range ports {
		t.ports[p] = name
	}
	return nil
}

// release drops every port held by name.
func (t *portTable) release(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for p, holder := range t.ports {
		if holder == name {
			delete(t.ports, p)
		}
	}
}

// holder reports the current owner of a port, if any.
func (t *portTable) holder(port int) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.ports[port]
	return h, ok
}
