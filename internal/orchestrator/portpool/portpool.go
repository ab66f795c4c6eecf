// Package portpool allocates TCP ports for supervised agent instances from
// a contiguous range. All mutating calls are expected to run on the
// orchestrator's single control goroutine, so the pool itself only needs a
// mutex to protect reads from the control-plane's status queries.
package portpool

import (
	"fmt"
	"sync"
)

// Status summarizes the pool's occupancy.
type Status struct {
	Allocated int
	Free      int
	Total     int
}

// Pool allocates ports in [base, base+size) to instance IDs.
type Pool struct {
	base int
	size int

	mu          sync.Mutex
	allocated   map[int]string      // port -> instanceID
	byInstance  map[string]int      // instanceID -> port
	unavailable map[int]struct{}    // ports known to be bound by something else
}

// New creates a Pool spanning [base, base+size).
func New(base, size int) *Pool {
	return &Pool{
		base:        base,
		size:        size,
		allocated:   make(map[int]string),
		byInstance:  make(map[string]int),
		unavailable: make(map[int]struct{}),
	}
}

// Allocate returns the lowest unused port in range for instanceID, or an
// error if the pool is exhausted. If instanceID already holds a port, that
// port is returned again (idempotent re-allocation).
func (p *Pool) Allocate(instanceID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if port, ok := p.byInstance[instanceID]; ok {
		return port, nil
	}

	for port := p.base; port < p.base+p.size; port++ {
		if _, used := p.allocated[port]; used {
			continue
		}
		if _, bad := p.unavailable[port]; bad {
			continue
		}
		p.allocated[port] = instanceID
		p.byInstance[instanceID] = port
		return port, nil
	}

	return 0, fmt.Errorf("no available ports in range [%d, %d)", p.base, p.base+p.size)
}

// Reserve claims a specific port for instanceID, used during recovery to
// restore a previously-persisted allocation. Returns an error if the port
// is out of range or already held by a different instance.
func (p *Pool) Reserve(port int, instanceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if port < p.base || port >= p.base+p.size {
		return fmt.Errorf("port %d out of range [%d, %d)", port, p.base, p.base+p.size)
	}
	if existing, used := p.allocated[port]; used && existing != instanceID {
		return fmt.Errorf("port %d already allocated to instance %s", port, existing)
	}

	p.allocated[port] = instanceID
	p.byInstance[instanceID] = port
	return nil
}

// Release frees a port. No-op if the port was not allocated.
func (p *Pool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if instanceID, ok := p.allocated[port]; ok {
		delete(p.allocated, port)
		delete(p.byInstance, instanceID)
	}
}

// ReleaseByInstance frees whatever port instanceID holds, if any.
func (p *Pool) ReleaseByInstance(instanceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if port, ok := p.byInstance[instanceID]; ok {
		delete(p.allocated, port)
		delete(p.byInstance, instanceID)
	}
}

// MarkUnavailable excludes a port from future allocation (used when a bind
// attempt fails with EADDRINUSE despite the pool believing it free) and
// releases it from its current holder, if any.
func (p *Pool) MarkUnavailable(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.unavailable[port] = struct{}{}
	if instanceID, ok := p.allocated[port]; ok {
		delete(p.allocated, port)
		delete(p.byInstance, instanceID)
	}
}

// Status reports current occupancy.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Status{
		Allocated: len(p.allocated),
		Free:      p.size - len(p.allocated),
		Total:     p.size,
	}
}
