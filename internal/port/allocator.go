// Package port allocates a local TCP port for a sidecar started with
// sidecar.port: 0.
package port

import (
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
)

const (
	DefaultMin = 20000
	DefaultMax = 32000
)

// Allocator hands out one port at a time from [min, max]. The port sticks
// across restarts while it is still free, so anything that cached it keeps
// working.
type Allocator struct {
	mu      sync.Mutex
	minPort int
	maxPort int
	port    int
}

// NewAllocator creates a port allocator for the given range [min, max].
func NewAllocator(minPort, maxPort int) *Allocator {
	return &Allocator{minPort: minPort, maxPort: maxPort}
}

// Acquire returns the current port if it is still bindable, otherwise a
// new free port from the range.
func (a *Allocator) Acquire() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.port != 0 && Available(a.port) {
		return a.port, nil
	}
	a.port = 0

	rangeSize := a.maxPort - a.minPort + 1
	if rangeSize <= 0 {
		return 0, fmt.Errorf("empty port range %d-%d", a.minPort, a.maxPort)
	}

	for attempts := 0; attempts < 64; attempts++ {
		if p := a.minPort + rand.IntN(rangeSize); Available(p) {
			a.port = p
			return p, nil
		}
	}
	for p := a.minPort; p <= a.maxPort; p++ {
		if Available(p) {
			a.port = p
			return p, nil
		}
	}
	return 0, fmt.Errorf("no available ports in range %d-%d", a.minPort, a.maxPort)
}

// Port returns the last acquired port, or 0.
func (a *Allocator) Port() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.port
}

// Release forgets the current port.
func (a *Allocator) Release() {
	a.mu.Lock()
	a.port = 0
	a.mu.Unlock()
}

// Available reports whether port can be bound on the loopback interface.
func Available(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
