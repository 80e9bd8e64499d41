// Package portpool hands out RTP/RTCP port pairs for relay sockets.
package portpool

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrExhausted indicates that every port pair in the range is allocated.
var ErrExhausted = errors.New("no ports available in pool")

// PortPool manages a pool of RTP ports for media sessions.
// Ports are allocated in pairs (even for RTP, odd for RTCP), lowest first.
type PortPool struct {
	mu        sync.Mutex
	minPort   int
	maxPort   int
	available []int        // sorted ascending
	allocated map[int]bool // port -> allocated
}

// NewPortPool creates a new port pool with the given range.
// minPort is rounded up to even; a pair is usable if its odd port <= maxPort.
func NewPortPool(minPort, maxPort int) *PortPool {
	if minPort%2 != 0 {
		minPort++
	}

	var available []int
	for port := minPort; port+1 <= maxPort; port += 2 {
		available = append(available, port)
	}

	return &PortPool{
		minPort:   minPort,
		maxPort:   maxPort,
		available: available,
		allocated: make(map[int]bool),
	}
}

// Allocate returns the lowest free pair of ports (RTP, RTCP).
func (p *PortPool) Allocate() (rtpPort, rtcpPort int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.available) == 0 {
		return 0, 0, fmt.Errorf("range %d-%d: %w", p.minPort, p.maxPort, ErrExhausted)
	}
	rtpPort = p.available[0]
	p.available = p.available[1:]
	p.allocated[rtpPort] = true
	return rtpPort, rtpPort + 1, nil
}

// Release returns a port pair to the pool. Unknown ports are ignored.
func (p *PortPool) Release(rtpPort int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.allocated[rtpPort] {
		return
	}
	delete(p.allocated, rtpPort)
	i := sort.SearchInts(p.available, rtpPort)
	p.available = append(p.available, 0)
	copy(p.available[i+1:], p.available[i:])
	p.available[i] = rtpPort
}

// Available returns the number of available port pairs.
func (p *PortPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

// Allocated returns the number of allocated port pairs.
func (p *PortPool) Allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}
