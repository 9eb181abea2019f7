// Package scratch provides reusable workspace buffers for engines that
// need temporary memory during a single forward or backward call, such
// as im2col matrices. Buffers are recycled across calls so steady-state
// execution allocates nothing.
package scratch

import (
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/lattice-ml/lattice/internal/tensor"
)

// Handle is a checked-out scratch buffer. It must be returned to the
// pool it came from with Release; a handle released twice panics, since
// that always indicates an engine bug that would corrupt another
// caller's workspace.
type Handle struct {
	Tensor *tensor.RawTensor

	pool     *Pool
	owner    string
	released bool
}

// Pool hands out scratch tensors keyed by nothing but size: any
// released buffer large enough satisfies the next request. All methods
// are safe for concurrent use.
type Pool struct {
	mu     sync.Mutex
	free   []*tensor.RawTensor
	dtype  tensor.DataType
	device tensor.Device

	acquired  int
	released  int
	allocated uint64
}

// NewPool creates a pool producing buffers of the given element type on
// the given device.
func NewPool(dtype tensor.DataType, device tensor.Device) *Pool {
	return &Pool{dtype: dtype, device: device}
}

// Acquire returns a scratch buffer with at least sizeElems elements,
// shaped {1, sizeElems}. The owner string names the requesting engine
// operation and appears in diagnostics only.
func (p *Pool) Acquire(owner string, sizeElems int) *Handle {
	if sizeElems <= 0 {
		panic(fmt.Sprintf("scratch: %s requested %d elements", owner, sizeElems))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquired++

	// Smallest free buffer that fits.
	best := -1
	need := sizeElems * p.dtype.Size()
	for i, t := range p.free {
		if t.Capacity() >= need && (best < 0 || t.Capacity() < p.free[best].Capacity()) {
			best = i
		}
	}
	if best >= 0 {
		t := p.free[best]
		p.free = append(p.free[:best], p.free[best+1:]...)
		t.Resize(tensor.Shape{1, sizeElems})
		t.ZeroFill()
		return &Handle{Tensor: t, pool: p, owner: owner}
	}

	t := tensor.MustNew(tensor.Shape{1, sizeElems}, p.dtype, p.device)
	p.allocated += uint64(need)
	if klog.V(2).Enabled() {
		klog.V(2).Infof("scratch: allocated %s for %s (pool total %s)",
			humanize.IBytes(uint64(need)), owner, humanize.IBytes(p.allocated))
	}
	return &Handle{Tensor: t, pool: p, owner: owner}
}

// Release returns the handle's buffer to its pool.
func (p *Pool) Release(h *Handle) {
	if h.pool != p {
		panic("scratch: handle released to the wrong pool")
	}
	if h.released {
		panic(fmt.Sprintf("scratch: double release by %s", h.owner))
	}
	h.released = true

	p.mu.Lock()
	defer p.mu.Unlock()
	p.released++
	p.free = append(p.free, h.Tensor)
	h.Tensor = nil
}

// Stats reports pool counters for tests and diagnostics.
type Stats struct {
	Acquired       int
	Released       int
	FreeBuffers    int
	AllocatedBytes uint64
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Acquired:       p.acquired,
		Released:       p.released,
		FreeBuffers:    len(p.free),
		AllocatedBytes: p.allocated,
	}
}

// Drop discards all free buffers, returning their memory to the
// runtime. Outstanding handles are unaffected.
func (p *Pool) Drop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if klog.V(1).Enabled() && p.allocated > 0 {
		klog.V(1).Infof("scratch: dropping %d free buffers (%s allocated lifetime)",
			len(p.free), humanize.IBytes(p.allocated))
	}
	p.free = nil
}
