// Package vni implements the 24-bit VXLAN Network Identifier allocator
// used by the topology compiler.
package vni

import (
	"fmt"
	"sync"
)

// MaxVNI is the largest valid VNI; VNI space is [1, MaxVNI]. 0 is
// reserved/invalid.
const MaxVNI = 1<<24 - 1

// Allocator is a bitmap-backed pool of 24-bit identifiers. Allocation
// policy is lowest-free-first, making allocation order deterministic for
// a given sequence of Alloc/Free calls. Safe for concurrent use.
type Allocator struct {
	mu   sync.Mutex
	used map[uint32]bool
	next uint32 // lowest VNI not yet proven free; a hint, not authoritative
}

// NewAllocator returns an empty allocator.
func NewAllocator() *Allocator {
	return &Allocator{used: make(map[uint32]bool), next: 1}
}

// Mark records vni as already in use, without allocating it from the
// free list. Used to reconstruct allocator state from the store on
// compiler startup by scanning existing link records.
func (a *Allocator) Mark(vni uint32) error {
	if vni == 0 || vni > MaxVNI {
		return fmt.Errorf("vni: invalid vni %d, must be in [1, %d]", vni, MaxVNI)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.used[vni] = true
	return nil
}

// Alloc returns the lowest free VNI and marks it used. Returns an
// error if the space [1, MaxVNI] is fully allocated.
func (a *Allocator) Alloc() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for v := a.next; v <= MaxVNI; v++ {
		if !a.used[v] {
			a.used[v] = true
			a.next = v + 1
			return v, nil
		}
	}
	// next hint may be stale if a lower VNI was freed after it advanced;
	// do a full scan from 1 before giving up.
	for v := uint32(1); v < a.next; v++ {
		if !a.used[v] {
			a.used[v] = true
			a.next = v + 1
			return v, nil
		}
	}
	return 0, fmt.Errorf("vni: allocation space exhausted (%d VNIs in use)", len(a.used))
}

// Free returns vni to the pool. Freeing an unallocated or out-of-range
// VNI is a no-op.
func (a *Allocator) Free(vni uint32) {
	if vni == 0 || vni > MaxVNI {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.used, vni)
	if vni < a.next {
		a.next = vni
	}
}

// InUse reports whether vni is currently allocated.
func (a *Allocator) InUse(vni uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used[vni]
}

// Count returns the number of VNIs currently allocated.
func (a *Allocator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.used)
}
