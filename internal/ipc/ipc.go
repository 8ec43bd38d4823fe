// Package ipc implements the sliver of Mach IPC dyld's bring-up needs:
// an opaque port-name table with three fixed well-known names and a
// monotonic allocator for the rest, per spec.md §3 and §4.7. No
// reference counting or real message queues exist — deallocation and
// mod_refs are no-ops, matching spec.md §9's guidance to keep this kind
// of global mutable state behind a small API rather than modeling full
// Mach semantics.
package ipc

import "sync"

// Well-known port names, fixed per spec.md §3.
const (
	TaskSelf   = 1
	HostSelf   = 2
	ThreadSelf = 3

	firstDynamic = 4

	// MachRcvTimedOut is returned by mach_msg when the RCV bit is set,
	// per spec.md §4.7 trap 31/32.
	MachRcvTimedOut = 0x10004003
)

var (
	mu       sync.Mutex
	nextName uint32 = firstDynamic
)

// Allocate synthesizes a new port name, per spec.md §4.7 traps 16/24
// (port_allocate/port_construct).
func Allocate() uint32 {
	mu.Lock()
	defer mu.Unlock()
	name := nextName
	nextName++
	return name
}

// Deallocate is a documented no-op: this kernel never reclaims port
// names (spec.md §3: "No reference counting is implemented;
// deallocation is a no-op").
func Deallocate(uint32) {}

// ModRefs is a documented no-op, per spec.md §4.7 trap 19.
func ModRefs(uint32) {}
