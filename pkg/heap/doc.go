//go:build go1.21

// Package heap implements a hybrid small/large allocation engine on top of
// the brk-like [github.com/arena-labs/heapsim/pkg/arena.Arena].
//
// # Design
//
// Requests are routed by size to one of two cooperating allocators:
//
//   - Small requests (up to 578 bytes) are served by a segregated pool of
//     fixed-size slots: each size class is a singly-linked list of 4 KiB
//     slab chunks, each chunk carrying a 256-bit occupancy bitmap that is
//     bit-scanned to find the next free slot in O(1) expected time.
//   - Large requests are served by an explicit free-list allocator with
//     boundary-tag coalescing: every block in the large-object heap carries
//     a 4-byte header (and, if free, a matching 4-byte footer) encoding its
//     size plus its own and its predecessor's allocation bits, which is
//     enough to merge physically adjacent free blocks without any separate
//     bookkeeping structure.
//
// A size dispatcher ([Dispatch]) picks the allocator for [Engine.Alloc];
// releasing or resizing an opaque address instead resolves its owner by
// walking the slab-chunk lists and falling back to the large heap, so
// pointers carry no out-of-band tag of their own.
//
// # Usage
//
//	a := arena.New(0)
//	e := heap.New(a)
//	_ = e.Init()
//
//	p, err := e.Alloc(24)
//	// ... use the 24 bytes at p ...
//	e.Free(p)
//
// # Concurrency
//
// Engine is not safe for concurrent use. Per the package's non-goals there
// is a single logical mutator; every public method runs to completion
// before returning and restores all invariants before doing so.
package heap
