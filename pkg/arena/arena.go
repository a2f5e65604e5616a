//go:build go1.21

// Package arena provides the brk-like collaborator that the hybrid
// allocator in [github.com/arena-labs/heapsim/pkg/heap] is built on top of.
//
// # Design
//
// Unlike a classical Go arena (a bump allocator carved out of GC-managed
// memory), this Arena models the CS:APP malloc-lab abstraction of a single,
// contiguous, monotonically-growing byte region: a fixed backing buffer is
// reserved up front, and [Arena.Extend] only ever advances a high-water
// mark into it. Addresses handed out by Extend remain valid for the
// lifetime of the Arena, because the backing buffer itself is never moved
// or resized by Go's own allocator.
//
// The Arena never shrinks and never returns memory to the OS; that is the
// job (or rather, the declined job) of whatever sits on top of it.
package arena

import (
	"fmt"

	"github.com/arena-labs/heapsim/internal/debug"
	"github.com/arena-labs/heapsim/pkg/xunsafe"
)

// PageSize is the granularity of the simulated OS page underlying the
// arena. It matches the CHUNK size used by the slab allocator in
// [github.com/arena-labs/heapsim/pkg/heap].
const PageSize = 4096

// DefaultCapacity is the size of the backing buffer an Arena reserves when
// none is given to [New].
const DefaultCapacity = 64 << 20 // 64 MiB

// ErrOutOfMemory is the sentinel every out-of-memory failure from
// [Arena.Extend] is reachable from via [errors.Is]; callers after finer
// detail should use [errors.As] (or [github.com/arena-labs/heapsim/pkg/xerrors.AsA])
// to recover the accompanying [OutOfMemoryError].
var ErrOutOfMemory = fmt.Errorf("arena: out of memory")

// OutOfMemoryError carries the detail behind one [ErrOutOfMemory] failure:
// how much was requested versus how much of the backing buffer remained.
type OutOfMemoryError struct {
	Requested int
	Remaining int
	Capacity  int
}

func (e *OutOfMemoryError) Error() string {
	return fmt.Sprintf("arena: out of memory: requested %d bytes, only %d of %d remaining",
		e.Requested, e.Remaining, e.Capacity)
}

func (e *OutOfMemoryError) Unwrap() error { return ErrOutOfMemory }

// Arena is a monotonically-growing byte region.
//
// A zero Arena is not ready to use; construct one with [New]. Arena is not
// safe for concurrent use: the engines built on top of it assume a single
// logical mutator, per the package-level non-goals.
type Arena struct {
	_ xunsafe.NoCopy

	buf []byte
	hi  int // bytes in [0, hi) have been handed out by Extend.
}

// New creates an Arena backed by a freshly allocated buffer of the given
// capacity. A capacity of 0 selects [DefaultCapacity].
//
// The buffer is allocated once, up front: Extend never reallocates it, so
// every address ever returned by Extend stays valid for the Arena's
// lifetime.
func New(capacity int) *Arena {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	a := &Arena{buf: make([]byte, capacity)}

	debug.Log(nil, "init", "capacity=%d lo=%v", capacity, a.lo())

	return a
}

// Init resets this Arena to empty, as if freshly returned by [New], without
// reallocating its backing buffer.
//
// Per the concurrency model, re-entering Init does not itself reset any
// engine built on top of the Arena; callers that pair an Init with a
// fresh logical heap are expected to reset that heap's own state too.
func (a *Arena) Init() {
	clear(a.buf)
	a.hi = 0

	debug.Log(nil, "reinit", "lo=%v", a.lo())
}

// Extend advances the Arena's high-water mark by n bytes and returns the
// base address of the new region. It fails with [ErrOutOfMemory] if the
// backing buffer cannot satisfy the request.
//
// n is not required to be a multiple of [PageSize]; callers that need
// page-aligned extensions (as the large-block allocator does) must round
// up themselves before calling Extend.
func (a *Arena) Extend(n int) (xunsafe.Addr[byte], error) {
	if n < 0 {
		panic("arena: negative extension")
	}

	if a.hi+n > len(a.buf) {
		err := &OutOfMemoryError{Requested: n, Remaining: len(a.buf) - a.hi, Capacity: len(a.buf)}

		debug.Log(nil, "extend", "failed: hi=%d n=%d cap=%d", a.hi, n, len(a.buf))

		return 0, err
	}

	base := a.addr(a.hi)
	a.hi += n

	debug.Log(nil, "extend", "base=%v n=%d hi=%d", base, n, a.hi)

	return base, nil
}

// Lo returns the lowest valid address in the Arena.
func (a *Arena) Lo() xunsafe.Addr[byte] { return a.lo() }

// Hi returns the address one past the last byte handed out by Extend.
func (a *Arena) Hi() xunsafe.Addr[byte] { return a.addr(a.hi) }

// HeapSize returns the number of bytes handed out by Extend so far.
func (a *Arena) HeapSize() int { return a.hi }

// PageSize returns the page granularity used by extensions, as an
// observational mirror of the package constant.
func (a *Arena) PageSize() int { return PageSize }

// Contains reports whether p lies within the region handed out so far,
// i.e. in [Lo, Hi).
func (a *Arena) Contains(p xunsafe.Addr[byte]) bool {
	return p.In(a.lo(), a.Hi())
}

func (a *Arena) lo() xunsafe.Addr[byte] {
	return a.addr(0)
}

func (a *Arena) addr(off int) xunsafe.Addr[byte] {
	if len(a.buf) == 0 {
		return 0
	}

	return xunsafe.AddrOf(&a.buf[0]).ByteAdd(off)
}
