//go:build go1.21

package heap

import (
	"github.com/arena-labs/heapsim/internal/debug"
	"github.com/arena-labs/heapsim/pkg/arena"
	"github.com/arena-labs/heapsim/pkg/xunsafe"
)

// Engine is the hybrid allocation engine: a segregated small-object slab
// pool backed by a boundary-tag, explicit-free-list large allocator, both
// drawing memory from a single [arena.Arena].
//
// An Engine is not safe for concurrent use; see the package doc.
type Engine struct {
	_ xunsafe.NoCopy

	a      *arena.Arena
	pools  [len(classes)]*slabPool
	large  largeHeap
	padded bool
}

// New constructs an Engine over a, without touching a yet. Call [Engine.Init]
// before the first [Engine.Alloc].
func New(a *arena.Arena) *Engine {
	e := &Engine{a: a}

	for i, c := range classes {
		e.pools[i] = &slabPool{slotSize: c.slot, minSize: c.min}
	}

	return e
}

// Init (re)initializes e's bookkeeping to describe a fresh, empty heap. It
// does not touch the arena: the arena is assumed fresh (HeapSize() == 0)
// or, if reused, already holding chunks this Engine previously laid out.
//
// Init resets every small-class pool head, including the class-48 pool:
// an earlier revision only reset six of the seven heads, leaving stale
// chunk pointers behind for requests in (32, 48] after a second Init. See
// DESIGN.md.
func (e *Engine) Init() error {
	for i, c := range classes {
		e.pools[i] = &slabPool{slotSize: c.slot, minSize: c.min}
	}

	e.large = largeHeap{}
	e.padded = false

	debug.Log(nil, "heap init", "classes=%d", len(classes))

	return nil
}

// padAlignment consumes a few bytes from the arena, if necessary, so that
// the next real allocation starts on an [Align]-aligned address. Go's
// make([]byte, n) backing array has no alignment guarantee beyond the
// platform word size, so the arena's Lo() may not itself be 16-byte
// aligned even though every offset the engine computes from it assumes so.
//
// This runs lazily on first use rather than in Init, which per the public
// contract must not touch the arena.
func (e *Engine) padAlignment() error {
	if e.padded {
		return nil
	}

	e.padded = true

	lo := uintptr(e.a.Lo())
	pad := int(alignUp(int(lo), Align) - int(lo))

	if pad == 0 {
		return nil
	}

	_, err := e.a.Extend(pad)

	return err
}

// Alloc returns a pointer to a fresh, unzeroed region of at least n bytes.
func (e *Engine) Alloc(n int) (xunsafe.Addr[byte], error) {
	if n < 0 {
		return 0, invalidArgument("negative size %d", n)
	}

	if n == 0 {
		return 0, nil
	}

	if err := e.padAlignment(); err != nil {
		return 0, err
	}

	if idx, small := Dispatch(n); small {
		p, err := allocSmall(e.a, e.pools[idx])
		if err != nil {
			debug.Log(nil, "heap alloc", "small class failed: %s", describeAllocFailure(err))
		}

		return p, err
	}

	p, err := e.large.allocLarge(e.a, n)
	if err != nil {
		debug.Log(nil, "heap alloc", "large failed: %s", describeAllocFailure(err))
	}

	return p, err
}

// Calloc is [Engine.Alloc] followed by zeroing num*size bytes, with an
// overflow check on the multiplication: a caller-controlled num*size that
// overflows int must be rejected rather than silently allocating less than
// requested.
func (e *Engine) Calloc(num, size int) (xunsafe.Addr[byte], error) {
	if num < 0 || size < 0 {
		return 0, invalidArgument("negative num=%d or size=%d", num, size)
	}

	n := num * size
	if size != 0 && n/size != num {
		return 0, invalidArgument("num=%d * size=%d overflows", num, size)
	}

	p, err := e.Alloc(n)
	if err != nil {
		return 0, err
	}

	zeroBytes(p, n)

	return p, nil
}

// ownerKind classifies p as belonging to a small slab slot, a large block, or
// neither.
type ownerKind int

const (
	ownerNone ownerKind = iota
	ownerSmall
	ownerLarge
)

func (e *Engine) resolve(p xunsafe.Addr[byte]) (ownerKind, slabOwner) {
	if owner, ok := findSlabOwner(e.pools[:], p); ok {
		return ownerSmall, owner
	}

	if e.a.Contains(headerAddr(p)) {
		return ownerLarge, slabOwner{}
	}

	return ownerNone, slabOwner{}
}

// Free releases the region at p, previously returned by [Engine.Alloc],
// [Engine.Calloc] or [Engine.Resize]. Freeing a nil address is a no-op;
// freeing anything else this engine did not hand out is a precondition
// violation the caller is expected never to trigger, and is not itself
// detected here — use [Engine.Check] during development instead.
func (e *Engine) Free(p xunsafe.Addr[byte]) {
	if p.IsNil() {
		return
	}

	switch kind, owner := e.resolve(p); kind {
	case ownerSmall:
		freeSlot(owner, p)
	case ownerLarge:
		e.large.releaseLarge(p)
	}
}

// Resize changes the size of the region at p to n bytes, preserving its
// leading min(old, n) bytes, and returns the (possibly moved) new address.
//
// Resize(p, 0) frees nothing and returns p unchanged: a zero-size resize is
// a no-op rather than an [Engine.Free], leaving disposal of the region to
// an explicit later Free. See DESIGN.md.
func (e *Engine) Resize(p xunsafe.Addr[byte], n int) (xunsafe.Addr[byte], error) {
	if n < 0 {
		return 0, invalidArgument("negative size %d", n)
	}

	if p.IsNil() {
		return e.Alloc(n)
	}

	if n == 0 {
		return p, nil
	}

	kind, owner := e.resolve(p)

	switch kind {
	case ownerSmall:
		if n <= owner.pool.slotSize {
			return p, nil
		}

		np, err := e.Alloc(n)
		if err != nil {
			return 0, err
		}

		copyBytes(np, p, owner.pool.slotSize)
		// The old slot is deliberately left allocated: the spec's resize
		// contract for a small-to-large growth does not reclaim it. See
		// DESIGN.md.

		return np, nil

	case ownerLarge:
		return e.large.resizeLarge(e.a, p, n)

	default:
		return 0, preconditionViolated("resize of unowned address %v", p)
	}
}
