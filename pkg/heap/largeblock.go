//go:build go1.21

package heap

import (
	"github.com/arena-labs/heapsim/internal/debug"
	"github.com/arena-labs/heapsim/pkg/arena"
	"github.com/arena-labs/heapsim/pkg/xunsafe"
)

// Boundary-tag bit layout: size occupies all but the bottom two bits (size
// is always a multiple of Align = 16, so those bits are free); bit 1 is the
// predecessor's alloc bit, bit 0 is this block's own alloc bit.
const (
	allocBit     uint32 = 1 << 0
	prevAllocBit uint32 = 1 << 1
	tagMask      uint32 = allocBit | prevAllocBit
)

func packTag(size int, prevAlloc, alloc bool) uint32 {
	w := uint32(size)

	if prevAlloc {
		w |= prevAllocBit
	}

	if alloc {
		w |= allocBit
	}

	return w
}

func tagSize(w uint32) int        { return int(w &^ tagMask) }
func tagAlloc(w uint32) bool      { return w&allocBit != 0 }
func tagPrevAlloc(w uint32) bool  { return w&prevAllocBit != 0 }

// headerAddr and footerAddr locate a block's boundary tags relative to its
// payload address bp.
func headerAddr(bp xunsafe.Addr[byte]) xunsafe.Addr[byte] { return bp.ByteAdd(-Word) }
func footerAddr(bp xunsafe.Addr[byte], size int) xunsafe.Addr[byte] {
	return bp.ByteAdd(size - 2*Word)
}

func readTag(a xunsafe.Addr[byte]) uint32  { return *xunsafe.Cast[uint32](a.AssertValid()) }
func writeTag(a xunsafe.Addr[byte], w uint32) { *xunsafe.Cast[uint32](a.AssertValid()) = w }

func blockHeader(bp xunsafe.Addr[byte]) uint32 { return readTag(headerAddr(bp)) }
func blockSizeOf(bp xunsafe.Addr[byte]) int    { return tagSize(blockHeader(bp)) }
func blockAlloc(bp xunsafe.Addr[byte]) bool    { return tagAlloc(blockHeader(bp)) }
func blockPrevAlloc(bp xunsafe.Addr[byte]) bool {
	return tagPrevAlloc(blockHeader(bp))
}

// setTags writes the header and, for free blocks, the matching footer.
func setTags(bp xunsafe.Addr[byte], size int, prevAlloc, alloc bool) {
	w := packTag(size, prevAlloc, alloc)

	writeTag(headerAddr(bp), w)
	if !alloc {
		writeTag(footerAddr(bp, size), w)
	}
}

// setPrevAlloc updates just the prev-alloc bit of bp's header (and, if bp
// is itself free, its footer too, since the two must always agree).
func setPrevAlloc(bp xunsafe.Addr[byte], prevAlloc bool) {
	w := blockHeader(bp)
	if prevAlloc {
		w |= prevAllocBit
	} else {
		w &^= prevAllocBit
	}

	writeTag(headerAddr(bp), w)

	if !tagAlloc(w) {
		writeTag(footerAddr(bp, tagSize(w)), w)
	}
}

func nextBlock(bp xunsafe.Addr[byte]) xunsafe.Addr[byte] {
	return bp.ByteAdd(blockSizeOf(bp))
}

// prevBlock returns the physically preceding block. It is only valid to
// call when blockPrevAlloc(bp) is false: only then is there a footer to
// read just before bp's own header.
func prevBlock(bp xunsafe.Addr[byte]) xunsafe.Addr[byte] {
	prevFooter := headerAddr(bp).ByteAdd(-Word)
	prevSize := tagSize(readTag(prevFooter))

	return bp.ByteAdd(-prevSize)
}

// Free-block payload layout: the first DWord bytes are the next pointer,
// the following DWord bytes are the prev pointer, threading the doubly
// linked free list directly through otherwise-unused payload bytes. The
// list is doubly linked so a block can be unlinked from the middle without
// a list scan.
func getFreeNext(bp xunsafe.Addr[byte]) xunsafe.Addr[byte] {
	return xunsafe.Addr[byte](xunsafe.ByteLoad[uintptr](bp.AssertValid(), 0))
}

func setFreeNext(bp, v xunsafe.Addr[byte]) {
	xunsafe.ByteStore(bp.AssertValid(), 0, uintptr(v))
}

func getFreePrev(bp xunsafe.Addr[byte]) xunsafe.Addr[byte] {
	return xunsafe.Addr[byte](xunsafe.ByteLoad[uintptr](bp.AssertValid(), DWord))
}

func setFreePrev(bp, v xunsafe.Addr[byte]) {
	xunsafe.ByteStore(bp.AssertValid(), DWord, uintptr(v))
}

// largeHeap is the boundary-tag allocator's state: the free-list head and
// a singly-linked chain of large chunks kept only for diagnostics.
type largeHeap struct {
	freeHead  xunsafe.Addr[byte]
	chunkHead xunsafe.Addr[byte] // payload of the first real block of the newest chunk.
}

func (h *largeHeap) pushFree(bp xunsafe.Addr[byte]) {
	setFreePrev(bp, 0)
	setFreeNext(bp, h.freeHead)

	if !h.freeHead.IsNil() {
		setFreePrev(h.freeHead, bp)
	}

	h.freeHead = bp
}

func (h *largeHeap) removeFree(bp xunsafe.Addr[byte]) {
	prev := getFreePrev(bp)
	next := getFreeNext(bp)

	if !prev.IsNil() {
		setFreeNext(prev, next)
	} else {
		h.freeHead = next
	}

	if !next.IsNil() {
		setFreePrev(next, prev)
	}
}

// findFit returns the first free block (traversal order = free-list order)
// whose size is at least want, or the zero address if none fits.
func (h *largeHeap) findFit(want int) xunsafe.Addr[byte] {
	for bp := h.freeHead; !bp.IsNil(); bp = getFreeNext(bp) {
		if blockSizeOf(bp) >= want {
			return bp
		}
	}

	return 0
}

// chunkPreamble is the bookkeeping region at the front of every large
// chunk, preceding the chunk's first real (free) block:
//
//	[0:8)   pointer to the previous large chunk, for diagnostics
//	[8:12)  this chunk's total size
//	[12:20) padding
//	[20:24) prologue header  (size=8, prevAlloc=1, alloc=1)
//	[24:28) prologue footer
//
// The first real block's header follows immediately at offset 28, putting
// its payload at offset 32 — a multiple of Align, which is why every chunk
// obtained from an Align-aligned arena offset produces an Align-aligned
// first payload.
const chunkPreambleSize = 28
const chunkPayloadOffset = chunkPreambleSize + Word // 32

func chunkPrevPtrAddr(base xunsafe.Addr[byte]) xunsafe.Addr[byte] { return base }
func chunkSizeFieldAddr(base xunsafe.Addr[byte]) xunsafe.Addr[byte] {
	return base.ByteAdd(8)
}

// newLargeChunk obtains a fresh chunk from a sized to comfortably fit
// want bytes, seeds its prologue/epilogue sentinels, and links the
// resulting free block onto the free list.
func (h *largeHeap) newLargeChunk(a *arena.Arena, want int) (xunsafe.Addr[byte], error) {
	chunkSize := chunkSizeFor(want)

	base, err := a.Extend(chunkSize)
	if err != nil {
		return 0, err
	}

	xunsafe.ByteStore(chunkPrevPtrAddr(base).AssertValid(), 0, uintptr(h.chunkHead))
	*xunsafe.Cast[uint32](chunkSizeFieldAddr(base).AssertValid()) = uint32(chunkSize)

	// The prologue is a degenerate "block" with no payload: just a header
	// and footer word back to back. Unlike a normal allocated block it
	// always carries a footer too, so it is seeded directly rather than
	// through setTags (which only writes a footer for free blocks).
	prologueTag := packTag(2*Word, true, true)
	prologueHeader := base.ByteAdd(20)
	writeTag(prologueHeader, prologueTag)
	writeTag(prologueHeader.ByteAdd(Word), prologueTag)

	freeBp := base.ByteAdd(chunkPayloadOffset)
	freeSize := chunkSize - chunkPreambleSize - Word // minus epilogue.
	setTags(freeBp, freeSize, true, false)

	// The epilogue's prevAlloc reflects freeBp's actual (free) state, per
	// the prevAlloc invariant, not the literal prevAlloc=1 a byte-by-byte
	// reading of the seed layout might suggest.
	epilogue := headerAddr(freeBp).ByteAdd(freeSize) // == base + chunkSize - Word
	writeTag(epilogue, packTag(0, false, true))

	h.chunkHead = freeBp
	h.pushFree(freeBp)

	debug.Log(nil, "large new chunk", "base=%v size=%d free=%v freeSize=%d", base, chunkSize, freeBp, freeSize)

	return freeBp, nil
}

// place carves a request of size s out of free block bp of size B,
// splitting off the remainder when it would still be a valid free block
// and otherwise absorbing it whole.
func (h *largeHeap) place(bp xunsafe.Addr[byte], s int) {
	b := blockSizeOf(bp)
	prevAlloc := blockPrevAlloc(bp)

	h.removeFree(bp)

	if b-s >= MinLargeBlock {
		setTags(bp, s, prevAlloc, true)

		rem := bp.ByteAdd(s)
		setTags(rem, b-s, true, false)
		h.pushFree(rem)

		debug.Log(nil, "large place", "split bp=%v s=%d rem=%v remSize=%d", bp, s, rem, b-s)

		return
	}

	setTags(bp, b, prevAlloc, true)

	next := nextBlock(bp)
	setPrevAlloc(next, true)

	debug.Log(nil, "large place", "absorb bp=%v b=%d", bp, b)
}

// coalesce merges bp with any free physical neighbors and returns the
// address of the resulting (possibly unchanged) block.
func (h *largeHeap) coalesce(bp xunsafe.Addr[byte]) xunsafe.Addr[byte] {
	prevAlloc := blockPrevAlloc(bp)
	next := nextBlock(bp)
	nextAlloc := blockAlloc(next)

	switch {
	case prevAlloc && nextAlloc:
		return bp

	case prevAlloc && !nextAlloc:
		size := blockSizeOf(bp) + blockSizeOf(next)

		h.removeFree(next)
		h.removeFree(bp)
		setTags(bp, size, true, false)
		h.pushFree(bp)

		return bp

	case !prevAlloc && nextAlloc:
		prev := prevBlock(bp)
		size := blockSizeOf(prev) + blockSizeOf(bp)

		h.removeFree(bp)
		h.removeFree(prev)
		setTags(prev, size, blockPrevAlloc(prev), false)
		h.pushFree(prev)

		return prev

	default: // both free
		prev := prevBlock(bp)
		size := blockSizeOf(prev) + blockSizeOf(bp) + blockSizeOf(next)

		h.removeFree(next)
		h.removeFree(bp)
		h.removeFree(prev)
		setTags(prev, size, blockPrevAlloc(prev), false)
		h.pushFree(prev)

		return prev
	}
}

// releaseLarge marks bp free, fixes up the next block's prev-alloc bit,
// links bp onto the free list and coalesces it with its neighbors.
func (h *largeHeap) releaseLarge(bp xunsafe.Addr[byte]) {
	size := blockSizeOf(bp)
	prevAlloc := blockPrevAlloc(bp)

	setTags(bp, size, prevAlloc, false)
	h.pushFree(bp)

	next := nextBlock(bp)
	setPrevAlloc(next, false)

	debug.Log(nil, "large free", "bp=%v size=%d", bp, size)

	h.coalesce(bp)
}

// allocLarge satisfies a user request of n bytes via first-fit over the
// free list, growing the heap with a new chunk if nothing fits.
func (h *largeHeap) allocLarge(a *arena.Arena, n int) (xunsafe.Addr[byte], error) {
	want := blockSize(n)

	bp := h.findFit(want)
	if bp.IsNil() {
		var err error

		bp, err = h.newLargeChunk(a, want)
		if err != nil {
			return 0, err
		}
	}

	h.place(bp, want)

	debug.Log(nil, "large alloc", "n=%d want=%d bp=%v", n, want, bp)

	return bp, nil
}

// copyBytes copies n bytes from src to dst. Both must address at least n
// live bytes; the caller is responsible for that.
func copyBytes(dst, src xunsafe.Addr[byte], n int) {
	if n <= 0 {
		return
	}

	xunsafe.Copy(dst.AssertValid(), src.AssertValid(), n)
}

func zeroBytes(p xunsafe.Addr[byte], n int) {
	if n <= 0 {
		return
	}

	xunsafe.Clear(p.AssertValid(), n)
}

// resizeLarge implements realloc semantics for a pointer already known to
// be owned by the large heap, per §4.4 of the design.
func (h *largeHeap) resizeLarge(a *arena.Arena, bp xunsafe.Addr[byte], n int) (xunsafe.Addr[byte], error) {
	o := blockSizeOf(bp)
	want := blockSize(n)

	switch {
	case want == o:
		return bp, nil

	case want < o:
		if o-want < MinLargeBlock {
			// The remainder would be too small to stand as its own free
			// block; keep the whole original size, same as place's
			// absorb case.
			return bp, nil
		}

		prevAlloc := blockPrevAlloc(bp)
		setTags(bp, want, prevAlloc, true)

		rem := bp.ByteAdd(want)
		setTags(rem, o-want, true, false)
		h.pushFree(rem)

		after := nextBlock(rem)
		setPrevAlloc(after, false)

		h.coalesce(rem)

		return bp, nil
	}

	next := nextBlock(bp)
	if !blockAlloc(next) && blockSizeOf(next)+o >= want {
		nextSize := blockSizeOf(next)

		h.removeFree(next)

		residue := o + nextSize - want
		prevAlloc := blockPrevAlloc(bp)

		if residue >= MinLargeBlock {
			setTags(bp, want, prevAlloc, true)

			rem := bp.ByteAdd(want)
			setTags(rem, residue, true, false)
			h.pushFree(rem)
		} else {
			setTags(bp, o+nextSize, prevAlloc, true)

			after := nextBlock(bp)
			setPrevAlloc(after, true)
		}

		return bp, nil
	}

	newBp, err := h.allocLarge(a, n)
	if err != nil {
		return 0, err
	}

	copyBytes(newBp, bp, o-DWord)
	h.releaseLarge(bp)

	return newBp, nil
}
