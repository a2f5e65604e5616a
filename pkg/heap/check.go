//go:build go1.21

package heap

import (
	"fmt"

	"github.com/arena-labs/heapsim/internal/debug"
	"github.com/arena-labs/heapsim/pkg/xunsafe"
)

// CheckReport is the result of [Engine.Check]: a read-only sweep of every
// structure the engine maintains, collecting every invariant violation it
// finds rather than stopping at the first one.
type CheckReport struct {
	Errors []string
}

// OK reports whether the sweep found no violations.
func (r CheckReport) OK() bool { return len(r.Errors) == 0 }

func (r *CheckReport) fail(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Check walks every slab chunk and every large chunk reachable from e and
// validates the invariants the allocators depend on:
//
//   - every slot index implied by an occupancy bit is within [0, capacity)
//   - no slab chunk, occupied slot or allocated large block address is
//     reached twice (a cycle, or two structures handing out the same
//     address); overlapping ranges that start at different addresses are
//     not detected
//   - every large block's header and (if free) footer agree
//   - every block's prevAlloc bit matches its physical predecessor's
//     actual alloc state
//   - every block address and size is [Align]-aligned
//   - every free-list link is reciprocal: if a is b's next, b is a's prev
//
// Check never mutates state; it is meant to be run between operations
// during development and in tests, not on a hot path.
func (e *Engine) Check() CheckReport {
	var report CheckReport

	seen := newAddrSet()

	e.checkSmall(&report, seen)
	e.checkLarge(&report, seen)

	debug.Log(nil, "heap check", "errors=%d visited=%d", len(report.Errors), seen.len())

	return report
}

func (e *Engine) checkSmall(report *CheckReport, seen *addrSet) {
	for _, pool := range e.pools {
		capacity := slabCapacity(pool.slotSize)

		for cur := pool.head; !cur.IsNil(); {
			hdr := cur.AssertValid()

			if int(hdr.slotSize) != pool.slotSize {
				report.fail("slab chunk %v: slotSize=%d, want %d", cur, hdr.slotSize, pool.slotSize)
			}

			if uintptr(cur)%Align != 0 {
				report.fail("slab chunk %v: not %d-aligned", cur, Align)
			}

			if seen.add(xunsafe.CastAddr[byte](cur)) {
				report.fail("slab chunk %v: visited twice (cycle?)", cur)

				break
			}

			for i := 0; i < capacity; i++ {
				if hdr.occupancy[i/64]&(1<<uint(i%64)) == 0 {
					continue
				}

				p := slotAddr(xunsafe.CastAddr[byte](cur), pool.slotSize, i)

				if seen.add(p) {
					report.fail("slot %v (class %d, chunk %v, idx %d): address claimed twice", p, pool.slotSize, cur, i)
				}
			}

			for i := capacity; i < len(hdr.occupancy)*64; i++ {
				if hdr.occupancy[i/64]&(1<<uint(i%64)) != 0 {
					report.fail("slab chunk %v: occupancy bit %d set beyond capacity %d", cur, i, capacity)
				}
			}

			cur = hdr.next
		}
	}
}

func (e *Engine) checkLarge(report *CheckReport, seen *addrSet) {
	visitedFree := newAddrSet()

	for bp := e.large.freeHead; !bp.IsNil(); bp = getFreeNext(bp) {
		if visitedFree.add(bp) {
			report.fail("large free list: block %v visited twice (cycle?)", bp)

			break
		}

		if blockAlloc(bp) {
			report.fail("large free list: block %v has its alloc bit set", bp)
		}

		if next := getFreeNext(bp); !next.IsNil() && getFreePrev(next) != bp {
			report.fail("large free list: %v.next=%v but %v.prev=%v", bp, next, next, getFreePrev(next))
		}

		if prev := getFreePrev(bp); !prev.IsNil() && getFreeNext(prev) != bp {
			report.fail("large free list: %v.prev=%v but %v.next=%v", bp, prev, prev, getFreeNext(prev))
		}
	}

	for chunk := e.large.chunkHead; !chunk.IsNil(); {
		e.checkLargeChunk(report, seen, chunk)

		base := chunkPrevChunkOf(chunk)
		chunk = base
	}
}

// chunkPrevChunkOf returns the previous large chunk's seeded first-block
// address, following the diagnostic back-pointer stashed at the front of
// every chunk (which itself stores a first-block address, not a chunk
// base — see newLargeChunk), or the zero address once the chain is
// exhausted.
func chunkPrevChunkOf(firstBp xunsafe.Addr[byte]) xunsafe.Addr[byte] {
	chunkBase := firstBp.ByteAdd(-chunkPayloadOffset)

	return xunsafe.Addr[byte](xunsafe.ByteLoad[uintptr](chunkBase.AssertValid(), 0))
}

func (e *Engine) checkLargeChunk(report *CheckReport, seen *addrSet, firstBp xunsafe.Addr[byte]) {
	chunkBase := firstBp.ByteAdd(-chunkPayloadOffset)
	chunkSize := int(*xunsafe.Cast[uint32](chunkSizeFieldAddr(chunkBase).AssertValid()))

	prologueBp := chunkBase.ByteAdd(24)
	if blockSizeOf(prologueBp) != 2*Word || !blockAlloc(prologueBp) {
		report.fail("large chunk %v: prologue malformed", chunkBase)
	}

	if readTag(footerAddr(prologueBp, 2*Word)) != blockHeader(prologueBp) {
		report.fail("large chunk %v: prologue header/footer mismatch", chunkBase)
	}

	prevAlloc := true
	bp := firstBp

	for {
		size := blockSizeOf(bp)
		alloc := blockAlloc(bp)

		if size == 0 {
			// Epilogue sentinel: a header-only, zero-size, always-allocated
			// tag marking the end of the chunk.
			if !alloc {
				report.fail("large chunk %v: epilogue at %v is not marked allocated", chunkBase, bp)
			}

			if blockPrevAlloc(bp) != prevAlloc {
				report.fail("large chunk %v: epilogue prevAlloc mismatch", chunkBase)
			}

			break
		}

		if size%Align != 0 {
			report.fail("large block %v: size %d not %d-aligned", bp, size, Align)
		}

		if size < MinLargeBlock && size != 2*Word {
			report.fail("large block %v: size %d below minimum %d", bp, size, MinLargeBlock)
		}

		if blockPrevAlloc(bp) != prevAlloc {
			report.fail("large block %v: prevAlloc=%v, predecessor alloc=%v", bp, blockPrevAlloc(bp), prevAlloc)
		}

		if !alloc {
			footer := readTag(footerAddr(bp, size))
			header := blockHeader(bp)

			if footer != header {
				report.fail("large block %v: header %#x != footer %#x", bp, header, footer)
			}
		}

		if uintptr(bp)%Align != 0 {
			report.fail("large block %v: not %d-aligned", bp, Align)
		}

		if alloc && seen.add(bp) {
			report.fail("large block %v: address claimed twice", bp)
		}

		prevAlloc = alloc
		bp = nextBlock(bp)

		if int(bp)-int(chunkBase) >= chunkSize {
			break
		}
	}
}
