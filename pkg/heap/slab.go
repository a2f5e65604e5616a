//go:build go1.21

package heap

import (
	"math/bits"

	"github.com/arena-labs/heapsim/internal/debug"
	"github.com/arena-labs/heapsim/pkg/arena"
	"github.com/arena-labs/heapsim/pkg/xunsafe"
)

// chunkHeader is the 48-byte header occupying the front of every slab
// chunk. Its layout is load-bearing: occupancy is a 256-bit vector, one
// bit per slot, and capacity(slotSize) = floor((ChunkSize-48)/slotSize)
// slots follow immediately after it.
type chunkHeader struct {
	next        xunsafe.Addr[chunkHeader]
	occupancy   [4]uint64
	slotSize    uint32
	minSlotSize uint32
}

// slabHeaderSize is the size of [chunkHeader]; the spec fixes it at 48
// bytes, which is also what this struct's layout produces on a 64-bit
// target (8 + 32 + 4 + 4).
const slabHeaderSize = 48

// slabCapacity returns how many slots of the given size fit after a
// chunk's header.
func slabCapacity(slotSize int) int {
	return (ChunkSize - slabHeaderSize) / slotSize
}

// slabPool is the per-class state: the head of its chunk list, and the
// slot/min sizes the class was configured with.
type slabPool struct {
	head     xunsafe.Addr[chunkHeader]
	slotSize int
	minSize  int
}

// scanFirstFree returns the lowest slot index below capacity whose
// occupancy bit is clear, scanning the four 64-bit lanes from low to high
// and, within a lane, bits 0..63 from low to high — i.e. strict low-index
// first-fit.
func scanFirstFree(occupancy *[4]uint64, capacity int) (int, bool) {
	for lane := 0; lane < 4; lane++ {
		base := lane * 64
		if base >= capacity {
			break
		}

		word := ^occupancy[lane]
		for word != 0 {
			bit := bits.TrailingZeros64(word)
			idx := base + bit

			if idx >= capacity {
				break
			}

			return idx, true
		}
	}

	return 0, false
}

func setBit(occupancy *[4]uint64, i int) {
	occupancy[i/64] |= 1 << uint(i%64)
}

func clearBit(occupancy *[4]uint64, i int) {
	occupancy[i/64] &^= 1 << uint(i%64)
}

// slotAddr returns the address of slot i in the chunk based at base.
func slotAddr(base xunsafe.Addr[byte], slotSize, i int) xunsafe.Addr[byte] {
	return base.ByteAdd(slabHeaderSize + i*slotSize)
}

// newChunk obtains a fresh 4 KiB chunk from a, initializes its header for
// the given class, and returns its base address.
func newChunk(a *arena.Arena, pool *slabPool) (xunsafe.Addr[byte], error) {
	base, err := a.Extend(ChunkSize)
	if err != nil {
		return 0, err
	}

	hdr := xunsafe.Cast[chunkHeader](base.AssertValid())
	*hdr = chunkHeader{
		next:        pool.head,
		slotSize:    uint32(pool.slotSize),
		minSlotSize: uint32(pool.minSize),
	}
	pool.head = xunsafe.AddrOf(hdr)

	debug.Log(nil, "slab new chunk", "class=%d base=%v cap=%d", pool.slotSize, base, slabCapacity(pool.slotSize))

	return base, nil
}

// allocSmall allocates one slot from pool, obtaining a new chunk from a if
// every existing chunk is full. Chunks are searched newest-first, the order
// they were linked in by [newChunk].
func allocSmall(a *arena.Arena, pool *slabPool) (xunsafe.Addr[byte], error) {
	capacity := slabCapacity(pool.slotSize)

	cur := pool.head
	for !cur.IsNil() {
		hdr := cur.AssertValid()

		if idx, ok := scanFirstFree(&hdr.occupancy, capacity); ok {
			setBit(&hdr.occupancy, idx)

			chunkBase := xunsafe.CastAddr[byte](cur)
			p := slotAddr(chunkBase, pool.slotSize, idx)
			debug.Log(nil, "slab alloc", "class=%d chunk=%v slot=%d p=%v", pool.slotSize, chunkBase, idx, p)

			return p, nil
		}

		cur = hdr.next
	}

	base, err := newChunk(a, pool)
	if err != nil {
		return 0, err
	}

	hdr := xunsafe.Cast[chunkHeader](base.AssertValid())
	setBit(&hdr.occupancy, 0)

	p := slotAddr(base, pool.slotSize, 0)
	debug.Log(nil, "slab alloc", "class=%d chunk=%v slot=0 p=%v (fresh chunk)", pool.slotSize, base, p)

	return p, nil
}

// slabOwner identifies which chunk of which class a pointer belongs to.
type slabOwner struct {
	pool      *slabPool
	chunkBase xunsafe.Addr[byte]
	hdr       *chunkHeader
}

// findSlabOwner searches every class's chunk list for the chunk containing
// p. It uses a strict `>` test on the low bound: a chunk's header occupies
// its first 48 bytes, so no valid slot address can ever equal the chunk's
// base, and using `>` here (rather than `>=`) makes that precondition
// explicit instead of accidental.
func findSlabOwner(pools []*slabPool, p xunsafe.Addr[byte]) (slabOwner, bool) {
	for _, pool := range pools {
		cur := pool.head
		for !cur.IsNil() {
			hdr := cur.AssertValid()

			lo := xunsafe.CastAddr[byte](cur)
			hi := lo.ByteAdd(ChunkSize)
			if p > lo && p < hi {
				return slabOwner{pool: pool, chunkBase: lo, hdr: hdr}, true
			}

			cur = hdr.next
		}
	}

	return slabOwner{}, false
}

// freeSlot clears the occupancy bit for the slot containing p within its
// owning chunk. It is a precondition that p is exactly a slot address.
func freeSlot(owner slabOwner, p xunsafe.Addr[byte]) {
	payload := owner.chunkBase.ByteAdd(slabHeaderSize)
	idx := p.Sub(payload) / owner.pool.slotSize

	clearBit(&owner.hdr.occupancy, idx)

	debug.Log(nil, "slab free", "class=%d chunk=%v slot=%d p=%v", owner.pool.slotSize, owner.chunkBase, idx, p)
}
