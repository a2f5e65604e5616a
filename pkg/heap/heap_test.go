package heap_test

import (
	"testing"
	"unsafe"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/arena-labs/heapsim/pkg/arena"
	"github.com/arena-labs/heapsim/pkg/heap"
	"github.com/arena-labs/heapsim/pkg/xunsafe"
)

// unsafeBytes and writeBytes reach into a live allocation the same way a
// real caller would: through an ordinary *byte and unsafe.Slice, with no
// access to the engine's internals.
func unsafeBytes(p xunsafe.Addr[byte], n int) []byte {
	return unsafe.Slice(p.AssertValid(), n)
}

func writeBytes(p xunsafe.Addr[byte], b []byte) {
	copy(unsafeBytes(p, len(b)), b)
}

func newEngine(t *testing.T) *heap.Engine {
	t.Helper()

	a := arena.New(1 << 22)
	e := heap.New(a)

	if err := e.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	return e
}

func TestEngineAllocFree(t *testing.T) {
	Convey("Given a freshly initialized engine", t, func() {
		e := newEngine(t)

		Convey("a small allocation should round-trip through Free without corrupting the heap", func() {
			p, err := e.Alloc(24)
			So(err, ShouldBeNil)
			So(p.IsNil(), ShouldBeFalse)

			e.Free(p)
			So(e.Check().OK(), ShouldBeTrue)
		})

		Convey("a large allocation should round-trip through Free without corrupting the heap", func() {
			p, err := e.Alloc(4000)
			So(err, ShouldBeNil)

			e.Free(p)
			So(e.Check().OK(), ShouldBeTrue)
		})

		Convey("allocations across every size class should all be live and distinct simultaneously", func() {
			sizes := []int{1, 16, 17, 32, 48, 64, 100, 128, 200, 269, 400, 578, 600, 4000}
			ptrs := make(map[xunsafe.Addr[byte]]bool, len(sizes))

			for _, n := range sizes {
				p, err := e.Alloc(n)
				So(err, ShouldBeNil)
				So(ptrs[p], ShouldBeFalse)
				ptrs[p] = true
			}

			So(e.Check().OK(), ShouldBeTrue)

			for p := range ptrs {
				e.Free(p)
			}

			So(e.Check().OK(), ShouldBeTrue)
		})

		Convey("Free of a nil address should be a no-op", func() {
			e.Free(0)
			So(e.Check().OK(), ShouldBeTrue)
		})

		Convey("Alloc(0) should return null", func() {
			p, err := e.Alloc(0)
			So(err, ShouldBeNil)
			So(p.IsNil(), ShouldBeTrue)
		})
	})
}

func TestEngineCalloc(t *testing.T) {
	Convey("Given a freshly initialized engine", t, func() {
		e := newEngine(t)

		Convey("Calloc should return a zeroed region of the requested total size", func() {
			p, err := e.Calloc(8, 4)
			So(err, ShouldBeNil)

			buf := unsafeBytes(p, 32)
			for _, b := range buf {
				So(b, ShouldEqual, byte(0))
			}
		})

		Convey("Calloc should reject a num*size overflow", func() {
			_, err := e.Calloc(1<<62, 1<<62)
			So(err, ShouldNotBeNil)
		})

		Convey("Calloc(0, size) should return null", func() {
			p, err := e.Calloc(0, 64)
			So(err, ShouldBeNil)
			So(p.IsNil(), ShouldBeTrue)
		})
	})
}

func TestEngineResize(t *testing.T) {
	Convey("Given an allocated large block", t, func() {
		e := newEngine(t)

		p, err := e.Alloc(2000)
		So(err, ShouldBeNil)

		Convey("Resize(p, 0) should return the same pointer unchanged", func() {
			p2, err := e.Resize(p, 0)
			So(err, ShouldBeNil)
			So(p2, ShouldEqual, p)
		})

		Convey("shrinking should preserve the leading bytes", func() {
			writeBytes(p, []byte("hello"))

			p2, err := e.Resize(p, 64)
			So(err, ShouldBeNil)
			So(p2, ShouldEqual, p)
			So(string(unsafeBytes(p2, 5)), ShouldEqual, "hello")
		})

		Convey("growing should preserve the leading bytes even if the block moves", func() {
			writeBytes(p, []byte("hello"))

			p2, err := e.Resize(p, 8000)
			So(err, ShouldBeNil)
			So(string(unsafeBytes(p2, 5)), ShouldEqual, "hello")

			So(e.Check().OK(), ShouldBeTrue)
		})
	})

	Convey("Given a small allocated slot", t, func() {
		e := newEngine(t)

		p, err := e.Alloc(8)
		So(err, ShouldBeNil)

		Convey("resizing within the slot's own capacity should return the same address", func() {
			p2, err := e.Resize(p, 16)
			So(err, ShouldBeNil)
			So(p2, ShouldEqual, p)
		})

		Convey("resizing past the slot's capacity should move to a new region, leaking the old slot", func() {
			writeBytes(p, []byte("ab"))

			p2, err := e.Resize(p, 4000)
			So(err, ShouldBeNil)
			So(p2, ShouldNotEqual, p)
			So(string(unsafeBytes(p2, 2)), ShouldEqual, "ab")

			// The old slot is deliberately left allocated by Resize; Check
			// should still see a consistent heap since nothing was corrupted,
			// only left unreclaimed until an explicit Free.
			So(e.Check().OK(), ShouldBeTrue)
		})
	})

	Convey("Given a nil pointer", t, func() {
		e := newEngine(t)

		Convey("Resize should behave like Alloc", func() {
			p, err := e.Resize(0, 32)
			So(err, ShouldBeNil)
			So(p.IsNil(), ShouldBeFalse)
		})
	})
}

func TestEngineCheckDetectsNothingOnAHealthyHeap(t *testing.T) {
	Convey("Given a sequence of mixed allocations and frees", t, func() {
		e := newEngine(t)

		var live []xunsafe.Addr[byte]

		for i := 0; i < 64; i++ {
			p, err := e.Alloc(16 + i%600)
			So(err, ShouldBeNil)
			live = append(live, p)

			if i%3 == 0 && len(live) > 1 {
				e.Free(live[0])
				live = live[1:]
			}
		}

		Convey("Check should report no errors afterwards", func() {
			So(e.Check().OK(), ShouldBeTrue)
		})
	})
}
