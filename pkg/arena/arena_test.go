package arena_test

import (
	"errors"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/arena-labs/heapsim/pkg/arena"
)

func TestArena(t *testing.T) {
	Convey("Given a freshly constructed Arena", t, func() {
		a := arena.New(1 << 16)

		Convey("Lo and Hi should coincide", func() {
			So(a.Lo(), ShouldEqual, a.Hi())
			So(a.HeapSize(), ShouldEqual, 0)
		})

		Convey("Extend should advance Hi by exactly n bytes", func() {
			lo := a.Lo()

			base, err := a.Extend(4096)

			So(err, ShouldBeNil)
			So(base, ShouldEqual, lo)
			So(a.Hi(), ShouldEqual, lo.ByteAdd(4096))
			So(a.HeapSize(), ShouldEqual, 4096)

			Convey("and a second Extend should pick up where the first left off", func() {
				base2, err := a.Extend(128)

				So(err, ShouldBeNil)
				So(base2, ShouldEqual, a.Hi().ByteAdd(-128))
				So(a.Contains(base), ShouldBeTrue)
				So(a.Contains(base2), ShouldBeTrue)
			})
		})

		Convey("Extend should fail once the backing buffer is exhausted", func() {
			_, err := a.Extend(1 << 20)

			So(errors.Is(err, arena.ErrOutOfMemory), ShouldBeTrue)

			var detail *arena.OutOfMemoryError
			So(errors.As(err, &detail), ShouldBeTrue)
			So(detail.Requested, ShouldEqual, 1<<20)
			So(detail.Capacity, ShouldEqual, 1<<16)
		})

		Convey("Init should reset Hi back to Lo without disturbing capacity", func() {
			_, err := a.Extend(4096)
			So(err, ShouldBeNil)

			a.Init()

			So(a.Hi(), ShouldEqual, a.Lo())
			So(a.HeapSize(), ShouldEqual, 0)
		})
	})
}

func TestArenaDefaultCapacity(t *testing.T) {
	Convey("Given an Arena constructed with a non-positive capacity", t, func() {
		a := arena.New(0)

		Convey("it should fall back to DefaultCapacity", func() {
			_, err := a.Extend(arena.DefaultCapacity)

			So(err, ShouldBeNil)
		})
	})
}
