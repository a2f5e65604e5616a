package heap_test

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/arena-labs/heapsim/pkg/arena"
	"github.com/arena-labs/heapsim/pkg/heap"
)

func TestCheckOnEmptyHeap(t *testing.T) {
	Convey("Given a freshly initialized, empty engine", t, func() {
		a := arena.New(1 << 16)
		e := heap.New(a)
		So(e.Init(), ShouldBeNil)

		Convey("Check should report no errors", func() {
			report := e.Check()
			So(report.OK(), ShouldBeTrue)
			So(report.Errors, ShouldBeEmpty)
		})
	})
}

func TestCheckAfterManySmallAllocations(t *testing.T) {
	Convey("Given many small allocations spanning several fresh chunks", t, func() {
		a := arena.New(1 << 20)
		e := heap.New(a)
		So(e.Init(), ShouldBeNil)

		for i := 0; i < 500; i++ {
			_, err := e.Alloc(16)
			So(err, ShouldBeNil)
		}

		Convey("Check should still report no errors", func() {
			So(e.Check().OK(), ShouldBeTrue)
		})
	})
}

func TestCheckAfterLargeChurn(t *testing.T) {
	Convey("Given repeated large alloc/free churn", t, func() {
		a := arena.New(1 << 20)
		e := heap.New(a)
		So(e.Init(), ShouldBeNil)

		for i := 0; i < 50; i++ {
			p, err := e.Alloc(1000 + i*10)
			So(err, ShouldBeNil)

			if i%2 == 0 {
				e.Free(p)
			}
		}

		Convey("Check should still report no errors", func() {
			So(e.Check().OK(), ShouldBeTrue)
		})
	})
}
