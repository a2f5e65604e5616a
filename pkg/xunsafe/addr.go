//go:build go1.21

package xunsafe

import (
	"fmt"
	"unsafe"

	"github.com/arena-labs/heapsim/pkg/xunsafe/layout"
)

// Addr is an untraced address of a value of type T.
//
// Unlike *T, an Addr[T] does not keep the pointee alive and is not updated
// by the garbage collector if the pointee moves. It is intended for use
// inside allocators that manage their own backing storage (such as the
// simulated arena in [github.com/arena-labs/heapsim/pkg/arena]), where the
// pointee's lifetime is already pinned by something else.
//
// The zero Addr[T] represents the null address.
type Addr[T any] uintptr

// AddrOf returns the address of p.
func AddrOf[T any](p *T) Addr[T] {
	return Addr[T](unsafe.Pointer(p))
}

// IsNil returns whether a is the null address.
func (a Addr[T]) IsNil() bool { return a == 0 }

// AssertValid converts this address back into a pointer.
//
// Returns nil if a is the null address.
func (a Addr[T]) AssertValid() *T {
	if a == 0 {
		return nil
	}
	return (*T)(unsafe.Pointer(uintptr(a)))
}

// Add offsets a by n elements of T, i.e. n*sizeof(T) bytes.
func (a Addr[T]) Add(n int) Addr[T] {
	return a + Addr[T](n*layout.Size[T]())
}

// ByteAdd offsets a by n bytes, without scaling by sizeof(T).
func (a Addr[T]) ByteAdd(n int) Addr[T] {
	return a + Addr[T](n)
}

// Sub computes the number of bytes between a and b (a - b).
func (a Addr[T]) Sub(b Addr[T]) int {
	return int(a) - int(b)
}

// RoundUpTo rounds this address up to the given power-of-two alignment.
func (a Addr[T]) RoundUpTo(align int) Addr[T] {
	return Addr[T](layout.RoundUp(uintptr(a), uintptr(align)))
}

// In reports whether a lies in the half-open byte range [lo, hi).
func (a Addr[T]) In(lo, hi Addr[byte]) bool {
	u := Addr[byte](a)
	return u >= lo && u < hi
}

func (a Addr[T]) String() string {
	return fmt.Sprintf("%#x", uintptr(a))
}

// CastAddr reinterprets an address of one type as an address of another.
func CastAddr[To, From any](a Addr[From]) Addr[To] {
	return Addr[To](a)
}
