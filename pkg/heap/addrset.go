//go:build go1.21

package heap

import (
	"github.com/dolthub/maphash"

	"github.com/arena-labs/heapsim/pkg/xunsafe"
)

// addrSet is a set of byte addresses, used by the consistency checker to
// detect a pointer visited twice (a free-list cycle, or two slab slots
// colliding) in O(1) expected time rather than an O(n) scan per insert.
//
// This borrows maphash.Hasher the same way this module's swiss-table map
// once did for its open-addressing scheme, minus the map itself: the
// checker only ever needs membership, so a plain Go map keyed by the
// hash's bucket together with a same-bucket slice is enough, and avoids
// reimplementing group/control-byte machinery for a one-off diagnostic
// pass.
type addrSet struct {
	hash    maphash.Hasher[uintptr]
	buckets map[uint64][]xunsafe.Addr[byte]
	n       int
}

func newAddrSet() *addrSet {
	return &addrSet{
		hash:    maphash.NewHasher[uintptr](),
		buckets: make(map[uint64][]xunsafe.Addr[byte]),
	}
}

// add reports whether p was already present, inserting it if not.
func (s *addrSet) add(p xunsafe.Addr[byte]) (dup bool) {
	h := s.hash.Hash(uintptr(p))

	for _, q := range s.buckets[h] {
		if q == p {
			return true
		}
	}

	s.buckets[h] = append(s.buckets[h], p)
	s.n++

	return false
}

func (s *addrSet) len() int { return s.n }
