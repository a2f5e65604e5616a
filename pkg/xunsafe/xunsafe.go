// Package xunsafe provides a more convenient interface for performing unsafe
// operations than Go's built-in package unsafe.
package xunsafe

import (
	"sync"

	"github.com/arena-labs/heapsim/pkg/xunsafe/layout"
)

// NoCopy is a zero-size type that go vet will complain about having been
// copied.
//
// It does so by being an array of [sync.Mutex], which vet's copylocks
// check treats like the mutex itself.
type NoCopy [0]sync.Mutex

// Int is any integer type.
type Int = layout.Int
