package descriptor

import (
	"math"
	"sync/atomic"
)

// Allocator produces strictly increasing descriptors. Values are never
// reused, which guarantees that a stale descriptor held by a module can not
// alias a newer object.
//
// The zero value is not usable, allocators are created by NewAllocator.
type Allocator[Descriptor ~int32 | ~uint32] struct {
	next atomic.Int64
}

// NewAllocator returns an allocator whose first descriptor is base.
func NewAllocator[Descriptor ~int32 | ~uint32](base Descriptor) *Allocator[Descriptor] {
	a := new(Allocator[Descriptor])
	a.next.Store(int64(base))
	return a
}

// Next returns the next descriptor, or false once the descriptors up to
// math.MaxInt32 were all handed out. It is safe to call concurrently.
func (a *Allocator[Descriptor]) Next() (Descriptor, bool) {
	n := a.next.Add(1) - 1
	if n > math.MaxInt32 {
		return 0, false
	}
	return Descriptor(n), true
}
