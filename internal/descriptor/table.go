package descriptor

import (
	"math/bits"
	"slices"
)

// Table is a data structure mapping 32 bit descriptors to objects.
//
// Descriptors are grouped in pages of 64 consecutive values, each tracked by
// a bit mask of the occupied slots. Pages are created on demand and released
// when their last object is deleted, so the memory held by the table is
// proportional to the number of live objects even when descriptors keep
// increasing over the lifetime of the table.
//
// Negative descriptors are never present in the table.
type Table[Descriptor ~int32 | ~uint32, Object any] struct {
	pages map[uint32]*page[Object]
	count int
}

type page[Object any] struct {
	mask  uint64
	table [64]Object
}

func split[Descriptor ~int32 | ~uint32](desc Descriptor) (index uint32, shift uint32, ok bool) {
	if desc < 0 {
		return 0, 0, false
	}
	return uint32(desc) / 64, uint32(desc) % 64, true
}

// Len returns the number of objects stored in the table.
func (t *Table[Descriptor, Object]) Len() int {
	return t.count
}

// Assign inserts the object at a specific descriptor number. If another
// object was already associated with that number, it is returned and the
// boolean is set to true to indicate that a object was replaced.
func (t *Table[Descriptor, Object]) Assign(desc Descriptor, object Object) (prev Object, replaced bool) {
	index, shift, ok := split(desc)
	if !ok {
		panic("descriptor: negative descriptor assigned to table")
	}
	if t.pages == nil {
		t.pages = make(map[uint32]*page[Object])
	}
	p := t.pages[index]
	if p == nil {
		p = new(page[Object])
		t.pages[index] = p
	}
	if (p.mask & (1 << shift)) != 0 {
		prev, replaced = p.table[shift], true
	} else {
		t.count++
	}
	p.mask |= 1 << shift
	p.table[shift] = object
	return
}

// Access returns a pointer to the object associated with the given
// descriptor, which may be nil if it was not found in the table.
func (t *Table[Descriptor, Object]) Access(desc Descriptor) *Object {
	index, shift, ok := split(desc)
	if !ok {
		return nil
	}
	if p := t.pages[index]; p != nil && (p.mask&(1<<shift)) != 0 {
		return &p.table[shift]
	}
	return nil
}

// Lookup returns the object associated with the given descriptor.
func (t *Table[Descriptor, Object]) Lookup(desc Descriptor) (object Object, found bool) {
	ptr := t.Access(desc)
	if ptr != nil {
		object, found = *ptr, true
	}
	return
}

// Delete deletes the object stored at the given descriptor from the table.
func (t *Table[Descriptor, Object]) Delete(desc Descriptor) {
	index, shift, ok := split(desc)
	if !ok {
		return
	}
	p := t.pages[index]
	if p == nil || (p.mask&(1<<shift)) == 0 {
		return
	}
	var zero Object
	p.table[shift] = zero
	p.mask &^= 1 << shift
	t.count--
	if p.mask == 0 {
		delete(t.pages, index)
	}
}

// Range calls f for each object and its associated descriptor in the table,
// in increasing descriptor order. The function f might return false to
// interupt the iteration.
func (t *Table[Descriptor, Object]) Range(f func(Descriptor, Object) bool) {
	indexes := make([]uint32, 0, len(t.pages))
	for index := range t.pages {
		indexes = append(indexes, index)
	}
	slices.Sort(indexes)

	for _, index := range indexes {
		p := t.pages[index]
		if p == nil {
			continue // deleted by f
		}
		for mask := p.mask; mask != 0; mask &= mask - 1 {
			shift := uint32(bits.TrailingZeros64(mask))
			if (p.mask & (1 << shift)) == 0 {
				continue
			}
			if !f(Descriptor(index*64+shift), p.table[shift]) {
				return
			}
		}
	}
}

// Reset clears the content of the table.
func (t *Table[Descriptor, Object]) Reset() {
	clear(t.pages)
	t.count = 0
}
