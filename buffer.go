package rpc

import "sync"

// Slice is one (pointer, length) piece of a payload. In Go, a byte slice
// already is a (ptr, len[, cap]) triple, so BufferList is simply an
// ordered sequence of slices rather than a hand-rolled iovec struct.
type Slice = []byte

// BufferList is an ordered scatter/gather sequence of memory slices
// describing a message payload without copying. The core never assumes
// contiguous storage and never frees a slice it did not allocate itself
// (ownership travels with the attached Allocator, or is absent entirely
// when the list only borrows caller memory).
type BufferList struct {
	slices     []Slice
	alloc      Allocator
	maxSlices  int // 0 means unbounded
	overflowed bool
}

// NewBufferList returns an empty list using alloc for any slices the list
// itself allocates (via Reserve). alloc may be nil if the list will only
// ever hold borrowed slices appended via Append.
func NewBufferList(alloc Allocator) *BufferList {
	return &BufferList{alloc: alloc}
}

// Allocator returns the list's configured allocator, or nil.
func (b *BufferList) Allocator() Allocator { return b.alloc }

// SetAllocator associates alloc with the list.
func (b *BufferList) SetAllocator(alloc Allocator) { b.alloc = alloc }

// Append adds a borrowed slice to the end of the list. The list neither
// copies nor takes ownership of s; the caller's memory must outlive the
// list's use.
//
// If SetMaxSlices was called with a positive limit and the list is
// already at that limit, Append silently drops s and marks the list
// Overflowed instead of growing past the limit; this lets a receive-side
// buffer-count limit be enforced without giving Marshaler implementations
// a bespoke error type to return.
func (b *BufferList) Append(s Slice) {
	if b.maxSlices > 0 && len(b.slices) >= b.maxSlices {
		b.overflowed = true
		return
	}
	b.slices = append(b.slices, s)
}

// SetMaxSlices bounds the number of slices Append will accept; 0 means
// unbounded (the default).
func (b *BufferList) SetMaxSlices(n int) { b.maxSlices = n }

// Overflowed reports whether Append has dropped a slice because the list
// was already at its SetMaxSlices limit.
func (b *BufferList) Overflowed() bool { return b.overflowed }

// Reserve allocates n bytes from the list's allocator, appends the result
// to the list, and returns it for the caller to fill in. Panics if no
// allocator is configured.
func (b *BufferList) Reserve(n int) Slice {
	if b.alloc == nil {
		panic("rpc: BufferList.Reserve with no allocator")
	}
	s := b.alloc.Alloc(n)[:n]
	b.slices = append(b.slices, s)
	return s
}

// Len returns the number of slices in the list.
func (b *BufferList) Len() int { return len(b.slices) }

// At returns the i'th slice.
func (b *BufferList) At(i int) Slice { return b.slices[i] }

// Slices returns the underlying slice sequence. Callers must not retain
// it past the next mutating call on b.
func (b *BufferList) Slices() []Slice { return b.slices }

// Sum returns the total payload length across all slices.
func (b *BufferList) Sum() int {
	n := 0
	for _, s := range b.slices {
		n += len(s)
	}
	return n
}

// Truncate keeps only the first n bytes across the slice sequence,
// dropping or shortening slices as needed. Slices dropped entirely are
// released to the allocator if one is configured.
func (b *BufferList) Truncate(n int) {
	if n < 0 {
		n = 0
	}
	kept := b.slices[:0]
	remaining := n
	for i, s := range b.slices {
		if remaining <= 0 {
			if b.alloc != nil {
				for _, dropped := range b.slices[i:] {
					b.alloc.Free(dropped)
				}
			}
			break
		}
		if len(s) <= remaining {
			kept = append(kept, s)
			remaining -= len(s)
			continue
		}
		kept = append(kept, s[:remaining])
		remaining = 0
	}
	b.slices = kept
}

// CopyTo copies up to len(dst) bytes from the list into dst, returning the
// number of bytes copied.
func (b *BufferList) CopyTo(dst []byte) int {
	n := 0
	for _, s := range b.slices {
		if n >= len(dst) {
			break
		}
		c := copy(dst[n:], s)
		n += c
	}
	return n
}

// Release returns every slice in the list to its allocator, if any, and
// empties the list. Safe to call on a list with no allocator (a no-op).
func (b *BufferList) Release() {
	if b.alloc != nil {
		for _, s := range b.slices {
			b.alloc.Free(s)
		}
	}
	b.slices = nil
}

// Allocator hands out and reclaims payload memory. The core never frees a
// buffer it did not receive from an Allocator's own Alloc.
type Allocator interface {
	Alloc(n int) []byte
	Free(b []byte)
}

// poolAllocator is a sync.Pool-backed Allocator used as the library
// default: a single pool of byte slices reused loosely by capacity, which
// is sufficient since payloads here are one-shot per call rather than
// long-lived stream buffers.
type poolAllocator struct {
	pool sync.Pool
}

// DefaultAllocator is used by Stub/Skeleton/StubPool when no Allocator is
// configured explicitly.
var DefaultAllocator Allocator = &poolAllocator{}

func (a *poolAllocator) Alloc(n int) []byte {
	if v := a.pool.Get(); v != nil {
		b := v.([]byte)
		if cap(b) >= n {
			return b[:n]
		}
	}
	return make([]byte, n)
}

func (a *poolAllocator) Free(b []byte) {
	if cap(b) == 0 {
		return
	}
	a.pool.Put(b[:cap(b)])
}
