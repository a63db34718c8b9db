package rpc

import (
	"bytes"
	"testing"
)

func TestBufferListAppendAndSum(t *testing.T) {
	b := NewBufferList(nil)
	b.Append([]byte("abc"))
	b.Append([]byte("de"))

	if got, want := b.Len(), 2; got != want {
		t.Fatalf("Len() = %d, want %d", got, want)
	}
	if got, want := b.Sum(), 5; got != want {
		t.Fatalf("Sum() = %d, want %d", got, want)
	}

	out := make([]byte, 5)
	if n := b.CopyTo(out); n != 5 {
		t.Fatalf("CopyTo returned %d, want 5", n)
	}
	if !bytes.Equal(out, []byte("abcde")) {
		t.Fatalf("CopyTo = %q, want %q", out, "abcde")
	}
}

func TestBufferListMaxSlicesOverflow(t *testing.T) {
	b := NewBufferList(nil)
	b.SetMaxSlices(1)

	b.Append([]byte("one"))
	if b.Overflowed() {
		t.Fatal("first Append within the limit must not overflow")
	}

	b.Append([]byte("two"))
	if !b.Overflowed() {
		t.Fatal("Append past SetMaxSlices must set Overflowed")
	}
	if got, want := b.Len(), 1; got != want {
		t.Fatalf("overflowing Append must not grow the list: Len() = %d, want %d", got, want)
	}
}

func TestBufferListReserveUsesAllocator(t *testing.T) {
	b := NewBufferList(DefaultAllocator)
	s := b.Reserve(16)
	if len(s) != 16 {
		t.Fatalf("Reserve(16) returned len %d", len(s))
	}
	if b.Len() != 1 || b.Sum() != 16 {
		t.Fatalf("Reserve did not append to the list: Len=%d Sum=%d", b.Len(), b.Sum())
	}
}

func TestBufferListReservePanicsWithoutAllocator(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("Reserve with no allocator should panic")
		}
	}()
	NewBufferList(nil).Reserve(4)
}

func TestBufferListTruncate(t *testing.T) {
	b := NewBufferList(nil)
	b.Append([]byte("abcd"))
	b.Append([]byte("efgh"))

	b.Truncate(6)
	if got, want := b.Sum(), 6; got != want {
		t.Fatalf("Sum() after Truncate(6) = %d, want %d", got, want)
	}
	out := make([]byte, 6)
	b.CopyTo(out)
	if !bytes.Equal(out, []byte("abcdef")) {
		t.Fatalf("Truncate kept wrong bytes: %q", out)
	}
}

func TestBufferListRelease(t *testing.T) {
	b := NewBufferList(DefaultAllocator)
	b.Reserve(8)
	b.Release()
	if b.Len() != 0 {
		t.Fatalf("Release should empty the list, Len() = %d", b.Len())
	}
}
