package bitmapcache

import "testing"

func TestAllocateAndLookup(t *testing.T) {
	c := New()
	e, err := c.Allocate(5)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	e.Store([]byte{0xff, 0x00})

	got, ok := c.Lookup(5)
	if !ok {
		t.Fatal("expected block 5 to be resident")
	}
	if got[0] != 0xff {
		t.Fatalf("bitmap[0] = %#x, want 0xff", got[0])
	}
}

func TestEvictionPrefersLeastRecentlyUsed(t *testing.T) {
	c := New()
	for i := 0; i < Capacity; i++ {
		e, err := c.Allocate(i)
		if err != nil {
			t.Fatalf("Allocate(%d): %v", i, err)
		}
		e.Store([]byte{byte(i)})
	}
	// Touch every block except 0, making it the LRU victim.
	for i := 1; i < Capacity; i++ {
		c.Lookup(i)
	}

	if _, err := c.Allocate(Capacity); err != nil {
		t.Fatalf("Allocate beyond capacity: %v", err)
	}
	if _, ok := c.Lookup(0); ok {
		t.Fatal("block 0 should have been evicted as least-recently-used")
	}
	if _, ok := c.Lookup(1); !ok {
		t.Fatal("block 1 should still be resident")
	}
}

func TestLockedEntryIsNotEvicted(t *testing.T) {
	c := New()
	locked, err := c.Allocate(0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	locked.Store([]byte{1})
	locked.Lock()

	for i := 1; i < Capacity; i++ {
		e, err := c.Allocate(i)
		if err != nil {
			t.Fatalf("Allocate(%d): %v", i, err)
		}
		e.Store([]byte{byte(i)})
	}

	if _, err := c.Allocate(Capacity); err != nil {
		t.Fatalf("expected eviction of an unlocked entry to succeed: %v", err)
	}
	if _, ok := c.Lookup(0); !ok {
		t.Fatal("locked block 0 should not have been evicted")
	}
}

func TestWaitersRequeuedOnReadCompletion(t *testing.T) {
	c := New()
	e, err := c.Allocate(9)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	e.BeginRead()

	var got []byte
	var gotErr error
	e.AddWaiter(func(bitmap []byte, err error) { got = bitmap; gotErr = err })

	waiters := e.CompleteRead([]byte{0x0f}, nil)
	if len(waiters) != 1 {
		t.Fatalf("len(waiters) = %d, want 1", len(waiters))
	}
	waiters[0](e.bitmap, nil)
	if gotErr != nil {
		t.Fatalf("unexpected error: %v", gotErr)
	}
	if got[0] != 0x0f {
		t.Fatalf("got = %v, want [0x0f]", got)
	}
}

func TestSectorBitSourceSelection(t *testing.T) {
	bitmap := make([]byte, 1)
	SetSectorBit(bitmap, 0, true)
	if SectorBit(bitmap, 0) != SourceThisImage {
		t.Fatal("bit 0 set should select this image")
	}
	if SectorBit(bitmap, 1) != SourceParent {
		t.Fatal("bit 1 clear should select parent")
	}
}
