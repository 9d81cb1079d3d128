package pool

import "testing"

func TestAcquireReleaseRoundTrip(t *testing.T) {
	p := NewPool(4)
	b, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if b.Refcount() != 1 {
		t.Fatalf("Refcount = %d, want 1", b.Refcount())
	}
	p.Release(b)
	if p.Acquired() != 0 {
		t.Fatalf("Acquired() = %d, want 0", p.Acquired())
	}
}

func TestOutOfBuffers(t *testing.T) {
	p := NewPool(2)
	if _, err := p.Acquire(); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Acquire(); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Acquire(); err != ErrOutOfBuffers {
		t.Fatalf("Acquire() err = %v, want ErrOutOfBuffers", err)
	}
}

func TestRetainRequiresMatchingReleases(t *testing.T) {
	p := NewPool(1)
	b, _ := p.Acquire()
	p.Retain(b)
	if b.Refcount() != 2 {
		t.Fatalf("Refcount = %d, want 2", b.Refcount())
	}
	p.Release(b)
	if p.Acquired() != 1 {
		t.Fatalf("Acquired() = %d, want 1 (still held once)", p.Acquired())
	}
	p.Release(b)
	if p.Acquired() != 0 {
		t.Fatalf("Acquired() = %d, want 0", p.Acquired())
	}
}

func TestReleaseBelowZeroPanics(t *testing.T) {
	p := NewPool(1)
	b, _ := p.Acquire()
	p.Release(b)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic releasing an already-free buffer")
		}
	}()
	p.Release(b)
}

func TestFreeListReusesSlots(t *testing.T) {
	p := NewPool(1)
	b1, _ := p.Acquire()
	idx := b1.Index()
	p.Release(b1)
	b2, err := p.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	if b2.Index() != idx {
		t.Fatalf("Index() = %d, want reused slot %d", b2.Index(), idx)
	}
}
