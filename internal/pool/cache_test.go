package pool

import "testing"

func TestCompletedCacheEvictsOldestOnOverflow(t *testing.T) {
	c := NewCompletedCache(2)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3) // evicts "a", the oldest insertion

	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected \"a\" to be evicted")
	}
	if v, ok := c.Get("b"); !ok || v != 2 {
		t.Fatalf("expected \"b\" to remain, got %v %v", v, ok)
	}
	if v, ok := c.Get("c"); !ok || v != 3 {
		t.Fatalf("expected \"c\" to remain, got %v %v", v, ok)
	}
	if c.Len() != 2 {
		t.Fatalf("expected capacity-bound length 2, got %d", c.Len())
	}
}

func TestCompletedCacheGetDoesNotRefreshOrder(t *testing.T) {
	c := NewCompletedCache(2)
	c.Put("a", 1)
	c.Put("b", 2)

	// Reading "a" must not move it to the back: this cache is FIFO, not LRU.
	_, _ = c.Get("a")
	c.Put("c", 3)

	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected \"a\" evicted despite recent Get (cache is FIFO, not LRU)")
	}
}

func TestCompletedCacheOverwriteDoesNotEvict(t *testing.T) {
	c := NewCompletedCache(2)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("a", 10) // overwrite, not a new insertion

	if c.Len() != 2 {
		t.Fatalf("expected overwrite to leave length unchanged, got %d", c.Len())
	}
	if v, _ := c.Get("a"); v != 10 {
		t.Fatalf("expected overwritten value 10, got %v", v)
	}
	if _, ok := c.Get("b"); !ok {
		t.Fatalf("expected \"b\" to still be present after overwriting \"a\"")
	}
}
