package syncmap

import "testing"

func TestPutGetDelete(t *testing.T) {
	m := New[string, int]()

	m.Put("a", 1)
	if v, ok := m.Get("a"); !ok || v != 1 {
		t.Fatalf("Get(a) = (%d,%v), want (1,true)", v, ok)
	}

	m.Delete("a")
	if _, ok := m.Get("a"); ok {
		t.Fatal("Get(a) should fail after delete")
	}
}

func TestLen(t *testing.T) {
	m := New[int, int]()
	m.Put(1, 1)
	m.Put(2, 2)

	if m.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", m.Len())
	}
}

func TestRangeVisitsAll(t *testing.T) {
	m := New[int, int]()
	for i := 0; i < 5; i++ {
		m.Put(i, i*i)
	}

	seen := make(map[int]int)
	m.Range(func(k, v int) bool {
		seen[k] = v
		return true
	})

	if len(seen) != 5 {
		t.Fatalf("Range visited %d entries, want 5", len(seen))
	}
}

func TestRangeStopsEarly(t *testing.T) {
	m := New[int, int]()
	for i := 0; i < 10; i++ {
		m.Put(i, i)
	}

	count := 0
	m.Range(func(k, v int) bool {
		count++
		return count < 3
	})

	if count != 3 {
		t.Fatalf("Range ran %d iterations, want 3", count)
	}
}
