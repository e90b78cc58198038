package cache

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestGetMissReportsNotFound(t *testing.T) {
	s := New(t.TempDir())

	_, ok := s.Get([20]byte{1})
	if ok {
		t.Fatal("Get on an empty cache should report ok=false")
	}
}

func TestPutThenGetRoundTrips(t *testing.T) {
	s := New(t.TempDir())
	hash := [20]byte{0xAB, 0xCD}
	want := []byte("bencoded info dictionary goes here")

	if err := s.Put(hash, want); err != nil {
		t.Fatalf("Put error: %v", err)
	}

	got, ok := s.Get(hash)
	if !ok {
		t.Fatal("Get after Put should report ok=true")
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("Get = %q, want %q", got, want)
	}
}

func TestPutCreatesDirectoryOnDemand(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "cache")
	s := New(dir)

	if err := s.Put([20]byte{1}, []byte("x")); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("cache directory was not created: %v", err)
	}
}

func TestPutLeavesNoTempFilesBehind(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	if err := s.Put([20]byte{2}, []byte("data")); err != nil {
		t.Fatalf("Put error: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir error: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" || e.Name()[0] == '.' {
			t.Fatalf("leftover temp file: %s", e.Name())
		}
	}
}

func TestDifferentHashesDoNotCollide(t *testing.T) {
	s := New(t.TempDir())

	a, b := [20]byte{1}, [20]byte{2}
	s.Put(a, []byte("a-data"))
	s.Put(b, []byte("b-data"))

	gotA, _ := s.Get(a)
	gotB, _ := s.Get(b)
	if !bytes.Equal(gotA, []byte("a-data")) || !bytes.Equal(gotB, []byte("b-data")) {
		t.Fatalf("cache entries collided: a=%q b=%q", gotA, gotB)
	}
}
