package dht

import (
	"crypto/sha1"
	"net"
	"testing"
)

func TestRoutingTableInsertAndGet(t *testing.T) {
	var local [sha1.Size]byte
	rt := NewRoutingTable(local)

	c := newTestContact(1)
	if !rt.Insert(c) {
		t.Fatal("Insert() = false, want true")
	}
	if got := rt.Get(c.ID()); got != c {
		t.Fatalf("Get() = %v, want %v", got, c)
	}
	if rt.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", rt.Size())
	}
}

func TestRoutingTableRejectsSelf(t *testing.T) {
	var local [sha1.Size]byte
	local[19] = 7
	rt := NewRoutingTable(local)

	self := NewContact(NewNodeWithID(local, net.ParseIP("10.0.0.1"), 6881))
	if rt.Insert(self) {
		t.Fatal("Insert(self) = true, want false")
	}
}

func TestRoutingTableFindClosestK(t *testing.T) {
	var local [sha1.Size]byte
	rt := NewRoutingTable(local)

	for i := byte(1); i <= 20; i++ {
		rt.Insert(newTestContact(i))
	}

	var target [sha1.Size]byte
	closest := rt.FindClosestK(target, 5)
	if len(closest) != 5 {
		t.Fatalf("len(FindClosestK) = %d, want 5", len(closest))
	}

	for i := 1; i < len(closest); i++ {
		if CompareDistance(target, closest[i-1].ID(), closest[i].ID()) > 0 {
			t.Fatalf("FindClosestK results not sorted by distance at index %d", i)
		}
	}
}

func TestRoutingTableRemove(t *testing.T) {
	var local [sha1.Size]byte
	rt := NewRoutingTable(local)

	c := newTestContact(3)
	rt.Insert(c)

	if !rt.Remove(c.ID()) {
		t.Fatal("Remove() = false, want true")
	}
	if rt.Get(c.ID()) != nil {
		t.Fatal("Get() after Remove should return nil")
	}
}
