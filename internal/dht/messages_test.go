package dht

import (
	"crypto/sha1"
	"testing"
)

func TestPingQueryRoundTrip(t *testing.T) {
	var id [sha1.Size]byte
	id[0] = 9

	msg := PingQuery("aa", id)
	if !msg.IsQuery() || msg.Q != PingMethod {
		t.Fatalf("PingQuery() = %+v, want a ping query", msg)
	}

	got, ok := msg.GetNodeID()
	if !ok || got != id {
		t.Fatalf("GetNodeID() = (%v,%v), want (%v,true)", got, ok, id)
	}
}

func TestGetPeersQueryFields(t *testing.T) {
	var id, infoHash [sha1.Size]byte
	id[0], infoHash[0] = 1, 2

	msg := GetPeersQuery("bb", id, infoHash)

	gotID, ok := msg.GetNodeID()
	if !ok || gotID != id {
		t.Fatalf("GetNodeID() = (%v,%v), want (%v,true)", gotID, ok, id)
	}

	gotHash, ok := msg.GetInfoHash()
	if !ok || gotHash != infoHash {
		t.Fatalf("GetInfoHash() = (%v,%v), want (%v,true)", gotHash, ok, infoHash)
	}
}

func TestAnnouncePeerQueryFields(t *testing.T) {
	var id, infoHash [sha1.Size]byte
	msg := AnnouncePeerQuery("cc", id, infoHash, 6881, "tok")

	if got, ok := msg.A["port"].(int); !ok || got != 6881 {
		t.Fatalf("A[port] = (%v,%v), want (6881,true)", got, ok)
	}
	token, ok := msg.GetToken()
	if !ok || token != "tok" {
		t.Fatalf("GetToken() = (%q,%v), want (\"tok\",true)", token, ok)
	}
}

func TestGetTargetOnlyValidForQueries(t *testing.T) {
	msg := NewResponse("dd")
	if _, ok := msg.GetTarget(); ok {
		t.Fatal("GetTarget() on a response message should be false")
	}
}
