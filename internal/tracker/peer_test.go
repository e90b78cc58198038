package tracker

import (
	"net/netip"
	"testing"
)

func TestDecodeCompactPeersV4(t *testing.T) {
	data := []byte{192, 168, 1, 1, 0x1A, 0xE1, 10, 0, 0, 1, 0x1A, 0xE2}
	peers, err := decodePeers(string(data), false)
	if err != nil {
		t.Fatalf("decodePeers error: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("len(peers) = %d, want 2", len(peers))
	}
	if peers[0] != netip.MustParseAddrPort("192.168.1.1:6881") {
		t.Fatalf("peers[0] = %v, want 192.168.1.1:6881", peers[0])
	}
}

func TestDecodeCompactPeersMalformedLength(t *testing.T) {
	if _, err := decodePeers(string([]byte{1, 2, 3}), false); err == nil {
		t.Fatal("expected error for malformed compact peers length")
	}
}

func TestDecodeDictPeers(t *testing.T) {
	list := []any{
		map[string]any{"ip": "10.0.0.5", "port": int64(6881)},
		map[string]any{"ip": []byte{192, 168, 0, 2}, "port": int64(6882)},
	}
	peers, err := decodePeers(list, false)
	if err != nil {
		t.Fatalf("decodePeers error: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("len(peers) = %d, want 2", len(peers))
	}
	if peers[0].Addr().String() != "10.0.0.5" || peers[0].Port() != 6881 {
		t.Fatalf("peers[0] = %v", peers[0])
	}
	if peers[1].Addr().String() != "192.168.0.2" || peers[1].Port() != 6882 {
		t.Fatalf("peers[1] = %v", peers[1])
	}
}

func TestDecodeDictPeersRejectsBadPort(t *testing.T) {
	list := []any{map[string]any{"ip": "10.0.0.5", "port": int64(99999)}}
	if _, err := decodePeers(list, false); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}
