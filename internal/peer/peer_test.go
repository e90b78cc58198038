package peer

import (
	"net/netip"
	"testing"

	"github.com/prxssh/metabit/internal/bencode"
	"github.com/prxssh/metabit/internal/protocol"
)

func newTestPeer() *Peer {
	return &Peer{
		log:     testLogger(),
		addr:    netip.MustParseAddrPort("127.0.0.1:6881"),
		stats:   &Stats{},
		remoteM: map[string]int64{},
		outbox:  make(chan *protocol.Message, 4),
	}
}

func TestHandleExtendedHandshakeStoresMetadataSize(t *testing.T) {
	p := newTestPeer()

	ms := int64(16384)
	h := &protocol.ExtendedHandshake{
		M:            map[string]int64{protocol.ExtensionUTMetadata: 5},
		MetadataSize: &ms,
	}
	body, err := h.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary error: %v", err)
	}

	if err := p.handleExtendedHandshake(body); err != nil {
		t.Fatalf("handleExtendedHandshake error: %v", err)
	}

	if !p.SupportsMetadata() {
		t.Fatal("SupportsMetadata() = false, want true")
	}
	size, ok := p.MetadataSize()
	if !ok || size != 16384 {
		t.Fatalf("MetadataSize() = (%d,%v), want (16384,true)", size, ok)
	}
}

func TestRequestMetadataPieceRequiresNegotiatedExtension(t *testing.T) {
	p := newTestPeer()

	if err := p.RequestMetadataPiece(0); err == nil {
		t.Fatal("expected error when ut_metadata hasn't been negotiated")
	}

	p.mu.Lock()
	p.remoteM[protocol.ExtensionUTMetadata] = 7
	p.mu.Unlock()

	if err := p.RequestMetadataPiece(0); err != nil {
		t.Fatalf("RequestMetadataPiece error after negotiation: %v", err)
	}

	select {
	case msg := <-p.outbox:
		id, body, ok := msg.ParseExtended()
		if !ok || id != 7 {
			t.Fatalf("ParseExtended = (%d,_,%v), want id=7", id, ok)
		}
		decoded, err := protocol.DecodeUTMetadataMessage(body)
		if err != nil {
			t.Fatalf("DecodeUTMetadataMessage error: %v", err)
		}
		if decoded.Type != protocol.UTMetadataRequest || decoded.Piece != 0 {
			t.Fatalf("decoded message = %+v, want request for piece 0", decoded)
		}
	default:
		t.Fatal("expected a message queued in outbox")
	}
}

func TestHandleMessageIgnoresClassicWireMessages(t *testing.T) {
	p := newTestPeer()

	if err := p.handleMessage(protocol.MessageHave(3)); err != nil {
		t.Fatalf("handleMessage(Have) error: %v", err)
	}
	if err := p.handleMessage(protocol.MessageBitfield([]byte{0xFF})); err != nil {
		t.Fatalf("handleMessage(Bitfield) error: %v", err)
	}
}

func TestRequestRendezvousRequiresNegotiatedExtension(t *testing.T) {
	p := newTestPeer()
	target := netip.MustParseAddrPort("10.0.0.9:6881")

	if err := p.RequestRendezvous(target); err == nil {
		t.Fatal("expected error when ut_holepunch hasn't been negotiated")
	}

	p.mu.Lock()
	p.remoteM[protocol.ExtensionUTHolepunch] = 3
	p.mu.Unlock()

	if err := p.RequestRendezvous(target); err != nil {
		t.Fatalf("RequestRendezvous error after negotiation: %v", err)
	}

	select {
	case msg := <-p.outbox:
		id, body, ok := msg.ParseExtended()
		if !ok || id != 3 {
			t.Fatalf("ParseExtended = (%d,_,%v), want id=3", id, ok)
		}
		decoded, err := protocol.DecodeHolepunch(body)
		if err != nil {
			t.Fatalf("DecodeHolepunch error: %v", err)
		}
		if decoded.Type != protocol.HolepunchRendezvous || decoded.Port != target.Port() {
			t.Fatalf("decoded message = %+v, want a rendezvous for %v", decoded, target)
		}
	default:
		t.Fatal("expected a message queued in outbox")
	}
}

func TestHandlePEXInvokesCallback(t *testing.T) {
	p := newTestPeer()

	var got []protocol.PEXPeer
	p.onPEX = func(_ netip.AddrPort, peers []protocol.PEXPeer) { got = peers }

	addr4 := netip.MustParseAddr("192.168.0.2").As4()
	added := append(append([]byte{}, addr4[:]...), 0x1A, 0xE1)

	body, err := bencode.MarshalDict(map[string]any{"added": string(added)})
	if err != nil {
		t.Fatalf("marshal pex body: %v", err)
	}

	if err := p.handlePEX(body); err != nil {
		t.Fatalf("handlePEX error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("onPEX received %d peers, want 1", len(got))
	}
}
