package protocol

import (
	"net/netip"
	"testing"

	"github.com/prxssh/metabit/internal/bencode"
)

func TestExtendedHandshakeRoundTrip(t *testing.T) {
	ms := int64(34816)
	priv := true
	h := &ExtendedHandshake{
		M:            map[string]int64{ExtensionUTMetadata: 1, ExtensionUTPex: 2},
		MetadataSize: &ms,
		Private:      &priv,
		Version:      "metabit/1.0",
	}

	b, err := h.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary error: %v", err)
	}

	got, err := DecodeExtendedHandshake(b)
	if err != nil {
		t.Fatalf("DecodeExtendedHandshake error: %v", err)
	}

	if got.M[ExtensionUTMetadata] != 1 || got.M[ExtensionUTPex] != 2 {
		t.Fatalf("M = %#v", got.M)
	}
	if got.MetadataSize == nil || *got.MetadataSize != ms {
		t.Fatalf("MetadataSize = %v, want %d", got.MetadataSize, ms)
	}
	if got.Private == nil || !*got.Private {
		t.Fatalf("Private = %v, want true", got.Private)
	}
	if !got.SupportsExtension(ExtensionUTMetadata) {
		t.Fatal("SupportsExtension(ut_metadata) = false")
	}
	if got.SupportsExtension(ExtensionUTHolepunch) {
		t.Fatal("SupportsExtension(ut_holepunch) should be false, not negotiated")
	}
}

func TestUTMetadataRequestDataReject(t *testing.T) {
	req, err := EncodeUTMetadataRequest(2)
	if err != nil {
		t.Fatalf("EncodeUTMetadataRequest error: %v", err)
	}
	decReq, err := DecodeUTMetadataMessage(req)
	if err != nil {
		t.Fatalf("DecodeUTMetadataMessage(request) error: %v", err)
	}
	if decReq.Type != UTMetadataRequest || decReq.Piece != 2 {
		t.Fatalf("request decode mismatch: %+v", decReq)
	}

	block := []byte("some-16kib-ish-block-of-bencoded-metadata")
	data, err := EncodeUTMetadataData(2, 32768, block)
	if err != nil {
		t.Fatalf("EncodeUTMetadataData error: %v", err)
	}
	decData, err := DecodeUTMetadataMessage(data)
	if err != nil {
		t.Fatalf("DecodeUTMetadataMessage(data) error: %v", err)
	}
	if decData.Type != UTMetadataData || decData.Piece != 2 || decData.TotalSize != 32768 {
		t.Fatalf("data decode mismatch: %+v", decData)
	}
	if string(decData.Data) != string(block) {
		t.Fatalf("data payload = %q, want %q", decData.Data, block)
	}

	rej, err := EncodeUTMetadataReject(5)
	if err != nil {
		t.Fatalf("EncodeUTMetadataReject error: %v", err)
	}
	decRej, err := DecodeUTMetadataMessage(rej)
	if err != nil {
		t.Fatalf("DecodeUTMetadataMessage(reject) error: %v", err)
	}
	if decRej.Type != UTMetadataReject || decRej.Piece != 5 {
		t.Fatalf("reject decode mismatch: %+v", decRej)
	}
}

func TestDecodePEX(t *testing.T) {
	ip4 := netip.MustParseAddr("192.168.1.1")
	a4 := ip4.As4()
	added := append(append([]byte{}, a4[:]...), 0x1A, 0xE1) // port 6881
	flags := []byte{PEXFlagSupportsUTPex}

	body, err := bencode.MarshalDict(map[string]any{
		"added":   string(added),
		"added.f": string(flags),
	})
	if err != nil {
		t.Fatalf("MarshalDict error: %v", err)
	}

	peers, err := DecodePEX(body)
	if err != nil {
		t.Fatalf("DecodePEX error: %v", err)
	}
	if len(peers) != 1 {
		t.Fatalf("len(peers) = %d, want 1", len(peers))
	}
	if peers[0].Addr.Addr() != ip4 || peers[0].Addr.Port() != 6881 {
		t.Fatalf("peer addr = %v, want %v:6881", peers[0].Addr, ip4)
	}
	if peers[0].Flags != PEXFlagSupportsUTPex {
		t.Fatalf("peer flags = %d, want %d", peers[0].Flags, PEXFlagSupportsUTPex)
	}
}

func TestHolepunchRoundTrip(t *testing.T) {
	addr := netip.MustParseAddr("10.0.0.5")
	body := EncodeHolepunch(HolepunchRendezvous, addr, 6881, HolepunchErrNone)

	got, err := DecodeHolepunch(body)
	if err != nil {
		t.Fatalf("DecodeHolepunch error: %v", err)
	}
	if got.Type != HolepunchRendezvous || got.Addr != addr || got.Port != 6881 {
		t.Fatalf("holepunch decode mismatch: %+v", got)
	}
}

func TestHolepunchErrorRoundTrip(t *testing.T) {
	addr := netip.MustParseAddr("10.0.0.5")
	body := EncodeHolepunch(HolepunchError, addr, 6881, HolepunchErrNotConnected)

	got, err := DecodeHolepunch(body)
	if err != nil {
		t.Fatalf("DecodeHolepunch error: %v", err)
	}
	if got.Type != HolepunchError || got.ErrorCode != HolepunchErrNotConnected {
		t.Fatalf("holepunch error decode mismatch: %+v", got)
	}
}

func TestHolepunchAddrFamilyWireBytes(t *testing.T) {
	v4 := EncodeHolepunch(HolepunchRendezvous, netip.MustParseAddr("10.0.0.5"), 6881, HolepunchErrNone)
	if v4[1] != 1 {
		t.Fatalf("IPv4 addr_type = %d, want 1", v4[1])
	}

	v6 := EncodeHolepunch(HolepunchRendezvous, netip.MustParseAddr("2001:db8::1"), 6881, HolepunchErrNone)
	if v6[1] != 4 {
		t.Fatalf("IPv6 addr_type = %d, want 4 (BEP 55)", v6[1])
	}

	got, err := DecodeHolepunch(v6)
	if err != nil {
		t.Fatalf("DecodeHolepunch error: %v", err)
	}
	if got.Addr != netip.MustParseAddr("2001:db8::1") {
		t.Fatalf("holepunch decode addr = %v, want 2001:db8::1", got.Addr)
	}
}
