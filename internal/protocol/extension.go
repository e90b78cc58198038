package protocol

import (
	"fmt"
	"net/netip"

	"github.com/prxssh/metabit/internal/bencode"
)

// Well-known extension names negotiated through the "m" dictionary of the
// extended handshake (BEP 10).
const (
	ExtensionUTMetadata  = "ut_metadata"
	ExtensionUTPex       = "ut_pex"
	ExtensionUTHolepunch = "ut_holepunch"
)

// ExtendedHandshake is the BEP-10 extended handshake payload, sent as the
// body of an Extended message with sub-id ExtendedHandshakeID.
type ExtendedHandshake struct {
	// M maps extension name to the sub-id the sender wants to use for it.
	// A zero value for a given key means the sender supports the
	// extension no more ("turning it off" per BEP 10).
	M map[string]int64

	// MetadataSize is the peer's belief about the size of the info
	// dictionary in bytes; present once the peer itself has the metadata.
	MetadataSize *int64

	// Private mirrors the torrent's own private flag, when the peer
	// chooses to advertise it.
	Private *bool

	Version string
}

// MarshalBinary bencodes the handshake into its wire dictionary form.
func (h *ExtendedHandshake) MarshalBinary() ([]byte, error) {
	m := make(map[string]any, len(h.M))
	for name, id := range h.M {
		m[name] = id
	}

	dict := map[string]any{"m": m}
	if h.MetadataSize != nil {
		dict["metadata_size"] = *h.MetadataSize
	}
	if h.Private != nil {
		if *h.Private {
			dict["private"] = int64(1)
		} else {
			dict["private"] = int64(0)
		}
	}
	if h.Version != "" {
		dict["v"] = h.Version
	}

	return bencode.Marshal(dict)
}

// DecodeExtendedHandshake parses a bencoded extended handshake dictionary.
func DecodeExtendedHandshake(body []byte) (*ExtendedHandshake, error) {
	v, err := bencode.Unmarshal(body)
	if err != nil {
		return nil, fmt.Errorf("protocol: decode extended handshake: %w", err)
	}
	dict, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("protocol: extended handshake is not a dictionary")
	}

	h := &ExtendedHandshake{M: map[string]int64{}}

	if mv, ok := dict["m"].(map[string]any); ok {
		for name, idv := range mv {
			if id, ok := idv.(int64); ok {
				h.M[name] = id
			}
		}
	}
	if ms, ok := dict["metadata_size"].(int64); ok {
		h.MetadataSize = &ms
	}
	if p, ok := dict["private"].(int64); ok {
		priv := p != 0
		h.Private = &priv
	}
	if v, ok := dict["v"].(string); ok {
		h.Version = v
	}

	return h, nil
}

// SupportsExtension reports whether the handshake advertises name with a
// non-zero sub-id.
func (h *ExtendedHandshake) SupportsExtension(name string) bool {
	id, ok := h.M[name]
	return ok && id != 0
}

// ut_metadata message types (BEP 9).
const (
	UTMetadataRequest uint8 = 0
	UTMetadataData    uint8 = 1
	UTMetadataReject  uint8 = 2
)

// UTMetadataMessage is a single ut_metadata extension message: a bencoded
// dictionary header optionally followed by a raw metadata piece for
// msg_type=data.
type UTMetadataMessage struct {
	Type      uint8
	Piece     int
	TotalSize int // only meaningful for Type == UTMetadataData
	Data      []byte
}

// EncodeUTMetadataRequest builds a metadata piece request body.
func EncodeUTMetadataRequest(piece int) ([]byte, error) {
	return bencode.MarshalDict(map[string]any{
		"msg_type": int64(UTMetadataRequest),
		"piece":    int64(piece),
	})
}

// EncodeUTMetadataData builds a metadata piece data body: the bencoded
// header followed by the raw piece bytes, matching BEP 9's wire layout
// exactly (no re-encoding of the piece bytes themselves).
func EncodeUTMetadataData(piece, totalSize int, data []byte) ([]byte, error) {
	header, err := bencode.MarshalDict(map[string]any{
		"msg_type":   int64(UTMetadataData),
		"piece":      int64(piece),
		"total_size": int64(totalSize),
	})
	if err != nil {
		return nil, err
	}
	return append(header, data...), nil
}

// EncodeUTMetadataReject builds a metadata piece rejection body.
func EncodeUTMetadataReject(piece int) ([]byte, error) {
	return bencode.MarshalDict(map[string]any{
		"msg_type": int64(UTMetadataReject),
		"piece":    int64(piece),
	})
}

// DecodeUTMetadataMessage parses a ut_metadata extension message body. The
// bencoded dictionary prefix is located with SplitDictPrefix so that any
// trailing raw piece bytes (present only for msg_type=data) are never run
// through the bencode decoder.
func DecodeUTMetadataMessage(body []byte) (*UTMetadataMessage, error) {
	dict, rest, ok := bencode.SplitDictPrefix(body)
	if !ok {
		return nil, fmt.Errorf("protocol: ut_metadata message has no bencoded dictionary prefix")
	}

	msgType, _ := dict["msg_type"].(int64)
	piece, _ := dict["piece"].(int64)

	m := &UTMetadataMessage{Type: uint8(msgType), Piece: int(piece)}
	if m.Type == UTMetadataData {
		if ts, ok := dict["total_size"].(int64); ok {
			m.TotalSize = int(ts)
		}
		m.Data = rest
	}
	return m, nil
}

// PEXPeer is a single peer entry carried in a ut_pex message.
type PEXPeer struct {
	Addr    netip.AddrPort
	Flags   byte
	Dropped bool
}

// PEXFlag bits for the added.f/added6.f byte strings (BEP 11).
const (
	PEXFlagPrefersEncryption byte = 1 << 0
	PEXFlagIsSeedOnly        byte = 1 << 1
	PEXFlagSupportsUTPex     byte = 1 << 2
	PEXFlagHolepunchable     byte = 1 << 3
)

// DecodePEX parses a ut_pex message body into a flat peer list, decoding
// both the IPv4 (added/added.f) and IPv6 (added6/added6.f) compact forms and
// marking entries found only in dropped/dropped6 as Dropped.
func DecodePEX(body []byte) ([]PEXPeer, error) {
	v, err := bencode.Unmarshal(body)
	if err != nil {
		return nil, fmt.Errorf("protocol: decode ut_pex: %w", err)
	}
	dict, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("protocol: ut_pex message is not a dictionary")
	}

	var peers []PEXPeer
	peers = append(peers, decodeCompactPeers(dictBytes(dict, "added"), dictBytes(dict, "added.f"), 4, false)...)
	peers = append(peers, decodeCompactPeers(dictBytes(dict, "added6"), dictBytes(dict, "added6.f"), 16, false)...)
	peers = append(peers, decodeCompactPeers(dictBytes(dict, "dropped"), nil, 4, true)...)
	peers = append(peers, decodeCompactPeers(dictBytes(dict, "dropped6"), nil, 16, true)...)

	return peers, nil
}

func dictBytes(dict map[string]any, key string) []byte {
	s, _ := dict[key].(string)
	return []byte(s)
}

func decodeCompactPeers(addrs, flags []byte, addrLen int, dropped bool) []PEXPeer {
	entryLen := addrLen + 2
	n := len(addrs) / entryLen

	peers := make([]PEXPeer, 0, n)
	for i := 0; i < n; i++ {
		entry := addrs[i*entryLen : (i+1)*entryLen]

		var addr netip.Addr
		if addrLen == 4 {
			addr = netip.AddrFrom4([4]byte(entry[:4]))
		} else {
			addr = netip.AddrFrom16([16]byte(entry[:16]))
		}
		port := uint16(entry[addrLen])<<8 | uint16(entry[addrLen+1])

		var flag byte
		if i < len(flags) {
			flag = flags[i]
		}

		peers = append(peers, PEXPeer{
			Addr:    netip.AddrPortFrom(addr, port),
			Flags:   flag,
			Dropped: dropped,
		})
	}
	return peers
}

// Hole-punch message types (BEP 55).
const (
	HolepunchRendezvous uint8 = 0
	HolepunchConnect    uint8 = 1
	HolepunchError      uint8 = 2
)

// HolepunchErrorCode values (BEP 55).
const (
	HolepunchErrNone            uint8 = 0
	HolepunchErrNoSuchPeer      uint8 = 1
	HolepunchErrNotConnected    uint8 = 2
	HolepunchErrNoSupport       uint8 = 3
	HolepunchErrNoSelf          uint8 = 4
)

// HolepunchMessage is a ut_holepunch extension message body.
//
// Wire format: <msg_type:1><addr_family:1><addr:4|16><port:2>[<error_code:4>]
type HolepunchMessage struct {
	Type      uint8
	Addr      netip.Addr
	Port      uint16
	ErrorCode uint8
}

// EncodeHolepunch builds a ut_holepunch message body.
func EncodeHolepunch(msgType uint8, addr netip.Addr, port uint16, errCode uint8) []byte {
	var af byte = 1
	var body []byte
	if addr.Is6() && !addr.Is4In6() {
		af = 4
		a16 := addr.As16()
		body = a16[:]
	} else {
		a4 := addr.As4()
		body = a4[:]
	}

	out := make([]byte, 0, 2+len(body)+2+4)
	out = append(out, msgType, af)
	out = append(out, body...)
	out = append(out, byte(port>>8), byte(port))
	if msgType == HolepunchError {
		out = append(out, 0, 0, 0, errCode)
	}
	return out
}

// DecodeHolepunch parses a ut_holepunch message body.
func DecodeHolepunch(body []byte) (*HolepunchMessage, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("protocol: ut_holepunch message too short")
	}

	msgType, af := body[0], body[1]
	var addrLen int
	switch af {
	case 1:
		addrLen = 4
	case 4:
		addrLen = 16
	default:
		return nil, fmt.Errorf("protocol: ut_holepunch unknown address family %d", af)
	}

	if len(body) < 2+addrLen+2 {
		return nil, fmt.Errorf("protocol: ut_holepunch message too short for address family %d", af)
	}

	var addr netip.Addr
	if addrLen == 4 {
		addr = netip.AddrFrom4([4]byte(body[2 : 2+addrLen]))
	} else {
		addr = netip.AddrFrom16([16]byte(body[2 : 2+addrLen]))
	}
	port := uint16(body[2+addrLen])<<8 | uint16(body[2+addrLen+1])

	m := &HolepunchMessage{Type: msgType, Addr: addr, Port: port}
	if msgType == HolepunchError && len(body) >= 2+addrLen+2+4 {
		m.ErrorCode = body[2+addrLen+5]
	}
	return m, nil
}
