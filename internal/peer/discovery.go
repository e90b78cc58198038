package peer

import (
	"net/netip"
	"sync"

	"github.com/prxssh/metabit/internal/protocol"
)

// PeerSource records where a candidate address came from, for logging and
// for the private-torrent gate (PEX is rejected once a private flag has
// been seen; DHT/tracker/hole-punch are not PEX and remain allowed).
type PeerSource uint8

const (
	PeerSourceDHT PeerSource = iota
	PeerSourceTracker
	PeerSourcePEX
	PeerSourceHolepunch
)

func (s PeerSource) String() string {
	switch s {
	case PeerSourceDHT:
		return "dht"
	case PeerSourceTracker:
		return "tracker"
	case PeerSourcePEX:
		return "pex"
	case PeerSourceHolepunch:
		return "holepunch"
	default:
		return "unknown"
	}
}

// Transport records which wire transport a candidate should be dialed over.
type Transport uint8

const (
	TransportTCP Transport = iota
	TransportUTP
)

// discoveryGate centralizes the candidate-acceptance rules shared by every
// discovery source (DHT get_peers results, tracker announce responses, PEX
// entries, hole-punch connect callbacks): reject unspecified and loopback
// addresses, the local external address, and PEX-sourced candidates once the
// download is private. Active and ignored addresses are filtered afterwards
// by Registry.Admit. It also owns the sticky private-torrent flag: once a peer's
// extended handshake advertises private=1, the DHT subsystem is stopped and
// all further PEX-sourced candidates are rejected for the rest of this
// download's lifetime.
type discoveryGate struct {
	externalIP netip.Addr

	mu       sync.Mutex
	private  bool
	stopDHT  func()
	stopOnce sync.Once
}

func newDiscoveryGate() *discoveryGate {
	return &discoveryGate{}
}

// SetExternalIP records this host's externally visible address so
// candidates matching it (a peer announcing ourselves back to us) are
// rejected.
func (g *discoveryGate) SetExternalIP(ip netip.Addr) {
	g.mu.Lock()
	g.externalIP = ip
	g.mu.Unlock()
}

// SetStopDHT installs the callback invoked exactly once when a private flag
// is first observed.
func (g *discoveryGate) SetStopDHT(fn func()) {
	g.mu.Lock()
	g.stopDHT = fn
	g.mu.Unlock()
}

// EngagePrivate marks this download as private. Safe to call repeatedly;
// only the first call stops the DHT subsystem.
func (g *discoveryGate) EngagePrivate() {
	g.mu.Lock()
	g.private = true
	stop := g.stopDHT
	g.mu.Unlock()

	g.stopOnce.Do(func() {
		if stop != nil {
			stop()
		}
	})
}

func (g *discoveryGate) isPrivate() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.private
}

// accept applies the shared rejection rules that don't depend on the
// registry's connection bookkeeping (those, active and ignored addresses,
// are enforced by Registry.Admit, which AddCandidate calls next).
func (g *discoveryGate) accept(addr netip.AddrPort, source PeerSource) bool {
	if source == PeerSourcePEX && g.isPrivate() {
		return false
	}

	ip := addr.Addr()
	if ip.IsUnspecified() || ip.IsLoopback() {
		return false
	}

	g.mu.Lock()
	external := g.externalIP
	g.mu.Unlock()

	if external.IsValid() && ip == external {
		return false
	}

	return true
}

// ClassifyPEXPeer decides, for one PEX-advertised entry, whether it should
// become an ordinary dial candidate or trigger a hole-punch rendezvous
// instead. A peer whose flags carry PEXFlagHolepunchable is assumed
// unreachable by direct dial (the uTP flag alone does not count) and gets a rendezvous request through the
// common peer that sent us this PEX entry; no candidate is added for it
// yet; a successful hole-punch connect callback adds one later with source
// PeerSourceHolepunch.
func ClassifyPEXPeer(p protocol.PEXPeer) (rendezvous bool) {
	return p.Flags&protocol.PEXFlagHolepunchable != 0
}
