package peer

import (
	"io"
	"log/slog"
	"net/netip"
	"os"
	"testing"

	"github.com/prxssh/metabit/internal/config"
)

func TestMain(m *testing.M) {
	if err := config.Init(); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistryAdmitDedup(t *testing.T) {
	r := NewRegistry(testLogger(), [20]byte{}, false, Opts{Log: testLogger()})

	addr := netip.MustParseAddrPort("10.0.0.1:6881")
	r.Admit([]netip.AddrPort{addr, addr})

	if got := len(r.candidates); got != 2 {
		t.Fatalf("candidates queued = %d, want 2 (Admit itself doesn't dedupe repeats in one call)", got)
	}

	r.mu.Lock()
	r.active[addr] = &Peer{addr: addr}
	r.mu.Unlock()

	r.Admit([]netip.AddrPort{addr})
	if got := len(r.candidates); got != 2 {
		t.Fatalf("candidates after admitting an active addr = %d, want 2 (unchanged)", got)
	}
}

func TestRegistryIgnore(t *testing.T) {
	r := NewRegistry(testLogger(), [20]byte{}, false, Opts{Log: testLogger()})

	addr := netip.MustParseAddrPort("10.0.0.2:6881")
	r.Ignore(addr)
	r.Admit([]netip.AddrPort{addr})

	if got := len(r.candidates); got != 0 {
		t.Fatalf("candidates after admitting an ignored addr = %d, want 0", got)
	}
}

func TestRegistryAddCandidateRejectsLoopback(t *testing.T) {
	r := NewRegistry(testLogger(), [20]byte{}, false, Opts{Log: testLogger()})

	r.AddCandidate(netip.MustParseAddrPort("127.0.0.1:6881"), PeerSourceDHT, TransportTCP)
	if got := len(r.candidates); got != 0 {
		t.Fatalf("candidates after a loopback AddCandidate = %d, want 0", got)
	}
}

func TestRegistryAddCandidateRejectsPEXWhenPrivate(t *testing.T) {
	r := NewRegistry(testLogger(), [20]byte{}, false, Opts{Log: testLogger()})
	r.EngagePrivate()

	r.AddCandidate(netip.MustParseAddrPort("10.0.0.5:6881"), PeerSourcePEX, TransportTCP)
	if got := len(r.candidates); got != 0 {
		t.Fatalf("candidates after a private-mode PEX AddCandidate = %d, want 0", got)
	}
}

func TestRegistryPrivateFlagUpdatesDynamically(t *testing.T) {
	r := NewRegistry(testLogger(), [20]byte{}, false, Opts{Log: testLogger()})

	if r.gate.isPrivate() {
		t.Fatal("registry constructed with private=false should not start private")
	}

	r.EngagePrivate()

	if !r.gate.isPrivate() {
		t.Fatal("EngagePrivate should flip the gate's private flag, which addPeer reads at dial time")
	}
}

func TestRegistryAddCandidateAcceptsTracker(t *testing.T) {
	r := NewRegistry(testLogger(), [20]byte{}, false, Opts{Log: testLogger()})

	r.AddCandidate(netip.MustParseAddrPort("10.0.0.6:6881"), PeerSourceTracker, TransportTCP)
	if got := len(r.candidates); got != 1 {
		t.Fatalf("candidates after a valid AddCandidate = %d, want 1", got)
	}
}

func TestRegistryStatsSnapshot(t *testing.T) {
	r := NewRegistry(testLogger(), [20]byte{}, false, Opts{Log: testLogger()})
	r.stats.Active.Store(3)
	r.stats.TotalAdmitted.Store(7)

	got := r.Stats()
	if got.Active != 3 || got.TotalAdmitted != 7 {
		t.Fatalf("Stats() = %+v, want Active=3 TotalAdmitted=7", got)
	}
}
