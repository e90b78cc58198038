package peer

import (
	"context"
	"crypto/sha1"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/metabit/internal/config"
)

// dialWorkers is the number of concurrent outbound connection attempts the
// registry runs at once.
const dialWorkers = 10

// Registry tracks every peer address known for one metadata download: the
// pool of untried candidates discovered via DHT/tracker/PEX, the set of
// currently connected peers, and addresses to never retry.
type Registry struct {
	cfg      *config.Config
	log      *slog.Logger
	infoHash [sha1.Size]byte

	mu       sync.RWMutex
	active   map[netip.AddrPort]*Peer
	ignored  map[netip.AddrPort]struct{}

	candidates chan netip.AddrPort
	stats      *RegistryStats
	gate       *discoveryGate

	handlers Opts // callback set forwarded to every new Peer
}

// RegistryStats are atomic counters aggregated across the registry's
// lifetime.
type RegistryStats struct {
	Active           atomic.Int32
	Connecting       atomic.Int32
	FailedConnection atomic.Uint32
	TotalAdmitted    atomic.Uint32
}

// RegistryMetrics is a point-in-time snapshot of RegistryStats.
type RegistryMetrics struct {
	Active           int32
	Connecting       int32
	FailedConnection uint32
	TotalAdmitted    uint32
}

// NewRegistry constructs a Registry for one info hash. private seeds the
// registry's discovery gate; if true, every peer dialed from the start
// leaves ut_pex and ut_holepunch out of its extended handshake and PEX
// candidates are rejected immediately.
func NewRegistry(log *slog.Logger, infoHash [sha1.Size]byte, private bool, handlers Opts) *Registry {
	cfg := config.Load()
	r := &Registry{
		cfg:        cfg,
		log:        log.With("component", "peer registry"),
		infoHash:   infoHash,
		active:     make(map[netip.AddrPort]*Peer),
		ignored:    make(map[netip.AddrPort]struct{}),
		candidates: make(chan netip.AddrPort, cfg.MaxPeers*4),
		stats:      &RegistryStats{},
		gate:       newDiscoveryGate(),
		handlers:   handlers,
	}
	if private {
		r.gate.EngagePrivate()
	}
	return r
}

// SetExternalIP wires the registry's candidate gate to reject addresses
// matching this host's externally visible address.
func (r *Registry) SetExternalIP(ip netip.Addr) {
	r.gate.SetExternalIP(ip)
}

// SetStopDHT installs the callback invoked once when a private flag is
// first observed on this download.
func (r *Registry) SetStopDHT(fn func()) {
	r.gate.SetStopDHT(fn)
}

// EngagePrivate marks this download private: PEX candidates are rejected
// from here on and the installed stop-DHT callback fires once.
func (r *Registry) EngagePrivate() {
	r.gate.EngagePrivate()
}

// AddCandidate is the single fan-in entry point for every discovery source
// (DHT get_peers results, tracker announce responses, PEX entries, and
// hole-punch connect callbacks). It applies the shared rejection rules
// (self, loopback/unspecified, private-mode PEX) before falling through to
// the active/ignored checks Admit uses.
func (r *Registry) AddCandidate(addr netip.AddrPort, source PeerSource, transport Transport) {
	if !r.gate.accept(addr, source) {
		return
	}

	r.Admit([]netip.AddrPort{addr})
}

// Run starts the dial worker pool and the idle-peer maintenance loop. It
// blocks until ctx is canceled.
func (r *Registry) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.maintenanceLoop(ctx)
	}()

	for i := 0; i < dialWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.dialerLoop(ctx)
		}()
	}

	wg.Wait()
}

// Admit enqueues newly discovered addresses as dial candidates. Addresses
// that are already active or ignored are dropped silently; an address still
// waiting in the candidate queue is not detected, so it can be queued more
// than once. A private torrent's registry still accepts candidates
// found via a tracker (the only discovery path BEP 27 allows), since
// private-mode gating happens at the discovery-source level, not here.
func (r *Registry) Admit(addrs []netip.AddrPort) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, addr := range addrs {
		if _, dup := r.active[addr]; dup {
			continue
		}
		if _, ignored := r.ignored[addr]; ignored {
			continue
		}

		select {
		case r.candidates <- addr:
			r.stats.TotalAdmitted.Add(1)
		default:
			r.log.Warn("candidate queue full; dropping", "addr", addr)
		}
	}
}

// Ignore permanently excludes addr from future dial attempts (e.g. after a
// peer sends a handshake for the wrong info hash).
func (r *Registry) Ignore(addr netip.AddrPort) {
	r.mu.Lock()
	r.ignored[addr] = struct{}{}
	r.mu.Unlock()
}

// Get returns the active connection for addr, if any.
func (r *Registry) Get(addr netip.AddrPort) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.active[addr]
	return p, ok
}

// Active returns a snapshot of all currently connected peers.
func (r *Registry) Active() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]*Peer, 0, len(r.active))
	for _, p := range r.active {
		peers = append(peers, p)
	}
	return peers
}

// Stats returns a snapshot of aggregate registry counters.
func (r *Registry) Stats() RegistryMetrics {
	return RegistryMetrics{
		Active:           r.stats.Active.Load(),
		Connecting:       r.stats.Connecting.Load(),
		FailedConnection: r.stats.FailedConnection.Load(),
		TotalAdmitted:    r.stats.TotalAdmitted.Load(),
	}
}

func (r *Registry) addPeer(ctx context.Context, addr netip.AddrPort) (*Peer, error) {
	r.mu.RLock()
	_, dup := r.active[addr]
	total := len(r.active)
	r.mu.RUnlock()

	if dup {
		return nil, nil
	}
	if total >= r.cfg.MaxPeers {
		return nil, nil
	}

	r.stats.Connecting.Add(1)
	defer r.stats.Connecting.Add(-1)

	opts := r.handlers
	opts.InfoHash = r.infoHash
	opts.Private = r.gate.isPrivate()

	p, err := New(ctx, addr, &opts)
	if err != nil {
		r.stats.FailedConnection.Add(1)
		return nil, err
	}

	r.mu.Lock()
	r.active[addr] = p
	r.mu.Unlock()
	r.stats.Active.Add(1)

	return p, nil
}

func (r *Registry) removePeer(addr netip.AddrPort) {
	r.mu.Lock()
	if _, exists := r.active[addr]; !exists {
		r.mu.Unlock()
		return
	}
	delete(r.active, addr)
	r.mu.Unlock()

	r.stats.Active.Add(-1)
}

func (r *Registry) dialerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case addr, ok := <-r.candidates:
			if !ok {
				return
			}

			p, err := r.addPeer(ctx, addr)
			if err != nil {
				r.log.Debug("peer dial failed", "addr", addr, "error", err)
				continue
			}
			if p == nil {
				continue
			}

			go func(p *Peer) {
				defer r.removePeer(p.Addr())
				_ = p.Run(ctx)
			}(p)
		}
	}
}

func (r *Registry) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			maxIdle := r.cfg.PeerInactivityDuration

			var idle []netip.AddrPort
			r.mu.RLock()
			for addr, p := range r.active {
				if p.Idleness() > maxIdle {
					idle = append(idle, addr)
				}
			}
			r.mu.RUnlock()

			for _, addr := range idle {
				if p, ok := r.Get(addr); ok {
					p.Close()
				}
				r.removePeer(addr)
			}

			if n := len(idle); n > 0 {
				r.log.Info("evicted idle peers", "count", n)
			}
		}
	}
}
