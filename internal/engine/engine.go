// Package engine orchestrates one metadata download: it wires peer
// discovery (DHT, tracker, PEX, hole-punch), the request scheduler, the
// metadata assembler, and the cache store into a single event-driven
// lifecycle and reports progress through the events package.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/metabit/internal/assembler"
	"github.com/prxssh/metabit/internal/cache"
	"github.com/prxssh/metabit/internal/config"
	"github.com/prxssh/metabit/internal/dht"
	"github.com/prxssh/metabit/internal/events"
	"github.com/prxssh/metabit/internal/magnet"
	"github.com/prxssh/metabit/internal/peer"
	"github.com/prxssh/metabit/internal/protocol"
	"github.com/prxssh/metabit/internal/scheduler"
	"github.com/prxssh/metabit/internal/tracker"
	"golang.org/x/sync/errgroup"
)

const (
	stateIdle int32 = iota
	stateRunning
)

// pollInterval is how often the scheduler sweeps for expired block timers.
const pollInterval = 1 * time.Second

// dhtPollInterval is how often a started DHT is asked for get_peers results
// while the download is still in progress.
const dhtPollInterval = 30 * time.Second

var ErrAlreadyRunning = errors.New("engine: download already running")

// Engine drives a single torrent's metadata acquisition from a parsed
// magnet descriptor through to a verified info dictionary.
type Engine struct {
	log        *slog.Logger
	descriptor *magnet.Descriptor
	emitter    *events.Emitter
	cacheStore *cache.Store

	registry *peer.Registry
	sched    *scheduler.Scheduler
	trk      *tracker.Tracker
	node     *dht.DHT

	state  atomic.Int32
	cancel context.CancelFunc

	mu            sync.Mutex
	asm           *assembler.Assembler
	metaSizeKnown bool
}

// New builds an Engine for one descriptor. sink receives every event the
// download emits; it may be nil to discard them.
func New(log *slog.Logger, descriptor *magnet.Descriptor, sink events.Sink) *Engine {
	log = log.With("component", "engine", "info_hash", descriptor.InfoHash.Hex())
	cfg := config.Load()

	e := &Engine{
		log:        log,
		descriptor: descriptor,
		emitter:    events.NewEmitter(sink),
		cacheStore: cache.New(cfg.CacheDir),
	}

	e.sched = scheduler.New(log, &requestSender{registry: func() *peer.Registry { return e.registry }})

	e.registry = peer.NewRegistry(log, descriptor.InfoHash, false, peer.Opts{
		Log:              log,
		OnHandshake:      e.onHandshake,
		OnMetadataData:   e.onMetadataData,
		OnMetadataReject: e.onMetadataReject,
		OnPEX:            e.onPEX,
		OnHolepunch:      e.onHolepunch,
		OnDisconnect:     e.onDisconnect,
	})

	return e
}

// requestSender adapts the registry's active peer set to the scheduler's
// RequestSender interface; the registry field is resolved lazily via a
// closure since the scheduler is built before the registry that owns it.
type requestSender struct {
	registry func() *peer.Registry
}

func (s *requestSender) RequestMetadataPiece(addr netip.AddrPort, block int) error {
	p, ok := s.registry().Get(addr)
	if !ok {
		return fmt.Errorf("engine: no active peer for %s", addr)
	}
	return p.RequestMetadataPiece(block)
}

// Start begins the download. It returns immediately; progress is reported
// through the Sink passed to New. If the metadata is already cached, it
// emits MetaDataDownloadComplete synchronously and never touches the
// network.
func (e *Engine) Start(ctx context.Context) error {
	if !e.state.CompareAndSwap(stateIdle, stateRunning) {
		return ErrAlreadyRunning
	}

	if cached, ok := e.cacheStore.Get(e.descriptor.InfoHash); ok {
		e.log.Info("metadata cache hit")
		e.emitter.Complete(cached)
		e.state.Store(stateIdle)
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		e.registry.Run(gctx)
		return nil
	})

	if trk, err := e.buildTracker(); err != nil {
		e.log.Warn("tracker setup failed", "error", err)
	} else if trk != nil {
		e.trk = trk
		g.Go(func() error {
			return e.trk.Run(gctx)
		})
	}

	if config.Load().EnableDHT {
		dhtCtx, dhtCancel := context.WithCancel(gctx)
		e.registry.SetStopDHT(dhtCancel)

		if node, err := e.buildDHT(); err != nil {
			e.log.Warn("dht setup failed", "error", err)
		} else {
			e.mu.Lock()
			e.node = node
			e.mu.Unlock()
			g.Go(func() error {
				return e.runDHT(dhtCtx)
			})
		}
	}

	g.Go(func() error {
		e.pollLoop(gctx)
		return nil
	})

	go func() {
		_ = g.Wait()
		e.state.Store(stateIdle)
	}()

	return nil
}

// Stop cancels every subordinate loop and returns the engine to idle. It is
// idempotent.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}

	e.mu.Lock()
	node := e.node
	e.mu.Unlock()
	if node != nil {
		node.Stop()
	}

	e.state.Store(stateIdle)
}

func (e *Engine) buildTracker() (*tracker.Tracker, error) {
	trackers := e.descriptor.Trackers()
	if len(trackers) == 0 {
		return nil, nil
	}

	cfg := config.Load()

	// A magnet descriptor has no distinct primary-announce vs.
	// announce-list split (that is a .torrent-file concept); its tr=
	// tiers map directly onto buildAnnounceURLs' announceList parameter.
	return tracker.NewTracker("", e.descriptor.TrackerTiers, &tracker.TrackerOpts{
		Log: e.log,
		OnAnnounceStart: func() *tracker.AnnounceParams {
			return &tracker.AnnounceParams{
				InfoHash: e.descriptor.InfoHash,
				PeerID:   cfg.ClientID,
				Left:     1, // unknown until metadata arrives; BEP 9 convention
				Port:     cfg.ListenPort,
				NumWant:  cfg.NumWant,
				Event:    tracker.EventStarted,
			}
		},
		OnAnnounceSuccess: func(addrs []netip.AddrPort) {
			for _, addr := range addrs {
				e.registry.AddCandidate(addr, peer.PeerSourceTracker, peer.TransportTCP)
			}
		},
	})
}

func (e *Engine) buildDHT() (*dht.DHT, error) {
	cfg := config.Load()
	return dht.NewDHT(&dht.Config{
		Logger:         e.log,
		LocalID:        cfg.ClientID,
		ListenAddr:     fmt.Sprintf(":%d", cfg.ListenPort),
		BootstrapNodes: cfg.DHTBootstrapNodes,
	})
}

func (e *Engine) runDHT(ctx context.Context) error {
	if err := e.node.Start(); err != nil {
		return err
	}

	ticker := time.NewTicker(dhtPollInterval)
	defer ticker.Stop()

	poll := func() {
		addrs, err := e.node.GetPeers(e.descriptor.InfoHash)
		if err != nil {
			e.log.Debug("dht get_peers failed", "error", err)
			return
		}
		for _, a := range addrs {
			ap, ok := netAddrToAddrPort(a)
			if !ok {
				continue
			}
			e.registry.AddCandidate(ap, peer.PeerSourceDHT, peer.TransportTCP)
		}
	}

	poll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			poll()
		}
	}
}

func netAddrToAddrPort(a net.Addr) (netip.AddrPort, bool) {
	udp, ok := a.(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}, false
	}
	addr, ok := netip.AddrFromSlice(udp.IP)
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(udp.Port)), true
}

func (e *Engine) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.sched.PollTimeouts(now)
		}
	}
}

func (e *Engine) onHandshake(addr netip.AddrPort, h *protocol.ExtendedHandshake) {
	e.emitter.PeerConnected(addr)

	if h.Private != nil && *h.Private {
		e.registry.EngagePrivate()
		e.emitter.PrivateModeEngaged()
	}

	if !h.SupportsExtension(protocol.ExtensionUTMetadata) {
		return
	}

	if h.MetadataSize != nil {
		e.installMetadataSize(int(*h.MetadataSize))
	}

	e.sched.AddPeer(addr)
}

// installMetadataSize sets the assembler and scheduler's block count at
// most once per download attempt; later peers' reported sizes are ignored.
func (e *Engine) installMetadataSize(size int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.metaSizeKnown || size <= 0 {
		return
	}
	e.metaSizeKnown = true
	e.asm = assembler.New(e.log, e.descriptor.InfoHash, size)
	e.sched.SetBlockCount(e.asm.BlockCount())
}

func (e *Engine) onMetadataData(addr netip.AddrPort, msg *protocol.UTMetadataMessage) {
	if !e.sched.OnPieceReceived(addr, msg.Piece) {
		return
	}

	e.mu.Lock()
	asm := e.asm
	e.mu.Unlock()
	if asm == nil {
		return
	}

	res := asm.AddBlock(msg.Piece, msg.Data)
	if !res.Accepted {
		return
	}

	e.emitter.Progress(res.Progress)

	if !res.Done {
		return
	}

	switch {
	case res.Verified:
		if err := e.cacheStore.Put(e.descriptor.InfoHash, res.Buffer); err != nil {
			e.log.Warn("cache write failed", "error", err)
		}
		e.emitter.Complete(res.Buffer)
		e.Stop()

	case res.Mismatched:
		e.log.Warn("metadata verification failed, restarting download")
		e.sched.Reset()

	case res.Exhausted:
		e.emitter.Failed("metadata verification failed after maximum attempts")
		e.Stop()
	}
}

func (e *Engine) onMetadataReject(addr netip.AddrPort, piece int) {
	e.sched.OnPieceRejected(addr, piece)
}

func (e *Engine) onPEX(addr netip.AddrPort, peers []protocol.PEXPeer) {
	for _, p := range peers {
		if p.Dropped {
			continue
		}

		if peer.ClassifyPEXPeer(p) {
			if relay, ok := e.registry.Get(addr); ok {
				if err := relay.RequestRendezvous(p.Addr); err != nil {
					e.log.Debug("rendezvous request failed", "error", err)
				}
			}
			continue
		}

		e.registry.AddCandidate(p.Addr, peer.PeerSourcePEX, peer.TransportTCP)
	}
}

func (e *Engine) onHolepunch(_ netip.AddrPort, msg *protocol.HolepunchMessage) {
	switch msg.Type {
	case protocol.HolepunchConnect:
		target := netip.AddrPortFrom(msg.Addr, msg.Port)
		e.registry.AddCandidate(target, peer.PeerSourceHolepunch, peer.TransportUTP)
	case protocol.HolepunchError:
		e.log.Debug("hole-punch rendezvous failed", "code", msg.ErrorCode)
	}
}

func (e *Engine) onDisconnect(addr netip.AddrPort) {
	e.sched.RemovePeer(addr)
	e.emitter.PeerDisposed(addr)
}
