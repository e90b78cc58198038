// Package peer implements one TCP connection to a remote BitTorrent peer,
// scoped to metadata acquisition: the base handshake, the BEP-10 extended
// handshake, and ut_metadata/ut_pex/ut_holepunch exchange. It never
// requests or serves full piece data.
package peer

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/metabit/internal/config"
	"github.com/prxssh/metabit/internal/protocol"
	"golang.org/x/sync/errgroup"
)

// Local extension sub-ids this client advertises in its own "m" dictionary.
// These are the ids a remote peer must use when sending US a message for
// that extension; they have nothing to do with the ids the remote peer
// advertises for itself.
const (
	localUTMetadataID  = 1
	localUTPexID       = 2
	localUTHolepunchID = 3
)

// Peer is a single connection to a remote BitTorrent peer.
type Peer struct {
	log    *slog.Logger
	conn   net.Conn
	addr   netip.AddrPort
	stats  *Stats
	cancel context.CancelFunc

	lastActivityAt atomic.Int64
	outbox         chan *protocol.Message
	closeOnce      sync.Once
	stopped        atomic.Bool

	mu             sync.RWMutex
	remoteM        map[string]int64 // extension name -> remote's sub-id for it
	metadataSize   int
	supportsMeta   bool
	private        bool

	onHandshake      func(netip.AddrPort, *protocol.ExtendedHandshake)
	onMetadataData   func(netip.AddrPort, *protocol.UTMetadataMessage)
	onMetadataReject func(netip.AddrPort, int)
	onPEX            func(netip.AddrPort, []protocol.PEXPeer)
	onHolepunch      func(netip.AddrPort, *protocol.HolepunchMessage)
	onDisconnect     func(netip.AddrPort)
}

// Stats holds per-connection statistics. The counters are atomic and only
// increase for the lifetime of a peer; ConnectedAt and DisconnectedAt are
// plain time.Time fields, not atomic.
type Stats struct {
	MessagesReceived    atomic.Uint64
	MessagesSent        atomic.Uint64
	MetadataRequestsSent atomic.Uint64
	MetadataPiecesRecv   atomic.Uint64
	MetadataRejects      atomic.Uint64
	Errors               atomic.Uint64
	ConnectedAt          time.Time
	DisconnectedAt       time.Time
}

// Metrics is a point-in-time snapshot of a peer connection.
type Metrics struct {
	Addr             netip.AddrPort
	SupportsMetadata bool
	MetadataSize     int
	MessagesReceived uint64
	MessagesSent     uint64
	MetadataPieces   uint64
	Errors           uint64
	LastActive       time.Time
	ConnectedAt      time.Time
}

// Opts configures a new Peer connection.
type Opts struct {
	Log      *slog.Logger
	InfoHash [sha1.Size]byte
	Private  bool

	OnHandshake      func(netip.AddrPort, *protocol.ExtendedHandshake)
	OnMetadataData   func(netip.AddrPort, *protocol.UTMetadataMessage)
	OnMetadataReject func(netip.AddrPort, int)
	OnPEX            func(netip.AddrPort, []protocol.PEXPeer)
	OnHolepunch      func(netip.AddrPort, *protocol.HolepunchMessage)
	OnDisconnect     func(netip.AddrPort)
}

// New dials addr, performs the base handshake (verifying info hash), and
// returns a Peer ready to Run.
func New(ctx context.Context, addr netip.AddrPort, opts *Opts) (*Peer, error) {
	log := opts.Log.With("src", "peer", "addr", addr)

	dialer := net.Dialer{Timeout: config.Load().DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, err
	}

	handshake := protocol.NewHandshake(opts.InfoHash, config.Load().ClientID)
	remote, err := handshake.Exchange(conn, true)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if !remote.SupportsExtensionProtocol() {
		_ = conn.Close()
		return nil, errors.New("peer: remote does not support the extension protocol")
	}

	p := &Peer{
		log:              log,
		conn:             conn,
		addr:             addr,
		stats:            &Stats{ConnectedAt: time.Now()},
		private:          opts.Private,
		remoteM:          map[string]int64{},
		onHandshake:      opts.OnHandshake,
		onMetadataData:   opts.OnMetadataData,
		onMetadataReject: opts.OnMetadataReject,
		onPEX:            opts.OnPEX,
		onHolepunch:      opts.OnHolepunch,
		onDisconnect:     opts.OnDisconnect,
		outbox:           make(chan *protocol.Message, config.Load().PeerOutboundQueueBacklog),
	}
	p.lastActivityAt.Store(time.Now().UnixNano())

	return p, nil
}

// Run drives the connection until ctx is canceled or an unrecoverable I/O
// error occurs. It always closes the connection before returning.
func (p *Peer) Run(ctx context.Context) error {
	defer p.Close()

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.readLoop(gctx) })
	g.Go(func() error { return p.writeLoop(gctx) })

	return g.Wait()
}

// Close tears down the connection. Safe to call multiple times.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		p.stopped.Store(true)
		if p.cancel != nil {
			p.cancel()
		}
		_ = p.conn.Close()
		close(p.outbox)
		p.stats.DisconnectedAt = time.Now()

		if p.onDisconnect != nil {
			p.onDisconnect(p.addr)
		}
		p.log.Debug("peer connection closed")
	})
}

// Idleness returns how long it has been since any message (sent or
// received, including keep-alives) last crossed this connection.
func (p *Peer) Idleness() time.Duration {
	return time.Since(time.Unix(0, p.lastActivityAt.Load()))
}

// Addr returns this connection's remote address.
func (p *Peer) Addr() netip.AddrPort { return p.addr }

// SupportsMetadata reports whether the negotiated extended handshake
// advertises ut_metadata support.
func (p *Peer) SupportsMetadata() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.supportsMeta
}

// MetadataSize returns the peer-reported metadata size, or (0, false) if
// the peer hasn't reported one.
func (p *Peer) MetadataSize() (int, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.metadataSize, p.metadataSize > 0
}

// RequestMetadataPiece enqueues a ut_metadata request for the given piece
// index. It returns an error if the peer hasn't negotiated ut_metadata.
func (p *Peer) RequestMetadataPiece(piece int) error {
	remoteID, ok := p.extensionID(protocol.ExtensionUTMetadata)
	if !ok {
		return fmt.Errorf("peer %s: remote does not support ut_metadata", p.addr)
	}

	body, err := protocol.EncodeUTMetadataRequest(piece)
	if err != nil {
		return err
	}
	if !p.enqueueMessage(protocol.MessageExtended(uint8(remoteID), body)) {
		return fmt.Errorf("peer %s: outbox full or closed", p.addr)
	}
	p.stats.MetadataRequestsSent.Add(1)
	return nil
}

// RequestRendezvous asks this peer, acting as a relay, to introduce us to
// target via a BEP-55 rendezvous message. It returns an error if the peer
// hasn't negotiated ut_holepunch (private torrents never advertise it).
func (p *Peer) RequestRendezvous(target netip.AddrPort) error {
	remoteID, ok := p.extensionID(protocol.ExtensionUTHolepunch)
	if !ok {
		return fmt.Errorf("peer %s: remote does not support ut_holepunch", p.addr)
	}

	body := protocol.EncodeHolepunch(protocol.HolepunchRendezvous, target.Addr(), target.Port(), protocol.HolepunchErrNone)
	if !p.enqueueMessage(protocol.MessageExtended(uint8(remoteID), body)) {
		return fmt.Errorf("peer %s: outbox full or closed", p.addr)
	}
	return nil
}

func (p *Peer) extensionID(name string) (int64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.remoteM[name]
	return id, ok && id != 0
}

func (p *Peer) sendExtendedHandshake() error {
	m := map[string]int64{
		protocol.ExtensionUTMetadata: localUTMetadataID,
	}
	if !p.private {
		m[protocol.ExtensionUTPex] = localUTPexID
		m[protocol.ExtensionUTHolepunch] = localUTHolepunchID
	}

	h := &protocol.ExtendedHandshake{M: m}
	body, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	return protocol.WriteMessage(p.conn, protocol.MessageExtended(protocol.ExtendedHandshakeID, body))
}

func (p *Peer) readLoop(ctx context.Context) error {
	l := p.log.With("component", "read loop")
	l.Debug("started")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		message, err := p.readMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			l.Debug("read failed, exiting", "error", err)
			return err
		}

		if err := p.handleMessage(message); err != nil {
			l.Debug("handle message failed", "error", err)
			return err
		}
	}
}

func (p *Peer) writeLoop(ctx context.Context) error {
	l := p.log.With("component", "write loop")
	l.Debug("started")

	if err := p.sendExtendedHandshake(); err != nil {
		return fmt.Errorf("peer: send extended handshake: %w", err)
	}

	keepAlive := config.Load().KeepAliveInterval
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case message, ok := <-p.outbox:
			if !ok {
				return nil
			}
			if err := p.writeMessage(message); err != nil {
				l.Debug("write failed, exiting", "error", err)
				return err
			}

		case <-ticker.C:
			if p.Idleness() >= keepAlive {
				p.enqueueMessage(nil)
			}
		}
	}
}

func (p *Peer) readMessage() (*protocol.Message, error) {
	_ = p.conn.SetReadDeadline(time.Now().Add(config.Load().ReadTimeout))
	defer p.conn.SetReadDeadline(time.Time{})

	message, err := protocol.ReadMessage(p.conn)
	if err != nil {
		p.stats.Errors.Add(1)
		return nil, err
	}

	p.stats.MessagesReceived.Add(1)
	p.lastActivityAt.Store(time.Now().UnixNano())
	return message, nil
}

func (p *Peer) writeMessage(message *protocol.Message) error {
	_ = p.conn.SetWriteDeadline(time.Now().Add(config.Load().WriteTimeout))
	defer p.conn.SetWriteDeadline(time.Time{})

	if err := protocol.WriteMessage(p.conn, message); err != nil {
		p.stats.Errors.Add(1)
		return err
	}

	p.stats.MessagesSent.Add(1)
	p.lastActivityAt.Store(time.Now().UnixNano())
	return nil
}

func (p *Peer) enqueueMessage(message *protocol.Message) bool {
	if p.stopped.Load() {
		return false
	}
	select {
	case p.outbox <- message:
		return true
	default:
		return false
	}
}

// handleMessage dispatches an inbound frame. Only Extended messages carry
// semantics this client cares about; every classic wire message (choke,
// bitfield, have, request, piece, cancel) is acknowledged and ignored,
// since this client never exchanges piece data.
func (p *Peer) handleMessage(message *protocol.Message) error {
	if protocol.IsKeepAlive(message) {
		return nil
	}

	if message.ID != protocol.Extended {
		return nil
	}

	extID, body, ok := message.ParseExtended()
	if !ok {
		return errors.New("peer: malformed extended message")
	}

	if extID == protocol.ExtendedHandshakeID {
		return p.handleExtendedHandshake(body)
	}

	switch extID {
	case localUTMetadataID:
		return p.handleUTMetadata(body)
	case localUTPexID:
		return p.handlePEX(body)
	case localUTHolepunchID:
		return p.handleHolepunch(body)
	default:
		// Unknown local sub-id; peer is misbehaving or racing a
		// handshake update. Ignore rather than drop the connection.
		return nil
	}
}

func (p *Peer) handleExtendedHandshake(body []byte) error {
	h, err := protocol.DecodeExtendedHandshake(body)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.remoteM = h.M
	p.supportsMeta = h.SupportsExtension(protocol.ExtensionUTMetadata)
	if h.MetadataSize != nil {
		p.metadataSize = int(*h.MetadataSize)
	}
	p.mu.Unlock()

	if p.onHandshake != nil {
		p.onHandshake(p.addr, h)
	}
	return nil
}

func (p *Peer) handleUTMetadata(body []byte) error {
	msg, err := protocol.DecodeUTMetadataMessage(body)
	if err != nil {
		return err
	}

	switch msg.Type {
	case protocol.UTMetadataData:
		p.stats.MetadataPiecesRecv.Add(1)
		if p.onMetadataData != nil {
			p.onMetadataData(p.addr, msg)
		}
	case protocol.UTMetadataReject:
		p.stats.MetadataRejects.Add(1)
		if p.onMetadataReject != nil {
			p.onMetadataReject(p.addr, msg.Piece)
		}
	case protocol.UTMetadataRequest:
		// This client never seeds metadata back; politely reject.
		return p.rejectMetadataRequest(msg.Piece)
	}
	return nil
}

func (p *Peer) rejectMetadataRequest(piece int) error {
	remoteID, ok := p.extensionID(protocol.ExtensionUTMetadata)
	if !ok {
		return nil
	}
	body, err := protocol.EncodeUTMetadataReject(piece)
	if err != nil {
		return err
	}
	p.enqueueMessage(protocol.MessageExtended(uint8(remoteID), body))
	return nil
}

func (p *Peer) handlePEX(body []byte) error {
	peers, err := protocol.DecodePEX(body)
	if err != nil {
		return err
	}
	if p.onPEX != nil {
		p.onPEX(p.addr, peers)
	}
	return nil
}

func (p *Peer) handleHolepunch(body []byte) error {
	msg, err := protocol.DecodeHolepunch(body)
	if err != nil {
		return err
	}
	if p.onHolepunch != nil {
		p.onHolepunch(p.addr, msg)
	}
	return nil
}

// Stats returns a snapshot of this connection's metrics.
func (p *Peer) Stats() Metrics {
	p.mu.RLock()
	supportsMeta, metadataSize := p.supportsMeta, p.metadataSize
	p.mu.RUnlock()

	return Metrics{
		Addr:             p.addr,
		SupportsMetadata: supportsMeta,
		MetadataSize:     metadataSize,
		MessagesReceived: p.stats.MessagesReceived.Load(),
		MessagesSent:     p.stats.MessagesSent.Load(),
		MetadataPieces:   p.stats.MetadataPiecesRecv.Load(),
		Errors:           p.stats.Errors.Load(),
		LastActive:       time.Unix(0, p.lastActivityAt.Load()),
		ConnectedAt:      p.stats.ConnectedAt,
	}
}
