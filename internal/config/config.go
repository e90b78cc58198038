// Package config centralizes every tunable the metadata acquisition engine
// needs: networking timeouts, discovery/tracker/DHT cadence, request
// scheduler retry policy, web-seed behavior, and on-disk cache location.
package config

import (
	"crypto/rand"
	"crypto/sha1"
	"net"
	"os"
	"path/filepath"
	"time"
)

// Config holds every runtime-tunable knob for the metadata acquisition
// engine. A Config is treated as read-only once published via Init/Update/
// Swap; callers mutate it only through those functions.
type Config struct {
	// ========== Identity / Paths ==========

	// ClientID is this client's 20-byte peer id, sent in every handshake
	// and tracker announce.
	ClientID [sha1.Size]byte

	// CacheDir is where fetched metadata is persisted as <info-hash-hex>.torrent.
	CacheDir string

	// ========== Networking ==========

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// MaxPeers is the maximum number of concurrent peer connections the
	// registry will hold active at once.
	MaxPeers int

	// PeerOutboundQueueBacklog bounds each peer connection's outbound
	// message channel.
	PeerOutboundQueueBacklog int

	// KeepAliveInterval is how long a connection may sit idle before a
	// keep-alive frame is sent.
	KeepAliveInterval time.Duration

	// PeerInactivityDuration is the idle threshold after which a peer
	// connection is considered dead and dropped.
	PeerInactivityDuration time.Duration

	EnableIPv6 bool
	HasIPv6    bool

	// ========== Tracker / Announce ==========

	NumWant             uint32
	ListenPort          uint16
	AnnounceInterval    time.Duration // 0 uses the tracker's own suggested interval
	MinAnnounceInterval time.Duration
	MaxAnnounceBackoff  time.Duration

	// ========== DHT ==========

	EnableDHT          bool
	DHTBootstrapNodes  []string
	DHTQueryTimeout    time.Duration
	DHTLookupAlpha     int // concurrent in-flight queries per lookup round
	DHTRefreshInterval time.Duration

	// ========== Peer Exchange / Hole-punch ==========

	EnablePEX       bool
	EnableHolepunch bool

	// ========== Metadata Request Scheduler ==========

	// MaxInflightRequestsPerPeer is not read: the scheduler does not cap
	// outstanding ut_metadata requests to a single peer.
	MaxInflightRequestsPerPeer int

	// MetadataRequestTimeout is not read: the scheduler times a block
	// request out after its own fixed base of 10s, lengthened per retry.
	MetadataRequestTimeout time.Duration

	// MetadataMaxRetriesPerBlock is not read: the scheduler re-queues a
	// timed-out block however often it has failed, logging a warning from
	// its third retry on.
	MetadataMaxRetriesPerBlock int

	// MetadataRetryBackoffBase/Max are not read: the scheduler's timeout
	// for a block grows linearly, 10s plus 5s per earlier retry, capped at
	// 30s.
	MetadataRetryBackoffBase time.Duration
	MetadataRetryBackoffMax  time.Duration

	// ========== Web Seed (BEP 19) ==========

	EnableWebSeed           bool
	WebSeedRequestTimeout   time.Duration
	WebSeedFailureThreshold int

	// ========== Private Torrent Policy ==========

	// PrivateModeDisablesDHT/PEX/Holepunch govern whether a torrent
	// descriptor's "private" flag suppresses those discovery mechanisms.
	// All default true, matching BEP 27.
	PrivateModeDisablesDHT       bool
	PrivateModeDisablesPEX       bool
	PrivateModeDisablesHolepunch bool
}

// defaultConfig returns sensible defaults for the metadata acquisition
// engine.
func defaultConfig() (Config, error) {
	clientID, err := generateClientID()
	if err != nil {
		return Config{}, err
	}

	ipv6 := hasIPv6()

	return Config{
		ClientID:                 clientID,
		CacheDir:                 defaultCacheDir(),
		DialTimeout:              7 * time.Second,
		ReadTimeout:              30 * time.Second,
		WriteTimeout:             30 * time.Second,
		MaxPeers:                 50,
		PeerOutboundQueueBacklog: 64,
		KeepAliveInterval:        90 * time.Second,
		PeerInactivityDuration:   2 * time.Minute,
		EnableIPv6:               ipv6,
		HasIPv6:                  ipv6,

		NumWant:             50,
		ListenPort:          6881,
		AnnounceInterval:    0,
		MinAnnounceInterval: 20 * time.Minute,
		MaxAnnounceBackoff:  45 * time.Minute,

		EnableDHT: true,
		DHTBootstrapNodes: []string{
			"router.bittorrent.com:6881",
			"dht.transmissionbt.com:6881",
			"router.utorrent.com:6881",
		},
		DHTQueryTimeout:    5 * time.Second,
		DHTLookupAlpha:     3,
		DHTRefreshInterval: 15 * time.Minute,

		EnablePEX:       true,
		EnableHolepunch: true,

		MaxInflightRequestsPerPeer: 10,
		MetadataRequestTimeout:     10 * time.Second,
		MetadataMaxRetriesPerBlock: 3,
		MetadataRetryBackoffBase:   2 * time.Second,
		MetadataRetryBackoffMax:    30 * time.Second,

		EnableWebSeed:           true,
		WebSeedRequestTimeout:   20 * time.Second,
		WebSeedFailureThreshold: 3,

		PrivateModeDisablesDHT:       true,
		PrivateModeDisablesPEX:       true,
		PrivateModeDisablesHolepunch: true,
	}, nil
}

func hasIPv6() bool {
	ifaces, _ := net.Interfaces()

	for _, ifi := range ifaces {
		if (ifi.Flags & net.FlagUp) == 0 {
			continue
		}
		addrs, _ := ifi.Addrs()
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}

			ip := ipNet.IP
			if ip == nil || ip.To4() != nil {
				continue
			}
			if ip.IsGlobalUnicast() && !ip.IsLinkLocalUnicast() && !ip.IsLoopback() {
				return true
			}
		}
	}

	return false
}

// defaultCacheDir is a metabit subdirectory of the system temp directory;
// the cache store creates it on first write.
func defaultCacheDir() string {
	return filepath.Join(os.TempDir(), "metabit")
}

func generateClientID() ([sha1.Size]byte, error) {
	var peerID [sha1.Size]byte

	prefix := []byte("-MB0100-")
	copy(peerID[:], prefix)

	if _, err := rand.Read(peerID[len(prefix):]); err != nil {
		return [sha1.Size]byte{}, err
	}

	return peerID, nil
}
