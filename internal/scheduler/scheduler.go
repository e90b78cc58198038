// Package scheduler assigns ut_metadata block requests to connected peers,
// tracks in-flight requests with per-block timers, and retries or reassigns
// blocks that time out or are rejected.
package scheduler

import (
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/prxssh/metabit/internal/bitfield"
	"github.com/prxssh/metabit/internal/heap"
)

const (
	baseTimeout     = 10 * time.Second
	perRetryTimeout = 5 * time.Second
	maxTimeout      = 30 * time.Second

	// loggedRetryThreshold is the retry count at which a block's repeated
	// timeouts start getting logged; retries still continue past it.
	loggedRetryThreshold = 3
)

// RequestSender delivers a metadata piece request to a peer. The scheduler
// calls it synchronously, without holding its lock, on whichever goroutine
// called into the scheduler; implementations must not block for long.
type RequestSender interface {
	RequestMetadataPiece(peer netip.AddrPort, block int) error
}

type blockTimer struct {
	peer    netip.AddrPort
	block   int
	expires time.Time
}

// Scheduler coordinates metadata block acquisition across peers. All
// exported methods are safe for concurrent use; internal bookkeeping is
// guarded by a single mutex since the hot path is request/response pairs,
// not a high-frequency piece pipeline.
type Scheduler struct {
	log    *slog.Logger
	sender RequestSender

	mu          sync.Mutex
	blockCount  int
	queue       []int        // pending block indices, FIFO
	retries     map[int]int  // block -> retry count
	inflight    map[int]netip.AddrPort
	peers       []netip.AddrPort // available, ut_metadata-capable peers
	peerIndex   map[netip.AddrPort]int
	rrCursor    int
	completed   bitfield.Bitfield
	timers      *heap.PriorityQueue[blockTimer]
	timerByKey  map[timerID]struct{} // presence guard, avoids scanning the heap when no timer exists
}

type timerID struct {
	peer  netip.AddrPort
	block int
}

func New(log *slog.Logger, sender RequestSender) *Scheduler {
	return &Scheduler{
		log:     log.With("component", "scheduler"),
		sender:  sender,
		retries: make(map[int]int),
		inflight: make(map[int]netip.AddrPort),
		peerIndex: make(map[netip.AddrPort]int),
		timers: heap.NewPriorityQueue(func(a, b blockTimer) bool {
			return a.expires.Before(b.expires)
		}),
		timerByKey: make(map[timerID]struct{}),
	}
}

// SetBlockCount installs the total block count once metadata_size is known
// and seeds the queue with every block index. Any peers already registered
// via AddPeer are scheduled against the new queue immediately.
func (s *Scheduler) SetBlockCount(n int) {
	s.mu.Lock()
	s.blockCount = n
	s.completed = bitfield.New(n)
	s.queue = s.queue[:0]
	for i := 0; i < n; i++ {
		s.queue = append(s.queue, i)
	}
	s.mu.Unlock()

	s.schedule()
}

// AddPeer registers a ut_metadata-capable peer as an assignment candidate and
// triggers a scheduling pass.
func (s *Scheduler) AddPeer(peer netip.AddrPort) {
	s.mu.Lock()
	if _, ok := s.peerIndex[peer]; !ok {
		s.peerIndex[peer] = len(s.peers)
		s.peers = append(s.peers, peer)
	}
	s.mu.Unlock()

	s.schedule()
}

// RemovePeer drops a peer from the candidate set and reinserts any blocks it
// held in flight back onto the queue for reassignment.
func (s *Scheduler) RemovePeer(peer netip.AddrPort) {
	s.mu.Lock()

	if idx, ok := s.peerIndex[peer]; ok {
		last := len(s.peers) - 1
		s.peers[idx] = s.peers[last]
		s.peerIndex[s.peers[idx]] = idx
		s.peers = s.peers[:last]
		delete(s.peerIndex, peer)
	}

	for block, owner := range s.inflight {
		if owner == peer {
			s.removeTimerLocked(peer, block)
			delete(s.inflight, block)
			s.queue = append(s.queue, block)
		}
	}

	s.mu.Unlock()

	s.schedule()
}

// OnPieceReceived cancels the (peer, block) timer, clears its retry count,
// and re-enters scheduling biased toward peer to keep its pipeline full. It
// returns false if the block was already completed or unknown (late or
// duplicate arrival).
func (s *Scheduler) OnPieceReceived(peer netip.AddrPort, block int) bool {
	s.mu.Lock()
	if block < 0 || block >= s.blockCount || s.completed.Has(block) {
		s.mu.Unlock()
		return false
	}

	owner, ok := s.inflight[block]
	if !ok || owner != peer {
		s.mu.Unlock()
		return false
	}

	s.removeTimerLocked(peer, block)
	delete(s.inflight, block)
	delete(s.retries, block)
	s.completed.Set(block)
	s.mu.Unlock()

	s.assignToPeer(peer)
	return true
}

// OnPieceRejected returns the block to the queue tail and re-enters
// scheduling without biasing toward any particular peer.
func (s *Scheduler) OnPieceRejected(peer netip.AddrPort, block int) {
	s.mu.Lock()
	owner, ok := s.inflight[block]
	if !ok || owner != peer {
		s.mu.Unlock()
		return
	}

	s.removeTimerLocked(peer, block)
	delete(s.inflight, block)
	s.queue = append(s.queue, block)
	s.mu.Unlock()

	s.schedule()
}

// Reset clears all in-flight state and refills the queue with every block
// index, used when a SHA-1 verification mismatch forces a whole-metadata
// restart. Already-registered peers are rescheduled against the refilled
// queue immediately.
func (s *Scheduler) Reset() {
	s.mu.Lock()

	s.queue = s.queue[:0]
	for i := 0; i < s.blockCount; i++ {
		s.queue = append(s.queue, i)
	}
	s.inflight = make(map[int]netip.AddrPort)
	s.retries = make(map[int]int)
	s.completed = bitfield.New(s.blockCount)
	s.timers = heap.NewPriorityQueue(func(a, b blockTimer) bool {
		return a.expires.Before(b.expires)
	})
	s.timerByKey = make(map[timerID]struct{})

	s.mu.Unlock()

	s.schedule()
}

// PollTimeouts must be called periodically (e.g. from a ticker); it
// reassigns every block whose timer has expired and returns how many fired.
func (s *Scheduler) PollTimeouts(now time.Time) int {
	var expired []blockTimer

	s.mu.Lock()
	for {
		t, ok := s.timers.Peek()
		if !ok || t.expires.After(now) {
			break
		}

		t, _ = s.timers.Dequeue()
		delete(s.timerByKey, timerID{t.peer, t.block})

		if owner, ok := s.inflight[t.block]; !ok || owner != t.peer {
			continue // already resolved by a response or reassignment
		}

		delete(s.inflight, t.block)
		s.retries[t.block]++

		if s.retries[t.block] >= loggedRetryThreshold {
			s.log.Warn("block retry threshold reached",
				"block", t.block, "peer", t.peer, "retries", s.retries[t.block])
		}

		s.queue = append(s.queue, t.block)
		expired = append(expired, t)
	}
	s.mu.Unlock()

	if len(expired) > 0 {
		s.schedule()
	}
	return len(expired)
}

// schedule issues as many requests as min(|queue|, |peers|), assigning
// distinct peers in round-robin order starting from the scheduler's cursor.
func (s *Scheduler) schedule() {
	s.mu.Lock()

	n := len(s.peers)
	if n == 0 || len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}

	toAssign := len(s.queue)
	if n < toAssign {
		toAssign = n
	}

	type assignment struct {
		peer  netip.AddrPort
		block int
	}
	assignments := make([]assignment, 0, toAssign)

	for i := 0; i < toAssign; i++ {
		block := s.queue[0]
		s.queue = s.queue[1:]

		peer := s.peers[s.rrCursor%len(s.peers)]
		s.rrCursor++

		s.inflight[block] = peer
		s.addTimerLocked(peer, block, s.retries[block])

		assignments = append(assignments, assignment{peer: peer, block: block})
	}

	s.mu.Unlock()

	for _, a := range assignments {
		if err := s.sender.RequestMetadataPiece(a.peer, a.block); err != nil {
			s.log.Debug("request send failed, returning block to queue",
				"peer", a.peer, "block", a.block, "error", err)
			s.OnPieceRejected(a.peer, a.block)
		}
	}
}

// assignToPeer re-enters scheduling but prefers handing the next queued
// block straight back to peer before falling through to round-robin.
func (s *Scheduler) assignToPeer(peer netip.AddrPort) {
	s.mu.Lock()

	if len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}

	if _, ok := s.peerIndex[peer]; !ok {
		s.mu.Unlock()
		s.schedule()
		return
	}

	block := s.queue[0]
	s.queue = s.queue[1:]
	s.inflight[block] = peer
	s.addTimerLocked(peer, block, s.retries[block])
	s.mu.Unlock()

	if err := s.sender.RequestMetadataPiece(peer, block); err != nil {
		s.OnPieceRejected(peer, block)
	}

	s.schedule()
}

func (s *Scheduler) addTimerLocked(peer netip.AddrPort, block, retryCount int) {
	timeout := baseTimeout + time.Duration(retryCount)*perRetryTimeout
	if timeout > maxTimeout {
		timeout = maxTimeout
	}

	t := blockTimer{peer: peer, block: block, expires: time.Now().Add(timeout)}
	s.timers.Enqueue(t)
	s.timerByKey[timerID{peer, block}] = struct{}{}
}

func (s *Scheduler) removeTimerLocked(peer netip.AddrPort, block int) {
	key := timerID{peer, block}
	if _, ok := s.timerByKey[key]; !ok {
		return
	}
	delete(s.timerByKey, key)

	s.timers.Remove(func(t blockTimer) bool {
		return t.peer == peer && t.block == block
	})
}

// Completed reports how many blocks have been received and verified into
// place (not SHA-1 verified as a whole; that gate lives in the assembler).
func (s *Scheduler) Completed() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.completed.Count()
}
