package scheduler

import (
	"bytes"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"
)

type fakeSender struct {
	mu       sync.Mutex
	sent     []sentReq
	rejectFn func(peer netip.AddrPort, block int) error
}

type sentReq struct {
	peer  netip.AddrPort
	block int
}

func (f *fakeSender) RequestMetadataPiece(peer netip.AddrPort, block int) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentReq{peer, block})
	f.mu.Unlock()

	if f.rejectFn != nil {
		return f.rejectFn(peer, block)
	}
	return nil
}

func (f *fakeSender) snapshot() []sentReq {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentReq(nil), f.sent...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
}

func addr(port uint16) netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr("10.0.0.1"), port)
}

func TestSchedulerAssignsBlocksRoundRobin(t *testing.T) {
	sender := &fakeSender{}
	s := New(testLogger(), sender)
	s.SetBlockCount(4)

	s.AddPeer(addr(1))
	s.AddPeer(addr(2))

	// AddPeer(1) schedules min(4 queued, 1 peer) = 1 request; AddPeer(2)
	// then schedules min(3 remaining, 2 peers) = 2 more.
	sent := sender.snapshot()
	if len(sent) != 3 {
		t.Fatalf("len(sent) = %d, want 3", len(sent))
	}

	seen := map[netip.AddrPort]bool{}
	for _, r := range sent {
		seen[r.peer] = true
	}
	if len(seen) != 2 {
		t.Fatalf("distinct peers used = %d, want 2", len(seen))
	}
}

func TestOnPieceReceivedMarksCompleteAndReassigns(t *testing.T) {
	sender := &fakeSender{}
	s := New(testLogger(), sender)
	s.SetBlockCount(2)
	s.AddPeer(addr(1))

	// exactly one block should have been assigned to the single peer
	sent := sender.snapshot()
	if len(sent) != 1 {
		t.Fatalf("len(sent) = %d, want 1", len(sent))
	}

	ok := s.OnPieceReceived(sent[0].peer, sent[0].block)
	if !ok {
		t.Fatal("OnPieceReceived should succeed for a known in-flight block")
	}
	if s.Completed() != 1 {
		t.Fatalf("Completed() = %d, want 1", s.Completed())
	}

	// the remaining block should now have been assigned too
	if len(sender.snapshot()) != 2 {
		t.Fatalf("len(sent) after completion = %d, want 2", len(sender.snapshot()))
	}
}

func TestOnPieceReceivedRejectsDuplicate(t *testing.T) {
	sender := &fakeSender{}
	s := New(testLogger(), sender)
	s.SetBlockCount(1)
	s.AddPeer(addr(1))

	sent := sender.snapshot()
	if ok := s.OnPieceReceived(sent[0].peer, sent[0].block); !ok {
		t.Fatal("first OnPieceReceived should succeed")
	}
	if ok := s.OnPieceReceived(sent[0].peer, sent[0].block); ok {
		t.Fatal("duplicate OnPieceReceived should be ignored")
	}
}

func TestOnPieceRejectedRequeuesBlock(t *testing.T) {
	sender := &fakeSender{}
	s := New(testLogger(), sender)
	s.SetBlockCount(1)
	s.AddPeer(addr(1))

	sent := sender.snapshot()
	s.OnPieceRejected(sent[0].peer, sent[0].block)

	// same single peer should have been re-issued the same block
	got := sender.snapshot()
	if len(got) != 2 {
		t.Fatalf("len(sent) = %d, want 2 (original + retry)", len(got))
	}
	if got[1].block != sent[0].block {
		t.Fatalf("retried block = %d, want %d", got[1].block, sent[0].block)
	}
}

func TestRemovePeerReassignsInFlightBlocks(t *testing.T) {
	sender := &fakeSender{}
	s := New(testLogger(), sender)
	s.SetBlockCount(1)
	s.AddPeer(addr(1))
	s.AddPeer(addr(2))

	sent := sender.snapshot()
	if len(sent) != 1 {
		t.Fatalf("len(sent) = %d, want 1", len(sent))
	}

	owner := sent[0].peer
	s.RemovePeer(owner)

	got := sender.snapshot()
	if len(got) != 2 {
		t.Fatalf("len(sent) after RemovePeer = %d, want 2", len(got))
	}
	if got[1].peer == owner {
		t.Fatalf("block was reassigned back to the removed peer")
	}
}

func TestPollTimeoutsReassignsExpiredBlock(t *testing.T) {
	sender := &fakeSender{}
	s := New(testLogger(), sender)
	s.SetBlockCount(1)
	s.AddPeer(addr(1))

	fired := s.PollTimeouts(time.Now().Add(-time.Second))
	if fired != 0 {
		t.Fatalf("PollTimeouts with a past cutoff before the timer elapses should report 0, got %d", fired)
	}

	fired = s.PollTimeouts(time.Now().Add(time.Hour))
	if fired != 1 {
		t.Fatalf("PollTimeouts after expiry = %d, want 1", fired)
	}

	got := sender.snapshot()
	if len(got) != 2 {
		t.Fatalf("len(sent) after timeout reassignment = %d, want 2", len(got))
	}
}

func TestResetRefillsQueueAndClearsState(t *testing.T) {
	sender := &fakeSender{}
	s := New(testLogger(), sender)
	s.SetBlockCount(2)
	s.AddPeer(addr(1))

	sent := sender.snapshot()
	s.OnPieceReceived(sent[0].peer, sent[0].block)

	if s.Completed() == 0 {
		t.Fatal("expected at least one completed block before reset")
	}

	before := len(sender.snapshot())

	s.Reset()
	if s.Completed() != 0 {
		t.Fatalf("Completed() after Reset = %d, want 0", s.Completed())
	}

	after := len(sender.snapshot())
	if after <= before {
		t.Fatalf("Reset should reschedule the registered peer, sent %d before and %d after", before, after)
	}
}

func TestSetBlockCountSchedulesAlreadyRegisteredPeers(t *testing.T) {
	sender := &fakeSender{}
	s := New(testLogger(), sender)

	s.AddPeer(addr(1))
	if len(sender.snapshot()) != 0 {
		t.Fatal("no requests should be sent before the block count is known")
	}

	s.SetBlockCount(3)
	if got := len(sender.snapshot()); got != 1 {
		t.Fatalf("requests sent after SetBlockCount = %d, want 1", got)
	}
}
