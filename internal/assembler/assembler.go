// Package assembler owns the in-memory metadata buffer, the per-block
// completed set, and the SHA-1 gate that decides whether a fully received
// info dictionary matches the torrent's info hash.
package assembler

import (
	"crypto/sha1"
	"log/slog"
	"sync"

	"github.com/prxssh/metabit/internal/bitfield"
)

// MaxAttempts bounds how many times a whole-metadata SHA-1 mismatch
// restarts the download before the caller is told to give up.
const MaxAttempts = 3

// BlockSize is the fixed ut_metadata piece size (BEP 9); only the final
// block may be shorter.
const BlockSize = 16 * 1024

// Result is returned by AddBlock to tell the caller what happened and, on
// completion or permanent failure, whether to keep going.
type Result struct {
	// Progress is 100*completed/total, valid whenever Accepted is true.
	Progress int

	// Accepted is true if the block was new (not late/duplicate/out of
	// range).
	Accepted bool

	// Done is true once every block has arrived. Verified/Mismatch are
	// only meaningful when Done is true.
	Done bool

	// Verified is true if the assembled buffer's SHA-1 matched the
	// expected info hash.
	Verified bool

	// Mismatched is true if Done but the hash did not match and a retry
	// (via Reset) is still allowed.
	Mismatched bool

	// Exhausted is true if Done, the hash did not match, and
	// MaxAttempts has been reached: the caller should give up.
	Exhausted bool

	// Buffer holds the assembled metadata bytes once Verified is true.
	Buffer []byte
}

// Assembler accumulates ut_metadata blocks into a contiguous buffer and
// gates completion on a whole-buffer SHA-1 match against infoHash.
type Assembler struct {
	log      *slog.Logger
	infoHash [sha1.Size]byte

	mu        sync.Mutex
	buffer    []byte
	total     int // total metadata size in bytes
	blocks    int // total block count
	completed bitfield.Bitfield
	attempt   int
}

func New(log *slog.Logger, infoHash [sha1.Size]byte, metadataSize int) *Assembler {
	blocks := (metadataSize + BlockSize - 1) / BlockSize
	if metadataSize <= 0 {
		blocks = 0
	}

	return &Assembler{
		log:       log.With("component", "assembler"),
		infoHash:  infoHash,
		buffer:    make([]byte, metadataSize),
		total:     metadataSize,
		blocks:    blocks,
		completed: bitfield.New(blocks),
	}
}

// BlockCount is how many ut_metadata pieces this download has.
func (a *Assembler) BlockCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.blocks
}

// AddBlock copies payload into block p's slot in the buffer. Out-of-range
// or already-completed blocks are ignored (late or duplicate arrival).
func (a *Assembler) AddBlock(p int, payload []byte) Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p < 0 || p >= a.blocks || a.completed.Has(p) {
		return Result{}
	}

	begin := p * BlockSize
	end := begin + len(payload)
	if end > a.total {
		end = a.total
	}
	if begin >= end {
		return Result{}
	}

	copy(a.buffer[begin:end], payload[:end-begin])
	a.completed.Set(p)

	n := a.completed.Count()
	res := Result{
		Accepted: true,
		Progress: 100 * n / a.blocks,
	}

	if n < a.blocks {
		return res
	}

	res.Done = true

	if sha1.Sum(a.buffer) == a.infoHash {
		res.Verified = true
		res.Buffer = append([]byte(nil), a.buffer...)
		return res
	}

	a.attempt++
	a.log.Warn("metadata hash mismatch", "attempt", a.attempt, "max", MaxAttempts)

	if a.attempt >= MaxAttempts {
		res.Exhausted = true
		return res
	}

	res.Mismatched = true
	a.resetLocked()
	return res
}

// Reset clears the buffer and completed set for a fresh attempt, without
// touching the attempt counter (callers use this only after AddBlock
// reports Mismatched, which already incremented it).
func (a *Assembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
}

func (a *Assembler) resetLocked() {
	a.buffer = make([]byte, a.total)
	a.completed = bitfield.New(a.blocks)
}

// Attempt reports how many whole-metadata verification attempts have
// failed so far.
func (a *Assembler) Attempt() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attempt
}
