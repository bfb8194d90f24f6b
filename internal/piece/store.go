// Package piece buffers in-flight piece blocks, verifies completed pieces
// against their expected SHA-1 hash, and flushes verified pieces through the
// file layout.
package piece

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"sync"

	"github.com/go-warren/warren/internal/bitfield"
	"github.com/go-warren/warren/internal/layout"
	"github.com/go-warren/warren/internal/torrentfile"
)

// SubmitResult is the outcome of submitting a block to the Store.
type SubmitResult int

const (
	// Buffered means the block was accepted but the piece is not yet
	// complete.
	Buffered SubmitResult = iota
	// Accepted means the block completed the piece and the piece hashed
	// correctly; it has been written to disk.
	Accepted
	// RejectedBadHash means the block completed the piece but its hash did
	// not match; the piece's buffer has been discarded and must be
	// re-downloaded.
	RejectedBadHash
)

var (
	ErrPieceIndexOutOfRange = errors.New("piece: index out of range")
	ErrBlockOutOfRange      = errors.New("piece: block begin/length out of range")
	ErrAlreadyVerified      = errors.New("piece: piece already verified")
)

type pieceBuffer struct {
	blocks map[uint32][]byte
	length uint32
}

func (b *pieceBuffer) complete() bool {
	var have uint32
	for _, d := range b.blocks {
		have += uint32(len(d))
	}
	return have >= b.length
}

func (b *pieceBuffer) assemble() []byte {
	out := make([]byte, b.length)
	for begin, data := range b.blocks {
		copy(out[begin:], data)
	}
	return out
}

// Store holds the mutable download state for one torrent's pieces: which
// are verified, which are mid-assembly in memory, and a bounded cache of
// recently verified piece bytes for re-seeding.
type Store struct {
	descriptor *torrentfile.Descriptor
	layout     *layout.FileLayout

	mu       sync.Mutex
	buffers  map[uint32]*pieceBuffer
	verified bitfield.Bitfield
	cache    *lruCache
}

// New creates a Store over layout for the pieces described by descriptor.
// initial, if non-empty, seeds the verified set (e.g. from a prior
// ScanExisting or resumed state); it is cloned, not retained.
func New(descriptor *torrentfile.Descriptor, fl *layout.FileLayout, initial bitfield.Bitfield, cacheSize int) *Store {
	verified := bitfield.New(descriptor.PieceCount())
	if initial.Len() == descriptor.PieceCount() {
		verified = initial.Clone()
	}

	return &Store{
		descriptor: descriptor,
		layout:     fl,
		buffers:    make(map[uint32]*pieceBuffer),
		verified:   verified,
		cache:      newLRUCache(cacheSize),
	}
}

// Submit buffers a downloaded block, verifying and flushing the owning
// piece once every block has arrived. Submits are linearized under a single
// mutex: concurrent callers see consistent buffer state, and a piece can
// only ever be assembled and hashed once.
func (s *Store) Submit(pieceIndex, begin uint32, data []byte) (SubmitResult, error) {
	if int(pieceIndex) >= s.descriptor.PieceCount() {
		return 0, ErrPieceIndexOutOfRange
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.verified.Has(int(pieceIndex)) {
		return 0, ErrAlreadyVerified
	}

	pieceLen := s.descriptor.PieceLengthAt(int(pieceIndex))
	if begin+uint32(len(data)) > pieceLen {
		return 0, ErrBlockOutOfRange
	}

	buf, ok := s.buffers[pieceIndex]
	if !ok {
		buf = &pieceBuffer{blocks: make(map[uint32][]byte), length: pieceLen}
		s.buffers[pieceIndex] = buf
	}
	buf.blocks[begin] = append([]byte(nil), data...)

	if !buf.complete() {
		return Buffered, nil
	}

	assembled := buf.assemble()
	want := s.descriptor.Pieces[pieceIndex]

	if sha1.Sum(assembled) != want {
		delete(s.buffers, pieceIndex)
		return RejectedBadHash, nil
	}

	if err := s.layout.WriteBlock(pieceIndex, 0, assembled); err != nil {
		delete(s.buffers, pieceIndex)
		return 0, fmt.Errorf("piece: flush piece %d: %w", pieceIndex, err)
	}

	delete(s.buffers, pieceIndex)
	s.verified.Set(int(pieceIndex))
	s.cache.put(pieceIndex, assembled)

	return Accepted, nil
}

// Read returns length bytes at (pieceIndex, begin) of a verified piece,
// preferring the in-memory cache over a disk read. On a cache miss the full
// piece is re-read from disk and re-verified against its hash before any of
// it is served; a mismatch (the file changed underneath us) demotes the
// piece so it gets re-downloaded.
func (s *Store) Read(pieceIndex, begin, length uint32) ([]byte, error) {
	if int(pieceIndex) >= s.descriptor.PieceCount() {
		return nil, ErrPieceIndexOutOfRange
	}

	s.mu.Lock()
	verified := s.verified.Has(int(pieceIndex))
	cached, hit := s.cache.get(pieceIndex)
	s.mu.Unlock()

	if !verified {
		return nil, fmt.Errorf("piece: piece %d not verified", pieceIndex)
	}

	if !hit {
		full, err := s.layout.ReadBlock(pieceIndex, 0, s.descriptor.PieceLengthAt(int(pieceIndex)))
		if err != nil {
			return nil, err
		}
		// Hash outside the lock; only the bookkeeping needs it.
		ok := sha1.Sum(full) == s.descriptor.Pieces[pieceIndex]

		s.mu.Lock()
		if ok {
			s.cache.put(pieceIndex, full)
		} else {
			s.verified.Clear(int(pieceIndex))
			s.cache.remove(pieceIndex)
		}
		s.mu.Unlock()

		if !ok {
			return nil, fmt.Errorf("piece: piece %d failed verification on read", pieceIndex)
		}
		cached = full
	}

	if begin+length > uint32(len(cached)) {
		return nil, ErrBlockOutOfRange
	}
	out := make([]byte, length)
	copy(out, cached[begin:begin+length])
	return out, nil
}

// Verified reports whether piece i has been verified and flushed.
func (s *Store) Verified(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verified.Has(i)
}

// Bitfield returns a snapshot of the verified-piece set.
func (s *Store) Bitfield() bitfield.Bitfield {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verified.Clone()
}

// VerifyAll re-derives the verified set directly from on-disk bytes,
// discarding any in-memory buffers, and returns the new set.
func (s *Store) VerifyAll() bitfield.Bitfield {
	bf := s.layout.ScanExisting(s.descriptor.Pieces)

	s.mu.Lock()
	s.verified = bf.Clone()
	s.buffers = make(map[uint32]*pieceBuffer)
	s.mu.Unlock()

	return bf
}

// Complete reports whether every piece has been verified.
func (s *Store) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verified.IsComplete()
}
