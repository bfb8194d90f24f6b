// Package scheduler decides which piece blocks to request from which peers:
// rarest-first selection backed by an availability bucket, an initial
// random-first-N phase to avoid swarm-wide herding, endgame duplicate
// requesting once few pieces remain, and per-peer pipelining with
// duplicate avoidance.
package scheduler

import (
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/go-warren/warren/internal/bitfield"
	"github.com/go-warren/warren/internal/config"
	"github.com/go-warren/warren/internal/peer"
	"github.com/go-warren/warren/internal/registry"
	"github.com/go-warren/warren/internal/torrentfile"
)

type blockState uint8

const (
	blockWant blockState = iota
	blockInflight
	blockDone
)

type pieceProgress struct {
	length     uint32
	blockLen   uint32
	blocks     []blockState
	owners     []map[netip.AddrPort]time.Time // per-block owner set, only >1 entry in endgame
	doneBlocks int
}

func newPieceProgress(length, blockLen uint32) *pieceProgress {
	n := blockCount(length, blockLen)
	p := &pieceProgress{
		length:   length,
		blockLen: blockLen,
		blocks:   make([]blockState, n),
		owners:   make([]map[netip.AddrPort]time.Time, n),
	}
	for i := range p.owners {
		p.owners[i] = make(map[netip.AddrPort]time.Time)
	}
	return p
}

func (p *pieceProgress) complete() bool { return p.doneBlocks == len(p.blocks) }

// Request identifies one block to fetch from a specific peer.
type Request struct {
	Index, Begin, Length uint32
}

// Scheduler picks which blocks each peer should be asked for next.
type Scheduler struct {
	cfg        *config.Config
	descriptor *torrentfile.Descriptor
	registry   *registry.Registry

	mu              sync.Mutex
	rng             *rand.Rand // guarded by mu; drives the random-pick paths
	availability    *availabilityBucket
	pieces          map[uint32]*pieceProgress // non-verified pieces with at least one tracked block
	remainingPieces int
	endgame         bool
	randomPicksLeft int
}

// New creates a Scheduler over descriptor's pieces, seeded with which
// pieces are already verified (so a resumed download doesn't re-fetch
// them). rng drives the random-first picks; tests pin its seed for
// repeatability, and a nil rng falls back to a time-seeded source.
func New(cfg *config.Config, descriptor *torrentfile.Descriptor, reg *registry.Registry, verified bitfield.Bitfield, rng *rand.Rand) *Scheduler {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	n := descriptor.PieceCount()
	ab := newAvailabilityBucket(n, cfg.MaxPeers)

	remaining := n
	for _, i := range verified.Available() {
		ab.Remove(i)
		remaining--
	}

	s := &Scheduler{
		cfg:             cfg,
		descriptor:      descriptor,
		registry:        reg,
		rng:             rng,
		availability:    ab,
		pieces:          make(map[uint32]*pieceProgress),
		remainingPieces: remaining,
		randomPicksLeft: cfg.RandomFirstN,
	}
	s.recomputeEndgameLocked()
	return s
}

// OnPeerBitfield folds a newly-connected peer's full bitfield into
// availability counts.
func (s *Scheduler) OnPeerBitfield(bf bitfield.Bitfield) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, i := range bf.Available() {
		s.availability.Move(i, 1)
	}
	s.recomputeEndgameLocked()
}

// OnPeerHave folds a single HAVE announcement into availability.
func (s *Scheduler) OnPeerHave(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.availability.Move(index, 1)
}

// OnPeerGone reverses a disconnected peer's contribution to availability and
// releases any blocks it still owned so another peer can pick them up.
func (s *Scheduler) OnPeerGone(addr netip.AddrPort, bf bitfield.Bitfield) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, i := range bf.Available() {
		s.availability.Move(i, -1)
	}
	s.releaseOwnerLocked(addr)
}

// OnPeerChoked requeues the requests the remote implicitly cancelled by
// choking us; dropped is the pipeline the session just
// flushed.
func (s *Scheduler) OnPeerChoked(addr netip.AddrPort, dropped []peer.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, req := range dropped {
		p, ok := s.pieces[req.Index]
		if !ok {
			continue
		}
		b := int(req.Begin / p.blockLen)
		if b < 0 || b >= len(p.blocks) {
			continue
		}
		delete(p.owners[b], addr)
		if len(p.owners[b]) == 0 && p.blocks[b] == blockInflight {
			p.blocks[b] = blockWant
		}
	}
}

// releaseOwnerLocked removes addr from every block owner set, returning
// in-flight blocks it solely owned to blockWant.
func (s *Scheduler) releaseOwnerLocked(addr netip.AddrPort) {
	for _, p := range s.pieces {
		for b := range p.blocks {
			if _, ok := p.owners[b][addr]; !ok {
				continue
			}
			delete(p.owners[b], addr)
			if len(p.owners[b]) == 0 && p.blocks[b] == blockInflight {
				p.blocks[b] = blockWant
			}
		}
	}
}

// OnPieceVerified removes a completed piece from active tracking.
func (s *Scheduler) OnPieceVerified(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.availability.Remove(index)
	delete(s.pieces, uint32(index))
	s.remainingPieces--
	s.recomputeEndgameLocked()
}

// OnPieceRejected resets a piece's blocks to want after a failed hash
// check, so it is re-downloaded.
func (s *Scheduler) OnPieceRejected(index uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pieces[index]; ok {
		for i := range p.blocks {
			p.blocks[i] = blockWant
			p.owners[i] = make(map[netip.AddrPort]time.Time)
		}
		p.doneBlocks = 0
	}
}

// CancelTarget names a duplicate in-flight request that should be cancelled
// now that the block has arrived from someone else during endgame.
type CancelTarget struct {
	Addr                 netip.AddrPort
	Index, Begin, Length uint32
}

// OnBlockArrived marks a single block done, independent of whether the
// owning piece has verified yet (verification itself is the store's job).
// from is the peer that delivered the block; the returned targets are the
// other peers still holding a duplicate request for it.
func (s *Scheduler) OnBlockArrived(from netip.AddrPort, index, begin uint32) []CancelTarget {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pieces[index]
	if !ok {
		return nil
	}
	blockIdx := int(begin / p.blockLen)
	if blockIdx < 0 || blockIdx >= len(p.blocks) {
		return nil
	}
	if p.blocks[blockIdx] != blockDone {
		p.blocks[blockIdx] = blockDone
		p.doneBlocks++
	}

	var cancels []CancelTarget
	_, length := blockBounds(p.length, p.blockLen, blockIdx)
	for addr := range p.owners[blockIdx] {
		if addr != from {
			cancels = append(cancels, CancelTarget{Addr: addr, Index: index, Begin: begin, Length: length})
		}
		delete(p.owners[blockIdx], addr)
	}
	return cancels
}

func (s *Scheduler) recomputeEndgameLocked() {
	s.endgame = s.remainingPieces > 0 && s.remainingPieces <= s.cfg.EndgameThreshold
}

func (s *Scheduler) progressFor(index uint32) *pieceProgress {
	if p, ok := s.pieces[index]; ok {
		return p
	}
	p := newPieceProgress(s.descriptor.PieceLengthAt(int(index)), s.cfg.BlockLength)
	s.pieces[index] = p
	return p
}

// NextRequests picks up to want blocks to request from s, respecting its
// pipeline capacity, and marks them assigned. It never returns more than
// s's remaining pipeline slack.
func (s *Scheduler) NextRequests(sess *peer.Session, want int) []Request {
	capLeft := s.cfg.MaxPipeline - sess.PipelineDepth()
	if want > capLeft {
		want = capLeft
	}
	if want <= 0 {
		return nil
	}

	peerBF := sess.Bitfield()
	addr := sess.Addr()

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Request

	if s.endgame {
		out = s.pickEndgameLocked(peerBF, addr, want)
	} else if s.randomPicksLeft > 0 {
		out = s.pickRandomLocked(peerBF, addr, want)
	} else {
		switch s.cfg.DownloadStrategy {
		case config.DownloadStrategySequential:
			out = s.pickSequentialLocked(peerBF, addr, want)
		case config.DownloadStrategyRandom:
			out = s.pickShuffledLocked(peerBF, addr, want)
		default:
			out = s.pickRarestLocked(peerBF, addr, want)
		}
	}

	return out
}

// pickSequentialLocked assigns blocks in ascending piece order, for callers
// that want in-order delivery (e.g. streaming playback) over swarm health.
func (s *Scheduler) pickSequentialLocked(peerBF bitfield.Bitfield, addr netip.AddrPort, want int) []Request {
	var out []Request
	for _, idx := range peerBF.Available() {
		if len(out) >= want {
			break
		}
		if !s.availability.Tracked(idx) {
			continue
		}
		out = append(out, s.assignFromPieceLocked(uint32(idx), addr, want-len(out), false)...)
	}
	return out
}

// pickShuffledLocked samples uniformly among the peer's still-missing
// pieces, without consuming the random-first budget.
func (s *Scheduler) pickShuffledLocked(peerBF bitfield.Bitfield, addr netip.AddrPort, want int) []Request {
	candidates := peerBF.Available()
	s.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	var out []Request
	for _, idx := range candidates {
		if len(out) >= want {
			break
		}
		if !s.availability.Tracked(idx) {
			continue
		}
		out = append(out, s.assignFromPieceLocked(uint32(idx), addr, want-len(out), false)...)
	}
	return out
}

func (s *Scheduler) pickRarestLocked(peerBF bitfield.Bitfield, addr netip.AddrPort, want int) []Request {
	start, ok := s.availability.FirstNonEmpty()
	if !ok {
		return nil
	}

	var out []Request
	for level := start; level <= s.availability.maxAvail && len(out) < want; level++ {
		for _, idx := range s.availability.Bucket(level) {
			if len(out) >= want {
				break
			}
			if !peerBF.Has(idx) {
				continue
			}
			out = append(out, s.assignFromPieceLocked(uint32(idx), addr, want-len(out), false)...)
		}
	}

	return out
}

func (s *Scheduler) pickRandomLocked(peerBF bitfield.Bitfield, addr netip.AddrPort, want int) []Request {
	candidates := peerBF.Available()
	if len(candidates) == 0 {
		return nil
	}

	// Shuffle to sample without replacement.
	s.rng.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })

	var out []Request
	for _, idx := range candidates {
		if len(out) >= want || s.randomPicksLeft <= 0 {
			break
		}
		if !s.availability.Tracked(idx) {
			continue
		}
		before := len(out)
		out = append(out, s.assignFromPieceLocked(uint32(idx), addr, want-len(out), false)...)
		if len(out) > before {
			s.randomPicksLeft--
		}
	}
	return out
}

func (s *Scheduler) pickEndgameLocked(peerBF bitfield.Bitfield, addr netip.AddrPort, want int) []Request {
	start, ok := s.availability.FirstNonEmpty()
	if !ok {
		return nil
	}

	var out []Request
	for level := start; level <= s.availability.maxAvail && len(out) < want; level++ {
		for _, idx := range s.availability.Bucket(level) {
			if len(out) >= want {
				break
			}
			if !peerBF.Has(idx) {
				continue
			}
			out = append(out, s.assignFromPieceLocked(uint32(idx), addr, want-len(out), true)...)
		}
	}
	return out
}

// assignFromPieceLocked selects up to limit not-yet-done blocks from piece
// index for addr. In endgame mode it may assign a block that already has
// owners, up to EndgameDuplicatePerBlock total.
func (s *Scheduler) assignFromPieceLocked(index uint32, addr netip.AddrPort, limit int, endgame bool) []Request {
	p := s.progressFor(index)

	var out []Request
	for b := 0; b < len(p.blocks) && len(out) < limit; b++ {
		if p.blocks[b] == blockDone {
			continue
		}
		if _, already := p.owners[b][addr]; already {
			continue
		}
		if p.blocks[b] == blockInflight {
			if !endgame || len(p.owners[b]) >= s.cfg.EndgameDuplicatePerBlock {
				continue
			}
		}

		begin, length := blockBounds(p.length, p.blockLen, b)
		p.blocks[b] = blockInflight
		p.owners[b][addr] = time.Now()
		out = append(out, Request{Index: index, Begin: begin, Length: length})
	}
	return out
}

// RequeueExpired scans every registered session for requests that timed
// out and releases the corresponding blocks back to blockWant so another
// peer can pick them up.
func (s *Scheduler) RequeueExpired() {
	for _, sess := range s.registry.All() {
		expired := sess.ExpiredRequests()
		if len(expired) == 0 {
			continue
		}

		addr := sess.Addr()
		var cancels []Request

		s.mu.Lock()
		for _, req := range expired {
			p, ok := s.pieces[req.Index]
			if !ok {
				continue
			}
			b := int(req.Begin / p.blockLen)
			if b < 0 || b >= len(p.blocks) {
				continue
			}
			delete(p.owners[b], addr)
			if len(p.owners[b]) == 0 && p.blocks[b] == blockInflight {
				p.blocks[b] = blockWant
			}

			begin, length := blockBounds(p.length, p.blockLen, b)
			cancels = append(cancels, Request{Index: req.Index, Begin: begin, Length: length})
		}
		s.mu.Unlock()

		for _, c := range cancels {
			sess.SendCancel(c.Index, c.Begin, c.Length)
		}
	}
}

// Endgame reports whether the scheduler is currently in endgame mode.
func (s *Scheduler) Endgame() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endgame
}
