package engine

import (
	"github.com/go-warren/warren/internal/bitfield"
	"github.com/go-warren/warren/internal/peer"
	"github.com/go-warren/warren/internal/piece"
	"github.com/go-warren/warren/internal/wire"
)

// handler implements peer.Handler, routing wire events into the store,
// scheduler, and registry. It holds no state of its own beyond the Engine
// it was built for.
type handler struct {
	e *Engine
}

func (h *handler) OnChoke(s *peer.Session) {
	// Everything we had in flight to this peer is implicitly cancelled;
	// give the blocks back to the scheduler.
	h.e.sched.OnPeerChoked(s.Addr(), s.DropPending())
}

func (h *handler) OnUnchoke(s *peer.Session) {}

func (h *handler) OnInterested(s *peer.Session) {}

func (h *handler) OnNotInterested(s *peer.Session) {}

func (h *handler) OnHave(s *peer.Session, index int) {
	h.e.sched.OnPeerHave(index)
	h.updateInterest(s)
}

func (h *handler) OnBitfield(s *peer.Session, bf bitfield.Bitfield) {
	h.e.sched.OnPeerBitfield(bf)
	h.updateInterest(s)
}

func (h *handler) OnRequest(s *peer.Session, index, begin, length uint32) {
	if s.AmChoking() {
		return
	}

	// Oversized or out-of-bounds requests are ignored rather than treated
	// as fatal; the store's own range check covers the bounds case.
	if length > wire.MaxRequestLength {
		return
	}

	data, err := h.e.store.Read(index, begin, length)
	if err != nil {
		return
	}

	if err := s.SendPiece(index, begin, data); err == nil {
		h.e.uploaded.Add(int64(len(data)))
	}
}

func (h *handler) OnPiece(s *peer.Session, index, begin uint32, block []byte) {
	for _, c := range h.e.sched.OnBlockArrived(s.Addr(), index, begin) {
		if other, ok := h.e.registry.Get(c.Addr); ok {
			other.SendCancel(c.Index, c.Begin, c.Length)
		}
	}
	h.e.downloaded.Add(int64(len(block)))

	result, err := h.e.store.Submit(index, begin, block)
	if err != nil {
		return
	}

	switch result {
	case piece.Accepted:
		h.e.sched.OnPieceVerified(int(index))
		h.broadcastHave(index, s)
		h.refreshInterestAll()
	case piece.RejectedBadHash:
		h.e.sched.OnPieceRejected(index)
	}
}

func (h *handler) OnCancel(s *peer.Session, index, begin, length uint32) {}

func (h *handler) OnClose(s *peer.Session, err error) {
	h.e.registry.Remove(s.Addr())
	h.e.sched.OnPeerGone(s.Addr(), s.Bitfield())
}

func (h *handler) broadcastHave(index uint32, exclude *peer.Session) {
	for _, sess := range h.e.registry.All() {
		if sess.Addr() == exclude.Addr() {
			continue
		}
		sess.SendHave(index)
	}
}

// updateInterest flips our interested bit toward s based on whether it
// advertises any piece we still lack. SendInterested/SendNotInterested are
// no-ops when the bit is already in the right state.
func (h *handler) updateInterest(s *peer.Session) {
	ours := h.e.store.Bitfield()
	theirs := s.Bitfield()

	wantSomething := false
	for _, i := range theirs.Available() {
		if !ours.Has(i) {
			wantSomething = true
			break
		}
	}

	if wantSomething {
		s.SendInterested()
	} else {
		s.SendNotInterested()
	}
}

// refreshInterestAll re-evaluates interest toward every peer, typically
// after a piece completes and may have satisfied some of them.
func (h *handler) refreshInterestAll() {
	for _, sess := range h.e.registry.All() {
		h.updateInterest(sess)
	}
}
