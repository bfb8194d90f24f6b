// Package registry tracks the set of active peer sessions for one torrent:
// admission under a capacity cap, eviction when full, and the rarity
// queries the choking controller and scheduler need.
package registry

import (
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/go-warren/warren/internal/peer"
)

// reputation is the bookkeeping used to rank sessions for eviction once the
// registry is at capacity. A session earns reputation by moving bytes in
// either direction; ties evict the oldest connection, which has had the
// longest chance to prove itself and hasn't.
type reputation struct {
	connectedAt time.Time
}

// Registry is a capacity-capped, concurrency-safe set of peer sessions.
type Registry struct {
	maxPeers int

	mu          sync.RWMutex
	sessions    map[netip.AddrPort]*peer.Session
	reputations map[netip.AddrPort]*reputation
}

// New creates a Registry admitting at most maxPeers concurrent sessions.
func New(maxPeers int) *Registry {
	return &Registry{
		maxPeers:    maxPeers,
		sessions:    make(map[netip.AddrPort]*peer.Session),
		reputations: make(map[netip.AddrPort]*reputation),
	}
}

// Add admits s. If the registry is already at capacity, it evicts the
// lowest-reputation existing session first. It reports the evicted session
// (nil if none was needed) so the caller can close it.
func (r *Registry) Add(s *peer.Session) (evicted *peer.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.Addr()]; exists {
		return nil
	}

	if len(r.sessions) >= r.maxPeers {
		evicted = r.evictLocked()
	}

	r.sessions[s.Addr()] = s
	r.reputations[s.Addr()] = &reputation{connectedAt: time.Now()}
	return evicted
}

// evictLocked picks and removes the lowest-scoring session. Score is the sum
// of the current download and upload rates; ties break toward evicting the
// oldest connection.
// Callers must hold r.mu.
func (r *Registry) evictLocked() *peer.Session {
	var (
		worstAddr  netip.AddrPort
		worst      *peer.Session
		worstScore = -1.0
		worstAt    time.Time
	)

	for addr, s := range r.sessions {
		score := s.DownloadRate() + s.UploadRate()
		at := r.reputations[addr].connectedAt

		if worst == nil || score < worstScore || (score == worstScore && at.Before(worstAt)) {
			worstAddr, worst, worstScore, worstAt = addr, s, score, at
		}
	}

	if worst != nil {
		delete(r.sessions, worstAddr)
		delete(r.reputations, worstAddr)
	}
	return worst
}

// Remove drops addr from the registry; it is a no-op if addr is absent.
func (r *Registry) Remove(addr netip.AddrPort) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, addr)
	delete(r.reputations, addr)
}

// Get returns the session for addr, if any.
func (r *Registry) Get(addr netip.AddrPort) (*peer.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[addr]
	return s, ok
}

// Has reports whether addr already has an active session.
func (r *Registry) Has(addr netip.AddrPort) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[addr]
	return ok
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Full reports whether the registry is at its capacity cap.
func (r *Registry) Full() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions) >= r.maxPeers
}

// All returns a snapshot slice of every active session.
func (r *Registry) All() []*peer.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*peer.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// PeersWithPiece returns every session whose advertised bitfield has index.
func (r *Registry) PeersWithPiece(index int) []*peer.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*peer.Session
	for _, s := range r.sessions {
		if s.Bitfield().Has(index) {
			out = append(out, s)
		}
	}
	return out
}

// RarestOrder returns piece indices [0, pieceCount) sorted ascending by how
// many active sessions currently advertise them. Pieces with equal
// availability are returned in index order, for determinism.
func (r *Registry) RarestOrder(pieceCount int) []int {
	availability := make([]int, pieceCount)

	r.mu.RLock()
	for _, s := range r.sessions {
		bf := s.Bitfield()
		for _, idx := range bf.Available() {
			if idx < pieceCount {
				availability[idx]++
			}
		}
	}
	r.mu.RUnlock()

	order := make([]int, pieceCount)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return availability[order[i]] < availability[order[j]]
	})
	return order
}
