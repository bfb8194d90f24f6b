// Package choke implements the choking controller: a regular tit-for-tat
// unchoke of the fastest interested peers plus a periodic optimistic
// unchoke rotation.
package choke

import (
	"bytes"
	"context"
	"math/rand"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/go-warren/warren/internal/config"
	"github.com/go-warren/warren/internal/peer"
	"github.com/go-warren/warren/internal/registry"
)

// Controller periodically recomputes which peers to unchoke.
type Controller struct {
	cfg      *config.Config
	registry *registry.Registry
	rng      *rand.Rand

	mu         sync.Mutex
	round      int
	optimistic netip.AddrPort
	hasOpt     bool
}

// New creates a Controller driving unchoke decisions for reg. rng drives
// the optimistic-unchoke draw; tests pin its seed for repeatability, and a
// nil rng falls back to a time-seeded source.
func New(cfg *config.Config, reg *registry.Registry, rng *rand.Rand) *Controller {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Controller{
		cfg:      cfg,
		registry: reg,
		rng:      rng,
	}
}

// Run ticks every cfg.UnchokeInterval until ctx is canceled.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.UnchokeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Tick()
		}
	}
}

// Tick recomputes the unchoke set. Exported so tests and callers with
// their own scheduling loop can drive it without a live ticker.
func (c *Controller) Tick() {
	sessions := c.registry.All()
	for _, s := range sessions {
		s.Tick(c.cfg.UnchokeInterval)
	}

	c.mu.Lock()
	c.round++
	rotateOptimistic := c.round%c.cfg.OptimisticUnchokeRounds == 0
	c.mu.Unlock()

	regularSlots := c.cfg.MaxUnchoked - 1
	if regularSlots < 0 {
		regularSlots = 0
	}

	interested := make([]*peer.Session, 0, len(sessions))
	for _, s := range sessions {
		if s.PeerInterested() {
			interested = append(interested, s)
		}
	}

	// Rank by observed rate; ties break on lowest peer id bytes so the
	// outcome doesn't depend on map iteration order.
	sort.Slice(interested, func(i, j int) bool {
		ri, rj := interested[i].DownloadRate(), interested[j].DownloadRate()
		if ri != rj {
			return ri > rj
		}
		pi, pj := interested[i].PeerID(), interested[j].PeerID()
		return bytes.Compare(pi[:], pj[:]) < 0
	})

	unchoke := make(map[netip.AddrPort]bool, regularSlots+1)
	for i := 0; i < len(interested) && i < regularSlots; i++ {
		unchoke[interested[i].Addr()] = true
	}

	opt := c.pickOptimistic(sessions, unchoke, rotateOptimistic)
	if opt != (netip.AddrPort{}) {
		unchoke[opt] = true
	}

	for _, s := range sessions {
		if unchoke[s.Addr()] {
			s.SendUnchoke()
		} else {
			s.SendChoke()
		}
	}
}

// pickOptimistic returns the address to optimistically unchoke this round.
// It keeps the previous pick unless rotate is true or that peer left the
// swarm, in which case it draws uniformly among interested peers not
// already in the regular unchoke set, whatever their current choke state.
func (c *Controller) pickOptimistic(sessions []*peer.Session, regular map[netip.AddrPort]bool, rotate bool) netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !rotate && c.hasOpt {
		for _, s := range sessions {
			if s.Addr() == c.optimistic {
				return c.optimistic
			}
		}
	}

	var candidates []netip.AddrPort
	for _, s := range sessions {
		if regular[s.Addr()] {
			continue
		}
		if !s.PeerInterested() {
			continue
		}
		candidates = append(candidates, s.Addr())
	}
	// Registry snapshots come in map order; sort so a pinned rng seed
	// yields a repeatable draw.
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if c := a.Addr().Compare(b.Addr()); c != 0 {
			return c < 0
		}
		return a.Port() < b.Port()
	})

	if len(candidates) == 0 {
		c.hasOpt = false
		return netip.AddrPort{}
	}

	c.optimistic = candidates[c.rng.Intn(len(candidates))]
	c.hasOpt = true
	return c.optimistic
}
