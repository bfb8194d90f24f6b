package choke

import (
	"crypto/sha1"
	"math/rand"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/go-warren/warren/internal/config"
	"github.com/go-warren/warren/internal/peer"
	"github.com/go-warren/warren/internal/registry"
)

func testPeer(t *testing.T, cfg *config.Config, port uint16) *peer.Session {
	t.Helper()
	c1, c2 := net.Pipe()
	t.Cleanup(func() { c1.Close(); c2.Close() })
	addr := netip.AddrPortFrom(netip.IPv4Unspecified(), port)
	return peer.NewReadyForTesting(c1, cfg, addr, [sha1.Size]byte{}, 4)
}

func TestTickUnchokesUpToMaxUnchoked(t *testing.T) {
	cfg, _ := config.Default()
	cfg.MaxUnchoked = 2
	cfg.UnchokeInterval = time.Millisecond

	reg := registry.New(10)

	for i := uint16(1); i <= 3; i++ {
		s := testPeer(t, cfg, i)
		s.SetPeerInterestedForTesting(true)
		reg.Add(s)
	}

	c := New(cfg, reg, rand.New(rand.NewSource(1)))
	c.Tick()

	unchokedCount := 0
	for _, s := range reg.All() {
		if !s.AmChoking() {
			unchokedCount++
		}
	}

	// MaxUnchoked=2 means 1 regular slot + 1 optimistic slot.
	if unchokedCount != 2 {
		t.Fatalf("expected 2 unchoked peers, got %d", unchokedCount)
	}
}

func TestTickChokesUninterestedPeers(t *testing.T) {
	cfg, _ := config.Default()
	cfg.MaxUnchoked = 4
	reg := registry.New(10)

	s := testPeer(t, cfg, 1)
	reg.Add(s)

	c := New(cfg, reg, rand.New(rand.NewSource(1)))
	c.Tick()

	if !s.AmChoking() {
		t.Fatal("expected uninterested peer to remain choked")
	}
}

func TestOptimisticPickPinnedSeedIsRepeatable(t *testing.T) {
	// MaxUnchoked=1 leaves zero regular slots, so the single unchoke is the
	// optimistic draw. Two controllers over identical swarms with the same
	// seed must draw the same peer.
	pick := func(seed int64) netip.AddrPort {
		cfg, _ := config.Default()
		cfg.MaxUnchoked = 1

		reg := registry.New(10)
		for i := uint16(1); i <= 5; i++ {
			s := testPeer(t, cfg, i)
			s.SetPeerInterestedForTesting(true)
			reg.Add(s)
		}

		c := New(cfg, reg, rand.New(rand.NewSource(seed)))
		c.Tick()

		for _, s := range reg.All() {
			if !s.AmChoking() {
				return s.Addr()
			}
		}
		t.Fatal("expected exactly one unchoked peer")
		return netip.AddrPort{}
	}

	if a, b := pick(7), pick(7); a != b {
		t.Fatalf("same seed drew different optimistic peers: %v vs %v", a, b)
	}
}
