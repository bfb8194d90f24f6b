package registry

import (
	"crypto/sha1"
	"net"
	"net/netip"
	"testing"

	"github.com/go-warren/warren/internal/config"
	"github.com/go-warren/warren/internal/peer"
)

// fakeSession builds a Ready session bound to an unconnected pipe, solely to
// exercise addr-keyed registry bookkeeping; no bytes are exchanged.
func fakeSession(t *testing.T, port uint16) *peer.Session {
	t.Helper()
	cfg, _ := config.Default()
	c1, c2 := net.Pipe()
	t.Cleanup(func() { c1.Close(); c2.Close() })

	addr := netip.AddrPortFrom(netip.IPv4Unspecified(), port)
	return peer.NewReadyForTesting(c1, cfg, addr, [sha1.Size]byte{}, 8)
}

func TestAddAndGet(t *testing.T) {
	r := New(2)
	s1 := fakeSession(t, 1)

	if evicted := r.Add(s1); evicted != nil {
		t.Fatal("expected no eviction under capacity")
	}
	if got, ok := r.Get(s1.Addr()); !ok || got != s1 {
		t.Fatal("expected to retrieve admitted session")
	}
	if r.Count() != 1 {
		t.Fatalf("expected count 1, got %d", r.Count())
	}
}

func TestAddEvictsWhenFull(t *testing.T) {
	r := New(1)
	s1 := fakeSession(t, 1)
	s2 := fakeSession(t, 2)

	r.Add(s1)
	evicted := r.Add(s2)
	if evicted != s1 {
		t.Fatal("expected s1 to be evicted to make room for s2")
	}
	if r.Count() != 1 {
		t.Fatalf("expected count 1 after eviction, got %d", r.Count())
	}
	if !r.Has(s2.Addr()) {
		t.Fatal("expected s2 to be present")
	}
}

func TestRemove(t *testing.T) {
	r := New(2)
	s1 := fakeSession(t, 1)
	r.Add(s1)
	r.Remove(s1.Addr())
	if r.Has(s1.Addr()) {
		t.Fatal("expected session removed")
	}
}

func TestRarestOrderDeterministic(t *testing.T) {
	r := New(4)
	s1 := fakeSession(t, 1)
	s2 := fakeSession(t, 2)
	r.Add(s1)
	r.Add(s2)

	// Neither session has advertised a bitfield, so availability is all
	// zero; order should simply be ascending index.
	order := r.RarestOrder(4)
	want := []int{0, 1, 2, 3}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order mismatch: got %v, want %v", order, want)
		}
	}
}
