package tracker

import (
	"context"
	"crypto/sha1"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/go-warren/warren/internal/bencode"
	"github.com/go-warren/warren/internal/config"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func compactPeer(ip [4]byte, port uint16) string {
	b := make([]byte, 6)
	copy(b, ip[:])
	b[4] = byte(port >> 8)
	b[5] = byte(port)
	return string(b)
}

func TestHTTPClientAnnounceParsesCompactPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("compact"); got != "1" {
			t.Errorf("expected compact=1, got %q", got)
		}

		peers := compactPeer([4]byte{192, 168, 1, 1}, 6881) + compactPeer([4]byte{10, 0, 0, 5}, 51413)

		body, err := bencode.Marshal(map[string]any{
			"interval": int64(1800),
			"complete": int64(3),
			"incomplete": int64(7),
			"peers":    peers,
		})
		if err != nil {
			t.Fatalf("marshal response: %v", err)
		}
		w.Write(body)
	}))
	defer srv.Close()

	client, err := NewHTTPClient(srv.URL + "/announce")
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}

	resp, err := client.Announce(context.Background(), AnnounceParams{
		InfoHash: sha1.Sum([]byte("x")),
		PeerID:   sha1.Sum([]byte("y")),
		Port:     6881,
		Event:    EventStarted,
	})
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}

	if resp.Interval != 1800*time.Second {
		t.Fatalf("expected interval 1800s, got %v", resp.Interval)
	}
	if resp.Seeders != 3 || resp.Leechers != 7 {
		t.Fatalf("expected seeders=3 leechers=7, got %d/%d", resp.Seeders, resp.Leechers)
	}
	if len(resp.Peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(resp.Peers))
	}
	want := netip.MustParseAddrPort("192.168.1.1:6881")
	if resp.Peers[0] != want {
		t.Fatalf("expected first peer %v, got %v", want, resp.Peers[0])
	}
}

func TestHTTPClientAnnounceFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := bencode.Marshal(map[string]any{"failure reason": "torrent not registered"})
		w.Write(body)
	}))
	defer srv.Close()

	client, err := NewHTTPClient(srv.URL)
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}

	_, err = client.Announce(context.Background(), AnnounceParams{})
	if err == nil {
		t.Fatal("expected an error for a failure-reason response")
	}
}

type fakeSource struct {
	mu    sync.Mutex
	calls []Event
	fail  bool
}

func (f *fakeSource) Announce(ctx context.Context, params AnnounceParams) (AnnounceResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, params.Event)
	if f.fail {
		return AnnounceResponse{}, fmt.Errorf("boom")
	}
	return AnnounceResponse{Interval: 50 * time.Millisecond}, nil
}

func TestAnnouncerSendsStartedThenStopped(t *testing.T) {
	cfg, _ := config.Default()
	cfg.AnnounceInterval = 50 * time.Millisecond
	cfg.MinAnnounceInterval = 0

	src := &fakeSource{}
	peersCh := make(chan []netip.AddrPort, 4)

	a := NewAnnouncer(cfg, src, func() AnnounceParams { return AnnounceParams{} }, func(p []netip.AddrPort) { peersCh <- p }, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	select {
	case <-peersCh:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first announce")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Run to exit")
	}

	src.mu.Lock()
	defer src.mu.Unlock()
	if len(src.calls) < 2 {
		t.Fatalf("expected at least started+stopped calls, got %v", src.calls)
	}
	if src.calls[0] != EventStarted {
		t.Fatalf("expected first call to be started, got %v", src.calls[0])
	}
	if src.calls[len(src.calls)-1] != EventStopped {
		t.Fatalf("expected last call to be stopped, got %v", src.calls[len(src.calls)-1])
	}
}
