package peer

import (
	"context"
	"crypto/sha1"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/go-warren/warren/internal/bitfield"
	"github.com/go-warren/warren/internal/config"
	"github.com/go-warren/warren/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingHandler struct {
	mu        sync.Mutex
	haves     []int
	bitfields []bitfield.Bitfield
	pieces    [][]byte
	requests  [][3]uint32
	choked    bool
	unchoked  bool
	closed    chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{closed: make(chan struct{})}
}

func (h *recordingHandler) OnChoke(s *Session)         { h.mu.Lock(); h.choked = true; h.mu.Unlock() }
func (h *recordingHandler) OnUnchoke(s *Session)       { h.mu.Lock(); h.unchoked = true; h.mu.Unlock() }
func (h *recordingHandler) OnInterested(s *Session)    {}
func (h *recordingHandler) OnNotInterested(s *Session) {}

func (h *recordingHandler) OnHave(s *Session, index int) {
	h.mu.Lock()
	h.haves = append(h.haves, index)
	h.mu.Unlock()
}

func (h *recordingHandler) OnBitfield(s *Session, bf bitfield.Bitfield) {
	h.mu.Lock()
	h.bitfields = append(h.bitfields, bf)
	h.mu.Unlock()
}

func (h *recordingHandler) OnRequest(s *Session, index, begin, length uint32) {
	h.mu.Lock()
	h.requests = append(h.requests, [3]uint32{index, begin, length})
	h.mu.Unlock()
}

func (h *recordingHandler) OnPiece(s *Session, index, begin uint32, block []byte) {
	h.mu.Lock()
	h.pieces = append(h.pieces, block)
	h.mu.Unlock()
}

func (h *recordingHandler) OnCancel(s *Session, index, begin, length uint32) {}

func (h *recordingHandler) OnClose(s *Session, err error) {
	close(h.closed)
}

func testConfig() *config.Config {
	cfg, _ := config.Default()
	cfg.ReadTimeout = 50 * time.Millisecond
	cfg.WriteTimeout = time.Second
	cfg.KeepAliveInterval = time.Hour
	cfg.HandshakeTimeout = time.Second
	return cfg
}

// handshakeOverPipe drives an Accept/Dial pair over an in-memory connection
// pair, standing in for a real TCP socket.
func handshakeOverPipe(t *testing.T, infoHash [sha1.Size]byte) (*Session, *Session) {
	t.Helper()

	clientConn, serverConn := net.Pipe()
	cfg := testConfig()

	clientH := newRecordingHandler()
	serverH := newRecordingHandler()

	type dialResult struct {
		s   *Session
		err error
	}
	dialCh := make(chan dialResult, 1)
	go func() {
		// Dial expects to create its own connection; for the pipe test we
		// bypass Dial's net.Dialer and drive the handshake directly against
		// clientConn via the lower-level wire exchange, then build the
		// Session by hand.
		ours := wire.NewHandshake(infoHash, cfg.ClientID)
		remote, err := wire.ExchangeOutbound(clientConn, ours)
		if err != nil {
			dialCh <- dialResult{nil, err}
			return
		}
		s := newSession(clientConn, cfg, netip.AddrPort{}, infoHash, false, 8, clientH, testLogger())
		s.peerID = remote.PeerID
		s.state.Store(int32(StateReady))
		dialCh <- dialResult{s, nil}
	}()

	lookup := func(h [sha1.Size]byte) bool { return h == infoHash }
	serverCfg, _ := config.Default()
	serverHS, err := wire.ExchangeInbound(serverConn, serverCfg.ClientID, lookup)
	if err != nil {
		t.Fatalf("inbound handshake: %v", err)
	}

	res := <-dialCh
	if res.err != nil {
		t.Fatalf("outbound handshake: %v", res.err)
	}

	serverSession := newSession(serverConn, cfg, netip.AddrPort{}, serverHS.InfoHash, true, 8, serverH, testLogger())
	serverSession.peerID = serverHS.PeerID
	serverSession.state.Store(int32(StateReady))

	return res.s, serverSession
}

func TestHandshakeAndMessageExchange(t *testing.T) {
	var infoHash [sha1.Size]byte
	infoHash[0] = 0x42

	client, server := handshakeOverPipe(t, infoHash)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go client.Run(ctx)
	go server.Run(ctx)

	if err := client.SendInterested(); err != nil {
		t.Fatal(err)
	}
	if err := server.SendUnchoke(); err != nil {
		t.Fatal(err)
	}
	if err := server.SendHave(3); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)

	if client.PeerChoking() {
		t.Fatal("expected client to observe server's unchoke")
	}

	ch := client.handler.(*recordingHandler)
	ch.mu.Lock()
	haves := append([]int(nil), ch.haves...)
	ch.mu.Unlock()
	if len(haves) != 1 || haves[0] != 3 {
		t.Fatalf("expected client to have recorded Have(3), got %v", haves)
	}

	cancel()
	client.Close()
	server.Close()
}

func TestSessionRejectsRunWhenNotReady(t *testing.T) {
	cfg := testConfig()
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	s := newSession(c1, cfg, netip.AddrPort{}, [sha1.Size]byte{}, false, 4, newRecordingHandler(), testLogger())
	if err := s.Run(context.Background()); err != ErrNotReady {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestDropPendingFlushesPipeline(t *testing.T) {
	cfg := testConfig()
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	s := newSession(c1, cfg, netip.AddrPort{}, [sha1.Size]byte{}, false, 4, newRecordingHandler(), testLogger())

	if err := s.SendRequest(0, 0, 16384); err != nil {
		t.Fatal(err)
	}
	if err := s.SendRequest(0, 16384, 16384); err != nil {
		t.Fatal(err)
	}
	if got := s.PipelineDepth(); got != 2 {
		t.Fatalf("expected pipeline depth 2, got %d", got)
	}

	dropped := s.DropPending()
	if len(dropped) != 2 {
		t.Fatalf("expected 2 dropped requests, got %d", len(dropped))
	}
	if got := s.PipelineDepth(); got != 0 {
		t.Fatalf("expected empty pipeline after drop, got %d", got)
	}
}

func TestFlowFlagsDefaults(t *testing.T) {
	f := newFlowFlags()
	if !f.AmChoking() || !f.PeerChoking() {
		t.Fatal("expected both choking bits set by default")
	}
	if f.AmInterested() || f.PeerInterested() {
		t.Fatal("expected interested bits clear by default")
	}

	if !f.SetAmInterested(true) {
		t.Fatal("expected change to register")
	}
	if f.SetAmInterested(true) {
		t.Fatal("expected no-op set to report no change")
	}
}
