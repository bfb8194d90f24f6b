// Package peer implements the per-connection peer session state machine:
// handshake, flow-control bookkeeping, message framing, request
// pipelining, and idle/stall detection.
package peer

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-warren/warren/internal/bitfield"
	"github.com/go-warren/warren/internal/config"
	"github.com/go-warren/warren/internal/wire"
	"golang.org/x/sync/errgroup"
)

// State is a session's position in its lifecycle.
type State int32

const (
	StateDialing State = iota
	StateHandshaking
	StateReady
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDialing:
		return "dialing"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ewmaAlpha smooths per-second rate samples into the EWMA the choking
// controller reads.
const ewmaAlpha = 0.25

// Handler receives session events. Implementations (the scheduler, the
// registry, the choking controller) must not block; do slow work on a
// separate goroutine.
type Handler interface {
	OnChoke(s *Session)
	OnUnchoke(s *Session)
	OnInterested(s *Session)
	OnNotInterested(s *Session)
	OnHave(s *Session, index int)
	OnBitfield(s *Session, bf bitfield.Bitfield)
	OnRequest(s *Session, index, begin, length uint32)
	OnPiece(s *Session, index, begin uint32, block []byte)
	OnCancel(s *Session, index, begin, length uint32)
	OnClose(s *Session, err error)
}

// Session is one peer-wire connection and its negotiated state.
type Session struct {
	conn    net.Conn
	cfg     *config.Config
	log     *slog.Logger
	handler Handler

	addr     netip.AddrPort
	inbound  bool
	infoHash [sha1.Size]byte
	peerID   [sha1.Size]byte

	state atomic.Int32
	flags *flowFlags

	bfMu sync.Mutex
	bf   bitfield.Bitfield

	outbox chan *wire.Message

	// sawMessage is touched only from the read loop; it gates the
	// bitfield-must-be-first rule.
	sawMessage bool

	pipelineMu sync.Mutex
	pipeline   map[blockKey]time.Time

	downRate *rateMeter
	upRate   *rateMeter

	// lastInbound is the unix-nano timestamp of the last frame (including
	// keep-alives) read from the remote, feeding the stall watchdog.
	lastInbound atomic.Int64

	grp       *errgroup.Group
	cancel    context.CancelFunc
	closeOnce sync.Once
}

type blockKey struct {
	index, begin uint32
}

func newSession(conn net.Conn, cfg *config.Config, addr netip.AddrPort, infoHash [sha1.Size]byte, inbound bool, pieceCount int, handler Handler, log *slog.Logger) *Session {
	s := &Session{
		conn:     conn,
		cfg:      cfg,
		log:      log,
		handler:  handler,
		addr:     addr,
		inbound:  inbound,
		infoHash: infoHash,
		flags:    newFlowFlags(),
		bf:       bitfield.New(pieceCount),
		outbox:   make(chan *wire.Message, cfg.PeerOutboxBacklog),
		pipeline: make(map[blockKey]time.Time),
		downRate: newRateMeter(ewmaAlpha),
		upRate:   newRateMeter(ewmaAlpha),
	}
	s.state.Store(int32(StateDialing))
	s.lastInbound.Store(time.Now().UnixNano())
	return s
}

// Dial opens an outbound TCP connection to addr and performs the outbound
// handshake (send ours, then read theirs) before returning a Ready session.
func Dial(ctx context.Context, cfg *config.Config, addr netip.AddrPort, infoHash [sha1.Size]byte, pieceCount int, handler Handler, log *slog.Logger) (*Session, error) {
	dialer := &net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("peer: dial %s: %w", addr, err)
	}

	s := newSession(conn, cfg, addr, infoHash, false, pieceCount, handler, log)
	s.state.Store(int32(StateHandshaking))

	if err := conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout)); err != nil {
		conn.Close()
		return nil, err
	}

	ours := wire.NewHandshake(infoHash, cfg.ClientID)
	remote, err := wire.ExchangeOutbound(conn, ours)
	if err != nil {
		s.state.Store(int32(StateFailed))
		conn.Close()
		return nil, fmt.Errorf("peer: handshake with %s: %w", addr, err)
	}
	conn.SetDeadline(time.Time{})

	s.peerID = remote.PeerID
	s.state.Store(int32(StateReady))
	return s, nil
}

// Accept completes the inbound handshake (read theirs, validate against
// lookupInfoHash, then send ours) on an already-accepted connection.
func Accept(cfg *config.Config, conn net.Conn, lookupInfoHash func([sha1.Size]byte) bool, pieceCount int, handler Handler, log *slog.Logger) (*Session, error) {
	addr, _ := netip.ParseAddrPort(conn.RemoteAddr().String())

	s := newSession(conn, cfg, addr, [sha1.Size]byte{}, true, pieceCount, handler, log)
	s.state.Store(int32(StateHandshaking))

	if err := conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout)); err != nil {
		conn.Close()
		return nil, err
	}

	remote, err := wire.ExchangeInbound(conn, cfg.ClientID, lookupInfoHash)
	if err != nil {
		s.state.Store(int32(StateFailed))
		conn.Close()
		return nil, fmt.Errorf("peer: inbound handshake from %s: %w", addr, err)
	}
	conn.SetDeadline(time.Time{})

	s.infoHash = remote.InfoHash
	s.peerID = remote.PeerID
	s.state.Store(int32(StateReady))
	return s, nil
}

func (s *Session) State() State             { return State(s.state.Load()) }
func (s *Session) Addr() netip.AddrPort     { return s.addr }
func (s *Session) PeerID() [sha1.Size]byte  { return s.peerID }
func (s *Session) InfoHash() [sha1.Size]byte { return s.infoHash }
func (s *Session) Inbound() bool            { return s.inbound }

func (s *Session) AmChoking() bool      { return s.flags.AmChoking() }
func (s *Session) AmInterested() bool   { return s.flags.AmInterested() }
func (s *Session) PeerChoking() bool    { return s.flags.PeerChoking() }
func (s *Session) PeerInterested() bool { return s.flags.PeerInterested() }

// Bitfield returns a snapshot of what the remote has advertised.
func (s *Session) Bitfield() bitfield.Bitfield {
	s.bfMu.Lock()
	defer s.bfMu.Unlock()
	return s.bf.Clone()
}

// DownloadRate and UploadRate report the session's current EWMA byte rate,
// updated once per Tick call.
func (s *Session) DownloadRate() float64 { return s.downRate.value() }
func (s *Session) UploadRate() float64   { return s.upRate.value() }

// Tick folds the interval's accumulated traffic into both rate meters. The
// owning choking controller calls this once per unchoke interval.
func (s *Session) Tick(elapsed time.Duration) {
	s.downRate.tick(elapsed)
	s.upRate.tick(elapsed)
}

// PipelineDepth returns how many block requests are currently outstanding.
func (s *Session) PipelineDepth() int {
	s.pipelineMu.Lock()
	defer s.pipelineMu.Unlock()
	return len(s.pipeline)
}

// DropPending clears and returns every outstanding request, used when the
// remote chokes us: those requests are implicitly cancelled and their
// blocks must be requeued.
func (s *Session) DropPending() []Request {
	s.pipelineMu.Lock()
	defer s.pipelineMu.Unlock()

	out := make([]Request, 0, len(s.pipeline))
	for k := range s.pipeline {
		out = append(out, Request{Index: k.index, Begin: k.begin})
	}
	s.pipeline = make(map[blockKey]time.Time)
	return out
}

// ExpiredRequests returns pending requests older than cfg.RequestTimeout,
// so the scheduler can requeue them to another peer.
func (s *Session) ExpiredRequests() []Request {
	s.pipelineMu.Lock()
	defer s.pipelineMu.Unlock()

	var out []Request
	cutoff := time.Now().Add(-s.cfg.RequestTimeout)
	for k, sentAt := range s.pipeline {
		if sentAt.Before(cutoff) {
			out = append(out, Request{Index: k.index, Begin: k.begin})
		}
	}
	return out
}

// Request identifies one outstanding block request.
type Request struct {
	Index, Begin uint32
}

var (
	ErrNotReady     = errors.New("peer: session is not Ready")
	ErrSendOnClosed = errors.New("peer: send on closed session")
	ErrStalled      = errors.New("peer: no activity within stall timeout")
)

// Run starts the read and write loops and blocks until either fails or ctx
// is canceled. Call it from its own goroutine; use Close to stop it.
func (s *Session) Run(ctx context.Context) error {
	if s.State() != StateReady {
		return ErrNotReady
	}

	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	g, gctx := errgroup.WithContext(childCtx)
	s.grp = g

	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.writeLoop(gctx) })

	err := g.Wait()
	s.finish(err)
	return err
}

func (s *Session) finish(err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		s.state.Store(int32(StateFailed))
	} else {
		s.state.Store(int32(StateClosed))
	}
	if s.handler != nil {
		s.handler.OnClose(s, err)
	}
}

// Close cancels the session's loops, closes the socket, and waits for Run
// to return.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		if s.cancel != nil {
			s.cancel()
		}
		_ = s.conn.Close()
		if s.grp != nil {
			err = s.grp.Wait()
		}
	})
	if err != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Session) send(m *wire.Message) error {
	select {
	case s.outbox <- m:
		return nil
	default:
	}
	// Backlog full: block for up to WriteTimeout, then give up. Closing the
	// session does not cut this wait short.
	select {
	case s.outbox <- m:
		return nil
	case <-time.After(s.cfg.WriteTimeout):
		return ErrSendOnClosed
	}
}

func (s *Session) SendChoke() error {
	if !s.flags.SetAmChoking(true) {
		return nil
	}
	return s.send(wire.MessageChoke())
}

func (s *Session) SendUnchoke() error {
	if !s.flags.SetAmChoking(false) {
		return nil
	}
	return s.send(wire.MessageUnchoke())
}

func (s *Session) SendInterested() error {
	if !s.flags.SetAmInterested(true) {
		return nil
	}
	return s.send(wire.MessageInterested())
}

func (s *Session) SendNotInterested() error {
	if !s.flags.SetAmInterested(false) {
		return nil
	}
	return s.send(wire.MessageNotInterested())
}

func (s *Session) SendHave(index uint32) error {
	return s.send(wire.MessageHave(index))
}

func (s *Session) SendBitfield(bf bitfield.Bitfield) error {
	return s.send(wire.MessageBitfield(bf.Bytes()))
}

// SendRequest records the block as in flight and queues the wire request.
func (s *Session) SendRequest(index, begin, length uint32) error {
	s.pipelineMu.Lock()
	s.pipeline[blockKey{index, begin}] = time.Now()
	s.pipelineMu.Unlock()

	return s.send(wire.MessageRequest(index, begin, length))
}

// SendCancel drops the block from the pipeline and queues a cancel.
func (s *Session) SendCancel(index, begin, length uint32) error {
	s.pipelineMu.Lock()
	delete(s.pipeline, blockKey{index, begin})
	s.pipelineMu.Unlock()

	return s.send(wire.MessageCancel(index, begin, length))
}

// SendPiece queues a block response; callers are responsible for not
// exceeding reasonable upload concurrency.
func (s *Session) SendPiece(index, begin uint32, block []byte) error {
	s.upRate.add(len(block))
	return s.send(wire.MessagePiece(index, begin, block))
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		msg, err := wire.ReadMessage(s.conn, s.cfg.MaxMessageLength)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				// No frame within ReadTimeout is not itself fatal; the
				// write loop's keep-alive ticker keeps the peer informed
				// that we're still here. A StallTimeout-long silence is
				// fatal.
				if time.Since(time.Unix(0, s.lastInbound.Load())) > s.cfg.StallTimeout {
					return ErrStalled
				}
				continue
			}
			return fmt.Errorf("peer: read: %w", err)
		}

		s.lastInbound.Store(time.Now().UnixNano())

		if wire.IsKeepAlive(msg) {
			continue
		}

		if err := s.dispatch(msg); err != nil {
			return err
		}
	}
}

func (s *Session) dispatch(msg *wire.Message) error {
	switch msg.ID {
	case wire.Choke:
		s.flags.SetPeerChoking(true)
		s.handler.OnChoke(s)
	case wire.Unchoke:
		s.flags.SetPeerChoking(false)
		s.handler.OnUnchoke(s)
	case wire.Interested:
		s.flags.SetPeerInterested(true)
		s.handler.OnInterested(s)
	case wire.NotInterested:
		s.flags.SetPeerInterested(false)
		s.handler.OnNotInterested(s)
	case wire.Have:
		index, ok := msg.ParseHave()
		if !ok {
			return fmt.Errorf("peer: malformed have")
		}
		s.bfMu.Lock()
		s.bf.Set(int(index))
		s.bfMu.Unlock()
		s.handler.OnHave(s, int(index))
	case wire.BitfieldMsg:
		if s.sawMessage {
			// A bitfield is only valid as the first message; later ones
			// are ignored.
			s.log.Warn("peer.bitfield_not_first", slog.String("peer", s.addr.String()))
			return nil
		}
		s.bfMu.Lock()
		bf, err := bitfield.FromBytes(msg.Payload, s.bf.Len())
		if err == nil {
			s.bf = bf
		}
		snapshot := s.bf.Clone()
		s.bfMu.Unlock()
		if err != nil {
			return fmt.Errorf("peer: malformed bitfield: %w", err)
		}
		s.handler.OnBitfield(s, snapshot)
	case wire.Request:
		index, begin, length, ok := msg.ParseRequest()
		if !ok {
			return fmt.Errorf("peer: malformed request")
		}
		s.handler.OnRequest(s, index, begin, length)
	case wire.Piece:
		index, begin, block, ok := msg.ParsePiece()
		if !ok {
			return fmt.Errorf("peer: malformed piece")
		}
		s.pipelineMu.Lock()
		delete(s.pipeline, blockKey{index, begin})
		s.pipelineMu.Unlock()
		s.downRate.add(len(block))
		s.handler.OnPiece(s, index, begin, append([]byte(nil), block...))
	case wire.Cancel:
		index, begin, length, ok := msg.ParseRequest()
		if !ok {
			return fmt.Errorf("peer: malformed cancel")
		}
		s.handler.OnCancel(s, index, begin, length)
	case wire.Port:
		// DHT port announcement; DHT is out of scope, ignored.
	default:
		s.log.Warn("peer.unknown_message", slog.Int("id", int(msg.ID)))
	}
	s.sawMessage = true
	return nil
}

func (s *Session) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drainOutbox()
			return ctx.Err()

		case msg, ok := <-s.outbox:
			if !ok {
				return nil
			}
			if err := s.writeMessage(msg); err != nil {
				return fmt.Errorf("peer: write: %w", err)
			}
			ticker.Reset(s.cfg.KeepAliveInterval)

		case <-ticker.C:
			if err := s.writeMessage(nil); err != nil {
				return fmt.Errorf("peer: keepalive: %w", err)
			}
		}
	}
}

// drainGrace bounds how long a closing session keeps flushing queued
// outbound messages before giving up.
const drainGrace = 2 * time.Second

// drainOutbox best-effort flushes whatever is still queued when the session
// shuts down, so already-promised Piece responses aren't silently dropped.
func (s *Session) drainOutbox() {
	deadline := time.Now().Add(drainGrace)
	s.conn.SetWriteDeadline(deadline)
	defer s.conn.SetWriteDeadline(time.Time{})

	for time.Now().Before(deadline) {
		select {
		case msg := <-s.outbox:
			if err := wire.WriteMessage(s.conn, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) writeMessage(m *wire.Message) error {
	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	defer s.conn.SetWriteDeadline(time.Time{})
	return wire.WriteMessage(s.conn, m)
}
