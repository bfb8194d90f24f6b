// Package netio accepts inbound and dials outbound TCP connections and
// hands the raw net.Conn to a peer.Session. It holds
// no session state of its own; that already lives in the registry.
package netio

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/go-warren/warren/internal/config"
	"github.com/go-warren/warren/internal/peer"
)

// Listener accepts inbound peer connections on cfg.ListenPort and performs
// the inbound handshake before handing the session to onSession.
type Listener struct {
	cfg            *config.Config
	ln             net.Listener
	lookupInfoHash func([sha1.Size]byte) bool
	pieceCount     int
	handler        peer.Handler
	log            *slog.Logger
}

// Listen opens a TCP listener on cfg.ListenPort. lookupInfoHash lets the
// caller accept connections for any torrent it currently serves (a single
// Listener can, in principle, be shared across torrents); this engine uses
// one Listener per torrent, so lookupInfoHash typically just compares
// against a single info hash.
func Listen(cfg *config.Config, lookupInfoHash func([sha1.Size]byte) bool, pieceCount int, handler peer.Handler, log *slog.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.ListenPort))
	if err != nil {
		return nil, fmt.Errorf("netio: listen: %w", err)
	}

	return &Listener{
		cfg:            cfg,
		ln:             ln,
		lookupInfoHash: lookupInfoHash,
		pieceCount:     pieceCount,
		handler:        handler,
		log:            log.With("src", "netio.listener", "addr", ln.Addr().String()),
	}, nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

// Run accepts connections until ctx is canceled or the listener is closed,
// handshaking each one and passing the resulting session to onSession. A
// single bad handshake never stops the accept loop.
func (l *Listener) Run(ctx context.Context, onSession func(*peer.Session)) error {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("netio: accept: %w", err)
		}

		go func(conn net.Conn) {
			sess, err := peer.Accept(l.cfg, conn, l.lookupInfoHash, l.pieceCount, l.handler, l.log)
			if err != nil {
				l.log.Debug("inbound handshake failed", "remote", conn.RemoteAddr(), "error", err)
				return
			}
			onSession(sess)
		}(conn)
	}
}

// Dial establishes an outbound connection to addr and performs the
// outbound handshake for infoHash.
func Dial(ctx context.Context, cfg *config.Config, addr netip.AddrPort, infoHash [sha1.Size]byte, pieceCount int, handler peer.Handler, log *slog.Logger) (*peer.Session, error) {
	return peer.Dial(ctx, cfg, addr, infoHash, pieceCount, handler, log)
}
