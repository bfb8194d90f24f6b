package peer

import (
	"crypto/sha1"
	"io"
	"log/slog"
	"net"
	"net/netip"

	"github.com/go-warren/warren/internal/bitfield"
	"github.com/go-warren/warren/internal/config"
)

// NewReadyForTesting builds a Session already in the Ready state without
// performing a handshake, for tests in other packages (registry, choke,
// scheduler) that need real *Session values keyed by address but don't
// exercise the wire protocol itself.
func NewReadyForTesting(conn net.Conn, cfg *config.Config, addr netip.AddrPort, infoHash [sha1.Size]byte, pieceCount int) *Session {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := newSession(conn, cfg, addr, infoHash, false, pieceCount, noopHandler{}, log)
	s.state.Store(int32(StateReady))
	return s
}

// SetPeerInterestedForTesting sets the remote-interested flag directly,
// bypassing the wire protocol.
func (s *Session) SetPeerInterestedForTesting(v bool) {
	s.flags.SetPeerInterested(v)
}

// SetBitfieldForTesting overwrites the session's advertised-by-peer
// bitfield directly, bypassing the wire protocol, for tests that need a
// Session with a known piece set but no real connection.
func (s *Session) SetBitfieldForTesting(bf bitfield.Bitfield) {
	s.bfMu.Lock()
	s.bf = bf
	s.bfMu.Unlock()
}

type noopHandler struct{}

func (noopHandler) OnChoke(*Session)                          {}
func (noopHandler) OnUnchoke(*Session)                         {}
func (noopHandler) OnInterested(*Session)                      {}
func (noopHandler) OnNotInterested(*Session)                   {}
func (noopHandler) OnHave(*Session, int)                       {}
func (noopHandler) OnBitfield(*Session, bitfield.Bitfield)     {}
func (noopHandler) OnRequest(*Session, uint32, uint32, uint32) {}
func (noopHandler) OnPiece(*Session, uint32, uint32, []byte)   {}
func (noopHandler) OnCancel(*Session, uint32, uint32, uint32)  {}
func (noopHandler) OnClose(*Session, error)                    {}
