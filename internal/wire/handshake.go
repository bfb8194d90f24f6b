// Package wire implements the BitTorrent peer wire format (BEP 3): the
// fixed 68-byte handshake and the length-prefixed message frames.
package wire

import (
	"crypto/sha1"
	"errors"
	"io"
)

const (
	protocolString = "BitTorrent protocol"
	reservedLen    = 8
)

var (
	ErrBadPstrlen       = errors.New("wire: handshake pstrlen must be 19")
	ErrProtocolMismatch = errors.New("wire: protocol string mismatch")
	ErrShortHandshake   = errors.New("wire: short handshake")
	ErrInfoHashMismatch = errors.New("wire: info hash mismatch")
	ErrSelfConnection   = errors.New("wire: peer id equals ours")
)

// handshakeLen is the fixed wire length: 1 (pstrlen) + 19 (pstr) + 8
// (reserved) + 20 (info_hash) + 20 (peer_id).
const handshakeLen = 1 + len(protocolString) + reservedLen + sha1.Size + sha1.Size

// Handshake is the first message exchanged on every peer connection.
type Handshake struct {
	Reserved [reservedLen]byte
	InfoHash [sha1.Size]byte
	PeerID   [sha1.Size]byte
}

// NewHandshake builds a handshake with zeroed reserved bytes (no extension
// negotiation).
func NewHandshake(infoHash, peerID [sha1.Size]byte) Handshake {
	return Handshake{InfoHash: infoHash, PeerID: peerID}
}

// Marshal encodes h into its 68-byte wire representation.
func (h Handshake) Marshal() []byte {
	buf := make([]byte, handshakeLen)
	buf[0] = byte(len(protocolString))
	offset := 1
	offset += copy(buf[offset:], protocolString)
	offset += copy(buf[offset:], h.Reserved[:])
	offset += copy(buf[offset:], h.InfoHash[:])
	copy(buf[offset:], h.PeerID[:])
	return buf
}

// UnmarshalHandshake decodes a handshake from exactly handshakeLen bytes.
// It fails if pstrlen != 19 or the protocol literal differs.
func UnmarshalHandshake(buf []byte) (Handshake, error) {
	if len(buf) != handshakeLen {
		return Handshake{}, ErrShortHandshake
	}
	if buf[0] != 19 {
		return Handshake{}, ErrBadPstrlen
	}
	if string(buf[1:1+len(protocolString)]) != protocolString {
		return Handshake{}, ErrProtocolMismatch
	}

	var h Handshake
	offset := 1 + len(protocolString)
	copy(h.Reserved[:], buf[offset:offset+reservedLen])
	offset += reservedLen
	copy(h.InfoHash[:], buf[offset:offset+sha1.Size])
	offset += sha1.Size
	copy(h.PeerID[:], buf[offset:offset+sha1.Size])

	return h, nil
}

// ReadHandshake reads exactly one handshake frame from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	buf := make([]byte, handshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Handshake{}, ErrShortHandshake
		}
		return Handshake{}, err
	}
	return UnmarshalHandshake(buf)
}

// WriteHandshake writes h to w.
func WriteHandshake(w io.Writer, h Handshake) error {
	_, err := w.Write(h.Marshal())
	return err
}

// ExchangeOutbound writes our handshake first, then reads the remote's. It
// validates the protocol literal, info hash, and rejects self-connections.
func ExchangeOutbound(rw io.ReadWriter, ours Handshake) (Handshake, error) {
	if err := WriteHandshake(rw, ours); err != nil {
		return Handshake{}, err
	}
	return receiveAndValidate(rw, ours)
}

// ExchangeInbound reads the remote's handshake first (so the caller can
// look up the torrent by info hash), then sends ours.
func ExchangeInbound(rw io.ReadWriter, ourPeerID [sha1.Size]byte, lookupInfoHash func([sha1.Size]byte) bool) (Handshake, error) {
	remote, err := ReadHandshake(rw)
	if err != nil {
		return Handshake{}, err
	}
	if !lookupInfoHash(remote.InfoHash) {
		return Handshake{}, ErrInfoHashMismatch
	}
	if remote.PeerID == ourPeerID {
		return Handshake{}, ErrSelfConnection
	}

	ours := NewHandshake(remote.InfoHash, ourPeerID)
	if err := WriteHandshake(rw, ours); err != nil {
		return Handshake{}, err
	}

	return remote, nil
}

func receiveAndValidate(rw io.ReadWriter, ours Handshake) (Handshake, error) {
	remote, err := ReadHandshake(rw)
	if err != nil {
		return Handshake{}, err
	}
	if remote.InfoHash != ours.InfoHash {
		return Handshake{}, ErrInfoHashMismatch
	}
	if remote.PeerID == ours.PeerID {
		return Handshake{}, ErrSelfConnection
	}
	return remote, nil
}
