// Package config holds the tunables for a warren engine instance: network
// timeouts, choking/scheduling parameters, and resource bounds.
package config

import (
	"crypto/rand"
	"crypto/sha1"
	"time"
)

// DownloadStrategy selects how the scheduler ranks eligible pieces once the
// random-first picks are used up, outside endgame.
type DownloadStrategy uint8

const (
	// DownloadStrategyRarestFirst prioritizes pieces with the lowest
	// availability across the swarm. The default.
	DownloadStrategyRarestFirst DownloadStrategy = iota

	// DownloadStrategySequential downloads pieces in ascending index order.
	DownloadStrategySequential

	// DownloadStrategyRandom samples uniformly among eligible pieces.
	DownloadStrategyRandom
)

// Config groups every tunable a running torrent needs. Construct with
// Default and override individual fields; there is no process-wide
// singleton; callers pass *Config explicitly to each component.
type Config struct {
	// ClientID is this client's 20-byte peer id, sent in every handshake.
	ClientID [sha1.Size]byte

	// ListenPort is the TCP port the Listener accepts inbound connections
	// on. Default 6881 per BitTorrent convention.
	ListenPort uint16

	// DialTimeout bounds outbound TCP connect + handshake exchange.
	DialTimeout time.Duration

	// HandshakeTimeout bounds waiting for the remote's handshake once our
	// socket is open (inbound) or once we've sent ours (outbound). Default
	// sets it equal to DialTimeout; a zero value is not replaced by
	// DialTimeout.
	HandshakeTimeout time.Duration

	// ReadTimeout is the per-message receive idle timeout; exceeding it
	// without a frame arriving is not a failure, and the session keeps
	// reading until StallTimeout passes with no inbound frame.
	ReadTimeout time.Duration

	// WriteTimeout bounds a single message write to the peer socket.
	WriteTimeout time.Duration

	// StallTimeout is the longer no-activity threshold after which a
	// session is considered dead and moves to Failed.
	StallTimeout time.Duration

	// KeepAliveInterval is how often we send our own keep-alive during
	// outbound idleness.
	KeepAliveInterval time.Duration

	// RequestTimeout is how long an outstanding block request may go
	// unanswered before the scheduler requeues it.
	RequestTimeout time.Duration

	// MaxPeers caps the number of simultaneously active peer sessions.
	MaxPeers int

	// PeerOutboxBacklog is the outbound message queue depth per session
	// before the scheduler starts observing backpressure.
	PeerOutboxBacklog int

	// MaxPipeline is the default per-peer outstanding-request cap.
	MaxPipeline int

	// BlockLength is the standard request/response block size; only the
	// tail of the last piece may be shorter.
	BlockLength uint32

	// MaxMessageLength caps an incoming frame's length prefix so a
	// malicious/broken peer cannot force unbounded allocation.
	MaxMessageLength uint32

	// DownloadStrategy chooses the scheduler's piece-ranking policy.
	DownloadStrategy DownloadStrategy

	// RandomFirstN is how many initial piece picks are drawn uniformly at
	// random rather than by rarity, to avoid swarm-wide herding on one rarest piece.
	RandomFirstN int

	// EndgameThreshold is the remaining-missing-piece count at or below
	// which the scheduler enters endgame mode.
	EndgameThreshold int

	// EndgameDuplicatePerBlock caps how many peers may be concurrently
	// asked for the same block during endgame.
	EndgameDuplicatePerBlock int

	// UnchokeInterval is how often the Choking Controller recomputes the
	// regular-unchoke set.
	UnchokeInterval time.Duration

	// OptimisticUnchokeRounds is how many UnchokeInterval ticks elapse
	// between optimistic-unchoke rotations.
	OptimisticUnchokeRounds int

	// MaxUnchoked is the total unchoke quota, including the optimistic
	// slot (default 4: 3 regular + 1 optimistic).
	MaxUnchoked int

	// CacheSize bounds the piece store's in-memory verified-piece cache.
	CacheSize int

	// AnnounceInterval is the fallback interval between tracker announces
	// when the tracker's response omits one.
	AnnounceInterval time.Duration

	// MinAnnounceInterval floors whatever interval the tracker requests,
	// so a misbehaving tracker can't force a hammering client.
	MinAnnounceInterval time.Duration

	// MaxAnnounceBackoff caps exponential backoff between failed
	// announces.
	MaxAnnounceBackoff time.Duration

	// AnnounceNumWant is the numwant sent with each announce.
	AnnounceNumWant uint32
}

// Default returns the standard tunables.
func Default() (*Config, error) {
	clientID, err := generateClientID()
	if err != nil {
		return nil, err
	}

	return &Config{
		ClientID:                 clientID,
		ListenPort:               6881,
		DialTimeout:              10 * time.Second,
		HandshakeTimeout:         10 * time.Second,
		ReadTimeout:              2 * time.Minute,
		WriteTimeout:             30 * time.Second,
		StallTimeout:             10 * time.Minute,
		KeepAliveInterval:        2 * time.Minute,
		RequestTimeout:           60 * time.Second,
		MaxPeers:                 50,
		PeerOutboxBacklog:        256,
		MaxPipeline:              5,
		BlockLength:              16 * 1024,
		MaxMessageLength:         1 << 17,
		DownloadStrategy:         DownloadStrategyRarestFirst,
		RandomFirstN:             4,
		EndgameThreshold:         5,
		EndgameDuplicatePerBlock: 3,
		UnchokeInterval:          10 * time.Second,
		OptimisticUnchokeRounds:  3,
		MaxUnchoked:              4,
		CacheSize:                64,
		AnnounceInterval:         2 * time.Minute,
		MinAnnounceInterval:      30 * time.Second,
		MaxAnnounceBackoff:       15 * time.Minute,
		AnnounceNumWant:          50,
	}, nil
}

func generateClientID() ([sha1.Size]byte, error) {
	var id [sha1.Size]byte

	prefix := []byte("-WR0001-")
	copy(id[:], prefix)

	if _, err := rand.Read(id[len(prefix):]); err != nil {
		return [sha1.Size]byte{}, err
	}

	return id, nil
}
