// Package tracker announces this client's progress to a BitTorrent tracker
// and discovers candidate peers. Only HTTP(S)
// trackers are implemented; UDP tracker and DHT peer discovery are explicit
// Non-goals.
package tracker

import (
	"context"
	"crypto/sha1"
	"net/netip"
	"time"
)

// Event marks which lifecycle announce is being sent.
type Event uint32

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	case EventStopped:
		return "stopped"
	default:
		return ""
	}
}

// AnnounceParams is what the engine reports about itself on every announce.
type AnnounceParams struct {
	InfoHash   [sha1.Size]byte
	PeerID     [sha1.Size]byte
	Port       uint16
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Event      Event
	NumWant    uint32
	Key        uint32
}

// AnnounceResponse is what the tracker reports back.
type AnnounceResponse struct {
	TrackerID   string
	Interval    time.Duration
	MinInterval time.Duration
	Seeders     int64
	Leechers    int64
	Peers       []netip.AddrPort
}

// PeerSource is the only tracker dependency the engine needs; a
// *HTTPClient is the concrete implementation, but tests can substitute a
// fake.
type PeerSource interface {
	Announce(ctx context.Context, params AnnounceParams) (AnnounceResponse, error)
}
