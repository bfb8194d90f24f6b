package tracker

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net/netip"
	"time"

	"github.com/go-warren/warren/internal/config"
)

const maxConsecutiveFailures = 5
const maxBackoffShift = 5

// Announcer drives periodic announces against a PeerSource, backing off on
// failure and honoring the tracker's requested interval on success.
type Announcer struct {
	cfg    *config.Config
	source PeerSource
	log    *slog.Logger
	rng    *rand.Rand

	// onParams builds the params for the next announce (so Uploaded/
	// Downloaded/Left reflect current state); onPeers receives newly
	// discovered peers after a successful announce.
	onParams func() AnnounceParams
	onPeers  func([]netip.AddrPort)
}

// NewAnnouncer creates an Announcer. onParams and onPeers must be non-nil.
func NewAnnouncer(cfg *config.Config, source PeerSource, onParams func() AnnounceParams, onPeers func([]netip.AddrPort), log *slog.Logger) *Announcer {
	return &Announcer{
		cfg:      cfg,
		source:   source,
		onParams: onParams,
		onPeers:  onPeers,
		log:      log.With("src", "tracker.announcer"),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano() ^ 0x9e3779b9)),
	}
}

// Run announces "started" immediately, then re-announces on the
// tracker-provided interval until ctx is canceled, at which point it sends
// a best-effort "stopped" announce. It returns an error only after
// maxConsecutiveFailures consecutive announce failures.
func (a *Announcer) Run(ctx context.Context) error {
	interval := a.cfg.AnnounceInterval
	consecutiveFailures := 0

	announce := func(ctx context.Context, event Event) (AnnounceResponse, error) {
		params := a.onParams()
		params.Event = event
		return a.source.Announce(ctx, params)
	}

	resp, err := announce(ctx, EventStarted)
	if err != nil {
		a.log.Warn("initial announce failed", "error", err)
		consecutiveFailures = 1
		interval = a.backoff(consecutiveFailures)
	} else {
		a.onPeers(resp.Peers)
		interval = a.nextInterval(resp)
		consecutiveFailures = 0
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, _ = announce(sctx, EventStopped)
			cancel()
			return nil

		case <-ticker.C:
			if consecutiveFailures >= maxConsecutiveFailures {
				return errors.New("tracker: exceeded consecutive announce failures")
			}

			resp, err := announce(ctx, EventNone)
			if err != nil {
				consecutiveFailures++
				a.log.Warn("announce failed", "error", err, "consecutive_failures", consecutiveFailures)
				ticker.Reset(a.backoff(consecutiveFailures))
				continue
			}

			a.onPeers(resp.Peers)
			consecutiveFailures = 0
			ticker.Reset(a.nextInterval(resp))
		}
	}
}

func (a *Announcer) backoff(failures int) time.Duration {
	const base = 15 * time.Second

	shift := failures - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}

	delay := base * time.Duration(1<<uint(shift))
	if delay > a.cfg.MaxAnnounceBackoff {
		delay = a.cfg.MaxAnnounceBackoff
	}

	jitter := time.Duration(a.rng.Int63n(int64(delay)/2 + 1))
	return delay - delay/4 + jitter
}

func (a *Announcer) nextInterval(resp AnnounceResponse) time.Duration {
	interval := a.cfg.AnnounceInterval
	if resp.Interval > 0 {
		interval = resp.Interval
	}
	if resp.MinInterval > interval {
		interval = resp.MinInterval
	}
	if a.cfg.MinAnnounceInterval > 0 && interval < a.cfg.MinAnnounceInterval {
		interval = a.cfg.MinAnnounceInterval
	}
	return interval
}
