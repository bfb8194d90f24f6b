// Package engine wires the data model, storage, peer, scheduling and
// networking components together into a single running torrent.
package engine

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-warren/warren/internal/bitfield"
	"github.com/go-warren/warren/internal/choke"
	"github.com/go-warren/warren/internal/config"
	"github.com/go-warren/warren/internal/layout"
	"github.com/go-warren/warren/internal/netio"
	"github.com/go-warren/warren/internal/peer"
	"github.com/go-warren/warren/internal/piece"
	"github.com/go-warren/warren/internal/registry"
	"github.com/go-warren/warren/internal/resume"
	"github.com/go-warren/warren/internal/scheduler"
	"github.com/go-warren/warren/internal/torrentfile"
	"github.com/go-warren/warren/internal/tracker"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Stats is the aggregate, JSON-friendly snapshot used by the download CLI
// surface.
type Stats struct {
	Name            string
	TotalSize       int64
	PieceCount      int
	PiecesVerified  int
	Peers           int
	TotalDownloaded int64
	TotalUploaded   int64
	Complete        bool
}

// Options configures the optional pieces of an Engine: a tracker, resume
// persistence, and an inbound listener. All are optional; a nil field (or
// Listen left false) disables that piece of functionality (e.g. a private, tracker-less swarm
// seeded entirely by manually admitted peers).
type Options struct {
	Tracker     tracker.PeerSource
	ResumeStore *resume.Store
	Listen      bool
	Log         *slog.Logger
}

// Engine owns one torrent's full runtime: storage, peer sessions, the
// scheduler, and (optionally) tracker announces and an inbound listener.
type Engine struct {
	cfg        *config.Config
	descriptor *torrentfile.Descriptor
	infoHash   [sha1.Size]byte
	runID      string
	log        *slog.Logger

	layout   *layout.FileLayout
	store    *piece.Store
	registry *registry.Registry
	sched    *scheduler.Scheduler
	choke    *choke.Controller
	listener *netio.Listener
	announcer *tracker.Announcer
	resumeStore *resume.Store

	downloaded atomic.Int64
	uploaded   atomic.Int64

	mu      sync.Mutex
	stopped bool
}

// Open prepares an Engine for descriptor, rooted at downloadDir. It does
// not start any goroutines; call Run for that.
func Open(cfg *config.Config, descriptor *torrentfile.Descriptor, downloadDir string, opts Options) (*Engine, error) {
	infoHash, err := descriptor.InfoHash()
	if err != nil {
		return nil, fmt.Errorf("engine: compute info hash: %w", err)
	}

	runID := uuid.NewString()

	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("src", "engine", "torrent", descriptor.Name, "run", runID)

	fl, err := layout.Open(downloadDir, descriptor.Name, descriptor)
	if err != nil {
		return nil, fmt.Errorf("engine: open layout: %w", err)
	}

	verified, err := recoverVerifiedBitfield(fl, descriptor, infoHash, opts.ResumeStore, log)
	if err != nil {
		fl.Close()
		return nil, err
	}

	store := piece.New(descriptor, fl, verified, cfg.CacheSize)
	reg := registry.New(cfg.MaxPeers)
	sched := scheduler.New(cfg, descriptor, reg, verified, nil)
	chk := choke.New(cfg, reg, nil)

	e := &Engine{
		cfg:         cfg,
		descriptor:  descriptor,
		infoHash:    infoHash,
		runID:       runID,
		log:         log,
		layout:      fl,
		store:       store,
		registry:    reg,
		sched:       sched,
		choke:       chk,
		resumeStore: opts.ResumeStore,
	}

	if opts.Listen {
		ln, err := netio.Listen(cfg, func(h [sha1.Size]byte) bool { return h == infoHash }, descriptor.PieceCount(), e.sessionHandler(), log)
		if err != nil {
			fl.Close()
			return nil, fmt.Errorf("engine: listen: %w", err)
		}
		e.listener = ln
	}

	if opts.Tracker != nil {
		e.announcer = tracker.NewAnnouncer(cfg, opts.Tracker, e.announceParams, e.admitPeers, log)
	}

	return e, nil
}

// recoverVerifiedBitfield consults the resume store (if any) and validates
// it against a rehash of one sampled piece before trusting it; on any
// mismatch or absence, it falls back to a full on-disk rescan.
func recoverVerifiedBitfield(fl *layout.FileLayout, descriptor *torrentfile.Descriptor, infoHash [sha1.Size]byte, store *resume.Store, log *slog.Logger) (bitfield.Bitfield, error) {
	if store == nil {
		return fl.ScanExisting(descriptor.Pieces), nil
	}

	rec, ok, err := store.Load(infoHash)
	if err != nil {
		return bitfield.Bitfield{}, fmt.Errorf("engine: load resume record: %w", err)
	}
	if !ok {
		return fl.ScanExisting(descriptor.Pieces), nil
	}

	bf, err := bitfield.FromBytes(rec.Bitfield, descriptor.PieceCount())
	if err != nil {
		log.Warn("resume record malformed, falling back to full rescan", "error", err)
		return fl.ScanExisting(descriptor.Pieces), nil
	}

	sample := -1
	for _, i := range bf.Available() {
		sample = i
		break
	}
	if sample >= 0 {
		data, err := fl.ReadBlock(uint32(sample), 0, descriptor.PieceLengthAt(sample))
		if err != nil || sha1.Sum(data) != descriptor.Pieces[sample] {
			log.Warn("resume record disagrees with on-disk data, falling back to full rescan", "sample_piece", sample)
			return fl.ScanExisting(descriptor.Pieces), nil
		}
	}

	return bf, nil
}

func (e *Engine) sessionHandler() peer.Handler { return &handler{e: e} }

// RunID returns the unique identifier for this engine instance, stable for
// its lifetime and distinct across restarts.
func (e *Engine) RunID() string { return e.runID }

// InfoHash returns the torrent's 20-byte identifier.
func (e *Engine) InfoHash() [sha1.Size]byte { return e.infoHash }

// Run drives the scheduler's request loop, the choking controller, the
// inbound listener, and the tracker announcer until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.requestLoop(ctx) })
	g.Go(func() error { return e.choke.Run(ctx) })

	if e.listener != nil {
		g.Go(func() error {
			return e.listener.Run(ctx, e.adoptSession)
		})
	}
	if e.announcer != nil {
		g.Go(func() error { return e.announcer.Run(ctx) })
	}

	g.Go(func() error {
		<-ctx.Done()
		e.mu.Lock()
		e.stopped = true
		e.mu.Unlock()
		if e.listener != nil {
			e.listener.Close()
		}
		for _, sess := range e.registry.All() {
			sess.Close()
		}
		return nil
	})

	return g.Wait()
}

// ListenAddr returns the inbound listener's bound address, or nil when
// listening is disabled.
func (e *Engine) ListenAddr() net.Addr {
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

// requestLoop periodically asks the scheduler for new block requests per
// peer and reissues requests the scheduler considers expired.
func (e *Engine) requestLoop(ctx context.Context) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.sched.RequeueExpired()

			for _, sess := range e.registry.All() {
				if sess.PeerChoking() || !sess.AmInterested() {
					continue
				}
				want := e.cfg.MaxPipeline - sess.PipelineDepth()
				if want <= 0 {
					continue
				}
				for _, req := range e.sched.NextRequests(sess, want) {
					if err := sess.SendRequest(req.Index, req.Begin, req.Length); err != nil {
						e.log.Debug("send request failed", "peer", sess.Addr(), "error", err)
					}
				}
			}
		}
	}
}

// adoptSession registers a freshly-accepted or dialed session, sends our
// bitfield, and runs its read/write loops in the background.
func (e *Engine) adoptSession(sess *peer.Session) {
	if evicted := e.registry.Add(sess); evicted != nil {
		evicted.Close()
	}

	if bf := e.store.Bitfield(); bf.CountOnes() > 0 {
		if err := sess.SendBitfield(bf); err != nil {
			e.log.Debug("send bitfield failed", "peer", sess.Addr(), "error", err)
		}
	}

	go func() {
		if err := sess.Run(context.Background()); err != nil {
			e.log.Debug("session ended", "peer", sess.Addr(), "error", err)
		}
	}()
}

// DialPeer dials addr and, on success, adopts the resulting session into
// the swarm.
func (e *Engine) DialPeer(ctx context.Context, addr netip.AddrPort) error {
	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()
	if stopped || e.registry.Full() || e.registry.Has(addr) {
		return nil
	}

	dctx, cancel := context.WithTimeout(ctx, e.cfg.DialTimeout)
	defer cancel()

	sess, err := netio.Dial(dctx, e.cfg, addr, e.infoHash, e.descriptor.PieceCount(), e.sessionHandler(), e.log)
	if err != nil {
		return err
	}

	e.adoptSession(sess)
	return nil
}

func (e *Engine) admitPeers(addrs []netip.AddrPort) {
	for _, addr := range addrs {
		addr := addr
		go func() {
			if err := e.DialPeer(context.Background(), addr); err != nil {
				e.log.Debug("dial failed", "peer", addr, "error", err)
			}
		}()
	}
}

func (e *Engine) announceParams() tracker.AnnounceParams {
	total := e.descriptor.TotalSize()
	downloaded := e.downloaded.Load()
	left := total - downloaded
	if left < 0 {
		left = 0
	}

	return tracker.AnnounceParams{
		InfoHash:   e.infoHash,
		PeerID:     e.cfg.ClientID,
		Port:       e.cfg.ListenPort,
		Uploaded:   uint64(e.uploaded.Load()),
		Downloaded: uint64(downloaded),
		Left:       uint64(left),
		NumWant:    e.cfg.AnnounceNumWant,
	}
}

// Stats returns an aggregate snapshot of the torrent's progress.
func (e *Engine) Stats() Stats {
	bf := e.store.Bitfield()
	return Stats{
		Name:            e.descriptor.Name,
		TotalSize:       e.descriptor.TotalSize(),
		PieceCount:      e.descriptor.PieceCount(),
		PiecesVerified:  bf.CountOnes(),
		Peers:           e.registry.Count(),
		TotalDownloaded: e.downloaded.Load(),
		TotalUploaded:   e.uploaded.Load(),
		Complete:        e.store.Complete(),
	}
}

// VerifyAll re-derives the verified-piece bitfield directly from disk,
// bypassing any cached state.
func (e *Engine) VerifyAll(ctx context.Context) (bitfield.Bitfield, error) {
	return e.store.VerifyAll(), nil
}

// Close persists resume state (if configured) and releases file handles.
func (e *Engine) Close() error {
	if e.resumeStore != nil {
		if err := e.resumeStore.Save(e.infoHash, e.store.Bitfield().Bytes()); err != nil {
			e.log.Warn("failed to persist resume state", "error", err)
		}
	}
	if e.listener != nil {
		e.listener.Close()
	}
	return e.layout.Close()
}
