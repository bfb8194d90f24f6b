package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-warren/warren/internal/config"
	"github.com/go-warren/warren/internal/engine"
	"github.com/go-warren/warren/internal/resume"
	"github.com/go-warren/warren/internal/tracker"
	"github.com/schollz/progressbar/v3"
)

func runDownload(args []string) error {
	flags := flag.NewFlagSet("download", flag.ExitOnError)
	dir := flags.String("dir", ".", "directory to download into")
	port := flags.Uint("port", 6881, "TCP port to listen on for inbound peers")
	seed := flags.Bool("seed", false, "keep seeding after the download completes")
	resumePath := flags.String("resume-db", "", "path to a resume database (disabled when empty)")
	maxPeers := flags.Int("max-peers", 0, "override the peer connection cap")
	flags.Parse(args)

	if flags.NArg() != 1 {
		return fmt.Errorf("download: expected exactly one .torrent argument")
	}

	m, err := loadMetainfo(flags.Arg(0))
	if err != nil {
		return err
	}

	cfg, err := config.Default()
	if err != nil {
		return err
	}
	cfg.ListenPort = uint16(*port)
	if *maxPeers > 0 {
		cfg.MaxPeers = *maxPeers
	}

	opts := engine.Options{Listen: true, Log: slog.Default()}

	if m.Announce != "" {
		src, err := tracker.NewHTTPClient(m.Announce)
		if err != nil {
			return err
		}
		opts.Tracker = src
	} else {
		slog.Warn("metainfo has no announce URL; relying on inbound peers only")
	}

	if *resumePath != "" {
		store, err := resume.Open(*resumePath)
		if err != nil {
			return err
		}
		defer store.Close()
		opts.ResumeStore = store
	}

	eng, err := engine.Open(cfg, m.Descriptor, *dir, opts)
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- eng.Run(ctx) }()

	if err := watchProgress(ctx, eng, *seed); err != nil {
		return err
	}
	stop()

	if err := <-runErr; err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// watchProgress renders a progress bar until the torrent completes, then
// either returns (default) or keeps seeding until interrupted.
func watchProgress(ctx context.Context, eng *engine.Engine, seed bool) error {
	stats := eng.Stats()
	bar := progressbar.NewOptions64(stats.TotalSize,
		progressbar.OptionSetDescription(stats.Name),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWriter(os.Stdout),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() { fmt.Println() }),
	)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stats := eng.Stats()
			bar.Set64(verifiedBytes(stats))

			if stats.Complete {
				bar.Finish()
				slog.Info("download complete",
					"downloaded", stats.TotalDownloaded,
					"uploaded", stats.TotalUploaded,
					"peers", stats.Peers)
				if !seed {
					return nil
				}
				return seedForever(ctx, eng)
			}
		}
	}
}

func seedForever(ctx context.Context, eng *engine.Engine) error {
	slog.Info("seeding; press ctrl-c to stop")

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stats := eng.Stats()
			slog.Info("seeding", "uploaded", stats.TotalUploaded, "peers", stats.Peers)
		}
	}
}

// verifiedBytes approximates completed bytes as the verified piece count
// times the mean piece length (TotalSize / PieceCount); it is exact only
// once the torrent is complete.
func verifiedBytes(stats engine.Stats) int64 {
	if stats.PieceCount == 0 {
		return 0
	}
	if stats.Complete {
		return stats.TotalSize
	}
	pieceLength := stats.TotalSize / int64(stats.PieceCount)
	return int64(stats.PiecesVerified) * pieceLength
}
