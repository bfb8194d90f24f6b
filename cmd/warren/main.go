// Command warren is a BitTorrent client built on the warren engine. It
// exposes four operations: create a metainfo file from local data, print a
// metainfo file's contents, download a torrent, and verify downloaded data
// against its piece hashes.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/go-warren/warren/internal/logging"
)

const usage = `usage: warren <command> [flags]

commands:
  create    build a .torrent metainfo file from a file or directory
  info      print a .torrent metainfo file
  download  download (and seed) a torrent
  verify    re-verify on-disk data against a torrent's piece hashes

run "warren <command> -h" for command-specific flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	setupLogger()

	var err error
	switch os.Args[1] {
	case "create":
		err = runCreate(os.Args[2:])
	case "info":
		err = runInfo(os.Args[2:])
	case "download":
		err = runDownload(os.Args[2:])
	case "verify":
		err = runVerify(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "warren: unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if err != nil {
		slog.Error("command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func setupLogger() {
	opts := logging.DefaultOptions()
	if lvl := os.Getenv("WARREN_LOG"); lvl == "debug" {
		opts.Level = slog.LevelDebug
	}

	h := logging.New(os.Stderr, opts)
	slog.SetDefault(slog.New(h))
}
