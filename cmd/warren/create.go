package main

import (
	"crypto/sha1"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-warren/warren/internal/torrentfile"
)

func runCreate(args []string) error {
	flags := flag.NewFlagSet("create", flag.ExitOnError)
	out := flags.String("o", "", "output .torrent path (default <name>.torrent)")
	pieceLength := flags.Uint("piece-length", 256*1024, "piece length in bytes")
	announce := flags.String("announce", "", "tracker announce URL")
	comment := flags.String("comment", "", "free-form comment")
	private := flags.Bool("private", false, "mark the torrent private")
	flags.Parse(args)

	if flags.NArg() != 1 {
		return fmt.Errorf("create: expected exactly one file or directory argument")
	}
	target := filepath.Clean(flags.Arg(0))

	descriptor, err := buildDescriptor(target, uint32(*pieceLength), *comment, *private)
	if err != nil {
		return err
	}

	data, err := marshalMetainfo(&metainfo{Announce: *announce, Descriptor: descriptor})
	if err != nil {
		return err
	}

	dest := *out
	if dest == "" {
		dest = descriptor.Name + ".torrent"
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return err
	}

	infoHash, err := descriptor.InfoHash()
	if err != nil {
		return err
	}
	fmt.Printf("wrote %s (%d pieces, info hash %x)\n", dest, descriptor.PieceCount(), infoHash)
	return nil
}

// buildDescriptor assembles a Descriptor for the file or directory at
// target, hashing its content into piece hashes.
func buildDescriptor(target string, pieceLength uint32, comment string, private bool) (*torrentfile.Descriptor, error) {
	if pieceLength == 0 {
		return nil, torrentfile.ErrInvalidPieceLength
	}

	stat, err := os.Stat(target)
	if err != nil {
		return nil, err
	}

	var (
		entries []torrentfile.FileEntry
		paths   []string
	)
	if stat.IsDir() {
		err := filepath.WalkDir(target, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(target, path)
			if err != nil {
				return err
			}
			entries = append(entries, torrentfile.FileEntry{
				PathComponents: strings.Split(filepath.ToSlash(rel), "/"),
				Length:         info.Size(),
			})
			paths = append(paths, path)
			return nil
		})
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			return nil, fmt.Errorf("create: %s contains no files", target)
		}

		// WalkDir already yields lexical order, but be explicit: the file
		// order defines the byte stream and therefore the info hash.
		sort.Sort(byPath{entries, paths})
	} else {
		entries = []torrentfile.FileEntry{{
			PathComponents: []string{filepath.Base(target)},
			Length:         stat.Size(),
		}}
		paths = []string{target}
	}

	pieces, err := hashPieces(paths, pieceLength)
	if err != nil {
		return nil, err
	}

	return torrentfile.New(torrentfile.Descriptor{
		Name:         filepath.Base(target),
		PieceLength:  pieceLength,
		Pieces:       pieces,
		Files:        entries,
		Private:      private,
		Comment:      comment,
		CreatedBy:    "warren",
		CreationDate: time.Now().Unix(),
	})
}

type byPath struct {
	entries []torrentfile.FileEntry
	paths   []string
}

func (b byPath) Len() int           { return len(b.paths) }
func (b byPath) Less(i, j int) bool { return b.paths[i] < b.paths[j] }
func (b byPath) Swap(i, j int) {
	b.entries[i], b.entries[j] = b.entries[j], b.entries[i]
	b.paths[i], b.paths[j] = b.paths[j], b.paths[i]
}

// hashPieces streams the concatenation of paths through SHA-1 in
// pieceLength chunks.
func hashPieces(paths []string, pieceLength uint32) ([][sha1.Size]byte, error) {
	var (
		pieces [][sha1.Size]byte
		buf    = make([]byte, pieceLength)
		fill   uint32
	)

	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}

		for {
			n, err := f.Read(buf[fill:])
			fill += uint32(n)
			if fill == pieceLength {
				pieces = append(pieces, sha1.Sum(buf))
				fill = 0
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				f.Close()
				return nil, err
			}
		}
		f.Close()
	}

	if fill > 0 {
		pieces = append(pieces, sha1.Sum(buf[:fill]))
	}
	return pieces, nil
}
