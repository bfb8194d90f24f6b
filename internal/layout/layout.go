// Package layout translates (piece index, offset, length) coordinates into
// byte spans across the torrent's concatenated file set.
package layout

import (
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-warren/warren/internal/bitfield"
	"github.com/go-warren/warren/internal/torrentfile"
)

// span is one (file, offset, length) fragment of a piece/byte-range
// request. A read or write spanning multiple files is split into one span
// per overlapping file, in file order.
type span struct {
	fileIndex  int
	fileOffset int64
	length     int64
}

type dataFile struct {
	path   string
	offset int64 // start offset within the concatenated stream
	length int64
	f      *os.File
}

// FileLayout models the torrent's logical byte stream as the ordered
// concatenation of its FileEntry regions.
type FileLayout struct {
	files       []*dataFile
	pieceLength uint32
	totalSize   int64
}

// Open pre-allocates (creating parent directories and truncating to full
// length) every file in descriptor under root/name, and returns a
// FileLayout ready for scatter reads/writes.
func Open(root, name string, descriptor *torrentfile.Descriptor) (*FileLayout, error) {
	base := filepath.Join(root, name)

	var (
		files  []*dataFile
		offset int64
	)

	// Single-file torrents store directly at root/name; multi-file
	// torrents nest under root/name/<path...>.
	single := len(descriptor.Files) == 1 && len(descriptor.Files[0].PathComponents) <= 1

	for _, entry := range descriptor.Files {
		var path string
		if single {
			path = base
		} else {
			rel := filepath.Join(entry.PathComponents...)
			path = filepath.Join(base, rel)
		}

		f, err := createAndTruncate(path, entry.Length)
		if err != nil {
			return nil, err
		}

		files = append(files, &dataFile{path: path, offset: offset, length: entry.Length, f: f})
		offset += entry.Length
	}

	return &FileLayout{files: files, pieceLength: descriptor.PieceLength, totalSize: offset}, nil
}

func createAndTruncate(path string, length int64) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("layout: mkdir %s: %w", filepath.Dir(path), err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("layout: open %s: %w", path, err)
	}
	if err := f.Truncate(length); err != nil {
		f.Close()
		return nil, fmt.Errorf("layout: truncate %s: %w", path, err)
	}
	return f, nil
}

// Close closes every underlying file handle.
func (l *FileLayout) Close() error {
	var firstErr error
	for _, f := range l.files {
		if err := f.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// spans computes the (file, offset, length) fragments covering
// [absStart, absStart+length) of the concatenated stream.
func (l *FileLayout) spans(absStart int64, length uint32) []span {
	absEnd := absStart + int64(length)

	var out []span
	for i, f := range l.files {
		fStart, fEnd := f.offset, f.offset+f.length

		overlapStart := max64(absStart, fStart)
		overlapEnd := min64(absEnd, fEnd)
		if overlapStart >= overlapEnd {
			continue
		}

		out = append(out, span{
			fileIndex:  i,
			fileOffset: overlapStart - fStart,
			length:     overlapEnd - overlapStart,
		})
	}
	return out
}

// WriteBlock writes data at (pieceIndex, offsetInPiece) across however many
// underlying files it spans.
func (l *FileLayout) WriteBlock(pieceIndex, offsetInPiece uint32, data []byte) error {
	absStart := int64(pieceIndex)*int64(l.pieceLength) + int64(offsetInPiece)

	var written int64
	for _, sp := range l.spans(absStart, uint32(len(data))) {
		f := l.files[sp.fileIndex]
		chunk := data[written : written+sp.length]

		n, err := f.f.WriteAt(chunk, sp.fileOffset)
		if err != nil {
			return fmt.Errorf("layout: write %s: %w", f.path, err)
		}
		if int64(n) != sp.length {
			return fmt.Errorf("layout: short write to %s: wrote %d want %d", f.path, n, sp.length)
		}
		written += sp.length
	}

	return nil
}

// ReadBlock reads length bytes at (pieceIndex, offsetInPiece).
func (l *FileLayout) ReadBlock(pieceIndex, offsetInPiece, length uint32) ([]byte, error) {
	absStart := int64(pieceIndex)*int64(l.pieceLength) + int64(offsetInPiece)
	out := make([]byte, length)

	var read int64
	for _, sp := range l.spans(absStart, length) {
		f := l.files[sp.fileIndex]
		chunk := out[read : read+sp.length]

		n, err := f.f.ReadAt(chunk, sp.fileOffset)
		if err != nil {
			return nil, fmt.Errorf("layout: read %s: %w", f.path, err)
		}
		if int64(n) != sp.length {
			return nil, fmt.Errorf("layout: short read from %s: read %d want %d", f.path, n, sp.length)
		}
		read += sp.length
	}

	return out, nil
}

// ScanExisting attempts to verify every piece directly against on-disk
// bytes, without writing anything. A piece whose full byte range hashes
// correctly is marked present; partial or mismatched pieces are left
// absent.
func (l *FileLayout) ScanExisting(pieceHashes [][sha1.Size]byte) bitfield.Bitfield {
	bf := bitfield.New(len(pieceHashes))

	for i, want := range pieceHashes {
		length := l.pieceLengthAt(i, len(pieceHashes))

		data, err := l.ReadBlock(uint32(i), 0, length)
		if err != nil {
			continue
		}
		if sha1.Sum(data) == want {
			bf.Set(i)
		}
	}

	return bf
}

func (l *FileLayout) pieceLengthAt(i, nPieces int) uint32 {
	if i < nPieces-1 {
		return l.pieceLength
	}
	last := l.totalSize - int64(l.pieceLength)*int64(nPieces-1)
	return uint32(last)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
