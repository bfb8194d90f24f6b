// Package torrentfile defines the decoded torrent metadata value the engine
// operates on. Parsing a .torrent file into this shape is an external
// concern; this package only validates the decoded value and computes its
// canonical info hash.
package torrentfile

import (
	"crypto/sha1"
	"errors"
	"fmt"

	"github.com/go-warren/warren/internal/bencode"
)

var (
	ErrInvalidPieceLength = errors.New("torrentfile: piece length must be > 0")
	ErrNoFiles            = errors.New("torrentfile: at least one file entry required")
	ErrPieceCountMismatch = errors.New("torrentfile: piece count does not match total size")
	ErrSizeMismatch       = errors.New("torrentfile: sum of file lengths does not match pieces")
)

// FileEntry is one file within the torrent's concatenated byte stream.
type FileEntry struct {
	PathComponents []string
	Length         int64
}

// Descriptor is the immutable, decoded torrent metadata warren's core
// operates on. Bencode parsing of the
// on-disk .torrent file happens outside this package; Descriptor is
// constructed from already-decoded fields and then validated.
type Descriptor struct {
	Name         string
	PieceLength  uint32
	Pieces       [][sha1.Size]byte
	Files        []FileEntry
	Private      bool
	Comment      string
	CreatedBy    string
	CreationDate int64
}

// New validates d's invariants and returns it unchanged on success.
//
// Invariants enforced: piece_length > 0; sum(file.length)
// equals the byte range covered by all pieces (every piece but the last is
// exactly piece_length); len(pieces) == ceil(total_size / piece_length).
func New(d Descriptor) (*Descriptor, error) {
	if d.PieceLength == 0 {
		return nil, ErrInvalidPieceLength
	}
	if len(d.Files) == 0 {
		return nil, ErrNoFiles
	}

	var total int64
	for _, f := range d.Files {
		total += f.Length
	}

	wantPieces := ceilDiv(total, int64(d.PieceLength))
	if int64(len(d.Pieces)) != wantPieces {
		return nil, fmt.Errorf("%w: have %d, want %d", ErrPieceCountMismatch, len(d.Pieces), wantPieces)
	}

	out := d
	return &out, nil
}

func ceilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// TotalSize returns the sum of all file lengths.
func (d *Descriptor) TotalSize() int64 {
	var total int64
	for _, f := range d.Files {
		total += f.Length
	}
	return total
}

// PieceCount returns the number of pieces.
func (d *Descriptor) PieceCount() int { return len(d.Pieces) }

// PieceLengthAt returns the byte length of piece i, accounting for the
// final (possibly short) piece.
func (d *Descriptor) PieceLengthAt(i int) uint32 {
	if i < 0 || i >= len(d.Pieces) {
		return 0
	}
	if i < len(d.Pieces)-1 {
		return d.PieceLength
	}

	total := d.TotalSize()
	last := total - int64(d.PieceLength)*int64(len(d.Pieces)-1)
	return uint32(last)
}

// InfoHash derives the torrent's stable 20-byte identifier from a
// canonical bencode encoding of the descriptor's info fields. The encoding matches the standard "info" dictionary shape
// (name, piece length, pieces, and length or files) so it interoperates
// with other implementations reading the same .torrent file.
func (d *Descriptor) InfoHash() ([sha1.Size]byte, error) {
	encoded, err := bencode.Marshal(d.InfoDict())
	if err != nil {
		return [sha1.Size]byte{}, err
	}

	return sha1.Sum(encoded), nil
}

// InfoDict returns the descriptor's canonical "info" dictionary shape, the
// value whose bencoding defines the info hash. Callers writing a metainfo
// file embed this under the outer dictionary's "info" key.
func (d *Descriptor) InfoDict() map[string]any {
	piecesConcat := make([]byte, 0, len(d.Pieces)*sha1.Size)
	for _, h := range d.Pieces {
		piecesConcat = append(piecesConcat, h[:]...)
	}

	info := map[string]any{
		"name":         d.Name,
		"piece length": int64(d.PieceLength),
		"pieces":       piecesConcat,
	}
	if d.Private {
		info["private"] = int64(1)
	}

	if len(d.Files) == 1 && len(d.Files[0].PathComponents) <= 1 {
		info["length"] = d.Files[0].Length
		return info
	}

	files := make([]any, 0, len(d.Files))
	for _, f := range d.Files {
		path := make([]any, 0, len(f.PathComponents))
		for _, c := range f.PathComponents {
			path = append(path, c)
		}
		files = append(files, map[string]any{
			"length": f.Length,
			"path":   path,
		})
	}
	info["files"] = files

	return info
}
