package torrentfile

import (
	"crypto/sha1"
	"testing"
)

func makeDescriptor(t *testing.T, pieceLength uint32, fileLen int64) *Descriptor {
	t.Helper()

	nPieces := ceilDiv(fileLen, int64(pieceLength))
	pieces := make([][sha1.Size]byte, nPieces)

	d, err := New(Descriptor{
		Name:        "test",
		PieceLength: pieceLength,
		Pieces:      pieces,
		Files:       []FileEntry{{PathComponents: []string{"test"}, Length: fileLen}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func TestNewValidatesPieceCount(t *testing.T) {
	_, err := New(Descriptor{
		Name:        "bad",
		PieceLength: 16,
		Pieces:      make([][sha1.Size]byte, 1),
		Files:       []FileEntry{{Length: 100}},
	})
	if err == nil {
		t.Fatal("expected piece-count mismatch error")
	}
}

func TestNewRejectsZeroPieceLength(t *testing.T) {
	_, err := New(Descriptor{Pieces: make([][sha1.Size]byte, 1), Files: []FileEntry{{Length: 1}}})
	if err != ErrInvalidPieceLength {
		t.Fatalf("expected ErrInvalidPieceLength, got %v", err)
	}
}

func TestPieceLengthAtLastShort(t *testing.T) {
	d := makeDescriptor(t, 16, 40) // pieces: 16, 16, 8
	if d.PieceCount() != 3 {
		t.Fatalf("expected 3 pieces, got %d", d.PieceCount())
	}
	if d.PieceLengthAt(0) != 16 || d.PieceLengthAt(1) != 16 {
		t.Fatalf("expected full pieces of 16")
	}
	if d.PieceLengthAt(2) != 8 {
		t.Fatalf("expected last piece length 8, got %d", d.PieceLengthAt(2))
	}
}

func TestInfoHashDeterministic(t *testing.T) {
	d := makeDescriptor(t, 16, 40)

	h1, err := d.InfoHash()
	if err != nil {
		t.Fatal(err)
	}
	h2, err := d.InfoHash()
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatal("InfoHash must be deterministic across calls")
	}

	d2 := makeDescriptor(t, 16, 41)
	h3, err := d2.InfoHash()
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h3 {
		t.Fatal("different descriptors must not share an info hash")
	}
}
