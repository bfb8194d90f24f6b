package layout

import (
	"bytes"
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-warren/warren/internal/torrentfile"
)

func TestSingleFileWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	d := &torrentfile.Descriptor{
		Name:        "solo.bin",
		PieceLength: 4,
		Pieces:      make([][sha1.Size]byte, 3),
		Files:       []torrentfile.FileEntry{{Length: 10}},
	}

	l, err := Open(dir, "solo.bin", d)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	if err := l.WriteBlock(0, 0, []byte("abcd")); err != nil {
		t.Fatal(err)
	}
	if err := l.WriteBlock(1, 0, []byte("efgh")); err != nil {
		t.Fatal(err)
	}
	if err := l.WriteBlock(2, 0, []byte("ij")); err != nil {
		t.Fatal(err)
	}

	got, err := l.ReadBlock(0, 0, 4)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("abcd")) {
		t.Fatalf("got %q", got)
	}

	full, err := os.ReadFile(filepath.Join(dir, "solo.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(full, []byte("abcdefghij")) {
		t.Fatalf("full file got %q", full)
	}
}

func TestMultiFileSpanning(t *testing.T) {
	dir := t.TempDir()
	d := &torrentfile.Descriptor{
		Name:        "pack",
		PieceLength: 6,
		Pieces:      make([][sha1.Size]byte, 1),
		Files: []torrentfile.FileEntry{
			{PathComponents: []string{"a.txt"}, Length: 3},
			{PathComponents: []string{"sub", "b.txt"}, Length: 3},
		},
	}

	l, err := Open(dir, "pack-root", d)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	if err := l.WriteBlock(0, 0, []byte("ABCDEF")); err != nil {
		t.Fatal(err)
	}

	a, err := os.ReadFile(filepath.Join(dir, "pack-root", "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, []byte("ABC")) {
		t.Fatalf("a.txt got %q", a)
	}

	b, err := os.ReadFile(filepath.Join(dir, "pack-root", "sub", "b.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b, []byte("DEF")) {
		t.Fatalf("b.txt got %q", b)
	}

	got, err := l.ReadBlock(0, 0, 6)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("ABCDEF")) {
		t.Fatalf("spanning read got %q", got)
	}
}

func TestScanExistingMarksVerifiedPieces(t *testing.T) {
	dir := t.TempDir()
	pieceA := []byte("aaaa")
	pieceB := []byte("bb")

	d := &torrentfile.Descriptor{
		Name:        "scan.bin",
		PieceLength: 4,
		Pieces:      [][sha1.Size]byte{sha1.Sum(pieceA), sha1.Sum(pieceB)},
		Files:       []torrentfile.FileEntry{{Length: 6}},
	}

	l, err := Open(dir, "scan.bin", d)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	if err := l.WriteBlock(0, 0, pieceA); err != nil {
		t.Fatal(err)
	}
	// leave piece 1 as zero bytes, which won't match pieceB's hash.

	bf := l.ScanExisting(d.Pieces)
	if !bf.Has(0) {
		t.Fatal("expected piece 0 to be marked present")
	}
	if bf.Has(1) {
		t.Fatal("expected piece 1 to be marked absent")
	}
}
