package engine

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/go-warren/warren/internal/config"
	"github.com/go-warren/warren/internal/torrentfile"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Default()
	if err != nil {
		t.Fatal(err)
	}
	cfg.ListenPort = 0 // pick a free port
	cfg.UnchokeInterval = 50 * time.Millisecond
	cfg.DialTimeout = 2 * time.Second
	cfg.HandshakeTimeout = 2 * time.Second
	return cfg
}

// makeTorrent writes random content to dir/<name> and returns its
// descriptor: nPieces pieces of pieceLength bytes, the last one short.
func makeTorrent(t *testing.T, dir, name string, pieceLength uint32, nPieces int) *torrentfile.Descriptor {
	t.Helper()

	total := int64(pieceLength)*int64(nPieces) - int64(pieceLength)/2
	data := make([]byte, total)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}

	pieces := make([][sha1.Size]byte, 0, nPieces)
	for off := int64(0); off < total; off += int64(pieceLength) {
		end := off + int64(pieceLength)
		if end > total {
			end = total
		}
		pieces = append(pieces, sha1.Sum(data[off:end]))
	}

	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		t.Fatal(err)
	}

	d, err := torrentfile.New(torrentfile.Descriptor{
		Name:        name,
		PieceLength: pieceLength,
		Pieces:      pieces,
		Files:       []torrentfile.FileEntry{{PathComponents: []string{name}, Length: total}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func listenPort(t *testing.T, e *Engine) uint16 {
	t.Helper()
	addr := e.ListenAddr()
	if addr == nil {
		t.Fatal("engine has no listener")
	}
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	return uint16(port)
}

// TestLeecherConvergesAgainstSeed spins up a seeding engine and an empty
// one over real TCP on localhost and waits for the empty one to finish.
func TestLeecherConvergesAgainstSeed(t *testing.T) {
	seedDir := t.TempDir()
	leechDir := t.TempDir()

	descriptor := makeTorrent(t, seedDir, "payload.bin", 32*1024, 4)

	seed, err := Open(testConfig(t), descriptor, seedDir, Options{Listen: true, Log: testLogger()})
	if err != nil {
		t.Fatalf("open seed: %v", err)
	}
	defer seed.Close()

	if !seed.Stats().Complete {
		t.Fatal("seed engine should have verified all pieces from disk")
	}

	leech, err := Open(testConfig(t), descriptor, leechDir, Options{Log: testLogger()})
	if err != nil {
		t.Fatalf("open leech: %v", err)
	}
	defer leech.Close()

	if leech.Stats().PiecesVerified != 0 {
		t.Fatal("leech engine should start empty")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	go seed.Run(ctx)
	go leech.Run(ctx)

	seedAddr := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), listenPort(t, seed))
	if err := leech.DialPeer(ctx, seedAddr); err != nil {
		t.Fatalf("dial seed: %v", err)
	}

	deadline := time.After(25 * time.Second)
	for {
		if leech.Stats().Complete {
			break
		}
		select {
		case <-deadline:
			stats := leech.Stats()
			t.Fatalf("leech did not converge: %d/%d pieces verified, %d peers",
				stats.PiecesVerified, stats.PieceCount, stats.Peers)
		case <-time.After(100 * time.Millisecond):
		}
	}

	// The downloaded bytes must match the seed's byte for byte.
	want, err := os.ReadFile(filepath.Join(seedDir, "payload.bin"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(leechDir, "payload.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("size mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("content mismatch at byte %d", i)
		}
	}
}

func TestVerifyAllMatchesScanExisting(t *testing.T) {
	dir := t.TempDir()
	descriptor := makeTorrent(t, dir, "data.bin", 16*1024, 3)

	e, err := Open(testConfig(t), descriptor, dir, Options{Log: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	bf, err := e.VerifyAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !bf.IsComplete() {
		t.Fatalf("expected full verification of intact data, got %d/%d",
			bf.CountOnes(), descriptor.PieceCount())
	}

	// Corrupt one byte of the first piece and re-verify; exactly that piece
	// must be demoted.
	path := filepath.Join(dir, "data.bin")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[0] ^= 0xFF
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	bf, err = e.VerifyAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if bf.Has(0) {
		t.Fatal("expected corrupted piece 0 to fail verification")
	}
	if got, want := bf.CountOnes(), descriptor.PieceCount()-1; got != want {
		t.Fatalf("expected %d intact pieces, got %d", want, got)
	}
}
