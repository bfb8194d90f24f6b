package main

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-warren/warren/internal/torrentfile"
)

func TestMetainfoRoundTrip(t *testing.T) {
	pieces := make([][sha1.Size]byte, 3)
	for i := range pieces {
		pieces[i] = sha1.Sum([]byte{byte(i)})
	}

	descriptor, err := torrentfile.New(torrentfile.Descriptor{
		Name:        "archive",
		PieceLength: 32 * 1024,
		Pieces:      pieces,
		Files: []torrentfile.FileEntry{
			{PathComponents: []string{"a", "one.bin"}, Length: 40 * 1024},
			{PathComponents: []string{"two.bin"}, Length: 41 * 1024},
		},
		Comment:   "test fixture",
		CreatedBy: "warren",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	original := &metainfo{Announce: "http://tracker.example/announce", Descriptor: descriptor}
	data, err := marshalMetainfo(original)
	if err != nil {
		t.Fatalf("marshalMetainfo: %v", err)
	}

	path := filepath.Join(t.TempDir(), "archive.torrent")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	loaded, err := loadMetainfo(path)
	if err != nil {
		t.Fatalf("loadMetainfo: %v", err)
	}

	if loaded.Announce != original.Announce {
		t.Errorf("announce = %q, want %q", loaded.Announce, original.Announce)
	}
	if loaded.Descriptor.Name != "archive" {
		t.Errorf("name = %q, want archive", loaded.Descriptor.Name)
	}
	if got, want := loaded.Descriptor.PieceCount(), 3; got != want {
		t.Errorf("piece count = %d, want %d", got, want)
	}
	if got, want := loaded.Descriptor.TotalSize(), int64(81*1024); got != want {
		t.Errorf("total size = %d, want %d", got, want)
	}
	if loaded.Descriptor.Comment != "test fixture" {
		t.Errorf("comment = %q, want %q", loaded.Descriptor.Comment, "test fixture")
	}

	wantHash, err := original.Descriptor.InfoHash()
	if err != nil {
		t.Fatal(err)
	}
	gotHash, err := loaded.Descriptor.InfoHash()
	if err != nil {
		t.Fatal(err)
	}
	if gotHash != wantHash {
		t.Errorf("info hash changed across round trip: %x != %x", gotHash, wantHash)
	}
}

func TestLoadMetainfoRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not a dict", "le"},
		{"missing info", "d8:announce3:urle"},
		{"bad piece length", "d4:infod4:name1:x12:piece lengthi0e6:pieces0:6:lengthi0eee"},
		{"pieces not multiple of 20", "d4:infod4:name1:x12:piece lengthi16384e6:pieces3:abc6:lengthi1eee"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.torrent")
			if err := os.WriteFile(path, []byte(tt.data), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := loadMetainfo(path); err == nil {
				t.Error("expected an error, got nil")
			}
		})
	}
}
