package main

import (
	"crypto/sha1"
	"fmt"
	"os"

	"github.com/go-warren/warren/internal/bencode"
	"github.com/go-warren/warren/internal/torrentfile"
)

// metainfo is a decoded .torrent file: the descriptor plus the outer
// dictionary fields that sit alongside "info".
type metainfo struct {
	Announce   string
	Descriptor *torrentfile.Descriptor
}

// loadMetainfo reads and decodes path into a validated metainfo. Only the
// fields warren consumes are read: announce, and the standard info keys
// (name, piece length, pieces, length/files, private) plus the optional
// comment/created by/creation date.
func loadMetainfo(path string) (*metainfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	dict, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s: metainfo is %T, want a dict", path, raw)
	}

	info, ok := dict["info"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s: missing info dict", path)
	}

	var d torrentfile.Descriptor
	d.Name, _ = info["name"].(string)

	pieceLength, ok := info["piece length"].(int64)
	if !ok || pieceLength <= 0 {
		return nil, fmt.Errorf("%s: bad piece length", path)
	}
	d.PieceLength = uint32(pieceLength)

	piecesRaw, ok := info["pieces"].(string)
	if !ok || len(piecesRaw)%sha1.Size != 0 {
		return nil, fmt.Errorf("%s: bad pieces string", path)
	}
	for off := 0; off < len(piecesRaw); off += sha1.Size {
		var h [sha1.Size]byte
		copy(h[:], piecesRaw[off:off+sha1.Size])
		d.Pieces = append(d.Pieces, h)
	}

	if private, ok := info["private"].(int64); ok && private == 1 {
		d.Private = true
	}

	if length, ok := info["length"].(int64); ok {
		d.Files = []torrentfile.FileEntry{{PathComponents: []string{d.Name}, Length: length}}
	} else if files, ok := info["files"].([]any); ok {
		for i, it := range files {
			fd, ok := it.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%s: files[%d] not a dict", path, i)
			}
			length, ok := fd["length"].(int64)
			if !ok {
				return nil, fmt.Errorf("%s: files[%d] missing length", path, i)
			}
			pathList, ok := fd["path"].([]any)
			if !ok {
				return nil, fmt.Errorf("%s: files[%d] missing path", path, i)
			}
			var components []string
			for _, c := range pathList {
				s, ok := c.(string)
				if !ok {
					return nil, fmt.Errorf("%s: files[%d] path component not a string", path, i)
				}
				components = append(components, s)
			}
			d.Files = append(d.Files, torrentfile.FileEntry{PathComponents: components, Length: length})
		}
	} else {
		return nil, fmt.Errorf("%s: info has neither length nor files", path)
	}

	d.Comment, _ = dict["comment"].(string)
	d.CreatedBy, _ = dict["created by"].(string)
	d.CreationDate, _ = dict["creation date"].(int64)

	descriptor, err := torrentfile.New(d)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	announce, _ := dict["announce"].(string)
	return &metainfo{Announce: announce, Descriptor: descriptor}, nil
}

// marshalMetainfo encodes m back into .torrent bytes. The info dictionary
// is produced by Descriptor.InfoDict so the bytes written here hash to the
// same info hash the engine later derives when reading the file back.
func marshalMetainfo(m *metainfo) ([]byte, error) {
	outer := map[string]any{
		"info": m.Descriptor.InfoDict(),
	}
	if m.Announce != "" {
		outer["announce"] = m.Announce
	}
	if m.Descriptor.Comment != "" {
		outer["comment"] = m.Descriptor.Comment
	}
	if m.Descriptor.CreatedBy != "" {
		outer["created by"] = m.Descriptor.CreatedBy
	}
	if m.Descriptor.CreationDate != 0 {
		outer["creation date"] = m.Descriptor.CreationDate
	}

	return bencode.Marshal(outer)
}
