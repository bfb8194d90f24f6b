// Package resume persists per-torrent resume state across restarts so the
// engine can skip a full on-disk rescan when it already knows which pieces
// verified last time. It is purely an optimization: a
// missing or stale record just falls back to FileLayout.ScanExisting.
package resume

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var torrentsBucket = []byte("torrents")

const (
	keyBitfield  = "bitfield"
	keyUpdatedAt = "updated_at"
)

// Record is one torrent's persisted resume state.
type Record struct {
	InfoHash [sha1.Size]byte
	Bitfield []byte // packed bitfield bytes, same layout as internal/bitfield
	UpdatedAt time.Time
}

// Store wraps a bbolt database holding one bucket per info hash.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if absent) the bbolt database at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("resume: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(torrentsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("resume: init bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Save writes or overwrites the resume record for infoHash.
func (s *Store) Save(infoHash [sha1.Size]byte, bitfield []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(torrentsBucket).CreateBucketIfNotExists(infoHash[:])
		if err != nil {
			return err
		}

		if err := b.Put([]byte(keyBitfield), bitfield); err != nil {
			return err
		}

		ts := make([]byte, 8)
		binary.BigEndian.PutUint64(ts, uint64(time.Now().Unix()))
		return b.Put([]byte(keyUpdatedAt), ts)
	})
}

// Load returns the resume record for infoHash, or ok=false if none exists.
func (s *Store) Load(infoHash [sha1.Size]byte) (rec Record, ok bool, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(torrentsBucket)
		b := root.Bucket(infoHash[:])
		if b == nil {
			return nil
		}

		bf := b.Get([]byte(keyBitfield))
		if bf == nil {
			return nil
		}
		rec.Bitfield = append([]byte(nil), bf...)
		rec.InfoHash = infoHash

		if ts := b.Get([]byte(keyUpdatedAt)); len(ts) == 8 {
			rec.UpdatedAt = time.Unix(int64(binary.BigEndian.Uint64(ts)), 0)
		}

		ok = true
		return nil
	})
	return rec, ok, err
}

// Delete removes the resume record for infoHash, e.g. after the torrent is
// removed from the engine entirely.
func (s *Store) Delete(infoHash [sha1.Size]byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(torrentsBucket)
		if root.Bucket(infoHash[:]) == nil {
			return nil
		}
		return root.DeleteBucket(infoHash[:])
	})
}
