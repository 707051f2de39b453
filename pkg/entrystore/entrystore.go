// Package entrystore provides persistent storage for observed entry
// state, so a watcher can inspect last-known state across restarts
// without re-crawling. Records are gob-encoded and zstd-compressed.
package entrystore

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	bolt "go.etcd.io/bbolt"

	"github.com/niftylabs/nifty-go/internal/types"
	"github.com/niftylabs/nifty-go/pkg/cluster"
)

var (
	// ErrEntryNotFound is returned when no record exists for the entry.
	ErrEntryNotFound = errors.New("entry record not found")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("entrystore closed")

	// ErrGenesisMismatch is returned when the store was written against
	// a different cluster. Reset discards the stale records.
	ErrGenesisMismatch = errors.New("entrystore genesis mismatch")
)

// Bucket names for BoltDB.
var (
	// bucketEntries stores entry records keyed by entry pubkey.
	bucketEntries = []byte("entries")

	// bucketMetadata stores store-level metadata.
	bucketMetadata = []byte("metadata")
)

var keyGenesis = []byte("genesis")

// EntryRecord is one persisted observation of an entry.
type EntryRecord struct {
	Pubkey      types.Pubkey
	GroupNumber uint32
	BlockNumber uint32
	EntryIndex  uint16
	MintPubkey  types.Pubkey

	// State and prices as computed at observation time.
	State              string
	PriceLamports      uint64
	MinimumBidLamports uint64

	Snapshot cluster.EntrySnapshot

	ObservedSlot          uint64
	ObservedUnixTimestamp int64
}

// RecordEntry builds a record from the entry's current state.
func RecordEntry(e *cluster.Entry, clock *cluster.ClockReading) *EntryRecord {
	rec := &EntryRecord{
		Pubkey:                e.Pubkey,
		GroupNumber:           e.GroupNumber,
		BlockNumber:           e.BlockNumber,
		EntryIndex:            e.EntryIndex,
		MintPubkey:            e.MintPubkey,
		State:                 e.State(clock).String(),
		Snapshot:              e.Snapshot(),
		ObservedSlot:          clock.Slot,
		ObservedUnixTimestamp: clock.UnixTimestamp,
	}
	switch e.State(clock) {
	case cluster.EntryStatePreRevealUnowned, cluster.EntryStateUnowned:
		rec.PriceLamports = e.Price(clock)
	case cluster.EntryStateInAuction:
		rec.MinimumBidLamports = e.MinimumBidLamports(clock)
	}
	return rec
}

// Config holds store configuration options.
type Config struct {
	// Path is the database file path.
	Path string

	// NoSync disables fsync after each write (faster but less durable).
	NoSync bool

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool
}

// Store persists entry records in BoltDB.
type Store struct {
	db     *bolt.DB
	config Config

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	mu     sync.RWMutex
	closed bool
}

// Open creates or opens a store at the configured path.
func Open(config Config) (*Store, error) {
	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	opts := &bolt.Options{
		Timeout:  5 * time.Second,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	}
	db, err := bolt.Open(config.Path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		db.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	store := &Store{
		db:      db,
		config:  config,
		encoder: encoder,
		decoder: decoder,
	}

	if !config.ReadOnly {
		if err := store.initBuckets(); err != nil {
			store.closeCodecs()
			db.Close()
			return nil, fmt.Errorf("init buckets: %w", err)
		}
	}

	return store, nil
}

func (s *Store) initBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketMetadata} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

func (s *Store) closeCodecs() {
	s.encoder.Close()
	s.decoder.Close()
}

// CheckGenesis verifies the store belongs to the cluster with the given
// genesis hash, recording it on first use. ErrGenesisMismatch means the
// records belong to a different cluster; call Reset to discard them.
func (s *Store) CheckGenesis(genesis types.Hash) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.mu.RUnlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMetadata)
		stored := meta.Get(keyGenesis)
		if stored == nil {
			return meta.Put(keyGenesis, genesis[:])
		}
		if !bytes.Equal(stored, genesis[:]) {
			return ErrGenesisMismatch
		}
		return nil
	})
}

// Reset discards every entry record and the stored genesis.
func (s *Store) Reset() error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.mu.RUnlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketEntries); err != nil {
			return err
		}
		if _, err := tx.CreateBucket(bucketEntries); err != nil {
			return err
		}
		return tx.Bucket(bucketMetadata).Delete(keyGenesis)
	})
}

// PutEntry stores a record, replacing any previous observation of the
// same entry.
func (s *Store) PutEntry(rec *EntryRecord) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.mu.RUnlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return fmt.Errorf("encode entry record: %w", err)
	}
	compressed := s.encoder.EncodeAll(buf.Bytes(), nil)

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).Put(rec.Pubkey[:], compressed)
	})
}

// GetEntry retrieves the last observation of an entry.
func (s *Store) GetEntry(pubkey types.Pubkey) (*EntryRecord, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	s.mu.RUnlock()

	var rec EntryRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		if b == nil {
			return ErrEntryNotFound
		}
		data := b.Get(pubkey[:])
		if data == nil {
			return ErrEntryNotFound
		}
		raw, err := s.decoder.DecodeAll(data, nil)
		if err != nil {
			return fmt.Errorf("decompress entry record: %w", err)
		}
		return gob.NewDecoder(bytes.NewReader(raw)).Decode(&rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ForEach calls fn for every stored record. Returning an error from fn
// stops the iteration and is returned.
func (s *Store) ForEach(fn func(*EntryRecord) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.mu.RUnlock()

	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, data []byte) error {
			raw, err := s.decoder.DecodeAll(data, nil)
			if err != nil {
				return fmt.Errorf("decompress entry record: %w", err)
			}
			var rec EntryRecord
			if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&rec); err != nil {
				return fmt.Errorf("decode entry record: %w", err)
			}
			return fn(&rec)
		})
	})
}

// Count returns the number of stored records.
func (s *Store) Count() (int, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return 0, ErrClosed
	}
	s.mu.RUnlock()

	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(bucketEntries); b != nil {
			count = b.Stats().KeyN
		}
		return nil
	})
	return count, err
}

// Sync forces a sync of the database to disk.
func (s *Store) Sync() error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.mu.RUnlock()
	return s.db.Sync()
}

// Close shuts down the store.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.closeCodecs()
	return s.db.Close()
}
