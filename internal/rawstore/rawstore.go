// Package rawstore persists verbatim intelligence records in a local
// key/value document store. Records are keyed by a deterministic content
// digest, so a redelivered observation overwrites its previous copy
// instead of duplicating it.
package rawstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.etcd.io/bbolt"

	"github.com/spyglasshq/spyglass/internal/types"
)

const bucketRecords = "records"

// ErrNotFound is returned when no record exists for a digest.
var ErrNotFound = errors.New("raw record not found")

// Store is a bbolt-backed document store for raw records.
type Store struct {
	db *bbolt.DB
}

// New opens (creating if needed) the raw record store at dbPath.
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create raw store directory: %w", err)
		}
	}

	db, err := bbolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open raw store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists([]byte(bucketRecords))
		return e
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create records bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Digest derives the deterministic identity of an observation: SHA-256
// over "address:port:observed-at", timestamp in RFC 3339 UTC at second
// precision. Two deliveries of the same observation always collide; the
// same service observed at a different time never does.
func Digest(address string, port int, observedAt time.Time) string {
	payload := address + ":" + strconv.Itoa(port) + ":" +
		observedAt.UTC().Truncate(time.Second).Format(time.RFC3339)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// Put stores a raw record under its digest, computing it from the
// envelope fields. An existing record with the same digest is replaced
// wholesale. Returns the digest.
func (s *Store) Put(rec types.RawRecord) (string, error) {
	rec.Digest = Digest(rec.Address, rec.Port, rec.ObservedAt)

	value, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal raw record: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketRecords)).Put([]byte(rec.Digest), value)
	})
	if err != nil {
		return "", fmt.Errorf("put raw record: %w", err)
	}
	return rec.Digest, nil
}

// Get retrieves a raw record by digest. ok is false when absent.
func (s *Store) Get(digest string) (*types.RawRecord, bool, error) {
	var rec *types.RawRecord
	var ok bool

	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(bucketRecords)).Get([]byte(digest))
		if v == nil {
			return nil
		}
		var r types.RawRecord
		if err := json.Unmarshal(v, &r); err != nil {
			return fmt.Errorf("unmarshal raw record: %w", err)
		}
		rec = &r
		ok = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return rec, ok, nil
}

// MarkProcessed flags a record as consumed by downstream processing.
func (s *Store) MarkProcessed(digest string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketRecords))
		v := b.Get([]byte(digest))
		if v == nil {
			return ErrNotFound
		}

		var rec types.RawRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("unmarshal raw record: %w", err)
		}
		rec.Processed = true

		value, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal raw record: %w", err)
		}
		return b.Put([]byte(digest), value)
	})
}

// Unprocessed returns up to limit records not yet marked processed.
// limit <= 0 means no limit.
func (s *Store) Unprocessed(limit int) ([]types.RawRecord, error) {
	var out []types.RawRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketRecords)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec types.RawRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal raw record: %w", err)
			}
			if rec.Processed {
				continue
			}
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Count returns the number of stored records.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket([]byte(bucketRecords)).Stats().KeyN
		return nil
	})
	return n, err
}

// SnapshotTo writes a consistent copy of the whole store to path, for
// archival. The copy is taken inside one read transaction, so concurrent
// writes never tear it.
func (s *Store) SnapshotTo(path string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create snapshot directory: %w", err)
		}
	}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.CopyFile(path, 0600)
	})
	if err != nil {
		return fmt.Errorf("snapshot raw store: %w", err)
	}
	return nil
}
