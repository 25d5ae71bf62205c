// Package credstore is the durable, embedded key-value credential and
// billing-balance store. Grounded on an embedded KV credential/balance
// KeyStore (backed there by sled; here by go.etcd.io/bbolt — see
// DESIGN.md). Per-upstream credentials live in a bucket named "u:<id>";
// billing balances live in a "billing" bucket.
package credstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"go.etcd.io/bbolt"
)

const billingBucket = "billing"

func upstreamBucketName(upstreamID string) []byte {
	return []byte("u:" + upstreamID)
}

// Store wraps a bbolt database rooted at dataDir/keys_db.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the bbolt file at dataDir/keys_db.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(filepath.Join(dataDir, "keys_db"), 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying bbolt handle so internal/billing can be
// constructed with the same *bbolt.DB and keep its balances in the
// "billing" bucket of this file.
func (s *Store) DB() *bbolt.DB { return s.db }

// LoadAll returns every credential string stored for upstreamID. Returns an
// empty slice (not an error) if the bucket doesn't exist yet.
func (s *Store) LoadAll(upstreamID string) ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(upstreamBucketName(upstreamID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			if !utf8.Valid(k) {
				return fmt.Errorf("invalid utf-8 key in db for upstream %s", upstreamID)
			}
			out = append(out, string(k))
			return nil
		})
	})
	return out, err
}

// AddResult reports the outcome of an Add call.
type AddResult struct {
	Inserted     int
	Existed      int
	InsertedKeys []string
}

// Add upserts keys into upstreamID's bucket; duplicates count as Existed.
// Control-byte or over-length credentials are rejected by ValidateKeys.
func (s *Store) Add(upstreamID string, keys []string) (inserted, existed int, insertedKeys []string, err error) {
	if err := ValidateKeys(keys); err != nil {
		return 0, 0, nil, err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(upstreamBucketName(upstreamID))
		if err != nil {
			return err
		}
		for _, k := range keys {
			if b.Get([]byte(k)) != nil {
				existed++
				continue
			}
			if err := b.Put([]byte(k), []byte{}); err != nil {
				return err
			}
			inserted++
			insertedKeys = append(insertedKeys, k)
		}
		return nil
	})
	return inserted, existed, insertedKeys, err
}

// Replace clears upstreamID's bucket then inserts keys.
func (s *Store) Replace(upstreamID string, keys []string) error {
	if err := ValidateKeys(keys); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		name := upstreamBucketName(upstreamID)
		if err := tx.DeleteBucket(name); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket(name)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := b.Put([]byte(k), []byte{}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete removes keys from upstreamID's bucket, returning the count removed.
func (s *Store) Delete(upstreamID string, keys []string) (removed int, err error) {
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(upstreamBucketName(upstreamID))
		if b == nil {
			return nil
		}
		for _, k := range keys {
			if b.Get([]byte(k)) != nil {
				if err := b.Delete([]byte(k)); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	return removed, err
}

// Count returns the number of credentials stored for upstreamID.
func (s *Store) Count(upstreamID string) (int, error) {
	n := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(upstreamBucketName(upstreamID))
		if b == nil {
			return nil
		}
		n = b.Stats().KeyN
		return nil
	})
	return n, err
}

type exportDoc struct {
	Upstreams map[string][]string `json:"upstreams"`
}

// ExportJSON writes every upstream's credential set to a JSON file for
// backup.
func (s *Store) ExportJSON(path string) error {
	doc := exportDoc{Upstreams: map[string][]string{}}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bbolt.Bucket) error {
			n := string(name)
			if !strings.HasPrefix(n, "u:") {
				return nil
			}
			upstreamID := strings.TrimPrefix(n, "u:")
			var keys []string
			if err := b.ForEach(func(k, _ []byte) error {
				keys = append(keys, string(k))
				return nil
			}); err != nil {
				return err
			}
			sort.Strings(keys)
			doc.Upstreams[upstreamID] = keys
			return nil
		})
	})
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ImportJSON replaces per-upstream credential sets from a JSON backup file,
// equivalent to Replace for every upstream present in the document.
func (s *Store) ImportJSON(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var doc exportDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	for upstreamID, keys := range doc.Upstreams {
		if err := s.Replace(upstreamID, keys); err != nil {
			return fmt.Errorf("import upstream %s: %w", upstreamID, err)
		}
	}
	return nil
}

// ValidateKeys rejects credentials containing control bytes or exceeding a
// generous length cap.
func ValidateKeys(keys []string) error {
	const maxLen = 4096
	for _, k := range keys {
		if k == "" {
			return fmt.Errorf("credential must not be empty")
		}
		if len(k) > maxLen {
			return fmt.Errorf("credential exceeds maximum length of %d bytes", maxLen)
		}
		for _, r := range k {
			if r < 0x20 || r == 0x7f {
				return fmt.Errorf("credential contains control byte")
			}
		}
	}
	return nil
}
