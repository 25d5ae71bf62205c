// Package billing implements the in-memory atomic balance map with
// asynchronous coalesced persistence.
package billing

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"
)

const (
	bucketName  = "billing"
	flushAtSize = 1024
	flushEvery  = 1 * time.Second
)

// Store is the billing balance map: a read-write-locked map of key to a
// shared atomic balance, backed by a bbolt bucket flushed asynchronously by
// a single background goroutine.
type Store struct {
	db *bbolt.DB

	mu       sync.RWMutex
	balances map[string]*atomic.Int64

	setCh chan setMsg
	done  chan struct{}
}

type setMsg struct {
	key     string
	balance int64
}

// Open loads every (key, balance) pair from db's billing bucket and starts
// the background persister.
func Open(db *bbolt.DB) (*Store, error) {
	s := &Store{
		db:       db,
		balances: map[string]*atomic.Int64{},
		setCh:    make(chan setMsg, 4096),
		done:     make(chan struct{}),
	}

	err := db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			bal := decodeBalance(v)
			a := &atomic.Int64{}
			a.Store(bal)
			s.balances[string(k)] = a
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load billing bucket: %w", err)
	}

	go s.persister()
	return s, nil
}

func decodeBalance(v []byte) int64 {
	if len(v) != 8 {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(v))
}

func encodeBalance(v int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return b
}

// persister batches Set messages in a staging map, flushing to bbolt when
// the staging map reaches flushAtSize entries or flushEvery has elapsed.
func (s *Store) persister() {
	staging := map[string]int64{}
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	flush := func() {
		if len(staging) == 0 {
			return
		}
		_ = s.db.Update(func(tx *bbolt.Tx) error {
			b := tx.Bucket([]byte(bucketName))
			for k, v := range staging {
				if err := b.Put([]byte(k), encodeBalance(v)); err != nil {
					return err
				}
			}
			return nil
		})
		staging = map[string]int64{}
	}

	for {
		select {
		case msg, ok := <-s.setCh:
			if !ok {
				flush()
				close(s.done)
				return
			}
			staging[msg.key] = msg.balance
			if len(staging) >= flushAtSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Close stops accepting new writes, flushes any pending balances, and waits
// for the persister to exit.
func (s *Store) Close() {
	close(s.setCh)
	<-s.done
}

// enqueue sends a Set message to the persister. The channel is large
// enough to absorb bursts; if it's ever full the persister is genuinely
// behind, so this blocks rather than silently dropping a balance update.
func (s *Store) enqueue(key string, balance int64) {
	s.setCh <- setMsg{key: key, balance: balance}
}

// Create inserts a new billing key with the given initial balance. Returns
// false if the key already exists.
func (s *Store) Create(key string, balance int64) bool {
	s.mu.Lock()
	if _, exists := s.balances[key]; exists {
		s.mu.Unlock()
		return false
	}
	a := &atomic.Int64{}
	a.Store(balance)
	s.balances[key] = a
	s.mu.Unlock()

	s.enqueue(key, balance)
	return true
}

// Get returns the current balance for key, and whether it exists.
func (s *Store) Get(key string) (int64, bool) {
	s.mu.RLock()
	a, ok := s.balances[key]
	s.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return a.Load(), true
}

// Adjust adds delta to key's balance via a saturating CAS loop, returning
// the new balance and whether the key existed.
func (s *Store) Adjust(key string, delta int64) (int64, bool) {
	s.mu.RLock()
	a, ok := s.balances[key]
	s.mu.RUnlock()
	if !ok {
		return 0, false
	}

	for {
		cur := a.Load()
		next := saturatingAdd(cur, delta)
		if a.CompareAndSwap(cur, next) {
			s.enqueue(key, next)
			return next, true
		}
	}
}

// ApplyUsage debits totalTokens from key's balance (adjust(key, -total)).
// If totalTokens is 0, it returns the current balance without enqueueing a
// write.
func (s *Store) ApplyUsage(key string, totalTokens uint64) (int64, bool) {
	if totalTokens == 0 {
		return s.Get(key)
	}
	delta := -int64(totalTokens)
	if totalTokens > math.MaxInt64 {
		delta = math.MinInt64
	}
	return s.Adjust(key, delta)
}

func saturatingAdd(a, b int64) int64 {
	sum := a + b
	// Overflow occurs iff a and b have the same sign and the result's
	// sign differs from theirs.
	if (b > 0 && sum < a) {
		return math.MaxInt64
	}
	if (b < 0 && sum > a) {
		return math.MinInt64
	}
	return sum
}
