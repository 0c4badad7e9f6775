// Package store implements the expiring key/value table used by a node to
// hold values it is responsible for as a result of STORE requests.
package store

import (
	"sync"
	"time"

	"github.com/kadcore/kademlia/identifier"
	"github.com/sirupsen/logrus"
)

// DefaultExpiration is how long a stored value remains retrievable after it
// was last inserted, absent republishing.
const DefaultExpiration = 1 * time.Hour

// entry holds a stored value together with the time at which it expires.
type entry struct {
	value     string
	expiresAt time.Time
}

// Store is a thread-safe map from Identifier to string value, where every
// value carries an expiration deadline. A reverse index keyed by expiration
// time lets expired values be swept without scanning the whole table.
type Store struct {
	mu         sync.Mutex
	expiration time.Duration
	now        func() time.Time

	items    map[identifier.Identifier]entry
	byExpiry map[int64][]identifier.Identifier
}

// New creates a Store whose entries expire after the given duration. A zero
// duration selects DefaultExpiration.
func New(expiration time.Duration) *Store {
	if expiration <= 0 {
		expiration = DefaultExpiration
	}
	return &Store{
		expiration: expiration,
		now:        time.Now,
		items:      make(map[identifier.Identifier]entry),
		byExpiry:   make(map[int64][]identifier.Identifier),
	}
}

// SetTimeSource overrides the clock used for expiration, for deterministic
// tests. Passing nil restores time.Now.
func (s *Store) SetTimeSource(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now == nil {
		now = time.Now
	}
	s.now = now
}

// Insert stores value under key, replacing any existing entry and resetting
// its expiration. A value republished under the same key is removed from
// its previous expiration bucket so that bucket does not leak a stale
// reference once the new deadline is reached.
func (s *Store) Insert(key identifier.Identifier, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeExpiredLocked()

	if old, ok := s.items[key]; ok {
		s.unindexLocked(key, old.expiresAt)
	}

	expiresAt := s.now().Add(s.expiration)
	s.items[key] = entry{value: value, expiresAt: expiresAt}
	bucket := expiresAt.Unix()
	s.byExpiry[bucket] = append(s.byExpiry[bucket], key)
}

// Get retrieves the value stored under key, if present and not expired.
func (s *Store) Get(key identifier.Identifier) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeExpiredLocked()

	e, ok := s.items[key]
	if !ok {
		return "", false
	}
	return e.value, true
}

// Len reports the number of live entries, after sweeping expired ones.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeExpiredLocked()
	return len(s.items)
}

// removeExpiredLocked deletes every entry whose expiration is at or before
// now, compared in whole Unix seconds: an entry expiring later within the
// current second is deleted too. Callers must hold s.mu.
func (s *Store) removeExpiredLocked() {
	cutoff := s.now().Unix()
	expiredBuckets := 0

	for bucket, keys := range s.byExpiry {
		if bucket > cutoff {
			continue
		}
		for _, key := range keys {
			if e, ok := s.items[key]; ok && e.expiresAt.Unix() <= cutoff {
				delete(s.items, key)
			}
		}
		delete(s.byExpiry, bucket)
		expiredBuckets++
	}

	if expiredBuckets > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "removeExpiredLocked",
			"buckets":  expiredBuckets,
			"remain":   len(s.items),
		}).Debug("swept expired store entries")
	}
}

// unindexLocked removes key from the expiry bucket it was previously filed
// under. Callers must hold s.mu.
func (s *Store) unindexLocked(key identifier.Identifier, expiresAt time.Time) {
	bucket := expiresAt.Unix()
	keys := s.byExpiry[bucket]
	for i, k := range keys {
		if k == key {
			s.byExpiry[bucket] = append(keys[:i], keys[i+1:]...)
			break
		}
	}
	if len(s.byExpiry[bucket]) == 0 {
		delete(s.byExpiry, bucket)
	}
}
