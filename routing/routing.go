// Package routing implements the growable k-bucket routing table used to
// locate the contacts closest to any given identifier.
package routing

import (
	"sort"
	"sync"
	"time"

	"github.com/kadcore/kademlia/identifier"
	"github.com/sirupsen/logrus"
)

// BucketSize (k) is the maximum number of contacts held in any one bucket.
const BucketSize = 20

// MaxBuckets caps how many times the table may grow. With 256-bit
// identifiers there can be at most one bucket per bit of the key space.
const MaxBuckets = identifier.Bits

// Contact is a reachable peer: its identifier, its network address, and the
// last time it was confirmed alive.
type Contact struct {
	ID       identifier.Identifier
	Addr     string
	LastSeen time.Time
}

// FullBucketError is returned by Table.Update when the bucket responsible
// for a contact is at capacity and ineligible to split. The caller is
// expected to evict the bucket's least-recently-seen contact (via
// LeastRecentlySeen/RemoveLeastRecentlySeen) and retry the update.
type FullBucketError struct {
	BucketIndex int
}

func (e *FullBucketError) Error() string {
	return "routing: bucket is full"
}

// bucket holds contacts ordered from least-recently-seen (index 0) to
// most-recently-seen (last index).
type bucket struct {
	contacts []Contact
}

func newBucket() *bucket {
	return &bucket{contacts: make([]Contact, 0, BucketSize)}
}

// update moves an existing contact to the back (most-recently-seen) and
// refreshes its fields, or appends a new contact if there is room. It
// reports false when the bucket is full and the contact is not already
// present.
func (b *bucket) update(c Contact) bool {
	for i, existing := range b.contacts {
		if existing.ID == c.ID {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			b.contacts = append(b.contacts, c)
			return true
		}
	}
	if len(b.contacts) < BucketSize {
		b.contacts = append(b.contacts, c)
		return true
	}
	return false
}

func (b *bucket) remove(id identifier.Identifier) bool {
	for i, existing := range b.contacts {
		if existing.ID == id {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			return true
		}
	}
	return false
}

func (b *bucket) leastRecentlySeen() (Contact, bool) {
	if len(b.contacts) == 0 {
		return Contact{}, false
	}
	return b.contacts[0], true
}

func (b *bucket) removeLeastRecentlySeen() {
	if len(b.contacts) == 0 {
		return
	}
	b.contacts = b.contacts[1:]
}

func (b *bucket) snapshot() []Contact {
	out := make([]Contact, len(b.contacts))
	copy(out, b.contacts)
	return out
}

// Table is a growable set of k-buckets indexed by XOR distance from a local
// identifier. Only the last bucket - the one covering the region nearest to
// self - is ever split, and only up to MaxBuckets times.
type Table struct {
	mu      sync.Mutex
	self    identifier.Identifier
	buckets []*bucket
}

// New creates an empty Table for the given local identifier.
func New(self identifier.Identifier) *Table {
	return &Table{
		self:    self,
		buckets: []*bucket{newBucket()},
	}
}

// bucketIndexLocked returns the index of the bucket responsible for id,
// clamped to the table's current size. Callers must hold t.mu.
func (t *Table) bucketIndexLocked(id identifier.Identifier) int {
	idx := t.self.Xor(id).LeadingZeros()
	if idx >= len(t.buckets) {
		idx = len(t.buckets) - 1
	}
	return idx
}

// Update inserts or refreshes a contact. If the responsible bucket is full
// and is the (splittable) last bucket, the table splits it and retries. If
// it is full and cannot split, Update returns a *FullBucketError naming the
// bucket; the caller must then evict that bucket's least-recently-seen
// contact before retrying.
func (t *Table) Update(c Contact) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.updateLocked(c)
}

func (t *Table) updateLocked(c Contact) error {
	idx := t.bucketIndexLocked(c.ID)
	if t.buckets[idx].update(c) {
		return nil
	}

	if idx == len(t.buckets)-1 && len(t.buckets) < MaxBuckets {
		t.splitLastBucketLocked()
		return t.updateLocked(c)
	}

	return &FullBucketError{BucketIndex: idx}
}

// splitLastBucketLocked divides the last bucket into two: contacts that
// still fall in the (unchanged) last index stay behind, everything closer
// to self moves into a freshly appended bucket.
func (t *Table) splitLastBucketLocked() {
	old := t.buckets[len(t.buckets)-1]
	t.buckets = append(t.buckets, newBucket())
	newLastIndex := len(t.buckets) - 1

	remaining := old.contacts[:0:0]
	for _, c := range old.contacts {
		if t.bucketIndexLocked(c.ID) == newLastIndex {
			t.buckets[newLastIndex].contacts = append(t.buckets[newLastIndex].contacts, c)
		} else {
			remaining = append(remaining, c)
		}
	}
	old.contacts = remaining

	logrus.WithFields(logrus.Fields{
		"function": "splitLastBucketLocked",
		"buckets":  len(t.buckets),
	}).Debug("split routing table bucket")
}

// LeastRecentlySeen returns the oldest contact in the named bucket.
func (t *Table) LeastRecentlySeen(bucketIndex int) (Contact, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if bucketIndex < 0 || bucketIndex >= len(t.buckets) {
		return Contact{}, false
	}
	return t.buckets[bucketIndex].leastRecentlySeen()
}

// RemoveLeastRecentlySeen evicts the oldest contact in the named bucket.
func (t *Table) RemoveLeastRecentlySeen(bucketIndex int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if bucketIndex < 0 || bucketIndex >= len(t.buckets) {
		return
	}
	t.buckets[bucketIndex].removeLeastRecentlySeen()
}

// PopLeastRecentlySeen atomically returns and evicts the oldest contact in
// the named bucket under a single lock acquisition, so a concurrent Update
// on the same bucket can never observe or evict a contact this call has
// already claimed.
func (t *Table) PopLeastRecentlySeen(bucketIndex int) (Contact, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if bucketIndex < 0 || bucketIndex >= len(t.buckets) {
		return Contact{}, false
	}
	c, ok := t.buckets[bucketIndex].leastRecentlySeen()
	if !ok {
		return Contact{}, false
	}
	t.buckets[bucketIndex].removeLeastRecentlySeen()
	return c, true
}

// Remove deletes the contact with the given identifier, if present.
func (t *Table) Remove(id identifier.Identifier) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.bucketIndexLocked(id)
	t.buckets[idx].remove(id)
}

// ClosestContacts returns up to count contacts ordered by ascending XOR
// distance from target. It starts at target's own bucket, then - if that
// bucket alone doesn't already hold enough candidates - scans every bucket
// above it (nearer self) in full, since distance in that direction is
// not monotonic with bucket index and a partial scan could skip a genuinely
// closer contact. It then scans buckets below it (farther from self), stopping as
// soon as enough candidates have been gathered, before sorting and
// truncating the result.
func (t *Table) ClosestContacts(target identifier.Identifier, count int) []Contact {
	t.mu.Lock()
	defer t.mu.Unlock()

	index := t.bucketIndexLocked(target)
	var candidates []Contact
	candidates = append(candidates, t.buckets[index].snapshot()...)

	if len(candidates) < count {
		for upper := index + 1; upper < len(t.buckets); upper++ {
			candidates = append(candidates, t.buckets[upper].snapshot()...)
		}
	}

	for lower := index - 1; lower >= 0 && len(candidates) < count; lower-- {
		candidates = append(candidates, t.buckets[lower].snapshot()...)
	}

	sort.Slice(candidates, func(i, j int) bool {
		di := target.Xor(candidates[i].ID)
		dj := target.Xor(candidates[j].ID)
		return di.Less(dj)
	})

	if len(candidates) > count {
		candidates = candidates[:count]
	}
	return candidates
}

// StaleBucketIndexes returns the indexes of buckets whose most-recently-seen
// contact is older than threshold, or which are empty. The refresher uses
// this to decide which ranges of the key space need a lookup.
func (t *Table) StaleBucketIndexes(threshold time.Duration, now time.Time) []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var stale []int
	for i, b := range t.buckets {
		if len(b.contacts) == 0 {
			stale = append(stale, i)
			continue
		}
		newest := b.contacts[len(b.contacts)-1]
		if now.Sub(newest.LastSeen) > threshold {
			stale = append(stale, i)
		}
	}
	return stale
}

// Size returns the total number of contacts across all buckets.
func (t *Table) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for _, b := range t.buckets {
		total += len(b.contacts)
	}
	return total
}

// BucketCount returns the current number of buckets.
func (t *Table) BucketCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buckets)
}
