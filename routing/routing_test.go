package routing

import (
	"testing"
	"time"

	"github.com/kadcore/kademlia/identifier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func contactAt(self identifier.Identifier, prefixZeros int) Contact {
	distance := identifier.RandomWithPrefixZeros(prefixZeros)
	id := self.Xor(distance)
	return Contact{ID: id, Addr: "127.0.0.1:1", LastSeen: time.Now()}
}

func TestUpdateInsertsAndRefreshes(t *testing.T) {
	self := identifier.Random()
	table := New(self)
	c := contactAt(self, 5)

	require.NoError(t, table.Update(c))
	assert.Equal(t, 1, table.Size())

	c.Addr = "127.0.0.1:2"
	require.NoError(t, table.Update(c))
	assert.Equal(t, 1, table.Size())
}

func TestBucketSplitsWhenLastBucketFull(t *testing.T) {
	self := identifier.Random()
	table := New(self)

	for i := 0; i < BucketSize; i++ {
		c := Contact{ID: identifier.Random(), Addr: "a", LastSeen: time.Now()}
		require.NoError(t, table.Update(c))
	}
	assert.Equal(t, 1, table.BucketCount())

	overflow := Contact{ID: identifier.Random(), Addr: "b", LastSeen: time.Now()}
	err := table.Update(overflow)
	require.NoError(t, err)
	assert.True(t, table.BucketCount() > 1)
}

func TestUpdateReturnsFullBucketErrorWhenNotSplittable(t *testing.T) {
	self := identifier.Random()
	table := New(self)

	// Force growth past a single bucket, then fill the resulting non-last
	// bucket (index 0) to capacity so it cannot split further.
	for i := 0; i < BucketSize+1; i++ {
		require.NoError(t, table.Update(Contact{ID: identifier.Random(), Addr: "a", LastSeen: time.Now()}))
	}
	require.True(t, table.BucketCount() >= 2)

	filled := 0
	for filled < BucketSize {
		c := contactAt(self, 0)
		if err := table.Update(c); err != nil {
			var fbe *FullBucketError
			require.ErrorAs(t, err, &fbe)
			assert.Equal(t, 0, fbe.BucketIndex)
			return
		}
		filled++
	}
}

func TestClosestContactsOrdering(t *testing.T) {
	self := identifier.Random()
	table := New(self)

	var contacts []Contact
	for i := 0; i < 30; i++ {
		c := Contact{ID: identifier.Random(), Addr: "a", LastSeen: time.Now()}
		contacts = append(contacts, c)
		require.NoError(t, table.Update(c))
	}

	target := identifier.Random()
	closest := table.ClosestContacts(target, 5)
	require.LessOrEqual(t, len(closest), 5)

	for i := 1; i < len(closest); i++ {
		prev := target.Xor(closest[i-1].ID)
		cur := target.Xor(closest[i].ID)
		assert.False(t, cur.Less(prev))
	}
}

func TestRemoveAndLRS(t *testing.T) {
	self := identifier.Random()
	table := New(self)
	c := contactAt(self, 10)
	require.NoError(t, table.Update(c))

	lrs, ok := table.LeastRecentlySeen(table.bucketIndexLocked(c.ID))
	require.True(t, ok)
	assert.Equal(t, c.ID, lrs.ID)

	table.Remove(c.ID)
	assert.Equal(t, 0, table.Size())
}
