package store

import (
	"testing"
	"time"

	"github.com/kadcore/kademlia/identifier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertGet(t *testing.T) {
	s := New(time.Hour)
	key := identifier.Random()

	_, ok := s.Get(key)
	require.False(t, ok)

	s.Insert(key, "hello")
	value, ok := s.Get(key)
	require.True(t, ok)
	assert.Equal(t, "hello", value)
}

func TestExpiration(t *testing.T) {
	now := time.Now()
	s := New(time.Minute)
	s.SetTimeSource(func() time.Time { return now })

	key := identifier.Random()
	s.Insert(key, "value")

	now = now.Add(2 * time.Minute)
	s.SetTimeSource(func() time.Time { return now })

	_, ok := s.Get(key)
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestReinsertResetsExpiryAndCleansOldBucket(t *testing.T) {
	now := time.Now()
	s := New(time.Minute)
	s.SetTimeSource(func() time.Time { return now })

	key := identifier.Random()
	s.Insert(key, "v1")

	now = now.Add(30 * time.Second)
	s.SetTimeSource(func() time.Time { return now })
	s.Insert(key, "v2")
	assert.Len(t, s.byExpiry, 1)

	now = now.Add(40 * time.Second)
	s.SetTimeSource(func() time.Time { return now })

	value, ok := s.Get(key)
	require.True(t, ok)
	assert.Equal(t, "v2", value)
}
