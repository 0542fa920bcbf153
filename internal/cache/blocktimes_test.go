package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockTimes_PutGet(t *testing.T) {
	t.Parallel()

	c := NewBlockTimes(4, time.Minute)
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	_, ok := c.Get(100)
	assert.False(t, ok)

	c.Put(100, ts)
	got, ok := c.Get(100)
	require.True(t, ok)
	assert.True(t, ts.Equal(got))

	hits, misses := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}

func TestBlockTimes_EvictsOldestAtCapacity(t *testing.T) {
	t.Parallel()

	c := NewBlockTimes(2, time.Minute)
	base := time.Unix(1700000000, 0)

	c.Put(1, base)
	c.Put(2, base.Add(2*time.Second))

	// Touch block 1 so block 2 becomes the eviction victim.
	_, ok := c.Get(1)
	require.True(t, ok)

	c.Put(3, base.Add(4*time.Second))
	assert.Equal(t, 2, c.Len())

	_, ok = c.Get(1)
	assert.True(t, ok)
	_, ok = c.Get(2)
	assert.False(t, ok)
	_, ok = c.Get(3)
	assert.True(t, ok)
}

func TestBlockTimes_TTLExpiry(t *testing.T) {
	t.Parallel()

	c := NewBlockTimes(4, 100*time.Millisecond)
	now := time.Unix(1700000000, 0)
	c.nowFn = func() time.Time { return now }

	c.Put(7, time.Unix(1699999000, 0))

	_, ok := c.Get(7)
	require.True(t, ok)

	now = now.Add(200 * time.Millisecond)
	_, ok = c.Get(7)
	assert.False(t, ok, "expired entry must not be served")
	assert.Equal(t, 0, c.Len(), "expired entry is dropped on read")
}

func TestBlockTimes_PutRefreshesExisting(t *testing.T) {
	t.Parallel()

	c := NewBlockTimes(2, time.Minute)
	first := time.Unix(1700000000, 0)
	second := first.Add(time.Second)

	c.Put(9, first)
	c.Put(9, second)

	got, ok := c.Get(9)
	require.True(t, ok)
	assert.True(t, second.Equal(got))
	assert.Equal(t, 1, c.Len())
}
