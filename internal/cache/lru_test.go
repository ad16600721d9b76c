package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/memvault/resource"
)

func TestLRU_Eviction(t *testing.T) {
	c := NewLRU(10, nil)
	c.Set(1, []byte("aaaa"))
	c.Set(2, []byte("bbbb"))

	_, ok := c.Get(1) // 1 becomes most recent
	assert.True(t, ok)

	c.Set(3, []byte("cccc"))
	_, ok = c.Get(2)
	assert.False(t, ok)
	_, ok = c.Get(1)
	assert.True(t, ok)
	assert.Equal(t, int64(8), c.Size())

	hits, misses := c.Stats()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(1), misses)
}

func TestLRU_TooLarge(t *testing.T) {
	c := NewLRU(4, nil)
	c.Set(1, []byte("too large"))
	assert.Zero(t, c.Len())
}

func TestLRU_ResourceController(t *testing.T) {
	rc := resource.New(resource.Limits{CacheBytes: 6})
	c := NewLRU(100, rc)

	c.Set(1, []byte("abcd"))
	assert.Equal(t, int64(4), rc.CachedBytes())

	// The controller refuses, so the value is not cached.
	c.Set(2, []byte("efgh"))
	_, ok := c.Get(2)
	assert.False(t, ok)

	c.Purge()
	assert.Zero(t, rc.CachedBytes())
	assert.Zero(t, c.Len())
}
