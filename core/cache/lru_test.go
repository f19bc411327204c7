package cache

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLRU_evictsLeastRecentlyUsed(t *testing.T) {
	l := NewLRU(LRUOpts{Size: 2})

	l.Put("a", 1)
	l.Put("b", 2)
	_, ok := l.Get("a") // promote a
	require.True(t, ok)
	l.Put("c", 3)

	_, ok = l.Get("b")
	require.False(t, ok)
	v, ok := l.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)
	require.Equal(t, 2, l.Len())
}

func TestLRU_updateAndDelete(t *testing.T) {
	l := NewLRU(LRUOpts{Size: 2})
	l.Put("a", 1)
	l.Put("a", 2)

	v, ok := l.Get("a")
	require.True(t, ok)
	require.Equal(t, 2, v)

	l.Delete("a")
	l.Delete("missing")
	_, ok = l.Get("a")
	require.False(t, ok)
	require.Equal(t, 0, l.Len())
}

func TestLRU_ttl(t *testing.T) {
	now := time.Now()
	l := NewLRU(LRUOpts{Size: 10, TTL: time.Minute})
	l.now = func() time.Time { return now }

	l.Put("default", 1)
	l.Put("short", 2, WithTTL(time.Second))

	now = now.Add(2 * time.Second)
	_, ok := l.Get("short")
	require.False(t, ok)
	_, ok = l.Get("default")
	require.True(t, ok)

	now = now.Add(time.Minute)
	_, ok = l.Get("default")
	require.False(t, ok)
	require.Equal(t, 0, l.Len())
}

func TestLRU_concurrent(t *testing.T) {
	l := NewLRU(LRUOpts{Size: 50})

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 500 {
				key := strconv.Itoa((w*500 + i) % 80)
				l.Put(key, i)
				l.Get(key)
				if i%7 == 0 {
					l.Delete(key)
				}
			}
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, l.Len(), 50)
}

func TestTypedCache(t *testing.T) {
	c := NewTyped[[]byte](NewLRU(LRUOpts{}))
	c.Put("k", []byte("v"))

	v, ok := c.Get("k")
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)

	// a value of another type is a miss
	NewTyped[int](c.(*typedCache[[]byte]).c).Put("k", 1)
	_, ok = c.Get("k")
	require.False(t, ok)
}

func TestNop(t *testing.T) {
	var n Nop
	n.Put("key", "val")
	n.Delete("key")
	_, ok := n.Get("key")
	require.False(t, ok)
}
