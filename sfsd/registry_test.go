package sfsd

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAddGetRemove(t *testing.T) {
	r := NewRegistry[string](3)

	a, err := r.Add("a")
	require.NoError(t, err)
	b, err := r.Add("b")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, r.Len())

	v, ok := r.Get(b)
	assert.True(t, ok)
	assert.Equal(t, "b", v)

	v, ok = r.Remove(a)
	assert.True(t, ok)
	assert.Equal(t, "a", v)
	_, ok = r.Get(a)
	assert.False(t, ok)
	_, ok = r.Remove(a)
	assert.False(t, ok, "double remove")
	assert.Equal(t, 1, r.Len())

	for _, id := range []int{-1, 99} {
		_, ok := r.Get(id)
		assert.False(t, ok)
	}
}

func TestRegistryReusesFreedSlots(t *testing.T) {
	r := NewRegistry[int](2)

	first, err := r.Add(1)
	require.NoError(t, err)
	_, err = r.Add(2)
	require.NoError(t, err)

	_, err = r.Add(3)
	assert.ErrorIs(t, err, ErrRegistryFull)

	r.Remove(first)
	id, err := r.Add(4)
	require.NoError(t, err)
	assert.Equal(t, first, id)
	v, _ := r.Get(id)
	assert.Equal(t, 4, v)
	assert.Equal(t, 2, r.Limit())
}

func TestRegistryEach(t *testing.T) {
	r := NewRegistry[string](4)
	for _, s := range []string{"w", "x", "y", "z"} {
		_, err := r.Add(s)
		require.NoError(t, err)
	}
	r.Remove(1)

	var seen []string
	r.Each(func(id int, v string) bool {
		seen = append(seen, v)
		return true
	})
	assert.Equal(t, []string{"w", "y", "z"}, seen)

	seen = nil
	r.Each(func(id int, v string) bool {
		seen = append(seen, v)
		return len(seen) < 2
	})
	assert.Len(t, seen, 2)
}

func TestRegistryConcurrent(t *testing.T) {
	r := NewRegistry[int](64)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id, err := r.Add(i)
				if err != nil {
					continue
				}
				r.Remove(id)
			}
		}(i)
	}
	wg.Wait()
	assert.Zero(t, r.Len())
}
