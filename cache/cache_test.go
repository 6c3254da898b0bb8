package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStoreAndGet(t *testing.T) {
	c := New[int]()
	c.Store("vid-1", 42)
	require.Equal(t, 42, c.Get("vid-1"))
	require.Equal(t, 0, c.Get("vid-missing"))
}

func TestGetOrStore(t *testing.T) {
	c := New[string]()
	v, loaded := c.GetOrStore("vid-1", "first")
	require.False(t, loaded)
	require.Equal(t, "first", v)

	v, loaded = c.GetOrStore("vid-1", "second")
	require.True(t, loaded)
	require.Equal(t, "first", v)
}

func TestRemove(t *testing.T) {
	c := New[int]()
	c.Store("vid-1", 1)
	c.Store("vid-2", 2)
	c.Remove("vid-1")
	require.ElementsMatch(t, []string{"vid-2"}, c.GetKeys())
}
