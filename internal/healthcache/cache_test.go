package healthcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewWithEmptyAddrReturnsNilDisabledCache(t *testing.T) {
	c := New("", 0, time.Minute)
	require.Nil(t, c)
}

func TestNilCacheGetAlwaysMisses(t *testing.T) {
	var c *Cache
	val, ok := c.Get(context.Background(), "arca-customer-001")
	require.False(t, ok)
	require.Empty(t, val)
}

func TestNilCacheSetAndCloseAreNoOps(t *testing.T) {
	var c *Cache
	require.NotPanics(t, func() {
		c.Set(context.Background(), "arca-customer-001", "ok")
	})
	require.NoError(t, c.Close())
}

func TestKeyNamespacesByWorkspace(t *testing.T) {
	require.Equal(t, "arcamatrix:health:arca-customer-001", key("arca-customer-001"))
}
