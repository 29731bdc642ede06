package tickets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/pvtdns/internal/dns/domain"
)

func server(t *testing.T, ip string) domain.ServerAddr {
	t.Helper()
	a, err := domain.NewServerAddr(ip, 443)
	require.NoError(t, err)
	return a
}

func TestNew_InvalidSize(t *testing.T) {
	_, err := New(-1)
	assert.Error(t, err)
}

func TestForServer_SameCachePerServer(t *testing.T) {
	s, err := New(4)
	require.NoError(t, err)

	a := server(t, "127.0.0.3")
	c1 := s.ForServer(a)
	c2 := s.ForServer(a)
	assert.Same(t, c1, c2, "expected one cache instance per server")

	other := s.ForServer(server(t, "127.0.0.4"))
	assert.NotSame(t, c1, other)
}

func TestServerCache_PutOverwritesAndGetIgnoresKey(t *testing.T) {
	s, err := New(4)
	require.NoError(t, err)
	a := server(t, "::1")

	c := s.ForServer(a)
	_, ok := c.Get("any-key")
	assert.False(t, ok, "empty cache should miss")
	assert.False(t, s.Has(a))

	// A nil state is what crypto/tls passes to evict; the cache treats it
	// as a miss, never a hit.
	c.Put("k1", nil)
	_, ok = c.Get("k2")
	assert.False(t, ok)
	assert.False(t, s.Has(a))
}

func TestClear_DropsServerState(t *testing.T) {
	s, err := New(4)
	require.NoError(t, err)
	a := server(t, "127.0.0.3")

	first := s.ForServer(a)
	s.Clear(a)
	second := s.ForServer(a)
	assert.NotSame(t, first, second, "Clear should discard the old cache")
}

func TestStore_BoundedByLRU(t *testing.T) {
	s, err := New(1)
	require.NoError(t, err)

	a := server(t, "127.0.0.3")
	b := server(t, "127.0.0.4")

	first := s.ForServer(a)
	_ = s.ForServer(b) // evicts a
	again := s.ForServer(a)
	assert.NotSame(t, first, again, "evicted server should get a fresh cache")
}
