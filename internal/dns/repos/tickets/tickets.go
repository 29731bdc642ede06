// Package tickets stores TLS session state for DoH servers so reconnects
// after idle timeout can resume the previous session (and, when enabled,
// send early data). State is process-local: tickets are short-lived and
// worthless across restarts.
package tickets

import (
	"crypto/tls"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/haukened/pvtdns/internal/dns/domain"
)

// Store keeps one session cache per DoH server, bounded by an LRU so
// long-gone servers do not accumulate state.
type Store struct {
	mu  sync.Mutex
	lru *lru.Cache[string, *serverCache]
}

// New returns a Store tracking at most size servers.
func New(size int) (*Store, error) {
	cache, err := lru.New[string, *serverCache](size)
	if err != nil {
		return nil, err
	}
	return &Store{lru: cache}, nil
}

// ForServer returns the tls.ClientSessionCache for one server, creating it
// on first use. The same cache is returned for every connection to that
// server, which is what makes resumption across reconnects work.
func (s *Store) ForServer(server domain.ServerAddr) tls.ClientSessionCache {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := server.String()
	if c, ok := s.lru.Get(key); ok {
		return c
	}
	c := &serverCache{}
	s.lru.Add(key, c)
	return c
}

// Has reports whether any session state is stored for the server.
func (s *Store) Has(server domain.ServerAddr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.lru.Peek(server.String())
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != nil
}

// Clear drops session state for one server. Used when a configuration
// update removes the server.
func (s *Store) Clear(server domain.ServerAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Remove(server.String())
}

// serverCache holds the most recent session state for one server. The
// sessionKey chosen by crypto/tls is ignored: a server has exactly one
// current session worth resuming.
type serverCache struct {
	mu    sync.Mutex
	state *tls.ClientSessionState
}

func (c *serverCache) Get(string) (*tls.ClientSessionState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.state != nil
}

func (c *serverCache) Put(_ string, cs *tls.ClientSessionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = cs
}

var _ tls.ClientSessionCache = (*serverCache)(nil)
