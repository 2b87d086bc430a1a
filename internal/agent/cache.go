package agent

import (
	"sync"

	"github.com/ssd-technologies/vesper/internal/identity"
	"github.com/ssd-technologies/vesper/internal/transport"
)

// ClientCache memoizes one remote facade per peer identity so repeated
// sends reuse the same underlying connection. Lookups for cached identities
// take only a read lock; the create-on-miss path is double-checked so
// concurrent lookups for the same identity converge on one facade. Entries
// are never evicted.
type ClientCache struct {
	endpoint *transport.Endpoint

	mu      sync.RWMutex
	clients map[string]*Facade
}

// NewClientCache creates an empty cache dialing through the given endpoint.
func NewClientCache(endpoint *transport.Endpoint) *ClientCache {
	return &ClientCache{
		endpoint: endpoint,
		clients:  make(map[string]*Facade),
	}
}

// Get returns the facade for the given peer, creating it on first use.
// The target may be "<id>" or "<id>@host:port"; the explicit form also
// records the dial address with the endpoint. A malformed identity fails
// with a validation error and nothing is cached.
func (c *ClientCache) Get(target string) (*Facade, error) {
	id, addr, err := identity.ParseAddr(target)
	if err != nil {
		return nil, err
	}
	if addr != "" {
		c.endpoint.SetAddr(id, addr)
	}

	c.mu.RLock()
	f, ok := c.clients[id]
	c.mu.RUnlock()
	if ok {
		return f, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.clients[id]; ok {
		return f, nil
	}
	f = NewRemoteFacade(c.endpoint, id)
	c.clients[id] = f
	return f, nil
}

// Len returns the number of cached facades.
func (c *ClientCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.clients)
}
