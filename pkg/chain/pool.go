package chain

import (
	"context"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/oz-monitor/orchestrator/pkg/blockcache"
	"github.com/oz-monitor/orchestrator/pkg/model"
)

// Factory dials a client for a network. Swapped out in tests.
type Factory func(ctx context.Context, network model.Network) (Client, error)

// Pool hands out one shared client per network so concurrent tenants on the
// same network reuse a single connection. Clients are created lazily and kept
// for the life of the pool.
type Pool struct {
	mtx     sync.RWMutex
	clients map[string]Client

	factory Factory
	cache   *blockcache.Cache
	logger  log.Logger
}

// NewPool creates a pool. cache may be nil, in which case clients are
// uncached. factory may be nil to use the default dialer.
func NewPool(factory Factory, cache *blockcache.Cache, logger log.Logger) *Pool {
	if factory == nil {
		factory = New
	}
	return &Pool{
		clients: make(map[string]Client),
		factory: factory,
		cache:   cache,
		logger:  logger,
	}
}

// Get returns the shared client for a network, dialing it on first use.
// Concurrent first calls for the same network may dial twice; the loser is
// closed and the winner kept.
func (p *Pool) Get(ctx context.Context, network model.Network) (Client, error) {
	p.mtx.RLock()
	client, ok := p.clients[network.Slug]
	p.mtx.RUnlock()
	if ok {
		return client, nil
	}

	fresh, err := p.factory(ctx, network)
	if err != nil {
		return nil, err
	}
	fresh = WithCache(fresh, p.cache, network.Slug)

	p.mtx.Lock()
	defer p.mtx.Unlock()
	if client, ok := p.clients[network.Slug]; ok {
		fresh.Close()
		return client, nil
	}
	p.clients[network.Slug] = fresh
	level.Debug(p.logger).Log("msg", "created chain client", "network", network.Slug, "type", network.NetworkType)
	return fresh, nil
}

// Remove closes and forgets the client for a network, forcing a redial on
// next use. Used when a network's RPC endpoints change.
func (p *Pool) Remove(slug string) {
	p.mtx.Lock()
	client, ok := p.clients[slug]
	delete(p.clients, slug)
	p.mtx.Unlock()

	if ok {
		client.Close()
	}
}

// Stop closes every client in the pool.
func (p *Pool) Stop() {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	for slug, client := range p.clients {
		client.Close()
		delete(p.clients, slug)
	}
}
