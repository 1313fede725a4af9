// Package application contains use-case orchestration services.
package application

import (
	"sync"

	"github.com/foliowatch/foliowatch/internal/domain/model"
	"github.com/foliowatch/foliowatch/internal/domain/port/driven"
)

// ClientFactory builds a PortfolioClient for an instance's settings.
type ClientFactory func(inst model.Instance) driven.PortfolioClient

// ClientRegistry hands out exactly one PortfolioClient per instance and
// supports hot-swap when an instance is reconfigured. Clients, and with
// them bearer tokens, are never shared between instances.
type ClientRegistry struct {
	mu      sync.Mutex
	factory ClientFactory
	clients map[string]driven.PortfolioClient
}

// NewClientRegistry creates a registry backed by the given factory.
func NewClientRegistry(factory ClientFactory) *ClientRegistry {
	return &ClientRegistry{
		factory: factory,
		clients: make(map[string]driven.PortfolioClient),
	}
}

// Get returns the client for an instance, creating it on first use.
func (r *ClientRegistry) Get(inst model.Instance) driven.PortfolioClient {
	r.mu.Lock()
	defer r.mu.Unlock()

	if client, ok := r.clients[inst.ID]; ok {
		return client
	}

	client := r.factory(inst)
	r.clients[inst.ID] = client
	return client
}

// Replace swaps the client for a reconfigured instance. The old client is
// closed; the next Get returns a client built from the new settings.
func (r *ClientRegistry) Replace(inst model.Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.clients[inst.ID]; ok {
		old.Close()
	}
	r.clients[inst.ID] = r.factory(inst)
}

// Remove closes and forgets the client for a removed instance.
func (r *ClientRegistry) Remove(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if client, ok := r.clients[instanceID]; ok {
		client.Close()
		delete(r.clients, instanceID)
	}
}

// Build returns a fresh, unregistered client for the given settings.
// Used for connection tests before an instance is accepted; the caller
// owns the client and must close it.
func (r *ClientRegistry) Build(inst model.Instance) driven.PortfolioClient {
	return r.factory(inst)
}

// CloseAll closes every held client. Called on shutdown.
func (r *ClientRegistry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, client := range r.clients {
		client.Close()
		delete(r.clients, id)
	}
}
