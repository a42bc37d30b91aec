// Package di wires the summad services together. The container holds
// named singletons built lazily, so the CLI commands only pay for the
// services they touch (migrate never builds the HTTP server, verify
// never starts workers).
package di

import (
	"errors"
	"sync"
)

// Container is the dependency injection container.
type Container struct {
	mu       sync.RWMutex
	services map[string]any
	builders map[string]Builder
}

// Builder creates a service instance on first request.
type Builder func(c *Container) (any, error)

// New creates an empty container.
func New() *Container {
	return &Container{
		services: make(map[string]any),
		builders: make(map[string]Builder),
	}
}

// Register registers a ready service instance.
func (c *Container) Register(name string, service any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services[name] = service
}

// RegisterBuilder registers a builder for lazy instantiation.
func (c *Container) RegisterBuilder(name string, builder Builder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.builders[name] = builder
}

// Get retrieves a service by name, building it if needed.
func (c *Container) Get(name string) (any, error) {
	c.mu.RLock()
	service, exists := c.services[name]
	c.mu.RUnlock()
	if exists {
		return service, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another caller may have built it while we waited.
	if service, exists := c.services[name]; exists {
		return service, nil
	}

	builder, hasBuilder := c.builders[name]
	if !hasBuilder {
		return nil, errors.New("service not found: " + name)
	}
	service, err := builder(c)
	if err != nil {
		return nil, err
	}
	c.services[name] = service
	return service, nil
}

// MustGet retrieves a service or panics. Reserved for assembly paths
// where a missing service is a programming error.
func (c *Container) MustGet(name string) any {
	service, err := c.Get(name)
	if err != nil {
		panic(err)
	}
	return service
}

// Has reports whether a service or builder is registered.
func (c *Container) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, exists := c.services[name]; exists {
		return true
	}
	_, exists := c.builders[name]
	return exists
}

// Service name constants for type-safe access.
const (
	ServiceConfig      = "config"
	ServiceLogger      = "logger"
	ServiceDB          = "db"
	ServiceMigrator    = "migrator"
	ServiceAccounts    = "accounts"
	ServiceTxs         = "transactions"
	ServiceOutbox      = "outbox"
	ServiceWebhooks    = "webhooks"
	ServiceFeed        = "feed"
	ServiceReconciler  = "reconciler"
	ServiceRateLimiter = "ratelimiter"
	ServiceRuntime     = "worker.runtime"
	ServiceServer      = "server"
	ServiceAdapter     = "http.adapter"
)
