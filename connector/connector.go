// Package connector defines the uniform contract through which actions reach
// external systems. The dispatcher treats every connector polymorphically;
// provider-specific logic lives behind this interface, never in the engine.
package connector

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Event is one change observed on a connector's data source, delivered
// through Subscribe.
type Event struct {
	ID        string
	Type      string
	Data      map[string]any
	Timestamp time.Time
}

// Connector is the uniform operation contract for one external system.
type Connector interface {
	// ID identifies the connector instance ("gmail", "sheets", "drive").
	ID() string

	// Read performs a read operation ("file.read", "spreadsheet.read")
	// and returns its output.
	Read(ctx context.Context, operation string, params map[string]any) (map[string]any, error)

	// Write performs a mutating operation and returns its output.
	Write(ctx context.Context, operation string, params map[string]any) (map[string]any, error)

	// Subscribe returns events newer than the cursor plus the next
	// cursor. Delivery is at-least-once; callers dedupe by Event.ID.
	Subscribe(ctx context.Context, cursor string) ([]Event, string, error)
}

// Registry holds the configured connectors by id.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

func NewRegistry(connectors ...Connector) *Registry {
	r := &Registry{connectors: make(map[string]Connector)}
	for _, c := range connectors {
		r.connectors[c.ID()] = c
	}
	return r
}

func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.ID()] = c
}

func (r *Registry) Get(id string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[id]
	if !ok {
		return nil, fmt.Errorf("connector %q is not configured", id)
	}
	return c, nil
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.connectors))
	for id := range r.connectors {
		ids = append(ids, id)
	}
	return ids
}
