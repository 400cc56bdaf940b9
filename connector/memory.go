package connector

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// MemoryConnector is an in-memory Connector used in tests and as a stand-in
// while a real provider is not configured. It records every write so callers
// can assert exactly which side effects occurred.
type MemoryConnector struct {
	id string

	mu      sync.Mutex
	reads   map[string]map[string]any // operation -> canned output
	writes  []RecordedWrite
	events  []Event
	failOps map[string]error
}

// RecordedWrite is one write operation the connector received.
type RecordedWrite struct {
	Operation string
	Params    map[string]any
}

func NewMemoryConnector(id string) *MemoryConnector {
	return &MemoryConnector{
		id:      id,
		reads:   make(map[string]map[string]any),
		failOps: make(map[string]error),
	}
}

func (m *MemoryConnector) ID() string { return m.id }

// SeedRead sets the output returned for a read operation.
func (m *MemoryConnector) SeedRead(operation string, output map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads[operation] = output
}

// FailOn makes the given operation return err.
func (m *MemoryConnector) FailOn(operation string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOps[operation] = err
}

// QueueEvent appends an event for delivery through Subscribe.
func (m *MemoryConnector) QueueEvent(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

// Writes returns every write received so far.
func (m *MemoryConnector) Writes() []RecordedWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecordedWrite, len(m.writes))
	copy(out, m.writes)
	return out
}

func (m *MemoryConnector) Read(ctx context.Context, operation string, params map[string]any) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failOps[operation]; err != nil {
		return nil, err
	}
	if out, ok := m.reads[operation]; ok {
		return out, nil
	}
	return map[string]any{}, nil
}

func (m *MemoryConnector) Write(ctx context.Context, operation string, params map[string]any) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failOps[operation]; err != nil {
		return nil, err
	}
	m.writes = append(m.writes, RecordedWrite{Operation: operation, Params: params})
	return map[string]any{"written": true}, nil
}

// Subscribe delivers queued events after the numeric cursor, which indexes
// into the event backlog.
func (m *MemoryConnector) Subscribe(ctx context.Context, cursor string) ([]Event, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("bad cursor %q: %w", cursor, err)
		}
		start = n
	}
	if start > len(m.events) {
		start = len(m.events)
	}
	out := make([]Event, len(m.events)-start)
	copy(out, m.events[start:])
	return out, strconv.Itoa(len(m.events)), nil
}
