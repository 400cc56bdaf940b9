package watcher

import (
	"sync"

	"github.com/deepnoodle-ai/relay/automation"
)

// The processed-id set is bounded: once it reaches maxProcessedIDs the
// oldest entries are trimmed down to trimProcessedIDs.
const (
	maxProcessedIDs  = 1000
	trimProcessedIDs = 500
)

// matcher evaluates trigger conditions and deduplicates events by id.
type matcher struct {
	conditions []automation.Condition

	mu    sync.Mutex
	seenM map[string]struct{}
	order []string
}

func newMatcher(conditions []automation.Condition, seed []string) *matcher {
	m := &matcher{
		conditions: conditions,
		seenM:      make(map[string]struct{}, len(seed)),
	}
	for _, id := range seed {
		m.seenM[id] = struct{}{}
		m.order = append(m.order, id)
	}
	return m
}

// matches reports whether every condition holds for the event. Events with
// no conditions always match. A condition on "from" also matches the
// sender's domain when the event carries a from_domain field.
func (m *matcher) matches(event *automation.TriggerEvent) bool {
	for _, c := range m.conditions {
		if automation.EvaluateConditions([]automation.Condition{c}, event.Data) {
			continue
		}
		if c.Field == "from" {
			alt := c
			alt.Field = "from_domain"
			if automation.EvaluateConditions([]automation.Condition{alt}, event.Data) {
				continue
			}
		}
		return false
	}
	return true
}

func (m *matcher) seen(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.seenM[id]
	return ok
}

func (m *matcher) markProcessed(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seenM[id]; ok {
		return
	}
	m.seenM[id] = struct{}{}
	m.order = append(m.order, id)
	if len(m.order) >= maxProcessedIDs {
		cut := len(m.order) - trimProcessedIDs
		for _, old := range m.order[:cut] {
			delete(m.seenM, old)
		}
		m.order = append([]string(nil), m.order[cut:]...)
	}
}

func (m *matcher) processedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}
