// Package watcher turns external activity into trigger events: it polls
// email connectors, evaluates schedules, watches the filesystem, and accepts
// webhook deliveries, handing matching events to the engine.
package watcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/deepnoodle-ai/relay/automation"
	"github.com/deepnoodle-ai/relay/connector"
	"github.com/deepnoodle-ai/relay/slogger"
)

const DefaultPollInterval = 30 * time.Second

// Handler receives every matched trigger event. It is invoked from the
// source's goroutine; long work should happen elsewhere.
type Handler func(ctx context.Context, spec *automation.Spec, event *automation.TriggerEvent)

// AsyncHandler runs h on its own goroutine per event, so a slow execution
// never delays the source that delivered the trigger or its batch-mates.
func AsyncHandler(h Handler) Handler {
	return func(ctx context.Context, spec *automation.Spec, event *automation.TriggerEvent) {
		go h(ctx, spec, event)
	}
}

// State is the persisted per-automation watcher state: the connector cursor
// plus the recently processed event ids used for deduplication.
type State struct {
	Cursor       string   `json:"cursor,omitempty"`
	ProcessedIDs []string `json:"processed_ids,omitempty"`
}

// StateStore persists watcher state so a restart resumes from the last
// cursor instead of replaying or dropping events.
type StateStore interface {
	LoadWatcherState(ctx context.Context, automationID string) (*State, error)
	SaveWatcherState(ctx context.Context, automationID string, state *State) error
}

// Options configures a Watcher.
type Options struct {
	Connectors   *connector.Registry
	States       StateStore
	Handler      Handler
	PollInterval time.Duration
	Logger       slogger.Logger
}

// eventSource produces trigger events for one automation until the context
// ends. Implementations emit from their own goroutine.
type eventSource interface {
	run(ctx context.Context, emit func(*automation.TriggerEvent)) error
}

type entry struct {
	spec    *automation.Spec
	matcher *matcher
	source  eventSource
	cursor  string
}

// Watcher runs one event source per watched automation and routes matching
// events to the handler.
type Watcher struct {
	connectors   *connector.Registry
	states       StateStore
	handler      Handler
	pollInterval time.Duration
	logger       slogger.Logger

	mu       sync.Mutex
	entries  map[string]*entry
	webhooks map[string]*entry
}

func New(opts Options) (*Watcher, error) {
	if opts.Handler == nil {
		return nil, fmt.Errorf("watcher requires a handler")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slogger.NewDevNull()
	}
	return &Watcher{
		connectors:   opts.Connectors,
		states:       opts.States,
		handler:      opts.Handler,
		pollInterval: opts.PollInterval,
		logger:       logger,
		entries:      map[string]*entry{},
		webhooks:     map[string]*entry{},
	}, nil
}

// Add registers an active automation for watching. Manual triggers have no
// source and are ignored. Previously persisted state seeds the cursor and
// the dedupe set.
func (w *Watcher) Add(ctx context.Context, spec *automation.Spec) error {
	if spec.Trigger.Type == automation.TriggerManual {
		return nil
	}

	var state *State
	if w.states != nil {
		s, err := w.states.LoadWatcherState(ctx, spec.ID)
		if err == nil {
			state = s
		}
	}
	if state == nil {
		state = &State{}
	}

	e := &entry{
		spec:    spec,
		matcher: newMatcher(spec.Trigger.Conditions(), state.ProcessedIDs),
		cursor:  state.Cursor,
	}

	switch spec.Trigger.Type {
	case automation.TriggerEmail:
		conn, err := w.connectors.Get("email:" + spec.Trigger.Email.Account)
		if err != nil {
			return fmt.Errorf("email trigger for %s: %w", spec.ID, err)
		}
		e.source = &emailSource{conn: conn, interval: w.pollInterval, entry: e}
	case automation.TriggerSchedule:
		src, err := newScheduleSource(spec.Trigger.Schedule)
		if err != nil {
			return fmt.Errorf("schedule trigger for %s: %w", spec.ID, err)
		}
		e.source = src
	case automation.TriggerFileChange:
		e.source = newFileSource(spec.Trigger.FileChange, w.logger)
	case automation.TriggerWebhook:
		// Webhook automations are delivered through ServeHTTP, not polled.
		w.mu.Lock()
		w.webhooks[spec.Trigger.Webhook.Endpoint] = e
		w.mu.Unlock()
	default:
		return fmt.Errorf("unsupported trigger type %q", spec.Trigger.Type)
	}

	w.mu.Lock()
	w.entries[spec.ID] = e
	w.mu.Unlock()
	return nil
}

// Remove stops watching an automation. The running source notices on its
// next emit and stops.
func (w *Watcher) Remove(automationID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.entries[automationID]; ok {
		delete(w.entries, automationID)
		if e.spec.Trigger.Type == automation.TriggerWebhook {
			delete(w.webhooks, e.spec.Trigger.Webhook.Endpoint)
		}
	}
}

// Run starts every polled source and blocks until the context ends.
func (w *Watcher) Run(ctx context.Context) error {
	w.mu.Lock()
	sources := make([]*entry, 0, len(w.entries))
	for _, e := range w.entries {
		if e.source != nil {
			sources = append(sources, e)
		}
	}
	w.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range sources {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			err := e.source.run(ctx, func(event *automation.TriggerEvent) {
				w.dispatch(ctx, e, event)
			})
			if err != nil && ctx.Err() == nil {
				w.logger.Error("event source stopped",
					"automation", e.spec.ID, "error", err)
			}
		}(e)
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// dispatch applies condition matching and dedupe, persists watcher state,
// and hands the event to the handler.
func (w *Watcher) dispatch(ctx context.Context, e *entry, event *automation.TriggerEvent) {
	w.mu.Lock()
	_, active := w.entries[e.spec.ID]
	w.mu.Unlock()
	if !active {
		return
	}

	id := eventID(event)
	if id != "" && e.matcher.seen(id) {
		return
	}
	if !e.matcher.matches(event) {
		if id != "" {
			// Non-matching events are still marked so condition edits do
			// not resurface old activity.
			e.matcher.markProcessed(id)
			w.saveState(ctx, e)
		}
		return
	}
	if id != "" {
		e.matcher.markProcessed(id)
	}
	w.saveState(ctx, e)

	w.logger.Info("trigger fired", "automation", e.spec.ID, "event", event.Type)
	w.handler(ctx, e.spec, event)
}

func (w *Watcher) saveState(ctx context.Context, e *entry) {
	if w.states == nil {
		return
	}
	state := &State{Cursor: e.cursor, ProcessedIDs: e.matcher.processedIDs()}
	if err := w.states.SaveWatcherState(ctx, e.spec.ID, state); err != nil {
		w.logger.Warn("failed to persist watcher state",
			"automation", e.spec.ID, "error", err)
	}
}

func eventID(event *automation.TriggerEvent) string {
	if event.Data == nil {
		return ""
	}
	if id, ok := event.Data["id"].(string); ok {
		return id
	}
	return ""
}
