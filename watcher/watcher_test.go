package watcher

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deepnoodle-ai/relay/automation"
	"github.com/deepnoodle-ai/relay/connector"
	"github.com/deepnoodle-ai/relay/slogger"
	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryStates struct {
	mu     sync.Mutex
	states map[string]*State
}

func newMemoryStates() *memoryStates {
	return &memoryStates{states: map[string]*State{}}
}

func (s *memoryStates) LoadWatcherState(ctx context.Context, id string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[id], nil
}

func (s *memoryStates) SaveWatcherState(ctx context.Context, id string, state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[id] = state
	return nil
}

type capture struct {
	mu     sync.Mutex
	events []*automation.TriggerEvent
}

func (c *capture) handler(ctx context.Context, spec *automation.Spec, event *automation.TriggerEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestAsyncHandlerDoesNotBlockCaller(t *testing.T) {
	release := make(chan struct{})
	ran := make(chan struct{})
	h := AsyncHandler(func(ctx context.Context, spec *automation.Spec, event *automation.TriggerEvent) {
		<-release
		close(ran)
	})

	done := make(chan struct{})
	go func() {
		h(context.Background(), &automation.Spec{}, &automation.TriggerEvent{})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler blocked its caller")
	}

	close(release)
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("wrapped handler never ran")
	}
}

func emailSpec(conditions ...automation.Condition) *automation.Spec {
	return &automation.Spec{
		ID:     "auto-email",
		Name:   "Email watcher",
		Status: automation.StatusActive,
		Trigger: automation.Trigger{
			Type: automation.TriggerEmail,
			Email: &automation.EmailTrigger{
				Account:    "work",
				Conditions: conditions,
			},
		},
	}
}

func TestMatcherProcessedIDsBounded(t *testing.T) {
	m := newMatcher(nil, nil)
	for i := 0; i < maxProcessedIDs; i++ {
		m.markProcessed(fmt.Sprintf("id-%d", i))
	}
	ids := m.processedIDs()
	assert.Len(t, ids, trimProcessedIDs)
	// The newest ids survive the trim.
	assert.Equal(t, fmt.Sprintf("id-%d", maxProcessedIDs-1), ids[len(ids)-1])
	assert.False(t, m.seen("id-0"))
	assert.True(t, m.seen(fmt.Sprintf("id-%d", maxProcessedIDs-1)))
}

func TestEmailSourceDeliversMatchingEvents(t *testing.T) {
	conn := connector.NewMemoryConnector("email:work")
	conn.QueueEvent(connector.Event{
		ID:        "msg-1",
		Type:      "email",
		Data:      map[string]any{"from": "billing@vendor.example", "subject": "Invoice 42"},
		Timestamp: time.Now(),
	})
	conn.QueueEvent(connector.Event{
		ID:        "msg-2",
		Type:      "email",
		Data:      map[string]any{"from": "noreply@social.example", "subject": "You have a new follower"},
		Timestamp: time.Now(),
	})

	c := &capture{}
	states := newMemoryStates()
	w, err := New(Options{
		Connectors:   connector.NewRegistry(conn),
		States:       states,
		Handler:      c.handler,
		PollInterval: 10 * time.Millisecond,
		Logger:       slogger.NewDevNull(),
	})
	require.NoError(t, err)

	spec := emailSpec(automation.Condition{
		Field: "from", Operator: automation.OpContains, Value: "billing@",
	})
	require.NoError(t, w.Add(context.Background(), spec))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = w.Run(ctx)

	// Only the billing email fired; the unknown sender left no trace in
	// the handler but is remembered as processed.
	require.Equal(t, 1, c.count())
	assert.Equal(t, "msg-1", c.events[0].Data["id"])

	state, _ := states.LoadWatcherState(context.Background(), spec.ID)
	require.NotNil(t, state)
	assert.Contains(t, state.ProcessedIDs, "msg-1")
	assert.Contains(t, state.ProcessedIDs, "msg-2")
}

func TestMatcherFromConditionCoversDomain(t *testing.T) {
	m := newMatcher([]automation.Condition{
		{Field: "from", Operator: automation.OpEquals, Value: "vendor.example"},
	}, nil)

	event := automation.NewTriggerEvent(automation.TriggerEmail, map[string]any{
		"from":        "Billing <billing@vendor.example>",
		"from_domain": "vendor.example",
	})
	assert.True(t, m.matches(event))

	other := automation.NewTriggerEvent(automation.TriggerEmail, map[string]any{
		"from":        "someone@else.example",
		"from_domain": "else.example",
	})
	assert.False(t, m.matches(other))
}

func TestEmailSourceDeduplicates(t *testing.T) {
	conn := connector.NewMemoryConnector("email:work")
	conn.QueueEvent(connector.Event{ID: "msg-1", Type: "email",
		Data: map[string]any{"from": "billing@vendor.example"}})

	c := &capture{}
	states := newMemoryStates()
	// Seed state as if msg-1 was already handled before a restart.
	require.NoError(t, states.SaveWatcherState(context.Background(), "auto-email",
		&State{ProcessedIDs: []string{"msg-1"}}))

	w, err := New(Options{
		Connectors:   connector.NewRegistry(conn),
		States:       states,
		Handler:      c.handler,
		PollInterval: 10 * time.Millisecond,
		Logger:       slogger.NewDevNull(),
	})
	require.NoError(t, err)
	require.NoError(t, w.Add(context.Background(), emailSpec()))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = w.Run(ctx)

	assert.Equal(t, 0, c.count())
}

func TestWebhookSignatureVerification(t *testing.T) {
	c := &capture{}
	w, err := New(Options{Handler: c.handler, Logger: slogger.NewDevNull()})
	require.NoError(t, err)

	spec := &automation.Spec{
		ID:     "auto-hook",
		Name:   "Webhook",
		Status: automation.StatusActive,
		Trigger: automation.Trigger{
			Type: automation.TriggerWebhook,
			Webhook: &automation.WebhookTrigger{
				Endpoint: "deploys",
				Secret:   "s3cret",
			},
		},
	}
	require.NoError(t, w.Add(context.Background(), spec))

	body := `{"id":"d-1","env":"prod"}`

	// Unsigned delivery is rejected.
	rec := httptest.NewRecorder()
	w.ServeHTTP(rec, httptest.NewRequest("POST", "/hooks/deploys", strings.NewReader(body)))
	assert.Equal(t, 401, rec.Code)
	assert.Equal(t, 0, c.count())

	// Correctly signed delivery fires the trigger.
	req := httptest.NewRequest("POST", "/hooks/deploys", strings.NewReader(body))
	req.Header.Set(SignatureHeader, Sign("s3cret", []byte(body)))
	rec = httptest.NewRecorder()
	w.ServeHTTP(rec, req)
	assert.Equal(t, 202, rec.Code)
	require.Equal(t, 1, c.count())
	assert.Equal(t, "prod", c.events[0].Data["env"])

	// Unknown endpoints 404.
	rec = httptest.NewRecorder()
	w.ServeHTTP(rec, httptest.NewRequest("POST", "/hooks/nope", strings.NewReader(body)))
	assert.Equal(t, 404, rec.Code)
}

func TestScheduleSourceValidation(t *testing.T) {
	_, err := newScheduleSource(&automation.ScheduleTrigger{Cron: "not a cron"})
	assert.Error(t, err)

	_, err = newScheduleSource(&automation.ScheduleTrigger{Cron: "*/5 * * * *"})
	assert.NoError(t, err)

	_, err = newScheduleSource(&automation.ScheduleTrigger{IntervalValue: 2, IntervalUnit: "fortnights"})
	assert.Error(t, err)

	src, err := newScheduleSource(&automation.ScheduleTrigger{IntervalValue: 15, IntervalUnit: "minutes"})
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, src.interval)
}

func TestFileSourceEventFiltering(t *testing.T) {
	trigger := &automation.FileChangeTrigger{
		Root:        "/watched",
		PathPattern: "inbox/**/*.pdf",
		Events:      []string{"created"},
	}
	src := newFileSource(trigger, slogger.NewDevNull())

	var fired []*automation.TriggerEvent
	emit := func(e *automation.TriggerEvent) { fired = append(fired, e) }

	src.handle("/watched", fsnotify.Event{
		Name: "/watched/inbox/2026/invoice.pdf", Op: fsnotify.Create,
	}, emit)
	require.Len(t, fired, 1)
	assert.Equal(t, "created", fired[0].Data["event"])
	assert.Equal(t, "invoice.pdf", fired[0].Data["name"])

	// Wrong extension and wrong event kind stay quiet.
	src.handle("/watched", fsnotify.Event{
		Name: "/watched/inbox/notes.txt", Op: fsnotify.Create,
	}, emit)
	src.handle("/watched", fsnotify.Event{
		Name: "/watched/inbox/2026/other.pdf", Op: fsnotify.Write,
	}, emit)
	assert.Len(t, fired, 1)
}

func TestWatcherRemoveStopsDispatch(t *testing.T) {
	c := &capture{}
	w, err := New(Options{Handler: c.handler, Logger: slogger.NewDevNull()})
	require.NoError(t, err)

	spec := emailSpec()
	conn := connector.NewMemoryConnector("email:work")
	w.connectors = connector.NewRegistry(conn)
	require.NoError(t, w.Add(context.Background(), spec))
	w.Remove(spec.ID)

	e := &entry{spec: spec, matcher: newMatcher(nil, nil)}
	w.dispatch(context.Background(), e, automation.NewTriggerEvent(automation.TriggerEmail, nil))
	assert.Equal(t, 0, c.count())
}
