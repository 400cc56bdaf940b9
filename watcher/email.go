package watcher

import (
	"context"
	"time"

	"github.com/deepnoodle-ai/relay/automation"
	"github.com/deepnoodle-ai/relay/connector"
)

// emailSource polls an email connector's subscription feed. The cursor
// advances only after the batch is dispatched, so a crash replays rather
// than drops; the dedupe set suppresses the replayed ids.
type emailSource struct {
	conn     connector.Connector
	interval time.Duration
	entry    *entry
}

func (s *emailSource) run(ctx context.Context, emit func(*automation.TriggerEvent)) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.poll(ctx, emit); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *emailSource) poll(ctx context.Context, emit func(*automation.TriggerEvent)) error {
	events, cursor, err := s.conn.Subscribe(ctx, s.entry.cursor)
	if err != nil {
		return err
	}
	for _, e := range events {
		data := map[string]any{"id": e.ID}
		for k, v := range e.Data {
			data[k] = v
		}
		event := automation.NewTriggerEvent(automation.TriggerEmail, data)
		event.Timestamp = e.Timestamp
		emit(event)
	}
	if cursor != "" {
		s.entry.cursor = cursor
	}
	return nil
}
