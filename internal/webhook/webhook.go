// Package webhook forwards appended events to configured HTTP endpoints.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"caseline/internal/config"
	"caseline/internal/domain"
	"caseline/internal/repo"
)

const (
	defaultTimeout = 5 * time.Second
	defaultBatch   = 100
)

// EventSource is the slice of the repository the dispatcher reads.
type EventSource interface {
	EventsAfter(ctx context.Context, f repo.EventFilter) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// Dispatcher keeps one cursor per hook. A hook starts at the latest event
// present when it is first dispatched and never replays older history.
type Dispatcher struct {
	source  EventSource
	hooks   []config.WebhookConfig
	client  *http.Client
	logger  *log.Logger
	mu      sync.Mutex
	cursors map[int]int64
}

func New(source EventSource, hooks []config.WebhookConfig, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{
		source:  source,
		hooks:   hooks,
		client:  &http.Client{Timeout: defaultTimeout},
		logger:  logger,
		cursors: make(map[int]int64),
	}
}

// Dispatch delivers pending events to every enabled hook. A failed delivery
// stops that hook at the failing event so the next run retries it.
func (d *Dispatcher) Dispatch(ctx context.Context) error {
	for i, hook := range d.hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		if err := d.dispatchHook(ctx, i, hook); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) dispatchHook(ctx context.Context, idx int, hook config.WebhookConfig) error {
	cursor, err := d.cursorFor(ctx, idx)
	if err != nil {
		return fmt.Errorf("webhook cursor: %w", err)
	}
	events, err := d.source.EventsAfter(ctx, repo.EventFilter{Cursor: cursor, Limit: defaultBatch})
	if err != nil {
		return fmt.Errorf("webhook fetch events: %w", err)
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.post(ctx, hook, evt); err != nil {
			d.logger.Printf("webhook: deliver event=%d to %s failed: %v", evt.ID, hook.URL, err)
			return nil
		}
		d.setCursor(idx, evt.ID)
	}
	return nil
}

func (d *Dispatcher) cursorFor(ctx context.Context, idx int) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur, nil
	}
	cur, err := d.source.LatestEventID(ctx)
	if err != nil {
		return 0, err
	}
	d.cursors[idx] = cur
	return cur, nil
}

func (d *Dispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type payload struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ProcessID  string          `json:"process_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *Dispatcher) post(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	body := payload{
		ID:         evt.ID,
		Type:       evt.Type,
		ProcessID:  evt.ProcessID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    json.RawMessage("{}"),
	}
	if evt.PayloadJSON != "" && json.Valid([]byte(evt.PayloadJSON)) {
		body.Payload = json.RawMessage(evt.PayloadJSON)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Caseline-Event", evt.Type)
	req.Header.Set("X-Caseline-Delivery", fmt.Sprintf("%d", evt.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Caseline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
