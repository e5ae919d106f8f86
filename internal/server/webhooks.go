package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"draftline/internal/app"
	"draftline/internal/config"
	"draftline/internal/domain"
	"draftline/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// webhookNotifier tails the audit event stream and POSTs matching events to
// each configured hook. Cursors start at the stream head, so only events
// recorded after startup are delivered.
type webhookNotifier struct {
	repo    repo.Repo
	logger  *slog.Logger
	hooks   []config.WebhookConfig
	client  *http.Client
	mu      sync.Mutex
	cursors map[int]int64
}

func startWebhookNotifier(a *app.App) {
	if a.Config == nil || len(a.Config.Server.Webhooks) == 0 {
		return
	}
	n := &webhookNotifier{
		repo:    a.Repo,
		logger:  a.Logger.With("component", "webhooks"),
		hooks:   a.Config.Server.Webhooks,
		client:  &http.Client{Timeout: defaultWebhookTimeout},
		cursors: make(map[int]int64),
	}
	go n.run()
}

func (n *webhookNotifier) run() {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		n.deliverAll()
		<-ticker.C
	}
}

func (n *webhookNotifier) deliverAll() {
	for i, hook := range n.hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		n.deliverHook(i, hook)
	}
}

// deliverHook advances one hook's cursor, stopping at the first failed
// delivery so the event is retried on the next tick.
func (n *webhookNotifier) deliverHook(idx int, hook config.WebhookConfig) {
	ctx := context.Background()
	cursor := n.cursorFor(idx)
	events, err := n.repo.EventsAfter(ctx, defaultWebhookBatch, cursor, "")
	if err != nil {
		n.logger.Error("fetch events failed", "err", err)
		return
	}
	if len(events) == 0 {
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			n.setCursor(idx, evt.ID)
			continue
		}
		if err := n.postEvent(ctx, hook, evt); err != nil {
			n.logger.Warn("delivery failed", "url", hook.URL, "event", evt.ID, "err", err)
			return
		}
		n.setCursor(idx, evt.ID)
	}
}

func (n *webhookNotifier) cursorFor(idx int) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cur, ok := n.cursors[idx]; ok {
		return cur
	}
	cur, err := n.repo.LatestEventID(context.Background(), "")
	if err != nil {
		n.logger.Error("init cursor failed", "err", err)
		cur = 0
	}
	n.cursors[idx] = cur
	return cur
}

func (n *webhookNotifier) setCursor(idx int, value int64) {
	n.mu.Lock()
	n.cursors[idx] = value
	n.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (n *webhookNotifier) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage([]byte(evt.Payload))
	}
	body := webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := n.client
	if timeout != n.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Draftline-Event", evt.Type)
	req.Header.Set("X-Draftline-Delivery", fmt.Sprintf("%d", evt.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Draftline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
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
