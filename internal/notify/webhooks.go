// Package notify delivers ledger events to configured webhooks.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"kse/internal/config"
	"kse/internal/domain"
	"kse/internal/repo"
)

const (
	DefaultInterval = 2 * time.Second
	defaultTimeout  = 5 * time.Second
	defaultBatch    = 100
)

// EventSource is the slice of the ledger the dispatcher reads.
type EventSource interface {
	EventsAfter(ctx context.Context, limit int, cursor int64, f repo.EventFilter) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// Dispatcher keeps one cursor per webhook and posts every matching event
// after it, in ledger order. Delivery stops at the first failure so the
// event is retried on the next pass.
type Dispatcher struct {
	Source  EventSource
	Project string
	Hooks   []config.WebhookConfig
	Client  *http.Client
	Logger  *zap.Logger

	// BatchSize is the number of ledger events read per query.
	BatchSize int

	mu      sync.Mutex
	cursors map[int]int64
}

func NewDispatcher(src EventSource, project string, hooks []config.WebhookConfig, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		Source:  src,
		Project: project,
		Hooks:   hooks,
		Client:  &http.Client{Timeout: defaultTimeout},
		Logger:  logger,
		cursors: map[int]int64{},
	}
}

// Enabled reports whether any hook would receive events.
func (d *Dispatcher) Enabled() bool {
	if d == nil {
		return false
	}
	for _, h := range d.Hooks {
		if active(h) {
			return true
		}
	}
	return false
}

func active(h config.WebhookConfig) bool {
	return (h.Enabled == nil || *h.Enabled) && strings.TrimSpace(h.URL) != ""
}

// Prime moves every cursor to the newest ledger event, so only events
// written afterwards are delivered.
func (d *Dispatcher) Prime(ctx context.Context) error {
	if !d.Enabled() {
		return nil
	}
	cur, err := d.Source.LatestEventID(ctx)
	if err != nil {
		return err
	}
	d.mu.Lock()
	for i := range d.Hooks {
		d.cursors[i] = cur
	}
	d.mu.Unlock()
	return nil
}

// Run dispatches on every tick until ctx ends.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	if !d.Enabled() {
		return
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if err := d.Prime(ctx); err != nil {
		d.Logger.Warn("webhook: init cursor failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce delivers every pending event to all hooks and returns the
// number of events delivered. A hook stops at its first failed delivery.
func (d *Dispatcher) DispatchOnce(ctx context.Context) int {
	if !d.Enabled() {
		return 0
	}
	sent := 0
	for i, hook := range d.Hooks {
		if !active(hook) {
			continue
		}
		sent += d.dispatchHook(ctx, i, hook)
	}
	return sent
}

func (d *Dispatcher) dispatchHook(ctx context.Context, idx int, hook config.WebhookConfig) int {
	batch := d.BatchSize
	if batch <= 0 {
		batch = defaultBatch
	}
	filter := newEventFilter(hook.Events)
	sent := 0
	for {
		d.mu.Lock()
		cursor := d.cursors[idx]
		d.mu.Unlock()
		evts, err := d.Source.EventsAfter(ctx, batch, cursor, repo.EventFilter{})
		if err != nil {
			d.Logger.Warn("webhook: fetch events failed", zap.Error(err))
			return sent
		}
		for _, evt := range evts {
			if filter.match(evt.Type) {
				if err := d.post(ctx, hook, evt); err != nil {
					d.Logger.Warn("webhook: delivery failed", zap.String("url", hook.URL), zap.Int64("event", evt.ID), zap.Error(err))
					return sent
				}
				sent++
			}
			d.mu.Lock()
			d.cursors[idx] = evt.ID
			d.mu.Unlock()
		}
		if len(evts) < batch || ctx.Err() != nil {
			return sent
		}
	}
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	Project    string          `json:"project"`
	SessionID  string          `json:"session_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

// SignatureHeader carries hex(HMAC-SHA256(secret, body)) when a secret is set.
const SignatureHeader = "X-Kse-Signature"

// Sign computes the signature header value for a body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (d *Dispatcher) post(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	body, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		Project:    d.Project,
		SessionID:  evt.SessionID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	client := d.Client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Kse-Event", evt.Type)
	req.Header.Set("X-Kse-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Kse-Project", d.Project)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set(SignatureHeader, Sign(hook.Secret, body))
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

type eventFilter map[string]struct{}

func newEventFilter(types []string) eventFilter {
	set := eventFilter{}
	for _, t := range types {
		if key := strings.TrimSpace(t); key != "" {
			set[key] = struct{}{}
		}
	}
	return set
}

// match accepts everything when no types are configured.
func (f eventFilter) match(evt string) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[evt]
	return ok
}
