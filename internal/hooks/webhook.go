package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dativo-io/pmframework/internal/trigger"
)

// Notification is what listeners receive after a hook fired.
type Notification struct {
	Hook       string       `json:"hook"`
	Project    string       `json:"project"`
	EventID    string       `json:"event_id"`
	Type       trigger.Type `json:"type"`
	Content    string       `json:"content"`
	Tags       []string     `json:"tags"`
	Success    bool         `json:"success"`
	SkipReason string       `json:"skip_reason,omitempty"`
	MemoryID   string       `json:"memory_id,omitempty"`
	Error      string       `json:"error,omitempty"`
	At         time.Time    `json:"at"`
}

func (n Notification) outcome() string {
	switch {
	case n.Success:
		return "success"
	case n.SkipReason != "":
		return "skipped"
	default:
		return "failure"
	}
}

// Listener observes fired hooks. Failures are logged and never reach the
// hook caller.
type Listener interface {
	Notify(ctx context.Context, n Notification) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, n Notification) error

// Notify calls f.
func (f ListenerFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

const notifyTimeout = 10 * time.Second

func (h *Hooks) notify(ctx context.Context, n Notification) {
	if len(h.listeners) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, l := range h.listeners {
		h.wg.Add(1)
		go func(l Listener) {
			defer h.wg.Done()
			nctx, cancel := context.WithTimeout(ctx, notifyTimeout)
			defer cancel()
			if err := l.Notify(nctx, n); err != nil {
				log.Warn().Err(err).Str("hook", n.Hook).Msg("hook_listener_failed")
			}
		}(l)
	}
}

// WebhookConfig configures an HTTP listener. On is one of "all" (default),
// "success", "failure" or "skipped".
type WebhookConfig struct {
	URL string `mapstructure:"url" yaml:"url" json:"url"`
	On  string `mapstructure:"on" yaml:"on" json:"on"`
}

// WebhookListener POSTs notifications as JSON.
type WebhookListener struct {
	url    string
	filter string
	client *http.Client
}

// NewWebhookListener creates a webhook listener from config.
func NewWebhookListener(cfg WebhookConfig) *WebhookListener {
	return &WebhookListener{
		url:    cfg.URL,
		filter: cfg.On,
		client: &http.Client{Timeout: notifyTimeout},
	}
}

func (w *WebhookListener) shouldDeliver(outcome string) bool {
	switch w.filter {
	case "", "all":
		return true
	default:
		return w.filter == outcome
	}
}

// Notify sends n when the configured filter matches its outcome.
func (w *WebhookListener) Notify(ctx context.Context, n Notification) error {
	if w.url == "" || !w.shouldDeliver(n.outcome()) {
		return nil
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshaling hook notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-PMF-Hook", n.Hook)

	// URL comes from operator config, not from hook input.
	resp, err := w.client.Do(req) // #nosec G107
	if err != nil {
		return fmt.Errorf("delivering webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned %d", w.url, resp.StatusCode)
	}

	log.Debug().Int("status", resp.StatusCode).Str("url", w.url).Msg("webhook_delivered")
	return nil
}

// ListenersFromConfig builds webhook listeners, skipping entries without a URL.
func ListenersFromConfig(cfgs []WebhookConfig) []Listener {
	out := make([]Listener, 0, len(cfgs))
	for _, c := range cfgs {
		if c.URL == "" {
			log.Warn().Msg("hook_webhook_without_url")
			continue
		}
		out = append(out, NewWebhookListener(c))
	}
	return out
}
