// Package notify posts deploy lifecycle events to an external webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout   = 5 * time.Second
	maxErrorBodySize = 4096
)

// ErrUnauthorized indicates the receiver rejected the webhook token.
var ErrUnauthorized = errors.New("deploy webhook unauthorized")

// ErrRejected indicates the receiver refused the payload.
var ErrRejected = errors.New("deploy webhook rejected event")

// Event kinds.
const (
	KindFinished = "deploy.finished"
	KindFailed   = "deploy.failed"
)

// Event describes one deploy lifecycle change.
type Event struct {
	Kind         string
	Organization string
	Game         string
	Branch       string
	DeployID     string
	Number       int
	Outcome      string
	URL          string
	DeployedBy   string
	Error        string
	Duration     time.Duration
	OccurredAt   time.Time
}

// Webhook delivers events with a JSON POST.
type Webhook struct {
	url    string
	token  string
	client *http.Client
	now    func() time.Time
}

// NewWebhook returns a webhook posting to url. token, when set, is sent as a
// bearer token.
func NewWebhook(url, token string, client *http.Client) (*Webhook, error) {
	trimmed := strings.TrimSpace(url)
	if trimmed == "" {
		return nil, errors.New("deploy webhook url required")
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &Webhook{
		url:    trimmed,
		token:  strings.TrimSpace(token),
		client: client,
		now:    time.Now,
	}, nil
}

// Emit sends event to the webhook.
func (w *Webhook) Emit(ctx context.Context, event Event) error {
	if w == nil {
		return errors.New("deploy webhook not initialised")
	}
	if event.Kind == "" || event.DeployID == "" {
		return errors.New("deploy webhook requires kind and deploy id")
	}
	body, err := json.Marshal(payload(event, w.now))
	if err != nil {
		return fmt.Errorf("marshal webhook event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return statusError(resp)
	}
	return nil
}

func statusError(resp *http.Response) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case resp.StatusCode < http.StatusInternalServerError:
		return fmt.Errorf("%w: %s", ErrRejected, summary)
	default:
		return fmt.Errorf("deploy webhook failed: %s", summary)
	}
}

func payload(event Event, nowFn func() time.Time) map[string]any {
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = nowFn()
	}
	out := map[string]any{
		"kind":         event.Kind,
		"organization": event.Organization,
		"game":         event.Game,
		"branch":       event.Branch,
		"deploy_id":    event.DeployID,
		"number":       event.Number,
		"duration_ms":  event.Duration.Milliseconds(),
		"occurred_at":  occurred.UTC().Format(time.RFC3339Nano),
	}
	if event.Outcome != "" {
		out["outcome"] = event.Outcome
	}
	if event.URL != "" {
		out["url"] = event.URL
	}
	if event.DeployedBy != "" {
		out["deployed_by"] = event.DeployedBy
	}
	if event.Error != "" {
		out["error"] = event.Error
	}
	return out
}
