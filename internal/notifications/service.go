package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tomato/internal/config"
)

const userAgent = "tomato/0.1"

// Event names a notification type.
type Event string

const (
	EventJobCompleted          Event = "job_completed"
	EventJobFailed             Event = "job_failed"
	EventJobCancelled          Event = "job_cancelled"
	EventComponentUnregistered Event = "component_unregistered"
	EventTest                  Event = "test"
)

// Payload carries the event fields used to build the message.
type Payload map[string]any

// Service publishes events.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	if cfg == nil || cfg.Notify.NtfyTopic == "" {
		return noopService{}
	}
	timeout := time.Duration(cfg.Notify.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfyService{
		endpoint: cfg.Notify.NtfyTopic,
		client:   &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether svc delivers anything.
func Enabled(svc Service) bool {
	_, noop := svc.(noopService)
	return svc != nil && !noop
}

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

// JobEvent maps a terminal queue status code onto its event.
func JobEvent(status string) (Event, bool) {
	switch status {
	case "c":
		return EventJobCompleted, true
	case "ce":
		return EventJobFailed, true
	case "cd":
		return EventJobCancelled, true
	}
	return "", false
}

func format(event Event, p Payload) (message, bool) {
	switch event {
	case EventJobCompleted:
		return message{
			title: "tomato - Job Complete",
			body:  fmt.Sprintf("Job %v (%s) finished on %s", p["id"], text(p, "sample"), text(p, "pipeline")),
			tags:  []string{"tomato", "job", "completed"},
		}, true
	case EventJobFailed:
		body := fmt.Sprintf("Job %v (%s) failed on %s", p["id"], text(p, "sample"), text(p, "pipeline"))
		if reason := text(p, "message"); reason != "" {
			body += "\n" + reason
		}
		return message{
			title:    "tomato - Job Failed",
			body:     body,
			tags:     []string{"tomato", "job", "error"},
			priority: "high",
		}, true
	case EventJobCancelled:
		return message{
			title: "tomato - Job Cancelled",
			body:  fmt.Sprintf("Job %v (%s) was cancelled on %s", p["id"], text(p, "sample"), text(p, "pipeline")),
			tags:  []string{"tomato", "job", "cancelled"},
		}, true
	case EventComponentUnregistered:
		body := fmt.Sprintf("Component %s did not register", text(p, "component"))
		if reason := text(p, "error"); reason != "" {
			body += ": " + reason
		}
		return message{
			title:    "tomato - Component Unavailable",
			body:     body,
			tags:     []string{"tomato", "component", "alert"},
			priority: "high",
		}, true
	case EventTest:
		return message{
			title:    "tomato - Test",
			body:     "Notification system test",
			tags:     []string{"tomato", "test"},
			priority: "low",
		}, true
	}
	return message{}, false
}

func text(p Payload, key string) string {
	if v, ok := p[key]; ok && v != nil {
		return strings.TrimSpace(fmt.Sprint(v))
	}
	return ""
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	msg, ok := format(event, payload)
	if !ok {
		return fmt.Errorf("unknown notification event %q", event)
	}
	return n.send(ctx, msg)
}

func (n *ntfyService) send(ctx context.Context, msg message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(msg.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if msg.title != "" {
		req.Header.Set("Title", msg.title)
	}
	if len(msg.tags) > 0 {
		req.Header.Set("Tags", strings.Join(msg.tags, ","))
	}
	if msg.priority != "" {
		req.Header.Set("Priority", msg.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
