// Package notify delivers human-facing notifications about pipeline tasks
// through ntfy.
package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/aristath/contentflow/internal/config"
)

const userAgent = "contentflow/0.1"

// Kind identifies what happened to a task.
type Kind string

const (
	KindBlocked        Kind = "blocked"
	KindRevision       Kind = "revision"
	KindTaskCompleted  Kind = "task_completed"
	KindCampaignDone   Kind = "campaign_done"
	KindDispatchFailed Kind = "dispatch_failed"
)

// Notification is one message to an operator.
type Notification struct {
	Kind     Kind
	TaskID   string
	TaskName string
	Campaign string
	Detail   string    // reason, notes, or cause
	Since    time.Time // task creation, used for elapsed-time text
	At       time.Time
}

// Notifier delivers notifications. Delivery failures never affect task state.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Nop discards notifications.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Notification) error { return nil }

// New builds an ntfy notifier when a topic is configured, or Nop otherwise.
func New(cfg config.NotifyConfig) (Notifier, error) {
	topic := strings.TrimSpace(cfg.NtfyTopic)
	if topic == "" {
		return Nop{}, nil
	}
	timeout, err := config.Duration(cfg.Timeout, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("notify timeout: %w", err)
	}
	return NewNtfy(topic, &http.Client{Timeout: timeout}), nil
}

// Ntfy posts plain-text notifications to an ntfy topic URL.
type Ntfy struct {
	endpoint string
	client   *http.Client
}

// NewNtfy creates a notifier posting to endpoint.
func NewNtfy(endpoint string, client *http.Client) *Ntfy {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Ntfy{endpoint: endpoint, client: client}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

// Notify implements Notifier.
func (n *Ntfy) Notify(ctx context.Context, note Notification) error {
	return n.send(ctx, format(note))
}

func format(note Notification) payload {
	name := strings.TrimSpace(note.TaskName)
	if name == "" {
		name = note.TaskID
	}

	switch note.Kind {
	case KindBlocked:
		return payload{
			title:    "Contentflow - Task Blocked",
			message:  fmt.Sprintf("Blocked: %s\n%s", name, note.Detail),
			tags:     []string{"contentflow", "blocked", "review"},
			priority: "high",
		}
	case KindDispatchFailed:
		return payload{
			title:    "Contentflow - Dispatch Failed",
			message:  fmt.Sprintf("Could not hand off %s\n%s", name, note.Detail),
			tags:     []string{"contentflow", "dispatch", "error"},
			priority: "high",
		}
	case KindRevision:
		message := fmt.Sprintf("Revision requested: %s", name)
		if note.Detail != "" {
			message += "\nNotes: " + note.Detail
		}
		return payload{
			title:   "Contentflow - Revision Needed",
			message: message,
			tags:    []string{"contentflow", "revision"},
		}
	case KindTaskCompleted:
		message := fmt.Sprintf("Completed: %s", name)
		if !note.Since.IsZero() && !note.At.IsZero() {
			message += " after " + humanize.RelTime(note.Since, note.At, "", "")
		}
		return payload{
			title:   "Contentflow - Task Complete",
			message: strings.TrimSpace(message),
			tags:    []string{"contentflow", "task", "completed"},
		}
	case KindCampaignDone:
		return payload{
			title:   "Contentflow - Campaign Complete",
			message: fmt.Sprintf("Campaign %s finished", note.Campaign),
			tags:    []string{"contentflow", "campaign", "completed"},
		}
	}
	return payload{
		title:   "Contentflow",
		message: fmt.Sprintf("%s: %s %s", note.Kind, name, note.Detail),
		tags:    []string{"contentflow"},
	}
}

func (n *Ntfy) send(ctx context.Context, data payload) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" {
		req.Header.Set("Priority", data.priority)
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
