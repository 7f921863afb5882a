package realtime

import (
	"context"
	"fmt"
)

// Actions carried by realtime events.
const (
	ActionUpdate = "update"
	ActionCreate = "create"
)

// SessionTopic is the per-tenant room for session status updates.
func SessionTopic(tenantID int) string {
	return fmt.Sprintf("tenant:%d:session", tenantID)
}

// MessageTopic is the per-tenant room for inbound message notifications.
func MessageTopic(tenantID int) string {
	return fmt.Sprintf("tenant:%d:appMessage", tenantID)
}

// SessionPayload is the session view pushed to subscribers.
type SessionPayload struct {
	ID      int    `json:"id"`
	Name    string `json:"name,omitempty"`
	Status  string `json:"status"`
	QRCode  string `json:"qrcode"`
	Retries int    `json:"retries"`
}

// MessagePayload is an inbound message as pushed to subscribers.
type MessagePayload struct {
	ID        string `json:"id"`
	SessionID int    `json:"whatsappId"`
	From      string `json:"from"`
	Chat      string `json:"chat"`
	Body      string `json:"body"`
	FromMe    bool   `json:"fromMe"`
	Timestamp int64  `json:"timestamp"`
}

// Event is the envelope published on a topic.
type Event struct {
	Action  string          `json:"action"`
	Session *SessionPayload `json:"session,omitempty"`
	Message *MessagePayload `json:"message,omitempty"`
}

// Notifier fans events out to the subscribers of a topic. Delivery is best
// effort and at most once; implementations must not block on slow
// subscribers.
type Notifier interface {
	Publish(ctx context.Context, topic string, event Event) error
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) Publish(context.Context, string, Event) error { return nil }
