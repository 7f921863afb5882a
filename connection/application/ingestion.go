package application

import (
	"context"

	"github.com/AzielCF/az-inbox/connection/domain/session"
	"github.com/AzielCF/az-inbox/connection/domain/tenant"
	"github.com/AzielCF/az-inbox/domains/realtime"
	"github.com/sirupsen/logrus"
)

// MessageIngestor forwards inbound messages of a live handle to the tenant's
// message topic.
type MessageIngestor struct {
	notifier realtime.Notifier
}

func NewMessageIngestor(notifier realtime.Notifier) *MessageIngestor {
	return &MessageIngestor{notifier: notifier}
}

// Attach replaces the handle's message listener, so attaching again after a
// reconnect never duplicates deliveries.
func (i *MessageIngestor) Attach(conn tenant.Connection, h session.Handle) {
	topic := realtime.MessageTopic(conn.TenantID)
	sessionID := conn.ID
	h.OnMessage(func(msg session.IncomingMessage) {
		event := realtime.Event{
			Action: realtime.ActionCreate,
			Message: &realtime.MessagePayload{
				ID:        msg.ID,
				SessionID: sessionID,
				From:      msg.From,
				Chat:      msg.Chat,
				Body:      msg.Body,
				FromMe:    msg.FromMe,
				Timestamp: msg.Timestamp.Unix(),
			},
		}
		if err := i.notifier.Publish(context.Background(), topic, event); err != nil {
			logrus.WithError(err).WithField("session", sessionID).Warn("[INGEST] Failed to publish inbound message")
		}
	})
}
