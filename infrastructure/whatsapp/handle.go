package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/AzielCF/az-inbox/connection/domain/session"
	"github.com/sirupsen/logrus"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

var errHandleClosed = errors.New("handle closed")

// lifecycleBuffer bounds lifecycle events waiting for the supervisor.
const lifecycleBuffer = 16

// Handle wraps one whatsmeow client. Lifecycle events are forwarded to the
// sink from a dedicated goroutine, so whatsmeow's dispatcher never blocks on
// the supervisor and Close can always remove the event handler.
type Handle struct {
	sessionID int
	client    *whatsmeow.Client

	mu        sync.Mutex
	handlerID uint32
	events    chan session.Event
	done      chan struct{}
	closed    bool
	onMessage func(session.IncomingMessage)
}

func newHandle(sessionID int, client *whatsmeow.Client) *Handle {
	return &Handle{
		sessionID: sessionID,
		client:    client,
		events:    make(chan session.Event, lifecycleBuffer),
		done:      make(chan struct{}),
	}
}

// Open registers the event handler and connects. For an unpaired device the
// connection starts emitting QR codes.
func (h *Handle) Open(ctx context.Context, sink func(session.Event)) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return errHandleClosed
	}
	h.handlerID = h.client.AddEventHandler(h.handleEvent)
	h.mu.Unlock()

	go h.pump(sink)

	if err := h.client.Connect(); err != nil {
		return fmt.Errorf("connect session %d: %w", h.sessionID, err)
	}
	return nil
}

func (h *Handle) pump(sink func(session.Event)) {
	for {
		select {
		case <-h.done:
			return
		case ev := <-h.events:
			sink(ev)
		}
	}
}

func (h *Handle) handleEvent(raw any) {
	if msg, ok := raw.(*events.Message); ok {
		h.deliver(msg)
		return
	}
	ev, ok := translate(raw)
	if !ok {
		return
	}
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

func (h *Handle) deliver(v *events.Message) {
	in, ok := toIncoming(v)
	if !ok {
		return
	}
	h.mu.Lock()
	fn := h.onMessage
	closed := h.closed
	h.mu.Unlock()
	if fn == nil || closed {
		return
	}
	fn(in)
}

// Close stops event delivery and drops the websocket. It never calls the sink.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.done)
	id := h.handlerID
	h.handlerID = 0
	h.mu.Unlock()

	if id != 0 {
		h.client.RemoveEventHandler(id)
	}
	h.client.Disconnect()
	return nil
}

// Logout revokes the pairing on the phone and removes the device from the
// local store.
func (h *Handle) Logout(ctx context.Context) error {
	if h.client.Store == nil || h.client.Store.ID == nil {
		return nil
	}
	if err := h.client.Logout(ctx); err != nil {
		logrus.Warnf("[WHATSAPP] Logout error for session %d: %v", h.sessionID, err)
		return err
	}
	return nil
}

// SendText sends a plain text message and returns its message id. to is a
// phone number or a full JID.
func (h *Handle) SendText(ctx context.Context, to, text string) (string, error) {
	if !h.client.IsConnected() || !h.client.IsLoggedIn() {
		return "", fmt.Errorf("session %d is not connected", h.sessionID)
	}
	jid, err := parseJID(to)
	if err != nil {
		return "", err
	}
	resp, err := h.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return "", fmt.Errorf("send to %s: %w", jid, err)
	}
	return resp.ID, nil
}

func (h *Handle) OnMessage(fn func(session.IncomingMessage)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onMessage = fn
}

// parseJID accepts a full JID or a bare phone number.
func parseJID(to string) (types.JID, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return types.JID{}, fmt.Errorf("empty recipient")
	}
	if strings.Contains(to, "@") {
		jid, err := types.ParseJID(to)
		if err != nil {
			return types.JID{}, fmt.Errorf("invalid recipient %q: %w", to, err)
		}
		return jid, nil
	}
	return types.NewJID(strings.TrimPrefix(to, "+"), types.DefaultUserServer), nil
}

// translate maps a whatsmeow event to a lifecycle event.
func translate(raw any) (session.Event, bool) {
	switch v := raw.(type) {
	case *events.QR:
		if len(v.Codes) == 0 {
			return session.Event{}, false
		}
		return session.Event{Type: session.EventQR, QR: v.Codes[0]}, true
	case *events.Connected:
		return session.Event{Type: session.EventOpen}, true
	case *events.PairSuccess:
		return session.Event{Type: session.EventCredsUpdate, Creds: session.Credentials{DeviceJID: v.ID.String()}}, true
	case *events.LoggedOut:
		return session.Event{Type: session.EventClose, Reason: session.ReasonLoggedOut, Err: fmt.Errorf("logged out: %s", v.Reason)}, true
	case *events.StreamReplaced:
		return session.Event{Type: session.EventClose, Reason: session.ReasonConnectionReplaced}, true
	case *events.TemporaryBan:
		return session.Event{Type: session.EventClose, Reason: session.ReasonForbidden, Err: errors.New(v.String())}, true
	case *events.ConnectFailure:
		reason := session.ReasonBadSession
		if v.Reason.IsLoggedOut() {
			reason = session.ReasonLoggedOut
		}
		return session.Event{Type: session.EventClose, Reason: reason, Err: fmt.Errorf("connect failure %d: %s", int(v.Reason), v.Message)}, true
	case *events.Disconnected:
		return session.Event{Type: session.EventClose, Reason: session.ReasonConnectionClosed}, true
	case *events.KeepAliveTimeout:
		if v.ErrorCount < 3 {
			return session.Event{}, false
		}
		return session.Event{Type: session.EventClose, Reason: session.ReasonConnectionLost, Err: fmt.Errorf("%d keepalive timeouts", v.ErrorCount)}, true
	}
	return session.Event{}, false
}

// toIncoming extracts the text of a chat message. Status updates,
// broadcasts and messages without text are skipped.
func toIncoming(v *events.Message) (session.IncomingMessage, bool) {
	if v == nil || v.Message == nil {
		return session.IncomingMessage{}, false
	}
	if v.Info.Chat.Server == types.BroadcastServer || v.Info.IsIncomingBroadcast() {
		return session.IncomingMessage{}, false
	}

	msg := v.Message
	body := msg.GetConversation()
	if body == "" {
		body = msg.GetExtendedTextMessage().GetText()
	}
	if body == "" {
		body = msg.GetImageMessage().GetCaption()
	}
	if body == "" {
		body = msg.GetVideoMessage().GetCaption()
	}
	if body == "" {
		return session.IncomingMessage{}, false
	}

	return session.IncomingMessage{
		ID:        v.Info.ID,
		From:      v.Info.Sender.ToNonAD().String(),
		Chat:      v.Info.Chat.String(),
		Body:      body,
		FromMe:    v.Info.IsFromMe,
		Timestamp: v.Info.Timestamp,
	}, true
}
