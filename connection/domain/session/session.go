package session

import (
	"context"
	"time"

	pkgError "github.com/AzielCF/az-inbox/pkg/error"
)

// ErrSessionNotFound is returned when no live session is registered for an id.
const ErrSessionNotFound = pkgError.NotFoundError("session not found")

// State is a supervisor state for one session.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateClosing      State = "closing"
	StateReconnecting State = "reconnecting"
	StateLoggedOut    State = "logged_out"
)

// EventType classifies lifecycle events emitted by a Handle.
type EventType int

const (
	EventQR EventType = iota + 1
	EventOpen
	EventClose
	EventCredsUpdate
)

func (t EventType) String() string {
	switch t {
	case EventQR:
		return "qr"
	case EventOpen:
		return "open"
	case EventClose:
		return "close"
	case EventCredsUpdate:
		return "creds"
	default:
		return "unknown"
	}
}

// CloseReason mirrors the status codes the messaging network uses when a
// connection ends.
type CloseReason int

const (
	ReasonLoggedOut          CloseReason = 401
	ReasonForbidden          CloseReason = 403
	ReasonConnectionLost     CloseReason = 408
	ReasonConnectionClosed   CloseReason = 428
	ReasonConnectionReplaced CloseReason = 440
	ReasonBadSession         CloseReason = 500
	ReasonRestartRequired    CloseReason = 515
)

// IsLogout reports whether the reason invalidates the stored credentials.
func (r CloseReason) IsLogout() bool {
	return r == ReasonLoggedOut
}

func (r CloseReason) String() string {
	switch r {
	case ReasonLoggedOut:
		return "logged_out"
	case ReasonForbidden:
		return "forbidden"
	case ReasonConnectionLost:
		return "connection_lost"
	case ReasonConnectionClosed:
		return "connection_closed"
	case ReasonConnectionReplaced:
		return "connection_replaced"
	case ReasonBadSession:
		return "bad_session"
	case ReasonRestartRequired:
		return "restart_required"
	default:
		return "unknown"
	}
}

// Credentials identify a paired device. An empty DeviceJID means the session
// has never been paired and must go through QR pairing.
type Credentials struct {
	DeviceJID string
	UpdatedAt time.Time
}

func (c Credentials) Fresh() bool {
	return c.DeviceJID == ""
}

// Event is a lifecycle event of a Handle.
type Event struct {
	Type   EventType
	QR     string
	Reason CloseReason
	Creds  Credentials
	Err    error
}

// IncomingMessage is an inbound chat message observed on a live handle.
type IncomingMessage struct {
	ID        string
	From      string
	Chat      string
	Body      string
	FromMe    bool
	Timestamp time.Time
}

// Handle is a single protocol connection. Implementations deliver lifecycle
// events to the sink passed to Open, possibly from their own goroutines.
type Handle interface {
	Open(ctx context.Context, sink func(Event)) error
	Close() error
	Logout(ctx context.Context) error
	SendText(ctx context.Context, to, text string) (string, error)
	OnMessage(fn func(IncomingMessage))
}

// CredentialStore persists pairing credentials per session. Operations for
// the same session id are serialized by implementations.
type CredentialStore interface {
	Load(ctx context.Context, sessionID int) (Credentials, error)
	Save(ctx context.Context, sessionID int, creds Credentials) error
	Erase(ctx context.Context, sessionID int) error
}

// Entry is a registry slot: the live handle plus the generation assigned when
// it was registered.
type Entry struct {
	SessionID  int
	Handle     Handle
	Generation uint64
}

// Registry maps session ids to their single live handle.
type Registry interface {
	Register(sessionID int, h Handle) Entry
	Get(sessionID int) (Handle, error)
	Lookup(sessionID int) (Entry, bool)
	Remove(sessionID int)
	IDs() []int
	Len() int
}

// Info is a point-in-time view of one supervised session.
type Info struct {
	SessionID  int       `json:"session_id"`
	TenantID   int       `json:"tenant_id"`
	Name       string    `json:"name"`
	State      State     `json:"state"`
	QRCode     string    `json:"qrcode,omitempty"`
	Retries    int       `json:"retries"`
	Generation uint64    `json:"generation"`
	UpdatedAt  time.Time `json:"updated_at"`
}
