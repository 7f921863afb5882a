package tenant

import (
	"context"
	"time"

	pkgError "github.com/AzielCF/az-inbox/pkg/error"
)

const ErrConnectionNotFound = pkgError.NotFoundError("connection not found")

// Status is the persisted connection status shown to tenants.
type Status string

const (
	StatusOpening   Status = "OPENING"
	StatusQRCode    Status = "QRCODE"
	StatusConnected Status = "CONNECTED"
	StatusClosed    Status = "CLOSED"
)

type Tenant struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Connection is a tenant's messaging channel. Its ID is the session id.
type Connection struct {
	ID        int       `json:"id"`
	TenantID  int       `json:"tenant_id"`
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	QRCode    string    `json:"qrcode"`
	Retries   int       `json:"retries"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StateUpdate is the subset of connection columns the supervisor writes.
type StateUpdate struct {
	Status  Status
	QRCode  string
	Retries int
}

type Repository interface {
	ListTenants(ctx context.Context) ([]Tenant, error)
	ListConnections(ctx context.Context, tenantID int) ([]Connection, error)
	GetConnection(ctx context.Context, id int) (Connection, error)
	UpdateConnectionState(ctx context.Context, id int, update StateUpdate) error
}
