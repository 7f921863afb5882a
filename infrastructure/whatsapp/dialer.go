package whatsapp

import (
	"context"
	"fmt"

	"github.com/AzielCF/az-inbox/connection/domain/session"
	"github.com/AzielCF/az-inbox/core/config"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// OpenStore opens the device store shared by every session and applies the
// device properties announced while pairing.
func OpenStore(ctx context.Context, cfg config.WhatsappConfig) (*sqlstore.Container, error) {
	platform := cfg.Platform
	osName := cfg.OS
	store.DeviceProps.PlatformType = &platform
	store.DeviceProps.Os = &osName

	container, err := sqlstore.New(ctx, cfg.StoreDialect, cfg.StoreURI, waLog.Stdout("Database", cfg.LogLevel, true))
	if err != nil {
		return nil, fmt.Errorf("open whatsapp store (%s): %w", cfg.StoreDialect, err)
	}
	return container, nil
}

// Dialer builds whatsmeow clients for sessions. A session with credentials
// resumes its stored device; a fresh one gets a new device and pairs by QR.
type Dialer struct {
	container *sqlstore.Container
	logLevel  string
}

func NewDialer(container *sqlstore.Container, logLevel string) *Dialer {
	return &Dialer{container: container, logLevel: logLevel}
}

func (d *Dialer) Dial(ctx context.Context, sessionID int, creds session.Credentials) (session.Handle, error) {
	var device *store.Device
	if !creds.Fresh() {
		jid, err := types.ParseJID(creds.DeviceJID)
		if err != nil {
			return nil, fmt.Errorf("parse device jid %q: %w", creds.DeviceJID, err)
		}
		device, err = d.container.GetDevice(ctx, jid)
		if err != nil {
			return nil, fmt.Errorf("load device %s: %w", jid, err)
		}
		if device == nil {
			logrus.WithField("session", sessionID).Warnf("[WHATSAPP] Device %s missing from store, pairing again", jid)
		}
	}
	if device == nil {
		device = d.container.NewDevice()
	}

	client := whatsmeow.NewClient(device, waLog.Stdout(fmt.Sprintf("Client-%d", sessionID), d.logLevel, true))
	// Reconnection belongs to the supervisor.
	client.EnableAutoReconnect = false
	client.AutoTrustIdentity = true
	return newHandle(sessionID, client), nil
}
