package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AzielCF/az-inbox/connection/domain/session"
	"github.com/sirupsen/logrus"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DeviceStore is the part of the whatsmeow container the credential store
// needs to drop a device's keys. *sqlstore.Container satisfies it.
type DeviceStore interface {
	GetDevice(ctx context.Context, jid types.JID) (*store.Device, error)
	DeleteDevice(ctx context.Context, device *store.Device) error
}

type credentialModel struct {
	SessionID int       `gorm:"primaryKey;autoIncrement:false;column:session_id"`
	DeviceJID string    `gorm:"column:device_jid;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

func (credentialModel) TableName() string { return "whatsapp_credentials" }

// CredentialStore maps sessions to the device JID they paired as. The keys
// themselves live in the whatsmeow store; Erase removes both.
type CredentialStore struct {
	db      *gorm.DB
	devices DeviceStore

	mu    sync.Mutex
	locks map[int]*sync.Mutex
}

func NewCredentialStore(db *gorm.DB, devices DeviceStore) *CredentialStore {
	return &CredentialStore{db: db, devices: devices, locks: make(map[int]*sync.Mutex)}
}

func (s *CredentialStore) Init(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&credentialModel{})
}

func (s *CredentialStore) lock(sessionID int) func() {
	s.mu.Lock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Load returns empty credentials for a session that never paired.
func (s *CredentialStore) Load(ctx context.Context, sessionID int) (session.Credentials, error) {
	defer s.lock(sessionID)()
	return s.load(ctx, sessionID)
}

func (s *CredentialStore) load(ctx context.Context, sessionID int) (session.Credentials, error) {
	var m credentialModel
	err := s.db.WithContext(ctx).First(&m, "session_id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return session.Credentials{}, nil
	}
	if err != nil {
		return session.Credentials{}, fmt.Errorf("load credentials of session %d: %w", sessionID, err)
	}
	return session.Credentials{DeviceJID: m.DeviceJID, UpdatedAt: m.UpdatedAt}, nil
}

func (s *CredentialStore) Save(ctx context.Context, sessionID int, creds session.Credentials) error {
	if creds.Fresh() {
		return fmt.Errorf("refusing to save empty credentials for session %d", sessionID)
	}
	defer s.lock(sessionID)()

	updatedAt := creds.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	m := credentialModel{SessionID: sessionID, DeviceJID: creds.DeviceJID, UpdatedAt: updatedAt.UTC()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"device_jid", "updated_at"}),
	}).Create(&m).Error
}

// Erase forgets the session's pairing. A device already gone from the
// whatsmeow store is not an error.
func (s *CredentialStore) Erase(ctx context.Context, sessionID int) error {
	defer s.lock(sessionID)()

	creds, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if creds.Fresh() {
		return nil
	}

	if s.devices != nil {
		if jid, err := types.ParseJID(creds.DeviceJID); err != nil {
			logrus.WithError(err).WithField("session", sessionID).Warn("[WHATSAPP] Stored device jid is invalid")
		} else if device, err := s.devices.GetDevice(ctx, jid); err != nil {
			return fmt.Errorf("load device %s: %w", jid, err)
		} else if device != nil {
			if err := s.devices.DeleteDevice(ctx, device); err != nil {
				return fmt.Errorf("delete device %s: %w", jid, err)
			}
		}
	}

	return s.db.WithContext(ctx).Delete(&credentialModel{}, "session_id = ?", sessionID).Error
}
