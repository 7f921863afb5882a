package repository

import (
	"context"
	"errors"
	"time"

	"github.com/AzielCF/az-inbox/connection/domain/tenant"
	"gorm.io/gorm"
)

// --- Persistence Models ---

type companyModel struct {
	ID        int       `gorm:"primaryKey;column:id"`
	Name      string    `gorm:"column:name;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

func (companyModel) TableName() string { return "companies" }

type whatsappModel struct {
	ID        int       `gorm:"primaryKey;column:id"`
	CompanyID int       `gorm:"column:company_id;not null;index"`
	Name      string    `gorm:"column:name;not null"`
	Status    string    `gorm:"column:status;default:'OPENING'"`
	QRCode    string    `gorm:"column:qrcode;type:text"`
	Retries   int       `gorm:"column:retries;default:0"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

func (whatsappModel) TableName() string { return "whatsapps" }

// --- Repository Implementation ---

type TenantGormRepository struct {
	db *gorm.DB
}

func NewTenantGormRepository(db *gorm.DB) *TenantGormRepository {
	return &TenantGormRepository{db: db}
}

func (r *TenantGormRepository) Init(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&companyModel{}, &whatsappModel{})
}

func (r *TenantGormRepository) ListTenants(ctx context.Context) ([]tenant.Tenant, error) {
	var models []companyModel
	if err := r.db.WithContext(ctx).Order("id asc").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]tenant.Tenant, 0, len(models))
	for _, m := range models {
		out = append(out, tenant.Tenant{ID: m.ID, Name: m.Name})
	}
	return out, nil
}

func (r *TenantGormRepository) ListConnections(ctx context.Context, tenantID int) ([]tenant.Connection, error) {
	var models []whatsappModel
	if err := r.db.WithContext(ctx).Where("company_id = ?", tenantID).Order("id asc").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]tenant.Connection, 0, len(models))
	for _, m := range models {
		out = append(out, fromWhatsappModel(m))
	}
	return out, nil
}

func (r *TenantGormRepository) GetConnection(ctx context.Context, id int) (tenant.Connection, error) {
	var m whatsappModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tenant.Connection{}, tenant.ErrConnectionNotFound
		}
		return tenant.Connection{}, err
	}
	return fromWhatsappModel(m), nil
}

func (r *TenantGormRepository) UpdateConnectionState(ctx context.Context, id int, update tenant.StateUpdate) error {
	res := r.db.WithContext(ctx).Model(&whatsappModel{}).Where("id = ?", id).Updates(map[string]any{
		"status":     string(update.Status),
		"qrcode":     update.QRCode,
		"retries":    update.Retries,
		"updated_at": time.Now().UTC(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return tenant.ErrConnectionNotFound
	}
	return nil
}

// CreateTenant and CreateConnection exist for seeding and tests; tenant CRUD
// lives outside this service.
func (r *TenantGormRepository) CreateTenant(ctx context.Context, t tenant.Tenant) (tenant.Tenant, error) {
	now := time.Now().UTC()
	m := companyModel{ID: t.ID, Name: t.Name, CreatedAt: now, UpdatedAt: now}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return tenant.Tenant{}, err
	}
	return tenant.Tenant{ID: m.ID, Name: m.Name}, nil
}

func (r *TenantGormRepository) CreateConnection(ctx context.Context, c tenant.Connection) (tenant.Connection, error) {
	now := time.Now().UTC()
	if c.Status == "" {
		c.Status = tenant.StatusOpening
	}
	m := whatsappModel{
		ID:        c.ID,
		CompanyID: c.TenantID,
		Name:      c.Name,
		Status:    string(c.Status),
		QRCode:    c.QRCode,
		Retries:   c.Retries,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return tenant.Connection{}, err
	}
	return fromWhatsappModel(m), nil
}

func fromWhatsappModel(m whatsappModel) tenant.Connection {
	return tenant.Connection{
		ID:        m.ID,
		TenantID:  m.CompanyID,
		Name:      m.Name,
		Status:    tenant.Status(m.Status),
		QRCode:    m.QRCode,
		Retries:   m.Retries,
		UpdatedAt: m.UpdatedAt,
	}
}
