package repository

import (
	"context"
	"errors"
	"time"

	"github.com/AzielCF/az-inbox/queue/domain/pending"
	"gorm.io/gorm"
)

// --- Persistence Models ---

type scheduleModel struct {
	ID            int        `gorm:"primaryKey;column:id"`
	CompanyID     int        `gorm:"column:company_id;not null;index"`
	WhatsappID    int        `gorm:"column:whatsapp_id;not null"`
	ContactNumber string     `gorm:"column:contact_number;not null"`
	Body          string     `gorm:"column:body;type:text"`
	SendAt        time.Time  `gorm:"column:send_at;not null;index"`
	SentAt        *time.Time `gorm:"column:sent_at"`
	Status        string     `gorm:"column:status;default:'pending';index"`
	Attempts      int        `gorm:"column:attempts;default:0"`
	LastError     string     `gorm:"column:last_error;type:text"`
	RecurDays     string     `gorm:"column:recurrence_days"`
	RecurTime     string     `gorm:"column:recurrence_time"`
	CreatedAt     time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;not null"`
}

func (scheduleModel) TableName() string { return "schedules" }

type campaignModel struct {
	ID          int        `gorm:"primaryKey;column:id"`
	CompanyID   int        `gorm:"column:company_id;not null;index"`
	WhatsappID  int        `gorm:"column:whatsapp_id;not null"`
	Name        string     `gorm:"column:name;not null"`
	Status      string     `gorm:"column:status;default:'pending';index"`
	ScheduledAt time.Time  `gorm:"column:scheduled_at;not null"`
	CompletedAt *time.Time `gorm:"column:completed_at"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;not null"`
}

func (campaignModel) TableName() string { return "campaigns" }

type shippingModel struct {
	ID          int        `gorm:"primaryKey;column:id"`
	CampaignID  int        `gorm:"column:campaign_id;not null;index"`
	Number      string     `gorm:"column:number;not null"`
	Message     string     `gorm:"column:message;type:text"`
	Status      string     `gorm:"column:status;default:'pending'"`
	Attempts    int        `gorm:"column:attempts;default:0"`
	LastError   string     `gorm:"column:last_error;type:text"`
	DeliveredAt *time.Time `gorm:"column:delivered_at"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;not null"`
}

func (shippingModel) TableName() string { return "campaign_shippings" }

// --- Repository Implementation ---

type PendingGormRepository struct {
	db *gorm.DB
}

func NewPendingGormRepository(db *gorm.DB) *PendingGormRepository {
	return &PendingGormRepository{db: db}
}

func (r *PendingGormRepository) Init(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&scheduleModel{}, &campaignModel{}, &shippingModel{})
}

// Schedules

func (r *PendingGormRepository) DueSchedules(ctx context.Context, now time.Time) ([]pending.Schedule, error) {
	var models []scheduleModel
	err := r.db.WithContext(ctx).
		Where("status IN ? AND send_at <= ?", []string{string(pending.ScheduleStatusPending), string(pending.ScheduleStatusQueued)}, now.UTC()).
		Order("send_at asc").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]pending.Schedule, 0, len(models))
	for _, m := range models {
		out = append(out, fromScheduleModel(m))
	}
	return out, nil
}

func (r *PendingGormRepository) GetSchedule(ctx context.Context, id int) (pending.Schedule, error) {
	var m scheduleModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return pending.Schedule{}, pending.ErrScheduleNotFound
		}
		return pending.Schedule{}, err
	}
	return fromScheduleModel(m), nil
}

func (r *PendingGormRepository) UpdateSchedule(ctx context.Context, id int, update pending.ScheduleUpdate) error {
	columns := map[string]any{
		"status":     string(update.Status),
		"attempts":   update.Attempts,
		"last_error": update.LastError,
		"sent_at":    update.SentAt,
		"updated_at": time.Now().UTC(),
	}
	if update.SendAt != nil {
		columns["send_at"] = update.SendAt.UTC()
	}
	res := r.db.WithContext(ctx).Model(&scheduleModel{}).Where("id = ?", id).Updates(columns)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pending.ErrScheduleNotFound
	}
	return nil
}

func (r *PendingGormRepository) CreateSchedule(ctx context.Context, s pending.Schedule) (pending.Schedule, error) {
	now := time.Now().UTC()
	if s.Status == "" {
		s.Status = pending.ScheduleStatusPending
	}
	m := scheduleModel{
		ID:            s.ID,
		CompanyID:     s.TenantID,
		WhatsappID:    s.ConnectionID,
		ContactNumber: s.ContactNumber,
		Body:          s.Body,
		SendAt:        s.SendAt.UTC(),
		Status:        string(s.Status),
		Attempts:      s.Attempts,
		RecurDays:     s.RecurrenceDays,
		RecurTime:     s.RecurrenceTime,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return pending.Schedule{}, err
	}
	return fromScheduleModel(m), nil
}

// Campaigns

func (r *PendingGormRepository) OpenCampaigns(ctx context.Context, now time.Time) ([]pending.Campaign, error) {
	var models []campaignModel
	err := r.db.WithContext(ctx).
		Where("status IN ? AND scheduled_at <= ?", []string{string(pending.CampaignStatusPending), string(pending.CampaignStatusProcessing)}, now.UTC()).
		Order("scheduled_at asc").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]pending.Campaign, 0, len(models))
	for _, m := range models {
		out = append(out, fromCampaignModel(m))
	}
	return out, nil
}

func (r *PendingGormRepository) GetCampaign(ctx context.Context, id int) (pending.Campaign, error) {
	var m campaignModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return pending.Campaign{}, pending.ErrCampaignNotFound
		}
		return pending.Campaign{}, err
	}
	return fromCampaignModel(m), nil
}

func (r *PendingGormRepository) UpdateCampaignStatus(ctx context.Context, id int, status pending.CampaignStatus, completedAt *time.Time) error {
	res := r.db.WithContext(ctx).Model(&campaignModel{}).Where("id = ?", id).Updates(map[string]any{
		"status":       string(status),
		"completed_at": completedAt,
		"updated_at":   time.Now().UTC(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pending.ErrCampaignNotFound
	}
	return nil
}

func (r *PendingGormRepository) CreateCampaign(ctx context.Context, c pending.Campaign, shippings []pending.Shipping) (pending.Campaign, error) {
	now := time.Now().UTC()
	if c.Status == "" {
		c.Status = pending.CampaignStatusPending
	}
	m := campaignModel{
		ID:          c.ID,
		CompanyID:   c.TenantID,
		WhatsappID:  c.ConnectionID,
		Name:        c.Name,
		Status:      string(c.Status),
		ScheduledAt: c.ScheduledAt.UTC(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&m).Error; err != nil {
			return err
		}
		for _, s := range shippings {
			status := s.Status
			if status == "" {
				status = pending.ShippingStatusPending
			}
			sm := shippingModel{
				ID:         s.ID,
				CampaignID: m.ID,
				Number:     s.Number,
				Message:    s.Message,
				Status:     string(status),
				Attempts:   s.Attempts,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := tx.Create(&sm).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return pending.Campaign{}, err
	}
	return fromCampaignModel(m), nil
}

// Shippings

func (r *PendingGormRepository) ListShippings(ctx context.Context, campaignID int) ([]pending.Shipping, error) {
	var models []shippingModel
	if err := r.db.WithContext(ctx).Where("campaign_id = ?", campaignID).Order("id asc").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]pending.Shipping, 0, len(models))
	for _, m := range models {
		out = append(out, fromShippingModel(m))
	}
	return out, nil
}

func (r *PendingGormRepository) GetShipping(ctx context.Context, id int) (pending.Shipping, error) {
	var m shippingModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return pending.Shipping{}, pending.ErrShippingNotFound
		}
		return pending.Shipping{}, err
	}
	return fromShippingModel(m), nil
}

func (r *PendingGormRepository) UpdateShipping(ctx context.Context, id int, update pending.ShippingUpdate) error {
	res := r.db.WithContext(ctx).Model(&shippingModel{}).Where("id = ?", id).Updates(map[string]any{
		"status":       string(update.Status),
		"attempts":     update.Attempts,
		"last_error":   update.LastError,
		"delivered_at": update.DeliveredAt,
		"updated_at":   time.Now().UTC(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pending.ErrShippingNotFound
	}
	return nil
}

func fromScheduleModel(m scheduleModel) pending.Schedule {
	return pending.Schedule{
		ID:             m.ID,
		TenantID:       m.CompanyID,
		ConnectionID:   m.WhatsappID,
		ContactNumber:  m.ContactNumber,
		Body:           m.Body,
		SendAt:         m.SendAt,
		SentAt:         m.SentAt,
		Status:         pending.ScheduleStatus(m.Status),
		Attempts:       m.Attempts,
		LastError:      m.LastError,
		RecurrenceDays: m.RecurDays,
		RecurrenceTime: m.RecurTime,
	}
}

func fromCampaignModel(m campaignModel) pending.Campaign {
	return pending.Campaign{
		ID:           m.ID,
		TenantID:     m.CompanyID,
		ConnectionID: m.WhatsappID,
		Name:         m.Name,
		Status:       pending.CampaignStatus(m.Status),
		ScheduledAt:  m.ScheduledAt,
		CompletedAt:  m.CompletedAt,
	}
}

func fromShippingModel(m shippingModel) pending.Shipping {
	return pending.Shipping{
		ID:          m.ID,
		CampaignID:  m.CampaignID,
		Number:      m.Number,
		Message:     m.Message,
		Status:      pending.ShippingStatus(m.Status),
		Attempts:    m.Attempts,
		LastError:   m.LastError,
		DeliveredAt: m.DeliveredAt,
	}
}
