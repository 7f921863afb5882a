package pending

import (
	"context"
	"time"

	pkgError "github.com/AzielCF/az-inbox/pkg/error"
)

const (
	ErrScheduleNotFound = pkgError.NotFoundError("schedule not found")
	ErrCampaignNotFound = pkgError.NotFoundError("campaign not found")
	ErrShippingNotFound = pkgError.NotFoundError("campaign shipping not found")
)

type ScheduleStatus string

const (
	ScheduleStatusPending ScheduleStatus = "pending"
	ScheduleStatusQueued  ScheduleStatus = "queued"
	ScheduleStatusSent    ScheduleStatus = "sent"
	ScheduleStatusFailed  ScheduleStatus = "failed"
)

// Schedule is a single message to send at SendAt.
type Schedule struct {
	ID            int            `json:"id"`
	TenantID      int            `json:"tenant_id"`
	ConnectionID  int            `json:"connection_id"`
	ContactNumber string         `json:"contact_number"`
	Body          string         `json:"body"`
	SendAt        time.Time      `json:"send_at"`
	SentAt        *time.Time     `json:"sent_at,omitempty"`
	Status        ScheduleStatus `json:"status"`
	Attempts      int            `json:"attempts"`
	LastError     string         `json:"last_error,omitempty"`

	// RecurrenceDays lists weekdays (0 is Sunday) the message repeats on at
	// RecurrenceTime, "HH:MM" UTC. Empty means the schedule fires once.
	RecurrenceDays string `json:"recurrence_days,omitempty"`
	RecurrenceTime string `json:"recurrence_time,omitempty"`
}

func (s Schedule) Recurring() bool {
	return s.RecurrenceDays != "" && s.RecurrenceTime != ""
}

type CampaignStatus string

const (
	CampaignStatusPending    CampaignStatus = "pending"
	CampaignStatusProcessing CampaignStatus = "processing"
	CampaignStatusCompleted  CampaignStatus = "completed"
	CampaignStatusCanceled   CampaignStatus = "canceled"
)

type Campaign struct {
	ID           int            `json:"id"`
	TenantID     int            `json:"tenant_id"`
	ConnectionID int            `json:"connection_id"`
	Name         string         `json:"name"`
	Status       CampaignStatus `json:"status"`
	ScheduledAt  time.Time      `json:"scheduled_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// Open reports whether the campaign may still produce deliveries.
func (c Campaign) Open() bool {
	return c.Status == CampaignStatusPending || c.Status == CampaignStatusProcessing
}

type ShippingStatus string

const (
	ShippingStatusPending   ShippingStatus = "pending"
	ShippingStatusQueued    ShippingStatus = "queued"
	ShippingStatusDelivered ShippingStatus = "delivered"
	ShippingStatusFailed    ShippingStatus = "failed"
)

// Terminal reports whether the shipping needs no further work.
func (s ShippingStatus) Terminal() bool {
	return s == ShippingStatusDelivered || s == ShippingStatusFailed
}

// Shipping is one recipient of a campaign.
type Shipping struct {
	ID          int            `json:"id"`
	CampaignID  int            `json:"campaign_id"`
	Number      string         `json:"number"`
	Message     string         `json:"message"`
	Status      ShippingStatus `json:"status"`
	Attempts    int            `json:"attempts"`
	LastError   string         `json:"last_error,omitempty"`
	DeliveredAt *time.Time     `json:"delivered_at,omitempty"`
}

// ScheduleUpdate carries the mutable columns of a schedule.
type ScheduleUpdate struct {
	Status    ScheduleStatus
	Attempts  int
	LastError string
	SentAt    *time.Time
	// SendAt moves the next due time when set.
	SendAt *time.Time
}

// ShippingUpdate carries the mutable columns of a shipping.
type ShippingUpdate struct {
	Status      ShippingStatus
	Attempts    int
	LastError   string
	DeliveredAt *time.Time
}

// Repository reads and updates the persisted work the reconciler and the job
// handlers act on.
type Repository interface {
	// DueSchedules returns pending or queued schedules with SendAt <= now.
	DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error)
	GetSchedule(ctx context.Context, id int) (Schedule, error)
	UpdateSchedule(ctx context.Context, id int, update ScheduleUpdate) error

	// OpenCampaigns returns pending or processing campaigns scheduled at or
	// before now.
	OpenCampaigns(ctx context.Context, now time.Time) ([]Campaign, error)
	GetCampaign(ctx context.Context, id int) (Campaign, error)
	UpdateCampaignStatus(ctx context.Context, id int, status CampaignStatus, completedAt *time.Time) error

	ListShippings(ctx context.Context, campaignID int) ([]Shipping, error)
	GetShipping(ctx context.Context, id int) (Shipping, error)
	UpdateShipping(ctx context.Context, id int, update ShippingUpdate) error
}
