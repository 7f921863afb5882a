package job

import (
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// SchedulePayload references a scheduled message by id.
type SchedulePayload struct {
	ScheduleID int `json:"schedule_id"`
}

func (p SchedulePayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.ScheduleID, validation.Required, validation.Min(1)),
	)
}

func (p SchedulePayload) Key() string {
	return fmt.Sprintf("schedule:%d", p.ScheduleID)
}

// CampaignPayload references one shipping (one recipient) of a campaign.
type CampaignPayload struct {
	CampaignID int `json:"campaign_id"`
	ShippingID int `json:"shipping_id"`
}

func (p CampaignPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.CampaignID, validation.Required, validation.Min(1)),
		validation.Field(&p.ShippingID, validation.Required, validation.Min(1)),
	)
}

func (p CampaignPayload) Key() string {
	return fmt.Sprintf("campaign:%d:%d", p.CampaignID, p.ShippingID)
}
