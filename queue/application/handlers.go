package application

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/AzielCF/az-inbox/connection/domain/session"
	"github.com/AzielCF/az-inbox/queue/domain/job"
	"github.com/AzielCF/az-inbox/pkg/timeutils"
	"github.com/AzielCF/az-inbox/queue/domain/pending"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// SessionLookup resolves the live handle of a connection.
type SessionLookup interface {
	Get(sessionID int) (session.Handle, error)
}

func decode(j job.Job, v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload of job %s: %w", j.Kind, j.ID, err)
	}
	return nil
}

// retryable reports whether an item goes back to pending after a failed send.
// Items stay eligible for the reconciler until maxAttempts is reached.
func retryable(attempts, maxAttempts int) bool {
	return attempts < maxAttempts
}

// ScheduleHandler sends one scheduled message.
type ScheduleHandler struct {
	repo        pending.Repository
	sessions    SessionLookup
	maxAttempts int
	now         func() time.Time
}

func NewScheduleHandler(repo pending.Repository, sessions SessionLookup, maxAttempts int) *ScheduleHandler {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &ScheduleHandler{
		repo:        repo,
		sessions:    sessions,
		maxAttempts: maxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (h *ScheduleHandler) Handle(ctx context.Context, j job.Job) error {
	var p job.SchedulePayload
	if err := decode(j, &p); err != nil {
		return err
	}

	s, err := h.repo.GetSchedule(ctx, p.ScheduleID)
	if err != nil {
		return err
	}
	if s.Status == pending.ScheduleStatusSent || s.Status == pending.ScheduleStatusFailed {
		return nil
	}
	// a recurring schedule already moved to its next occurrence
	if s.SendAt.After(h.now()) {
		return nil
	}

	handle, err := h.sessions.Get(s.ConnectionID)
	if err != nil {
		return h.fail(ctx, s, fmt.Errorf("connection %d: %w", s.ConnectionID, err))
	}
	msgID, err := handle.SendText(ctx, s.ContactNumber, s.Body)
	if err != nil {
		return h.fail(ctx, s, err)
	}

	sentAt := h.now()
	update := pending.ScheduleUpdate{
		Status:   pending.ScheduleStatusSent,
		Attempts: s.Attempts,
		SentAt:   &sentAt,
	}
	if s.Recurring() {
		if next, err := timeutils.NextOccurrence(s.RecurrenceDays, s.RecurrenceTime, sentAt); err != nil {
			logrus.WithError(err).WithField("schedule", s.ID).Warn("[SCHEDULE] Invalid recurrence, not rescheduling")
		} else {
			update = pending.ScheduleUpdate{Status: pending.ScheduleStatusPending, SentAt: &sentAt, SendAt: &next}
		}
	}
	if err := h.repo.UpdateSchedule(ctx, s.ID, update); err != nil {
		return fmt.Errorf("record schedule %d delivery: %w", s.ID, err)
	}
	logrus.WithFields(logrus.Fields{"schedule": s.ID, "session": s.ConnectionID, "message": msgID}).Info("[SCHEDULE] Message sent")
	if update.SendAt != nil {
		logrus.WithField("schedule", s.ID).Infof("[SCHEDULE] Next occurrence at %s", update.SendAt.Format(time.RFC3339))
	}
	return nil
}

func (h *ScheduleHandler) fail(ctx context.Context, s pending.Schedule, cause error) error {
	if ctx.Err() != nil {
		// cut short by shutdown; the schedule stays queued for the reconciler
		logrus.WithError(cause).WithField("schedule", s.ID).Warn("[SCHEDULE] Send interrupted, attempt not counted")
		return cause
	}
	attempts := s.Attempts + 1
	status := pending.ScheduleStatusFailed
	if retryable(attempts, h.maxAttempts) {
		status = pending.ScheduleStatusPending
	}
	if err := h.repo.UpdateSchedule(context.WithoutCancel(ctx), s.ID, pending.ScheduleUpdate{
		Status:    status,
		Attempts:  attempts,
		LastError: cause.Error(),
		SentAt:    s.SentAt,
	}); err != nil {
		logrus.WithError(err).WithField("schedule", s.ID).Error("[SCHEDULE] Failed to record send failure")
	}
	return cause
}

// CampaignHandler delivers one shipping of a campaign. Sends through the same
// connection are throttled by a shared token bucket.
type CampaignHandler struct {
	repo        pending.Repository
	sessions    SessionLookup
	maxAttempts int
	limit       rate.Limit
	burst       int
	now         func() time.Time

	mu       sync.Mutex
	limiters map[int]*rate.Limiter
}

func NewCampaignHandler(repo pending.Repository, sessions SessionLookup, maxAttempts int, perSecond float64, burst int) *CampaignHandler {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &CampaignHandler{
		repo:        repo,
		sessions:    sessions,
		maxAttempts: maxAttempts,
		limit:       limit,
		burst:       burst,
		now:         func() time.Time { return time.Now().UTC() },
		limiters:    make(map[int]*rate.Limiter),
	}
}

func (h *CampaignHandler) limiter(connectionID int) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.limiters[connectionID]
	if !ok {
		l = rate.NewLimiter(h.limit, h.burst)
		h.limiters[connectionID] = l
	}
	return l
}

func (h *CampaignHandler) Handle(ctx context.Context, j job.Job) error {
	var p job.CampaignPayload
	if err := decode(j, &p); err != nil {
		return err
	}

	c, err := h.repo.GetCampaign(ctx, p.CampaignID)
	if err != nil {
		return err
	}
	if !c.Open() {
		logrus.WithField("campaign", c.ID).Debugf("[CAMPAIGN] Skipping shipping %d of %s campaign", p.ShippingID, c.Status)
		return nil
	}
	sh, err := h.repo.GetShipping(ctx, p.ShippingID)
	if err != nil {
		return err
	}
	if sh.Status.Terminal() {
		return nil
	}

	if err := h.limiter(c.ConnectionID).Wait(ctx); err != nil {
		return h.fail(ctx, sh, fmt.Errorf("throttle: %w", err))
	}

	handle, err := h.sessions.Get(c.ConnectionID)
	if err != nil {
		return h.fail(ctx, sh, fmt.Errorf("connection %d: %w", c.ConnectionID, err))
	}
	if _, err := handle.SendText(ctx, sh.Number, sh.Message); err != nil {
		return h.fail(ctx, sh, err)
	}

	deliveredAt := h.now()
	if err := h.repo.UpdateShipping(ctx, sh.ID, pending.ShippingUpdate{
		Status:      pending.ShippingStatusDelivered,
		Attempts:    sh.Attempts,
		DeliveredAt: &deliveredAt,
	}); err != nil {
		return fmt.Errorf("mark shipping %d delivered: %w", sh.ID, err)
	}
	logrus.WithFields(logrus.Fields{"campaign": c.ID, "shipping": sh.ID}).Debug("[CAMPAIGN] Shipping delivered")
	return nil
}

func (h *CampaignHandler) fail(ctx context.Context, sh pending.Shipping, cause error) error {
	if ctx.Err() != nil {
		logrus.WithError(cause).WithField("shipping", sh.ID).Warn("[CAMPAIGN] Delivery interrupted, attempt not counted")
		return cause
	}
	attempts := sh.Attempts + 1
	status := pending.ShippingStatusFailed
	if retryable(attempts, h.maxAttempts) {
		status = pending.ShippingStatusPending
	}
	if err := h.repo.UpdateShipping(context.WithoutCancel(ctx), sh.ID, pending.ShippingUpdate{
		Status:    status,
		Attempts:  attempts,
		LastError: cause.Error(),
	}); err != nil {
		logrus.WithError(err).WithField("shipping", sh.ID).Error("[CAMPAIGN] Failed to record delivery failure")
	}
	return cause
}
