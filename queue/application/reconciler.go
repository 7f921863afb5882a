package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AzielCF/az-inbox/pkg/metrics"
	"github.com/AzielCF/az-inbox/queue/domain/job"
	"github.com/AzielCF/az-inbox/queue/domain/pending"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Enqueuer is the part of a Queue the reconciler drives.
type Enqueuer interface {
	Enqueue(ctx context.Context, key string, payload any) (string, error)
	HasLiveJob(ctx context.Context, key string) (bool, error)
}

// Locker provides a best-effort cross-process lock. Nil means single process.
// The token returned by TryLock identifies the holder to Unlock.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (token string, ok bool, err error)
	Unlock(ctx context.Context, name, token string) error
}

type ReconcilerConfig struct {
	CampaignInterval time.Duration
	ScheduleInterval time.Duration
	LockTTL          time.Duration
}

// Reconciler finds persisted work that is due but has no live job and
// enqueues it. It runs once at start and then on fixed intervals.
type Reconciler struct {
	repo      pending.Repository
	schedules Enqueuer
	campaigns Enqueuer
	locker    Locker
	cfg       ReconcilerConfig
	now       func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

func NewReconciler(repo pending.Repository, schedules, campaigns Enqueuer, locker Locker, cfg ReconcilerConfig) *Reconciler {
	if cfg.CampaignInterval <= 0 {
		cfg.CampaignInterval = time.Minute
	}
	if cfg.ScheduleInterval <= 0 {
		cfg.ScheduleInterval = 5 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = cfg.CampaignInterval - cfg.CampaignInterval/6
	}
	return &Reconciler{
		repo:      repo,
		schedules: schedules,
		campaigns: campaigns,
		locker:    locker,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start runs the startup pass and schedules the periodic passes. Scan errors
// are logged, never returned.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return nil
	}

	// The startup pass ignores the lock: a lock left by a previous process
	// must not delay recovery, and the live-job check filters duplicates.
	r.runSchedules(ctx, r.reconcileSchedules)
	r.runCampaigns(ctx, r.reconcileCampaigns)

	c := cron.New(cron.WithChain(
		cron.Recover(cron.PrintfLogger(logrus.StandardLogger())),
		cron.SkipIfStillRunning(cron.PrintfLogger(logrus.StandardLogger())),
	))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", r.cfg.CampaignInterval), func() { r.runCampaigns(ctx, r.ReconcileCampaigns) }); err != nil {
		return fmt.Errorf("schedule campaign reconciler: %w", err)
	}
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", r.cfg.ScheduleInterval), func() { r.runSchedules(ctx, r.ReconcileSchedules) }); err != nil {
		return fmt.Errorf("schedule schedule reconciler: %w", err)
	}
	c.Start()
	r.cron = c

	go func() {
		<-ctx.Done()
		r.Stop()
	}()

	logrus.Infof("[RECONCILER] Started (campaigns every %s, schedules every %s)", r.cfg.CampaignInterval, r.cfg.ScheduleInterval)
	return nil
}

// Stop halts periodic passes and waits for a running one to finish.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	c := r.cron
	r.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}

type pass func(ctx context.Context) (int, error)

func (r *Reconciler) runSchedules(ctx context.Context, run pass) {
	n, err := run(ctx)
	if err != nil {
		metrics.ReconcilerPasses.WithLabelValues(string(job.KindSchedule), "error").Inc()
		logrus.WithError(err).Error("[RECONCILER] Schedule pass failed")
		return
	}
	if n > 0 {
		logrus.Infof("[RECONCILER] Enqueued %d scheduled messages", n)
	}
}

func (r *Reconciler) runCampaigns(ctx context.Context, run pass) {
	n, err := run(ctx)
	if err != nil {
		metrics.ReconcilerPasses.WithLabelValues(string(job.KindCampaign), "error").Inc()
		logrus.WithError(err).Error("[RECONCILER] Campaign pass failed")
		return
	}
	if n > 0 {
		logrus.Infof("[RECONCILER] Enqueued %d campaign shippings", n)
	}
}

// locked runs fn under the cross-process lock for kind and releases the lock
// afterwards. The pass is skipped when another process holds it.
func (r *Reconciler) locked(ctx context.Context, kind job.Kind, fn pass) (int, error) {
	if r.locker == nil {
		return fn(ctx)
	}
	name := "reconciler:" + string(kind)
	token, ok, err := r.locker.TryLock(ctx, name, r.cfg.LockTTL)
	if err != nil {
		// Without the lock backend the pass still runs; duplicates are
		// filtered by the live-job check.
		logrus.WithError(err).Warnf("[RECONCILER] Lock %s unavailable, running unlocked", name)
		return fn(ctx)
	}
	if !ok {
		metrics.ReconcilerPasses.WithLabelValues(string(kind), "skipped").Inc()
		return 0, nil
	}
	defer func() {
		if err := r.locker.Unlock(context.WithoutCancel(ctx), name, token); err != nil {
			logrus.WithError(err).Warnf("[RECONCILER] Failed to release lock %s, it expires in %s", name, r.cfg.LockTTL)
		}
	}()
	return fn(ctx)
}

// needsJob decides whether an item with the given persisted status must be
// enqueued: pending always, queued only when its job is gone.
func needsJob(ctx context.Context, q Enqueuer, key string, queued bool) (bool, error) {
	if !queued {
		return true, nil
	}
	live, err := q.HasLiveJob(ctx, key)
	if err != nil {
		return false, err
	}
	return !live, nil
}

// ReconcileSchedules enqueues every due schedule that has no live job and
// returns how many were enqueued.
func (r *Reconciler) ReconcileSchedules(ctx context.Context) (int, error) {
	return r.locked(ctx, job.KindSchedule, r.reconcileSchedules)
}

func (r *Reconciler) reconcileSchedules(ctx context.Context) (int, error) {
	kind := string(job.KindSchedule)

	due, err := r.repo.DueSchedules(ctx, r.now())
	if err != nil {
		return 0, fmt.Errorf("list due schedules: %w", err)
	}

	enqueued := 0
	for _, s := range due {
		p := job.SchedulePayload{ScheduleID: s.ID}
		log := logrus.WithField("schedule", s.ID)

		need, err := needsJob(ctx, r.schedules, p.Key(), s.Status == pending.ScheduleStatusQueued)
		if err != nil {
			log.WithError(err).Warn("[RECONCILER] Live job check failed")
			continue
		}
		if !need {
			continue
		}

		// Mark first so a fast worker's final status is never overwritten.
		if s.Status != pending.ScheduleStatusQueued {
			if err := r.repo.UpdateSchedule(ctx, s.ID, pending.ScheduleUpdate{
				Status:    pending.ScheduleStatusQueued,
				Attempts:  s.Attempts,
				LastError: s.LastError,
				SentAt:    s.SentAt,
			}); err != nil {
				log.WithError(err).Warn("[RECONCILER] Failed to mark schedule queued")
				continue
			}
		}
		if _, err := r.schedules.Enqueue(ctx, p.Key(), p); err != nil {
			log.WithError(err).Warn("[RECONCILER] Failed to enqueue schedule")
			_ = r.repo.UpdateSchedule(ctx, s.ID, pending.ScheduleUpdate{
				Status:    pending.ScheduleStatusPending,
				Attempts:  s.Attempts,
				LastError: err.Error(),
				SentAt:    s.SentAt,
			})
			continue
		}
		enqueued++
	}

	metrics.ReconcilerPasses.WithLabelValues(kind, "ok").Inc()
	metrics.ReconcilerEnqueued.WithLabelValues(kind).Add(float64(enqueued))
	return enqueued, nil
}

// ReconcileCampaigns enqueues one job per outstanding shipping of every open
// campaign and closes campaigns whose shippings are all terminal.
func (r *Reconciler) ReconcileCampaigns(ctx context.Context) (int, error) {
	return r.locked(ctx, job.KindCampaign, r.reconcileCampaigns)
}

func (r *Reconciler) reconcileCampaigns(ctx context.Context) (int, error) {
	kind := string(job.KindCampaign)

	now := r.now()
	campaigns, err := r.repo.OpenCampaigns(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list open campaigns: %w", err)
	}

	enqueued := 0
	for _, c := range campaigns {
		log := logrus.WithField("campaign", c.ID)

		if c.Status == pending.CampaignStatusPending {
			if err := r.repo.UpdateCampaignStatus(ctx, c.ID, pending.CampaignStatusProcessing, nil); err != nil {
				log.WithError(err).Warn("[RECONCILER] Failed to start campaign")
				continue
			}
		}

		shippings, err := r.repo.ListShippings(ctx, c.ID)
		if err != nil {
			log.WithError(err).Warn("[RECONCILER] Failed to list shippings")
			continue
		}

		outstanding := 0
		for _, sh := range shippings {
			if sh.Status.Terminal() {
				continue
			}
			outstanding++

			p := job.CampaignPayload{CampaignID: c.ID, ShippingID: sh.ID}
			need, err := needsJob(ctx, r.campaigns, p.Key(), sh.Status == pending.ShippingStatusQueued)
			if err != nil {
				log.WithError(err).WithField("shipping", sh.ID).Warn("[RECONCILER] Live job check failed")
				continue
			}
			if !need {
				continue
			}

			if sh.Status != pending.ShippingStatusQueued {
				if err := r.repo.UpdateShipping(ctx, sh.ID, pending.ShippingUpdate{
					Status:    pending.ShippingStatusQueued,
					Attempts:  sh.Attempts,
					LastError: sh.LastError,
				}); err != nil {
					log.WithError(err).WithField("shipping", sh.ID).Warn("[RECONCILER] Failed to mark shipping queued")
					continue
				}
			}
			if _, err := r.campaigns.Enqueue(ctx, p.Key(), p); err != nil {
				log.WithError(err).WithField("shipping", sh.ID).Warn("[RECONCILER] Failed to enqueue shipping")
				_ = r.repo.UpdateShipping(ctx, sh.ID, pending.ShippingUpdate{
					Status:    pending.ShippingStatusPending,
					Attempts:  sh.Attempts,
					LastError: err.Error(),
				})
				continue
			}
			enqueued++
		}

		if outstanding == 0 {
			completedAt := now
			if err := r.repo.UpdateCampaignStatus(ctx, c.ID, pending.CampaignStatusCompleted, &completedAt); err != nil {
				log.WithError(err).Warn("[RECONCILER] Failed to complete campaign")
				continue
			}
			log.Info("[RECONCILER] Campaign completed")
		}
	}

	metrics.ReconcilerPasses.WithLabelValues(kind, "ok").Inc()
	metrics.ReconcilerEnqueued.WithLabelValues(kind).Add(float64(enqueued))
	return enqueued, nil
}
