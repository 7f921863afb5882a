package application

import (
	"context"
	"fmt"
	"time"

	"github.com/AzielCF/az-inbox/connection/domain/tenant"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// SessionStarter is the part of the supervisor bootstrap needs.
type SessionStarter interface {
	InitSession(ctx context.Context, conn tenant.Connection) error
}

// Starter is a background component started once sessions were dispatched.
type Starter interface {
	Start(ctx context.Context) error
}

// StarterFunc adapts a function to Starter.
type StarterFunc func(ctx context.Context) error

func (f StarterFunc) Start(ctx context.Context) error { return f(ctx) }

// Bootstrap brings every tenant's sessions up at process start and then
// starts the job pipeline.
type Bootstrap struct {
	tenants  tenant.Repository
	sessions SessionStarter
	delay    time.Duration
	parallel int
	after    []Starter
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewBootstrap creates the orchestrator. The after components are started in
// order once delay has elapsed after dispatch.
func NewBootstrap(tenants tenant.Repository, sessions SessionStarter, delay time.Duration, parallel int, after ...Starter) *Bootstrap {
	if parallel <= 0 {
		parallel = 8
	}
	return &Bootstrap{
		tenants:  tenants,
		sessions: sessions,
		delay:    delay,
		parallel: parallel,
		after:    after,
		sleep:    sleepCtx,
	}
}

// Run fails only when the tenant list cannot be read. Per-session failures
// are logged and left to the supervisor.
func (b *Bootstrap) Run(ctx context.Context) error {
	tenants, err := b.tenants.ListTenants(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: list tenants: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(b.parallel)

	dispatched := 0
	for _, t := range tenants {
		conns, err := b.tenants.ListConnections(ctx, t.ID)
		if err != nil {
			logrus.WithError(err).WithField("tenant", t.ID).Error("[BOOTSTRAP] Failed to list connections")
			continue
		}
		for _, c := range conns {
			conn := c
			dispatched++
			g.Go(func() error {
				if err := b.sessions.InitSession(ctx, conn); err != nil {
					logrus.WithError(err).WithFields(logrus.Fields{"tenant": conn.TenantID, "session": conn.ID}).Error("[BOOTSTRAP] Failed to start session")
				}
				return nil
			})
		}
	}
	_ = g.Wait()
	logrus.Infof("[BOOTSTRAP] Dispatched %d sessions for %d tenants", dispatched, len(tenants))

	if err := b.sleep(ctx, b.delay); err != nil {
		return err
	}

	for _, s := range b.after {
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("bootstrap: start component: %w", err)
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
