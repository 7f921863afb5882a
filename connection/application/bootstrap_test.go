package application

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/AzielCF/az-inbox/connection/domain/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTenants struct {
	recordingTenants
	tenants  []tenant.Tenant
	conns    map[int][]tenant.Connection
	listErr  error
	connErrs map[int]error
}

func (s *staticTenants) ListTenants(ctx context.Context) ([]tenant.Tenant, error) {
	return s.tenants, s.listErr
}

func (s *staticTenants) ListConnections(ctx context.Context, tenantID int) ([]tenant.Connection, error) {
	if err := s.connErrs[tenantID]; err != nil {
		return nil, err
	}
	return s.conns[tenantID], nil
}

type recordingStarter struct {
	mu      sync.Mutex
	started []int
	err     error
}

func (r *recordingStarter) InitSession(ctx context.Context, conn tenant.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, conn.ID)
	return r.err
}

func TestBootstrap_DispatchesEveryConnectionThenStartsPipeline(t *testing.T) {
	repo := &staticTenants{
		tenants: []tenant.Tenant{{ID: 1}, {ID: 2}, {ID: 3}},
		conns: map[int][]tenant.Connection{
			1: {{ID: 10, TenantID: 1}, {ID: 11, TenantID: 1}},
			2: {{ID: 20, TenantID: 2}},
		},
		connErrs: map[int]error{3: errors.New("db hiccup")},
	}
	sessions := &recordingStarter{err: errors.New("one bad session")}

	var order []string
	var slept time.Duration
	b := NewBootstrap(repo, sessions, 3*time.Second, 2,
		StarterFunc(func(ctx context.Context) error { order = append(order, "queues"); return nil }),
		StarterFunc(func(ctx context.Context) error { order = append(order, "reconciler"); return nil }),
	)
	b.sleep = func(ctx context.Context, d time.Duration) error {
		slept = d
		sessions.mu.Lock()
		defer sessions.mu.Unlock()
		// every dispatch was issued before the delay
		assert.Len(t, sessions.started, 3)
		return nil
	}

	require.NoError(t, b.Run(context.Background()))

	sort.Ints(sessions.started)
	assert.Equal(t, []int{10, 11, 20}, sessions.started)
	assert.Equal(t, 3*time.Second, slept)
	assert.Equal(t, []string{"queues", "reconciler"}, order)
}

func TestBootstrap_TenantListFailureIsFatal(t *testing.T) {
	repo := &staticTenants{listErr: errors.New("connection refused")}
	started := false
	b := NewBootstrap(repo, &recordingStarter{}, 0, 1,
		StarterFunc(func(ctx context.Context) error { started = true; return nil }))

	err := b.Run(context.Background())
	require.Error(t, err)
	assert.False(t, started)
}

func TestBootstrap_CancelledDuringDelay(t *testing.T) {
	repo := &staticTenants{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := NewBootstrap(repo, &recordingStarter{}, time.Hour, 1)
	assert.ErrorIs(t, b.Run(ctx), context.Canceled)
}
