package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AzielCF/az-inbox/connection/domain/session"
	"github.com/AzielCF/az-inbox/connection/domain/tenant"
	"github.com/AzielCF/az-inbox/connection/repository"
	"github.com/AzielCF/az-inbox/domains/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type fakeHandle struct {
	mu       sync.Mutex
	sink     func(session.Event)
	opened   chan struct{}
	openErr  error
	closed   int
	loggedIn bool
	onMsg    func(session.IncomingMessage)
	onMsgSet int
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{opened: make(chan struct{})}
}

func (h *fakeHandle) Open(ctx context.Context, sink func(session.Event)) error {
	h.mu.Lock()
	h.sink = sink
	h.mu.Unlock()
	close(h.opened)
	return h.openErr
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	h.closed++
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) Logout(ctx context.Context) error {
	h.mu.Lock()
	h.loggedIn = false
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) SendText(ctx context.Context, to, text string) (string, error) {
	return "msg-1", nil
}

func (h *fakeHandle) OnMessage(fn func(session.IncomingMessage)) {
	h.mu.Lock()
	h.onMsg = fn
	h.onMsgSet++
	h.mu.Unlock()
}

func (h *fakeHandle) emit(t *testing.T, ev session.Event) {
	t.Helper()
	select {
	case <-h.opened:
	case <-time.After(2 * time.Second):
		t.Fatal("handle was never opened")
	}
	h.mu.Lock()
	sink := h.sink
	h.mu.Unlock()
	sink(ev)
}

func (h *fakeHandle) closeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

type fakeDialer struct {
	mu      sync.Mutex
	handles []*fakeHandle
	openErr error
	err     error
}

func (d *fakeDialer) Dial(ctx context.Context, sessionID int, creds session.Credentials) (session.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	h := newFakeHandle()
	h.openErr = d.openErr
	d.handles = append(d.handles, h)
	return h, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handles)
}

func (d *fakeDialer) handle(i int) *fakeHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handles[i]
}

type mockCredentialStore struct {
	mock.Mock
}

func (m *mockCredentialStore) Load(ctx context.Context, sessionID int) (session.Credentials, error) {
	args := m.Called(ctx, sessionID)
	return args.Get(0).(session.Credentials), args.Error(1)
}

func (m *mockCredentialStore) Save(ctx context.Context, sessionID int, creds session.Credentials) error {
	return m.Called(ctx, sessionID, creds).Error(0)
}

func (m *mockCredentialStore) Erase(ctx context.Context, sessionID int) error {
	return m.Called(ctx, sessionID).Error(0)
}

type recordingTenants struct {
	mu      sync.Mutex
	updates map[int][]tenant.StateUpdate
}

func newRecordingTenants() *recordingTenants {
	return &recordingTenants{updates: make(map[int][]tenant.StateUpdate)}
}

func (r *recordingTenants) ListTenants(ctx context.Context) ([]tenant.Tenant, error) {
	return nil, nil
}

func (r *recordingTenants) ListConnections(ctx context.Context, tenantID int) ([]tenant.Connection, error) {
	return nil, nil
}

func (r *recordingTenants) GetConnection(ctx context.Context, id int) (tenant.Connection, error) {
	return tenant.Connection{}, tenant.ErrConnectionNotFound
}

func (r *recordingTenants) UpdateConnectionState(ctx context.Context, id int, update tenant.StateUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates[id] = append(r.updates[id], update)
	return nil
}

func (r *recordingTenants) last(id int) tenant.StateUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.updates[id]
	if len(u) == 0 {
		return tenant.StateUpdate{}
	}
	return u[len(u)-1]
}

type recordingNotifier struct {
	mu     sync.Mutex
	events map[string][]realtime.Event
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{events: make(map[string][]realtime.Event)}
}

func (n *recordingNotifier) Publish(ctx context.Context, topic string, event realtime.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events[topic] = append(n.events[topic], event)
	return nil
}

func (n *recordingNotifier) on(topic string) []realtime.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]realtime.Event(nil), n.events[topic]...)
}

type countingHook struct {
	mu    sync.Mutex
	calls int
}

func (c *countingHook) Attach(conn tenant.Connection, h session.Handle) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
}

func (c *countingHook) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) afterFunc(d time.Duration, f func()) stopFunc {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		was := !t.stopped
		t.stopped = true
		return was
	}
}

func (c *fakeClock) pending() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped {
			out = append(out, t)
		}
	}
	return out
}

// fire runs the timer callback the way time.AfterFunc would, ignoring
// whether it was stopped.
func (c *fakeClock) fire(t *fakeTimer) {
	t.f()
}

type harness struct {
	sup      *Supervisor
	registry *repository.MemoryRegistry
	dialer   *fakeDialer
	creds    *mockCredentialStore
	tenants  *recordingTenants
	notifier *recordingNotifier
	hook     *countingHook
	clock    *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		registry: repository.NewMemoryRegistry(),
		dialer:   &fakeDialer{},
		creds:    &mockCredentialStore{},
		tenants:  newRecordingTenants(),
		notifier: newRecordingNotifier(),
		hook:     &countingHook{},
		clock:    &fakeClock{},
	}
	h.creds.On("Load", mock.Anything, mock.Anything).Return(session.Credentials{}, nil).Maybe()
	h.sup = NewSupervisor(h.registry, h.tenants, h.creds, h.dialer, h.notifier,
		WithIngestionHook(h.hook),
		WithReconnectPolicy(ReconnectPolicy{Delay: 5 * time.Second}),
	)
	h.sup.afterFunc = h.clock.afterFunc
	t.Cleanup(func() { h.sup.Shutdown(context.Background()) })
	return h
}

var testConn = tenant.Connection{ID: 42, TenantID: 7, Name: "sales"}

// --- tests ---

func TestSupervisor_QRThenOpen(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.InitSession(context.Background(), testConn))

	handle := h.dialer.handle(0)
	handle.emit(t, session.Event{Type: session.EventQR, QR: "qr-1"})
	handle.emit(t, session.Event{Type: session.EventQR, QR: "qr-2"})

	last := h.tenants.last(42)
	assert.Equal(t, tenant.StatusQRCode, last.Status)
	assert.Equal(t, "qr-2", last.QRCode, "latest QR wins")

	info, err := h.sup.Info(42)
	require.NoError(t, err)
	assert.Equal(t, session.StateConnecting, info.State)

	handle.emit(t, session.Event{Type: session.EventOpen})
	handle.emit(t, session.Event{Type: session.EventOpen})

	last = h.tenants.last(42)
	assert.Equal(t, tenant.StatusConnected, last.Status)
	assert.Empty(t, last.QRCode)
	assert.Equal(t, 0, last.Retries)
	assert.Equal(t, 1, h.hook.count(), "ingestion hook attaches once per transition")

	events := h.notifier.on(realtime.SessionTopic(7))
	require.Len(t, events, 3)
	assert.Equal(t, realtime.ActionUpdate, events[2].Action)
	assert.Equal(t, "CONNECTED", events[2].Session.Status)
}

func TestSupervisor_LogoutErasesAndDoesNotReconnect(t *testing.T) {
	h := newHarness(t)
	h.creds.On("Erase", mock.Anything, 42).Return(nil).Once()

	require.NoError(t, h.sup.InitSession(context.Background(), testConn))
	handle := h.dialer.handle(0)
	handle.emit(t, session.Event{Type: session.EventOpen})
	handle.emit(t, session.Event{Type: session.EventClose, Reason: session.ReasonLoggedOut})

	h.creds.AssertExpectations(t)
	assert.Equal(t, tenant.StatusClosed, h.tenants.last(42).Status)
	assert.Empty(t, h.clock.pending(), "logout must not schedule a reconnect")
	assert.Equal(t, 1, h.dialer.count())

	_, err := h.registry.Get(42)
	assert.True(t, errors.Is(err, session.ErrSessionNotFound))

	info, err := h.sup.Info(42)
	require.NoError(t, err)
	assert.Equal(t, session.StateLoggedOut, info.State)

	events := h.notifier.on(realtime.SessionTopic(7))
	assert.Equal(t, "CLOSED", events[len(events)-1].Session.Status)

	// later events from the dead handle are ignored
	handle.emit(t, session.Event{Type: session.EventClose, Reason: session.ReasonConnectionLost})
	assert.Empty(t, h.clock.pending())
}

func TestSupervisor_NonLogoutCloseReconnects(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.InitSession(context.Background(), testConn))

	first := h.dialer.handle(0)
	first.emit(t, session.Event{Type: session.EventOpen})
	first.emit(t, session.Event{Type: session.EventClose, Reason: session.ReasonConnectionLost})

	last := h.tenants.last(42)
	assert.Equal(t, tenant.StatusOpening, last.Status)
	assert.Equal(t, 1, last.Retries)

	timers := h.clock.pending()
	require.Len(t, timers, 1)
	assert.Equal(t, 5*time.Second, timers[0].d)

	before, _ := h.registry.Lookup(42)
	h.clock.fire(timers[0])

	assert.Equal(t, 2, h.dialer.count(), "timer re-enters InitSession")
	after, ok := h.registry.Lookup(42)
	require.True(t, ok)
	assert.Greater(t, after.Generation, before.Generation)
	assert.Equal(t, 1, first.closeCount(), "old handle closed before replacement")

	second := h.dialer.handle(1)
	second.emit(t, session.Event{Type: session.EventOpen})
	assert.Equal(t, tenant.StatusConnected, h.tenants.last(42).Status)
	assert.Equal(t, 0, h.tenants.last(42).Retries)
	assert.Equal(t, 2, h.hook.count())
}

func TestSupervisor_StaleReconnectIsNoop(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.InitSession(context.Background(), testConn))

	first := h.dialer.handle(0)
	first.emit(t, session.Event{Type: session.EventClose, Reason: session.ReasonRestartRequired})
	timers := h.clock.pending()
	require.Len(t, timers, 1)

	// An explicit restart supersedes the pending reconnect.
	require.NoError(t, h.sup.InitSession(context.Background(), testConn))
	assert.Empty(t, h.clock.pending())
	assert.Equal(t, 2, h.dialer.count())

	// Even if the timer fires anyway, its generation no longer matches.
	h.clock.fire(timers[0])
	assert.Equal(t, 2, h.dialer.count())

	// Events from the superseded handle are dropped too.
	first.emit(t, session.Event{Type: session.EventClose, Reason: session.ReasonConnectionLost})
	assert.Empty(t, h.clock.pending())
}

func TestSupervisor_ReconnectAfterRemovalIsNoop(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.InitSession(context.Background(), testConn))

	h.dialer.handle(0).emit(t, session.Event{Type: session.EventClose, Reason: session.ReasonConnectionLost})
	timers := h.clock.pending()
	require.Len(t, timers, 1)

	h.registry.Remove(42)
	h.clock.fire(timers[0])
	assert.Equal(t, 1, h.dialer.count())
}

func TestSupervisor_OpenErrorRoutesThroughClose(t *testing.T) {
	h := newHarness(t)
	h.dialer.openErr = errors.New("dial tcp: refused")

	require.NoError(t, h.sup.InitSession(context.Background(), testConn))

	require.Eventually(t, func() bool {
		return len(h.clock.pending()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, tenant.StatusOpening, h.tenants.last(42).Status)
}

func TestSupervisor_CredentialUpdatePersists(t *testing.T) {
	h := newHarness(t)
	creds := session.Credentials{DeviceJID: "5511999999999.0:1@s.whatsapp.net"}
	h.creds.On("Save", mock.Anything, 42, creds).Return(nil).Once()

	require.NoError(t, h.sup.InitSession(context.Background(), testConn))
	h.dialer.handle(0).emit(t, session.Event{Type: session.EventCredsUpdate, Creds: creds})

	h.creds.AssertExpectations(t)
	info, _ := h.sup.Info(42)
	assert.Equal(t, session.StateConnecting, info.State, "credential updates do not transition")
}

func TestSupervisor_StopSession(t *testing.T) {
	h := newHarness(t)
	h.creds.On("Erase", mock.Anything, 42).Return(nil).Once()

	assert.True(t, errors.Is(h.sup.StopSession(context.Background(), 42, false), session.ErrSessionNotFound))

	require.NoError(t, h.sup.InitSession(context.Background(), testConn))
	handle := h.dialer.handle(0)
	handle.emit(t, session.Event{Type: session.EventOpen})

	require.NoError(t, h.sup.StopSession(context.Background(), 42, true))
	h.creds.AssertExpectations(t)
	assert.Equal(t, 1, handle.closeCount())
	assert.Equal(t, 0, h.registry.Len())
	assert.Equal(t, tenant.StatusClosed, h.tenants.last(42).Status)

	assert.True(t, errors.Is(h.sup.StopSession(context.Background(), 42, false), session.ErrSessionNotFound))
}

func TestSupervisor_DialFailureLeavesNoEntry(t *testing.T) {
	h := newHarness(t)
	h.dialer.err = errors.New("store unavailable")

	err := h.sup.InitSession(context.Background(), testConn)
	require.Error(t, err)
	assert.Equal(t, 0, h.registry.Len())
}

func TestSupervisor_ShutdownClosesHandles(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.InitSession(context.Background(), testConn))
	other := tenant.Connection{ID: 43, TenantID: 8}
	require.NoError(t, h.sup.InitSession(context.Background(), other))

	h.dialer.handle(0).emit(t, session.Event{Type: session.EventClose, Reason: session.ReasonConnectionLost})
	require.Len(t, h.clock.pending(), 1)

	h.sup.Shutdown(context.Background())

	assert.Equal(t, 0, h.registry.Len())
	assert.Equal(t, 1, h.dialer.handle(0).closeCount())
	assert.Equal(t, 1, h.dialer.handle(1).closeCount())
	assert.Empty(t, h.clock.pending())
	assert.Error(t, h.sup.InitSession(context.Background(), testConn))

	snap := h.sup.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, 42, snap[0].SessionID)
}

func TestSupervisor_RecoveredSessionCancelsReconnect(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.InitSession(context.Background(), testConn))

	handle := h.dialer.handle(0)
	handle.emit(t, session.Event{Type: session.EventOpen})
	handle.emit(t, session.Event{Type: session.EventClose, Reason: session.ReasonConnectionLost})
	timers := h.clock.pending()
	require.Len(t, timers, 1)

	// the same handle comes back before the delay elapses
	handle.emit(t, session.Event{Type: session.EventOpen})
	assert.Empty(t, h.clock.pending())

	h.clock.fire(timers[0])
	assert.Equal(t, 1, h.dialer.count(), "connected session is not redialed")
	assert.Equal(t, 0, handle.closeCount())

	info, err := h.sup.Info(42)
	require.NoError(t, err)
	assert.Equal(t, session.StateConnected, info.State)
	assert.Equal(t, tenant.StatusConnected, h.tenants.last(42).Status)
}

func TestSupervisor_FailedReconnectDialKeepsRetryingWithoutEntry(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.InitSession(context.Background(), testConn))
	h.dialer.handle(0).emit(t, session.Event{Type: session.EventClose, Reason: session.ReasonConnectionLost})
	timers := h.clock.pending()
	require.Len(t, timers, 1)

	h.dialer.mu.Lock()
	h.dialer.err = errors.New("store unavailable")
	h.dialer.mu.Unlock()
	h.clock.fire(timers[0])

	_, err := h.registry.Get(42)
	assert.ErrorIs(t, err, session.ErrSessionNotFound, "no dead handle is left in the registry")
	assert.Equal(t, 0, h.registry.Len())
	assert.Equal(t, 2, h.tenants.last(42).Retries)

	retry := h.clock.pending()
	require.Len(t, retry, 1)

	h.dialer.mu.Lock()
	h.dialer.err = nil
	h.dialer.mu.Unlock()
	h.clock.fire(retry[0])

	assert.Equal(t, 2, h.dialer.count())
	_, err = h.registry.Get(42)
	assert.NoError(t, err)
}

func TestSupervisor_StopSessionCancelsDialRetry(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.InitSession(context.Background(), testConn))
	h.dialer.handle(0).emit(t, session.Event{Type: session.EventClose, Reason: session.ReasonConnectionLost})

	h.dialer.mu.Lock()
	h.dialer.err = errors.New("store unavailable")
	h.dialer.mu.Unlock()
	h.clock.fire(h.clock.pending()[0])
	retry := h.clock.pending()
	require.Len(t, retry, 1)

	require.NoError(t, h.sup.StopSession(context.Background(), 42, false))
	assert.Empty(t, h.clock.pending())

	h.dialer.mu.Lock()
	h.dialer.err = nil
	h.dialer.mu.Unlock()
	h.clock.fire(retry[0])
	assert.Equal(t, 1, h.dialer.count())
	assert.Equal(t, tenant.StatusClosed, h.tenants.last(42).Status)
}
