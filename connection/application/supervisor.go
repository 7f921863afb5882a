package application

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AzielCF/az-inbox/connection/domain/session"
	"github.com/AzielCF/az-inbox/connection/domain/tenant"
	"github.com/AzielCF/az-inbox/domains/realtime"
	"github.com/AzielCF/az-inbox/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// Dialer builds a new, unopened protocol handle for a session.
type Dialer interface {
	Dial(ctx context.Context, sessionID int, creds session.Credentials) (session.Handle, error)
}

// IngestionHook is attached to a live handle each time its session becomes
// connected.
type IngestionHook interface {
	Attach(conn tenant.Connection, h session.Handle)
}

// stopFunc cancels a pending timer and reports whether it was still pending.
type stopFunc func() bool

type machine struct {
	mu         sync.Mutex
	conn       tenant.Connection
	state      session.State
	qr         string
	retries    int
	generation uint64
	updatedAt  time.Time

	// reconnect timer; timerSeq identifies the armed one and timerGen is the
	// generation it was armed for, 0 after a failed dial
	stopTimer stopFunc
	timerSeq  uint64
	timerGen  uint64
}

func (m *machine) cancelReconnect() {
	if m.stopTimer != nil {
		m.stopTimer()
		m.stopTimer = nil
	}
}

// Supervisor drives the lifecycle of every session: dialing, QR pairing,
// connected state, logout and reconnection. Transitions of one session are
// serialized by that session's mutex; different sessions never contend.
//
// Handles must not invoke their event sink synchronously from Close, since
// the supervisor closes superseded handles while holding the session lock.
type Supervisor struct {
	registry session.Registry
	tenants  tenant.Repository
	creds    session.CredentialStore
	dialer   Dialer
	notifier realtime.Notifier
	ingest   IngestionHook
	policy   ReconnectPolicy

	afterFunc func(d time.Duration, f func()) stopFunc
	now       func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	machines map[int]*machine
	closed   bool
}

type SupervisorOption func(*Supervisor)

func WithReconnectPolicy(p ReconnectPolicy) SupervisorOption {
	return func(s *Supervisor) { s.policy = p }
}

func WithIngestionHook(h IngestionHook) SupervisorOption {
	return func(s *Supervisor) { s.ingest = h }
}

func NewSupervisor(
	registry session.Registry,
	tenants tenant.Repository,
	creds session.CredentialStore,
	dialer Dialer,
	notifier realtime.Notifier,
	opts ...SupervisorOption,
) *Supervisor {
	if notifier == nil {
		notifier = realtime.NopNotifier{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		registry: registry,
		tenants:  tenants,
		creds:    creds,
		dialer:   dialer,
		notifier: notifier,
		policy:   DefaultReconnectPolicy,
		afterFunc: func(d time.Duration, f func()) stopFunc {
			return time.AfterFunc(d, f).Stop
		},
		now:      time.Now,
		baseCtx:  ctx,
		cancel:   cancel,
		machines: make(map[int]*machine),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Supervisor) machine(id int, create bool) *machine {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[id]
	if !ok && create {
		m = &machine{state: session.StateIdle}
		s.machines[id] = m
	}
	return m
}

func (s *Supervisor) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// InitSession starts (or restarts) the session of a connection. It returns
// once the new handle is registered; opening continues in the background and
// its outcome arrives as lifecycle events.
func (s *Supervisor) InitSession(ctx context.Context, conn tenant.Connection) error {
	if s.isClosed() {
		return fmt.Errorf("supervisor is shut down")
	}
	m := s.machine(conn.ID, true)
	m.mu.Lock()
	defer m.mu.Unlock()

	m.conn = conn
	return s.initLocked(ctx, m)
}

// initLocked performs Idle -> Connecting. Caller holds m.mu.
func (s *Supervisor) initLocked(ctx context.Context, m *machine) error {
	id := m.conn.ID
	log := logrus.WithFields(logrus.Fields{"session": id, "tenant": m.conn.TenantID})

	m.cancelReconnect()

	creds, err := s.creds.Load(ctx, id)
	if err != nil {
		return fmt.Errorf("load credentials for session %d: %w", id, err)
	}

	// Invalidate the old generation before closing so its late events are
	// dropped.
	m.generation = 0
	if old, ok := s.registry.Lookup(id); ok {
		if err := old.Handle.Close(); err != nil {
			log.WithError(err).Warn("[SUPERVISOR] Failed to close previous handle")
		}
	}

	h, err := s.dialer.Dial(ctx, id, creds)
	if err != nil {
		s.registry.Remove(id)
		metrics.SessionsLive.Set(float64(s.registry.Len()))
		return fmt.Errorf("dial session %d: %w", id, err)
	}

	entry := s.registry.Register(id, h)
	metrics.SessionsLive.Set(float64(s.registry.Len()))
	m.generation = entry.Generation
	s.setState(m, session.StateConnecting)

	if creds.Fresh() {
		log.Info("[SUPERVISOR] Starting session without credentials, waiting for QR pairing")
	} else {
		log.Infof("[SUPERVISOR] Starting session as %s", creds.DeviceJID)
	}

	gen := entry.Generation
	sink := func(ev session.Event) { s.handleEvent(id, gen, ev) }
	go func() {
		if err := h.Open(s.baseCtx, sink); err != nil {
			s.handleEvent(id, gen, session.Event{Type: session.EventClose, Reason: session.ReasonConnectionClosed, Err: err})
		}
	}()
	return nil
}

func (s *Supervisor) setState(m *machine, st session.State) {
	m.state = st
	m.updatedAt = s.now()
	metrics.SessionTransitions.WithLabelValues(string(st)).Inc()
}

func (s *Supervisor) handleEvent(id int, gen uint64, ev session.Event) {
	m := s.machine(id, false)
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen == 0 || m.generation != gen {
		logrus.WithFields(logrus.Fields{"session": id, "event": ev.Type.String()}).Debug("[SUPERVISOR] Dropping event from superseded handle")
		return
	}

	switch ev.Type {
	case session.EventQR:
		s.onQR(m, ev.QR)
	case session.EventOpen:
		s.onOpen(m)
	case session.EventCredsUpdate:
		if err := s.creds.Save(s.baseCtx, id, ev.Creds); err != nil {
			logrus.WithError(err).WithField("session", id).Error("[SUPERVISOR] Failed to persist credentials")
		}
	case session.EventClose:
		s.onClose(m, ev)
	}
}

func (s *Supervisor) onQR(m *machine, qr string) {
	s.setState(m, session.StateConnecting)
	m.qr = qr
	s.persist(m, tenant.StatusQRCode)
	logrus.WithField("session", m.conn.ID).Debug("[SUPERVISOR] QR code updated")
}

func (s *Supervisor) onOpen(m *machine) {
	if m.state == session.StateConnected {
		return
	}
	// the handle recovered on its own
	m.cancelReconnect()
	s.setState(m, session.StateConnected)
	m.qr = ""
	m.retries = 0
	s.persist(m, tenant.StatusConnected)
	logrus.WithFields(logrus.Fields{"session": m.conn.ID, "tenant": m.conn.TenantID}).Info("[SUPERVISOR] Session connected")

	if s.ingest != nil {
		if entry, ok := s.registry.Lookup(m.conn.ID); ok {
			s.ingest.Attach(m.conn, entry.Handle)
		}
	}
}

func (s *Supervisor) onClose(m *machine, ev session.Event) {
	id := m.conn.ID
	log := logrus.WithFields(logrus.Fields{"session": id, "tenant": m.conn.TenantID, "reason": ev.Reason.String()})
	if ev.Err != nil {
		log = log.WithError(ev.Err)
	}
	s.setState(m, session.StateClosing)

	if ev.Reason.IsLogout() {
		log.Warn("[SUPERVISOR] Session logged out, erasing credentials")
		if err := s.creds.Erase(s.baseCtx, id); err != nil {
			log.WithError(err).Error("[SUPERVISOR] Failed to erase credentials")
		}
		m.cancelReconnect()
		if entry, ok := s.registry.Lookup(id); ok {
			_ = entry.Handle.Close()
		}
		s.registry.Remove(id)
		metrics.SessionsLive.Set(float64(s.registry.Len()))
		m.generation = 0
		m.qr = ""
		s.setState(m, session.StateLoggedOut)
		s.persist(m, tenant.StatusClosed)
		return
	}

	m.retries++
	s.setState(m, session.StateReconnecting)
	s.persist(m, tenant.StatusOpening)

	if s.isClosed() {
		return
	}
	delay := s.policy.Next(m.retries)
	s.armReconnect(m, delay)
	metrics.SessionReconnects.WithLabelValues(ev.Reason.String()).Inc()
	log.Warnf("[SUPERVISOR] Connection closed, reconnecting in %s (attempt %d)", delay, m.retries)
}

// armReconnect replaces any pending reconnect of m with one firing after
// delay. Caller holds m.mu.
func (s *Supervisor) armReconnect(m *machine, delay time.Duration) {
	m.cancelReconnect()
	m.timerSeq++
	m.timerGen = m.generation
	id, seq := m.conn.ID, m.timerSeq
	m.stopTimer = s.afterFunc(delay, func() { s.reconnect(id, seq) })
}

// reconnect re-enters InitSession unless the timer was cancelled or replaced,
// the session recovered, or its handle was superseded after arming.
func (s *Supervisor) reconnect(id int, seq uint64) {
	if s.isClosed() {
		return
	}
	m := s.machine(id, false)
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	log := logrus.WithField("session", id)
	if m.stopTimer == nil || m.timerSeq != seq || m.state == session.StateConnected {
		log.Debug("[SUPERVISOR] Skipping stale reconnect")
		return
	}
	if m.timerGen != 0 {
		entry, ok := s.registry.Lookup(id)
		if !ok || entry.Generation != m.timerGen || m.generation != m.timerGen {
			log.Debug("[SUPERVISOR] Skipping reconnect of superseded handle")
			return
		}
	}
	m.stopTimer = nil

	if err := s.initLocked(s.baseCtx, m); err != nil {
		log.WithError(err).Error("[SUPERVISOR] Reconnect failed")
		// The dial never produced a handle, so no close event will follow.
		m.retries++
		s.persist(m, tenant.StatusOpening)
		s.armReconnect(m, s.policy.Next(m.retries))
	}
}

// StopSession tears a session down on request. With logout the remote
// pairing is revoked and credentials are erased.
func (s *Supervisor) StopSession(ctx context.Context, id int, logout bool) error {
	m := s.machine(id, false)
	if m == nil {
		return session.ErrSessionNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	// a session retrying after a failed dial has a timer but no handle
	entry, ok := s.registry.Lookup(id)
	if !ok && m.stopTimer == nil {
		return session.ErrSessionNotFound
	}
	m.cancelReconnect()
	m.generation = 0

	if logout {
		if ok {
			if err := entry.Handle.Logout(ctx); err != nil {
				logrus.WithError(err).WithField("session", id).Warn("[SUPERVISOR] Remote logout failed")
			}
		}
		if err := s.creds.Erase(ctx, id); err != nil {
			return fmt.Errorf("erase credentials for session %d: %w", id, err)
		}
	}
	if ok {
		if err := entry.Handle.Close(); err != nil {
			logrus.WithError(err).WithField("session", id).Warn("[SUPERVISOR] Failed to close handle")
		}
		s.registry.Remove(id)
	}
	metrics.SessionsLive.Set(float64(s.registry.Len()))

	m.qr = ""
	if logout {
		s.setState(m, session.StateLoggedOut)
	} else {
		s.setState(m, session.StateIdle)
	}
	s.persist(m, tenant.StatusClosed)
	logrus.WithFields(logrus.Fields{"session": id, "logout": logout}).Info("[SUPERVISOR] Session stopped")
	return nil
}

// Shutdown closes every live handle without logging out and cancels pending
// reconnections. Persisted statuses are left as they are so the next process
// picks the sessions up again.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	machines := make([]*machine, 0, len(s.machines))
	for _, m := range s.machines {
		machines = append(machines, m)
	}
	s.mu.Unlock()

	for _, m := range machines {
		if ctx.Err() != nil {
			break
		}
		m.mu.Lock()
		m.cancelReconnect()
		m.generation = 0
		if entry, ok := s.registry.Lookup(m.conn.ID); ok {
			_ = entry.Handle.Close()
			s.registry.Remove(m.conn.ID)
		}
		m.mu.Unlock()
	}
	metrics.SessionsLive.Set(float64(s.registry.Len()))
	s.cancel()
	logrus.Infof("[SUPERVISOR] Shut down %d sessions", len(machines))
}

// Snapshot returns the state of every session the supervisor has seen.
func (s *Supervisor) Snapshot() []session.Info {
	s.mu.Lock()
	machines := make([]*machine, 0, len(s.machines))
	for _, m := range s.machines {
		machines = append(machines, m)
	}
	s.mu.Unlock()

	out := make([]session.Info, 0, len(machines))
	for _, m := range machines {
		out = append(out, m.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Info returns the state of one session.
func (s *Supervisor) Info(id int) (session.Info, error) {
	m := s.machine(id, false)
	if m == nil {
		return session.Info{}, session.ErrSessionNotFound
	}
	return m.info(), nil
}

func (m *machine) info() session.Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return session.Info{
		SessionID:  m.conn.ID,
		TenantID:   m.conn.TenantID,
		Name:       m.conn.Name,
		State:      m.state,
		QRCode:     m.qr,
		Retries:    m.retries,
		Generation: m.generation,
		UpdatedAt:  m.updatedAt,
	}
}

// persist writes the connection status and pushes it to the tenant. Both are
// best effort; failures are logged.
func (s *Supervisor) persist(m *machine, status tenant.Status) {
	ctx := s.baseCtx
	update := tenant.StateUpdate{Status: status, QRCode: m.qr, Retries: m.retries}
	if err := s.tenants.UpdateConnectionState(ctx, m.conn.ID, update); err != nil {
		logrus.WithError(err).WithField("session", m.conn.ID).Error("[SUPERVISOR] Failed to persist connection status")
	}
	m.conn.Status = status
	m.conn.QRCode = m.qr
	m.conn.Retries = m.retries

	event := realtime.Event{
		Action: realtime.ActionUpdate,
		Session: &realtime.SessionPayload{
			ID:      m.conn.ID,
			Name:    m.conn.Name,
			Status:  string(status),
			QRCode:  m.qr,
			Retries: m.retries,
		},
	}
	if err := s.notifier.Publish(ctx, realtime.SessionTopic(m.conn.TenantID), event); err != nil {
		logrus.WithError(err).WithField("session", m.conn.ID).Warn("[SUPERVISOR] Failed to publish session update")
	}
}
