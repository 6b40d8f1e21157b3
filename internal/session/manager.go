// Package session keeps the debugger sessions of a server process. Each
// session owns one debugger attached to one device process; sessions that
// see no use for the configured timeout are terminated.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/ctagard/adbg/internal/debugger"
	apperrors "github.com/ctagard/adbg/internal/errors"
	"github.com/ctagard/adbg/pkg/types"
)

// Session is one attached debugger
type Session struct {
	ID          string
	Target      debugger.Target
	PackageName string
	Debugger    *debugger.Debugger
	CreatedAt   time.Time

	mu         sync.RWMutex
	status     types.SessionStatus
	lastActive time.Time
	// stopped is closed and replaced whenever the target stops or goes away
	stopped chan struct{}
	detach  func()
}

// Status returns the current session status
func (s *Session) Status() types.SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetStatus records a status change made by a front-end, such as a resume
func (s *Session) SetStatus(status types.SessionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == types.SessionStatusTerminated {
		return
	}
	s.status = status
}

// Info returns session info for a session
func (s *Session) Info() types.SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return types.SessionInfo{
		SessionID:   s.ID,
		Serial:      s.Target.Serial,
		PID:         s.Target.PID,
		PackageName: s.PackageName,
		Status:      s.status,
		CreatedAt:   s.CreatedAt,
		LastActive:  s.lastActive,
	}
}

// WaitForStop blocks until the target stops at a breakpoint, step or
// exception and returns the stop. It returns at once when the session is
// already stopped at a known location.
func (s *Session) WaitForStop(ctx context.Context) (debugger.Stop, error) {
	s.mu.RLock()
	status, ch := s.status, s.stopped
	s.mu.RUnlock()

	switch status {
	case types.SessionStatusStopped:
		if stop, ok := s.Debugger.LastStop(); ok {
			return stop, nil
		}
	case types.SessionStatusTerminated, types.SessionStatusDisconnected:
		return debugger.Stop{}, debugger.ErrNotConnected
	}
	select {
	case <-ch:
	case <-ctx.Done():
		return debugger.Stop{}, ctx.Err()
	}
	stop, ok := s.Debugger.LastStop()
	if !ok {
		return debugger.Stop{}, debugger.ErrNotConnected
	}
	return stop, nil
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActive = now
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActive
}

// onEvent tracks status from what the debugger reports
func (s *Session) onEvent(ev debugger.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == types.SessionStatusTerminated {
		return
	}
	switch ev.(type) {
	case debugger.Connected:
		// The VM is left suspended after attach. A front-end may already
		// have resumed it by the time this is delivered.
		if s.status != types.SessionStatusInitializing {
			return
		}
		s.status = types.SessionStatusStopped
	case debugger.BreakpointHit, debugger.StepCompleted, debugger.ExceptionThrown:
		s.status = types.SessionStatusStopped
	case debugger.Disconnected:
		s.status = types.SessionStatusDisconnected
	default:
		return
	}
	close(s.stopped)
	s.stopped = make(chan struct{})
}

// Factory builds the debugger for a new session. opts carry per-session
// settings such as a fixed forward port.
type Factory func(target debugger.Target, opts ...debugger.Option) *debugger.Debugger

// Manager manages multiple debug sessions
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex

	newDebugger    Factory
	maxSessions    int
	sessionTimeout time.Duration
	clock          clock.Clock
	log            logr.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Manager)

func WithClock(clk clock.Clock) Option {
	return func(m *Manager) { m.clock = clk }
}

func WithLogger(log logr.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// NewManager creates a session manager. A zero sessionTimeout disables idle expiry.
func NewManager(newDebugger Factory, maxSessions int, sessionTimeout time.Duration, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		sessions:       make(map[string]*Session),
		newDebugger:    newDebugger,
		maxSessions:    maxSessions,
		sessionTimeout: sessionTimeout,
		clock:          clock.New(),
		log:            logr.Discard(),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if sessionTimeout <= 0 {
		close(m.done)
		return m
	}
	ticker := m.clock.Ticker(min(sessionTimeout/2, time.Minute))
	go m.cleanupLoop(ticker)
	return m
}

// cleanupLoop periodically terminates idle sessions
func (m *Manager) cleanupLoop(ticker *clock.Ticker) {
	defer close(m.done)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.expireIdle()
		}
	}
}

func (m *Manager) expireIdle() {
	now := m.clock.Now()
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if now.Sub(s.idleSince()) > m.sessionTimeout {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		m.log.Info("session expired", "session", s.ID, "target", s.Target.String(), "idle", now.Sub(s.idleSince()).String())
		m.shutdown(s)
	}
}

// Create registers a new, not yet connected session for target
func (m *Manager) Create(target debugger.Target, packageName string, opts ...debugger.Option) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.maxSessions {
		return nil, apperrors.SessionLimitReached(m.maxSessions)
	}

	now := m.clock.Now()
	s := &Session{
		ID:          uuid.New().String(),
		Target:      target,
		PackageName: packageName,
		Debugger:    m.newDebugger(target, opts...),
		CreatedAt:   now,
		status:      types.SessionStatusInitializing,
		lastActive:  now,
		stopped:     make(chan struct{}),
	}
	s.detach = s.Debugger.OnEvent(s.onEvent)
	m.sessions[s.ID] = s
	return s, nil
}

// Attach creates a session and connects its debugger. A failed connect
// leaves no session behind.
func (m *Manager) Attach(ctx context.Context, target debugger.Target, packageName string, opts ...debugger.Option) (*Session, error) {
	m.mu.RLock()
	for _, s := range m.sessions {
		if s.Target == target && s.Debugger.State() != debugger.StateDisconnected {
			m.mu.RUnlock()
			s.touch(m.clock.Now())
			return s, nil
		}
	}
	m.mu.RUnlock()

	s, err := m.Create(target, packageName, opts...)
	if err != nil {
		return nil, err
	}
	if err := s.Debugger.Connect(ctx, target); err != nil {
		_ = m.Terminate(s.ID)
		return nil, err
	}
	s.mu.Lock()
	if s.status == types.SessionStatusInitializing {
		s.status = types.SessionStatusStopped
	}
	s.mu.Unlock()
	m.log.Info("session attached", "session", s.ID, "target", target.String())
	return s, nil
}

// Get retrieves a session by ID and marks it active
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, apperrors.SessionNotFound(id)
	}
	s.touch(m.clock.Now())
	return s, nil
}

// List returns all active sessions, oldest first
func (m *Manager) List() []*Session {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].CreatedAt.Before(sessions[j].CreatedAt) })
	return sessions
}

// Terminate disconnects a session and removes it
func (m *Manager) Terminate(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return apperrors.SessionNotFound(id)
	}
	m.shutdown(s)
	return nil
}

func (m *Manager) shutdown(s *Session) {
	s.detach()
	if err := s.Debugger.Close(); err != nil {
		m.log.V(1).Info("closing debugger failed", "session", s.ID, "error", err.Error())
	}

	s.mu.Lock()
	s.status = types.SessionStatusTerminated
	close(s.stopped)
	s.stopped = make(chan struct{})
	s.mu.Unlock()
}

// Close shuts down the session manager and all sessions
func (m *Manager) Close() {
	m.cancel()
	<-m.done

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		m.shutdown(s)
	}
}
