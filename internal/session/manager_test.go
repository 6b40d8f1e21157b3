package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctagard/adbg/internal/debugger"
	apperrors "github.com/ctagard/adbg/internal/errors"
	"github.com/ctagard/adbg/internal/ports"
	"github.com/ctagard/adbg/pkg/types"
)

type refusingForwarder struct{ err error }

func (f refusingForwarder) Forward(context.Context, string, int, int) error { return f.err }
func (f refusingForwarder) RemoveForward(context.Context, string, int) error {
	return nil
}

var errNoDevice = errors.New("device offline")

func newTestManager(t *testing.T, max int, timeout time.Duration, clk clock.Clock) *Manager {
	t.Helper()
	reg := ports.NewRegistry(42000, 42009, ports.WithProbe(func(int) bool { return true }))
	factory := func(_ debugger.Target, opts ...debugger.Option) *debugger.Debugger {
		return debugger.New(refusingForwarder{err: errNoDevice}, append(opts, debugger.WithPorts(reg))...)
	}
	m := NewManager(factory, max, timeout, WithClock(clk))
	t.Cleanup(m.Close)
	return m
}

func TestManager_CreateGetList(t *testing.T) {
	m := newTestManager(t, 5, 0, clock.NewMock())

	a, err := m.Create(debugger.Target{Serial: "emulator-5554", PID: 100}, "com.example.app")
	require.NoError(t, err)
	b, err := m.Create(debugger.Target{Serial: "emulator-5554", PID: 200}, "")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)

	got, err := m.Get(a.ID)
	require.NoError(t, err)
	assert.Same(t, a, got)

	info := a.Info()
	assert.Equal(t, "emulator-5554", info.Serial)
	assert.Equal(t, 100, info.PID)
	assert.Equal(t, "com.example.app", info.PackageName)
	assert.Equal(t, types.SessionStatusInitializing, info.Status)

	assert.Len(t, m.List(), 2)

	_, err = m.Get("nope")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeSessionNotFound))
}

func TestManager_SessionLimit(t *testing.T) {
	m := newTestManager(t, 1, 0, clock.NewMock())

	_, err := m.Create(debugger.Target{Serial: "a", PID: 1}, "")
	require.NoError(t, err)
	_, err = m.Create(debugger.Target{Serial: "a", PID: 2}, "")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeSessionLimitReached))
}

func TestManager_Terminate(t *testing.T) {
	m := newTestManager(t, 5, 0, clock.NewMock())

	s, err := m.Create(debugger.Target{Serial: "a", PID: 1}, "")
	require.NoError(t, err)
	require.NoError(t, m.Terminate(s.ID))

	assert.Equal(t, types.SessionStatusTerminated, s.Status())
	assert.Empty(t, m.List())
	err = m.Terminate(s.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeSessionNotFound))

	s.SetStatus(types.SessionStatusRunning)
	assert.Equal(t, types.SessionStatusTerminated, s.Status(), "terminated is final")
}

func TestManager_FailedAttachLeavesNoSession(t *testing.T) {
	m := newTestManager(t, 5, 0, clock.NewMock())

	_, err := m.Attach(context.Background(), debugger.Target{Serial: "a", PID: 1}, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, errNoDevice)
	assert.Empty(t, m.List())
}

func TestManager_IdleExpiry(t *testing.T) {
	mock := clock.NewMock()
	m := newTestManager(t, 5, 30*time.Minute, mock)

	a, err := m.Create(debugger.Target{Serial: "a", PID: 1}, "")
	require.NoError(t, err)
	b, err := m.Create(debugger.Target{Serial: "a", PID: 2}, "")
	require.NoError(t, err)

	for range 20 {
		mock.Add(time.Minute)
	}
	_, err = m.Get(a.ID)
	require.NoError(t, err)

	for range 15 {
		mock.Add(time.Minute)
	}
	require.Eventually(t, func() bool { return len(m.List()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, a.ID, m.List()[0].ID)
	assert.Equal(t, types.SessionStatusTerminated, b.Status())
}

func TestSession_WaitForStop(t *testing.T) {
	m := newTestManager(t, 5, 0, clock.NewMock())
	s, err := m.Create(debugger.Target{Serial: "a", PID: 1}, "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.WaitForStop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	errc := make(chan error, 1)
	go func() {
		_, err := s.WaitForStop(context.Background())
		errc <- err
	}()
	require.NoError(t, m.Terminate(s.ID))
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, debugger.ErrNotConnected, "termination wakes waiters")
	case <-time.After(time.Second):
		t.Fatal("waiter not released")
	}
}
