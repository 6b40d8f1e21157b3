package debugger

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/ctagard/adbg/internal/errors"
	"github.com/ctagard/adbg/internal/jdwp"
	"github.com/ctagard/adbg/internal/ports"
)

func TestConnect_Sequence(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	ev := h.ev.next(isType("connected")).(Connected)
	assert.Equal(t, testTarget, ev.Target)

	forwards, removed := h.fwd.calls()
	require.Equal(t, []int{ev.Port}, forwards)
	assert.Empty(t, removed)
	assert.True(t, h.reg.InUse(ev.Port))

	h.vm.mu.Lock()
	log := append([]string(nil), h.vm.log...)
	h.vm.mu.Unlock()
	suspend := slices.Index(log, "VirtualMachine.Suspend")
	sizes := slices.Index(log, "VirtualMachine.IDSizes")
	classes := slices.Index(log, "VirtualMachine.AllClasses")
	require.True(t, suspend >= 0 && sizes >= 0 && classes >= 0, "log: %v", log)
	assert.Less(t, suspend, sizes)
	assert.Less(t, sizes, classes)

	// The VM stays suspended until a front-end resumes it.
	assert.Equal(t, 1, h.d.GlobalSuspendCount())
	assert.Zero(t, h.vm.count("VirtualMachine.Resume"))

	target, ok := h.d.Target()
	assert.True(t, ok)
	assert.Equal(t, testTarget, target)
}

func TestConnect_SameTargetIsNoop(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	require.NoError(t, h.d.Connect(context.Background(), testTarget))

	err := h.d.Connect(context.Background(), Target{Serial: "other", PID: 1})
	assert.ErrorIs(t, err, ErrAlreadyConnected)
	assert.Equal(t, 1, h.vm.dials)
}

func TestConnect_ConcurrentCallersShareAttempt(t *testing.T) {
	h := newHarness(t)
	h.fwd.gate = make(chan struct{})

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = h.d.Connect(context.Background(), testTarget)
		}()
	}

	require.Eventually(t, func() bool {
		f, _ := h.fwd.calls()
		return len(f) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateConnecting, h.d.State())
	close(h.fwd.gate)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	forwards, _ := h.fwd.calls()
	assert.Len(t, forwards, 1)
	assert.Equal(t, 1, h.vm.dials)
	assert.Equal(t, 1, h.vm.count("VirtualMachine.IDSizes"))
}

func TestConnect_RollbackOnDialFailure(t *testing.T) {
	h := newHarness(t)
	refused := errors.New("connection refused")
	h.vm.dialErr = refused

	err := h.d.Connect(context.Background(), testTarget)
	require.Error(t, err)
	assert.ErrorIs(t, err, refused)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeConnectFailed))

	assert.Equal(t, StateDisconnected, h.d.State())
	forwards, removed := h.fwd.calls()
	assert.Equal(t, forwards, removed, "forward must be removed again")
	assert.Zero(t, h.reg.Len())
	h.ev.none(50*time.Millisecond, isType("connected"))
}

func TestConnect_RollbackOnForwardFailure(t *testing.T) {
	h := newHarness(t)
	h.fwd.err = errors.New("cannot bind listener")

	err := h.d.Connect(context.Background(), testTarget)
	require.Error(t, err)
	_, removed := h.fwd.calls()
	assert.Empty(t, removed)
	assert.Zero(t, h.reg.Len())
	assert.Zero(t, h.vm.dials)
}

func TestConnect_NoPortAvailable(t *testing.T) {
	vm := newFakeVM(t)
	reg := ports.NewRegistry(41000, 41001, ports.WithProbe(func(int) bool { return false }))
	d := New(&fakeForwarder{}, WithPorts(reg), WithDialer(vm.dial))
	t.Cleanup(func() { _ = d.Close() })

	err := d.Connect(context.Background(), testTarget)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNoPortAvailable))
	assert.ErrorIs(t, err, ports.ErrNoPortAvailable)
	assert.Equal(t, StateDisconnected, d.State())
}

func TestConnect_FixedPort(t *testing.T) {
	vm := newFakeVM(t)
	fwd := &fakeForwarder{}
	reg := ports.NewRegistry(41000, 41009, ports.WithProbe(func(int) bool { return true }))
	d := New(fwd, WithPorts(reg), WithDialer(vm.dial), WithFixedPort(8700))
	t.Cleanup(func() { _ = d.Close() })

	require.NoError(t, d.Connect(context.Background(), testTarget))
	forwards, _ := fwd.calls()
	assert.Equal(t, []int{8700}, forwards)
	assert.True(t, reg.InUse(8700))
}

func TestDisconnect_Idempotent(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	ctx := context.Background()

	require.NoError(t, h.d.Disconnect(ctx))
	require.NoError(t, h.d.Disconnect(ctx))

	ev := h.ev.next(isType("disconnected")).(Disconnected)
	assert.NoError(t, ev.Err)
	h.ev.none(50*time.Millisecond, isType("disconnected"))

	assert.Equal(t, StateDisconnected, h.d.State())
	assert.Equal(t, 1, h.vm.count("VirtualMachine.Dispose"))
	_, removed := h.fwd.calls()
	assert.Len(t, removed, 1)
	assert.Zero(t, h.reg.Len())

	_, err := h.d.ThreadIDs(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestDisconnect_AbortsConnectInProgress(t *testing.T) {
	h := newHarness(t)
	h.fwd.gate = make(chan struct{})

	errc := make(chan error, 1)
	go func() { errc <- h.d.Connect(context.Background(), testTarget) }()
	require.Eventually(t, func() bool { return h.d.State() == StateConnecting }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.d.Disconnect(context.Background()))
	assert.Error(t, <-errc)
	assert.Equal(t, StateDisconnected, h.d.State())
	assert.Zero(t, h.reg.Len())
}

func TestConnectionLossFailsEverythingPending(t *testing.T) {
	h := newHarness(t)
	h.vm.classes = []jdwp.ClassInfo{fooClass}
	h.connect(t)
	ctx := context.Background()

	a1 := invokeAsync(h.d, mainThread, 1)
	h.vm.nextInvoke()
	a2 := invokeAsync(h.d, mainThread, 2)
	b1 := invokeAsync(h.d, workThread, 3)
	h.vm.nextInvoke()
	require.Eventually(t, func() bool {
		h.d.mu.Lock()
		defer h.d.mu.Unlock()
		q := h.d.sess.invokes[mainThread]
		return q != nil && len(q.entries) == 2
	}, time.Second, 5*time.Millisecond)

	h.vm.gate("Method.LineTable")
	lines := make(chan error, 1)
	go func() {
		_, err := h.d.LineTable(ctx, fooType, fooRun)
		lines <- err
	}()
	h.vm.waitCalls("Method.LineTable", 1)

	h.vm.kill()

	for _, ch := range []<-chan invokeResult{a1, a2, b1} {
		r := <-ch
		assert.ErrorIs(t, r.err, io.ErrUnexpectedEOF)
	}
	assert.ErrorIs(t, <-lines, io.ErrUnexpectedEOF)

	ev := h.ev.next(isType("disconnected")).(Disconnected)
	assert.ErrorIs(t, ev.Err, io.ErrUnexpectedEOF)
	assert.Equal(t, StateDisconnected, h.d.State())
	assert.Zero(t, h.reg.Len())

	_, err := h.d.InvokeMethod(ctx, InvokeRequest{Thread: mainThread, Class: jdwp.ClassID(barType), Method: 1})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestVMDeathDisconnects(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	h.vm.event(jdwp.SuspendNone, jdwp.EventVMDeath{})
	ev := h.ev.next(isType("disconnected")).(Disconnected)
	assert.ErrorIs(t, ev.Err, ErrVMDeath)
	assert.Equal(t, StateDisconnected, h.d.State())
}

func TestMalformedEventDisconnects(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	w := h.vm.codec.Writer()
	w.Uint8(uint8(jdwp.SuspendAll))
	w.Int32(1)
	w.Uint8(uint8(jdwp.KindBreakpoint))
	w.Int32(4)
	w.ThreadID(mainThread)
	w.Uint8(uint8(jdwp.TypeClass)) // location cut short
	h.vm.mu.Lock()
	conn := h.vm.conn
	h.vm.mu.Unlock()
	h.vm.write(conn, jdwp.Packet{ID: 900, CommandSet: jdwp.SetEvent, Command: 100, Data: w.Bytes()})

	ev := h.ev.next(isType("disconnected")).(Disconnected)
	assert.True(t, apperrors.HasCode(ev.Err, apperrors.CodeProtocolError))
	var de *jdwp.DecodeError
	require.ErrorAs(t, ev.Err, &de)
	assert.Equal(t, "Breakpoint event", de.What)
	assert.Equal(t, StateDisconnected, h.d.State())
	assert.Zero(t, h.reg.Len())
}

func TestReconnectAfterLoss(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	h.vm.kill()
	h.ev.next(isType("disconnected"))

	h.connect(t)
	assert.Equal(t, 2, h.vm.dials)
	assert.Equal(t, 1, h.reg.Len())
}

func TestThreadEvents(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	starts := h.vm.matching(jdwp.KindThreadStart, nil)
	require.Len(t, starts, 1)
	assert.Equal(t, jdwp.SuspendNone, starts[0].req.Policy)

	h.vm.event(jdwp.SuspendNone, jdwp.EventThreadStart{Request: starts[0].id, Thread: workThread})
	ev := h.ev.next(isType("threadStarted")).(ThreadStarted)
	assert.Equal(t, workThread, ev.Thread)

	deaths := h.vm.matching(jdwp.KindThreadDeath, nil)
	require.Len(t, deaths, 1)
	h.vm.event(jdwp.SuspendNone, jdwp.EventThreadDeath{Request: deaths[0].id, Thread: workThread})
	h.ev.next(isType("threadEnded"))
}
