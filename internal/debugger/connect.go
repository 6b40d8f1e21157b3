package debugger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"

	apperrors "github.com/ctagard/adbg/internal/errors"
	"github.com/ctagard/adbg/internal/jdwp"
	"github.com/ctagard/adbg/internal/ports"
)

const cleanupTimeout = 2 * time.Second

// attempt is an in-flight connect shared by every concurrent caller
type attempt struct {
	target  Target
	cancel  context.CancelFunc
	aborted bool
	done    chan struct{}
	err     error
}

func (a *attempt) wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect attaches to target. Concurrent callers for the same target share
// one attempt. On failure every partial step is rolled back. The VM is left
// suspended once connected.
func (d *Debugger) Connect(ctx context.Context, target Target) error {
	d.mu.Lock()
	switch d.state {
	case StateConnected:
		cur := d.sess.target
		d.mu.Unlock()
		if cur == target {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrAlreadyConnected, cur)
	case StateConnecting:
		a := d.attempt
		d.mu.Unlock()
		if a.target != target {
			return fmt.Errorf("%w: %s", ErrAlreadyConnected, a.target)
		}
		return a.wait(ctx)
	}
	actx, cancel := context.WithCancel(ctx)
	a := &attempt{target: target, cancel: cancel, done: make(chan struct{})}
	d.attempt = a
	d.state = StateConnecting
	d.mu.Unlock()

	d.log.Info("connecting", "serial", target.Serial, "pid", target.PID)
	s, err := d.establish(actx, target)
	cancel()

	d.mu.Lock()
	d.attempt = nil
	if err == nil && (a.aborted || s.closed) {
		err = ErrDisconnected
		if cerr := s.conn.Err(); cerr != nil && !a.aborted {
			err = cerr
		}
	}
	if err != nil {
		d.state = StateDisconnected
		d.mu.Unlock()
		if s != nil {
			d.teardown(s, err, false)
		}
		d.log.Info("connect failed", "serial", target.Serial, "pid", target.PID, "error", err.Error())
		a.err = err
		close(a.done)
		return err
	}

	d.sess = s
	d.state = StateConnected
	evs := []Event{Connected{Target: target, Port: s.port.Port}}
	var patterns []string
	for _, bp := range d.order {
		bp.spent = false
		if bp.state == BreakpointSet {
			evs = append(evs, d.transition(bp, BreakpointNotLoaded))
			patterns = append(patterns, classPattern(bp.key.Type))
		}
	}
	d.mu.Unlock()

	d.log.Info("connected", "serial", target.Serial, "pid", target.PID, "port", s.port.Port)
	d.emit(evs...)
	// Breakpoints set while connecting were not seen by establish.
	for _, p := range lo.Uniq(patterns) {
		if err := d.ensureFilter(s.ctx, s, p); err != nil {
			d.log.V(1).Info("class prepare filter failed", "pattern", p, "error", err.Error())
		}
	}
	d.resolvePending(s.ctx, s)

	close(a.done)
	return nil
}

// establish runs the connect sequence. On error the returned session, if
// any, still holds resources the caller must tear down.
func (d *Debugger) establish(ctx context.Context, target Target) (*session, error) {
	res, err := d.ports.Reserve(d.fixedPort)
	if err != nil {
		if errors.Is(err, ports.ErrNoPortAvailable) {
			pmin, pmax := d.ports.Range()
			return nil, apperrors.NoPortAvailable(pmin, pmax, err)
		}
		return nil, apperrors.ConnectFailed(target.Serial, target.PID, err)
	}
	s := newSession(target, res, &d.mu)

	fail := func(err error) (*session, error) {
		return s, apperrors.ConnectFailed(target.Serial, target.PID, err)
	}

	if err := d.fwd.Forward(ctx, target.Serial, res.Port, target.PID); err != nil {
		return fail(fmt.Errorf("forward tcp:%d: %w", res.Port, err))
	}
	s.forwarded = true

	rw, err := d.dial(ctx, res.Port)
	if err != nil {
		return fail(fmt.Errorf("dial tcp:%d: %w", res.Port, err))
	}
	conn, err := jdwp.Open(ctx, rw, jdwp.WithLogger(d.log.WithName("jdwp")), jdwp.WithClock(d.clock))
	if err != nil {
		return fail(err)
	}
	s.conn = conn
	go d.eventLoop(s)

	// The VM may already be suspended (wait-for-debugger); suspending again is harmless.
	if _, err := jdwp.Do(ctx, conn, jdwp.VMSuspend()); err != nil {
		return fail(err)
	}
	d.mu.Lock()
	s.suspend.suspendAll()
	d.mu.Unlock()

	sizes, err := jdwp.Do(ctx, conn, jdwp.VMIDSizes())
	if err != nil {
		return fail(err)
	}
	conn.SetIDSizes(sizes)

	d.mu.Lock()
	patterns := lo.Uniq(lo.FilterMap(d.order, func(bp *breakpoint, _ int) (string, bool) {
		return classPattern(bp.key.Type), bp.state != BreakpointRemoved
	}))
	d.mu.Unlock()
	for _, p := range patterns {
		if err := d.ensureFilter(ctx, s, p); err != nil {
			return fail(err)
		}
	}

	// Already loaded types never send ClassPrepare, so seed the cache from the VM.
	classes, err := jdwp.Do(ctx, conn, jdwp.VMAllClasses())
	if err != nil {
		return fail(err)
	}
	d.mu.Lock()
	for _, c := range classes {
		if _, ok := s.loaded[c.Signature]; !ok {
			s.loaded[c.Signature] = c
		}
	}
	d.mu.Unlock()

	for _, kind := range []jdwp.EventKind{jdwp.KindThreadStart, jdwp.KindThreadDeath} {
		req := jdwp.EventRequest{Kind: kind, Policy: jdwp.SuspendNone}
		if _, err := d.setRequest(ctx, s, req, d.onThread, nil); err != nil {
			return fail(err)
		}
	}

	d.mu.Lock()
	exc := d.exceptions
	d.mu.Unlock()
	if exc.Caught || exc.Uncaught {
		if err := d.armExceptions(ctx, s, exc); err != nil {
			return fail(err)
		}
	}

	d.log.V(1).Info("vm ready", "idSizes", sizes, "classes", len(classes), "filters", patterns)
	return s, nil
}

// Disconnect ends the current session, or aborts a connect in progress. It
// is safe to call in any state and any number of times.
func (d *Debugger) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	if a := d.attempt; a != nil {
		a.aborted = true
		a.cancel()
		d.mu.Unlock()
		<-a.done
		return nil
	}
	s := d.sess
	d.mu.Unlock()
	if s == nil {
		return nil
	}

	// Dispose resumes the VM and drops every event request we made.
	dctx, cancel := context.WithTimeout(ctx, cleanupTimeout)
	if _, err := jdwp.Do(dctx, s.conn, jdwp.VMDispose()); err != nil {
		d.log.V(1).Info("dispose failed", "error", err.Error())
	}
	cancel()

	d.teardown(s, ErrDisconnected, true)
	<-s.done
	return nil
}

// teardown ends s. Pending invocations and metadata fetches fail with cause,
// breakpoints revert to set and the forward and port are released. Only the
// first call for a session has any effect.
func (d *Debugger) teardown(s *session, cause error, explicit bool) {
	d.mu.Lock()
	if s.closed {
		d.mu.Unlock()
		return
	}
	s.closed = true
	installed := d.sess == s
	var evs []Event
	if installed {
		d.sess = nil
		d.state = StateDisconnected
		for _, bp := range d.order {
			if bp.state == BreakpointEnabled || bp.state == BreakpointNotLoaded {
				bp.binding = nil
				evs = append(evs, d.transition(bp, BreakpointSet))
			}
		}
	}
	queues := s.invokes
	s.invokes = make(map[jdwp.ThreadID]*invokeQueue)
	s.subs = make(map[jdwp.EventRequestID]subscription)
	s.settled.Broadcast()
	d.mu.Unlock()
	s.cancel()

	for _, q := range queues {
		for _, inv := range q.entries {
			inv.finish(jdwp.InvokeResult{}, cause)
		}
	}
	s.memo.fail(cause)

	if s.conn != nil {
		_ = s.conn.Close()
	}
	if s.forwarded {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		if err := d.fwd.RemoveForward(ctx, s.target.Serial, s.port.Port); err != nil {
			d.log.V(1).Info("removing forward failed", "port", s.port.Port, "error", err.Error())
		}
		cancel()
	}
	s.port.Release()

	if installed {
		var reported error
		if !explicit {
			reported = cause
			d.log.Info("connection lost", "serial", s.target.Serial, "pid", s.target.PID, "error", cause.Error())
		} else {
			d.log.Info("disconnected", "serial", s.target.Serial, "pid", s.target.PID)
		}
		evs = append(evs, Disconnected{Target: s.target, Err: reported})
		d.emit(evs...)
	}
	close(s.done)
}

// eventLoop dispatches composite events until the connection goes away,
// then tears the session down with the connection's failure.
func (d *Debugger) eventLoop(s *session) {
	for set := range s.conn.Events() {
		d.dispatch(s, set)
	}
	cause := s.conn.Err()
	if cause == nil {
		cause = jdwp.ErrClosed
	}
	d.teardown(s, cause, false)
}

func (d *Debugger) dispatch(s *session, set jdwp.EventSet) {
	if set.Err != nil {
		// Lost records may hold a suspension that nothing would resume.
		d.teardown(s, apperrors.ProtocolError("Event.Composite", set.Err), false)
		return
	}

	var thread jdwp.ThreadID
	for _, ev := range set.Events {
		if te, ok := ev.(jdwp.ThreadEvent); ok {
			thread = te.EventThread()
			break
		}
	}

	d.mu.Lock()
	switch set.Policy {
	case jdwp.SuspendAll:
		s.suspend.suspendAll()
	case jdwp.SuspendEventThread:
		s.suspend.suspendThread(thread)
	}
	d.mu.Unlock()

	stop := false
	for _, ev := range set.Events {
		if ev.Kind() == jdwp.KindVMDeath {
			d.teardown(s, ErrVMDeath, false)
			return
		}
		if ev.Kind() == jdwp.KindVMStart {
			continue
		}
		sub, ok := d.subscriptionFor(s, ev.RequestID())
		if !ok {
			d.log.V(1).Info("event for unknown request", "kind", ev.Kind().String(), "request", ev.RequestID())
			continue
		}
		if sub.handle(s, ev) {
			stop = true
		}
	}

	if stop {
		return
	}
	// Nothing the user needs to see: let the VM carry on.
	switch set.Policy {
	case jdwp.SuspendAll:
		if err := d.resumeAll(s.ctx, s); err != nil {
			d.log.V(1).Info("resume after event failed", "error", err.Error())
		}
	case jdwp.SuspendEventThread:
		if err := d.resumeThread(s.ctx, s, thread); err != nil {
			d.log.V(1).Info("thread resume after event failed", "thread", thread, "error", err.Error())
		}
	}
}

// subscriptionFor looks up the handler for id, waiting out any
// EventRequest.Set still in flight since its event can beat the reply.
func (d *Debugger) subscriptionFor(s *session, id jdwp.EventRequestID) (subscription, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		sub, ok := s.subs[id]
		if ok || s.setting == 0 || s.closed {
			return sub, ok
		}
		s.settled.Wait()
	}
}

// setRequest installs an event request and its handler. commit, when set,
// runs under the lock once the VM has accepted the request; returning false
// withdraws the request again.
func (d *Debugger) setRequest(ctx context.Context, s *session, req jdwp.EventRequest, h eventHandler, commit func(id jdwp.EventRequestID) bool) (jdwp.EventRequestID, error) {
	d.mu.Lock()
	s.setting++
	d.mu.Unlock()

	id, err := jdwp.Do(ctx, s.conn, jdwp.EventRequestSet(req))

	d.mu.Lock()
	s.setting--
	keep := err == nil && !s.closed
	if keep && commit != nil {
		keep = commit(id)
	}
	if keep && h != nil {
		s.subs[id] = subscription{kind: req.Kind, handle: h}
	}
	s.settled.Broadcast()
	d.mu.Unlock()

	if err != nil {
		return 0, err
	}
	if !keep {
		d.clearRequest(ctx, s, req.Kind, id)
		return 0, ErrBreakpointRemoved
	}
	return id, nil
}

func (d *Debugger) clearRequest(ctx context.Context, s *session, kind jdwp.EventKind, id jdwp.EventRequestID) {
	d.mu.Lock()
	delete(s.subs, id)
	d.mu.Unlock()
	if _, err := jdwp.Do(ctx, s.conn, jdwp.EventRequestClear(kind, id)); err != nil {
		d.log.V(1).Info("clearing event request failed", "kind", kind.String(), "request", id, "error", err.Error())
	}
}

func (d *Debugger) onThread(s *session, ev jdwp.Event) bool {
	switch e := ev.(type) {
	case jdwp.EventThreadStart:
		d.emit(ThreadStarted{Thread: e.Thread})
	case jdwp.EventThreadDeath:
		d.mu.Lock()
		s.suspend.forget(e.Thread)
		d.mu.Unlock()
		d.emit(ThreadEnded{Thread: e.Thread})
	}
	return false
}
