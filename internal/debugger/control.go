package debugger

import (
	"context"
	"fmt"

	apperrors "github.com/ctagard/adbg/internal/errors"
	"github.com/ctagard/adbg/internal/jdwp"
)

// SuspendVM suspends every thread
func (d *Debugger) SuspendVM(ctx context.Context) error {
	s, err := d.session("suspend")
	if err != nil {
		return err
	}
	if _, err := jdwp.Do(ctx, s.conn, jdwp.VMSuspend()); err != nil {
		return err
	}
	d.mu.Lock()
	s.suspend.suspendAll()
	d.mu.Unlock()
	return nil
}

// ResumeVM resumes every thread once. The resume is always sent, even when
// the local count is already zero.
func (d *Debugger) ResumeVM(ctx context.Context) error {
	s, err := d.session("resume")
	if err != nil {
		return err
	}
	return d.resumeAll(ctx, s)
}

// SuspendThread suspends one thread
func (d *Debugger) SuspendThread(ctx context.Context, thread jdwp.ThreadID) error {
	s, err := d.session("suspend thread")
	if err != nil {
		return err
	}
	if _, err := jdwp.Do(ctx, s.conn, jdwp.ThreadSuspend(thread)); err != nil {
		return err
	}
	d.mu.Lock()
	s.suspend.suspendThread(thread)
	d.mu.Unlock()
	return nil
}

// ResumeThread resumes one thread once
func (d *Debugger) ResumeThread(ctx context.Context, thread jdwp.ThreadID) error {
	s, err := d.session("resume thread")
	if err != nil {
		return err
	}
	return d.resumeThread(ctx, s, thread)
}

// SuspendCount returns how many resumes thread needs before it runs again,
// as tracked locally.
func (d *Debugger) SuspendCount(thread jdwp.ThreadID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sess == nil {
		return 0
	}
	return d.sess.suspend.count(thread)
}

// GlobalSuspendCount returns the depth of VM-wide suspends
func (d *Debugger) GlobalSuspendCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sess == nil {
		return 0
	}
	return d.sess.suspend.global
}

func (d *Debugger) resumeAll(ctx context.Context, s *session) error {
	if _, err := jdwp.Do(ctx, s.conn, jdwp.VMResume()); err != nil {
		return err
	}
	d.mu.Lock()
	if s.suspend.global == 0 {
		d.log.V(1).Info("resume with no outstanding suspend")
	}
	s.suspend.resumeAll()
	d.mu.Unlock()
	return nil
}

func (d *Debugger) resumeThread(ctx context.Context, s *session, thread jdwp.ThreadID) error {
	if _, err := jdwp.Do(ctx, s.conn, jdwp.ThreadResume(thread)); err != nil {
		return err
	}
	d.mu.Lock()
	s.suspend.resumeThread(thread)
	d.mu.Unlock()
	return nil
}

// StepKind selects how far a step goes
type StepKind string

const (
	StepInto StepKind = "into"
	StepOver StepKind = "over"
	StepOut  StepKind = "out"
)

func (k StepKind) depth() (jdwp.StepDepth, bool) {
	switch k {
	case StepInto:
		return jdwp.StepInto, true
	case StepOver:
		return jdwp.StepOver, true
	case StepOut:
		return jdwp.StepOut, true
	}
	return 0, false
}

// Step arms a line step on thread and resumes the VM. StepCompleted is
// emitted when the thread stops again.
func (d *Debugger) Step(ctx context.Context, thread jdwp.ThreadID, kind StepKind) error {
	depth, ok := kind.depth()
	if !ok {
		return apperrors.InvalidParameter("kind", kind, "into, over or out")
	}
	s, err := d.session("step")
	if err != nil {
		return err
	}

	// A thread has at most one step request.
	d.mu.Lock()
	old, had := s.steps[thread]
	delete(s.steps, thread)
	d.mu.Unlock()
	if had {
		d.clearRequest(ctx, s, jdwp.KindSingleStep, old)
	}

	req := jdwp.EventRequest{
		Kind:   jdwp.KindSingleStep,
		Policy: jdwp.SuspendAll,
		Modifiers: []jdwp.Modifier{
			jdwp.StepModifier{Thread: thread, Size: jdwp.StepLine, Depth: depth},
			jdwp.CountModifier{Count: 1},
		},
	}
	_, err = d.setRequest(ctx, s, req, d.onStep, func(id jdwp.EventRequestID) bool {
		s.steps[thread] = id
		return true
	})
	if err != nil {
		return apperrors.StepFailed(string(kind), err)
	}
	if err := d.resumeAll(ctx, s); err != nil {
		return apperrors.StepFailed(string(kind), err)
	}
	return nil
}

func (d *Debugger) onStep(s *session, ev jdwp.Event) bool {
	e, ok := ev.(jdwp.EventSingleStep)
	if !ok {
		return false
	}
	d.mu.Lock()
	if s.steps[e.Thread] == e.Request {
		delete(s.steps, e.Thread)
	}
	s.lastStop = &Stop{Reason: StopStep, Thread: e.Thread, Location: e.Location, Time: d.clock.Now()}
	d.mu.Unlock()

	d.clearRequest(s.ctx, s, jdwp.KindSingleStep, e.Request)
	d.emit(StepCompleted{Thread: e.Thread, Location: e.Location})
	return true
}

// ExceptionBreaks selects which thrown exceptions stop execution
type ExceptionBreaks struct {
	Caught   bool `json:"caught"`
	Uncaught bool `json:"uncaught"`
}

// SetBreakOnExceptions changes the exception break setting. It is kept
// across sessions and applied on every connect.
func (d *Debugger) SetBreakOnExceptions(ctx context.Context, caught, uncaught bool) error {
	exc := ExceptionBreaks{Caught: caught, Uncaught: uncaught}

	d.mu.Lock()
	d.exceptions = exc
	s := d.sess
	var old jdwp.EventRequestID
	if s != nil {
		old = s.exception
		s.exception = 0
	}
	d.mu.Unlock()
	if s == nil {
		return nil
	}

	if old != 0 {
		d.clearRequest(ctx, s, jdwp.KindException, old)
	}
	if !caught && !uncaught {
		return nil
	}
	return d.armExceptions(ctx, s, exc)
}

// ClearBreakOnExceptions stops breaking on exceptions
func (d *Debugger) ClearBreakOnExceptions(ctx context.Context) error {
	return d.SetBreakOnExceptions(ctx, false, false)
}

// ExceptionBreaks returns the current exception break setting
func (d *Debugger) ExceptionBreaks() ExceptionBreaks {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exceptions
}

func (d *Debugger) armExceptions(ctx context.Context, s *session, exc ExceptionBreaks) error {
	req := jdwp.EventRequest{
		Kind:   jdwp.KindException,
		Policy: jdwp.SuspendAll,
		Modifiers: []jdwp.Modifier{
			jdwp.ExceptionOnlyModifier{Caught: exc.Caught, Uncaught: exc.Uncaught},
		},
	}
	_, err := d.setRequest(ctx, s, req, d.onException, func(id jdwp.EventRequestID) bool {
		s.exception = id
		return true
	})
	if err != nil {
		return fmt.Errorf("exception break: %w", err)
	}
	return nil
}

func (d *Debugger) onException(s *session, ev jdwp.Event) bool {
	e, ok := ev.(jdwp.EventException)
	if !ok {
		return false
	}
	d.mu.Lock()
	s.lastStop = &Stop{Reason: StopException, Thread: e.Thread, Location: e.Location, Time: d.clock.Now()}
	d.mu.Unlock()

	d.emit(ExceptionThrown{
		Thread:        e.Thread,
		Location:      e.Location,
		Exception:     e.Exception,
		CatchLocation: e.CatchLocation,
	})
	return true
}
