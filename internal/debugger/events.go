package debugger

import (
	"time"

	"github.com/ctagard/adbg/internal/jdwp"
)

// Event is something the debugger reports to its listeners
type Event interface {
	EventType() string
}

// Connected is emitted once a session is fully established
type Connected struct {
	Target Target
	Port   int
}

// Disconnected is emitted when a session ends. Err is nil for an explicit
// disconnect and carries the transport failure otherwise.
type Disconnected struct {
	Target Target
	Err    error
}

// BreakpointStateChanged is emitted on every breakpoint lifecycle transition
type BreakpointStateChanged struct {
	Breakpoint Breakpoint
	Old        BreakpointState
	New        BreakpointState
}

// BreakpointHit is emitted when execution stops at a breakpoint
type BreakpointHit struct {
	Breakpoint Breakpoint
	Thread     jdwp.ThreadID
	Location   jdwp.Location
}

// StepCompleted is emitted when a step request finishes
type StepCompleted struct {
	Thread   jdwp.ThreadID
	Location jdwp.Location
}

// ExceptionThrown is emitted when an exception break fires
type ExceptionThrown struct {
	Thread        jdwp.ThreadID
	Location      jdwp.Location
	Exception     jdwp.TaggedObjectID
	CatchLocation jdwp.Location
}

// Uncaught reports whether no handler was found for the exception
func (e ExceptionThrown) Uncaught() bool { return e.CatchLocation.IsZero() }

type ThreadStarted struct {
	Thread jdwp.ThreadID
}

type ThreadEnded struct {
	Thread jdwp.ThreadID
}

func (Connected) EventType() string              { return "connected" }
func (Disconnected) EventType() string           { return "disconnected" }
func (BreakpointStateChanged) EventType() string { return "breakpointStateChanged" }
func (BreakpointHit) EventType() string          { return "breakpointHit" }
func (StepCompleted) EventType() string          { return "stepCompleted" }
func (ExceptionThrown) EventType() string        { return "exceptionThrown" }
func (ThreadStarted) EventType() string          { return "threadStarted" }
func (ThreadEnded) EventType() string            { return "threadEnded" }

// StopReason says why execution last stopped
type StopReason string

const (
	StopBreakpoint StopReason = "breakpoint"
	StopStep       StopReason = "step"
	StopException  StopReason = "exception"
)

// Stop describes the last place execution stopped
type Stop struct {
	Reason   StopReason
	Thread   jdwp.ThreadID
	Location jdwp.Location
	Time     time.Time
}
