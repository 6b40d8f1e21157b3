package debugger

import (
	"context"
	"sync"

	"github.com/ctagard/adbg/internal/jdwp"
	"github.com/ctagard/adbg/internal/ports"
)

// eventHandler handles one event record. It returns true when the event is
// a stop the user should see, in which case the threads stay suspended.
type eventHandler func(s *session, ev jdwp.Event) bool

type subscription struct {
	kind   jdwp.EventKind
	handle eventHandler
}

// session is everything tied to one JDWP connection. The maps are guarded by
// Debugger.mu; nothing here survives a disconnect.
type session struct {
	target    Target
	port      *ports.Reservation
	forwarded bool
	conn      *jdwp.Conn

	ctx    context.Context
	cancel context.CancelFunc
	memo   *memo

	// settled is signalled whenever an EventRequest.Set completes, so the
	// event loop can wait for the subscription of a request that fired
	// before its reply was processed.
	settled *sync.Cond
	setting int

	loaded    map[string]jdwp.ClassInfo
	filters   map[string]jdwp.EventRequestID
	subs      map[jdwp.EventRequestID]subscription
	suspend   suspendCounts
	invokes   map[jdwp.ThreadID]*invokeQueue
	steps     map[jdwp.ThreadID]jdwp.EventRequestID
	exception jdwp.EventRequestID
	lastStop  *Stop

	closed bool
	done   chan struct{}
}

func newSession(target Target, port *ports.Reservation, mu *sync.Mutex) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		target:  target,
		port:    port,
		ctx:     ctx,
		cancel:  cancel,
		memo:    newMemo(ctx),
		settled: sync.NewCond(mu),
		loaded:  make(map[string]jdwp.ClassInfo),
		filters: make(map[string]jdwp.EventRequestID),
		subs:    make(map[jdwp.EventRequestID]subscription),
		suspend: suspendCounts{threads: make(map[jdwp.ThreadID]int)},
		invokes: make(map[jdwp.ThreadID]*invokeQueue),
		steps:   make(map[jdwp.ThreadID]jdwp.EventRequestID),
		done:    make(chan struct{}),
	}
}

// suspendCounts mirrors the VM's suspend depth. global is the depth of every
// thread never suspended or resumed individually; threads holds the depth of
// those that were. Counts never drop below zero, matching the VM, which
// ignores a resume of a thread that is not suspended.
type suspendCounts struct {
	global  int
	threads map[jdwp.ThreadID]int
}

func (c *suspendCounts) suspendAll() {
	c.global++
	for t := range c.threads {
		c.threads[t]++
	}
}

func (c *suspendCounts) resumeAll() {
	if c.global > 0 {
		c.global--
	}
	for t, n := range c.threads {
		if n > 0 {
			c.threads[t] = n - 1
		}
	}
}

func (c *suspendCounts) suspendThread(t jdwp.ThreadID) {
	c.threads[t] = c.count(t) + 1
}

func (c *suspendCounts) resumeThread(t jdwp.ThreadID) {
	if n := c.count(t); n > 0 {
		c.threads[t] = n - 1
	} else {
		c.threads[t] = 0
	}
}

func (c *suspendCounts) count(t jdwp.ThreadID) int {
	if n, ok := c.threads[t]; ok {
		return n
	}
	return c.global
}

func (c *suspendCounts) forget(t jdwp.ThreadID) {
	delete(c.threads, t)
}
