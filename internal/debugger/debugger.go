// Package debugger drives a JDWP debugging session against an Android
// process reached through an ADB port forward. It owns the breakpoint table,
// the loaded-class cache, per-thread suspend counts and invoke queues, and
// reports what happens in the VM to registered listeners.
package debugger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"github.com/samber/lo"
	"github.com/smallnest/chanx"

	"github.com/ctagard/adbg/internal/ports"
)

var (
	// ErrNotConnected is returned by operations that need a live session
	ErrNotConnected = errors.New("debugger: not connected")
	// ErrDisconnected is the cause handed to pending work on an explicit disconnect
	ErrDisconnected = errors.New("debugger: disconnected")
	// ErrAlreadyConnected is returned when connecting to a second target
	ErrAlreadyConnected = errors.New("debugger: already attached to another target")
	// ErrBreakpointRemoved is returned when a breakpoint was deleted while it was being bound
	ErrBreakpointRemoved = errors.New("debugger: breakpoint removed")
	// ErrVMDeath is the disconnect cause when the VM reports its own exit
	ErrVMDeath = errors.New("debugger: VM exited")
)

// State is the session lifecycle state
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// Target identifies the process to attach to
type Target struct {
	Serial string `json:"serial"`
	PID    int    `json:"pid"`
}

func (t Target) String() string { return fmt.Sprintf("%s/%d", t.Serial, t.PID) }

// Forwarder creates and removes the local port forward to a process' jdwp
// endpoint. *adb.Client implements it.
type Forwarder interface {
	Forward(ctx context.Context, serial string, port, pid int) error
	RemoveForward(ctx context.Context, serial string, port int) error
}

// DialFunc connects to the forwarded local port
type DialFunc func(ctx context.Context, port int) (io.ReadWriteCloser, error)

type listener struct {
	id int
	fn func(Event)
}

// Debugger owns at most one session at a time. Breakpoints and exception
// settings outlive sessions and are replayed on every connect.
type Debugger struct {
	fwd       Forwarder
	dial      DialFunc
	ports     *ports.Registry
	fixedPort int
	log       logr.Logger
	clock     clock.Clock

	mu          sync.Mutex
	state       State
	attempt     *attempt
	sess        *session
	breakpoints map[BreakpointKey]*breakpoint
	order       []*breakpoint
	exceptions  ExceptionBreaks
	listeners   []listener
	nextID      int

	emitMu sync.Mutex
	closed bool
	events *chanx.UnboundedChan[Event]
	quit   chan struct{}
}

type Option func(*Debugger)

func WithLogger(log logr.Logger) Option {
	return func(d *Debugger) { d.log = log }
}

// WithPorts sets the registry forward ports are reserved from
func WithPorts(r *ports.Registry) Option {
	return func(d *Debugger) { d.ports = r }
}

// WithFixedPort forwards through port instead of a random one
func WithFixedPort(port int) Option {
	return func(d *Debugger) { d.fixedPort = port }
}

func WithDialer(dial DialFunc) Option {
	return func(d *Debugger) { d.dial = dial }
}

func WithClock(clk clock.Clock) Option {
	return func(d *Debugger) { d.clock = clk }
}

// New creates a disconnected debugger. Close releases it.
func New(fwd Forwarder, opts ...Option) *Debugger {
	d := &Debugger{
		fwd:         fwd,
		dial:        dialLocal,
		log:         logr.Discard(),
		clock:       clock.New(),
		breakpoints: make(map[BreakpointKey]*breakpoint),
		events:      chanx.NewUnboundedChan[Event](context.Background(), 16),
		quit:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.ports == nil {
		d.ports = ports.NewRegistry(40000, 40999, ports.WithLogger(d.log))
	}
	go d.deliver()
	return d
}

func dialLocal(ctx context.Context, port int) (io.ReadWriteCloser, error) {
	var dialer net.Dialer
	return dialer.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
}

// State returns the current lifecycle state
func (d *Debugger) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Target returns the attached target while connected
func (d *Debugger) Target() (Target, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sess == nil {
		return Target{}, false
	}
	return d.sess.target, true
}

// LastStop returns where execution last stopped in the current session
func (d *Debugger) LastStop() (Stop, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sess == nil || d.sess.lastStop == nil {
		return Stop{}, false
	}
	return *d.sess.lastStop, true
}

// OnEvent registers fn for every emitted event. Events are delivered in
// order from a single goroutine; fn must not block for long.
func (d *Debugger) OnEvent(fn func(Event)) (remove func()) {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.listeners = append(d.listeners, listener{id: id, fn: fn})
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		d.listeners = lo.Reject(d.listeners, func(l listener, _ int) bool { return l.id == id })
		d.mu.Unlock()
	}
}

func (d *Debugger) emit(evs ...Event) {
	if len(evs) == 0 {
		return
	}
	d.emitMu.Lock()
	defer d.emitMu.Unlock()
	if d.closed {
		return
	}
	for _, ev := range evs {
		d.events.In <- ev
	}
}

func (d *Debugger) deliver() {
	defer close(d.quit)
	for ev := range d.events.Out {
		d.mu.Lock()
		ls := make([]listener, len(d.listeners))
		copy(ls, d.listeners)
		d.mu.Unlock()

		for _, l := range ls {
			l.fn(ev)
		}
	}
}

// Close disconnects and stops event delivery once queued events are out
func (d *Debugger) Close() error {
	err := d.Disconnect(context.Background())

	d.emitMu.Lock()
	if !d.closed {
		d.closed = true
		close(d.events.In)
	}
	d.emitMu.Unlock()
	<-d.quit
	return err
}

// session returns the live session or ErrNotConnected
func (d *Debugger) session(op string) (*session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sess == nil {
		return nil, fmt.Errorf("%s: %w", op, ErrNotConnected)
	}
	return d.sess, nil
}
