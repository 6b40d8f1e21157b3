package jdwp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"github.com/smallnest/chanx"
)

const handshake = "JDWP-Handshake"

// Handshake exchanges the JDWP greeting. Cancelling ctx closes rw when it is an io.Closer.
func Handshake(ctx context.Context, rw io.ReadWriter) error {
	done := make(chan error, 1)
	go func() {
		if _, err := io.WriteString(rw, handshake); err != nil {
			done <- fmt.Errorf("jdwp handshake: write: %w", err)
			return
		}
		buf := make([]byte, len(handshake))
		if _, err := io.ReadFull(rw, buf); err != nil {
			done <- fmt.Errorf("jdwp handshake: read: %w", err)
			return
		}
		if !bytes.Equal(buf, []byte(handshake)) {
			done <- fmt.Errorf("jdwp handshake: unexpected reply %q", buf)
			return
		}
		done <- nil
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if c, ok := rw.(io.Closer); ok {
			_ = c.Close()
		}
		return ctx.Err()
	}
}

// call is an in-flight command waiting for its reply
type call struct {
	name    string
	created time.Time
	done    chan struct{}
	reply   Packet
	err     error
}

// Conn multiplexes commands over one JDWP connection. Replies are matched to
// callers by packet id; composite events are routed to Events() before any
// reply matching happens. Any read or write failure tears the connection
// down and fails every in-flight command with the same cause.
type Conn struct {
	rw    io.ReadWriteCloser
	r     *bufio.Reader
	log   logr.Logger
	clock clock.Clock

	writeMu sync.Mutex

	mu       sync.Mutex
	codec    Codec
	nextID   uint32
	pending  map[uint32]*call
	closed   bool
	closeErr error

	events *chanx.UnboundedChan[EventSet]
	done   chan struct{}
	exited chan struct{}
}

type Option func(*Conn)

func WithLogger(log logr.Logger) Option {
	return func(c *Conn) { c.log = log }
}

// WithClock sets the clock used to stamp in-flight commands
func WithClock(clk clock.Clock) Option {
	return func(c *Conn) { c.clock = clk }
}

// NewConn starts serving rw, which must already have completed the handshake.
func NewConn(rw io.ReadWriteCloser, opts ...Option) *Conn {
	c := &Conn{
		rw:      rw,
		r:       bufio.NewReader(rw),
		log:     logr.Discard(),
		clock:   clock.New(),
		codec:   NewCodec(),
		pending: make(map[uint32]*call),
		events:  chanx.NewUnboundedChan[EventSet](context.Background(), 8),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c
}

// Open performs the handshake on rw and starts serving it
func Open(ctx context.Context, rw io.ReadWriteCloser, opts ...Option) (*Conn, error) {
	if err := Handshake(ctx, rw); err != nil {
		_ = rw.Close()
		return nil, err
	}
	return NewConn(rw, opts...), nil
}

// Codec returns the codec currently in use
func (c *Conn) Codec() Codec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codec
}

// SetIDSizes switches the codec to the negotiated identifier widths
func (c *Conn) SetIDSizes(sizes IDSizes) {
	c.mu.Lock()
	c.codec = Codec{Sizes: sizes}
	c.mu.Unlock()
}

// Events delivers composite events in arrival order. The channel is closed
// after the connection shuts down and all buffered events are drained.
func (c *Conn) Events() <-chan EventSet { return c.events.Out }

// Done is closed when the connection is torn down
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the teardown cause, or nil while the connection is open
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Pending returns the number of commands awaiting a reply
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close tears the connection down. It is safe to call more than once.
func (c *Conn) Close() error {
	c.teardown(ErrClosed)
	<-c.exited
	return nil
}

// Do sends cmd and waits for its typed reply
func Do[T any](ctx context.Context, c *Conn, cmd Command[T]) (T, error) {
	var zero T
	p, codec, err := c.roundTrip(ctx, cmd)
	if err != nil {
		return zero, err
	}
	return cmd.DecodeReply(codec, p)
}

func (c *Conn) roundTrip(ctx context.Context, req Request) (Packet, Codec, error) {
	name := req.CommandName()

	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return Packet{}, Codec{}, fmt.Errorf("%s: %w", name, err)
	}
	c.nextID++
	id := c.nextID
	codec := c.codec
	cl := &call{name: name, created: c.clock.Now(), done: make(chan struct{})}
	c.pending[id] = cl
	c.mu.Unlock()

	p := codec.Encode(id, req)
	c.log.V(2).Info("jdwp send", "id", id, "command", name, "len", len(p.Data))

	c.writeMu.Lock()
	err := WritePacket(c.rw, p)
	c.writeMu.Unlock()
	if err != nil {
		c.teardown(err)
		<-cl.done
		return Packet{}, Codec{}, fmt.Errorf("%s: %w", name, cl.err)
	}

	select {
	case <-cl.done:
		if cl.err != nil {
			return Packet{}, Codec{}, fmt.Errorf("%s: %w", name, cl.err)
		}
		c.log.V(2).Info("jdwp reply", "id", id, "command", name,
			"status", cl.reply.ErrorCode, "elapsed", c.clock.Since(cl.created))
		return cl.reply, codec, nil
	case <-ctx.Done():
		// The reply, if it ever arrives, is dropped by readLoop.
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return Packet{}, Codec{}, fmt.Errorf("%s: %w", name, ctx.Err())
	}
}

func (c *Conn) readLoop() {
	defer close(c.exited)
	defer close(c.events.In)

	for {
		p, err := ReadPacket(c.r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			c.teardown(err)
			return
		}
		c.dispatch(p)
	}
}

func (c *Conn) dispatch(p Packet) {
	switch p.Kind() {
	case PacketEvent:
		set, err := c.Codec().DecodeEvent(p.Data)
		if err != nil {
			c.log.Error(err, "undecodable composite event", "id", p.ID)
			set.Err = err
		} else if set.Skipped > 0 {
			c.log.V(1).Info("composite event contained unknown event kinds", "skipped", set.Skipped)
		}
		c.events.In <- set

	case PacketDDM:
		c.log.V(2).Info("discarding DDM chunk", "id", p.ID, "len", len(p.Data))

	case PacketReply:
		c.mu.Lock()
		cl := c.pending[p.ID]
		delete(c.pending, p.ID)
		c.mu.Unlock()
		if cl == nil {
			c.log.V(1).Info("reply for unknown command", "id", p.ID)
			return
		}
		cl.reply = p
		close(cl.done)

	default:
		c.log.V(1).Info("ignoring command packet from VM", "set", p.CommandSet, "command", p.Command)
	}
}

func (c *Conn) teardown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = cause
	pending := c.pending
	c.pending = map[uint32]*call{}
	c.mu.Unlock()

	if !errors.Is(cause, ErrClosed) {
		c.log.V(1).Info("jdwp connection lost", "error", cause.Error(), "pending", len(pending))
	}
	_ = c.rw.Close()
	for _, cl := range pending {
		cl.err = cause
		close(cl.done)
	}
	close(c.done)
}
