package adb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/smallnest/chanx"
)

type opKind int

const (
	opStatus       opKind = iota // OKAY / FAIL
	opDoubleStatus               // two statuses, as sent for forward requests
	opReply                      // status then hex-length payload
	opReadAll                    // status then everything until the server closes
	opStream                     // status then hand the fd to a Stream
	opExchange                   // exclusive raw access for a sub-protocol
)

type op struct {
	kind     opKind
	cmd      string
	exchange func(t Transport) error

	result    chan opResult
	abandoned atomic.Bool
}

type opResult struct {
	payload []byte
	stream  *Stream
	err     error
}

// Conn is one logical fd on the ADB server. A single worker goroutine runs
// submitted operations in order, so commands never interleave on the wire.
// An I/O error fails the running operation, every queued operation and an
// active stream, then closes the fd for good.
type Conn struct {
	t   Transport
	log logr.Logger

	mu       sync.Mutex
	closed   bool
	closeErr error
	streamed bool
	ops      *chanx.UnboundedChan[*op]

	done chan struct{}
}

// NewConn starts the worker for an fd
func NewConn(t Transport, log logr.Logger) *Conn {
	c := &Conn{
		t:    t,
		log:  log,
		ops:  chanx.NewUnboundedChan[*op](context.Background(), 4),
		done: make(chan struct{}),
	}
	go c.worker()
	return c
}

// Send issues cmd and waits for OKAY
func (c *Conn) Send(ctx context.Context, cmd string) error {
	_, err := c.submit(ctx, &op{kind: opStatus, cmd: cmd})
	return err
}

// SendDouble issues cmd and waits for two statuses
func (c *Conn) SendDouble(ctx context.Context, cmd string) error {
	_, err := c.submit(ctx, &op{kind: opDoubleStatus, cmd: cmd})
	return err
}

// SendAndReply issues cmd and returns the hex-length-prefixed payload
func (c *Conn) SendAndReply(ctx context.Context, cmd string) ([]byte, error) {
	res, err := c.submit(ctx, &op{kind: opReply, cmd: cmd})
	return res.payload, err
}

// SendAndReadAll issues cmd and returns everything the server sends before closing
func (c *Conn) SendAndReadAll(ctx context.Context, cmd string) ([]byte, error) {
	res, err := c.submit(ctx, &op{kind: opReadAll, cmd: cmd})
	return res.payload, err
}

// SendAndStream issues cmd and hands the fd over to the returned Stream.
// Operations submitted afterwards fail with ErrStreamActive.
func (c *Conn) SendAndStream(ctx context.Context, cmd string) (*Stream, error) {
	res, err := c.submit(ctx, &op{kind: opStream, cmd: cmd})
	return res.stream, err
}

// Exchange runs fn with exclusive access to the transport, after every
// previously submitted operation has finished. An error returned by fn is
// treated as fatal to the fd unless it is a FailError.
func (c *Conn) Exchange(ctx context.Context, name string, fn func(t Transport) error) error {
	_, err := c.submit(ctx, &op{kind: opExchange, cmd: name, exchange: fn})
	return err
}

// Done is closed once the fd is closed
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the fd was closed
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Close tears the fd down. Safe to call repeatedly.
func (c *Conn) Close() error {
	c.teardown(ErrClosed)
	return nil
}

func (c *Conn) submit(ctx context.Context, o *op) (opResult, error) {
	o.result = make(chan opResult, 1)

	c.mu.Lock()
	switch {
	case c.closed:
		err := c.closeErr
		c.mu.Unlock()
		return opResult{}, fmt.Errorf("adb: %s: %w", o.cmd, err)
	case c.streamed:
		c.mu.Unlock()
		return opResult{}, fmt.Errorf("adb: %s: %w", o.cmd, ErrStreamActive)
	}
	c.ops.In <- o
	c.mu.Unlock()

	select {
	case res := <-o.result:
		return res, res.err
	case <-ctx.Done():
		o.abandoned.Store(true)
		select {
		case res := <-o.result:
			if res.stream != nil {
				_ = res.stream.Close()
			}
		default:
		}
		return opResult{}, ctx.Err()
	}
}

func (c *Conn) worker() {
	for o := range c.ops.Out {
		c.mu.Lock()
		closed, closeErr, streamed := c.closed, c.closeErr, c.streamed
		c.mu.Unlock()
		switch {
		case closed:
			o.result <- opResult{err: fmt.Errorf("adb: %s: %w", o.cmd, closeErr)}
			continue
		case streamed:
			o.result <- opResult{err: fmt.Errorf("adb: %s: %w", o.cmd, ErrStreamActive)}
			continue
		}

		res := c.run(o)
		if res.err != nil && fatal(res.err) {
			c.log.V(1).Info("adb fd failed", "command", o.cmd, "error", res.err.Error())
			c.teardown(res.err)
		}
		o.result <- res
		if res.stream != nil && o.abandoned.Load() {
			_ = res.stream.Close()
		}
	}
}

func (c *Conn) run(o *op) opResult {
	c.log.V(2).Info("adb request", "command", o.cmd)

	if o.kind == opExchange {
		return opResult{err: o.exchange(c.t)}
	}

	req, err := encodeRequest(o.cmd)
	if err != nil {
		return opResult{err: err}
	}
	if err := c.t.Write(req); err != nil {
		return opResult{err: err}
	}
	if err := readStatus(c.t, o.cmd); err != nil {
		return opResult{err: err}
	}

	switch o.kind {
	case opDoubleStatus:
		return opResult{err: readStatus(c.t, o.cmd)}
	case opReply:
		payload, err := readHexPayload(c.t)
		return opResult{payload: payload, err: err}
	case opReadAll:
		payload, err := c.t.ReadUntilClosed()
		if err == nil {
			// The server has closed its end.
			c.teardown(ErrClosed)
		}
		return opResult{payload: payload, err: err}
	case opStream:
		c.mu.Lock()
		c.streamed = true
		c.mu.Unlock()
		return opResult{stream: newStream(c, o.cmd)}
	}
	return opResult{}
}

// fatal reports whether err leaves the fd in an unknown state
func fatal(err error) bool {
	var fe *FailError
	return !errors.As(err, &fe)
}

func (c *Conn) teardown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = cause
	// No submit can send once closed is set; the worker drains what is left.
	close(c.ops.In)
	c.mu.Unlock()

	_ = c.t.Close()
	close(c.done)
}
