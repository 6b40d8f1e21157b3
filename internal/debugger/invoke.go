package debugger

import (
	"context"
	"fmt"
	"sync"

	apperrors "github.com/ctagard/adbg/internal/errors"
	"github.com/ctagard/adbg/internal/jdwp"
)

// InvokeRequest describes one method invocation in the target. Object is
// the receiver; a zero Object invokes the static method on Class.
type InvokeRequest struct {
	Thread  jdwp.ThreadID
	Object  jdwp.ObjectID
	Class   jdwp.ClassID
	Method  jdwp.MethodID
	Args    []jdwp.Value
	Options jdwp.InvokeOptions
}

type invocation struct {
	req  InvokeRequest
	once sync.Once
	done chan struct{}
	res  jdwp.InvokeResult
	err  error
}

func (inv *invocation) finish(res jdwp.InvokeResult, err error) {
	inv.once.Do(func() {
		inv.res, inv.err = res, err
		close(inv.done)
	})
}

// invokeQueue holds the invocations waiting on one thread. The head is the
// one running; it stays queued until its reply arrives.
type invokeQueue struct {
	entries []*invocation
}

// InvokeMethod runs a method on a suspended thread. Invocations on the same
// thread run one at a time in call order; different threads run
// concurrently. A cancelled ctx stops the wait but not the invocation
// already queued.
func (d *Debugger) InvokeMethod(ctx context.Context, req InvokeRequest) (jdwp.InvokeResult, error) {
	if req.Thread == 0 {
		return jdwp.InvokeResult{}, apperrors.InvalidParameter("thread", req.Thread, "a thread id")
	}
	if req.Object == 0 && req.Class == 0 {
		return jdwp.InvokeResult{}, apperrors.InvalidParameter("class", req.Class, "a class id for a static invoke")
	}

	inv := &invocation{req: req, done: make(chan struct{})}

	d.mu.Lock()
	s := d.sess
	if s == nil || s.closed {
		d.mu.Unlock()
		return jdwp.InvokeResult{}, fmt.Errorf("invoke: %w", ErrNotConnected)
	}
	q, ok := s.invokes[req.Thread]
	if !ok {
		q = &invokeQueue{}
		s.invokes[req.Thread] = q
	}
	q.entries = append(q.entries, inv)
	first := len(q.entries) == 1
	d.mu.Unlock()

	if first {
		go d.drain(s, req.Thread, q)
	}

	select {
	case <-inv.done:
		return inv.res, inv.err
	case <-ctx.Done():
		return jdwp.InvokeResult{}, ctx.Err()
	}
}

// drain runs the queue for thread until it is empty. The queue is dropped
// from the session once empty so the next arrival starts a new drainer.
func (d *Debugger) drain(s *session, thread jdwp.ThreadID, q *invokeQueue) {
	for {
		d.mu.Lock()
		if s.closed || len(q.entries) == 0 {
			d.mu.Unlock()
			return
		}
		inv := q.entries[0]
		d.mu.Unlock()

		res, err := d.invoke(s, inv.req)
		if err != nil && s.conn.Err() != nil {
			// The session is going down and teardown rejects the whole queue.
			<-s.done
			return
		}

		d.mu.Lock()
		if s.closed {
			// teardown already rejected every entry with its cause
			d.mu.Unlock()
			return
		}
		q.entries = q.entries[1:]
		empty := len(q.entries) == 0
		if empty {
			delete(s.invokes, thread)
		}
		d.mu.Unlock()

		inv.finish(res, err)
		if empty {
			return
		}
	}
}

func (d *Debugger) invoke(s *session, req InvokeRequest) (jdwp.InvokeResult, error) {
	var cmd jdwp.Command[jdwp.InvokeResult]
	if req.Object != 0 {
		cmd = jdwp.ObjectInvokeMethod(req.Object, req.Thread, req.Class, req.Method, req.Args, req.Options)
	} else {
		cmd = jdwp.ClassInvokeMethod(req.Class, req.Thread, req.Method, req.Args, req.Options)
	}
	d.log.V(2).Info("invoke", "thread", req.Thread, "object", req.Object, "method", req.Method)
	return jdwp.Do(s.ctx, s.conn, cmd)
}
