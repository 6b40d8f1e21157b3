package debugger

import (
	"context"
	"errors"
	"sync"

	"github.com/ctagard/adbg/internal/jdwp"
)

type memoState int

const (
	memoPending memoState = iota
	memoReady
	memoFailed
)

// memoKey names one piece of remote metadata: a (type, member) pair plus the
// kind of fetch. name is used for lookups keyed by signature.
type memoKey struct {
	kind   string
	typ    jdwp.ReferenceTypeID
	member uint64
	name   string
}

type memoEntry struct {
	state memoState
	value any
	err   error
	done  chan struct{}
}

// memo caches metadata fetches for one session. The first caller for a key
// issues the fetch; everyone else arriving while it is outstanding waits on
// the same entry, so each key costs at most one wire round trip.
type memo struct {
	ctx context.Context

	mu      sync.Mutex
	entries map[memoKey]*memoEntry
	closed  error
}

func newMemo(ctx context.Context) *memo {
	return &memo{ctx: ctx, entries: make(map[memoKey]*memoEntry)}
}

// fail rejects every pending entry with cause and refuses new fetches
func (m *memo) fail(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed != nil {
		return
	}
	m.closed = cause
	for key, e := range m.entries {
		if e.state == memoPending {
			e.state, e.err = memoFailed, cause
			close(e.done)
		}
		delete(m.entries, key)
	}
}

// memoize returns the cached value for key, or runs fetch once. fetch runs on
// the session context so a caller giving up does not fail other waiters.
func memoize[T any](ctx context.Context, m *memo, key memoKey, fetch func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	m.mu.Lock()
	if m.closed != nil {
		err := m.closed
		m.mu.Unlock()
		return zero, err
	}
	e, ok := m.entries[key]
	if !ok {
		e = &memoEntry{state: memoPending, done: make(chan struct{})}
		m.entries[key] = e
		go m.run(key, e, func(ctx context.Context) (any, error) { return fetch(ctx) })
	}
	m.mu.Unlock()

	select {
	case <-e.done:
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	if e.err != nil {
		return zero, e.err
	}
	return e.value.(T), nil
}

func (m *memo) run(key memoKey, e *memoEntry, fetch func(ctx context.Context) (any, error)) {
	v, err := fetch(m.ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if e.state != memoPending {
		// Rejected by fail while the fetch was outstanding.
		return
	}
	if err != nil {
		e.state, e.err = memoFailed, err
		// Cache VM answers only. Transport and context errors are retried.
		var ce *jdwp.CommandError
		if !errors.As(err, &ce) {
			delete(m.entries, key)
		}
	} else {
		e.state, e.value = memoReady, v
	}
	close(e.done)
}
