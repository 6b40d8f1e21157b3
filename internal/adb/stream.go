package adb

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/smallnest/chanx"
)

const streamChunkSize = 32 * 1024

// Stream is an fd handed over to a long-running service: logcat, shell,
// device tracking or a raw jdwp passthrough. A background reader buffers
// chunks until they are pulled with Next or Read.
type Stream struct {
	conn *Conn
	cmd  string

	chunks *chanx.UnboundedChan[[]byte]

	mu  sync.Mutex
	err error // terminal error, set before chunks closes

	readMu  sync.Mutex
	partial []byte
}

func newStream(c *Conn, cmd string) *Stream {
	s := &Stream{
		conn:   c,
		cmd:    cmd,
		chunks: chanx.NewUnboundedChan[[]byte](context.Background(), 16),
	}
	go s.pump()
	return s
}

func (s *Stream) pump() {
	defer close(s.chunks.In)
	for {
		buf := make([]byte, streamChunkSize)
		n, err := s.conn.t.Read(buf)
		if n > 0 {
			s.chunks.In <- buf[:n]
		}
		if err == nil {
			continue
		}

		// A close we initiated wins over the resulting read error.
		if cerr := s.conn.Err(); cerr != nil {
			err = cerr
		} else if errors.Is(err, io.EOF) {
			err = io.EOF
		}
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.conn.teardown(err)
		return
	}
}

// Next blocks until a chunk arrives, the stream ends (io.EOF), the fd fails
// or ctx is done. Having no data yet is never an error.
func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	select {
	case b, ok := <-s.chunks.Out:
		if !ok {
			return nil, s.Err()
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Err returns io.EOF after a clean end, the failure cause otherwise, or nil
// while the stream is live.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Read implements io.Reader on top of Next
func (s *Stream) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if len(s.partial) == 0 {
		b, err := s.Next(context.Background())
		if err != nil {
			return 0, err
		}
		s.partial = b
	}
	n := copy(p, s.partial)
	s.partial = s.partial[n:]
	return n, nil
}

// Write sends raw bytes to the service, used by jdwp passthrough
func (s *Stream) Write(p []byte) (int, error) {
	if err := s.Err(); err != nil {
		return 0, err
	}
	if err := s.conn.t.Write(p); err != nil {
		s.conn.teardown(err)
		return 0, err
	}
	return len(p), nil
}

// ReadAll collects chunks until the stream ends cleanly
func (s *Stream) ReadAll(ctx context.Context) ([]byte, error) {
	var buf bytes.Buffer
	for {
		b, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return buf.Bytes(), nil
		}
		if err != nil {
			return buf.Bytes(), err
		}
		buf.Write(b)
	}
}

// Close releases the fd. Pending and later Next calls return ErrClosed.
func (s *Stream) Close() error {
	return s.conn.Close()
}

func (s *Stream) String() string { return "adb:" + s.cmd }

var _ io.ReadWriteCloser = (*Stream)(nil)
