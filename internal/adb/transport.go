// Package adb is a client for the ADB server smart-socket protocol. Each
// logical file descriptor is one TCP connection to the server; commands on
// one fd run strictly in submission order, independent fds run concurrently.
package adb

import (
	"bufio"
	"io"
	"net"
	"sync"
)

// Transport is a duplex byte connection with an end-of-stream signal
type Transport interface {
	// ReadN reads exactly n bytes
	ReadN(n int) ([]byte, error)
	// ReadUntilClosed reads everything until the peer closes
	ReadUntilClosed() ([]byte, error)
	// Read reads whatever is available, at most len(p) bytes
	Read(p []byte) (int, error)
	Write(p []byte) error
	// Done is closed after Close, or once a read reaches end of stream
	Done() <-chan struct{}
	Close() error
}

type netTransport struct {
	conn net.Conn
	r    *bufio.Reader

	writeMu sync.Mutex

	once sync.Once
	done chan struct{}
}

// NewTransport wraps a connection to the ADB server
func NewTransport(conn net.Conn) Transport {
	return &netTransport{
		conn: conn,
		r:    bufio.NewReader(conn),
		done: make(chan struct{}),
	}
}

func (t *netTransport) ReadN(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(t.r, buf); err != nil {
		t.checkEOF(err)
		return nil, err
	}
	return buf, nil
}

func (t *netTransport) ReadUntilClosed() ([]byte, error) {
	b, err := io.ReadAll(t.r)
	t.markDone()
	return b, err
}

func (t *netTransport) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil {
		t.checkEOF(err)
	}
	return n, err
}

func (t *netTransport) Write(p []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := t.conn.Write(p)
	return err
}

func (t *netTransport) Done() <-chan struct{} { return t.done }

func (t *netTransport) Close() error {
	t.markDone()
	return t.conn.Close()
}

func (t *netTransport) checkEOF(err error) {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		t.markDone()
	}
}

func (t *netTransport) markDone() {
	t.once.Do(func() { close(t.done) })
}
