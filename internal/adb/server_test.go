package adb

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// fakeServer speaks the server side of the smart-socket protocol on a
// loopback listener. Every accepted fd is passed to handle in its own
// goroutine.
type fakeServer struct {
	ln     net.Listener
	handle func(c *serverConn)
	wg     sync.WaitGroup
}

func newFakeServer(t *testing.T, handle func(c *serverConn)) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeServer{ln: ln, handle: handle}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(func() {
		_ = ln.Close()
		s.wg.Wait()
	})
	return s
}

func (s *fakeServer) serve() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer nc.Close()
			s.handle(&serverConn{Conn: nc, r: bufio.NewReader(nc)})
		}()
	}
}

func (s *fakeServer) client() *Client {
	return NewClient(s.ln.Addr().String())
}

type serverConn struct {
	net.Conn
	r *bufio.Reader
}

// request reads one framed request, or returns "" once the client is gone
func (c *serverConn) request() string {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(c.r, hdr); err != nil {
		return ""
	}
	n, err := strconv.ParseUint(string(hdr), 16, 16)
	if err != nil {
		return ""
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return ""
	}
	return string(body)
}

func (c *serverConn) okay() {
	_, _ = c.Write([]byte("OKAY"))
}

func (c *serverConn) fail(msg string) {
	_, _ = fmt.Fprintf(c, "FAIL%04x%s", len(msg), msg)
}

func (c *serverConn) reply(payload string) {
	_, _ = fmt.Fprintf(c, "OKAY%04x%s", len(payload), payload)
}

func (c *serverConn) frame(payload string) {
	_, _ = fmt.Fprintf(c, "%04x%s", len(payload), payload)
}

func (c *serverConn) readN(n int) []byte {
	b := make([]byte, n)
	if _, err := io.ReadFull(c.r, b); err != nil {
		return nil
	}
	return b
}

// transport handles host:transport:<serial>, failing for any other serial
func (c *serverConn) transport(serial string) bool {
	req := c.request()
	if req != "host:transport:"+serial {
		c.fail(fmt.Sprintf("device '%s' not found", strings.TrimPrefix(req, "host:transport:")))
		return false
	}
	c.okay()
	return true
}

func bg() context.Context { return context.Background() }
