package adb

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// DefaultAddress is where the ADB server listens by default
const DefaultAddress = "127.0.0.1:5037"

// DialFunc opens a connection to the ADB server
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Client talks to one ADB server. Every command runs on its own fd; the
// client tracks open fds so Close can tear all of them down.
type Client struct {
	addr string
	dial DialFunc
	log  logr.Logger

	mu     sync.Mutex
	fds    map[*Conn]struct{}
	closed bool
}

type ClientOption func(*Client)

func WithLogger(log logr.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

func WithDialer(dial DialFunc) ClientOption {
	return func(c *Client) { c.dial = dial }
}

// NewClient creates a client for the server at addr (DefaultAddress when empty)
func NewClient(addr string, opts ...ClientOption) *Client {
	if addr == "" {
		addr = DefaultAddress
	}
	d := &net.Dialer{Timeout: 5 * time.Second}
	c := &Client{
		addr: addr,
		dial: d.DialContext,
		log:  logr.Discard(),
		fds:  make(map[*Conn]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Address returns the server address
func (c *Client) Address() string { return c.addr }

// Open dials a new fd
func (c *Client) Open(ctx context.Context) (*Conn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.mu.Unlock()

	nc, err := c.dial(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("adb: connecting to server at %s: %w", c.addr, err)
	}
	fd := NewConn(NewTransport(nc), c.log)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = fd.Close()
		return nil, ErrClosed
	}
	c.fds[fd] = struct{}{}
	c.mu.Unlock()

	go func() {
		<-fd.Done()
		c.mu.Lock()
		delete(c.fds, fd)
		c.mu.Unlock()
	}()
	return fd, nil
}

// OpenFDs returns the number of fds currently open
func (c *Client) OpenFDs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fds)
}

// Close tears down every open fd. Only the first call has any effect.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	fds := make([]*Conn, 0, len(c.fds))
	for fd := range c.fds {
		fds = append(fds, fd)
	}
	c.mu.Unlock()

	for _, fd := range fds {
		_ = fd.Close()
	}
	return nil
}

// hostReply runs a host command returning a hex-length payload on a fresh fd
func (c *Client) hostReply(ctx context.Context, cmd string) ([]byte, error) {
	fd, err := c.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer fd.Close()
	return fd.SendAndReply(ctx, cmd)
}

// device opens an fd bound to the device with the given serial
func (c *Client) device(ctx context.Context, serial string) (*Conn, error) {
	fd, err := c.Open(ctx)
	if err != nil {
		return nil, err
	}
	if err := fd.Send(ctx, "host:transport:"+serial); err != nil {
		_ = fd.Close()
		return nil, err
	}
	return fd, nil
}

// Version returns the ADB server protocol version
func (c *Client) Version(ctx context.Context) (int, error) {
	b, err := c.hostReply(ctx, "host:version")
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(string(b), 16, 32)
	if err != nil {
		return 0, &ProtocolError{Command: "host:version", Msg: fmt.Sprintf("bad version %q", b)}
	}
	return int(v), nil
}

// Devices lists attached devices
func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	b, err := c.hostReply(ctx, "host:devices-l")
	if err != nil {
		return nil, err
	}
	return parseDevices(string(b)), nil
}

// TrackDevices subscribes to device list changes. extended selects
// host:track-devices-extended, which reports connection attributes.
func (c *Client) TrackDevices(ctx context.Context, extended bool) (*DeviceTracker, error) {
	fd, err := c.Open(ctx)
	if err != nil {
		return nil, err
	}
	cmd := "host:track-devices"
	if extended {
		cmd += "-extended"
	}
	s, err := fd.SendAndStream(ctx, cmd)
	if err != nil {
		_ = fd.Close()
		return nil, err
	}
	return &DeviceTracker{stream: s}, nil
}

// Forward forwards local tcp port to the jdwp endpoint of pid on the device
func (c *Client) Forward(ctx context.Context, serial string, port, pid int) error {
	fd, err := c.Open(ctx)
	if err != nil {
		return err
	}
	defer fd.Close()
	return fd.SendDouble(ctx, fmt.Sprintf("host-serial:%s:forward:tcp:%d;jdwp:%d", serial, port, pid))
}

// RemoveForward removes a forward created with Forward
func (c *Client) RemoveForward(ctx context.Context, serial string, port int) error {
	fd, err := c.Open(ctx)
	if err != nil {
		return err
	}
	defer fd.Close()
	return fd.SendDouble(ctx, fmt.Sprintf("host-serial:%s:killforward:tcp:%d", serial, port))
}

// KillForwardAll removes every forward on the server
func (c *Client) KillForwardAll(ctx context.Context) error {
	fd, err := c.Open(ctx)
	if err != nil {
		return err
	}
	defer fd.Close()
	return fd.SendDouble(ctx, "host:killforward-all")
}

// Shell runs cmd on the device and returns its output once it exits
func (c *Client) Shell(ctx context.Context, serial, cmd string) (string, error) {
	fd, err := c.device(ctx, serial)
	if err != nil {
		return "", err
	}
	defer fd.Close()
	out, err := fd.SendAndReadAll(ctx, "shell:"+cmd)
	return string(out), err
}

// Logcat streams logcat output. args are passed to the logcat binary.
func (c *Client) Logcat(ctx context.Context, serial string, args ...string) (*Stream, error) {
	fd, err := c.device(ctx, serial)
	if err != nil {
		return nil, err
	}
	cmd := "shell:logcat"
	if len(args) > 0 {
		cmd += " " + strings.Join(args, " ")
	}
	s, err := fd.SendAndStream(ctx, cmd)
	if err != nil {
		_ = fd.Close()
		return nil, err
	}
	return s, nil
}

// JDWPProcesses lists the pids of debuggable processes
func (c *Client) JDWPProcesses(ctx context.Context, serial string) ([]int, error) {
	fd, err := c.device(ctx, serial)
	if err != nil {
		return nil, err
	}
	defer fd.Close()
	b, err := fd.SendAndReply(ctx, "jdwp")
	if err != nil {
		return nil, err
	}
	var pids []int
	for _, f := range strings.Fields(string(b)) {
		pid, err := strconv.Atoi(f)
		if err != nil {
			return nil, &ProtocolError{Command: "jdwp", Msg: fmt.Sprintf("bad pid %q", f)}
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// OpenJDWP opens a raw passthrough to the jdwp endpoint of pid
func (c *Client) OpenJDWP(ctx context.Context, serial string, pid int) (*Stream, error) {
	fd, err := c.device(ctx, serial)
	if err != nil {
		return nil, err
	}
	s, err := fd.SendAndStream(ctx, "jdwp:"+strconv.Itoa(pid))
	if err != nil {
		_ = fd.Close()
		return nil, err
	}
	return s, nil
}

// Push uploads a file to the device over the sync service
func (c *Client) Push(ctx context.Context, serial string, req PushRequest) error {
	fd, err := c.device(ctx, serial)
	if err != nil {
		return err
	}
	defer fd.Close()
	if err := fd.Send(ctx, "sync:"); err != nil {
		return err
	}
	return fd.Exchange(ctx, "sync:push", func(t Transport) error {
		return push(t, req)
	})
}

// PidOf returns the pid of the named process, or 0 when it is not running
func (c *Client) PidOf(ctx context.Context, serial, pkg string) (int, error) {
	if strings.ContainsAny(pkg, " ;&|`$'\"") {
		return 0, fmt.Errorf("adb: invalid package name %q", pkg)
	}
	out, err := c.Shell(ctx, serial, "pidof "+pkg)
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return 0, nil
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, &ProtocolError{Command: "pidof", Msg: fmt.Sprintf("unexpected output %q", out)}
	}
	return pid, nil
}
