// Package mcp provides the Model Context Protocol (MCP) server implementation.
//
// This package exposes Android debugging through MCP tools that can be used
// by AI assistants and other MCP clients:
//
// Devices (always available):
//   - device_list: List devices known to the ADB server
//   - device_processes: List debuggable processes on a device
//   - device_logcat: Dump recent logcat output
//
// Sessions (always available):
//   - debug_list_configs: List android attach configurations in launch.json
//   - debug_attach: Attach to a process by pid, package or launch.json configuration
//   - debug_disconnect: Disconnect from a session
//   - debug_list_sessions: List active sessions
//   - adbg_version: Version and update availability
//
// Inspection (always available):
//   - debug_threads, debug_stack, debug_locals: Thread and frame state
//   - debug_field, debug_array: Object fields and array elements
//   - debug_classes: Loaded classes
//   - debug_wait_for_stop: Block until a breakpoint, step or exception
//
// Control (full mode only):
//   - debug_breakpoints: Set, remove, clear and list line breakpoints
//   - debug_exception_breaks: Break on caught or uncaught exceptions
//   - debug_suspend, debug_resume: Suspend and resume the VM or a thread
//   - debug_step: Step into/over/out
//   - debug_set_local: Modify a local variable
//   - debug_invoke: Run a method in the target
//   - device_push: Upload a file to the device
package mcp

import (
	"context"
	"io"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ctagard/adbg/internal/adb"
	"github.com/ctagard/adbg/internal/config"
	"github.com/ctagard/adbg/internal/debugger"
	"github.com/ctagard/adbg/internal/eventhub"
	"github.com/ctagard/adbg/internal/ports"
	"github.com/ctagard/adbg/internal/session"
	"github.com/ctagard/adbg/internal/version"
)

// Bridge is the part of the ADB client the tools use. *adb.Client implements it.
type Bridge interface {
	debugger.Forwarder
	Devices(ctx context.Context) ([]adb.Device, error)
	JDWPProcesses(ctx context.Context, serial string) ([]int, error)
	PidOf(ctx context.Context, serial, pkg string) (int, error)
	Shell(ctx context.Context, serial, cmd string) (string, error)
	Logcat(ctx context.Context, serial string, args ...string) (*adb.Stream, error)
	Push(ctx context.Context, serial string, req adb.PushRequest) error
}

var _ Bridge = (*adb.Client)(nil)

// Server wraps the MCP server with debugging capabilities
type Server struct {
	mcpServer *server.MCPServer
	sessions  *session.Manager
	bridge    Bridge
	config    *config.Config
	log       logr.Logger

	newBackOff    func() backoff.BackOff
	debuggerOpts  []debugger.Option
	eventHandlers []func(sessionID string, ev debugger.Event)
	checker       *version.Checker

	mu            sync.Mutex
	subscriptions map[string]func()

	// tools lists the registered tool names in registration order
	tools []string
}

type Option func(*Server)

func WithLogger(log logr.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithEventHub publishes the events of every attached session on hub
func WithEventHub(hub *eventhub.Hub) Option {
	return WithEventHandler(hub.Publish)
}

// WithEventHandler calls fn with the events of every attached session.
// fn runs on the debugger's delivery goroutine and must not block.
func WithEventHandler(fn func(sessionID string, ev debugger.Event)) Option {
	return func(s *Server) { s.eventHandlers = append(s.eventHandlers, fn) }
}

// WithBackOff sets the retry policy for attach
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(s *Server) { s.newBackOff = newBackOff }
}

// WithVersionChecker reports the checker's cached update info from adbg_version
func WithVersionChecker(c *version.Checker) Option {
	return func(s *Server) { s.checker = c }
}

// WithDebuggerOptions adds options to every session's debugger
func WithDebuggerOptions(opts ...debugger.Option) Option {
	return func(s *Server) { s.debuggerOpts = append(s.debuggerOpts, opts...) }
}

// NewServer creates a new adbg MCP server
func NewServer(cfg *config.Config, bridge Bridge, opts ...Option) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"adbg",
			version.Version,
			server.WithToolCapabilities(true),
			server.WithRecovery(),
		),
		bridge:        bridge,
		config:        cfg,
		log:           logr.Discard(),
		newBackOff:    defaultBackOff,
		subscriptions: make(map[string]func()),
	}
	for _, opt := range opts {
		opt(s)
	}

	reg := ports.NewRegistry(cfg.Forward.PortMin, cfg.Forward.PortMax, ports.WithLogger(s.log.WithName("ports")))
	factory := func(target debugger.Target, opts ...debugger.Option) *debugger.Debugger {
		all := []debugger.Option{
			debugger.WithLogger(s.log.WithName("debugger").WithValues("target", target.String())),
			debugger.WithPorts(reg),
		}
		if cfg.Forward.FixedPort > 0 {
			all = append(all, debugger.WithFixedPort(cfg.Forward.FixedPort))
		}
		all = append(all, s.debuggerOpts...)
		return debugger.New(bridge, append(all, opts...)...)
	}
	s.sessions = session.NewManager(factory, cfg.MaxSessions, cfg.SessionTimeout,
		session.WithLogger(s.log.WithName("sessions")))

	s.registerTools()
	return s
}

func defaultBackOff() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
}

// addTool registers a tool and remembers its name
func (s *Server) addTool(tool mcp.Tool, handler server.ToolHandlerFunc) {
	s.mcpServer.AddTool(tool, handler)
	s.tools = append(s.tools, tool.Name)
}

// ServeStdio starts the server using stdio transport
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// Serve runs the server on the given streams until ctx is done
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	return server.NewStdioServer(s.mcpServer).Listen(ctx, in, out)
}

// Close shuts down the server and every session
func (s *Server) Close() {
	s.mu.Lock()
	for id, cancel := range s.subscriptions {
		cancel()
		delete(s.subscriptions, id)
	}
	s.mu.Unlock()
	s.sessions.Close()
}

// Sessions returns the session manager
func (s *Server) Sessions() *session.Manager {
	return s.sessions
}

// Tools returns the names of the registered tools
func (s *Server) Tools() []string {
	return append([]string(nil), s.tools...)
}

// subscribe passes the session's events to the event handlers, once per session
func (s *Server) subscribe(sess *session.Session) {
	if len(s.eventHandlers) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscriptions[sess.ID]; ok {
		return
	}
	id := sess.ID
	s.subscriptions[id] = sess.Debugger.OnEvent(func(ev debugger.Event) {
		for _, fn := range s.eventHandlers {
			fn(id, ev)
		}
	})
}

func (s *Server) unsubscribe(id string) {
	s.mu.Lock()
	cancel, ok := s.subscriptions[id]
	delete(s.subscriptions, id)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}
