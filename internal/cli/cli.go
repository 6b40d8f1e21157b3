// Package cli implements the adbg command line: the MCP server and a few
// console commands for working with devices and debug sessions directly.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/ctagard/adbg/internal/adb"
	"github.com/ctagard/adbg/internal/config"
	"github.com/ctagard/adbg/internal/eventhub"
	"github.com/ctagard/adbg/internal/logger"
	"github.com/ctagard/adbg/internal/mcp"
	"github.com/ctagard/adbg/internal/version"
)

// CLI is the kong command tree. Global flags override the config file and
// the environment.
type CLI struct {
	Config    string `short:"c" type:"path" help:"Path to configuration file (YAML)"`
	Mode      string `help:"Capability mode: readonly or full"`
	ADB       string `name:"adb" placeholder:"HOST:PORT" help:"ADB server address"`
	LogLevel  string `help:"Log level: debug, info, warn, error"`
	LogFormat string `help:"Log format: console, json or auto"`
	JSON      bool   `help:"Print command output as JSON"`

	Serve     ServeCmd     `cmd:"" default:"1" help:"Run the MCP server on stdio (default)"`
	Devices   DevicesCmd   `cmd:"" help:"List devices known to the ADB server"`
	Processes ProcessesCmd `cmd:"" help:"List debuggable processes on a device"`
	Logcat    LogcatCmd    `cmd:"" help:"Print logcat output of a device"`
	Attach    AttachCmd    `cmd:"" help:"Attach to a process and print debugger events"`
	Version   VersionCmd   `cmd:"" help:"Show version information"`
}

// Apply overlays the global flags on cfg
func (c *CLI) Apply(cfg *config.Config) error {
	if c.Mode != "" {
		cfg.Mode = config.CapabilityMode(c.Mode)
	}
	if c.ADB != "" {
		cfg.ADB.Address = c.ADB
	}
	if c.LogLevel != "" {
		cfg.Log.Level = c.LogLevel
	}
	if c.LogFormat != "" {
		cfg.Log.Format = c.LogFormat
	}
	return cfg.Validate()
}

// Bridge is what the commands need from the ADB client
type Bridge interface {
	mcp.Bridge
	Version(ctx context.Context) (int, error)
}

var _ Bridge = (*adb.Client)(nil)

// Globals carries the state shared by every command
type Globals struct {
	Config  *config.Config
	Log     logr.Logger
	Bridge  Bridge
	Checker *version.Checker
	JSON    bool

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// BackOff paces the wait for the ADB server and attach retries
	BackOff func() backoff.BackOff

	closers []func()
}

// NewGlobals loads the configuration, applies the flags of c and connects
// the logger and the ADB client.
func NewGlobals(c *CLI) (*Globals, error) {
	cfg, err := config.LoadFromFile(c.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := c.Apply(cfg); err != nil {
		return nil, err
	}

	log, err := logger.New("adbg", cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: cfg.ADB.DialTimeout}
	client := adb.NewClient(cfg.ADB.Address,
		adb.WithLogger(log.WithName("adb")),
		adb.WithDialer(dialer.DialContext),
	)

	return &Globals{
		Config:  cfg,
		Log:     log.Logger,
		Bridge:  client,
		Checker: version.NewChecker(),
		JSON:    c.JSON,
		Stdin:   os.Stdin,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		closers: []func(){
			func() { _ = client.Close() },
			log.Flush,
		},
	}, nil
}

// Close releases the ADB client and flushes the logger
func (g *Globals) Close() {
	for _, fn := range g.closers {
		fn()
	}
	g.closers = nil
}

func (g *Globals) newServer(opts ...mcp.Option) *mcp.Server {
	all := []mcp.Option{mcp.WithLogger(g.Log.WithName("mcp"))}
	if g.Checker != nil {
		all = append(all, mcp.WithVersionChecker(g.Checker))
	}
	if g.BackOff != nil {
		all = append(all, mcp.WithBackOff(g.BackOff))
	}
	return mcp.NewServer(g.Config, g.Bridge, append(all, opts...)...)
}

func (g *Globals) backOff() backoff.BackOff {
	if g.BackOff != nil {
		return g.BackOff()
	}
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(500*time.Millisecond), 6)
}

// waitForADB polls the ADB server until it answers host:version
func (g *Globals) waitForADB(ctx context.Context) (int, error) {
	var v int
	op := func() error {
		var err error
		v, err = g.Bridge.Version(ctx)
		return err
	}
	notify := func(err error, wait time.Duration) {
		g.Log.V(1).Info("ADB server not ready", "address", g.Config.ADB.Address, "error", err.Error(), "retryIn", wait.String())
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(g.backOff(), ctx), notify); err != nil {
		return 0, fmt.Errorf("ADB server at %s is not reachable: %w", g.Config.ADB.Address, err)
	}
	return v, nil
}

// startEvents serves an event hub over websocket at addr until the returned
// stop func is called.
func (g *Globals) startEvents(ctx context.Context, addr string) (*eventhub.Hub, func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen for events: %w", err)
	}

	log := g.Log.WithName("events")
	hub := eventhub.New(eventhub.WithLogger(log))
	mux := http.NewServeMux()
	mux.Handle("/events", hub)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	hubCtx, cancel := context.WithCancel(ctx)
	var eg errgroup.Group
	eg.Go(func() error {
		hub.Run(hubCtx)
		return nil
	})
	eg.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	log.Info("serving events", "url", "ws://"+ln.Addr().String()+"/events")

	stop := func() {
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
		if err := eg.Wait(); err != nil {
			log.Error(err, "event server failed")
		}
	}
	return hub, stop, nil
}

// printJSON writes v as indented JSON
func (g *Globals) printJSON(v any) error {
	enc := json.NewEncoder(g.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
