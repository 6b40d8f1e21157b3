package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ctagard/adbg/internal/dap"
	"github.com/ctagard/adbg/internal/debugger"
	apperrors "github.com/ctagard/adbg/internal/errors"
	"github.com/ctagard/adbg/internal/eventhub"
	"github.com/ctagard/adbg/internal/jdwp"
	"github.com/ctagard/adbg/internal/launchconfig"
	"github.com/ctagard/adbg/internal/mcp"
	"github.com/ctagard/adbg/internal/session"
	"github.com/ctagard/adbg/pkg/types"
)

const stopFrames = 10

type AttachCmd struct {
	Serial       string            `short:"s" help:"Device serial; may be omitted when one device is online"`
	PID          int               `help:"Process ID, see adbg processes"`
	Package      string            `short:"p" help:"Package name whose running process is attached"`
	Break        []string          `short:"b" placeholder:"TYPE:LINE" help:"Line breakpoint, e.g. com.example.MainActivity:42"`
	Caught       bool              `help:"Break on caught exceptions"`
	Uncaught     bool              `help:"Break on uncaught exceptions"`
	Suspend      bool              `help:"Leave the VM suspended after attaching"`
	Continue     bool              `help:"Resume after printing each stop"`
	LaunchConfig string            `name:"launch-config" help:"Name of an android attach configuration in launch.json"`
	Workspace    string            `type:"path" help:"Workspace folder holding .vscode/launch.json"`
	Input        map[string]string `placeholder:"ID=VALUE" help:"Value for a launch.json input"`
	EventsAddr   string            `placeholder:"HOST:PORT" help:"Also stream events to websocket clients at ws://HOST:PORT/events"`
}

// resolve builds the attach configuration from launch.json or the flags
func (c *AttachCmd) resolve() (*launchconfig.ResolvedConfiguration, error) {
	if c.LaunchConfig != "" {
		lj, path, err := launchconfig.Load(c.Workspace, "")
		if err != nil {
			return nil, fmt.Errorf("failed to load launch.json: %w", err)
		}
		cfg, err := launchconfig.FindConfiguration(lj, c.LaunchConfig)
		if err != nil {
			return nil, err
		}
		r, err := launchconfig.ResolveConfiguration(cfg, launchconfig.NewResolutionContext(lj, path, c.Workspace, c.Input))
		if err != nil {
			if missing, ok := launchconfig.IsMissingInputsError(err); ok {
				return nil, fmt.Errorf("configuration %q needs --input values for %v", c.LaunchConfig, missing.Inputs)
			}
			return nil, err
		}
		if c.Serial != "" {
			r.Serial = c.Serial
		}
		return r, nil
	}

	if c.PID < 0 {
		return nil, fmt.Errorf("invalid --pid %d", c.PID)
	}
	if c.PID == 0 && c.Package == "" {
		return nil, errors.New("give --pid, --package or --launch-config")
	}
	r := &launchconfig.ResolvedConfiguration{
		Serial:       c.Serial,
		PID:          c.PID,
		PackageName:  c.Package,
		Exceptions:   launchconfig.ExceptionBreaks{Caught: c.Caught, Uncaught: c.Uncaught},
		StopOnAttach: c.Suspend,
	}
	for _, spec := range c.Break {
		bp, err := launchconfig.Breakpoint{Type: spec}.Request()
		if err != nil {
			return nil, fmt.Errorf("invalid breakpoint %q: want TYPE:LINE", spec)
		}
		r.Breakpoints = append(r.Breakpoints, bp)
	}
	return r, nil
}

func (c *AttachCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !g.Config.CanAttach() {
		return apperrors.PermissionDenied("attach", string(g.Config.Mode))
	}
	r, err := c.resolve()
	if err != nil {
		return err
	}
	if _, err := g.waitForADB(ctx); err != nil {
		return err
	}

	out := newConsole(g.Stdout)
	opts := []mcp.Option{mcp.WithEventHandler(out.handle)}
	if c.EventsAddr != "" {
		hub, stopEvents, err := g.startEvents(ctx, c.EventsAddr)
		if err != nil {
			return err
		}
		defer stopEvents()
		opts = append(opts, mcp.WithEventHub(hub))
	}
	srv := g.newServer(opts...)
	defer srv.Close()

	sess, warnings, err := srv.Attach(ctx, r)
	if err != nil {
		return err
	}
	out.printf("attached to %s (session %s, %s)\n", sess.Target, sess.ID, sess.Status())
	for _, w := range warnings {
		out.printf("warning: %s\n", w)
	}

	return c.loop(ctx, out, sess)
}

// loop prints the stack of every stop until the session ends or ctx is done
func (c *AttachCmd) loop(ctx context.Context, out *console, sess *session.Session) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-out.disconnected:
			return err
		case thread := <-out.stops:
			out.printStack(ctx, sess.Debugger, thread)
			if !c.Continue {
				continue
			}
			if err := sess.Debugger.ResumeVM(ctx); err != nil {
				out.printf("resume failed: %v\n", err)
				continue
			}
			sess.SetStatus(types.SessionStatusRunning)
		}
	}
}

// console prints debugger events as they arrive. handle runs on the
// debugger's delivery goroutine, so stops are handed to the command loop.
type console struct {
	mu  sync.Mutex
	out io.Writer
	now func() time.Time

	stops        chan jdwp.ThreadID
	disconnected chan error
}

func newConsole(out io.Writer) *console {
	return &console{
		out:          out,
		now:          time.Now,
		stops:        make(chan jdwp.ThreadID, 16),
		disconnected: make(chan error, 1),
	}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) handle(sessionID string, ev debugger.Event) {
	frame := eventhub.Frame(sessionID, ev)
	line := c.now().Format("15:04:05.000") + " " + frame.Type
	if frame.Data != nil {
		if b, err := json.Marshal(frame.Data); err == nil {
			line += " " + string(b)
		}
	}
	c.printf("%s\n", line)

	switch e := ev.(type) {
	case debugger.BreakpointHit:
		c.stopped(e.Thread)
	case debugger.StepCompleted:
		c.stopped(e.Thread)
	case debugger.ExceptionThrown:
		c.stopped(e.Thread)
	case debugger.Disconnected:
		select {
		case c.disconnected <- e.Err:
		default:
		}
	}
}

func (c *console) stopped(thread jdwp.ThreadID) {
	select {
	case c.stops <- thread:
	default:
	}
}

func (c *console) printStack(ctx context.Context, d *debugger.Debugger, thread jdwp.ThreadID) {
	frames, err := d.Frames(ctx, thread, 0, stopFrames)
	if err != nil {
		c.printf("  stack unavailable: %v\n", err)
		return
	}
	for _, f := range dap.StackFrames(frames) {
		where := "unknown source"
		if f.Source != nil {
			where = fmt.Sprintf("%s:%d", f.Source.Name, f.Line)
		}
		c.printf("    at %s (%s)\n", f.Name, where)
	}
}
