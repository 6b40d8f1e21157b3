package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/olekukonko/tablewriter"
)

type DevicesCmd struct{}

func (c *DevicesCmd) Run(g *Globals) error {
	ctx := context.Background()
	srv := g.newServer()
	defer srv.Close()

	devices, err := srv.Devices(ctx)
	if err != nil {
		return err
	}
	if g.JSON {
		return g.printJSON(devices)
	}

	table := tablewriter.NewWriter(g.Stdout)
	table.Header("Serial", "State", "Model", "Product")
	for _, d := range devices {
		if err := table.Append([]string{d.Serial, d.State, d.Model, d.Product}); err != nil {
			return err
		}
	}
	return table.Render()
}

type ProcessesCmd struct {
	Serial string `short:"s" help:"Device serial; may be omitted when one device is online"`
}

func (c *ProcessesCmd) Run(g *Globals) error {
	ctx := context.Background()
	srv := g.newServer()
	defer srv.Close()

	serial, err := srv.ResolveSerial(ctx, c.Serial)
	if err != nil {
		return err
	}
	processes, err := srv.Processes(ctx, serial)
	if err != nil {
		return err
	}
	if g.JSON {
		return g.printJSON(map[string]any{"serial": serial, "processes": processes})
	}

	table := tablewriter.NewWriter(g.Stdout)
	table.Header("PID", "Name")
	for _, p := range processes {
		if err := table.Append([]string{strconv.Itoa(p.PID), p.PackageName}); err != nil {
			return err
		}
	}
	return table.Render()
}

type LogcatCmd struct {
	Serial string   `short:"s" help:"Device serial; may be omitted when one device is online"`
	PID    int      `help:"Only show lines of this process"`
	Lines  int      `short:"n" default:"200" help:"Number of recent lines to dump"`
	Follow bool     `short:"f" help:"Keep streaming new lines until interrupted"`
	Filter []string `arg:"" optional:"" help:"Logcat filter specs, e.g. ActivityManager:I *:S"`
}

// args builds the logcat command line
func (c *LogcatCmd) args() ([]string, error) {
	var args []string
	if !c.Follow {
		if c.Lines <= 0 {
			return nil, fmt.Errorf("--lines must be positive, got %d", c.Lines)
		}
		args = append(args, "-d", "-t", strconv.Itoa(c.Lines))
	}
	if c.PID > 0 {
		args = append(args, "--pid="+strconv.Itoa(c.PID))
	}
	for _, spec := range c.Filter {
		if strings.ContainsAny(spec, ";&|`$'\"<>\\ ") {
			return nil, fmt.Errorf("invalid filter spec %q", spec)
		}
		args = append(args, spec)
	}
	return args, nil
}

func (c *LogcatCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	args, err := c.args()
	if err != nil {
		return err
	}
	srv := g.newServer()
	defer srv.Close()
	serial, err := srv.ResolveSerial(ctx, c.Serial)
	if err != nil {
		return err
	}

	stream, err := g.Bridge.Logcat(ctx, serial, args...)
	if err != nil {
		return fmt.Errorf("logcat: %w", err)
	}
	defer stream.Close()

	for {
		chunk, err := stream.Next(ctx)
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, context.Canceled):
			return nil
		case err != nil:
			return fmt.Errorf("logcat: %w", err)
		}
		if _, err := g.Stdout.Write(chunk); err != nil {
			return err
		}
	}
}
