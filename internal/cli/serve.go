package cli

import (
	"context"
	"errors"
	"io"
	"os/signal"
	"syscall"

	"github.com/ctagard/adbg/internal/mcp"
	"github.com/ctagard/adbg/internal/version"
)

type ServeCmd struct {
	EventsAddr string `placeholder:"HOST:PORT" help:"Also stream session events to websocket clients at ws://HOST:PORT/events"`
}

func (c *ServeCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts []mcp.Option
	if c.EventsAddr != "" {
		hub, stopEvents, err := g.startEvents(ctx, c.EventsAddr)
		if err != nil {
			return err
		}
		defer stopEvents()
		opts = append(opts, mcp.WithEventHub(hub))
	}

	// Serving does not wait for the ADB server
	go func() {
		if v, err := g.waitForADB(ctx); err != nil {
			g.Log.Error(err, "device tools fail until the ADB server is started")
		} else {
			g.Log.V(1).Info("ADB server ready", "address", g.Config.ADB.Address, "version", v)
		}
	}()
	if g.Checker != nil {
		g.Checker.CheckForUpdatesAsync()
	}

	srv := g.newServer(opts...)
	defer srv.Close()

	g.Log.Info("adbg MCP server starting", "version", version.Version, "mode", string(g.Config.Mode))
	err := srv.Serve(ctx, g.Stdin, g.Stdout)
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		g.Log.Info("shutting down")
		return nil
	}
	return err
}
