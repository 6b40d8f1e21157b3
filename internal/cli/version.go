package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/ctagard/adbg/internal/version"
)

type VersionCmd struct {
	Check bool `help:"Check GitHub for a newer release"`
}

func (c *VersionCmd) Run(g *Globals) error {
	if !c.Check || g.Checker == nil {
		if g.JSON {
			return g.printJSON(map[string]string{"version": version.Version})
		}
		fmt.Fprintf(g.Stdout, "adbg version %s\n", version.Version)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	info := g.Checker.CheckForUpdates(ctx)
	if g.JSON {
		return g.printJSON(info)
	}
	fmt.Fprintf(g.Stdout, "adbg version %s\n", version.Version)
	switch {
	case info.Error != "":
		fmt.Fprintf(g.Stderr, "update check failed: %s\n", info.Error)
	case info.UpdateAvailable:
		fmt.Fprintln(g.Stdout, info.UpdateMessage())
	default:
		fmt.Fprintln(g.Stdout, "adbg is up to date")
	}
	return nil
}
