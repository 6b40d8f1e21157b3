package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/ctagard/adbg/internal/cli"
)

const description = `adbg: Android debugging for MCP clients

Serves Java/Kotlin debugging of Android apps over the Model Context Protocol.
adbg talks to the ADB server for devices and processes and to each app's
JDWP agent for breakpoints, stepping and inspection.

MCP client configuration:

    {
        "mcpServers": {
            "adbg": {
                "command": "adbg",
                "args": ["serve", "--mode", "full"]
            }
        }
    }`

func main() {
	var c cli.CLI
	ctx := kong.Parse(&c,
		kong.Name("adbg"),
		kong.Description(description),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}),
	)

	globals, err := cli.NewGlobals(&c)
	if err != nil {
		fmt.Fprintf(os.Stderr, "adbg: %v\n", err)
		os.Exit(1)
	}

	err = ctx.Run(globals)
	if err != nil {
		globals.Log.Error(err, "command failed", "command", ctx.Command())
	}
	globals.Close()
	if err != nil {
		os.Exit(1)
	}
}
