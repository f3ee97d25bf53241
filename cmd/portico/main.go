package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/porticohq/portico/internal/commands"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "portico",
		Short: "Reliability core for multi-tenant dashboard portals",
		Long: `Portico keeps customer dashboards consistent when the world around
them misbehaves. It orchestrates portal refreshes as compensating
sagas over an append-only event log, retries transient upstream
failures with backoff, tracks per-integration health with circuit
semantics, and delivers signed webhooks to subscribers.`,
		Version: version,
	}

	root.AddCommand(
		commands.NewInitCmd(),
		commands.NewServeCmd(),
		commands.NewStatusCmd(),
		commands.NewTriggerCmd(),
		commands.NewReplayCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
