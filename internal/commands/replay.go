package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/porticohq/portico/internal/eventstore"
)

// NewReplayCmd creates the replay command.
func NewReplayCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "replay [saga-id]",
		Short: "Print a saga's event stream and the state folded from it",
		Long: `Replays a saga's append-only event stream from version 1 and prints
each event. Useful for auditing what a saga actually did, independent
of its stored control row.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(args[0], verbose)
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print event payloads")
	return cmd
}

func runReplay(sagaID string, verbose bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg, prov, cleanup, err := openProvider(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	events := eventstore.New(prov, cfg.Snapshots.Interval, nil)

	bold := color.New(color.Bold)
	_, _ = bold.Printf("Event stream for saga %s:\n", sagaID)

	count := 0
	st := events.LoadStream(sagaID, 0)
	for st.Next(ctx) {
		e := st.Event()
		count++
		fmt.Printf("  v%-4d %-22s %s\n", e.Version, e.Type, e.Timestamp.Format(time.RFC3339))
		if len(e.Metadata) > 0 {
			for k, v := range e.Metadata {
				fmt.Printf("        %s=%s\n", k, v)
			}
		}
		if verbose && len(e.Payload) > 0 {
			fmt.Printf("        %s\n", string(e.Payload))
		}
	}
	if err := st.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("no events for saga %s", sagaID)
	}

	// The stored control row, for comparison against the stream.
	state, err := prov.GetSagaState(ctx, sagaID)
	if err != nil {
		color.Yellow("\nNo control row found; the stream above is all that remains.")
		return nil
	}

	fmt.Println()
	_, _ = bold.Println("Control row:")
	pretty, err := json.MarshalIndent(state, "  ", "  ")
	if err != nil {
		return err
	}
	fmt.Printf("  %s\n", pretty)

	if snap, err := prov.GetSnapshot(ctx, sagaID); err == nil {
		fmt.Println()
		_, _ = bold.Printf("Snapshot at v%d taken %s\n", snap.Version, snap.Timestamp.Format(time.RFC3339))
	}

	return nil
}
