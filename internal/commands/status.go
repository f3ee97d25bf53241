package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/porticohq/portico/internal/provider"
	"github.com/porticohq/portico/pkg/types"
)

// NewStatusCmd creates the status command.
func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [saga-id]",
		Short: "Show running sagas and recent alerts, or one saga in detail",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sagaID := ""
			if len(args) > 0 {
				sagaID = args[0]
			}
			return runStatus(sagaID)
		},
	}
}

func runStatus(sagaID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, prov, cleanup, err := openProvider(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if sagaID != "" {
		return showSaga(ctx, prov, sagaID)
	}
	return showOverview(ctx, prov)
}

func showOverview(ctx context.Context, prov provider.Provider) error {
	bold := color.New(color.Bold)

	// Any heartbeat in the future is impossible, so a far cutoff lists
	// every RUNNING saga regardless of freshness.
	running, err := prov.ListRunningSagas(ctx, time.Now().Add(time.Hour), 50)
	if err != nil {
		return fmt.Errorf("listing running sagas: %w", err)
	}

	_, _ = bold.Println("Running sagas:")
	if len(running) == 0 {
		fmt.Println("  (none)")
	}
	for _, s := range running {
		fmt.Printf("  %-28s %-16s started=%s heartbeat=%s\n",
			s.SagaID, s.Type,
			s.StartedAt.Format(time.RFC3339),
			s.HeartbeatAt.Format(time.RFC3339))
	}
	fmt.Println()

	alerts, err := prov.ListAllAlerts(ctx, 10)
	if err != nil {
		return fmt.Errorf("listing alerts: %w", err)
	}
	_, _ = bold.Println("Recent alerts:")
	if len(alerts) == 0 {
		fmt.Println("  (none)")
	}
	for _, a := range alerts {
		levelStr := string(a.Level)
		switch a.Level {
		case types.AlertLevelError:
			levelStr = color.RedString(levelStr)
		case types.AlertLevelWarning:
			levelStr = color.YellowString(levelStr)
		}
		fmt.Printf("  %s  %-22s %s  %s\n",
			a.Timestamp.Format(time.RFC3339), a.Kind, levelStr, a.Message)
	}
	fmt.Println()
	return nil
}

func showSaga(ctx context.Context, prov provider.Provider, sagaID string) error {
	state, err := prov.GetSagaState(ctx, sagaID)
	if err != nil {
		return fmt.Errorf("saga not found: %w", err)
	}

	bold := color.New(color.Bold)
	_, _ = bold.Printf("Saga: %s\n", state.SagaID)
	fmt.Printf("  Type:    %s\n", state.Type)

	statusStr := string(state.Status)
	switch state.Status {
	case types.SagaCompleted:
		statusStr = color.GreenString(statusStr)
	case types.SagaFailed:
		statusStr = color.RedString(statusStr)
	case types.SagaRunning, types.SagaCompensating:
		statusStr = color.CyanString(statusStr)
	case types.SagaCancelled:
		statusStr = color.YellowString(statusStr)
	}
	fmt.Printf("  Status:  %s\n", statusStr)
	fmt.Printf("  Step:    %d\n", state.CurrentStep)
	fmt.Printf("  Started: %s\n", state.StartedAt.Format(time.RFC3339))
	if state.CompletedAt != nil {
		fmt.Printf("  Ended:   %s\n", state.CompletedAt.Format(time.RFC3339))
	}
	if state.Error != "" {
		color.Red("  Error:   %s", state.Error)
	}

	events, err := prov.ListEvents(ctx, sagaID, 0, 100)
	if err != nil {
		return fmt.Errorf("listing events: %w", err)
	}
	if len(events) > 0 {
		fmt.Println()
		_, _ = bold.Println("  Events:")
		for _, e := range events {
			fmt.Printf("    v%-4d %-22s %s\n", e.Version, e.Type, e.Timestamp.Format(time.RFC3339))
		}
	}

	fmt.Println()
	return nil
}
