package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/porticohq/portico/internal/alert"
	"github.com/porticohq/portico/internal/eventstore"
	"github.com/porticohq/portico/internal/health"
	"github.com/porticohq/portico/internal/integration"
	"github.com/porticohq/portico/internal/saga"
	"github.com/porticohq/portico/internal/webhook"
	"github.com/porticohq/portico/pkg/types"
)

// NewTriggerCmd creates the trigger command.
func NewTriggerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger [portal-id]",
		Short: "Run a portal refresh once and report the outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrigger(args[0])
		},
	}
}

func runTrigger(portalID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cfg, prov, cleanup, err := openProvider(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	logger := slog.Default()

	dispatcher, err := alert.FromConfig(prov, cfg.Alerts, logger)
	if err != nil {
		return fmt.Errorf("creating alert dispatcher: %w", err)
	}
	alertFn := dispatcher.Func()

	events := eventstore.New(prov, cfg.Snapshots.Interval, logger)
	monitor := health.New(prov, cfg.Health, alertFn, logger)
	engine := webhook.NewEngine(prov, cfg.Webhooks, cfg.Retry, alertFn, logger)
	client := integration.NewBreakerClient(
		integration.NewHTTPClient(cfg.Integrations),
		integration.DefaultBreakerConfig(),
	)

	registry := saga.NewRegistry()
	// No job source: a one-shot trigger runs synchronously, so a Retry
	// verdict surfaces as a failure instead of parking a job.
	orch := saga.New(events, prov, registry, nil, monitor, cfg.Retry, alertFn, logger)
	if err := registerSagas(registry, sagaDeps{
		client:   client,
		monitor:  monitor,
		webhooks: engine,
		logger:   logger,
	}); err != nil {
		return fmt.Errorf("registering sagas: %w", err)
	}

	color.Cyan("Refreshing portal %s...", portalID)
	state, err := startPortalRefresh(ctx, orch, cfg, portalID)
	if err != nil {
		return fmt.Errorf("starting refresh: %w", err)
	}

	switch state.Status {
	case types.SagaCompleted:
		color.Green("Refresh completed (saga %s)", state.SagaID)
		return nil
	case types.SagaRunning:
		color.Cyan("Refresh in progress (saga %s)", state.SagaID)
		fmt.Printf("  Check with: portico status %s\n", state.SagaID)
		return nil
	default:
		color.Red("Refresh %s (saga %s): %s", state.Status, state.SagaID, state.Error)
		return fmt.Errorf("portal refresh did not complete")
	}
}
