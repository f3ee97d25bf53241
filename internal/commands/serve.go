package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/porticohq/portico/internal/alert"
	"github.com/porticohq/portico/internal/eventstore"
	"github.com/porticohq/portico/internal/health"
	"github.com/porticohq/portico/internal/integration"
	"github.com/porticohq/portico/internal/retry"
	"github.com/porticohq/portico/internal/saga"
	"github.com/porticohq/portico/internal/schedule"
	"github.com/porticohq/portico/internal/server"
	"github.com/porticohq/portico/internal/server/handlers"
	"github.com/porticohq/portico/internal/watchdog"
	"github.com/porticohq/portico/internal/webhook"
	"github.com/porticohq/portico/pkg/types"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the Portico API server and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	ctx, cancel := context.WithCancel(context.Background())
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
	jobs := retry.NewJobSource(prov, cfg.Retry, logger)
	monitor := health.New(prov, cfg.Health, alertFn, logger)
	engine := webhook.NewEngine(prov, cfg.Webhooks, cfg.Retry, alertFn, logger)

	client := integration.NewBreakerClient(
		integration.NewHTTPClient(cfg.Integrations),
		integration.DefaultBreakerConfig(),
	)

	registry := saga.NewRegistry()
	orch := saga.New(events, prov, registry, jobs, monitor, cfg.Retry, alertFn, logger)
	if err := registerSagas(registry, sagaDeps{
		client:   client,
		monitor:  monitor,
		webhooks: engine,
		logger:   logger,
	}); err != nil {
		return fmt.Errorf("registering sagas: %w", err)
	}

	startRefresh := func(ctx context.Context, portalID string) (*types.SagaState, error) {
		return startPortalRefresh(ctx, orch, cfg, portalID)
	}

	// Background workers: retry scheduler over jobs + deliveries, the
	// cron runner, and the stale-saga watchdog.
	scheduler := retry.NewScheduler(retry.Config{
		Workers:      cfg.Workers.Count,
		PollInterval: time.Duration(cfg.Workers.PollIntervalSeconds) * time.Second,
		TaskTimeout:  time.Duration(cfg.Workers.TaskTimeoutSeconds) * time.Second,
	}, alertFn, logger, jobs, engine)
	go func() { _ = scheduler.Run(ctx) }()

	specs, err := schedule.ParseAll(cfg.Schedules)
	if err != nil {
		return fmt.Errorf("parsing schedules: %w", err)
	}
	if len(specs) > 0 {
		runner := schedule.NewRunner(specs, func(ctx context.Context, portalID string) error {
			_, err := startRefresh(ctx, portalID)
			return err
		}, prov, logger)
		go func() { _ = runner.Run(ctx) }()
	}

	wd := watchdog.New(prov, cfg.Watchdog, orch.Resume, alertFn, logger)
	go func() { _ = wd.Run(ctx) }()

	srv := server.New(cfg.Server.Addr, server.Deps{
		Provider:     prov,
		Sagas:        orch,
		Webhooks:     engine,
		Health:       monitor,
		StartRefresh: handlers.RefreshFunc(startRefresh),
		APIKey:       cfg.Server.APIKey,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		color.Yellow("\nReceived %s, shutting down...", sig)
		cancel()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		if err := srv.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		color.Green("Server stopped gracefully")
		return nil
	}
}

// startPortalRefresh launches the portal-refresh saga, wiring in the
// integration the portal's schedule names, if any.
func startPortalRefresh(ctx context.Context, orch *saga.Orchestrator, cfg *types.ProjectConfig, portalID string) (*types.SagaState, error) {
	pc := portalRefreshContext{PortalID: portalID}
	for _, s := range cfg.Schedules {
		if s.PortalID == portalID {
			pc.IntegrationID = s.IntegrationID
			break
		}
	}
	initial, err := json.Marshal(pc)
	if err != nil {
		return nil, err
	}
	return orch.Start(ctx, SagaPortalRefresh, initial)
}
