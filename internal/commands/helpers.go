// Package commands implements the CLI subcommands for the portico binary.
package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/porticohq/portico/internal/config"
	"github.com/porticohq/portico/internal/provider"
	ddbprov "github.com/porticohq/portico/internal/provider/dynamodb"
	"github.com/porticohq/portico/internal/provider/memory"
	pgprov "github.com/porticohq/portico/internal/provider/postgres"
	"github.com/porticohq/portico/pkg/types"
)

const connectTimeout = 10 * time.Second

// newProvider creates the configured storage provider.
func newProvider(ctx context.Context, cfg *types.ProjectConfig) (provider.Provider, error) {
	switch cfg.Provider {
	case "memory":
		return memory.New(), nil
	case "postgres":
		pc, ok := cfg.Postgres.(*pgprov.Config)
		if !ok || pc == nil {
			return nil, fmt.Errorf("postgres config is required when provider is postgres")
		}
		return pgprov.New(ctx, pc)
	case "dynamodb":
		dc, ok := cfg.DynamoDB.(*ddbprov.Config)
		if !ok || dc == nil {
			return nil, fmt.Errorf("dynamodb config is required when provider is dynamodb")
		}
		return ddbprov.New(dc)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}

// openProvider loads portico.yaml, connects the provider, and hands back
// a cleanup that disconnects it.
func openProvider(ctx context.Context) (*types.ProjectConfig, provider.Provider, func(), error) {
	cfg, err := config.Load(".")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}

	prov, err := newProvider(ctx, cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating provider: %w", err)
	}

	startCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := prov.Start(startCtx); err != nil {
		return nil, nil, nil, fmt.Errorf("connecting to provider: %w", err)
	}

	cleanup := func() {
		stopCtx, stop := context.WithTimeout(context.Background(), connectTimeout)
		defer stop()
		_ = prov.Stop(stopCtx)
	}
	return cfg, prov, cleanup, nil
}
