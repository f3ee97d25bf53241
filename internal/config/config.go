// Package config handles loading and validation of portico.yaml project configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	ddbprov "github.com/porticohq/portico/internal/provider/dynamodb"
	pgprov "github.com/porticohq/portico/internal/provider/postgres"
	"github.com/porticohq/portico/internal/schedule"
	"github.com/porticohq/portico/pkg/types"
	"gopkg.in/yaml.v3"
)

// providerConfigs is a helper struct used for a second YAML unmarshal pass
// to decode provider-specific config sections into their concrete types.
type providerConfigs struct {
	Postgres *pgprov.Config  `yaml:"postgres,omitempty"`
	DynamoDB *ddbprov.Config `yaml:"dynamodb,omitempty"`
}

// Load reads and parses portico.yaml from the given directory.
func Load(dir string) (*types.ProjectConfig, error) {
	path := filepath.Join(dir, "portico.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg types.ProjectConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Second pass: decode provider-specific sections into concrete types.
	var raw providerConfigs
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing provider config: %w", err)
	}
	if raw.Postgres != nil {
		cfg.Postgres = raw.Postgres
	}
	if raw.DynamoDB != nil {
		cfg.DynamoDB = raw.DynamoDB
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *types.ProjectConfig) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Workers.Count <= 0 {
		cfg.Workers.Count = 4
	}
	if cfg.Workers.PollIntervalSeconds <= 0 {
		cfg.Workers.PollIntervalSeconds = 5
	}
	if cfg.Snapshots.Interval <= 0 {
		cfg.Snapshots.Interval = 50
	}
	if cfg.Health.AlertThreshold <= 0 {
		cfg.Health.AlertThreshold = 3
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 5
	}
}

func validate(cfg *types.ProjectConfig) error {
	switch cfg.Provider {
	case "":
		return fmt.Errorf("provider is required")
	case "memory":
	case "postgres":
		pc, _ := cfg.Postgres.(*pgprov.Config)
		if pc == nil {
			return fmt.Errorf("postgres config is required when provider is postgres")
		}
		if pc.DSN == "" {
			return fmt.Errorf("postgres.dsn is required")
		}
	case "dynamodb":
		dc, _ := cfg.DynamoDB.(*ddbprov.Config)
		if dc == nil {
			return fmt.Errorf("dynamodb config is required when provider is dynamodb")
		}
		if dc.TableName == "" {
			return fmt.Errorf("dynamodb.tableName is required")
		}
	default:
		return fmt.Errorf("unknown provider %q", cfg.Provider)
	}

	seen := make(map[string]bool, len(cfg.Integrations))
	for _, ic := range cfg.Integrations {
		if ic.ID == "" {
			return fmt.Errorf("integration has no id")
		}
		if ic.URL == "" {
			return fmt.Errorf("integration %q requires a url", ic.ID)
		}
		if seen[ic.ID] {
			return fmt.Errorf("duplicate integration %q", ic.ID)
		}
		seen[ic.ID] = true
	}

	if _, err := schedule.ParseAll(cfg.Schedules); err != nil {
		return err
	}
	for _, s := range cfg.Schedules {
		if s.IntegrationID != "" && !seen[s.IntegrationID] {
			return fmt.Errorf("schedule for portal %q names unknown integration %q", s.PortalID, s.IntegrationID)
		}
	}

	for _, sink := range cfg.Alerts {
		switch sink.Type {
		case types.AlertConsole:
		case types.AlertWebhook:
			if sink.URL == "" {
				return fmt.Errorf("alert sink %q requires a url", sink.Type)
			}
		case types.AlertFile:
			if sink.Path == "" {
				return fmt.Errorf("alert sink %q requires a path", sink.Type)
			}
		default:
			return fmt.Errorf("unknown alert sink type %q", sink.Type)
		}
	}
	return nil
}
