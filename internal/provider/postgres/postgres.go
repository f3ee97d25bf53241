package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/porticohq/portico/internal/provider"
)

// Compile-time interface satisfaction check.
var _ provider.Provider = (*PostgresProvider)(nil)

// Config holds Postgres connection settings.
type Config struct {
	DSN     string `yaml:"dsn" json:"dsn"`
	Migrate bool   `yaml:"migrate,omitempty" json:"migrate,omitempty"`
}

// PostgresProvider implements the Provider interface backed by Postgres.
// All CAS operations are single guarded statements; rows-affected zero
// means the guard lost.
type PostgresProvider struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	migrate bool
}

// New creates a PostgresProvider and verifies the connection.
func New(ctx context.Context, cfg *Config) (*PostgresProvider, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &PostgresProvider{pool: pool, logger: slog.Default(), migrate: cfg.Migrate}, nil
}

// Start optionally runs the schema DDL, then pings.
func (p *PostgresProvider) Start(ctx context.Context) error {
	if p.migrate {
		if err := p.Migrate(ctx); err != nil {
			return err
		}
	}
	return p.Ping(ctx)
}

// Migrate runs the schema DDL to create tables and indexes.
func (p *PostgresProvider) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

// Stop closes the connection pool.
func (p *PostgresProvider) Stop(_ context.Context) error {
	p.pool.Close()
	return nil
}

// Ping checks connectivity.
func (p *PostgresProvider) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// isUniqueViolation reports a Postgres unique-constraint failure.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
