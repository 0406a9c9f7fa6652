// Package migrate implements the idempotent DB migration-runner step that
// Supervisor.initialize invokes first (spec §4.9 step (a), §4.17).
//
// Grounded on the teacher's pkg/database/client.go: database/sql opened
// against the pgx stdlib driver, migrations embedded via go:embed and run
// through golang-migrate/migrate/v4. entgo.io/ent is dropped from this
// path (see DESIGN.md: codegen-only, cannot be hand-authored without
// go generate) — plain database/sql + pgx preserves the same Postgres
// driver + migration-tool dependency family without the codegen
// requirement. Because BettaFish persists its real state (tasks, events,
// manifests, baselines) to memory or the filesystem and the visual detail
// of any schema is explicitly out of scope (spec §1 Non-goals), the
// bootstrapped schema here is intentionally minimal: one table proving
// the migration step ran.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations
var migrationsFS embed.FS

// Run opens databaseURL, applies every pending migration under
// migrations/ (idempotent: already-applied migrations are skipped by
// golang-migrate's schema_migrations bookkeeping), and returns the open
// *sql.DB for the caller to hold (health checks, later queries).
func Run(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("migrate: open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: ping database: %w", err)
	}

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func applyMigrations(db *sql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migrate: postgres driver: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrate: embedded source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate: build migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: apply migrations: %w", err)
	}
	return nil
}

// HealthStatus mirrors database.Health's shape for the /api/status and
// /health endpoints.
type HealthStatus struct {
	Status          string        `json:"status"`
	ResponseTime    time.Duration `json:"response_time_ms"`
	OpenConnections int           `json:"open_connections"`
	InUse           int           `json:"in_use"`
	Idle            int           `json:"idle"`
}

// Health pings db and reports connection-pool statistics.
func Health(ctx context.Context, db *sql.DB) (*HealthStatus, error) {
	start := time.Now()
	if err := db.PingContext(ctx); err != nil {
		return &HealthStatus{Status: "unhealthy", ResponseTime: time.Since(start)}, err
	}
	stats := db.Stats()
	return &HealthStatus{
		Status:          "healthy",
		ResponseTime:    time.Since(start),
		OpenConnections: stats.OpenConnections,
		InUse:           stats.InUse,
		Idle:            stats.Idle,
	}, nil
}
