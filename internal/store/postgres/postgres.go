// Package postgres is the pgx-backed implementation of every repository
// interface internal/store declares: pipeline.RunStore, pipeline.DeadLetterStore,
// resilience.CallRecorder, policy.RunRateSource, stages.InteractionStore,
// stages.SessionCounter, and store.SessionStateStore.
//
// Schema migrations are embedded SQL files applied through golang-migrate
// rather than the hand-rolled CREATE TABLE IF NOT EXISTS statements
// pkg/memory/postgres uses for the NPC memory layers — this store's tables
// are relational enough (foreign keys, enum-like TEXT columns with CHECKs
// the caller validates in Go) to benefit from versioned up/down migrations
// instead of an idempotent-statement runner.
package postgres

import (
	"context"
	"embed"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// DB is the subset of pgx's pool/conn API this package depends on, so tests
// can substitute a fake without pulling in a real connection. Both
// *pgxpool.Pool and *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is the central PostgreSQL-backed store. It holds a single
// [pgxpool.Pool] and exposes sub-types for the repository interfaces whose
// method names collide across tables, the same split
// pkg/memory/postgres.Store uses for its L1/L2 memory layers.
type Store struct {
	pool *pgxpool.Pool

	runs         *RunStore
	interactions *InteractionStore
	sessionState *SessionStateStore
	summaries    *SummaryStore
}

// NewStore connects to the PostgreSQL database at dsn and applies pending
// migrations. dsn must be a "postgres://" URL.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(dsn); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{
		pool:         pool,
		runs:         &RunStore{db: pool},
		interactions: &InteractionStore{db: pool},
		sessionState: &SessionStateStore{db: pool},
		summaries:    &SummaryStore{db: pool},
	}, nil
}

// Migrate applies every pending embedded migration against the database at
// dsn. It is idempotent — re-running it against an up-to-date database is a
// no-op — and safe to call on every deployment.
func Migrate(dsn string) error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("postgres store: load migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, migrateDSN(dsn))
	if err != nil {
		return fmt.Errorf("postgres store: init migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("postgres store: migrate up: %w", err)
	}
	return nil
}

// migrateDSN rewrites a pgxpool-style "postgres(ql)://" DSN to the
// "pgx5://" scheme golang-migrate's pgx/v5 database driver registers
// itself under.
func migrateDSN(dsn string) string {
	switch {
	case strings.HasPrefix(dsn, "postgresql://"):
		return "pgx5://" + strings.TrimPrefix(dsn, "postgresql://")
	case strings.HasPrefix(dsn, "postgres://"):
		return "pgx5://" + strings.TrimPrefix(dsn, "postgres://")
	default:
		return dsn
	}
}

// Runs returns the [pipeline.RunStore]/[pipeline.DeadLetterStore]/
// [resilience.CallRecorder]/[policy.RunRateSource] implementation.
func (s *Store) Runs() *RunStore { return s.runs }

// Interactions returns the [stages.InteractionStore]/[stages.SessionCounter]
// implementation.
func (s *Store) Interactions() *InteractionStore { return s.interactions }

// SessionState returns the [store.SessionStateStore] implementation.
func (s *Store) SessionState() *SessionStateStore { return s.sessionState }

// Summaries returns the [summary.Store] implementation.
func (s *Store) Summaries() *SummaryStore { return s.summaries }

// Ping checks connectivity to the database, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
