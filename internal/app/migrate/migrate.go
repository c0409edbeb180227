// Package migrate applies the deploy schema with goose.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/lock"

	"github.com/vague-archive/cloud-platform-sub000/db"
)

const runTimeout = time.Minute

// Runner applies and inspects schema migrations.
type Runner struct {
	pool     *pgxpool.Pool
	conn     *sql.DB
	provider *goose.Provider
	log      *slog.Logger
}

// New returns a runner over pool. An empty migrationsDir selects the
// migrations embedded in the binary. Runs hold a postgres session lock so
// replicas starting together apply each migration once.
func New(pool *pgxpool.Pool, migrationsDir string, log *slog.Logger) (*Runner, error) {
	if pool == nil {
		return nil, errors.New("nil pool provided")
	}
	if log == nil {
		log = slog.Default()
	}
	source, err := sourceFS(migrationsDir)
	if err != nil {
		return nil, err
	}
	locker, err := lock.NewPostgresSessionLocker()
	if err != nil {
		return nil, fmt.Errorf("configure migration lock: %w", err)
	}
	conn := stdlib.OpenDBFromPool(pool)
	provider, err := goose.NewProvider(goose.DialectPostgres, conn, source, goose.WithSessionLocker(locker))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("configure goose: %w", err)
	}
	return &Runner{pool: pool, conn: conn, provider: provider, log: log}, nil
}

func sourceFS(dir string) (fs.FS, error) {
	if dir == "" {
		return fs.Sub(db.Migrations, "migrations")
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("locate migrations dir: %w", err)
	}
	return os.DirFS(dir), nil
}

// Ensure applies pending migrations.
func (r *Runner) Ensure(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()
	results, err := r.provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, res := range results {
		r.log.Info("migration applied", "version", res.Source.Version, "path", res.Source.Path, "duration", res.Duration)
	}
	if len(results) == 0 {
		r.log.Info("schema up to date")
	}
	return nil
}

// Status logs every known migration and whether it has been applied.
func (r *Runner) Status(ctx context.Context) error {
	statuses, err := r.provider.Status(ctx)
	if err != nil {
		return fmt.Errorf("migration status: %w", err)
	}
	for _, st := range statuses {
		attrs := []any{"version", st.Source.Version, "path", st.Source.Path, "state", string(st.State)}
		if !st.AppliedAt.IsZero() {
			attrs = append(attrs, "applied_at", st.AppliedAt)
		}
		r.log.Info("migration", attrs...)
	}
	return nil
}

// Down rolls back the latest migration, or every migration above
// targetVersion when it is positive.
func (r *Runner) Down(ctx context.Context, targetVersion int64) error {
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()
	if targetVersion <= 0 {
		res, err := r.provider.Down(ctx)
		if err != nil {
			return fmt.Errorf("rollback latest migration: %w", err)
		}
		r.log.Info("migration rolled back", "version", res.Source.Version)
		return nil
	}
	results, err := r.provider.DownTo(ctx, targetVersion)
	if err != nil {
		return fmt.Errorf("rollback to version %d: %w", targetVersion, err)
	}
	r.log.Info("rollback complete", "target", targetVersion, "reverted", len(results))
	return nil
}

// Ping ensures the database connection is alive.
func (r *Runner) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Close releases the migration connection. The pool stays open.
func (r *Runner) Close() error {
	return r.conn.Close()
}
