// Command migrate manages the trapwatch Postgres schema: market snapshots,
// computed features, signals, alerts and stored backtest runs. Migrations are
// embedded in the binary and each version is applied in its own transaction
// together with its schema_migrations row.
package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"trapwatch/pkg/logging"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const usage = `usage: migrate <command>

Applies the trapwatch schema to the database named by DATABASE_URL.

commands:
  up          apply every pending migration
  down [n]    roll back the latest n migrations (default 1)
  version     print the latest applied migration`

//go:embed migrations/*.sql
var migrationsFS embed.FS

var migrationFile = regexp.MustCompile(`^migrations/([0-9]+)_([a-z0-9_]+)\.(up|down)\.sql$`)

var (
	loadEnvFunc = godotenv.Load
	openPool    = pgxpool.New
	newLogger   = logging.New
)

type migration struct {
	Version int64
	Name    string
	Up      string
	Down    string
}

func main() {
	_ = loadEnvFunc()

	logger, err := newLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(context.Background(), os.Args[1:], os.Getenv("DATABASE_URL"), logger); err != nil {
		logger.Fatal("schema migration failed", zap.Error(err))
	}
}

func run(ctx context.Context, args []string, dsn string, logger *zap.Logger) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	command, steps := args[0], 1
	switch command {
	case "up", "version":
	case "down":
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid down steps: %q", args[1])
			}
			steps = n
		}
	default:
		return fmt.Errorf("unknown command %q\n\n%s", command, usage)
	}
	if strings.TrimSpace(dsn) == "" {
		return errors.New("DATABASE_URL is required")
	}

	migrations, err := loadMigrations(migrationsFS)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	pool, err := openPool(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer pool.Close()

	m := &migrator{pool: pool, logger: logger}
	if err := m.ensureTable(ctx); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	switch command {
	case "up":
		n, err := m.up(ctx, migrations)
		if err != nil {
			return err
		}
		logger.Info("schema up to date", zap.Int("applied", n), zap.Int64("latest", migrations[len(migrations)-1].Version))
	case "down":
		n, err := m.down(ctx, migrations, steps)
		if err != nil {
			return err
		}
		logger.Info("schema rolled back", zap.Int("rolled_back", n))
	case "version":
		version, name, err := m.current(ctx)
		if err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		if version == 0 {
			logger.Info("schema is empty")
			return nil
		}
		logger.Info("schema version", zap.Int64("version", version), zap.String("name", name))
	}
	return nil
}

// loadMigrations reads NNNN_name.{up,down}.sql pairs from fsys, ordered by
// version.
func loadMigrations(fsys fs.FS) ([]migration, error) {
	paths, err := fs.Glob(fsys, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, errors.New("no migration files found")
	}

	byVersion := make(map[int64]*migration)
	for _, path := range paths {
		parts := migrationFile.FindStringSubmatch(path)
		if parts == nil {
			return nil, fmt.Errorf("invalid migration filename: %s", path)
		}
		version, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("version in %s: %w", path, err)
		}
		raw, err := fs.ReadFile(fsys, path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("empty migration file: %s", path)
		}

		m := byVersion[version]
		if m == nil {
			m = &migration{Version: version, Name: parts[2]}
			byVersion[version] = m
		}
		if m.Name != parts[2] {
			return nil, fmt.Errorf("version %d is named both %s and %s", version, m.Name, parts[2])
		}
		target := &m.Up
		if parts[3] == "down" {
			target = &m.Down
		}
		if *target != "" {
			return nil, fmt.Errorf("duplicate %s migration for version %d", parts[3], version)
		}
		*target = body
	}

	out := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" || m.Down == "" {
			return nil, fmt.Errorf("migration %d (%s) needs both up and down files", m.Version, m.Name)
		}
		out = append(out, *m)
	}
	slices.SortFunc(out, func(a, b migration) int { return int(a.Version - b.Version) })
	return out, nil
}

type migrator struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func (m *migrator) ensureTable(ctx context.Context) error {
	_, err := m.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version     BIGINT PRIMARY KEY,
    name        TEXT NOT NULL,
    applied_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`)
	return err
}

// applied returns applied versions, newest first.
func (m *migrator) applied(ctx context.Context) ([]int64, error) {
	rows, err := m.pool.Query(ctx, `SELECT version FROM schema_migrations ORDER BY version DESC`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (m *migrator) up(ctx context.Context, migrations []migration) (int, error) {
	done, err := m.applied(ctx)
	if err != nil {
		return 0, fmt.Errorf("list applied migrations: %w", err)
	}
	n := 0
	for _, mig := range migrations {
		if slices.Contains(done, mig.Version) {
			continue
		}
		err := pgx.BeginFunc(ctx, m.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, mig.Up); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, mig.Version, mig.Name)
			return err
		})
		if err != nil {
			return n, fmt.Errorf("apply %04d_%s: %w", mig.Version, mig.Name, err)
		}
		m.logger.Info("migration applied", zap.Int64("version", mig.Version), zap.String("name", mig.Name))
		n++
	}
	return n, nil
}

func (m *migrator) down(ctx context.Context, migrations []migration, steps int) (int, error) {
	done, err := m.applied(ctx)
	if err != nil {
		return 0, fmt.Errorf("list applied migrations: %w", err)
	}
	n := 0
	for _, version := range done[:min(steps, len(done))] {
		i := slices.IndexFunc(migrations, func(mig migration) bool { return mig.Version == version })
		if i < 0 {
			return n, fmt.Errorf("applied version %d has no migration file", version)
		}
		mig := migrations[i]
		err := pgx.BeginFunc(ctx, m.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, mig.Down); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `DELETE FROM schema_migrations WHERE version = $1`, mig.Version)
			return err
		})
		if err != nil {
			return n, fmt.Errorf("roll back %04d_%s: %w", mig.Version, mig.Name, err)
		}
		m.logger.Info("migration rolled back", zap.Int64("version", mig.Version), zap.String("name", mig.Name))
		n++
	}
	return n, nil
}

func (m *migrator) current(ctx context.Context) (int64, string, error) {
	var (
		version int64
		name    string
	)
	err := m.pool.QueryRow(ctx, `SELECT version, name FROM schema_migrations ORDER BY version DESC LIMIT 1`).Scan(&version, &name)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, "", nil
	}
	return version, name, err
}
