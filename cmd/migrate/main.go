// Command migrate applies the schema migrations in migrations/ with golang-migrate.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"

	"github.com/gpropadm/brpolis/internal/config"
	"github.com/gpropadm/brpolis/internal/logger"
)

// Version is set at build time
var Version = "dev"

const (
	defaultLockTimeout    = 5 * time.Minute
	defaultMigrationsPath = "migrations"
	migrationsTable       = "schema_migrations"
)

// env holds the subset of the service configuration the tool needs. The
// signing secret is not required to migrate.
type env struct {
	Database       config.DatabaseConfig
	Log            config.LogConfig
	MigrationsPath string `env:"MIGRATIONS_PATH, default=migrations"`
}

type options struct {
	databaseURL    string
	migrationsPath string
	timeout        time.Duration
	dryRun         bool
}

func main() {
	_ = godotenv.Load()

	var e env
	if err := envconfig.Process(context.Background(), &e); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	var (
		migrPath    = flag.String("path", e.MigrationsPath, "Path to migrations directory")
		timeout     = flag.Duration("timeout", defaultLockTimeout, "Lock and connect timeout")
		dryRun      = flag.Bool("dry-run", false, "Show what would be done without executing")
		showVersion = flag.Bool("version", false, "Print version and exit")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <command> [args]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  up [N]       Apply all or N up migrations\n")
		fmt.Fprintf(os.Stderr, "  down N       Roll back N migrations\n")
		fmt.Fprintf(os.Stderr, "  goto V       Migrate to version V\n")
		fmt.Fprintf(os.Stderr, "  force V      Set version V without running migrations\n")
		fmt.Fprintf(os.Stderr, "  version      Print current migration version\n")
		fmt.Fprintf(os.Stderr, "  create NAME  Create a new migration file pair\n")
		fmt.Fprintf(os.Stderr, "\nThe database is read from DATABASE_URL or DB_HOST, DB_PORT, DB_USER, DB_PASSWORD, DB_NAME and DB_SSLMODE.\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("migrate version %s\n", Version)
		return
	}

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(2)
	}

	log := logger.New(logger.Config{Level: e.Log.Level, Format: "text", Output: "stderr"})

	opts := options{
		databaseURL:    e.Database.ConnString(),
		migrationsPath: *migrPath,
		timeout:        *timeout,
		dryRun:         *dryRun,
	}

	if err := runCommand(log, opts, args[0], args[1:]); err != nil {
		log.Error("migration command failed", slog.String("command", args[0]), slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func runCommand(log *slog.Logger, opts options, cmd string, args []string) error {
	switch cmd {
	case "create":
		if len(args) < 1 {
			return errors.New("create requires a migration name")
		}
		return createMigration(log, opts, args[0])
	case "version":
		return printVersion(log, opts)
	case "up":
		steps, err := optionalInt(args)
		if err != nil {
			return err
		}
		return apply(log, opts, "up", func(m *migrate.Migrate) error {
			if steps > 0 {
				return m.Steps(steps)
			}
			return m.Up()
		})
	case "down":
		// rolling back everything is never implied
		steps, err := optionalInt(args)
		if err != nil {
			return err
		}
		if steps < 1 {
			return errors.New("down requires a positive number of steps")
		}
		return apply(log, opts, "down", func(m *migrate.Migrate) error {
			return m.Steps(-steps)
		})
	case "goto":
		if len(args) < 1 {
			return errors.New("goto requires a version number")
		}
		v, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version %q", args[0])
		}
		return apply(log, opts, "goto", func(m *migrate.Migrate) error {
			return m.Migrate(uint(v))
		})
	case "force":
		if len(args) < 1 {
			return errors.New("force requires a version number")
		}
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version %q", args[0])
		}
		return apply(log, opts, "force", func(m *migrate.Migrate) error {
			return m.Force(v)
		})
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func optionalInt(args []string) (int, error) {
	if len(args) == 0 {
		return 0, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("invalid number of steps %q", args[0])
	}
	return n, nil
}

// apply runs step against a fresh migrate instance and logs the version change.
func apply(log *slog.Logger, opts options, name string, step func(*migrate.Migrate) error) error {
	if opts.dryRun {
		log.Info("dry run", slog.String("command", name))
		return nil
	}

	m, err := newMigrate(opts)
	if err != nil {
		return err
	}
	defer m.Close()

	from, _, _ := m.Version()
	if err := step(m); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info("no change", slog.String("command", name), slog.Uint64("version", uint64(from)))
			return nil
		}
		return fmt.Errorf("%s: %w", name, err)
	}

	to, dirty, _ := m.Version()
	log.Info("migration completed",
		slog.String("command", name),
		slog.Uint64("from", uint64(from)),
		slog.Uint64("to", uint64(to)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

func printVersion(log *slog.Logger, opts options) error {
	m, err := newMigrate(opts)
	if err != nil {
		return err
	}
	defer m.Close()

	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		log.Info("no migrations applied")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	log.Info("current migration version", slog.Uint64("version", uint64(v)), slog.Bool("dirty", dirty))
	return nil
}

// createMigration writes an empty NNNNNN_name.{up,down}.sql pair
func createMigration(log *slog.Logger, opts options, name string) error {
	next, err := nextMigrationNumber(opts.migrationsPath)
	if err != nil {
		return fmt.Errorf("determine next migration number: %w", err)
	}

	created := time.Now().UTC().Format(time.RFC3339)
	files := map[string]string{
		filepath.Join(opts.migrationsPath, fmt.Sprintf("%06d_%s.up.sql", next, name)):   fmt.Sprintf("-- %s\n-- created %s\n", name, created),
		filepath.Join(opts.migrationsPath, fmt.Sprintf("%06d_%s.down.sql", next, name)): fmt.Sprintf("-- %s (rollback)\n-- created %s\n", name, created),
	}

	if err := os.MkdirAll(opts.migrationsPath, 0o755); err != nil {
		return fmt.Errorf("create migrations directory: %w", err)
	}
	for path, content := range files {
		if opts.dryRun {
			log.Info("dry run: would create", slog.String("file", path))
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		log.Info("created migration", slog.String("file", path))
	}
	return nil
}

func nextMigrationNumber(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}

	highest := 0
	for _, entry := range entries {
		var n int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &n); err == nil && n > highest {
			highest = n
		}
	}
	return highest + 1, nil
}

func newMigrate(opts options) (*migrate.Migrate, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	db, err := sql.Open("pgx", opts.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: migrationsTable})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create database driver: %w", err)
	}

	path := opts.migrationsPath
	if path == "" {
		path = defaultMigrationsPath
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve migrations path: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+abs, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	m.LockTimeout = opts.timeout
	return m, nil
}
