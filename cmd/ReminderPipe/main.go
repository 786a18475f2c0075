package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/ReminderPipe/internal/config"
	"github.com/BTreeMap/ReminderPipe/internal/store"
)

// DefaultDBFileName is the SQLite database file created under the state directory.
const DefaultDBFileName = "reminderpipe.db"

// Flags holds command line flag values
type Flags struct {
	configPath   *string
	stateDir     *string
	dbDSN        *string
	dispatchMode *string
}

func main() {
	initializeLogger("info")

	loadDotEnv()

	flags := parseCommandLineFlags(flag.CommandLine, os.Args[1:])

	cfg, err := config.Load(*flags.configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	applyFlags(cfg, flags)
	initializeLogger(cfg.Log.Level)

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping ReminderPipe", "state_dir", cfg.StateDir, "dsn_type", store.DetectDSNType(cfg.Database.DSN), "dispatch_mode", cfg.Dispatch.Mode)
	if err := run(ctx, cfg); err != nil {
		slog.Error("ReminderPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("ReminderPipe exited successfully")
}

// initializeLogger sets up structured logging at the given level.
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadDotEnv loads an optional .env file into the environment.
func loadDotEnv() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}
}

// parseCommandLineFlags parses the flags that override configuration.
func parseCommandLineFlags(fs *flag.FlagSet, args []string) Flags {
	flags := Flags{
		configPath:   fs.String("config", os.Getenv(config.EnvPrefix+"CONFIG"), "path to a YAML config file (overrides $REMINDERPIPE_CONFIG)"),
		stateDir:     fs.String("state-dir", "", "state directory for ReminderPipe data (overrides state_dir)"),
		dbDSN:        fs.String("db-dsn", "", "database DSN, a SQLite path or a Postgres URL (overrides database.dsn)"),
		dispatchMode: fs.String("dispatch-mode", "", "dispatch mode: sync or queue (overrides dispatch.mode)"),
	}
	// Errors exit the process under flag.ExitOnError.
	_ = fs.Parse(args)

	slog.Debug("flags parsed",
		"config", *flags.configPath,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"dispatchMode", *flags.dispatchMode)
	return flags
}

// applyFlags overlays non-empty flags on cfg and resolves the database DSN.
func applyFlags(cfg *config.Config, flags Flags) {
	if *flags.stateDir != "" {
		cfg.StateDir = *flags.stateDir
	}
	if *flags.dbDSN != "" {
		cfg.Database.DSN = *flags.dbDSN
	}
	if *flags.dispatchMode != "" {
		cfg.Dispatch.Mode = strings.ToLower(strings.TrimSpace(*flags.dispatchMode))
	}
	if cfg.Database.DSN == "" && cfg.StateDir != "" {
		cfg.Database.DSN = filepath.Join(cfg.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", cfg.Database.DSN)
	}
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(dsn string) []store.Option {
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
		return []store.Option{store.WithPostgresDSN(dsn)}
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", dsn)
	return []store.Option{store.WithSQLiteDSN(dsn)}
}
