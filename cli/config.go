package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/petal-labs/reelflow/config"
	"github.com/petal-labs/reelflow/store"
)

// addConfigFlags registers the flags every command uses to locate its
// configuration and database.
func addConfigFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "Path to reelflow.yaml (default: ./reelflow.yaml, then ~/.reelflow/config.yaml)")
	cmd.Flags().String("env-file", "", "Path to a .env file (default: ./.env)")
	cmd.Flags().String("driver", "", "Database driver: sqlite or postgres")
	cmd.Flags().String("dsn", "", "Database DSN or SQLite path (default: ~/.reelflow/reelflow.db)")
}

// loadConfig loads and validates the configuration, applying any flags the
// user set explicitly on top.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	configPath, _ := cmd.Flags().GetString("config")
	envFile, _ := cmd.Flags().GetString("env-file")

	cfg, path, err := config.Load(config.LoadOptions{ConfigPath: configPath, EnvFile: envFile})
	if err != nil {
		return nil, "", exitError(exitConfig, "loading config: %v", err)
	}

	flags := cmd.Flags()
	if flags.Changed("driver") {
		cfg.Database.Driver, _ = flags.GetString("driver")
	}
	if flags.Changed("dsn") {
		cfg.Database.DSN, _ = flags.GetString("dsn")
	}
	if flags.Changed("host") {
		cfg.Server.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("cors-origin") {
		cfg.Server.CORSOrigin, _ = flags.GetString("cors-origin")
	}
	if flags.Changed("max-body") {
		cfg.Server.MaxBody, _ = flags.GetInt64("max-body")
	}
	if flags.Changed("log-level") {
		level, _ := flags.GetString("log-level")
		cfg.Log.Level = strings.ToLower(level)
	}
	if flags.Changed("log-format") {
		format, _ := flags.GetString("log-format")
		cfg.Log.Format = strings.ToLower(format)
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", exitError(exitConfig, "invalid config: %v", err)
	}
	return cfg, path, nil
}

// sqliteFilePath returns the on-disk path of a SQLite DSN, or "" for
// in-memory and URI-style DSNs.
func sqliteFilePath(db config.DatabaseConfig) string {
	if !store.IsSQLite(db.Driver) {
		return ""
	}
	dsn := strings.TrimSpace(db.DSN)
	if dsn == "" || dsn == ":memory:" || strings.HasPrefix(strings.ToLower(dsn), "file:") {
		return ""
	}
	return filepath.Clean(dsn)
}

// openStore opens the configured database, creating the SQLite directory
// when needed.
func openStore(ctx context.Context, db config.DatabaseConfig) (*store.SQLStore, error) {
	if path := sqliteFilePath(db); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, exitError(exitRuntime, "creating database directory: %v", err)
		}
	}
	st, err := store.Open(ctx, store.Config{
		Driver:       db.Driver,
		DSN:          db.DSN,
		MaxOpenConns: db.MaxOpenConns,
	})
	if err != nil {
		return nil, exitError(exitRuntime, "opening store: %v", err)
	}
	return st, nil
}

// acquireLock takes an exclusive lock next to a SQLite database file so a
// second server cannot share it. It returns nil for other databases.
func acquireLock(db config.DatabaseConfig) (*flock.Flock, error) {
	path := sqliteFilePath(db)
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, exitError(exitRuntime, "creating database directory: %v", err)
	}
	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, exitError(exitRuntime, "locking database: %v", err)
	}
	if !ok {
		return nil, exitError(exitLocked, "database %s is in use by another reelflow server", path)
	}
	return lock, nil
}

func describeConfig(path string) string {
	if path == "" {
		return "built-in defaults"
	}
	return fmt.Sprintf("config %s", path)
}
