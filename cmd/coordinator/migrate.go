package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/SilentCaMXMF/opencode-webDev-sub000/config"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/internal/migration"
	"go.uber.org/zap"
)

// =============================================================================
// Database Migration Commands
// =============================================================================

// runMigrate 解析连接参数后把子命令交给 migration.CLI
func runMigrate(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file (YAML)")
	dbType := fs.String("db-type", "", "Database type: postgres, mysql, sqlite (default: from config)")
	dbURL := fs.String("db-url", "", "Database connection URL (default: from config)")
	fs.Usage = printMigrateUsage
	_ = fs.Parse(args)

	if fs.NArg() == 0 || fs.Arg(0) == "help" {
		printMigrateUsage()
		if fs.NArg() == 0 {
			os.Exit(1)
		}
		return
	}

	migrator, err := newMigrator(*configPath, *dbType, *dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}
	defer migrator.Close()

	if err := migration.NewCLI(migrator).Run(context.Background(), fs.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		if errors.Is(err, migration.ErrUsage) {
			printMigrateUsage()
		}
		os.Exit(1)
	}
}

func newMigrator(configPath, dbType, dbURL string) (*migration.DefaultMigrator, error) {
	logger, _ := zap.NewProduction()

	if dbURL != "" {
		if dbType == "" {
			return nil, errors.New("--db-type is required with --db-url")
		}
		return migration.NewMigratorFromURL(dbType, dbURL, logger)
	}

	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	dbCfg := cfg.Database
	if dbType != "" {
		dbCfg.Driver = dbType
	}
	return migration.NewMigratorFromConfig(dbCfg, logger)
}

func printMigrateUsage() {
	fmt.Println(`Database Migration Commands

Usage:
  coordinator migrate [options] <subcommand> [args]

Subcommands:
  up          Apply all pending migrations
  down        Rollback the last migration
  down-all    Rollback all migrations
  steps <n>   Apply (n>0) or roll back (n<0) n migrations
  goto <v>    Migrate to a specific version
  force <v>   Force set migration version (use with caution)
  version     Show current migration version
  status      Show migration status
  info        Show database and version details

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)

Examples:
  coordinator migrate up
  coordinator migrate --config /etc/coordinator/config.yaml status
  coordinator migrate --db-type sqlite --db-url sqlite://coord.db up
  coordinator migrate goto 1`)
}
