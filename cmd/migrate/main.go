// Command migrate applies the audit log schema in sql/ to VLT_POSTGRES_DSN.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"time"

	"github.com/leafsii/leafsii-vault/internal/config"
	"github.com/pressly/goose/v3"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var (
	flags   = flag.NewFlagSet("migrate", flag.ExitOnError)
	dir     = flags.String("dir", "sql", "directory with migration files")
	timeout = flags.Duration("timeout", time.Minute, "give up after this long")
)

const usage = `Usage: migrate [-dir sql] [-timeout 1m] COMMAND

Commands:
  up        apply all pending migrations
  down      roll back the latest migration
  redo      roll back and re-apply the latest migration
  status    print the state of every migration
  version   print the current schema version`

func main() {
	flags.Parse(os.Args[1:])
	args := flags.Args()
	if len(args) < 1 {
		log.Fatal(usage)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Database.PostgresDSN == "" {
		log.Fatal("VLT_POSTGRES_DSN is not set; the audit log is disabled")
	}

	db, err := sql.Open("pgx", cfg.Database.PostgresDSN)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		log.Fatalf("Failed to set dialect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var run func(context.Context, *sql.DB, string, ...goose.OptionsFunc) error
	switch args[0] {
	case "up":
		run = goose.UpContext
	case "down":
		run = goose.DownContext
	case "redo":
		run = goose.RedoContext
	case "status":
		run = goose.StatusContext
	case "version":
		run = goose.VersionContext
	default:
		log.Fatalf("Unknown command %q\n\n%s", args[0], usage)
	}

	if err := run(ctx, db, *dir); err != nil {
		log.Fatalf("migrate %s: %v", args[0], err)
	}
}
