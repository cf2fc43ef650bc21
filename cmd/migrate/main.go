package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/pflag"

	"orgpass.org/internal/migrate"
	"orgpass.org/ops/migrations"
)

func main() {
	log.SetFlags(0)
	flags := pflag.NewFlagSet("migrate", pflag.ExitOnError)
	var (
		dsn     = flags.String("dsn", os.Getenv("ORGPASS_PG_DSN"), "PostgreSQL DSN")
		table   = flags.String("table", "", "bookkeeping table (default schema_migrations)")
		timeout = flags.Duration("timeout", 30*time.Second, "overall timeout")
	)
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: migrate [flags] up|down|status")
		flags.PrintDefaults()
	}
	_ = flags.Parse(os.Args[1:])

	if *dsn == "" {
		log.Fatal("missing DSN: provide via --dsn or ORGPASS_PG_DSN")
	}
	if flags.NArg() == 0 {
		flags.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	mgr := migrate.NewManager(db, migrations.SQL, migrate.WithTable(*table))

	switch cmd := flags.Arg(0); cmd {
	case "up":
		var n int
		n, err = mgr.Up(ctx)
		if err == nil {
			fmt.Printf("applied %d migration(s)\n", n)
		}
	case "down":
		var version string
		version, err = mgr.Down(ctx)
		if err == nil {
			fmt.Printf("reverted %s\n", version)
		}
	case "status":
		var states []migrate.State
		states, err = mgr.Status(ctx)
		for _, st := range states {
			applied := "pending"
			if st.Applied() {
				applied = st.AppliedAt.Format(time.RFC3339)
			}
			fmt.Printf("%-24s %s\n", st.Version, applied)
		}
	default:
		log.Fatalf("unknown command %q", cmd)
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flags.Arg(0), err)
	}
}
