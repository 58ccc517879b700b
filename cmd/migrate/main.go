package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/pflag"

	"rotor.dev/internal/migrate"
	"rotor.dev/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	var (
		dsn        = pflag.String("dsn", os.Getenv("ROTOR_PG_DSN"), "PostgreSQL DSN")
		migrations = pflag.String("migrations", "", "directory of SQL migrations (defaults to the embedded set)")
		seeds      = pflag.String("seeds", "", "directory of SQL seeds")
		timeout    = pflag.Duration("timeout", 30*time.Second, "overall timeout")
	)
	pflag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via --dsn or ROTOR_PG_DSN")
	}
	if pflag.NArg() == 0 {
		log.Fatal("usage: migrate [up|down|seed|status|pending]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	var migFS fs.FS = pg.Migrations()
	if *migrations != "" {
		migFS = os.DirFS(*migrations)
	}
	var seedFS fs.FS
	if *seeds != "" {
		seedFS = os.DirFS(*seeds)
	}
	mgr := migrate.NewManager(db, migFS, seedFS)

	switch pflag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status", "pending":
		var items []string
		if pflag.Arg(0) == "status" {
			items, err = mgr.Status(ctx)
		} else {
			items, err = mgr.Pending(ctx)
		}
		if err == nil {
			for _, item := range items {
				fmt.Println(item)
			}
		}
	default:
		log.Fatalf("unknown command %q", pflag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", pflag.Arg(0), err)
	}
}
