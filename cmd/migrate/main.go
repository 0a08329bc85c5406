package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"authzcore.org/internal/migrate"
)

func main() {
	log.SetFlags(0)

	dsn := flag.String("dsn", os.Getenv("AUTHZCORE_PG_DSN"), "postgres connection string")
	migrationsDir := flag.String("migrations", "migrations", "directory with .up.sql/.down.sql files")
	seedsDir := flag.String("seeds", "migrations/seeds", "directory with seed .sql files")
	flag.Parse()

	cmd := flag.Arg(0)
	if cmd == "" {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}
	if *dsn == "" {
		log.Fatal("no DSN: set -dsn or AUTHZCORE_PG_DSN")
	}

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("ping database: %v", err)
	}

	mgr := migrate.New(db, *migrationsDir, *seedsDir)

	switch cmd {
	case "up":
		if err := mgr.Up(ctx); err != nil {
			log.Fatalf("migrate up: %v", err)
		}
		log.Println("migrations applied")
	case "down":
		if err := mgr.Down(ctx); err != nil {
			log.Fatalf("migrate down: %v", err)
		}
		log.Println("last migration rolled back")
	case "seed":
		if err := mgr.Seed(ctx); err != nil {
			log.Fatalf("seed: %v", err)
		}
		log.Println("seeds applied")
	case "status":
		applied, err := mgr.Status(ctx)
		if err != nil {
			log.Fatalf("status: %v", err)
		}
		if len(applied) == 0 {
			log.Println("no migrations applied")
			return
		}
		for i, name := range applied {
			fmt.Printf("%3d  %s\n", i+1, name)
		}
	default:
		log.Fatalf("unknown command %q (want up, down, seed or status)", cmd)
	}
}
