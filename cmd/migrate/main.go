package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"digestd/migrations"
)

const usage = `Usage: migrate [-db path] <command>

Commands:
  up          Apply all pending migrations
  up-one      Apply the next migration
  down        Roll back the last migration
  status      List migrations and whether they are applied
  version     Print the schema version
  reset       Roll back every migration
`

func main() {
	dbPath := flag.String("db", envOrDefault("DIGEST_DATABASE_PATH", "./data/digest.db"), "path to sqlite database")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(1)
	}

	db, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	p, err := migrations.NewProvider(db)
	if err != nil {
		log.Fatal(err)
	}

	cmd := flag.Arg(0)
	if err := run(context.Background(), p, cmd); err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

func run(ctx context.Context, p *goose.Provider, cmd string) error {
	switch cmd {
	case "up":
		res, err := p.Up(ctx)
		printResults(res)
		return err
	case "up-one":
		res, err := p.UpByOne(ctx)
		if errors.Is(err, goose.ErrNoNextVersion) {
			fmt.Println("schema is up to date")
			return nil
		}
		printResults([]*goose.MigrationResult{res})
		return err
	case "down":
		res, err := p.Down(ctx)
		printResults([]*goose.MigrationResult{res})
		return err
	case "status":
		statuses, err := p.Status(ctx)
		if err != nil {
			return err
		}
		for _, s := range statuses {
			applied := "pending"
			if s.State == goose.StateApplied {
				applied = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%-20s %s\n", applied, s.Source.Path)
		}
		return nil
	case "version":
		v, err := p.GetDBVersion(ctx)
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	case "reset":
		res, err := p.DownTo(ctx, 0)
		printResults(res)
		return err
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func printResults(results []*goose.MigrationResult) {
	for _, r := range results {
		if r == nil || r.Source == nil {
			continue
		}
		fmt.Printf("%s %s (%s)\n", r.Direction, r.Source.Path, r.Duration.Round(time.Millisecond))
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
