// Schema migration CLI.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/pumpwatch/pumpwatch/internal/config"
	"github.com/pumpwatch/pumpwatch/internal/db"
)

func main() {
	command := flag.String("command", "up", "Command to run: up or status")
	configPath := flag.String("config", "", "path to config file")
	dsn := flag.String("dsn", "", "database URL, overrides config")
	flag.Parse()

	url := *dsn
	if url == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
		url = cfg.Database.GetDSN()
	}

	conn, err := db.OpenForMigration(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	ctx := context.Background()
	if err := conn.PingContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to ping database: %v\n", err)
		os.Exit(1)
	}

	migrator := db.NewMigrator(conn)

	switch *command {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Migrations applied")
	case "status":
		version, err := migrator.Version(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read schema version: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Schema version: %d\n", version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", *command)
		os.Exit(1)
	}
}
