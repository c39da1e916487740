// Package main is a repair tool for dirty migration state. Dirty state occurs
// when the golang-migrate runner marks a version as in-progress (dirty=true)
// but the migration process was interrupted by a crash or timeout before it
// could complete. This tool connects to the database, checks the
// schema_migrations table, and clears the dirty flag so the migration runner
// can retry cleanly on the next server startup.
package main

import (
	"log"
	"os"

	"github.com/protein-classifier/protein-classifier/internal/config"
	"github.com/protein-classifier/protein-classifier/internal/db"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	var version int
	var dirty bool
	if err := database.QueryRow("SELECT version, dirty FROM schema_migrations LIMIT 1").Scan(&version, &dirty); err != nil {
		log.Fatalf("Failed to check migration state: %v", err)
	}
	log.Printf("Current migration state: version=%d, dirty=%v", version, dirty)

	if !dirty {
		log.Println("Migration state is already clean")
		return
	}

	if _, err := database.Exec("UPDATE schema_migrations SET dirty = false"); err != nil {
		log.Fatalf("Failed to fix dirty state: %v", err)
	}
	log.Println("Migration state fixed successfully")
}
