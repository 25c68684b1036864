package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/Rrens/pagemind/internal/config"
	"github.com/Rrens/pagemind/internal/repository"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	driver := cfg.Storage.Driver
	if driver == "" {
		driver = "sqlite"
	}
	fmt.Printf("Applying %s schema...\n", driver)

	if err := repository.Migrate(cfg.Storage); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Migration failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("✅ Schema is up to date")
}
