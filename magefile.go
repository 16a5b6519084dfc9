//go:build mage

package main

import (
	"fmt"
	"log"
	"os"
	"os/exec"

	"github.com/joho/godotenv"
)

const migrationsDir = "internal/migrations/sql"

// MigrateUp runs all pending migrations
func MigrateUp() error {
	return migrate("up")
}

// MigrateDown rolls back the last migration
func MigrateDown() error {
	return migrate("down", "1")
}

// MigrateCreate creates new migration files
func MigrateCreate(name string) error {
	if name == "" {
		return fmt.Errorf("migration name is required")
	}
	return run("migrate", "create", "-ext", "sql", "-dir", migrationsDir, "-seq", name)
}

// Worker runs the job processors locally
func Worker() error {
	return run("go", "run", "./cmd", "worker")
}

// API serves the HTTP API locally
func API() error {
	return run("go", "run", "./cmd", "api")
}

func migrate(args ...string) error {
	loadEnv()
	return run("migrate", append([]string{"-path", migrationsDir, "-database", getDBURL()}, args...)...)
}

func run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func loadEnv() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found: %v", err)
	}
}

func getDBURL() string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		getEnv("DB_USER", "postgres"),
		getEnv("DB_PASSWORD", ""),
		getEnv("DB_HOST", "localhost"),
		getEnv("DB_PORT", "5432"),
		getEnv("DB_NAME", "pushengine"),
		getEnv("DB_SSLMODE", "disable"))
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
