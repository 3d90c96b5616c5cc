// Package config loads the settlement kernel's process configuration from
// the environment and its per-plan WalletPolicy/BillingPlan defaults from
// YAML (profile_loader.go).
package config

import "os"

// Config holds server configuration.
type Config struct {
	Port         string
	LogLevel     string
	DatabaseURL  string
	OTLPEndpoint string
	PlansDir     string
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = "postgres://settle@localhost:5433/settle?sslmode=disable"
	}

	otlp := os.Getenv("OTLP_ENDPOINT")
	if otlp == "" {
		otlp = "localhost:4317"
	}

	plansDir := os.Getenv("PLANS_DIR")
	if plansDir == "" {
		plansDir = "plans"
	}

	return &Config{
		Port:         port,
		LogLevel:     logLevel,
		DatabaseURL:  dbURL,
		OTLPEndpoint: otlp,
		PlansDir:     plansDir,
	}
}
