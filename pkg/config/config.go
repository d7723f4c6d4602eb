package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// load parses environment variables into target, honouring an optional .env
// file for local development.
func load(target any) error {
	_ = godotenv.Load()
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// loadFromMap parses target from the supplied variables only, ignoring the
// process environment.
func loadFromMap(target any, vars map[string]string) error {
	if err := env.ParseWithOptions(target, env.Options{Environment: vars}); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// NormalizeDomain lowercases a domain and strips surrounding dots and spaces.
func NormalizeDomain(domain string) string {
	return strings.Trim(strings.ToLower(strings.TrimSpace(domain)), ".")
}
