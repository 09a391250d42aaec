// Package config содержит логику чтения конфигурации библиотечного сервиса.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации библиотечного сервиса.
type Config struct {
	RunAddress            string `env:"RUN_ADDRESS"`
	DatabaseURI           string `env:"DATABASE_URI"`
	IdentitySystemAddress string `env:"IDENTITY_SYSTEM_ADDRESS"`
	AuthSecret            string `env:"AUTH_SECRET"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envIdentityAddress := cfg.IdentitySystemAddress
	envAuthSecret := cfg.AuthSecret

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.IdentitySystemAddress, "i", "", "identity system address")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret for operator auth tokens")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envIdentityAddress != "" {
		cfg.IdentitySystemAddress = envIdentityAddress
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
