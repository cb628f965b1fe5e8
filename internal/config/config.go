package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Market         MarketConfig         `yaml:"market"`
	Database       DatabaseConfig       `yaml:"database"`
	Server         ServerConfig         `yaml:"server"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	LeaderElection LeaderElectionConfig `yaml:"leader_election"`
}

// MarketConfig holds marketplace engine settings.
type MarketConfig struct {
	// Admin is the administrator identity allowed to change fee settings
	// and the deployment template.
	Admin string `yaml:"admin"`
	// Account is the marketplace's own identity, used as the escrow and
	// custody account for funds and assets.
	Account string `yaml:"account"`
	// FeeRecipient receives the marketplace cut of every sale.
	FeeRecipient string `yaml:"fee_recipient"`
	// FeeRate is the marketplace fee in parts-per-10000.
	FeeRate uint16 `yaml:"fee_rate"`
	// BidIncrementRate is the minimum bid step in parts-per-10000 of the
	// current highest bid.
	BidIncrementRate uint16 `yaml:"bid_increment_rate"`
	// RoyaltySource selects where settlement resolves royalties from:
	// "registry" (collection record) or "token" (per-sale query).
	RoyaltySource string `yaml:"royalty_source"`
	// TemplateHash is the initial code template for collection
	// deployments. The administrator can change it at runtime.
	TemplateHash string `yaml:"template_hash"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	Driver   string `yaml:"driver"` // "postgres" or "memory"
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	Insecure       bool   `yaml:"insecure"`
}

// LeaderElectionConfig holds Kubernetes leader election settings.
type LeaderElectionConfig struct {
	Enabled        bool          `yaml:"enabled"`
	LeaseName      string        `yaml:"lease_name"`
	LeaseNamespace string        `yaml:"lease_namespace"`
	LeaseDuration  time.Duration `yaml:"lease_duration"`
	RenewDeadline  time.Duration `yaml:"renew_deadline"`
	RetryPeriod    time.Duration `yaml:"retry_period"`
}

// Load reads a YAML configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Defaults returns a Config populated with default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
			Driver:  "memory",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "marketd",
			ServiceVersion: "0.1.0",
		},
		Market: MarketConfig{
			Account:          "marketplace",
			FeeRate:          100, // 1%
			BidIncrementRate: 1000,
			RoyaltySource:    "registry",
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:        false,
			LeaseName:      "marketd-leader",
			LeaseNamespace: "default",
			LeaseDuration:  15 * time.Second,
			RenewDeadline:  10 * time.Second,
			RetryPeriod:    2 * time.Second,
		},
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "memory":
		// valid
	default:
		return fmt.Errorf("unsupported database driver %q: must be \"postgres\" or \"memory\"", c.Database.Driver)
	}

	switch c.Market.RoyaltySource {
	case "registry", "token":
		// valid
	default:
		return fmt.Errorf("unsupported royalty source %q: must be \"registry\" or \"token\"", c.Market.RoyaltySource)
	}

	if c.Market.Admin == "" {
		return fmt.Errorf("market.admin must be set")
	}
	if c.Market.FeeRecipient == "" {
		return fmt.Errorf("market.fee_recipient must be set")
	}
	if c.Market.FeeRate > 10000 {
		return fmt.Errorf("market.fee_rate %d exceeds 10000", c.Market.FeeRate)
	}
	if c.Market.BidIncrementRate > 10000 {
		return fmt.Errorf("market.bid_increment_rate %d exceeds 10000", c.Market.BidIncrementRate)
	}
	return nil
}
