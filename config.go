package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/meridianlake/canonical-ingester/backfill"
	"github.com/meridianlake/canonical-ingester/metrics"
)

// AppConfig is the full application configuration.
type AppConfig struct {
	Service struct {
		Name        string `yaml:"name"`
		Environment string `yaml:"environment"`
	} `yaml:"service"`

	// Mappings points at the declarative service/table mapping tree
	// (tables/, services/, sync/ subdirectories of JSON files).
	Mappings struct {
		Dir string `yaml:"dir"`
	} `yaml:"mappings"`

	// Storage is the object store root where raw pulls land.
	Storage struct {
		Root string `yaml:"root"`
	} `yaml:"storage"`

	Warehouse struct {
		Path   string `yaml:"path"`
		Schema string `yaml:"schema"`
	} `yaml:"warehouse"`

	// JobStore selects the job/chunk tracking backend. "postgres"
	// needs a DSN; "memory" is for development and tests.
	JobStore struct {
		Backend string `yaml:"backend"`
		DSN     string `yaml:"dsn"`
	} `yaml:"job_store"`

	Backfill backfill.Config `yaml:"backfill"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Metrics metrics.Config `yaml:"metrics"`
}

// LoadAppConfig loads the application configuration from a YAML file.
// Environment variables in the file are expanded before parsing so
// credentials stay out of the file itself.
func LoadAppConfig(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var config AppConfig
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	return &config, nil
}

// ApplyDefaults sets default values for optional fields.
func (c *AppConfig) ApplyDefaults() {
	if c.Service.Name == "" {
		c.Service.Name = "canonical-ingester"
	}
	if c.Warehouse.Schema == "" {
		c.Warehouse.Schema = "canonical"
	}
	if c.JobStore.Backend == "" {
		c.JobStore.Backend = "memory"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	c.Backfill.ApplyDefaults()
	c.Metrics.ApplyDefaults()
}

// Validate checks the configuration for required fields.
func (c *AppConfig) Validate() error {
	if c.Mappings.Dir == "" {
		return fmt.Errorf("mappings.dir is required")
	}
	if c.Storage.Root == "" {
		return fmt.Errorf("storage.root is required")
	}
	if c.Warehouse.Path == "" {
		return fmt.Errorf("warehouse.path is required")
	}
	switch c.JobStore.Backend {
	case "memory":
	case "postgres":
		if c.JobStore.DSN == "" {
			return fmt.Errorf("job_store.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("job_store.backend must be \"memory\" or \"postgres\", got %q", c.JobStore.Backend)
	}
	return nil
}
