// Package config defines the engine configuration file format and a
// file-backed provider with hot reload.
package config

import (
	"fmt"
	"time"

	"github.com/cascata/cascata/pkg/domain"
	"github.com/cascata/cascata/pkg/logging"
	"github.com/cascata/cascata/pkg/modules"
)

// Config is the full engine configuration, loaded from YAML.
type Config struct {
	ListenAddr string         `json:"listen_addr" yaml:"listen_addr"`
	BundleDir  string         `json:"bundle_dir,omitempty" yaml:"bundle_dir,omitempty"`
	Log        logging.Config `json:"log" yaml:"log"`

	Store struct {
		Path      string `json:"path" yaml:"path"`
		InMemory  bool   `json:"in_memory" yaml:"in_memory"`
		CacheSize int    `json:"cache_size" yaml:"cache_size"`
	} `json:"store" yaml:"store"`

	Modules struct {
		BudgetBytes int64                  `json:"budget_bytes" yaml:"budget_bytes"`
		GracePeriod time.Duration          `json:"grace_period" yaml:"grace_period"`
		LoadTimeout time.Duration          `json:"load_timeout" yaml:"load_timeout"`
		Catalog     []modules.StaticModule `json:"catalog" yaml:"catalog"`
	} `json:"modules" yaml:"modules"`

	Engine struct {
		ServiceEndpoint     string `json:"service_endpoint,omitempty" yaml:"service_endpoint,omitempty"`
		PromotionPolicyPath string `json:"promotion_policy_path,omitempty" yaml:"promotion_policy_path,omitempty"`
	} `json:"engine" yaml:"engine"`

	Orchestrator struct {
		MaxInFlight    int           `json:"max_in_flight" yaml:"max_in_flight"`
		QueueSize      int           `json:"queue_size" yaml:"queue_size"`
		CascadeWorkers int           `json:"cascade_workers" yaml:"cascade_workers"`
		MaxDepth       int           `json:"max_depth" yaml:"max_depth"`
		Threshold      float64       `json:"threshold" yaml:"threshold"`
		MaxFanout      int           `json:"max_fanout" yaml:"max_fanout"`
		DefaultTimeout time.Duration `json:"default_timeout" yaml:"default_timeout"`
		DefaultMode    string        `json:"default_mode" yaml:"default_mode"`
	} `json:"orchestrator" yaml:"orchestrator"`

	Telemetry struct {
		ServiceName string `json:"service_name" yaml:"service_name"`
		Endpoint    string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
		Environment string `json:"environment,omitempty" yaml:"environment,omitempty"`
		Insecure    bool   `json:"insecure" yaml:"insecure"`
	} `json:"telemetry" yaml:"telemetry"`
}

// Default returns a configuration suitable for local runs.
func Default() Config {
	var cfg Config
	cfg.ListenAddr = ":8087"
	cfg.Log.Level = "info"
	cfg.Store.Path = "data/playbooks"
	cfg.Store.CacheSize = 4096
	cfg.Modules.BudgetBytes = 512 << 20
	cfg.Modules.GracePeriod = 30 * time.Second
	cfg.Orchestrator.Threshold = 0.8
	cfg.Orchestrator.MaxFanout = 5
	cfg.Orchestrator.MaxDepth = 4
	cfg.Telemetry.ServiceName = "cascata-core"
	return cfg
}

// Validate checks the fields that cannot be defaulted away.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if !c.Store.InMemory && c.Store.Path == "" {
		return fmt.Errorf("store.path is required unless store.in_memory is set")
	}
	if c.Orchestrator.Threshold < 0 || c.Orchestrator.Threshold > 1 {
		return fmt.Errorf("orchestrator.threshold must be within [0,1]")
	}
	if mode := c.Orchestrator.DefaultMode; mode != "" && !domain.Mode(mode).Valid() {
		return fmt.Errorf("orchestrator.default_mode: unknown mode %q", mode)
	}
	for i, m := range c.Modules.Catalog {
		if m.ID == "" {
			return fmt.Errorf("modules.catalog[%d]: id is required", i)
		}
		if m.SizeBytes <= 0 {
			return fmt.Errorf("modules.catalog[%d]: size_bytes must be positive", i)
		}
	}
	return nil
}
