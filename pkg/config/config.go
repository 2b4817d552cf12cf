// Copyright 2024-2026 Aiku AI

// Package config loads the relaybridge YAML configuration.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/adhocore/gronx"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/aiku/relaybridge/pkg/connector/matrix"
	"github.com/aiku/relaybridge/pkg/connector/mattermost"
	"github.com/aiku/relaybridge/pkg/relay"
)

//go:embed example-config.yaml
var ExampleConfig string

const (
	defaultAdminAPIAddr = ":29320"
	defaultDatabase     = "relaybridge.db"
	defaultCron         = "0 4 * * *"
)

// Portal types.
const (
	TypeMattermost = "mattermost"
	TypeMatrix     = "matrix"
)

// Config is the whole bridge configuration.
type Config struct {
	Database    string `yaml:"database"`
	EventBuffer int    `yaml:"event_buffer"`
	// AdminAPIAddr is the listen address for the admin HTTP API. Defaults
	// to ":29320".
	AdminAPIAddr string `yaml:"admin_api_addr"`

	Retention Retention      `yaml:"retention"`
	Portals   []PortalConfig `yaml:"portals"`

	Logging zeroconfig.Config `yaml:"logging"`
}

// Retention controls pruning of old message mappings.
type Retention struct {
	// MaxAge is how long mappings are kept. Zero disables pruning.
	MaxAge time.Duration `yaml:"max_age"`
	Cron   string        `yaml:"cron"`
}

// PortalConfig selects a portal type and holds that type's block.
type PortalConfig struct {
	Type       string             `yaml:"type"`
	Mattermost *mattermost.Config `yaml:"mattermost,omitempty"`
	Matrix     *matrix.Config     `yaml:"matrix,omitempty"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess fills defaults and validates every portal block.
func (c *Config) PostProcess() error {
	if c.Database == "" {
		c.Database = defaultDatabase
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = relay.DefaultEventBuffer
	}
	if c.AdminAPIAddr == "" {
		c.AdminAPIAddr = defaultAdminAPIAddr
	}
	if c.Retention.Cron == "" {
		c.Retention.Cron = defaultCron
	}
	if c.Retention.MaxAge < 0 {
		return fmt.Errorf("retention.max_age must not be negative")
	}
	if c.Retention.MaxAge > 0 && !gronx.New().IsValid(c.Retention.Cron) {
		return fmt.Errorf("invalid retention.cron %q", c.Retention.Cron)
	}
	if len(c.Portals) < 2 {
		return fmt.Errorf("at least two portals are needed, got %d", len(c.Portals))
	}
	for i := range c.Portals {
		if err := c.Portals[i].PostProcess(); err != nil {
			return fmt.Errorf("portal %d: %w", i, err)
		}
	}
	return nil
}

func (pc *PortalConfig) PostProcess() error {
	switch pc.Type {
	case TypeMattermost:
		if pc.Mattermost == nil {
			return fmt.Errorf("type %s needs a mattermost block", pc.Type)
		}
		return pc.Mattermost.PostProcess()
	case TypeMatrix:
		if pc.Matrix == nil {
			return fmt.Errorf("type %s needs a matrix block", pc.Type)
		}
		return pc.Matrix.PostProcess()
	default:
		return fmt.Errorf("unknown portal type %q", pc.Type)
	}
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "database")
	helper.Copy(up.Int, "event_buffer")
	helper.Copy(up.Str, "admin_api_addr")
	helper.Copy(up.Str|up.Int, "retention", "max_age")
	helper.Copy(up.Str, "retention", "cron")
	helper.Copy(up.List, "portals")
	helper.Copy(up.Map, "logging")
}

// Upgrader merges a user config into the current example config, keeping
// the user's values.
var Upgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Blocks: [][]string{
		{"retention"},
		{"portals"},
		{"logging"},
	},
	Base: ExampleConfig,
}

// Load reads the config at path, upgrading it in place when save is set,
// expands ${VARS} from the environment and validates the result.
func Load(path string, save bool) (*Config, error) {
	data, _, err := up.Do(path, save, Upgrader)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	return Parse(data)
}

// Parse expands environment variables in data and decodes it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
