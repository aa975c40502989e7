// Package config loads and validates the bridge's YAML configuration.
package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/adamavenir/intercom/internal/types"
)

// Duration wraps time.Duration so YAML can carry values like "2m30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Agent describes the child process spawned in active mode.
type Agent struct {
	Binary string   `yaml:"binary"`
	Args   []string `yaml:"args,omitempty"`
}

// Stall tunes the stall monitor.
type Stall struct {
	Threshold Duration `yaml:"threshold"`
	MaxNudges int      `yaml:"max_nudges"`
}

// Timeouts bounds blocking operations.
type Timeouts struct {
	Approval Duration `yaml:"approval"`
	Prompt   Duration `yaml:"prompt"`
	Wait     Duration `yaml:"wait"`
	Startup  Duration `yaml:"startup"`
}

// Mapping routes a workspace namespace to a chat channel for passive
// sessions.
type Mapping struct {
	Namespace string `yaml:"namespace"`
	Channel   string `yaml:"channel"`
}

// Config is the bridge configuration.
type Config struct {
	OperatorID    string `yaml:"operator_id"`
	Mode          string `yaml:"mode"` // passive | active
	ChannelID     string `yaml:"channel_id,omitempty"`
	WorkspaceRoot string `yaml:"workspace_root"`

	Agent Agent `yaml:"agent,omitempty"`

	DBPath       string `yaml:"db_path,omitempty"`
	PolicyPath   string `yaml:"policy_path,omitempty"`
	SocketPath   string `yaml:"socket_path,omitempty"`
	MaxLineBytes int    `yaml:"max_line_bytes,omitempty"`

	Stall    Stall    `yaml:"stall,omitempty"`
	Timeouts Timeouts `yaml:"timeouts,omitempty"`

	Mappings []Mapping `yaml:"mappings,omitempty"`

	Notifications bool `yaml:"notifications,omitempty"`
}

// Load reads, parses, and validates the config at path. Defaults are
// applied before validation.
func Load(path string) (*Config, error) {
	text, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read config %s: %v", types.ErrConfig, path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(text, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config %s: %v", types.ErrConfig, path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(dataDir(), "intercom.db")
	}
	if c.SocketPath == "" {
		c.SocketPath = filepath.Join(dataDir(), "intercom.sock")
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = 1 << 20
	}
	if c.Stall.Threshold <= 0 {
		c.Stall.Threshold = Duration(5 * time.Minute)
	}
	if c.Stall.MaxNudges <= 0 {
		c.Stall.MaxNudges = 3
	}
	if c.Timeouts.Approval <= 0 {
		c.Timeouts.Approval = Duration(10 * time.Minute)
	}
	if c.Timeouts.Prompt <= 0 {
		c.Timeouts.Prompt = Duration(10 * time.Minute)
	}
	if c.Timeouts.Wait <= 0 {
		c.Timeouts.Wait = Duration(30 * time.Minute)
	}
	if c.Timeouts.Startup <= 0 {
		c.Timeouts.Startup = Duration(30 * time.Second)
	}
}

func dataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".intercom")
}

// Validate checks cross-field constraints. All violations are ErrConfig.
func (c *Config) Validate() error {
	if c.OperatorID == "" {
		return fmt.Errorf("%w: operator_id is required", types.ErrConfig)
	}
	switch c.Mode {
	case string(types.ModePassive), string(types.ModeActive):
	default:
		return fmt.Errorf("%w: mode must be passive or active, got %q", types.ErrConfig, c.Mode)
	}

	if c.Mode == string(types.ModeActive) {
		if c.ChannelID == "" {
			return fmt.Errorf("%w: active mode requires channel_id", types.ErrConfig)
		}
		if c.Agent.Binary == "" {
			return fmt.Errorf("%w: active mode requires agent.binary", types.ErrConfig)
		}
		if err := checkExecutable(c.Agent.Binary); err != nil {
			return fmt.Errorf("%w: agent.binary: %v", types.ErrConfig, err)
		}
		if c.WorkspaceRoot == "" {
			return fmt.Errorf("%w: active mode requires workspace_root", types.ErrConfig)
		}
		if info, err := os.Stat(c.WorkspaceRoot); err != nil || !info.IsDir() {
			return fmt.Errorf("%w: workspace_root %s is not a directory", types.ErrConfig, c.WorkspaceRoot)
		}
	}

	seen := make(map[string]bool)
	for _, m := range c.Mappings {
		if m.Namespace == "" || m.Channel == "" {
			return fmt.Errorf("%w: mapping requires namespace and channel", types.ErrConfig)
		}
		if seen[m.Namespace] {
			return fmt.Errorf("%w: duplicate mapping namespace %q", types.ErrConfig, m.Namespace)
		}
		seen[m.Namespace] = true
	}
	return nil
}

func checkExecutable(binary string) error {
	if filepath.IsAbs(binary) || filepath.Base(binary) != binary {
		info, err := os.Stat(binary)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return fmt.Errorf("%s is a directory", binary)
		}
		return nil
	}
	_, err := exec.LookPath(binary)
	return err
}
