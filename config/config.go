package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrInvalid       = errors.New("invalid settings")
	ErrNotFound      = errors.New("settings file not found")
	ErrEnvVarMissing = errors.New("environment variable not set")
)

// PluginSettings are the host-wide knobs of the plugin system. Durations are
// expressed in (fractional) seconds in the settings file.
type PluginSettings struct {
	ConfigPollInterval  float64 `yaml:"config_poll_interval" toml:"config_poll_interval" json:"config_poll_interval"`
	DefaultTimeout      float64 `yaml:"default_timeout" toml:"default_timeout" json:"default_timeout"`
	LiveReload          bool    `yaml:"live_reload" toml:"live_reload" json:"live_reload"`
	HealthCheckInterval float64 `yaml:"health_check_interval" toml:"health_check_interval" json:"health_check_interval"`
	BarrierTimeout      float64 `yaml:"barrier_timeout" toml:"barrier_timeout" json:"barrier_timeout"`
}

type AuditSettings struct {
	Disabled bool   `yaml:"disabled" toml:"disabled" json:"disabled"`
	Path     string `yaml:"path,omitempty" toml:"path,omitempty" json:"path,omitempty"`
}

// Settings is the root of settings.yml / settings.toml.
type Settings struct {
	Version        string                  `yaml:"version" toml:"version" json:"version"`
	PluginSettings PluginSettings          `yaml:"plugin_settings" toml:"plugin_settings" json:"plugin_settings"`
	Audit          AuditSettings           `yaml:"audit" toml:"audit" json:"audit"`
	Plugins        map[string]PluginConfig `yaml:"plugins" toml:"plugins" json:"plugins"`
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func (p PluginSettings) PollInterval() time.Duration {
	return seconds(p.ConfigPollInterval)
}

func (p PluginSettings) Timeout() time.Duration {
	return seconds(p.DefaultTimeout)
}

// HealthInterval returns 0 when periodic health checks are disabled.
func (p PluginSettings) HealthInterval() time.Duration {
	return seconds(p.HealthCheckInterval)
}

func (p PluginSettings) QueueTimeout() time.Duration {
	return seconds(p.BarrierTimeout)
}

// EnabledPlugins returns the enabled plugin names in sorted order.
func (s *Settings) EnabledPlugins() []string {
	var names []string
	for name, pc := range s.Plugins {
		if pc.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Validate checks the settings for errors that must be rejected before any
// plugin is loaded.
func (s *Settings) Validate() error {
	problems := s.pluginSettingsProblems()

	names := make([]string, 0, len(s.Plugins))
	for name := range s.Plugins {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		pc := s.Plugins[name]
		if err := pc.Validate(name); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// ValidateHost checks only the host-wide plugin_settings. A settings change
// that fails it cannot be applied at all, while a bad plugin entry only
// affects that plugin.
func (s *Settings) ValidateHost() error {
	if problems := s.pluginSettingsProblems(); len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func (s *Settings) pluginSettingsProblems() []string {
	var problems []string
	ps := s.PluginSettings
	switch {
	case ps.ConfigPollInterval < 0:
		problems = append(problems, "plugin_settings.config_poll_interval must be >= 0")
	case ps.DefaultTimeout < 0:
		problems = append(problems, "plugin_settings.default_timeout must be >= 0")
	case ps.HealthCheckInterval < 0:
		problems = append(problems, "plugin_settings.health_check_interval must be >= 0")
	case ps.BarrierTimeout < 0:
		problems = append(problems, "plugin_settings.barrier_timeout must be >= 0")
	}
	return problems
}
