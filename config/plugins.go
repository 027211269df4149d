package config

import (
	"fmt"
	"net/url"
	"reflect"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type PluginType string

const (
	PluginTypeInSource PluginType = "in_source"
	PluginTypeProcess  PluginType = "process"
	PluginTypeHTTP     PluginType = "http"
	PluginTypeMCP      PluginType = "mcp"
)

// InSourcePrefix is the only namespace in-process plugins may be loaded from.
const InSourcePrefix = "opencuff.plugins."

type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// ProcessSettings governs restarts. They apply to every plugin kind, not only
// to process plugins.
type ProcessSettings struct {
	RestartOnCrash bool              `yaml:"restart_on_crash" toml:"restart_on_crash" json:"restart_on_crash"`
	MaxRestarts    int               `yaml:"max_restarts" toml:"max_restarts" json:"max_restarts"`
	RestartDelay   float64           `yaml:"restart_delay" toml:"restart_delay" json:"restart_delay"`
	Backoff        BackoffKind       `yaml:"backoff" toml:"backoff" json:"backoff"`
	Env            map[string]string `yaml:"env,omitempty" toml:"env,omitempty" json:"env,omitempty"`
	Dir            string            `yaml:"dir,omitempty" toml:"dir,omitempty" json:"dir,omitempty"`
}

type HTTPSettings struct {
	Timeout    float64           `yaml:"timeout" toml:"timeout" json:"timeout"`
	Headers    map[string]string `yaml:"headers,omitempty" toml:"headers,omitempty" json:"headers,omitempty"`
	RetryCount int               `yaml:"retry_count" toml:"retry_count" json:"retry_count"`
	RetryDelay float64           `yaml:"retry_delay" toml:"retry_delay" json:"retry_delay"`
	VerifySSL  bool              `yaml:"verify_ssl" toml:"verify_ssl" json:"verify_ssl"`
	// Transport selects the MCP client transport for remote mcp plugins:
	// "sse" (default) or "streamable-http".
	Transport string `yaml:"transport,omitempty" toml:"transport,omitempty" json:"transport,omitempty"`
}

// PluginConfig is one entry under "plugins". The instance name is its map key.
type PluginConfig struct {
	Type            PluginType      `yaml:"type" toml:"type" json:"type"`
	Enabled         bool            `yaml:"enabled" toml:"enabled" json:"enabled"`
	Module          string          `yaml:"module,omitempty" toml:"module,omitempty" json:"module,omitempty"`
	Command         string          `yaml:"command,omitempty" toml:"command,omitempty" json:"command,omitempty"`
	Args            []string        `yaml:"args,omitempty" toml:"args,omitempty" json:"args,omitempty"`
	Endpoint        string          `yaml:"endpoint,omitempty" toml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Config          map[string]any  `yaml:"config,omitempty" toml:"config,omitempty" json:"config,omitempty"`
	ProcessSettings ProcessSettings `yaml:"process_settings" toml:"process_settings" json:"process_settings"`
	HTTPSettings    HTTPSettings    `yaml:"http_settings" toml:"http_settings" json:"http_settings"`
}

// UnmarshalYAML fills defaults for every key the document leaves out.
func (pc *PluginConfig) UnmarshalYAML(node *yaml.Node) error {
	type raw PluginConfig
	decoded := raw(DefaultPluginConfig())
	if err := node.Decode(&decoded); err != nil {
		return err
	}
	*pc = PluginConfig(decoded)
	return nil
}

func (ps ProcessSettings) Delay() time.Duration {
	return seconds(ps.RestartDelay)
}

func (hs HTTPSettings) RequestTimeout() time.Duration {
	return seconds(hs.Timeout)
}

func (hs HTTPSettings) Delay() time.Duration {
	return seconds(hs.RetryDelay)
}

// Equal reports whether two configs would produce the same plugin.
func (pc PluginConfig) Equal(other PluginConfig) bool {
	return reflect.DeepEqual(pc, other)
}

// Target is a human-readable transport target for status output.
func (pc PluginConfig) Target() string {
	switch pc.Type {
	case PluginTypeInSource:
		return pc.Module
	case PluginTypeProcess:
		return strings.TrimSpace(pc.Command + " " + strings.Join(pc.Args, " "))
	case PluginTypeHTTP:
		return pc.Endpoint
	case PluginTypeMCP:
		if pc.Command != "" {
			return strings.TrimSpace(pc.Command + " " + strings.Join(pc.Args, " "))
		}
		return pc.Endpoint
	}
	return ""
}

// Validate checks one plugin entry.
func (pc PluginConfig) Validate(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("plugin name must not be empty")
	case strings.Contains(name, "."):
		return fmt.Errorf("plugin %q: name must not contain '.'", name)
	case strings.ContainsAny(name, " \t\n"):
		return fmt.Errorf("plugin %q: name must not contain whitespace", name)
	}

	switch pc.Type {
	case PluginTypeInSource:
		switch {
		case pc.Module == "":
			return fmt.Errorf("plugin %q: in_source plugins require 'module'", name)
		case !strings.HasPrefix(pc.Module, InSourcePrefix):
			return fmt.Errorf("plugin %q: module %q is outside the %q namespace", name, pc.Module, InSourcePrefix)
		}
	case PluginTypeProcess:
		if pc.Command == "" {
			return fmt.Errorf("plugin %q: process plugins require 'command'", name)
		}
	case PluginTypeHTTP:
		if err := validateEndpoint(pc.Endpoint); err != nil {
			return fmt.Errorf("plugin %q: %w", name, err)
		}
	case PluginTypeMCP:
		switch {
		case pc.Command == "" && pc.Endpoint == "":
			return fmt.Errorf("plugin %q: mcp plugins require 'command' or 'endpoint'", name)
		case pc.Command != "" && pc.Endpoint != "":
			return fmt.Errorf("plugin %q: mcp plugins take either 'command' or 'endpoint', not both", name)
		case pc.Endpoint != "":
			if err := validateEndpoint(pc.Endpoint); err != nil {
				return fmt.Errorf("plugin %q: %w", name, err)
			}
		}
		switch pc.HTTPSettings.Transport {
		case "", "sse", "streamable-http":
		default:
			return fmt.Errorf("plugin %q: unknown mcp transport %q", name, pc.HTTPSettings.Transport)
		}
	case "":
		return fmt.Errorf("plugin %q: 'type' is required", name)
	default:
		return fmt.Errorf("plugin %q: unknown plugin type %q", name, pc.Type)
	}

	ps := pc.ProcessSettings
	switch {
	case ps.MaxRestarts < 0:
		return fmt.Errorf("plugin %q: process_settings.max_restarts must be >= 0", name)
	case ps.RestartDelay < 0:
		return fmt.Errorf("plugin %q: process_settings.restart_delay must be >= 0", name)
	case ps.Backoff != "" && ps.Backoff != BackoffFixed && ps.Backoff != BackoffExponential:
		return fmt.Errorf("plugin %q: unknown backoff %q", name, ps.Backoff)
	}

	hs := pc.HTTPSettings
	switch {
	case hs.Timeout < 0:
		return fmt.Errorf("plugin %q: http_settings.timeout must be >= 0", name)
	case hs.RetryCount < 0:
		return fmt.Errorf("plugin %q: http_settings.retry_count must be >= 0", name)
	case hs.RetryDelay < 0:
		return fmt.Errorf("plugin %q: http_settings.retry_delay must be >= 0", name)
	}

	return nil
}

func validateEndpoint(endpoint string) error {
	if endpoint == "" {
		return fmt.Errorf("'endpoint' is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("endpoint must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint %q has no host", endpoint)
	}
	return nil
}
