package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// LoadSettings reads a settings file. The format is picked from the
// extension: .toml is TOML, anything else is YAML.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	return ParseSettings(data, formatFor(path))
}

func formatFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return "toml"
	default:
		return "yaml"
	}
}

// ParseSettings decodes, expands ${VAR} references and applies defaults.
func ParseSettings(data []byte, format string) (*Settings, error) {
	var tree map[string]any

	switch format {
	case "toml":
		if _, err := toml.Decode(string(data), &tree); err != nil {
			return nil, fmt.Errorf("failed to parse TOML settings: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return nil, fmt.Errorf("failed to parse YAML settings: %w", err)
		}
	}

	if tree == nil {
		tree = map[string]any{}
	}

	expanded, err := expandEnv(tree)
	if err != nil {
		return nil, err
	}

	// Round-trip through YAML so both formats share one typed decoder with
	// defaults.
	normalized, err := yaml.Marshal(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize settings: %w", err)
	}

	settings := DefaultSettings()
	dec := yaml.NewDecoder(bytes.NewReader(normalized))
	dec.KnownFields(true)
	if err := dec.Decode(settings); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if settings.Plugins == nil {
		settings.Plugins = make(map[string]PluginConfig)
	}

	return settings, nil
}

// ExpandEnvVars replaces ${VAR} with the variable's value. Unset variables
// are an error.
func ExpandEnvVars(value string) (string, error) {
	var missing []string
	out := envVarPattern.ReplaceAllStringFunc(value, func(m string) string {
		name := envVarPattern.FindStringSubmatch(m)[1]
		v, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: %s", ErrEnvVarMissing, strings.Join(missing, ", "))
	}
	return out, nil
}

func expandEnv(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return ExpandEnvVars(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			expanded, err := expandEnv(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = expanded
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			expanded, err := expandEnv(item)
			if err != nil {
				return nil, err
			}
			out[i] = expanded
		}
		return out, nil
	case []map[string]any:
		out := make([]any, len(val))
		for i, item := range val {
			expanded, err := expandEnv(item)
			if err != nil {
				return nil, err
			}
			out[i] = expanded
		}
		return out, nil
	default:
		return v, nil
	}
}

// WriteSettingsTemplate writes a starter settings file. It refuses to
// overwrite an existing file unless force is set.
func WriteSettingsTemplate(path string, force bool) error {
	if FileExists(path) && !force {
		return fmt.Errorf("settings file already exists: %s", path)
	}

	dir := filepath.Dir(path)
	if err := EnsureDir(dir); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	template := GenerateSettingsTemplate()
	if formatFor(path) == "toml" {
		template = GenerateSettingsTemplateTOML()
	}

	// 0600 - may reference credentials through headers or env
	if err := os.WriteFile(path, []byte(template), 0600); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}
