package config

func DefaultPluginSettings() PluginSettings {
	return PluginSettings{
		ConfigPollInterval:  5,
		DefaultTimeout:      30,
		LiveReload:          true,
		HealthCheckInterval: 30,
		BarrierTimeout:      5,
	}
}

func DefaultProcessSettings() ProcessSettings {
	return ProcessSettings{
		RestartOnCrash: true,
		MaxRestarts:    3,
		RestartDelay:   5,
		Backoff:        BackoffFixed,
	}
}

func DefaultHTTPSettings() HTTPSettings {
	return HTTPSettings{
		Timeout:    30,
		RetryCount: 3,
		RetryDelay: 1,
		VerifySSL:  true,
	}
}

func DefaultPluginConfig() PluginConfig {
	return PluginConfig{
		Enabled:         true,
		ProcessSettings: DefaultProcessSettings(),
		HTTPSettings:    DefaultHTTPSettings(),
	}
}

func DefaultSettings() *Settings {
	return &Settings{
		Version:        "1",
		PluginSettings: DefaultPluginSettings(),
		Plugins:        make(map[string]PluginConfig),
	}
}

func GenerateSettingsTemplate() string {
	return `# OpenCuff settings
# Location: ./settings.yml, ~/.opencuff/settings.yml or $OPENCUFF_SETTINGS
# String values may reference environment variables as ${VAR}.

version: "1"

plugin_settings:
  # Polling interval (seconds) used only when file notifications are unavailable
  config_poll_interval: 5
  # Per-call timeout (seconds) for plugin operations
  default_timeout: 30
  # Apply settings changes without restarting
  live_reload: true
  # Seconds between health probes; 0 disables them
  health_check_interval: 30
  # Seconds a call may wait for a plugin reload before failing with TIMEOUT
  barrier_timeout: 5

audit:
  disabled: false

plugins:
  dummy:
    type: in_source
    enabled: true
    module: opencuff.plugins.builtin.dummy
    config:
      prefix: "echo: "

  # build:
  #   type: process
  #   command: ./plugins/build-plugin
  #   args: ["--verbose"]
  #   process_settings:
  #     max_restarts: 3
  #     restart_delay: 5
  #     env:
  #       LOG_LEVEL: info

  # remote:
  #   type: http
  #   endpoint: http://localhost:8080
  #   http_settings:
  #     timeout: 30
  #     headers:
  #       Authorization: "Bearer ${REMOTE_TOKEN}"
`
}

func GenerateSettingsTemplateTOML() string {
	return `# OpenCuff settings
# Location: ./settings.toml or $OPENCUFF_SETTINGS
# String values may reference environment variables as ${VAR}.

version = "1"

[plugin_settings]
config_poll_interval = 5
default_timeout = 30
live_reload = true
health_check_interval = 30
barrier_timeout = 5

[audit]
disabled = false

[plugins.dummy]
type = "in_source"
enabled = true
module = "opencuff.plugins.builtin.dummy"

[plugins.dummy.config]
prefix = "echo: "
`
}
