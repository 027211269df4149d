package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// SettingsEnvVar overrides settings discovery when set.
const SettingsEnvVar = "OPENCUFF_SETTINGS"

// DataDirEnvVar overrides the data directory (audit database, debug log).
const DataDirEnvVar = "OPENCUFF_DATA_DIR"

// GetConfigDir returns the per-user configuration directory
// Linux/Mac: ~/.opencuff
// Windows: C:\Users\username\.opencuff
func GetConfigDir() string {
	return filepath.Join(GetHomeDir(), ".opencuff")
}

// GetDefaultDataDir returns the platform-specific default data directory
// Linux/Mac: ~/.local/share/opencuff
// Windows: C:\Users\username\AppData\Local\opencuff
func GetDefaultDataDir() string {
	if dir := os.Getenv(DataDirEnvVar); dir != "" {
		return ExpandPath(dir)
	}

	if runtime.GOOS == "windows" {
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			userProfile := os.Getenv("USERPROFILE")
			localAppData = filepath.Join(userProfile, "AppData", "Local")
		}
		return filepath.Join(localAppData, "opencuff")
	}

	return filepath.Join(GetHomeDir(), ".local", "share", "opencuff")
}

// SettingsSearchPaths lists candidate settings files in priority order.
func SettingsSearchPaths() []string {
	var paths []string
	if p := os.Getenv(SettingsEnvVar); p != "" {
		paths = append(paths, ExpandPath(p))
	}
	paths = append(paths,
		"settings.yml",
		filepath.Join(GetConfigDir(), "settings.yml"),
	)
	if runtime.GOOS != "windows" {
		paths = append(paths, "/etc/opencuff/settings.yml")
	}
	return paths
}

// FindSettings returns the first settings file that exists, or "".
func FindSettings() string {
	for _, p := range SettingsSearchPaths() {
		if FileExists(p) {
			return p
		}
	}
	return ""
}

// GetHomeDir returns the user's home directory across platforms
// Windows: %USERPROFILE% (C:\Users\username)
// Linux/Mac: $HOME (/home/username)
func GetHomeDir() string {
	if runtime.GOOS == "windows" {
		home := os.Getenv("USERPROFILE")
		if home == "" {
			// Fallback: HOMEDRIVE + HOMEPATH
			home = os.Getenv("HOMEDRIVE") + os.Getenv("HOMEPATH")
		}
		if home == "" {
			home = "C:\\"
		}
		return home
	}
	home := os.Getenv("HOME")
	if home == "" {
		home = "/"
	}
	return home
}

// ExpandPath expands ~ and environment variables in a path
func ExpandPath(path string) string {
	if path == "" {
		return path
	}

	if path == "~" {
		return GetHomeDir()
	}
	if strings.HasPrefix(path, "~/") {
		path = filepath.Join(GetHomeDir(), path[2:])
	}

	path = os.ExpandEnv(path)

	return filepath.Clean(path)
}

// EnsureDir creates a directory if it doesn't exist (0700 - user-only access)
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0700)
}

// FileExists checks if a file exists
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// EnsureDataDirPermissions ensures data directory exists with 0700 permissions
func EnsureDataDirPermissions(dataDir string) error {
	info, err := os.Stat(dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(dataDir, 0700)
		}
		return err
	}

	if info.Mode().Perm() != 0700 {
		return os.Chmod(dataDir, 0700)
	}
	return nil
}

// AuditDBPath resolves where the audit database lives.
func (s *Settings) AuditDBPath(dataDir string) string {
	if s.Audit.Path != "" {
		return ExpandPath(s.Audit.Path)
	}
	return filepath.Join(dataDir, "audit.db")
}
