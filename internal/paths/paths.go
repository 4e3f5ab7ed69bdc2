// Package paths provides centralized path resolution for warelay.
// This package has NO internal imports (only stdlib) to avoid import cycles.
// All functions return errors to allow callers to log appropriately.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// EnvConfigDir overrides the config directory when set.
const EnvConfigDir = "WARELAY_CONFIG_DIR"

var (
	configDirOnce sync.Once
	configDir     string
)

// ConfigDir returns the warelay state directory. Resolution order:
// $WARELAY_CONFIG_DIR, ~/.clawdis, ~/.warelay, ./clawdis, then an
// OS-temp subdirectory. The first writable candidate wins. The result
// is resolved once and reused for the process lifetime.
func ConfigDir() string {
	configDirOnce.Do(func() {
		home, _ := os.UserHomeDir()
		configDir = resolveConfigDir(os.Getenv, home, os.TempDir())
	})
	return configDir
}

// resolveConfigDir walks the candidate ladder. Split out from ConfigDir
// so the selection logic is testable without touching process state.
func resolveConfigDir(getenv func(string) string, home, tmp string) string {
	var candidates []string
	if override := getenv(EnvConfigDir); override != "" {
		candidates = append(candidates, override)
	}
	if home != "" {
		candidates = append(candidates, filepath.Join(home, ".clawdis"))
		candidates = append(candidates, filepath.Join(home, ".warelay"))
	}
	candidates = append(candidates, "clawdis")

	for _, dir := range candidates {
		if isWritableDir(dir) {
			abs, err := filepath.Abs(dir)
			if err != nil {
				return dir
			}
			return abs
		}
	}

	fallback := filepath.Join(tmp, "clawdis")
	_ = os.MkdirAll(fallback, 0750)
	return fallback
}

// isWritableDir reports whether dir exists (or can be created) and
// accepts new files.
func isWritableDir(dir string) bool {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return false
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return false
	}
	name := probe.Name()
	probe.Close()
	os.Remove(name)
	return true
}

// ConfigFilePath returns the active config file path. The preferred name
// clawdis.json wins over the legacy warelay.json; if neither exists the
// preferred path is returned so new configs land there.
func ConfigFilePath() string {
	dir := ConfigDir()
	preferred := filepath.Join(dir, "clawdis.json")
	if _, err := os.Stat(preferred); err == nil {
		return preferred
	}
	legacy := filepath.Join(dir, "warelay.json")
	if _, err := os.Stat(legacy); err == nil {
		return legacy
	}
	return preferred
}

// CredentialsDir returns the wa-web auth state directory (<cfg>/credentials).
func CredentialsDir() string {
	return filepath.Join(ConfigDir(), "credentials")
}

// TelegramSessionFile returns the persisted Telegram session token path.
func TelegramSessionFile() string {
	return filepath.Join(ConfigDir(), "telegram", "session", "session.string")
}

// LegacyTelegramSessionFile returns the pre-rename token path, still
// erased on logout.
func LegacyTelegramSessionFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".warelay", "telegram", "session", "session.string")
}

// TelegramTempDir returns the default streaming-download directory
// (<cfg>/telegram-temp). The media store applies its own env override
// and writability ladder on top of this.
func TelegramTempDir() string {
	return filepath.Join(ConfigDir(), "telegram-temp")
}

// ScratchDir returns the directory agents are told to write outbound
// media into (<cfg>/scratch).
func ScratchDir() string {
	return filepath.Join(ConfigDir(), "scratch")
}

// EnsureDir creates a directory if it doesn't exist.
// Uses 0750 permissions (owner: rwx, group: rx, other: none).
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// EnsureParentDir creates the parent directory of a file path if it doesn't exist.
func EnsureParentDir(filePath string) error {
	return EnsureDir(filepath.Dir(filePath))
}

// ExpandTilde expands a path that starts with ~ to the user's home directory.
// Returns the path unchanged if it doesn't start with ~.
func ExpandTilde(path string) (string, error) {
	if len(path) == 0 || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	if len(path) == 1 {
		return home, nil
	}
	return filepath.Join(home, path[1:]), nil
}
