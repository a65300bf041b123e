package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	AppConfigDir = ".config/stegofed"
	// HomeEnv overrides the state directory; used by containers and tests.
	HomeEnv = "STEGOFED_HOME"
)

// GetConfigDir returns the directory holding the config file and the
// database, creating it on first use.
func GetConfigDir() (string, error) {
	dir := os.Getenv(HomeEnv)
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get user home directory: %w", err)
		}
		dir = filepath.Join(home, AppConfigDir)
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	return dir, nil
}

// ResolveFilePath maps a configured file name to the path to open. Absolute
// paths and sqlite special names pass through; a relative name is used as is
// when it exists in the working directory, otherwise it lives in the config
// dir.
func ResolveFilePath(name string) string {
	if name == ":memory:" || strings.HasPrefix(name, "file:") || filepath.IsAbs(name) {
		return name
	}
	if _, err := os.Stat(name); err == nil {
		return name
	}

	dir, err := GetConfigDir()
	if err != nil {
		return name
	}
	return filepath.Join(dir, name)
}
