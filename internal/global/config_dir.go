package global

import (
	"os"
	"path/filepath"
	"strings"
)

const ConfigDirEnv = "HOSTBRIDGE_HOME"

// DefaultConfigDir returns $HOSTBRIDGE_HOME or ~/.config/hostbridge.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv(ConfigDirEnv)); override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "hostbridge"), nil
}
