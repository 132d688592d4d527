package moosez

import (
	"os"
	"path/filepath"
	"runtime"
)

// getDefaultDataDir returns the platform data directory for model weights:
//   - Linux and other Unix: $XDG_DATA_HOME/<appName>/models or ~/.local/share/<appName>/models
//   - macOS: ~/Library/Application Support/<appName>/models
//   - Windows: %APPDATA%\<appName>\models
func getDefaultDataDir(appName string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", appName, "models"), nil
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(appData, appName, "models"), nil
	default:
		if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
			return filepath.Join(xdgData, appName, "models"), nil
		}
		return filepath.Join(home, ".local", "share", appName, "models"), nil
	}
}

// defaultSettingsPath returns <user config dir>/<appName>/config.yaml.
func defaultSettingsPath(appName string) (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, appName, "config.yaml"), nil
}
