// Package appdir locates the LayerLink data directory. It holds the shared
// instance lock, the agent's persisted state and rotated log files.
package appdir

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

const (
	// DirEnv overrides the data directory.
	DirEnv = "LAYERLINK_DIR"

	// LockFileName is the instance lock shared by every `layerlink serve` process.
	LockFileName = "instance.lock"

	// AgentStateFileName is the agent's durable local storage.
	AgentStateFileName = "agent-state.json"

	// LogsDirName is the subdirectory for rotated log files.
	LogsDirName = "logs"
)

var (
	cachedDir string
	mu        sync.RWMutex
)

// Dir returns the LayerLink data directory path:
//  1. LAYERLINK_DIR if set
//  2. macOS: ~/Library/Application Support/LayerLink
//  3. Windows: %APPDATA%\LayerLink
//  4. otherwise $XDG_DATA_HOME/layerlink or ~/.local/share/layerlink
//
// The directory is not created; see EnsureDir.
func Dir() (string, error) {
	mu.RLock()
	if cachedDir != "" {
		dir := cachedDir
		mu.RUnlock()
		return dir, nil
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if cachedDir != "" {
		return cachedDir, nil
	}

	dir, err := resolveDir()
	if err != nil {
		return "", err
	}
	cachedDir = dir
	return dir, nil
}

func resolveDir() (string, error) {
	if envDir := os.Getenv(DirEnv); envDir != "" {
		return envDir, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir, "Library", "Application Support", "LayerLink"), nil
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			appData = filepath.Join(homeDir, "AppData", "Roaming")
		}
		return filepath.Join(appData, "LayerLink"), nil
	default:
		dataDir := os.Getenv("XDG_DATA_HOME")
		if dataDir == "" {
			dataDir = filepath.Join(homeDir, ".local", "share")
		}
		return filepath.Join(dataDir, "layerlink"), nil
	}
}

// EnsureDir creates the data directory and its logs subdirectory.
func EnsureDir() error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(dir, LogsDirName), 0755); err != nil {
		return fmt.Errorf("failed to create LayerLink directory %s: %w", dir, err)
	}
	return nil
}

// LockPath returns the path of the shared instance lock.
func LockPath() (string, error) {
	return join(LockFileName)
}

// AgentStatePath returns the path of the agent state file.
func AgentStatePath() (string, error) {
	return join(AgentStateFileName)
}

// LogPath returns the rotated log file path for the named process role.
func LogPath(role string) (string, error) {
	return join(LogsDirName, role+".log")
}

func join(elem ...string) (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{dir}, elem...)...), nil
}

// ResetCache clears the cached directory path. Used by tests.
func ResetCache() {
	mu.Lock()
	defer mu.Unlock()
	cachedDir = ""
}
