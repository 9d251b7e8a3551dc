package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	tether "github.com/tetherlabs/tether-go"
)

// ============================================================================
// Configuration
// ============================================================================

// Config keys, dot notation.
const (
	keyDaemonURL        = "daemon.url"
	keyLastConversation = "daemon.last_conversation"
	keyLogLevel         = "log.level"
)

var knownKeys = []string{keyDaemonURL, keyLastConversation, keyLogLevel}

// configDir returns the path to ~/.tether, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".tether")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// openSettings opens the persistent settings store backing the CLI config.
// A missing file yields an empty store.
func openSettings() (*tether.Settings, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	return tether.OpenSettings(path)
}

// setConfigValue validates the key and persists the value.
func setConfigValue(settings *tether.Settings, key, value string) error {
	for _, k := range knownKeys {
		if k == key {
			return settings.Set(key, value)
		}
	}
	return fmt.Errorf("unknown config key %q (valid: %s)", key, strings.Join(knownKeys, ", "))
}

// ============================================================================
// Root command
// ============================================================================

var (
	flagURL     string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "tether",
	Short: "Tether daemon session CLI",
	Long:  "Command-line interface for a tether daemon session.\nInspect daemon status, watch conversations, and send messages.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagURL, "url", "", "daemon URL (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
