package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	relay "github.com/relaycollab/relay-go"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.relay/config.toml.
type Config struct {
	Server ConfigServer `toml:"server"`
	User   ConfigUser   `toml:"user"`
}

// ConfigServer holds connection settings.
type ConfigServer struct {
	URL               string `toml:"url"`
	ReconnectAttempts int    `toml:"reconnect_attempts"`
	ReconnectSeconds  int    `toml:"reconnect_seconds"`
	HeartbeatSeconds  int    `toml:"heartbeat_seconds"`
}

// ConfigUser holds the local identity.
type ConfigUser struct {
	ID            string   `toml:"id"`
	Subscriptions []string `toml:"subscriptions"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.relay, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".relay")
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

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// engineOptions builds engine options from the config file plus the global
// --url / --user / --debug flags.
func engineOptions() (*relay.Options, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	opts := &relay.Options{
		URL:               cfg.Server.URL,
		UserID:            cfg.User.ID,
		Subscriptions:     cfg.User.Subscriptions,
		ReconnectAttempts: cfg.Server.ReconnectAttempts,
		ReconnectInterval: time.Duration(cfg.Server.ReconnectSeconds) * time.Second,
		HeartbeatInterval: time.Duration(cfg.Server.HeartbeatSeconds) * time.Second,
		Debug:             flagDebug,
	}
	if flagURL != "" {
		opts.URL = flagURL
	}
	if flagUser != "" {
		opts.UserID = flagUser
	}
	if opts.URL == "" {
		return nil, fmt.Errorf("no server URL: pass --url or run 'relay config set server.url wss://...'")
	}
	if !strings.HasPrefix(opts.URL, "ws://") && !strings.HasPrefix(opts.URL, "wss://") {
		return nil, fmt.Errorf("server URL must be a ws:// or wss:// endpoint, got %q", opts.URL)
	}
	return opts, nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	flagURL   string
	flagUser  string
	flagDebug bool
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay sync engine CLI",
	Long:  "Command-line interface for the Relay real-time synchronization engine.\nTail live traffic, publish envelopes, and manage configuration.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagURL, "url", "", "websocket endpoint (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagUser, "user", "", "local user id (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
