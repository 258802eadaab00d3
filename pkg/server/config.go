package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the resolved server configuration.
type Config struct {
	Port          int
	TLSCertPath   string
	TLSKeyPath    string
	MetricsAddr   string // empty disables the metrics endpoint
	WebSocketAddr string // empty disables the websocket transport
	IdleTimeout   time.Duration
	TokenTTL      time.Duration
	OllamaURL     string
	OllamaModel   string
	SeedRooms     []SeedRoom
}

// SeedRoom is a room created at boot if the catalog doesn't have it yet.
type SeedRoom struct {
	Name   string `toml:"name"`
	AI     bool   `toml:"ai"`
	Prompt string `toml:"prompt"`
}

// TOMLConfig represents the structure of the server config file.
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
	AI     AISection     `toml:"ai"`
	Rooms  RoomsSection  `toml:"rooms"`
}

type ServerSection struct {
	Port          int    `toml:"port"`
	TLSCert       string `toml:"tls_cert"`
	TLSKey        string `toml:"tls_key"`
	DatabasePath  string `toml:"database_path"`
	MetricsAddr   string `toml:"metrics_addr"`
	WebSocketAddr string `toml:"websocket_addr"`
}

type LimitsSection struct {
	IdleTimeoutSeconds int `toml:"idle_timeout_seconds"`
	TokenTTLMinutes    int `toml:"token_ttl_minutes"`
}

type AISection struct {
	OllamaURL   string `toml:"ollama_url"`
	OllamaModel string `toml:"ollama_model"`
}

type RoomsSection struct {
	SeedRooms []SeedRoom `toml:"seed_rooms"`
}

// DefaultTOMLConfig returns the default configuration.
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			Port:         7465,
			DatabasePath: "~/.parley/parley.db",
		},
		Limits: LimitsSection{
			IdleTimeoutSeconds: 300,
			TokenTTLMinutes:    30,
		},
		AI: AISection{
			OllamaURL:   "http://localhost:11434",
			OllamaModel: "llama3",
		},
		Rooms: RoomsSection{
			SeedRooms: []SeedRoom{
				{Name: "General"},
				{Name: "Random"},
				{Name: "Helpdesk", AI: true, Prompt: "You are a patient support assistant for a small chat service."},
			},
		},
	}
}

// LoadConfig loads configuration from a TOML file, creating a default file
// when none exists yet.
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// Can't write (permissions?) - run on defaults anyway.
			return config, nil
		}
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// writeDefaultConfig writes the default config to a file.
func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# Parley Server Configuration
# This file was auto-generated with default values
# Edit as needed and restart the server for changes to take effect

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToConfig converts the file representation into a resolved Config,
// filling in defaults for anything unset.
func (c *TOMLConfig) ToConfig() Config {
	defaults := DefaultTOMLConfig()

	cfg := Config{
		Port:          c.Server.Port,
		TLSCertPath:   c.Server.TLSCert,
		TLSKeyPath:    c.Server.TLSKey,
		MetricsAddr:   c.Server.MetricsAddr,
		WebSocketAddr: c.Server.WebSocketAddr,
		OllamaURL:     c.AI.OllamaURL,
		OllamaModel:   c.AI.OllamaModel,
		SeedRooms:     c.Rooms.SeedRooms,
	}

	if cfg.Port == 0 {
		cfg.Port = defaults.Server.Port
	}

	idle := c.Limits.IdleTimeoutSeconds
	if idle == 0 {
		idle = defaults.Limits.IdleTimeoutSeconds
	}
	cfg.IdleTimeout = time.Duration(idle) * time.Second

	ttl := c.Limits.TokenTTLMinutes
	if ttl == 0 {
		ttl = defaults.Limits.TokenTTLMinutes
	}
	cfg.TokenTTL = time.Duration(ttl) * time.Minute

	if cfg.OllamaURL == "" {
		cfg.OllamaURL = defaults.AI.OllamaURL
	}
	if cfg.OllamaModel == "" {
		cfg.OllamaModel = defaults.AI.OllamaModel
	}

	return cfg
}

// GetDatabasePath returns the database path with ~ expanded.
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	path := c.Server.DatabasePath
	if path == "" {
		path = DefaultTOMLConfig().Server.DatabasePath
	}
	return expandHome(path)
}

// expandHome resolves a leading ~/ against the user's home directory.
func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(homeDir, path[2:]), nil
	}
	return path, nil
}
