package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// Config is the CLI state kept in ~/.feira/config.toml. The session section
// mirrors what the marketplace auth flow would hand a real app.
type Config struct {
	API     ConfigAPI     `toml:"api"`
	Session ConfigSession `toml:"session"`
	Chat    ConfigChat    `toml:"chat"`
}

type ConfigAPI struct {
	BaseURL string `toml:"base_url"`
}

type ConfigSession struct {
	Token       string `toml:"token"`
	UserID      string `toml:"user_id"`
	DisplayName string `toml:"display_name"`
}

type ConfigChat struct {
	HistoryLimit int `toml:"history_limit"`
}

func configPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	dir := filepath.Join(home, ".feira")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig returns a zero Config when no file exists yet, so every command
// works on a fresh install.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// configSetters maps dot-notation keys to field assignments.
var configSetters = map[string]func(*Config, string) error{
	"api.base_url": func(c *Config, v string) error {
		c.API.BaseURL = v
		return nil
	},
	"session.token": func(c *Config, v string) error {
		c.Session.Token = v
		return nil
	},
	"session.user_id": func(c *Config, v string) error {
		c.Session.UserID = v
		return nil
	},
	"session.display_name": func(c *Config, v string) error {
		c.Session.DisplayName = v
		return nil
	},
	"chat.history_limit": func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("chat.history_limit must be a non-negative integer")
		}
		c.Chat.HistoryLimit = n
		return nil
	},
}

func setConfigValue(cfg *Config, key, value string) error {
	if set, ok := configSetters[key]; ok {
		return set(cfg, value)
	}
	known := make([]string, 0, len(configSetters))
	for k := range configSetters {
		known = append(known, k)
	}
	sort.Strings(known)
	return fmt.Errorf("unknown key %q (known keys: %s)", key, strings.Join(known, ", "))
}

var rootCmd = &cobra.Command{
	Use:   "feira",
	Short: "FeiraLivre chat CLI",
	Long:  "Command-line interface for the FeiraLivre marketplace chat.\nList conversations, read history, and chat live with other users.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
