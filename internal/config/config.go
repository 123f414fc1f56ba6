package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"parlor/internal/domain"
)

type Config struct {
	Session SessionConfig `toml:"session"`
	Backend BackendConfig `toml:"backend"`
	Media   MediaConfig   `toml:"media"`
	Store   StoreConfig   `toml:"store"`
	Models  []ModelEntry  `toml:"models"`
	Slots   []SlotConfig  `toml:"slots"`
	Path    string        `toml:"-"`
}

type SessionConfig struct {
	Agents               int    `toml:"agents"`
	Iterations           int    `toml:"iterations"`
	InviteTier           string `toml:"invite_tier"`
	AllowDuplicateModels bool   `toml:"allow_duplicate_models"`
	TurnDelayMS          int    `toml:"turn_delay_ms"`
	DefaultDirective     string `toml:"default_directive"`
}

type BackendConfig struct {
	Provider         string `toml:"provider"`
	BaseURL          string `toml:"base_url"`
	APIKeyEnv        string `toml:"api_key_env"`
	RequestTimeoutMS int    `toml:"request_timeout_ms"`
}

type MediaConfig struct {
	Dir         string `toml:"dir"`
	MaxAgeHours int    `toml:"max_age_hours"`
}

type StoreConfig struct {
	DBPath string `toml:"db_path"`
}

type ModelEntry struct {
	DisplayName string `toml:"display_name"`
	ID          string `toml:"id"`
	Tier        string `toml:"tier"`
}

type SlotConfig struct {
	Model     string `toml:"model"`
	Directive string `toml:"directive"`
}

func Load(path string) (Config, error) {
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	cfg.Path = resolved
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Session.Agents <= 0 {
		c.Session.Agents = 2
	}
	if c.Session.Agents > 5 {
		c.Session.Agents = 5
	}
	if c.Session.Iterations <= 0 {
		c.Session.Iterations = 1
	}
	if c.Session.InviteTier == "" {
		c.Session.InviteTier = string(domain.TierAny)
	}
	if c.Session.TurnDelayMS < 0 {
		c.Session.TurnDelayMS = 0
	}
	if c.Session.DefaultDirective == "" {
		c.Session.DefaultDirective = "You are interacting with other AIs. Engage authentically."
	}
	if c.Backend.Provider == "" {
		c.Backend.Provider = "openrouter"
	}
	if c.Backend.BaseURL == "" {
		c.Backend.BaseURL = "https://openrouter.ai/api/v1"
	}
	if c.Backend.APIKeyEnv == "" {
		c.Backend.APIKeyEnv = "OPENROUTER_API_KEY"
	}
	if c.Backend.RequestTimeoutMS <= 0 {
		c.Backend.RequestTimeoutMS = 120000
	}
	if c.Media.Dir == "" {
		c.Media.Dir = "media"
	}
	if c.Media.MaxAgeHours <= 0 {
		c.Media.MaxAgeHours = 24
	}
	if c.Store.DBPath == "" {
		c.Store.DBPath = "data/parlor.db"
	}
}

// InviteTier returns the configured tier restriction for agent invites.
func (c Config) InviteTier() domain.Tier {
	switch strings.ToLower(strings.TrimSpace(c.Session.InviteTier)) {
	case "free":
		return domain.TierFree
	case "paid":
		return domain.TierPaid
	default:
		return domain.TierAny
	}
}

// Registry builds the model registry from the configured model entries.
func (c Config) Registry() *Registry {
	models := make([]domain.ModelInfo, 0, len(c.Models))
	for _, entry := range c.Models {
		models = append(models, domain.ModelInfo{
			DisplayName: entry.DisplayName,
			ID:          entry.ID,
			Tier:        tierOf(entry.Tier, entry.ID),
		})
	}
	return NewRegistry(models)
}

func tierOf(tier, id string) domain.Tier {
	switch strings.ToLower(strings.TrimSpace(tier)) {
	case "free":
		return domain.TierFree
	case "paid":
		return domain.TierPaid
	}
	// unannotated entries: model ids carry a :free suffix on the free tier
	if strings.Contains(strings.ToLower(id), ":free") {
		return domain.TierFree
	}
	return domain.TierPaid
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".parlor/config.toml"
	}
	return filepath.Join(home, ".parlor", "config.toml")
}
