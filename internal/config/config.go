// Package config loads the process-wide configuration: model profiles, bus
// settings, and agent-definition search paths. It follows the teacher's
// pattern of a struct tree decoded from a config file and overlaid with
// environment variables via caarlos0/env.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

// ModelProfile is one entry in the model nickname table referenced by
// Conversation.ModelNickname (spec.md §3).
type ModelProfile struct {
	Nickname   string  `json:"nickname"`
	Provider   string  `json:"provider"` // "anthropic" | "openai_compat"
	Model      string  `json:"model"`
	BaseURL    string  `json:"base_url"`
	APIKeyEnv  string  `json:"api_key_env" env:"-"`
	InputCost  float64 `json:"input_cost_per_1k"`
	OutputCost float64 `json:"output_cost_per_1k"`
}

// APIKey resolves the profile's API key from its configured environment
// variable, following the <MODEL>_API_KEY convention in spec.md §6.
func (m ModelProfile) APIKey() string {
	if m.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(m.APIKeyEnv)
}

type BusConfig struct {
	URL          string `json:"url" env:"NIFFLER_NATS_URL"`
	PresenceTTL  int    `json:"presence_ttl_seconds" env:"NIFFLER_PRESENCE_TTL"`
	ClientPrefix string `json:"client_prefix" env:"NIFFLER_CLIENT_PREFIX"`
}

type AgentsConfig struct {
	DefinitionDirs []string `json:"definition_dirs"`
	DefaultAgent   string   `json:"default_agent" env:"NIFFLER_DEFAULT_AGENT"`
	TurnTimeoutSec int      `json:"turn_timeout_seconds" env:"NIFFLER_TURN_TIMEOUT"`
}

type StoreConfig struct {
	Path string `json:"path" env:"NIFFLER_DB_PATH"`
}

type Config struct {
	Models  []ModelProfile `json:"models"`
	Bus     BusConfig      `json:"bus"`
	Agents  AgentsConfig   `json:"agents"`
	Store   StoreConfig    `json:"store"`
	LogFile string         `json:"log_file" env:"NIFFLER_LOG_FILE"`
}

// Default returns a Config with the baseline values the CLI falls back to
// when no config file is present.
func Default() *Config {
	return &Config{
		Models: []ModelProfile{
			{Nickname: "sonnet", Provider: "anthropic", Model: "claude-sonnet-4.6", APIKeyEnv: "ANTHROPIC_API_KEY"},
			{Nickname: "gpt4o", Provider: "openai_compat", Model: "gpt-4o", BaseURL: "https://api.openai.com/v1", APIKeyEnv: "OPENAI_API_KEY"},
		},
		Bus: BusConfig{
			URL:          "nats://127.0.0.1:4222",
			PresenceTTL:  30,
			ClientPrefix: "niffler",
		},
		Agents: AgentsConfig{
			DefinitionDirs: []string{"./agents"},
			DefaultAgent:   "",
			TurnTimeoutSec: 300,
		},
		Store: StoreConfig{Path: "./niffler.db"},
	}
}

// Load reads path (if it exists) as JSON, falling back to Default, then
// overlays environment variables onto the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: reading %s: %w", path, err)
			}
		} else if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: applying environment overrides: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes cfg as indented JSON to path, creating parent
// directories as needed, mirroring the teacher's config.SaveConfig.
func SaveConfig(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: creating %s: %w", dir, err)
		}
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: encoding: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: writing %s: %w", path, err)
	}
	return nil
}

// ModelByNickname looks up a configured model profile by nickname.
func (c *Config) ModelByNickname(nickname string) (ModelProfile, bool) {
	for _, m := range c.Models {
		if m.Nickname == nickname {
			return m, true
		}
	}
	return ModelProfile{}, false
}

// AgentDefinitionPath resolves the markdown file backing a named agent,
// searching AgentsConfig.DefinitionDirs in order.
func (c *Config) AgentDefinitionPath(name string) (string, bool) {
	for _, dir := range c.Agents.DefinitionDirs {
		candidate := filepath.Join(dir, name+".md")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
	}
	return "", false
}
