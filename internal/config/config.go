// Package config handles genbridge configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Default and by Load for keys the file omits.
const (
	DefaultModel           = "gemini-2.0-flash"
	DefaultBaseURL         = "https://generativelanguage.googleapis.com"
	DefaultMaxToolRounds   = 1
	DefaultConnectTimeout  = 10
	DefaultAnnounceTimeout = 30
	DefaultListenHost      = "127.0.0.1"
)

// APIKeyEnv is consulted when gemini.api_key is not set in the file.
const APIKeyEnv = "GEMINI_API_KEY"

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./genbridge.yaml, ~/.config/genbridge/config.yaml,
// /etc/genbridge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"genbridge.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "genbridge", "config.yaml"))
	}

	paths = append(paths, "/etc/genbridge/config.yaml")
	return paths
}

// ErrNoConfig is returned by FindConfig when no search path exists.
var ErrNoConfig = errors.New("no config file found")

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns ErrNoConfig (wrapped) if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfig, DefaultSearchPaths())
}

// Config holds all genbridge configuration.
type Config struct {
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // text (default) or json
	Gemini     GeminiConfig     `yaml:"gemini"`
	Generation GenerationConfig `yaml:"generation"`
	Server     ServerConfig     `yaml:"server"`
	Agent      AgentConfig      `yaml:"agent"`
	Transcript TranscriptConfig `yaml:"transcript"`
	Provider   ProviderConfig   `yaml:"provider"`
}

// GeminiConfig defines model API settings.
type GeminiConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// GenerationConfig holds sampling parameters. Nil fields are left to
// the model's defaults.
type GenerationConfig struct {
	Temperature     *float64 `yaml:"temperature"`
	MaxOutputTokens *int     `yaml:"max_output_tokens"`
	TopP            *float64 `yaml:"top_p"`
	TopK            *int     `yaml:"top_k"`
}

// ServerConfig is the tool provider command line and its timeouts.
type ServerConfig struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`

	// ConnectTimeoutSec bounds the websocket handshake (default 10).
	ConnectTimeoutSec int `yaml:"connect_timeout_sec"`
	// AnnounceTimeoutSec bounds the wait for the endpoint line (default 30).
	AnnounceTimeoutSec int `yaml:"announce_timeout_sec"`

	// Include and Exclude filter discovered tools by name.
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

// ConnectTimeout returns ConnectTimeoutSec as a duration.
func (s ServerConfig) ConnectTimeout() time.Duration {
	return time.Duration(s.ConnectTimeoutSec) * time.Second
}

// AnnounceTimeout returns AnnounceTimeoutSec as a duration.
func (s ServerConfig) AnnounceTimeout() time.Duration {
	return time.Duration(s.AnnounceTimeoutSec) * time.Second
}

// AgentConfig controls the invocation loop.
type AgentConfig struct {
	SystemPrompt string `yaml:"system_prompt"`
	// MaxToolRounds is how many model follow-ups a user turn may
	// trigger (default 1).
	MaxToolRounds int  `yaml:"max_tool_rounds"`
	Stream        bool `yaml:"stream"`
}

// TranscriptConfig enables the SQLite conversation log when Path is set.
type TranscriptConfig struct {
	Path string `yaml:"path"`
}

// ProviderConfig is read by genbridge-provider.
type ProviderConfig struct {
	ListenHost string `yaml:"listen_host"`
}

// Load reads configuration from a YAML file and fills in defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// LoadOrDefault finds and loads a config file. When explicit is empty
// and no file exists it returns Default without error.
func LoadOrDefault(explicit string) (*Config, string, error) {
	path, err := FindConfig(explicit)
	if err != nil {
		if explicit == "" && errors.Is(err, ErrNoConfig) {
			return Default(), "", nil
		}
		return nil, "", err
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Gemini.APIKey == "" {
		c.Gemini.APIKey = os.Getenv(APIKeyEnv)
	}
	if c.Gemini.Model == "" {
		c.Gemini.Model = DefaultModel
	}
	if c.Gemini.BaseURL == "" {
		c.Gemini.BaseURL = DefaultBaseURL
	}
	if c.Server.ConnectTimeoutSec <= 0 {
		c.Server.ConnectTimeoutSec = DefaultConnectTimeout
	}
	if c.Server.AnnounceTimeoutSec <= 0 {
		c.Server.AnnounceTimeoutSec = DefaultAnnounceTimeout
	}
	if c.Agent.MaxToolRounds <= 0 {
		c.Agent.MaxToolRounds = DefaultMaxToolRounds
	}
	if c.Provider.ListenHost == "" {
		c.Provider.ListenHost = DefaultListenHost
	}
	c.Transcript.Path = expandHome(c.Transcript.Path)
	c.Server.Command = expandHome(c.Server.Command)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}

// Validate reports configuration that cannot work. A missing API key is
// always fatal. needServer additionally requires server.command.
func (c *Config) Validate(needServer bool) error {
	var problems []string
	if strings.TrimSpace(c.Gemini.APIKey) == "" {
		problems = append(problems, fmt.Sprintf("gemini.api_key is not set (and %s is empty)", APIKeyEnv))
	}
	if needServer && strings.TrimSpace(c.Server.Command) == "" {
		problems = append(problems, "server.command is not set")
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log_format %q is not text or json", c.LogFormat))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
