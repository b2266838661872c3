// Package config handles configuration loading from TOML files and
// environment variables: which providers are configured, the agent
// profiles that pair a provider+model with a system prompt and tool
// allow-list, and the MCP servers to connect to at startup.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/relayhq/relay/internal/provider"
)

// Config is the root configuration structure.
type Config struct {
	DefaultAgent string                    `toml:"default_agent"`
	Providers    map[string]ProviderConfig `toml:"providers"` // keyed by provider kind, e.g. "openai", "anthropic", "openrouter"
	Agents       []AgentSettings           `toml:"agents"`
	MCPServers   []MCPServerConfig         `toml:"mcp_servers"`
	ToolAllowlist []string                 `toml:"tool_allowlist"` // parsed but not applied: cmd/relay registers every built-in tool regardless
	Cache        CacheConfig               `toml:"cache"`
}

// ProviderConfig holds authentication and defaults for one LLM provider
// kind. Exactly one of APIKey or OAuth should be set.
type ProviderConfig struct {
	APIKey      string       `toml:"api_key"`
	OAuth       *OAuthConfig `toml:"oauth"`
	APIURL      string       `toml:"api_url"`
	ActiveModel string       `toml:"active_model"`
}

// OAuthConfig holds the refresh-token tuple needed to mint bearer tokens
// for providers authenticated via OAuth instead of a static API key.
type OAuthConfig struct {
	RefreshToken string `toml:"refresh_token"`
	ClientID     string `toml:"client_id"`
	TokenURL     string `toml:"token_url"`
}

// Credentials converts the config-file OAuth block into the tuple the
// provider package's refresher operates on. AccessToken/ExpiresAt start
// zero-valued — the first request always triggers a refresh, which is
// harmless and keeps the on-disk config free of a token that just expires
// quietly.
func (o OAuthConfig) Credentials() provider.OAuthCredentials {
	return provider.OAuthCredentials{
		RefreshToken: o.RefreshToken,
		ClientID:     o.ClientID,
		TokenURL:     o.TokenURL,
	}
}

// AgentSettings pairs a provider+model with a system prompt, tool
// allow-list override, and round budget — one entry per configured agent
// profile a user can select between.
type AgentSettings struct {
	Name          string   `toml:"name"`
	Provider      string   `toml:"provider"` // provider kind, must exist in Config.Providers
	Model         string   `toml:"model"`
	Temperature   float64  `toml:"temperature"`
	SystemPrompt  string   `toml:"system_prompt"` // parsed but not sent: cmd/relay never passes it to the model
	Tools         []string `toml:"tools"`         // parsed but not applied, like ToolAllowlist
	MaxToolRounds int      `toml:"max_tool_rounds"`
}

// MaxToolRoundsOrDefault returns the configured round budget or 8 if unset.
func (a AgentSettings) MaxToolRoundsOrDefault() int {
	if a.MaxToolRounds <= 0 {
		return 8
	}
	return a.MaxToolRounds
}

// MCPServerConfig describes one MCP server to connect to at startup,
// either a stdio subprocess or a Streamable-HTTP endpoint.
type MCPServerConfig struct {
	ID        string            `toml:"id"`
	Transport string            `toml:"transport"` // "stdio" | "http"
	Command   string            `toml:"command"`   // stdio only
	Args      []string          `toml:"args"`       // stdio only
	Env       map[string]string `toml:"env"`        // stdio only
	URL       string            `toml:"url"`        // http only
}

// CacheConfig holds web cache settings.
type CacheConfig struct {
	TTLHours int `toml:"ttl_hours"`
}

// CacheTTLOrDefault returns the configured TTL or 24 hours if unset.
func (c CacheConfig) CacheTTLOrDefault() int {
	if c.TTLHours <= 0 {
		return 24
	}
	return c.TTLHours
}

// Loader produces a Config from some source. FileLoader is the base case;
// decorators like EnvOverrideLoader wrap another Loader to layer
// environment-variable overrides on top without the base loader needing
// to know about them.
type Loader interface {
	Load() (*Config, error)
}

// FileLoader loads a Config from a TOML file on disk.
type FileLoader struct {
	Path string
}

func (f FileLoader) Load() (*Config, error) {
	if f.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if _, err := os.Stat(f.Path); err != nil {
		return nil, fmt.Errorf("config file not found: %s", f.Path)
	}

	cfg := &Config{Providers: make(map[string]ProviderConfig)}
	if _, err := toml.DecodeFile(f.Path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// EnvOverrideLoader wraps another Loader and applies environment variable
// overrides to the result.
type EnvOverrideLoader struct {
	Inner Loader
}

func (e EnvOverrideLoader) Load() (*Config, error) {
	cfg, err := e.Inner.Load()
	if err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// Load reads configuration from a TOML file, applies environment variable
// overrides, and validates the result. Equivalent to
// EnvOverrideLoader{FileLoader{path}}.Load() followed by Validate.
func Load(path string) (*Config, error) {
	cfg, err := (EnvOverrideLoader{Inner: FileLoader{Path: path}}).Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate returns an error if the configuration is invalid.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Providers) == 0 {
		errs = append(errs, errors.New("providers: at least one provider must be configured"))
	} else {
		for name, providerCfg := range c.Providers {
			errs = append(errs, validateProviderConfig(name, providerCfg)...)
		}
	}

	for i, agent := range c.Agents {
		errs = append(errs, validateAgentConfig(i, agent, c.Providers)...)
	}

	for i, srv := range c.MCPServers {
		errs = append(errs, validateMCPServerConfig(i, srv)...)
	}

	if c.DefaultAgent != "" {
		found := false
		for _, agent := range c.Agents {
			if agent.Name == c.DefaultAgent {
				found = true
				break
			}
		}
		if !found {
			errs = append(errs, fmt.Errorf("default_agent=%q does not match any configured agent", c.DefaultAgent))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func validateProviderConfig(name string, cfg ProviderConfig) []error {
	var errs []error
	if cfg.APIKey == "" && cfg.OAuth == nil {
		errs = append(errs, fmt.Errorf("providers.%s: either api_key or oauth must be set", name))
	}
	if cfg.APIURL != "" {
		if err := validateEndpoint(cfg.APIURL); err != nil {
			errs = append(errs, fmt.Errorf("providers.%s.api_url=%q is invalid: %v", name, cfg.APIURL, err))
		}
	}
	return errs
}

func validateAgentConfig(i int, agent AgentSettings, providers map[string]ProviderConfig) []error {
	var errs []error
	if agent.Name == "" {
		errs = append(errs, fmt.Errorf("agents[%d].name is required", i))
	}
	if agent.Provider == "" {
		errs = append(errs, fmt.Errorf("agents[%d].provider is required", i))
	} else if _, ok := providers[agent.Provider]; !ok {
		errs = append(errs, fmt.Errorf("agents[%d].provider=%q does not exist in providers", i, agent.Provider))
	}
	if agent.Temperature < 0.0 || agent.Temperature > 2.0 {
		errs = append(errs, fmt.Errorf("agents[%d].temperature=%v must be between 0.0 and 2.0", i, agent.Temperature))
	}
	return errs
}

func validateMCPServerConfig(i int, srv MCPServerConfig) []error {
	var errs []error
	if srv.ID == "" {
		errs = append(errs, fmt.Errorf("mcp_servers[%d].id is required", i))
	}
	switch srv.Transport {
	case "stdio":
		if srv.Command == "" {
			errs = append(errs, fmt.Errorf("mcp_servers[%d] (%s): command is required for stdio transport", i, srv.ID))
		}
	case "http":
		if srv.URL == "" {
			errs = append(errs, fmt.Errorf("mcp_servers[%d] (%s): url is required for http transport", i, srv.ID))
		} else if err := validateEndpoint(srv.URL); err != nil {
			errs = append(errs, fmt.Errorf("mcp_servers[%d] (%s): url=%q is invalid: %v", i, srv.ID, srv.URL, err))
		}
	default:
		errs = append(errs, fmt.Errorf("mcp_servers[%d] (%s): transport must be \"stdio\" or \"http\", got %q", i, srv.ID, srv.Transport))
	}
	return errs
}

func validateEndpoint(value string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return errors.New("missing scheme or host")
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	for _, setter := range []struct {
		env   string
		apply func(string)
	}{
		{"RELAY_DEFAULT_AGENT", func(v string) {
			if v != "" {
				cfg.DefaultAgent = v
			}
		}},
	} {
		setter.apply(os.Getenv(setter.env))
	}
}

// DataDir returns the path to relay's data directory (~/.config/relay).
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "relay"), nil
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", err
	}
	return dir, nil
}
