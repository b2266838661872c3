package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/relayhq/relay/internal/provider"
)

// Credentials holds live authentication state for LLM providers, kept
// separate from Config so a refreshed OAuth access token can be persisted
// without rewriting the TOML file a user hand-edits.
type Credentials struct {
	Providers map[string]ProviderCredentials `json:"providers"`
}

// ProviderCredentials holds authentication for a single provider kind.
// Exactly one of APIKey or OAuth is populated, matching ProviderConfig.
type ProviderCredentials struct {
	APIKey string                     `json:"api_key,omitempty"`
	OAuth  *provider.OAuthCredentials `json:"oauth,omitempty"`
}

// LoadCredentials reads credentials from ~/.config/relay/credentials.json.
func LoadCredentials() (*Credentials, error) {
	path, err := credentialsPath()
	if err != nil {
		return nil, err
	}

	creds := &Credentials{
		Providers: make(map[string]ProviderCredentials),
	}

	//nolint:gosec // G304: path is derived from the user's own home directory, not external input
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return creds, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, creds); err != nil {
		return nil, err
	}

	return creds, nil
}

// SaveCredentials writes credentials to ~/.config/relay/credentials.json
// with 0600 permissions.
func SaveCredentials(creds *Credentials) error {
	dir, err := EnsureDataDir()
	if err != nil {
		return err
	}

	path := filepath.Join(dir, "credentials.json")
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// GetAPIKey returns the API key for a given provider kind, or empty string
// if not set (e.g. if that provider authenticates via OAuth instead).
func (c *Credentials) GetAPIKey(providerKind string) string {
	if c == nil || c.Providers == nil {
		return ""
	}
	return c.Providers[providerKind].APIKey
}

// SetAPIKey sets the API key for a given provider kind.
func (c *Credentials) SetAPIKey(providerKind, apiKey string) {
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderCredentials)
	}
	c.Providers[providerKind] = ProviderCredentials{APIKey: apiKey}
}

// GetOAuth returns the OAuth credential tuple for a given provider kind,
// or nil if not set.
func (c *Credentials) GetOAuth(providerKind string) *provider.OAuthCredentials {
	if c == nil || c.Providers == nil {
		return nil
	}
	return c.Providers[providerKind].OAuth
}

// SetOAuth sets the OAuth credential tuple for a given provider kind.
func (c *Credentials) SetOAuth(providerKind string, creds provider.OAuthCredentials) {
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderCredentials)
	}
	c.Providers[providerKind] = ProviderCredentials{OAuth: &creds}
}

// SaveCredentialsFunc persists a single provider's refreshed OAuth
// credentials. Its signature matches provider.Options.OnTokenUpdate once
// a provider kind is bound via NewSaveCredentialsFunc, so a provider
// built for one configured provider kind can report a refreshed token
// straight back to disk without the provider package depending on config.
type SaveCredentialsFunc func(creds provider.OAuthCredentials) error

// NewSaveCredentialsFunc returns a callback that loads the on-disk
// credentials file, updates the OAuth tuple for providerKind, and writes
// the file back — the save-on-refresh path spec.md's OAuth scenario
// requires: the refreshed tuple must hit disk before the retried request
// leaves the client.
func NewSaveCredentialsFunc(providerKind string) SaveCredentialsFunc {
	return func(creds provider.OAuthCredentials) error {
		existing, err := LoadCredentials()
		if err != nil {
			return err
		}
		existing.SetOAuth(providerKind, creds)
		return SaveCredentials(existing)
	}
}

func credentialsPath() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "credentials.json"), nil
}
