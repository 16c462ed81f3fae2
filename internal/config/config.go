package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models groupline.yml.
type Config struct {
	Remote struct {
		BaseURL     string `yaml:"base_url"`
		CookieName  string `yaml:"cookie_name"`
		TokenHeader string `yaml:"token_header"`
		// TokenEndpoints is the ordered fallback chain tried during token
		// acquisition. The first endpoint whose rejection carries the token
		// header wins.
		TokenEndpoints []TokenEndpoint `yaml:"token_endpoints"`
		Mutation       struct {
			Path       string `yaml:"path"`
			AltEnabled bool   `yaml:"alt_enabled"`
			AltPath    string `yaml:"alt_path"`
		} `yaml:"mutation"`
		AttemptIntervalMS int `yaml:"attempt_interval_ms"`
		TimeoutSeconds    int `yaml:"timeout_seconds"`
	} `yaml:"remote"`
	Limits struct {
		MinCredentialLength int `yaml:"min_credential_length"`
		MaxBodyBytes        int `yaml:"max_body_bytes"`
		SnippetBytes        int `yaml:"snippet_bytes"`
	} `yaml:"limits"`
	Audit struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"audit"`
}

// TokenEndpoint describes one candidate token source.
type TokenEndpoint struct {
	Name   string `yaml:"name"`
	Method string `yaml:"method"`
	Path   string `yaml:"path"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with gl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config when the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	base := strings.TrimSpace(c.Remote.BaseURL)
	if base == "" {
		return fmt.Errorf("config.remote.base_url is required")
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config.remote.base_url must be an absolute URL")
	}
	if strings.TrimSpace(c.Remote.CookieName) == "" {
		return fmt.Errorf("config.remote.cookie_name is required")
	}
	if strings.TrimSpace(c.Remote.TokenHeader) == "" {
		return fmt.Errorf("config.remote.token_header is required")
	}
	if len(c.Remote.TokenEndpoints) == 0 {
		return fmt.Errorf("config.remote.token_endpoints must list at least one endpoint")
	}
	seen := map[string]struct{}{}
	for i, ep := range c.Remote.TokenEndpoints {
		if strings.TrimSpace(ep.Name) == "" {
			return fmt.Errorf("token endpoint %d has empty name", i)
		}
		if _, dup := seen[ep.Name]; dup {
			return fmt.Errorf("token endpoint name %s duplicated", ep.Name)
		}
		seen[ep.Name] = struct{}{}
		if !strings.HasPrefix(ep.Path, "/") {
			return fmt.Errorf("token endpoint %s path must start with /", ep.Name)
		}
		if ep.Method != "" && ep.Method != "POST" {
			return fmt.Errorf("token endpoint %s method must be POST; the remote only issues tokens on mutating calls", ep.Name)
		}
	}
	if !strings.Contains(c.Remote.Mutation.Path, "{groupId}") {
		return fmt.Errorf("config.remote.mutation.path must contain {groupId}")
	}
	if c.Remote.Mutation.AltEnabled && !strings.Contains(c.Remote.Mutation.AltPath, "{groupId}") {
		return fmt.Errorf("config.remote.mutation.alt_path must contain {groupId} when alt_enabled")
	}
	if c.Remote.AttemptIntervalMS < 0 {
		return fmt.Errorf("config.remote.attempt_interval_ms must not be negative")
	}
	if c.Remote.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.remote.timeout_seconds must be positive")
	}
	if c.Limits.MinCredentialLength <= 0 {
		return fmt.Errorf("config.limits.min_credential_length must be positive")
	}
	if c.Limits.MaxBodyBytes <= 0 {
		return fmt.Errorf("config.limits.max_body_bytes must be positive")
	}
	if c.Limits.SnippetBytes <= 0 || c.Limits.SnippetBytes > c.Limits.MaxBodyBytes {
		return fmt.Errorf("config.limits.snippet_bytes must be positive and at most max_body_bytes")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "groupline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `remote:
  base_url: https://groups.example.com
  cookie_name: GROUPSESSION
  token_header: X-CSRF-Token

  # Ordered fallback chain. The remote hands out anti-forgery tokens as a
  # side effect of rejecting an unauthenticated mutating call, so any
  # mutating endpoint category works as a source; several are listed in case
  # one is deprecated or rate limited.
  token_endpoints:
    - name: logout
      method: POST
      path: /v1/auth/logout
    - name: login
      method: POST
      path: /v1/auth/login
    - name: membership
      method: POST
      path: /v1/groups/membership/requests

  mutation:
    path: /v1/groups/{groupId}/change-owner
    # The alternate mutation shape is unverified against the live remote;
    # keep it off unless product has confirmed the endpoint.
    alt_enabled: false
    alt_path: /v1/groups/{groupId}/ownership

  attempt_interval_ms: 350
  timeout_seconds: 10

limits:
  min_credential_length: 50
  max_body_bytes: 65536
  snippet_bytes: 512

audit:
  enabled: true
`
