// Package config loads server configuration from the environment.
package config

import (
	"errors"
	"strings"

	"github.com/joeshaw/envdecode"
)

// Config holds everything the server needs to start, populated from
// environment variables via envdecode struct tags.
type Config struct {
	// ListenAddr is the host:port the HTTP server binds to. ENV: MCP_LISTEN_ADDR
	ListenAddr string `env:"MCP_LISTEN_ADDR,default=127.0.0.1:8080"`
	// EndpointPath is the single MCP endpoint path. ENV: MCP_ENDPOINT_PATH
	EndpointPath string `env:"MCP_ENDPOINT_PATH,default=/mcp"`
	// Stateless disables session tracking entirely. ENV: MCP_STATELESS
	Stateless bool `env:"MCP_STATELESS,default=false"`
	// JSONResponse answers POSTs with plain JSON instead of SSE. ENV: MCP_JSON_RESPONSE
	JSONResponse bool `env:"MCP_JSON_RESPONSE,default=false"`
	// AllowedHosts and AllowedOrigins enable DNS rebinding protection
	// when non-empty. Comma separated. ENV: MCP_ALLOWED_HOSTS, MCP_ALLOWED_ORIGINS
	AllowedHosts   string `env:"MCP_ALLOWED_HOSTS"`
	AllowedOrigins string `env:"MCP_ALLOWED_ORIGINS"`

	// LogLevel is one of debug, info, warn, error. ENV: LOG_LEVEL
	LogLevel string `env:"LOG_LEVEL,default=info"`
	// LogFormat is "text" or "json". ENV: LOG_FORMAT
	LogFormat string `env:"LOG_FORMAT,default=text"`

	// Organization is the Azure DevOps organization name. ENV: ADO_ORGANIZATION
	Organization string `env:"ADO_ORGANIZATION"`
	// Project is the default project for tool calls that omit one. ENV: ADO_PROJECT
	Project string `env:"ADO_PROJECT"`

	// PAT is a personal access token with work item scopes. ENV: ADO_PAT
	PAT string `env:"ADO_PAT"`
	// BearerToken is a pre-acquired Entra access token. ENV: ADO_BEARER_TOKEN
	BearerToken string `env:"ADO_BEARER_TOKEN"`
	// TenantID, ClientID and ClientSecret select the OAuth2 client
	// credentials flow. ENV: AZURE_TENANT_ID, AZURE_CLIENT_ID, AZURE_CLIENT_SECRET
	TenantID     string `env:"AZURE_TENANT_ID"`
	ClientID     string `env:"AZURE_CLIENT_ID"`
	ClientSecret string `env:"AZURE_CLIENT_SECRET"`

	// RateLimit caps Azure DevOps calls per second. ENV: ADO_RATE_LIMIT
	RateLimit float64 `env:"ADO_RATE_LIMIT,default=10"`
	// RateBurst is the rate limiter burst size. ENV: ADO_RATE_BURST
	RateBurst int `env:"ADO_RATE_BURST,default=5"`
}

// Load populates a Config from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, err
	}
	if cfg.Organization == "" {
		return nil, errors.New("ADO_ORGANIZATION is required")
	}
	if cfg.PAT == "" && cfg.BearerToken == "" && (cfg.TenantID == "" || cfg.ClientID == "" || cfg.ClientSecret == "") {
		return nil, errors.New("no credential configured: set ADO_PAT, ADO_BEARER_TOKEN, or AZURE_TENANT_ID/AZURE_CLIENT_ID/AZURE_CLIENT_SECRET")
	}
	return &cfg, nil
}

// splitList turns a comma separated env value into a trimmed slice.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// HostList returns the parsed MCP_ALLOWED_HOSTS entries.
func (c *Config) HostList() []string { return splitList(c.AllowedHosts) }

// OriginList returns the parsed MCP_ALLOWED_ORIGINS entries.
func (c *Config) OriginList() []string { return splitList(c.AllowedOrigins) }
