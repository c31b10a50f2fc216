// Package vault loads executor secrets from HashiCorp Vault. When Vault
// is disabled the executor falls back to environment configuration, so
// local setups run without any Vault at all.
package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"
)

// Config holds Vault connection settings
type Config struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"-"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// DefaultConfig returns Vault defaults. Disabled until configured.
func DefaultConfig() Config {
	return Config{
		Enabled:    false,
		Address:    "http://127.0.0.1:8200",
		MountPath:  "secret",
		SecretPath: "forex-executor",
	}
}

// Secrets are the sensitive values the executor needs at startup
type Secrets struct {
	PlatformToken   string
	JWTSecret       string
	OperatorKey     string
	JournalPassword string
	RedisPassword   string
}

// Client wraps the HashiCorp Vault client
type Client struct {
	client *api.Client
	config Config
	mu     sync.RWMutex
	cache  map[string]string
}

// NewClient creates a Vault client. A disabled config yields a client
// whose reads return empty values, letting env configuration win.
func NewClient(cfg Config) (*Client, error) {
	if !cfg.Enabled {
		return &Client{config: cfg, cache: make(map[string]string)}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{CACert: cfg.CACert}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{
		client: client,
		config: cfg,
		cache:  make(map[string]string),
	}, nil
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Load reads the executor secret bundle from a single KV v2 entry
func (c *Client) Load(ctx context.Context) (Secrets, error) {
	if !c.config.Enabled {
		return Secrets{}, nil
	}

	data, err := c.read(ctx)
	if err != nil {
		return Secrets{}, err
	}

	return Secrets{
		PlatformToken:   getString(data, "platform_token"),
		JWTSecret:       getString(data, "jwt_secret"),
		OperatorKey:     getString(data, "operator_key"),
		JournalPassword: getString(data, "journal_password"),
		RedisPassword:   getString(data, "redis_password"),
	}, nil
}

// Get reads a single secret field, with in-memory caching
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	c.mu.RLock()
	if cached, ok := c.cache[key]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return "", fmt.Errorf("secret %q not cached and vault is disabled", key)
	}

	data, err := c.read(ctx)
	if err != nil {
		return "", err
	}
	value := getString(data, key)

	c.mu.Lock()
	c.cache[key] = value
	c.mu.Unlock()
	return value, nil
}

// ClearCache drops cached secret values
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cache = make(map[string]string)
	c.mu.Unlock()
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

// read fetches the KV v2 secret and unwraps its data envelope
func (c *Client) read(ctx context.Context) (map[string]interface{}, error) {
	path := fmt.Sprintf("%s/data/%s", c.config.MountPath, c.config.SecretPath)

	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read executor secrets from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("executor secrets not found at %s", path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format at %s", path)
	}
	return data, nil
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
