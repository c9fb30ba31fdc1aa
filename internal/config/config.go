// Package config loads the service configuration from YAML and environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pysugar/teams-sync/internal/records"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Tenant   TenantConfig               `yaml:"tenant"`
	Graph    GraphConfig                `yaml:"graph"`
	Database DatabaseConfig             `yaml:"database"`
	Server   ServerConfig               `yaml:"server"`
	Sync     SyncConfig                 `yaml:"sync"`
	Webhook  WebhookConfig              `yaml:"webhook"`
	Log      LogConfig                  `yaml:"log"`
	Timezone string                     `yaml:"timezone" validate:"required"`
	Doctypes map[string]records.Doctype `yaml:"doctypes" validate:"dive"`
}

// TenantConfig identifies the Azure AD app registration.
type TenantConfig struct {
	ID           string   `yaml:"id" validate:"required"`
	ClientID     string   `yaml:"client_id" validate:"required"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURL  string   `yaml:"redirect_url" validate:"required,url"`
	Scopes       []string `yaml:"scopes"`
	// AuthURL and TokenURL override the Azure AD endpoints (tests, sovereign clouds).
	AuthURL  string `yaml:"auth_url" validate:"omitempty,url"`
	TokenURL string `yaml:"token_url" validate:"omitempty,url"`
}

// GraphConfig tunes the Microsoft Graph client.
type GraphConfig struct {
	BaseURL           string        `yaml:"base_url" validate:"required,url"`
	Timeout           time.Duration `yaml:"timeout" validate:"gt=0"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gt=0"`
	Burst             int           `yaml:"burst" validate:"gte=1"`
}

type DatabaseConfig struct {
	Path string `yaml:"path" validate:"required"`
}

type ServerConfig struct {
	Host string `yaml:"host" validate:"required"`
	Port int    `yaml:"port" validate:"gte=1,lte=65535"`
}

// SyncConfig controls the synchronization loop.
type SyncConfig struct {
	Concurrency int `yaml:"concurrency" validate:"gte=1,lte=32"`
	FetchLimit  int `yaml:"fetch_limit" validate:"gte=1,lte=500"`
	// Interval enables the in-process sync ticker in serve mode; 0 disables it.
	Interval time.Duration `yaml:"interval" validate:"gte=0"`
	// RetentionDays enables message cleanup after each scheduled sync; 0 disables it.
	RetentionDays int `yaml:"retention_days" validate:"gte=0"`
}

// WebhookConfig configures Graph change notifications.
type WebhookConfig struct {
	NotificationURL string `yaml:"notification_url" validate:"omitempty,url"`
	ClientState     string `yaml:"client_state" validate:"required"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn warning error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Default returns the configuration used when no file overrides a value.
func Default() *Config {
	return &Config{
		Tenant: TenantConfig{
			Scopes: DefaultScopes(),
		},
		Graph: GraphConfig{
			BaseURL:           "https://graph.microsoft.com/v1.0",
			Timeout:           30 * time.Second,
			RequestsPerSecond: 10,
			Burst:             20,
		},
		Database: DatabaseConfig{Path: "teamsync.db"},
		Server:   ServerConfig{Host: "127.0.0.1", Port: 8080},
		Sync: SyncConfig{
			Concurrency: 4,
			FetchLimit:  50,
		},
		Webhook: WebhookConfig{ClientState: "TeamsSyncV1"},
		Log:     LogConfig{Level: "info", Format: "text"},
		// Matches the deployment the record data was first captured in.
		Timezone: "Asia/Kolkata",
	}
}

// DefaultScopes are the delegated Graph permissions the service requests.
func DefaultScopes() []string {
	return []string{
		"offline_access",
		"openid",
		"profile",
		"email",
		"User.Read",
		"User.ReadBasic.All",
		"Chat.ReadWrite",
		"ChannelMessage.Send",
		"Calendars.ReadWrite",
		"OnlineMeetings.ReadWrite",
	}
}

// Load reads the configuration file (explicit path, TEAMSYNC_CONFIG, or the
// first existing candidate), applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	resolved, err := resolveConfigPath(path)
	if err != nil {
		return nil, err
	}
	if resolved != "" {
		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", resolved, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", resolved, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Registry builds the doctype registry from the configured overrides.
func (c *Config) Registry() *records.Registry {
	return records.NewRegistry(c.Doctypes)
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) applyEnv() error {
	c.Tenant.ID = getEnv("TEAMSYNC_TENANT_ID", c.Tenant.ID)
	c.Tenant.ClientID = getEnv("TEAMSYNC_CLIENT_ID", c.Tenant.ClientID)
	c.Tenant.ClientSecret = getEnv("TEAMSYNC_CLIENT_SECRET", c.Tenant.ClientSecret)
	c.Tenant.RedirectURL = getEnv("TEAMSYNC_REDIRECT_URL", c.Tenant.RedirectURL)
	c.Graph.BaseURL = getEnv("TEAMSYNC_GRAPH_BASE_URL", c.Graph.BaseURL)
	c.Database.Path = getEnv("TEAMSYNC_DB_PATH", c.Database.Path)
	c.Timezone = getEnv("TEAMSYNC_TIMEZONE", c.Timezone)
	c.Webhook.NotificationURL = getEnv("TEAMSYNC_WEBHOOK_URL", c.Webhook.NotificationURL)
	c.Webhook.ClientState = getEnv("TEAMSYNC_WEBHOOK_CLIENT_STATE", c.Webhook.ClientState)
	c.Log.Level = getEnv("TEAMSYNC_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("TEAMSYNC_LOG_FORMAT", c.Log.Format)
	c.Server.Host = getEnv("HOST", c.Server.Host)

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", port, err)
		}
		c.Server.Port = p
	}
	if n := strings.TrimSpace(os.Getenv("TEAMSYNC_SYNC_CONCURRENCY")); n != "" {
		v, err := strconv.Atoi(n)
		if err != nil {
			return fmt.Errorf("invalid TEAMSYNC_SYNC_CONCURRENCY %q: %w", n, err)
		}
		c.Sync.Concurrency = v
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func resolveConfigPath(explicit string) (string, error) {
	if explicit == "" {
		explicit = strings.TrimSpace(os.Getenv("TEAMSYNC_CONFIG"))
	}
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file: %w", err)
		}
		return explicit, nil
	}

	candidates := []string{
		"teamsync.yaml",
		"config/teamsync.yaml",
		"/etc/teamsync/teamsync.yaml",
	}
	if homeDir, err := os.UserHomeDir(); err == nil && homeDir != "" {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "teamsync", "teamsync.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", nil
}
