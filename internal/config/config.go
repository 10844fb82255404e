package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "SOCIAL_LOGIN"
	defaultDatabasePath    = "social-login.db"
	defaultLogLevel        = "info"
	defaultCallbackAddress = "127.0.0.1:8765"
	defaultCallbackPath    = "/callback"
	defaultGraphURL        = "https://graph.facebook.com/v19.0"
	defaultClientSecretTTL = 24 * time.Hour
	minStorageSecretLength = 16
)

// GoogleConfig holds the OAuth client registered with Google.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
}

// Enabled reports whether Google sign-in was configured.
func (c GoogleConfig) Enabled() bool {
	return c.ClientID != ""
}

// AppleConfig holds the Sign in with Apple service registration.
type AppleConfig struct {
	ClientID        string
	TeamID          string
	KeyID           string
	PrivateKeyPath  string
	RedirectURL     string
	ClientSecretTTL time.Duration
}

// Enabled reports whether Apple sign-in was configured.
func (c AppleConfig) Enabled() bool {
	return c.ClientID != ""
}

// FacebookConfig holds the Facebook app credentials.
type FacebookConfig struct {
	AppID     string
	AppSecret string
	GraphURL  string
}

// Enabled reports whether Facebook login was configured.
func (c FacebookConfig) Enabled() bool {
	return c.AppID != ""
}

// AppConfig captures runtime configuration for the CLI.
type AppConfig struct {
	LogLevel                string
	DatabasePath            string
	StorageGroup            string
	StorageSecret           string
	CallbackAddress         string
	CallbackPath            string
	PropagateFacebookErrors bool
	Google                  GoogleConfig
	Apple                   AppleConfig
	Facebook                FacebookConfig
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("storage.group", "")
	configViper.SetDefault("storage.secret", "")
	configViper.SetDefault("callback.address", defaultCallbackAddress)
	configViper.SetDefault("callback.path", defaultCallbackPath)
	configViper.SetDefault("facebook.graph_url", defaultGraphURL)
	configViper.SetDefault("facebook.propagate_errors", false)
	configViper.SetDefault("apple.client_secret_ttl", defaultClientSecretTTL)

	for _, key := range []string{
		"google.client_id", "google.client_secret",
		"apple.client_id", "apple.team_id", "apple.key_id", "apple.private_key_path", "apple.redirect_url",
		"facebook.app_id", "facebook.app_secret",
	} {
		configViper.SetDefault(key, "")
	}
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		LogLevel:                configViper.GetString("log.level"),
		DatabasePath:            strings.TrimSpace(configViper.GetString("database.path")),
		StorageGroup:            strings.TrimSpace(configViper.GetString("storage.group")),
		StorageSecret:           configViper.GetString("storage.secret"),
		CallbackAddress:         strings.TrimSpace(configViper.GetString("callback.address")),
		CallbackPath:            strings.TrimSpace(configViper.GetString("callback.path")),
		PropagateFacebookErrors: configViper.GetBool("facebook.propagate_errors"),
		Google: GoogleConfig{
			ClientID:     strings.TrimSpace(configViper.GetString("google.client_id")),
			ClientSecret: configViper.GetString("google.client_secret"),
		},
		Apple: AppleConfig{
			ClientID:        strings.TrimSpace(configViper.GetString("apple.client_id")),
			TeamID:          strings.TrimSpace(configViper.GetString("apple.team_id")),
			KeyID:           strings.TrimSpace(configViper.GetString("apple.key_id")),
			PrivateKeyPath:  strings.TrimSpace(configViper.GetString("apple.private_key_path")),
			RedirectURL:     strings.TrimSpace(configViper.GetString("apple.redirect_url")),
			ClientSecretTTL: configViper.GetDuration("apple.client_secret_ttl"),
		},
		Facebook: FacebookConfig{
			AppID:     strings.TrimSpace(configViper.GetString("facebook.app_id")),
			AppSecret: configViper.GetString("facebook.app_secret"),
			GraphURL:  strings.TrimSpace(configViper.GetString("facebook.graph_url")),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database.path is required")
	}
	if len(strings.TrimSpace(c.StorageSecret)) < minStorageSecretLength {
		return fmt.Errorf("storage.secret must be at least %d characters", minStorageSecretLength)
	}
	if c.CallbackAddress == "" {
		return fmt.Errorf("callback.address is required")
	}
	if !strings.HasPrefix(c.CallbackPath, "/") {
		return fmt.Errorf("callback.path must start with /")
	}
	if c.Apple.Enabled() {
		if c.Apple.TeamID == "" {
			return fmt.Errorf("apple.team_id is required when apple.client_id is set")
		}
		if c.Apple.KeyID == "" {
			return fmt.Errorf("apple.key_id is required when apple.client_id is set")
		}
		if c.Apple.PrivateKeyPath == "" {
			return fmt.Errorf("apple.private_key_path is required when apple.client_id is set")
		}
	}
	if c.Facebook.Enabled() && c.Facebook.AppSecret == "" {
		return fmt.Errorf("facebook.app_secret is required when facebook.app_id is set")
	}
	return nil
}
