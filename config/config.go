// Package config loads the board service settings from the environment and
// command line flags.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

// Environment keys.
const (
	KeyDebug            = "DEBUG"
	KeyListenAddr       = "LISTEN_ADDR"
	KeySQLitePath       = "SQLITE_PATH"
	KeyRedis            = "REDIS_CONNECTION_STRING"
	KeyStorage          = "STORAGE_CONNECTION_STRING"
	KeyPreferencesTable = "PREFERENCES_TABLE"
	KeyEmailQueue       = "EMAIL_QUEUE"
	KeyRelayChannel     = "RELAY_CHANNEL"
	KeyDeduperTTL       = "DEDUPER_TTL"
	KeyBoardCacheTTL    = "BOARD_CACHE_TTL"
	KeyAuthAudience     = "AUTH0_AUDIENCE"
	KeyAuthDomain       = "AUTH0_DOMAIN"
	KeyAuthTestMode     = "AUTH0_TEST_MODE"
	KeyTestJWTSecret    = "TEST_JWT_SECRET"
	KeyWebhookWorkers   = "WEBHOOK_WORKERS"
	KeyWebhookBuffer    = "WEBHOOK_BUFFER"
	KeyWebhookTimeout   = "WEBHOOK_TIMEOUT"
	KeyNotifyLimit      = "NOTIFY_CONCURRENCY"
	KeyNotifyTimeout    = "NOTIFY_TIMEOUT"
	KeyWSSendBuffer     = "WS_SEND_BUFFER"
	KeyWSPingInterval   = "WS_PING_INTERVAL"
)

// Config is the resolved service configuration.
type Config struct {
	Debug      bool
	ListenAddr string
	SQLitePath string

	RedisConnectionString   string
	StorageConnectionString string
	PreferencesTable        string
	EmailQueue              string
	RelayChannel            string

	DeduperTTL    time.Duration
	BoardCacheTTL time.Duration

	AuthAudience  string
	AuthDomain    string
	AuthTestMode  bool
	TestJWTSecret string

	WebhookWorkers int
	WebhookBuffer  int
	WebhookTimeout time.Duration

	NotifyConcurrency int
	NotifyTimeout     time.Duration

	WSSendBuffer   int
	WSPingInterval time.Duration
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyDebug, false)
	v.SetDefault(KeyListenAddr, ":8080")
	v.SetDefault(KeySQLitePath, "prism-board.db")
	v.SetDefault(KeyPreferencesTable, "NotificationPreferences")
	v.SetDefault(KeyEmailQueue, "notification-emails")
	v.SetDefault(KeyRelayChannel, "board-events")
	v.SetDefault(KeyDeduperTTL, 24*time.Hour)
	v.SetDefault(KeyBoardCacheTTL, 5*time.Minute)
	v.SetDefault(KeyAuthTestMode, false)
	v.SetDefault(KeyWebhookWorkers, 8)
	v.SetDefault(KeyWebhookBuffer, 1024)
	v.SetDefault(KeyWebhookTimeout, 10*time.Second)
	v.SetDefault(KeyNotifyLimit, 8)
	v.SetDefault(KeyNotifyTimeout, 15*time.Second)
	v.SetDefault(KeyWSSendBuffer, 64)
	v.SetDefault(KeyWSPingInterval, 30*time.Second)
}

// New returns a viper instance reading the environment with all defaults set.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.AutomaticEnv()
	return v
}

// ReadFile merges a YAML or JSON settings file into v. Keys use the
// environment names; the environment still takes precedence.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	return nil
}

// Load resolves and validates the configuration held by v.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		Debug:                   v.GetBool(KeyDebug),
		ListenAddr:              v.GetString(KeyListenAddr),
		SQLitePath:              v.GetString(KeySQLitePath),
		RedisConnectionString:   v.GetString(KeyRedis),
		StorageConnectionString: v.GetString(KeyStorage),
		PreferencesTable:        v.GetString(KeyPreferencesTable),
		EmailQueue:              v.GetString(KeyEmailQueue),
		RelayChannel:            v.GetString(KeyRelayChannel),
		DeduperTTL:              v.GetDuration(KeyDeduperTTL),
		BoardCacheTTL:           v.GetDuration(KeyBoardCacheTTL),
		AuthAudience:            v.GetString(KeyAuthAudience),
		AuthDomain:              v.GetString(KeyAuthDomain),
		AuthTestMode:            v.GetBool(KeyAuthTestMode),
		TestJWTSecret:           v.GetString(KeyTestJWTSecret),
		WebhookWorkers:          v.GetInt(KeyWebhookWorkers),
		WebhookBuffer:           v.GetInt(KeyWebhookBuffer),
		WebhookTimeout:          v.GetDuration(KeyWebhookTimeout),
		NotifyConcurrency:       v.GetInt(KeyNotifyLimit),
		NotifyTimeout:           v.GetDuration(KeyNotifyTimeout),
		WSSendBuffer:            v.GetInt(KeyWSSendBuffer),
		WSPingInterval:          v.GetDuration(KeyWSPingInterval),
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, fmt.Errorf("%s must not be empty", KeyListenAddr))
	}
	if c.SQLitePath == "" {
		errs = append(errs, fmt.Errorf("%s must not be empty", KeySQLitePath))
	}
	for key, d := range map[string]time.Duration{
		KeyDeduperTTL:     c.DeduperTTL,
		KeyBoardCacheTTL:  c.BoardCacheTTL,
		KeyWebhookTimeout: c.WebhookTimeout,
		KeyNotifyTimeout:  c.NotifyTimeout,
		KeyWSPingInterval: c.WSPingInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("invalid %s: must be greater than zero", key))
		}
	}
	for key, n := range map[string]int{
		KeyWebhookWorkers: c.WebhookWorkers,
		KeyWebhookBuffer:  c.WebhookBuffer,
		KeyNotifyLimit:    c.NotifyConcurrency,
		KeyWSSendBuffer:   c.WSSendBuffer,
	} {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("invalid %s: must be greater than zero", key))
		}
	}
	return errors.Join(errs...)
}

// ValidateAuth checks the settings needed to verify tokens. Only the server
// needs them.
func (c Config) ValidateAuth() error {
	if c.AuthTestMode {
		if c.TestJWTSecret == "" {
			return fmt.Errorf("%s requires %s", KeyAuthTestMode, KeyTestJWTSecret)
		}
		return nil
	}
	if c.AuthAudience == "" || c.AuthDomain == "" {
		return errors.New("missing Auth0 config")
	}
	return nil
}

// JWKSURL is the key set endpoint of the configured Auth0 tenant.
func (c Config) JWKSURL() string {
	return fmt.Sprintf("https://%s/.well-known/jwks.json", c.AuthDomain)
}

// Issuer is the expected token issuer.
func (c Config) Issuer() string {
	if c.AuthDomain == "" {
		return ""
	}
	return "https://" + c.AuthDomain + "/"
}

// RedisOptions parses a Redis connection string. Both redis:// URLs and the
// Azure form "host:port,password=secret,ssl=true" are accepted.
func RedisOptions(conn string) (*redis.Options, error) {
	if conn == "" {
		return nil, errors.New("empty redis connection string")
	}
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	addr := strings.TrimSpace(parts[0])
	if addr == "" || strings.Contains(addr, "=") {
		return nil, fmt.Errorf("invalid redis connection string %q", conn)
	}
	opts := &redis.Options{Addr: addr}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts, nil
}
