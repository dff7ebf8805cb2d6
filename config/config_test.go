package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(New())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.SQLitePath != "prism-board.db" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.DeduperTTL != 24*time.Hour || cfg.BoardCacheTTL != 5*time.Minute {
		t.Fatalf("unexpected ttl defaults %v %v", cfg.DeduperTTL, cfg.BoardCacheTTL)
	}
	if cfg.WebhookWorkers != 8 || cfg.WebhookBuffer != 1024 || cfg.WSSendBuffer != 64 {
		t.Fatalf("unexpected pool defaults %+v", cfg)
	}
	if cfg.RelayChannel != "board-events" || cfg.EmailQueue != "notification-emails" {
		t.Fatalf("unexpected names %+v", cfg)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv(KeyAuthAudience, "api://board")
	t.Setenv(KeyAuthDomain, "tenant.example.com")
	t.Setenv(KeyDeduperTTL, "1h")
	t.Setenv(KeyWebhookWorkers, "3")
	t.Setenv(KeyDebug, "true")

	cfg, err := Load(New())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Debug || cfg.DeduperTTL != time.Hour || cfg.WebhookWorkers != 3 {
		t.Fatalf("environment not applied: %+v", cfg)
	}
	if cfg.JWKSURL() != "https://tenant.example.com/.well-known/jwks.json" {
		t.Fatalf("unexpected jwks url %s", cfg.JWKSURL())
	}
	if cfg.Issuer() != "https://tenant.example.com/" {
		t.Fatalf("unexpected issuer %s", cfg.Issuer())
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv(KeyWebhookBuffer, "0")
	t.Setenv(KeyNotifyTimeout, "-1s")

	_, err := Load(New())
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{KeyWebhookBuffer, KeyNotifyTimeout} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestValidateAuth(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"auth0", Config{AuthAudience: "api://board", AuthDomain: "t.example.com"}, ""},
		{"auth0 missing", Config{AuthAudience: "api://board"}, "missing Auth0 config"},
		{"test mode", Config{AuthTestMode: true, TestJWTSecret: "s"}, ""},
		{"test mode without secret", Config{AuthTestMode: true}, KeyTestJWTSecret},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.ValidateAuth()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestRedisOptions(t *testing.T) {
	opts, err := RedisOptions("redis://:pw@localhost:6380/2")
	if err != nil {
		t.Fatalf("url: %v", err)
	}
	if opts.Addr != "localhost:6380" || opts.Password != "pw" || opts.DB != 2 {
		t.Fatalf("unexpected url options %+v", opts)
	}

	opts, err = RedisOptions("cache.redis.cache.windows.net:6380,password=secret,ssl=True,abortConnect=False")
	if err != nil {
		t.Fatalf("azure: %v", err)
	}
	if opts.Addr != "cache.redis.cache.windows.net:6380" || opts.Password != "secret" {
		t.Fatalf("unexpected azure options %+v", opts)
	}
	if opts.TLSConfig == nil {
		t.Fatalf("expected TLS for ssl=true")
	}

	opts, err = RedisOptions("localhost:6379")
	if err != nil || opts.TLSConfig != nil || opts.Password != "" {
		t.Fatalf("plain address: %+v %v", opts, err)
	}

	for _, bad := range []string{"", "password=x"} {
		if _, err := RedisOptions(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "board.yaml")
	if err := os.WriteFile(path, []byte("LISTEN_ADDR: \":9090\"\nWEBHOOK_WORKERS: 2\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv(KeyWebhookWorkers, "5")

	v := New()
	if err := ReadFile(v, path); err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Fatalf("file value not applied: %q", cfg.ListenAddr)
	}
	if cfg.WebhookWorkers != 5 {
		t.Fatalf("environment must win over file, got %d", cfg.WebhookWorkers)
	}
	if err := ReadFile(New(), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
