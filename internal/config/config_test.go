package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Verification.CodeTTL != 60*time.Minute {
		t.Fatalf("unexpected code ttl: %v", cfg.Verification.CodeTTL)
	}
	if cfg.Security.SessionTTL != 7*24*time.Hour {
		t.Fatalf("unexpected session ttl: %v", cfg.Security.SessionTTL)
	}
	if cfg.Security.JWTSecret != DevJWTSecret {
		t.Fatalf("unexpected secret: %q", cfg.Security.JWTSecret)
	}
	if cfg.MailQueue.Enabled {
		t.Fatal("mail queue should be disabled by default")
	}
}

func TestLoad_FileWithDurationsAndDefaults(t *testing.T) {
	path := writeConfig(t, `{
  "app": {"env": "prod", "http_addr": ":9000", "shutdown_timeout": "3s"},
  "security": {"jwt_secret": "file-secret", "session_ttl": "24h"},
  "verification": {"code_ttl": "15m", "resend_cooldown": "30s"}
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.App.HTTPAddr != ":9000" || !cfg.App.IsProd() {
		t.Fatalf("unexpected app config: %+v", cfg.App)
	}
	if cfg.App.ShutdownTimeout != 3*time.Second {
		t.Fatalf("unexpected shutdown timeout: %v", cfg.App.ShutdownTimeout)
	}
	if cfg.Security.SessionTTL != 24*time.Hour || cfg.Security.JWTSecret != "file-secret" {
		t.Fatalf("unexpected security config: %+v", cfg.Security)
	}
	if cfg.Verification.CodeTTL != 15*time.Minute || cfg.Verification.ResendCooldown != 30*time.Second {
		t.Fatalf("unexpected verification config: %+v", cfg.Verification)
	}
	if cfg.Verification.NotifyTimeout != 10*time.Second {
		t.Fatalf("notify timeout should fall back to default, got %v", cfg.Verification.NotifyTimeout)
	}
	if cfg.App.WorkerPoolSize != 8 {
		t.Fatalf("worker pool should fall back to default, got %d", cfg.App.WorkerPoolSize)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `{"verification": {"code_ttl": "soon"}}`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "code_ttl") {
		t.Fatalf("expected code_ttl error, got %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "env-secret")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("SMTP_PASS", "smtp-pass")
	t.Setenv("APP_CODE_TTL", "5m")
	t.Setenv("APP_WORKER_POOL_SIZE", "3")
	t.Setenv("MAIL_QUEUE_ENABLED", "true")
	t.Setenv("APP_RATE_LIMIT", "not-a-number")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Security.JWTSecret != "env-secret" {
		t.Fatalf("jwt secret not overridden: %q", cfg.Security.JWTSecret)
	}
	if cfg.Redis.Addr != "redis:6379" || cfg.Email.SMTPPass != "smtp-pass" {
		t.Fatalf("secrets not overridden: redis=%q smtp=%q", cfg.Redis.Addr, cfg.Email.SMTPPass)
	}
	if cfg.Verification.CodeTTL != 5*time.Minute || cfg.App.WorkerPoolSize != 3 {
		t.Fatalf("unexpected overrides: ttl=%v workers=%d", cfg.Verification.CodeTTL, cfg.App.WorkerPoolSize)
	}
	if !cfg.MailQueue.Enabled {
		t.Fatal("mail queue should be enabled from env")
	}
	if cfg.App.RateLimit != 1 {
		t.Fatalf("unparseable env should be ignored, got %v", cfg.App.RateLimit)
	}
}

func TestLoad_DBEnvBuildsDSN(t *testing.T) {
	t.Setenv("DB_HOST", "mysql")
	t.Setenv("DB_USER", "app")
	t.Setenv("DB_PASSWORD", "s3cret")
	t.Setenv("DB_NAME", "accounts")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	parsed := parseMySQLDSN(cfg.MySQL.DSN)
	if parsed.Addr != "mysql:3306" || parsed.User != "app" || parsed.Passwd != "s3cret" || parsed.DBName != "accounts" {
		t.Fatalf("unexpected dsn: %s", cfg.MySQL.DSN)
	}
	if !parsed.ParseTime {
		t.Fatal("parseTime should be preserved")
	}
}

func TestValidate(t *testing.T) {
	cfg := getDefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("local defaults should validate: %v", err)
	}

	cfg.App.Env = "prod"
	if err := cfg.Validate(); err == nil {
		t.Fatal("dev secret must be rejected in prod")
	}

	cfg.Security.JWTSecret = "rotated"
	cfg.App.WorkerPoolSize = 0
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "worker_pool_size") {
		t.Fatalf("expected worker pool error, got %v", err)
	}
}
