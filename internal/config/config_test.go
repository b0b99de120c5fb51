package config

import (
	"testing"
	"time"
)

func TestLoad_ReportsMissingRequired(t *testing.T) {
	// Ensure a clean env by not setting anything and calling validation directly.
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := Config{
		App:   AppConfig{Env: "production", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "ringlink", SSLMode: ""},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret", JWTIssuer: "ringlink", JWTAudience: "devices"},
	}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestValidate_LocalDefaultsSSLMode(t *testing.T) {
	c := Config{
		App:   AppConfig{Env: "local", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "ringlink", SSLMode: ""},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret"},
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
}

func TestValidate_AppliesWindowDefaults(t *testing.T) {
	c := Config{
		App:   AppConfig{Env: "local", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "ringlink"},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret"},
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	w := c.Windows
	if w.SessionFreshness != 30*time.Second {
		t.Fatalf("session freshness default: %v", w.SessionFreshness)
	}
	if w.MinSessionAge != 2*time.Second {
		t.Fatalf("min session age default: %v", w.MinSessionAge)
	}
	if w.MultiCaller != 10*time.Second {
		t.Fatalf("multi-caller default: %v", w.MultiCaller)
	}
	if w.PushStaleness != 2*time.Minute {
		t.Fatalf("push staleness default: %v", w.PushStaleness)
	}
	if w.Suppression != time.Second {
		t.Fatalf("suppression default: %v", w.Suppression)
	}
	if w.RingTimeout != 20*time.Second {
		t.Fatalf("ring timeout default: %v", w.RingTimeout)
	}
	if c.Limits.SessionStartsPerHour != 50 {
		t.Fatalf("rate limit default: %d", c.Limits.SessionStartsPerHour)
	}
}

func TestValidate_RejectsInvertedWindows(t *testing.T) {
	c := Config{
		App:     AppConfig{Env: "local", Port: 8080},
		DB:      DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "ringlink"},
		Redis:   RedisConfig{Host: "localhost", Port: 6379},
		Auth:    AuthConfig{JWTSecret: "secret"},
		Windows: Windows{SessionFreshness: time.Second, MinSessionAge: 2 * time.Second},
	}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for min age >= freshness")
	}
}
