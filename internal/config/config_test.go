package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != DefaultPort {
		t.Errorf("Port = %s, want %s", cfg.Port, DefaultPort)
	}
	if cfg.Env != DefaultEnv {
		t.Errorf("Env = %s, want %s", cfg.Env, DefaultEnv)
	}
	if cfg.CacheTTL != DefaultCacheTTL {
		t.Errorf("CacheTTL = %v, want %v", cfg.CacheTTL, DefaultCacheTTL)
	}
	if !cfg.IsDevelopment() || cfg.IsProduction() {
		t.Error("default env should be development")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("REDIS_URL", "redis://localhost:6379/1")
	t.Setenv("CACHE_TTL", "30s")
	t.Setenv("RATE_LIMIT_RPS", "25")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != "9090" {
		t.Errorf("Port = %s, want 9090", cfg.Port)
	}
	if cfg.RedisURL != "redis://localhost:6379/1" {
		t.Errorf("RedisURL = %s", cfg.RedisURL)
	}
	if cfg.CacheTTL != 30*time.Second {
		t.Errorf("CacheTTL = %v, want 30s", cfg.CacheTTL)
	}
	if cfg.RateLimitRPS != 25 {
		t.Errorf("RateLimitRPS = %d, want 25", cfg.RateLimitRPS)
	}
}

func TestValidate(t *testing.T) {
	t.Run("production requires admin secret", func(t *testing.T) {
		t.Setenv("ENV", "production")
		t.Setenv("ADMIN_SECRET", "")
		if _, err := Load(); err == nil {
			t.Error("expected error for production without ADMIN_SECRET")
		}

		t.Setenv("ADMIN_SECRET", "s3cret")
		if _, err := Load(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("stripe key requires webhook secret", func(t *testing.T) {
		t.Setenv("STRIPE_API_KEY", "sk_test_123")
		t.Setenv("STRIPE_WEBHOOK_SECRET", "")
		if _, err := Load(); err == nil {
			t.Error("expected error for stripe key without webhook secret")
		}
	})

	t.Run("invalid cache ttl falls back to default", func(t *testing.T) {
		t.Setenv("CACHE_TTL", "nonsense")
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.CacheTTL != DefaultCacheTTL {
			t.Errorf("CacheTTL = %v, want default", cfg.CacheTTL)
		}
	})
}
