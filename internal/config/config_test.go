package config

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestClassifyConfigLoadError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "none", err: nil, want: "none"},
		{name: "validation", err: errors.New("validate config: DATABASE_URL is required"), want: "validation"},
		{name: "parse", err: errors.New("parse JWT_ACCESS_TTL: invalid duration"), want: "parse"},
		{name: "other", err: errors.New("some other load error"), want: "load"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classifyConfigLoadError(tc.err); got != tc.want {
				t.Fatalf("classifyConfigLoadError()=%q want %q", got, tc.want)
			}
		})
	}
}

func TestNormalizeConfigProfile(t *testing.T) {
	if got := normalizeConfigProfile("  ProD  "); got != "prod" {
		t.Fatalf("expected prod, got %q", got)
	}
	if got := normalizeConfigProfile("   "); got != "unknown" {
		t.Fatalf("expected unknown, got %q", got)
	}
}

func TestLoadRequiresSecrets(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_ACCESS_SECRET", "")
	t.Setenv("TOKEN_PEPPER", "")

	if _, err := Load(context.Background()); err == nil {
		t.Fatal("expected validation error without DATABASE_URL")
	}
}

func TestLoadDefaultsAndOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/lumi_identity")
	t.Setenv("JWT_ACCESS_SECRET", "abcdefghijklmnopqrstuvwxyz123456")
	t.Setenv("TOKEN_PEPPER", "pepper")
	t.Setenv("MAX_LOGIN_ATTEMPTS", "2")
	t.Setenv("LOCKOUT_DURATION", "30s")

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxLoginAttempts != 2 {
		t.Fatalf("MaxLoginAttempts=%d want 2", cfg.MaxLoginAttempts)
	}
	if cfg.LockoutDuration != 30*time.Second {
		t.Fatalf("LockoutDuration=%v want 30s", cfg.LockoutDuration)
	}
	if cfg.AccessTokenTTL != 15*time.Minute {
		t.Fatalf("AccessTokenTTL default=%v want 15m", cfg.AccessTokenTTL)
	}
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/lumi_identity")
	t.Setenv("JWT_ACCESS_SECRET", "abcdefghijklmnopqrstuvwxyz123456")
	t.Setenv("TOKEN_PEPPER", "pepper")
	t.Setenv("JWT_ACCESS_TTL", "soon")

	if _, err := Load(context.Background()); err == nil {
		t.Fatal("expected parse error for malformed duration")
	}
}
