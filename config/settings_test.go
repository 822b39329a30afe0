package config

import (
	"testing"
	"time"
)

func TestLoadSettingsDefaults(t *testing.T) {
	s, err := LoadSettings()
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if s.AdminPort != "8080" {
		t.Fatalf("expected default port 8080, got %q", s.AdminPort)
	}
	if s.SweepInterval != 15*time.Minute {
		t.Fatalf("expected 15m sweep interval, got %s", s.SweepInterval)
	}
	if s.DispatchMaxAttempts != 8 || s.DispatchMaxConcurrency != 16 {
		t.Fatalf("unexpected dispatch defaults: %+v", s)
	}
	if s.IsProduction() {
		t.Fatalf("GO_ENV unset must not be production")
	}
}

func TestLoadSettingsOverridesAndValidation(t *testing.T) {
	t.Setenv("GO_ENV", "Production")
	t.Setenv("SWEEP_INTERVAL", "90s")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://ops.example.com,https://admin.example.com")
	s, err := LoadSettings()
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if !s.IsProduction() {
		t.Fatalf("expected production")
	}
	if s.SweepInterval != 90*time.Second {
		t.Fatalf("expected 90s, got %s", s.SweepInterval)
	}
	if len(s.CorsAllowedOrigins) != 2 {
		t.Fatalf("expected 2 origins, got %v", s.CorsAllowedOrigins)
	}

	t.Setenv("SWEEP_LOCK_TTL", "0s")
	if _, err := LoadSettings(); err == nil {
		t.Fatalf("expected zero lock ttl to be rejected")
	}
	t.Setenv("SWEEP_LOCK_TTL", "5m")

	t.Setenv("DISPATCH_MAX_ATTEMPTS", "0")
	if _, err := LoadSettings(); err == nil {
		t.Fatalf("expected zero attempts to be rejected")
	}
}
