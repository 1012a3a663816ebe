package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENV", "")
	t.Setenv("PORT", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("TRANSFER_RATE_MAX", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("port = %s, want %s", cfg.Port, DefaultPort)
	}
	if !cfg.IsDevelopment() {
		t.Errorf("env = %s, want development", cfg.Env)
	}
	if cfg.TransferRateMax != 30 {
		t.Errorf("transfer rate max = %d, want 30", cfg.TransferRateMax)
	}
	if cfg.TransferRateWindow != 60*time.Second {
		t.Errorf("transfer rate window = %s, want 60s", cfg.TransferRateWindow)
	}
	if !cfg.ReconcileAutomatic {
		t.Error("reconcile automatic should default on")
	}
	if cfg.StuckSettledAge != 24*time.Hour {
		t.Errorf("stuck settled age = %s, want 24h", cfg.StuckSettledAge)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ENV", "staging")
	t.Setenv("PORT", "9090")
	t.Setenv("TRANSFER_RATE_MAX", "5")
	t.Setenv("TRANSFER_RATE_WINDOW", "30s")
	t.Setenv("RECONCILE_AUTOMATIC", "false")
	t.Setenv("RECONCILE_INTERVAL", "1m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("port = %s, want 9090", cfg.Port)
	}
	if cfg.TransferRateMax != 5 {
		t.Errorf("transfer rate max = %d, want 5", cfg.TransferRateMax)
	}
	if cfg.TransferRateWindow != 30*time.Second {
		t.Errorf("transfer rate window = %s, want 30s", cfg.TransferRateWindow)
	}
	if cfg.ReconcileAutomatic {
		t.Error("reconcile automatic should be off")
	}
	if cfg.ReconcileInterval != time.Minute {
		t.Errorf("reconcile interval = %s, want 1m", cfg.ReconcileInterval)
	}
}

func TestValidate_Production(t *testing.T) {
	cfg := &Config{Env: "production", TransferRateMax: 30}
	if err := cfg.Validate(); err == nil {
		t.Error("production without DATABASE_URL should fail validation")
	}

	cfg.DatabaseURL = "postgres://localhost/tokens"
	if err := cfg.Validate(); err == nil {
		t.Error("production without ADMIN_SECRET should fail validation")
	}

	cfg.AdminSecret = "secret"
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid production config rejected: %v", err)
	}
}

func TestValidate_TransferRateMax(t *testing.T) {
	cfg := &Config{Env: "development", TransferRateMax: 0}
	if err := cfg.Validate(); err == nil {
		t.Error("zero transfer rate max should fail validation")
	}
}
