package config

import (
	"log/slog"
	"os"
	"testing"
)

func TestDefaults(t *testing.T) {
	// Clear any env vars that might interfere.
	for _, env := range []string{
		"SIGNVIOS_DATA_DIR", "SIGNVIOS_API_PORT", "SIGNVIOS_SIP_SERVER",
		"SIGNVIOS_SIP_PORT", "SIGNVIOS_VRS_HOST", "SIGNVIOS_LOG_LEVEL",
	} {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}

	os.Args = []string{"signvios"}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DataDir != defaultDataDir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, defaultDataDir)
	}
	if cfg.APIPort != defaultAPIPort {
		t.Errorf("APIPort = %d, want %d", cfg.APIPort, defaultAPIPort)
	}
	if cfg.SIPPort != defaultSIPPort {
		t.Errorf("SIPPort = %d, want %d", cfg.SIPPort, defaultSIPPort)
	}
	if cfg.MaxCalls != defaultMaxCalls {
		t.Errorf("MaxCalls = %d, want %d", cfg.MaxCalls, defaultMaxCalls)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
}

func TestEnvVarOverride(t *testing.T) {
	os.Args = []string{"signvios"}
	t.Setenv("SIGNVIOS_API_PORT", "9090")
	t.Setenv("SIGNVIOS_DATA_DIR", "/tmp/signvios-test")
	t.Setenv("SIGNVIOS_VRS_HOST", "relay.example.com")
	t.Setenv("SIGNVIOS_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", cfg.APIPort)
	}
	if cfg.DataDir != "/tmp/signvios-test" {
		t.Errorf("DataDir = %q, want /tmp/signvios-test", cfg.DataDir)
	}
	if cfg.VRSHost != "relay.example.com" {
		t.Errorf("VRSHost = %q, want relay.example.com", cfg.VRSHost)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	// CLI flags should override env vars.
	os.Args = []string{"signvios", "--api-port", "3000", "--log-level", "warn"}
	t.Setenv("SIGNVIOS_API_PORT", "9090")
	t.Setenv("SIGNVIOS_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.APIPort != 3000 {
		t.Errorf("APIPort = %d, want 3000 (CLI should override env)", cfg.APIPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should override env)", cfg.LogLevel)
	}
}

func TestValidateInvalidPort(t *testing.T) {
	os.Args = []string{"signvios", "--api-port", "99999"}
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid port, got nil")
	}
}

func TestValidateInvalidLogLevel(t *testing.T) {
	os.Args = []string{"signvios", "--log-level", "verbose"}
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
}

func TestValidateBadServiceURL(t *testing.T) {
	os.Args = []string{"signvios", "--core-service-url", "not a url"}
	if _, err := Load(); err == nil {
		t.Fatal("expected error for relative service URL, got nil")
	}
}

func TestValidateAreaCodeLength(t *testing.T) {
	os.Args = []string{"signvios", "--area-code", "80"}
	if _, err := Load(); err == nil {
		t.Fatal("expected error for 2-digit area code, got nil")
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			if got := cfg.SlogLevel(); got != tt.want {
				t.Errorf("SlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}
