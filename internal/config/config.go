package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the signvios endpoint.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir string
	APIPort int

	// SIPServer is the outbound SIP proxy calls are signaled through.
	SIPServer string
	SIPPort   int

	// Backend service base URLs. Provisioning can later move these via the
	// services.* properties; these are the bootstrap values.
	CoreServiceURL       string
	StateNotifyURL       string
	MessageServiceURL    string
	ConferenceServiceURL string

	// ServiceUsername/ServicePassword authenticate the backend channels
	// (HTTP digest).
	ServiceUsername string
	ServicePassword string

	// ServiceRateLimit caps outbound backend requests per second; 0
	// disables the limiter.
	ServiceRateLimit int

	// AreaCode completes 7-digit local numbers during dial-string
	// reformatting.
	AreaCode string

	VRSHost          string
	VRSAlternateHost string

	MaxCalls int

	JWTSecret string // hex-encoded 32-byte secret for control-API JWT signing
	LogLevel  string
	LogFormat string // "text" or "json"
}

// defaults
const (
	defaultDataDir   = "./data"
	defaultAPIPort   = 8080
	defaultSIPPort   = 5060
	defaultMaxCalls  = 8
	defaultRateLimit = 20
	defaultLogLevel  = "info"
	defaultLogFormat = "text"
)

// envPrefix is the prefix for all signvios environment variables.
const envPrefix = "SIGNVIOS_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("signvios", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for database and downloaded media")
	fs.IntVar(&cfg.APIPort, "api-port", defaultAPIPort, "control API listen port")
	fs.StringVar(&cfg.SIPServer, "sip-server", "", "outbound SIP proxy host")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "outbound SIP proxy port")
	fs.StringVar(&cfg.CoreServiceURL, "core-service-url", "", "core directory/provisioning service base URL")
	fs.StringVar(&cfg.StateNotifyURL, "statenotify-url", "", "state-notification service base URL")
	fs.StringVar(&cfg.MessageServiceURL, "message-service-url", "", "video message service base URL")
	fs.StringVar(&cfg.ConferenceServiceURL, "conference-service-url", "", "conference service base URL")
	fs.StringVar(&cfg.ServiceUsername, "service-username", "", "digest username for backend services")
	fs.StringVar(&cfg.ServicePassword, "service-password", "", "digest password for backend services")
	fs.IntVar(&cfg.ServiceRateLimit, "service-rate-limit", defaultRateLimit, "max backend requests per second (0 disables)")
	fs.StringVar(&cfg.AreaCode, "area-code", "", "area code for completing 7-digit numbers")
	fs.StringVar(&cfg.VRSHost, "vrs-host", "", "primary relay service host")
	fs.StringVar(&cfg.VRSAlternateHost, "vrs-alternate-host", "", "fallback relay service host")
	fs.IntVar(&cfg.MaxCalls, "max-calls", defaultMaxCalls, "maximum concurrent call sessions")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for control API JWT signing (auto-generated if empty)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the
	// command line. CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name.
	envMap := map[string]string{
		"data-dir":               envPrefix + "DATA_DIR",
		"api-port":               envPrefix + "API_PORT",
		"sip-server":             envPrefix + "SIP_SERVER",
		"sip-port":               envPrefix + "SIP_PORT",
		"core-service-url":       envPrefix + "CORE_SERVICE_URL",
		"statenotify-url":        envPrefix + "STATENOTIFY_URL",
		"message-service-url":    envPrefix + "MESSAGE_SERVICE_URL",
		"conference-service-url": envPrefix + "CONFERENCE_SERVICE_URL",
		"service-username":       envPrefix + "SERVICE_USERNAME",
		"service-password":       envPrefix + "SERVICE_PASSWORD",
		"service-rate-limit":     envPrefix + "SERVICE_RATE_LIMIT",
		"area-code":              envPrefix + "AREA_CODE",
		"vrs-host":               envPrefix + "VRS_HOST",
		"vrs-alternate-host":     envPrefix + "VRS_ALTERNATE_HOST",
		"max-calls":              envPrefix + "MAX_CALLS",
		"jwt-secret":             envPrefix + "JWT_SECRET",
		"log-level":              envPrefix + "LOG_LEVEL",
		"log-format":             envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "api-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.APIPort = v
			}
		case "sip-server":
			cfg.SIPServer = val
		case "sip-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPPort = v
			}
		case "core-service-url":
			cfg.CoreServiceURL = val
		case "statenotify-url":
			cfg.StateNotifyURL = val
		case "message-service-url":
			cfg.MessageServiceURL = val
		case "conference-service-url":
			cfg.ConferenceServiceURL = val
		case "service-username":
			cfg.ServiceUsername = val
		case "service-password":
			cfg.ServicePassword = val
		case "service-rate-limit":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.ServiceRateLimit = v
			}
		case "area-code":
			cfg.AreaCode = val
		case "vrs-host":
			cfg.VRSHost = val
		case "vrs-alternate-host":
			cfg.VRSAlternateHost = val
		case "max-calls":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MaxCalls = v
			}
		case "jwt-secret":
			cfg.JWTSecret = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.APIPort < 1 || c.APIPort > 65535 {
		return fmt.Errorf("api-port must be between 1 and 65535, got %d", c.APIPort)
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.MaxCalls < 1 {
		return fmt.Errorf("max-calls must be at least 1, got %d", c.MaxCalls)
	}
	if c.ServiceRateLimit < 0 {
		return fmt.Errorf("service-rate-limit must not be negative, got %d", c.ServiceRateLimit)
	}
	if c.AreaCode != "" && len(c.AreaCode) != 3 {
		return fmt.Errorf("area-code must be 3 digits, got %q", c.AreaCode)
	}

	for name, u := range map[string]string{
		"core-service-url":       c.CoreServiceURL,
		"statenotify-url":        c.StateNotifyURL,
		"message-service-url":    c.MessageServiceURL,
		"conference-service-url": c.ConferenceServiceURL,
	} {
		if u == "" {
			continue
		}
		parsed, err := url.Parse(u)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("%s must be an absolute URL, got %q", name, u)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
