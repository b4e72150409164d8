// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	APIKey         string
	FrontendURL    string
	DataDir        string // root of per-session credential directories
	MediaDir       string
	DBPath         string
	BackendImage   string
	DefaultSession string

	MaxSessions   int
	IdleTimeout   time.Duration
	SweepInterval time.Duration

	WatchdogInterval time.Duration
	RestartDebounce  time.Duration

	HandleIncoming bool
	AllowPrivate   bool
	AllowedGroups  []string
	TargetIdentity string
	WebhookURL     string
	WebhookAPIKey  string

	ProxyAddr string
	NavGuard  bool

	Timeout Timeouts
}

// Timeouts groups the per-operation budgets for backend calls.
type Timeouts struct {
	Status     time.Duration
	Send       time.Duration
	MediaFetch time.Duration
	MediaSend  time.Duration
	Lookup     time.Duration
	Forward    time.Duration
	Chats      time.Duration
	Webhook    time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		APIKey:         getEnv("API_KEY", ""),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		DataDir:        getEnv("DATA_DIR", "./data/sessions"),
		MediaDir:       getEnv("MEDIA_DIR", "./data/media"),
		DBPath:         getEnv("DB_PATH", "./data/wagate.db"),
		BackendImage:   getEnv("BACKEND_IMAGE", "wagate-runtime:latest"),
		DefaultSession: getEnv("DEFAULT_SESSION", "default"),

		MaxSessions:   getEnvInt("MAX_SESSIONS", 5),
		IdleTimeout:   getEnvDuration("IDLE_TIMEOUT", 12*time.Hour),
		SweepInterval: getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),

		WatchdogInterval: getEnvDuration("WATCHDOG_INTERVAL", 30*time.Second),
		RestartDebounce:  getEnvDuration("RESTART_DEBOUNCE", 5*time.Second),

		HandleIncoming: getEnvBool("HANDLE_INCOMING", true),
		AllowPrivate:   getEnvBool("ALLOW_PRIVATE", false),
		AllowedGroups:  getEnvList("ALLOWED_GROUPS"),
		TargetIdentity: getEnv("TARGET_IDENTITY", ""),
		WebhookURL:     getEnv("WEBHOOK_URL", ""),
		WebhookAPIKey:  getEnv("WEBHOOK_API_KEY", ""),

		ProxyAddr: getEnv("PROXY_ADDR", ""),
		NavGuard:  getEnvBool("NAV_GUARD", false),

		Timeout: Timeouts{
			Status:     getEnvDuration("TIMEOUT_STATUS", 3*time.Second),
			Send:       getEnvDuration("TIMEOUT_SEND", 120*time.Second),
			MediaFetch: getEnvDuration("TIMEOUT_MEDIA_FETCH", 30*time.Second),
			MediaSend:  getEnvDuration("TIMEOUT_MEDIA_SEND", 180*time.Second),
			Lookup:     getEnvDuration("TIMEOUT_LOOKUP", 10*time.Second),
			Forward:    getEnvDuration("TIMEOUT_FORWARD", 20*time.Second),
			Chats:      getEnvDuration("TIMEOUT_CHATS", 30*time.Second),
			Webhook:    getEnvDuration("TIMEOUT_WEBHOOK", 15*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.APIKey == "" {
		return fmt.Errorf("API_KEY cannot be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("MAX_SESSIONS must be > 0")
	}
	if c.HandleIncoming && c.WebhookURL == "" {
		return fmt.Errorf("WEBHOOK_URL is required when HANDLE_INCOMING is enabled")
	}
	if c.WatchdogInterval <= 0 {
		return fmt.Errorf("WATCHDOG_INTERVAL must be > 0")
	}
	if c.RestartDebounce <= 0 {
		return fmt.Errorf("RESTART_DEBOUNCE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
