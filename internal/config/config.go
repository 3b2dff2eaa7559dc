package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	TransportChromedp = "chromedp"
	TransportRaw      = "raw"
)

// Config holds all configuration for the interceptor.
type Config struct {
	// CDP connection settings
	CDPAddress   string
	CDPPort      int
	TabURLFilter string
	Transport    string

	// Control API
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool

	// Rules
	RulesFile string

	// Journal settings
	DataDir          string
	Journal          bool
	BufferSize       int
	MaxFileSizeMB    int
	BodyPreviewBytes int

	// Interception bookkeeping
	CancelGrace time.Duration
	PendingTTL  time.Duration

	// Logging
	LogLevel string
	LogFile  string
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		CDPAddress:       getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:          getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9220),
		TabURLFilter:     getEnvOrDefault("INTERCEPTOR_TAB_URL_FILTER", ""),
		Transport:        strings.ToLower(getEnvOrDefault("INTERCEPTOR_TRANSPORT", TransportChromedp)),
		BindAddr:         getEnvOrDefault("INTERCEPTOR_BIND_ADDR", "127.0.0.1:8190"),
		PortCandidates:   getEnvListOrDefault("INTERCEPTOR_PORT_CANDIDATES", []string{"127.0.0.1:8191", "127.0.0.1:8192", "127.0.0.1:8193"}),
		PortAutoFallback: getEnvBoolOrDefault("INTERCEPTOR_PORT_AUTO_FALLBACK", true),
		RulesFile:        getEnvOrDefault("INTERCEPTOR_RULES_FILE", ""),
		DataDir:          getEnvOrDefault("INTERCEPTOR_DATA_DIR", "./intercept_data"),
		Journal:          getEnvBoolOrDefault("INTERCEPTOR_JOURNAL", true),
		BufferSize:       getEnvIntOrDefault("INTERCEPTOR_BUFFER_SIZE", 5000),
		MaxFileSizeMB:    getEnvIntOrDefault("INTERCEPTOR_MAX_FILE_SIZE_MB", 200),
		BodyPreviewBytes: getEnvIntOrDefault("INTERCEPTOR_BODY_PREVIEW_BYTES", 4096),
		CancelGrace:      time.Duration(getEnvIntOrDefault("INTERCEPTOR_CANCEL_GRACE_MS", 50)) * time.Millisecond,
		PendingTTL:       time.Duration(getEnvIntOrDefault("INTERCEPTOR_PENDING_TTL_SEC", 300)) * time.Second,
		LogLevel:         strings.ToLower(getEnvOrDefault("INTERCEPTOR_LOG_LEVEL", "info")),
		LogFile:          getEnvOrDefault("INTERCEPTOR_LOG_FILE", "logs/interceptor.log"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Transport {
	case TransportChromedp, TransportRaw:
	default:
		return fmt.Errorf("config: INTERCEPTOR_TRANSPORT must be %q or %q, got %q", TransportChromedp, TransportRaw, c.Transport)
	}
	if c.CDPPort <= 0 || c.CDPPort > 65535 {
		return fmt.Errorf("config: CHROMIUM_CDP_PORT %d out of range", c.CDPPort)
	}
	if c.CancelGrace < 0 {
		c.CancelGrace = 0
	}
	if c.BufferSize < 1 {
		c.BufferSize = 1
	}
	return nil
}

// CDPURL returns the CDP HTTP endpoint.
func (c *Config) CDPURL() string {
	return "http://" + c.CDPAddress + ":" + strconv.Itoa(c.CDPPort)
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvListOrDefault(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
