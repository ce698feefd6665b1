package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/dgnsrekt/scrape_agent/internal/netutil"
)

// Config holds all configuration for the capture agent.
type Config struct {
	// CDP connection settings
	CDPAddress string
	CDPPort    int
	AutoLaunch bool
	Headless   bool
	ProfileDir string

	// HTTP API
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool
	LogLevel         string
	LogFile          string

	// Storage settings
	DataDir       string
	DBPath        string
	SnapshotDir   string
	MaxFileSizeMB int
	BufferSize    int

	// Capture behavior
	MaxBodyBytes  int
	MaxFrameBytes int
	PendingTTL    time.Duration
	TabGrace      time.Duration
	CookiePoll    time.Duration
	ScanDelay     time.Duration

	// Upstream channel and navigation queue
	ChannelURL string
	QueueFile  string
	NotifyURL  string
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	dataDir := getEnvOrDefault("AGENT_DATA_DIR", "./capture_data")
	cfg := &Config{
		CDPAddress:       getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:          getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9222),
		AutoLaunch:       getEnvBoolOrDefault("CHROMIUM_AUTO_LAUNCH", false),
		Headless:         getEnvBoolOrDefault("CHROMIUM_HEADLESS", false),
		ProfileDir:       getEnvOrDefault("CHROMIUM_PROFILE_DIR", "./browser_profile"),
		BindAddr:         getEnvOrDefault("AGENT_BIND_ADDR", "127.0.0.1:8190"),
		PortCandidates:   netutil.SplitAddrList(getEnvOrDefault("AGENT_PORT_CANDIDATES", "127.0.0.1:8191,127.0.0.1:8192,127.0.0.1:8193")),
		PortAutoFallback: getEnvBoolOrDefault("AGENT_PORT_AUTO_FALLBACK", true),
		LogLevel:         strings.ToLower(getEnvOrDefault("AGENT_LOG_LEVEL", "info")),
		LogFile:          getEnvOrDefault("AGENT_LOG_FILE", "logs/scrape_agent.log"),
		DataDir:          dataDir,
		DBPath:           getEnvOrDefault("AGENT_DB_PATH", filepath.Join(dataDir, "events.db")),
		SnapshotDir:      getEnvOrDefault("AGENT_SNAPSHOT_DIR", filepath.Join(dataDir, "snapshots")),
		MaxFileSizeMB:    getEnvIntOrDefault("AGENT_MAX_FILE_SIZE_MB", 200),
		BufferSize:       getEnvIntOrDefault("AGENT_BUFFER_SIZE", 5000),
		MaxBodyBytes:     getEnvIntOrDefault("CAPTURE_MAX_BODY_BYTES", 5*1024*1024),
		MaxFrameBytes:    getEnvIntOrDefault("CAPTURE_MAX_FRAME_BYTES", 1024*1024),
		PendingTTL:       getEnvDurationOrDefault("CAPTURE_PENDING_TTL", 5*time.Minute),
		TabGrace:         getEnvDurationOrDefault("CAPTURE_TAB_GRACE", 90*time.Second),
		CookiePoll:       getEnvDurationOrDefault("CAPTURE_COOKIE_POLL", 5*time.Second),
		ScanDelay:        getEnvDurationOrDefault("CAPTURE_SCAN_DELAY", 1500*time.Millisecond),
		ChannelURL:       getEnvOrDefault("CHANNEL_URL", ""),
		QueueFile:        getEnvOrDefault("QUEUE_FILE", ""),
		NotifyURL:        getEnvOrDefault("QUEUE_NOTIFY_URL", ""),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.CDPPort <= 0 || c.CDPPort > 65535 {
		return fmt.Errorf("CHROMIUM_CDP_PORT out of range: %d", c.CDPPort)
	}
	if c.MaxBodyBytes < 0 || c.MaxFrameBytes < 0 {
		return fmt.Errorf("capture size limits must not be negative")
	}
	if c.PendingTTL < 0 {
		return fmt.Errorf("CAPTURE_PENDING_TTL must not be negative")
	}
	if c.CookiePoll < 0 {
		return fmt.Errorf("CAPTURE_COOKIE_POLL must not be negative")
	}
	if c.ChannelURL != "" && !strings.HasPrefix(c.ChannelURL, "ws://") && !strings.HasPrefix(c.ChannelURL, "wss://") {
		return fmt.Errorf("CHANNEL_URL must be a ws:// or wss:// URL: %q", c.ChannelURL)
	}
	return nil
}

// GetCDPURL returns the full CDP HTTP endpoint used by chromedp remote allocator.
func (c *Config) GetCDPURL() string {
	return fmt.Sprintf("http://%s:%d", c.CDPAddress, c.CDPPort)
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

// getEnvDurationOrDefault accepts Go durations ("90s") or bare milliseconds.
func getEnvDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(val); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultVal
}
