package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the bot, the web surface and the delivery workers.
type Config struct {
	BotToken       string
	BotUsername    string
	PublicBaseURL  string
	WebhookSecret  string
	MySQLDSN       string
	LogLevel       string
	HTTPListenAddr string
	AdminUsername  string
	AdminPassword  string

	APIFreeAPIKey     string
	APIFreeBaseURL    string
	APIFreeChatModel  string
	APIFreeImageModel string
	APIFreeVideoModel string
	RequestTimeout    time.Duration

	FreeCreditsOnSignup int
	RefBonusReferrer    int
	RefBonusNewUser     int
	AdminIDs            []int64
	PriceProXTR         int
	ProCreditsPerBuy    int

	ImagePollAttempts      int
	VideoPollAttempts      int
	PollInterval           time.Duration
	FailureDetailLimit     int
	TerminalNotifyAttempts int
	MaxConcurrentJobs      int
	SweepSchedule          string

	APIRateLimitRPS   float64
	APIRateLimitBurst int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3PublicBaseURL string
	S3UsePathStyle  bool
	S3Prefix        string
}

const defaultAPIFreeBaseURL = "https://api.apifree.ai"

// Load reads configuration from environment variables, applying defaults.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	cfg := Config{
		BotToken:       os.Getenv("TELEGRAM_BOT_TOKEN"),
		BotUsername:    strings.TrimPrefix(strings.TrimSpace(os.Getenv("BOT_USERNAME")), "@"),
		PublicBaseURL:  strings.TrimRight(strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")), "/"),
		WebhookSecret:  getEnv("WEBHOOK_SECRET", "hook"),
		MySQLDSN:       os.Getenv("MYSQL_DSN"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		HTTPListenAddr: getEnv("HTTP_LISTEN_ADDR", ":8080"),
		AdminUsername:  getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:  getEnv("ADMIN_PASSWORD", "change-me"),

		APIFreeAPIKey:     os.Getenv("APIFREE_API_KEY"),
		APIFreeBaseURL:    normalizeBaseURL(getEnv("APIFREE_BASE_URL", defaultAPIFreeBaseURL), defaultAPIFreeBaseURL),
		APIFreeChatModel:  getEnv("APIFREE_CHAT_MODEL", "gpt-4o-mini"),
		APIFreeImageModel: getEnv("APIFREE_IMAGE_MODEL", "stable-diffusion-xl"),
		APIFreeVideoModel: getEnv("APIFREE_VIDEO_MODEL", "runway-gen2"),
		RequestTimeout:    time.Second * time.Duration(getInt("HTTP_TIMEOUT_SECONDS", 120)),

		FreeCreditsOnSignup: getInt("FREE_CREDITS_ON_SIGNUP", 2),
		RefBonusReferrer:    getInt("REF_BONUS_REFERRER", 1),
		RefBonusNewUser:     getInt("REF_BONUS_NEW_USER", 1),
		PriceProXTR:         getInt("PRICE_PRO_XTR", 0),
		ProCreditsPerBuy:    getInt("PRO_CREDITS_PER_PURCHASE", 50),

		ImagePollAttempts:      getInt("IMAGE_POLL_ATTEMPTS", 120),
		VideoPollAttempts:      getInt("VIDEO_POLL_ATTEMPTS", 180),
		PollInterval:           time.Second * time.Duration(getInt("POLL_INTERVAL_SECONDS", 2)),
		FailureDetailLimit:     getInt("FAILURE_DETAIL_LIMIT", 3500),
		TerminalNotifyAttempts: getInt("TERMINAL_NOTIFY_ATTEMPTS", 3),
		MaxConcurrentJobs:      getInt("MAX_CONCURRENT_JOBS", 64),
		SweepSchedule:          getEnv("SWEEP_SCHEDULE", "@every 5m"),

		APIRateLimitRPS:   getFloat("API_RATE_LIMIT_RPS", 2),
		APIRateLimitBurst: getInt("API_RATE_LIMIT_BURST", 5),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getInt("REDIS_DB", 0),

		S3Endpoint:      os.Getenv("S3_ENDPOINT"),
		S3Region:        os.Getenv("S3_REGION"),
		S3AccessKey:     os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:     os.Getenv("S3_SECRET_KEY"),
		S3Bucket:        os.Getenv("S3_BUCKET"),
		S3PublicBaseURL: os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:  getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:        getEnv("S3_PREFIX", "references"),
	}

	ids, err := parseIDList(os.Getenv("ADMIN_IDS"))
	if err != nil {
		return Config{}, fmt.Errorf("parse ADMIN_IDS: %w", err)
	}
	cfg.AdminIDs = ids

	var missing []string
	if cfg.BotToken == "" {
		missing = append(missing, "TELEGRAM_BOT_TOKEN")
	}
	if cfg.MySQLDSN == "" {
		missing = append(missing, "MYSQL_DSN")
	}
	if cfg.APIFreeAPIKey == "" {
		missing = append(missing, "APIFREE_API_KEY")
	}
	if cfg.S3Bucket != "" {
		if cfg.S3Region == "" {
			missing = append(missing, "S3_REGION")
		}
		if cfg.S3AccessKey == "" || cfg.S3SecretKey == "" {
			missing = append(missing, "S3_ACCESS_KEY/S3_SECRET_KEY")
		}
		if cfg.S3PublicBaseURL == "" {
			missing = append(missing, "S3_PUBLIC_BASE_URL")
		}
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %v", missing)
	}

	if cfg.ImagePollAttempts <= 0 || cfg.VideoPollAttempts <= 0 {
		return Config{}, fmt.Errorf("poll attempts must be positive")
	}
	if cfg.PollInterval < 0 {
		return Config{}, fmt.Errorf("poll interval must not be negative")
	}
	if cfg.TerminalNotifyAttempts <= 0 {
		cfg.TerminalNotifyAttempts = 1
	}
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 64
	}

	return cfg, nil
}

// WebhookURL is empty when the bot should fall back to long polling.
func (c Config) WebhookURL() string {
	if c.PublicBaseURL == "" {
		return ""
	}
	return c.PublicBaseURL + "/telegram/webhook/" + c.WebhookSecret
}

// MiniAppURL points at the companion web surface.
func (c Config) MiniAppURL() string {
	if c.PublicBaseURL == "" {
		return ""
	}
	return c.PublicBaseURL + "/webapp/"
}

// normalizeBaseURL makes the provider URL absolute; http clients refuse scheme-less hosts.
func normalizeBaseURL(raw string, fallback string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return fallback
	}
	return strings.TrimRight(parsed.String(), "/")
}

func parseIDList(raw string) ([]int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// loadEnvFile overlays the first env file found. Running without one is fine in containers.
func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Overload(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	return nil
}
