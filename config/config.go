package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string
	SharedCacheKey   string
	SharedCacheOn    bool

	LocalCachePath   string
	LocalCacheMaxAge time.Duration

	SnapshotURL string

	UpstreamURL      string
	UpstreamToken    string
	UpstreamBoard    string
	PageSize         int
	PagesPerSecond   float64
	MaxRetries       int
	RetryBaseDelay   time.Duration
	MaxPageFailures  int
	SessionTimeout   time.Duration
	HTTPTimeout      time.Duration
	FilterDebounce   time.Duration
	ScheduleTickRate time.Duration

	MorningZone      string
	MorningHours     []int
	MorningCooldown  time.Duration
	DaytimeZone      string
	DaytimeStartHour int
	DaytimeEndHour   int
	DaytimeCooldown  time.Duration

	ListenAddr string
	CSVExport  string
	Debug      bool
}

// Load reads the .env file and returns a populated Config struct.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] No .env file found, falling back to system env vars")
	}

	return &Config{
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "dashboard"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresDB:       getEnv("POSTGRES_DB", "listings"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		SharedCacheKey:   getEnv("SHARED_CACHE_KEY", "property-dashboard"),
		SharedCacheOn:    getEnvBool("SHARED_CACHE_ENABLED", true),

		LocalCachePath:   getEnv("LOCAL_CACHE_PATH", "./data/cache"),
		LocalCacheMaxAge: getEnvDuration("LOCAL_CACHE_MAX_AGE", 24*time.Hour),

		SnapshotURL: getEnv("SNAPSHOT_URL", ""),

		UpstreamURL:      getEnv("UPSTREAM_URL", ""),
		UpstreamToken:    getEnv("UPSTREAM_TOKEN", ""),
		UpstreamBoard:    getEnv("UPSTREAM_BOARD", ""),
		PageSize:         getEnvInt("PAGE_SIZE", 500),
		PagesPerSecond:   getEnvFloat("PAGES_PER_SECOND", 2),
		MaxRetries:       getEnvInt("MAX_RETRIES", 3),
		RetryBaseDelay:   getEnvDuration("RETRY_BASE_DELAY", 10*time.Second),
		MaxPageFailures:  getEnvInt("MAX_PAGE_FAILURES", 5),
		SessionTimeout:   getEnvDuration("SESSION_TIMEOUT", 90*time.Second),
		HTTPTimeout:      getEnvDuration("HTTP_TIMEOUT", 30*time.Second),
		FilterDebounce:   getEnvDuration("FILTER_DEBOUNCE", 300*time.Millisecond),
		ScheduleTickRate: getEnvDuration("SCHEDULE_TICK", time.Minute),

		MorningZone:      getEnv("MORNING_ZONE", "America/New_York"),
		MorningHours:     getEnvInts("MORNING_HOURS", []int{6, 18}),
		MorningCooldown:  getEnvDuration("MORNING_COOLDOWN", 3*time.Hour),
		DaytimeZone:      getEnv("DAYTIME_ZONE", "America/Chicago"),
		DaytimeStartHour: getEnvInt("DAYTIME_START_HOUR", 9),
		DaytimeEndHour:   getEnvInt("DAYTIME_END_HOUR", 17),
		DaytimeCooldown:  getEnvDuration("DAYTIME_COOLDOWN", 12*time.Minute),

		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),
		CSVExport:  getEnv("CSV_EXPORT_PATH", "./output/filtered_listings.csv"),
		Debug:      getEnvBool("DEBUG", false),
	}
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return "host=" + c.PostgresHost +
		" port=" + c.PostgresPort +
		" user=" + c.PostgresUser +
		" password=" + c.PostgresPassword +
		" dbname=" + c.PostgresDB +
		" sslmode=" + c.PostgresSSLMode
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
		log.Printf("[config] %s=%q is not an int, using %d", key, val, fallback)
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err == nil {
			return f
		}
		log.Printf("[config] %s=%q is not a number, using %v", key, val, fallback)
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		b, err := strconv.ParseBool(val)
		if err == nil {
			return b
		}
		log.Printf("[config] %s=%q is not a bool, using %t", key, val, fallback)
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err == nil {
			return d
		}
		log.Printf("[config] %s=%q is not a duration, using %v", key, val, fallback)
	}
	return fallback
}

// getEnvInts parses a comma separated list such as "6,18".
func getEnvInts(key string, fallback []int) []int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	var out []int
	for _, part := range strings.Split(val, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			log.Printf("[config] %s=%q is not an int list, using %v", key, val, fallback)
			return fallback
		}
		out = append(out, n)
	}
	return out
}
