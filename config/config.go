// Package config loads daemon configuration from a YAML sources file plus
// environment overrides, in the teacher daemon's load-then-override style.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/syncengine/listingsync/models"
)

// ListingSource is one configured catalog feed (spec §6 listingSources).
type ListingSource struct {
	Name          string               `yaml:"name"`
	URL           string               `yaml:"url"`
	OperationType models.OperationType `yaml:"operation_type"`
}

// TierSettings is the per-tier knob set (spec §6 "Per-tier").
type TierSettings struct {
	Level               models.TierLevel
	Name                string
	DisplayName         string
	FrequencyHours      int
	PagesToScan         int // 0 = scan all / auto-detect
	DelayBetweenPages   time.Duration
	DelayBetweenDetails time.Duration
	StaleDaysThreshold  int
	RandomSamplePercent float64
	MaxPageFailures     int
	MaxErrorPercent     float64
	RetryAttempts       int
	RetryDelay          time.Duration
	MaxQueueItems       int
	BatchSize           int
}

// Config aggregates every knob the engine reads at startup.
type Config struct {
	BaseURL        string
	ListingSources []ListingSource
	Tiers          map[models.TierLevel]TierSettings

	UserAgent      string
	RequestTimeout time.Duration

	ManifestPriceChangeThresholdPercent   float64
	ManifestPriceChangeThresholdAbsolute  float64
	MinMissingCountForRemoval             int
	MinExpectedPropertiesPercent          float64

	QueueMaxPending        int
	QueueStaleClaimMinutes int
	QueueCleanupDays       int

	Priorities map[models.QueueReason]int

	MaxConcurrentScrapers int

	Proxy     ProxyConfig
	DB        DBConfig
	MediaS3   MediaS3Config
	LogPath   string
	LogLevel  string
}

type ProxyConfig struct {
	URL string
}

// DBConfig names both supported backends; Backend selects which one
// cmd/syncengine opens before handing the store to engine.New.
type DBConfig struct {
	Backend    string // "postgres" or "sqlite"
	PostgresDSN string
	SQLitePath string
}

type MediaS3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

func (c *Config) HasPostgres() bool {
	return c.Backend() == "postgres" && c.DB.PostgresDSN != ""
}

func (c *Config) Backend() string {
	if c.DB.Backend == "" {
		return "sqlite"
	}
	return c.DB.Backend
}

func (c *Config) HasMediaS3() bool {
	return c.MediaS3.Bucket != "" && c.MediaS3.AccessKeyID != "" && c.MediaS3.SecretAccessKey != ""
}

// sourcesFile is the YAML document loaded from CONFIG_SOURCES_PATH
// (default config/sources.yaml), matching the teacher's per-site YAML
// loading idiom. Only base_url and listing_sources are read from it; tier
// settings come from built-in defaults and environment overrides.
type sourcesFile struct {
	BaseURL        string          `yaml:"base_url"`
	ListingSources []ListingSource `yaml:"listing_sources"`
}

// Load reads .env (if present), the sources YAML file, then applies
// environment overrides. Environment overrides for tier frequencies and
// page counts take precedence over file values, per spec §6.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		BaseURL: "https://www.pincali.com",
		ListingSources: defaultListingSources(),
		Tiers:          defaultTiers(),

		UserAgent:      getEnv("USER_AGENT", defaultUserAgent),
		RequestTimeout: time.Duration(getEnvInt("REQUEST_TIMEOUT_SECONDS", 30)) * time.Second,

		ManifestPriceChangeThresholdPercent:  getEnvFloat("MANIFEST_PRICE_CHANGE_THRESHOLD_PERCENT", 1.0),
		ManifestPriceChangeThresholdAbsolute: getEnvFloat("MANIFEST_PRICE_CHANGE_THRESHOLD_ABSOLUTE", 1000.0),
		MinMissingCountForRemoval:            getEnvInt("MIN_MISSING_COUNT_FOR_REMOVAL", 2),
		MinExpectedPropertiesPercent:         getEnvFloat("MIN_EXPECTED_PROPERTIES_PERCENT", 50.0),

		QueueMaxPending:        getEnvInt("QUEUE_MAX_PENDING", 10000),
		QueueStaleClaimMinutes: getEnvInt("QUEUE_STALE_CLAIM_MINUTES", 30),
		QueueCleanupDays:       getEnvInt("QUEUE_CLEANUP_DAYS", 7),

		Priorities: defaultPriorities(),

		MaxConcurrentScrapers: getEnvInt("MAX_CONCURRENT_SCRAPERS", 1),

		Proxy: ProxyConfig{URL: os.Getenv("PROXY_URL")},
		DB: DBConfig{
			Backend:     getEnv("DB_BACKEND", "sqlite"),
			PostgresDSN: os.Getenv("POSTGRES_DSN"),
			SQLitePath:  getEnv("SQLITE_PATH", "syncengine.db"),
		},
		MediaS3: MediaS3Config{
			Bucket:          os.Getenv("MEDIA_S3_BUCKET"),
			Region:          os.Getenv("MEDIA_S3_REGION"),
			Endpoint:        os.Getenv("MEDIA_S3_ENDPOINT"),
			AccessKeyID:     os.Getenv("MEDIA_S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("MEDIA_S3_SECRET_ACCESS_KEY"),
		},
		LogPath:  getEnv("LOG_PATH", "syncengine.log"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if err := cfg.loadSourcesFile(); err != nil {
		return nil, err
	}

	cfg.applyTierEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func defaultListingSources() []ListingSource {
	return []ListingSource{
		{Name: "For Sale", URL: "https://www.pincali.com/en/for-sale", OperationType: models.OperationSale},
		{Name: "For Rent", URL: "https://www.pincali.com/en/for-rent", OperationType: models.OperationRent},
		{Name: "Foreclosure", URL: "https://www.pincali.com/en/foreclosure", OperationType: models.OperationForeclosure},
		{Name: "New Construction", URL: "https://www.pincali.com/en/new-construction", OperationType: models.OperationNewConstruction},
	}
}

func defaultPriorities() map[models.QueueReason]int {
	return map[models.QueueReason]int{
		models.ReasonNewProperty:  1,
		models.ReasonPriceChange:  2,
		models.ReasonRelisted:     2,
		models.ReasonVerification: 3,
		models.ReasonStaleData:    4,
		models.ReasonRandomSample: 5,
	}
}

func defaultTiers() map[models.TierLevel]TierSettings {
	return map[models.TierLevel]TierSettings{
		models.TierHotListings: {
			Level: models.TierHotListings, Name: "hot_listings", DisplayName: "Hot Listings",
			FrequencyHours: 6, PagesToScan: 10,
			DelayBetweenPages: 2 * time.Second, DelayBetweenDetails: 1 * time.Second,
			MaxPageFailures: 10, MaxErrorPercent: 10.0, RetryAttempts: 3, RetryDelay: 5 * time.Second,
			MaxQueueItems: 10000, BatchSize: 50,
		},
		models.TierDailySync: {
			Level: models.TierDailySync, Name: "daily_sync", DisplayName: "Daily Sync",
			FrequencyHours: 24, PagesToScan: 100,
			DelayBetweenPages: 2 * time.Second, DelayBetweenDetails: 1 * time.Second,
			MaxPageFailures: 10, MaxErrorPercent: 10.0, RetryAttempts: 3, RetryDelay: 5 * time.Second,
			MaxQueueItems: 10000, BatchSize: 50,
		},
		models.TierWeeklyDeep: {
			Level: models.TierWeeklyDeep, Name: "weekly_deep", DisplayName: "Weekly Deep Scan",
			FrequencyHours: 168, PagesToScan: 0, StaleDaysThreshold: 7,
			DelayBetweenPages: 2 * time.Second, DelayBetweenDetails: 1 * time.Second,
			MaxPageFailures: 10, MaxErrorPercent: 10.0, RetryAttempts: 3, RetryDelay: 5 * time.Second,
			MaxQueueItems: 10000, BatchSize: 50,
		},
		models.TierMonthlyRefresh: {
			Level: models.TierMonthlyRefresh, Name: "monthly_refresh", DisplayName: "Monthly Refresh",
			FrequencyHours: 720, PagesToScan: 0, StaleDaysThreshold: 30, RandomSamplePercent: 10.0,
			DelayBetweenPages: 2 * time.Second, DelayBetweenDetails: 2 * time.Second,
			MaxPageFailures: 10, MaxErrorPercent: 10.0, RetryAttempts: 3, RetryDelay: 5 * time.Second,
			MaxQueueItems: 10000, BatchSize: 50,
		},
	}
}

func (c *Config) validate() error {
	var missing []string
	if c.Backend() == "postgres" && c.DB.PostgresDSN == "" {
		missing = append(missing, "POSTGRES_DSN (required when DB_BACKEND=postgres)")
	}
	if len(c.ListingSources) == 0 {
		missing = append(missing, "at least one listing source")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config:\n  - %s", joinStrings(missing, "\n  - "))
	}
	return nil
}

func (c *Config) loadSourcesFile() error {
	path := getEnv("CONFIG_SOURCES_PATH", "config/sources.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var doc sourcesFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}

	if doc.BaseURL != "" {
		c.BaseURL = doc.BaseURL
	}
	if len(doc.ListingSources) > 0 {
		c.ListingSources = doc.ListingSources
	}
	return nil
}

// applyTierEnvOverrides implements spec §6's "environment overrides for
// tier frequencies and page counts take precedence over file values",
// following the original's TIER_{level}_FREQUENCY_HOURS / TIER_{level}_PAGES
// convention.
func (c *Config) applyTierEnvOverrides() {
	for level, settings := range c.Tiers {
		prefix := fmt.Sprintf("TIER_%d_", int(level))
		if v := os.Getenv(prefix + "FREQUENCY_HOURS"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				settings.FrequencyHours = n
			}
		}
		if v := os.Getenv(prefix + "PAGES"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				settings.PagesToScan = n
			}
		}
		c.Tiers[level] = settings
	}
}

func joinStrings(strs []string, sep string) string {
	if len(strs) == 0 {
		return ""
	}
	result := strs[0]
	for _, s := range strs[1:] {
		result += sep + s
	}
	return result
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
