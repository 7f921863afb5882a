package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.mau.fi/whatsmeow/proto/waCompanionReg"
)

// Config holds all application configuration in a structured way.
type Config struct {
	App        AppConfig
	Paths      PathsConfig
	Database   DatabaseConfig
	Whatsapp   WhatsappConfig
	Queue      QueueConfig
	Reconciler ReconcilerConfig
}

type AppConfig struct {
	Version            string
	Port               string
	Debug              bool
	Environment        string
	BasicAuth          []string
	BasePath           string
	TrustedProxies     []string
	CorsAllowedOrigins []string
	ServerID           string
	StartupDelay       time.Duration
	BootstrapParallel  int
}

type PathsConfig struct {
	BaseDir  string
	Storages string
}

type DatabaseConfig struct {
	Driver          string
	Host            string
	Port            int
	User            string
	Password        string
	Name            string // File path for SQLite, DB Name for Postgres
	ValkeyEnabled   bool
	ValkeyAddress   string
	ValkeyPassword  string
	ValkeyDB        int
	ValkeyKeyPrefix string
}

type WhatsappConfig struct {
	LogLevel          string
	StoreDialect      string // "sqlite3" or "postgres", passed to whatsmeow sqlstore
	StoreURI          string
	OS                string
	Platform          waCompanionReg.DeviceProps_PlatformType
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
}

type QueueConfig struct {
	Store           string // "memory" or "database"
	ScheduleWorkers int
	ScheduleBuffer  int
	CampaignWorkers int
	CampaignBuffer  int
	CampaignRate    float64 // messages per second per connection
	CampaignBurst   int
	MaxAttempts     int
	Retention       time.Duration
	CleanupInterval time.Duration
	CleanupBatch    int
}

type ReconcilerConfig struct {
	CampaignInterval time.Duration
	ScheduleInterval time.Duration
	LockTTL          time.Duration
}

// LoadConfig loads configuration from a .env file (if present), environment
// variables and defaults.
func LoadConfig() (*Config, error) {
	// .env is optional; real environment always wins
	_ = godotenv.Load()

	baseDir := getEnv("APP_BASE_DIR", "storages")

	debug := false
	if v := os.Getenv("APP_DEBUG"); v == "true" || v == "1" || v == "on" {
		debug = true
	} else if v := os.Getenv("DEBUG"); v == "true" || v == "1" {
		debug = true
	}

	var basicAuth []string
	if v := os.Getenv("APP_BASIC_AUTH"); v != "" {
		basicAuth = strings.Split(v, ",")
	}

	corsOrigins := []string{"http://localhost:3000", "http://localhost:5173"}
	if v := os.Getenv("APP_CORS_ALLOWED_ORIGINS"); v != "" {
		corsOrigins = strings.Split(v, ",")
	}

	appCfg := AppConfig{
		Version:            "v1.0.0",
		Port:               getEnv("APP_PORT", "3000"),
		Debug:              debug,
		Environment:        getEnv("APP_ENV", "development"),
		BasicAuth:          basicAuth,
		BasePath:           getEnv("APP_BASE_PATH", ""),
		CorsAllowedOrigins: corsOrigins,
		ServerID:           getEnv("SERVER_ID", ""),
		StartupDelay:       getEnvDuration("APP_STARTUP_DELAY", 5*time.Second),
		BootstrapParallel:  getEnvInt("APP_BOOTSTRAP_PARALLEL", 8),
	}
	if v := os.Getenv("APP_TRUSTED_PROXIES"); v != "" {
		appCfg.TrustedProxies = strings.Split(v, ",")
	}

	pathsCfg := PathsConfig{
		BaseDir:  baseDir,
		Storages: baseDir,
	}

	dbCfg := DatabaseConfig{
		Driver:          getEnv("DB_DRIVER", "sqlite"),
		Name:            getEnv("DB_NAME", filepath.Join(pathsCfg.Storages, "app.db")),
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "postgres"),
		Password:        getEnv("DB_PASSWORD", ""),
		ValkeyEnabled:   getEnvBool("VALKEY_ENABLED", false),
		ValkeyAddress:   getEnv("VALKEY_ADDRESS", "localhost:6379"),
		ValkeyPassword:  getEnv("VALKEY_PASSWORD", ""),
		ValkeyDB:        getEnvInt("VALKEY_DB", 0),
		ValkeyKeyPrefix: getEnv("VALKEY_KEY_PREFIX", "azinbox:"),
	}

	storeDialect := "sqlite3"
	storeURI := fmt.Sprintf("file:%s?_foreign_keys=on", filepath.Join(pathsCfg.Storages, "whatsapp.db"))
	if dbCfg.Driver == "postgres" {
		storeDialect = "postgres"
		storeURI = fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
			dbCfg.User, dbCfg.Password, dbCfg.Host, dbCfg.Port, dbCfg.Name)
	}

	waCfg := WhatsappConfig{
		LogLevel:          getEnv("WHATSAPP_LOG_LEVEL", "ERROR"),
		StoreDialect:      getEnv("WHATSAPP_STORE_DIALECT", storeDialect),
		StoreURI:          getEnv("WHATSAPP_STORE_URI", storeURI),
		OS:                getEnv("WHATSAPP_OS", "AzInbox"),
		Platform:          waCompanionReg.DeviceProps_CHROME,
		ReconnectDelay:    getEnvDuration("WHATSAPP_RECONNECT_DELAY", 5*time.Second),
		ReconnectMaxDelay: getEnvDuration("WHATSAPP_RECONNECT_MAX_DELAY", 0),
	}

	queueCfg := QueueConfig{
		Store:           getEnv("QUEUE_STORE", "database"),
		ScheduleWorkers: getEnvInt("QUEUE_SCHEDULE_WORKERS", 4),
		ScheduleBuffer:  getEnvInt("QUEUE_SCHEDULE_BUFFER", 500),
		CampaignWorkers: getEnvInt("QUEUE_CAMPAIGN_WORKERS", 8),
		CampaignBuffer:  getEnvInt("QUEUE_CAMPAIGN_BUFFER", 2000),
		CampaignRate:    getEnvFloat("QUEUE_CAMPAIGN_RATE", 1),
		CampaignBurst:   getEnvInt("QUEUE_CAMPAIGN_BURST", 1),
		MaxAttempts:     getEnvInt("QUEUE_MAX_ATTEMPTS", 3),
		Retention:       getEnvDuration("QUEUE_RETENTION", 24*time.Hour),
		CleanupInterval: getEnvDuration("QUEUE_CLEANUP_INTERVAL", 10*time.Minute),
		CleanupBatch:    getEnvInt("QUEUE_CLEANUP_BATCH", 500),
	}

	recCfg := ReconcilerConfig{
		CampaignInterval: getEnvDuration("RECONCILER_CAMPAIGN_INTERVAL", 60*time.Second),
		ScheduleInterval: getEnvDuration("RECONCILER_SCHEDULE_INTERVAL", 5*time.Minute),
		LockTTL:          getEnvDuration("RECONCILER_LOCK_TTL", 50*time.Second),
	}

	cfg := &Config{
		App:        appCfg,
		Paths:      pathsCfg,
		Database:   dbCfg,
		Whatsapp:   waCfg,
		Queue:      queueCfg,
		Reconciler: recCfg,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the runtime cannot work with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	switch c.Queue.Store {
	case "memory", "database":
	default:
		return fmt.Errorf("unsupported queue store: %s", c.Queue.Store)
	}
	if c.Whatsapp.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect delay must be positive, got %s", c.Whatsapp.ReconnectDelay)
	}
	if c.Queue.ScheduleWorkers <= 0 || c.Queue.CampaignWorkers <= 0 {
		return fmt.Errorf("queue worker counts must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue max attempts must be positive, got %d", c.Queue.MaxAttempts)
	}
	if c.Reconciler.CampaignInterval <= 0 || c.Reconciler.ScheduleInterval <= 0 {
		return fmt.Errorf("reconciler intervals must be positive")
	}
	return nil
}

// Settings returns a flat view of the tunables, used by the ops endpoint.
func (c *Config) Settings() map[string]any {
	return map[string]any{
		"app_version":                  c.App.Version,
		"app_debug":                    c.App.Debug,
		"app_startup_delay":            c.App.StartupDelay.String(),
		"whatsapp_reconnect_delay":     c.Whatsapp.ReconnectDelay.String(),
		"whatsapp_reconnect_max_delay": c.Whatsapp.ReconnectMaxDelay.String(),
		"queue_store":                  c.Queue.Store,
		"queue_schedule_workers":       c.Queue.ScheduleWorkers,
		"queue_campaign_workers":       c.Queue.CampaignWorkers,
		"queue_campaign_rate":          c.Queue.CampaignRate,
		"queue_max_attempts":           c.Queue.MaxAttempts,
		"queue_retention":              c.Queue.Retention.String(),
		"reconciler_campaign_interval": c.Reconciler.CampaignInterval.String(),
		"reconciler_schedule_interval": c.Reconciler.ScheduleInterval.String(),
		"valkey_enabled":               c.Database.ValkeyEnabled,
	}
}
