package config

import (
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

var global *Config

// Config is the process configuration read from the environment
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	Port        string `env:"PORT" envDefault:"8080"`
	AppName     string `env:"APP_NAME" envDefault:"WA Relay"`
	Version     string `env:"APP_VERSION" envDefault:"1.0.0"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`

	// Storage
	UseMemoryStore         bool   `env:"USE_MEMORY_STORE" envDefault:"false"`
	DBHost                 string `env:"DB_HOST" envDefault:"localhost"`
	DBPort                 int    `env:"DB_PORT" envDefault:"5432"`
	DBUser                 string `env:"DB_USER" envDefault:"postgres"`
	DBPass                 string `env:"DB_PASS"`
	DBName                 string `env:"DB_NAME" envDefault:"wa_relay"`
	InstanceConnectionName string `env:"INSTANCE_CONNECTION_NAME"`

	RedisURL     string `env:"REDIS_URL"`
	AMQPURL      string `env:"AMQP_URL"`
	AMQPExchange string `env:"AMQP_EXCHANGE" envDefault:"whatsapp.events"`

	// Catalog of alt gateways, official lines and the staff directory
	CatalogFile string `env:"GATEWAYS_FILE" envDefault:"config/gateways.yaml"`

	// Identity
	DefaultCountryCode string `env:"DEFAULT_COUNTRY_CODE" envDefault:"55"`

	// Ingestion
	DedupeEnabled        bool          `env:"WHATSAPP_DEDUPE_ENABLED" envDefault:"true"`
	IncomingDedupeWindow time.Duration `env:"WHATSAPP_INCOMING_DEDUPE_WINDOW" envDefault:"300s"`
	HistoryDedupeWindow  time.Duration `env:"WHATSAPP_HISTORY_DEDUPE_WINDOW" envDefault:"24h"`
	OutboundEchoWindow   time.Duration `env:"WHATSAPP_OUTBOUND_ECHO_WINDOW" envDefault:"20s"`
	DuplicateClickWindow time.Duration `env:"WHATSAPP_DUPLICATE_CLICK_WINDOW" envDefault:"10s"`
	MessageRetainLimit   int           `env:"WHATSAPP_MESSAGE_RETAIN_LIMIT" envDefault:"20"`
	SnapshotTTL          time.Duration `env:"WHATSAPP_SNAPSHOT_TTL" envDefault:"720h"`
	LookupCacheSize      int           `env:"WHATSAPP_LOOKUP_CACHE_SIZE" envDefault:"2048"`

	// Threads
	SessionWindow       time.Duration `env:"WHATSAPP_SESSION_WINDOW" envDefault:"24h"`
	InactivityThreshold time.Duration `env:"WHATSAPP_INACTIVITY_THRESHOLD" envDefault:"720h"`
	ArchiveBatchSize    int           `env:"WHATSAPP_ARCHIVE_BATCH_SIZE" envDefault:"200"`
	MaintenanceSchedule string        `env:"WHATSAPP_MAINTENANCE_CRON" envDefault:"*/15 * * * *"`

	// Dispatch
	RotationWindow        time.Duration `env:"WHATSAPP_ALT_ROTATION_WINDOW" envDefault:"24h"`
	MaxDispatchCandidates int           `env:"WHATSAPP_ALT_MAX_CANDIDATES" envDefault:"3"`
	GatewayConnectTimeout time.Duration `env:"WHATSAPP_ALT_CONNECT_TIMEOUT" envDefault:"2s"`
	GatewayRequestTimeout time.Duration `env:"WHATSAPP_ALT_REQUEST_TIMEOUT" envDefault:"10s"`
	NumberWindowHours     float64       `env:"WHATSAPP_ALT_NUMBER_WINDOW_HOURS" envDefault:"24"`
	NumberLimit           int           `env:"WHATSAPP_ALT_NUMBER_LIMIT" envDefault:"1"`
	CampaignWindow        time.Duration `env:"WHATSAPP_CAMPAIGN_WINDOW" envDefault:"24h"`
	CampaignLimit         int           `env:"WHATSAPP_CAMPAIGN_LIMIT" envDefault:"1"`

	// Twilio official line
	TwilioAccountSID         string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken          string `env:"TWILIO_AUTH_TOKEN"`
	TwilioWhatsAppFrom       string `env:"TWILIO_WHATSAPP_FROM"`
	DisableWebhookValidation bool   `env:"DISABLE_WEBHOOK_VALIDATION" envDefault:"false"`
	PublicBaseURL            string `env:"PUBLIC_BASE_URL"`

	// Meta Graph API line provider
	MetaGraphBaseURL string `env:"META_GRAPH_BASE_URL" envDefault:"https://graph.facebook.com/v19.0"`
}

// Load parses the environment into a Config and keeps it as the global one
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	cfg.DefaultCountryCode = digitsOnly(cfg.DefaultCountryCode)

	global = cfg
	return cfg, nil
}

// GetGlobal returns the last loaded configuration
func GetGlobal() *Config {
	return global
}

// IsDevelopment reports whether the process runs in a development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// NumberWindow is the per-number window clamped to 0.01h..240h
func (c *Config) NumberWindow() time.Duration {
	hours := c.NumberWindowHours
	if hours < 0.01 {
		hours = 0.01
	}
	if hours > 240 {
		hours = 240
	}
	return time.Duration(hours * float64(time.Hour))
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
