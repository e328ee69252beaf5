package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	InstanceID  int64

	Observability ObservabilityConfig

	HTTPAddr         string
	HTTPMaxBodyBytes int64

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBAutoMigrate     bool
	DBSlowQuery       time.Duration

	Redis RedisConfig

	Webhook   WebhookConfig
	Ingest    IngestConfig
	Plans     PlansConfig
	KPI       KPIConfig
	Billing   BillingConfig
	Notify    NotifyConfig
	Retention RetentionConfig
	Archive   ArchiveConfig
	Scheduler SchedulerConfig
}

type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string

	OtelEnabled       bool
	OtelEndpoint      string
	OtelProtocol      string
	OtelSamplingRatio float64

	PrometheusMetrics bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type WebhookConfig struct {
	SigningSecret string
	DefaultEnv    string
}

type IngestConfig struct {
	Timeout     time.Duration
	RetryWindow time.Duration
	Rate        float64
	Burst       int
}

type PlansConfig struct {
	File  string
	Watch bool
}

type KPIConfig struct {
	TenantTimeout  time.Duration
	Concurrency    int
	FreshnessGrace time.Duration
	MaxBackfill    int
	CacheTTL       time.Duration
	Export         KPIExportConfig
}

type KPIExportConfig struct {
	Enabled   bool
	Exporter  string
	Endpoint  string
	AuthToken string
}

type BillingConfig struct {
	Provider     string
	BridgeURL    string
	BridgeToken  string
	MaxAttempts  int
	BatchSize    int
	RetryBackoff time.Duration
}

type NotifyConfig struct {
	WebhookURL    string
	WebhookSecret string
}

type RetentionConfig struct {
	EventDays        int
	UsageDays        int
	TelemetryDays    int
	NotificationDays int
	RunDays          int
	SnapshotDays     int
	BatchSize        int
}

type ArchiveConfig struct {
	Enabled  bool
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string

	AccessKeyID     string
	SecretAccessKey string
}

type SchedulerConfig struct {
	EnabledJobs     []string
	TickInterval    time.Duration
	DistributedLock bool
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	environment := getenv("ENVIRONMENT", "development")
	signingSecret := strings.TrimSpace(getenv("WEBHOOK_SIGNING_SECRET", ""))

	cfg := Config{
		AppName:          getenv("APP_SERVICE", "trustmeter"),
		AppVersion:       getenv("APP_VERSION", "0.1.0"),
		Environment:      getenv("DEPLOYMENT_ENV", environment),
		InstanceID:       getenvInt64("INSTANCE_ID", 1),
		HTTPAddr:         getenv("HTTP_ADDR", ":8080"),
		HTTPMaxBodyBytes: getenvInt64("HTTP_MAX_BODY_BYTES", 1<<20),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "trustmeter"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "trustmeter.db"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		DBAutoMigrate:     getenvBool("DATABASE_AUTO_MIGRATE", true),
		DBSlowQuery:       getenvDuration("DATABASE_SLOW_QUERY", 200*time.Millisecond),

		Observability: ObservabilityConfig{
			LogLevel:          strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
			LogFormat:         strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
			OtelEnabled:       getenvBool("OTEL_ENABLED", true),
			OtelEndpoint:      strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")),
			OtelProtocol:      otlpProtocol(),
			OtelSamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
			PrometheusMetrics: getenvBool("METRICS_PROMETHEUS_ENABLED", true),
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Webhook: WebhookConfig{
			SigningSecret: signingSecret,
			DefaultEnv:    getenv("WEBHOOK_DEFAULT_ENVIRONMENT", "production"),
		},
		Ingest: IngestConfig{
			Timeout:     getenvDuration("INGEST_TIMEOUT", 5*time.Second),
			RetryWindow: getenvDuration("INGEST_RETRY_WINDOW", 10*time.Minute),
			Rate:        getenvFloat("INGEST_RATE", 50),
			Burst:       getenvInt("INGEST_BURST", 100),
		},
		Plans: PlansConfig{
			File:  getenv("PLANS_FILE", ""),
			Watch: getenvBool("PLANS_WATCH", true),
		},
		KPI: KPIConfig{
			TenantTimeout:  getenvDuration("KPI_TENANT_TIMEOUT", 30*time.Second),
			Concurrency:    getenvInt("KPI_CONCURRENCY", 8),
			FreshnessGrace: getenvDuration("KPI_FRESHNESS_GRACE", 60*time.Minute),
			MaxBackfill:    getenvInt("KPI_MAX_BACKFILL", 24),
			CacheTTL:       getenvDuration("KPI_CACHE_TTL", 20*time.Minute),
			Export: KPIExportConfig{
				Enabled:   getenvBool("KPI_EXPORT_ENABLED", false),
				Exporter:  strings.ToLower(getenv("KPI_EXPORT_EXPORTER", "")),
				Endpoint:  strings.TrimSpace(getenv("KPI_EXPORT_ENDPOINT", "")),
				AuthToken: strings.TrimSpace(getenv("KPI_EXPORT_AUTH_TOKEN", "")),
			},
		},
		Billing: BillingConfig{
			Provider:     strings.ToLower(getenv("BILLING_PROVIDER", "memory")),
			BridgeURL:    strings.TrimSpace(getenv("BILLING_BRIDGE_URL", "")),
			BridgeToken:  strings.TrimSpace(getenv("BILLING_BRIDGE_TOKEN", "")),
			MaxAttempts:  getenvInt("BILLING_MAX_ATTEMPTS", 12),
			BatchSize:    getenvInt("BILLING_BATCH_SIZE", 50),
			RetryBackoff: getenvDuration("BILLING_RETRY_BACKOFF", 30*time.Second),
		},
		Notify: NotifyConfig{
			WebhookURL:    strings.TrimSpace(getenv("NOTIFY_WEBHOOK_URL", "")),
			WebhookSecret: strings.TrimSpace(getenv("NOTIFY_WEBHOOK_SECRET", signingSecret)),
		},
		Retention: RetentionConfig{
			EventDays:        getenvInt("RETENTION_EVENT_DAYS", 90),
			UsageDays:        getenvInt("RETENTION_USAGE_DAYS", 400),
			TelemetryDays:    getenvInt("RETENTION_TELEMETRY_DAYS", 30),
			NotificationDays: getenvInt("RETENTION_NOTIFICATION_DAYS", 400),
			RunDays:          getenvInt("RETENTION_RUN_DAYS", 30),
			SnapshotDays:     getenvInt("RETENTION_SNAPSHOT_DAYS", 0),
			BatchSize:        getenvInt("RETENTION_BATCH_SIZE", 1000),
		},
		Archive: ArchiveConfig{
			Enabled:  getenvBool("ARCHIVE_S3_ENABLED", false),
			Bucket:   strings.TrimSpace(getenv("ARCHIVE_S3_BUCKET", "")),
			Prefix:   strings.Trim(getenv("ARCHIVE_S3_PREFIX", "events"), "/"),
			Region:   strings.TrimSpace(getenv("ARCHIVE_S3_REGION", "")),
			Endpoint: strings.TrimSpace(getenv("ARCHIVE_S3_ENDPOINT", "")),

			AccessKeyID:     strings.TrimSpace(getenv("ARCHIVE_S3_ACCESS_KEY_ID", "")),
			SecretAccessKey: strings.TrimSpace(getenv("ARCHIVE_S3_SECRET_ACCESS_KEY", "")),
		},
		Scheduler: SchedulerConfig{
			EnabledJobs:     getenvList("SCHEDULER_ENABLED_JOBS"),
			TickInterval:    getenvDuration("SCHEDULER_TICK", 5*time.Second),
			DistributedLock: getenvBool("SCHEDULER_DISTRIBUTED_LOCK", false),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

// otlpProtocol prefers the traces-specific override used by the OTel SDKs.
func otlpProtocol() string {
	if p := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL")); p != "" {
		return strings.ToLower(p)
	}
	return strings.ToLower(strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")))
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func getenvList(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
