package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/vnioa/StudyMate-sub002/cmd/internal/attachments"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/dbschema"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	DatabaseURL   string
	DBMaxConns    int32
	DBMinConns    int32
	DBSchema      string
	DBAutoMigrate bool

	// If true, /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Redis enables the cross-instance presence mirror and the push token cache.
	RedisAddrs    []string
	RedisPassword string
	RedisDB       int

	// InstanceID names this process in the presence mirror.
	InstanceID             string
	PresenceMirrorInterval time.Duration
	PushTokenCacheTTL      time.Duration

	SendQueue        int
	HeartbeatTimeout time.Duration
	MaxInlineBytes   int64

	AttachmentMaxSize   int64
	AttachmentSweepCron string
	// AttachmentKeyHex is the 32-byte master key; empty disables encryption.
	AttachmentKeyHex    string
	AttachmentKeyRef    string
	AttachmentKeyPrefix string
	// S3 stores attachment objects; in memory when unset.
	S3                  attachments.S3Config

	SchedulerWorkers  int
	SchedulerInterval time.Duration

	PushWorkers     int
	PushQueueSize   int
	ExpoURL         string
	ExpoAccessToken string
	PushTimeout     time.Duration
	// PushLogOnly logs pushes instead of calling Expo.
	PushLogOnly     bool

	ShutdownGracePeriod  time.Duration
	MetricsPath          string
	WSPath               string
	ReadinessPingTimeout time.Duration
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("STUDYMATE_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("STUDYMATE_LOG_LEVEL", "info"),
		LogFormat: strings.ToLower(EnvString("STUDYMATE_LOG_FORMAT", "json")),

		ReadHeaderTimeout: EnvDuration("STUDYMATE_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("STUDYMATE_HTTP_READ_TIMEOUT", 60*time.Second),
		WriteTimeout:      EnvDuration("STUDYMATE_HTTP_WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:       EnvDuration("STUDYMATE_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("STUDYMATE_HTTP_MAX_HEADER_BYTES", 1<<20),

		CORSAllowedOrigins:   EnvCSV("STUDYMATE_CORS_ALLOWED_ORIGINS"),
		CORSAllowCredentials: EnvBool("STUDYMATE_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("STUDYMATE_CORS_MAX_AGE", 600),

		DatabaseURL:   EnvString("STUDYMATE_DATABASE_URL", ""),
		DBMaxConns:    EnvInt32("STUDYMATE_DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32("STUDYMATE_DB_MIN_CONNS", 0),
		DBSchema:      EnvString("STUDYMATE_DB_SCHEMA", dbschema.DefaultSchema),
		DBAutoMigrate: EnvBool("STUDYMATE_DB_AUTO_MIGRATE", false),

		ReadinessRequireDB: EnvBool("STUDYMATE_READINESS_REQUIRE_DB", false),

		RedisAddrs:    EnvCSV("STUDYMATE_REDIS_ADDR"),
		RedisPassword: EnvString("STUDYMATE_REDIS_PASSWORD", ""),
		RedisDB:       EnvInt("STUDYMATE_REDIS_DB", 0),

		InstanceID:             EnvString("STUDYMATE_INSTANCE_ID", ""),
		PresenceMirrorInterval: EnvDuration("STUDYMATE_PRESENCE_MIRROR_INTERVAL", 10*time.Second),
		PushTokenCacheTTL:      EnvDuration("STUDYMATE_PUSH_TOKEN_CACHE_TTL", 5*time.Minute),

		SendQueue:        EnvInt("STUDYMATE_WS_SEND_QUEUE", 0),
		HeartbeatTimeout: EnvDuration("STUDYMATE_HEARTBEAT_TIMEOUT", 60*time.Second),
		MaxInlineBytes:   EnvBytes("STUDYMATE_INLINE_FILE_MAX_SIZE", 5<<20),

		AttachmentMaxSize:   EnvBytes("STUDYMATE_ATTACHMENT_MAX_SIZE", 25<<20),
		AttachmentSweepCron: EnvString("STUDYMATE_ATTACHMENT_SWEEP_CRON", "* * * * *"),
		AttachmentKeyHex:    EnvString("STUDYMATE_ATTACHMENT_KEY_HEX", ""),
		AttachmentKeyRef:    EnvString("STUDYMATE_ATTACHMENT_KEY_REF", "k1"),
		AttachmentKeyPrefix: EnvString("STUDYMATE_ATTACHMENT_KEY_PREFIX", "attachments"),
		S3: attachments.S3Config{
			Endpoint:  EnvString("STUDYMATE_S3_ENDPOINT", ""),
			Region:    EnvString("STUDYMATE_S3_REGION", ""),
			Bucket:    EnvString("STUDYMATE_S3_BUCKET", ""),
			AccessKey: EnvString("STUDYMATE_S3_ACCESS_KEY", ""),
			SecretKey: EnvString("STUDYMATE_S3_SECRET_KEY", ""),
			UseSSL:    EnvBool("STUDYMATE_S3_USE_SSL", true),
		},

		SchedulerWorkers:  EnvInt("STUDYMATE_SCHEDULER_WORKERS", 2),
		SchedulerInterval: EnvDuration("STUDYMATE_SCHEDULER_INTERVAL", time.Second),

		PushWorkers:     EnvInt("STUDYMATE_PUSH_WORKERS", 2),
		PushQueueSize:   EnvInt("STUDYMATE_PUSH_QUEUE_SIZE", 1024),
		ExpoURL:         EnvString("STUDYMATE_EXPO_URL", ""),
		ExpoAccessToken: EnvString("STUDYMATE_EXPO_ACCESS_TOKEN", ""),
		PushTimeout:     EnvDuration("STUDYMATE_PUSH_TIMEOUT", 10*time.Second),
		PushLogOnly:     EnvBool("STUDYMATE_PUSH_LOG_ONLY", true),

		ShutdownGracePeriod:  EnvDuration("STUDYMATE_SHUTDOWN_GRACE", 10*time.Second),
		MetricsPath:          EnvString("STUDYMATE_METRICS_PATH", "/metrics"),
		WSPath:               EnvString("STUDYMATE_WS_PATH", "/ws"),
		ReadinessPingTimeout: EnvDuration("STUDYMATE_READINESS_PING_TIMEOUT", 2*time.Second),
	}
}

// Validate rejects configurations that would fail later at runtime.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("STUDYMATE_HTTP_ADDR is empty"))
	}
	switch c.LogFormat {
	case "json", "pretty":
	default:
		errs = append(errs, fmt.Errorf("STUDYMATE_LOG_FORMAT=%q must be json or pretty", c.LogFormat))
	}
	if !gronx.New().IsValid(c.AttachmentSweepCron) {
		errs = append(errs, fmt.Errorf("STUDYMATE_ATTACHMENT_SWEEP_CRON=%q is not a valid cron expression", c.AttachmentSweepCron))
	}
	if c.DatabaseURL != "" {
		if _, err := dbschema.CheckSchema(c.DBSchema); err != nil {
			errs = append(errs, fmt.Errorf("STUDYMATE_DB_SCHEMA: %w", err))
		}
	}
	if (c.S3.Endpoint == "") != (c.S3.Bucket == "") {
		errs = append(errs, errors.New("STUDYMATE_S3_ENDPOINT and STUDYMATE_S3_BUCKET must be set together"))
	}
	return errors.Join(errs...)
}
