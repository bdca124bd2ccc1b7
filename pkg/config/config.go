package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	Catalog      CatalogConfig
	Mpesa        MpesaConfig
	Mail         MailConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Eventing     EventingConfig
	Outbox       OutboxConfig
	FeatureFlags FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"MTAANI_APP_ENV" required:"true"`
	Port         string `envconfig:"MTAANI_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"MTAANI_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"MTAANI_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"MTAANI_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"MTAANI_DB_DSN"`
	Driver string `envconfig:"MTAANI_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"MTAANI_DB_HOST"`
	LegacyPort     int    `envconfig:"MTAANI_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"MTAANI_DB_USER"`
	LegacyPassword string `envconfig:"MTAANI_DB_PASSWORD"`
	LegacyName     string `envconfig:"MTAANI_DB_NAME"`
	LegacySSLMode  string `envconfig:"MTAANI_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"MTAANI_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"MTAANI_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"MTAANI_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"MTAANI_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"MTAANI_REDIS_URL" required:"true"`
	Address      string        `envconfig:"MTAANI_REDIS_ADDR"`
	Password     string        `envconfig:"MTAANI_REDIS_PASSWORD"`
	DB           int           `envconfig:"MTAANI_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"MTAANI_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"MTAANI_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"MTAANI_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"MTAANI_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"MTAANI_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type CatalogConfig struct {
	ListCacheTTL time.Duration `envconfig:"MTAANI_CATALOG_LIST_CACHE_TTL" default:"1h"`
}

// MpesaConfig carries Daraja credentials for STK push and status queries.
type MpesaConfig struct {
	Env            string        `envconfig:"MTAANI_MPESA_ENV" default:"sandbox"`
	ConsumerKey    string        `envconfig:"MTAANI_MPESA_CONSUMER_KEY"`
	ConsumerSecret string        `envconfig:"MTAANI_MPESA_CONSUMER_SECRET"`
	Shortcode      string        `envconfig:"MTAANI_MPESA_SHORTCODE"`
	Passkey        string        `envconfig:"MTAANI_MPESA_PASSKEY"`
	CallbackURL    string        `envconfig:"MTAANI_MPESA_CALLBACK_URL"`
	TokenTimeout   time.Duration `envconfig:"MTAANI_MPESA_TOKEN_TIMEOUT" default:"10s"`
	RequestTimeout time.Duration `envconfig:"MTAANI_MPESA_REQUEST_TIMEOUT" default:"15s"`
}

// Environment returns the normalized Daraja environment (sandbox/production).
func (m MpesaConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(m.Env))
	if env == "" {
		return "sandbox"
	}
	return env
}

type MailConfig struct {
	SMTPHost    string `envconfig:"MTAANI_MAIL_SMTP_HOST"`
	SMTPPort    int    `envconfig:"MTAANI_MAIL_SMTP_PORT" default:"587"`
	Username    string `envconfig:"MTAANI_MAIL_USERNAME"`
	Password    string `envconfig:"MTAANI_MAIL_PASSWORD"`
	FromAddress string `envconfig:"MTAANI_MAIL_FROM_ADDRESS" default:"no-reply@mtaani.example"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"MTAANI_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"MTAANI_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"MTAANI_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	DomainTopic        string `envconfig:"MTAANI_PUBSUB_DOMAIN_TOPIC" default:"mtaani-domain-events"`
	DomainSubscription string `envconfig:"MTAANI_PUBSUB_DOMAIN_SUBSCRIPTION"`
}

type EventingConfig struct {
	OutboxIdempotencyTTL time.Duration `envconfig:"MTAANI_EVENTING_IDEMPOTENCY_TTL" default:"720h"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"MTAANI_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"MTAANI_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"MTAANI_OUTBOX_MAX_ATTEMPTS" default:"10"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"MTAANI_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"MTAANI_AUTO_MIGRATE" default:"false"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
