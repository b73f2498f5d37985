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
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	RateLimit    RateLimitConfig
	FeatureFlags FeatureFlagsConfig
	Checkout     CheckoutConfig
	Stripe       StripeConfig
	MobilePay    MobilePayConfig
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
	Env          string `envconfig:"TRADEPOST_APP_ENV" required:"true"`
	Port         string `envconfig:"TRADEPOST_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"TRADEPOST_LOG_LEVEL" default:"info"`
	LogFormat    string `envconfig:"TRADEPOST_LOG_FORMAT" default:"json"`
	LogWarnStack bool   `envconfig:"TRADEPOST_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN    string `envconfig:"TRADEPOST_DB_DSN"`
	Driver string `envconfig:"TRADEPOST_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"TRADEPOST_DB_HOST"`
	LegacyPort     int    `envconfig:"TRADEPOST_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"TRADEPOST_DB_USER"`
	LegacyPassword string `envconfig:"TRADEPOST_DB_PASSWORD"`
	LegacyName     string `envconfig:"TRADEPOST_DB_NAME"`
	LegacySSLMode  string `envconfig:"TRADEPOST_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"TRADEPOST_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"TRADEPOST_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"TRADEPOST_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"TRADEPOST_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"TRADEPOST_REDIS_URL" required:"true"`
	Address      string        `envconfig:"TRADEPOST_REDIS_ADDR"`
	Password     string        `envconfig:"TRADEPOST_REDIS_PASSWORD"`
	DB           int           `envconfig:"TRADEPOST_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"TRADEPOST_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"TRADEPOST_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"TRADEPOST_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"TRADEPOST_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"TRADEPOST_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"TRADEPOST_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"TRADEPOST_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"TRADEPOST_JWT_EXPIRATION_MINUTES" default:"60"`
}

type RateLimitConfig struct {
	CheckoutWindow    time.Duration `envconfig:"TRADEPOST_RATE_LIMIT_CHECKOUT_WINDOW" default:"1m"`
	CheckoutUserLimit int           `envconfig:"TRADEPOST_RATE_LIMIT_CHECKOUT_USER_LIMIT" default:"10"`
	CheckoutIPLimit   int           `envconfig:"TRADEPOST_RATE_LIMIT_CHECKOUT_IP_LIMIT" default:"30"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"TRADEPOST_AUTO_MIGRATE" default:"false"`
}

// CheckoutConfig carries the gateway-facing knobs shared by every rail.
type CheckoutConfig struct {
	SuccessURL          string        `envconfig:"TRADEPOST_CHECKOUT_SUCCESS_URL" required:"true"`
	CancelURL           string        `envconfig:"TRADEPOST_CHECKOUT_CANCEL_URL" required:"true"`
	GatewayTimeout      time.Duration `envconfig:"TRADEPOST_CHECKOUT_GATEWAY_TIMEOUT" default:"10s"`
	WebhookDedupeTTL    time.Duration `envconfig:"TRADEPOST_WEBHOOK_DEDUPE_TTL" default:"720h"`
	ProductLabelDefault string        `envconfig:"TRADEPOST_CHECKOUT_PRODUCT_LABEL" default:"Tradepost purchase"`
}

type StripeConfig struct {
	APIKey string `envconfig:"TRADEPOST_STRIPE_API_KEY"`
	Secret string `envconfig:"TRADEPOST_STRIPE_SECRET"`
	Env    string `envconfig:"TRADEPOST_STRIPE_ENV" default:"test"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

type MobilePayConfig struct {
	BaseURL       string        `envconfig:"TRADEPOST_MOBILEPAY_BASE_URL"`
	APIKey        string        `envconfig:"TRADEPOST_MOBILEPAY_API_KEY"`
	WebhookSecret string        `envconfig:"TRADEPOST_MOBILEPAY_WEBHOOK_SECRET"`
	Timeout       time.Duration `envconfig:"TRADEPOST_MOBILEPAY_TIMEOUT" default:"10s"`
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
