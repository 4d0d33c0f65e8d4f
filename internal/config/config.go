package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	HTTPPort           int           `env:"HTTP_PORT" envDefault:"8082"`
	HTTPRequestTimeout time.Duration `env:"HTTP_REQUEST_TIMEOUT" envDefault:"30s"`
	CORSAllowedOrigins []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`

	// StorageBackend selects the ledger store: "postgres" or "memory".
	StorageBackend string `env:"STORAGE_BACKEND" envDefault:"postgres"`
	// IdempotencyBackend selects the idempotency store: "redis", "postgres" or "memory".
	IdempotencyBackend string        `env:"IDEMPOTENCY_BACKEND" envDefault:"redis"`
	IdempotencyTTL     time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`
	IdempotencyWait    time.Duration `env:"IDEMPOTENCY_WAIT" envDefault:"3s"`
	// IdempotencyLease is how long an unsettled reservation blocks its key.
	IdempotencyLease time.Duration `env:"IDEMPOTENCY_LEASE" envDefault:"2m"`
	// CatalogFile seeds the in-memory catalog used with STORAGE_BACKEND=memory.
	CatalogFile string `env:"CATALOG_FILE"`

	DBConfig struct {
		Host     string `env:"HOST" envDefault:"localhost"`
		Port     int    `env:"PORT" envDefault:"5432"`
		User     string `env:"USER" envDefault:"user"`
		Password string `env:"PASSWORD" envDefault:"password"`
		Name     string `env:"NAME" envDefault:"payments_db"`
		SSLMode  string `env:"SSLMODE" envDefault:"disable"`
	} `envPrefix:"PAYMENTS_DB_"`

	RedisConfig struct {
		Addr     string `env:"ADDR" envDefault:"localhost:6379"`
		Password string `env:"PASSWORD"`
		DB       int    `env:"DB" envDefault:"0"`
	} `envPrefix:"REDIS_"`

	KafkaBrokerURL           string `env:"KAFKA_BROKER_URL" envDefault:"localhost:9092"`
	KafkaPaymentStatusTopic  string `env:"KAFKA_PAYMENT_STATUS_TOPIC" envDefault:"payment_status_updates"`
	KafkaEntitlementTopic    string `env:"KAFKA_ENTITLEMENT_TOPIC" envDefault:"entitlement_grants"`
	KafkaRefundRequestsTopic string `env:"KAFKA_REFUND_REQUESTS_TOPIC" envDefault:"payment_refund_requests"`
	KafkaConsumerGroup       string `env:"KAFKA_CONSUMER_GROUP" envDefault:"payments-reconciler-group"`

	OutboxPollInterval time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"1s"`
	OutboxPollTimeout  time.Duration `env:"OUTBOX_POLL_TIMEOUT" envDefault:"5s"`
	OutboxBatchSize    int           `env:"OUTBOX_BATCH_SIZE" envDefault:"50"`

	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`
	AbandonAfter  time.Duration `env:"ABANDON_AFTER" envDefault:"1h"`
	StaleAfter    time.Duration `env:"STALE_AFTER" envDefault:"15m"`
	SweepBatch    int           `env:"SWEEP_BATCH" envDefault:"100"`

	Gateway GatewayConfig `envPrefix:"GATEWAY_"`
	Card    CardConfig    `envPrefix:"CARD_"`
	Wallet  WalletConfig  `envPrefix:"WALLET_"`
}

// GatewayConfig is shared by every gateway client transport.
type GatewayConfig struct {
	Timeout          time.Duration `env:"TIMEOUT" envDefault:"5s"`
	MaxAttempts      int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	InitialBackoff   time.Duration `env:"INITIAL_BACKOFF" envDefault:"200ms"`
	BreakerFailures  uint32        `env:"BREAKER_FAILURES" envDefault:"5"`
	BreakerOpenFor   time.Duration `env:"BREAKER_OPEN_FOR" envDefault:"30s"`
	WebhookTolerance time.Duration `env:"WEBHOOK_TOLERANCE" envDefault:"5m"`
}

type CardConfig struct {
	BaseURL       string   `env:"BASE_URL" envDefault:"https://api.card-gateway.example"`
	SecretKey     string   `env:"SECRET_KEY"`
	WebhookSecret []string `env:"WEBHOOK_SECRETS" envSeparator:","`
	Currencies    []string `env:"CURRENCIES" envSeparator:"," envDefault:"USD,EUR,GBP"`
}

type WalletConfig struct {
	BaseURL         string   `env:"BASE_URL" envDefault:"https://api.wallet-gateway.example"`
	ClientID        string   `env:"CLIENT_ID"`
	ClientSecret    string   `env:"CLIENT_SECRET"`
	WebhookID       string   `env:"WEBHOOK_ID"`
	CertURLPrefixes []string `env:"CERT_URL_PREFIXES" envSeparator:"," envDefault:"https://api.wallet-gateway.example/v1/notifications/certs/"`
	ReturnURL       string   `env:"RETURN_URL" envDefault:"http://localhost:3000/checkout/return"`
	CancelURL       string   `env:"CANCEL_URL" envDefault:"http://localhost:3000/checkout/cancel"`
	Currencies      []string `env:"CURRENCIES" envSeparator:"," envDefault:"USD,EUR"`
}

func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StorageBackend {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unsupported STORAGE_BACKEND %q", c.StorageBackend)
	}
	switch c.IdempotencyBackend {
	case "redis", "postgres", "memory":
	default:
		return fmt.Errorf("unsupported IDEMPOTENCY_BACKEND %q", c.IdempotencyBackend)
	}
	if c.IdempotencyBackend == "postgres" && c.StorageBackend != "postgres" {
		return fmt.Errorf("IDEMPOTENCY_BACKEND=postgres requires STORAGE_BACKEND=postgres")
	}
	if c.Gateway.MaxAttempts < 1 {
		return fmt.Errorf("GATEWAY_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

func (c *Config) UsesPostgres() bool {
	return c.StorageBackend == "postgres" || c.IdempotencyBackend == "postgres"
}

func (c *Config) GetDBConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBConfig.Host, c.DBConfig.Port, c.DBConfig.User, c.DBConfig.Password, c.DBConfig.Name, c.DBConfig.SSLMode)
}

func (c *Config) GetDBMigrationConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBConfig.User, c.DBConfig.Password, c.DBConfig.Host, c.DBConfig.Port, c.DBConfig.Name, c.DBConfig.SSLMode)
}

func (c *Config) GetKafkaBrokers() []string {
	return strings.Split(c.KafkaBrokerURL, ",")
}
