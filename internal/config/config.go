package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Port     int    `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	Env      string `env:"ENV" envDefault:"development"`

	// Links in verification, reset and magic-link messages are built on BaseURL.
	BaseURL string `env:"APP_BASE_URL" envDefault:"http://localhost:3000"`
	AppName string `env:"APP_NAME" envDefault:"Courier"`

	AWSRegion string `env:"AWS_REGION" envDefault:"us-east-1"`

	DB         DBConfig
	Redis      RedisConfig
	Broker     BrokerConfig
	Providers  ProviderConfig
	Resilience ResilienceConfig
	Intake     IntakeConfig
	Outbox     OutboxConfig
	RateLimit  RateLimitConfig
}

type DBConfig struct {
	URL      string `env:"DATABASE_URL"`
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     int    `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"courier"`
	Password string `env:"DB_PASSWORD"`
	Name     string `env:"DB_NAME" envDefault:"courier"`
	SSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`
	MaxConns int32  `env:"DB_MAX_CONNS" envDefault:"25"`
}

type RedisConfig struct {
	Host     string `env:"REDIS_HOST" envDefault:"localhost"`
	Port     int    `env:"REDIS_PORT" envDefault:"6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
	PoolSize int    `env:"REDIS_POOL_SIZE" envDefault:"10"`
}

// BrokerConfig selects the inbound transport. Kind is "kafka" or "sqs".
type BrokerConfig struct {
	Kind string `env:"BROKER" envDefault:"kafka"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	KafkaGroupID string   `env:"KAFKA_GROUP_ID" envDefault:"notification-service"`
	// Empty subscribes to every routed topic.
	KafkaTopics []string `env:"KAFKA_TOPICS" envSeparator:","`

	SQSRegion   string `env:"SQS_REGION"`
	SQSQueueURL string `env:"SQS_QUEUE_URL"`
	SQSWorkers  int    `env:"SQS_WORKERS" envDefault:"4"`

	// Consumer-side attempts before an event is dead-lettered.
	MaxAttempts int `env:"CONSUMER_MAX_ATTEMPTS" envDefault:"3"`
}

type ProviderConfig struct {
	Email string `env:"EMAIL_PROVIDER" envDefault:"log"` // ses | postmark | log
	SMS   string `env:"SMS_PROVIDER" envDefault:"log"`   // sns | log

	SESFromEmail        string `env:"SES_FROM_EMAIL" envDefault:"noreply@courier.local"`
	SESReplyTo          string `env:"SES_REPLY_TO"`
	SESConfigurationSet string `env:"SES_CONFIGURATION_SET"`

	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`

	SNSRegion   string `env:"SNS_REGION"`
	SNSSenderID string `env:"SNS_SENDER_ID"`

	// Push falls back to the log sender when no gateway is configured.
	PushGatewayURL string `env:"PUSH_GATEWAY_URL"`
	PushAuthToken  string `env:"PUSH_AUTH_TOKEN"`

	InboxMaxMessages int `env:"INAPP_MAX_MESSAGES" envDefault:"100"`
}

type ResilienceConfig struct {
	BreakerWindowSize     int           `env:"BREAKER_WINDOW_SIZE" envDefault:"10"`
	BreakerErrorThreshold int           `env:"BREAKER_ERROR_THRESHOLD" envDefault:"50"`
	BreakerMinRequests    int           `env:"BREAKER_MIN_REQUESTS" envDefault:"5"`

	// How long each channel's breaker stays open before a probe.
	EmailBreakerReset time.Duration `env:"EMAIL_BREAKER_RESET_TIMEOUT" envDefault:"60s"`
	SMSBreakerReset   time.Duration `env:"SMS_BREAKER_RESET_TIMEOUT" envDefault:"30s"`
	PushBreakerReset  time.Duration `env:"PUSH_BREAKER_RESET_TIMEOUT" envDefault:"30s"`
	InAppBreakerReset time.Duration `env:"INAPP_BREAKER_RESET_TIMEOUT" envDefault:"30s"`

	RetryMaxAttempts int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"3"`
	RetryBaseDelay   time.Duration `env:"RETRY_BASE_DELAY" envDefault:"1s"`
	RetryMaxDelay    time.Duration `env:"RETRY_MAX_DELAY" envDefault:"30s"`

	EmailTimeout time.Duration `env:"EMAIL_TIMEOUT" envDefault:"30s"`
	SMSTimeout   time.Duration `env:"SMS_TIMEOUT" envDefault:"15s"`
	PushTimeout  time.Duration `env:"PUSH_TIMEOUT" envDefault:"15s"`
	InAppTimeout time.Duration `env:"INAPP_TIMEOUT" envDefault:"5s"`
}

type IntakeConfig struct {
	LockTTL      time.Duration `env:"LOCK_TTL" envDefault:"300s"`
	DedupWindow  time.Duration `env:"DEDUP_WINDOW" envDefault:"1h"`
	ProcessedTTL time.Duration `env:"PROCESSED_TTL" envDefault:"1h"`
}

type OutboxConfig struct {
	Enabled    bool          `env:"OUTBOX_RELAY_ENABLED" envDefault:"false"`
	TopicARN   string        `env:"OUTBOX_TOPIC_ARN"`
	Endpoint   string        `env:"OUTBOX_SNS_ENDPOINT"` // LocalStack
	Interval   time.Duration `env:"OUTBOX_INTERVAL" envDefault:"5s"`
	BatchSize  int           `env:"OUTBOX_BATCH_SIZE" envDefault:"100"`
	MaxRetries int           `env:"OUTBOX_MAX_RETRIES" envDefault:"5"`
}

type RateLimitConfig struct {
	Requests int           `env:"RATE_LIMIT_REQUESTS" envDefault:"100"`
	Window   time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
}

// Load reads an optional .env file, then environment variables with defaults.
func Load() (*Config, error) {
	// The .env file is optional.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.Broker.SQSRegion == "" {
		cfg.Broker.SQSRegion = cfg.AWSRegion
	}
	if cfg.Providers.SNSRegion == "" {
		cfg.Providers.SNSRegion = cfg.AWSRegion
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints env tags cannot express.
func (c *Config) Validate() error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid PORT %d", c.Port))
	}

	switch c.Broker.Kind {
	case "kafka":
		if len(c.Broker.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("KAFKA_BROKERS is required when BROKER=kafka"))
		}
	case "sqs":
		if c.Broker.SQSQueueURL == "" {
			errs = append(errs, errors.New("SQS_QUEUE_URL is required when BROKER=sqs"))
		}
	default:
		errs = append(errs, fmt.Errorf("BROKER must be kafka or sqs, got %q", c.Broker.Kind))
	}

	switch c.Providers.Email {
	case "ses", "log":
	case "postmark":
		if c.Providers.PostmarkServerToken == "" {
			errs = append(errs, errors.New("POSTMARK_SERVER_TOKEN is required when EMAIL_PROVIDER=postmark"))
		}
	default:
		errs = append(errs, fmt.Errorf("EMAIL_PROVIDER must be ses, postmark or log, got %q", c.Providers.Email))
	}

	switch c.Providers.SMS {
	case "sns", "log":
	default:
		errs = append(errs, fmt.Errorf("SMS_PROVIDER must be sns or log, got %q", c.Providers.SMS))
	}

	if t := c.Resilience.BreakerErrorThreshold; t < 1 || t > 100 {
		errs = append(errs, fmt.Errorf("BREAKER_ERROR_THRESHOLD must be 1-100, got %d", t))
	}
	if c.Broker.MaxAttempts < 1 {
		errs = append(errs, errors.New("CONSUMER_MAX_ATTEMPTS must be at least 1"))
	}

	if c.Outbox.Enabled && c.Outbox.TopicARN == "" {
		errs = append(errs, errors.New("OUTBOX_TOPIC_ARN is required when OUTBOX_RELAY_ENABLED=true"))
	}

	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
