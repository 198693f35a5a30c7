package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	Server       ServerConfig
	Redis        RedisConfig
	Postgres     PostgresConfig
	Queue        QueueConfig
	Backend      BackendConfig
	Chat         ChatConfig
	Session      SessionConfig
	MQTT         MQTTConfig
	Conversation ConversationConfig
	Fanout       FanoutConfig
	Sentry       SentryConfig
	Log          LogConfig
}

type ServerConfig struct {
	Address            string        `env:"SERVER_ADDRESS" envDefault:":8080" validate:"required"`
	ReadHeaderTimeout  time.Duration `env:"SERVER_READ_HEADER_TIMEOUT" envDefault:"5s" validate:"gt=0"`
	ShutdownTimeout    time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"15s" validate:"gt=0"`
	CORSAllowedOrigins []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
	WebhookVerifyToken string        `env:"WEBHOOK_VERIFY_TOKEN"`
}

// RedisConfig is enabled iff REDIS_ADDR is set.
type RedisConfig struct {
	Enabled    bool
	Address    string `env:"REDIS_ADDR"`
	Password   string `env:"REDIS_PASSWORD"`
	DB         int    `env:"REDIS_DB" envDefault:"0" validate:"gte=0"`
	TTLSeconds int    `env:"REDIS_TTL_SECONDS" envDefault:"0" validate:"gte=0"`
}

// TTL is the session key expiry; zero keeps sessions forever.
func (r RedisConfig) TTL() time.Duration {
	return time.Duration(r.TTLSeconds) * time.Second
}

// PostgresConfig is enabled iff POSTGRES_URL is set.
type PostgresConfig struct {
	Enabled bool
	URL     string `env:"POSTGRES_URL"`
}

type QueueConfig struct {
	Name           string        `env:"QUEUE_NAME" envDefault:"whatsapp_messages" validate:"required"`
	Workers        int           `env:"QUEUE_WORKERS" envDefault:"3" validate:"gt=0"`
	DequeueTimeout time.Duration `env:"QUEUE_DEQUEUE_TIMEOUT" envDefault:"2s" validate:"gt=0"`
	MaxAttempts    int           `env:"QUEUE_MAX_ATTEMPTS" envDefault:"3" validate:"gt=0"`
	ProcessingTTL  time.Duration `env:"QUEUE_PROCESSING_TTL" envDefault:"5m" validate:"gt=0"`
	SweepInterval  time.Duration `env:"QUEUE_SWEEP_INTERVAL" envDefault:"30s" validate:"gt=0"`
	StatsInterval  time.Duration `env:"QUEUE_STATS_INTERVAL" envDefault:"1m" validate:"gt=0"`
	DedupeTTL      time.Duration `env:"QUEUE_DEDUPE_TTL" envDefault:"24h" validate:"gt=0"`
}

type BackendConfig struct {
	URL      string        `env:"BACKEND_URL,required" validate:"url"`
	APIKey   string        `env:"BACKEND_API_KEY"`
	Timeout  time.Duration `env:"BACKEND_TIMEOUT" envDefault:"30s" validate:"gt=0"`
	Attempts int           `env:"BACKEND_RETRY_ATTEMPTS" envDefault:"3" validate:"gt=0"`
}

type ChatConfig struct {
	URL              string        `env:"CHAT_API_URL,required" validate:"url"`
	Timeout          time.Duration `env:"CHAT_API_TIMEOUT" envDefault:"30s" validate:"gt=0"`
	Attempts         int           `env:"CHAT_API_RETRY_ATTEMPTS" envDefault:"3" validate:"gt=0"`
	TemplateName     string        `env:"CHAT_TEMPLATE_NAME" envDefault:"alerta_rescue"`
	TemplateLanguage string        `env:"CHAT_TEMPLATE_LANGUAGE" envDefault:"es"`
}

const (
	SessionBackendRedis   = "redis"
	SessionBackendChatAPI = "chatapi"
)

type SessionConfig struct {
	Backend string `env:"SESSION_BACKEND" envDefault:"redis" validate:"oneof=redis chatapi"`
}

// MQTTConfig is enabled iff MQTT_BROKER_URL is set.
type MQTTConfig struct {
	Enabled        bool
	BrokerURL      string        `env:"MQTT_BROKER_URL"`
	ClientID       string        `env:"MQTT_CLIENT_ID" envDefault:"rescue-dispatch"`
	Username       string        `env:"MQTT_USERNAME"`
	Password       string        `env:"MQTT_PASSWORD"`
	QoS            int           `env:"MQTT_QOS" envDefault:"1" validate:"gte=0,lte=2"`
	Root           string        `env:"MQTT_TOPIC" envDefault:"empresas" validate:"required"`
	Marker         string        `env:"MQTT_MARKER" envDefault:"BOTONERA" validate:"required"`
	ConnectTimeout time.Duration `env:"MQTT_CONNECT_TIMEOUT" envDefault:"10s" validate:"gt=0"`
	HandlerTimeout time.Duration `env:"MQTT_HANDLER_TIMEOUT" envDefault:"30s" validate:"gt=0"`
}

type ConversationConfig struct {
	Window time.Duration `env:"PENDING_LOCATION_WINDOW" envDefault:"5m" validate:"gt=0"`
}

type FanoutConfig struct {
	StepDelay   time.Duration `env:"FANOUT_STEP_DELAY" envDefault:"1s" validate:"gte=0"`
	Concurrency int           `env:"FANOUT_CONCURRENCY" envDefault:"8" validate:"gt=0"`
}

type SentryConfig struct {
	DSN         string `env:"SENTRY_DSN"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	Release     string `env:"RELEASE"`
}

type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=trace debug info warn error"`
	Pretty bool   `env:"LOG_PRETTY" envDefault:"false"`
}

func LoadAll() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Redis.Enabled = cfg.Redis.Address != ""
	cfg.Postgres.Enabled = cfg.Postgres.URL != ""
	cfg.MQTT.Enabled = cfg.MQTT.BrokerURL != ""

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = newValidator()

func newValidator() func(*Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report failures by environment variable name.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("env"), ",")
		if name == "" {
			return f.Name
		}
		return name
	})

	return func(cfg *Config) error {
		var errs []error
		if err := v.Struct(cfg); err != nil {
			var fes validator.ValidationErrors
			if !errors.As(err, &fes) {
				return err
			}
			for _, fe := range fes {
				errs = append(errs, fieldError(fe))
			}
		}
		if cfg.MQTT.Enabled && cfg.MQTT.ClientID == "" {
			errs = append(errs, errors.New("MQTT_CLIENT_ID must not be empty when MQTT_BROKER_URL is set"))
		}
		if cfg.Queue.ProcessingTTL <= cfg.Queue.DequeueTimeout {
			errs = append(errs, errors.New("QUEUE_PROCESSING_TTL must exceed QUEUE_DEQUEUE_TIMEOUT"))
		}
		return errors.Join(errs...)
	}
}

func fieldError(fe validator.FieldError) error {
	if fe.Param() == "" {
		return fmt.Errorf("%s: failed %q validation (value %v)", fe.Field(), fe.Tag(), fe.Value())
	}
	return fmt.Errorf("%s: must satisfy %s=%s (value %v)", fe.Field(), fe.Tag(), fe.Param(), fe.Value())
}
