package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
// Values are loaded from the environment (optionally seeded from a .env file)
// with defaults that let the binary run locally on the in-memory backend.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	PGDSN          string
	RunMigrations  bool
	MigrationsPath string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	AMQPURL     string
	SOSExchange string

	JWTSecret string
	LoginURL  string

	BlobDir     string
	BlobBaseURL string

	StripeAPIKey string
	CardCurrency string
	OSRMURL      string

	OfferTimeout     time.Duration
	MinDriverBalance float64
	CommissionRate   float64
	RiderSpeedMpm    float64

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:         ":8080",
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     10 * time.Second,
		IdleTimeout:      120 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		MigrationsPath:   "file://migrations",
		RedisGeoKey:      "drivers_geo",
		KafkaTopic:       "driver-positions",
		KafkaGroup:       "moto-dispatch-consumer",
		SOSExchange:      "dispatch_alerts",
		LoginURL:         "/login",
		BlobDir:          "./data/blobs",
		BlobBaseURL:      "/blobs",
		CardCurrency:     "hnl",
		OfferTimeout:     30 * time.Second,
		MinDriverBalance: 20,
		CommissionRate:   0.10,
		RiderSpeedMpm:    400,
		LogLevel:         "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	// a missing .env is the normal case outside local development
	_ = godotenv.Load()

	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.PGDSN = os.Getenv("PG_DSN")
	setBoolFromEnv(&cfg.RunMigrations, "MIGRATE", &errs)
	setStringFromEnv(&cfg.MigrationsPath, "MIGRATIONS_PATH")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.AMQPURL = strings.TrimSpace(os.Getenv("AMQP_URL"))
	setStringFromEnv(&cfg.SOSExchange, "SOS_EXCHANGE")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	setStringFromEnv(&cfg.LoginURL, "LOGIN_URL")

	setStringFromEnv(&cfg.BlobDir, "BLOB_DIR")
	setStringFromEnv(&cfg.BlobBaseURL, "BLOB_BASE_URL")

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.CardCurrency, "CARD_CURRENCY")
	cfg.OSRMURL = strings.TrimSpace(os.Getenv("OSRM_URL"))

	setDurationFromEnv(&cfg.OfferTimeout, "OFFER_TIMEOUT", &errs)
	setFloatFromEnv(&cfg.MinDriverBalance, "MIN_DRIVER_BALANCE", &errs)
	setFloatFromEnv(&cfg.CommissionRate, "COMMISSION_RATE", &errs)
	setFloatFromEnv(&cfg.RiderSpeedMpm, "RIDER_ETA_SPEED_MPM", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	}
	if cfg.OfferTimeout <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_TIMEOUT must be > 0"))
	}
	if cfg.CommissionRate < 0 || cfg.CommissionRate >= 1 {
		errs = append(errs, fmt.Errorf("COMMISSION_RATE must be in [0,1)"))
	}
	if cfg.RunMigrations && cfg.PGDSN == "" {
		errs = append(errs, fmt.Errorf("MIGRATE=true needs PG_DSN"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := cast.ToDurationE(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := cast.ToFloat64E(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		b, err := cast.ToBoolE(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

// ConsumerConfig configures the presence stream consumer.
type ConsumerConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	PGDSN          string
	CommissionRate float64

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	MetricsAddr string
	LogLevel    string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	_ = godotenv.Load()

	d := defaultServerConfig()
	cfg := ConsumerConfig{
		KafkaBrokers:   []string{"localhost:9092"},
		KafkaTopic:     d.KafkaTopic,
		KafkaGroup:     d.KafkaGroup,
		CommissionRate: d.CommissionRate,
		RedisGeoKey:    d.RedisGeoKey,
		MetricsAddr:    ":2112",
		LogLevel:       d.LogLevel,
	}
	var errs []error

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	cfg.PGDSN = os.Getenv("PG_DSN")
	setFloatFromEnv(&cfg.CommissionRate, "COMMISSION_RATE", &errs)
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.PGDSN == "" {
		errs = append(errs, fmt.Errorf("PG_DSN is required"))
	}
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS is empty"))
	}
	return cfg, errors.Join(errs...)
}
