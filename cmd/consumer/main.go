package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/example/moto-dispatch/internal/config"
	"github.com/example/moto-dispatch/internal/geo"
	"github.com/example/moto-dispatch/internal/ingest"
	"github.com/example/moto-dispatch/internal/logging"
	"github.com/example/moto-dispatch/internal/models"
	"github.com/example/moto-dispatch/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver presence messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	applied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_presence_applied_total",
		Help: "Total presences written to the backend and radar",
	})
	applyErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_apply_errors_total",
		Help: "Total presences that could not be applied",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, applied, applyErrors)
}

var errInvalid = errors.New("invalid presence message")

// presenceApplier is the subset of ingest.Applier the consumer needs.
type presenceApplier interface {
	Apply(ctx context.Context, p models.DriverPresence) error
}

// handle decodes one stream message and applies it.
func handle(ctx context.Context, a presenceApplier, value []byte) error {
	var p models.DriverPresence
	if err := json.Unmarshal(value, &p); err != nil {
		return fmt.Errorf("%w: %v", errInvalid, err)
	}
	if p.DriverID == "" {
		return fmt.Errorf("%w: missing driver_id", errInvalid)
	}
	switch p.Status {
	case models.DriverInactive, models.DriverAvailable, models.DriverOccupied:
	default:
		return fmt.Errorf("%w: status %q", errInvalid, p.Status)
	}
	return a.Apply(ctx, p)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.NewLogger(cfg.LogLevel, "moto-dispatch-consumer")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewPostgresStore(ctx, cfg.PGDSN, cfg.CommissionRate, logger.With("component", "postgres"))
	if err != nil {
		logger.Fatalw("open backend", "err", err)
	}
	defer store.Close()

	var (
		radar geo.Radar = geo.NewIndex()
		rc    *redis.Client
	)
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		radar = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
	}
	applier := &ingest.Applier{Store: store, Radar: radar, Attempts: 3, Backoff: 200 * time.Millisecond, Log: logger}

	go serveMetrics(cfg.MetricsAddr, rc, logger)

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 1, MaxBytes: 10e6})
	defer r.Close()

	logger.Infow("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	consume(ctx, r, applier, logger)
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

func consume(ctx context.Context, r messageReader, a presenceApplier, logger *zap.SugaredLogger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Infow("shutting down consumer")
				return
			}
			logger.Warnw("kafka read error", "err", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		if err := handle(ctx, a, m.Value); err != nil {
			if errors.Is(err, errInvalid) {
				msgsInvalid.Inc()
				logger.Warnw("invalid message", "key", string(m.Key), "offset", m.Offset, "err", err)
				continue
			}
			applyErrors.Inc()
			logger.Errorw("apply presence failed", "driver_id", string(m.Key), "err", err)
			continue
		}
		applied.Inc()
	}
}

func serveMetrics(addr string, rc *redis.Client, logger *zap.SugaredLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if rc != nil {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	logger.Infow("metrics/health listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warnw("metrics server stopped", "err", err)
	}
}
