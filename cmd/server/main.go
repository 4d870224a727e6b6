package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/moto-dispatch/internal/admin"
	"github.com/example/moto-dispatch/internal/alerts"
	"github.com/example/moto-dispatch/internal/auth"
	"github.com/example/moto-dispatch/internal/blob"
	"github.com/example/moto-dispatch/internal/config"
	"github.com/example/moto-dispatch/internal/dispatch"
	"github.com/example/moto-dispatch/internal/driver"
	"github.com/example/moto-dispatch/internal/eta"
	"github.com/example/moto-dispatch/internal/geo"
	httpapi "github.com/example/moto-dispatch/internal/http"
	"github.com/example/moto-dispatch/internal/ingest"
	"github.com/example/moto-dispatch/internal/logging"
	"github.com/example/moto-dispatch/internal/payments"
	"github.com/example/moto-dispatch/internal/rider"
	"github.com/example/moto-dispatch/internal/storage"
	"github.com/example/moto-dispatch/internal/wallet"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.NewLogger(cfg.LogLevel, "moto-dispatch")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Errorw("server stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	var (
		radar   geo.Radar = geo.NewIndex()
		revoker auth.Revoker
		rc      *redis.Client
	)
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		radar = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		revoker = auth.NewRedisRevoker(rc)
		logger.Infow("redis enabled", "addr", cfg.RedisAddr, "geo_key", cfg.RedisGeoKey)
	} else {
		revoker = auth.NewMemoryRevoker()
	}

	applier := &ingest.Applier{Store: backend, Radar: radar, Attempts: 3, Backoff: 200 * time.Millisecond, Log: logger}
	var presence ingest.Publisher = applier
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		presence = kp
		logger.Infow("presence stream on kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	var alertPub alerts.Publisher = alerts.Discard{}
	if cfg.AMQPURL != "" {
		ap, err := alerts.Dial(cfg.AMQPURL, cfg.SOSExchange)
		if err != nil {
			return err
		}
		defer ap.Close()
		alertPub = ap
		logger.Infow("alerts on amqp", "exchange", cfg.SOSExchange)
	}

	var cards payments.Holder = payments.Disabled{}
	if cfg.StripeAPIKey != "" {
		cards = payments.NewStripeClient(cfg.StripeAPIKey)
	}

	estimator := &eta.Estimator{SpeedMpm: cfg.RiderSpeedMpm, Cache: eta.NewCache(30 * time.Second)}
	if cfg.OSRMURL != "" {
		estimator.Router = eta.NewOSRMClient(cfg.OSRMURL)
	}

	blobs := blob.NewFS(cfg.BlobDir, cfg.BlobBaseURL)
	registry := dispatch.NewWSRegistry(logger)
	defer registry.Close()

	riders := rider.NewService(rider.Config{
		Store:          backend,
		Radar:          radar,
		ETA:            estimator,
		Sink:           registry,
		Alerts:         alertPub,
		CommissionRate: cfg.CommissionRate,
		Log:            logger,
	})
	defer riders.Close()
	drivers := driver.NewService(driver.Config{
		Store:          backend,
		Presence:       presence,
		Sink:           registry,
		Blobs:          blobs,
		MinBalance:     cfg.MinDriverBalance,
		CommissionRate: cfg.CommissionRate,
		OfferTimeout:   cfg.OfferTimeout,
		Log:            logger,
	})
	defer drivers.Close()

	srv := httpapi.NewServer(httpapi.Deps{
		Auth:    auth.NewAuthenticator(auth.NewParser(cfg.JWTSecret), revoker),
		Riders:  riders,
		Drivers: drivers,
		Wallet: wallet.New(wallet.Config{
			Store:    backend,
			Blobs:    blobs,
			Cards:    cards,
			Alerts:   alertPub,
			Sink:     registry,
			Currency: cfg.CardCurrency,
			Log:      logger,
		}),
		Admin:       admin.Config{Store: backend, Cards: cards, Sink: registry, Log: logger},
		Registry:    registry,
		BlobDir:     blobs.Dir(),
		BlobBaseURL: cfg.BlobBaseURL,
		LoginURL:    cfg.LoginURL,
		Health: func(ctx context.Context) error {
			if rc != nil {
				if err := rc.Ping(ctx).Err(); err != nil {
					return err
				}
			}
			_, err := backend.ListZones(ctx)
			return err
		},
		Logger: logger,
	})
	defer srv.Close()

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("moto-dispatch listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Infow("shutting down", "timeout", cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// openBackend picks Postgres when PG_DSN is set and the in-memory store
// otherwise.
func openBackend(ctx context.Context, cfg config.ServerConfig, logger *zap.SugaredLogger) (storage.Backend, error) {
	if cfg.PGDSN == "" {
		logger.Warnw("PG_DSN not set, using in-memory backend")
		return storage.NewMemoryStore(cfg.CommissionRate), nil
	}
	if cfg.RunMigrations {
		version, err := storage.Migrate(cfg.MigrationsPath, cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		logger.Infow("migrations applied", "version", version)
	}
	return storage.NewPostgresStore(ctx, cfg.PGDSN, cfg.CommissionRate, logger.With("component", "postgres"))
}
