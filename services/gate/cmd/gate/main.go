package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"mediagate/internal/ratelimit"
	"mediagate/internal/security"
	"mediagate/internal/servicetoken"
	"mediagate/internal/util"
	"mediagate/pkg/access"
	"mediagate/pkg/catalog"
	"mediagate/pkg/deeplink"
	"mediagate/pkg/queue"
	"mediagate/pkg/storage"
	"mediagate/pkg/store"
	"mediagate/pkg/unlock"
	"mediagate/services/gate/internal/amqptransport"
	"mediagate/services/gate/internal/app"
	"mediagate/services/gate/internal/config"
	"mediagate/services/gate/internal/server"
	"mediagate/services/gate/internal/shortener"
	"mediagate/services/gate/internal/transport"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	durations, err := config.ParseDurations(cfg)
	if err != nil {
		log.Fatalf("failed to parse durations: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient, err := store.NewRedisClient(store.RedisOptions{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		log.Fatalf("failed to init redis: %v", err)
	}
	defer redisClient.Close()

	ttlStore := store.NewRedisTTLStore(redisClient)
	catalogStore, err := newCatalogStore(cfg, redisClient)
	if err != nil {
		log.Fatalf("failed to init catalog store: %v", err)
	}

	links, err := newCodec(cfg)
	if err != nil {
		log.Fatalf("failed to init deep link codec: %v", err)
	}

	var short app.Shortener = shortener.Direct{}
	if cfg.ShortenerBaseURL != "" {
		client, err := shortener.NewClient(cfg.ShortenerBaseURL, cfg.ShortenerAPIKey, durations.ShortenerTimeout)
		if err != nil {
			log.Fatalf("failed to init shortener: %v", err)
		}
		short = client
	}

	var archive storage.MediaArchive
	var cleanup *queue.CleanupQueue
	if cfg.MinioEndpoint != "" {
		minioArchive, err := storage.NewMinioArchive(ctx, storage.MinioOptions{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("failed to init media archive: %v", err)
		}
		archive = minioArchive
		cleanup, err = queue.NewCleanupQueue(redisClient, queue.Config{Stream: cfg.KeyPrefix + ":archive:cleanup"})
		if err != nil {
			log.Fatalf("failed to init cleanup queue: %v", err)
		}
	}

	catalogManager := catalog.NewManager(catalogStore)
	appCfg := app.Config{
		Catalog:        catalogManager,
		Tokens:         unlock.NewManager(ttlStore, unlock.Options{TTL: durations.TokenTTL, KeyPrefix: cfg.KeyPrefix}),
		Grants:         access.NewManager(ttlStore, access.Options{TTL: durations.AccessTTL, KeyPrefix: cfg.KeyPrefix}),
		Links:          links,
		Shortener:      short,
		Archive:        archive,
		ShortenTimeout: durations.ShortenerTimeout,
		PresignTTL:     durations.PresignTTL,
	}
	if cleanup != nil {
		appCfg.Cleanup = cleanup
	}
	appCore, err := app.New(appCfg)
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	alerter := security.NewAuditAlerter(redisClient, cfg.KeyPrefix+":alerts")
	gateOpts := transport.Options{AdminUserIDs: cfg.AdminUserIDs, Alerter: alerter}
	if cfg.UnlockRateLimitPerMinute > 0 {
		limiter, err := ratelimit.NewFixedWindowLimiter(redisClient, cfg.KeyPrefix+":ratelimit:unlock", cfg.UnlockRateLimitPerMinute, time.Minute)
		if err != nil {
			log.Fatalf("failed to init rate limiter: %v", err)
		}
		gateOpts.Limiter = limiter
	}
	gate, err := transport.New(appCore, gateOpts)
	if err != nil {
		log.Fatalf("failed to init gatekeeper: %v", err)
	}

	var verifier *servicetoken.Verifier
	if cfg.FrontendJWTPublicKeyPath != "" || len(cfg.FrontendJWTPublicKeys) > 0 {
		verifier, err = servicetoken.NewVerifier(servicetoken.VerifierOptions{
			PublicKeyPath:  cfg.FrontendJWTPublicKeyPath,
			DefaultKeyID:   cfg.FrontendJWTKeyID,
			PublicKeys:     cfg.FrontendJWTPublicKeys,
			Audience:       cfg.FrontendJWTAudience,
			AllowedIssuers: cfg.FrontendJWTIssuers,
			Leeway:         durations.JWTLeeway,
		})
		if err != nil {
			log.Fatalf("failed to init frontend token verifier: %v", err)
		}
	} else {
		logger.Warn("frontend token verification disabled")
	}

	httpServer, err := server.New(server.Config{
		Gate:           gate,
		Catalog:        catalogManager,
		Archive:        archive,
		Verifier:       verifier,
		Alerter:        alerter,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Ready: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		},
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", addr, "deep_link_profile", string(links.Profile()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.AMQPURL != "" {
		consumer, err := amqptransport.Dial(amqptransport.Options{
			URL:     cfg.AMQPURL,
			Queue:   cfg.AMQPQueue,
			Workers: cfg.AMQPWorkers,
		}, gate)
		if err != nil {
			log.Fatalf("failed to init amqp consumer: %v", err)
		}
		defer consumer.Close()
		g.Go(func() error {
			slog.Info("amqp consumer started", "queue", cfg.AMQPQueue)
			return consumer.Run(gctx)
		})
	}

	if cleanup != nil {
		workers := cfg.CleanupWorkers
		if workers <= 0 {
			workers = 2
		}
		g.Go(func() error {
			return cleanup.Run(gctx, workers, func(ctx context.Context, job queue.Job) error {
				return archive.Delete(ctx, job.ObjectKey)
			})
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("gate stopped with error", "err", err)
		os.Exit(1)
	}
	logger.Info("gate stopped")
}

func newCatalogStore(cfg config.FileConfig, client redis.UniversalClient) (store.CatalogStore, error) {
	if cfg.CatalogBackend == config.BackendPostgres {
		return store.NewGormCatalogStore(cfg.DatabaseURL)
	}
	return store.NewRedisCatalogStore(client, cfg.KeyPrefix), nil
}

func newCodec(cfg config.FileConfig) (*deeplink.Codec, error) {
	profile, err := deeplink.ParseProfile(cfg.DeepLinkProfile)
	if err != nil {
		return nil, err
	}
	return deeplink.NewCodec(profile, cfg.DeepLinkBase)
}
