package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xpadev-net/live-event-orchestrator/internal/api"
	"github.com/xpadev-net/live-event-orchestrator/internal/broadcast"
	"github.com/xpadev-net/live-event-orchestrator/internal/config"
	"github.com/xpadev-net/live-event-orchestrator/internal/db"
	"github.com/xpadev-net/live-event-orchestrator/internal/hls"
	"github.com/xpadev-net/live-event-orchestrator/internal/httpapi"
	"github.com/xpadev-net/live-event-orchestrator/internal/k8s"
	"github.com/xpadev-net/live-event-orchestrator/internal/lifecycle"
	"github.com/xpadev-net/live-event-orchestrator/internal/log"
	"github.com/xpadev-net/live-event-orchestrator/internal/opentok"
	"github.com/xpadev-net/live-event-orchestrator/internal/reconcile"
	"github.com/xpadev-net/live-event-orchestrator/internal/secrets"
	"github.com/xpadev-net/live-event-orchestrator/internal/tokens"
	"github.com/xpadev-net/live-event-orchestrator/internal/webhook"
)

const supervisorRestartDelay = 5 * time.Second

func main() {
	// Initialize logger
	if err := log.InitJSON(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting live event orchestrator")

	// Load configuration
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatal("failed to load configuration", zap.Error(err))
	}

	log.Info("configuration loaded",
		zap.String("environment", cfg.Environment),
		zap.Int("port", cfg.Port),
		zap.Bool("strict_transitions", cfg.StrictTransitions),
		zap.Bool("leader_election", cfg.LeaderElection),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to database
	database, err := db.New(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns: int32(cfg.DatabaseMaxConns),
		MinConns: int32(cfg.DatabaseMinConns),
	})
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	// Connect to Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	broadcasts := broadcast.NewRedisStore(rdb)
	if err := broadcasts.Health(ctx); err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}

	var sealer db.SecretSealer
	if len(cfg.SecretKey) > 0 {
		box, err := secrets.NewBox(cfg.SecretKey)
		if err != nil {
			log.Fatal("failed to create secret box", zap.Error(err))
		}
		sealer = box
	} else {
		log.Warn("SECRET_KEY not set, provider secrets are stored unencrypted")
	}

	events := db.NewEventRepository(database)
	domains := db.NewDomainRepository(database, sealer)
	provider := opentok.NewClient(cfg.OpenTokAPIURL, cfg.ProviderTimeout, cfg.TokenTTL)

	var dispatcher *webhook.Dispatcher
	if cfg.WebhookURL != "" {
		dispatcher = webhook.NewDispatcher(webhook.NewSender(cfg.WebhookSigningKey), cfg.WebhookURL, 0)
	}

	engine := lifecycle.NewEngine(lifecycle.Deps{
		Events:     events,
		Domains:    domains,
		Broadcasts: broadcasts,
		Provider:   provider,
		Notifier:   dispatcher,
	}, lifecycle.Config{
		ArchiveBucketURL:  cfg.ArchiveBucketURL,
		InteractiveLimit:  cfg.InteractiveStreamLimit,
		ProviderTimeout:   cfg.ProviderTimeout,
		StrictTransitions: cfg.StrictTransitions,
	})
	reconciler := reconcile.New(broadcasts, provider, engine, dispatcher, cfg.ProviderTimeout)
	supervisor := reconcile.NewSupervisor(reconciler, broadcasts)
	engine.SetStopper(reconciler)
	engine.SetWatcher(supervisor)

	// Drive broadcasts only while this replica holds leadership
	supervisorDone := make(chan struct{})
	if cfg.LeaderElection {
		elector, err := k8s.NewElector(k8s.Config{
			InCluster:      cfg.InCluster,
			KubeConfigPath: cfg.KubeConfigPath,
			Namespace:      cfg.Namespace,
			LeaseName:      cfg.LeaseName,
			Identity:       cfg.PodName,
		})
		if err != nil {
			log.Fatal("failed to create leader elector", zap.Error(err))
		}
		go func() {
			defer close(supervisorDone)
			if err := elector.Run(ctx, func(leadCtx context.Context) {
				runSupervisor(leadCtx, supervisor)
			}); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("leader election stopped", zap.Error(err))
			}
		}()
	} else {
		go func() {
			defer close(supervisorDone)
			runSupervisor(ctx, supervisor)
		}()
	}

	issuer := tokens.NewIssuer(engine, domains, provider)
	handler := api.NewHandler(engine, issuer, domains, hls.NewProber(cfg.HLSProbeTimeout))

	readLimiter := httpapi.NewLimiter(300, time.Minute)
	writeLimiter := httpapi.NewLimiter(30, time.Minute)
	go readLimiter.Run(ctx, time.Minute)
	go writeLimiter.Run(ctx, time.Minute)

	// Set Gin mode based on environment
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpapi.RequestLogger())

	// Health check endpoints (no auth required)
	router.GET("/healthz", healthzHandler())
	router.GET("/readyz", readyzHandler(database, broadcasts))

	v1 := router.Group("/api/v1")
	v1.Use(httpapi.APIKeyAuth(cfg.APIKey), readLimiter.Middleware())

	internal := router.Group("/internal/v1")
	internal.Use(httpapi.InternalAPIKeyAuth(cfg.InternalAPIKey))

	handler.RegisterRoutes(v1, internal, writeLimiter.Middleware())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		log.Info("starting HTTP server", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	// Stop watches and release the lease before draining webhooks
	cancel()
	select {
	case <-supervisorDone:
	case <-shutdownCtx.Done():
		log.Warn("broadcast supervisor did not stop before shutdown timeout")
	}

	if err := dispatcher.Close(shutdownCtx); err != nil {
		log.Warn("pending webhooks dropped", zap.Error(err))
	}

	log.Info("server stopped")
}

// runSupervisor keeps the supervisor running until ctx ends.
func runSupervisor(ctx context.Context, s *reconcile.Supervisor) {
	for {
		if err := s.Run(ctx); err != nil {
			log.Error("broadcast supervisor failed, restarting", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(supervisorRestartDelay):
		}
	}
}

func healthzHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func readyzHandler(database *db.DB, broadcasts *broadcast.RedisStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := database.Health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": "database connection failed"})
			return
		}
		if err := broadcasts.Health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": "redis connection failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}
