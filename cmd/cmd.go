package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"proximichat/internal/chat"
	"proximichat/internal/config"
	"proximichat/internal/handlers"
	"proximichat/internal/media"
	"proximichat/internal/metrics"
	"proximichat/internal/proximity"
	"proximichat/internal/push"
	"proximichat/internal/repository"
	"proximichat/internal/services"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func Run() {
	// Load configuration
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setupLogger(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to database
	db, err := pgxpool.New(ctx, cfg.Database.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to ping database")
	}
	log.Info().Msg("Database connection established")

	if err := repository.Migrate(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	// Metrics
	m := metrics.New()
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := m.Register(reg); err != nil {
		log.Fatal().Err(err).Msg("Failed to register metrics")
	}

	// Initialize repositories
	userRepo := repository.NewUserRepository(db)
	requestRepo := repository.NewRequestRepository(db)
	conversationRepo := repository.NewConversationRepository(db)
	messageRepo := repository.NewMessageRepository(db)
	locationRepo := repository.NewLocationRepository(db)

	feed := repository.NewFeed(db, messageRepo)
	go feed.Run(ctx)

	// Proximity
	var index proximity.GeoIndex
	if cfg.Redis.URL != "" {
		rdb, err := proximity.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to redis")
		}
		defer rdb.Close()
		index = proximity.NewRedisIndex(rdb, cfg.Redis.GeoKey)
		log.Info().Str("key", cfg.Redis.GeoKey).Msg("Geo index connected")
	} else {
		log.Warn().Msg("Redis not configured, nearby search uses the unranked fallback")
	}
	finder := proximity.NewFinder(index, locationRepo, userRepo, m)

	// Media
	var uploader handlers.ImageUploader
	if cfg.AWS.StorageEnabled() {
		s3cfg := media.S3Config{
			Region:        cfg.AWS.Region,
			Bucket:        cfg.AWS.S3Bucket,
			AccessKey:     cfg.AWS.AccessKey,
			SecretKey:     cfg.AWS.SecretKey,
			Endpoint:      cfg.AWS.Endpoint,
			PublicBaseURL: cfg.AWS.PublicBaseURL,
		}
		client, err := media.NewS3Client(ctx, s3cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create S3 client")
		}
		uploader = media.NewUploader(client, s3cfg)
	} else {
		log.Warn().Msg("S3 bucket not configured, image uploads disabled")
	}

	// Push
	var sender push.Sender
	pushCfg := push.Config{
		KeyPath:    cfg.APNs.KeyPath,
		KeyID:      cfg.APNs.KeyID,
		TeamID:     cfg.APNs.TeamID,
		Topic:      cfg.APNs.Topic,
		Production: cfg.APNs.Production,
	}
	if pushCfg.Enabled() {
		client, err := push.NewClient(pushCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create APNs client")
		}
		sender = client
	}
	notifier := push.NewNotifier(sender, pushCfg.Topic, userRepo, m)

	// Initialize services
	userService := services.NewUserService(userRepo, cfg.JWT.Secret, cfg.JWT.TTL)
	hub := services.NewSessionHub(services.HubConfig{
		Stores: chat.Stores{
			Requests:      requestRepo,
			Conversations: conversationRepo,
			Messages:      messageRepo,
			Profiles:      userRepo,
			Feed:          feed,
		},
		Users:        userService,
		Proximity:    finder,
		Notifier:     notifier,
		Metrics:      m,
		PollInterval: cfg.Chat.PollInterval,
		Radius:       cfg.Chat.DefaultRadiusMeters,
		IdleTimeout:  cfg.Chat.IdleTimeout,
	})

	router := handlers.NewRouter(handlers.RouterConfig{
		Users:    userService,
		Hub:      hub,
		Uploader: uploader,
		Metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().
			Str("host", cfg.Server.Host).
			Int("port", cfg.Server.Port).
			Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	hub.Close()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

// setupLogger configures zerolog logger
func setupLogger(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
