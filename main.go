package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/Ananth-NQI/wa-relay/database"
	"github.com/Ananth-NQI/wa-relay/internal/config"
	"github.com/Ananth-NQI/wa-relay/internal/events"
	"github.com/Ananth-NQI/wa-relay/internal/handlers"
	"github.com/Ananth-NQI/wa-relay/internal/jobs"
	"github.com/Ananth-NQI/wa-relay/internal/logger"
	"github.com/Ananth-NQI/wa-relay/internal/middleware"
	"github.com/Ananth-NQI/wa-relay/internal/models"
	"github.com/Ananth-NQI/wa-relay/internal/ratelimit"
	"github.com/Ananth-NQI/wa-relay/internal/routes"
	"github.com/Ananth-NQI/wa-relay/internal/services"
	"github.com/Ananth-NQI/wa-relay/internal/storage"
)

func main() {
	// Load .env file for local development
	if os.Getenv("INSTANCE_CONNECTION_NAME") == "" {
		if err := godotenv.Load(".env"); err != nil {
			_ = godotenv.Load("environments/.env.development")
		}
	}

	cfg, err := config.Load()
	if err != nil {
		bootLog := logger.GetLogger()
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		bootLog := logger.GetLogger()
		bootLog.Fatal().Err(err).Str("level", cfg.LogLevel).Str("format", cfg.LogFormat).Msg("invalid log settings")
	}
	ctx := context.Background()

	catalog, err := config.LoadCatalog(cfg.CatalogFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load gateway catalog")
	}

	// Initialize storage
	var (
		store storage.Store
		db    *gorm.DB
	)
	if cfg.UseMemoryStore {
		log.Warn().Msg("using in-memory storage (not for production!)")
		store = storage.NewMemoryStore()
	} else {
		db, err = database.Connect(cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect database")
		}
		if err := database.Migrate(db); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate database")
		}
		log.Info().Msg("database migrations completed")
		store = storage.NewDatabaseStore(db)
	}

	if err := seedLines(ctx, store, catalog.Lines); err != nil {
		log.Fatal().Err(err).Msg("failed to seed lines")
	}

	// Rate limit counters and the maintenance lock follow the shared backend
	var (
		counter     ratelimit.CounterStore = ratelimit.NewMemoryCounter()
		locker      jobs.Locker            = &jobs.LocalLocker{}
		redisClient *redis.Client
	)
	switch {
	case cfg.RedisURL != "":
		redisClient, err = ratelimit.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect redis")
		}
		counter = ratelimit.NewRedisCounter(redisClient, "")
		locker = jobs.NewRedisLocker(redisClient, log)
	case db != nil:
		counter = ratelimit.NewDatabaseCounter(db)
	}

	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.AMQPURL != "" {
		amqpPublisher, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			log.Warn().Err(err).Msg("event broker unavailable, events will be dropped")
		} else {
			publisher = amqpPublisher
		}
	}

	// Initialize all services
	registry := services.NewGatewayRegistry(catalog.Gateways, catalog.DefaultGateway)
	identity := services.NewIdentityResolver(cfg.DefaultCountryCode)
	cache, err := services.NewLookupCache(cfg.LookupCacheSize)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create lookup cache")
	}
	gatewayClient := services.NewGatewayClient(cfg.GatewayConnectTimeout, cfg.GatewayRequestTimeout)
	usage := services.NewUsageTracker(store, cfg.RotationWindow)

	ingest := services.NewIngestService(store, identity, cache, publisher, services.IngestOptionsFromConfig(cfg), log)
	queue := services.NewQueueService(store, publisher, log)
	router := services.NewRouter(registry, gatewayClient, cfg.MaxDispatchCandidates, log)
	providers := lineProviders(cfg, log)
	outbound := services.NewOutboundService(store, ingest, registry, router, usage, ratelimit.New(counter), providers,
		publisher, services.OutboundOptionsFromConfig(cfg), log)
	summary := services.NewSummaryService(store, registry, services.NewStaticDirectory(catalog.Directory))

	maintenance := jobs.NewMaintenanceJob(queue, usage, locker, jobs.MaintenanceOptions{
		Schedule:   cfg.MaintenanceSchedule,
		Inactivity: cfg.InactivityThreshold,
		BatchSize:  cfg.ArchiveBatchSize,
	}, log)
	if err := maintenance.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start maintenance job")
	}

	// Create fiber app
	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName + " v" + cfg.Version,
		ErrorHandler: handlers.ErrorHandler(log),
	})

	// Middleware
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))

	routes.SetupRoutes(app, routes.Handlers{
		Health:    handlers.NewHealthHandler(cfg.Version, store),
		WhatsApp:  handlers.NewWhatsAppHandler(store, ingest, registry, log),
		Threads:   handlers.NewThreadHandler(summary, queue),
		Messages:  handlers.NewMessageHandler(outbound),
		Gateways:  handlers.NewGatewayHandler(services.NewGatewayStatusService(registry, usage, gatewayClient)),
		Blocklist: handlers.NewBlocklistHandler(services.NewBlocklistService(store, identity, log)),
		Sandbox:   handlers.NewSandboxHandler(store, ingest, log),
	}, routes.Options{
		Tokens: registry,
		Twilio: middleware.TwilioAuthConfig{
			AuthToken:     cfg.TwilioAuthToken,
			PublicBaseURL: cfg.PublicBaseURL,
			Disabled:      cfg.DisableWebhookValidation,
			Log:           log,
		},
	})
	if cfg.DisableWebhookValidation {
		log.Warn().Msg("Twilio webhook validation DISABLED")
	}

	// Handle graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-c
		log.Info().Msg("gracefully shutting down")
		maintenance.Stop()
		_ = app.Shutdown()
	}()

	log.Info().
		Str("port", cfg.Port).
		Str("environment", cfg.Environment).
		Bool("memory_store", cfg.UseMemoryStore).
		Int("gateways", len(catalog.Gateways)).
		Str("default_gateway", registry.DefaultSlug()).
		Int("lines", len(catalog.Lines)).
		Bool("redis", redisClient != nil).
		Msg("wa-relay starting")

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Error().Err(err).Msg("server stopped")
	}

	if err := publisher.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close event publisher")
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
}

// lineProviders registers a sender per official line provider. Twilio is
// only available with credentials.
func lineProviders(cfg *config.Config, log zerolog.Logger) *services.LineProviders {
	providers := services.NewLineProviders().
		Register(models.ProviderSandbox, services.SandboxSender{}).
		Register(models.ProviderMeta, services.NewMetaSender(cfg.MetaGraphBaseURL, cfg.GatewayRequestTimeout))

	twilioService, err := services.NewTwilioService(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioWhatsAppFrom, log)
	if err != nil {
		log.Warn().Err(err).Msg("Twilio not configured, twilio lines cannot send")
		return providers
	}
	return providers.Register(models.ProviderTwilio, twilioService)
}

// seedLines upserts the official lines listed in the catalog
func seedLines(ctx context.Context, store storage.Store, lines []config.LineConfig) error {
	for _, lc := range lines {
		line := lc.ToLine()
		if err := store.UpsertLine(ctx, &line); err != nil {
			return err
		}
	}
	return nil
}
