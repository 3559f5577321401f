package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/scratcha/scratcha/internal/config"
	"github.com/scratcha/scratcha/internal/enricher"
	"github.com/scratcha/scratcha/internal/handler"
	"github.com/scratcha/scratcha/internal/logging"
	"github.com/scratcha/scratcha/internal/producer"
	"github.com/scratcha/scratcha/internal/session"
	"github.com/scratcha/scratcha/internal/validation"
)

func main() {
	// Load config
	configPath := config.Path("config/ingestor.yaml")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	// Setup logging
	logCloser, err := logging.Setup(cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to setup logging")
	}
	defer logCloser.Close()

	log.Info().Msg("Starting Scratcha Ingestor...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies
	kafkaProducer, err := producer.NewKafkaProducer(cfg.Kafka)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Kafka producer")
	}
	defer kafkaProducer.Close()
	log.Info().Msg("Kafka producer initialized")

	validator, err := validation.NewValidator(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create validator")
	}
	defer validator.Close()
	log.Info().Msg("Validator initialized")

	var store session.Store
	if cfg.Redis.Addr != "" {
		redisStore := session.NewRedisStore(cfg.Redis)
		if err := redisStore.Ping(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer redisStore.Close()
		store = redisStore
	} else {
		log.Warn().Msg("No Redis configured, assembling chunks in memory")
		store = session.NewMemoryStore()
	}
	assembler := session.NewAssembler(store, cfg.Assembly)

	eventEnricher := enricher.NewEnricher(cfg.GeoIP.DatabasePath)
	defer eventEnricher.Close()
	log.Info().Msg("Enricher initialized")

	// Rate limits follow the config file
	if err := config.Watch(ctx, configPath, func(next *config.Config) {
		validator.SetRateLimit(next.RateLimit.RequestsPerSecond)
		log.Info().Int("requests_per_second", next.RateLimit.RequestsPerSecond).Msg("Rate limit updated")
	}); err != nil {
		log.Warn().Err(err).Msg("Config watch disabled")
	}

	httpHandler := handler.NewHTTPHandler(validator, assembler, eventEnricher, kafkaProducer, cfg.Assembly)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: handler.NewRouter(httpHandler, cfg.Server.AllowedOrigins),
	}

	go func() {
		log.Info().Int("port", cfg.Server.HTTPPort).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Failed to serve HTTP")
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	<-ctx.Done()

	log.Info().Msg("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}
	log.Info().Msg("Server stopped")
}
