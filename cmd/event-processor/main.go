package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/scratcha/scratcha/internal/config"
	"github.com/scratcha/scratcha/internal/consumer"
	"github.com/scratcha/scratcha/internal/logging"
	"github.com/scratcha/scratcha/internal/processor"
	"github.com/scratcha/scratcha/internal/storage"
)

func main() {
	// Load config
	configPath := config.Path("config/processor.yaml")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("Failed to load config")
	}

	// Setup logging
	logCloser, err := logging.Setup(cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to setup logging")
	}
	defer logCloser.Close()

	log.Info().
		Strs("kafka_brokers", cfg.Kafka.Brokers).
		Str("clickhouse_addr", cfg.ClickHouse.Addr).
		Int("batch_size", cfg.Batch.Size).
		Dur("flush_interval", cfg.Batch.FlushInterval).
		Msg("Configuration loaded")

	// Initialize ClickHouse
	ch, err := storage.NewClickHouse(cfg.ClickHouse)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to ClickHouse")
	}
	defer ch.Close()
	if err := ch.Migrate(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Failed to create ClickHouse tables")
	}
	log.Info().Msg("Connected to ClickHouse")

	// Create event processor
	eventProcessor := processor.NewEventProcessor(ch, cfg.Batch)

	// Create Kafka consumer
	kafkaConsumer, err := consumer.NewKafkaConsumer(cfg.Kafka, eventProcessor)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Kafka consumer")
	}

	// Start consuming
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go kafkaConsumer.Start(ctx)

	log.Info().Msg("Event processor started")

	// Graceful shutdown
	<-ctx.Done()

	log.Info().Msg("Shutting down...")
	kafkaConsumer.Close()
	eventProcessor.Stop()

	log.Info().Msg("Shutdown complete")
}
