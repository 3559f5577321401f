package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/scratcha/scratcha/internal/config"
	"github.com/scratcha/scratcha/internal/consumer"
	"github.com/scratcha/scratcha/internal/insights"
	"github.com/scratcha/scratcha/internal/logging"
	"github.com/scratcha/scratcha/internal/producer"
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
		Msg("Configuration loaded")

	// Initialize ClickHouse
	ch, err := storage.NewClickHouse(cfg.ClickHouse)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to ClickHouse")
	}
	defer ch.Close()
	log.Info().Msg("Connected to ClickHouse")

	// Alerts are optional
	var alerts insights.AlertPublisher
	if _, ok := cfg.Kafka.Topics[config.TopicAlerts]; ok {
		alertProducer, err := producer.NewKafkaProducer(cfg.Kafka)
		if err != nil {
			log.Warn().Err(err).Msg("Alert publishing disabled")
		} else {
			defer alertProducer.Close()
			alerts = alertProducer
			log.Info().Str("topic", cfg.Kafka.Topics[config.TopicAlerts]).Msg("Kafka alert writer initialized")
		}
	}

	insightProcessor := insights.NewProcessor(ch, alerts, cfg.Insights, cfg.Batch.FlushInterval)

	// Override consumer group for insight processor
	cfg.Kafka.ConsumerGroup = "scratcha-insight-processor"

	// Create Kafka consumer
	kafkaConsumer, err := consumer.NewKafkaConsumer(cfg.Kafka, insightProcessor)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Kafka consumer")
	}

	// Start consuming
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go kafkaConsumer.Start(ctx)

	log.Info().
		Bool("rage_click", cfg.Insights.RageClick.Enabled).
		Bool("thrashed_cursor", cfg.Insights.ThrashedCursor.Enabled).
		Msg("Insight processor started")

	// Graceful shutdown
	<-ctx.Done()

	log.Info().Msg("Shutting down...")
	kafkaConsumer.Close()
	insightProcessor.Stop()

	log.Info().Msg("Shutdown complete")
}
