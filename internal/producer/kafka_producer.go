package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/scratcha/scratcha/internal/config"
	"github.com/scratcha/scratcha/internal/session"
)

type KafkaProducer struct {
	writers map[string]*kafka.Writer
	topics  map[string]string
}

func NewKafkaProducer(cfg config.KafkaConfig) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}
	writers := make(map[string]*kafka.Writer)

	for name, topic := range cfg.Topics {
		writers[name] = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchSize:    100,
			BatchTimeout: time.Millisecond * 100,
			Async:        true,
		}
	}

	return &KafkaProducer{
		writers: writers,
		topics:  cfg.Topics,
	}, nil
}

func (p *KafkaProducer) write(ctx context.Context, name string, key []byte, v any) error {
	w, ok := p.writers[name]
	if !ok {
		return fmt.Errorf("topic %q not configured", name)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return w.WriteMessages(ctx, kafka.Message{
		Key:   key,
		Value: data,
	})
}

// PublishSession emits an assembled session keyed by its ID.
func (p *KafkaProducer) PublishSession(ctx context.Context, rec *session.Record) error {
	return p.write(ctx, config.TopicSessions, []byte(rec.ID), rec)
}

// PublishAlert emits an insight alert on the alerts topic.
func (p *KafkaProducer) PublishAlert(ctx context.Context, key string, alert any) error {
	return p.write(ctx, config.TopicAlerts, []byte(key), alert)
}

func (p *KafkaProducer) Close() error {
	for _, w := range p.writers {
		w.Close()
	}
	return nil
}
