package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"umspos/backend/internal/domain"
)

// Transition describes one lifecycle operation affecting one or more meters.
type Transition struct {
	Kind    domain.EventKind  `json:"kind"`
	To      domain.MeterState `json:"to_state,omitempty"`
	Serials []string          `json:"-"`
	BatchID string            `json:"batch_id,omitempty"`
	AgentID string            `json:"agent_id,omitempty"`
	Actor   string            `json:"actor"`
	At      time.Time         `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, t Transition) error
	Close() error
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Transition) error { return nil }
func (NoopPublisher) Close() error                               { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaPublisher writes one message per serial, keyed by serial so every
// meter's history lands on a single partition in order.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

func NewKafkaPublisher(cfg KafkaConfig, logger *zap.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.Topic == "" {
		cfg.Topic = "meter-events"
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           50 * time.Millisecond,
		WriteTimeout:           5 * time.Second,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return newKafkaPublisher(writer, cfg.Topic, logger), nil
}

func newKafkaPublisher(writer messageWriter, topic string, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{writer: writer, topic: topic, logger: logger.Named("events")}
}

type message struct {
	Serial string `json:"serial"`
	Transition
}

func (p *KafkaPublisher) Publish(ctx context.Context, t Transition) error {
	if len(t.Serials) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(t.Serials))
	for _, serial := range t.Serials {
		value, err := json.Marshal(message{Serial: serial, Transition: t})
		if err != nil {
			return fmt.Errorf("encode event for %s: %w", serial, err)
		}
		headers := []kafka.Header{{Key: "event-kind", Value: []byte(t.Kind)}}
		if t.BatchID != "" {
			headers = append(headers, kafka.Header{Key: "batch-id", Value: []byte(t.BatchID)})
		}
		msgs = append(msgs, kafka.Message{
			Key:     []byte(serial),
			Value:   value,
			Headers: headers,
			Time:    t.At,
		})
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %s events: %w", t.Kind, err)
	}
	p.logger.Debug("lifecycle events published", zap.String("kind", string(t.Kind)), zap.Int("count", len(msgs)))
	return nil
}

func (p *KafkaPublisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}
