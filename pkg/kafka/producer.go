package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/processor"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// ParseBrokers splits a comma-separated broker list.
func ParseBrokers(brokers string) []string {
	var out []string
	for _, broker := range strings.Split(brokers, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			out = append(out, broker)
		}
	}
	return out
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ProducerConfig holds change event producer configuration
type ProducerConfig struct {
	Brokers []string
	Topic   string
}

// Producer publishes persisted change records as change events keyed by entity id.
type Producer struct {
	writer messageWriter
	logger ectologger.Logger
	topic  string
}

var _ processor.EventPublisher = (*Producer)(nil)

func NewProducer(cfg ProducerConfig, logger ectologger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		// dev brokers may not have the topic yet
		AllowAutoTopicCreation: true,
	}
	return newProducer(writer, cfg.Topic, logger)
}

func newProducer(writer messageWriter, topic string, logger ectologger.Logger) *Producer {
	return &Producer{writer: writer, logger: logger, topic: topic}
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// PublishChanges writes one message per change record in a single batch.
func (p *Producer) PublishChanges(ctx context.Context, changes []models.ChangeRecord) error {
	if len(changes) == 0 {
		return nil
	}

	ctx, span := tracing.StartSpan(ctx, "kafka.Producer.PublishChanges")
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", p.topic),
		attribute.String("messaging.operation", "publish"),
		attribute.Int("messaging.batch_size", len(changes)),
	)

	traceHeaders := tracing.TraceHeaders(ctx)
	messages := make([]kafka.Message, len(changes))
	for i, change := range changes {
		data, err := json.Marshal(change)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to marshal change event")
			return fmt.Errorf("failed to marshal change event %s: %w", change.ID, err)
		}

		headers := []kafka.Header{
			{Key: HeaderKind, Value: []byte(change.Kind)},
			{Key: HeaderChangeType, Value: []byte(change.ChangeType)},
			{Key: HeaderRunID, Value: []byte(change.RunID)},
		}
		for key, value := range traceHeaders {
			headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
		}

		messages[i] = kafka.Message{
			Key:     []byte(change.EntityID),
			Value:   data,
			Headers: headers,
		}
	}

	if err := p.writer.WriteMessages(ctx, messages...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish change events")
		metrics.RecordChangeEvents(p.topic, "error", len(messages))
		p.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish %d change events to Kafka topic %s", len(messages), p.topic)
		return err
	}

	span.SetStatus(codes.Ok, "change events published")
	metrics.RecordChangeEvents(p.topic, "success", len(messages))
	p.logger.WithContext(ctx).Debugf("Published %d change events to Kafka topic %s", len(messages), p.topic)
	return nil
}
