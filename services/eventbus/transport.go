package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"github.com/upb/audit-control-plane/models"
	"go.uber.org/zap"
)

// Transport forwards bus events to an external system. Send is
// best-effort; a failing transport never blocks or fails publication.
type Transport interface {
	Start() error
	Send(event *models.AuditEvent) error
	Close() error
}

// KafkaTransport publishes audit events to a Kafka topic, keyed by
// audit ID so per-audit ordering survives partitioning.
type KafkaTransport struct {
	brokers  []string
	topic    string
	logger   *zap.Logger
	producer sarama.SyncProducer

	maxRetryElapsed time.Duration
}

// KafkaOption configures a KafkaTransport.
type KafkaOption func(*KafkaTransport)

// WithMaxRetryElapsed bounds the per-send retry window.
func WithMaxRetryElapsed(d time.Duration) KafkaOption {
	return func(t *KafkaTransport) { t.maxRetryElapsed = d }
}

// NewKafkaTransport creates a transport for the given brokers and
// topic. The producer is not connected until Start.
func NewKafkaTransport(brokers []string, topic string, logger *zap.Logger, opts ...KafkaOption) *KafkaTransport {
	t := &KafkaTransport{
		brokers:         brokers,
		topic:           topic,
		logger:          logger,
		maxRetryElapsed: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *KafkaTransport) Start() error {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true
	cfg.Producer.Compression = sarama.CompressionSnappy

	producer, err := sarama.NewSyncProducer(t.brokers, cfg)
	if err != nil {
		return fmt.Errorf("failed to create kafka producer: %w", err)
	}
	t.producer = producer
	t.logger.Info("kafka transport started",
		zap.Strings("brokers", t.brokers),
		zap.String("topic", t.topic))
	return nil
}

func (t *KafkaTransport) Send(event *models.AuditEvent) error {
	if t.producer == nil {
		return fmt.Errorf("kafka transport not started")
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", event.EventID, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: t.topic,
		Key:   sarama.StringEncoder(event.AuditID),
		Value: sarama.ByteEncoder(value),
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = t.maxRetryElapsed

	return backoff.Retry(func() error {
		_, _, err := t.producer.SendMessage(msg)
		if err != nil {
			t.logger.Debug("kafka send retry",
				zap.String("audit_id", event.AuditID),
				zap.Error(err))
		}
		return err
	}, policy)
}

func (t *KafkaTransport) Close() error {
	if t.producer == nil {
		return nil
	}
	return t.producer.Close()
}
