/*
Package audit provides AuditSink implementations beyond the stores.

SINKS:
  LogSink:    Writes every entry as a structured zap line
  KafkaSink:  Publishes entries as JSON to a Kafka topic (sarama SyncProducer)
  Fanout:     Writes to a primary sink, then mirrors to secondaries

FAILURE SEMANTICS:
  Only the primary decides success. A mirror that fails is logged and
  counted, and the engine's call still succeeds, because the durable trail
  lives in the primary store.

SEE ALSO:
  - billing/store.go: AuditSink and AuditLog
  - billing/lifecycle.go: Where entries are produced
*/
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"

	"github.com/warp/utility-billing/billing"
	"github.com/warp/utility-billing/metrics"
)

// =============================================================================
// LOG SINK
// =============================================================================

// LogSink writes entries to a zap logger. It never fails. The caller names
// the logger.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Append(_ context.Context, e billing.AuditEntry) error {
	fields := []zap.Field{
		zap.String("audit_id", e.ID),
		zap.Time("timestamp", e.Timestamp),
		zap.String("actor_id", e.ActorID),
		zap.String("actor_role", string(e.ActorRole)),
		zap.String("resource_type", e.ResourceType),
		zap.String("resource_id", e.ResourceID),
	}
	for k, v := range e.Metadata {
		fields = append(fields, zap.String("meta."+k, v))
	}
	s.logger.Info(string(e.Action), fields...)
	return nil
}

// =============================================================================
// KAFKA SINK
// =============================================================================

// KafkaSink publishes entries to a topic, keyed by resource id so every
// entry for one invoice lands on the same partition in order.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaSink(producer sarama.SyncProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

// NewKafkaProducer builds a SyncProducer that waits for all in-sync replicas.
func NewKafkaProducer(brokers []string, clientID string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond
	cfg.Producer.Return.Successes = true
	cfg.Producer.Compression = sarama.CompressionSnappy

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("error creating sarama SyncProducer: %w", err)
	}
	return producer, nil
}

func (s *KafkaSink) Append(ctx context.Context, e billing.AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic:     s.topic,
		Key:       sarama.StringEncoder(e.ResourceID),
		Value:     sarama.ByteEncoder(payload),
		Timestamp: e.Timestamp,
		Headers: []sarama.RecordHeader{
			{Key: []byte("action"), Value: []byte(e.Action)},
		},
	}
	if _, _, err := s.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("failed to publish audit entry %s: %w", e.ID, err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.producer.Close()
}

// =============================================================================
// FANOUT
// =============================================================================

// Fanout appends to Primary and then to each mirror.
type Fanout struct {
	Primary billing.AuditSink
	Mirrors []billing.AuditSink
	Logger  *zap.Logger
}

func NewFanout(primary billing.AuditSink, logger *zap.Logger, mirrors ...billing.AuditSink) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{Primary: primary, Mirrors: mirrors, Logger: logger}
}

func (f *Fanout) Append(ctx context.Context, e billing.AuditEntry) error {
	if err := f.Primary.Append(ctx, e); err != nil {
		return err
	}
	for _, m := range f.Mirrors {
		if err := m.Append(ctx, e); err != nil {
			metrics.AuditMirrorFailuresTotal.Inc()
			f.Logger.Warn("audit mirror failed",
				zap.String("audit_id", e.ID),
				zap.String("action", string(e.Action)),
				zap.Error(err),
			)
		}
	}
	return nil
}
