package notify

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"brokercore/internal/types"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Sink receives settlement events. Delivery is fire-and-forget from the
// engine's point of view.
type Sink interface {
	Notify(ctx context.Context, userID string, kind types.EventKind, payload json.RawMessage) error
}

type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Notify(_ context.Context, userID string, kind types.EventKind, payload json.RawMessage) error {
	s.log.Info("notification",
		zap.String("user_id", userID),
		zap.String("kind", string(kind)),
		zap.ByteString("payload", payload))
	return nil
}

// KafkaSink publishes one message per event, keyed by user so a user's
// events stay ordered within a partition.
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(brokers, topic string) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(splitBrokers(brokers)...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaSink{writer: w}
}

func (s *KafkaSink) Notify(ctx context.Context, userID string, kind types.EventKind, payload json.RawMessage) error {
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(userID),
		Value:   payload,
		Headers: []kafka.Header{{Key: "kind", Value: []byte(kind)}},
	})
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

func splitBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
