// Package mirror publishes ingested events to a Kafka topic for downstream
// pipelines. Delivery is fire-and-forget: the event store is the source of
// truth and a mirror failure never blocks or fails ingestion.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ClawScope/ClawScope/internal/store"
)

const publishTimeout = 3 * time.Second

// Mirror wraps an async Kafka writer keyed by session_id, so one session's
// events land on one partition in order.
type Mirror struct {
	writer *kafka.Writer
}

// New creates a mirror for the given comma-separated broker list. Returns nil
// when brokers is empty (mirroring disabled).
func New(brokers, topic string) *Mirror {
	brokers = strings.TrimSpace(brokers)
	if brokers == "" {
		return nil
	}
	return &Mirror{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(strings.Split(brokers, ",")...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        true,
		},
	}
}

// Publish mirrors one event. Errors are reported to the caller for logging
// only; nothing retries.
func (m *Mirror) Publish(ctx context.Context, ev *store.Event) error {
	if m == nil {
		return nil
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %d: %w", ev.ID, err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := m.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.SessionID),
		Value: body,
	}); err != nil {
		return fmt.Errorf("mirror event %d: %w", ev.ID, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (m *Mirror) Close() error {
	if m == nil {
		return nil
	}
	return m.writer.Close()
}
