package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/mbd888/trustscore/internal/telemetry"
)

// Syncer is the subset of *kgo.Client the producer uses.
type Syncer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Producer publishes capture events keyed by session id.
type Producer struct {
	client Syncer
	topic  string
}

// NewProducer creates a producer for topic.
func NewProducer(client Syncer, topic string) *Producer {
	return &Producer{client: client, topic: topic}
}

// NewKafkaProducerClient creates a client for publishing to topic.
func NewKafkaProducerClient(brokers []string, topic string) (*kgo.Client, error) {
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return cl, nil
}

// Publish sends events for one session and waits for acknowledgement.
func (p *Producer) Publish(ctx context.Context, sessionID string, events ...telemetry.Event) error {
	records := make([]*kgo.Record, 0, len(events))
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
		ts := e.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		records = append(records, &kgo.Record{
			Topic:     p.topic,
			Key:       []byte(sessionID),
			Value:     data,
			Timestamp: ts,
		})
	}
	if err := p.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("failed to publish events: %w", err)
	}
	return nil
}
