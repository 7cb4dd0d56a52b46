// Package ingest connects the capture fleet's Kafka topic to the telemetry
// ingestor. Records are keyed by session id and carry one wire event each.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/mbd888/trustscore/internal/metrics"
	"github.com/mbd888/trustscore/internal/telemetry"
)

var ErrMissingSession = errors.New("ingest: record has no session id")

// Fetcher is the subset of *kgo.Client the consumer uses.
type Fetcher interface {
	PollFetches(ctx context.Context) kgo.Fetches
}

// Sender accepts decoded events. *telemetry.Ingestor implements it.
type Sender interface {
	Send(sessionID string, e telemetry.Event) bool
}

// Stats are the consumer's counters.
type Stats struct {
	Records   int64 `json:"records"`
	Accepted  int64 `json:"accepted"`
	Dropped   int64 `json:"dropped"`
	Malformed int64 `json:"malformed"`
}

// envelope is the unkeyed record form: {"sessionId": "...", "event": {...}}.
type envelope struct {
	SessionID string          `json:"sessionId"`
	Event     json.RawMessage `json:"event"`
}

// Consumer polls Kafka and forwards events.
type Consumer struct {
	client  Fetcher
	sender  Sender
	logger  *slog.Logger
	now     func() time.Time
	running atomic.Bool

	records   atomic.Int64
	accepted  atomic.Int64
	dropped   atomic.Int64
	malformed atomic.Int64
}

// NewConsumer creates a consumer.
func NewConsumer(client Fetcher, sender Sender, logger *slog.Logger) *Consumer {
	return &Consumer{
		client: client,
		sender: sender,
		logger: logger,
		now:    time.Now,
	}
}

// NewKafkaClient creates a group consumer for topic.
func NewKafkaClient(brokers []string, topic, group string) (*kgo.Client, error) {
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumerGroup(group),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	return cl, nil
}

// Running reports whether Run is active.
func (c *Consumer) Running() bool {
	return c.running.Load()
}

// Stats returns a snapshot of the counters.
func (c *Consumer) Stats() Stats {
	return Stats{
		Records:   c.records.Load(),
		Accepted:  c.accepted.Load(),
		Dropped:   c.dropped.Load(),
		Malformed: c.malformed.Load(),
	}
}

// Run polls until ctx is done or the client is closed. Call in a goroutine.
func (c *Consumer) Run(ctx context.Context) {
	c.running.Store(true)
	defer c.running.Store(false)

	c.logger.Info("kafka consumer started")
	for {
		if ctx.Err() != nil {
			return
		}
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			c.logger.Info("kafka client closed")
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			c.logger.Warn("kafka fetch error", "topic", topic, "partition", partition, "error", err)
		})
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			for _, record := range p.Records {
				if err := c.handleRecord(record); err != nil {
					c.malformed.Add(1)
					metrics.KafkaRecordsTotal.WithLabelValues("malformed").Inc()
					c.logger.Debug("skipping kafka record", "topic", record.Topic, "offset", record.Offset, "error", err)
				}
			}
		})
	}
}

func (c *Consumer) handleRecord(record *kgo.Record) error {
	c.records.Add(1)

	sessionID := string(record.Key)
	value := record.Value
	if sessionID == "" {
		var env envelope
		if err := json.Unmarshal(record.Value, &env); err != nil {
			return fmt.Errorf("decode envelope: %w", err)
		}
		if env.SessionID == "" {
			return ErrMissingSession
		}
		sessionID, value = env.SessionID, env.Event
	}

	now := record.Timestamp
	if now.IsZero() {
		now = c.now()
	}
	e, err := telemetry.DecodeEvent(value, now)
	if err != nil {
		return fmt.Errorf("decode event: %w", err)
	}

	if c.sender.Send(sessionID, e) {
		c.accepted.Add(1)
		metrics.KafkaRecordsTotal.WithLabelValues("accepted").Inc()
		metrics.EventsIngestedTotal.WithLabelValues(string(e.Kind)).Inc()
	} else {
		c.dropped.Add(1)
		metrics.KafkaRecordsTotal.WithLabelValues("dropped").Inc()
		metrics.EventsDroppedTotal.Inc()
	}
	return nil
}
