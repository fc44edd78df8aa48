package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"

	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/idgen"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/retry"
)

// Compile-time check that KafkaGateway implements Gateway.
var _ Gateway = (*KafkaGateway)(nil)

// KafkaConfig configures the Kafka transport.
type KafkaConfig struct {
	Brokers          []string
	ConsumerGroup    string
	ClientID         string
	BreakerThreshold int
	BreakerCooldown  time.Duration
	HandlerPolicy    retry.Policy
	// RedeliveryDelay is the pause before a partition rewound after a
	// failed message is polled again.
	RedeliveryDelay time.Duration
}

// DefaultRedeliveryDelay is the pause before a failed message is redelivered.
const DefaultRedeliveryDelay = 2 * time.Second

// KafkaGateway publishes and consumes through Kafka with franz-go. Records
// are keyed by customer id so the default key partitioner keeps a customer
// on one partition; partitions are consumed concurrently but each one
// sequentially, which preserves per-customer order.
type KafkaGateway struct {
	cfg      KafkaConfig
	producer *kgo.Client
	registry *registry
	breaker  *breaker
	logger   *slog.Logger
}

// NewKafkaGateway creates the producer client. Consumption starts in Run.
func NewKafkaGateway(cfg KafkaConfig, logger *slog.Logger) (*KafkaGateway, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("eventbus: at least one kafka broker is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "admin-profile-sync"
	}
	if cfg.HandlerPolicy.MaxAttempts == 0 {
		cfg.HandlerPolicy = DefaultHandlerPolicy
	}
	if cfg.RedeliveryDelay <= 0 {
		cfg.RedeliveryDelay = DefaultRedeliveryDelay
	}

	producer, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(5*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	return &KafkaGateway{
		cfg:      cfg,
		producer: producer,
		registry: newRegistry(),
		breaker:  newBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		logger:   componentLogger(logger, "eventbus.kafka"),
	}, nil
}

func (g *KafkaGateway) Subscribe(topic string, h Handler) {
	g.registry.add(topic, h)
}

// Publish produces one record synchronously. Publishing to a topic whose
// circuit is open fails immediately with ErrCircuitOpen.
func (g *KafkaGateway) Publish(ctx context.Context, topic, key string, payload any) error {
	if !g.breaker.allow(topic) {
		publishedTotal.WithLabelValues(topic, publishResult(ErrCircuitOpen)).Inc()
		return ErrCircuitOpen
	}

	value, err := encode(payload)
	if err != nil {
		return err
	}
	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: HeaderEventID, Value: []byte(idgen.EventID())},
			{Key: HeaderContentType, Value: []byte("application/json")},
		},
	}

	err = g.producer.ProduceSync(ctx, record).FirstErr()
	g.breaker.record(topic, err)
	publishedTotal.WithLabelValues(topic, publishResult(err)).Inc()
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Run joins the consumer group for every subscribed topic and handles
// records until ctx is cancelled.
//
// Only handled records are committed. When a record still fails with a
// retryable error, the rest of its partition's batch is skipped and the
// partition is rewound to that record, so it is redelivered after
// RedeliveryDelay. Records rejected with retry.Permanent are committed.
func (g *KafkaGateway) Run(ctx context.Context) error {
	topics := g.registry.topics()
	if len(topics) == 0 {
		<-ctx.Done()
		return nil
	}

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(g.cfg.Brokers...),
		kgo.ClientID(g.cfg.ClientID),
		kgo.ConsumerGroup(g.cfg.ConsumerGroup),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return fmt.Errorf("create kafka consumer: %w", err)
	}
	defer consumer.Close()

	g.logger.Info("kafka consumer started", "topics", topics, "group", g.cfg.ConsumerGroup)

	for {
		fetches := consumer.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			g.logger.Warn("kafka fetch error", "topic", topic, "partition", partition, "error", err)
		})

		var (
			mu      sync.Mutex
			handled []*kgo.Record
			rewind  = make(map[string]map[int32]kgo.EpochOffset)
		)
		var eg errgroup.Group
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			eg.Go(func() error {
				done, resume := g.consumePartition(ctx, p.Records)
				mu.Lock()
				defer mu.Unlock()
				handled = append(handled, done...)
				if resume != nil {
					if rewind[resume.Topic] == nil {
						rewind[resume.Topic] = make(map[int32]kgo.EpochOffset)
					}
					rewind[resume.Topic][resume.Partition] = kgo.EpochOffset{Epoch: resume.LeaderEpoch, Offset: resume.Offset}
				}
				return nil
			})
		})
		_ = eg.Wait()

		if len(handled) > 0 {
			if err := consumer.CommitRecords(ctx, handled...); err != nil && ctx.Err() == nil {
				g.logger.Error("kafka offset commit failed", "error", err)
			}
		}
		if len(rewind) > 0 {
			consumer.SetOffsets(rewind)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retry.Jitter(g.cfg.RedeliveryDelay)):
			}
		}
	}
}

// consumePartition delivers one partition's records in order. It returns the
// records that may be committed and, when a record failed with a retryable
// error, that record; records after it are left for redelivery.
func (g *KafkaGateway) consumePartition(ctx context.Context, records []*kgo.Record) ([]*kgo.Record, *kgo.Record) {
	done := make([]*kgo.Record, 0, len(records))
	for _, r := range records {
		msg := fromRecord(r)
		if err := deliver(ctx, g.logger, g.cfg.HandlerPolicy, g.registry.get(msg.Topic), msg); err != nil {
			consumedTotal.WithLabelValues(msg.Topic, "redelivered").Inc()
			g.logger.Warn("message will be redelivered",
				"topic", r.Topic, "partition", r.Partition, "offset", r.Offset, "error", err)
			return done, r
		}
		done = append(done, r)
	}
	return done, nil
}

// Ping checks broker reachability for health checks.
func (g *KafkaGateway) Ping(ctx context.Context) error {
	return g.producer.Ping(ctx)
}

func (g *KafkaGateway) Close() error {
	g.producer.Close()
	return nil
}

func fromRecord(r *kgo.Record) Message {
	msg := Message{
		Topic:     r.Topic,
		Key:       string(r.Key),
		Value:     r.Value,
		Timestamp: r.Timestamp,
	}
	for _, h := range r.Headers {
		if h.Key == HeaderEventID {
			msg.ID = string(h.Value)
		}
	}
	return msg
}
