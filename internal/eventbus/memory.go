package eventbus

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/idgen"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/retry"
)

// Compile-time check that MemoryGateway implements Gateway.
var _ Gateway = (*MemoryGateway)(nil)

const memoryQueueSize = 1024

// MemoryGateway is an in-process Gateway for development and tests. Messages
// are routed to a fixed set of workers by key hash, so messages sharing a key
// are handled sequentially in publish order. It keeps nothing durable: a
// message whose handlers still fail after the retry policy is dropped.
type MemoryGateway struct {
	registry *registry
	logger   *slog.Logger
	policy   retry.Policy
	queues   []chan Message
	pending  sync.WaitGroup

	mu        sync.Mutex
	published []Message
	closed    bool
}

// NewMemoryGateway creates an in-process gateway with the given number of
// ordering lanes.
func NewMemoryGateway(lanes int, logger *slog.Logger) *MemoryGateway {
	if lanes <= 0 {
		lanes = 8
	}
	g := &MemoryGateway{
		registry: newRegistry(),
		logger:   componentLogger(logger, "eventbus.memory"),
		policy:   retry.Policy{MaxAttempts: DefaultHandlerPolicy.MaxAttempts, BaseDelay: time.Millisecond},
		queues:   make([]chan Message, lanes),
	}
	for i := range g.queues {
		g.queues[i] = make(chan Message, memoryQueueSize)
	}
	return g
}

func (g *MemoryGateway) Subscribe(topic string, h Handler) {
	g.registry.add(topic, h)
}

// Publish records the message and queues it for every subscriber of topic.
func (g *MemoryGateway) Publish(ctx context.Context, topic, key string, payload any) error {
	value, err := encode(payload)
	if err != nil {
		return err
	}
	msg := Message{ID: idgen.EventID(), Topic: topic, Key: key, Value: value, Timestamp: time.Now()}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	g.published = append(g.published, msg)
	g.pending.Add(1)
	g.mu.Unlock()

	publishedTotal.WithLabelValues(topic, "ok").Inc()

	select {
	case g.queues[laneOf(key, len(g.queues))] <- msg:
		return nil
	case <-ctx.Done():
		g.pending.Done()
		return ctx.Err()
	}
}

// Run starts one worker per lane and blocks until ctx is cancelled.
func (g *MemoryGateway) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, q := range g.queues {
		wg.Add(1)
		go func(q chan Message) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-q:
					if err := deliver(ctx, g.logger, g.policy, g.registry.get(msg.Topic), msg); err != nil {
						consumedTotal.WithLabelValues(msg.Topic, "dropped").Inc()
					}
					g.pending.Done()
				}
			}
		}(q)
	}
	wg.Wait()
	return nil
}

// Flush blocks until every published message has been handled. Run must be
// active.
func (g *MemoryGateway) Flush() {
	g.pending.Wait()
}

// Published returns the messages published on topic, oldest first.
func (g *MemoryGateway) Published(topic string) []Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Message
	for _, m := range g.published {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (g *MemoryGateway) Close() error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	return nil
}

func laneOf(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
