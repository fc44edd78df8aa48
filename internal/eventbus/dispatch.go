package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/logging"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/retry"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/traces"
)

// DefaultHandlerPolicy retries a failing handler a few times in place before
// the message is given up on.
var DefaultHandlerPolicy = retry.Policy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond}

// registry holds topic handlers.
type registry struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

func newRegistry() *registry {
	return &registry{handlers: make(map[string][]Handler)}
}

func (r *registry) add(topic string, h Handler) {
	r.mu.Lock()
	r.handlers[topic] = append(r.handlers[topic], h)
	r.mu.Unlock()
}

func (r *registry) get(topic string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[topic]
}

func (r *registry) topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

// deliver runs every handler of msg.Topic under the retry policy. Handlers
// that fail with a retry.Permanent error are logged and skipped. The last
// retryable failure is returned so the gateway can redeliver the message;
// handlers that already succeeded will see it again.
func deliver(ctx context.Context, logger *slog.Logger, policy retry.Policy, handlers []Handler, msg Message) error {
	var failed error
	for _, h := range handlers {
		hctx, span := traces.StartSpan(ctx, "eventbus.deliver", traces.Topic(msg.Topic), traces.CustomerID(msg.Key))
		start := time.Now()
		var last error
		err := retry.Do(hctx, policy, func(ctx context.Context, _ int) error {
			last = h(ctx, msg)
			return last
		})
		handleDuration.WithLabelValues(msg.Topic).Observe(time.Since(start).Seconds())

		switch {
		case err == nil:
			consumedTotal.WithLabelValues(msg.Topic, "ok").Inc()
		case retry.IsPermanent(last):
			traces.Fail(span, err)
			consumedTotal.WithLabelValues(msg.Topic, "rejected").Inc()
			logger.Warn("message rejected",
				"topic", msg.Topic, "key", msg.Key, "event_id", msg.ID, "error", err)
		default:
			traces.Fail(span, err)
			consumedTotal.WithLabelValues(msg.Topic, "error").Inc()
			logger.Error("message handler failed",
				"topic", msg.Topic, "key", msg.Key, "event_id", msg.ID, "error", err)
			failed = err
		}
		span.End()
	}
	return failed
}

func componentLogger(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = logging.FromContext(context.Background())
	}
	return logger.With("component", component)
}
