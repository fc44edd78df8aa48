package eventbus

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// breakerState is the state of one topic's circuit.
type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var breakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "profilesync",
	Subsystem: "eventbus",
	Name:      "breaker_transitions_total",
	Help:      "Publish circuit breaker state transitions by topic.",
}, []string{"topic", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(breakerTransitions)
}

type circuit struct {
	state       breakerState
	failures    int
	lastFailure time.Time
}

// breaker trips a topic open after threshold consecutive publish failures so
// that a broker outage fails fast instead of stalling every caller. After
// cooldown one trial publish is let through.
type breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

func (b *breaker) allow(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[topic]
	if !ok {
		return true
	}
	switch c.state {
	case stateOpen:
		if b.now().Sub(c.lastFailure) >= b.cooldown {
			b.transition(c, topic, stateHalfOpen)
			return true
		}
		return false
	case stateHalfOpen:
		return false
	default:
		return true
	}
}

func (b *breaker) record(topic string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[topic]
	if !ok {
		if err == nil {
			return
		}
		c = &circuit{}
		b.circuits[topic] = c
	}

	if err == nil {
		if c.state == stateHalfOpen {
			b.transition(c, topic, stateClosed)
		}
		c.failures = 0
		return
	}

	c.failures++
	c.lastFailure = b.now()
	switch {
	case c.state == stateHalfOpen:
		b.transition(c, topic, stateOpen)
	case c.state == stateClosed && c.failures >= b.threshold:
		b.transition(c, topic, stateOpen)
	}
}

func (b *breaker) state(topic string) breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[topic]; ok {
		return c.state
	}
	return stateClosed
}

// Caller must hold b.mu.
func (b *breaker) transition(c *circuit, topic string, to breakerState) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	breakerTransitions.WithLabelValues(topic, from.String(), to.String()).Inc()
}
