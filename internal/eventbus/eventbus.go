//go:generate mockgen -destination=mocks/mock_publisher.go -package=mocks . Publisher

// Package eventbus is the publish/subscribe gateway between the admin replica
// and the other platform services.
//
// Delivery is at-least-once. Messages carry the customer id as their key, and
// every gateway delivers messages with the same key one at a time, in publish
// order. Handlers must be idempotent; Deduplicate drops redeliveries of a
// message id that was already processed.
package eventbus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/retry"
)

const (
	TopicSyncRequested     = "profile.sync.requested"
	TopicProfileShared     = "profile.shared"
	TopicProfileUpdated    = "profile.updated"
	TopicSyncRequest       = "profile.sync.request"
	TopicAdminNotification = "admin.notification"
)

const (
	HeaderEventID     = "event-id"
	HeaderContentType = "content-type"
)

var (
	ErrCircuitOpen = errors.New("eventbus: circuit open")
	ErrClosed      = errors.New("eventbus: gateway closed")
)

// Message is one delivered event.
type Message struct {
	ID        string
	Topic     string
	Key       string
	Value     []byte
	Timestamp time.Time
}

// Decode unmarshals the payload into v. Malformed payloads are permanent
// failures: redelivering them cannot succeed.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Value, v); err != nil {
		return retry.Permanent(fmt.Errorf("decode %s: %w", m.Topic, err))
	}
	return nil
}

// DedupeKey returns the message id, or a content hash when the producer did
// not set one.
func (m Message) DedupeKey() string {
	if m.ID != "" {
		return m.Topic + ":" + m.ID
	}
	h := sha256.New()
	h.Write([]byte(m.Topic))
	h.Write([]byte{0})
	h.Write([]byte(m.Key))
	h.Write([]byte{0})
	h.Write(m.Value)
	return m.Topic + ":sha256:" + hex.EncodeToString(h.Sum(nil))
}

// Handler processes one message.
type Handler func(ctx context.Context, msg Message) error

// Publisher sends payload, JSON-encoded, to topic under key.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload any) error
}

// Subscriber registers handlers. Subscriptions must be made before Run.
type Subscriber interface {
	Subscribe(topic string, h Handler)
}

// Gateway is a full transport: publish, subscribe and a consume loop.
type Gateway interface {
	Publisher
	Subscriber
	// Run consumes until ctx is cancelled.
	Run(ctx context.Context) error
	Close() error
}

func encode(payload any) ([]byte, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}
