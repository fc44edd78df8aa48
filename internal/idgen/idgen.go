// Package idgen generates identifiers for sync attempts, events and requests.
//
// Ids are prefixed, time-ordered UUIDv7 strings so that they sort by creation
// time in logs and in the store.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

const (
	prefixSync    = "sync_"
	prefixEvent   = "evt_"
	prefixRequest = "req_"
)

// New generates a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a time-ordered id with a prefix (e.g. "sync_", "evt_").
func WithPrefix(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does.
		id = uuid.New()
	}
	return prefix + id.String()
}

// SyncID identifies one synchronization attempt.
func SyncID() string { return WithPrefix(prefixSync) }

// EventID identifies one published message.
func EventID() string { return WithPrefix(prefixEvent) }

// RequestID identifies one inbound HTTP request.
func RequestID() string { return WithPrefix(prefixRequest) }

// IsSyncID reports whether id looks like an id produced by SyncID.
func IsSyncID(id string) bool {
	rest, ok := strings.CutPrefix(id, prefixSync)
	if !ok {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}
