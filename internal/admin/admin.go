// Package admin exposes the audited administrative actions on replicated
// profiles. Every mutating call names the actor performing it and leaves a
// history entry on the record.
package admin

import (
	"errors"

	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/profile"
)

var (
	ErrUnauthorized = errors.New("admin: missing or invalid admin credentials")
	ErrNotFailed    = errors.New("admin: only failed syncs can be restarted")
	ErrInvalidInput = errors.New("admin: invalid input")
)

// ComplianceOverride replaces the derived compliance fields of a record until
// the next conformity evaluation.
type ComplianceOverride struct {
	Rating            profile.ComplianceRating `json:"complianceRating"`
	RequiresAttention *bool                    `json:"requiresAttention,omitempty"`
	Reason            string                   `json:"reason"`
}

// Page is one page of a profile listing.
type Page struct {
	Profiles   []*profile.Record `json:"profiles"`
	NextCursor string            `json:"nextCursor,omitempty"`
	HasMore    bool              `json:"hasMore"`
}
