// Package impact decides how urgently a profile change notification has to
// be synchronized.
package impact

import (
	"fmt"
	"time"

	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/profile"
)

// Level is the impact stated by the source service on a change notification.
type Level string

const (
	Low    Level = "low"
	Medium Level = "medium"
	High   Level = "high"
)

// ParseLevel validates a stated impact.
func ParseLevel(s string) (Level, error) {
	switch l := Level(s); l {
	case Low, Medium, High:
		return l, nil
	}
	return "", fmt.Errorf("unknown impact level %q", s)
}

// DefaultDelay is how long a non-urgent change waits before it is synced.
const DefaultDelay = 30 * time.Minute

// CriticalSections are the sections whose change always forces an urgent sync.
var CriticalSections = map[string]bool{
	"basic_info":      true,
	"legal_info":      true,
	"financial_data":  true,
	"compliance_data": true,
	"regulatory_info": true,
	"identification":  true,
}

// TouchesCritical reports whether any section is in CriticalSections.
func TouchesCritical(sections []string) bool {
	for _, s := range sections {
		if CriticalSections[s] {
			return true
		}
	}
	return false
}

// Classify maps a stated impact and the updated sections to a sync priority.
func Classify(level Level, sections []string) profile.Priority {
	switch {
	case level == High || TouchesCritical(sections):
		return profile.PriorityUrgent
	case level == Medium || len(sections) > 5:
		return profile.PriorityHigh
	case level == Low && len(sections) <= 2:
		return profile.PriorityLow
	default:
		return profile.PriorityMedium
	}
}

// Decision says whether a change is synced now or after Delay.
type Decision struct {
	Priority  profile.Priority `json:"priority"`
	Immediate bool             `json:"immediate"`
	Delay     time.Duration    `json:"delay"`
}

// Classifier turns change notifications into sync decisions.
type Classifier struct {
	delay time.Duration
}

// NewClassifier creates a classifier whose delayed syncs wait delay.
// A non-positive delay uses DefaultDelay.
func NewClassifier(delay time.Duration) *Classifier {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Classifier{delay: delay}
}

// Decide classifies a change. Urgent priority or a critical section triggers
// an immediate sync; everything else is delayed.
func (c *Classifier) Decide(level Level, sections []string) Decision {
	p := Classify(level, sections)
	if p == profile.PriorityUrgent || TouchesCritical(sections) {
		return Decision{Priority: p, Immediate: true}
	}
	return Decision{Priority: p, Delay: c.delay}
}
