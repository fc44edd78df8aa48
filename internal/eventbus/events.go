package eventbus

import (
	"time"

	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/profile"
)

// SyncRequested asks the system-of-record service to push a full profile.
type SyncRequested struct {
	CustomerID        string           `json:"customerId"`
	SyncID            string           `json:"syncId"`
	Priority          profile.Priority `json:"priority"`
	RequestedSections []string         `json:"requestedSections"`
	Reason            string           `json:"reason"`
	RequestingService string           `json:"requestingService"`
	Timestamp         time.Time        `json:"timestamp"`
}

// ProfileShared is a full profile payload pushed by the source service.
type ProfileShared struct {
	CustomerID          string                      `json:"customerId"`
	CustomerType        profile.CustomerType        `json:"customerType"`
	BasicInfo           profile.BasicInfo           `json:"basicInfo"`
	CompanyProfile      *profile.CompanyProfile     `json:"companyProfile,omitempty"`
	InstitutionProfile  *profile.InstitutionProfile `json:"institutionProfile,omitempty"`
	ExtendedProfile     *profile.ExtendedProfile    `json:"extendedProfile,omitempty"`
	Patrimoine          *profile.Patrimoine         `json:"patrimoine,omitempty"`
	ProfileCompleteness profile.Completeness        `json:"profileCompleteness"`
	LastProfileUpdate   time.Time                   `json:"lastProfileUpdate"`
	// SyncID echoes the request this payload answers, when there is one.
	SyncID string `json:"syncId,omitempty"`
}

// UpdateContext describes where a change came from.
type UpdateContext struct {
	UpdateSource string `json:"updateSource"`
	FormType     string `json:"formType,omitempty"`
}

// ProfileUpdated notifies that sections of a profile changed at the source.
type ProfileUpdated struct {
	CustomerID      string               `json:"customerId"`
	CustomerType    profile.CustomerType `json:"customerType"`
	UpdatedSections []string             `json:"updatedSections"`
	UpdateContext   UpdateContext        `json:"updateContext"`
	Impact          string               `json:"impact"`
	Timestamp       time.Time            `json:"timestamp"`
}

// SyncPullRequest is an ad-hoc request from another service to refresh a profile.
type SyncPullRequest struct {
	CustomerID        string               `json:"customerId"`
	CustomerType      profile.CustomerType `json:"customerType,omitempty"`
	RequestingService string               `json:"requestingService"`
	RequestedData     []string             `json:"requestedData"`
	Priority          profile.Priority     `json:"priority"`
	RequestID         string               `json:"requestId"`
	Timestamp         time.Time            `json:"timestamp"`
}

// NotificationDetails carries the sync attempt an admin notification is about.
type NotificationDetails struct {
	SyncID string `json:"syncId"`
	Error  string `json:"error"`
}

// AdminNotification is pushed to administrators on terminal sync failures.
type AdminNotification struct {
	Type       string              `json:"type"`
	Severity   string              `json:"severity"`
	CustomerID string              `json:"customerId"`
	Message    string              `json:"message"`
	Details    NotificationDetails `json:"details"`
	Timestamp  time.Time           `json:"timestamp"`
}
