// Package profile holds the administrative replica of a customer profile.
//
// The replica is fed by the system-of-record service through asynchronous
// messages. A Record carries two independent lifecycles:
//
//   - SyncStatus: replication state, mutated only by the sync engine
//   - AdminStatus: review state, mutated by admin actions, or by the sync
//     engine on a terminal sync failure
//
// Records are never deleted. Archived is the terminal admin state.
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("profile not found")
	ErrVersionConflict   = errors.New("profile version conflict")
	ErrConcurrentUpdate  = errors.New("profile update lost to concurrent writer")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrReasonRequired    = errors.New("a reason is required for this transition")
	ErrArchived          = errors.New("profile is archived")
	ErrInvalidRecord     = errors.New("invalid profile record")
	ErrIndexOutOfRange   = errors.New("index out of range")
)

// CustomerType selects which specialized profile is populated.
type CustomerType string

const (
	CustomerCompany     CustomerType = "company"
	CustomerInstitution CustomerType = "financial_institution"
)

// Valid reports whether t is a known customer type.
func (t CustomerType) Valid() bool {
	return t == CustomerCompany || t == CustomerInstitution
}

type ComplianceRating string

const (
	ComplianceHigh     ComplianceRating = "high"
	ComplianceMedium   ComplianceRating = "medium"
	ComplianceLow      ComplianceRating = "low"
	ComplianceCritical ComplianceRating = "critical"
)

// Valid reports whether r is a known rating.
func (r ComplianceRating) Valid() bool {
	switch r {
	case ComplianceHigh, ComplianceMedium, ComplianceLow, ComplianceCritical:
		return true
	}
	return false
}

// AdminStatus is the administrative review lifecycle.
type AdminStatus string

const (
	AdminUnderReview       AdminStatus = "under_review"
	AdminValidated         AdminStatus = "validated"
	AdminFlagged           AdminStatus = "flagged"
	AdminSuspended         AdminStatus = "suspended"
	AdminArchived          AdminStatus = "archived"
	AdminRequiresAttention AdminStatus = "requires_attention"
)

// SyncStatus is the replication lifecycle.
type SyncStatus string

const (
	SyncSynced    SyncStatus = "synced"
	SyncPending   SyncStatus = "pending_sync"
	SyncScheduled SyncStatus = "sync_scheduled"
	SyncFailed    SyncStatus = "sync_failed"
)

// Priority ranks review and sync urgency.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Rank orders priorities from low (0) to urgent (3).
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// ScheduledAction names the deferred work persisted on a record.
type ScheduledAction string

const (
	ActionNone        ScheduledAction = ""
	ActionVerify      ScheduledAction = "verify"
	ActionRetry       ScheduledAction = "retry"
	ActionDelayedSync ScheduledAction = "delayed_sync"
)

// BasicInfo is the identification block shared by both customer types.
type BasicInfo struct {
	Name        string `json:"name,omitempty"`
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Address     string `json:"address,omitempty"`
	City        string `json:"city,omitempty"`
	Country     string `json:"country,omitempty"`
	Website     string `json:"website,omitempty"`
	Description string `json:"description,omitempty"`
}

// Details is the customer-type specific profile. It is implemented only by
// *CompanyProfile and *InstitutionProfile.
type Details interface {
	CustomerType() CustomerType
	sealed()
}

// CompanyProfile is the specialized profile of a company customer.
type CompanyProfile struct {
	LegalForm       string   `json:"legalForm,omitempty"`
	Industry        string   `json:"industry,omitempty"`
	RCCM            string   `json:"rccm,omitempty"`
	TaxID           string   `json:"taxId,omitempty"`
	NationalID      string   `json:"nationalId,omitempty"`
	Activities      []string `json:"activities,omitempty"`
	EmployeeCount   int      `json:"employeeCount,omitempty"`
	FoundedYear     int      `json:"foundedYear,omitempty"`
	AnnualRevenue   float64  `json:"annualRevenue,omitempty"`
	SecondarySector string   `json:"secondarySector,omitempty"`
}

func (*CompanyProfile) CustomerType() CustomerType { return CustomerCompany }
func (*CompanyProfile) sealed()                    {}

// RegulatoryProfile is the supervision data of a financial institution.
type RegulatoryProfile struct {
	ComplianceStatus string     `json:"complianceStatus,omitempty"`
	LastAuditDate    *time.Time `json:"lastAuditDate,omitempty"`
	Licenses         []string   `json:"licenses,omitempty"`
}

// InstitutionProfile is the specialized profile of a financial institution.
type InstitutionProfile struct {
	DenominationSociale string             `json:"denominationSociale,omitempty"`
	Sigle               string             `json:"sigle,omitempty"`
	NumeroAgrement      string             `json:"numeroAgrement,omitempty"`
	AutoriteSupervision string             `json:"autoriteSupervision,omitempty"`
	TypeInstitution     string             `json:"typeInstitution,omitempty"`
	CapitalSocial       float64            `json:"capitalSocial,omitempty"`
	DateAgrement        *time.Time         `json:"dateAgrement,omitempty"`
	RegulatoryProfile   *RegulatoryProfile `json:"regulatoryProfile,omitempty"`
}

func (*InstitutionProfile) CustomerType() CustomerType { return CustomerInstitution }
func (*InstitutionProfile) sealed()                    {}

// ExtendedProfile is the extended identification form of a company.
type ExtendedProfile struct {
	FormCompleted     bool              `json:"formCompleted"`
	CompletedSteps    []string          `json:"completedSteps,omitempty"`
	GeneralInfo       map[string]string `json:"generalInfo,omitempty"`
	LegalInfo         map[string]string `json:"legalInfo,omitempty"`
	PatrimonyAndMeans map[string]string `json:"patrimonyAndMeans,omitempty"`
}

// Asset is an entry of a company's patrimony.
type Asset struct {
	ID       string  `json:"id,omitempty"`
	Name     string  `json:"name"`
	Category string  `json:"category,omitempty"`
	Value    float64 `json:"value,omitempty"`
}

// StockItem is an inventory entry of a company's patrimony.
type StockItem struct {
	ID       string  `json:"id,omitempty"`
	Name     string  `json:"name"`
	Quantity float64 `json:"quantity,omitempty"`
	Value    float64 `json:"value,omitempty"`
}

type Patrimoine struct {
	Assets []Asset     `json:"assets,omitempty"`
	Stocks []StockItem `json:"stocks,omitempty"`
}

// IsEmpty reports whether there is neither an asset nor a stock entry.
func (p *Patrimoine) IsEmpty() bool {
	return p == nil || (len(p.Assets) == 0 && len(p.Stocks) == 0)
}

// Completeness mirrors the profileCompleteness block of the source service.
type Completeness struct {
	Percentage        float64  `json:"percentage"`
	MissingFields     []string `json:"missingFields,omitempty"`
	CompletedSections []string `json:"completedSections,omitempty"`
}

// HistoryEntry is one line of the bounded sync history.
type HistoryEntry struct {
	SyncID    string    `json:"syncId,omitempty"`
	Action    string    `json:"action"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
}

// Conflict records a field that diverged from the last known replica.
type Conflict struct {
	Field      string          `json:"field"`
	OldValue   json.RawMessage `json:"oldValue,omitempty"`
	NewValue   json.RawMessage `json:"newValue,omitempty"`
	Patch      string          `json:"patch,omitempty"`
	DetectedAt time.Time       `json:"detectedAt"`
	Resolved   bool            `json:"resolved"`
	ResolvedBy string          `json:"resolvedBy,omitempty"`
	ResolvedAt *time.Time      `json:"resolvedAt,omitempty"`
}

// SyncMetadata tracks replication of one record, including the durable
// schedule read back by the sweep.
type SyncMetadata struct {
	LastSyncTimestamp *time.Time      `json:"lastSyncTimestamp,omitempty"`
	DataChecksum      string          `json:"dataChecksum,omitempty"`
	ActiveSyncID      string          `json:"activeSyncId,omitempty"`
	SyncStartedAt     *time.Time      `json:"syncStartedAt,omitempty"`
	SyncExpiresAt     *time.Time      `json:"syncExpiresAt,omitempty"`
	Priority          Priority        `json:"priority,omitempty"`
	AttemptNumber     int             `json:"attemptNumber,omitempty"`
	NextScheduledSync *time.Time      `json:"nextScheduledSync,omitempty"`
	ScheduledAction   ScheduledAction `json:"scheduledAction,omitempty"`
	ScheduledReason   string          `json:"scheduledReason,omitempty"`
	History           []HistoryEntry  `json:"syncHistory"`
	Conflicts         []Conflict      `json:"conflictsDetected"`
}

// Alert is an admin-facing notice attached to a record.
type Alert struct {
	Type           string    `json:"type"`
	Level          string    `json:"level"`
	Message        string    `json:"message"`
	CreatedAt      time.Time `json:"createdAt"`
	Acknowledged   bool      `json:"acknowledged"`
	AcknowledgedBy string    `json:"acknowledgedBy,omitempty"`
}

// SyncError is one entry of the failure log kept by the retry scheduler.
type SyncError struct {
	Timestamp     time.Time `json:"timestamp"`
	Error         string    `json:"error"`
	SyncID        string    `json:"syncId"`
	AttemptNumber int       `json:"attemptNumber"`
}

// Record is the administrative replica of one customer profile.
type Record struct {
	CustomerID   string       `json:"customerId"`
	CustomerType CustomerType `json:"customerType"`
	Version      int64        `json:"version"`

	BasicInfo    BasicInfo        `json:"basicInfo"`
	Details      Details          `json:"-"`
	Extended     *ExtendedProfile `json:"extendedProfile,omitempty"`
	Patrimoine   *Patrimoine      `json:"patrimoine,omitempty"`
	Completeness Completeness     `json:"profileCompleteness"`

	ComplianceRating  ComplianceRating `json:"complianceRating,omitempty"`
	ConformityScore   int              `json:"conformityScore"`
	LastValidatedAt   *time.Time       `json:"lastValidatedAt,omitempty"`
	RequiresAttention bool             `json:"requiresAttention"`
	ReviewPriority    Priority         `json:"reviewPriority"`

	AdminStatus AdminStatus `json:"adminStatus"`
	AdminNotes  string      `json:"adminNotes,omitempty"`
	SyncStatus  SyncStatus  `json:"syncStatus"`

	Sync      SyncMetadata `json:"syncMetadata"`
	RiskFlags []string     `json:"riskFlags"`
	Alerts    []Alert      `json:"alerts"`
	ErrorLog  []SyncError  `json:"errorLog"`

	LastProfileUpdate *time.Time `json:"lastProfileUpdate,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// recordJSON is the wire form of Record with the union flattened into the
// two optional fields used by the source service.
type recordJSON struct {
	recordAlias
	CompanyProfile     *CompanyProfile     `json:"companyProfile,omitempty"`
	InstitutionProfile *InstitutionProfile `json:"institutionProfile,omitempty"`
}

type recordAlias Record

func (r Record) MarshalJSON() ([]byte, error) {
	out := recordJSON{recordAlias: recordAlias(r)}
	switch d := r.Details.(type) {
	case *CompanyProfile:
		out.CompanyProfile = d
	case *InstitutionProfile:
		out.InstitutionProfile = d
	case nil:
	default:
		return nil, fmt.Errorf("%w: unknown details type %T", ErrInvalidRecord, d)
	}
	return json.Marshal(out)
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var in recordJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*r = Record(in.recordAlias)
	switch {
	case in.CompanyProfile != nil && in.InstitutionProfile != nil:
		return fmt.Errorf("%w: both company and institution profiles present", ErrInvalidRecord)
	case in.CompanyProfile != nil:
		r.Details = in.CompanyProfile
	case in.InstitutionProfile != nil:
		r.Details = in.InstitutionProfile
	}
	return nil
}

// NewRecord returns a fresh record for a customer seen for the first time.
func NewRecord(customerID string, customerType CustomerType, now time.Time) *Record {
	return &Record{
		CustomerID:     customerID,
		CustomerType:   customerType,
		AdminStatus:    AdminUnderReview,
		SyncStatus:     SyncSynced,
		ReviewPriority: PriorityMedium,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Company returns the company profile, if populated.
func (r *Record) Company() (*CompanyProfile, bool) {
	c, ok := r.Details.(*CompanyProfile)
	return c, ok && c != nil
}

// Institution returns the institution profile, if populated.
func (r *Record) Institution() (*InstitutionProfile, bool) {
	i, ok := r.Details.(*InstitutionProfile)
	return i, ok && i != nil
}

// IsArchived reports whether the record reached its terminal admin state.
func (r *Record) IsArchived() bool {
	return r.AdminStatus == AdminArchived
}

// HasActiveSync reports whether an unexpired sync attempt is in flight.
func (r *Record) HasActiveSync(now time.Time) bool {
	if r.SyncStatus != SyncPending || r.Sync.ActiveSyncID == "" {
		return false
	}
	return r.Sync.SyncExpiresAt == nil || now.Before(*r.Sync.SyncExpiresAt)
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		panic("profile: clone marshal: " + err.Error())
	}
	out := &Record{}
	if err := json.Unmarshal(data, out); err != nil {
		panic("profile: clone unmarshal: " + err.Error())
	}
	return out
}
