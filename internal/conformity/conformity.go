// Package conformity scores a replicated profile and decides whether it is
// trustworthy enough for administrative action.
//
// Scoring starts at 100 and deducts a fixed penalty per detected issue:
// critical 25, high 15, medium 10, low 5. A profile conforms when the score
// is at least 70 and no issue is critical.
package conformity

import (
	"strings"
	"time"

	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/profile"
)

// ConformThreshold is the minimum score of a conforming profile.
const ConformThreshold = 70

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Penalty returns the score deduction for s.
func (s Severity) Penalty() int {
	switch s {
	case SeverityCritical:
		return 25
	case SeverityHigh:
		return 15
	case SeverityMedium:
		return 10
	case SeverityLow:
		return 5
	}
	return 0
}

type Category string

const (
	CategoryMissingData       Category = "missing_data"
	CategoryComplianceIssue   Category = "compliance_issue"
	CategoryIncompleteSection Category = "incomplete_section"
	CategoryNotFound          Category = "not_found"
)

// Issue is one finding of a validation pass.
type Issue struct {
	Severity Severity `json:"severity"`
	Category Category `json:"category"`
	Field    string   `json:"field,omitempty"`
	Message  string   `json:"message"`
}

// Result is the outcome of a validation pass.
type Result struct {
	CustomerID      string    `json:"customerId"`
	IsConform       bool      `json:"isConform"`
	OverallScore    int       `json:"overallScore"`
	Issues          []Issue   `json:"issues"`
	Recommendations []string  `json:"recommendations"`
	ValidatedAt     time.Time `json:"validatedAt"`
}

// HasCritical reports whether any issue is critical.
func (r *Result) HasCritical() bool {
	for _, i := range r.Issues {
		if i.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// Rating maps the result onto the coarse compliance rating.
func (r *Result) Rating() profile.ComplianceRating {
	switch {
	case r.HasCritical() || r.OverallScore < 50:
		return profile.ComplianceCritical
	case r.OverallScore >= 90:
		return profile.ComplianceHigh
	case r.OverallScore >= ConformThreshold:
		return profile.ComplianceMedium
	default:
		return profile.ComplianceLow
	}
}

var institutionRequired = []struct {
	field string
	get   func(*profile.InstitutionProfile) bool
}{
	{"denominationSociale", func(p *profile.InstitutionProfile) bool { return present(p.DenominationSociale) }},
	{"numeroAgrement", func(p *profile.InstitutionProfile) bool { return present(p.NumeroAgrement) }},
	{"autoriteSupervision", func(p *profile.InstitutionProfile) bool { return present(p.AutoriteSupervision) }},
	{"typeInstitution", func(p *profile.InstitutionProfile) bool { return present(p.TypeInstitution) }},
	{"capitalSocial", func(p *profile.InstitutionProfile) bool { return p.CapitalSocial > 0 }},
}

var companyRequired = []struct {
	field string
	get   func(*profile.CompanyProfile) bool
}{
	{"legalForm", func(p *profile.CompanyProfile) bool { return present(p.LegalForm) }},
	{"industry", func(p *profile.CompanyProfile) bool { return present(p.Industry) }},
	{"rccm", func(p *profile.CompanyProfile) bool { return present(p.RCCM) }},
	{"activities", func(p *profile.CompanyProfile) bool { return len(p.Activities) > 0 }},
}

// Evaluate scores rec. A nil rec yields the "profile not found" result.
func Evaluate(customerID string, rec *profile.Record, now time.Time) *Result {
	var issues []Issue
	if rec == nil {
		issues = []Issue{{
			Severity: SeverityCritical,
			Category: CategoryNotFound,
			Message:  "profile not found",
		}}
		return &Result{
			CustomerID:      customerID,
			OverallScore:    0,
			Issues:          issues,
			Recommendations: recommend(issues),
			ValidatedAt:     now,
		}
	}

	switch d := rec.Details.(type) {
	case *profile.InstitutionProfile:
		if d == nil {
			d = &profile.InstitutionProfile{}
		}
		issues = institutionIssues(d)
	case *profile.CompanyProfile:
		if d == nil {
			d = &profile.CompanyProfile{}
		}
		issues = companyIssues(d, rec)
	case nil:
		issues = missingDetails(rec.CustomerType)
	default:
		panic("conformity: unhandled profile details type")
	}

	score := 100
	for _, i := range issues {
		score -= i.Severity.Penalty()
	}
	score = max(0, min(100, score))

	res := &Result{
		CustomerID:      customerID,
		OverallScore:    score,
		Issues:          issues,
		Recommendations: recommend(issues),
		ValidatedAt:     now,
	}
	res.IsConform = score >= ConformThreshold && !res.HasCritical()
	return res
}

func institutionIssues(p *profile.InstitutionProfile) []Issue {
	var issues []Issue
	for _, req := range institutionRequired {
		if !req.get(p) {
			issues = append(issues, Issue{
				Severity: SeverityHigh,
				Category: CategoryMissingData,
				Field:    req.field,
				Message:  "missing required institution field " + req.field,
			})
		}
	}
	if p.RegulatoryProfile == nil || !present(p.RegulatoryProfile.ComplianceStatus) {
		issues = append(issues, Issue{
			Severity: SeverityHigh,
			Category: CategoryComplianceIssue,
			Field:    "regulatoryProfile.complianceStatus",
			Message:  "regulatory compliance status is not reported",
		})
	}
	return issues
}

func companyIssues(p *profile.CompanyProfile, rec *profile.Record) []Issue {
	var issues []Issue
	for _, req := range companyRequired {
		if !req.get(p) {
			issues = append(issues, Issue{
				Severity: SeverityMedium,
				Category: CategoryMissingData,
				Field:    req.field,
				Message:  "missing required company field " + req.field,
			})
		}
	}
	if rec.Extended == nil || !rec.Extended.FormCompleted {
		issues = append(issues, Issue{
			Severity: SeverityMedium,
			Category: CategoryIncompleteSection,
			Field:    "extendedProfile",
			Message:  "extended identification form is incomplete",
		})
	}
	if rec.Patrimoine.IsEmpty() {
		issues = append(issues, Issue{
			Severity: SeverityLow,
			Category: CategoryMissingData,
			Field:    "patrimoine",
			Message:  "no assets or stock declared",
		})
	}
	return issues
}

// missingDetails handles a placeholder record that has not received its
// specialized profile yet: every required field of its type is missing.
func missingDetails(t profile.CustomerType) []Issue {
	switch t {
	case profile.CustomerInstitution:
		return institutionIssues(&profile.InstitutionProfile{})
	case profile.CustomerCompany:
		return companyIssues(&profile.CompanyProfile{}, &profile.Record{})
	}
	return []Issue{{
		Severity: SeverityCritical,
		Category: CategoryMissingData,
		Field:    "customerType",
		Message:  "unknown customer type " + string(t),
	}}
}

func recommend(issues []Issue) []string {
	seen := make(map[Category]bool)
	critical := false
	for _, i := range issues {
		seen[i.Category] = true
		if i.Severity == SeverityCritical {
			critical = true
		}
	}

	var recs []string
	if seen[CategoryNotFound] {
		recs = append(recs, "Request a full profile synchronization from the source service")
	}
	if seen[CategoryMissingData] {
		recs = append(recs, "Complete missing critical fields")
	}
	if seen[CategoryComplianceIssue] {
		recs = append(recs, "Resolve regulatory compliance gaps")
	}
	if seen[CategoryIncompleteSection] {
		recs = append(recs, "Finish the extended identification form")
	}
	if critical {
		recs = append(recs, "Escalate to a compliance officer for manual review")
	}
	return recs
}

func present(s string) bool {
	return strings.TrimSpace(s) != ""
}

// Apply writes the derived fields of res onto rec. complianceRating and
// requiresAttention are only ever set here or by an audited admin override.
func Apply(rec *profile.Record, res *Result) {
	rec.ConformityScore = res.OverallScore
	rec.ComplianceRating = res.Rating()
	rec.RequiresAttention = !res.IsConform || hasOpenSyncFailure(rec)
	at := res.ValidatedAt
	rec.LastValidatedAt = &at
}

func hasOpenSyncFailure(rec *profile.Record) bool {
	if rec.SyncStatus != profile.SyncFailed {
		return false
	}
	for _, a := range rec.Alerts {
		if a.Type == profile.AlertSyncFailure && !a.Acknowledged {
			return true
		}
	}
	return false
}
