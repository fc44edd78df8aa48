package profilesync

import (
	"fmt"
	"slices"

	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/profile"
)

var (
	institutionSections = []string{
		"basic_info",
		"institution_specific_data",
		"regulatory_data",
		"compliance_info",
		"performance_metrics",
		"digital_presence",
		"governance_structure",
		"financial_metrics",
	}
	companySections = []string{
		"basic_info",
		"company_profile",
		"extended_identification",
		"assets_data",
		"stocks_data",
		"financial_data",
		"performance_data",
		"compliance_info",
	}
)

// RequestedSections lists the sections a sync request asks the source
// service for. The returned slice is a copy.
func RequestedSections(t profile.CustomerType) ([]string, error) {
	switch t {
	case profile.CustomerInstitution:
		return slices.Clone(institutionSections), nil
	case profile.CustomerCompany:
		return slices.Clone(companySections), nil
	}
	return nil, fmt.Errorf("no section set for customer type %q", t)
}
