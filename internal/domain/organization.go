package domain

import "time"

// OrganizationIdentityType is the kind of an organization identity value.
type OrganizationIdentityType string

const (
	OrgIdentityPrimaryDomain     OrganizationIdentityType = "primary-domain"
	OrgIdentityAlternativeDomain OrganizationIdentityType = "alternative-domain"
	OrgIdentityAffiliatedProfile OrganizationIdentityType = "affiliated-profile"
	OrgIdentityUsername          OrganizationIdentityType = "username"
	OrgIdentityEmail             OrganizationIdentityType = "email"
)

// IsDomain reports whether values of t are hostnames.
func (t OrganizationIdentityType) IsDomain() bool {
	return t == OrgIdentityPrimaryDomain || t == OrgIdentityAlternativeDomain
}

// Organization is a company or project in a tenant's community graph.
type Organization struct {
	ID            string
	TenantID      string
	DisplayName   string
	ActivityCount int64
	MemberCount   int64
	Identities    []OrganizationIdentity
}

// OrganizationIdentity is an identity claim owned by an organization.
// Within a tenant a verified (platform, type, value) belongs to at most one organization.
type OrganizationIdentity struct {
	ID             string
	TenantID       string
	OrganizationID string
	Platform       string
	Type           OrganizationIdentityType
	Value          string
	Verified       bool
	CreatedAt      time.Time
}

// MergeSuggestionStatus is the review state of a merge suggestion.
type MergeSuggestionStatus string

const MergeSuggestionReady MergeSuggestionStatus = "ready"

// MergeSuggestion records that OrganizationID (primary) and ToMergeID likely are the same entity.
type MergeSuggestion struct {
	OrganizationID string
	ToMergeID      string
	Similarity     float64
	Status         MergeSuggestionStatus
}
