package domain

import "time"

// MemberIdentityType is the kind of a member identity value.
type MemberIdentityType string

const (
	MemberIdentityUsername MemberIdentityType = "username"
	MemberIdentityEmail    MemberIdentityType = "email"
)

// Member is a person in a tenant's community graph.
type Member struct {
	ID          string
	TenantID    string
	DisplayName string
	Attributes  map[string]any
	Reach       map[string]any
	JoinedAt    time.Time
	Identities  []MemberIdentity
}

// MemberIdentity is a platform identity claim owned by a member.
// Within a tenant a verified (platform, type, value) belongs to at most one member.
type MemberIdentity struct {
	MemberID string             `json:"memberId,omitempty"`
	TenantID string             `json:"tenantId,omitempty"`
	Platform string             `json:"platform"`
	Type     MemberIdentityType `json:"type"`
	Value    string             `json:"value"`
	Verified bool               `json:"verified"`
}

// MemberData is the member payload carried by an inbound activity.
type MemberData struct {
	DisplayName string           `json:"displayName,omitempty"`
	Attributes  map[string]any   `json:"attributes,omitempty"`
	Reach       map[string]any   `json:"reach,omitempty"`
	JoinedAt    *time.Time       `json:"joinedAt,omitempty"`
	Identities  []MemberIdentity `json:"identities"`
}

// UsernameFor returns the single username identity value for platform.
// ok is false when there is none or more than one.
func (m *MemberData) UsernameFor(platform string) (string, bool) {
	if m == nil {
		return "", false
	}
	var found []string
	for _, i := range m.Identities {
		if i.Platform == platform && i.Type == MemberIdentityUsername {
			found = append(found, i.Value)
		}
	}
	if len(found) != 1 {
		return "", false
	}
	return found[0], true
}

// VerifiedEmails returns the values of verified email identities, in order.
func (m *MemberData) VerifiedEmails() []string {
	if m == nil {
		return nil
	}
	var emails []string
	for _, i := range m.Identities {
		if i.Verified && i.Type == MemberIdentityEmail {
			emails = append(emails, i.Value)
		}
	}
	return emails
}

// UsernameMemberData is the payload used when an event only names a username.
func UsernameMemberData(platform, username string) *MemberData {
	return &MemberData{
		Identities: []MemberIdentity{{
			Platform: platform,
			Type:     MemberIdentityUsername,
			Value:    username,
			Verified: true,
		}},
	}
}
