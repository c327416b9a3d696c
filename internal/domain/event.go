package domain

import "time"

// ActivityData is the activity payload of an inbound event.
type ActivityData struct {
	SourceID             string         `json:"sourceId"`
	SourceParentID       string         `json:"sourceParentId,omitempty"`
	Type                 string         `json:"type"`
	Timestamp            time.Time      `json:"timestamp"`
	Channel              string         `json:"channel,omitempty"`
	URL                  string         `json:"url,omitempty"`
	Body                 string         `json:"body,omitempty"`
	Title                string         `json:"title,omitempty"`
	Attributes           map[string]any `json:"attributes,omitempty"`
	Score                int            `json:"score,omitempty"`
	IsContribution       bool           `json:"isContribution,omitempty"`
	Username             string         `json:"username,omitempty"`
	Member               *MemberData    `json:"member,omitempty"`
	ObjectMemberUsername string         `json:"objectMemberUsername,omitempty"`
	ObjectMember         *MemberData    `json:"objectMember,omitempty"`
}

// ActivityEvent is one unit of work for the activity resolver.
type ActivityEvent struct {
	TenantID      string       `json:"tenantId"`
	IntegrationID string       `json:"integrationId"`
	SegmentID     string       `json:"segmentId,omitempty"`
	Platform      string       `json:"platform"`
	Onboarding    bool         `json:"onboarding"`
	Activity      ActivityData `json:"activity"`
}
