package domain

import "time"

const (
	PlatformGit    = "git"
	PlatformGithub = "github"
	PlatformGitlab = "gitlab"
)

// Sentiment is the scored tone of an activity body/title.
type Sentiment struct {
	Label     string  `json:"label"`
	Sentiment float64 `json:"sentiment"`
	Mixed     float64 `json:"mixed"`
	Neutral   float64 `json:"neutral"`
	Positive  float64 `json:"positive"`
	Negative  float64 `json:"negative"`
}

// Activity is a stored activity row.
// (TenantID, SegmentID, SourceID, Platform, Type, Channel) identifies at most one live row.
type Activity struct {
	ID                   string
	TenantID             string
	SegmentID            string
	SourceID             string
	SourceParentID       string
	Platform             string
	Type                 string
	Timestamp            time.Time
	MemberID             string
	Username             string
	ObjectMemberID       string
	ObjectMemberUsername string
	OrganizationID       string
	IsContribution       bool
	Score                int
	Channel              string
	URL                  string
	Body                 string
	Title                string
	Attributes           map[string]any
	Sentiment            *Sentiment
	DeletedAt            *time.Time
}

// ActivityKey is the natural dedupe key of an activity.
type ActivityKey struct {
	TenantID  string
	SegmentID string
	SourceID  string
	Platform  string
	Type      string
	Channel   string
}

// Key returns the natural key of a.
func (a *Activity) Key() ActivityKey {
	return ActivityKey{
		TenantID:  a.TenantID,
		SegmentID: a.SegmentID,
		SourceID:  a.SourceID,
		Platform:  a.Platform,
		Type:      a.Type,
		Channel:   a.Channel,
	}
}

// ActivityUpdate lists the mutable activity columns. Nil means unchanged.
type ActivityUpdate struct {
	Type                 *string
	IsContribution       *bool
	Score                *int
	SourceParentID       *string
	MemberID             *string
	Username             *string
	ObjectMemberID       *string
	ObjectMemberUsername *string
	Attributes           map[string]any
	Body                 *string
	Title                *string
	Sentiment            *Sentiment
	Channel              *string
	URL                  *string
	OrganizationID       *string
	Platform             *string
}

// IsEmpty reports whether no column would change.
func (u *ActivityUpdate) IsEmpty() bool {
	return u.Type == nil && u.IsContribution == nil && u.Score == nil &&
		u.SourceParentID == nil && u.MemberID == nil && u.Username == nil &&
		u.ObjectMemberID == nil && u.ObjectMemberUsername == nil &&
		u.Attributes == nil && u.Body == nil && u.Title == nil &&
		u.Sentiment == nil && u.Channel == nil && u.URL == nil &&
		u.OrganizationID == nil && u.Platform == nil
}
