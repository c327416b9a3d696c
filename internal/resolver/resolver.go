// Package resolver maps inbound activities onto canonical members and
// activities, repairing stale ownership left by earlier weak identities.
package resolver

import (
	"context"
	"errors"
	"strings"

	"github.com/khalifapro/crowd.dev/internal/domain"
)

var (
	// ErrMissingUsername means the activity cannot be attributed to a member.
	ErrMissingUsername = errors.New("activity has no username for its platform")
	// ErrMissingObjectMemberUsername means the object member cannot be attributed.
	ErrMissingObjectMemberUsername = errors.New("activity object member has no username for its platform")
	// ErrObjectMemberRemoved means a stored activity has an object member the new event lacks.
	ErrObjectMemberRemoved = errors.New("activity object member missing from event")
)

// SentimentScorer scores the tone of an activity text.
type SentimentScorer interface {
	Score(ctx context.Context, text string) (*domain.Sentiment, error)
}

// Result describes what a processed activity touched.
type Result struct {
	SegmentID          string   `json:"segmentId"`
	ActivityID         string   `json:"activityId,omitempty"`
	MemberID           string   `json:"memberId,omitempty"`
	ObjectMemberID     string   `json:"objectMemberId,omitempty"`
	OrganizationID     string   `json:"organizationId,omitempty"`
	Created            bool     `json:"created"`
	Skipped            bool     `json:"skipped"`
	RemovedActivityIDs []string `json:"removedActivityIds,omitempty"`
}

// attribution derives the username and member payload of one activity party.
// The payload always carries the username identity for platform.
func attribution(platform, username string, data *domain.MemberData, missing error) (string, *domain.MemberData, error) {
	if username == "" {
		var ok bool
		if username, ok = data.UsernameFor(platform); !ok {
			return "", nil, missing
		}
	}

	if data == nil {
		return username, domain.UsernameMemberData(platform, username), nil
	}

	for _, i := range data.Identities {
		if i.Platform == platform && i.Type == domain.MemberIdentityUsername && i.Value == username {
			return username, data, nil
		}
	}

	withUsername := *data
	withUsername.Identities = append([]domain.MemberIdentity{{
		Platform: platform,
		Type:     domain.MemberIdentityUsername,
		Value:    username,
		Verified: true,
	}}, data.Identities...)
	return username, &withUsername, nil
}

// escapeNullBytes drops NUL characters, which Postgres text columns reject.
func escapeNullBytes(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}
