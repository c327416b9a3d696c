package resolver

import (
	"context"

	"github.com/khalifapro/crowd.dev/internal/domain"
	"github.com/khalifapro/crowd.dev/internal/repository"
)

// resolveSegment returns the event segment, else the segment mapped to the
// activity's repository channel on GitHub/GitLab, else the integration's segment.
func resolveSegment(ctx context.Context, uow repository.UnitOfWork, event domain.ActivityEvent) (string, error) {
	if event.SegmentID != "" {
		return event.SegmentID, nil
	}

	if event.Platform == domain.PlatformGithub || event.Platform == domain.PlatformGitlab {
		segmentID, err := uow.Segments().RepoSegment(ctx, event.TenantID, event.Platform, event.Activity.Channel)
		if err != nil {
			return "", err
		}
		if segmentID != "" {
			return segmentID, nil
		}
	}

	return uow.Segments().IntegrationSegment(ctx, event.TenantID, event.IntegrationID)
}
