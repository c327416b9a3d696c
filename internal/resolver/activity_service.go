package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/khalifapro/crowd.dev/internal/affiliation"
	"github.com/khalifapro/crowd.dev/internal/domain"
	"github.com/khalifapro/crowd.dev/internal/merge"
	"github.com/khalifapro/crowd.dev/internal/notifier"
	"github.com/khalifapro/crowd.dev/internal/repository"
)

// maxAttempts bounds retries after losing an insert race to a concurrent worker.
const maxAttempts = 2

// ActivityService resolves inbound activities. One activity is processed per
// transaction; notifications are sent only after the transaction commits.
type ActivityService struct {
	store          repository.Store
	members        *MemberService
	affiliations   affiliation.Resolver
	notifier       notifier.Notifier
	aggregates     notifier.AggregateQueue
	sentiment      SentimentScorer
	lockIdentities bool
	logger         *zap.Logger
	newID          func() string
}

// NewActivityService creates a new activity service
func NewActivityService(
	store repository.Store,
	affiliations affiliation.Resolver,
	sync notifier.Notifier,
	aggregates notifier.AggregateQueue,
	logger *zap.Logger,
) *ActivityService {
	logger = logger.Named("activity-service")
	return &ActivityService{
		store:          store,
		members:        NewMemberService(logger.Named("member-service")),
		affiliations:   affiliations,
		notifier:       sync,
		aggregates:     aggregates,
		lockIdentities: true,
		logger:         logger,
		newID:          uuid.NewString,
	}
}

// WithSentiment enables sentiment scoring of activity texts.
func (s *ActivityService) WithSentiment(scorer SentimentScorer) *ActivityService {
	s.sentiment = scorer
	return s
}

// WithIdentityLocks toggles per-identity advisory locking.
func (s *ActivityService) WithIdentityLocks(enabled bool) *ActivityService {
	s.lockIdentities = enabled
	return s
}

// activityInput is the normalized view of an event.
type activityInput struct {
	event                domain.ActivityEvent
	username             string
	member               *domain.MemberData
	objectMemberUsername string
	objectMember         *domain.MemberData
}

// ProcessActivity resolves the event's member and object member and creates
// or updates its activity. Attribution errors and database errors are returned
// to the caller; notification failures are only logged.
func (s *ActivityService) ProcessActivity(ctx context.Context, event domain.ActivityEvent) (*Result, error) {
	logger := s.logger.With(
		zap.String("tenant_id", event.TenantID),
		zap.String("integration_id", event.IntegrationID),
		zap.String("source_id", event.Activity.SourceID),
	)
	logger.Debug("Processing activity", zap.String("platform", event.Platform))

	in, err := prepare(event)
	if err != nil {
		logger.Error("Activity cannot be attributed", zap.Error(err))
		return nil, err
	}

	var result *Result
	for attempt := 1; ; attempt++ {
		result, err = s.process(ctx, in, logger)
		if errors.Is(err, repository.ErrActivityConflict) && attempt < maxAttempts {
			logger.Warn("Activity inserted concurrently, retrying", zap.Int("attempt", attempt))
			continue
		}
		break
	}
	if err != nil {
		logger.Error("Error while processing an activity", zap.Error(err))
		return nil, err
	}

	s.afterCommit(ctx, event, result, logger)
	return result, nil
}

func prepare(event domain.ActivityEvent) (*activityInput, error) {
	a := event.Activity
	in := &activityInput{event: event}

	var err error
	in.username, in.member, err = attribution(event.Platform, a.Username, a.Member, ErrMissingUsername)
	if err != nil {
		return nil, err
	}

	if a.ObjectMember != nil || a.ObjectMemberUsername != "" {
		in.objectMemberUsername, in.objectMember, err = attribution(event.Platform, a.ObjectMemberUsername, a.ObjectMember, ErrMissingObjectMemberUsername)
		if err != nil {
			return nil, err
		}
	}

	in.event.Activity.Body = escapeNullBytes(a.Body)
	in.event.Activity.Title = escapeNullBytes(a.Title)
	return in, nil
}

func (s *ActivityService) process(ctx context.Context, in *activityInput, logger *zap.Logger) (*Result, error) {
	var result *Result
	err := s.store.Transactionally(ctx, func(ctx context.Context, uow repository.UnitOfWork) error {
		result = &Result{}
		event := in.event

		segmentID, err := resolveSegment(ctx, uow, event)
		if err != nil {
			return fmt.Errorf("failed to resolve segment: %w", err)
		}
		result.SegmentID = segmentID

		if s.lockIdentities {
			if err := s.lock(ctx, uow, event, in.username, in.objectMemberUsername); err != nil {
				return err
			}
		}

		existing, err := findExisting(ctx, uow, event, segmentID)
		if err != nil {
			return err
		}
		if existing != nil && existing.DeletedAt != nil {
			logger.Debug("Found existing activity but it is deleted, nothing to do", zap.String("activity_id", existing.ID))
			result.Skipped = true
			return nil
		}

		create := existing == nil
		if existing != nil {
			create, err = s.resolveExisting(ctx, uow, in, existing, result, logger)
			if err != nil {
				return err
			}
		} else {
			logger.Debug("No existing activity, creating a new one")
			result.MemberID, err = s.members.FindOrCreate(ctx, uow, event.TenantID, event.Platform, in.username, in.member, event.Activity.Timestamp, true)
			if err != nil {
				return err
			}
			if in.objectMember != nil {
				result.ObjectMemberID, err = s.members.FindOrCreate(ctx, uow, event.TenantID, event.Platform, in.objectMemberUsername, in.objectMember, event.Activity.Timestamp, false)
				if err != nil {
					return err
				}
			}
		}

		if create {
			return s.create(ctx, uow, in, result)
		}
		return nil
	})
	return result, err
}

// lock takes identity locks in a stable order so two workers never wait on each other.
func (s *ActivityService) lock(ctx context.Context, uow repository.UnitOfWork, event domain.ActivityEvent, usernames ...string) error {
	var names []string
	for _, u := range usernames {
		if u != "" {
			names = append(names, u)
		}
	}
	sort.Strings(names)
	for i, u := range names {
		if i > 0 && names[i-1] == u {
			continue
		}
		if err := uow.LockIdentity(ctx, event.TenantID, event.Platform, u); err != nil {
			return err
		}
	}
	return nil
}

// findExisting looks the activity up by natural key. A GitHub event also
// matches a git activity with the same key, which is then promoted.
func findExisting(ctx context.Context, uow repository.UnitOfWork, event domain.ActivityEvent, segmentID string) (*domain.Activity, error) {
	key := domain.ActivityKey{
		TenantID:  event.TenantID,
		SegmentID: segmentID,
		SourceID:  event.Activity.SourceID,
		Platform:  event.Platform,
		Type:      event.Activity.Type,
		Channel:   event.Activity.Channel,
	}
	existing, err := uow.Activities().FindByKey(ctx, key)
	if err != nil || existing != nil || event.Platform != domain.PlatformGithub {
		return existing, err
	}

	key.Platform = domain.PlatformGit
	return uow.Activities().FindByKey(ctx, key)
}

// resolveExisting repairs and updates the parties of a stored activity. It
// reports whether the activity was deleted and has to be created again.
func (s *ActivityService) resolveExisting(ctx context.Context, uow repository.UnitOfWork, in *activityInput, existing *domain.Activity, result *Result, logger *zap.Logger) (bool, error) {
	event := in.event
	a := event.Activity
	recreate := false

	removeStale := func(reason string, storedID, ownerID string) error {
		logger.Warn("Existing activity is attached to the wrong member, deleting it",
			zap.String("activity_id", existing.ID),
			zap.String("reason", reason),
			zap.String("stored_member_id", storedID),
			zap.String("owner_member_id", ownerID),
			zap.String("activity_type", a.Type),
		)
		if err := uow.Activities().Delete(ctx, event.TenantID, existing.ID); err != nil {
			return err
		}
		result.RemovedActivityIDs = append(result.RemovedActivityIDs, existing.ID)
		recreate = true
		return nil
	}

	owner, err := uow.Members().FindByUsername(ctx, event.TenantID, event.Platform, in.username)
	if err != nil {
		return false, err
	}
	if owner != nil {
		if owner.ID != existing.MemberID {
			if err := removeStale("member", existing.MemberID, owner.ID); err != nil {
				return false, err
			}
		}
		if err := s.members.Update(ctx, uow, owner, in.member, a.Timestamp); err != nil {
			return false, err
		}
		result.MemberID = owner.ID
	} else {
		logger.Debug("No member owns the identity, updating the activity's member", zap.String("member_id", existing.MemberID))
		stored, err := uow.Members().FindByID(ctx, event.TenantID, existing.MemberID)
		if err != nil {
			return false, err
		}
		if err := s.members.Update(ctx, uow, stored, in.member, a.Timestamp); err != nil {
			return false, err
		}
		result.MemberID = stored.ID
	}

	if existing.ObjectMemberID != "" && in.objectMember == nil {
		return false, fmt.Errorf("%w: activity %s", ErrObjectMemberRemoved, existing.ID)
	}

	if in.objectMember != nil {
		if existing.ObjectMemberID == "" {
			result.ObjectMemberID, err = s.members.FindOrCreate(ctx, uow, event.TenantID, event.Platform, in.objectMemberUsername, in.objectMember, a.Timestamp, false)
			if err != nil {
				return false, err
			}
		} else {
			objectOwner, err := uow.Members().FindByUsername(ctx, event.TenantID, event.Platform, in.objectMemberUsername)
			if err != nil {
				return false, err
			}
			if objectOwner != nil {
				if objectOwner.ID != existing.ObjectMemberID && !recreate {
					if err := removeStale("object member", existing.ObjectMemberID, objectOwner.ID); err != nil {
						return false, err
					}
				}
				if err := s.members.Update(ctx, uow, objectOwner, in.objectMember, a.Timestamp); err != nil {
					return false, err
				}
				result.ObjectMemberID = objectOwner.ID
			} else {
				stored, err := uow.Members().FindByID(ctx, event.TenantID, existing.ObjectMemberID)
				if err != nil {
					return false, err
				}
				if err := s.members.Update(ctx, uow, stored, in.objectMember, a.Timestamp); err != nil {
					return false, err
				}
				result.ObjectMemberID = stored.ID
			}
		}
	}

	if recreate {
		return true, nil
	}

	organizationID, err := s.affiliations.Resolve(ctx, result.MemberID, result.SegmentID, existing.Timestamp)
	if err != nil {
		return false, fmt.Errorf("failed to resolve affiliation: %w", err)
	}
	result.OrganizationID = organizationID

	desired := s.desired(in, result)
	upd := s.diff(ctx, existing, desired, event.Platform, logger)
	if err := registerSettings(ctx, uow, event.TenantID, event.Platform, upd.Type, upd.Channel); err != nil {
		return false, err
	}
	if !upd.IsEmpty() {
		logger.Debug("Updating activity", zap.String("activity_id", existing.ID))
		if err := uow.Activities().Update(ctx, event.TenantID, existing.ID, upd); err != nil {
			return false, err
		}
	}
	result.ActivityID = existing.ID
	return false, nil
}

// desired builds the activity the event describes for the resolved parties.
func (s *ActivityService) desired(in *activityInput, result *Result) *domain.Activity {
	a := in.event.Activity
	return &domain.Activity{
		TenantID:             in.event.TenantID,
		SegmentID:            result.SegmentID,
		SourceID:             a.SourceID,
		SourceParentID:       a.SourceParentID,
		Platform:             in.event.Platform,
		Type:                 a.Type,
		Timestamp:            a.Timestamp.UTC(),
		MemberID:             result.MemberID,
		Username:             in.username,
		ObjectMemberID:       result.ObjectMemberID,
		ObjectMemberUsername: in.objectMemberUsername,
		OrganizationID:       result.OrganizationID,
		IsContribution:       a.IsContribution,
		Score:                a.Score,
		Channel:              a.Channel,
		URL:                  a.URL,
		Body:                 a.Body,
		Title:                a.Title,
		Attributes:           a.Attributes,
	}
}

// diff lists the columns of orig that the desired activity changes. Empty
// incoming strings never clear stored values.
func (s *ActivityService) diff(ctx context.Context, orig, want *domain.Activity, platform string, logger *zap.Logger) domain.ActivityUpdate {
	var upd domain.ActivityUpdate

	setString := func(dst **string, stored, incoming string) {
		if incoming != "" && incoming != stored {
			v := incoming
			*dst = &v
		}
	}

	setString(&upd.Type, orig.Type, want.Type)
	setString(&upd.SourceParentID, orig.SourceParentID, want.SourceParentID)
	setString(&upd.MemberID, orig.MemberID, want.MemberID)
	setString(&upd.Username, orig.Username, want.Username)
	setString(&upd.ObjectMemberID, orig.ObjectMemberID, want.ObjectMemberID)
	setString(&upd.ObjectMemberUsername, orig.ObjectMemberUsername, want.ObjectMemberUsername)
	setString(&upd.Body, orig.Body, want.Body)
	setString(&upd.Title, orig.Title, want.Title)
	setString(&upd.Channel, orig.Channel, want.Channel)
	setString(&upd.URL, orig.URL, want.URL)
	setString(&upd.OrganizationID, orig.OrganizationID, want.OrganizationID)

	if orig.IsContribution != want.IsContribution {
		v := want.IsContribution
		upd.IsContribution = &v
	}
	if orig.Score != want.Score {
		v := want.Score
		upd.Score = &v
	}
	if attributes, changed := merge.Maps(orig.Attributes, want.Attributes); changed {
		upd.Attributes = attributes
	}
	if platform == domain.PlatformGithub && orig.Platform == domain.PlatformGit {
		v := domain.PlatformGithub
		upd.Platform = &v
	}

	if upd.Body != nil || upd.Title != nil {
		body, title := orig.Body, orig.Title
		if upd.Body != nil {
			body = *upd.Body
		}
		if upd.Title != nil {
			title = *upd.Title
		}
		upd.Sentiment = s.score(ctx, body, title, logger)
	}
	return upd
}

func (s *ActivityService) score(ctx context.Context, body, title string, logger *zap.Logger) *domain.Sentiment {
	if s.sentiment == nil {
		return nil
	}
	text := strings.TrimSpace(body + " " + title)
	if text == "" {
		return nil
	}
	sentiment, err := s.sentiment.Score(ctx, text)
	if err != nil {
		logger.Warn("Failed to score activity sentiment", zap.Error(err))
		return nil
	}
	return sentiment
}

func (s *ActivityService) create(ctx context.Context, uow repository.UnitOfWork, in *activityInput, result *Result) error {
	event := in.event

	organizationID, err := s.affiliations.Resolve(ctx, result.MemberID, result.SegmentID, event.Activity.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to resolve affiliation: %w", err)
	}
	result.OrganizationID = organizationID

	activity := s.desired(in, result)
	activity.ID = s.newID()
	if activity.Attributes == nil {
		activity.Attributes = map[string]any{}
	}
	activity.Sentiment = s.score(ctx, activity.Body, activity.Title, s.logger)

	activityType, channel := activity.Type, activity.Channel
	if err := registerSettings(ctx, uow, event.TenantID, activity.Platform, &activityType, &channel); err != nil {
		return err
	}

	written, err := uow.Activities().InsertIfAbsent(ctx, activity)
	if err != nil {
		return err
	}
	if !written {
		return fmt.Errorf("%w: source %s", repository.ErrActivityConflict, activity.SourceID)
	}

	result.ActivityID = activity.ID
	result.Created = true
	return nil
}

func registerSettings(ctx context.Context, uow repository.UnitOfWork, tenantID, platform string, activityType, channel *string) error {
	if activityType != nil && *activityType != "" {
		if _, err := uow.Settings().EnsureActivityType(ctx, tenantID, platform, *activityType); err != nil {
			return err
		}
	}
	if channel != nil && *channel != "" {
		if _, err := uow.Settings().EnsureActivityChannel(ctx, tenantID, platform, *channel); err != nil {
			return err
		}
	}
	return nil
}

// afterCommit sends best-effort notifications for everything the transaction touched.
func (s *ActivityService) afterCommit(ctx context.Context, event domain.ActivityEvent, result *Result, logger *zap.Logger) {
	for _, id := range result.RemovedActivityIDs {
		if err := s.notifier.NotifyActivityRemoved(ctx, event.TenantID, id, event.Onboarding); err != nil {
			logger.Error("Failed to notify activity removal", zap.String("activity_id", id), zap.Error(err))
		}
	}
	for _, id := range []string{result.MemberID, result.ObjectMemberID} {
		if id == "" {
			continue
		}
		if err := s.notifier.NotifyMemberChanged(ctx, event.TenantID, id, event.Onboarding, result.SegmentID); err != nil {
			logger.Error("Failed to notify member sync", zap.String("member_id", id), zap.Error(err))
		}
	}
	if result.ActivityID != "" {
		if err := s.notifier.NotifyActivityChanged(ctx, event.TenantID, result.ActivityID, event.Onboarding); err != nil {
			logger.Error("Failed to notify activity sync", zap.String("activity_id", result.ActivityID), zap.Error(err))
		}
	}
	if result.OrganizationID != "" {
		if err := s.aggregates.Enqueue(ctx, result.OrganizationID); err != nil {
			logger.Error("Failed to enqueue organization aggregates", zap.String("organization_id", result.OrganizationID), zap.Error(err))
		}
	}
}
