package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/khalifapro/crowd.dev/internal/domain"
)

// MemoryStore is an in-memory Store used by tests and dry runs.
// Transactions are serialized and roll back by restoring a snapshot.
// Stored maps are replaced on update, never mutated in place.
type MemoryStore struct {
	mu    sync.Mutex
	state memoryState
}

type memoryIdentity struct {
	domain.MemberIdentity
	seq int
}

type memoryState struct {
	seq              int
	members          map[string]domain.Member
	memberIdentities []memoryIdentity
	activities       map[string]domain.Activity
	activityTypes    map[string]bool
	activityChannels map[string]bool
	integrations     map[string]string
	repos            map[string]string
	activityCounts   map[string]int64
	lfxMembers       map[string]bool
	orgIdentities    []domain.OrganizationIdentity
	mergeSuggestions []domain.MergeSuggestion
	locks            []string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: memoryState{
			members:          map[string]domain.Member{},
			activities:       map[string]domain.Activity{},
			activityTypes:    map[string]bool{},
			activityChannels: map[string]bool{},
			integrations:     map[string]string{},
			repos:            map[string]string{},
			activityCounts:   map[string]int64{},
			lfxMembers:       map[string]bool{},
		},
	}
}

func (s memoryState) clone() memoryState {
	c := s
	c.members = make(map[string]domain.Member, len(s.members))
	for k, v := range s.members {
		c.members[k] = v
	}
	c.memberIdentities = append([]memoryIdentity(nil), s.memberIdentities...)
	c.activities = make(map[string]domain.Activity, len(s.activities))
	for k, v := range s.activities {
		c.activities[k] = v
	}
	c.activityTypes = copyBoolMap(s.activityTypes)
	c.activityChannels = copyBoolMap(s.activityChannels)
	c.lfxMembers = copyBoolMap(s.lfxMembers)
	c.integrations = copyStringMap(s.integrations)
	c.repos = copyStringMap(s.repos)
	c.activityCounts = make(map[string]int64, len(s.activityCounts))
	for k, v := range s.activityCounts {
		c.activityCounts[k] = v
	}
	c.orgIdentities = append([]domain.OrganizationIdentity(nil), s.orgIdentities...)
	c.mergeSuggestions = append([]domain.MergeSuggestion(nil), s.mergeSuggestions...)
	c.locks = append([]string(nil), s.locks...)
	return c
}

func copyBoolMap(m map[string]bool) map[string]bool {
	c := make(map[string]bool, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func copyStringMap(m map[string]string) map[string]string {
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func key(parts ...string) string {
	return strings.Join(parts, "\x00")
}

// Transactionally runs fn against a snapshot that is discarded when fn fails.
func (s *MemoryStore) Transactionally(ctx context.Context, fn TxFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	backup := s.state.clone()
	committed := false
	defer func() {
		if !committed {
			s.state = backup
		}
	}()

	if err := fn(ctx, &memoryUnitOfWork{s: s}); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *MemoryStore) ListOrganizationIdentitiesAfter(_ context.Context, filter OrganizationIdentityFilter, after *Cursor, limit int) ([]domain.OrganizationIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	types := map[domain.OrganizationIdentityType]bool{}
	for _, t := range filter.Types {
		types[t] = true
	}

	var all []domain.OrganizationIdentity
	for _, i := range s.state.orgIdentities {
		if filter.TenantID != "" && i.TenantID != filter.TenantID {
			continue
		}
		if len(types) > 0 && !types[i.Type] {
			continue
		}
		if after != nil && !cursorLess(*after, i) {
			continue
		}
		all = append(all, i)
	}
	sort.Slice(all, func(a, b int) bool {
		return cursorLess(*CursorOf(all[a]), all[b])
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// cursorLess reports whether c sorts strictly before identity.
func cursorLess(c Cursor, identity domain.OrganizationIdentity) bool {
	if !c.CreatedAt.Equal(identity.CreatedAt) {
		return c.CreatedAt.Before(identity.CreatedAt)
	}
	return c.ID < identity.ID
}

func (s *MemoryStore) ListMemberUsernamesAfter(_ context.Context, tenantID string, after *MemberUsername, limit int) ([]MemberUsername, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := map[MemberUsername]bool{}
	var all []MemberUsername
	for _, a := range s.state.activities {
		if a.DeletedAt != nil || (tenantID != "" && a.TenantID != tenantID) {
			continue
		}
		mu := MemberUsername{TenantID: a.TenantID, MemberID: a.MemberID, Platform: a.Platform, Username: a.Username}
		if seen[mu] {
			continue
		}
		if after != nil && !usernameLess(*after, mu) {
			continue
		}
		seen[mu] = true
		all = append(all, mu)
	}
	sort.Slice(all, func(i, j int) bool { return usernameLess(all[i], all[j]) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func usernameLess(a, b MemberUsername) bool {
	return key(a.TenantID, a.MemberID, a.Platform, a.Username) < key(b.TenantID, b.MemberID, b.Platform, b.Username)
}

// Seeding and inspection helpers.

// SeedMember stores m and its identities.
func (s *MemoryStore) SeedMember(m domain.Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putMember(m)
}

func (s *MemoryStore) putMember(m domain.Member) {
	identities := m.Identities
	m.Identities = nil
	s.state.members[m.ID] = m
	for _, i := range identities {
		i.MemberID = m.ID
		i.TenantID = m.TenantID
		s.addIdentity(i)
	}
}

func (s *MemoryStore) addIdentity(i domain.MemberIdentity) bool {
	for _, existing := range s.state.memberIdentities {
		if existing.TenantID == i.TenantID && existing.MemberID == i.MemberID &&
			existing.Platform == i.Platform && existing.Type == i.Type && existing.Value == i.Value {
			return false
		}
		if i.Verified && existing.Verified && existing.TenantID == i.TenantID &&
			existing.Platform == i.Platform && existing.Type == i.Type && existing.Value == i.Value {
			return false
		}
	}
	s.state.seq++
	s.state.memberIdentities = append(s.state.memberIdentities, memoryIdentity{MemberIdentity: i, seq: s.state.seq})
	return true
}

// SeedActivity stores a as is.
func (s *MemoryStore) SeedActivity(a domain.Activity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.activities[a.ID] = a
}

// SeedIntegration maps an integration to its segment.
func (s *MemoryStore) SeedIntegration(tenantID, integrationID, segmentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.integrations[key(tenantID, integrationID)] = segmentID
}

// SeedRepo maps a repository url to a segment.
func (s *MemoryStore) SeedRepo(tenantID, platform, url, segmentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.repos[key(tenantID, platform, url)] = segmentID
}

// SeedOrganization records the tie-break signals of an organization.
func (s *MemoryStore) SeedOrganization(tenantID, organizationID string, activityCount int64, lfx bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.activityCounts[key(tenantID, organizationID)] = activityCount
	s.state.lfxMembers[key(tenantID, organizationID)] = lfx
}

// SeedOrganizationIdentity stores identity, defaulting CreatedAt to a monotonic clock.
func (s *MemoryStore) SeedOrganizationIdentity(identity domain.OrganizationIdentity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if identity.CreatedAt.IsZero() {
		s.state.seq++
		identity.CreatedAt = time.Unix(int64(s.state.seq), 0).UTC()
	}
	s.state.orgIdentities = append(s.state.orgIdentities, identity)
}

// Members returns every stored member with its identities, ordered by id.
func (s *MemoryStore) Members() []domain.Member {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Member, 0, len(s.state.members))
	for _, m := range s.state.members {
		m.Identities = s.identitiesOf(m.TenantID, m.ID)
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Activities returns every stored activity, ordered by id.
func (s *MemoryStore) Activities() []domain.Activity {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Activity, 0, len(s.state.activities))
	for _, a := range s.state.activities {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OrganizationIdentities returns every stored organization identity.
func (s *MemoryStore) OrganizationIdentities() []domain.OrganizationIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.OrganizationIdentity(nil), s.state.orgIdentities...)
}

// MergeSuggestions returns every stored merge suggestion.
func (s *MemoryStore) MergeSuggestions() []domain.MergeSuggestion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.MergeSuggestion(nil), s.state.mergeSuggestions...)
}

// ActivityTypes returns the registered activity types as "platform:type".
func (s *MemoryStore) ActivityTypes(tenantID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for k := range s.state.activityTypes {
		parts := strings.Split(k, "\x00")
		if parts[0] == tenantID {
			out = append(out, parts[1]+":"+parts[2])
		}
	}
	sort.Strings(out)
	return out
}

// Locks returns the identity locks taken by committed transactions.
func (s *MemoryStore) Locks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.state.locks...)
}

func (s *MemoryStore) identitiesOf(tenantID, memberID string) []domain.MemberIdentity {
	var out []domain.MemberIdentity
	for _, i := range s.state.memberIdentities {
		if i.TenantID == tenantID && i.MemberID == memberID {
			out = append(out, i.MemberIdentity)
		}
	}
	return out
}

// memoryUnitOfWork runs with MemoryStore.mu held by Transactionally.
type memoryUnitOfWork struct {
	s *MemoryStore
}

func (u *memoryUnitOfWork) Members() MemberRepository { return memoryMembers{u.s} }

func (u *memoryUnitOfWork) Activities() ActivityRepository { return memoryActivities{u.s} }

func (u *memoryUnitOfWork) Settings() SettingsRepository { return memorySettings{u.s} }

func (u *memoryUnitOfWork) Segments() SegmentRepository { return memorySegments{u.s} }

func (u *memoryUnitOfWork) Organizations() OrganizationRepository { return memoryOrganizations{u.s} }

func (u *memoryUnitOfWork) OrganizationIdentities() OrganizationIdentityRepository {
	return memoryOrganizationIdentities{u.s}
}

func (u *memoryUnitOfWork) MergeSuggestions() MergeSuggestionRepository {
	return memoryMergeSuggestions{u.s}
}

func (u *memoryUnitOfWork) LockIdentity(_ context.Context, tenantID, platform, username string) error {
	u.s.state.locks = append(u.s.state.locks, tenantID+"/"+platform+"/"+username)
	return nil
}

type memoryMembers struct{ s *MemoryStore }

func (r memoryMembers) FindByID(_ context.Context, tenantID, id string) (*domain.Member, error) {
	m, ok := r.s.state.members[id]
	if !ok || m.TenantID != tenantID {
		return nil, fmt.Errorf("member %s: %w", id, ErrNotFound)
	}
	m.Identities = r.s.identitiesOf(tenantID, id)
	return &m, nil
}

func (r memoryMembers) FindByUsername(ctx context.Context, tenantID, platform, username string) (*domain.Member, error) {
	var matches []memoryIdentity
	verified := 0
	for _, i := range r.s.state.memberIdentities {
		if i.TenantID == tenantID && i.Platform == platform && i.Type == domain.MemberIdentityUsername && i.Value == username {
			matches = append(matches, i)
			if i.Verified {
				verified++
			}
		}
	}
	if verified > 1 {
		return nil, fmt.Errorf("%w: %s username %q verified by %d members", ErrInvariantViolation, platform, username, verified)
	}
	if len(matches) == 0 {
		return nil, nil
	}
	sort.SliceStable(matches, func(a, b int) bool {
		if matches[a].Verified != matches[b].Verified {
			return matches[a].Verified
		}
		return matches[a].seq < matches[b].seq
	})
	return r.FindByID(ctx, tenantID, matches[0].MemberID)
}

func (r memoryMembers) FindByVerifiedEmail(ctx context.Context, tenantID, email string) (*domain.Member, error) {
	owners := map[string]bool{}
	var first string
	for _, i := range r.s.state.memberIdentities {
		if i.TenantID == tenantID && i.Type == domain.MemberIdentityEmail && i.Verified && strings.EqualFold(i.Value, email) {
			if !owners[i.MemberID] && first == "" {
				first = i.MemberID
			}
			owners[i.MemberID] = true
		}
	}
	switch len(owners) {
	case 0:
		return nil, nil
	case 1:
		return r.FindByID(ctx, tenantID, first)
	default:
		return nil, fmt.Errorf("%w: email %q verified by %d members", ErrInvariantViolation, email, len(owners))
	}
}

func (r memoryMembers) VerifiedOwner(_ context.Context, tenantID, platform string, typ domain.MemberIdentityType, value string) (string, error) {
	owners := map[string]bool{}
	var owner string
	for _, i := range r.s.state.memberIdentities {
		if i.TenantID == tenantID && i.Platform == platform && i.Type == typ && i.Value == value && i.Verified {
			owners[i.MemberID] = true
			owner = i.MemberID
		}
	}
	if len(owners) > 1 {
		return "", fmt.Errorf("%w: %s %s %q verified by %d members", ErrInvariantViolation, platform, typ, value, len(owners))
	}
	return owner, nil
}

func (r memoryMembers) Create(_ context.Context, m *domain.Member) error {
	if _, exists := r.s.state.members[m.ID]; exists {
		return fmt.Errorf("member %s already exists", m.ID)
	}
	stored := *m
	stored.Identities = nil
	r.s.state.members[m.ID] = stored
	for _, i := range m.Identities {
		i.MemberID = m.ID
		i.TenantID = m.TenantID
		if !r.s.addIdentity(i) && i.Verified {
			return fmt.Errorf("%w: %s %s %q", ErrIdentityConflict, i.Platform, i.Type, i.Value)
		}
	}
	return nil
}

func (r memoryMembers) Update(_ context.Context, tenantID, id string, upd MemberUpdate) error {
	if upd.IsEmpty() {
		return nil
	}
	m, ok := r.s.state.members[id]
	if !ok || m.TenantID != tenantID {
		return fmt.Errorf("%w: member update affected 0 rows", ErrInvariantViolation)
	}
	if upd.Attributes != nil {
		m.Attributes = upd.Attributes
	}
	if upd.Reach != nil {
		m.Reach = upd.Reach
	}
	if upd.JoinedAt != nil {
		m.JoinedAt = *upd.JoinedAt
	}
	r.s.state.members[id] = m
	return nil
}

func (r memoryMembers) AddIdentityIfAbsent(_ context.Context, identity domain.MemberIdentity) (bool, error) {
	return r.s.addIdentity(identity), nil
}

type memoryActivities struct{ s *MemoryStore }

func (r memoryActivities) FindByKey(_ context.Context, k domain.ActivityKey) (*domain.Activity, error) {
	var (
		live    []domain.Activity
		deleted *domain.Activity
	)
	for _, a := range r.s.state.activities {
		if a.Key() != k {
			continue
		}
		if a.DeletedAt == nil {
			live = append(live, a)
		} else if deleted == nil {
			d := a
			deleted = &d
		}
	}
	switch {
	case len(live) > 1:
		return nil, fmt.Errorf("%w: %d live activities for source %s", ErrInvariantViolation, len(live), k.SourceID)
	case len(live) == 1:
		return &live[0], nil
	default:
		return deleted, nil
	}
}

func (r memoryActivities) InsertIfAbsent(_ context.Context, a *domain.Activity) (bool, error) {
	for _, existing := range r.s.state.activities {
		if existing.DeletedAt == nil && existing.Key() == a.Key() {
			return false, nil
		}
	}
	r.s.state.activities[a.ID] = *a
	return true, nil
}

func (r memoryActivities) Update(_ context.Context, tenantID, id string, upd domain.ActivityUpdate) error {
	if upd.IsEmpty() {
		return nil
	}
	a, ok := r.s.state.activities[id]
	if !ok || a.TenantID != tenantID || a.DeletedAt != nil {
		return fmt.Errorf("%w: activity update affected 0 rows", ErrInvariantViolation)
	}
	applyActivityUpdate(&a, upd)
	r.s.state.activities[id] = a
	return nil
}

func applyActivityUpdate(a *domain.Activity, upd domain.ActivityUpdate) {
	if upd.Type != nil {
		a.Type = *upd.Type
	}
	if upd.IsContribution != nil {
		a.IsContribution = *upd.IsContribution
	}
	if upd.Score != nil {
		a.Score = *upd.Score
	}
	if upd.SourceParentID != nil {
		a.SourceParentID = *upd.SourceParentID
	}
	if upd.MemberID != nil {
		a.MemberID = *upd.MemberID
	}
	if upd.Username != nil {
		a.Username = *upd.Username
	}
	if upd.ObjectMemberID != nil {
		a.ObjectMemberID = *upd.ObjectMemberID
	}
	if upd.ObjectMemberUsername != nil {
		a.ObjectMemberUsername = *upd.ObjectMemberUsername
	}
	if upd.Attributes != nil {
		a.Attributes = upd.Attributes
	}
	if upd.Body != nil {
		a.Body = *upd.Body
	}
	if upd.Title != nil {
		a.Title = *upd.Title
	}
	if upd.Sentiment != nil {
		s := *upd.Sentiment
		a.Sentiment = &s
	}
	if upd.Channel != nil {
		a.Channel = *upd.Channel
	}
	if upd.URL != nil {
		a.URL = *upd.URL
	}
	if upd.OrganizationID != nil {
		a.OrganizationID = *upd.OrganizationID
	}
	if upd.Platform != nil {
		a.Platform = *upd.Platform
	}
}

func (r memoryActivities) Delete(_ context.Context, tenantID, id string) error {
	a, ok := r.s.state.activities[id]
	if !ok || a.TenantID != tenantID {
		return fmt.Errorf("%w: activity delete affected 0 rows", ErrInvariantViolation)
	}
	delete(r.s.state.activities, id)
	return nil
}

type memorySettings struct{ s *MemoryStore }

func (r memorySettings) EnsureActivityType(_ context.Context, tenantID, platform, activityType string) (bool, error) {
	k := key(tenantID, platform, activityType)
	if r.s.state.activityTypes[k] {
		return false, nil
	}
	r.s.state.activityTypes[k] = true
	return true, nil
}

func (r memorySettings) EnsureActivityChannel(_ context.Context, tenantID, platform, channel string) (bool, error) {
	k := key(tenantID, platform, channel)
	if r.s.state.activityChannels[k] {
		return false, nil
	}
	r.s.state.activityChannels[k] = true
	return true, nil
}

type memorySegments struct{ s *MemoryStore }

func (r memorySegments) IntegrationSegment(_ context.Context, tenantID, integrationID string) (string, error) {
	segmentID, ok := r.s.state.integrations[key(tenantID, integrationID)]
	if !ok {
		return "", fmt.Errorf("integration %s: %w", integrationID, ErrNotFound)
	}
	return segmentID, nil
}

func (r memorySegments) RepoSegment(_ context.Context, tenantID, platform, url string) (string, error) {
	return r.s.state.repos[key(tenantID, platform, url)], nil
}

type memoryOrganizations struct{ s *MemoryStore }

func (r memoryOrganizations) ActivityCount(_ context.Context, tenantID, organizationID string) (int64, error) {
	return r.s.state.activityCounts[key(tenantID, organizationID)], nil
}

func (r memoryOrganizations) IsLFXMember(_ context.Context, tenantID, organizationID string) (bool, error) {
	return r.s.state.lfxMembers[key(tenantID, organizationID)], nil
}

type memoryOrganizationIdentities struct{ s *MemoryStore }

func (r memoryOrganizationIdentities) FindMatching(_ context.Context, tenantID, platform string, typ domain.OrganizationIdentityType, verified bool, value string) ([]domain.OrganizationIdentity, error) {
	var out []domain.OrganizationIdentity
	for _, i := range r.s.state.orgIdentities {
		if i.TenantID == tenantID && i.Platform == platform && i.Type == typ && i.Verified == verified && i.Value == value {
			out = append(out, i)
		}
	}
	return out, nil
}

func (r memoryOrganizationIdentities) HasOtherVerified(_ context.Context, identity domain.OrganizationIdentity) (bool, error) {
	for _, i := range r.s.state.orgIdentities {
		if i.TenantID == identity.TenantID && i.OrganizationID == identity.OrganizationID &&
			i.Type == identity.Type && i.Verified && i.ID != identity.ID {
			return true, nil
		}
	}
	return false, nil
}

func (r memoryOrganizationIdentities) indexOf(identity domain.OrganizationIdentity, what string) (int, error) {
	idx := -1
	for n, i := range r.s.state.orgIdentities {
		if i.ID == identity.ID && i.TenantID == identity.TenantID && i.OrganizationID == identity.OrganizationID &&
			i.Platform == identity.Platform && i.Type == identity.Type && i.Verified == identity.Verified && i.Value == identity.Value {
			idx = n
		}
	}
	if idx < 0 {
		return 0, fmt.Errorf("%w: %s affected 0 rows", ErrInvariantViolation, what)
	}
	return idx, nil
}

func (r memoryOrganizationIdentities) UpdateValue(_ context.Context, identity domain.OrganizationIdentity, newValue string) error {
	idx, err := r.indexOf(identity, "organization identity update")
	if err != nil {
		return err
	}
	r.s.state.orgIdentities[idx].Value = newValue
	return nil
}

func (r memoryOrganizationIdentities) Unverify(_ context.Context, identity domain.OrganizationIdentity, newValue string) error {
	idx, err := r.indexOf(identity, "organization identity unverify")
	if err != nil {
		return err
	}
	r.s.state.orgIdentities[idx].Value = newValue
	r.s.state.orgIdentities[idx].Verified = false
	return nil
}

func (r memoryOrganizationIdentities) Delete(_ context.Context, identity domain.OrganizationIdentity) error {
	idx, err := r.indexOf(identity, "organization identity delete")
	if err != nil {
		return err
	}
	ids := r.s.state.orgIdentities
	r.s.state.orgIdentities = append(ids[:idx:idx], ids[idx+1:]...)
	return nil
}

type memoryMergeSuggestions struct{ s *MemoryStore }

func (r memoryMergeSuggestions) InsertIfAbsent(_ context.Context, suggestion domain.MergeSuggestion) (bool, error) {
	for _, existing := range r.s.state.mergeSuggestions {
		if existing.OrganizationID == suggestion.OrganizationID && existing.ToMergeID == suggestion.ToMergeID {
			return false, nil
		}
	}
	r.s.state.mergeSuggestions = append(r.s.state.mergeSuggestions, suggestion)
	return true, nil
}
