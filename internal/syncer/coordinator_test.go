package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/north-brook/replaysync/internal/models"
	"github.com/north-brook/replaysync/internal/plan"
	"github.com/north-brook/replaysync/internal/provider"
)

// memStore is an in-memory session store honouring the same conditional
// transition rules as the pgx repository.
type memStore struct {
	mu        sync.Mutex
	sessions  map[uuid.UUID]*models.Session
	usage     time.Duration
	createErr map[string]error // keyed by external id
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[uuid.UUID]*models.Session)}
}

func (m *memStore) Create(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.createErr[s.ExternalID]; err != nil {
		return err
	}
	s.ID = uuid.New()
	s.CreatedAt = time.Now()
	s.UpdatedAt = s.CreatedAt
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memStore) LatestSessionTime(_ context.Context, sourceID uuid.UUID) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *time.Time
	for _, s := range m.sessions {
		if s.SourceID != sourceID {
			continue
		}
		if latest == nil || s.SessionAt.After(*latest) {
			at := s.SessionAt
			latest = &at
		}
	}
	return latest, nil
}

func (m *memStore) ExistingExternalIDs(_ context.Context, sourceID uuid.UUID, externalIDs []string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[string]bool, len(externalIDs))
	for _, id := range externalIDs {
		want[id] = true
	}
	existing := make(map[string]bool)
	for _, s := range m.sessions {
		if s.SourceID == sourceID && want[s.ExternalID] {
			existing[s.ExternalID] = true
		}
	}
	return existing, nil
}

func (m *memStore) UsageWithin(_ context.Context, _ uuid.UUID, _, _ time.Time) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage, nil
}

func (m *memStore) MarkProcessing(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Status != models.SessionStatusPending {
		return false, nil
	}
	s.Status = models.SessionStatusProcessing
	s.ProcessedAt = &at
	return true, nil
}

func (m *memStore) MarkAnalyzed(_ context.Context, id uuid.UUID, videoURL string, videoDuration int, eventsURL string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Status != models.SessionStatusProcessing {
		return false, nil
	}
	s.Status = models.SessionStatusAnalyzed
	s.VideoURL = videoURL
	s.VideoDuration = videoDuration
	s.EventsURL = eventsURL
	return true, nil
}

func (m *memStore) MarkFailedFrom(_ context.Context, id uuid.UUID, from string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Status != from {
		return false, nil
	}
	s.Status = models.SessionStatusFailed
	return true, nil
}

func (m *memStore) byExternalID(externalID string) *models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.ExternalID == externalID {
			cp := *s
			return &cp
		}
	}
	return nil
}

func (m *memStore) all() []models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Session
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	return out
}

type fakeSources struct {
	mu      sync.Mutex
	byID    map[uuid.UUID]*models.Source
	list    []models.Source
	touches []uuid.UUID
}

func (f *fakeSources) GetByID(_ context.Context, id uuid.UUID) (*models.Source, error) {
	return f.byID[id], nil
}

func (f *fakeSources) ListActivated(_ context.Context, _ *uuid.UUID) ([]models.Source, error) {
	return f.list, nil
}

func (f *fakeSources) TouchLastActive(_ context.Context, id uuid.UUID, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touches = append(f.touches, id)
	return nil
}

func (f *fakeSources) touchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.touches)
}

type fakeProjects struct {
	byID map[uuid.UUID]*models.Project
}

func (f *fakeProjects) GetByID(_ context.Context, id uuid.UUID) (*models.Project, error) {
	return f.byID[id], nil
}

// fakeLister records the cursor it was asked for.
type fakeLister struct {
	mu    sync.Mutex
	since time.Time
	recs  []provider.Recording
	err   error
	block chan struct{} // when set, ListRecordings waits on it
}

func (f *fakeLister) ListRecordings(_ context.Context, since time.Time) ([]provider.Recording, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.since = since
	f.mu.Unlock()
	return f.recs, f.err
}

func (f *fakeLister) askedSince() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.since
}

type fakeDispatcher struct {
	mu         sync.Mutex
	dispatched []string
	failIDs    map[string]bool
	store      *memStore

	inFlight int
	peak     int
	delay    time.Duration
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, _ *models.Source, sess *models.Session, rec provider.Recording) error {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.peak {
		f.peak = f.inFlight
	}
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.inFlight--
	f.dispatched = append(f.dispatched, rec.ID)
	f.mu.Unlock()

	if f.failIDs[rec.ID] {
		if f.store != nil {
			_, _ = f.store.MarkFailedFrom(ctx, sess.ID, models.SessionStatusPending)
		}
		return errors.New("render service unreachable")
	}
	return nil
}

func (f *fakeDispatcher) dispatchedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dispatched...)
}

type fixture struct {
	coordinator *Coordinator
	sources     *fakeSources
	store       *memStore
	lister      *fakeLister
	dispatcher  *fakeDispatcher
	source      *models.Source
	project     *models.Project
}

func newFixture(t *testing.T, planTier string) *fixture {
	t.Helper()
	project := &models.Project{
		ID:        uuid.New(),
		Name:      "acme",
		Plan:      planTier,
		CreatedAt: time.Now().AddDate(0, -3, 0),
	}
	source := &models.Source{
		ID:              uuid.New(),
		ProjectID:       project.ID,
		SourceType:      "rrweb",
		Host:            "https://app.acme.example",
		APIKey:          "sk-acme",
		ProviderProject: "acme-prod",
	}

	srcs := &fakeSources{byID: map[uuid.UUID]*models.Source{source.ID: source}, list: []models.Source{*source}}
	store := newMemStore()
	lister := &fakeLister{}
	dispatcher := &fakeDispatcher{store: store}

	c := NewCoordinator(
		srcs, store,
		&fakeProjects{byID: map[uuid.UUID]*models.Project{project.ID: project}},
		func(*models.Source) provider.Lister { return lister },
		dispatcher,
		7*24*time.Hour,
		nil,
	)
	return &fixture{coordinator: c, sources: srcs, store: store, lister: lister, dispatcher: dispatcher, source: source, project: project}
}

func TestPassMissingSourceIsFatal(t *testing.T) {
	f := newFixture(t, plan.Pro)
	err := f.coordinator.Pass(context.Background(), uuid.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	// No partial state: nothing touched, nothing created.
	assert.Equal(t, 0, f.sources.touchCount())
	assert.Empty(t, f.store.all())
}

func TestPassCursorIsExactlyLatestSessionTime(t *testing.T) {
	f := newFixture(t, plan.Pro)
	seeded := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.store.Create(context.Background(), &models.Session{
		SourceID:   f.source.ID,
		ExternalID: "rec-old",
		Status:     models.SessionStatusAnalyzed,
		SessionAt:  seeded,
	}))

	require.NoError(t, f.coordinator.Pass(context.Background(), f.source.ID))
	// No look-back buffer: the provider is asked from the seeded
	// timestamp itself.
	assert.True(t, f.lister.askedSince().Equal(seeded))
}

func TestPassCursorFallsBackToLookbackWindow(t *testing.T) {
	f := newFixture(t, plan.Pro)
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	f.coordinator.now = func() time.Time { return now }

	require.NoError(t, f.coordinator.Pass(context.Background(), f.source.ID))
	assert.True(t, f.lister.askedSince().Equal(now.Add(-7*24*time.Hour)))
}

func TestPassCreatesPendingSessionsAndDispatches(t *testing.T) {
	f := newFixture(t, plan.Pro)
	now := time.Now()
	f.lister.recs = []provider.Recording{
		{ID: "rec-1", Timestamp: now.Add(-time.Hour), Duration: 60},
		{ID: "rec-2", Timestamp: now.Add(-30 * time.Minute), Duration: 90},
	}

	require.NoError(t, f.coordinator.Pass(context.Background(), f.source.ID))

	all := f.store.all()
	require.Len(t, all, 2)
	assert.ElementsMatch(t, []string{"rec-1", "rec-2"}, f.dispatcher.dispatchedIDs())
	// Touched at cursor computation and again at pass completion.
	assert.Equal(t, 2, f.sources.touchCount())
}

func TestPassDedupesOnExternalID(t *testing.T) {
	f := newFixture(t, plan.Pro)
	now := time.Now()
	require.NoError(t, f.store.Create(context.Background(), &models.Session{
		SourceID:   f.source.ID,
		ExternalID: "rec-1",
		Status:     models.SessionStatusProcessing,
		SessionAt:  now.Add(-2 * time.Hour),
	}))
	f.lister.recs = []provider.Recording{
		{ID: "rec-1", Timestamp: now.Add(-2 * time.Hour), Duration: 60},
		{ID: "rec-2", Timestamp: now.Add(-time.Hour), Duration: 60},
	}

	require.NoError(t, f.coordinator.Pass(context.Background(), f.source.ID))

	assert.Equal(t, []string{"rec-2"}, f.dispatcher.dispatchedIDs())
	assert.Len(t, f.store.all(), 2)
}

func TestPassDispatchFailureDoesNotAbortSiblings(t *testing.T) {
	f := newFixture(t, plan.Pro)
	now := time.Now()
	f.lister.recs = []provider.Recording{
		{ID: "rec-ok", Timestamp: now.Add(-time.Hour), Duration: 60},
		{ID: "rec-bad", Timestamp: now.Add(-time.Hour), Duration: 60},
	}
	f.dispatcher.failIDs = map[string]bool{"rec-bad": true}

	require.NoError(t, f.coordinator.Pass(context.Background(), f.source.ID))

	assert.ElementsMatch(t, []string{"rec-ok", "rec-bad"}, f.dispatcher.dispatchedIDs())
	assert.Equal(t, models.SessionStatusFailed, f.store.byExternalID("rec-bad").Status)
	assert.Equal(t, models.SessionStatusPending, f.store.byExternalID("rec-ok").Status)
}

func TestPassBoundsDispatchConcurrencyToPlanLimit(t *testing.T) {
	f := newFixture(t, plan.Free) // worker limit 1
	now := time.Now()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		f.lister.recs = append(f.lister.recs, provider.Recording{ID: id, Timestamp: now, Duration: 10})
	}
	f.dispatcher.delay = 10 * time.Millisecond

	require.NoError(t, f.coordinator.Pass(context.Background(), f.source.ID))

	assert.Len(t, f.dispatcher.dispatchedIDs(), 5)
	assert.LessOrEqual(t, f.dispatcher.peak, plan.WorkerLimit(plan.Free))
}

func TestPassSkipsRecordingsOverAllowance(t *testing.T) {
	f := newFixture(t, plan.Free) // 30 minute allowance
	now := time.Now()
	f.lister.recs = []provider.Recording{
		{ID: "rec-big", Timestamp: now, Duration: 31 * 60},
	}

	require.NoError(t, f.coordinator.Pass(context.Background(), f.source.ID))

	assert.Empty(t, f.store.all())
	assert.Empty(t, f.dispatcher.dispatchedIDs())
}

func TestPassFailedCreateDoesNotConsumeAllowance(t *testing.T) {
	f := newFixture(t, plan.Free) // 30 minute allowance
	now := time.Now()
	f.lister.recs = []provider.Recording{
		{ID: "rec-lost", Timestamp: now.Add(-time.Hour), Duration: 20 * 60},
		{ID: "rec-kept", Timestamp: now.Add(-30 * time.Minute), Duration: 20 * 60},
	}
	f.store.createErr = map[string]error{"rec-lost": errors.New("insert failed")}

	require.NoError(t, f.coordinator.Pass(context.Background(), f.source.ID))

	// The failed insert must not count against the budget: the second
	// 20 minute recording still fits within the 30 minute allowance.
	assert.Equal(t, []string{"rec-kept"}, f.dispatcher.dispatchedIDs())
	all := f.store.all()
	require.Len(t, all, 1)
	assert.Equal(t, "rec-kept", all[0].ExternalID)
}

func TestPassTouchesSourceEvenWhenFetchFails(t *testing.T) {
	f := newFixture(t, plan.Pro)
	f.lister.err = errors.New("provider down")

	err := f.coordinator.Pass(context.Background(), f.source.ID)
	require.Error(t, err)
	// Marked seen at cursor computation and again on the way out, so a
	// crashed fetch stays visible to health checks.
	assert.Equal(t, 2, f.sources.touchCount())
}

// TestEndToEndPass walks the full scenario: empty source → 7 day cursor →
// two discoveries → one accepted via callback, one failed at dispatch →
// a late callback for the failed one is a no-op.
func TestEndToEndPass(t *testing.T) {
	f := newFixture(t, plan.Starter)
	now := time.Now()
	f.lister.recs = []provider.Recording{
		{ID: "rec-good", Timestamp: now.Add(-time.Hour), Duration: 120},
		{ID: "rec-doomed", Timestamp: now.Add(-2 * time.Hour), Duration: 60},
	}
	f.dispatcher.failIDs = map[string]bool{"rec-doomed": true}

	require.NoError(t, f.coordinator.Pass(context.Background(), f.source.ID))
	assert.WithinDuration(t, now.Add(-7*24*time.Hour), f.lister.askedSince(), 5*time.Second)

	good := f.store.byExternalID("rec-good")
	doomed := f.store.byExternalID("rec-doomed")
	require.NotNil(t, good)
	require.NotNil(t, doomed)
	assert.Equal(t, models.SessionStatusPending, good.Status)
	assert.Equal(t, models.SessionStatusFailed, doomed.Status)

	// The rendering worker accepts the good session.
	updated, err := f.store.MarkProcessing(context.Background(), good.ID, now)
	require.NoError(t, err)
	assert.True(t, updated)
	good = f.store.byExternalID("rec-good")
	assert.Equal(t, models.SessionStatusProcessing, good.Status)
	require.NotNil(t, good.ProcessedAt)

	// A late accepted callback for the doomed session must not
	// resurrect it.
	updated, err = f.store.MarkProcessing(context.Background(), doomed.ID, now)
	require.NoError(t, err)
	assert.False(t, updated)
	assert.Equal(t, models.SessionStatusFailed, f.store.byExternalID("rec-doomed").Status)
}
