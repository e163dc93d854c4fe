package decision

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/popguard/popguard/internal/patterns"
)

// recordingLearner captures every observation routed into learning.
type recordingLearner struct {
	mu   sync.Mutex
	seen []patterns.Observation
}

func (l *recordingLearner) Learn(obs *patterns.Observation) (*patterns.Pattern, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = append(l.seen, *obs)
	return nil, nil
}

func (l *recordingLearner) observations() []patterns.Observation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]patterns.Observation, len(l.seen))
	copy(out, l.seen)
	return out
}

// recordingNotifier captures tab notifications.
type recordingNotifier struct {
	mu    sync.Mutex
	calls []patterns.Observation
}

func (n *recordingNotifier) DecisionFinalized(_ TabRef, obs patterns.Observation) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, obs)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

// memoryJournal is an in-memory Journal for tests.
type memoryJournal struct {
	mu      sync.Mutex
	records map[string]PendingRecord
}

func newMemoryJournal() *memoryJournal {
	return &memoryJournal{records: make(map[string]PendingRecord)}
}

func (j *memoryJournal) SavePending(_ context.Context, rec PendingRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records[rec.PopupID] = rec
	return nil
}

func (j *memoryJournal) RemovePending(_ context.Context, popupID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.records, popupID)
	return nil
}

func (j *memoryJournal) LoadPending(_ context.Context) ([]PendingRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]PendingRecord, 0, len(j.records))
	for _, rec := range j.records {
		out = append(out, rec)
	}
	return out, nil
}

func (j *memoryJournal) size() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.records)
}

func testObservation(t *testing.T, domain string) *patterns.Observation {
	t.Helper()
	obs, err := patterns.NewObservation(domain, patterns.Characteristics{
		HasCloseButton: patterns.Bool(true),
		ContainsAds:    patterns.Bool(true),
		IsModal:        patterns.Bool(true),
	})
	require.NoError(t, err)
	return obs
}

func newTestCoordinator(t *testing.T, learner Learner, opts ...Option) *Coordinator {
	t.Helper()
	if learner == nil {
		learner = &recordingLearner{}
	}
	// Keep the background sweeper out of timing-sensitive tests.
	opts = append([]Option{WithSweepInterval(0)}, opts...)
	c, err := NewCoordinator(learner, zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)
	return c
}

func TestNewCoordinatorRequiresLearner(t *testing.T) {
	_, err := NewCoordinator(nil, zap.NewNop())
	assert.Error(t, err)
}

func TestOpenAndResolve(t *testing.T) {
	learner := &recordingLearner{}
	c := newTestCoordinator(t, learner)

	obs := testObservation(t, "news.example")
	require.NoError(t, c.Open(obs, "tab-1"))
	assert.Equal(t, 1, c.PendingCount())

	require.NoError(t, c.Resolve(obs.ID, patterns.DecisionClose))
	assert.Zero(t, c.PendingCount())

	seen := learner.observations()
	require.Len(t, seen, 1)
	assert.Equal(t, patterns.DecisionClose, seen[0].Decision)
	assert.Equal(t, obs.ID, seen[0].ID)
}

func TestOpenRejectsDuplicate(t *testing.T) {
	c := newTestCoordinator(t, nil)

	obs := testObservation(t, "news.example")
	require.NoError(t, c.Open(obs, "tab-1"))
	assert.ErrorIs(t, c.Open(obs, "tab-2"), ErrAlreadyPending)
	assert.Equal(t, 1, c.PendingCount())
}

func TestOpenNilObservation(t *testing.T) {
	c := newTestCoordinator(t, nil)
	assert.Error(t, c.Open(nil, "tab-1"))
}

func TestResolveUnknownPopup(t *testing.T) {
	c := newTestCoordinator(t, nil)
	assert.ErrorIs(t, c.Resolve("missing", patterns.DecisionClose), ErrUnknownPopup)
}

func TestResolveInvalidDecisionLeavesStateIntact(t *testing.T) {
	learner := &recordingLearner{}
	c := newTestCoordinator(t, learner)

	obs := testObservation(t, "news.example")
	require.NoError(t, c.Open(obs, "tab-1"))

	assert.ErrorIs(t, c.Resolve(obs.ID, patterns.DecisionPending), ErrInvalidDecision)
	assert.ErrorIs(t, c.Resolve(obs.ID, "banana"), ErrInvalidDecision)
	assert.Equal(t, 1, c.PendingCount(), "a rejected decision must not consume the entry")
	assert.Empty(t, learner.observations())

	require.NoError(t, c.Resolve(obs.ID, patterns.DecisionKeep))
}

func TestResolveIsExactlyOnce(t *testing.T) {
	learner := &recordingLearner{}
	c := newTestCoordinator(t, learner)

	obs := testObservation(t, "news.example")
	require.NoError(t, c.Open(obs, "tab-1"))
	require.NoError(t, c.Resolve(obs.ID, patterns.DecisionClose))

	assert.ErrorIs(t, c.Resolve(obs.ID, patterns.DecisionKeep), ErrUnknownPopup)
	assert.Len(t, learner.observations(), 1)
}

func TestTimeoutFinalizesEntry(t *testing.T) {
	learner := &recordingLearner{}
	notifier := &recordingNotifier{}
	c := newTestCoordinator(t, learner,
		WithTimeout(20*time.Millisecond),
		WithNotifier(notifier))

	obs := testObservation(t, "news.example")
	require.NoError(t, c.Open(obs, "tab-1"))

	require.Eventually(t, func() bool {
		return c.PendingCount() == 0
	}, 2*time.Second, 5*time.Millisecond)

	seen := learner.observations()
	require.Len(t, seen, 1)
	assert.Equal(t, patterns.DecisionTimeout, seen[0].Decision)
	assert.Equal(t, 1, notifier.count())

	// A late user decision after the timeout won is rejected.
	assert.ErrorIs(t, c.Resolve(obs.ID, patterns.DecisionClose), ErrUnknownPopup)
	assert.Len(t, learner.observations(), 1)
}

func TestResolveWinsRaceAgainstTimeout(t *testing.T) {
	learner := &recordingLearner{}
	c := newTestCoordinator(t, learner, WithTimeout(time.Hour))

	obs := testObservation(t, "news.example")
	require.NoError(t, c.Open(obs, "tab-1"))
	require.NoError(t, c.Resolve(obs.ID, patterns.DecisionClose))

	// Give a stray timer a chance to misfire.
	time.Sleep(20 * time.Millisecond)
	seen := learner.observations()
	require.Len(t, seen, 1)
	assert.Equal(t, patterns.DecisionClose, seen[0].Decision)
}

func TestCancelSkipsLearning(t *testing.T) {
	learner := &recordingLearner{}
	notifier := &recordingNotifier{}
	c := newTestCoordinator(t, learner, WithNotifier(notifier))

	obs := testObservation(t, "news.example")
	require.NoError(t, c.Open(obs, "tab-1"))
	require.NoError(t, c.Cancel(obs.ID))

	assert.Zero(t, c.PendingCount())
	assert.Empty(t, learner.observations())
	assert.Zero(t, notifier.count())
	assert.ErrorIs(t, c.Cancel(obs.ID), ErrUnknownPopup)
}

func TestDismissIsForwardedButNotLearnable(t *testing.T) {
	learner := &recordingLearner{}
	c := newTestCoordinator(t, learner)

	obs := testObservation(t, "news.example")
	require.NoError(t, c.Open(obs, "tab-1"))
	require.NoError(t, c.Resolve(obs.ID, patterns.DecisionDismiss))

	seen := learner.observations()
	require.Len(t, seen, 1)
	assert.Equal(t, patterns.DecisionDismiss, seen[0].Decision)
	assert.False(t, seen[0].Decision.Learnable())
}

func TestCleanupExpired(t *testing.T) {
	learner := &recordingLearner{}
	c := newTestCoordinator(t, learner, WithTimeout(time.Hour))

	stale := testObservation(t, "news.example")
	fresh := testObservation(t, "shop.example")
	require.NoError(t, c.Open(stale, "tab-1"))
	require.NoError(t, c.Open(fresh, "tab-2"))

	c.mu.Lock()
	c.entries[stale.ID].submittedAt = time.Now().Add(-10 * time.Minute)
	c.mu.Unlock()

	assert.Equal(t, 1, c.CleanupExpired(5*time.Minute))
	assert.Equal(t, 1, c.PendingCount())
	assert.Empty(t, learner.observations(), "swept entries must not be learned")

	assert.ErrorIs(t, c.Resolve(stale.ID, patterns.DecisionClose), ErrUnknownPopup)
	require.NoError(t, c.Resolve(fresh.ID, patterns.DecisionClose))
}

func TestShutdownDropsPendingWithoutLearning(t *testing.T) {
	learner := &recordingLearner{}
	c, err := NewCoordinator(learner, zap.NewNop(),
		WithSweepInterval(0),
		WithTimeout(50*time.Millisecond))
	require.NoError(t, err)

	obs := testObservation(t, "news.example")
	require.NoError(t, c.Open(obs, "tab-1"))

	c.Shutdown()
	assert.Zero(t, c.PendingCount())

	// The disarmed timer must not fire after shutdown.
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, learner.observations())

	assert.ErrorIs(t, c.Open(testObservation(t, "x.example"), "tab-1"), ErrCoordinatorClosed)
	assert.ErrorIs(t, c.Resolve(obs.ID, patterns.DecisionClose), ErrCoordinatorClosed)
	c.Shutdown() // idempotent
}

func TestJournalLifecycle(t *testing.T) {
	journal := newMemoryJournal()
	c := newTestCoordinator(t, nil, WithJournal(journal))

	obs := testObservation(t, "news.example")
	require.NoError(t, c.Open(obs, "tab-1"))
	assert.Equal(t, 1, journal.size())

	rec, err := journal.LoadPending(context.Background())
	require.NoError(t, err)
	require.Len(t, rec, 1)
	assert.Equal(t, obs.ID, rec[0].PopupID)
	assert.Equal(t, "news.example", rec[0].Domain)
	assert.Equal(t, "tab-1", rec[0].TabRef)

	require.NoError(t, c.Resolve(obs.ID, patterns.DecisionClose))
	assert.Zero(t, journal.size())
}

func TestJournalRemovedOnCancel(t *testing.T) {
	journal := newMemoryJournal()
	c := newTestCoordinator(t, nil, WithJournal(journal))

	obs := testObservation(t, "news.example")
	require.NoError(t, c.Open(obs, "tab-1"))
	require.NoError(t, c.Cancel(obs.ID))
	assert.Zero(t, journal.size())
}

func TestConcurrentResolveSingleWinner(t *testing.T) {
	learner := &recordingLearner{}
	c := newTestCoordinator(t, learner, WithTimeout(time.Hour))

	obs := testObservation(t, "news.example")
	require.NoError(t, c.Open(obs, "tab-1"))

	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wins <- c.Resolve(obs.ID, patterns.DecisionClose)
		}()
	}
	wg.Wait()
	close(wins)

	succeeded := 0
	for err := range wins {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrUnknownPopup)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Len(t, learner.observations(), 1)
}
