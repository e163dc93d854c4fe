package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/popguard/popguard/internal/decision"
	"github.com/popguard/popguard/internal/patterns"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "popguard.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

func testPattern(domain string) patterns.Pattern {
	z := 9999.0
	return patterns.Pattern{
		ID:     uuid.New().String(),
		Domain: domain,
		Signature: patterns.Signature{
			ContainsAds: &patterns.BoolVote{Value: true, TrueVotes: 3, Votes: 3},
			ZIndex:      &z,
		},
		Decision:    patterns.DecisionClose,
		Confidence:  0.8,
		Occurrences: 3,
		LastSeen:    time.Now().Truncate(time.Second),
		CreatedAt:   time.Now().Truncate(time.Second),
	}
}

func TestPatternRoundtrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	want := testPattern("news.example")
	require.NoError(t, store.SavePatterns(ctx, []patterns.Pattern{want}))

	got, err := store.LoadPatterns(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, want.ID, got[0].ID)
	assert.Equal(t, want.Domain, got[0].Domain)
	assert.Equal(t, want.Decision, got[0].Decision)
	assert.InDelta(t, want.Confidence, got[0].Confidence, 1e-9)
	assert.Equal(t, want.Occurrences, got[0].Occurrences)
	require.NotNil(t, got[0].Signature.ContainsAds)
	assert.True(t, got[0].Signature.ContainsAds.Value)
	assert.Equal(t, 3, got[0].Signature.ContainsAds.Votes)
	require.NotNil(t, got[0].Signature.ZIndex)
	assert.InDelta(t, 9999.0, *got[0].Signature.ZIndex, 1e-9)
}

func TestSaveReplacesSnapshot(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first := testPattern("news.example")
	second := testPattern("shop.example")
	require.NoError(t, store.SavePatterns(ctx, []patterns.Pattern{first, second}))

	// A later snapshot without the first pattern must drop it.
	require.NoError(t, store.SavePatterns(ctx, []patterns.Pattern{second}))

	got, err := store.LoadPatterns(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, second.ID, got[0].ID)
}

func TestSaveEmptySnapshotClears(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SavePatterns(ctx, []patterns.Pattern{testPattern("news.example")}))
	require.NoError(t, store.SavePatterns(ctx, nil))

	got, err := store.LoadPatterns(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLoadSkipsCorruptSignature(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	good := testPattern("news.example")
	require.NoError(t, store.SavePatterns(ctx, []patterns.Pattern{good}))

	corrupt := patternRow{
		ID:          uuid.New().String(),
		Domain:      "shop.example",
		Decision:    string(patterns.DecisionClose),
		Confidence:  0.9,
		Occurrences: 2,
		Signature:   "{not json",
		LastSeen:    time.Now(),
		CreatedAt:   time.Now(),
	}
	require.NoError(t, store.db.Create(&corrupt).Error)

	got, err := store.LoadPatterns(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, good.ID, got[0].ID)
}

func TestRemovePatterns(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	keep := testPattern("news.example")
	drop := testPattern("shop.example")
	require.NoError(t, store.SavePatterns(ctx, []patterns.Pattern{keep, drop}))

	require.NoError(t, store.RemovePatterns(ctx, []string{drop.ID}))
	require.NoError(t, store.RemovePatterns(ctx, nil))

	got, err := store.LoadPatterns(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, keep.ID, got[0].ID)
}

func TestPendingJournalRoundtrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := decision.PendingRecord{
		PopupID:     uuid.New().String(),
		Domain:      "news.example",
		TabRef:      "tab-7",
		SubmittedAt: time.Now().Truncate(time.Second),
	}
	require.NoError(t, store.SavePending(ctx, rec))

	got, err := store.LoadPending(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rec.PopupID, got[0].PopupID)
	assert.Equal(t, rec.Domain, got[0].Domain)
	assert.Equal(t, rec.TabRef, got[0].TabRef)

	require.NoError(t, store.RemovePending(ctx, rec.PopupID))
	got, err = store.LoadPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSavePendingUpsert(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := decision.PendingRecord{
		PopupID:     uuid.New().String(),
		Domain:      "news.example",
		TabRef:      "tab-1",
		SubmittedAt: time.Now(),
	}
	require.NoError(t, store.SavePending(ctx, rec))

	rec.TabRef = "tab-2"
	require.NoError(t, store.SavePending(ctx, rec))

	got, err := store.LoadPending(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "tab-2", got[0].TabRef)
}

func TestClearPending(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.SavePending(ctx, decision.PendingRecord{
			PopupID:     uuid.New().String(),
			Domain:      "news.example",
			SubmittedAt: time.Now(),
		}))
	}
	require.NoError(t, store.ClearPending(ctx))

	got, err := store.LoadPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReopenPreservesData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "popguard.db")
	ctx := context.Background()

	store, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	want := testPattern("news.example")
	require.NoError(t, store.SavePatterns(ctx, []patterns.Pattern{want}))
	require.NoError(t, store.Close())

	reopened, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	defer func() {
		require.NoError(t, reopened.Close())
	}()

	got, err := reopened.LoadPatterns(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, want.ID, got[0].ID)
}
