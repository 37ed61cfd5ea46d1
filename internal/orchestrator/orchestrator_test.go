package orchestrator

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/anomaly"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/baseline"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/logging"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/policy"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/recommend"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/reward"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/storage"
)

// #region fixtures

type hrBaseline struct{}

func (hrBaseline) GetBucketStats(_ context.Context, _ string, _ time.Time, metric string, bucket int) (baseline.Stats, bool) {
	if metric != "hr" {
		return baseline.Stats{}, false
	}
	return baseline.Stats{Mean: 80, StdDev: 10, SourceBucket: bucket, Reason: baseline.ReasonExact}, true
}

type constSampler float64

func (c constSampler) Sample(_, _ float64, _ *rand.Rand) float64 { return float64(c) }

type harness struct {
	orch      *Orchestrator
	store     *Store
	rewards   *reward.Store
	decisions *logging.DecisionLog
	pools     *MemoryCandidates
}

var t0 = time.Date(2026, 5, 20, 9, 0, 0, 0, time.UTC)

func f64(v float64) *float64 { return &v }

func newHarness(t *testing.T, config Config) *harness {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{
		store:     NewStore(db.SQL()),
		rewards:   reward.NewStore(db.SQL(), reward.DefaultWeights()),
		decisions: logging.NewDecisionLog(db.SQL()),
		pools: NewMemoryCandidates(map[string][]recommend.Candidate{
			"breathing": {
				{ID: "b1", Active: true, PreScoreBase: f64(0.8), CreatorID: "c1"},
				{ID: "b2", Active: true, PreScoreBase: f64(0.4), CreatorID: "c2"},
			},
			"meditation": {
				{ID: "m1", Active: true, PreScoreBase: f64(0.7), CreatorID: "c1"},
			},
		}),
	}
	require.NoError(t, db.MigrateAll(context.Background(), h.store, h.rewards, h.decisions))

	h.orch, err = New(Deps{
		Detector:    anomaly.NewDetector(hrBaseline{}, anomaly.DefaultConfig(), nil),
		Policy:      policy.NewStaticResolver(nil),
		Recommender: recommend.NewRecommender(recommend.DefaultConfig(), nil).WithSampler(constSampler(0.6)),
		Rewards:     h.rewards,
		Store:       h.store,
		Candidates:  h.pools,
		Decisions:   h.decisions,
	}, config, nil)
	require.NoError(t, err)
	return h
}

// restrict drives three elevated ticks for user and returns the last outcome.
func (h *harness) restrict(t *testing.T, user, sessionID string, start time.Time) (TickOutcome, error) {
	t.Helper()
	var out TickOutcome
	var err error
	for i := 0; i < 3; i++ {
		out, err = h.orch.HandleTick(context.Background(), Tick{
			UserRef:   user,
			SessionID: sessionID,
			TS:        start.Add(time.Duration(i*10) * time.Second),
			Metrics:   map[string]float64{"hr": 112},
		})
		if i < 2 {
			require.NoError(t, err)
			require.Equal(t, anomaly.ModeNormal, out.Result.Mode)
		}
	}
	return out, err
}

// #endregion fixtures

// #region handle-tick

func TestHandleTick_RestrictSelectsPerCategory(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	out, err := h.restrict(t, "u1", "", t0)
	require.NoError(t, err)
	assert.Equal(t, anomaly.ModeRestrict, out.Result.Mode)
	assert.Equal(t, anomaly.TriggerHRHigh, out.Result.Trigger)
	assert.NotEmpty(t, out.SessionID, "session opened on demand")

	assert.Equal(t, []string{"breathing", "meditation", "music_relax"}, out.Categories)
	assert.Equal(t, []string{"music_relax"}, out.Exhausted)
	require.Len(t, out.Selections, 2)

	b := out.Selections[0]
	assert.Equal(t, "breathing", b.Category)
	assert.Equal(t, "b1", b.ContentID)
	assert.Equal(t, "hr_high", b.Trigger)
	assert.False(t, b.Existing)
	assert.NotEmpty(t, b.Ranked)

	m := out.Selections[1]
	assert.Equal(t, "m1", m.ContentID)
	assert.Contains(t, m.Breakdown.Reason, "novelty=0.97", "creator c1 already surfaced by breathing")
	assert.NotContains(t, b.Breakdown.Reason, "novelty=0.97")
}

func TestHandleTick_NormalTickSelectsNothing(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	out, err := h.orch.HandleTick(context.Background(), Tick{UserRef: "u1", TS: t0, Metrics: map[string]float64{"hr": 82}})
	require.NoError(t, err)
	assert.Equal(t, anomaly.ModeNormal, out.Result.Mode)
	assert.Empty(t, out.SessionID)
	assert.Empty(t, out.Selections)
}

func TestHandleTick_EmergencySelectsNothing(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	var out TickOutcome
	var err error
	for i, hr := range []float64{160, 162, 159} {
		out, err = h.orch.HandleTick(ctx, Tick{UserRef: "u1", TS: t0.Add(time.Duration(i*10) * time.Second), Metrics: map[string]float64{"hr": hr}})
		require.NoError(t, err)
	}
	assert.Equal(t, anomaly.ModeEmergency, out.Result.Mode)
	assert.Empty(t, out.Selections)
	assert.Empty(t, out.SessionID)

	sels, err := h.store.ListSelections(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, sels)
}

func TestHandleTick_DisabledSkipsSelection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	h := newHarness(t, cfg)
	assert.False(t, h.orch.Enabled())

	out, err := h.restrict(t, "u1", "", t0)
	require.NoError(t, err)
	assert.Equal(t, anomaly.ModeRestrict, out.Result.Mode)
	assert.Empty(t, out.Selections)
}

func TestHandleTick_AllCategoriesExhausted(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.pools.Set("breathing", nil)
	h.pools.Set("meditation", []recommend.Candidate{{ID: "m1", Active: false}})

	out, err := h.restrict(t, "u1", "", t0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, recommend.ErrNoCandidates))
	assert.Equal(t, anomaly.ModeRestrict, out.Result.Mode, "detection result survives")
	assert.Len(t, out.Exhausted, 3)
}

func TestHandleTick_UsesExistingSession(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	sess, err := h.orch.OpenSession(ctx, Session{UserRef: "u1"})
	require.NoError(t, err)

	out, err := h.restrict(t, "u1", sess.ID, t0)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, out.SessionID)
	for _, s := range out.Selections {
		assert.Equal(t, sess.ID, s.SessionID)
	}
}

func TestHandleTick_RejectsBadRequests(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	_, err := h.orch.HandleTick(ctx, Tick{TS: t0, Metrics: map[string]float64{"hr": 80}})
	assert.True(t, errors.Is(err, recommend.ErrInvalidRequest))

	_, err = h.orch.HandleTick(ctx, Tick{UserRef: "u1", SessionID: "nope", TS: t0})
	assert.True(t, errors.Is(err, ErrUnknownSession))
	assert.True(t, errors.Is(err, recommend.ErrInvalidRequest))

	sess, err := h.orch.OpenSession(ctx, Session{UserRef: "u2"})
	require.NoError(t, err)
	_, err = h.orch.HandleTick(ctx, Tick{UserRef: "u1", SessionID: sess.ID, TS: t0})
	assert.True(t, errors.Is(err, ErrUnknownSession), "session of another user")
}

func TestHandleTick_RecordsEveryTick(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	_, err := h.restrict(t, "u1", "", t0)
	require.NoError(t, err)

	ticks, err := h.decisions.Ticks(ctx, logging.Filter{UserRef: "u1"})
	require.NoError(t, err)
	require.Len(t, ticks, 3)
	assert.Equal(t, "restrict", ticks[2].Mode)
	assert.Equal(t, 112.0, ticks[2].Metrics["hr"])

	sels, err := h.decisions.Query(ctx, logging.Filter{UserRef: "u1", Kind: logging.KindSelection})
	require.NoError(t, err)
	assert.Len(t, sels, 2)
}

// #endregion handle-tick

// #region select

func TestSelect_ExactlyOncePerSessionCategory(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	sess, err := h.orch.OpenSession(ctx, Session{UserRef: "u1"})
	require.NoError(t, err)

	first, err := h.orch.Select(ctx, sess.ID, "hr_high", "breathing")
	require.NoError(t, err)
	assert.False(t, first.Existing)

	again, err := h.orch.Select(ctx, sess.ID, "hr_high", "breathing")
	require.NoError(t, err)
	assert.True(t, again.Existing)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.ContentID, again.ContentID)
}

func TestSelect_ConcurrentCallsCommitOnce(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	sess, err := h.orch.OpenSession(ctx, Session{UserRef: "u1"})
	require.NoError(t, err)

	const n = 20
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sel, err := h.orch.Select(ctx, sess.ID, "hr_high", "breathing")
			ids[i], errs[i] = sel.ID, err
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	sels, err := h.store.ListSelections(ctx, "u1", 100)
	require.NoError(t, err)
	assert.Len(t, sels, 1)
	assert.Equal(t, 0, h.orch.locks.size())
}

func TestSelect_CategoryNotPermitted(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	sess, err := h.orch.OpenSession(ctx, Session{UserRef: "u1"})
	require.NoError(t, err)

	_, err = h.orch.Select(ctx, sess.ID, "hr_high", "walk_outdoor")
	assert.True(t, errors.Is(err, ErrCategoryNotPermitted))
	assert.True(t, errors.Is(err, recommend.ErrInvalidRequest))

	_, err = h.orch.Select(ctx, "missing", "hr_high", "breathing")
	assert.True(t, errors.Is(err, ErrUnknownSession))

	_, err = h.orch.Select(ctx, "", "hr_high", "breathing")
	assert.True(t, errors.Is(err, recommend.ErrInvalidRequest))
}

func TestSelect_NoCandidates(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	sess, err := h.orch.OpenSession(ctx, Session{UserRef: "u1"})
	require.NoError(t, err)

	_, err = h.orch.Select(ctx, sess.ID, "hr_high", "music_relax")
	assert.True(t, errors.Is(err, recommend.ErrNoCandidates))

	_, ok, err := h.store.SelectionFor(ctx, sess.ID, "music_relax")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSelect_LocationCategoriesNeedLocation(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.pools.Set("walk_outdoor", []recommend.Candidate{{ID: "park", Active: true}})
	h.pools.Set("gentle_movement", []recommend.Candidate{{ID: "stretch", Active: true}})
	ctx := context.Background()

	// steps_low only arrives through Select; HandleTick never produces it
	sess, err := h.orch.OpenSession(ctx, Session{UserRef: "u1", HasLocation: true})
	require.NoError(t, err)
	sel, err := h.orch.Select(ctx, sess.ID, "steps_low", "walk_outdoor")
	require.NoError(t, err)
	assert.Equal(t, "park", sel.ContentID)
}

func TestSelect_SeededRngIsReproducible(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Seed = 99
	a := newHarness(t, cfg)
	b := newHarness(t, cfg)
	ctx := context.Background()

	for _, h := range []*harness{a, b} {
		h.orch.deps.Recommender = recommend.NewRecommender(recommend.DefaultConfig(), nil)
	}
	sa, err := a.orch.OpenSession(ctx, Session{ID: "s1", UserRef: "u1"})
	require.NoError(t, err)
	sb, err := b.orch.OpenSession(ctx, Session{ID: "s1", UserRef: "u1"})
	require.NoError(t, err)

	x, err := a.orch.Select(ctx, sa.ID, "hr_high", "breathing")
	require.NoError(t, err)
	y, err := b.orch.Select(ctx, sb.ID, "hr_high", "breathing")
	require.NoError(t, err)
	assert.Equal(t, x.ContentID, y.ContentID)
	assert.Equal(t, x.Breakdown.Theta, y.Breakdown.Theta)
}

// #endregion select

// #region feedback

func TestFeedback_UpdatesRewards(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	sess, err := h.orch.OpenSession(ctx, Session{UserRef: "u1"})
	require.NoError(t, err)
	sel, err := h.orch.Select(ctx, sess.ID, "hr_high", "breathing")
	require.NoError(t, err)

	req := FeedbackRequest{
		SelectionID: sel.ID,
		EventID:     "ev-1",
		Feedback:    reward.Feedback{Accept: true, Complete: false, Effect: f64(0.5)},
	}
	applied, err := h.orch.Feedback(ctx, req)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, applied.Reward, 1e-9)
	assert.InDelta(t, 1.7, applied.UserContent.Alpha, 1e-9)
	assert.InDelta(t, 1.3, applied.UserContent.Beta, 1e-9)
	assert.InDelta(t, 1.7, applied.Content.Alpha, 1e-9)
	assert.False(t, applied.Duplicate)

	replay, err := h.orch.Feedback(ctx, req)
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
	assert.InDelta(t, 1.7, replay.UserContent.Alpha, 1e-9)

	entries, err := h.decisions.Query(ctx, logging.Filter{Kind: logging.KindFeedback})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "applied", entries[0].Decision)
	assert.Equal(t, "duplicate", entries[1].Decision)
}

func TestFeedback_UnknownSelection(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	_, err := h.orch.Feedback(context.Background(), FeedbackRequest{SelectionID: "nope"})
	assert.True(t, errors.Is(err, ErrUnknownSelection))
	assert.True(t, errors.Is(err, recommend.ErrInvalidRequest))

	_, err = h.orch.Feedback(context.Background(), FeedbackRequest{})
	assert.True(t, errors.Is(err, recommend.ErrInvalidRequest))
}

// #endregion feedback

// #region store

func TestStore_InsertSelectionConflict(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	sess, err := h.orch.OpenSession(ctx, Session{UserRef: "u1"})
	require.NoError(t, err)

	sel := Selection{ID: "a", SessionID: sess.ID, UserRef: "u1", Category: "breathing", ContentID: "b1", CreatedAt: t0}
	require.NoError(t, h.store.InsertSelection(ctx, sel))

	sel.ID = "b"
	err = h.store.InsertSelection(ctx, sel)
	assert.True(t, errors.Is(err, ErrConflict))

	got, err := h.store.Selection(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "b1", got.ContentID)
	assert.True(t, t0.Equal(got.CreatedAt))
}

func TestStore_SessionRoundTrip(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	week := 30
	in := Session{UserRef: "u1", HasLocation: true, Context: recommend.Context{Lang: "en", GestationalWeek: &week, TabooTags: []string{"Hot"}}}
	sess, err := h.orch.OpenSession(ctx, in)
	require.NoError(t, err)

	got, err := h.store.Session(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, got.HasLocation)
	assert.Equal(t, "en", got.Context.Lang)
	require.NotNil(t, got.Context.GestationalWeek)
	assert.Equal(t, 30, *got.Context.GestationalWeek)

	_, err = h.orch.OpenSession(ctx, Session{})
	assert.True(t, errors.Is(err, recommend.ErrInvalidRequest))
}

func TestLoadCandidates(t *testing.T) {
	path := filepath.Join("testdata", "candidates.json")
	src, err := LoadCandidates(path)
	require.NoError(t, err)

	pool, err := src.Candidates(context.Background(), "u1", "breathing")
	require.NoError(t, err)
	require.NotEmpty(t, pool)
	for _, c := range pool {
		assert.False(t, strings.TrimSpace(c.ID) == "")
	}

	empty, err := src.Candidates(context.Background(), "u1", "unknown")
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = LoadCandidates(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Deps{}, DefaultConfig(), nil)
	assert.Error(t, err)
}

// #endregion store
