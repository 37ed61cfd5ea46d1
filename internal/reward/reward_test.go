package reward

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/storage"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := NewStore(db.SQL(), DefaultWeights())
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func ptr(v float64) *float64 { return &v }

// #region compute-tests
func TestComputeWeightedReward(t *testing.T) {
	r := Compute(Feedback{Accept: true, Complete: false, Effect: ptr(0.5)}, DefaultWeights())
	assert.InDelta(t, 0.7, r, 1e-12)

	next := Apply(Prior(), r)
	assert.InDelta(t, 1.7, next.Alpha, 1e-12)
	assert.InDelta(t, 1.3, next.Beta, 1e-12)
}

func TestComputeClampsEffect(t *testing.T) {
	w := DefaultWeights()
	assert.InDelta(t, 1.0, Compute(Feedback{Accept: true, Complete: true, Effect: ptr(7)}, w), 1e-12)
	assert.InDelta(t, 0.6, Compute(Feedback{Accept: true, Effect: ptr(-3)}, w), 1e-12)
	assert.InDelta(t, 0.2, Compute(Feedback{Complete: true}, w), 1e-12)
	assert.Equal(t, 0.0, Compute(Feedback{}, w))
}

func TestApplyKeepsParametersNonNegative(t *testing.T) {
	s := Apply(Stats{}, 2)
	assert.Equal(t, Stats{Alpha: 1, Beta: 0}, s)
	s = Apply(s, -1)
	assert.Equal(t, Stats{Alpha: 1, Beta: 1}, s)
}

// #endregion compute-tests

// #region store-tests
func TestApplyFeedbackUpdatesBothRows(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	applied, err := s.ApplyFeedback(ctx, Event{
		EventID:  "ev-1",
		Subject:  Subject{UserRef: "u1", ContentID: "c1"},
		Feedback: Feedback{Accept: true, Effect: ptr(0.5)},
	})
	require.NoError(t, err)
	assert.False(t, applied.Duplicate)
	assert.InDelta(t, 0.7, applied.Reward, 1e-12)
	assert.InDelta(t, 1.7, applied.Content.Alpha, 1e-12)
	assert.InDelta(t, 1.3, applied.Content.Beta, 1e-12)
	assert.InDelta(t, 1.7, applied.UserContent.Alpha, 1e-12)

	// another user's feedback moves only the global row and their own row
	_, err = s.ApplyFeedback(ctx, Event{
		EventID:  "ev-2",
		Subject:  Subject{UserRef: "u2", ContentID: "c1"},
		Feedback: Feedback{},
	})
	require.NoError(t, err)

	content, userContent, err := s.Get(ctx, Subject{UserRef: "u1", ContentID: "c1"})
	require.NoError(t, err)
	assert.InDelta(t, 1.7, content.Alpha, 1e-12)
	assert.InDelta(t, 2.3, content.Beta, 1e-12)
	assert.InDelta(t, 1.3, userContent.Beta, 1e-12)
}

func TestApplyFeedbackIsIdempotentPerEvent(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	ev := Event{
		EventID:  "ev-dup",
		Subject:  Subject{UserRef: "u1", ContentID: "c1"},
		Feedback: Feedback{Accept: true, Complete: true, Effect: ptr(1)},
	}

	first, err := s.ApplyFeedback(ctx, ev)
	require.NoError(t, err)
	second, err := s.ApplyFeedback(ctx, ev)
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Content, second.Content)
	assert.Equal(t, first.UserContent, second.UserContent)
	assert.InDelta(t, 1.0, second.Reward, 1e-12)
}

func TestApplyFeedbackAssignsEventID(t *testing.T) {
	s := tempStore(t)
	applied, err := s.ApplyFeedback(context.Background(), Event{Subject: Subject{UserRef: "u1", ContentID: "c1"}})
	require.NoError(t, err)
	assert.NotEmpty(t, applied.EventID)
}

func TestApplyFeedbackRejectsMissingSubject(t *testing.T) {
	s := tempStore(t)
	_, err := s.ApplyFeedback(context.Background(), Event{EventID: "x", Subject: Subject{UserRef: "u1"}})
	assert.True(t, errors.Is(err, ErrInvalidEvent))
}

func TestSnapshotReadsPriorForMissingRows(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	_, err := s.ApplyFeedback(ctx, Event{
		EventID:  "ev-1",
		Subject:  Subject{UserRef: "u1", ContentID: "c1"},
		Feedback: Feedback{Accept: true},
	})
	require.NoError(t, err)

	snap, err := s.Snapshot(ctx, "u1", []string{"c1", "c2"})
	require.NoError(t, err)

	assert.InDelta(t, 1.6, snap.Global("c1").Alpha, 1e-12)
	assert.InDelta(t, 1.6, snap.User("u1", "c1").Alpha, 1e-12)
	assert.Equal(t, Prior(), snap.Global("c2"))
	assert.Equal(t, Prior(), snap.User("u1", "c2"))
	assert.Equal(t, Prior(), snap.User("someone-else", "c1"))

	// the snapshot does not see later writes
	_, err = s.ApplyFeedback(ctx, Event{EventID: "ev-2", Subject: Subject{UserRef: "u1", ContentID: "c2"}, Feedback: Feedback{Accept: true}})
	require.NoError(t, err)
	assert.Equal(t, Prior(), snap.Global("c2"))
}

func TestList(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	for _, id := range []string{"c1", "c2", "c3"} {
		_, err := s.ApplyFeedback(ctx, Event{EventID: "ev-" + id, Subject: Subject{UserRef: "u1", ContentID: id}})
		require.NoError(t, err)
	}

	rows, err := s.List(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	for _, r := range rows {
		assert.Empty(t, r.UserRef)
	}
}

// #endregion store-tests
