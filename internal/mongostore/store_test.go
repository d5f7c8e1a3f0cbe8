package mongostore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/roach88/vouch/internal/model"
)

// setupTestStore connects to VOUCH_TEST_MONGO_URI and uses a throwaway
// database. Tests skip when the variable is unset.
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("VOUCH_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("VOUCH_TEST_MONGO_URI not set")
	}
	ctx := context.Background()
	s, err := Connect(ctx, uri, fmt.Sprintf("vouch_test_%d", time.Now().UnixNano()))
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Drop(context.Background())
		s.Close()
	})
	return s
}

var baseTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func at(offset time.Duration) *time.Time {
	t := baseTime.Add(offset)
	return &t
}

func TestNormalizeValue(t *testing.T) {
	in := bson.M{
		"quote": bson.M{"magic": "ff544347"},
		"pcrs":  bson.A{int32(1), bson.D{{Key: "k", Value: "v"}}},
	}
	got := normalizeMap(in)

	assert.Equal(t, map[string]any{
		"quote": map[string]any{"magic": "ff544347"},
		"pcrs":  []any{int32(1), map[string]any{"k": "v"}},
	}, got)
	assert.Empty(t, normalizeMap(nil))
}

func TestResultDoc_FallsBackToCode(t *testing.T) {
	d := resultDoc{Code: 9001}
	assert.Equal(t, model.Fail, d.model().Outcome)
}

func TestMongo_FindExpectedValueMostRecent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddExpectedValue(ctx, model.ExpectedValue{ItemID: "ev-2", ElementID: "e1", PolicyID: "p1"}))
	require.NoError(t, s.AddExpectedValue(ctx, model.ExpectedValue{ItemID: "ev-1", ElementID: "e1", PolicyID: "p1"}))

	ev, err := s.FindExpectedValue(ctx, "e1", "p1")
	require.NoError(t, err)
	assert.Equal(t, "ev-1", ev.ItemID)

	_, err = s.FindExpectedValue(ctx, "e1", "p2")
	assert.True(t, model.IsNotFound(err))
}

func TestMongo_ListResultsSince(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for id, ts := range map[string]*time.Time{
		"r-none": nil,
		"r-old":  at(-time.Minute),
		"r-1":    at(time.Minute),
		"r-2":    at(2 * time.Minute),
	} {
		require.NoError(t, s.AddResult(ctx, model.Result{ItemID: id, Outcome: model.Pass, VerifiedAt: ts}))
	}

	got, err := s.ListResults(ctx, model.Query{Since: at(0)})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "r-2", got[0].ItemID)
	assert.Equal(t, "r-1", got[1].ItemID)
}

func TestMongo_SessionLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddSession(ctx, model.Session{ItemID: "s1", OpenedAt: baseTime}))
	require.NoError(t, s.AddSession(ctx, model.Session{ItemID: "s2", OpenedAt: baseTime}))
	require.NoError(t, s.AppendSessionClaim(ctx, "s1", "c1"))
	require.NoError(t, s.AppendSessionChild(ctx, "s1", "s2"))
	require.NoError(t, s.SetSessionParent(ctx, "s2", "s1"))
	require.NoError(t, s.CloseSession(ctx, "s1", baseTime))
	require.NoError(t, s.CloseSession(ctx, "s1", baseTime.Add(time.Hour)))

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, got.Claims)
	assert.Equal(t, []string{"s2"}, got.Sessions)
	assert.True(t, baseTime.Equal(*got.ClosedAt))

	open, err := s.ListSessions(ctx, model.SessionOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "s1", open[0].ParentSession)

	assert.True(t, model.IsNotFound(s.AppendSessionResult(ctx, "missing", "r1")))
	assert.True(t, model.IsNotFound(s.CloseSession(ctx, "missing", baseTime)))
}

func TestMongo_ArchivedElementHiddenByName(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddElement(ctx, model.Element{ItemID: "e1", Name: "dev", Types: []string{"tpm2.0"}}))
	require.NoError(t, s.ArchiveElement(ctx, "e1", baseTime))

	_, err := s.GetElementByName(ctx, "dev")
	assert.True(t, model.IsNotFound(err))

	e, err := s.GetElement(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, e.Archived())
}
