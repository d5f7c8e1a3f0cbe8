package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vouch/internal/model"
)

func TestElement_AddGetArchive(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	e := model.Element{
		ItemID:   "e1",
		Name:     "router-1",
		Types:    []string{"tpm2.0", "router"},
		Endpoint: "http://10.0.0.1:8530",
		Protocol: "http",
	}
	require.NoError(t, s.AddElement(ctx, e))

	got, err := s.GetElement(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, e.Name, got.Name)
	assert.Equal(t, e.Types, got.Types)
	assert.False(t, got.Archived())

	byName, err := s.GetElementByName(ctx, "router-1")
	require.NoError(t, err)
	assert.Equal(t, "e1", byName.ItemID)

	routers, err := s.ListElementsByType(ctx, "router")
	require.NoError(t, err)
	assert.Len(t, routers, 1)

	require.NoError(t, s.ArchiveElement(ctx, "e1", baseTime))
	require.NoError(t, s.ArchiveElement(ctx, "e1", baseTime.Add(time.Hour)))

	archived, err := s.GetElement(ctx, "e1")
	require.NoError(t, err)
	require.NotNil(t, archived.ArchivedAt)
	assert.True(t, baseTime.Equal(*archived.ArchivedAt), "second archive keeps the first timestamp")

	_, err = s.GetElementByName(ctx, "router-1")
	assert.True(t, model.IsNotFound(err), "archived elements are not found by name")

	active, err := s.ListElements(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	gone, err := s.ListArchivedElements(ctx)
	require.NoError(t, err)
	assert.Len(t, gone, 1)
}

func TestElement_NotFound(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.GetElement(ctx, "missing")
	assert.True(t, model.IsNotFound(err))

	err = s.UpdateElement(ctx, model.Element{ItemID: "missing"})
	assert.True(t, model.IsNotFound(err))

	err = s.ArchiveElement(ctx, "missing", baseTime)
	assert.True(t, model.IsNotFound(err))
}

func TestPolicy_CRUD(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	p := model.Policy{
		ItemID:     "p1",
		Name:       "quote",
		Intent:     "tpm2/quote",
		Parameters: map[string]any{"bank": "sha256", "pcrs": []any{json.Number("0"), json.Number("7")}},
	}
	require.NoError(t, s.AddPolicy(ctx, p))

	got, err := s.GetPolicy(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, p.Parameters, got.Parameters)

	p.Intent = "tpm2/pcrs"
	require.NoError(t, s.UpdatePolicy(ctx, p))
	byName, err := s.GetPolicyByName(ctx, "quote")
	require.NoError(t, err)
	assert.Equal(t, "tpm2/pcrs", byName.Intent)

	require.NoError(t, s.DeletePolicy(ctx, "p1"))
	_, err = s.GetPolicy(ctx, "p1")
	assert.True(t, model.IsNotFound(err))
	assert.True(t, model.IsNotFound(s.DeletePolicy(ctx, "p1")))

	all, err := s.ListPolicies(ctx)
	require.NoError(t, err)
	assert.NotNil(t, all)
	assert.Empty(t, all)
}

func TestFindExpectedValue_MostRecentInsertWins(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddExpectedValue(ctx, model.ExpectedValue{
		ItemID: "ev-b", ElementID: "e1", PolicyID: "p1",
		Baseline: map[string]any{"attestedValue": "old"},
	}))
	require.NoError(t, s.AddExpectedValue(ctx, model.ExpectedValue{
		ItemID: "ev-a", ElementID: "e1", PolicyID: "p1",
		Baseline: map[string]any{"attestedValue": "new"},
	}))
	require.NoError(t, s.AddExpectedValue(ctx, model.ExpectedValue{
		ItemID: "ev-c", ElementID: "e1", PolicyID: "p2",
	}))

	ev, err := s.FindExpectedValue(ctx, "e1", "p1")
	require.NoError(t, err)
	assert.Equal(t, "ev-a", ev.ItemID)
	assert.Equal(t, "new", ev.Baseline["attestedValue"])

	_, err = s.FindExpectedValue(ctx, "e2", "p1")
	assert.True(t, model.IsNotFound(err))

	byElement, err := s.ListExpectedValuesByElement(ctx, "e1")
	require.NoError(t, err)
	assert.Len(t, byElement, 3)

	byPolicy, err := s.ListExpectedValuesByPolicy(ctx, "p2")
	require.NoError(t, err)
	require.Len(t, byPolicy, 1)
	assert.Equal(t, "ev-c", byPolicy[0].ItemID)
}

func TestClaim_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	c := testClaim("c1", at(0))
	c.PayloadDigest = "abc"
	c.SessionID = "s1"
	require.NoError(t, s.AddClaim(ctx, c))

	got, err := s.GetClaim(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, c.Payload, got.Payload)
	assert.Equal(t, "abc", got.PayloadDigest)
	assert.Equal(t, "s1", got.SessionID)
	require.NotNil(t, got.RequestedAt)
	assert.True(t, baseTime.Equal(*got.RequestedAt))
	assert.Nil(t, got.ReceivedAt)

	assert.Error(t, s.AddClaim(ctx, c), "claims are append-only")
}

func TestListClaims_OrderAndFilters(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddClaim(ctx, testClaim("c-old", at(0))))
	require.NoError(t, s.AddClaim(ctx, testClaim("c-none", nil)))
	require.NoError(t, s.AddClaim(ctx, testClaim("c-new", at(time.Minute))))
	other := testClaim("c-other", at(2*time.Minute))
	other.ElementID = "e2"
	require.NoError(t, s.AddClaim(ctx, other))

	all, err := s.ListClaims(ctx, model.Query{ElementID: "e1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c-new", "c-old", "c-none"}, claimIDs(all))

	since, err := s.ListClaims(ctx, model.Query{Since: at(0)})
	require.NoError(t, err)
	assert.Equal(t, []string{"c-other", "c-new"}, claimIDs(since))

	latest, err := s.ListClaims(ctx, model.Query{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"c-other"}, claimIDs(latest))
}

func TestListResults_SinceSkipsMissingTimestamps(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddResult(ctx, testResult("r-before", at(-time.Minute))))
	require.NoError(t, s.AddResult(ctx, testResult("r-none", nil)))
	require.NoError(t, s.AddResult(ctx, testResult("r-1", at(time.Minute))))
	require.NoError(t, s.AddResult(ctx, testResult("r-2", at(2*time.Minute))))
	require.NoError(t, s.AddResult(ctx, testResult("r-equal", at(0))))

	got, err := s.ListResults(ctx, model.Query{Since: at(0)})
	require.NoError(t, err)
	assert.Equal(t, []string{"r-2", "r-1"}, resultIDs(got))

	all, err := s.ListResults(ctx, model.Query{ClaimID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"r-2", "r-1", "r-equal", "r-before", "r-none"}, resultIDs(all))
}

func TestResult_PreservesIndeterminate(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	r := testResult("r1", at(0))
	r.Outcome = model.Indeterminate
	r.Message = "baseline has no pcrs"
	require.NoError(t, s.AddResult(ctx, r))

	got, err := s.GetResult(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.Indeterminate, got.Outcome)
	assert.Equal(t, "baseline has no pcrs", got.Message)

	_, err = s.GetResult(ctx, "missing")
	assert.True(t, model.IsNotFound(err))
}

func TestSession_Lifecycle(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddSession(ctx, model.Session{ItemID: "s1", OpenedAt: baseTime}))
	require.NoError(t, s.AddSession(ctx, model.Session{ItemID: "s2", OpenedAt: baseTime}))

	require.NoError(t, s.AppendSessionClaim(ctx, "s1", "c1"))
	require.NoError(t, s.AppendSessionClaim(ctx, "s1", "c2"))
	require.NoError(t, s.AppendSessionResult(ctx, "s1", "r1"))
	require.NoError(t, s.AppendSessionChild(ctx, "s1", "s2"))
	require.NoError(t, s.SetSessionParent(ctx, "s2", "s1"))

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, got.Claims)
	assert.Equal(t, []string{"r1"}, got.Results)
	assert.Equal(t, []string{"s2"}, got.Sessions)
	assert.Equal(t, model.SessionOpen, got.State())

	child, err := s.GetSession(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, "s1", child.ParentSession)
	assert.Empty(t, child.Claims)

	require.NoError(t, s.CloseSession(ctx, "s1", baseTime.Add(time.Minute)))
	require.NoError(t, s.CloseSession(ctx, "s1", baseTime.Add(time.Hour)))

	closed, err := s.ListSessions(ctx, model.SessionClosed)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.True(t, baseTime.Add(time.Minute).Equal(*closed[0].ClosedAt))
	assert.Equal(t, []string{"c1", "c2"}, closed[0].Claims)

	open, err := s.ListSessions(ctx, model.SessionOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "s2", open[0].ItemID)
}

func TestSession_NotFound(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.GetSession(ctx, "missing")
	assert.True(t, model.IsNotFound(err))
	assert.True(t, model.IsNotFound(s.CloseSession(ctx, "missing", baseTime)))
	assert.True(t, model.IsNotFound(s.AppendSessionClaim(ctx, "missing", "c1")))
	assert.True(t, model.IsNotFound(s.SetSessionParent(ctx, "missing", "s1")))

	_, err = s.ListSessions(ctx, "bogus")
	assert.Error(t, err)
}

func claimIDs(cs []model.Claim) []string {
	ids := make([]string, len(cs))
	for i, c := range cs {
		ids[i] = c.ItemID
	}
	return ids
}

func resultIDs(rs []model.Result) []string {
	ids := make([]string, len(rs))
	for i, r := range rs {
		ids[i] = r.ItemID
	}
	return ids
}
