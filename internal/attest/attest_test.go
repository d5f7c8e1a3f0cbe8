package attest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vouch/internal/model"
	"github.com/roach88/vouch/internal/notify"
	"github.com/roach88/vouch/internal/session"
	"github.com/roach88/vouch/internal/store"
	"github.com/roach88/vouch/internal/testutil"
)

type fixture struct {
	store    *store.Store
	sessions *session.Manager
	recorder *notify.Recorder
}

func newFixture(t *testing.T, sessionOpts ...session.Option) *fixture {
	t.Helper()
	st := testutil.OpenStore(t)
	opts := append([]session.Option{
		session.WithClock(testutil.NewStepClock()),
		session.WithIDGenerator(model.NewSequenceGenerator("session")),
	}, sessionOpts...)
	return &fixture{
		store:    st,
		sessions: session.New(st, opts...),
		recorder: notify.NewRecorder(16),
	}
}

func (f *fixture) orchestrator(opts ...Option) *Orchestrator {
	base := []Option{
		WithClock(testutil.NewStepClock()),
		WithIDGenerator(model.NewSequenceGenerator("claim")),
		WithAnnouncer(f.recorder),
	}
	return New(f.store, f.sessions, append(base, opts...)...)
}

func (f *fixture) addElement(t *testing.T, id, protocol, endpoint string) {
	t.Helper()
	require.NoError(t, f.store.AddElement(context.Background(), model.Element{
		ItemID:   id,
		Name:     id,
		Types:    []string{"tpm2.0"},
		Endpoint: endpoint,
		Protocol: protocol,
	}))
}

func (f *fixture) addPolicy(t *testing.T, id, intent string, params map[string]any) {
	t.Helper()
	require.NoError(t, f.store.AddPolicy(context.Background(), model.Policy{
		ItemID:     id,
		Name:       id,
		Intent:     intent,
		Parameters: params,
	}))
}

// counting wraps a collector and counts calls.
type counting struct {
	calls atomic.Int32
	next  Collector
}

func (c *counting) Collect(ctx context.Context, req CollectRequest) (map[string]any, error) {
	c.calls.Add(1)
	return c.next.Collect(ctx, req)
}

func TestAttest_NullProtocol(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addElement(t, "e1", ProtocolNull, "")
	f.addPolicy(t, "p1", "null/good", map[string]any{"bank": "sha256", "nonce": "policy"})

	sid, err := f.sessions.Open(ctx)
	require.NoError(t, err)

	o := f.orchestrator()
	claim, err := o.Attest(ctx, Request{
		ElementID:      "e1",
		PolicyID:       "p1",
		CallParameters: map[string]any{"nonce": "call"},
		SessionID:      sid,
	})
	require.NoError(t, err)

	assert.Equal(t, "claim-1", claim.ItemID)
	assert.Equal(t, map[string]any{"bank": "sha256", "nonce": "call"}, claim.Parameters)
	assert.Equal(t, "null/good", claim.Intent)
	assert.Len(t, claim.PayloadDigest, 64)
	require.NotNil(t, claim.RequestedAt)
	require.NotNil(t, claim.ReceivedAt)
	assert.True(t, claim.ReceivedAt.After(*claim.RequestedAt))

	stored, err := f.store.GetClaim(ctx, claim.ItemID)
	require.NoError(t, err)
	assert.Equal(t, sid, stored.SessionID)
	assert.Equal(t, claim.PayloadDigest, stored.PayloadDigest)
	assert.Equal(t, "e1", stored.Payload["element"])

	sess, err := f.sessions.Get(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, []string{claim.ItemID}, sess.Claims)

	var ops []string
	for _, ev := range f.recorder.Events() {
		if ev.Channel == notify.ChannelClaim {
			ops = append(ops, ev.Op)
			assert.Equal(t, claim.ItemID, ev.Data["claim"])
		}
	}
	assert.Equal(t, []string{"recorded"}, ops)
}

func TestAttest_NotIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addElement(t, "e1", ProtocolNull, "")
	f.addPolicy(t, "p1", "null/good", nil)
	o := f.orchestrator()

	first, err := o.Attest(ctx, Request{ElementID: "e1", PolicyID: "p1"})
	require.NoError(t, err)
	second, err := o.Attest(ctx, Request{ElementID: "e1", PolicyID: "p1"})
	require.NoError(t, err)

	assert.NotEqual(t, first.ItemID, second.ItemID)
	assert.Equal(t, first.PayloadDigest, second.PayloadDigest)
	assert.Empty(t, first.SessionID)

	claims, err := f.store.ListClaims(ctx, model.Query{ElementID: "e1"})
	require.NoError(t, err)
	assert.Len(t, claims, 2)
}

func TestAttest_ArchivedElementStillAttestable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addElement(t, "e1", ProtocolNull, "")
	f.addPolicy(t, "p1", "null/good", nil)
	require.NoError(t, f.store.ArchiveElement(ctx, "e1", testutil.Epoch))

	claim, err := f.orchestrator().Attest(ctx, Request{ElementID: "e1", PolicyID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, "e1", claim.ElementID)
}

func TestAttest_Errors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addElement(t, "e1", ProtocolNull, "")
	f.addElement(t, "e-odd", "carrier-pigeon", "")
	f.addPolicy(t, "p1", "null/good", nil)
	o := f.orchestrator()

	tests := []struct {
		name string
		req  Request
		kind model.ErrorKind
	}{
		{"missing ids", Request{}, model.KindInvalidArgument},
		{"unknown element", Request{ElementID: "nope", PolicyID: "p1"}, model.KindNotFound},
		{"unknown policy", Request{ElementID: "e1", PolicyID: "nope"}, model.KindNotFound},
		{"unknown session", Request{ElementID: "e1", PolicyID: "p1", SessionID: "nope"}, model.KindNotFound},
		{"unsupported protocol", Request{ElementID: "e-odd", PolicyID: "p1"}, model.KindUnsupportedProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.Attest(ctx, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, model.KindOf(err))
		})
	}

	claims, err := f.store.ListClaims(ctx, model.Query{})
	require.NoError(t, err)
	assert.Empty(t, claims)
}

func TestAttest_SessionCheckedBeforeEndpoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, session.WithClosedSessionAssociation(false))
	f.addElement(t, "e1", ProtocolNull, "")
	f.addPolicy(t, "p1", "null/good", nil)

	sid, err := f.sessions.Open(ctx)
	require.NoError(t, err)
	require.NoError(t, f.sessions.Close(ctx, sid))

	c := &counting{next: NullCollector{}}
	o := f.orchestrator(WithCollector(ProtocolNull, c))

	_, err = o.Attest(ctx, Request{ElementID: "e1", PolicyID: "p1", SessionID: sid})
	assert.True(t, model.IsKind(err, model.KindSessionClosed))
	assert.Zero(t, c.calls.Load())

	_, err = o.Attest(ctx, Request{ElementID: "e1", PolicyID: "p1", SessionID: "missing"})
	assert.True(t, model.IsNotFound(err))
	assert.Zero(t, c.calls.Load())
}

func TestAttest_HTTPJSON(t *testing.T) {
	ctx := context.Background()
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"quote":{"magic":"ff544347","firmwareVersion":538513443904988160}}`))
	}))
	defer srv.Close()

	f := newFixture(t)
	f.addElement(t, "e1", ProtocolHTTP, srv.URL+"/")
	f.addPolicy(t, "p1", "tpm2/quote", map[string]any{"pcrSelection": "0,1,2"})

	claim, err := f.orchestrator().Attest(ctx, Request{
		ElementID:      "e1",
		PolicyID:       "p1",
		CallParameters: map[string]any{"nonce": "n-1"},
	})
	require.NoError(t, err)

	assert.Equal(t, "/tpm2/quote", gotPath)
	assert.Equal(t, map[string]any{"pcrSelection": "0,1,2", "nonce": "n-1"}, gotBody)

	quote := claim.Payload["quote"].(map[string]any)
	assert.Equal(t, "ff544347", quote["magic"])
	assert.Equal(t, json.Number("538513443904988160"), quote["firmwareVersion"])
}

func TestAttest_HTTPCBOR(t *testing.T) {
	ctx := context.Background()
	body, err := cbor.Marshal(map[string]any{
		"quote": map[string]any{"magic": "ff544347"},
		"count": 3,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/cbor")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	f := newFixture(t)
	f.addElement(t, "e1", ProtocolHTTP, srv.URL)
	f.addPolicy(t, "p1", "tpm2/quote", nil)

	claim, err := f.orchestrator().Attest(ctx, Request{ElementID: "e1", PolicyID: "p1"})
	require.NoError(t, err)

	quote, ok := claim.Payload["quote"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ff544347", quote["magic"])
	assert.Equal(t, uint64(3), claim.Payload["count"])
}

func TestAttest_HTTPFailures(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		status      int
		body        string
		kind        model.ErrorKind
	}{
		{"server error", "application/json", http.StatusInternalServerError, `{}`, model.KindEndpointUnreachable},
		{"not found", "application/json", http.StatusNotFound, `{}`, model.KindEndpointUnreachable},
		{"garbage json", "application/json", http.StatusOK, `{"quote":`, model.KindInvalidMeasurement},
		{"array", "application/json", http.StatusOK, `[1,2]`, model.KindInvalidMeasurement},
		{"null", "application/json", http.StatusOK, `null`, model.KindInvalidMeasurement},
		{"empty", "application/json", http.StatusOK, ``, model.KindInvalidMeasurement},
		{"garbage cbor", "application/cbor", http.StatusOK, "\xff\xff", model.KindInvalidMeasurement},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			f := newFixture(t)
			f.addElement(t, "e1", ProtocolHTTP, srv.URL)
			f.addPolicy(t, "p1", "tpm2/quote", nil)

			_, err := f.orchestrator().Attest(ctx, Request{ElementID: "e1", PolicyID: "p1"})
			require.Error(t, err)
			assert.Equal(t, tt.kind, model.KindOf(err))

			claims, err := f.store.ListClaims(ctx, model.Query{})
			require.NoError(t, err)
			assert.Empty(t, claims)
		})
	}
}

func TestAttest_Timeout(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	f := newFixture(t)
	f.addElement(t, "e1", ProtocolHTTP, srv.URL)
	f.addPolicy(t, "p1", "tpm2/quote", nil)

	o := f.orchestrator(WithEndpointTimeout(50 * time.Millisecond))
	_, err := o.Attest(ctx, Request{ElementID: "e1", PolicyID: "p1"})
	require.Error(t, err)
	assert.Equal(t, model.KindEndpointUnreachable, model.KindOf(err))

	claims, err := f.store.ListClaims(ctx, model.Query{})
	require.NoError(t, err)
	assert.Empty(t, claims)
}

func TestAttest_TimeoutWithCollectorIgnoringContext(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addElement(t, "e1", ProtocolNull, "")
	f.addPolicy(t, "p1", "null/slow", nil)

	release := make(chan struct{})
	defer close(release)
	slow := CollectorFunc(func(context.Context, CollectRequest) (map[string]any, error) {
		<-release
		return map[string]any{"late": true}, nil
	})
	o := f.orchestrator(WithEndpointTimeout(50*time.Millisecond), WithCollector(ProtocolNull, slow))

	start := time.Now()
	_, err := o.Attest(ctx, Request{ElementID: "e1", PolicyID: "p1"})
	require.Error(t, err)
	assert.Equal(t, model.KindEndpointUnreachable, model.KindOf(err))
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), time.Second)

	claims, err := f.store.ListClaims(ctx, model.Query{})
	require.NoError(t, err)
	assert.Empty(t, claims)
}

func TestAttest_LatePayloadDiscarded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addElement(t, "e1", ProtocolNull, "")
	f.addPolicy(t, "p1", "null/slow", nil)

	late := CollectorFunc(func(cctx context.Context, _ CollectRequest) (map[string]any, error) {
		<-cctx.Done()
		return map[string]any{"late": true}, nil
	})
	o := f.orchestrator(WithEndpointTimeout(20*time.Millisecond), WithCollector(ProtocolNull, late))

	_, err := o.Attest(ctx, Request{ElementID: "e1", PolicyID: "p1"})
	require.Error(t, err)
	assert.Equal(t, model.KindEndpointUnreachable, model.KindOf(err))

	claims, err := f.store.ListClaims(ctx, model.Query{})
	require.NoError(t, err)
	assert.Empty(t, claims)
}

func TestAttest_UnclassifiedCollectorError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addElement(t, "e1", ProtocolNull, "")
	f.addPolicy(t, "p1", "null/good", nil)

	boom := errors.New("link down")
	o := f.orchestrator(WithCollector(ProtocolNull, CollectorFunc(func(context.Context, CollectRequest) (map[string]any, error) {
		return nil, boom
	})))

	_, err := o.Attest(ctx, Request{ElementID: "e1", PolicyID: "p1"})
	assert.Equal(t, model.KindEndpointUnreachable, model.KindOf(err))
	assert.ErrorIs(t, err, boom)
}

func TestAttest_NilMeasurement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addElement(t, "e1", ProtocolNull, "")
	f.addPolicy(t, "p1", "null/good", nil)

	o := f.orchestrator(WithCollector(ProtocolNull, CollectorFunc(func(context.Context, CollectRequest) (map[string]any, error) {
		return nil, nil
	})))

	_, err := o.Attest(ctx, Request{ElementID: "e1", PolicyID: "p1"})
	assert.Equal(t, model.KindInvalidMeasurement, model.KindOf(err))
}
