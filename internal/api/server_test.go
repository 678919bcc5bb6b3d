package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/groupmonitor/internal/monitor"
	"github.com/JakeFAU/groupmonitor/internal/monitor/monitortest"
	storemem "github.com/JakeFAU/groupmonitor/internal/storage/memory"
)

var now = time.Date(2024, 8, 1, 10, 0, 0, 0, time.UTC)

type downStore struct {
	*storemem.GroupStore
}

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func newTestServer(t *testing.T, cfg Config) (*Server, *storemem.GroupStore) {
	t.Helper()
	store := storemem.NewGroupStore()
	return NewServer(store, monitortest.NewClock(now), cfg, zap.NewNop()), store
}

func do(t *testing.T, s *Server, method, path string, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, Config{})
	rec := do(t, s, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = do(t, s, http.MethodGet, "/readyz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	down := NewServer(downStore{storemem.NewGroupStore()}, monitortest.NewClock(now), Config{}, zap.NewNop())
	rec = do(t, down, http.MethodGet, "/readyz", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	s, store := newTestServer(t, Config{})
	store.PutGroup(monitor.Group{Username: "alpha", State: monitor.StateInside, WorkerID: 0})

	rec := do(t, s, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `groupmonitor_groups{state="inside"} 1`)
}

func TestAddPending(t *testing.T) {
	t.Parallel()

	s, store := newTestServer(t, Config{})
	store.PutGroup(monitor.Group{Username: "joined", State: monitor.StateInside, WorkerID: 0})

	body := []byte(`[{"username":"@alpha","topic":"news"},{"username":"joined","topic":"news"},{"username":"alpha"}]`)
	rec := do(t, s, http.MethodPost, "/v1/pending", body, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp intakeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Added)
	require.Equal(t, []string{"joined", "alpha"}, resp.Skipped)

	g, err := store.ClaimPending(context.Background(), 0, now)
	require.NoError(t, err)
	require.Equal(t, "alpha", g.Username)
	require.Equal(t, "news", g.Topic)
}

func TestAddPendingRejectsBadInput(t *testing.T) {
	t.Parallel()

	s, store := newTestServer(t, Config{})
	for _, body := range []string{`{"username":"alpha"}`, `[{"username":""}]`, `not json`} {
		rec := do(t, s, http.MethodPost, "/v1/pending", []byte(body), nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	n, err := store.PendingCount(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestGroupAndTopicLookup(t *testing.T) {
	t.Parallel()

	s, store := newTestServer(t, Config{})
	store.PutGroup(monitor.Group{Username: "alpha", ID: 111, Topic: "news", State: monitor.StateInside, WorkerID: 1})
	store.PutGroup(monitor.Group{Username: "beta", Topic: "sports", State: monitor.StateWaiting, WorkerID: 0})
	require.NoError(t, store.UpsertTopic(context.Background(), "news", "/ratings/chats/news"))

	rec := do(t, s, http.MethodGet, "/v1/groups/alpha", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var g monitor.Group
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &g))
	require.Equal(t, int64(111), g.ID)
	require.Equal(t, monitor.StateInside, g.State)

	rec = do(t, s, http.MethodGet, "/v1/groups/nobody", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodGet, "/v1/groups?state=waiting", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Groups []monitor.Group `json:"groups"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Groups, 1)
	require.Equal(t, "beta", list.Groups[0].Username)

	rec = do(t, s, http.MethodGet, "/v1/groups?state=sleeping", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, "/v1/topics/news", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"href":"/ratings/chats/news"`)

	rec = do(t, s, http.MethodGet, "/v1/topics/cooking", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStats(t *testing.T) {
	t.Parallel()

	s, store := newTestServer(t, Config{})
	ctx := context.Background()
	_, err := store.AddPending(ctx, monitor.Candidate{Username: "p1"})
	require.NoError(t, err)
	store.PutGroup(monitor.Group{Username: "a", State: monitor.StateInside, WorkerID: 0})
	store.PutGroup(monitor.Group{Username: "b", State: monitor.StateInside, WorkerID: 1})
	store.PutGroup(monitor.Group{Username: "c", State: monitor.StateFailed, WorkerID: 1})

	rec := do(t, s, http.MethodGet, "/v1/stats", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Pending)
	require.Equal(t, 2, resp.Groups["inside"])
	require.Equal(t, 1, resp.Groups["failed"])
}

func TestAPIKeyGuardsV1(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, Config{APIKey: "secret"})

	rec := do(t, s, http.MethodGet, "/v1/stats", nil, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, s, http.MethodGet, "/v1/stats", nil, http.Header{"X-Api-Key": {"secret"}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/v1/stats?api_key=secret", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDIsPropagated(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, Config{})
	rec := do(t, s, http.MethodGet, "/healthz", nil, http.Header{"X-Request-Id": {"req-42"}})
	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}
