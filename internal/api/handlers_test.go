package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/spendgate/internal/auth"
	"github.com/mattjoyce/spendgate/internal/config"
	"github.com/mattjoyce/spendgate/internal/engine"
	"github.com/mattjoyce/spendgate/internal/log"
	"github.com/mattjoyce/spendgate/internal/queue"
)

const (
	adminKey    = "admin-secret"
	readerToken = "reader-secret"
	writerToken = "writer-secret"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "text")
	m.Run()
}

func newTestServer(t *testing.T) (*Server, *engine.Engine) {
	t.Helper()
	cfg := config.Defaults()
	cfg.State.Path = filepath.Join(t.TempDir(), "state.db")

	eng, err := engine.New(context.Background(), cfg, engine.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	srv := New(Config{
		APIKey: adminKey,
		Tokens: []auth.TokenConfig{
			{Name: "reader", Token: readerToken, Scopes: []string{auth.ScopeChangesRead}},
			{Name: "optimizer", Token: writerToken, Scopes: []string{auth.ScopeChangesWrite, auth.ScopeEventsRead}},
		},
	}, eng, eng.Hub(), eng.Registry(), log.WithComponent("api"))
	return srv, eng
}

func do(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func submitBody(resource string, value float64) SubmitRequest {
	return SubmitRequest{
		ResourceID: resource,
		ChangeType: "budget_increase",
		Value:      value,
		Reasoning:  "roas above target",
		Source:     "optimizer",
	}
}

func TestHealthzIsPublic(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv.Handler(), http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[HealthzResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv.Handler(), http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/changes", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/changes", "wrong", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/changes", readerToken, nil).Code)
}

func TestScopesEnforced(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/changes", readerToken, submitBody("ad_1", 150))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodGet, "/events", readerToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodPost, "/changes", writerToken, submitBody("ad_1", 150))
	assert.Equal(t, http.StatusCreated, rec.Code)

	// changes:rw implies changes:ro
	rec = do(t, h, http.MethodGet, "/changes", writerToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitGetAndDuplicate(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/changes", adminKey, submitBody("ad_1", 150))
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[SubmitResponse](t, rec)
	require.NotEmpty(t, created.ID)
	assert.False(t, created.Duplicate)
	assert.Equal(t, "/changes/"+created.ID, rec.Header().Get("Location"))

	rec = do(t, h, http.MethodPost, "/changes", adminKey, submitBody("ad_1", 150))
	require.Equal(t, http.StatusOK, rec.Code)
	dup := decode[SubmitResponse](t, rec)
	assert.True(t, dup.Duplicate)
	assert.Equal(t, created.ID, dup.ID)

	rec = do(t, h, http.MethodGet, "/changes/"+created.ID, adminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cr := decode[queue.ChangeRequest](t, rec)
	assert.Equal(t, queue.BudgetIncrease, cr.ChangeType)
	assert.Equal(t, queue.StatusPending, cr.Status)
	assert.Equal(t, "optimizer", cr.Source)
}

func TestSubmitRecordsPrincipalAsActor(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/changes", writerToken, submitBody("ad_2", 90))
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[SubmitResponse](t, rec)

	rec = do(t, h, http.MethodGet, "/changes/"+created.ID+"/history", writerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	hist := decode[HistoryResponse](t, rec)
	require.Len(t, hist.Records, 1)
	assert.Equal(t, "api:optimizer", hist.Records[0].Actor)
}

func TestSubmitValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	bad := submitBody("", 150)
	rec := do(t, h, http.MethodPost, "/changes", adminKey, bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	bad = submitBody("ad_1", 150)
	bad.ChangeType = "DELETE_ACCOUNT"
	rec = do(t, h, http.MethodPost, "/changes", adminKey, bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/changes", strings.NewReader(`{"resource_id":"ad_1","bogus":1}`))
	req.Header.Set("Authorization", "Bearer "+adminKey)
	raw := httptest.NewRecorder()
	h.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestGetUnknownIs404(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/changes/nope", adminKey, nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/changes/nope/history", adminKey, nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/changes/nope/cancel", adminKey, nil).Code)
}

func TestListFilters(t *testing.T) {
	srv, eng := newTestServer(t)
	h := srv.Handler()
	ctx := context.Background()

	_, err := eng.Enqueue(ctx, "ad_1", queue.BudgetIncrease, 150, "", "optimizer", 0)
	require.NoError(t, err)
	second, err := eng.Enqueue(ctx, "ad_2", queue.StatusChange, 0, "", "optimizer", 0)
	require.NoError(t, err)
	_, err = eng.Cancel(ctx, second, "test")
	require.NoError(t, err)

	rec := do(t, h, http.MethodGet, "/changes?status=cancelled", adminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[ChangeListResponse](t, rec)
	require.Len(t, list.Changes, 1)
	assert.Equal(t, second, list.Changes[0].ID)

	rec = do(t, h, http.MethodGet, "/changes?resource_id=ad_1", adminKey, nil)
	list = decode[ChangeListResponse](t, rec)
	require.Len(t, list.Changes, 1)
	assert.Equal(t, "ad_1", list.Changes[0].ResourceID)

	rec = do(t, h, http.MethodGet, "/changes?resource_id=none", adminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"changes":[]`)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/changes?status=bogus", adminKey, nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/changes?limit=0", adminKey, nil).Code)
}

func TestCancelAndHistory(t *testing.T) {
	srv, eng := newTestServer(t)
	h := srv.Handler()

	id, err := eng.Enqueue(context.Background(), "ad_1", queue.BudgetDecrease, 80, "", "optimizer", 0)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/changes/"+id+"/cancel", nil)
	req.Header.Set("Authorization", "Bearer "+adminKey)
	req.Header.Set("X-Actor", "alice")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	cr := decode[queue.ChangeRequest](t, rec)
	assert.Equal(t, queue.StatusCancelled, cr.Status)

	// A second cancel hits a terminal request.
	rec = do(t, h, http.MethodPost, "/changes/"+id+"/cancel", adminKey, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodGet, "/changes/"+id+"/history", readerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	hist := decode[HistoryResponse](t, rec)
	assert.True(t, hist.Verified)
	require.Len(t, hist.Records, 2)
	assert.Equal(t, "alice via api:admin", hist.Records[1].Actor)
}

func TestEventsStream(t *testing.T) {
	srv, eng := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events?type=change.", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+writerToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	eng.Hub().Publish("budget.clamped", map[string]any{"resource_id": "ad_0"})
	id, err := eng.Enqueue(context.Background(), "ad_1", queue.StatusChange, 0, "", "optimizer", 0)
	require.NoError(t, err)

	scanner := bufio.NewScanner(resp.Body)
	var eventLine, dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventLine = strings.TrimPrefix(line, "event: ")
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, "change.submitted", eventLine)
	assert.Contains(t, dataLine, id)
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("abc"))
	assert.Equal(t, int64(0), parseLastEventID("-4"))
	assert.Equal(t, int64(42), parseLastEventID("42"))
}
