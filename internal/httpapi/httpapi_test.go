package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupcast/internal/broadcast"
	"groupcast/internal/gateway"
	"groupcast/internal/metrics"
	"groupcast/internal/storage"
	"groupcast/internal/watchdog"
	logx "groupcast/pkg/logx"
)

type stubGateway struct{ err error }

func (g stubGateway) Ready(context.Context) error { return g.err }

type recordingTrigger struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingTrigger) Enqueue(_ context.Context, id string) error {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
	return nil
}

func (r *recordingTrigger) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

type stubSweeper struct{ calls int }

func (s *stubSweeper) Sweep(context.Context) watchdog.Report {
	s.calls++
	return watchdog.Report{RetriedTargets: 2, Errors: []string{"requeue target x: boom"}}
}

type deferred struct {
	mu  sync.Mutex
	ids map[string]time.Time
}

func (d *deferred) DispatchAt(id string, at time.Time) error {
	d.mu.Lock()
	d.ids[id] = at
	d.mu.Unlock()
	return nil
}

type harness struct {
	t       *testing.T
	store   *storage.SQLStore
	trigger *recordingTrigger
	sweeper *stubSweeper
	later   *deferred
	h       http.Handler
}

func newHarness(t *testing.T, gwErr error, token string) *harness {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "api.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	hs := &harness{t: t, store: st, trigger: &recordingTrigger{}, sweeper: &stubSweeper{}, later: &deferred{ids: map[string]time.Time{}}}
	hs.h = NewRouter(Deps{
		Store:    st,
		Gateway:  stubGateway{err: gwErr},
		Trigger:  hs.trigger,
		Watchdog: hs.sweeper,
		Later:    hs.later,
		Metrics:  metrics.New(),
		Health:   func() map[string]any { return map[string]any{"engine": "running"} },
	}, token, false)
	return hs
}

func (hs *harness) do(method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	hs.t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	hs.h.ServeHTTP(rec, req)
	return rec
}

func (hs *harness) createJob(dests ...string) broadcast.Job {
	hs.t.Helper()
	job := &broadcast.Job{Content: "hello", MessageType: broadcast.MessageText}
	require.NoError(hs.t, hs.store.CreateJob(context.Background(), job, dests))
	return *job
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestDispatchAccepted(t *testing.T) {
	t.Parallel()
	hs := newHarness(t, nil, "")
	job := hs.createJob("g1", "g2")

	rec := hs.do(http.MethodPost, "/dispatch", fmt.Sprintf(`{"jobId":%q}`, job.ID))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.JSONEq(t, fmt.Sprintf(`{"accepted":true,"jobId":%q}`, job.ID), rec.Body.String())
	assert.Equal(t, []string{job.ID}, hs.trigger.got())
}

func TestDispatchRejectsBadInput(t *testing.T) {
	t.Parallel()
	hs := newHarness(t, nil, "")
	tests := []struct {
		name string
		body string
		code int
	}{
		{name: "empty body", body: "", code: http.StatusBadRequest},
		{name: "not json", body: "jobId=1", code: http.StatusBadRequest},
		{name: "missing id", body: `{}`, code: http.StatusBadRequest},
		{name: "blank id", body: `{"jobId":"  "}`, code: http.StatusBadRequest},
		{name: "unknown field", body: `{"jobId":"x","extra":1}`, code: http.StatusBadRequest},
		{name: "unknown job", body: `{"jobId":"nope"}`, code: http.StatusNotFound},
	}
	for _, tt := range tests {
		rec := hs.do(http.MethodPost, "/dispatch", tt.body)
		assert.Equal(t, tt.code, rec.Code, tt.name)
		assert.NotEmpty(t, decode[errorBody](t, rec).Error, tt.name)
	}
	assert.Empty(t, hs.trigger.got())
}

func TestDispatchNotConfigured(t *testing.T) {
	t.Parallel()
	hs := newHarness(t, fmt.Errorf("%w: token missing", gateway.ErrNotConfigured), "")
	job := hs.createJob("g1")

	rec := hs.do(http.MethodPost, "/dispatch", fmt.Sprintf(`{"jobId":%q}`, job.ID))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, decode[errorBody](t, rec).Error, "not configured")
	assert.Empty(t, hs.trigger.got())
}

func TestDispatchScheduledJobIsDeferred(t *testing.T) {
	t.Parallel()
	hs := newHarness(t, nil, "")
	at := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)
	job := &broadcast.Job{Content: "later", MessageType: broadcast.MessageText, ScheduledAt: &at}
	require.NoError(t, hs.store.CreateJob(context.Background(), job, []string{"g1"}))

	rec := hs.do(http.MethodPost, "/dispatch", fmt.Sprintf(`{"jobId":%q}`, job.ID))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, hs.trigger.got())
	assert.True(t, hs.later.ids[job.ID].Equal(at))
}

func TestSweepEndpoint(t *testing.T) {
	t.Parallel()
	hs := newHarness(t, nil, "")
	for _, m := range []string{http.MethodPost, http.MethodGet} {
		rec := hs.do(m, "/sweep", "")
		require.Equal(t, http.StatusOK, rec.Code)
		rep := decode[map[string]any](t, rec)
		for _, k := range []string{"stuckJobsFixed", "retriedTargets", "stuckTargetsReset", "orphanedJobsRevived", "scheduledJobsTriggered", "errors"} {
			assert.Contains(t, rep, k)
		}
		assert.EqualValues(t, 2, rep["retriedTargets"])
	}
	assert.Equal(t, 2, hs.sweeper.calls)
}

func TestCreateAndReadJob(t *testing.T) {
	t.Parallel()
	hs := newHarness(t, nil, "")

	rec := hs.do(http.MethodPost, "/jobs", `{"content":"hi","messageType":"text","destinations":["a","b","a"],"dispatch":true}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[jobResponse](t, rec)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, 2, created.TotalTargets)
	assert.Equal(t, broadcast.JobPending, created.Status)
	assert.True(t, created.Dispatched)
	assert.Equal(t, []string{created.ID}, hs.trigger.got())

	rec = hs.do(http.MethodGet, "/jobs/"+created.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[jobResponse](t, rec)
	require.NotNil(t, got.Targets)
	assert.Equal(t, 2, got.Targets.Pending)

	rec = hs.do(http.MethodGet, "/jobs/"+created.ID+"/targets?status=pending&limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var targets struct {
		Targets []broadcast.Target `json:"targets"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &targets))
	require.Len(t, targets.Targets, 1)
	assert.Equal(t, "a", targets.Targets[0].Destination)

	rec = hs.do(http.MethodGet, "/jobs?status=pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Jobs []broadcast.Job `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Jobs, 1)

	assert.Equal(t, http.StatusNotFound, hs.do(http.MethodGet, "/jobs/missing", "").Code)
	assert.Equal(t, http.StatusNotFound, hs.do(http.MethodGet, "/jobs/missing/targets", "").Code)
}

func TestCreateJobValidation(t *testing.T) {
	t.Parallel()
	hs := newHarness(t, nil, "")
	tests := []struct {
		name string
		body string
	}{
		{name: "missing type", body: `{"content":"x","destinations":["a"]}`},
		{name: "bad type", body: `{"content":"x","messageType":"fax","destinations":["a"]}`},
		{name: "no destinations", body: `{"content":"x","messageType":"text","destinations":[]}`},
		{name: "blank destinations", body: `{"content":"x","messageType":"text","destinations":[" "]}`},
		{name: "image without media", body: `{"messageType":"image","destinations":["a"]}`},
		{name: "bad media url", body: `{"messageType":"image","mediaUrl":"not a url","destinations":["a"]}`},
		{name: "poll with one option", body: `{"content":"q?","messageType":"poll","pollOptions":["yes"],"destinations":["a"]}`},
		{name: "text without content", body: `{"messageType":"text","destinations":["a"]}`},
	}
	for _, tt := range tests {
		rec := hs.do(http.MethodPost, "/jobs", tt.body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, tt.name+": "+rec.Body.String())
	}

	rec := hs.do(http.MethodPost, "/jobs", `{"messageType":"fax","destinations":["a"]}`)
	assert.NotEmpty(t, decode[errorBody](t, rec).Details)

	rec = hs.do(http.MethodPost, "/jobs", `{"messageType":" Image ","mediaUrl":"https://x/a.png","destinations":["a"]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, broadcast.MessageImage, decode[jobResponse](t, rec).MessageType)

	assert.Equal(t, http.StatusBadRequest, hs.do(http.MethodGet, "/jobs?status=done", "").Code)
	assert.Equal(t, http.StatusBadRequest, hs.do(http.MethodGet, "/jobs?limit=0", "").Code)
	assert.Equal(t, http.StatusBadRequest, hs.do(http.MethodGet, "/jobs?limit=9999", "").Code)
}

func TestCancelJob(t *testing.T) {
	t.Parallel()
	hs := newHarness(t, nil, "")
	job := hs.createJob("g1")

	rec := hs.do(http.MethodPost, "/jobs/"+job.ID+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, broadcast.JobCancelled, decode[jobResponse](t, rec).Status)

	rec = hs.do(http.MethodPost, "/jobs/"+job.ID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, http.StatusNotFound, hs.do(http.MethodPost, "/jobs/missing/cancel", "").Code)
}

func TestPutGatewaySettings(t *testing.T) {
	t.Parallel()
	hs := newHarness(t, nil, "")

	rec := hs.do(http.MethodPut, "/settings/gateway", `{"token":" secret ","instance_id":"inst"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "secret")

	got, err := hs.store.GatewaySettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"token": "secret", "instance_id": "inst"}, got)

	assert.Equal(t, http.StatusBadRequest, hs.do(http.MethodPut, "/settings/gateway", `{"password":"x"}`).Code)
	assert.Equal(t, http.StatusBadRequest, hs.do(http.MethodPut, "/settings/gateway", `{}`).Code)

	// An empty value removes the override.
	require.Equal(t, http.StatusOK, hs.do(http.MethodPut, "/settings/gateway", `{"token":""}`).Code)
	got, err = hs.store.GatewaySettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"instance_id": "inst"}, got)
}

func TestTokenGuard(t *testing.T) {
	t.Parallel()
	hs := newHarness(t, nil, "s3cret")
	job := hs.createJob("g1")
	body := fmt.Sprintf(`{"jobId":%q}`, job.ID)

	assert.Equal(t, http.StatusUnauthorized, hs.do(http.MethodPost, "/dispatch", body).Code)
	assert.Equal(t, http.StatusUnauthorized, hs.do(http.MethodPost, "/dispatch", body, "Authorization", "Bearer wrong").Code)
	assert.Equal(t, http.StatusAccepted, hs.do(http.MethodPost, "/dispatch", body, "Authorization", "Bearer s3cret").Code)
	assert.Equal(t, http.StatusOK, hs.do(http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, hs.do(http.MethodGet, "/metrics", "").Code)
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	hs := newHarness(t, fmt.Errorf("%w: token missing", gateway.ErrNotConfigured), "")
	rec := hs.do(http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "ok", body["store"])
	assert.Contains(t, body["gateway"], "not configured")
	assert.Equal(t, "running", body["engine"])
}

func TestMetricsCountRoutes(t *testing.T) {
	t.Parallel()
	hs := newHarness(t, nil, "")
	hs.do(http.MethodGet, "/jobs/missing", "")
	rec := hs.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `route="/jobs/{id}"`)
}

func TestServerStartStop(t *testing.T) {
	t.Parallel()
	hs := newHarness(t, nil, "")
	srv := NewServer(Config{Addr: "127.0.0.1:0"}, hs.h, logx.Nop())
	require.NoError(t, srv.Start(context.Background()))
	addr := srv.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	srv.Stop(ctx)
	assert.Empty(t, srv.Addr())
	assert.False(t, isLoopbackAddr(":8080"))
	assert.True(t, isLoopbackAddr("localhost:8080"))
}
