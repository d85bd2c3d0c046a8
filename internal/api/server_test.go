package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vrutest/internal/health"
	"github.com/banshee-data/vrutest/internal/matching"
	"github.com/banshee-data/vrutest/internal/session"
	"github.com/banshee-data/vrutest/internal/signal"
	"github.com/banshee-data/vrutest/internal/store"
	"github.com/banshee-data/vrutest/internal/timeutil"
)

type testServer struct {
	srv   *Server
	mux   http.Handler
	reg   *session.Registry
	store *store.Memory
	clock *timeutil.MockClock
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	clock := timeutil.NewMockClock(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	st := store.NewMemory()
	reg := session.NewRegistry(st, st, session.Options{
		IdleTimeout:       time.Hour,
		IdleCheckInterval: time.Minute,
		Health:            health.Config{Interval: time.Second, Timeout: 500 * time.Millisecond},
		Clock:             clock,
	})
	t.Cleanup(func() { reg.Close(context.Background()) })
	srv := NewServer(reg, st, nil, signal.NewHandler(reg))
	return &testServer{srv: srv, mux: srv.ServeMux(), reg: reg, store: st, clock: clock}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (ts *testServer) define(t *testing.T, def session.Definition) {
	t.Helper()
	body, err := json.Marshal(def)
	require.NoError(t, err)
	rec := ts.do(t, http.MethodPost, "/api/sessions", string(body))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func twoVideos(id string, cfg session.Configuration) session.Definition {
	return session.Definition{
		Session: session.TestSession{
			ID:     id,
			Name:   "crossing " + id,
			Videos: []session.VideoRef{{ID: "v1", DurationSeconds: 20}, {ID: "v2", DurationSeconds: 20}},
			Config: cfg,
		},
		GroundTruth: []matching.GroundTruth{
			{ID: 1, VideoID: "v1", ClassLabel: "pedestrian", Timestamp: 1.0},
			{ID: 2, VideoID: "v1", ClassLabel: "cyclist", Timestamp: 5.0},
		},
	}
}

func TestShowVersion(t *testing.T) {
	ts := setupTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/version", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[map[string]string](t, rec)
	assert.Contains(t, got, "version")
	assert.Contains(t, got, "git_sha")
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	ts := setupTestServer(t)
	ts.define(t, twoVideos("s1", session.Configuration{}))

	rec := ts.do(t, http.MethodGet, "/api/sessions/defined", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]session.TestSession](t, rec), 1)

	rec = ts.do(t, http.MethodPost, "/api/sessions/s1/start", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	st := decode[session.PlaybackState](t, rec)
	assert.Equal(t, session.Running, st.State)
	assert.Equal(t, "v1", st.CurrentVideoID)

	rec = ts.do(t, http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]session.PlaybackState](t, rec), 1)

	rec = ts.do(t, http.MethodPost, "/api/sessions/s1/time-update", `{"current_time":2.5,"frame_number":75}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.InDelta(t, 2.5, decode[session.PlaybackState](t, rec).CurrentTime, 1e-9)

	// one TP, then a batch with a TP and an FP
	rec = ts.do(t, http.MethodPost, "/api/sessions/s1/detections", `{"timestamp":1.2,"class_label":"pedestrian","confidence":0.9}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, matching.TruePositive, decode[session.DetectOutcome](t, rec).Result.Classification)

	rec = ts.do(t, http.MethodPost, "/api/sessions/s1/detections",
		`[{"timestamp":5.3,"class_label":"cyclist","confidence":0.8},{"timestamp":9,"class_label":"car","confidence":0.4}]`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	outcomes := decode[[]session.DetectOutcome](t, rec)
	require.Len(t, outcomes, 2)
	assert.Equal(t, matching.TruePositive, outcomes[0].Result.Classification)
	assert.Equal(t, matching.FalsePositive, outcomes[1].Result.Classification)

	rec = ts.do(t, http.MethodGet, "/api/sessions/s1/state", "")
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[session.Snapshot](t, rec)
	assert.Equal(t, 2, snap.Metrics.TruePositives)
	assert.Equal(t, 1, snap.Metrics.FalsePositives)

	rec = ts.do(t, http.MethodPost, "/api/sessions/s1/control", `{"action":"pause"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, session.Paused, decode[session.PlaybackState](t, rec).State)

	// pause from Paused is not allowed from the current state
	rec = ts.do(t, http.MethodPost, "/api/sessions/s1/control", `{"action":"pause"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_state")

	rec = ts.do(t, http.MethodPost, "/api/sessions/s1/control", `{"action":"rewind"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_action")

	rec = ts.do(t, http.MethodPost, "/api/sessions/s1/sync", `{"external_time":3}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"sync_not_enabled"}`, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/sessions/s1/results", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/sessions/s1/results", "")
	require.Equal(t, http.StatusOK, rec.Code)
	live := decode[resultsResponse](t, rec)
	assert.Equal(t, "live", live.Source)
	assert.Len(t, live.Results, 3)

	rec = ts.do(t, http.MethodPost, "/api/sessions/s1/control", `{"action":"stop"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, session.Stopped, decode[session.PlaybackState](t, rec).State)

	require.Eventually(t, func() bool {
		rec := ts.do(t, http.MethodGet, "/api/sessions/s1/results", "")
		if rec.Code != http.StatusOK {
			return false
		}
		var out resultsResponse
		if json.Unmarshal(rec.Body.Bytes(), &out) != nil {
			return false
		}
		return out.Source == "stored" && len(out.Results) == 3 && out.Metrics != nil
	}, 2*time.Second, 10*time.Millisecond)

	rec = ts.do(t, http.MethodPost, "/api/sessions/s1/time-update", `{"current_time":1,"frame_number":1}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFinalizeAndMark(t *testing.T) {
	ts := setupTestServer(t)
	ts.define(t, twoVideos("s2", session.Configuration{}))

	rec := ts.do(t, http.MethodPost, "/api/sessions/s2/finalize", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "not loaded yet")

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/sessions/s2/start", "").Code)

	rec = ts.do(t, http.MethodPost, "/api/sessions/s2/marks", `{"class_label":"truck","external_time":12}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, int64(3), decode[map[string]int64](t, rec)["ground_truth_id"])

	rec = ts.do(t, http.MethodPost, "/api/sessions/s2/marks", `{"class_label":" "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/sessions/s2/finalize", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	fin := decode[session.FinalizePayload](t, rec)
	assert.Len(t, fin.FalseNegatives, 3)
	assert.Equal(t, 3, fin.Metrics.FalseNegatives)

	rec = ts.do(t, http.MethodPost, "/api/sessions/s2/finalize", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[session.FinalizePayload](t, rec).FalseNegatives)
}

func TestRequestValidation(t *testing.T) {
	ts := setupTestServer(t)
	ts.define(t, twoVideos("s3", session.Configuration{}))
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/sessions/s3/start", "").Code)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"unknown session", http.MethodGet, "/api/sessions/nope/state", "", http.StatusNotFound},
		{"start undefined", http.MethodPost, "/api/sessions/nope/start", "", http.StatusNotFound},
		{"empty control body", http.MethodPost, "/api/sessions/s3/control", "", http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/sessions/s3/time-update", `{"current_time":1,"speed":2}`, http.StatusBadRequest},
		{"bad detection json", http.MethodPost, "/api/sessions/s3/detections", `{"timestamp":"soon"}`, http.StatusBadRequest},
		{"detection confidence", http.MethodPost, "/api/sessions/s3/detections", `{"timestamp":1,"class_label":"car","confidence":7}`, http.StatusBadRequest},
		{"define invalid", http.MethodPost, "/api/sessions", `{"session":{"id":""}}`, http.StatusBadRequest},
		{"bad plane", http.MethodGet, "/ws/sessions/s3?plane=video", "", http.StatusBadRequest},
		{"ws unknown session", http.MethodGet, "/ws/sessions/nope", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}

	rec := ts.do(t, http.MethodPost, "/api/sessions/s3/detections",
		`[{"timestamp":1.1,"class_label":"pedestrian","confidence":0.9},{"timestamp":2,"class_label":"","confidence":0.5}]`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	partial := decode[map[string]any](t, rec)
	assert.EqualValues(t, 1, partial["index"])
	assert.Len(t, partial["outcomes"], 1)
}

func TestImportAnnotationsAndConnectionHealth(t *testing.T) {
	ts := setupTestServer(t)
	ts.define(t, twoVideos("s4", session.Configuration{}))

	rec := ts.do(t, http.MethodPost, "/api/sessions/s4/annotations",
		`[{"video_id":"v2","class_label":"pedestrian","t_start":3.0}]`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decode[map[string]int](t, rec)["imported"])

	rec = ts.do(t, http.MethodGet, "/api/sessions/s4/connection-health", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/sessions/s4/start", "").Code)
	rec = ts.do(t, http.MethodGet, "/api/sessions/s4/connection-health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	h := decode[health.SessionHealth](t, rec)
	assert.Equal(t, "s4", h.SessionID)
	assert.Empty(t, h.Connections)
}

func TestSignalsOverHTTP(t *testing.T) {
	ts := setupTestServer(t)
	ts.define(t, twoVideos("s5", session.Configuration{SyncExternalSignals: true, MaxSyncDriftMs: 100, SyncCheckIntervalMs: 1000}))
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/sessions/s5/start", "").Code)

	rec := ts.do(t, http.MethodPost, "/api/signals", "S s5 0.05")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/signals", `{"session_id":"s5","type":"mark","class_label":"dog"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/signals", "Q nonsense")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/signals", "S missing 1")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/signals/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[struct {
		Signals signal.Stats `json:"signals"`
	}](t, rec)
	assert.Equal(t, signal.Stats{Handled: 2, Malformed: 1, Rejected: 1}, stats.Signals)
}

func TestChartAndOffsetsPlot(t *testing.T) {
	ts := setupTestServer(t)
	ts.define(t, twoVideos("s6", session.Configuration{}))
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/sessions/s6/start", "").Code)

	rec := ts.do(t, http.MethodGet, "/api/sessions/s6/offsets.png", "")
	require.Equal(t, http.StatusOK, rec.Code, "empty histogram still renders")
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))

	for _, body := range []string{
		`{"timestamp":1.1,"class_label":"pedestrian","confidence":0.9}`,
		`{"timestamp":4.8,"class_label":"cyclist","confidence":0.7}`,
		`{"timestamp":8,"class_label":"car","confidence":0.2}`,
	} {
		require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/sessions/s6/detections", body).Code)
	}

	rec = ts.do(t, http.MethodGet, "/api/sessions/s6/chart", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "Matches by class")

	rec = ts.do(t, http.MethodGet, "/api/sessions/s6/offsets.png", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	rec = ts.do(t, http.MethodGet, "/api/sessions/unknown/chart", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCountByClassAndRunningRates(t *testing.T) {
	results := []matching.MatchResult{
		{ClassLabel: "car", Classification: matching.TruePositive},
		{ClassLabel: "bike", Classification: matching.FalsePositive},
		{ClassLabel: "car", Classification: matching.TruePositive},
		{ClassLabel: "bike", Classification: matching.FalseNegative},
	}
	c := countByClass(results)
	assert.Equal(t, []string{"bike", "car"}, c.labels)
	assert.Equal(t, []int{0, 2}, c.tp)
	assert.Equal(t, []int{1, 0}, c.fp)
	assert.Equal(t, []int{1, 0}, c.fn)

	p, r := runningRates(results, 3)
	assert.InDeltaSlice(t, []float64{1, 0.5, 2.0 / 3, 2.0 / 3}, p, 1e-9)
	assert.InDeltaSlice(t, []float64{1.0 / 3, 1.0 / 3, 2.0 / 3, 2.0 / 3}, r, 1e-9)
}

func TestLoggingMiddleware(t *testing.T) {
	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x?y=1", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Contains(t, statusCodeColor(404), "404")
	assert.Contains(t, statusCodeColor(302), "302")
}
