package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/aura/internal/db"
	"github.com/banshee-data/aura/internal/ingest"
	"github.com/banshee-data/aura/internal/monitoring"
	"github.com/banshee-data/aura/internal/scene"
	"github.com/banshee-data/aura/internal/testutil"
	"github.com/banshee-data/aura/internal/vision"
)

type testEnv struct {
	server  *Server
	handler http.Handler
	coord   *ingest.Coordinator
	journal *db.DB
}

func chairDetector() vision.Detector {
	return vision.DetectorFunc(func(ctx context.Context, ref string, d float64) (vision.Result, error) {
		return vision.Result{
			Context: "a chair ahead",
			Objects: []scene.Entity{{Label: "chair", Confidence: testutil.Float64Ptr(0.91)}},
			People:  []scene.Entity{{Name: "Unknown"}},
		}, nil
	})
}

func failingDetector(kind error) vision.Detector {
	return vision.DetectorFunc(func(ctx context.Context, ref string, d float64) (vision.Result, error) {
		return vision.Result{}, &vision.DetectError{ImageRef: ref, Kind: kind}
	})
}

func newTestEnv(t *testing.T, det vision.Detector) *testEnv {
	t.Helper()
	journal := openAPITestDB(t)
	store := scene.NewStore(nil, 8)
	t.Cleanup(store.Close)

	coord, err := ingest.NewCoordinator(ingest.Config{
		Store:         store,
		Detector:      det,
		VisionTimeout: time.Second,
		Journal:       journal,
	})
	require.NoError(t, err)

	srv := NewServer(Config{
		Coordinator:  coord,
		Journal:      journal,
		Metrics:      monitoring.NewMetrics(),
		MaxBodyBytes: 512,
	})
	return &testEnv{server: srv, handler: Handler(srv.ServeMux()), coord: coord, journal: journal}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) postFrame(t *testing.T, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(testutil.NewJSONRequest(http.MethodPost, "/frame", body))
}

func TestHome(t *testing.T) {
	env := newTestEnv(t, chairDetector())

	rec := env.do(httptest.NewRequest(http.MethodGet, "/", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var body map[string]interface{}
	testutil.DecodeJSON(t, rec, &body)
	assert.Equal(t, StatusRunning, body["status"])
	assert.Contains(t, body, "version")

	rec = env.do(httptest.NewRequest(http.MethodGet, "/nope", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)
}

func TestFrame_Commits(t *testing.T) {
	env := newTestEnv(t, chairDetector())

	rec := env.postFrame(t, map[string]interface{}{"imageUrl": "http://cam.local/capture", "lidarDistance": 1.25})
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var resp frameResponse
	testutil.DecodeJSON(t, rec, &resp)
	assert.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, ingest.StateCommitted, resp.State)
	assert.Equal(t, 1.25, resp.Distance)
	assert.Equal(t, ingest.SourceEvent, resp.DistanceSource)
	require.NotNil(t, resp.Scene)
	require.Len(t, resp.Scene.Objects, 1)
	assert.Equal(t, 1.25, *resp.Scene.Objects[0].DistanceMeters)
	assert.Equal(t, 1.25, *resp.Scene.People[0].DistanceMeters)

	sc, ok := env.coord.Store().Get()
	require.True(t, ok)
	assert.Equal(t, resp.Scene.Version, sc.Version)
}

func TestFrame_UsesLatestLidarReading(t *testing.T) {
	env := newTestEnv(t, chairDetector())

	rec := env.do(testutil.NewJSONRequest(http.MethodPost, "/lidar", map[string]float64{"distance": 0.8}))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	rec = env.postFrame(t, map[string]string{"imageUrl": "http://cam.local/capture"})
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var resp frameResponse
	testutil.DecodeJSON(t, rec, &resp)
	assert.Equal(t, 0.8, resp.Distance)
	assert.Equal(t, ingest.SourceLatest, resp.DistanceSource)
}

func TestFrame_Errors(t *testing.T) {
	tests := []struct {
		name     string
		detector vision.Detector
		method   string
		body     interface{}
		want     int
	}{
		{"wrong method", chairDetector(), http.MethodGet, nil, http.StatusMethodNotAllowed},
		{"malformed json", chairDetector(), http.MethodPost, `{"imageUrl":`, http.StatusBadRequest},
		{"empty body", chairDetector(), http.MethodPost, "", http.StatusBadRequest},
		{"missing image", chairDetector(), http.MethodPost, map[string]string{}, http.StatusBadRequest},
		{"negative distance", chairDetector(), http.MethodPost, map[string]interface{}{"imageUrl": "http://cam/capture", "lidarDistance": -1}, http.StatusBadRequest},
		{"unsupported scheme", chairDetector(), http.MethodPost, map[string]string{"imageUrl": "ftp://cam/capture"}, http.StatusBadRequest},
		{"body too large", chairDetector(), http.MethodPost, map[string]string{"imageUrl": "http://cam/" + strings.Repeat("a", 1024)}, http.StatusRequestEntityTooLarge},
		{"detector timeout", failingDetector(vision.ErrTimeout), http.MethodPost, map[string]string{"imageUrl": "http://cam/capture"}, http.StatusGatewayTimeout},
		{"worker failed", failingDetector(vision.ErrWorkerFailed), http.MethodPost, map[string]string{"imageUrl": "http://cam/capture"}, http.StatusBadGateway},
		{"malformed result", failingDetector(vision.ErrMalformedResult), http.MethodPost, map[string]string{"imageUrl": "http://cam/capture"}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.detector)
			rec := env.do(testutil.NewJSONRequest(tt.method, "/frame", tt.body))
			testutil.AssertStatusCode(t, rec.Code, tt.want)

			var body map[string]string
			testutil.DecodeJSON(t, rec, &body)
			assert.NotEmpty(t, body["error"])

			_, ok := env.coord.Store().Get()
			assert.False(t, ok, "store must be unchanged")
		})
	}
}

func TestLidar(t *testing.T) {
	env := newTestEnv(t, chairDetector())

	rec := env.do(testutil.NewJSONRequest(http.MethodPost, "/lidar", map[string]float64{"distance": 1.7}))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var body map[string]string
	testutil.DecodeJSON(t, rec, &body)
	assert.Equal(t, map[string]string{"status": StatusLidarUpdated}, body)

	r, ok := env.coord.Store().LatestDistance()
	require.True(t, ok)
	assert.Equal(t, 1.7, r.Meters)

	for name, tc := range map[string]struct {
		method string
		body   interface{}
		want   int
	}{
		"missing distance":  {http.MethodPost, map[string]string{}, http.StatusBadRequest},
		"negative distance": {http.MethodPost, map[string]float64{"distance": -0.1}, http.StatusBadRequest},
		"not a number":      {http.MethodPost, `{"distance":"far"}`, http.StatusBadRequest},
		"wrong method":      {http.MethodPut, nil, http.StatusMethodNotAllowed},
	} {
		t.Run(name, func(t *testing.T) {
			rec := env.do(testutil.NewJSONRequest(tc.method, "/lidar", tc.body))
			testutil.AssertStatusCode(t, rec.Code, tc.want)
		})
	}
}

func TestContextLatest(t *testing.T) {
	env := newTestEnv(t, chairDetector())

	rec := env.do(httptest.NewRequest(http.MethodGet, "/context/latest", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var empty map[string]string
	testutil.DecodeJSON(t, rec, &empty)
	assert.Equal(t, map[string]string{"status": StatusNoData}, empty)

	testutil.AssertStatusCode(t, env.postFrame(t, map[string]interface{}{"imageUrl": "http://cam/capture", "lidarDistance": 1.5}).Code, http.StatusOK)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/context/latest", nil))
	var view sceneView
	testutil.DecodeJSON(t, rec, &view)
	assert.Equal(t, "m", view.Units)
	assert.Equal(t, "a chair ahead", view.Context)
	assert.Equal(t, 1.5, *view.Distance)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/context/latest?units=cm", nil))
	testutil.DecodeJSON(t, rec, &view)
	assert.Equal(t, "cm", view.Units)
	assert.InDelta(t, 150.0, *view.Distance, 1e-9)
	assert.InDelta(t, 150.0, *view.Objects[0].DistanceMeters, 1e-9)

	// Conversion must not leak into the stored scene.
	sc, _ := env.coord.Store().Get()
	assert.Equal(t, 1.5, *sc.Objects[0].DistanceMeters)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/context/latest?units=furlong", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
}

func TestContextStream(t *testing.T) {
	env := newTestEnv(t, chairDetector())
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	testutil.AssertStatusCode(t, env.postFrame(t, map[string]interface{}{"imageUrl": "http://cam/capture", "lidarDistance": 2.0}).Code, http.StatusOK)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/context/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 32)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()
	next := func() string {
		select {
		case l := <-lines:
			return l
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for stream line")
			return ""
		}
	}

	assert.Equal(t, ": ping", next())
	assert.Equal(t, "", next())
	assert.Equal(t, "id: 1", next())
	assert.Equal(t, "event: scene", next())
	assert.Contains(t, next(), `"scene":"a chair ahead"`)
	assert.Equal(t, "", next())

	_, err = env.coord.HandleDistance(context.Background(), ingest.DistanceEvent{Meters: 0.5})
	require.NoError(t, err)

	assert.Equal(t, "id: 2", next())
	assert.Equal(t, "event: scene", next())
	assert.Contains(t, next(), `"distance_m":0.5`)

	cancel()
	testutil.WaitFor(t, 2*time.Second, func() bool { return env.coord.Store().SubscriberCount() == 0 })
}

func TestListEvents(t *testing.T) {
	env := newTestEnv(t, chairDetector())

	env.postFrame(t, map[string]string{"imageUrl": "http://cam/capture"})
	env.do(testutil.NewJSONRequest(http.MethodPost, "/lidar", map[string]float64{"distance": 1.1}))

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/events", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var events []db.EventRecord
	testutil.DecodeJSON(t, rec, &events)
	require.Len(t, events, 2)
	gotKinds := []string{events[0].Kind, events[1].Kind}
	assert.ElementsMatch(t, []string{ingest.KindFrame, ingest.KindDistance}, gotKinds)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/events?kind=frame&limit=5", nil))
	testutil.DecodeJSON(t, rec, &events)
	require.Len(t, events, 1)
	assert.Equal(t, "committed", events[0].State)
	assert.Equal(t, "http://cam/capture", events[0].ImageRef)

	for _, q := range []string{"?limit=0", "?limit=x", "?kind=audio"} {
		rec = env.do(httptest.NewRequest(http.MethodGet, "/api/events"+q, nil))
		testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
	}
}

func TestListEvents_JournalDisabled(t *testing.T) {
	env := newTestEnv(t, chairDetector())
	env.server.journal = nil

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/events", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)
}

func TestShowStats(t *testing.T) {
	env := newTestEnv(t, chairDetector())
	env.postFrame(t, map[string]string{"imageUrl": "http://cam/capture"})
	env.postFrame(t, map[string]string{"imageUrl": ""})
	env.do(testutil.NewJSONRequest(http.MethodPost, "/lidar", map[string]float64{"distance": 0.9}))

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var got struct {
		Counts       map[string]map[string]uint64 `json:"counts"`
		SceneVersion uint64                       `json:"scene_version"`
		DistanceM    *float64                     `json:"distance_m"`
	}
	testutil.DecodeJSON(t, rec, &got)

	want := map[string]map[string]uint64{
		ingest.KindFrame:    {"committed": 1, "rejected": 1},
		ingest.KindDistance: {"applied": 1},
	}
	if diff := cmp.Diff(want, got.Counts); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, uint64(2), got.SceneVersion)
	require.NotNil(t, got.DistanceM)
	assert.Equal(t, 0.9, *got.DistanceM)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, chairDetector())
	env.postFrame(t, map[string]string{"imageUrl": "http://cam/capture"})

	rec := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Contains(t, rec.Body.String(), "aura_scene_version")
}

func TestWriteIngestError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ingest.ErrInvalidImageRef, http.StatusBadRequest},
		{ingest.ErrInvalidDistance, http.StatusBadRequest},
		{&vision.DetectError{Kind: vision.ErrTimeout}, http.StatusGatewayTimeout},
		{&vision.DetectError{Kind: vision.ErrCanceled}, 499},
		{&vision.DetectError{Kind: vision.ErrWorkerFailed}, http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		writeIngestError(rec, tt.err)
		assert.Equal(t, tt.want, rec.Code, tt.err.Error())
	}
}
