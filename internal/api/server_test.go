package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/arogyakrishi/arogyakrishi-backend/internal/api/handler"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/cache"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/classifier"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/config"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/detection"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/models"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/remedy"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/store"
)

type blightClassifier struct{}

func (blightClassifier) Predict(context.Context, []byte) (classifier.Prediction, error) {
	return classifier.Prediction{Disease: "Late_Blight", Confidence: 0.9, Crop: "Potato"}, nil
}

type testServer struct {
	srv   *httptest.Server
	store *store.Gorm

	mu         sync.Mutex
	dispatched []models.DetectionEvent
}

func (ts *testServer) dispatchedEvents() []models.DetectionEvent {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]models.DetectionEvent(nil), ts.dispatched...)
}

func testConfig() *config.Config {
	return &config.Config{
		StoreDriver:        config.StoreSQLite,
		MaxUploadBytes:     1 << 20,
		CORSAllowOrigins:   []string{"*"},
		APIKeys:            []string{"secret-key"},
		AlertMinConfidence: 0.75,
		AlertRadiusKm:      2,
		AlertWindow:        24 * time.Hour,
		DispatchMode:       config.DispatchInline,
		NearbyRadiusKm:     10,
		CacheEnabled:       true,
		CacheTTL:           time.Minute,
	}
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	st, err := store.OpenSQLite("file:" + name + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ts := &testServer{store: st}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := testConfig()
	appCache := cache.New(true, time.Minute)
	dispatch := func(_ context.Context, ev models.DetectionEvent) error {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		ts.dispatched = append(ts.dispatched, ev)
		return nil
	}
	svc := detection.NewService(st, blightClassifier{}, dispatch, logger, detection.WithCache(appCache))

	router := NewRouter(Deps{Store: st, Detection: svc, Cache: appCache}, cfg)
	ts.srv = httptest.NewServer(router)
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body io.Reader, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func imageForm(t *testing.T, contentType string, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if contentType != "" {
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", `form-data; name="image"; filename="leaf.jpg"`)
		h.Set("Content-Type", contentType)
		part, err := mw.CreatePart(h)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		part.Write([]byte("fake-image-bytes"))
	}
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestHealthAndVersion(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{"/", "/health", "/health/db", "/health/cache", "/version"} {
		resp := ts.do(t, http.MethodGet, path, nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d", path, resp.StatusCode)
		}
		if resp.Header.Get("X-Process-Time") == "" {
			t.Errorf("GET %s missing X-Process-Time", path)
		}
	}

	var v map[string]string
	decode(t, ts.do(t, http.MethodGet, "/version", nil, nil), &v)
	if v["version"] != handler.Version {
		t.Fatalf("unexpected version %v", v)
	}
}

func TestDetectImage(t *testing.T) {
	ts := newTestServer(t)

	body, ct := imageForm(t, "image/jpeg", nil)
	resp := ts.do(t, http.MethodPost, "/api/v1/detect-image?lat=12.9&lng=77.6", body, http.Header{"Content-Type": {ct}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var res detection.DetectResult
	decode(t, resp, &res)
	if res.Disease != "Late_Blight" || res.EventID == nil || !res.AlertsQueued || len(res.Remedies) == 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := ts.dispatchedEvents(); len(got) != 1 || got[0].ID != *res.EventID {
		t.Fatalf("expected stored event dispatched, got %+v", got)
	}
}

func TestDetectImage_BadRequests(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name        string
		contentType string
		query       string
		wantCode    string
	}{
		{"wrong image type", "image/gif", "", "INVALID_IMAGE_TYPE"},
		{"missing image", "", "", "MISSING_IMAGE"},
		{"bad latitude", "image/png", "?lat=abc&lng=1", "INVALID_LAT"},
		{"half location", "image/png", "?lat=12.9", "INVALID_LOCATION"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, ct := imageForm(t, tt.contentType, nil)
			resp := ts.do(t, http.MethodPost, "/api/v1/detect-image"+tt.query, body, http.Header{"Content-Type": {ct}})
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
			var e struct {
				Error struct{ Code string } `json:"error"`
			}
			decode(t, resp, &e)
			if e.Error.Code != tt.wantCode {
				t.Fatalf("expected %s, got %s", tt.wantCode, e.Error.Code)
			}
		})
	}
	if got := ts.dispatchedEvents(); len(got) != 0 {
		t.Fatalf("bad requests must not dispatch, got %+v", got)
	}
}

func TestNearbyAlerts_CacheAndETag(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	if _, err := ts.store.CreateDetection(ctx, models.DetectionEvent{
		Disease: "Leaf_Rust", Latitude: 12.9, Longitude: 77.6, Confidence: 0.8, CreatedAt: time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("create detection: %v", err)
	}

	resp := ts.do(t, http.MethodGet, "/api/v1/nearby-alerts?lat=12.9&lng=77.6", nil, nil)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("X-Cache") != "MISS" {
		t.Fatalf("expected 200 MISS, got %d %q", resp.StatusCode, resp.Header.Get("X-Cache"))
	}
	var body handler.NearbyAlertsResponse
	decode(t, resp, &body)
	if body.Total != 1 || body.Alerts[0].DisplayName != remedy.Lookup("Leaf_Rust").DisplayName || body.RadiusKm != 10 {
		t.Fatalf("unexpected body %+v", body)
	}
	etag := resp.Header.Get("ETag")

	resp = ts.do(t, http.MethodGet, "/api/v1/nearby-alerts?lat=12.9&lng=77.6", nil, nil)
	if resp.Header.Get("X-Cache") != "HIT" {
		t.Fatalf("expected cache hit, got %q", resp.Header.Get("X-Cache"))
	}

	resp = ts.do(t, http.MethodGet, "/api/v1/nearby-alerts?lat=12.9&lng=77.6", nil, http.Header{"If-None-Match": {etag}})
	if resp.StatusCode != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", resp.StatusCode)
	}

	// A new detection invalidates the cached entry.
	form, ct := imageForm(t, "image/jpeg", nil)
	ts.do(t, http.MethodPost, "/api/v1/detect-image?lat=12.9&lng=77.6", form, http.Header{"Content-Type": {ct}})
	resp = ts.do(t, http.MethodGet, "/api/v1/nearby-alerts?lat=12.9&lng=77.6", nil, nil)
	decode(t, resp, &body)
	if resp.Header.Get("X-Cache") != "MISS" || body.Total != 2 {
		t.Fatalf("expected fresh result with 2 alerts, got %q %+v", resp.Header.Get("X-Cache"), body)
	}

	for _, q := range []string{"", "?lat=12.9", "?lat=12.9&lng=77.6&radius=-1"} {
		if resp := ts.do(t, http.MethodGet, "/api/v1/nearby-alerts"+q, nil, nil); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("GET nearby-alerts%s = %d, want 400", q, resp.StatusCode)
		}
	}
}

func TestScanTreatment(t *testing.T) {
	ts := newTestServer(t)

	body, ct := imageForm(t, "image/png", map[string]string{"disease": "Early Blight", "item_label": "Kocide 3000"})
	resp := ts.do(t, http.MethodPost, "/api/v1/scan-treatment", body, http.Header{"Content-Type": {ct}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var ev remedy.Evaluation
	decode(t, resp, &ev)
	if !ev.WillCure || ev.Verdict != remedy.VerdictMatch {
		t.Fatalf("expected a match, got %+v", ev)
	}

	body, ct = imageForm(t, "", map[string]string{"item_label": "x"})
	resp = ts.do(t, http.MethodPost, "/api/v1/scan-treatment", body, http.Header{"Content-Type": {ct}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without disease, got %d", resp.StatusCode)
	}
}

func TestUsers(t *testing.T) {
	ts := newTestServer(t)
	auth := http.Header{"Content-Type": {"application/json"}, "X-Api-Key": {"secret-key"}}

	resp := ts.do(t, http.MethodPost, "/api/v1/users", strings.NewReader(`{"latitude":12.9,"longitude":77.6}`),
		http.Header{"Content-Type": {"application/json"}})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodPost, "/api/v1/users",
		strings.NewReader(`{"latitude":12.9,"longitude":77.6,"device_token":"tok-1"}`), auth)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var user models.UserProfile
	decode(t, resp, &user)
	if user.ID == 0 || !user.NotificationsEnabled || user.Token() != "tok-1" {
		t.Fatalf("unexpected user %+v", user)
	}

	resp = ts.do(t, http.MethodPatch, "/api/v1/users/"+itoa(user.ID),
		strings.NewReader(`{"notifications_enabled":false}`), auth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	decode(t, resp, &user)
	if user.NotificationsEnabled || user.Token() != "tok-1" {
		t.Fatalf("expected only notifications changed, got %+v", user)
	}

	if _, err := ts.store.InsertSentAlert(context.Background(), user.ID, "Late_Blight", time.Now().UTC()); err != nil {
		t.Fatalf("insert alert: %v", err)
	}
	resp = ts.do(t, http.MethodGet, "/api/v1/users/"+itoa(user.ID)+"/alerts", nil, auth)
	var history handler.UserAlertsResponse
	decode(t, resp, &history)
	if resp.StatusCode != http.StatusOK || history.Total != 1 || history.Alerts[0].Disease != "Late_Blight" {
		t.Fatalf("unexpected history %d %+v", resp.StatusCode, history)
	}

	tests := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodPatch, "/api/v1/users/9999", `{}`, http.StatusNotFound},
		{http.MethodPatch, "/api/v1/users/abc", `{}`, http.StatusBadRequest},
		{http.MethodPatch, "/api/v1/users/" + itoa(user.ID), `{"latitude":120}`, http.StatusBadRequest},
		{http.MethodPost, "/api/v1/users", `{"latitude":`, http.StatusBadRequest},
		{http.MethodGet, "/api/v1/users/9999/alerts", ``, http.StatusNotFound},
	}
	for _, tt := range tests {
		resp := ts.do(t, tt.method, tt.path, strings.NewReader(tt.body), auth)
		if resp.StatusCode != tt.want {
			t.Errorf("%s %s = %d, want %d", tt.method, tt.path, resp.StatusCode, tt.want)
		}
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	h := RateLimitMiddleware(2, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("expected [200 429], got %v", codes)
	}
}

func TestAPIKeyMiddleware_Disabled(t *testing.T) {
	h := APIKeyMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected pass-through, got %d", rec.Code)
	}
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
