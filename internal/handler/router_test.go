package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/questharvest/internal/harvest"
	"github.com/hitoshi/questharvest/internal/middleware"
	"github.com/hitoshi/questharvest/internal/model"
)

// --- モック定義 ---

type mockSessionFinder struct {
	sessions map[string]*model.Session
}

func (m *mockSessionFinder) FindByID(ctx context.Context, id string) (*model.Session, error) {
	return m.sessions[id], nil
}

type mockJobService struct {
	enqueueFn func(ownerID, accessToken string) (*model.Job, error)
	statusFn  func(jobID string) (*model.Job, error)
}

func (m *mockJobService) Enqueue(ownerID, accessToken string) (*model.Job, error) {
	if m.enqueueFn != nil {
		return m.enqueueFn(ownerID, accessToken)
	}
	return nil, errors.New("not implemented")
}

func (m *mockJobService) Status(jobID string) (*model.Job, error) {
	if m.statusFn != nil {
		return m.statusFn(jobID)
	}
	return nil, model.ErrJobNotFound
}

type mockPriceService struct {
	pricesFn func(ctx context.Context, marketID int, region string, itemIDs []int) ([]model.MarketRecord, error)
}

func (m *mockPriceService) Prices(ctx context.Context, marketID int, region string, itemIDs []int) ([]model.MarketRecord, error) {
	if m.pricesFn != nil {
		return m.pricesFn(ctx, marketID, region, itemIDs)
	}
	return nil, nil
}

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(ctx context.Context) error { return m.err }

// --- テストヘルパー ---

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func newTestRouter(t *testing.T, jobs JobServiceInterface, prices PriceServiceInterface) http.Handler {
	t.Helper()
	rl := middleware.NewRateLimiter(middleware.RateLimiterConfigPerMinute(120, 2))
	t.Cleanup(rl.Stop)

	return NewRouter(&RouterDeps{
		Logger: newTestLogger(new(bytes.Buffer)),
		SessionFinder: &mockSessionFinder{sessions: map[string]*model.Session{
			"sess-a": {ID: "sess-a", UserID: "owner-a", AccessToken: "token-a", ExpiresAt: time.Now().Add(time.Hour)},
			"sess-b": {ID: "sess-b", UserID: "owner-b", ExpiresAt: time.Now().Add(time.Hour)},
		}},
		RateLimiter:   rl,
		HealthChecker: &mockHealthChecker{},
		Gatherer:      prometheus.NewRegistry(),
		JobService:    jobs,
		PriceService:  prices,
		DefaultRegion: "US",
	})
}

func doRequest(h http.Handler, method, path, session string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if session != "" {
		req.AddCookie(&http.Cookie{Name: "session_id", Value: session})
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v (body=%s)", err, w.Body.String())
	}
}

// --- 収集ジョブ ---

func TestEnqueueJob_Returns202WithPosition(t *testing.T) {
	var gotOwner, gotToken string
	jobs := &mockJobService{
		enqueueFn: func(ownerID, accessToken string) (*model.Job, error) {
			gotOwner, gotToken = ownerID, accessToken
			return &model.Job{ID: "job-1", OwnerID: ownerID, Status: model.JobStatusQueued, QueuePosition: 3}, nil
		},
	}
	router := newTestRouter(t, jobs, &mockPriceService{})

	w := doRequest(router, http.MethodPost, "/api/harvest/jobs", "sess-a")

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	var body enqueueResponse
	decodeBody(t, w, &body)
	if body.JobID != "job-1" || body.QueuePosition != 3 || body.Status != model.JobStatusQueued {
		t.Errorf("body = %+v", body)
	}
	if gotOwner != "owner-a" || gotToken != "token-a" {
		t.Errorf("Enqueue(%q, %q), want (owner-a, token-a)", gotOwner, gotToken)
	}
}

func TestEnqueueJob_RequiresSession(t *testing.T) {
	router := newTestRouter(t, &mockJobService{}, &mockPriceService{})

	w := doRequest(router, http.MethodPost, "/api/harvest/jobs", "")

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestEnqueueJob_EnqueueRateLimit(t *testing.T) {
	jobs := &mockJobService{
		enqueueFn: func(ownerID, accessToken string) (*model.Job, error) {
			return &model.Job{ID: "job", Status: model.JobStatusQueued, QueuePosition: 1}, nil
		},
	}
	router := newTestRouter(t, jobs, &mockPriceService{})

	for i := 0; i < 2; i++ {
		if w := doRequest(router, http.MethodPost, "/api/harvest/jobs", "sess-a"); w.Code != http.StatusAccepted {
			t.Fatalf("request %d: status = %d, want 202", i, w.Code)
		}
	}
	if w := doRequest(router, http.MethodPost, "/api/harvest/jobs", "sess-a"); w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", w.Code)
	}
	// 他のオーナーは影響を受けない
	if w := doRequest(router, http.MethodPost, "/api/harvest/jobs", "sess-b"); w.Code != http.StatusAccepted {
		t.Errorf("owner-b: status = %d, want 202", w.Code)
	}
}

func TestEnqueueJob_QueueClosed_Returns503(t *testing.T) {
	jobs := &mockJobService{
		enqueueFn: func(ownerID, accessToken string) (*model.Job, error) {
			return nil, harvest.ErrQueueClosed
		},
	}
	router := newTestRouter(t, jobs, &mockPriceService{})

	w := doRequest(router, http.MethodPost, "/api/harvest/jobs", "sess-a")

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestGetJob_ReturnsSnapshot(t *testing.T) {
	started := time.Now()
	jobs := &mockJobService{
		statusFn: func(jobID string) (*model.Job, error) {
			return &model.Job{
				ID:        jobID,
				OwnerID:   "owner-a",
				Status:    model.JobStatusProcessing,
				StartedAt: &started,
				Progress: model.JobProgress{
					Phase:               model.JobPhaseQuests,
					CharactersProcessed: 1,
					CharactersTotal:     2,
					QuestsProcessed:     40,
					Errors:              []string{"alt-realm: 403"},
				},
			}, nil
		},
	}
	router := newTestRouter(t, jobs, &mockPriceService{})

	w := doRequest(router, http.MethodGet, "/api/harvest/jobs/job-9", "sess-a")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body jobResponse
	decodeBody(t, w, &body)
	if body.ID != "job-9" || body.Status != model.JobStatusProcessing {
		t.Errorf("body = %+v", body)
	}
	if body.Progress.QuestsProcessed != 40 || len(body.Progress.Errors) != 1 {
		t.Errorf("progress = %+v", body.Progress)
	}
}

func TestGetJob_NotFoundAndForeignOwner(t *testing.T) {
	jobs := &mockJobService{
		statusFn: func(jobID string) (*model.Job, error) {
			if jobID == "job-a" {
				return &model.Job{ID: "job-a", OwnerID: "owner-a", Status: model.JobStatusQueued}, nil
			}
			return nil, model.ErrJobNotFound
		},
	}
	router := newTestRouter(t, jobs, &mockPriceService{})

	tests := []struct {
		name    string
		path    string
		session string
	}{
		{"存在しないジョブ", "/api/harvest/jobs/missing", "sess-a"},
		{"他オーナーのジョブ", "/api/harvest/jobs/job-a", "sess-b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(router, http.MethodGet, tt.path, tt.session)
			if w.Code != http.StatusNotFound {
				t.Fatalf("status = %d, want 404", w.Code)
			}
			var body middleware.ErrorResponseBody
			decodeBody(t, w, &body)
			if body.Code != model.ErrCodeJobNotFound {
				t.Errorf("code = %q, want %q", body.Code, model.ErrCodeJobNotFound)
			}
		})
	}
}

// --- マーケット価格 ---

func TestListPrices_ParsesQuery(t *testing.T) {
	var gotMarket int
	var gotRegion string
	var gotItems []int
	prices := &mockPriceService{
		pricesFn: func(ctx context.Context, marketID int, region string, itemIDs []int) ([]model.MarketRecord, error) {
			gotMarket, gotRegion, gotItems = marketID, region, itemIDs
			return []model.MarketRecord{{MarketID: 3676, ItemID: 1, Region: region, MinPrice: 100}}, nil
		},
	}
	router := newTestRouter(t, &mockJobService{}, prices)

	w := doRequest(router, http.MethodGet, "/api/markets/3676/prices?region=EU&items=1,2,2,3", "sess-a")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body=%s)", w.Code, w.Body.String())
	}
	if gotMarket != 3676 || gotRegion != "eu" {
		t.Errorf("Prices(%d, %q), want (3676, eu)", gotMarket, gotRegion)
	}
	if len(gotItems) != 3 {
		t.Errorf("items = %v, want deduplicated [1 2 3]", gotItems)
	}
	var body pricesResponse
	decodeBody(t, w, &body)
	if len(body.Prices) != 1 || body.Prices[0].MinPrice != 100 {
		t.Errorf("prices = %+v", body.Prices)
	}
}

func TestListPrices_DefaultRegionAndEmptyResult(t *testing.T) {
	var gotRegion string
	prices := &mockPriceService{
		pricesFn: func(ctx context.Context, marketID int, region string, itemIDs []int) ([]model.MarketRecord, error) {
			gotRegion = region
			return nil, nil
		},
	}
	router := newTestRouter(t, &mockJobService{}, prices)

	w := doRequest(router, http.MethodGet, "/api/markets/0/prices?items=5", "sess-a")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if gotRegion != "us" {
		t.Errorf("region = %q, want us", gotRegion)
	}
	var raw map[string]any
	decodeBody(t, w, &raw)
	if list, ok := raw["prices"].([]any); !ok || len(list) != 0 {
		t.Errorf("prices = %v, want empty array", raw["prices"])
	}
}

func TestListPrices_Validation(t *testing.T) {
	router := newTestRouter(t, &mockJobService{}, &mockPriceService{})

	tests := []struct {
		name string
		path string
		code string
	}{
		{"数値でないマーケット", "/api/markets/abc/prices?items=1", model.ErrCodeInvalidMarket},
		{"負のマーケット", "/api/markets/-1/prices?items=1", model.ErrCodeInvalidMarket},
		{"items未指定", "/api/markets/0/prices", model.ErrCodeInvalidItems},
		{"数値でないitem", "/api/markets/0/prices?items=1,x", model.ErrCodeInvalidItems},
		{"0のitem", "/api/markets/0/prices?items=0", model.ErrCodeInvalidItems},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(router, http.MethodGet, tt.path, "sess-a")
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			var body middleware.ErrorResponseBody
			decodeBody(t, w, &body)
			if body.Code != tt.code {
				t.Errorf("code = %q, want %q", body.Code, tt.code)
			}
		})
	}
}

func TestListPrices_StoreError_Returns500(t *testing.T) {
	prices := &mockPriceService{
		pricesFn: func(ctx context.Context, marketID int, region string, itemIDs []int) ([]model.MarketRecord, error) {
			return nil, errors.New("connection reset")
		},
	}
	router := newTestRouter(t, &mockJobService{}, prices)

	w := doRequest(router, http.MethodGet, "/api/markets/0/prices?items=1", "sess-a")

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestParseItemIDs_Limit(t *testing.T) {
	parts := make([]string, 0, maxPriceItems+1)
	for i := 1; i <= maxPriceItems+1; i++ {
		parts = append(parts, strconv.Itoa(i))
	}
	if _, ok := parseItemIDs(strings.Join(parts, ",")); ok {
		t.Errorf("%d件を超えるアイテムは拒否すべき", maxPriceItems)
	}
}

// --- 運用エンドポイント ---

func TestHealth(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"正常", nil, http.StatusOK},
		{"DB障害", errors.New("db down"), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			NewHealthHandler(&mockHealthChecker{err: tt.err}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
		})
	}
}

func TestRouter_HealthAndMetricsSkipSession(t *testing.T) {
	router := newTestRouter(t, &mockJobService{}, &mockPriceService{})

	if w := doRequest(router, http.MethodGet, "/health", ""); w.Code != http.StatusOK {
		t.Errorf("/health status = %d, want 200", w.Code)
	}
	if w := doRequest(router, http.MethodGet, "/metrics", ""); w.Code != http.StatusOK {
		t.Errorf("/metrics status = %d, want 200", w.Code)
	}
}

func TestRouter_RecoversPanic(t *testing.T) {
	jobs := &mockJobService{
		statusFn: func(jobID string) (*model.Job, error) {
			panic("boom")
		},
	}
	router := newTestRouter(t, jobs, &mockPriceService{})

	w := doRequest(router, http.MethodGet, "/api/harvest/jobs/x", "sess-a")

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}
