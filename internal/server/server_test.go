package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/marketrules/internal/cache/memory"
	"github.com/alanyoungcy/marketrules/internal/metrics"
	"github.com/alanyoungcy/marketrules/internal/processor"
	"github.com/alanyoungcy/marketrules/internal/rules"
	"github.com/alanyoungcy/marketrules/internal/seed"
	"github.com/alanyoungcy/marketrules/internal/server/handler"
	"github.com/alanyoungcy/marketrules/internal/server/middleware"
	"github.com/alanyoungcy/marketrules/internal/service"
	storemem "github.com/alanyoungcy/marketrules/internal/store/memory"
)

const testAPIKey = "test-key"

func newTestServer(t *testing.T, cfg Config) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	store := storemem.NewSportConfigStore()
	doc, err := seed.Default()
	if err != nil {
		t.Fatalf("seed.Default: %v", err)
	}
	if _, err := seed.Apply(ctx, store, doc, logger); err != nil {
		t.Fatalf("seed.Apply: %v", err)
	}

	m := metrics.New()
	configs := service.NewConfigService(store, memory.NewConfigCache(time.Minute), rules.NewCompiler(), logger,
		service.WithMetrics(m))
	batches := service.NewBatchService(configs, processor.New(logger), nil, m, logger)

	cfg.APIKey = testAPIKey
	srv := NewServer(cfg, Handlers{
		Health:  handler.NewHealthHandler(logger),
		Configs: handler.NewConfigHandler(configs, logger),
		Cache:   handler.NewCacheHandler(configs),
		Process: handler.NewProcessHandler(batches, logger),
		Metrics: promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}),
	}, nil, logger)
	return srv.Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("X-API-Key", testAPIKey)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return v
}

const matchLinesBatch = `{"name":"match lines","outcomes":[
	{"name":"To Win","header":"1","handicap":"","odd":"1.90"},
	{"name":"To Win","header":"2","handicap":"","odd":"1.90"},
	{"name":"Total","header":"1","handicap":"O 74.5","odd":"1.90"},
	{"name":"Total","header":"2","handicap":"U 74.5","odd":"1.90"},
	{"name":"Handicap","header":"2","handicap":"+1.5","odd":"1.90"},
	{"name":"Handicap","header":"1","handicap":"+1.5","odd":"1.90"}]}`

func TestPublicAndProtectedRoutes(t *testing.T) {
	h := newTestServer(t, Config{})

	tests := []struct {
		name string
		path string
		key  string
		want int
	}{
		{name: "health is public", path: "/api/health", want: http.StatusOK},
		{name: "metrics is public", path: "/metrics", want: http.StatusOK},
		{name: "configs need a key", path: "/api/configs", want: http.StatusUnauthorized},
		{name: "configs with key", path: "/api/configs", key: testAPIKey, want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.key != "" {
				req.Header.Set("Authorization", "Bearer "+tt.key)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestProcessMatchLines(t *testing.T) {
	h := newTestServer(t, Config{})

	rec := do(t, h, http.MethodPost, "/api/process/Cricket", matchLinesBatch)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	got := decode[struct {
		Group    string `json:"group"`
		Markets  []struct{ Name string }
		Outcomes []struct {
			MarketName string  `json:"market_name"`
			Name       string  `json:"name"`
			Handicap   *string `json:"handicap"`
		}
		Issues []any `json:"issues"`
	}](t, rec)

	if got.Group != "Match Lines" {
		t.Errorf("group = %q", got.Group)
	}
	if len(got.Markets) != 3 || len(got.Outcomes) != 6 {
		t.Fatalf("markets = %d, outcomes = %d, want 3 and 6", len(got.Markets), len(got.Outcomes))
	}
	var over bool
	for _, o := range got.Outcomes {
		if o.Name == "Over (74.5)" {
			over = true
			if o.MarketName != "Total Score" || o.Handicap == nil || *o.Handicap != "74.5" {
				t.Errorf("over outcome = %+v", o)
			}
		}
	}
	if !over {
		t.Error(`missing outcome "Over (74.5)"`)
	}
	if len(got.Issues) != 0 {
		t.Errorf("issues = %v", got.Issues)
	}

	stats := decode[struct {
		Size int      `json:"size"`
		Keys []string `json:"keys"`
	}](t, do(t, h, http.MethodGet, "/api/cache", ""))
	if stats.Size != 1 || stats.Keys[0] != "cricket" {
		t.Errorf("cache stats = %+v", stats)
	}
}

func TestProcessErrors(t *testing.T) {
	h := newTestServer(t, Config{})

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{name: "unknown sport", path: "/api/process/curling", body: matchLinesBatch, want: http.StatusNotFound},
		{name: "malformed body", path: "/api/process/cricket", body: `{"name":`, want: http.StatusBadRequest},
		{name: "missing batch name", path: "/api/process/cricket", body: `{"outcomes":[]}`, want: http.StatusBadRequest},
		{name: "unmatched batch", path: "/api/process/cricket", body: `{"name":"Top Batter","outcomes":[]}`, want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestConfigLifecycle(t *testing.T) {
	h := newTestServer(t, Config{})

	body := `{"sport":"tennis","groups":[{"name":"Match","pattern":"^match$","rules":[
		{"name":"Winner","name_is_literal":true,"order":1,"outcome_filter":"Header != null","outcome_name":"Header","outcome_odd":"Odd"}]}]}`

	rec := do(t, h, http.MethodPost, "/api/configs", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	created := decode[struct {
		Config struct {
			ID    string `json:"id"`
			Sport string `json:"sport"`
		} `json:"config"`
		Compile struct {
			Rules  int `json:"rules"`
			Usable int `json:"usable"`
		} `json:"compile"`
	}](t, rec)
	if created.Config.ID == "" || created.Compile.Rules != 1 || created.Compile.Usable != 1 {
		t.Fatalf("create response = %+v", created)
	}

	if rec := do(t, h, http.MethodPost, "/api/configs", body); rec.Code != http.StatusConflict {
		t.Errorf("duplicate create status = %d, want 409", rec.Code)
	}

	path := "/api/configs/" + created.Config.ID
	if rec := do(t, h, http.MethodGet, path, ""); rec.Code != http.StatusOK {
		t.Errorf("get status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/configs/tennis/refresh", ""); rec.Code != http.StatusOK {
		t.Errorf("refresh status = %d: %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodDelete, path, ""); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, path, ""); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/configs/tennis/refresh", ""); rec.Code != http.StatusNotFound {
		t.Errorf("refresh after delete status = %d, want 404", rec.Code)
	}
}

func TestValidateConfig(t *testing.T) {
	h := newTestServer(t, Config{})

	t.Run("rule errors are reported", func(t *testing.T) {
		body := `{"sport":"tennis","groups":[{"name":"Match","pattern":"^match$","rules":[
			{"name":"Broken","name_is_literal":true,"outcome_filter":"Header ==","outcome_name":"Header","outcome_odd":"Odd"}]}]}`
		rec := do(t, h, http.MethodPost, "/api/configs/validate", body)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
		}
		got := decode[struct {
			Valid   bool `json:"valid"`
			Compile struct {
				Errors []struct {
					Rule   string `json:"rule"`
					Role   string `json:"role"`
					Reason string `json:"reason"`
				} `json:"errors"`
			} `json:"compile"`
		}](t, rec)
		if got.Valid || len(got.Compile.Errors) != 1 {
			t.Fatalf("validate = %+v", got)
		}
		if e := got.Compile.Errors[0]; e.Rule != "Broken" || e.Role != "outcome_filter" || e.Reason == "" {
			t.Errorf("error = %+v", e)
		}
	})

	t.Run("bad group pattern is rejected", func(t *testing.T) {
		body := `{"sport":"tennis","groups":[{"name":"Match","pattern":"(","rules":[]}]}`
		if rec := do(t, h, http.MethodPost, "/api/configs/validate", body); rec.Code != http.StatusUnprocessableEntity {
			t.Errorf("status = %d, want 422", rec.Code)
		}
	})

	t.Run("nothing is stored", func(t *testing.T) {
		list := decode[[]struct{ Sport string }](t, do(t, h, http.MethodGet, "/api/configs", ""))
		if len(list) != 1 || list[0].Sport != "cricket" {
			t.Errorf("configs = %+v", list)
		}
	})
}

func TestCacheRoutes(t *testing.T) {
	h := newTestServer(t, Config{})

	if rec := do(t, h, http.MethodDelete, "/api/cache/cricket", ""); rec.Code != http.StatusNotFound {
		t.Errorf("invalidate uncached status = %d, want 404", rec.Code)
	}
	do(t, h, http.MethodPost, "/api/process/cricket", matchLinesBatch)
	if rec := do(t, h, http.MethodDelete, "/api/cache/cricket", ""); rec.Code != http.StatusNoContent {
		t.Errorf("invalidate status = %d, want 204", rec.Code)
	}

	if rec := do(t, h, http.MethodPost, "/api/configs/refresh", ""); rec.Code != http.StatusOK {
		t.Fatalf("refresh all status = %d", rec.Code)
	}
	got := decode[map[string]int](t, do(t, h, http.MethodDelete, "/api/cache", ""))
	if got["removed"] != 1 {
		t.Errorf("invalidate all = %v, want 1 removed", got)
	}
	got = decode[map[string]int](t, do(t, h, http.MethodPost, "/api/cache/sweep", ""))
	if got["removed"] != 0 {
		t.Errorf("sweep = %v", got)
	}
}

func TestRateLimitedRoutes(t *testing.T) {
	h := newTestServer(t, Config{
		RateLimiter: middleware.NewLocalLimiter(),
		RateLimit:   2,
		RateWindow:  time.Minute,
	})

	for i := range 2 {
		if rec := do(t, h, http.MethodGet, "/api/configs", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}
	rec := do(t, h, http.MethodGet, "/api/configs", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
}
