package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/friendsincode/autojoin/internal/config"
	"github.com/friendsincode/autojoin/internal/logbuffer"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.SyncStoreBackend = config.StoreMemory
	cfg.LocalStoreBackend = config.StoreMemory
	cfg.EventBusBackend = config.EventBusMemory
	cfg.MetricsBind = ""
	cfg.TokenPath = filepath.Join(t.TempDir(), "token.json")
	return cfg
}

func TestNewWiresRoutes(t *testing.T) {
	srv, err := New(context.Background(), testConfig(t), logbuffer.New(100), zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer srv.Close()

	if srv.MetricsServer() != nil {
		t.Fatal("expected metrics on the API listener when no metrics bind is set")
	}

	h := srv.HTTPServer().Handler
	tests := []struct {
		path string
		want int
	}{
		{"/healthz", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/api/v1/health", http.StatusOK},
		{"/api/v1/settings", http.StatusOK},
		{"/api/v1/meetings", http.StatusOK},
		{"/api/v1/alarms", http.StatusOK},
		{"/api/v1/upcoming", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rr.Code != tt.want {
			t.Fatalf("GET %s = %d, want %d: %s", tt.path, rr.Code, tt.want, rr.Body.String())
		}
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/settings", nil))
	var settings map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &settings); err != nil {
		t.Fatal(err)
	}
	if settings["minutesBeforeMeeting"] != float64(5) || settings["closeAfterMeeting"] != true {
		t.Fatalf("expected seeded defaults, got %v", settings)
	}
}

func TestNewSeparateMetricsListener(t *testing.T) {
	cfg := testConfig(t)
	cfg.MetricsBind = "127.0.0.1:0"

	srv, err := New(context.Background(), cfg, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer srv.Close()

	if srv.MetricsServer() == nil {
		t.Fatal("expected a metrics server")
	}
	rr := httptest.NewRecorder()
	srv.HTTPServer().Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("API listener /metrics = %d, want 404", rr.Code)
	}
}

type recordingController struct {
	opened []string
	err    error
}

func (c *recordingController) Open(_ context.Context, url string) (string, error) {
	c.opened = append(c.opened, url)
	return "tab-1", c.err
}

func (c *recordingController) Close(context.Context, string) error { return nil }

func TestTabOpener(t *testing.T) {
	c := &recordingController{}
	if err := TabOpener(c)(context.Background(), "https://accounts.example/consent"); err != nil {
		t.Fatal(err)
	}
	if len(c.opened) != 1 || c.opened[0] != "https://accounts.example/consent" {
		t.Fatalf("opened = %v", c.opened)
	}

	c.err = errors.New("browser gone")
	if err := TabOpener(c)(context.Background(), "https://x"); err == nil {
		t.Fatal("expected error")
	}
}
