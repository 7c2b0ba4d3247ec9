package version

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"0.4.0", "0.4.0", 0},
		{"0.4.0", "v0.4.1", -1},
		{"1.0.0", "0.9.9", 1},
		{"0.10.0", "0.9.0", 1},
		{"1.2.0-rc1", "1.2.0", 0},
		{"1.2", "1.2.0", 0},
	}
	for _, tt := range tests {
		if got := compareVersions(tt.a, tt.b); got != tt.want {
			t.Errorf("compareVersions(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestCheckDetectsUpdate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/"+GitHubRepo+"/releases/latest" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"tag_name":"v99.0.0","html_url":"https://example.com/r","body":"Faster tab closing\nmore"}`))
	}))
	defer srv.Close()

	c := NewChecker(zerolog.Nop())
	c.apiBase = srv.URL
	c.Check(context.Background())

	info := c.Info()
	if !info.UpdateAvailable || info.LatestVersion != "99.0.0" {
		t.Fatalf("unexpected info: %+v", info)
	}
	if info.ReleaseNotes != "Faster tab closing" {
		t.Fatalf("unexpected notes %q", info.ReleaseNotes)
	}
}

func TestCheckKeepsInfoOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewChecker(zerolog.Nop())
	c.apiBase = srv.URL
	c.Check(context.Background())

	info := c.Info()
	if info.CurrentVersion != Version || info.LatestVersion != "" || !info.CheckedAt.IsZero() {
		t.Fatalf("expected untouched info, got %+v", info)
	}
}
