package aggregate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dskow/ops-gateway/internal/config"
	"github.com/dskow/ops-gateway/internal/directory"
	"github.com/dskow/ops-gateway/internal/probe"
)

func newAggregator(dir *directory.Directory, probeTimeout, deadline time.Duration) *Aggregator {
	prober := probe.New(
		config.ProbeConfig{Timeout: probeTimeout},
		config.AuthConfig{Header: "X-API-Key"},
	)
	return New(dir, prober, deadline)
}

func okServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOverview_AllHealthy(t *testing.T) {
	a := okServer(t)
	b := okServer(t)

	dir := directory.New([]config.ServiceConfig{
		{Name: "a", URL: a.URL},
		{Name: "b", URL: b.URL},
	})

	overview := newAggregator(dir, 2*time.Second, 3*time.Second).Overview(context.Background())

	if overview.OverallStatus != OverallHealthy {
		t.Fatalf("expected healthy, got %q", overview.OverallStatus)
	}
	if overview.TotalServices != 2 || overview.HealthyServices != 2 || overview.UnhealthyServices != 0 {
		t.Errorf("unexpected counts: total=%d healthy=%d unhealthy=%d",
			overview.TotalServices, overview.HealthyServices, overview.UnhealthyServices)
	}
}

func TestOverview_OneRecordPerEntry(t *testing.T) {
	srv := okServer(t)

	services := []config.ServiceConfig{
		{Name: "a", URL: srv.URL},
		{Name: "b", URL: srv.URL},
		{Name: "c", URL: srv.URL},
		{Name: "d", URL: "http://127.0.0.1:1"}, // nothing listening
	}
	dir := directory.New(services)

	overview := newAggregator(dir, time.Second, 2*time.Second).Overview(context.Background())

	if len(overview.Services) != len(services) {
		t.Fatalf("expected %d records, got %d", len(services), len(overview.Services))
	}

	names := make(map[string]bool)
	for _, rec := range overview.Services {
		names[rec.Service] = true
	}
	for _, s := range services {
		if !names[s.Name] {
			t.Errorf("missing record for %s", s.Name)
		}
	}
}

func TestOverview_DegradedWhenAnyUnhealthy(t *testing.T) {
	healthy := okServer(t)
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	dir := directory.New([]config.ServiceConfig{
		{Name: "up-1", URL: healthy.URL},
		{Name: "up-2", URL: healthy.URL},
		{Name: "down", URL: failing.URL},
	})

	overview := newAggregator(dir, 2*time.Second, 3*time.Second).Overview(context.Background())

	if overview.OverallStatus != OverallDegraded {
		t.Fatalf("expected degraded, got %q", overview.OverallStatus)
	}
	if overview.HealthyServices != 2 || overview.UnhealthyServices != 1 {
		t.Errorf("unexpected counts: healthy=%d unhealthy=%d",
			overview.HealthyServices, overview.UnhealthyServices)
	}

	for _, rec := range overview.Services {
		if rec.Service == "down" {
			if rec.Status != probe.StatusUnhealthy {
				t.Errorf("down: expected unhealthy, got %q", rec.Status)
			}
			if rec.Error != "HTTP 503" {
				t.Errorf("down: expected \"HTTP 503\", got %q", rec.Error)
			}
		}
	}
}

func TestOverview_SlowProbeDoesNotBlockSiblings(t *testing.T) {
	fast := okServer(t)
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer slow.Close()

	dir := directory.New([]config.ServiceConfig{
		{Name: "fast", URL: fast.URL},
		{Name: "slow", URL: slow.URL},
	})

	// Per-probe timeout well below the slow server's delay.
	start := time.Now()
	overview := newAggregator(dir, 200*time.Millisecond, 500*time.Millisecond).Overview(context.Background())
	elapsed := time.Since(start)

	if elapsed > 2*time.Second {
		t.Fatalf("pass took %v; the slow probe must not block the deadline", elapsed)
	}
	if overview.OverallStatus != OverallDegraded {
		t.Fatalf("expected degraded, got %q", overview.OverallStatus)
	}

	for _, rec := range overview.Services {
		switch rec.Service {
		case "fast":
			if rec.Status != probe.StatusHealthy {
				t.Errorf("fast: expected healthy, got %q (%s)", rec.Status, rec.Error)
			}
		case "slow":
			if rec.Status != probe.StatusUnhealthy {
				t.Errorf("slow: expected unhealthy, got %q", rec.Status)
			}
		}
	}
}

func TestOverview_EmptyDirectory(t *testing.T) {
	dir := directory.New(nil)

	overview := newAggregator(dir, time.Second, 2*time.Second).Overview(context.Background())

	if overview.OverallStatus != OverallHealthy {
		t.Errorf("empty directory is vacuously healthy, got %q", overview.OverallStatus)
	}
	if overview.TotalServices != 0 || len(overview.Services) != 0 {
		t.Errorf("expected no records, got %d", len(overview.Services))
	}
}
