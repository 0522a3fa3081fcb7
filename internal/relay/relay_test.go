package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dskow/ops-gateway/internal/config"
	"github.com/dskow/ops-gateway/internal/directory"
)

func newRelayer(dir *directory.Directory, cfg *config.Config) *Relayer {
	if cfg == nil {
		cfg = &config.Config{}
	}
	if cfg.Auth.Header == "" {
		cfg.Auth.Header = "X-API-Key"
	}
	return New(dir, cfg, slog.Default())
}

func TestMonitoring_UnknownService(t *testing.T) {
	r := newRelayer(directory.New(nil), nil)

	_, err := r.Monitoring(context.Background(), "ghost", "health")
	if err == nil {
		t.Fatal("expected error")
	}
	var nf *NotFoundErr
	if !errors.As(err, &nf) {
		t.Fatalf("expected *NotFoundErr, got %T", err)
	}
	if nf.Name != "ghost" {
		t.Errorf("expected name ghost, got %q", nf.Name)
	}
}

func TestMonitoring_RelaysJSON(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"queue_depth":7}`))
	}))
	defer srv.Close()

	dir := directory.New([]config.ServiceConfig{
		{Name: "crawler", URL: srv.URL, MonitoringPath: "/internal/monitoring"},
	})
	r := newRelayer(dir, nil)

	env, err := r.Monitoring(context.Background(), "crawler", "monitoring")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotPath != "/internal/monitoring" {
		t.Errorf("expected configured monitoring path, got %q", gotPath)
	}
	if env.Service != "crawler" || env.Endpoint != "monitoring" {
		t.Errorf("unexpected envelope: %+v", env)
	}
	if string(env.Data) != `{"queue_depth":7}` {
		t.Errorf("unexpected data: %s", env.Data)
	}
	if env.Timestamp.IsZero() {
		t.Error("expected timestamp set")
	}
}

func TestMonitoring_FallbackPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	dir := directory.New([]config.ServiceConfig{
		{Name: "svc", URL: srv.URL},
	})
	r := newRelayer(dir, nil)

	// Unconfigured selector falls back to /{endpoint}.
	if _, err := r.Monitoring(context.Background(), "svc", "status"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/status" {
		t.Errorf("expected /status fallback, got %q", gotPath)
	}
}

func TestMonitoring_UpstreamCredential(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	dir := directory.New([]config.ServiceConfig{
		{Name: "backend", URL: srv.URL},
		{Name: "other", URL: srv.URL},
	})
	cfg := &config.Config{
		Auth: config.AuthConfig{
			Header:          "X-API-Key",
			UpstreamService: "backend",
			UpstreamKey:     "backend-secret",
		},
	}
	r := newRelayer(dir, cfg)

	if _, err := r.Monitoring(context.Background(), "backend", "health"); err != nil {
		t.Fatal(err)
	}
	if gotKey != "backend-secret" {
		t.Errorf("expected credential for named upstream, got %q", gotKey)
	}

	gotKey = "unset"
	if _, err := r.Monitoring(context.Background(), "other", "health"); err != nil {
		t.Fatal(err)
	}
	if gotKey != "" {
		t.Errorf("expected no credential for other services, got %q", gotKey)
	}
}

func TestMonitoring_Non2xxIsUpstreamErr(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("bad gateway"))
	}))
	defer srv.Close()

	dir := directory.New([]config.ServiceConfig{{Name: "svc", URL: srv.URL}})
	r := newRelayer(dir, nil)

	_, err := r.Monitoring(context.Background(), "svc", "health")
	if err == nil {
		t.Fatal("expected error")
	}
	var ue *UpstreamErr
	if !errors.As(err, &ue) {
		t.Fatalf("expected *UpstreamErr, got %T", err)
	}
	if ue.Status != http.StatusBadGateway {
		t.Errorf("expected downstream status 502, got %d", ue.Status)
	}
	if !strings.Contains(err.Error(), "502") {
		t.Errorf("error message must include downstream status: %s", err)
	}
}

func TestMonitoring_NonJSONIsUpstreamErr(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	dir := directory.New([]config.ServiceConfig{{Name: "svc", URL: srv.URL}})
	r := newRelayer(dir, nil)

	_, err := r.Monitoring(context.Background(), "svc", "health")
	var ue *UpstreamErr
	if !errors.As(err, &ue) {
		t.Fatalf("expected *UpstreamErr for non-JSON body, got %v", err)
	}
}

func TestMetrics_FixedQuerySet(t *testing.T) {
	var queries []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries = append(queries, r.URL.Query().Get("query"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"success","data":{}}`))
	}))
	defer srv.Close()

	cfg := &config.Config{
		Prometheus: config.PrometheusConfig{
			URL:       srv.URL,
			QueryPath: "/api/v1/query",
			Queries:   []string{"up", "http_requests_total"},
		},
	}
	r := newRelayer(directory.New(nil), cfg)

	result, err := r.Metrics(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(queries) != 2 {
		t.Fatalf("expected 2 queries issued, got %d: %v", len(queries), queries)
	}
	if len(result.Metrics) != 2 {
		t.Fatalf("expected 2 results, got %d", len(result.Metrics))
	}
	if _, ok := result.Metrics["up"]; !ok {
		t.Error("missing result for query up")
	}
	if result.Source != "prometheus" {
		t.Errorf("expected source prometheus, got %q", result.Source)
	}
}

func TestMetrics_PerQueryFailureEmbedded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("query") == "broken" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"status":"success"}`))
	}))
	defer srv.Close()

	cfg := &config.Config{
		Prometheus: config.PrometheusConfig{
			URL:       srv.URL,
			QueryPath: "/api/v1/query",
			Queries:   []string{"up", "broken"},
		},
	}
	r := newRelayer(directory.New(nil), cfg)

	result, err := r.Metrics(context.Background())
	if err != nil {
		t.Fatalf("one failed query must not fail the call: %v", err)
	}

	var errBody struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(result.Metrics["broken"], &errBody); err != nil {
		t.Fatalf("expected embedded error object: %v", err)
	}
	if errBody.Error == "" {
		t.Error("expected non-empty embedded error")
	}
}

func TestMetrics_UnconfiguredStore(t *testing.T) {
	r := newRelayer(directory.New(nil), nil)

	_, err := r.Metrics(context.Background())
	var ue *UpstreamErr
	if !errors.As(err, &ue) {
		t.Fatalf("expected *UpstreamErr, got %v", err)
	}
}

func TestAlerts_Relay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/alerts" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`[{"labels":{"alertname":"HighErrorRate"}}]`))
	}))
	defer srv.Close()

	cfg := &config.Config{
		Alertmanager: config.AlertmanagerConfig{
			URL:        srv.URL,
			AlertsPath: "/api/v2/alerts",
		},
	}
	r := newRelayer(directory.New(nil), cfg)

	env, err := r.Alerts(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Service != "alertmanager" {
		t.Errorf("expected alertmanager envelope, got %q", env.Service)
	}
	if !strings.Contains(string(env.Data), "HighErrorRate") {
		t.Errorf("unexpected data: %s", env.Data)
	}
}

func TestAlerts_UnconfiguredStore(t *testing.T) {
	r := newRelayer(directory.New(nil), nil)

	_, err := r.Alerts(context.Background())
	var ue *UpstreamErr
	if !errors.As(err, &ue) {
		t.Fatalf("expected *UpstreamErr, got %v", err)
	}
}

func TestGetJSON_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	dir := directory.New([]config.ServiceConfig{{Name: "slow", URL: srv.URL}})
	r := newRelayer(dir, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := r.Monitoring(ctx, "slow", "health")
	var ue *UpstreamErr
	if !errors.As(err, &ue) {
		t.Fatalf("expected *UpstreamErr on timeout, got %v", err)
	}
	if ue.Status != 0 {
		t.Errorf("transport failure must carry status 0, got %d", ue.Status)
	}
}
