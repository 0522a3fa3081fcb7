// Package relay forwards caller requests to resolved downstream services and
// returns their JSON responses wrapped in a traceable envelope. The contract
// is relay-or-fail: one request out, one response back, no retries and no
// caching.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/dskow/ops-gateway/internal/config"
	"github.com/dskow/ops-gateway/internal/directory"
	"github.com/dskow/ops-gateway/internal/metrics"
)

// UpstreamErr reports a failed relay: the downstream returned a non-2xx
// status, a non-JSON body, or the transport failed outright.
type UpstreamErr struct {
	Target string
	Status int // 0 when the request never completed
	Reason string
}

func (e *UpstreamErr) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s returned HTTP %d: %s", e.Target, e.Status, e.Reason)
	}
	return fmt.Sprintf("relay to %s failed: %s", e.Target, e.Reason)
}

// NotFoundErr reports an unknown service name.
type NotFoundErr struct {
	Name string
}

func (e *NotFoundErr) Error() string {
	return fmt.Sprintf("service %s not found", e.Name)
}

// Envelope wraps a relayed response with its origin for traceability.
type Envelope struct {
	Service   string          `json:"service"`
	Endpoint  string          `json:"endpoint"`
	Source    string          `json:"source"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// MetricsResult is the response of the fixed-query metrics relay. Failed
// queries are recorded per-query rather than failing the whole call.
type MetricsResult struct {
	Metrics   map[string]json.RawMessage `json:"metrics"`
	Timestamp time.Time                  `json:"timestamp"`
	Source    string                     `json:"source"`
}

// Relayer resolves service names against the directory and performs
// single-shot GET relays.
type Relayer struct {
	dir    *directory.Directory
	client *http.Client
	logger *slog.Logger

	headerName      string
	upstreamService string
	upstreamKey     string

	promURL       string
	promQueryPath string
	promQueries   []string

	amURL        string
	amAlertsPath string
}

// New creates a Relayer wired to the configured metric and alert stores.
func New(dir *directory.Directory, cfg *config.Config, logger *slog.Logger) *Relayer {
	return &Relayer{
		dir:             dir,
		client:          &http.Client{Timeout: 15 * time.Second},
		logger:          logger,
		headerName:      cfg.Auth.Header,
		upstreamService: cfg.Auth.UpstreamService,
		upstreamKey:     cfg.Auth.UpstreamKey,
		promURL:         cfg.Prometheus.URL,
		promQueryPath:   cfg.Prometheus.QueryPath,
		promQueries:     cfg.Prometheus.Queries,
		amURL:           cfg.Alertmanager.URL,
		amAlertsPath:    cfg.Alertmanager.AlertsPath,
	}
}

// Monitoring forwards to a named service's monitoring endpoint. The endpoint
// argument selects among the entry's configured paths ("health",
// "monitoring", "metrics", "logs"); anything else is forwarded as /{endpoint}.
func (r *Relayer) Monitoring(ctx context.Context, name, endpoint string) (*Envelope, error) {
	ep, ok := r.dir.Lookup(name)
	if !ok {
		return nil, &NotFoundErr{Name: name}
	}

	path := resolvePath(ep, endpoint)
	target := ep.BaseURL + path

	var hdr http.Header
	if r.upstreamKey != "" && ep.Name == r.upstreamService {
		hdr = http.Header{r.headerName: []string{r.upstreamKey}}
	}

	data, err := r.getJSON(ctx, name, target, hdr)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Service:   name,
		Endpoint:  endpoint,
		Source:    target,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// resolvePath maps an endpoint selector to the entry's configured path,
// falling back to /{endpoint} when nothing is configured.
func resolvePath(ep directory.ServiceEndpoint, endpoint string) string {
	var configured string
	switch endpoint {
	case "health", "":
		configured = ep.HealthPath
	case "monitoring":
		configured = ep.MonitoringPath
	case "metrics":
		configured = ep.MetricsPath
	case "logs":
		configured = ep.LogsPath
	}
	if configured != "" {
		return configured
	}
	return "/" + url.PathEscape(endpoint)
}

// Metrics relays the fixed query set to the metrics store. Individual query
// failures are recorded in the result, not returned as errors; only a
// missing store configuration fails the call.
func (r *Relayer) Metrics(ctx context.Context) (*MetricsResult, error) {
	if r.promURL == "" {
		return nil, &UpstreamErr{Target: "prometheus", Reason: "metrics store not configured"}
	}

	results := make(map[string]json.RawMessage, len(r.promQueries))
	for _, q := range r.promQueries {
		target := r.promURL + r.promQueryPath + "?query=" + url.QueryEscape(q)
		data, err := r.getJSON(ctx, "prometheus", target, nil)
		if err != nil {
			r.logger.Warn("metrics query failed", "query", q, "error", err)
			errBody, _ := json.Marshal(map[string]string{"error": err.Error()})
			results[q] = errBody
			continue
		}
		results[q] = data
	}

	return &MetricsResult{
		Metrics:   results,
		Timestamp: time.Now().UTC(),
		Source:    "prometheus",
	}, nil
}

// Alerts relays the active alerts from the alert manager.
func (r *Relayer) Alerts(ctx context.Context) (*Envelope, error) {
	if r.amURL == "" {
		return nil, &UpstreamErr{Target: "alertmanager", Reason: "alert manager not configured"}
	}

	target := r.amURL + r.amAlertsPath
	data, err := r.getJSON(ctx, "alertmanager", target, nil)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Service:   "alertmanager",
		Endpoint:  "alerts",
		Source:    target,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// getJSON performs one GET and requires a JSON 2xx response. Every failure
// is an *UpstreamErr carrying the downstream status when known.
func (r *Relayer) getJSON(ctx context.Context, target, rawURL string, hdr http.Header) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &UpstreamErr{Target: target, Reason: err.Error()}
	}
	for k, vals := range hdr {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		metrics.UpstreamErrors.WithLabelValues(target).Inc()
		return nil, &UpstreamErr{Target: target, Reason: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.UpstreamErrors.WithLabelValues(target).Inc()
		return nil, &UpstreamErr{Target: target, Status: resp.StatusCode, Reason: "reading response: " + err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.UpstreamErrors.WithLabelValues(target).Inc()
		return nil, &UpstreamErr{Target: target, Status: resp.StatusCode, Reason: truncate(string(body), 256)}
	}

	if !json.Valid(body) {
		metrics.UpstreamErrors.WithLabelValues(target).Inc()
		return nil, &UpstreamErr{Target: target, Status: resp.StatusCode, Reason: "response is not valid JSON"}
	}

	return json.RawMessage(body), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
