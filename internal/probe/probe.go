// Package probe performs single timed health checks against downstream
// services. Every failure mode is captured as data in the returned
// HealthRecord; Probe never returns an error.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dskow/ops-gateway/internal/config"
	"github.com/dskow/ops-gateway/internal/directory"
	"github.com/dskow/ops-gateway/internal/metrics"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// maxDetailBytes caps how much of a probe response body is retained.
const maxDetailBytes = 64 * 1024

// Payload is the explicit try-parse result of a probe response body:
// either valid JSON or the raw text, never both.
type Payload struct {
	JSON json.RawMessage `json:"json,omitempty"`
	Raw  string          `json:"raw,omitempty"`
}

// MarshalJSON renders the structured form directly when present so callers
// see the downstream document rather than a wrapper.
func (p Payload) MarshalJSON() ([]byte, error) {
	if p.JSON != nil {
		return p.JSON, nil
	}
	return json.Marshal(map[string]string{"raw_response": p.Raw})
}

// HealthRecord is the outcome of one probe. Records are created fresh per
// probe and never mutated after construction.
type HealthRecord struct {
	Service        string    `json:"service"`
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
	ResponseTimeMs *float64  `json:"response_time_ms"`
	Error          string    `json:"error,omitempty"`
	Details        *Payload  `json:"details,omitempty"`
}

// Prober issues health probes with a fixed per-probe timeout ceiling.
type Prober struct {
	client          *http.Client
	timeout         time.Duration
	headerName      string
	upstreamService string
	upstreamKey     string
}

// New creates a Prober. The upstream credential from cfg.Auth is attached
// only when probing the service named by auth.upstream_service.
func New(probeCfg config.ProbeConfig, authCfg config.AuthConfig) *Prober {
	return &Prober{
		client:          &http.Client{},
		timeout:         probeCfg.Timeout,
		headerName:      authCfg.Header,
		upstreamService: authCfg.UpstreamService,
		upstreamKey:     authCfg.UpstreamKey,
	}
}

// Probe performs exactly one GET against the endpoint's health path and
// classifies the outcome: 200 is healthy, any other status or transport
// failure is unhealthy. The per-probe timeout is enforced on top of ctx.
func (p *Prober) Probe(ctx context.Context, ep directory.ServiceEndpoint) HealthRecord {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	rec := p.doProbe(ctx, ep, start)

	status := rec.Status
	metrics.ProbesTotal.WithLabelValues(ep.Name, status).Inc()
	metrics.ProbeDuration.WithLabelValues(ep.Name).Observe(time.Since(start).Seconds())

	return rec
}

func (p *Prober) doProbe(ctx context.Context, ep directory.ServiceEndpoint, start time.Time) HealthRecord {
	url := ep.BaseURL + ep.HealthPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return unhealthy(ep.Name, start, fmt.Sprintf("building request: %v", err))
	}

	if p.upstreamKey != "" && ep.Name == p.upstreamService {
		req.Header.Set(p.headerName, p.upstreamKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return unhealthy(ep.Name, start, describeTransportError(err))
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxDetailBytes))
	elapsed := elapsedMs(start)

	if resp.StatusCode != http.StatusOK {
		return HealthRecord{
			Service:        ep.Name,
			Status:         StatusUnhealthy,
			Timestamp:      time.Now().UTC(),
			ResponseTimeMs: &elapsed,
			Error:          fmt.Sprintf("HTTP %d", resp.StatusCode),
			Details:        parsePayload(resp.Header.Get("Content-Type"), body),
		}
	}

	if readErr != nil {
		return unhealthy(ep.Name, start, fmt.Sprintf("reading response: %v", readErr))
	}

	return HealthRecord{
		Service:        ep.Name,
		Status:         StatusHealthy,
		Timestamp:      time.Now().UTC(),
		ResponseTimeMs: &elapsed,
		Details:        parsePayload(resp.Header.Get("Content-Type"), body),
	}
}

// parsePayload is the explicit try-parse step: JSON when the body is valid
// JSON, otherwise the raw text as an opaque payload. Empty bodies yield nil.
func parsePayload(contentType string, body []byte) *Payload {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil
	}
	if json.Valid(body) && !strings.Contains(strings.ToLower(contentType), "text/plain") {
		return &Payload{JSON: json.RawMessage(body)}
	}
	return &Payload{Raw: trimmed}
}

func unhealthy(service string, start time.Time, reason string) HealthRecord {
	elapsed := elapsedMs(start)
	return HealthRecord{
		Service:        service,
		Status:         StatusUnhealthy,
		Timestamp:      time.Now().UTC(),
		ResponseTimeMs: &elapsed,
		Error:          reason,
	}
}

// describeTransportError turns client errors into the human-readable
// diagnostics stored on the record.
func describeTransportError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "health check timed out"
	}
	if errors.Is(err, context.Canceled) {
		return "health check cancelled"
	}
	// url.Error wraps the interesting part; unwrap for a cleaner message.
	var uerr interface{ Unwrap() error }
	if errors.As(err, &uerr) {
		if inner := uerr.Unwrap(); inner != nil {
			return inner.Error()
		}
	}
	return err.Error()
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
