// Package logquery translates caller-supplied log filters into a Loki
// range query and relays the store's raw response.
//
// Filter combinator: the service selector and the level filter are ANDed —
// {service="x"} |= "LEVEL" — and the level match is a line-contains match on
// the upper-cased level token. Out-of-range windows and limits are rejected,
// not clamped.
package logquery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dskow/ops-gateway/internal/config"
	"github.com/dskow/ops-gateway/internal/metrics"
)

// LevelAll disables level filtering.
const LevelAll = "ALL"

// Filters are the caller-supplied query parameters after defaulting.
type Filters struct {
	Service string
	Level   string
	Hours   int
	Limit   int
}

// ValidationError reports an out-of-range filter value.
type ValidationError struct {
	Param  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Param, e.Reason)
}

// QueryError reports a failed store query.
type QueryError struct {
	Status int // 0 when the request never completed
	Reason string
}

func (e *QueryError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("log store query failed: HTTP %d: %s", e.Status, e.Reason)
	}
	return "log store query failed: " + e.Reason
}

// TimeRange is the absolute window a query resolved to.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Hours int       `json:"hours"`
}

// Result wraps the store's raw response with the resolved query and window
// for traceability. Log entries are not parsed or reshaped.
type Result struct {
	Logs      json.RawMessage `json:"logs"`
	Query     string          `json:"query"`
	TimeRange TimeRange       `json:"time_range"`
	Filters   FilterEcho      `json:"filters"`
	Timestamp time.Time       `json:"timestamp"`
}

// FilterEcho mirrors the applied filters back to the caller.
type FilterEcho struct {
	Service string `json:"service,omitempty"`
	Level   string `json:"level"`
	Limit   int    `json:"limit"`
}

// Adapter builds LogQL expressions and queries the configured log store.
type Adapter struct {
	client    *http.Client
	baseURL   string
	queryPath string
	username  string
	password  string
	maxHours  int
	maxLimit  int
}

// New creates an Adapter from the Loki configuration.
func New(cfg config.LokiConfig) *Adapter {
	return &Adapter{
		client:    &http.Client{Timeout: cfg.Timeout},
		baseURL:   cfg.URL,
		queryPath: cfg.QueryPath,
		username:  cfg.Username,
		password:  cfg.Password,
		maxHours:  cfg.MaxHours,
		maxLimit:  cfg.MaxLimit,
	}
}

// ParseFilters validates raw query parameters and applies defaults
// (hours=24 capped by config, limit=100, level=INFO). Values above the
// configured ceilings are rejected with a ValidationError.
func (a *Adapter) ParseFilters(service, level, hoursStr, limitStr string) (Filters, error) {
	f := Filters{
		Service: strings.TrimSpace(service),
		Level:   strings.ToUpper(strings.TrimSpace(level)),
		Hours:   24,
		Limit:   100,
	}
	if f.Level == "" {
		f.Level = "INFO"
	}
	if f.Hours > a.maxHours {
		f.Hours = a.maxHours
	}

	if hoursStr != "" {
		n, err := strconv.Atoi(hoursStr)
		if err != nil {
			return Filters{}, &ValidationError{Param: "hours", Reason: "must be an integer"}
		}
		if n < 1 {
			return Filters{}, &ValidationError{Param: "hours", Reason: "must be at least 1"}
		}
		if n > a.maxHours {
			return Filters{}, &ValidationError{Param: "hours", Reason: fmt.Sprintf("must not exceed %d", a.maxHours)}
		}
		f.Hours = n
	}

	if limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil {
			return Filters{}, &ValidationError{Param: "limit", Reason: "must be an integer"}
		}
		if n < 1 {
			return Filters{}, &ValidationError{Param: "limit", Reason: "must be at least 1"}
		}
		if n > a.maxLimit {
			return Filters{}, &ValidationError{Param: "limit", Reason: fmt.Sprintf("must not exceed %d", a.maxLimit)}
		}
		f.Limit = n
	}

	return f, nil
}

// BuildQuery renders the LogQL expression for the given filters.
func BuildQuery(f Filters) string {
	selector := "{}"
	if f.Service != "" {
		selector = fmt.Sprintf(`{service=%q}`, f.Service)
	}
	if f.Level != LevelAll {
		return fmt.Sprintf(`%s |= %q`, selector, f.Level)
	}
	return selector
}

// Query issues one range query for [now-hours, now] and relays the raw
// response.
func (a *Adapter) Query(ctx context.Context, f Filters) (*Result, error) {
	if a.baseURL == "" {
		return nil, &QueryError{Reason: "log store not configured"}
	}

	expr := BuildQuery(f)
	end := time.Now()
	start := end.Add(-time.Duration(f.Hours) * time.Hour)

	params := url.Values{}
	params.Set("query", expr)
	params.Set("start", strconv.FormatInt(start.UnixNano(), 10))
	params.Set("end", strconv.FormatInt(end.UnixNano(), 10))
	params.Set("limit", strconv.Itoa(f.Limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+a.queryPath+"?"+params.Encode(), nil)
	if err != nil {
		return nil, &QueryError{Reason: err.Error()}
	}
	if a.username != "" && a.password != "" {
		req.SetBasicAuth(a.username, a.password)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		metrics.UpstreamErrors.WithLabelValues("loki").Inc()
		return nil, &QueryError{Reason: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.UpstreamErrors.WithLabelValues("loki").Inc()
		return nil, &QueryError{Status: resp.StatusCode, Reason: "reading response: " + err.Error()}
	}

	if resp.StatusCode != http.StatusOK {
		metrics.UpstreamErrors.WithLabelValues("loki").Inc()
		return nil, &QueryError{Status: resp.StatusCode, Reason: truncate(string(body), 256)}
	}

	if !json.Valid(body) {
		metrics.UpstreamErrors.WithLabelValues("loki").Inc()
		return nil, &QueryError{Status: resp.StatusCode, Reason: "response is not valid JSON"}
	}

	return &Result{
		Logs:  json.RawMessage(body),
		Query: expr,
		TimeRange: TimeRange{
			Start: start.UTC(),
			End:   end.UTC(),
			Hours: f.Hours,
		},
		Filters: FilterEcho{
			Service: f.Service,
			Level:   f.Level,
			Limit:   f.Limit,
		},
		Timestamp: time.Now().UTC(),
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
