// Package api wires the gateway's REST surface: the public descriptor and
// liveness routes, and the key-gated /api routes that expose aggregation,
// registration, log queries, and relays.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dskow/ops-gateway/internal/aggregate"
	"github.com/dskow/ops-gateway/internal/apierror"
	"github.com/dskow/ops-gateway/internal/auth"
	"github.com/dskow/ops-gateway/internal/directory"
	"github.com/dskow/ops-gateway/internal/logquery"
	"github.com/dskow/ops-gateway/internal/metrics"
	"github.com/dskow/ops-gateway/internal/probe"
	"github.com/dskow/ops-gateway/internal/relay"
)

const (
	serviceName = "ops-gateway"
	version     = "1.0.0"
)

// Handler owns the route handlers. All handlers are thin: they parse, call
// one component, and serialize.
type Handler struct {
	dir     *directory.Directory
	agg     *aggregate.Aggregator
	prober  *probe.Prober
	relayer *relay.Relayer
	logs    *logquery.Adapter
	gate    *auth.Gate
	logger  *slog.Logger
}

// New creates a Handler with all components wired.
func New(dir *directory.Directory, agg *aggregate.Aggregator, prober *probe.Prober,
	relayer *relay.Relayer, logs *logquery.Adapter, gate *auth.Gate, logger *slog.Logger) *Handler {
	return &Handler{
		dir:     dir,
		agg:     agg,
		prober:  prober,
		relayer: relayer,
		logs:    logs,
		gate:    gate,
		logger:  logger,
	}
}

// RegisterRoutes adds all routes to the mux. The descriptor and liveness
// routes are public; everything under /api requires the shared key.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.root)
	mux.HandleFunc("GET /health", h.liveness)

	guarded := h.gate.Middleware(h.logger)

	authed := http.NewServeMux()
	authed.HandleFunc("GET /api/overview", h.overview)
	authed.HandleFunc("GET /api/services", h.listServices)
	authed.HandleFunc("GET /api/services/{name}", h.serviceDetails)
	authed.HandleFunc("POST /api/v1/register", h.register)
	authed.HandleFunc("GET /api/v1/services/registered", h.listRegistered)
	authed.HandleFunc("GET /api/logs", h.queryLogs)
	authed.HandleFunc("POST /api/v1/logs", h.submitLog)
	authed.HandleFunc("GET /api/monitoring/{name}", h.monitoring)
	authed.HandleFunc("GET /api/metrics", h.metricsRelay)
	authed.HandleFunc("GET /api/alerts", h.alerts)

	mux.Handle("/api/", guarded(authed))
}

func (h *Handler) root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":   serviceName,
		"version":   version,
		"timestamp": time.Now().UTC(),
		"endpoints": map[string]string{
			"health":     "/health",
			"overview":   "/api/overview",
			"services":   "/api/services",
			"register":   "/api/v1/register",
			"registered": "/api/v1/services/registered",
			"logs":       "/api/logs",
			"monitoring": "/api/monitoring/{name}",
			"metrics":    "/api/metrics",
			"alerts":     "/api/alerts",
		},
		"authentication": map[string]string{
			"api": h.gate.Header() + " header required for /api/* endpoints",
		},
	})
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "healthy",
		"service":            serviceName,
		"version":            version,
		"timestamp":          time.Now().UTC(),
		"auth_configured":    h.gate.Configured(),
		"services_monitored": h.dir.Len(),
	})
}

func (h *Handler) overview(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.agg.Overview(r.Context()))
}

func (h *Handler) listServices(w http.ResponseWriter, r *http.Request) {
	snapshot := h.dir.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"services":  snapshot,
		"total":     len(snapshot),
		"timestamp": time.Now().UTC(),
	})
}

func (h *Handler) serviceDetails(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	ep, ok := h.dir.Lookup(name)
	if !ok {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.ServiceNotFound,
			"service "+name+" not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"service":       name,
		"health":        h.prober.Probe(r.Context(), ep),
		"configuration": ep,
	})
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req directory.RegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.ValidationFailed,
			"invalid request body: "+err.Error())
		return
	}

	ep, err := h.dir.Register(req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	metrics.RegisteredServices.Set(float64(len(h.dir.Registered())))
	h.logger.Info("service registered", "service", ep.Name, "group", ep.Group, "url", ep.BaseURL)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "registered",
		"service":   ep,
		"timestamp": time.Now().UTC(),
	})
}

func (h *Handler) listRegistered(w http.ResponseWriter, r *http.Request) {
	registered := h.dir.Registered()
	writeJSON(w, http.StatusOK, map[string]any{
		"services":  registered,
		"total":     len(registered),
		"timestamp": time.Now().UTC(),
	})
}

func (h *Handler) queryLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters, err := h.logs.ParseFilters(q.Get("service"), q.Get("level"), q.Get("hours"), q.Get("limit"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := h.logs.Query(r.Context(), filters)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// logSubmission is an inbound structured log line. It is emitted into the
// gateway's own log stream; nothing is persisted downstream.
type logSubmission struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Service   string         `json:"service"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
}

func (h *Handler) submitLog(w http.ResponseWriter, r *http.Request) {
	var entry logSubmission
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.ValidationFailed,
			"invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(entry.Service) == "" {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.ValidationFailed,
			"invalid service: must not be empty")
		return
	}
	if strings.TrimSpace(entry.Message) == "" {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.ValidationFailed,
			"invalid message: must not be empty")
		return
	}

	attrs := []any{
		"source_service", entry.Service,
		"source_timestamp", entry.Timestamp,
	}
	if entry.Context != nil {
		attrs = append(attrs, "context", entry.Context)
	}

	switch strings.ToUpper(strings.TrimSpace(entry.Level)) {
	case "ERROR", "CRITICAL", "FATAL":
		h.logger.Error(entry.Message, attrs...)
	case "WARN", "WARNING":
		h.logger.Warn(entry.Message, attrs...)
	case "DEBUG":
		h.logger.Debug(entry.Message, attrs...)
	default:
		h.logger.Info(entry.Message, attrs...)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "accepted",
		"timestamp": time.Now().UTC(),
	})
}

func (h *Handler) monitoring(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	endpoint := r.URL.Query().Get("endpoint")
	if endpoint == "" {
		endpoint = "health"
	}

	env, err := h.relayer.Monitoring(r.Context(), name, endpoint)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, env)
}

func (h *Handler) metricsRelay(w http.ResponseWriter, r *http.Request) {
	result, err := h.relayer.Metrics(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) alerts(w http.ResponseWriter, r *http.Request) {
	env, err := h.relayer.Alerts(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

// writeError maps component errors onto the HTTP error taxonomy.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var notFound *relay.NotFoundErr
	if errors.As(err, &notFound) {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.ServiceNotFound, err.Error())
		return
	}

	var dirVal *directory.ValidationError
	if errors.As(err, &dirVal) {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.ValidationFailed, err.Error())
		return
	}

	var logVal *logquery.ValidationError
	if errors.As(err, &logVal) {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.ValidationFailed, err.Error())
		return
	}

	var upstream *relay.UpstreamErr
	if errors.As(err, &upstream) {
		h.logger.Error("upstream relay failed", "target", upstream.Target, "status", upstream.Status, "error", err)
		apierror.WriteJSON(w, r, http.StatusInternalServerError, apierror.UpstreamError, err.Error())
		return
	}

	var query *logquery.QueryError
	if errors.As(err, &query) {
		h.logger.Error("log store query failed", "status", query.Status, "error", err)
		apierror.WriteJSON(w, r, http.StatusInternalServerError, apierror.UpstreamError, err.Error())
		return
	}

	h.logger.Error("request failed", "path", r.URL.Path, "error", err)
	apierror.WriteJSON(w, r, http.StatusInternalServerError, apierror.InternalError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
