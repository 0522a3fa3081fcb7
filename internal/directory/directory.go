// Package directory holds the set of monitored downstream services: the
// statically configured entries merged with services registered at runtime.
// The directory is an owned, lock-guarded object; registration is
// last-write-wins keyed by service name.
package directory

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dskow/ops-gateway/internal/config"
)

// GroupRegistered is the default group for dynamically registered services.
const GroupRegistered = "registered_services"

// ServiceEndpoint is the identity of one monitored downstream.
type ServiceEndpoint struct {
	Name           string            `json:"name"`
	Group          string            `json:"group"`
	BaseURL        string            `json:"base_url"`
	HealthPath     string            `json:"health_path"`
	MonitoringPath string            `json:"monitoring_path,omitempty"`
	MetricsPath    string            `json:"metrics_path,omitempty"`
	LogsPath       string            `json:"logs_path,omitempty"`
	Capabilities   []string          `json:"capabilities,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`

	// Registered marks entries created through the registration API.
	// Static entries survive for the process lifetime; registered entries
	// are lost on restart.
	Registered   bool      `json:"registered"`
	RegisteredAt time.Time `json:"registered_at,omitzero"`
}

// RegistrationRequest is the caller-supplied description of a service to
// create or replace.
type RegistrationRequest struct {
	ServiceName    string            `json:"service_name"`
	ServiceURL     string            `json:"service_url"`
	Group          string            `json:"group,omitempty"`
	HealthPath     string            `json:"health_endpoint,omitempty"`
	MonitoringPath string            `json:"monitoring_endpoint,omitempty"`
	MetricsPath    string            `json:"metrics_endpoint,omitempty"`
	LogsPath       string            `json:"logs_endpoint,omitempty"`
	Capabilities   []string          `json:"capabilities,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// ValidationError reports a malformed registration request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Directory is the thread-safe service table. Static entries come from
// configuration; dynamic entries are added via Register. A dynamic entry
// replaces a static one of the same name (last write wins by name).
type Directory struct {
	mu      sync.RWMutex
	static  map[string]ServiceEndpoint
	dynamic map[string]ServiceEndpoint
}

// New builds a Directory from the statically configured services.
func New(services []config.ServiceConfig) *Directory {
	d := &Directory{
		static:  make(map[string]ServiceEndpoint, len(services)),
		dynamic: make(map[string]ServiceEndpoint),
	}
	d.loadStatic(services)
	return d
}

// ReplaceStatic swaps the static half of the directory (config hot reload).
// Dynamic registrations are preserved.
func (d *Directory) ReplaceStatic(services []config.ServiceConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.static = make(map[string]ServiceEndpoint, len(services))
	d.loadStaticLocked(services)
}

func (d *Directory) loadStatic(services []config.ServiceConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loadStaticLocked(services)
}

func (d *Directory) loadStaticLocked(services []config.ServiceConfig) {
	for _, s := range services {
		d.static[s.Name] = ServiceEndpoint{
			Name:           s.Name,
			Group:          s.Group,
			BaseURL:        normalizeBaseURL(s.URL),
			HealthPath:     normalizePath(s.HealthPath, "/health"),
			MonitoringPath: normalizePath(s.MonitoringPath, ""),
			MetricsPath:    normalizePath(s.MetricsPath, ""),
			LogsPath:       normalizePath(s.LogsPath, ""),
			Capabilities:   s.Capabilities,
			Metadata:       s.Metadata,
		}
	}
}

// Register inserts or replaces the named dynamic entry. It succeeds whenever
// service_name and service_url are non-empty and the URL parses as http(s);
// re-registering a name replaces the whole record.
func (d *Directory) Register(req RegistrationRequest) (ServiceEndpoint, error) {
	if strings.TrimSpace(req.ServiceName) == "" {
		return ServiceEndpoint{}, &ValidationError{Field: "service_name", Reason: "must not be empty"}
	}
	if strings.TrimSpace(req.ServiceURL) == "" {
		return ServiceEndpoint{}, &ValidationError{Field: "service_url", Reason: "must not be empty"}
	}
	u, err := url.Parse(req.ServiceURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ServiceEndpoint{}, &ValidationError{Field: "service_url", Reason: "must be an absolute http(s) URL"}
	}

	group := req.Group
	if group == "" {
		group = GroupRegistered
	}

	ep := ServiceEndpoint{
		Name:           strings.TrimSpace(req.ServiceName),
		Group:          group,
		BaseURL:        normalizeBaseURL(req.ServiceURL),
		HealthPath:     normalizePath(req.HealthPath, "/health"),
		MonitoringPath: normalizePath(req.MonitoringPath, ""),
		MetricsPath:    normalizePath(req.MetricsPath, ""),
		LogsPath:       normalizePath(req.LogsPath, ""),
		Capabilities:   req.Capabilities,
		Metadata:       req.Metadata,
		Registered:     true,
		RegisteredAt:   time.Now().UTC(),
	}

	d.mu.Lock()
	d.dynamic[ep.Name] = ep
	d.mu.Unlock()

	return ep, nil
}

// Lookup returns the entry for name. Dynamic entries shadow static ones.
func (d *Directory) Lookup(name string) (ServiceEndpoint, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if ep, ok := d.dynamic[name]; ok {
		return ep, true
	}
	ep, ok := d.static[name]
	return ep, ok
}

// Snapshot returns all entries, at most one per name, ordered by group then
// name. The order is stable for the returned slice; the Aggregator takes one
// snapshot per pass and probes it once.
func (d *Directory) Snapshot() []ServiceEndpoint {
	d.mu.RLock()
	merged := make(map[string]ServiceEndpoint, len(d.static)+len(d.dynamic))
	for name, ep := range d.static {
		merged[name] = ep
	}
	for name, ep := range d.dynamic {
		merged[name] = ep
	}
	d.mu.RUnlock()

	out := make([]ServiceEndpoint, 0, len(merged))
	for _, ep := range merged {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Registered returns only the dynamically registered entries, ordered by name.
func (d *Directory) Registered() []ServiceEndpoint {
	d.mu.RLock()
	out := make([]ServiceEndpoint, 0, len(d.dynamic))
	for _, ep := range d.dynamic {
		out = append(out, ep)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of distinct monitored services.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := len(d.static) + len(d.dynamic)
	for name := range d.dynamic {
		if _, ok := d.static[name]; ok {
			n--
		}
	}
	return n
}

// normalizeBaseURL trims trailing slashes so BaseURL+path concatenation
// never produces "//".
func normalizeBaseURL(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}

// normalizePath ensures a leading slash, falling back to def when empty.
func normalizePath(p, def string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return def
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}
