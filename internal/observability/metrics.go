package observability

import (
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// MetricsConfig holds configuration for the metrics subsystem.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active.
	Enabled bool
	// Namespace prefix for all metrics (default: idbridge).
	Namespace string
	// Version is the application version for the info metric.
	Version string
}

// DefaultMetricsConfig returns the default metrics configuration.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "idbridge",
		Version:   "dev",
	}
}

// MetricsConfigFromEnv creates a MetricsConfig from environment variables.
// IDBRIDGE_METRICS_ENABLED: true/false (default: true)
// APP_VERSION: version string (default: dev)
func MetricsConfigFromEnv() MetricsConfig {
	cfg := DefaultMetricsConfig()
	if v := os.Getenv("IDBRIDGE_METRICS_ENABLED"); v != "" {
		cfg.Enabled = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv("APP_VERSION"); v != "" {
		cfg.Version = v
	}
	return cfg
}

// Metrics collects request and login counters for the server.
// All methods are safe for concurrent use; a nil *Metrics is a no-op.
type Metrics struct {
	cfg MetricsConfig

	mu       sync.RWMutex
	requests map[string]*uint64 // "METHOD path status" -> count
	logins   map[string]*uint64 // "provider result" -> count

	rateLimited uint64
}

// NewMetrics creates a Metrics collector.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		cfg:      cfg,
		requests: make(map[string]*uint64),
		logins:   make(map[string]*uint64),
	}
}

func (m *Metrics) counter(set map[string]*uint64, key string) *uint64 {
	m.mu.RLock()
	c, ok := set[key]
	m.mu.RUnlock()
	if ok {
		return c
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = set[key]; ok {
		return c
	}
	c = new(uint64)
	set[key] = c
	return c
}

// RecordHTTPRequest increments the request counter for the given route.
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int) {
	if m == nil || !m.cfg.Enabled {
		return
	}
	key := fmt.Sprintf("%s %s %d", method, path, statusCode)
	atomic.AddUint64(m.counter(m.requests, key), 1)
}

// RecordLogin increments the login counter for a provider.
// result is one of "success", "denied", "error".
func (m *Metrics) RecordLogin(provider, result string) {
	if m == nil || !m.cfg.Enabled {
		return
	}
	atomic.AddUint64(m.counter(m.logins, provider+" "+result), 1)
}

// RecordRateLimitRejected increments the rejected-request counter.
func (m *Metrics) RecordRateLimitRejected() {
	if m == nil || !m.cfg.Enabled {
		return
	}
	atomic.AddUint64(&m.rateLimited, 1)
}

// LoginCount returns the current login counter for a provider and result.
func (m *Metrics) LoginCount(provider, result string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.logins[provider+" "+result]; ok {
		return atomic.LoadUint64(c)
	}
	return 0
}

// Handler returns an http.Handler serving metrics in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		m.writeText(w)
	})
}

func (m *Metrics) writeText(w http.ResponseWriter) {
	ns := m.cfg.Namespace

	fmt.Fprintf(w, "# TYPE %s_info gauge\n", ns)
	fmt.Fprintf(w, "%s_info{version=%q} 1\n", ns, m.cfg.Version)

	m.mu.RLock()
	defer m.mu.RUnlock()

	writeCounters := func(name string, set map[string]*uint64, labels func(key string) string) {
		if len(set) == 0 {
			return
		}
		keys := make([]string, 0, len(set))
		for k := range set {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintf(w, "# TYPE %s_%s counter\n", ns, name)
		for _, k := range keys {
			fmt.Fprintf(w, "%s_%s{%s} %d\n", ns, name, labels(k), atomic.LoadUint64(set[k]))
		}
	}

	writeCounters("http_requests_total", m.requests, func(key string) string {
		parts := strings.SplitN(key, " ", 3)
		return fmt.Sprintf("method=%q,path=%q,status=%q", parts[0], parts[1], parts[2])
	})
	writeCounters("logins_total", m.logins, func(key string) string {
		parts := strings.SplitN(key, " ", 2)
		return fmt.Sprintf("provider=%q,result=%q", parts[0], parts[1])
	})

	fmt.Fprintf(w, "# TYPE %s_rate_limited_total counter\n", ns)
	fmt.Fprintf(w, "%s_rate_limited_total %d\n", ns, atomic.LoadUint64(&m.rateLimited))
}
