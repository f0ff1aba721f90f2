// Package metrics tracks counters for Modbus transaction activity and
// exposes them over HTTP in both JSON and Prometheus text formats.
package metrics

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/edgeflow/modbusmgr/pkg/modbus/errs"
)

// Metrics accumulates process-wide counters for one Manager.
type Metrics struct {
	// Transaction metrics
	TransactionsTotal int64 `json:"transactions_total"`
	TransactionsOK    int64 `json:"transactions_ok"`
	Retries           int64 `json:"retries"`

	// Per-error-kind counters, keyed by errs.Kind.String().
	errorsByKind map[string]int64

	// Poll metrics
	RegisteredPolls int64 `json:"registered_polls"`

	// Connection pool metrics
	ActiveConnections int64 `json:"active_connections"`

	// System metrics
	Uptime         int64 `json:"uptime_seconds"`
	GoroutineCount int   `json:"goroutine_count"`

	// HTTP metrics
	TotalRequests   int64   `json:"total_requests"`
	TotalErrors     int64   `json:"total_errors"`
	AvgResponseTime float64 `json:"avg_response_time_ms"`

	mu        sync.RWMutex
	startTime time.Time
}

// New builds an empty Metrics.
func New() *Metrics {
	return &Metrics{
		errorsByKind: make(map[string]int64),
		startTime:    time.Now(),
	}
}

// RecordTransaction records the outcome of one completed transaction: ok
// for a terminal success, attempts for how many tries it took
// (attempts-1 retries).
func (m *Metrics) RecordTransaction(ok bool, attempts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TransactionsTotal++
	if ok {
		m.TransactionsOK++
	}
	if attempts > 1 {
		m.Retries += int64(attempts - 1)
	}
}

// RecordError tallies one transaction error by kind.
func (m *Metrics) RecordError(kind errs.Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorsByKind[kind.String()]++
}

// SetRegisteredPolls records the current number of active periodic polls.
func (m *Metrics) SetRegisteredPolls(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RegisteredPolls = int64(n)
}

// SetActiveConnections records the current number of pooled connections
// held open across all endpoints.
func (m *Metrics) SetActiveConnections(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ActiveConnections = n
}

// IncrementRequests counts one inbound HTTP request against the metrics
// or health surface.
func (m *Metrics) IncrementRequests() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalRequests++
}

// IncrementErrors counts one HTTP response with a 4xx/5xx status.
func (m *Metrics) IncrementErrors() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalErrors++
}

// RecordResponseTime folds duration into an exponential moving average of
// HTTP response time.
func (m *Metrics) RecordResponseTime(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms := float64(duration.Milliseconds())
	if m.AvgResponseTime == 0 {
		m.AvgResponseTime = ms
	} else {
		m.AvgResponseTime = (m.AvgResponseTime * 0.9) + (ms * 0.1)
	}
}

// UpdateSystemMetrics refreshes uptime and goroutine count. Called just
// before a snapshot is served.
func (m *Metrics) UpdateSystemMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Uptime = int64(time.Since(m.startTime).Seconds())
	m.GoroutineCount = runtime.NumGoroutine()
}

// Snapshot returns a point-in-time view suitable for JSON encoding.
func (m *Metrics) Snapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	errKinds := make(map[string]int64, len(m.errorsByKind))
	for k, v := range m.errorsByKind {
		errKinds[k] = v
	}

	return map[string]interface{}{
		"transactions": map[string]interface{}{
			"total":   m.TransactionsTotal,
			"ok":      m.TransactionsOK,
			"retries": m.Retries,
			"success_rate": func() float64 {
				if m.TransactionsTotal == 0 {
					return 100.0
				}
				return float64(m.TransactionsOK) / float64(m.TransactionsTotal) * 100
			}(),
			"errors_by_kind": errKinds,
		},
		"pool": map[string]interface{}{
			"active_connections": m.ActiveConnections,
			"registered_polls":   m.RegisteredPolls,
		},
		"system": map[string]interface{}{
			"uptime_seconds": m.Uptime,
			"goroutines":     m.GoroutineCount,
		},
		"http": map[string]interface{}{
			"total_requests":       m.TotalRequests,
			"total_errors":         m.TotalErrors,
			"avg_response_time_ms": m.AvgResponseTime,
			"error_rate": func() float64 {
				if m.TotalRequests == 0 {
					return 0.0
				}
				return float64(m.TotalErrors) / float64(m.TotalRequests) * 100
			}(),
		},
	}
}

// PrometheusFormat renders the snapshot as Prometheus exposition text.
func (m *Metrics) PrometheusFormat() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := `# HELP modbusmgr_transactions_total Total number of transactions attempted
# TYPE modbusmgr_transactions_total counter
modbusmgr_transactions_total ` + formatInt64(m.TransactionsTotal) + `

# HELP modbusmgr_transactions_ok_total Total number of transactions that completed successfully
# TYPE modbusmgr_transactions_ok_total counter
modbusmgr_transactions_ok_total ` + formatInt64(m.TransactionsOK) + `

# HELP modbusmgr_retries_total Total number of retry attempts across all transactions
# TYPE modbusmgr_retries_total counter
modbusmgr_retries_total ` + formatInt64(m.Retries) + `

# HELP modbusmgr_active_connections Number of pooled connections currently open
# TYPE modbusmgr_active_connections gauge
modbusmgr_active_connections ` + formatInt64(m.ActiveConnections) + `

# HELP modbusmgr_registered_polls Number of currently registered periodic polls
# TYPE modbusmgr_registered_polls gauge
modbusmgr_registered_polls ` + formatInt64(m.RegisteredPolls) + `

# HELP modbusmgr_uptime_seconds Process uptime in seconds
# TYPE modbusmgr_uptime_seconds gauge
modbusmgr_uptime_seconds ` + formatInt64(m.Uptime) + `

# HELP modbusmgr_goroutines Number of goroutines
# TYPE modbusmgr_goroutines gauge
modbusmgr_goroutines ` + formatInt(m.GoroutineCount) + `

# HELP modbusmgr_http_requests_total Total number of HTTP requests served
# TYPE modbusmgr_http_requests_total counter
modbusmgr_http_requests_total ` + formatInt64(m.TotalRequests) + `

# HELP modbusmgr_http_errors_total Total number of HTTP 4xx/5xx responses
# TYPE modbusmgr_http_errors_total counter
modbusmgr_http_errors_total ` + formatInt64(m.TotalErrors) + `
`

	for kind, count := range m.errorsByKind {
		out += fmt.Sprintf("\nmodbusmgr_transaction_errors_total{kind=%q} %s", kind, formatInt64(count))
	}
	out += "\n"
	return out
}

// Middleware instruments a Fiber app's inbound requests against m.
func Middleware(m *Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		m.IncrementRequests()

		err := c.Next()

		m.RecordResponseTime(time.Since(start))
		if c.Response().StatusCode() >= 400 {
			m.IncrementErrors()
		}
		return err
	}
}

func formatInt64(n int64) string { return fmt.Sprintf("%d", n) }
func formatInt(n int) string     { return fmt.Sprintf("%d", n) }
