// Package health is the per-tenant health monitor: rolling metric
// windows, configurable alert thresholds, and system-wide aggregation.
// check_all_projects_health fans out concurrently with
// golang.org/x/sync/errgroup, the same concurrency primitive the teacher
// uses for any independent-subtask fan-out; because one tenant's check
// failing must never abort the others, each goroutine always returns a
// nil group error and records its own outcome under a mutex.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Metric is one recorded request outcome for a project.
type Metric struct {
	Timestamp      time.Time
	ProjectID      string
	ResponseTimeMs float64
	Success        bool
	ErrorMessage   string
}

// Comparison is a threshold's relational operator.
type Comparison string

const (
	CompareGT Comparison = "gt"
	CompareLT Comparison = "lt"
	CompareEQ Comparison = "eq"
)

// Severity is a threshold's alert level.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Threshold is one alert rule, evaluated against a named metric value.
type Threshold struct {
	Name       string
	Metric     string // "response_time_ms" or "error_rate_percent"
	Value      float64
	Comparison Comparison
	Severity   Severity
}

func (t Threshold) trips(actual float64) bool {
	switch t.Comparison {
	case CompareGT:
		return actual > t.Value
	case CompareLT:
		return actual < t.Value
	case CompareEQ:
		return actual == t.Value
	default:
		return false
	}
}

func (t Threshold) format(actual float64) string {
	return fmt.Sprintf("[%s] %s: %s=%.2f (threshold: %.2f)", t.Severity, t.Name, t.Metric, actual, t.Value)
}

// DefaultThresholds are the global defaults applied to every project.
func DefaultThresholds() []Threshold {
	return []Threshold{
		{Name: "slow_response", Metric: "response_time_ms", Value: 5000, Comparison: CompareGT, Severity: SeverityCritical},
		{Name: "elevated_error_rate", Metric: "error_rate_percent", Value: 10, Comparison: CompareGT, Severity: SeverityWarning},
		{Name: "critical_error_rate", Metric: "error_rate_percent", Value: 25, Comparison: CompareGT, Severity: SeverityCritical},
	}
}

// Checker is the upstream plugin's health-check contract: an
// implementation-defined, possibly-JSON string payload. Any transport or
// plugin-side error is surfaced as err.
type Checker interface {
	HealthCheck(ctx context.Context) (string, error)
}

type projectWindow struct {
	metrics           []Metric // bounded ring, oldest first
	responseTimes     []float64
	requestTimestamps []time.Time
}

// ProjectHealthStatus is the outcome of one project's health check.
type ProjectHealthStatus struct {
	ProjectID      string
	Healthy        bool
	ResponseTimeMs float64
	ErrorRatePct   float64
	RecentErrors   []string
	Alerts         []string
}

// SystemStatus is the overall aggregate across every checked project.
type SystemStatus string

const (
	SystemHealthy   SystemStatus = "healthy"
	SystemDegraded  SystemStatus = "degraded"
	SystemUnhealthy SystemStatus = "unhealthy"
)

// SystemHealth aggregates every checked project: Status is "healthy" iff
// every project is healthy, "unhealthy" iff none are, else "degraded".
type SystemHealth struct {
	Status     SystemStatus
	PerProject map[string]ProjectHealthStatus
}

// Monitor is the process-global health state.
type Monitor struct {
	mu         sync.Mutex
	retention  time.Duration
	maxEntries int

	windows           map[string]*projectWindow
	globalThresholds  []Threshold
	projectThresholds map[string][]Threshold

	totalRequests      int64
	successfulRequests int64
	failedRequests     int64
}

// Options configures a Monitor.
type Options struct {
	Retention  time.Duration // default 24h
	MaxEntries int           // default 1000
}

// New returns a Monitor with the global default alert thresholds
// pre-registered.
func New(opts Options) *Monitor {
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 1000
	}
	return &Monitor{
		retention:         opts.Retention,
		maxEntries:        opts.MaxEntries,
		windows:           make(map[string]*projectWindow),
		globalThresholds:  DefaultThresholds(),
		projectThresholds: make(map[string][]Threshold),
	}
}

// RegisterThreshold adds a threshold. projectID == "" registers it
// globally.
func (m *Monitor) RegisterThreshold(projectID string, t Threshold) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if projectID == "" {
		m.globalThresholds = append(m.globalThresholds, t)
		return
	}
	m.projectThresholds[projectID] = append(m.projectThresholds[projectID], t)
}

func (m *Monitor) windowFor(projectID string) *projectWindow {
	w, ok := m.windows[projectID]
	if !ok {
		w = &projectWindow{}
		m.windows[projectID] = w
	}
	return w
}

// RecordRequest appends a metric for projectID, evicting anything older
// than the retention window and capping the ring at maxEntries.
func (m *Monitor) RecordRequest(projectID string, responseTimeMs float64, success bool, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordRequestLocked(projectID, responseTimeMs, success, errMsg)
}

func evictOlder(metrics []Metric, cutoff time.Time) []Metric {
	idx := 0
	for idx < len(metrics) && metrics[idx].Timestamp.Before(cutoff) {
		idx++
	}
	return metrics[idx:]
}

// errorRateAndRecent computes the project's current-window error rate
// (percent) and the messages of its recent failures. Caller must hold m.mu.
func (m *Monitor) errorRateAndRecent(projectID string) (float64, []string) {
	w, ok := m.windows[projectID]
	if !ok || len(w.metrics) == 0 {
		return 0, nil
	}

	failed := 0
	var recent []string
	for _, metric := range w.metrics {
		if !metric.Success {
			failed++
			if metric.ErrorMessage != "" {
				recent = append(recent, metric.ErrorMessage)
			}
		}
	}
	rate := float64(failed) / float64(len(w.metrics)) * 100
	return rate, recent
}

func (m *Monitor) evaluateAlerts(projectID string, responseTimeMs, errorRatePct float64) []string {
	var alerts []string
	values := map[string]float64{
		"response_time_ms":   responseTimeMs,
		"error_rate_percent": errorRatePct,
	}

	check := func(t Threshold) {
		actual, ok := values[t.Metric]
		if !ok {
			return
		}
		if t.trips(actual) {
			alerts = append(alerts, t.format(actual))
		}
	}
	for _, t := range m.globalThresholds {
		check(t)
	}
	for _, t := range m.projectThresholds[projectID] {
		check(t)
	}
	return alerts
}

// CheckProjectHealth dispatches to checker.HealthCheck, measures wall
// time, records the metric, and evaluates alert thresholds.
func (m *Monitor) CheckProjectHealth(ctx context.Context, projectID string, checker Checker) ProjectHealthStatus {
	start := time.Now()
	raw, err := checker.HealthCheck(ctx)
	elapsedMs := float64(time.Since(start).Nanoseconds()) / 1e6

	success := err == nil
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	} else {
		var parsed any
		if jsonErr := json.Unmarshal([]byte(raw), &parsed); jsonErr != nil {
			success = false
			errMsg = "health check returned a non-JSON response: " + raw
		}
	}

	m.mu.Lock()
	m.recordRequestLocked(projectID, elapsedMs, success, errMsg)
	errorRate, recentErrors := m.errorRateAndRecent(projectID)
	alerts := m.evaluateAlerts(projectID, elapsedMs, errorRate)
	m.mu.Unlock()

	return ProjectHealthStatus{
		ProjectID:      projectID,
		Healthy:        success && len(alerts) == 0,
		ResponseTimeMs: elapsedMs,
		ErrorRatePct:   errorRate,
		RecentErrors:   recentErrors,
		Alerts:         alerts,
	}
}

// recordRequestLocked is RecordRequest's body for callers already holding
// m.mu (CheckProjectHealth measures+records in one critical section so
// the error-rate computed immediately after reflects this request).
func (m *Monitor) recordRequestLocked(projectID string, responseTimeMs float64, success bool, errMsg string) {
	now := time.Now().UTC()
	w := m.windowFor(projectID)

	w.metrics = append(w.metrics, Metric{
		Timestamp: now, ProjectID: projectID, ResponseTimeMs: responseTimeMs,
		Success: success, ErrorMessage: errMsg,
	})
	w.responseTimes = append(w.responseTimes, responseTimeMs)
	w.requestTimestamps = append(w.requestTimestamps, now)

	cutoff := now.Add(-m.retention)
	w.metrics = evictOlder(w.metrics, cutoff)
	if len(w.metrics) > m.maxEntries {
		w.metrics = w.metrics[len(w.metrics)-m.maxEntries:]
	}
	if len(w.responseTimes) > m.maxEntries {
		w.responseTimes = w.responseTimes[len(w.responseTimes)-m.maxEntries:]
	}
	if len(w.requestTimestamps) > m.maxEntries {
		w.requestTimestamps = w.requestTimestamps[len(w.requestTimestamps)-m.maxEntries:]
	}

	m.totalRequests++
	if success {
		m.successfulRequests++
	} else {
		m.failedRequests++
	}
}

// CheckAllProjectsHealth fans out CheckProjectHealth concurrently over
// checkers and aggregates into healthy/degraded/unhealthy.
func (m *Monitor) CheckAllProjectsHealth(ctx context.Context, checkers map[string]Checker) SystemHealth {
	var (
		mu      sync.Mutex
		results = make(map[string]ProjectHealthStatus, len(checkers))
	)

	g, gctx := errgroup.WithContext(ctx)
	for projectID, checker := range checkers {
		projectID, checker := projectID, checker
		g.Go(func() error {
			status := m.CheckProjectHealth(gctx, projectID, checker)
			mu.Lock()
			results[projectID] = status
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // every goroutine above always returns nil

	healthyCount := 0
	for _, status := range results {
		if status.Healthy {
			healthyCount++
		}
	}

	status := SystemUnhealthy
	switch {
	case len(results) == 0 || healthyCount == len(results):
		status = SystemHealthy
	case healthyCount > 0:
		status = SystemDegraded
	}

	return SystemHealth{Status: status, PerProject: results}
}

// GlobalCounts returns the process-wide request/success/failure triad.
func (m *Monitor) GlobalCounts() (total, successful, failed int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalRequests, m.successfulRequests, m.failedRequests
}
