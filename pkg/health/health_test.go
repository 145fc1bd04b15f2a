package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChecker struct {
	response string
	err      error
}

func (f fakeChecker) HealthCheck(context.Context) (string, error) {
	return f.response, f.err
}

func TestRecordRequestAndGlobalCounts(t *testing.T) {
	m := New(Options{})
	m.RecordRequest("proj1", 100, true, "")
	m.RecordRequest("proj1", 200, false, "boom")

	total, successful, failed := m.GlobalCounts()
	assert.Equal(t, int64(2), total)
	assert.Equal(t, int64(1), successful)
	assert.Equal(t, int64(1), failed)
}

func TestCheckProjectHealthSuccess(t *testing.T) {
	m := New(Options{})
	status := m.CheckProjectHealth(context.Background(), "proj1", fakeChecker{response: `{"ok":true}`})
	assert.True(t, status.Healthy)
	assert.Empty(t, status.Alerts)
}

func TestCheckProjectHealthTransportErrorIsUnhealthy(t *testing.T) {
	m := New(Options{})
	status := m.CheckProjectHealth(context.Background(), "proj1", fakeChecker{err: errors.New("connection refused")})
	assert.False(t, status.Healthy)
	assert.Contains(t, status.RecentErrors, "connection refused")
}

func TestCheckProjectHealthNonJSONResponseIsFailure(t *testing.T) {
	m := New(Options{})
	status := m.CheckProjectHealth(context.Background(), "proj1", fakeChecker{response: "not json"})
	assert.False(t, status.Healthy)
}

func TestAlertThresholdsDefaultErrorRate(t *testing.T) {
	m := New(Options{})
	for i := 0; i < 4; i++ {
		m.CheckProjectHealth(context.Background(), "proj1", fakeChecker{err: errors.New("fail")})
	}
	status := m.CheckProjectHealth(context.Background(), "proj1", fakeChecker{response: `{}`})
	require.NotEmpty(t, status.Alerts)
}

func TestRegisterThresholdPerProject(t *testing.T) {
	m := New(Options{})
	m.RegisterThreshold("proj1", Threshold{Name: "custom", Metric: "response_time_ms", Value: 0, Comparison: CompareGT, Severity: SeverityInfo})

	status := m.CheckProjectHealth(context.Background(), "proj1", fakeChecker{response: `{}`})
	require.NotEmpty(t, status.Alerts)
	assert.Contains(t, status.Alerts[0], "custom")

	other := m.CheckProjectHealth(context.Background(), "proj2", fakeChecker{response: `{}`})
	assert.Empty(t, other.Alerts, "per-project threshold must not leak to other projects")
}

func TestCheckAllProjectsHealthAggregatesStatus(t *testing.T) {
	m := New(Options{})
	checkers := map[string]Checker{
		"proj1": fakeChecker{response: `{}`},
		"proj2": fakeChecker{err: errors.New("down")},
	}
	sys := m.CheckAllProjectsHealth(context.Background(), checkers)
	assert.Equal(t, SystemDegraded, sys.Status)
	assert.True(t, sys.PerProject["proj1"].Healthy)
	assert.False(t, sys.PerProject["proj2"].Healthy)
}

func TestCheckAllProjectsHealthAllHealthy(t *testing.T) {
	m := New(Options{})
	checkers := map[string]Checker{
		"proj1": fakeChecker{response: `{}`},
		"proj2": fakeChecker{response: `{}`},
	}
	sys := m.CheckAllProjectsHealth(context.Background(), checkers)
	assert.Equal(t, SystemHealthy, sys.Status)
}

func TestRetentionEvictsOldMetrics(t *testing.T) {
	m := New(Options{Retention: time.Millisecond})
	m.RecordRequest("proj1", 10, true, "")
	time.Sleep(5 * time.Millisecond)
	m.RecordRequest("proj1", 10, true, "")

	rate, _ := m.errorRateAndRecent("proj1")
	assert.Equal(t, float64(0), rate)
}
