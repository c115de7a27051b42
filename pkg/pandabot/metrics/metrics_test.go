package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/pandabot/pkg/pandabot/copilot"
	"github.com/jholhewres/pandabot/pkg/pandabot/scheduler"
	"github.com/jholhewres/pandabot/pkg/pandabot/tools"
)

func TestObservers(t *testing.T) {
	t.Parallel()
	m := New()

	m.ObserveLoop("answer", 2, time.Second)
	m.ObserveLoop("answer", 0, time.Second)
	m.ObserveLoop("budget_exhausted", 10, time.Minute)
	assert.InDelta(t, 2, testutil.ToFloat64(m.loopOutcomes.WithLabelValues("answer")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.loopOutcomes.WithLabelValues("budget_exhausted")), 0)

	m.ObserveTool("browser", tools.StatusOK, time.Millisecond)
	m.ObserveTool("browser", tools.StatusError, time.Millisecond)
	assert.InDelta(t, 1, testutil.ToFloat64(m.toolCalls.WithLabelValues("browser", "error")), 0)

	m.ObserveDelivery("telegram", nil)
	m.ObserveDelivery("telegram", errors.New("boom"))
	assert.InDelta(t, 1, testutil.ToFloat64(m.deliveries.WithLabelValues("telegram", "ok")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.deliveries.WithLabelValues("telegram", "error")), 0)

	m.ObserveScheduledRun(&scheduler.Job{}, "skipped_busy")
	assert.InDelta(t, 1, testutil.ToFloat64(m.schedulerRuns.WithLabelValues(RunSkippedBusy)), 0)
}

func TestRunLabel(t *testing.T) {
	t.Parallel()
	delivery := &scheduler.Job{LastError: copilot.ErrDeliveryFailed.Error() + ": job j1: network down"}
	backend := &scheduler.Job{LastError: "job j1: backend timeout"}

	tests := []struct {
		job    *scheduler.Job
		result string
		want   string
	}{
		{nil, scheduler.ResultOK, RunOK},
		{nil, scheduler.ResultSkippedFull, RunSkippedCapacity},
		{nil, scheduler.ResultSkippedRunning, RunSkippedRunning},
		{nil, "skipped_" + copilot.SkipBusy, RunSkippedBusy},
		{nil, "skipped_" + copilot.SkipBotNotFound, RunBotMissing},
		{delivery, scheduler.ResultError, RunDeliveryFailed},
		{backend, scheduler.ResultError, RunError},
		{nil, scheduler.ResultError, RunError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RunLabel(tt.job, tt.result), tt.result)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveLoop("answer", 1, time.Second)
		m.ObserveTool("x", tools.StatusOK, 0)
		m.ObserveDelivery("discord", nil)
		m.ObserveScheduledRun(nil, scheduler.ResultOK)
	})
}

func TestHandler(t *testing.T) {
	t.Parallel()
	m := New()
	m.ObserveLoop("cancelled", 1, time.Second)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `pandabot_loop_outcomes_total{outcome="cancelled"} 1`)
}
