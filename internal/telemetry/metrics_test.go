package telemetry

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coordcore/core/internal/runstore"
)

func TestCollector_RecordRunStart_IncrementsCounter(t *testing.T) {
	c := NewCollector()
	c.RecordRunStart("run-1")
	c.RecordRunStart("run-2")

	body := scrape(t, c)
	assert.Contains(t, body, "coordcore_runs_started_total 2")
}

func TestCollector_RecordRunComplete_LabelsByStatusAndReason(t *testing.T) {
	c := NewCollector()
	c.RecordRunComplete("run-1", runstore.RunSucceeded, "plan_exhausted", 2*time.Second)

	body := scrape(t, c)
	assert.Contains(t, body, `coordcore_runs_finished_total{reason="plan_exhausted",status="succeeded"} 1`)
}

func TestCollector_RecordStepComplete_LabelsByOutcome(t *testing.T) {
	c := NewCollector()
	c.RecordStepComplete("srv-a", "search", 2, false, 100*time.Millisecond)
	c.RecordStepComplete("srv-a", "search", 3, true, 250*time.Millisecond)

	body := scrape(t, c)
	assert.Contains(t, body, `coordcore_steps_finished_total{outcome="success",server_id="srv-a",tool_name="search"} 1`)
	assert.Contains(t, body, `coordcore_steps_finished_total{outcome="failure",server_id="srv-a",tool_name="search"} 1`)
}

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)
	return strings.ReplaceAll(rec.Body.String(), "\n", " ")
}
