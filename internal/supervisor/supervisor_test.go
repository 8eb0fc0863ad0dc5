package supervisor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knowflow/internal/llm"
)

type statsResult struct{ calcs int }

func (r statsResult) CalculationCount() int { return r.calcs }

type chartsResult struct{ charts int }

func (r chartsResult) ChartCount() int { return r.charts }

const cleanVerdict = `{
	"accuracy": {"value": 0.9, "pass": true},
	"reasonableness": {"value": 0.8, "pass": true},
	"coordination": {"value": 1.0, "pass": true, "required_fields": ["calculations"]},
	"quality": {"value": 0.85, "pass": true}
}`

func TestEvaluatePass(t *testing.T) {
	s := New(llm.NewScriptedClient(cleanVerdict))
	e := s.Evaluate(context.Background(), "statistics_calculation", statsResult{calcs: 3}, nil, "")
	assert.Equal(t, StatusPass, e.Overall)
	assert.InDelta(t, 0.9, e.Accuracy.Value, 1e-9)
	assert.Equal(t, []string{"calculations"}, e.Coordination.RequiredFields)
}

func TestEvaluateBaselineOverridesModel(t *testing.T) {
	// The model says everything is fine but the calculations map is empty.
	s := New(llm.NewScriptedClient(cleanVerdict))
	e := s.Evaluate(context.Background(), "statistics_calculation", statsResult{calcs: 0}, nil, "")
	assert.Equal(t, StatusFail, e.Overall)
	assert.False(t, e.Accuracy.Pass)
	assert.NotEmpty(t, e.Accuracy.Issues)
}

func TestEvaluateEmptyChartsFails(t *testing.T) {
	s := New(nil)
	e := s.Evaluate(context.Background(), "echarts_generation", chartsResult{charts: 0}, nil, "")
	assert.Equal(t, StatusFail, e.Overall)
}

func TestEvaluateModelFailureFallsBackToBaseline(t *testing.T) {
	s := New(llm.NewScriptedClient("not json", "still not json"))
	e := s.Evaluate(context.Background(), "statistics_calculation", statsResult{calcs: 2}, nil, "")
	assert.Equal(t, StatusPass, e.Overall)
	assert.True(t, e.Accuracy.Pass)
}

func TestEvaluateWarningOnIssues(t *testing.T) {
	verdict := `{
		"accuracy": {"value": 0.7, "pass": true, "issues": ["column names look truncated"]},
		"reasonableness": {"value": 0.8, "pass": true},
		"coordination": {"value": 1.0, "pass": true},
		"quality": {"value": 0.85, "pass": true}
	}`
	s := New(llm.NewScriptedClient(verdict))
	e := s.Evaluate(context.Background(), "file_understanding", nil, []string{"file_reading"}, "analyse sales")
	assert.Equal(t, StatusWarning, e.Overall)
}

func TestSidecarCollects(t *testing.T) {
	side := NewSidecar()
	s := New(nil)
	side.Add(s.Evaluate(context.Background(), "file_reading", nil, nil, ""))
	side.Add(s.Evaluate(context.Background(), "echarts_generation", chartsResult{charts: 2}, nil, ""))

	records := side.Records()
	require.Len(t, records, 2)
	assert.Equal(t, "file_reading", records[0].Step)
	assert.Equal(t, StatusPass, records[1].Overall)
}
