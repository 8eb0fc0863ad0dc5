package tableflow

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knowflow/internal/llm"
	"knowflow/internal/supervisor"
	"knowflow/internal/types"
)

func salesCSV() string {
	var b strings.Builder
	b.WriteString("region,sales,profit,day\n")
	for i := 0; i < 30; i++ {
		region := "north"
		if i%2 == 1 {
			region = "south"
		}
		fmt.Fprintf(&b, "%s,%d,%d,2023-01-%02d\n", region, (i+1)*10, (i+1)*5, i+1)
	}
	return b.String()
}

type sinkRecorder struct {
	events []types.StepEvent
	charts []string
}

func (s *sinkRecorder) sink() Sink {
	return Sink{
		Step: func(e types.StepEvent) error {
			s.events = append(s.events, e)
			return nil
		},
		Chart: func(_ Chart, encoded string) error {
			s.charts = append(s.charts, encoded)
			return nil
		},
	}
}

func (s *sinkRecorder) lastStatus(step string) types.StepStatus {
	var status types.StepStatus
	for _, e := range s.events {
		if e.Step == step {
			status = e.Status
		}
	}
	return status
}

func (s *sinkRecorder) message(step string) string {
	for _, e := range s.events {
		if e.Step == step && e.Message != "" {
			return e.Message
		}
	}
	return ""
}

const (
	understandReply = `{"sheet_purposes": {"sales": "regional sales"}, "key_columns": ["sales"], "user_intent": "analyse sales"}`
	planReply       = `{"sales": ["descriptive", "correlation", "frequency"]}`
	semanticsReply  = `{"column_semantics": {"sales": "revenue per order"}, "recommended_analyses": ["trend"]}`
	reportReply     = "## Executive Summary\n\nSales and profit move together.\n"
)

func TestPipelineRun(t *testing.T) {
	client := llm.NewScriptedClient(understandReply, planReply, semanticsReply, reportReply)
	p := NewPipeline(client, supervisor.New(nil))

	rec := &sinkRecorder{}
	result, err := p.Run(context.Background(), "sales.csv", strings.NewReader(salesCSV()), "analyse sales", rec.sink())
	require.NoError(t, err)

	assert.Equal(t, "regional sales", result.Understanding.SheetPurposes["sales"])
	assert.Equal(t, []string{TechDescriptive, TechCorrelation, TechFrequency}, result.Plan["sales"])
	assert.Equal(t, reportReply, result.Report)
	assert.Equal(t, "revenue per order", result.Semantics.ColumnSemantics["sales"])

	// Stage-4 charts plus correlation recommendations, capped at five.
	require.Len(t, result.Charts, 5)
	require.Len(t, rec.charts, 5)
	for _, encoded := range rec.charts {
		assert.True(t, strings.HasPrefix(encoded, "option="), encoded)
	}

	for _, step := range []string{
		StepFileReading, StepUnderstanding, StepDataTypes, StepPlanning,
		StepCalculation, StepCorrelation, StepSemantics, StepInterpretation,
		StepChartGeneration,
	} {
		assert.Equal(t, types.StepCompleted, rec.lastStatus(step), step)
	}

	// Every completed stage was scored by the sidecar.
	require.Len(t, result.Evaluations, 9)
	for _, eval := range result.Evaluations {
		assert.Equal(t, supervisor.StatusPass, eval.Overall, eval.Step)
	}
	assert.Equal(t, "statistics_calculation", result.Evaluations[4].Step)
}

func TestPipelineRunAllFallbacks(t *testing.T) {
	// An exhausted client makes every model call fail; each stage degrades
	// to its documented fallback instead of aborting.
	p := NewPipeline(llm.NewScriptedClient(), supervisor.New(nil))

	rec := &sinkRecorder{}
	result, err := p.Run(context.Background(), "sales.csv", strings.NewReader(salesCSV()), "", rec.sink())
	require.NoError(t, err)

	assert.Equal(t, DefaultPlan([]string{"sales"}), result.Plan)
	assert.Contains(t, result.Report, "## Statistical Summary")
	assert.Greater(t, result.Calc.CalculationCount(), 0)
	assert.NotEmpty(t, result.Charts)
}

func TestPipelineSkipsWithoutAnalysableColumns(t *testing.T) {
	// Unique free text only: nothing to compute, charts skip with a typed
	// reason, but understanding and interpretation still run.
	var b strings.Builder
	b.WriteString("note\n")
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&b, "unique sentence number %d\n", i)
	}

	p := NewPipeline(llm.NewScriptedClient(), supervisor.New(nil))
	rec := &sinkRecorder{}
	result, err := p.Run(context.Background(), "notes.csv", strings.NewReader(b.String()), "", rec.sink())
	require.NoError(t, err)

	assert.Equal(t, types.StepSkipped, rec.lastStatus(StepPlanning))
	assert.Equal(t, types.StepSkipped, rec.lastStatus(StepCalculation))
	assert.Equal(t, types.StepSkipped, rec.lastStatus(StepChartGeneration))
	assert.Equal(t, reasonNoValidData, rec.message(StepChartGeneration))
	assert.Empty(t, result.Charts)
	assert.Empty(t, rec.charts)
}

func TestPipelineUnreadableFileFails(t *testing.T) {
	p := NewPipeline(llm.NewScriptedClient(), nil)
	rec := &sinkRecorder{}
	_, err := p.Run(context.Background(), "broken.csv", strings.NewReader(""), "", rec.sink())
	require.Error(t, err)
	assert.Equal(t, types.StepFailed, rec.lastStatus(StepFileReading))
}

func TestSupervisorBaselineInPipeline(t *testing.T) {
	// An empty calculations map must fail the statistics_calculation stage
	// even when no model is wired.
	s := supervisor.New(nil)
	eval := s.Evaluate(context.Background(), "statistics_calculation",
		&CalcResult{Calculations: map[string]SheetIndicators{}}, nil, "")
	assert.Equal(t, supervisor.StatusFail, eval.Overall)
	assert.False(t, eval.Accuracy.Pass)
}
