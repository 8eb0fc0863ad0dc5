// Package supervisor scores completed pipeline stages. Verdicts are
// advisory: they are recorded into a sidecar list and never block the
// pipeline.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"knowflow/internal/llm"
	"knowflow/internal/logging"
)

// Status is the overall verdict for one stage.
type Status string

const (
	StatusPass    Status = "pass"
	StatusWarning Status = "warning"
	StatusFail    Status = "fail"
)

// SubScore is one evaluation dimension.
type SubScore struct {
	Value   float64  `json:"value"`
	Pass    bool     `json:"pass"`
	Issues  []string `json:"issues,omitempty"`
	Details string   `json:"details,omitempty"`
}

// Coordination checks whether the stage's result carries what the next stage
// expects.
type Coordination struct {
	SubScore
	RequiredFields []string `json:"required_fields,omitempty"`
	MissingFields  []string `json:"missing_fields,omitempty"`
}

// Evaluation is the structured verdict for one stage.
type Evaluation struct {
	Step           string       `json:"step"`
	Accuracy       SubScore     `json:"accuracy"`
	Reasonableness SubScore     `json:"reasonableness"`
	Coordination   Coordination `json:"coordination"`
	Quality        SubScore     `json:"quality"`
	Overall        Status       `json:"overall"`
}

// Sidecar collects evaluations for one pipeline run.
type Sidecar struct {
	mu      sync.Mutex
	records []Evaluation
}

// NewSidecar creates an empty sidecar.
func NewSidecar() *Sidecar { return &Sidecar{} }

// Add appends one evaluation.
func (s *Sidecar) Add(e Evaluation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, e)
}

// Records returns a copy of the collected evaluations.
func (s *Sidecar) Records() []Evaluation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Evaluation, len(s.records))
	copy(out, s.records)
	return out
}

// BaselineCheck is a rule applied to a stage result regardless of what the
// model says.
type BaselineCheck func(result any) (issue string, ok bool)

// CalculationsCarrier is implemented by results that hold per-sheet
// calculation maps.
type CalculationsCarrier interface{ CalculationCount() int }

// ChartsCarrier is implemented by results that hold generated charts.
type ChartsCarrier interface{ ChartCount() int }

// baselineChecks are always applied, keyed by stage name.
var baselineChecks = map[string]BaselineCheck{
	"statistics_calculation": func(result any) (string, bool) {
		if c, ok := result.(CalculationsCarrier); ok && c.CalculationCount() == 0 {
			return "calculations map is empty", false
		}
		return "", true
	},
	"echarts_generation": func(result any) (string, bool) {
		if c, ok := result.(ChartsCarrier); ok && c.ChartCount() == 0 {
			return "charts list is empty", false
		}
		return "", true
	},
}

const evaluateSystemPrompt = `You are a quality supervisor for a data-analysis pipeline.
Given a completed stage's name, its result, and the preceding stages' results, score the stage.
Respond with only a JSON object:
{
  "accuracy": {"value": 0.0, "pass": true, "issues": [], "details": "..."},
  "reasonableness": {"value": 0.0, "pass": true, "issues": [], "details": "..."},
  "coordination": {"value": 0.0, "pass": true, "issues": [], "details": "...",
                   "required_fields": ["..."], "missing_fields": []},
  "quality": {"value": 0.0, "pass": true, "issues": [], "details": "..."}
}
Values are in [0,1]. coordination.required_fields lists what the next stage needs.`

// Supervisor evaluates stages with an LLM plus the baseline rules.
type Supervisor struct {
	client llm.Client
}

// New creates a Supervisor.
func New(client llm.Client) *Supervisor {
	return &Supervisor{client: client}
}

// Evaluate scores one completed stage. The model's verdict is merged with
// the baseline rules; a rule violation forces the overall status to fail.
// Evaluate never returns an error to the pipeline: on model failure the
// baseline-only verdict stands.
func (s *Supervisor) Evaluate(ctx context.Context, step string, result any, priorSteps []string, taskContext string) Evaluation {
	timer := logging.StartTimer(logging.CategorySupervisor, "Evaluate")
	defer timer.Stop()

	eval := Evaluation{
		Step:           step,
		Accuracy:       SubScore{Value: 1, Pass: true},
		Reasonableness: SubScore{Value: 1, Pass: true},
		Coordination:   Coordination{SubScore: SubScore{Value: 1, Pass: true}},
		Quality:        SubScore{Value: 1, Pass: true},
	}

	if s.client != nil {
		var parsed struct {
			Accuracy       SubScore     `json:"accuracy"`
			Reasonableness SubScore     `json:"reasonableness"`
			Coordination   Coordination `json:"coordination"`
			Quality        SubScore     `json:"quality"`
		}
		prompt := s.buildPrompt(step, result, priorSteps, taskContext)
		if err := llm.RequestJSON(ctx, s.client, evaluateSystemPrompt, prompt, &parsed); err != nil {
			logging.Get(logging.CategorySupervisor).Debugw("model evaluation unavailable, using baseline only",
				"step", step, "error", err)
		} else {
			eval.Accuracy = parsed.Accuracy
			eval.Reasonableness = parsed.Reasonableness
			eval.Coordination = parsed.Coordination
			eval.Quality = parsed.Quality
		}
	}

	baselineOK := true
	if check, ok := baselineChecks[step]; ok {
		if issue, ok := check(result); !ok {
			baselineOK = false
			eval.Accuracy.Pass = false
			eval.Accuracy.Issues = append(eval.Accuracy.Issues, issue)
		}
	}

	eval.Overall = overallStatus(eval, baselineOK)
	return eval
}

func (s *Supervisor) buildPrompt(step string, result any, priorSteps []string, taskContext string) string {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		resultJSON = []byte(fmt.Sprintf("%v", result))
	}
	prompt := fmt.Sprintf("Stage: %s\nResult: %s\n", step, resultJSON)
	if len(priorSteps) > 0 {
		prompt += "Preceding stages:\n"
		for _, p := range priorSteps {
			prompt += "- " + p + "\n"
		}
	}
	if taskContext != "" {
		prompt += "Task context: " + taskContext + "\n"
	}
	return prompt
}

func overallStatus(e Evaluation, baselineOK bool) Status {
	if !baselineOK {
		return StatusFail
	}
	subs := []SubScore{e.Accuracy, e.Reasonableness, e.Coordination.SubScore, e.Quality}
	anyFail := false
	anyIssue := false
	for _, sub := range subs {
		if !sub.Pass {
			anyFail = true
		}
		if len(sub.Issues) > 0 {
			anyIssue = true
		}
	}
	switch {
	case anyFail:
		return StatusFail
	case anyIssue || len(e.Coordination.MissingFields) > 0:
		return StatusWarning
	default:
		return StatusPass
	}
}
