package tableflow

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"knowflow/internal/llm"
	"knowflow/internal/logging"
	"knowflow/internal/supervisor"
	"knowflow/internal/types"
)

// Stage step names, in pipeline order.
const (
	StepFileReading     = "step_0_file_reading"
	StepUnderstanding   = "step_1_file_understanding"
	StepDataTypes       = "step_2_data_type_analysis"
	StepPlanning        = "step_3_statistics_planning"
	StepCalculation     = "step_4_statistics_calculation"
	StepCorrelation     = "step_5_correlation_analysis"
	StepSemantics       = "step_6_semantic_analysis"
	StepInterpretation  = "step_7_result_interpretation"
	StepChartGeneration = "step_8_echarts_generation"

	reasonNoValidData    = "no_valid_data"
	reasonNoNumericInput = "no numeric or categorical columns to analyse"
	reasonNoCalculations = "statistics calculation produced nothing"
)

// stageKey strips the step_N_ prefix; the supervisor and its baseline rules
// key off the bare stage name.
func stageKey(step string) string {
	parts := strings.SplitN(step, "_", 3)
	if len(parts) == 3 {
		return parts[2]
	}
	return step
}

// Sink receives the pipeline's streaming output. Nil callbacks are skipped.
type Sink struct {
	Step  func(types.StepEvent) error
	Chart func(chart Chart, encoded string) error
}

func (s Sink) step(e types.StepEvent) {
	if s.Step == nil {
		return
	}
	if err := s.Step(e); err != nil {
		logging.Get(logging.CategoryTableFlow).Debugw("step event dropped", "step", e.Step, "error", err)
	}
}

// Understanding is the file-understanding stage output.
type Understanding struct {
	SheetPurposes map[string]string `json:"sheet_purposes"`
	KeyColumns    []string          `json:"key_columns"`
	UserIntent    string            `json:"user_intent"`
}

// Semantics is the semantic-analysis stage output.
type Semantics struct {
	ColumnSemantics     map[string]string  `json:"column_semantics"`
	Relationships       []string           `json:"semantic_relationships"`
	BusinessPatterns    []string           `json:"business_patterns"`
	RecommendedAnalyses []string           `json:"recommended_analyses"`
	RecommendedCharts   []RecommendedChart `json:"recommended_charts"`
}

// RecommendedChart is a chart suggestion by title and kind; the option is
// synthesised from the indicators, not by the model.
type RecommendedChart struct {
	Title string `json:"title"`
	Kind  string `json:"type"`
}

// Result is everything the pipeline produced.
type Result struct {
	Understanding Understanding
	Profiles      map[string][]ColumnProfile
	Plan          Plan
	Calc          *CalcResult
	Correlation   *CorrelationSummary
	Semantics     Semantics
	Report        string
	Charts        []Chart
	Evaluations   []supervisor.Evaluation
}

// Pipeline analyses one table file end to end.
type Pipeline struct {
	client llm.Client
	super  *supervisor.Supervisor
}

// NewPipeline wires the pipeline. super may be nil to disable stage scoring.
func NewPipeline(client llm.Client, super *supervisor.Supervisor) *Pipeline {
	return &Pipeline{client: client, super: super}
}

// Run executes the stages in order. Only a stage-0 failure aborts; later
// stages degrade by skipping with a typed reason.
func (p *Pipeline) Run(ctx context.Context, fileName string, r io.Reader, query string, sink Sink) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryTableFlow, "Run")
	defer timer.Stop()

	sidecar := supervisor.NewSidecar()
	var prior []string
	evaluate := func(step string, stageResult any) {
		if p.super == nil {
			return
		}
		key := stageKey(step)
		sidecar.Add(p.super.Evaluate(ctx, key, stageResult, prior, query))
		prior = append(prior, key)
	}
	result := &Result{}

	// Stage 0: file reading. Nothing downstream works without frames.
	sink.step(types.StepEvent{Step: StepFileReading, Status: types.StepStart})
	frames, err := LoadFrames(fileName, r)
	if err != nil {
		sink.step(types.StepEvent{Step: StepFileReading, Status: types.StepFailed, Message: err.Error()})
		return nil, err
	}
	sink.step(types.StepEvent{Step: StepFileReading, Status: types.StepCompleted, Payload: sheetNames(frames)})
	evaluate(StepFileReading, sheetNames(frames))

	// Stage 1: file understanding.
	sink.step(types.StepEvent{Step: StepUnderstanding, Status: types.StepStart})
	result.Understanding = p.understand(ctx, frames, query)
	sink.step(types.StepEvent{Step: StepUnderstanding, Status: types.StepCompleted, Payload: result.Understanding})
	evaluate(StepUnderstanding, result.Understanding)

	// Stage 2: data-type analysis.
	sink.step(types.StepEvent{Step: StepDataTypes, Status: types.StepStart})
	result.Profiles = map[string][]ColumnProfile{}
	for i := range frames {
		result.Profiles[frames[i].Sheet] = ProfileFrame(&frames[i])
	}
	sink.step(types.StepEvent{Step: StepDataTypes, Status: types.StepCompleted, Payload: result.Profiles})
	evaluate(StepDataTypes, result.Profiles)

	analysable := hasAnalysableColumns(result.Profiles)

	// Stage 3: statistics planning.
	if !analysable {
		sink.step(types.StepEvent{Step: StepPlanning, Status: types.StepSkipped, Message: reasonNoNumericInput})
	} else {
		sink.step(types.StepEvent{Step: StepPlanning, Status: types.StepStart})
		result.Plan = p.planStatistics(ctx, frames, result.Profiles, query)
		sink.step(types.StepEvent{Step: StepPlanning, Status: types.StepCompleted, Payload: result.Plan})
		evaluate(StepPlanning, result.Plan)
	}

	// Stage 4: statistics calculation.
	if len(result.Plan) == 0 {
		sink.step(types.StepEvent{Step: StepCalculation, Status: types.StepSkipped, Message: reasonNoNumericInput})
		result.Calc = &CalcResult{Calculations: map[string]SheetIndicators{}}
	} else {
		sink.step(types.StepEvent{Step: StepCalculation, Status: types.StepStart})
		result.Calc = Calculate(frames, result.Profiles, result.Plan)
		sink.step(types.StepEvent{Step: StepCalculation, Status: types.StepCompleted,
			Payload: map[string]int{"calculations": result.Calc.CalculationCount(), "charts": result.Calc.ChartCount()}})
		evaluate(StepCalculation, result.Calc)
	}

	// Stage 5: correlation analysis.
	if result.Calc.CalculationCount() == 0 {
		sink.step(types.StepEvent{Step: StepCorrelation, Status: types.StepSkipped, Message: reasonNoCalculations})
	} else {
		sink.step(types.StepEvent{Step: StepCorrelation, Status: types.StepStart})
		result.Correlation = AggregateCorrelations(result.Calc)
		sink.step(types.StepEvent{Step: StepCorrelation, Status: types.StepCompleted, Payload: result.Correlation.StrongPairs})
		evaluate(StepCorrelation, result.Correlation)
	}

	// Stage 6: semantic analysis.
	sink.step(types.StepEvent{Step: StepSemantics, Status: types.StepStart})
	result.Semantics = p.semanticAnalysis(ctx, result.Profiles, result.Calc, query)
	sink.step(types.StepEvent{Step: StepSemantics, Status: types.StepCompleted, Payload: result.Semantics})
	evaluate(StepSemantics, result.Semantics)

	// Stage 7: result interpretation.
	sink.step(types.StepEvent{Step: StepInterpretation, Status: types.StepStart})
	result.Report = p.interpret(ctx, result, query)
	sink.step(types.StepEvent{Step: StepInterpretation, Status: types.StepCompleted})
	evaluate(StepInterpretation, result.Report)

	// Stage 8: chart generation.
	result.Charts = p.generateCharts(ctx, result, sink, evaluate)

	result.Evaluations = sidecar.Records()
	return result, nil
}

func (p *Pipeline) generateCharts(ctx context.Context, result *Result, sink Sink, evaluate func(string, any)) []Chart {
	var correlationCharts []Chart
	if result.Correlation != nil {
		correlationCharts = result.Correlation.Charts
	}
	charts := mergeCharts(
		result.Calc.Charts,
		correlationCharts,
		recommendedCharts(result.Semantics, result.Calc),
		defaultCharts(result.Calc),
	)
	if len(charts) == 0 {
		sink.step(types.StepEvent{Step: StepChartGeneration, Status: types.StepSkipped, Message: reasonNoValidData})
		return nil
	}

	sink.step(types.StepEvent{Step: StepChartGeneration, Status: types.StepStart})
	emitted := make([]Chart, 0, len(charts))
	for _, chart := range charts {
		encoded, err := chart.EncodeOption()
		if err != nil {
			logging.Get(logging.CategoryTableFlow).Warnw("chart dropped", "title", chart.Title, "error", err)
			continue
		}
		if sink.Chart != nil {
			if err := sink.Chart(chart, encoded); err != nil {
				logging.Get(logging.CategoryTableFlow).Warnw("chart emission failed", "title", chart.Title, "error", err)
			}
		}
		emitted = append(emitted, chart)
	}
	sink.step(types.StepEvent{Step: StepChartGeneration, Status: types.StepCompleted, Payload: chartTitles(emitted)})

	final := &CalcResult{Calculations: result.Calc.Calculations, Charts: emitted}
	evaluate(StepChartGeneration, final)
	return emitted
}

// recommendedCharts maps the model's suggestions onto indicator-backed
// builders; a suggestion with no matching indicators is dropped.
func recommendedCharts(sem Semantics, calc *CalcResult) []Chart {
	if len(sem.RecommendedCharts) == 0 {
		return nil
	}
	var out []Chart
	for _, rec := range sem.RecommendedCharts {
		for _, sheet := range sortedSheets(calc.Calculations) {
			indicators := calc.Calculations[sheet]
			var chart *Chart
			switch rec.Kind {
			case "bar":
				if desc, ok := indicators[TechDescriptive].(map[string]DescriptiveIndicator); ok && len(desc) > 0 {
					c := descriptiveBar(sheet, desc)
					chart = &c
				}
			case "pie":
				if freq, ok := indicators[TechFrequency].(map[string]FrequencyIndicator); ok && len(freq) > 0 {
					c := frequencyPie(sheet, freq)
					chart = &c
				}
			case "heatmap":
				if corr, ok := indicators[TechCorrelation].(map[string]any); ok {
					if pairs, ok := corr["strong_pairs"].([]CorrPair); ok && len(pairs) > 0 {
						c := correlationHeatmap(sheet, pairs)
						chart = &c
					}
				}
			}
			if chart != nil {
				if rec.Title != "" {
					chart.Title = rec.Title
					chart.Option["title"] = map[string]any{"text": rec.Title}
				}
				out = append(out, *chart)
				break
			}
		}
	}
	return out
}

// defaultCharts is the always-considered baseline set: a descriptive bar and
// a correlation heatmap from the first sheet that supports them. Duplicates
// of stage-4 charts fall out in the title dedupe.
func defaultCharts(calc *CalcResult) []Chart {
	var out []Chart
	for _, sheet := range sortedSheets(calc.Calculations) {
		indicators := calc.Calculations[sheet]
		if desc, ok := indicators[TechDescriptive].(map[string]DescriptiveIndicator); ok && len(desc) > 0 {
			out = append(out, descriptiveBar(sheet, desc))
			break
		}
	}
	for _, sheet := range sortedSheets(calc.Calculations) {
		indicators := calc.Calculations[sheet]
		if corr, ok := indicators[TechCorrelation].(map[string]any); ok {
			if pairs, ok := corr["strong_pairs"].([]CorrPair); ok && len(pairs) > 0 {
				out = append(out, correlationHeatmap(sheet, pairs))
				break
			}
		}
	}
	return out
}

const understandSystemPrompt = `You analyse the structure of a tabular data file.
Given sheet names, columns, and sample rows, plus the user's question, respond with only JSON:
{"sheet_purposes": {"<sheet>": "<what it contains>"}, "key_columns": [], "user_intent": "..."}`

func (p *Pipeline) understand(ctx context.Context, frames []Frame, query string) Understanding {
	var u Understanding
	if err := llm.RequestJSON(ctx, p.client, understandSystemPrompt, describeFrames(frames, query), &u); err != nil {
		logging.Get(logging.CategoryTableFlow).Warnw("file understanding fell back to structure only", "error", err)
		u = Understanding{SheetPurposes: map[string]string{}, UserIntent: query}
		for _, f := range frames {
			u.SheetPurposes[f.Sheet] = fmt.Sprintf("%d columns, %d rows", len(f.Columns), f.RowCount())
			u.KeyColumns = append(u.KeyColumns, f.Columns...)
		}
	}
	return u
}

const planSystemPrompt = `You plan statistical analyses for tabular data.
For each sheet pick techniques from exactly this menu:
descriptive, distribution, correlation, frequency, grouped, trend, time_series, joint.
Respond with only JSON mapping sheet name to a technique list, e.g. {"Sheet1": ["descriptive", "correlation"]}.`

func (p *Pipeline) planStatistics(ctx context.Context, frames []Frame, profiles map[string][]ColumnProfile, query string) Plan {
	prompt := describeFrames(frames, query) + "\n" + describeProfiles(profiles)
	var plan Plan
	if err := llm.RequestJSON(ctx, p.client, planSystemPrompt, prompt, &plan); err != nil {
		logging.Get(logging.CategoryTableFlow).Warnw("statistics planning fell back to default plan", "error", err)
		return DefaultPlan(frameSheets(frames))
	}
	plan = plan.Sanitize()
	if len(plan) == 0 {
		return DefaultPlan(frameSheets(frames))
	}
	return plan
}

const semanticsSystemPrompt = `You interpret the business meaning of analysed tabular data.
Given column profiles and statistical indicators, respond with only JSON:
{"column_semantics": {"<column>": "<meaning>"}, "semantic_relationships": [],
 "business_patterns": [], "recommended_analyses": [],
 "recommended_charts": [{"title": "", "type": "bar" | "pie" | "heatmap"}]}`

func (p *Pipeline) semanticAnalysis(ctx context.Context, profiles map[string][]ColumnProfile, calc *CalcResult, query string) Semantics {
	prompt := describeProfiles(profiles) + "\n" + describeIndicators(calc)
	if query != "" {
		prompt += "\nUser question: " + query
	}
	var sem Semantics
	if err := llm.RequestJSON(ctx, p.client, semanticsSystemPrompt, prompt, &sem); err != nil {
		logging.Get(logging.CategoryTableFlow).Warnw("semantic analysis fell back to skeleton", "error", err)
		sem = Semantics{ColumnSemantics: map[string]string{}}
		for _, sheetProfiles := range profiles {
			for _, p := range sheetProfiles {
				sem.ColumnSemantics[p.Name] = string(p.Type)
			}
		}
	}
	return sem
}

const interpretSystemPrompt = `You write a Markdown analysis report for tabular data. Structure it as:
## Executive Summary, ## Detailed Analysis, ## Key Findings, ## Statistical Summary,
## Recommendations, ## Conclusion. Be concrete; cite the numbers you were given.`

func (p *Pipeline) interpret(ctx context.Context, result *Result, query string) string {
	prompt := describeIndicators(result.Calc)
	if query != "" {
		prompt += "\nUser question: " + query
	}
	report, err := p.client.CompleteWithSystem(ctx, interpretSystemPrompt, prompt)
	if err != nil || strings.TrimSpace(report) == "" {
		logging.Get(logging.CategoryTableFlow).Warnw("interpretation fell back to generated summary", "error", err)
		return fallbackReport(result)
	}
	return report
}

func fallbackReport(result *Result) string {
	var b strings.Builder
	b.WriteString("## Executive Summary\n\n")
	fmt.Fprintf(&b, "Analysed %d sheet(s) with %d statistical technique result(s).\n\n",
		len(result.Profiles), result.Calc.CalculationCount())

	b.WriteString("## Statistical Summary\n\n")
	for _, sheet := range sortedSheets(result.Calc.Calculations) {
		indicators := result.Calc.Calculations[sheet]
		fmt.Fprintf(&b, "### %s\n\n", sheet)
		if desc, ok := indicators[TechDescriptive].(map[string]DescriptiveIndicator); ok {
			for _, name := range sortedKeys(desc) {
				d := desc[name]
				fmt.Fprintf(&b, "- %s: mean %.2f, std %.2f, range [%.2f, %.2f]\n", name, d.Mean, d.Std, d.Min, d.Max)
			}
		}
		b.WriteString("\n")
	}

	b.WriteString("## Conclusion\n\nAutomated interpretation was unavailable; the numbers above are the raw indicators.\n")
	return b.String()
}

func describeFrames(frames []Frame, query string) string {
	var b strings.Builder
	for _, f := range frames {
		fmt.Fprintf(&b, "Sheet %s (%d rows): columns %s\n", f.Sheet, f.RowCount(), strings.Join(f.Columns, ", "))
		if f.RowCount() > 0 {
			fmt.Fprintf(&b, "  first row: %s\n", strings.Join(f.Rows[0], ", "))
		}
	}
	if query != "" {
		b.WriteString("User question: " + query + "\n")
	}
	return b.String()
}

func describeProfiles(profiles map[string][]ColumnProfile) string {
	var b strings.Builder
	sheets := make([]string, 0, len(profiles))
	for s := range profiles {
		sheets = append(sheets, s)
	}
	sort.Strings(sheets)
	for _, sheet := range sheets {
		fmt.Fprintf(&b, "Sheet %s:\n", sheet)
		for _, p := range profiles[sheet] {
			fmt.Fprintf(&b, "  - %s: %s (%d values, %d unique)\n", p.Name, p.Type, p.NonEmpty, p.UniqueCount)
		}
	}
	return b.String()
}

func describeIndicators(calc *CalcResult) string {
	var b strings.Builder
	for _, sheet := range sortedSheets(calc.Calculations) {
		indicators := calc.Calculations[sheet]
		fmt.Fprintf(&b, "Sheet %s indicators:\n", sheet)
		techs := make([]string, 0, len(indicators))
		for t := range indicators {
			techs = append(techs, t)
		}
		sort.Strings(techs)
		for _, t := range techs {
			fmt.Fprintf(&b, "  %s: %+v\n", t, indicators[t])
		}
	}
	return b.String()
}

func hasAnalysableColumns(profiles map[string][]ColumnProfile) bool {
	for _, sheetProfiles := range profiles {
		for _, p := range sheetProfiles {
			switch p.Type {
			case TypeInteger, TypeFloat, TypeCategoricalNumeric, TypeCategoricalText, TypeBoolean, TypeDatetime:
				return true
			}
		}
	}
	return false
}

func sheetNames(frames []Frame) []string {
	names := make([]string, len(frames))
	for i, f := range frames {
		names[i] = f.Sheet
	}
	return names
}

func frameSheets(frames []Frame) []string { return sheetNames(frames) }

func chartTitles(charts []Chart) []string {
	titles := make([]string, len(charts))
	for i, c := range charts {
		titles[i] = c.Title
	}
	return titles
}

func sortedSheets(calculations map[string]SheetIndicators) []string {
	sheets := make([]string, 0, len(calculations))
	for s := range calculations {
		sheets = append(sheets, s)
	}
	sort.Strings(sheets)
	return sheets
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
