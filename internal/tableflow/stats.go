package tableflow

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
)

// The technique menu is fixed; the planner picks from it and anything else is
// discarded.
const (
	TechDescriptive  = "descriptive"
	TechDistribution = "distribution"
	TechCorrelation  = "correlation"
	TechFrequency    = "frequency"
	TechGrouped      = "grouped"
	TechTrend        = "trend"
	TechTimeSeries   = "time_series"
	TechJoint        = "joint"
)

var knownTechniques = map[string]bool{
	TechDescriptive: true, TechDistribution: true, TechCorrelation: true,
	TechFrequency: true, TechGrouped: true, TechTrend: true,
	TechTimeSeries: true, TechJoint: true,
}

// Plan maps sheet name to the techniques to run on it.
type Plan map[string][]string

// DefaultPlan is the fallback when the planner model is unavailable: the four
// techniques that need no query context.
func DefaultPlan(sheets []string) Plan {
	p := Plan{}
	for _, s := range sheets {
		p[s] = []string{TechDescriptive, TechDistribution, TechCorrelation, TechFrequency}
	}
	return p
}

// Sanitize drops unknown techniques and empty sheets.
func (p Plan) Sanitize() Plan {
	out := Plan{}
	for sheet, techs := range p {
		var kept []string
		for _, t := range techs {
			if knownTechniques[strings.ToLower(t)] {
				kept = append(kept, strings.ToLower(t))
			}
		}
		if len(kept) > 0 {
			out[sheet] = kept
		}
	}
	return out
}

// CorrPair is one strong correlation between two numeric columns.
type CorrPair struct {
	ColumnA string  `json:"column_a"`
	ColumnB string  `json:"column_b"`
	R       float64 `json:"r"`
}

// strongCorrelation is the |r| threshold for a pair to be kept.
const strongCorrelation = 0.7

// indicatorSizeCap bounds the serialized indicator payload; above it the
// indicators are pruned to the top columns.
const indicatorSizeCap = 50 * 1024

// indicatorColumnCap is how many columns survive pruning.
const indicatorColumnCap = 10

// DescriptiveIndicator is the simplified descriptive result for one column.
type DescriptiveIndicator struct {
	Mean   float64 `json:"mean"`
	Std    float64 `json:"std"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Median float64 `json:"median"`
}

// DistributionIndicator keeps only shape, not the raw histogram.
type DistributionIndicator struct {
	Skewness float64 `json:"skewness"`
	Kurtosis float64 `json:"kurtosis"`
	Shape    string  `json:"type"`
}

// FrequencyIndicator keeps counts and the ten most frequent values.
type FrequencyIndicator struct {
	UniqueCount int            `json:"unique_count"`
	TotalCount  int            `json:"total_count"`
	Top10       map[string]int `json:"top_10"`
}

// GroupedIndicator is per-group means of one numeric column.
type GroupedIndicator struct {
	GroupColumn string             `json:"group_column"`
	ValueColumn string             `json:"value_column"`
	GroupMeans  map[string]float64 `json:"group_means"`
}

// TrendIndicator is a least-squares slope over row order.
type TrendIndicator struct {
	Column    string  `json:"column"`
	Slope     float64 `json:"slope"`
	Direction string  `json:"direction"`
}

// TimeSeriesIndicator summarises rows along the datetime column.
type TimeSeriesIndicator struct {
	TimeColumn string `json:"time_column"`
	Earliest   string `json:"earliest"`
	Latest     string `json:"latest"`
	RowCount   int    `json:"row_count"`
}

// JointIndicator is the covariance of a numeric column pair.
type JointIndicator struct {
	ColumnA    string  `json:"column_a"`
	ColumnB    string  `json:"column_b"`
	Covariance float64 `json:"covariance"`
}

// SheetIndicators is the per-technique simplified output for one sheet.
type SheetIndicators map[string]any

// CalcResult is the statistics-calculation stage output: simplified
// indicators plus the per-sheet charts synthesised from them.
type CalcResult struct {
	Calculations map[string]SheetIndicators `json:"calculations"`
	Charts       []Chart                    `json:"charts"`
}

// CalculationCount reports how many technique results exist across sheets.
func (c *CalcResult) CalculationCount() int {
	n := 0
	for _, sheet := range c.Calculations {
		n += len(sheet)
	}
	return n
}

// ChartCount reports the number of synthesised charts.
func (c *CalcResult) ChartCount() int { return len(c.Charts) }

// Calculate runs the plan against the frames. Charts are built from the
// indicators, never from the raw frames.
func Calculate(frames []Frame, profiles map[string][]ColumnProfile, plan Plan) *CalcResult {
	result := &CalcResult{Calculations: map[string]SheetIndicators{}}
	for i := range frames {
		frame := &frames[i]
		techs := plan[frame.Sheet]
		if len(techs) == 0 {
			continue
		}
		sheetProfiles := profiles[frame.Sheet]
		indicators := SheetIndicators{}
		for _, tech := range techs {
			if out := runTechnique(tech, frame, sheetProfiles); out != nil {
				indicators[tech] = out
			}
		}
		if len(indicators) == 0 {
			continue
		}
		pruneIndicators(indicators)
		result.Calculations[frame.Sheet] = indicators
		result.Charts = append(result.Charts, sheetCharts(frame.Sheet, indicators)...)
	}
	return result
}

func runTechnique(tech string, frame *Frame, profiles []ColumnProfile) any {
	switch tech {
	case TechDescriptive:
		return descriptive(frame, profiles)
	case TechDistribution:
		return distribution(frame, profiles)
	case TechCorrelation:
		return correlation(frame, profiles)
	case TechFrequency:
		return frequency(frame, profiles)
	case TechGrouped:
		return grouped(frame, profiles)
	case TechTrend:
		return trend(frame, profiles)
	case TechTimeSeries:
		return timeSeries(frame, profiles)
	case TechJoint:
		return joint(frame, profiles)
	default:
		return nil
	}
}

// numericColumns keeps every numeric column at full frame length, marking
// unparsable cells as NaN. Dropping cells here would shift later values up a
// row and misalign column pairs.
func numericColumns(frame *Frame, profiles []ColumnProfile) map[string][]float64 {
	out := map[string][]float64{}
	for i, p := range profiles {
		switch p.Type {
		case TypeInteger, TypeFloat, TypeCategoricalNumeric:
		default:
			continue
		}
		cells := frame.Column(i)
		values := make([]float64, len(cells))
		parsed := 0
		for j, cell := range cells {
			if v, err := strconv.ParseFloat(strings.TrimSpace(cell), 64); err == nil {
				values[j] = v
				parsed++
			} else {
				values[j] = math.NaN()
			}
		}
		if parsed > 0 {
			out[p.Name] = values
		}
	}
	return out
}

// dense strips the NaN padding for techniques that treat a column in
// isolation.
func dense(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}

// alignedPairs keeps only rows where both cells parsed.
func alignedPairs(a, b []float64) (x, y []float64) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if math.IsNaN(a[i]) || math.IsNaN(b[i]) {
			continue
		}
		x = append(x, a[i])
		y = append(y, b[i])
	}
	return x, y
}

func descriptive(frame *Frame, profiles []ColumnProfile) any {
	cols := numericColumns(frame, profiles)
	if len(cols) == 0 {
		return nil
	}
	out := map[string]DescriptiveIndicator{}
	for name, padded := range cols {
		values := dense(padded)
		m := mean(values)
		out[name] = DescriptiveIndicator{
			Mean: m, Std: stddev(values, m),
			Min: minOf(values), Max: maxOf(values), Median: median(values),
		}
	}
	return out
}

func distribution(frame *Frame, profiles []ColumnProfile) any {
	cols := numericColumns(frame, profiles)
	if len(cols) == 0 {
		return nil
	}
	out := map[string]DistributionIndicator{}
	for name, padded := range cols {
		values := dense(padded)
		skew := skewness(values)
		kurt := kurtosis(values)
		shape := "approximately_normal"
		switch {
		case math.Abs(skew) > 1:
			shape = "highly_skewed"
		case math.Abs(skew) > 0.5:
			shape = "moderately_skewed"
		}
		out[name] = DistributionIndicator{Skewness: skew, Kurtosis: kurt, Shape: shape}
	}
	return out
}

// correlation keeps only the strong pairs, never the full matrix.
func correlation(frame *Frame, profiles []ColumnProfile) any {
	cols := numericColumns(frame, profiles)
	if len(cols) < 2 {
		return nil
	}
	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	sort.Strings(names)

	var pairs []CorrPair
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			r := pearson(cols[names[i]], cols[names[j]])
			if math.Abs(r) > strongCorrelation {
				pairs = append(pairs, CorrPair{ColumnA: names[i], ColumnB: names[j], R: r})
			}
		}
	}
	sort.Slice(pairs, func(a, b int) bool {
		return math.Abs(pairs[a].R) > math.Abs(pairs[b].R)
	})
	return map[string]any{"strong_pairs": pairs}
}

func frequency(frame *Frame, profiles []ColumnProfile) any {
	out := map[string]FrequencyIndicator{}
	for i, p := range profiles {
		if p.Type != TypeCategoricalText && p.Type != TypeCategoricalNumeric && p.Type != TypeBoolean {
			continue
		}
		counts := map[string]int{}
		total := 0
		for _, cell := range frame.Column(i) {
			cell = strings.TrimSpace(cell)
			if cell == "" {
				continue
			}
			counts[cell]++
			total++
		}
		out[p.Name] = FrequencyIndicator{
			UniqueCount: len(counts),
			TotalCount:  total,
			Top10:       topN(counts, 10),
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func grouped(frame *Frame, profiles []ColumnProfile) any {
	groupIdx := -1
	for i, p := range profiles {
		if p.Type == TypeCategoricalText || p.Type == TypeBoolean {
			groupIdx = i
			break
		}
	}
	if groupIdx == -1 {
		return nil
	}
	valueIdx := -1
	for i, p := range profiles {
		if p.Type == TypeInteger || p.Type == TypeFloat {
			valueIdx = i
			break
		}
	}
	if valueIdx == -1 {
		return nil
	}

	sums := map[string]float64{}
	counts := map[string]int{}
	groups := frame.Column(groupIdx)
	values := frame.Column(valueIdx)
	for i := range groups {
		g := strings.TrimSpace(groups[i])
		v, err := strconv.ParseFloat(strings.TrimSpace(values[i]), 64)
		if g == "" || err != nil {
			continue
		}
		sums[g] += v
		counts[g]++
	}
	if len(counts) == 0 {
		return nil
	}
	means := map[string]float64{}
	for g, sum := range sums {
		means[g] = sum / float64(counts[g])
	}
	return GroupedIndicator{
		GroupColumn: profiles[groupIdx].Name,
		ValueColumn: profiles[valueIdx].Name,
		GroupMeans:  means,
	}
}

func trend(frame *Frame, profiles []ColumnProfile) any {
	cols := numericColumns(frame, profiles)
	if len(cols) == 0 {
		return nil
	}
	out := map[string]TrendIndicator{}
	for name, padded := range cols {
		values := dense(padded)
		if len(values) < 2 {
			continue
		}
		slope := linearSlope(values)
		dir := "flat"
		if slope > 1e-9 {
			dir = "increasing"
		} else if slope < -1e-9 {
			dir = "decreasing"
		}
		out[name] = TrendIndicator{Column: name, Slope: slope, Direction: dir}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func timeSeries(frame *Frame, profiles []ColumnProfile) any {
	for _, p := range profiles {
		if p.Type == TypeDatetime && p.Datetime != nil {
			return TimeSeriesIndicator{
				TimeColumn: p.Name,
				Earliest:   p.Datetime.Earliest,
				Latest:     p.Datetime.Latest,
				RowCount:   frame.RowCount(),
			}
		}
	}
	return nil
}

func joint(frame *Frame, profiles []ColumnProfile) any {
	cols := numericColumns(frame, profiles)
	if len(cols) < 2 {
		return nil
	}
	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []JointIndicator
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			out = append(out, JointIndicator{
				ColumnA:    names[i],
				ColumnB:    names[j],
				Covariance: covariance(cols[names[i]], cols[names[j]]),
			})
		}
	}
	return out
}

// pruneIndicators enforces the serialized size cap by keeping only the first
// indicatorColumnCap columns (by name) of each per-column map.
func pruneIndicators(indicators SheetIndicators) {
	raw, err := json.Marshal(indicators)
	if err != nil || len(raw) <= indicatorSizeCap {
		return
	}
	for tech, payload := range indicators {
		switch m := payload.(type) {
		case map[string]DescriptiveIndicator:
			indicators[tech] = keepTopColumns(m)
		case map[string]DistributionIndicator:
			indicators[tech] = keepTopColumns(m)
		case map[string]FrequencyIndicator:
			indicators[tech] = keepTopColumns(m)
		case map[string]TrendIndicator:
			indicators[tech] = keepTopColumns(m)
		}
	}
}

func keepTopColumns[V any](m map[string]V) map[string]V {
	if len(m) <= indicatorColumnCap {
		return m
	}
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make(map[string]V, indicatorColumnCap)
	for _, name := range names[:indicatorColumnCap] {
		out[name] = m[name]
	}
	return out
}

// CorrelationSummary is the cross-sheet aggregation stage output.
type CorrelationSummary struct {
	StrongPairs map[string][]CorrPair `json:"strong_pairs"`
	Charts      []Chart               `json:"charts"`
}

// AggregateCorrelations collects strong pairs across sheets and recommends a
// heatmap plus up to three scatter charts for the strongest pairs.
func AggregateCorrelations(calc *CalcResult) *CorrelationSummary {
	summary := &CorrelationSummary{StrongPairs: map[string][]CorrPair{}}
	var all []struct {
		sheet string
		pair  CorrPair
	}
	for sheet, indicators := range calc.Calculations {
		payload, ok := indicators[TechCorrelation].(map[string]any)
		if !ok {
			continue
		}
		pairs, ok := payload["strong_pairs"].([]CorrPair)
		if !ok || len(pairs) == 0 {
			continue
		}
		summary.StrongPairs[sheet] = pairs
		for _, p := range pairs {
			all = append(all, struct {
				sheet string
				pair  CorrPair
			}{sheet, p})
		}
	}
	if len(all) == 0 {
		return summary
	}
	sort.Slice(all, func(i, j int) bool {
		return math.Abs(all[i].pair.R) > math.Abs(all[j].pair.R)
	})

	summary.Charts = append(summary.Charts, correlationHeatmap("all sheets", flattenPairs(summary.StrongPairs)))
	for i := 0; i < len(all) && i < 3; i++ {
		summary.Charts = append(summary.Charts, scatterChart(all[i].sheet, all[i].pair))
	}
	return summary
}

func flattenPairs(bySheet map[string][]CorrPair) []CorrPair {
	var out []CorrPair
	sheets := make([]string, 0, len(bySheet))
	for s := range bySheet {
		sheets = append(sheets, s)
	}
	sort.Strings(sheets)
	for _, s := range sheets {
		out = append(out, bySheet[s]...)
	}
	return out
}

func topN(counts map[string]int, n int) map[string]int {
	type kv struct {
		k string
		v int
	}
	pairs := make([]kv, 0, len(counts))
	for k, v := range counts {
		pairs = append(pairs, kv{k, v})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].v != pairs[j].v {
			return pairs[i].v > pairs[j].v
		}
		return pairs[i].k < pairs[j].k
	})
	if len(pairs) > n {
		pairs = pairs[:n]
	}
	out := make(map[string]int, len(pairs))
	for _, p := range pairs {
		out[p.k] = p.v
	}
	return out
}

func mean(values []float64) float64 {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stddev(values []float64, m float64) float64 {
	if len(values) < 2 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		d := v - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)-1))
}

func minOf(values []float64) float64 {
	m := values[0]
	for _, v := range values {
		if v < m {
			m = v
		}
	}
	return m
}

func maxOf(values []float64) float64 {
	m := values[0]
	for _, v := range values {
		if v > m {
			m = v
		}
	}
	return m
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func skewness(values []float64) float64 {
	n := float64(len(values))
	if n < 3 {
		return 0
	}
	m := mean(values)
	s := stddev(values, m)
	if s == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		d := (v - m) / s
		sum += d * d * d
	}
	return n / ((n - 1) * (n - 2)) * sum
}

func kurtosis(values []float64) float64 {
	n := float64(len(values))
	if n < 4 {
		return 0
	}
	m := mean(values)
	s := stddev(values, m)
	if s == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		d := (v - m) / s
		sum += d * d * d * d
	}
	return n*(n+1)/((n-1)*(n-2)*(n-3))*sum - 3*(n-1)*(n-1)/((n-2)*(n-3))
}

func pearson(a, b []float64) float64 {
	a, b = alignedPairs(a, b)
	n := len(a)
	if n < 2 {
		return 0
	}
	ma, mb := mean(a), mean(b)
	var num, da, db float64
	for i := 0; i < n; i++ {
		x, y := a[i]-ma, b[i]-mb
		num += x * y
		da += x * x
		db += y * y
	}
	if da == 0 || db == 0 {
		return 0
	}
	return num / math.Sqrt(da*db)
}

func covariance(a, b []float64) float64 {
	a, b = alignedPairs(a, b)
	n := len(a)
	if n < 2 {
		return 0
	}
	ma, mb := mean(a), mean(b)
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += (a[i] - ma) * (b[i] - mb)
	}
	return sum / float64(n-1)
}

func linearSlope(values []float64) float64 {
	n := float64(len(values))
	var sumX, sumY, sumXY, sumXX float64
	for i, v := range values {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}
