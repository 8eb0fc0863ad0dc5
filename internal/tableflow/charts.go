package tableflow

import (
	"encoding/json"
	"fmt"
	"sort"
)

// maxChartsPerSheet bounds the charts synthesised from one sheet's
// indicators.
const maxChartsPerSheet = 3

// maxTotalCharts bounds the final chart list after merging all sources.
const maxTotalCharts = 5

// Chart is one ECharts option with identifying metadata. Options are plain
// maps so the frontend receives exactly what ECharts expects.
type Chart struct {
	Title  string         `json:"title"`
	Kind   string         `json:"type"`
	Sheet  string         `json:"sheet,omitempty"`
	Option map[string]any `json:"option"`
}

// EncodeOption serialises the option with the transport prefix. The prefix
// is part of the wire contract; clients split on "option=".
func (c Chart) EncodeOption() (string, error) {
	raw, err := json.Marshal(c.Option)
	if err != nil {
		return "", fmt.Errorf("failed to encode chart %q: %w", c.Title, err)
	}
	return "option=" + string(raw), nil
}

// sheetCharts synthesises up to three charts from one sheet's indicators:
// a descriptive bar, a correlation heatmap, and a frequency pie, in that
// priority order.
func sheetCharts(sheet string, indicators SheetIndicators) []Chart {
	var charts []Chart
	if desc, ok := indicators[TechDescriptive].(map[string]DescriptiveIndicator); ok && len(desc) > 0 {
		charts = append(charts, descriptiveBar(sheet, desc))
	}
	if corr, ok := indicators[TechCorrelation].(map[string]any); ok {
		if pairs, ok := corr["strong_pairs"].([]CorrPair); ok && len(pairs) > 0 {
			charts = append(charts, correlationHeatmap(sheet, pairs))
		}
	}
	if freq, ok := indicators[TechFrequency].(map[string]FrequencyIndicator); ok && len(freq) > 0 {
		charts = append(charts, frequencyPie(sheet, freq))
	}
	if len(charts) > maxChartsPerSheet {
		charts = charts[:maxChartsPerSheet]
	}
	return charts
}

func descriptiveBar(sheet string, desc map[string]DescriptiveIndicator) Chart {
	names := make([]string, 0, len(desc))
	for name := range desc {
		names = append(names, name)
	}
	sort.Strings(names)
	means := make([]float64, len(names))
	for i, name := range names {
		means[i] = desc[name].Mean
	}
	title := fmt.Sprintf("%s: column means", sheet)
	return Chart{
		Title: title,
		Kind:  "bar",
		Sheet: sheet,
		Option: map[string]any{
			"title":  map[string]any{"text": title},
			"xAxis":  map[string]any{"type": "category", "data": names},
			"yAxis":  map[string]any{"type": "value"},
			"series": []map[string]any{{"type": "bar", "data": means}},
		},
	}
}

func correlationHeatmap(sheet string, pairs []CorrPair) Chart {
	axisSet := map[string]bool{}
	for _, p := range pairs {
		axisSet[p.ColumnA] = true
		axisSet[p.ColumnB] = true
	}
	axis := make([]string, 0, len(axisSet))
	for name := range axisSet {
		axis = append(axis, name)
	}
	sort.Strings(axis)
	index := map[string]int{}
	for i, name := range axis {
		index[name] = i
	}

	data := make([][3]any, 0, len(pairs))
	for _, p := range pairs {
		data = append(data, [3]any{index[p.ColumnA], index[p.ColumnB], p.R})
	}
	title := fmt.Sprintf("%s: strong correlations", sheet)
	return Chart{
		Title: title,
		Kind:  "heatmap",
		Sheet: sheet,
		Option: map[string]any{
			"title":     map[string]any{"text": title},
			"xAxis":     map[string]any{"type": "category", "data": axis},
			"yAxis":     map[string]any{"type": "category", "data": axis},
			"visualMap": map[string]any{"min": -1, "max": 1, "calculable": true},
			"series":    []map[string]any{{"type": "heatmap", "data": data}},
		},
	}
}

func frequencyPie(sheet string, freq map[string]FrequencyIndicator) Chart {
	// One pie per chart; pick the first column by name for determinism.
	names := make([]string, 0, len(freq))
	for name := range freq {
		names = append(names, name)
	}
	sort.Strings(names)
	column := names[0]

	values := make([]string, 0, len(freq[column].Top10))
	for v := range freq[column].Top10 {
		values = append(values, v)
	}
	sort.Strings(values)
	data := make([]map[string]any, 0, len(values))
	for _, v := range values {
		data = append(data, map[string]any{"name": v, "value": freq[column].Top10[v]})
	}

	title := fmt.Sprintf("%s: %s frequency", sheet, column)
	return Chart{
		Title: title,
		Kind:  "pie",
		Sheet: sheet,
		Option: map[string]any{
			"title":  map[string]any{"text": title},
			"series": []map[string]any{{"type": "pie", "radius": "60%", "data": data}},
		},
	}
}

func scatterChart(sheet string, pair CorrPair) Chart {
	title := fmt.Sprintf("%s: %s vs %s", sheet, pair.ColumnA, pair.ColumnB)
	return Chart{
		Title: title,
		Kind:  "scatter",
		Sheet: sheet,
		Option: map[string]any{
			"title":  map[string]any{"text": title, "subtext": fmt.Sprintf("r = %.2f", pair.R)},
			"xAxis":  map[string]any{"type": "value", "name": pair.ColumnA},
			"yAxis":  map[string]any{"type": "value", "name": pair.ColumnB},
			"series": []map[string]any{{"type": "scatter"}},
		},
	}
}

// mergeCharts combines chart sources in priority order, deduplicating by
// title and capping the total.
func mergeCharts(sources ...[]Chart) []Chart {
	seen := map[string]bool{}
	var out []Chart
	for _, src := range sources {
		for _, c := range src {
			if c.Title == "" || seen[c.Title] {
				continue
			}
			seen[c.Title] = true
			out = append(out, c)
			if len(out) == maxTotalCharts {
				return out
			}
		}
	}
	return out
}
