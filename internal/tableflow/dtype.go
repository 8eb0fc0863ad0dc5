package tableflow

import (
	"strconv"
	"strings"
	"time"
)

// ColumnType is the analytical type of one column.
type ColumnType string

const (
	TypeInteger            ColumnType = "integer"
	TypeFloat              ColumnType = "float"
	TypeDatetime           ColumnType = "datetime"
	TypeBoolean            ColumnType = "boolean"
	TypeCategoricalText    ColumnType = "categorical_text"
	TypeCategoricalNumeric ColumnType = "categorical_numeric"
	TypeText               ColumnType = "text"
	TypeUnknown            ColumnType = "unknown"
)

// categoricalRatio: a column whose distinct values cover less than this share
// of its non-empty cells is treated as categorical.
const categoricalRatio = 0.1

// parseShare: at least this share of non-empty cells must parse as a type for
// the column to take it.
const parseShare = 0.8

// NumericStats summarises a numeric column.
type NumericStats struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// TextStats summarises a text column by value length.
type TextStats struct {
	MinLen int     `json:"min_len"`
	MaxLen int     `json:"max_len"`
	AvgLen float64 `json:"avg_len"`
}

// DatetimeStats is the observed date range.
type DatetimeStats struct {
	Earliest string `json:"earliest"`
	Latest   string `json:"latest"`
}

// ColumnProfile is the data-type stage's verdict on one column.
type ColumnProfile struct {
	Name            string         `json:"name"`
	Type            ColumnType     `json:"type"`
	NonEmpty        int            `json:"non_empty"`
	UniqueCount     int            `json:"unique_count"`
	UniquenessRatio float64        `json:"uniqueness_ratio"`
	Numeric         *NumericStats  `json:"numeric,omitempty"`
	Text            *TextStats     `json:"text,omitempty"`
	Datetime        *DatetimeStats `json:"datetime,omitempty"`
}

var datetimeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
}

func parseDatetime(s string) (time.Time, bool) {
	for _, layout := range datetimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseBool(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "true", "yes", "y":
		return true, true
	case "false", "no", "n":
		return false, true
	}
	return false, false
}

// ProfileFrame classifies every column of a frame.
func ProfileFrame(f *Frame) []ColumnProfile {
	profiles := make([]ColumnProfile, len(f.Columns))
	for i, name := range f.Columns {
		profiles[i] = profileColumn(name, f.Column(i))
	}
	return profiles
}

func profileColumn(name string, cells []string) ColumnProfile {
	var (
		values    []string
		ints      int
		floats    []float64
		datetimes []time.Time
		bools     int
	)
	unique := map[string]bool{}
	for _, c := range cells {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		values = append(values, c)
		unique[c] = true
		if _, err := strconv.ParseInt(c, 10, 64); err == nil {
			ints++
		}
		if v, err := strconv.ParseFloat(c, 64); err == nil {
			floats = append(floats, v)
		}
		if t, ok := parseDatetime(c); ok {
			datetimes = append(datetimes, t)
		}
		if _, ok := parseBool(c); ok {
			bools++
		}
	}

	p := ColumnProfile{Name: name, NonEmpty: len(values), UniqueCount: len(unique)}
	if len(values) == 0 {
		p.Type = TypeUnknown
		return p
	}
	p.UniquenessRatio = float64(len(unique)) / float64(len(values))

	n := float64(len(values))
	switch {
	case float64(bools)/n >= parseShare:
		p.Type = TypeBoolean
	case float64(len(datetimes))/n >= parseShare:
		p.Type = TypeDatetime
		p.Datetime = datetimeRange(datetimes)
	case float64(ints)/n >= parseShare:
		p.Type = TypeInteger
		if p.UniquenessRatio < categoricalRatio {
			p.Type = TypeCategoricalNumeric
		}
		p.Numeric = numericStats(floats)
	case float64(len(floats))/n >= parseShare:
		p.Type = TypeFloat
		if p.UniquenessRatio < categoricalRatio {
			p.Type = TypeCategoricalNumeric
		}
		p.Numeric = numericStats(floats)
	default:
		p.Type = TypeText
		if p.UniquenessRatio < categoricalRatio {
			p.Type = TypeCategoricalText
		}
		p.Text = textStats(values)
	}
	return p
}

func numericStats(values []float64) *NumericStats {
	if len(values) == 0 {
		return nil
	}
	s := &NumericStats{Min: values[0], Max: values[0]}
	for _, v := range values {
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
		s.Mean += v
	}
	s.Mean /= float64(len(values))
	s.Std = stddev(values, s.Mean)
	return s
}

func textStats(values []string) *TextStats {
	s := &TextStats{MinLen: len([]rune(values[0]))}
	total := 0
	for _, v := range values {
		l := len([]rune(v))
		if l < s.MinLen {
			s.MinLen = l
		}
		if l > s.MaxLen {
			s.MaxLen = l
		}
		total += l
	}
	s.AvgLen = float64(total) / float64(len(values))
	return s
}

func datetimeRange(ts []time.Time) *DatetimeStats {
	earliest, latest := ts[0], ts[0]
	for _, t := range ts {
		if t.Before(earliest) {
			earliest = t
		}
		if t.After(latest) {
			latest = t
		}
	}
	return &DatetimeStats{
		Earliest: earliest.Format("2006-01-02"),
		Latest:   latest.Format("2006-01-02"),
	}
}
