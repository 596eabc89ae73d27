// Package explain renders forecasts, risk assessments, anomaly reports and
// scenarios as summaries with weighted factors and a confidence bucket. It
// only restates values already present in its input.
package explain

import (
	"fmt"
	"sort"
	"strings"

	"cityflow/anomaly"
	"cityflow/forecast"
	"cityflow/models"
	"cityflow/risk"
	"cityflow/scenario"
)

const (
	LevelHigh   = "high"
	LevelMedium = "medium"
	LevelLow    = "low"
)

type Factor struct {
	Name   string  `json:"factor"`
	Impact string  `json:"impact"`
	Weight float64 `json:"weight"`
}

type Confidence struct {
	Level  string  `json:"level"`
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

type Explanation struct {
	Summary    string     `json:"summary"`
	Factors    []Factor   `json:"factors"`
	Reasoning  string     `json:"reasoning"`
	Confidence Confidence `json:"confidence_breakdown"`
}

// Bucket maps a confidence score to high (≥0.8), medium (≥0.6) or low.
func Bucket(score float64) string {
	switch {
	case score >= 0.8:
		return LevelHigh
	case score >= 0.6:
		return LevelMedium
	default:
		return LevelLow
	}
}

func confidence(score float64, reasons map[string]string) Confidence {
	level := Bucket(score)
	return Confidence{Level: level, Score: score, Reason: reasons[level]}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func Forecast(r forecast.Result) Explanation {
	conf := confidence(r.Confidence, map[string]string{
		LevelHigh:   "Strong historical pattern detected",
		LevelMedium: "Moderate historical pattern with some variance",
		LevelLow:    "Insufficient data or high variance in historical patterns",
	})
	if len(r.Predictions) == 0 {
		return Explanation{
			Summary:    fmt.Sprintf("No forecast for %s: %s", r.City, r.Explanation),
			Factors:    []Factor{{Name: "Historical data", Impact: fmt.Sprintf("%d samples available", r.DataPoints), Weight: 1}},
			Reasoning:  r.Explanation,
			Confidence: conf,
		}
	}

	factors := []Factor{
		{Name: "Historical data", Impact: fmt.Sprintf("%d samples in the fitting window", r.DataPoints), Weight: 0.5},
	}
	var trends []string
	for _, f := range r.Fits {
		trends = append(trends, fmt.Sprintf("%s %s (R² %.2f)", f.Metric, f.Trend(), f.R2))
	}
	factors = append(factors,
		Factor{Name: "Trend analysis", Impact: strings.Join(trends, ", "), Weight: 0.3},
		Factor{Name: "Exponential smoothing", Impact: "recent readings weighted into the current level", Weight: 0.2},
	)

	first, last := r.Predictions[0], r.Predictions[len(r.Predictions)-1]
	reasoning := fmt.Sprintf(
		"This %s forecast fits %d samples from %s. It averages a least-squares trend with an exponentially smoothed level. "+
			"Confidence is %s (%.2f) because %s. Day-level confidence falls from %.2f on day %d to %.2f on day %d.",
		r.Method, r.DataPoints, r.City, conf.Level, r.Confidence, strings.ToLower(conf.Reason),
		first.Confidence, first.Offset, last.Confidence, last.Offset)

	return Explanation{
		Summary:    fmt.Sprintf("%s confidence %d-day forecast for %s based on %d samples", capitalize(conf.Level), len(r.Predictions), r.City, r.DataPoints),
		Factors:    factors,
		Reasoning:  reasoning,
		Confidence: conf,
	}
}

func contribution(score float64) string {
	switch {
	case score >= 0.5:
		return "contributing significantly"
	case score >= 0.3:
		return "contributing moderately"
	default:
		return "minimal impact"
	}
}

func Risk(a risk.Assessment) Explanation {
	components := a.Components.List()
	sorted := append([]risk.Component(nil), components...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score*sorted[i].Weight > sorted[j].Score*sorted[j].Weight })

	factors := make([]Factor, 0, len(sorted))
	var weights, details []string
	for _, c := range components {
		weights = append(weights, fmt.Sprintf("%s %.0f%%", c.Name, c.Weight*100))
	}
	for _, c := range sorted {
		factors = append(factors, Factor{
			Name:   capitalize(c.Name),
			Impact: fmt.Sprintf("%s (%.2f/1.0)", contribution(c.Score), c.Score),
			Weight: c.Weight,
		})
		details = append(details, fmt.Sprintf("%s %.2f: %s", capitalize(c.Name), c.Score, c.Explanation))
	}

	reasoning := fmt.Sprintf("Risk score of %.2f puts %s at %s risk. The score is a weighted sum: %s. %s.",
		a.OverallScore, a.City, a.Level, strings.Join(weights, ", "), strings.Join(details, ". "))
	if len(a.Recommendations) > 0 {
		reasoning += " Recommended: " + strings.Join(a.Recommendations, " ")
	}

	return Explanation{
		Summary:   fmt.Sprintf("%s risk (%.2f/1.0) in %s, led by %s", capitalize(a.Level), a.OverallScore, a.City, sorted[0].Name),
		Factors:   factors,
		Reasoning: reasoning,
		Confidence: confidence(a.Confidence, map[string]string{
			LevelHigh:   "Fresh readings for most components",
			LevelMedium: "Some components rely on partial data",
			LevelLow:    "Most components lack recent data and were scored neutral",
		}),
	}
}

func Anomalies(r anomaly.Report) Explanation {
	conf := confidence(r.Confidence, map[string]string{
		LevelHigh:   "Long history for the statistical baselines",
		LevelMedium: "Enough history for a baseline, with limited depth",
		LevelLow:    "Too little history for a reliable baseline",
	})
	if r.TotalCount == 0 {
		return Explanation{
			Summary:    fmt.Sprintf("No anomalies detected in %s", r.City),
			Factors:    []Factor{{Name: "Statistical analysis", Impact: "all latest readings within expected bounds", Weight: 1}},
			Reasoning:  fmt.Sprintf("Analysed %d samples. %s", r.SamplesAnalyzed, r.Explanation),
			Confidence: conf,
		}
	}

	count := map[string]int{}
	var zscore, iqr int
	var lines []string
	for _, f := range r.All() {
		count[f.Severity]++
		if f.Method == anomaly.MethodIQR {
			iqr++
		} else {
			zscore++
		}
		lines = append(lines, f.Explanation)
	}
	total := float64(zscore + iqr)
	var factors []Factor
	if zscore > 0 {
		factors = append(factors, Factor{Name: "Z-score analysis", Impact: fmt.Sprintf("%d environment/service readings off their baseline", zscore), Weight: float64(zscore) / total})
	}
	if iqr > 0 {
		factors = append(factors, Factor{Name: "IQR method", Impact: fmt.Sprintf("%d zone congestion readings outside the fences", iqr), Weight: float64(iqr) / total})
	}

	return Explanation{
		Summary: fmt.Sprintf("%d anomalies detected in %s (%d high, %d medium, %d low)",
			r.TotalCount, r.City, count[models.SeverityHigh], count[models.SeverityMedium], count[models.SeverityLow]),
		Factors:    factors,
		Reasoning:  fmt.Sprintf("Analysed %d samples. %s", r.SamplesAnalyzed, strings.Join(lines, "; ")),
		Confidence: conf,
	}
}

func Scenario(r scenario.Result) Explanation {
	var positive, tradeoffs int
	factors := make([]Factor, 0, len(r.Impacts))
	for _, im := range r.Impacts {
		switch im.Direction {
		case models.DirectionDecrease:
			positive++
		case models.DirectionIncrease:
			tradeoffs++
		}
		impact := fmt.Sprintf("%s %.1f%%", im.Direction, im.ChangePercent)
		if im.Direction == models.DirectionBaseline {
			impact = "baseline context"
		}
		factors = append(factors, Factor{Name: im.Metric, Impact: impact, Weight: im.Confidence})
	}
	return Explanation{
		Summary: fmt.Sprintf("Scenario for zone %s of %s analysed with %.0f%% confidence: %d improvements, %d trade-offs",
			r.Zone, r.City, r.OverallConfidence*100, positive, tradeoffs),
		Factors:   factors,
		Reasoning: r.Explanation + " " + r.Recommendation,
		Confidence: confidence(r.OverallConfidence, map[string]string{
			LevelHigh:   "Impacts rest on well-established correlations",
			LevelMedium: "Mean of fixed per-impact confidences; some impacts are weakly correlated",
			LevelLow:    "Too few reliable correlations for this policy",
		}),
	}
}
