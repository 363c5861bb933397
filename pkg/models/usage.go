package models

import (
	"fmt"
	"time"
)

// Usage represents token usage from an LLM response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// UsageSample is one completed upstream call. Samples are append-only.
type UsageSample struct {
	ID           string    `json:"id"`
	CredentialID string    `json:"credential_id"`
	UserID       string    `json:"user_id,omitempty"`
	Model        string    `json:"model,omitempty"`
	Tokens       int64     `json:"tokens"`
	LatencyMs    int64     `json:"latency_ms"`
	Success      bool      `json:"success"`
	StatusCode   int       `json:"status_code,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Period is a trailing metrics window.
type Period string

const (
	Period1h  Period = "1h"
	Period3h  Period = "3h"
	Period8h  Period = "8h"
	Period24h Period = "24h"
	Period7d  Period = "7d"
	PeriodAll Period = "all"
)

// Periods lists every supported window, shortest first.
var Periods = []Period{Period1h, Period3h, Period8h, Period24h, Period7d, PeriodAll}

// ParsePeriod validates a period string. An empty string means PeriodAll.
func ParsePeriod(s string) (Period, error) {
	if s == "" {
		return PeriodAll, nil
	}
	p := Period(s)
	for _, known := range Periods {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown period %q (want 1h, 3h, 8h, 24h, 7d or all)", s)
}

// Duration returns the window length. PeriodAll has no length and returns 0.
func (p Period) Duration() time.Duration {
	switch p {
	case Period1h:
		return time.Hour
	case Period3h:
		return 3 * time.Hour
	case Period8h:
		return 8 * time.Hour
	case Period24h:
		return 24 * time.Hour
	case Period7d:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// Since returns the inclusive lower bound of the window ending at now.
// The boolean is false for PeriodAll, which has no lower bound.
func (p Period) Since(now time.Time) (time.Time, bool) {
	d := p.Duration()
	if d == 0 {
		return time.Time{}, false
	}
	return now.Add(-d), true
}

// UsageAggregate is the raw result of summing samples in a window.
type UsageAggregate struct {
	TotalRequests  int64
	TokensUsed     int64
	SuccessCount   int64
	SuccessLatency int64 // sum of latency over successful samples
}

// SystemMetrics is the windowed rollup served to the admin dashboard.
type SystemMetrics struct {
	Period        Period  `json:"period"`
	CredentialID  string  `json:"credential_id,omitempty"`
	TotalRequests int64   `json:"total_requests"`
	TokensUsed    int64   `json:"tokens_used"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	SuccessRate   float64 `json:"success_rate"`
}

// MetricsFromAggregate derives averages and ratios from raw sums.
func MetricsFromAggregate(p Period, credentialID string, agg UsageAggregate) SystemMetrics {
	m := SystemMetrics{
		Period:        p,
		CredentialID:  credentialID,
		TotalRequests: agg.TotalRequests,
		TokensUsed:    agg.TokensUsed,
	}
	if agg.SuccessCount > 0 {
		m.AvgLatencyMs = float64(agg.SuccessLatency) / float64(agg.SuccessCount)
	}
	if agg.TotalRequests > 0 {
		m.SuccessRate = float64(agg.SuccessCount) / float64(agg.TotalRequests)
	}
	return m
}

// HourlyCount is the number of requests that started in a given hour.
type HourlyCount struct {
	Hour     time.Time `json:"hour"`
	Requests int64     `json:"requests"`
	Tokens   int64     `json:"tokens"`
}
