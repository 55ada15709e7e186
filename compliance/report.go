package compliance

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const DefaultPassThreshold = 0.95

type CaseResult struct {
	Name       string         `json:"name"`
	Passed     bool           `json:"passed"`
	DurationMS int64          `json:"duration_ms"`
	Detail     map[string]any `json:"detail,omitempty"`
}

type Report struct {
	Target     string       `json:"target,omitempty"`
	StartedAt  string       `json:"started_at"`
	FinishedAt string       `json:"finished_at"`
	PassRate   float64      `json:"pass_rate"`
	Threshold  float64      `json:"threshold"`
	Cases      []CaseResult `json:"cases"`
}

func (r Report) Passed() bool {
	return r.PassRate >= r.Threshold
}

func (r Report) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

func (r Report) Markdown() string {
	var md strings.Builder
	md.WriteString("| Case | Status | Duration (ms) | Notes |\n")
	md.WriteString("| --- | --- | --- | --- |\n")
	for _, c := range r.Cases {
		status := "❌"
		if c.Passed {
			status = "✅"
		}
		notes := "-"
		if len(c.Detail) > 0 {
			if raw, err := json.Marshal(c.Detail); err == nil {
				notes = strings.ReplaceAll(string(raw), "|", `\|`)
			}
		}
		fmt.Fprintf(&md, "| %s | %s | %d | %s |\n", c.Name, status, c.DurationMS, notes)
	}
	threshold := math.Round(r.Threshold*10000) / 100
	fmt.Fprintf(&md, "\nPass rate: %.2f%% (threshold %s%%)", r.PassRate*100, strconv.FormatFloat(threshold, 'f', -1, 64))
	return md.String()
}

// Normalized returns a copy with timestamps, durations and latencies zeroed
// so two runs against the same server compare equal.
func (r Report) Normalized() Report {
	out := r
	out.StartedAt = ""
	out.FinishedAt = ""
	out.Cases = make([]CaseResult, len(r.Cases))
	for i, c := range r.Cases {
		c.DurationMS = 0
		if c.Detail != nil {
			c.Detail, _ = scrubTimings(c.Detail).(map[string]any)
		}
		out.Cases[i] = c
	}
	return out
}

var timingKeys = map[string]bool{
	"latency_ms":  true,
	"duration_ms": true,
}

func scrubTimings(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			if timingKeys[key] && item != nil {
				out[key] = 0
				continue
			}
			out[key] = scrubTimings(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = scrubTimings(item)
		}
		return out
	default:
		return value
	}
}

func passRate(cases []CaseResult) float64 {
	if len(cases) == 0 {
		return 0
	}
	passed := 0
	for _, c := range cases {
		if c.Passed {
			passed++
		}
	}
	return float64(passed) / float64(len(cases))
}

// detail round-trips through JSON so every value is a plain decoded type.
func detail(fields map[string]any) map[string]any {
	raw, err := json.Marshal(fields)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{"error": err.Error()}
	}
	return out
}
