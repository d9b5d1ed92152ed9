package metrics

import "time"

// Record is a single persisted tool-execution entry.
type Record struct {
	ID         string    `json:"id"`
	Tool       string    `json:"tool"`
	Success    bool      `json:"success"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// ToolStats holds aggregated statistics for one tool.
type ToolStats struct {
	Tool            string    `json:"tool"`
	Executions      int       `json:"executions"`
	Successes       int       `json:"successes"`
	Failures        int       `json:"failures"`
	TotalDurationMS int64     `json:"total_duration_ms"`
	LastUsed        time.Time `json:"last_used"`
}

// SuccessRate returns the fraction of executions that succeeded, or 0 when
// the tool has never run.
func (s ToolStats) SuccessRate() float64 {
	if s.Executions == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Executions)
}

// AvgDuration returns the mean execution time.
func (s ToolStats) AvgDuration() time.Duration {
	if s.Executions == 0 {
		return 0
	}
	return time.Duration(s.TotalDurationMS/int64(s.Executions)) * time.Millisecond
}
