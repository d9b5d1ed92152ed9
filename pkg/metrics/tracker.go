// Quill - policy-gated agent execution runtime
// License: MIT
//
// Copyright (c) 2026 Quill contributors

// Package metrics aggregates per-tool execution statistics with JSONL
// persistence. The tracker subscribes to the event stream and records every
// terminal tool event; consumers query aggregates for reporting.
package metrics

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/quillforge/quill/pkg/config"
	"github.com/quillforge/quill/pkg/events"
	"github.com/quillforge/quill/pkg/logger"
)

// Tracker tracks tool executions with JSONL persistence. All methods are
// nil-safe so callers need no enabled-check at each use site.
type Tracker struct {
	storagePath string
	mu          sync.Mutex
	records     []Record
	byTool      map[string]*ToolStats
}

// NewTracker creates a tracker backed by the configured JSONL file, loading
// any existing records. Returns (nil, nil) when metrics are disabled.
func NewTracker(cfg *config.MetricsConfig) (*Tracker, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, err
	}

	t := &Tracker{
		storagePath: cfg.Path,
		byTool:      make(map[string]*ToolStats),
	}
	t.load()
	return t, nil
}

func newID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Handle implements events.Sink: terminal tool events become records.
// Subscribing the tracker to the stream is how executions reach it.
func (t *Tracker) Handle(e events.Event) {
	if t == nil {
		return
	}
	if e.Kind != events.KindToolComplete && e.Kind != events.KindToolError {
		return
	}

	success := e.Kind == events.KindToolComplete
	var durationMS int64
	var errorKind string
	if e.Data != nil {
		switch ms := e.Data["duration_ms"].(type) {
		case int64:
			durationMS = ms
		case float64:
			durationMS = int64(ms)
		}
		if kind, ok := e.Data["error_kind"].(string); ok {
			errorKind = kind
		}
	}
	t.Record(e.Tool, success, errorKind, time.Duration(durationMS)*time.Millisecond)
}

// Record persists one execution. Never returns an error; logs and continues
// so a full disk cannot take down the agent loop.
func (t *Tracker) Record(tool string, success bool, errorKind string, duration time.Duration) {
	if t == nil {
		return
	}

	record := Record{
		ID:         newID(),
		Tool:       tool,
		Success:    success,
		ErrorKind:  errorKind,
		DurationMS: duration.Milliseconds(),
		Timestamp:  time.Now().UTC(),
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.appendRecord(record); err != nil {
		logger.ErrorCF("metrics", "Failed to write metrics record",
			map[string]interface{}{"error": err.Error()})
		return
	}
	t.apply(record)
	t.touchMarker(record.Timestamp)
}

// Stats returns aggregates for one tool; the zero value when it never ran.
func (t *Tracker) Stats(tool string) ToolStats {
	if t == nil {
		return ToolStats{Tool: tool}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.byTool[tool]; ok {
		return *s
	}
	return ToolStats{Tool: tool}
}

// AllStats returns aggregates for every tool that has run at least once.
func (t *Tracker) AllStats() []ToolStats {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ToolStats, 0, len(t.byTool))
	for _, s := range t.byTool {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tool < out[j].Tool })
	return out
}

// MostUsed returns up to n tools ordered by execution count, descending.
func (t *Tracker) MostUsed(n int) []ToolStats {
	all := t.AllStats()
	sort.Slice(all, func(i, j int) bool { return all[i].Executions > all[j].Executions })
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	return all
}

// Recent returns the last n records, newest last.
func (t *Tracker) Recent(n int) []Record {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if n <= 0 || n > len(t.records) {
		n = len(t.records)
	}
	out := make([]Record, n)
	copy(out, t.records[len(t.records)-n:])
	return out
}

// TotalExecutions returns the count of all recorded executions.
func (t *Tracker) TotalExecutions() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// SuccessRate returns the overall success fraction across all tools.
func (t *Tracker) SuccessRate() float64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.records) == 0 {
		return 0
	}
	successes := 0
	for _, r := range t.records {
		if r.Success {
			successes++
		}
	}
	return float64(successes) / float64(len(t.records))
}

func (t *Tracker) apply(r Record) {
	t.records = append(t.records, r)
	s, ok := t.byTool[r.Tool]
	if !ok {
		s = &ToolStats{Tool: r.Tool}
		t.byTool[r.Tool] = s
	}
	s.Executions++
	if r.Success {
		s.Successes++
	} else {
		s.Failures++
	}
	s.TotalDurationMS += r.DurationMS
	if r.Timestamp.After(s.LastUsed) {
		s.LastUsed = r.Timestamp
	}
}

func (t *Tracker) appendRecord(record Record) error {
	f, err := os.OpenFile(t.storagePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = f.Write(data)
	return err
}

// touchMarker records the last-updated time in a sibling file so external
// tooling can poll freshness without parsing the JSONL.
func (t *Tracker) touchMarker(ts time.Time) {
	marker := t.storagePath + ".updated"
	if err := os.WriteFile(marker, []byte(ts.Format(time.RFC3339)+"\n"), 0644); err != nil {
		logger.DebugCF("metrics", "Failed to update marker file",
			map[string]interface{}{"error": err.Error()})
	}
}

// load replays the JSONL file into memory. Corrupt lines are skipped.
func (t *Tracker) load() {
	f, err := os.Open(t.storagePath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r Record
		if json.Unmarshal(line, &r) == nil {
			t.apply(r)
		}
	}
}
