package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quillforge/quill/pkg/config"
	"github.com/quillforge/quill/pkg/events"
)

func newTestTracker(t *testing.T, path string) *Tracker {
	t.Helper()
	tracker, err := NewTracker(&config.MetricsConfig{Enabled: true, Path: path})
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	return tracker
}

func TestTracker_DisabledReturnsNil(t *testing.T) {
	tracker, err := NewTracker(&config.MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	if tracker != nil {
		t.Fatal("disabled tracker should be nil")
	}

	// Nil receiver must be safe everywhere.
	tracker.Record("exec", true, "", time.Second)
	if tracker.TotalExecutions() != 0 {
		t.Error("nil tracker reported executions")
	}
	if got := tracker.Stats("exec"); got.Executions != 0 {
		t.Error("nil tracker reported stats")
	}
}

func TestTracker_RecordAndAggregate(t *testing.T) {
	tracker := newTestTracker(t, filepath.Join(t.TempDir(), "metrics.jsonl"))

	tracker.Record("exec", true, "", 100*time.Millisecond)
	tracker.Record("exec", false, "timeout", 300*time.Millisecond)
	tracker.Record("read_file", true, "", 10*time.Millisecond)

	s := tracker.Stats("exec")
	if s.Executions != 2 || s.Successes != 1 || s.Failures != 1 {
		t.Errorf("exec stats: %+v", s)
	}
	if s.SuccessRate() != 0.5 {
		t.Errorf("success rate: got %v, want 0.5", s.SuccessRate())
	}
	if s.AvgDuration() != 200*time.Millisecond {
		t.Errorf("avg duration: got %v", s.AvgDuration())
	}

	if tracker.TotalExecutions() != 3 {
		t.Errorf("total: got %d, want 3", tracker.TotalExecutions())
	}
}

func TestTracker_ReloadFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.jsonl")

	first := newTestTracker(t, path)
	first.Record("exec", true, "", 50*time.Millisecond)
	first.Record("eval", false, "permission_denied", 5*time.Millisecond)

	second := newTestTracker(t, path)
	if second.TotalExecutions() != 2 {
		t.Fatalf("reloaded total: got %d, want 2", second.TotalExecutions())
	}
	if s := second.Stats("eval"); s.Failures != 1 {
		t.Errorf("reloaded eval stats: %+v", s)
	}
}

func TestTracker_MostUsed(t *testing.T) {
	tracker := newTestTracker(t, filepath.Join(t.TempDir(), "metrics.jsonl"))
	for i := 0; i < 3; i++ {
		tracker.Record("exec", true, "", time.Millisecond)
	}
	tracker.Record("eval", true, "", time.Millisecond)

	top := tracker.MostUsed(1)
	if len(top) != 1 || top[0].Tool != "exec" {
		t.Fatalf("most used: %+v", top)
	}
}

func TestTracker_Recent(t *testing.T) {
	tracker := newTestTracker(t, filepath.Join(t.TempDir(), "metrics.jsonl"))
	tracker.Record("a", true, "", 0)
	tracker.Record("b", true, "", 0)
	tracker.Record("c", true, "", 0)

	recent := tracker.Recent(2)
	if len(recent) != 2 || recent[0].Tool != "b" || recent[1].Tool != "c" {
		t.Fatalf("recent: %+v", recent)
	}
}

func TestTracker_HandleTerminalEvents(t *testing.T) {
	tracker := newTestTracker(t, filepath.Join(t.TempDir(), "metrics.jsonl"))

	tracker.Handle(events.Event{
		Kind: events.KindToolComplete,
		Tool: "exec",
		Data: map[string]interface{}{"duration_ms": int64(120), "error_kind": ""},
	})
	tracker.Handle(events.Event{
		Kind: events.KindToolError,
		Tool: "exec",
		Data: map[string]interface{}{"duration_ms": int64(30), "error_kind": "tool_error"},
	})
	// Non-terminal kinds are ignored.
	tracker.Handle(events.Event{Kind: events.KindToolStart, Tool: "exec"})

	s := tracker.Stats("exec")
	if s.Executions != 2 || s.Successes != 1 {
		t.Errorf("stats after events: %+v", s)
	}
}

func TestTracker_MarkerFileWritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.jsonl")
	tracker := newTestTracker(t, path)
	tracker.Record("exec", true, "", time.Millisecond)

	if _, err := os.Stat(path + ".updated"); err != nil {
		t.Errorf("marker file missing: %v", err)
	}
}
