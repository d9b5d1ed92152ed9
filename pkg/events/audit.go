package events

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/quillforge/quill/pkg/logger"
)

// AuditSink appends every event as one JSON line. This is the hook the
// audit collaborator attaches through; rotation and retention live outside
// the core.
type AuditSink struct {
	mu   sync.Mutex
	path string
}

func NewAuditSink(path string) (*AuditSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return &AuditSink{path: path}, nil
}

func (a *AuditSink) Handle(e Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		logger.ErrorCF("events", "Failed to open audit log",
			map[string]interface{}{"error": err.Error()})
		return
	}
	defer f.Close()

	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		logger.ErrorCF("events", "Failed to write audit record",
			map[string]interface{}{"error": err.Error()})
	}
}
