package safety

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event is one line in the append-only audit trail. Everything the gate and
// token registry decide lands here, allowed or not.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"ts"`
	Kind      string    `json:"kind"`
	Op        string    `json:"op,omitempty"`
	DiskID    string    `json:"disk_id,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	TokenID   string    `json:"token_id,omitempty"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
}

// AuditLog mirrors events to the process logger and, when a path is set,
// appends them as JSONL so the trail survives the process.
type AuditLog struct {
	mu   sync.Mutex
	path string
	log  zerolog.Logger
}

func NewAuditLog(log zerolog.Logger, path string) *AuditLog {
	if path != "" {
		_ = os.MkdirAll(filepath.Dir(path), 0o700)
	}
	return &AuditLog{path: path, log: log.With().Str("component", "audit").Logger()}
}

func (a *AuditLog) Record(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	evt := a.log.Info()
	if ev.Outcome == "denied" || ev.Outcome == "error" {
		evt = a.log.Warn()
	}
	evt.Str("kind", ev.Kind).
		Str("op", ev.Op).
		Str("disk_id", ev.DiskID).
		Str("outcome", ev.Outcome).
		Msg(ev.Detail)

	if a.path == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		a.log.Error().Err(err).Msg("audit file open failed")
		return
	}
	defer f.Close()
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	b = append(b, '\n')
	if _, err := f.Write(b); err != nil {
		a.log.Error().Err(err).Msg("audit append failed")
	}
}
