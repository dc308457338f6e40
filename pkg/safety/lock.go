package safety

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// LockManager serializes destructive access per disk ID. The in-process map
// is authoritative; a marker file under dir records the holder for operators
// inspecting a wedged machine.
type LockManager struct {
	mu   sync.Mutex
	held map[string]string // disk id -> run id
	dir  string
	log  zerolog.Logger
}

func NewLockManager(log zerolog.Logger, dir string) *LockManager {
	if dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}
	return &LockManager{
		held: make(map[string]string),
		dir:  dir,
		log:  log.With().Str("component", "disklock").Logger(),
	}
}

// Acquire takes the destructive lock for diskID on behalf of runID. The
// returned release function is idempotent.
func (m *LockManager) Acquire(diskID, runID string) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if holder, ok := m.held[diskID]; ok {
		return nil, fmt.Errorf("%w: disk %s held by run %s", ErrDeviceBusy, diskID, holder)
	}
	m.held[diskID] = runID
	if m.dir != "" {
		// Best-effort marker; the map is what actually excludes.
		_ = os.WriteFile(m.markerPath(diskID), []byte(runID+"\n"), 0o644)
	}
	m.log.Debug().Str("disk_id", diskID).Str("run_id", runID).Msg("destructive lock acquired")

	released := false
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if released {
			return
		}
		released = true
		delete(m.held, diskID)
		if m.dir != "" {
			_ = os.Remove(m.markerPath(diskID))
		}
		m.log.Debug().Str("disk_id", diskID).Str("run_id", runID).Msg("destructive lock released")
	}, nil
}

// Holder reports which run currently holds diskID, if any.
func (m *LockManager) Holder(diskID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held[diskID]
}

func (m *LockManager) markerPath(diskID string) string {
	return filepath.Join(m.dir, sanitizeLockID(diskID)+".lock")
}

func sanitizeLockID(id string) string {
	out := make([]rune, 0, len(id))
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return "unknown"
	}
	return strings.ToLower(string(out))
}
