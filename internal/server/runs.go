package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Bboy9090/PhoenixCore/pkg/report"
	"github.com/Bboy9090/PhoenixCore/pkg/workflow"
)

// runTracker holds the cancel handles of in-flight runs. Run state itself is
// never read from here: the evidence bundle's run.json is the source of
// truth, so readers see exactly what a crash would have left behind.
type runTracker struct {
	mu     sync.Mutex
	active map[string]*activeRun
}

type activeRun struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{active: make(map[string]*activeRun)}
}

// begin registers a new run and returns the context its goroutine runs
// under. The context is detached from the originating request.
func (t *runTracker) begin(id string) (context.Context, *activeRun) {
	ctx, cancel := context.WithCancelCause(context.Background())
	ar := &activeRun{cancel: cancel, done: make(chan struct{})}
	t.mu.Lock()
	t.active[id] = ar
	t.mu.Unlock()
	return ctx, ar
}

func (t *runTracker) finish(id string, ar *activeRun) {
	t.mu.Lock()
	delete(t.active, id)
	t.mu.Unlock()
	close(ar.done)
}

// cancel asks the run's goroutine to stop. Reports whether the run was
// still in flight.
func (t *runTracker) cancel(id string, cause error) bool {
	t.mu.Lock()
	ar, ok := t.active[id]
	t.mu.Unlock()
	if !ok {
		return false
	}
	ar.cancel(cause)
	return true
}

var errRunNotFound = errors.New("run not found")

// validRunID guards path joins on ids taken from the URL.
func validRunID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}

// loadRun reads the persisted run record from its evidence bundle.
func (s *Server) loadRun(id string) (*workflow.Run, error) {
	if !validRunID(id) {
		return nil, errRunNotFound
	}
	raw, err := os.ReadFile(filepath.Join(s.cfg.ReportDir, id, "run.json"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errRunNotFound
		}
		return nil, err
	}
	var run workflow.Run
	if err := json.Unmarshal(raw, &run); err != nil {
		return nil, fmt.Errorf("run %s record unparseable: %w", id, err)
	}
	return &run, nil
}

// listRuns returns recent run summaries, newest first. The sqlite index is
// preferred; without one the report directory is scanned, which keeps the
// listing honest even after the index file is lost.
func (s *Server) listRuns(ctx context.Context, limit int) ([]report.IndexEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	if s.index != nil {
		return s.index.Recent(ctx, limit)
	}
	dirs, err := os.ReadDir(s.cfg.ReportDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []report.IndexEntry
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		run, err := s.loadRun(d.Name())
		if err != nil {
			continue
		}
		e := report.IndexEntry{
			RunID:        run.ID,
			WorkflowID:   run.WorkflowID,
			WorkflowName: run.WorkflowName,
			Status:       string(run.Status),
			StartedAt:    run.StartedAt,
			BundlePath:   run.BundlePath,
		}
		if run.FinishedAt != nil {
			e.FinishedAt = *run.FinishedAt
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// readRunLog returns the JSONL log entries after cursor, plus the cursor for
// the next poll. Entries come back as raw lines so the caller sees the exact
// evidence bytes.
func (s *Server) readRunLog(id string, cursor int) ([]json.RawMessage, int, error) {
	if !validRunID(id) {
		return nil, 0, errRunNotFound
	}
	raw, err := os.ReadFile(filepath.Join(s.cfg.ReportDir, id, report.LogName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if _, err := s.loadRun(id); err != nil {
				return nil, 0, err
			}
			return nil, cursor, nil
		}
		return nil, 0, err
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if cursor < 0 {
		cursor = 0
	}
	if cursor >= len(lines) || len(raw) == 0 {
		return nil, cursor, nil
	}
	entries := make([]json.RawMessage, 0, len(lines)-cursor)
	for _, ln := range lines[cursor:] {
		if strings.TrimSpace(ln) == "" {
			continue
		}
		entries = append(entries, json.RawMessage(ln))
	}
	return entries, len(lines), nil
}
