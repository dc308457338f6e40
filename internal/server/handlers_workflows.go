package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Bboy9090/PhoenixCore/pkg/httpx"
	"github.com/Bboy9090/PhoenixCore/pkg/workflow"
)

// maxDocumentBytes bounds uploaded workflow and pack documents.
const maxDocumentBytes = 1 << 20

func (s *Server) handleWorkflowValidate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxDocumentBytes))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	wf, err := workflow.LoadBytes(body, false)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.engine.Preflight(wf, workflow.RunOptions{}); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true, "id": wf.ID, "name": wf.Name, "steps": len(wf.Steps)})
}

type runRequest struct {
	Workflow  json.RawMessage   `json:"workflow"`
	Force     bool              `json:"force,omitempty"`
	Tokens    map[string]string `json:"tokens,omitempty"`
	Overrides map[string]any    `json:"overrides,omitempty"`
}

// handleWorkflowRun validates the document, then hands it to a background
// goroutine and answers 202 with the run id. Progress is read back through
// the run record and log endpoints.
func (s *Server) handleWorkflowRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if len(req.Workflow) == 0 {
		writeBadRequest(w, "workflow document is required")
		return
	}
	wf, err := workflow.LoadBytes(req.Workflow, false)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	opts := workflow.RunOptions{
		RunID:     uuid.New().String(),
		Force:     req.Force,
		Tokens:    req.Tokens,
		Overrides: req.Overrides,
	}
	if err := s.engine.Preflight(wf, opts); err != nil {
		writeDomainError(w, err)
		return
	}

	ctx, ar := s.runs.begin(opts.RunID)
	go func() {
		defer s.runs.finish(opts.RunID, ar)
		run, err := s.engine.Run(ctx, wf, opts)
		if err != nil {
			s.log.Error().Err(err).Str("run_id", opts.RunID).Msg("run aborted")
		}
		if run != nil {
			s.metrics.observeRun(run, s.cfg.ReportDir)
		}
	}()

	writeJSONStatus(w, http.StatusAccepted, map[string]string{"run_id": opts.RunID})
}

func (s *Server) handleRunList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil {
			writeBadRequest(w, "limit must be an integer")
			return
		}
		limit = n
	}
	entries, err := s.listRuns(r.Context(), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, map[string]any{"runs": entries})
}

func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request) {
	run, err := s.loadRun(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, errRunNotFound) {
			httpx.WriteTypedError(w, http.StatusNotFound, "run.unknown", "run not found", 0)
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, run)
}

func (s *Server) handleRunLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cursor := 0
	if q := r.URL.Query().Get("cursor"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil {
			writeBadRequest(w, "cursor must be an integer")
			return
		}
		cursor = n
	}
	entries, next, err := s.readRunLog(id, cursor)
	if err != nil {
		if errors.Is(err, errRunNotFound) {
			httpx.WriteTypedError(w, http.StatusNotFound, "run.unknown", "run not found", 0)
			return
		}
		writeDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []json.RawMessage{}
	}
	writeJSON(w, map[string]any{"run_id": id, "entries": entries, "cursor": next})
}

// handleRunCancel requests cooperative cancellation. The run keeps sealing
// its evidence bundle; callers poll the run record for the final state.
func (s *Server) handleRunCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.runs.cancel(id, errors.New("cancelled by operator")) {
		writeJSON(w, map[string]any{"run_id": id, "cancelling": true})
		return
	}
	run, err := s.loadRun(id)
	if err != nil {
		if errors.Is(err, errRunNotFound) {
			httpx.WriteTypedError(w, http.StatusNotFound, "run.unknown", "run not found", 0)
			return
		}
		writeDomainError(w, err)
		return
	}
	httpx.WriteTypedError(w, http.StatusConflict, "run.not_active",
		"run already finished with status "+string(run.Status), 0)
}
