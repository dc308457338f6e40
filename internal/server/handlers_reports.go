package server

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/Bboy9090/PhoenixCore/pkg/httpx"
	"github.com/Bboy9090/PhoenixCore/pkg/pack"
	"github.com/Bboy9090/PhoenixCore/pkg/report"
	"github.com/Bboy9090/PhoenixCore/pkg/workflow"
)

type verifyRequest struct {
	BundleDir string `json:"bundle_dir"`
}

// handleReportVerify checks one bundle. A negative verdict is still a 200;
// the caller reads ok and the mismatch lists. Errors are reserved for
// bundles that cannot be checked at all.
func (s *Server) handleReportVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.BundleDir == "" {
		writeBadRequest(w, "bundle_dir is required")
		return
	}
	v, err := report.Verify(r.Context(), req.BundleDir, s.key)
	if v == nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, v)
}

type verifyTreeRequest struct {
	Root string `json:"root"`
}

func (s *Server) handleReportVerifyTree(w http.ResponseWriter, r *http.Request) {
	var req verifyTreeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	root := req.Root
	if root == "" {
		root = s.cfg.ReportDir
	}
	tr, err := report.VerifyTree(r.Context(), root, s.key)
	if err != nil && !errors.Is(err, report.ErrIntegrityViolation) {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, tr)
}

type exportRequest struct {
	Output string `json:"output"`
}

func (s *Server) handleReportExport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req exportRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.Output == "" {
		writeBadRequest(w, "output is required")
		return
	}
	if _, err := s.loadRun(id); err != nil {
		if errors.Is(err, errRunNotFound) {
			httpx.WriteTypedError(w, http.StatusNotFound, "run.unknown", "run not found", 0)
			return
		}
		writeDomainError(w, err)
		return
	}
	dir := filepath.Join(s.cfg.ReportDir, id)
	if err := report.ExportZip(r.Context(), dir, req.Output); err != nil {
		writeDomainError(w, err)
		return
	}
	fi, err := os.Stat(req.Output)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, map[string]any{"run_id": id, "output": req.Output, "size_bytes": fi.Size()})
}

type packRequest struct {
	Dir string `json:"dir"`
}

func (s *Server) handlePackValidate(w http.ResponseWriter, r *http.Request) {
	var req packRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.Dir == "" {
		writeBadRequest(w, "dir is required")
		return
	}
	m, err := pack.Validate(req.Dir)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true, "manifest": m})
}

type packRunRequest struct {
	Dir       string            `json:"dir"`
	Force     bool              `json:"force,omitempty"`
	Tokens    map[string]string `json:"tokens,omitempty"`
	Overrides map[string]any    `json:"overrides,omitempty"`
}

// handlePackRun executes every workflow in the pack in manifest order,
// synchronously. The response carries the completed runs even when a
// failure aborted the batch partway.
func (s *Server) handlePackRun(w http.ResponseWriter, r *http.Request) {
	var req packRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.Dir == "" {
		writeBadRequest(w, "dir is required")
		return
	}
	opts := workflow.RunOptions{Force: req.Force, Tokens: req.Tokens, Overrides: req.Overrides}
	runs, err := pack.Run(r.Context(), s.engine, req.Dir, opts)
	for _, run := range runs {
		s.metrics.observeRun(run, s.cfg.ReportDir)
	}
	if err != nil {
		if errors.Is(err, pack.ErrWorkflowFailed) {
			httpx.WriteErrorWithDetails(w, http.StatusConflict, "pack.workflow_failed", err.Error(),
				map[string]any{"runs": runSummaries(runs)})
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true, "runs": runSummaries(runs)})
}

func runSummaries(runs []*workflow.Run) []map[string]any {
	out := make([]map[string]any, 0, len(runs))
	for _, run := range runs {
		out = append(out, map[string]any{
			"run_id":      run.ID,
			"workflow_id": run.WorkflowID,
			"status":      run.Status,
			"bundle_path": run.BundlePath,
		})
	}
	return out
}

type packSignRequest struct {
	Dir string `json:"dir"`
}

func (s *Server) handlePackSign(w http.ResponseWriter, r *http.Request) {
	var req packSignRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.Dir == "" {
		writeBadRequest(w, "dir is required")
		return
	}
	if len(s.key) == 0 {
		httpx.WriteTypedError(w, http.StatusConflict, "signing.key_missing",
			"no signing key configured", 0)
		return
	}
	manifestPath, err := pack.FindManifest(req.Dir)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	sigPath, err := pack.Sign(r.Context(), manifestPath, s.key)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, map[string]string{"manifest": manifestPath, "signature": sigPath})
}

func (s *Server) handlePackVerify(w http.ResponseWriter, r *http.Request) {
	var req packRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.Dir == "" {
		writeBadRequest(w, "dir is required")
		return
	}
	if len(s.key) == 0 {
		httpx.WriteTypedError(w, http.StatusConflict, "signing.key_missing",
			"no signing key configured", 0)
		return
	}
	manifestPath, err := pack.FindManifest(req.Dir)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := pack.VerifySignature(manifestPath, s.key); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true, "manifest": manifestPath})
}

type packExportRequest struct {
	Dir    string `json:"dir"`
	Output string `json:"output"`
}

func (s *Server) handlePackExport(w http.ResponseWriter, r *http.Request) {
	var req packExportRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.Dir == "" || req.Output == "" {
		writeBadRequest(w, "dir and output are required")
		return
	}
	if err := pack.Export(r.Context(), req.Dir, req.Output); err != nil {
		writeDomainError(w, err)
		return
	}
	fi, err := os.Stat(req.Output)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, map[string]any{"output": req.Output, "size_bytes": fi.Size()})
}
