// Package server exposes the local control API: device graph, token
// minting, workflow execution, evidence verification and Prometheus
// metrics. It binds to loopback by default; there is no session layer, the
// caller is the bench operator's own tooling.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/Bboy9090/PhoenixCore/internal/config"
	"github.com/Bboy9090/PhoenixCore/pkg/hostprov"
	"github.com/Bboy9090/PhoenixCore/pkg/report"
	"github.com/Bboy9090/PhoenixCore/pkg/safety"
	"github.com/Bboy9090/PhoenixCore/pkg/workflow"
)

// Version and Rev can be overridden at build time via -ldflags.
var (
	Version = "dev"
	Rev     = ""
)

type Server struct {
	log      zerolog.Logger
	cfg      config.Config
	provider hostprov.Provider
	tokens   *safety.TokenRegistry
	engine   *workflow.Engine
	index    *report.Index
	auditor  *report.Auditor
	key      []byte
	runs     *runTracker
	metrics  *metrics
}

// New wires the full stack: audit log, token registry, gate, locks, run
// index and the workflow engine.
func New(logger zerolog.Logger, cfg config.Config) (*Server, error) {
	log := logger.With().Str("component", "api").Logger()

	key, err := cfg.SigningKey()
	if err != nil {
		return nil, err
	}
	audit := safety.NewAuditLog(logger, cfg.AuditPath)
	tokens := safety.NewTokenRegistry(logger, audit)
	gate := safety.NewGate(logger, tokens, audit)
	locks := safety.NewLockManager(logger, cfg.LockDir)
	provider := hostprov.Detect(logger)

	index, err := report.OpenIndex(logger, cfg.RunIndexPath)
	if err != nil {
		return nil, err
	}

	m := newMetrics()
	engine := workflow.NewEngine(logger, workflow.EngineConfig{
		Provider:   provider,
		Gate:       gate,
		Locks:      locks,
		Registry:   workflow.Builtin(),
		ReportDir:  cfg.ReportDir,
		SigningKey: key,
		Index:      index,
	})

	return &Server{
		log:      log,
		cfg:      cfg,
		provider: provider,
		tokens:   tokens,
		engine:   engine,
		index:    index,
		key:      key,
		runs:     newRunTracker(),
		metrics:  m,
	}, nil
}

// StartAuditor schedules periodic re-verification of every evidence bundle.
// No-op when the schedule is unset.
func (s *Server) StartAuditor() error {
	if s.cfg.VerifySchedule == "" {
		return nil
	}
	a := report.NewAuditor(s.log, s.cfg.ReportDir, s.key)
	a.OnResult = func(v *report.Verification) {
		if !v.OK {
			s.metrics.auditFailures.Inc()
		}
	}
	if err := a.Start(s.cfg.VerifySchedule); err != nil {
		return err
	}
	s.auditor = a
	return nil
}

// Close stops the auditor and releases the run index.
func (s *Server) Close() error {
	if s.auditor != nil {
		s.auditor.Stop()
	}
	if s.index != nil {
		return s.index.Close()
	}
	return nil
}

// Router builds the chi handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(zerologMiddleware(s.log))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/graph", s.handleGraph)
		r.Get("/disks", s.handleDisks)
		r.Post("/tokens", s.handleMintToken)

		r.Post("/workflows/validate", s.handleWorkflowValidate)
		r.Post("/workflows/run", s.handleWorkflowRun)
		r.Get("/runs", s.handleRunList)
		r.Get("/runs/{id}", s.handleRunGet)
		r.Get("/runs/{id}/log", s.handleRunLog)
		r.Post("/runs/{id}/cancel", s.handleRunCancel)

		r.Post("/reports/verify", s.handleReportVerify)
		r.Post("/reports/verify-tree", s.handleReportVerifyTree)
		r.Post("/reports/{id}/export", s.handleReportExport)

		r.Post("/packs/validate", s.handlePackValidate)
		r.Post("/packs/run", s.handlePackRun)
		r.Post("/packs/sign", s.handlePackSign)
		r.Post("/packs/verify", s.handlePackVerify)
		r.Post("/packs/export", s.handlePackExport)
	})

	if s.cfg.MetricsEnabled {
		r.Method(http.MethodGet, "/metrics", s.metrics.handler())
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"ok": true, "version": Version, "time": time.Now().UTC()})
}
