package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Bboy9090/PhoenixCore/pkg/devgraph"
	"github.com/Bboy9090/PhoenixCore/pkg/hostprov"
	"github.com/Bboy9090/PhoenixCore/pkg/imaging"
	"github.com/Bboy9090/PhoenixCore/pkg/media"
	"github.com/Bboy9090/PhoenixCore/pkg/report"
	"github.com/Bboy9090/PhoenixCore/pkg/safety"
)

// EngineConfig wires an Engine. Provider, Gate, Locks and ReportDir are
// required; the rest default.
type EngineConfig struct {
	Provider   hostprov.Provider
	Gate       *safety.Gate
	Locks      *safety.LockManager
	Registry   *Registry
	Opener     media.Opener
	ReportDir  string
	SigningKey []byte
	Index      *report.Index
	Progress   imaging.Progress
}

// Engine executes workflows step by step: fresh enumeration and gate check
// before every destructive step, per-disk locking, fail-fast, and the whole
// run recorded into a sealed evidence bundle.
type Engine struct {
	log zerolog.Logger
	cfg EngineConfig
}

func NewEngine(logger zerolog.Logger, cfg EngineConfig) *Engine {
	if cfg.Registry == nil {
		cfg.Registry = Builtin()
	}
	if cfg.Opener == nil {
		cfg.Opener = media.NewOpener()
	}
	return &Engine{
		log: logger.With().Str("component", "workflow-engine").Logger(),
		cfg: cfg,
	}
}

// RunOptions carries the operator's authorization and per-run overrides.
type RunOptions struct {
	// RunID names the run up front; empty means a generated uuid. The API
	// mints the id before handing the run to a background goroutine.
	RunID string
	// Force acknowledges destruction; without it every destructive step is
	// denied.
	Force bool
	// Tokens maps disk id to a confirmation token minted for that disk and
	// operation.
	Tokens map[string]string
	// Overrides replace same-named params in every step that declares them,
	// letting one generic workflow target the operator's chosen disk.
	Overrides map[string]any
}

// Preflight resolves and validates every step before anything runs. A
// workflow with one bad step never starts.
func (e *Engine) Preflight(wf *Workflow, opts RunOptions) error {
	if err := wf.Validate(); err != nil {
		return err
	}
	for _, st := range wf.Steps {
		action, err := e.cfg.Registry.Lookup(st.Action)
		if err != nil {
			return fmt.Errorf("step %q: %w", st.ID, err)
		}
		if err := action.ValidateParams(mergeParams(st.Params, opts.Overrides)); err != nil {
			return fmt.Errorf("step %q: %w", st.ID, err)
		}
	}
	return nil
}

// Run executes wf. Step failures are reported through the returned Run, not
// the error; the error covers setup and evidence-sealing problems only.
func (e *Engine) Run(ctx context.Context, wf *Workflow, opts RunOptions) (*Run, error) {
	if err := e.Preflight(wf, opts); err != nil {
		return nil, err
	}
	graph, err := e.cfg.Provider.Enumerate(ctx)
	if err != nil {
		return nil, err
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	run := &Run{
		ID:            runID,
		WorkflowID:    wf.ID,
		WorkflowName:  wf.Name,
		SchemaVersion: wf.SchemaVersion,
		Status:        RunRunning,
		StartedAt:     time.Now().UTC(),
		GraphID:       graph.GraphID,
		Steps:         make([]StepResult, len(wf.Steps)),
	}
	for i, st := range wf.Steps {
		run.Steps[i] = StepResult{ID: st.ID, Name: st.Name, Action: st.Action, Status: StepPending}
	}

	builder, err := report.NewBuilder(e.log, e.cfg.ReportDir, run.ID)
	if err != nil {
		return nil, err
	}
	run.BundlePath = builder.Dir()

	// Persistence must survive the caller's cancellation: a cancelled run
	// still gets a sealed bundle.
	keep := context.WithoutCancel(ctx)
	save := func() {
		if err := builder.PutJSON(keep, "run.json", run); err != nil {
			e.log.Error().Err(err).Str("run_id", run.ID).Msg("persist run state")
		}
	}
	logf := func(level, stepID, format string, args ...any) {
		line := logLine{TS: time.Now().UTC(), Level: level, StepID: stepID, Msg: fmt.Sprintf(format, args...)}
		b, _ := json.Marshal(line)
		if err := builder.AppendLog(string(b)); err != nil {
			e.log.Error().Err(err).Msg("append run log")
		}
	}

	if err := builder.PutJSON(keep, "device_graph.json", graph); err != nil {
		return nil, err
	}
	save()
	e.indexRun(keep, run, "")
	logf("info", "", "run started: workflow %s (%s), %d steps", wf.Name, wf.ID, len(wf.Steps))

	runLog := e.log.With().Str("run_id", run.ID).Str("workflow_id", wf.ID).Logger()
	failed := false
	cancelled := false
	for i := range wf.Steps {
		st := wf.Steps[i]
		res := &run.Steps[i]
		if failed || cancelled {
			res.Status = StepNotRun
			continue
		}
		if ctx.Err() != nil {
			cancelled = true
			res.Status = StepNotRun
			continue
		}
		params := mergeParams(st.Params, opts.Overrides)

		now := time.Now().UTC()
		res.Status = StepRunning
		res.StartedAt = &now
		save()
		logf("info", st.ID, "starting action %s", st.Action)

		artifacts, stepErr := e.runStep(ctx, runLog, run, res, st, params, graph, builder, opts)
		done := time.Now().UTC()
		res.FinishedAt = &done
		if stepErr != nil {
			res.Status = StepFailure
			res.Error = stepErr.Error()
			failed = true
			if errors.Is(stepErr, context.Canceled) || ctx.Err() != nil {
				run.Status = RunCancelled
			} else {
				run.Status = RunFailure
			}
			run.Error = fmt.Sprintf("step %s failed: %v", st.ID, stepErr)
			save()
			logf("error", st.ID, "%v", stepErr)
			runLog.Error().Err(stepErr).Str("step", st.ID).Msg("step failed")
			continue
		}
		res.Status = StepSuccess
		res.Artifacts = artifacts
		save()
		logf("info", st.ID, "done, %d artifacts", len(artifacts))
	}

	switch {
	case failed:
		// status already set by the failing step
	case cancelled:
		run.Status = RunCancelled
		run.Error = context.Cause(ctx).Error()
	default:
		run.Status = RunSuccess
	}
	finished := time.Now().UTC()
	run.FinishedAt = &finished
	save()
	logf("info", "", "run finished: %s", run.Status)

	if _, err := builder.Finalize(keep, e.cfg.SigningKey); err != nil {
		return run, fmt.Errorf("seal evidence bundle: %w", err)
	}
	e.indexRun(keep, run, manifestDigest(builder.Dir()))
	runLog.Info().Str("status", string(run.Status)).Str("bundle", run.BundlePath).Msg("run complete")
	return run, nil
}

// runStep executes one step. Destructive steps get a fresh enumeration, a
// gate decision and the target disk's lock; the decision lands in the step
// result either way it goes.
func (e *Engine) runStep(ctx context.Context, runLog zerolog.Logger, run *Run, res *StepResult, st Step, params map[string]any, initial *devgraph.DeviceGraph, builder *report.Builder, opts RunOptions) (ArtifactList, error) {
	action, err := e.cfg.Registry.Lookup(st.Action)
	if err != nil {
		return nil, err
	}
	res.Destructive = action.Destructive()
	stepLog := runLog.With().Str("step", st.ID).Str("action", st.Action).Logger()
	graph := initial
	if action.Destructive() {
		fresh, err := e.cfg.Provider.Enumerate(ctx)
		if err != nil {
			return nil, fmt.Errorf("re-enumerate before destructive step: %w", err)
		}
		graph = fresh
		diskID := stringParam(params, "target_disk_id")
		decision := e.cfg.Gate.Evaluate(safety.Request{
			Op:          action.Name(),
			DiskID:      diskID,
			Destructive: true,
			Force:       opts.Force,
			Token:       opts.Tokens[diskID],
			RunID:       run.ID,
			Graph:       fresh,
		})
		res.Gate = decision
		if !decision.Authorized() {
			return nil, decision.Err()
		}
		unlock, err := e.cfg.Locks.Acquire(diskID, run.ID)
		if err != nil {
			return nil, err
		}
		defer unlock()
		stepLog.Info().Str("disk", diskID).Bool("system_override", decision.SystemOverride).Msg("destructive step authorized")
	}
	rc := &RunContext{
		Log:        stepLog,
		RunID:      run.ID,
		StepID:     st.ID,
		Graph:      graph,
		Bundle:     builder,
		Opener:     e.cfg.Opener,
		Progress:   e.cfg.Progress,
		SigningKey: e.cfg.SigningKey,
	}
	return action.Run(ctx, rc, params)
}

func mergeParams(params, overrides map[string]any) map[string]any {
	merged := make(map[string]any, len(params))
	for k, v := range params {
		merged[k] = v
	}
	for k, v := range overrides {
		if _, ok := merged[k]; ok {
			merged[k] = v
		}
	}
	return merged
}

func (e *Engine) indexRun(ctx context.Context, run *Run, manifestSHA string) {
	if e.cfg.Index == nil {
		return
	}
	entry := report.IndexEntry{
		RunID:          run.ID,
		WorkflowID:     run.WorkflowID,
		WorkflowName:   run.WorkflowName,
		Status:         string(run.Status),
		StartedAt:      run.StartedAt,
		BundlePath:     run.BundlePath,
		ManifestSHA256: manifestSHA,
	}
	if run.FinishedAt != nil {
		entry.FinishedAt = *run.FinishedAt
	}
	if err := e.cfg.Index.Record(ctx, entry); err != nil {
		e.log.Error().Err(err).Str("run_id", run.ID).Msg("index run")
	}
}

func manifestDigest(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, report.ManifestName))
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
