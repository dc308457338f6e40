package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/Bboy9090/PhoenixCore/pkg/devgraph"
	"github.com/Bboy9090/PhoenixCore/pkg/hostprov"
	"github.com/Bboy9090/PhoenixCore/pkg/media"
	"github.com/Bboy9090/PhoenixCore/pkg/report"
	"github.com/Bboy9090/PhoenixCore/pkg/safety"
)

type countingProvider struct {
	inner *hostprov.Fake
	calls int
}

func (p *countingProvider) Enumerate(ctx context.Context) (*devgraph.DeviceGraph, error) {
	p.calls++
	return p.inner.Enumerate(ctx)
}

// scriptedAction lets a test stand in for a registered action.
type scriptedAction struct {
	name        string
	destructive bool
	run         func(ctx context.Context, rc *RunContext, params map[string]any) (ArtifactList, error)
}

func (a *scriptedAction) Name() string                        { return a.name }
func (a *scriptedAction) Destructive() bool                   { return a.destructive }
func (a *scriptedAction) ValidateParams(map[string]any) error { return nil }
func (a *scriptedAction) Run(ctx context.Context, rc *RunContext, params map[string]any) (ArtifactList, error) {
	if a.run == nil {
		return nil, nil
	}
	return a.run(ctx, rc, params)
}

type rig struct {
	dir     string
	prov    *countingProvider
	tokens  *safety.TokenRegistry
	gate    *safety.Gate
	locks   *safety.LockManager
	key     []byte
	reports string
}

func newRig(t *testing.T, disks ...devgraph.Disk) *rig {
	t.Helper()
	dir := t.TempDir()
	nop := zerolog.Nop()
	audit := safety.NewAuditLog(nop, filepath.Join(dir, "audit.jsonl"))
	tokens := safety.NewTokenRegistry(nop, audit)
	return &rig{
		dir: dir,
		prov: &countingProvider{inner: &hostprov.Fake{
			Host:  devgraph.HostInfo{OS: "linux", Hostname: "bench"},
			Disks: disks,
		}},
		tokens:  tokens,
		gate:    safety.NewGate(nop, tokens, audit),
		locks:   safety.NewLockManager(nop, filepath.Join(dir, "locks")),
		key:     bytes.Repeat([]byte{0x5a}, report.KeySize),
		reports: filepath.Join(dir, "reports"),
	}
}

func (r *rig) engine(reg *Registry, opener media.Opener) *Engine {
	return NewEngine(zerolog.Nop(), EngineConfig{
		Provider:   r.prov,
		Gate:       r.gate,
		Locks:      r.locks,
		Registry:   reg,
		Opener:     opener,
		ReportDir:  r.reports,
		SigningKey: r.key,
	})
}

func testWorkflow(steps ...Step) *Workflow {
	return &Workflow{SchemaVersion: SchemaVersion, ID: "wf-test", Name: "engine test", Steps: steps}
}

func usbDisk(id, devPath string, size uint64) devgraph.Disk {
	return devgraph.Disk{ID: id, DevicePath: devPath, SizeBytes: size, Bus: devgraph.BusUSB, Removable: true}
}

func verifyBundle(t *testing.T, run *Run, key []byte) *report.Verification {
	t.Helper()
	v, err := report.Verify(context.Background(), run.BundlePath, key)
	if err != nil {
		t.Fatalf("bundle verification: %v", err)
	}
	if v.Signature != report.SigValid {
		t.Fatalf("signature verdict = %q", v.Signature)
	}
	return v
}

func TestRunAllStepsSucceed(t *testing.T) {
	r := newRig(t)
	ran := 0
	reg := NewRegistry()
	reg.Register(&scriptedAction{name: "touch", run: func(ctx context.Context, rc *RunContext, _ map[string]any) (ArtifactList, error) {
		ran++
		name := fmt.Sprintf("artifacts/%s-touch.json", rc.StepID)
		if err := rc.Bundle.PutJSON(ctx, name, map[string]string{"step": rc.StepID}); err != nil {
			return nil, err
		}
		return ArtifactList{name}, nil
	}})
	eng := r.engine(reg, nil)

	run, err := eng.Run(context.Background(), testWorkflow(
		Step{ID: "a", Action: "touch"},
		Step{ID: "b", Action: "touch"},
	), RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != RunSuccess {
		t.Fatalf("status = %q, error = %q", run.Status, run.Error)
	}
	if ran != 2 {
		t.Fatalf("actions executed %d times", ran)
	}
	if run.FinishedAt == nil || run.GraphID == "" {
		t.Fatalf("run not fully recorded: %+v", run)
	}
	for i, res := range run.Steps {
		if res.Status != StepSuccess {
			t.Fatalf("step %d status = %q", i, res.Status)
		}
		if res.StartedAt == nil || res.FinishedAt == nil {
			t.Fatalf("step %d missing timestamps", i)
		}
		want := fmt.Sprintf("artifacts/%s-touch.json", res.ID)
		if len(res.Artifacts) != 1 || res.Artifacts[0] != want {
			t.Fatalf("step %d artifacts = %v", i, res.Artifacts)
		}
	}
	if r.prov.calls != 1 {
		t.Fatalf("provider called %d times for a read-only run", r.prov.calls)
	}

	verifyBundle(t, run, r.key)
	raw, err := os.ReadFile(filepath.Join(run.BundlePath, "run.json"))
	if err != nil {
		t.Fatal(err)
	}
	var persisted Run
	if err := json.Unmarshal(raw, &persisted); err != nil {
		t.Fatal(err)
	}
	if persisted.ID != run.ID || persisted.Status != RunSuccess {
		t.Fatalf("persisted run = %+v", persisted)
	}
	if _, err := os.Stat(filepath.Join(run.BundlePath, "device_graph.json")); err != nil {
		t.Fatalf("device graph not recorded: %v", err)
	}
	logs, err := os.ReadFile(filepath.Join(run.BundlePath, report.LogName))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(logs), "run finished") {
		t.Fatalf("run log incomplete:\n%s", logs)
	}
}

func TestRunFailFast(t *testing.T) {
	r := newRig(t)
	okRuns := 0
	reg := NewRegistry()
	reg.Register(&scriptedAction{name: "ok", run: func(context.Context, *RunContext, map[string]any) (ArtifactList, error) {
		okRuns++
		return nil, nil
	}})
	reg.Register(&scriptedAction{name: "explode", run: func(context.Context, *RunContext, map[string]any) (ArtifactList, error) {
		return nil, errors.New("boom")
	}})
	eng := r.engine(reg, nil)

	run, err := eng.Run(context.Background(), testWorkflow(
		Step{ID: "s1", Action: "ok"},
		Step{ID: "s2", Action: "explode"},
		Step{ID: "s3", Action: "ok"},
	), RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != RunFailure {
		t.Fatalf("status = %q", run.Status)
	}
	if !strings.Contains(run.Error, "step s2 failed") {
		t.Fatalf("run error = %q", run.Error)
	}
	if okRuns != 1 {
		t.Fatalf("later steps ran after a failure: okRuns = %d", okRuns)
	}
	if run.Steps[0].Status != StepSuccess {
		t.Fatalf("s1 status = %q", run.Steps[0].Status)
	}
	if run.Steps[1].Status != StepFailure || run.Steps[1].Error != "boom" {
		t.Fatalf("s2 = %+v", run.Steps[1])
	}
	if run.Steps[2].Status != StepNotRun || run.Steps[2].StartedAt != nil {
		t.Fatalf("s3 = %+v", run.Steps[2])
	}
	verifyBundle(t, run, r.key)
}

func TestDestructiveDeniedWithoutForce(t *testing.T) {
	r := newRig(t, usbDisk("disk-a", "/dev/nonexistent", 1<<20))
	fired := false
	reg := NewRegistry()
	reg.Register(&scriptedAction{name: "zap", destructive: true, run: func(context.Context, *RunContext, map[string]any) (ArtifactList, error) {
		fired = true
		return nil, nil
	}})
	eng := r.engine(reg, nil)

	run, err := eng.Run(context.Background(), testWorkflow(
		Step{ID: "z", Action: "zap", Params: map[string]any{"target_disk_id": "disk-a"}},
	), RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if fired {
		t.Fatal("action ran despite denial")
	}
	if run.Status != RunFailure {
		t.Fatalf("status = %q", run.Status)
	}
	res := run.Steps[0]
	if res.Status != StepFailure {
		t.Fatalf("step status = %q", res.Status)
	}
	if res.Gate == nil {
		t.Fatal("gate decision not recorded")
	}
	if res.Gate.Authorized() || res.Gate.Reason != safety.ReasonForceRequired {
		t.Fatalf("decision = %+v", res.Gate)
	}
	if r.prov.calls != 2 {
		t.Fatalf("provider called %d times, want initial + pre-step refresh", r.prov.calls)
	}
	verifyBundle(t, run, r.key)
}

func TestDestructiveAuthorizedWithToken(t *testing.T) {
	r := newRig(t, usbDisk("disk-a", "/dev/nonexistent", 1<<20))
	fired := false
	reg := NewRegistry()
	reg.Register(&scriptedAction{name: "zap", destructive: true, run: func(_ context.Context, rc *RunContext, _ map[string]any) (ArtifactList, error) {
		fired = true
		if rc.Graph == nil {
			return nil, errors.New("no graph in run context")
		}
		return nil, nil
	}})
	eng := r.engine(reg, nil)

	minted, err := r.tokens.Mint("disk-a", "zap", 0)
	if err != nil {
		t.Fatal(err)
	}
	run, err := eng.Run(context.Background(), testWorkflow(
		Step{ID: "z", Action: "zap", Params: map[string]any{"target_disk_id": "disk-a"}},
	), RunOptions{Force: true, Tokens: map[string]string{"disk-a": minted.Token}})
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != RunSuccess {
		t.Fatalf("status = %q, error = %q", run.Status, run.Error)
	}
	if !fired {
		t.Fatal("action never ran")
	}
	res := run.Steps[0]
	if res.Gate == nil || !res.Gate.Authorized() {
		t.Fatalf("decision = %+v", res.Gate)
	}
	if res.Gate.TokenID != minted.ID {
		t.Fatalf("token id = %q, want %q", res.Gate.TokenID, minted.ID)
	}
	if !res.Destructive {
		t.Fatal("step not flagged destructive")
	}
	if r.prov.calls != 2 {
		t.Fatalf("provider called %d times", r.prov.calls)
	}
	if holder := r.locks.Holder("disk-a"); holder != "" {
		t.Fatalf("disk lock still held by %q", holder)
	}
}

func TestRunCancelledBetweenSteps(t *testing.T) {
	r := newRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg := NewRegistry()
	reg.Register(&scriptedAction{name: "pull-plug", run: func(context.Context, *RunContext, map[string]any) (ArtifactList, error) {
		cancel()
		return nil, nil
	}})
	eng := r.engine(reg, nil)

	run, err := eng.Run(ctx, testWorkflow(
		Step{ID: "s1", Action: "pull-plug"},
		Step{ID: "s2", Action: "pull-plug"},
	), RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != RunCancelled {
		t.Fatalf("status = %q", run.Status)
	}
	if !strings.Contains(run.Error, "canceled") {
		t.Fatalf("run error = %q", run.Error)
	}
	if run.Steps[0].Status != StepSuccess {
		t.Fatalf("s1 status = %q", run.Steps[0].Status)
	}
	if run.Steps[1].Status != StepNotRun {
		t.Fatalf("s2 status = %q", run.Steps[1].Status)
	}
	verifyBundle(t, run, r.key)
}

func TestRunRejectedBeforeAnyEffect(t *testing.T) {
	r := newRig(t)
	eng := r.engine(NewRegistry(), nil)
	_, err := eng.Run(context.Background(), testWorkflow(
		Step{ID: "a", Action: "nope"},
	), RunOptions{})
	if !errors.Is(err, ErrUnsupportedAction) {
		t.Fatalf("err = %v, want ErrUnsupportedAction", err)
	}
	if !strings.Contains(err.Error(), `step "a"`) {
		t.Fatalf("err = %v, want the failing step named", err)
	}

	eng = r.engine(Builtin(), nil)
	_, err = eng.Run(context.Background(), testWorkflow(
		Step{ID: "a", Action: "apply-image", Params: map[string]any{"target_disk_id": "disk-a"}},
	), RunOptions{})
	if !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("err = %v, want ErrInvalidParams", err)
	}

	if _, err := os.Stat(r.reports); !os.IsNotExist(err) {
		t.Fatalf("rejected runs must not leave bundles: %v", err)
	}
}

func TestRunEnumerateFailure(t *testing.T) {
	r := newRig(t)
	r.prov.inner.Err = errors.New("udev walk: permission denied")
	reg := NewRegistry()
	reg.Register(&scriptedAction{name: "noop"})
	eng := r.engine(reg, nil)

	_, err := eng.Run(context.Background(), testWorkflow(Step{ID: "a", Action: "noop"}), RunOptions{})
	if err == nil || !strings.Contains(err.Error(), "permission denied") {
		t.Fatalf("err = %v", err)
	}
	if _, err := os.Stat(r.reports); !os.IsNotExist(err) {
		t.Fatal("failed enumeration must not leave a bundle")
	}
}

func TestOverridesRetargetDeclaredParams(t *testing.T) {
	r := newRig(t)
	var seen []map[string]any
	reg := NewRegistry()
	reg.Register(&scriptedAction{name: "echo", run: func(_ context.Context, _ *RunContext, params map[string]any) (ArtifactList, error) {
		seen = append(seen, params)
		return nil, nil
	}})
	eng := r.engine(reg, nil)

	run, err := eng.Run(context.Background(), testWorkflow(
		Step{ID: "a", Action: "echo", Params: map[string]any{"target": "old", "keep": "x"}},
		Step{ID: "b", Action: "echo", Params: map[string]any{"keep": "y"}},
	), RunOptions{Overrides: map[string]any{"target": "new"}})
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != RunSuccess {
		t.Fatalf("status = %q", run.Status)
	}
	if seen[0]["target"] != "new" || seen[0]["keep"] != "x" {
		t.Fatalf("step a params = %v", seen[0])
	}
	if _, ok := seen[1]["target"]; ok {
		t.Fatalf("override leaked into step b: %v", seen[1])
	}
}

func TestApplyImageEndToEnd(t *testing.T) {
	r := newRig(t)

	payload := make([]byte, 200_000)
	for i := range payload {
		payload[i] = byte(i*31 + 7)
	}
	src := filepath.Join(r.dir, "source.img")
	if err := os.WriteFile(src, payload, 0o644); err != nil {
		t.Fatal(err)
	}
	dev := filepath.Join(r.dir, "target.img")
	if err := os.WriteFile(dev, make([]byte, 1<<20), 0o644); err != nil {
		t.Fatal(err)
	}
	r.prov.inner.Disks = []devgraph.Disk{usbDisk("disk-a", dev, 1<<20)}

	minted, err := r.tokens.Mint("disk-a", "apply-image", 0)
	if err != nil {
		t.Fatal(err)
	}
	eng := r.engine(Builtin(), media.FileOpener{Capacity: 1 << 20})

	run, err := eng.Run(context.Background(), testWorkflow(
		Step{ID: "probe", Action: "source-inspect", Params: map[string]any{"source": src}},
		Step{ID: "flash", Action: "apply-image", Params: map[string]any{
			"target_disk_id": "disk-a",
			"source":         src,
			"verify":         true,
		}},
	), RunOptions{Force: true, Tokens: map[string]string{"disk-a": minted.Token}})
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != RunSuccess {
		t.Fatalf("status = %q, error = %q", run.Status, run.Error)
	}

	flash := run.Steps[1]
	if flash.Gate == nil || !flash.Gate.Authorized() {
		t.Fatalf("gate decision = %+v", flash.Gate)
	}
	wantArtifact := "artifacts/flash-apply-image.json"
	found := false
	for _, a := range flash.Artifacts {
		if a == wantArtifact {
			found = true
		}
	}
	if !found {
		t.Fatalf("artifacts = %v, want %q", flash.Artifacts, wantArtifact)
	}

	got, err := os.ReadFile(dev)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got[:len(payload)], payload) {
		t.Fatal("device content does not match the source image")
	}

	raw, err := os.ReadFile(filepath.Join(run.BundlePath, filepath.FromSlash(wantArtifact)))
	if err != nil {
		t.Fatal(err)
	}
	var rec struct {
		DiskID string             `json:"disk_id"`
		Result *media.ApplyResult `json:"result"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatal(err)
	}
	if rec.DiskID != "disk-a" || rec.Result == nil || !rec.Result.Verified {
		t.Fatalf("artifact record = %+v", rec)
	}
	if rec.Result.BytesWritten != uint64(len(payload)) {
		t.Fatalf("bytes written = %d", rec.Result.BytesWritten)
	}

	v := verifyBundle(t, run, r.key)
	if len(v.Mismatched) != 0 || len(v.Missing) != 0 || len(v.Unlisted) != 0 {
		t.Fatalf("bundle inconsistent: %+v", v)
	}
}
