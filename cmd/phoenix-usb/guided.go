package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/AlecAivazis/survey/v2"
	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/Bboy9090/PhoenixCore/internal/config"
	"github.com/Bboy9090/PhoenixCore/pkg/content"
	"github.com/Bboy9090/PhoenixCore/pkg/devgraph"
	"github.com/Bboy9090/PhoenixCore/pkg/hostprov"
	"github.com/Bboy9090/PhoenixCore/pkg/imaging"
	"github.com/Bboy9090/PhoenixCore/pkg/report"
	"github.com/Bboy9090/PhoenixCore/pkg/safety"
	"github.com/Bboy9090/PhoenixCore/pkg/workflow"
)

type options struct {
	DiskID      string
	Source      string
	OS          string
	Label       string
	StageDir    string
	TargetMount string
	Force       bool
	Yes         bool
}

// builder holds one guided session. It runs the same engine phoenixd runs,
// in-process, so an offline bench gets the same gate checks and the same
// sealed evidence bundle without a daemon.
type builder struct {
	log     zerolog.Logger
	logFile *os.File
	cfg     config.Config
	opts    *options

	provider hostprov.Provider
	tokens   *safety.TokenRegistry
	engine   *workflow.Engine
	key      []byte

	disk *devgraph.Disk
	info *content.Info
	os   string
}

func runGuided(opts *options) error {
	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	unattended := opts.Yes && opts.Force && opts.DiskID != "" && opts.Source != "" && opts.OS != ""
	if !interactive && !unattended {
		return fmt.Errorf("no terminal attached: pass --disk, --source, --os, --force and --yes to run unattended")
	}

	b := &builder{cfg: config.FromEnv(), opts: opts}
	if err := b.setup(); err != nil {
		return err
	}
	defer b.logFile.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b.showWelcome()

	if err := b.selectDisk(ctx); err != nil {
		return fmt.Errorf("disk selection failed: %w", err)
	}
	if err := b.inspectSource(); err != nil {
		return fmt.Errorf("source inspection failed: %w", err)
	}
	if err := b.chooseOS(); err != nil {
		return err
	}
	if !b.confirmDestruction() {
		return fmt.Errorf("cancelled by operator")
	}

	run, err := b.build(ctx)
	if err != nil {
		return fmt.Errorf("build failed: %w", err)
	}
	b.printResult(ctx, run)
	if run.Status != workflow.RunSuccess {
		return fmt.Errorf("build finished %s", run.Status)
	}
	return nil
}

func (b *builder) setup() error {
	logPath := filepath.Join(os.TempDir(), "phoenix-usb.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	b.logFile = logFile
	b.log = zerolog.New(logFile).With().Timestamp().Str("component", "phoenix-usb").Logger()
	b.log.Info().Str("version", version).Msg("guided build starting")

	key, err := b.cfg.SigningKey()
	if err != nil {
		return err
	}
	b.key = key

	audit := safety.NewAuditLog(b.log, b.cfg.AuditPath)
	b.tokens = safety.NewTokenRegistry(b.log, audit)
	gate := safety.NewGate(b.log, b.tokens, audit)
	locks := safety.NewLockManager(b.log, b.cfg.LockDir)
	b.provider = hostprov.Detect(b.log)

	b.engine = workflow.NewEngine(b.log, workflow.EngineConfig{
		Provider:   b.provider,
		Gate:       gate,
		Locks:      locks,
		ReportDir:  b.cfg.ReportDir,
		SigningKey: key,
		Progress:   b.progress(),
	})
	return nil
}

func (b *builder) showWelcome() {
	color.Blue("\n╔════════════════════════════════════════╗")
	color.Blue("║     PhoenixCore installer media        ║")
	color.Blue("╚════════════════════════════════════════╝\n")

	fmt.Println("This tool builds bootable OS installer media on a removable disk.")
	fmt.Println("The following steps will be performed:")
	fmt.Println("  1. Select target disk")
	fmt.Println("  2. Inspect the source image")
	fmt.Println("  3. Confirm destruction of the target")
	fmt.Println("  4. Wipe, format and stage the volume")
	fmt.Println("  5. Seal the evidence bundle")
	fmt.Println()
}

// selectDisk picks the target. System disks are never offered; naming one
// with --disk is refused here rather than left to the gate, so the operator
// hears about it before any prompts.
func (b *builder) selectDisk(ctx context.Context) error {
	graph, err := b.provider.Enumerate(ctx)
	if err != nil {
		return err
	}

	if b.opts.DiskID != "" {
		disk, ok := graph.FindDisk(b.opts.DiskID)
		if !ok {
			return fmt.Errorf("disk %s is not present", b.opts.DiskID)
		}
		if disk.IsSystemDisk {
			return fmt.Errorf("disk %s holds the running system", disk.ID)
		}
		b.disk = disk
		b.log.Info().Str("disk", disk.ID).Str("device", disk.DevicePath).Msg("target disk from flag")
		return nil
	}

	var candidates []*devgraph.Disk
	for i := range graph.Disks {
		d := &graph.Disks[i]
		if d.IsSystemDisk || d.SizeBytes == 0 {
			continue
		}
		if !d.Removable && d.Bus != devgraph.BusUSB {
			continue
		}
		candidates = append(candidates, d)
	}
	if len(candidates) == 0 {
		return fmt.Errorf("no removable candidate disks found")
	}

	choices := make([]string, len(candidates))
	for i, d := range candidates {
		choices[i] = fmt.Sprintf("%s  %s  %s  %s", d.ID, d.DevicePath, formatBytes(d.SizeBytes), d.Bus)
	}

	var idx int
	prompt := &survey.Select{
		Message: "Select target disk (system disks are not listed):",
		Options: choices,
	}
	if err := survey.AskOne(prompt, &idx); err != nil {
		return err
	}
	b.disk = candidates[idx]
	b.log.Info().Str("disk", b.disk.ID).Str("device", b.disk.DevicePath).Msg("target disk selected")
	return nil
}

func (b *builder) inspectSource() error {
	if b.opts.Source == "" {
		prompt := &survey.Input{Message: "Path to the installer image:"}
		if err := survey.AskOne(prompt, &b.opts.Source, survey.WithValidator(survey.Required), survey.WithValidator(fileExists)); err != nil {
			return err
		}
	}

	info, err := content.Inspect(b.opts.Source)
	if err != nil {
		return err
	}
	b.info = info
	b.log.Info().Str("source", b.opts.Source).Str("kind", string(info.Kind)).Uint64("size", info.SizeBytes).Msg("source inspected")

	fmt.Printf("\nSource: %s\n", b.opts.Source)
	fmt.Printf("  Kind:     %s\n", info.Kind)
	fmt.Printf("  Size:     %s\n", formatBytes(info.SizeBytes))
	if info.Label != "" {
		fmt.Printf("  Label:    %s\n", info.Label)
	}
	if info.Bootable {
		fmt.Printf("  Bootable: yes\n")
	}
	fmt.Println()
	return nil
}

func fileExists(ans any) error {
	path, ok := ans.(string)
	if !ok || path == "" {
		return fmt.Errorf("a file path is required")
	}
	if _, err := os.Stat(path); err != nil {
		return err
	}
	return nil
}

func (b *builder) chooseOS() error {
	if b.opts.OS != "" {
		switch b.opts.OS {
		case "windows", "linux", "macos":
			b.os = b.opts.OS
			return nil
		default:
			return fmt.Errorf("unknown installer type %q", b.opts.OS)
		}
	}

	guess := "linux"
	if b.info.Kind == content.KindWIM {
		guess = "windows"
	}
	prompt := &survey.Select{
		Message: "Installer type:",
		Options: []string{"windows", "linux", "macos"},
		Default: guess,
	}
	return survey.AskOne(prompt, &b.os)
}

func (b *builder) confirmDestruction() bool {
	color.Red("\n⚠  WARNING: all data on %s (%s, %s) will be destroyed",
		b.disk.ID, b.disk.DevicePath, formatBytes(b.disk.SizeBytes))

	if b.opts.Yes && b.opts.Force {
		return true
	}

	confirm := false
	prompt := &survey.Confirm{
		Message: "Do you want to continue?",
		Default: false,
	}
	if err := survey.AskOne(prompt, &confirm); err != nil || !confirm {
		return false
	}

	typed := ""
	input := &survey.Input{
		Message: fmt.Sprintf("Type the disk id (%s) to confirm:", b.disk.ID),
	}
	if err := survey.AskOne(input, &typed); err != nil {
		return false
	}
	return typed == b.disk.ID
}

// build mints a single-use token against the local registry and runs the
// one-step workflow through the engine, gate and locks included.
func (b *builder) build(ctx context.Context) (*workflow.Run, error) {
	action := "installer-usb-build-" + b.os
	minted, err := b.tokens.Mint(b.disk.ID, action, b.cfg.TokenTTL)
	if err != nil {
		return nil, err
	}

	params := map[string]any{
		"target_disk_id": b.disk.ID,
		"source":         b.opts.Source,
	}
	if b.opts.Label != "" {
		params["label"] = b.opts.Label
	}
	if b.opts.StageDir != "" {
		params["stage_dir"] = b.opts.StageDir
		params["target_mount"] = b.opts.TargetMount
	}

	wf := &workflow.Workflow{
		SchemaVersion: workflow.SchemaVersion,
		ID:            "usb-build-" + b.os,
		Name:          "Guided installer media build",
		Steps: []workflow.Step{{
			ID:          "build",
			Name:        "Build " + b.os + " installer volume",
			Action:      action,
			Destructive: true,
			Params:      params,
		}},
	}

	opts := workflow.RunOptions{
		Force:  true,
		Tokens: map[string]string{b.disk.ID: minted.Token},
	}
	if err := b.engine.Preflight(wf, opts); err != nil {
		return nil, err
	}

	fmt.Println()
	return b.engine.Run(ctx, wf, opts)
}

func (b *builder) progress() imaging.Progress {
	var bar *progressbar.ProgressBar
	var barTotal uint64
	return func(done, total uint64) {
		if bar == nil || total != barTotal {
			bar = progressbar.DefaultBytes(int64(total), "writing")
			barTotal = total
		}
		_ = bar.Set64(int64(done))
	}
}

func (b *builder) printResult(ctx context.Context, run *workflow.Run) {
	fmt.Println()
	for _, st := range run.Steps {
		glyph := color.GreenString("✓")
		if st.Status != workflow.StepSuccess {
			glyph = color.RedString("✗")
		}
		fmt.Printf("%s %s (%s)\n", glyph, st.Name, st.Status)
		if st.Error != "" {
			fmt.Printf("    %s\n", st.Error)
		}
	}

	fmt.Printf("\nEvidence bundle: %s\n", run.BundlePath)
	if v, err := report.Verify(ctx, run.BundlePath, b.key); err == nil && v.OK {
		fmt.Printf("%s Bundle sealed and verified (%d files, signature %s)\n",
			color.GreenString("✓"), v.FilesChecked, v.Signature)
	}

	if run.Status == workflow.RunSuccess {
		color.Green("\n✓ Installer media ready")
		fmt.Println("Remove the device once its activity light settles.")
	}
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
