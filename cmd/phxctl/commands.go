package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Bboy9090/PhoenixCore/pkg/report"
	"github.com/Bboy9090/PhoenixCore/pkg/workflow"
)

// newGraphCmd creates the graph command
func newGraphCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "graph",
		Short: "Show the captured device graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(baseURL)
			graph, err := client.getGraph()
			if err != nil {
				return err
			}
			if outputJSON {
				printJSON(graph)
				return nil
			}
			fmt.Printf("Graph %s captured %s\n", graph.GraphID, graph.CapturedAt.Format(time.RFC3339))
			fmt.Printf("Host: %s (%s %s)\n", graph.Host.Hostname, graph.Host.OS, graph.Host.OSVersion)
			fmt.Printf("Disks: %d\n", len(graph.Disks))
			return nil
		},
	}
}

// newDisksCmd creates the disks command
func newDisksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disks",
		Short: "List disks with safety classification",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(baseURL)
			graph, err := client.getGraph()
			if err != nil {
				return err
			}
			if outputJSON {
				printJSON(graph.Disks)
				return nil
			}
			headers := []string{"ID", "DEVICE", "SIZE", "BUS", "REMOVABLE", "SYSTEM"}
			rows := [][]string{}
			for _, d := range graph.Disks {
				system := "-"
				if d.IsSystemDisk {
					system = color.RedString("yes")
				}
				removable := "-"
				if d.Removable {
					removable = "yes"
				}
				rows = append(rows, []string{
					d.ID, d.DevicePath, formatBytes(d.SizeBytes), string(d.Bus), removable, system,
				})
			}
			printTable(headers, rows)
			return nil
		},
	}
}

// newTokenCmd creates the token command group
func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Confirmation token commands",
	}

	mint := &cobra.Command{
		Use:   "mint [disk-id]",
		Short: "Mint a confirmation token for one destructive operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			op, _ := cmd.Flags().GetString("op")
			ttl, _ := cmd.Flags().GetInt("ttl")
			client := newAPIClient(baseURL)
			minted, err := client.mintToken(args[0], op, ttl)
			if err != nil {
				return err
			}
			if outputJSON {
				printJSON(minted)
				return nil
			}
			fmt.Printf("✓ Token minted for %s on %s\n", minted.Op, minted.DiskID)
			fmt.Printf("  Token:   %s\n", minted.Token)
			fmt.Printf("  Expires: %s\n", minted.ExpiresAt.Format(time.RFC3339))
			fmt.Printf("\n⚠ The token is shown once and consumed by a single gate decision.\n")
			return nil
		},
	}
	mint.Flags().String("op", "apply-image", "operation the token authorizes")
	mint.Flags().Int("ttl", 0, "token lifetime in seconds (0 uses the server default)")
	cmd.AddCommand(mint)

	return cmd
}

// newWorkflowCmd creates the workflow command group
func newWorkflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Validate and run workflow documents",
	}

	validate := &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a workflow document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := loadWorkflowDoc(args[0])
			if err != nil {
				return err
			}
			client := newAPIClient(baseURL)
			res, err := client.validateWorkflow(doc)
			if err != nil {
				return err
			}
			if outputJSON {
				printJSON(res)
				return nil
			}
			fmt.Printf("%s %s (%s), %d steps\n", color.GreenString("✓"), res.Name, res.ID, res.Steps)
			return nil
		},
	}

	run := &cobra.Command{
		Use:   "run [file]",
		Short: "Run a workflow document",
		Long: `Run a workflow document against the local phoenixd.

Destructive steps are denied unless --force is given together with a
--confirm-token minted for each target disk. The command follows the run
log until the run finishes; --no-wait prints the run id and returns.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := loadWorkflowDoc(args[0])
			if err != nil {
				return err
			}
			force, _ := cmd.Flags().GetBool("force")
			tokens, _ := cmd.Flags().GetStringToString("confirm-token")
			sets, _ := cmd.Flags().GetStringToString("set")
			noWait, _ := cmd.Flags().GetBool("no-wait")

			overrides := make(map[string]any, len(sets))
			for k, v := range sets {
				overrides[k] = v
			}

			client := newAPIClient(baseURL)
			runID, err := client.runWorkflow(doc, force, tokens, overrides)
			if err != nil {
				return err
			}
			if noWait {
				if outputJSON {
					printJSON(map[string]string{"run_id": runID})
				} else {
					fmt.Printf("✓ Run started: %s\n", runID)
				}
				return nil
			}
			fmt.Printf("✓ Run started: %s\n", runID)
			return watchRun(client, runID)
		},
	}
	run.Flags().Bool("force", false, "acknowledge destructive steps")
	run.Flags().StringToString("confirm-token", nil, "confirmation token per disk (disk-id=token)")
	run.Flags().StringToString("set", nil, "override a declared step param (key=value)")
	run.Flags().Bool("no-wait", false, "do not follow the run, print the run id and exit")

	cmd.AddCommand(validate, run)
	return cmd
}

// newRunsCmd creates the runs command group
func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect workflow runs",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			client := newAPIClient(baseURL)
			runs, err := client.listRuns(limit)
			if err != nil {
				return err
			}
			if outputJSON {
				printJSON(runs)
				return nil
			}
			headers := []string{"RUN", "WORKFLOW", "STATUS", "STARTED", "BUNDLE"}
			rows := [][]string{}
			for _, e := range runs {
				rows = append(rows, []string{
					shortID(e.RunID), e.WorkflowID, statusString(e.Status),
					e.StartedAt.Format(time.RFC3339), e.BundlePath,
				})
			}
			printTable(headers, rows)
			return nil
		},
	}
	list.Flags().Int("limit", 20, "maximum runs to list")

	show := &cobra.Command{
		Use:   "show [run-id]",
		Short: "Show one run in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(baseURL)
			run, err := client.getRun(args[0])
			if err != nil {
				return err
			}
			if outputJSON {
				printJSON(run)
				return nil
			}
			printRunSummary(run)
			return nil
		},
	}

	logCmd := &cobra.Command{
		Use:   "log [run-id]",
		Short: "Print the run log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			follow, _ := cmd.Flags().GetBool("follow")
			cursor, _ := cmd.Flags().GetInt("cursor")
			client := newAPIClient(baseURL)
			if !follow {
				entries, _, err := client.runLog(args[0], cursor)
				if err != nil {
					return err
				}
				for _, e := range entries {
					printLogEntry(e)
				}
				return nil
			}
			return watchRun(client, args[0])
		},
	}
	logCmd.Flags().Bool("follow", false, "keep polling until the run finishes")
	logCmd.Flags().Int("cursor", 0, "start after this many log lines")

	cancel := &cobra.Command{
		Use:   "cancel [run-id]",
		Short: "Request cancellation of a running workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(baseURL)
			if err := client.cancelRun(args[0]); err != nil {
				return err
			}
			fmt.Printf("✓ Cancellation requested for %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, show, logCmd, cancel)
	return cmd
}

// newReportCmd creates the report command group
func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Verify and export evidence bundles",
	}

	verify := &cobra.Command{
		Use:   "verify [bundle-dir]",
		Short: "Verify one evidence bundle against its manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(baseURL)
			v, err := client.verifyReport(args[0])
			if err != nil {
				return err
			}
			if outputJSON {
				printJSON(v)
			} else {
				printVerification(v)
			}
			if !v.OK {
				return fmt.Errorf("bundle %s failed verification", v.Dir)
			}
			return nil
		},
	}

	verifyTree := &cobra.Command{
		Use:   "verify-tree [root]",
		Short: "Verify every bundle under a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := ""
			if len(args) > 0 {
				root = args[0]
			}
			client := newAPIClient(baseURL)
			tr, err := client.verifyTree(root)
			if err != nil {
				return err
			}
			if outputJSON {
				printJSON(tr)
				return nil
			}
			for _, v := range tr.Bundles {
				printVerification(v)
			}
			for _, dir := range tr.Skipped {
				fmt.Printf("%s %s (manifest unreadable)\n", color.RedString("✗"), dir)
			}
			if !tr.OK {
				return fmt.Errorf("%d bundles under %s failed verification", badBundles(tr), tr.Root)
			}
			fmt.Printf("%s %d bundles verified under %s\n", color.GreenString("✓"), len(tr.Bundles), tr.Root)
			return nil
		},
	}

	export := &cobra.Command{
		Use:   "export [run-id] [output.zip]",
		Short: "Export a run's evidence bundle as a zip archive",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(baseURL)
			size, err := client.exportReport(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("✓ Exported %s (%s)\n", args[1], formatBytes(uint64(size)))
			return nil
		},
	}

	cmd.AddCommand(verify, verifyTree, export)
	return cmd
}

// newPackCmd creates the pack command group
func newPackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pack",
		Short: "Validate, sign and run workflow packs",
	}

	validate := &cobra.Command{
		Use:   "validate [dir]",
		Short: "Validate a pack directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(baseURL)
			raw, err := client.packValidate(args[0])
			if err != nil {
				return err
			}
			if outputJSON {
				os.Stdout.Write(raw)
				fmt.Println()
				return nil
			}
			fmt.Printf("%s pack %s is valid\n", color.GreenString("✓"), args[0])
			return nil
		},
	}

	run := &cobra.Command{
		Use:   "run [dir]",
		Short: "Run every workflow in a pack, in manifest order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			tokens, _ := cmd.Flags().GetStringToString("confirm-token")
			sets, _ := cmd.Flags().GetStringToString("set")
			overrides := make(map[string]any, len(sets))
			for k, v := range sets {
				overrides[k] = v
			}
			client := newAPIClient(baseURL)
			runs, err := client.packRun(args[0], force, tokens, overrides)
			if err != nil {
				return err
			}
			if outputJSON {
				printJSON(runs)
				return nil
			}
			for _, r := range runs {
				fmt.Printf("%s %s (%s) -> %s\n", statusGlyph(r.Status), r.WorkflowID, shortID(r.RunID), r.BundlePath)
			}
			return nil
		},
	}
	run.Flags().Bool("force", false, "acknowledge destructive steps")
	run.Flags().StringToString("confirm-token", nil, "confirmation token per disk (disk-id=token)")
	run.Flags().StringToString("set", nil, "override a declared step param (key=value)")

	sign := &cobra.Command{
		Use:   "sign [dir]",
		Short: "Sign a pack manifest with the bench key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(baseURL)
			sig, err := client.packSign(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("✓ Signature written to %s\n", sig)
			return nil
		},
	}

	verify := &cobra.Command{
		Use:   "verify [dir]",
		Short: "Verify a pack manifest signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(baseURL)
			if err := client.packVerify(args[0]); err != nil {
				return err
			}
			fmt.Printf("%s pack signature valid\n", color.GreenString("✓"))
			return nil
		},
	}

	export := &cobra.Command{
		Use:   "export [dir] [output.zip]",
		Short: "Export a pack as a zip archive",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(baseURL)
			size, err := client.packExport(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("✓ Exported %s (%s)\n", args[1], formatBytes(uint64(size)))
			return nil
		},
	}

	cmd.AddCommand(validate, run, sign, verify, export)
	return cmd
}

// newVersionCmd creates the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show phxctl version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("phxctl version %s\n", Version)
			fmt.Printf("  Build time: %s\n", BuildTime)
			fmt.Printf("  Git commit: %s\n", GitCommit)
		},
	}
}

// newCompletionCmd creates the completion command
func newCompletionCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "completion [bash|zsh|fish|powershell]",
		Short:     "Generate shell completion script",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "bash":
				return rootCmd.GenBashCompletion(os.Stdout)
			case "zsh":
				return rootCmd.GenZshCompletion(os.Stdout)
			case "fish":
				return rootCmd.GenFishCompletion(os.Stdout, true)
			case "powershell":
				return rootCmd.GenPowerShellCompletionWithDesc(os.Stdout)
			default:
				return fmt.Errorf("unsupported shell: %s", args[0])
			}
		},
	}
}

// Helpers

// loadWorkflowDoc reads and locally validates a workflow file, returning the
// canonical JSON the API accepts. YAML documents are converted.
func loadWorkflowDoc(path string) ([]byte, error) {
	wf, err := workflow.Load(path)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wf)
}

// watchRun follows a run's log until it reaches a terminal state.
func watchRun(client *APIClient, runID string) error {
	cursor := 0
	for {
		entries, next, err := client.runLog(runID, cursor)
		if err == nil {
			for _, e := range entries {
				printLogEntry(e)
			}
			cursor = next
		}
		run, err := client.getRun(runID)
		if err != nil {
			return err
		}
		if run.Status != workflow.RunRunning {
			if entries, _, err := client.runLog(runID, cursor); err == nil {
				for _, e := range entries {
					printLogEntry(e)
				}
			}
			printRunSummary(run)
			if run.Status != workflow.RunSuccess {
				return fmt.Errorf("run %s finished %s", run.ID, run.Status)
			}
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func printLogEntry(e logEntry) {
	level := e.Level
	if level == "error" {
		level = color.RedString("%-5s", level)
	} else {
		level = fmt.Sprintf("%-5s", level)
	}
	step := e.StepID
	if step == "" {
		step = "-"
	}
	fmt.Printf("%s %s %-12s %s\n", e.TS.Format("15:04:05"), level, step, e.Msg)
}

func printRunSummary(run *workflow.Run) {
	fmt.Printf("\nRun %s: %s\n", run.ID, statusString(string(run.Status)))
	fmt.Printf("Workflow: %s (%s)\n", run.WorkflowName, run.WorkflowID)
	if run.Error != "" {
		fmt.Printf("Error: %s\n", run.Error)
	}
	for _, st := range run.Steps {
		fmt.Printf("  %s %-16s %-22s %s\n", statusGlyph(string(st.Status)), st.ID, st.Action, st.Status)
	}
	fmt.Printf("Evidence: %s\n", run.BundlePath)
}

func printVerification(v *report.Verification) {
	if v.OK {
		fmt.Printf("%s %s (%d files, signature %s)\n", color.GreenString("✓"), v.Dir, v.FilesChecked, v.Signature)
		return
	}
	fmt.Printf("%s %s (signature %s)\n", color.RedString("✗"), v.Dir, v.Signature)
	for _, f := range v.Mismatched {
		fmt.Printf("    mismatched: %s\n", f)
	}
	for _, f := range v.Missing {
		fmt.Printf("    missing:    %s\n", f)
	}
	for _, f := range v.Unlisted {
		fmt.Printf("    unlisted:   %s\n", f)
	}
}

func badBundles(tr *report.TreeResult) int {
	n := len(tr.Skipped)
	for _, v := range tr.Bundles {
		if !v.OK {
			n++
		}
	}
	return n
}

func statusString(status string) string {
	switch status {
	case string(workflow.RunSuccess):
		return color.GreenString(status)
	case string(workflow.RunFailure):
		return color.RedString(status)
	case string(workflow.RunCancelled):
		return color.YellowString(status)
	default:
		return status
	}
}

func statusGlyph(status string) string {
	switch status {
	case string(workflow.RunSuccess), string(workflow.StepSuccess):
		return color.GreenString("✓")
	case string(workflow.RunFailure), string(workflow.StepFailure):
		return color.RedString("✗")
	case string(workflow.RunCancelled), string(workflow.StepNotRun):
		return color.YellowString("-")
	default:
		return "●"
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func printJSON(data any) {
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return
	}
	fmt.Println(string(out))
}

func printTable(headers []string, rows [][]string) {
	for _, header := range headers {
		fmt.Printf("%-22s", header)
	}
	fmt.Println()
	for _, row := range rows {
		for _, col := range row {
			fmt.Printf("%-22s", col)
		}
		fmt.Println()
	}
}

// formatBytes renders a size in binary units.
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
