package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "phoenix-usb",
		Short: "Guided installer media builder",
		Long: `phoenix-usb walks a bench operator through turning a removable disk into
bootable OS installer media: pick a target, inspect the source image,
confirm destruction, then build the volume and seal the evidence bundle.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGuided(opts)
		},
	}

	rootCmd.Flags().StringVar(&opts.DiskID, "disk", "", "target disk id (skips the selection prompt)")
	rootCmd.Flags().StringVar(&opts.Source, "source", "", "path to the installer image")
	rootCmd.Flags().StringVar(&opts.OS, "os", "", "installer type: windows, linux or macos")
	rootCmd.Flags().StringVar(&opts.Label, "label", "", "volume label for the formatted disk")
	rootCmd.Flags().StringVar(&opts.StageDir, "stage-dir", "", "extracted payload tree to stage onto the volume")
	rootCmd.Flags().StringVar(&opts.TargetMount, "target-mount", "", "mount point of the formatted volume, required with --stage-dir")
	rootCmd.Flags().BoolVar(&opts.Force, "force", false, "acknowledge that the target disk will be destroyed")
	rootCmd.Flags().BoolVar(&opts.Yes, "yes", false, "skip the confirmation prompts (requires --disk, --source, --os and --force)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("phoenix-usb %s (commit: %s)\n", version, commit)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
