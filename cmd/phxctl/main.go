package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version info (set by build)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// Global flags
	cfgFile    string
	baseURL    string
	outputJSON bool
	verbose    bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "phxctl",
	Short: "PhoenixCore command-line interface",
	Long: `phxctl drives a local phoenixd: inspect the device graph, mint
confirmation tokens, run installer-media workflows, and verify the
evidence bundles they produce.`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/phoenix/cli.yaml)")
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", "", "phoenixd API URL")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.AddCommand(
		newGraphCmd(),
		newDisksCmd(),
		newTokenCmd(),
		newWorkflowCmd(),
		newRunsCmd(),
		newReportCmd(),
		newPackCmd(),
		newVersionCmd(),
		newCompletionCmd(),
	)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("cli")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("$HOME/.config/phoenix")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("PHX")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}

	if baseURL == "" {
		baseURL = viper.GetString("url")
		if baseURL == "" {
			baseURL = "http://127.0.0.1:9811"
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
