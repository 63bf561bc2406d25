package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	serverAddr string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "buildswarm",
	Short: "Elastic build nodes on cloud servers",
	Long: `buildswarm creates cloud servers on demand for a build scheduler, turns them into
attached build agents over SSH and deletes them again once they are no longer needed.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if configPath != "" {
			os.Setenv("CONFIG_PATH", configPath)
		}
	},
}

// Execute adds all child commands to the root command and runs it
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (overrides CONFIG_PATH)")
}

// addServerFlag registers the address of a running buildswarm server on a client command
func addServerFlag(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&serverAddr, "server", "s", "localhost:50051", "Server address")
}
