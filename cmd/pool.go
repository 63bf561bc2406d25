package cmd

import (
	"context"

	"buildswarm/internal/server"

	"github.com/spf13/cobra"
)

// optionsCmd represents the options command
var optionsCmd = &cobra.Command{
	Use:   "options <pool>",
	Short: "List hardware flavors and images of a pool",
	Long:  `List the hardware flavors and appliance images a template of the pool may select.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withClient(func(ctx context.Context, c *server.Client) error {
			options, err := c.ListOptions(ctx, args[0])
			if err != nil {
				return err
			}
			return printYAML(map[string]any{
				"hardware":   options.Hardware,
				"appliances": options.Appliances,
			})
		})
	},
}

// serversCmd represents the servers command
var serversCmd = &cobra.Command{
	Use:   "servers <pool>",
	Short: "List the cloud servers of a pool account",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withClient(func(ctx context.Context, c *server.Client) error {
			servers, err := c.ListServers(ctx, args[0])
			if err != nil {
				return err
			}
			return printYAML(servers)
		})
	},
}

func init() {
	rootCmd.AddCommand(optionsCmd, serversCmd)

	addServerFlag(optionsCmd)
	addServerFlag(serversCmd)
}
