package cmd

import (
	"context"
	"fmt"

	"buildswarm/internal/server"

	"github.com/spf13/cobra"
)

var (
	provisionPool   string
	provisionLabel  string
	provisionDemand int
)

// provisionCmd represents the provision command
var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Plan new nodes for a label",
	Long: `Ask the server to plan nodes for the given label and excess executor demand.
The planned nodes are created and bootstrapped in the background.`,
	Run: func(cmd *cobra.Command, args []string) {
		withClient(func(ctx context.Context, c *server.Client) error {
			nodes, err := c.Provision(ctx, provisionPool, provisionLabel, provisionDemand)
			if err != nil {
				return err
			}
			if len(nodes) == 0 {
				fmt.Println("No nodes planned")
				return nil
			}
			for _, n := range nodes {
				fmt.Printf("- %s (template %s, %d executors)\n", n.Name, n.Template, n.Executors)
			}
			return nil
		})
	},
}

// canProvisionCmd represents the can-provision command
var canProvisionCmd = &cobra.Command{
	Use:   "can-provision",
	Short: "Check whether a label can be served",
	Run: func(cmd *cobra.Command, args []string) {
		withClient(func(ctx context.Context, c *server.Client) error {
			allowed, err := c.CanProvision(ctx, provisionPool, provisionLabel)
			if err != nil {
				return err
			}
			fmt.Println(allowed)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(provisionCmd, canProvisionCmd)

	for _, c := range []*cobra.Command{provisionCmd, canProvisionCmd} {
		c.Flags().StringVarP(&provisionPool, "pool", "p", "", "Pool id (all pools when empty)")
		c.Flags().StringVarP(&provisionLabel, "label", "l", "", "Label expression of the pending builds")
		addServerFlag(c)
	}
	provisionCmd.Flags().IntVarP(&provisionDemand, "demand", "d", 1, "Executors needed")
}
