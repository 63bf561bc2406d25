package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"buildswarm/internal/server"

	"github.com/spf13/cobra"
)

// decommissionCmd represents the decommission command
var decommissionCmd = &cobra.Command{
	Use:   "decommission <pool> <server id>",
	Short: "Queue a cloud server for deletion",
	Long: `Queue a server of the pool account for deletion. The server is deleted in the
background and retried until the provider confirms it is gone.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		withClient(func(ctx context.Context, c *server.Client) error {
			if err := c.Decommission(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("Server %s queued for deletion\n", args[1])
			return nil
		})
	},
}

// pendingCmd represents the pending command
var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List servers waiting for deletion",
	Run: func(cmd *cobra.Command, args []string) {
		withClient(func(ctx context.Context, c *server.Client) error {
			pending, err := c.ListPending(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SERVER\tCREDENTIAL\tENQUEUED\tATTEMPTS\tLAST ERROR")
			for _, d := range pending {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					d.ServerID, d.CredentialKey, d.EnqueuedAt.Format("2006-01-02 15:04:05"), d.Attempts, d.LastError)
			}
			return w.Flush()
		})
	},
}

func init() {
	rootCmd.AddCommand(decommissionCmd, pendingCmd)

	addServerFlag(decommissionCmd)
	addServerFlag(pendingCmd)
}
