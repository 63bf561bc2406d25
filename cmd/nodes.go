package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"buildswarm/internal/server"

	"github.com/spf13/cobra"
)

var idleBusy bool

// nodesCmd represents the nodes command
var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List managed nodes",
	Run: func(cmd *cobra.Command, args []string) {
		withClient(func(ctx context.Context, c *server.Client) error {
			nodes, err := c.ListNodes(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tPOOL\tTEMPLATE\tSERVER\tHOST\tEXECUTORS\tLABELS\tIDLE")
			for _, n := range nodes {
				idle := "-"
				if n.Idle() {
					idle = time.Since(n.IdleSince).Truncate(time.Second).String()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					n.Name, n.PoolID, n.TemplateID, n.ServerID, n.Host, n.Executors,
					strings.Join(n.Labels, ","), idle)
			}
			return w.Flush()
		})
	},
}

// removeCmd represents the remove command
var removeCmd = &cobra.Command{
	Use:   "remove <node>",
	Short: "Remove a node and delete its server",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withClient(func(ctx context.Context, c *server.Client) error {
			if err := c.RemoveNode(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Node %s removed\n", args[0])
			return nil
		})
	},
}

// idleCmd represents the idle command
var idleCmd = &cobra.Command{
	Use:   "idle <node>",
	Short: "Mark a node idle, or busy with --busy",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withClient(func(ctx context.Context, c *server.Client) error {
			return c.SetIdle(ctx, args[0], !idleBusy)
		})
	},
}

func init() {
	rootCmd.AddCommand(nodesCmd, removeCmd, idleCmd)

	addServerFlag(nodesCmd)
	addServerFlag(removeCmd)
	addServerFlag(idleCmd)
	idleCmd.Flags().BoolVar(&idleBusy, "busy", false, "Mark the node busy instead")
}
