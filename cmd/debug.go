/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"fmt"
	"time"

	"buildswarm/internal/config"
	"buildswarm/internal/fleet"
	"buildswarm/internal/logging"

	"go.uber.org/zap"

	"github.com/spf13/cobra"
)

var (
	debugLabel string
	debugKeep  bool
)

// debugCmd represents the debug command
var debugCmd = &cobra.Command{
	Use:   "debug <pool>",
	Short: "Debug command to create and bootstrap a single node",
	Long: `Debug command creates one node in the given pool without a running server, bootstraps
it over SSH and removes it again. This is useful for testing templates and init scripts.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		logging.Logger().Info("Loading configuration")
		cfg, err := config.Load()
		if err != nil {
			logging.Logger().Fatal("Failed to load configuration", zap.Error(err))
		}

		ctx := context.Background()

		svc, err := fleet.New(ctx, cfg)
		if err != nil {
			logging.Logger().Fatal("Failed to create fleet service", zap.Error(err))
		}
		defer svc.Close()
		if err := svc.Start(); err != nil {
			logging.Logger().Fatal("Failed to start fleet service", zap.Error(err))
		}

		planned, err := svc.Provision(ctx, args[0], debugLabel, 1)
		if err != nil {
			logging.Logger().Fatal("Failed to plan node", zap.Error(err))
		}
		if len(planned) == 0 {
			logging.Logger().Fatal("No template of the pool can serve the label",
				zap.String("pool", args[0]),
				zap.String("label", debugLabel))
		}

		node := planned[0]
		logging.Logger().Info("Waiting for node",
			zap.String("name", node.Name),
			zap.String("template", node.TemplateID))

		start := time.Now()
		attached, err := node.Wait()
		if err != nil {
			logging.Logger().Fatal("Bootstrap failed", zap.String("name", node.Name), zap.Error(err))
		}
		if attached == nil {
			logging.Logger().Fatal("Node was dropped by a capacity recheck", zap.String("name", node.Name))
		}

		fmt.Printf("Node %s attached in %s\n", attached.Node.Name, time.Since(start).Truncate(time.Second))
		fmt.Printf("Server: %s\n", attached.Node.ServerID)
		fmt.Printf("Address: %s:%d\n", attached.Node.Host, attached.Node.Port)

		if debugKeep {
			fmt.Println("Keeping node, press Ctrl+C to detach")
			<-attached.Done()
			return
		}

		if err := svc.Remove(ctx, attached.Node.Name); err != nil {
			logging.Logger().Fatal("Failed to remove node", zap.Error(err))
		}
		// wait for the queued deletion before the service shuts down
		deadline := time.Now().Add(5 * time.Minute)
		for len(svc.Pending()) > 0 {
			if time.Now().After(deadline) {
				logging.Logger().Fatal("Server deletion still pending", zap.String("server", attached.Node.ServerID))
			}
			time.Sleep(time.Second)
		}
		fmt.Printf("Node %s removed\n", attached.Node.Name)
	},
}

func init() {
	rootCmd.AddCommand(debugCmd)

	debugCmd.Flags().StringVarP(&debugLabel, "label", "l", "", "Label expression the node must satisfy")
	debugCmd.Flags().BoolVar(&debugKeep, "keep", false, "Keep the node attached until interrupted")
}
