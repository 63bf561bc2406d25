package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"buildswarm/internal/config"
	"buildswarm/internal/fleet"
	"buildswarm/internal/logging"
	"buildswarm/internal/server"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the buildswarm server",
	Long:  `Start the gRPC server the build scheduler talks to. All settings are read from the config file.`,
	Run: func(cmd *cobra.Command, args []string) {
		logging.Logger().Info("Starting buildswarm server")

		cfg, err := config.Load()
		if err != nil {
			logging.Logger().Fatal("Failed to load configuration", zap.Error(err))
		}

		logging.Logger().Info("Configuration loaded",
			zap.Int("port", cfg.Server.Port),
			zap.Strings("etcd_endpoints", cfg.Etcd.Endpoints),
			zap.Int("pools", len(cfg.Pools)),
			zap.Int("bootstrap_concurrency", cfg.Bootstrap.Concurrency),
		)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		svc, err := fleet.New(ctx, cfg)
		if err != nil {
			logging.Logger().Fatal("Failed to create fleet service", zap.Error(err))
		}
		defer svc.Close()

		if err := svc.Start(); err != nil {
			logging.Logger().Fatal("Failed to start fleet service", zap.Error(err))
		}

		srv := server.NewServer(svc)
		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Start(cfg.Server.Port)
		}()

		select {
		case <-ctx.Done():
			logging.Logger().Info("Shutting down")
			srv.Stop()
		case err := <-errCh:
			if err != nil {
				logging.Logger().Error("Server failed", zap.Error(err))
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
