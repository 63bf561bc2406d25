package cmd

import (
	"context"
	"fmt"
	"time"

	"buildswarm/internal/config"
	"buildswarm/internal/logging"
	"buildswarm/internal/provider"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var validateOnline bool

// validateCmd represents the validate command
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	Long: `Load and validate the config file. With --online every pool credential is tested by
listing the servers of its account.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			logging.Logger().Fatal("Invalid configuration", zap.String("path", config.Path()), zap.Error(err))
		}

		fmt.Printf("Configuration %s is valid\n", config.Path())
		for _, pool := range cfg.Pools {
			fmt.Printf("- pool %s (%s): %d templates, cap %d\n",
				pool.ID, pool.Provider.Type, len(pool.Templates), pool.InstanceCap)
		}

		if !validateOnline {
			return
		}

		failed := 0
		for _, pool := range cfg.Pools {
			if err := testConnection(pool); err != nil {
				failed++
				fmt.Printf("pool %s: connection failed: %v\n", pool.ID, err)
			}
		}
		if failed > 0 {
			logging.Logger().Fatal("Connection test failed", zap.Int("pools", failed))
		}
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateOnline, "online", false, "Test every pool credential against its provider")
}

func testConnection(pool config.Pool) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	gw, err := provider.New(ctx, pool.Provider)
	if err != nil {
		return err
	}
	servers, err := gw.ListServers(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("pool %s: connection ok, %d servers visible\n", pool.ID, len(servers))
	return nil
}
