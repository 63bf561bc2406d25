package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"buildswarm/internal/logging"
	"buildswarm/internal/server"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const clientTimeout = 30 * time.Second

// withClient dials the server, runs call and exits the process on failure
func withClient(call func(ctx context.Context, c *server.Client) error) {
	c, err := server.NewClient(serverAddr)
	if err != nil {
		logging.Logger().Fatal("Did not connect", zap.Error(err))
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), clientTimeout)
	defer cancel()

	if err := call(ctx, c); err != nil {
		logging.Logger().Fatal("Request failed", zap.String("server", serverAddr), zap.Error(err))
	}
}

// printYAML writes v to stdout as YAML
func printYAML(v any) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return enc.Close()
}
