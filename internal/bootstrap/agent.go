package bootstrap

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"

	"buildswarm/internal/config"
	"buildswarm/internal/logging"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// AgentSource provides the agent payload pushed to nodes
type AgentSource interface {
	Payload(ctx context.Context) ([]byte, error)
}

// NewAgentSource chooses a file or URL source from configuration
func NewAgentSource(cfg config.AgentConfig) (AgentSource, error) {
	switch {
	case cfg.Path != "":
		return &FileAgent{Path: cfg.Path}, nil
	case cfg.URL != "":
		return NewURLAgent(cfg.URL), nil
	}
	return nil, fmt.Errorf("agent path or url is required")
}

// FileAgent reads the payload from the local filesystem on every bootstrap
type FileAgent struct {
	Path string
}

func (a *FileAgent) Payload(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(a.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent payload: %w", err)
	}
	return data, nil
}

// URLAgent downloads the payload once and serves it from memory afterwards
type URLAgent struct {
	URL    string
	client *retryablehttp.Client

	mu      sync.Mutex
	payload []byte
}

// NewURLAgent creates a source downloading from url
func NewURLAgent(url string) *URLAgent {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = nil
	return &URLAgent{URL: url, client: client}
}

func (a *URLAgent) Payload(ctx context.Context) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.payload != nil {
		return a.payload, nil
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build agent request: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download agent: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download agent: unexpected status %s", resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent payload: %w", err)
	}

	logging.Logger().Info("Downloaded agent payload",
		zap.String("url", a.URL),
		zap.Int("size_bytes", len(data)))
	a.payload = data
	return data, nil
}

// StaticAgent serves a fixed payload
type StaticAgent []byte

func (a StaticAgent) Payload(context.Context) ([]byte, error) {
	return a, nil
}
